// Package relay forwards inbound messages to the operator's upstream
// endpoint. Delivery is asynchronous over a small worker pool so a slow
// upstream never backpressures the session event loops, and each payload
// gets exactly one attempt: this path favors low latency over delivery
// guarantees.
package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1000
	requestTimeout   = 10 * time.Second
)

type Config struct {
	// Upstream endpoint receiving inbound messages. Empty disables the
	// relay entirely.
	URL string
	// Secret for the HMAC signature headers. Empty sends unsigned.
	Secret    string
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Payload is the JSON document posted upstream for each inbound message.
type Payload struct {
	InstanceID string    `json:"instance_id"`
	MessageID  string    `json:"message_id"`
	Chat       string    `json:"chat"`
	Sender     string    `json:"sender"`
	PushName   string    `json:"push_name,omitempty"`
	Body       string    `json:"body"`
	IsGroup    bool      `json:"is_group"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

type Relay struct {
	cfg        Config
	httpClient *http.Client
	queue      chan Payload
	enabled    bool
	closed     atomic.Bool
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	// Optional observer invoked once per accepted message.
	OnAccept func(Payload)
}

func New(cfg Config) (*Relay, error) {
	cfg = cfg.withDefaults()

	enabled := cfg.URL != ""
	if enabled {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse relay url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("relay url must be http or https, got %q", u.Scheme)
		}
		if u.Scheme == "http" {
			log.Print(nil).Warn("inbound relay target is plain http")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		queue:      make(chan Payload, cfg.QueueSize),
		enabled:    enabled,
		ctx:        ctx,
		cancel:     cancel,
	}

	if enabled {
		for i := 0; i < cfg.Workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	}
	return r, nil
}

func (r *Relay) Enabled() bool {
	return r.enabled
}

// Accept queues one inbound message for upstream delivery. Group messages
// without an identifiable author are dropped, and a full queue drops the
// message rather than blocking the caller. Messages arriving after
// Shutdown are dropped.
func (r *Relay) Accept(instanceID string, in whatsapp.Inbound) {
	if r.closed.Load() {
		return
	}
	if in.IsGroup && in.Sender == "" {
		log.Instance(instanceID).Debug("dropping authorless group message")
		return
	}

	p := Payload{
		InstanceID: instanceID,
		MessageID:  in.MessageID,
		Chat:       in.Chat,
		Sender:     in.Sender,
		PushName:   in.PushName,
		Body:       in.Body,
		IsGroup:    in.IsGroup,
		Timestamp:  in.Timestamp,
		ReceivedAt: time.Now(),
	}

	if r.OnAccept != nil {
		r.OnAccept(p)
	}
	if !r.enabled {
		return
	}

	select {
	case r.queue <- p:
	default:
		log.Instance(instanceID).Warn("relay queue full, dropping inbound message")
	}
}

// Shutdown stops the workers. Payloads still queued are dropped.
func (r *Relay) Shutdown() {
	if r.closed.Swap(true) {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Relay) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case p := <-r.queue:
			r.deliver(p)
		}
	}
}

// deliver posts the payload upstream exactly once. A failed delivery is
// logged and forgotten.
func (r *Relay) deliver(p Payload) {
	payload, err := json.Marshal(p)
	if err != nil {
		log.Instance(p.InstanceID).Errorf("marshal relay payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		log.Instance(p.InstanceID).Errorf("build relay request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Instance", p.InstanceID)
	if r.cfg.Secret != "" {
		signature := Sign(payload, r.cfg.Secret)
		req.Header.Set("X-Gateway-Signature", signature)
		req.Header.Set("X-Hub-Signature-256", signature)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.Instance(p.InstanceID).Errorf("relay delivery failed: %v", err)
		return
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Instance(p.InstanceID).Errorf("relay delivery failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
}

// Sign computes the signature header value for a payload, exported so
// upstream consumers can verify it in their own tests.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
