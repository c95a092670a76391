// Package dispatch routes outbound messages across the pool of online
// sessions: round-robin selection with an optional instance pin, duplicate
// suppression, transient retries on a different session, and the
// ninth-digit fallback for recipients whose registered number uses the
// opposite convention.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zapmesh/wagateway/pkg/dedup"
	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/phone"
	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

var (
	ErrNoSessionAvailable = errors.New("no online session available")
	ErrInvalidDestination = errors.New("destination is not a valid recipient")
)

const (
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 2 * time.Second
	DefaultSelectionTimeout = 30 * time.Second
	DefaultSelectionPoll    = 500 * time.Millisecond
)

// Sender is the slice of a session the dispatcher needs.
type Sender interface {
	SendText(ctx context.Context, destination string, body string) (string, error)
	SendImage(ctx context.Context, destination string, media whatsapp.Media) (string, error)
}

// Pool exposes the online sessions. Sender must return false for
// instances that are missing or not online.
type Pool interface {
	ListOnline() []string
	Sender(instanceID string) (Sender, bool)
}

type Config struct {
	// Total send attempts per message, spread across different sessions.
	RetryAttempts int
	RetryDelay    time.Duration
	// How long to wait for any session to come online before giving up.
	SelectionTimeout time.Duration
	SelectionPoll    time.Duration
	// Global outbound rate limit. Zero disables it.
	RatePerSecond float64
	RateBurst     int
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.SelectionTimeout <= 0 {
		c.SelectionTimeout = DefaultSelectionTimeout
	}
	if c.SelectionPoll <= 0 {
		c.SelectionPoll = DefaultSelectionPoll
	}
	return c
}

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

type Request struct {
	Destination string
	Body        string
	// Non-nil for image sends; Body still carries the caption for
	// duplicate suppression and logging.
	Media *whatsapp.Media
	// Pins the send to one instance instead of round-robin.
	InstanceHint string
}

type Result struct {
	Outcome    Outcome
	InstanceID string
	MessageID  string
	// The form actually delivered, which may be the ninth-digit alternate
	// of the requested destination.
	Destination string
}

// Record describes one finished dispatch for logging, metrics, and the
// outbound audit trail.
type Record struct {
	InstanceID  string
	Destination string
	MessageID   string
	Kind        string
	Preview     string
	Outcome     Outcome
	Error       string
	Duration    time.Duration
	Timestamp   time.Time
}

type Dispatcher struct {
	pool       Pool
	guard      *dedup.Guard
	normalizer phone.Normalizer
	cfg        Config
	limiter    *rate.Limiter
	rr         atomic.Uint64

	// Optional observer for finished dispatches.
	OnRecord func(Record)
}

func New(pool Pool, guard *dedup.Guard, normalizer phone.Normalizer, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		pool:       pool,
		guard:      guard,
		normalizer: normalizer,
		cfg:        cfg,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return d
}

// Send delivers one message. Duplicates inside the suppression window
// resolve successfully with OutcomeDuplicate and no network traffic.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	started := time.Now()

	destination, err := d.normalizer.Normalize(req.Destination)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}

	release, ok := d.guard.Acquire(destination, req.Body)
	if !ok {
		log.Dispatch("", destination).Info("duplicate suppressed")
		d.record(Record{Destination: destination, Kind: req.kind(), Preview: Preview(req.Body, previewMaxGraphemes), Outcome: OutcomeDuplicate, Duration: time.Since(started)})
		return Result{Outcome: OutcomeDuplicate, Destination: destination}, nil
	}

	result, err := d.deliver(ctx, req, destination)
	if err != nil {
		release(false)
		d.record(Record{
			InstanceID:  result.InstanceID,
			Destination: destination,
			Kind:        req.kind(),
			Preview:     Preview(req.Body, previewMaxGraphemes),
			Outcome:     OutcomeFailed,
			Error:       err.Error(),
			Duration:    time.Since(started),
		})
		return Result{}, err
	}

	release(true)
	d.record(Record{
		InstanceID:  result.InstanceID,
		Destination: result.Destination,
		MessageID:   result.MessageID,
		Kind:        req.kind(),
		Preview:     Preview(req.Body, previewMaxGraphemes),
		Outcome:     OutcomeSent,
		Duration:    time.Since(started),
	})
	return result, nil
}

func (req Request) kind() string {
	if req.Media != nil {
		return "image"
	}
	return "text"
}

func (d *Dispatcher) deliver(ctx context.Context, req Request, destination string) (Result, error) {
	var lastErr error
	excluded := make(map[string]bool)

	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		instanceID, sender, err := d.pickSession(ctx, req.InstanceHint, excluded)
		if err != nil {
			if lastErr != nil {
				return Result{}, fmt.Errorf("%w (last send error: %v)", err, lastErr)
			}
			return Result{}, err
		}

		if err := d.wait(ctx); err != nil {
			return Result{}, err
		}

		messageID, delivered, err := d.sendOnce(ctx, sender, req, destination)
		if err == nil {
			return Result{
				Outcome:     OutcomeSent,
				InstanceID:  instanceID,
				MessageID:   messageID,
				Destination: delivered,
			}, nil
		}

		if errors.Is(err, whatsapp.ErrRecipientNotOnNetwork) {
			// Both ninth-digit forms were rejected; a different session
			// will not change the network's answer.
			return Result{InstanceID: instanceID}, fmt.Errorf("%w: %s", ErrInvalidDestination, destination)
		}

		lastErr = err
		excluded[instanceID] = true
		log.Dispatch(instanceID, destination).Warnf("attempt %d/%d failed: %v", attempt, d.cfg.RetryAttempts, err)

		if attempt < d.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(d.cfg.RetryDelay):
			}
		}
	}

	return Result{}, fmt.Errorf("all %d attempts failed: %w", d.cfg.RetryAttempts, lastErr)
}

// sendOnce tries the canonical destination and falls back to the
// ninth-digit alternate when the network rejects the recipient.
func (d *Dispatcher) sendOnce(ctx context.Context, sender Sender, req Request, destination string) (string, string, error) {
	messageID, err := d.sendTo(ctx, sender, req, destination)
	if err == nil {
		return messageID, destination, nil
	}
	if !errors.Is(err, whatsapp.ErrRecipientNotOnNetwork) {
		return "", "", err
	}

	alt, ok := d.normalizer.AltCandidate(destination)
	if !ok {
		return "", "", err
	}

	log.Dispatch("", destination).Info("recipient not found, trying ninth-digit alternate")
	messageID, altErr := d.sendTo(ctx, sender, req, alt)
	if altErr != nil {
		return "", "", err
	}
	return messageID, alt, nil
}

func (d *Dispatcher) sendTo(ctx context.Context, sender Sender, req Request, destination string) (string, error) {
	if req.Media != nil {
		return sender.SendImage(ctx, destination, *req.Media)
	}
	return sender.SendText(ctx, destination, req.Body)
}

// pickSession resolves the hint or round-robins over the online pool,
// polling until the selection timeout when nothing is available yet.
func (d *Dispatcher) pickSession(ctx context.Context, hint string, excluded map[string]bool) (string, Sender, error) {
	deadline := time.Now().Add(d.cfg.SelectionTimeout)

	for {
		if hint != "" {
			if sender, ok := d.pool.Sender(hint); ok {
				return hint, sender, nil
			}
		} else {
			online := d.pool.ListOnline()
			candidates := online[:0:0]
			for _, id := range online {
				if !excluded[id] {
					candidates = append(candidates, id)
				}
			}
			// Every online session already failed this message, so let
			// them back in rather than stalling out.
			if len(candidates) == 0 && len(online) > 0 {
				candidates = online
			}
			if len(candidates) > 0 {
				id := candidates[int(d.rr.Add(1)-1)%len(candidates)]
				if sender, ok := d.pool.Sender(id); ok {
					return id, sender, nil
				}
			}
		}

		if time.Now().After(deadline) {
			if hint != "" {
				return "", nil, fmt.Errorf("%w: instance %s", ErrNoSessionAvailable, hint)
			}
			return "", nil, ErrNoSessionAvailable
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(d.cfg.SelectionPoll):
		}
	}
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.Wait(ctx)
}

func (d *Dispatcher) record(rec Record) {
	if d.OnRecord == nil {
		return
	}
	rec.Timestamp = time.Now()
	d.OnRecord(rec)
}
