package relay

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

type capture struct {
	mu       sync.Mutex
	requests int
	bodies   [][]byte
	headers  []http.Header
	failures int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.requests++
		if c.failures > 0 {
			c.failures--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *capture) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func testInbound() whatsapp.Inbound {
	return whatsapp.Inbound{
		MessageID: "IN1",
		Chat:      "5531999998888@s.whatsapp.net",
		Sender:    "5531999998888",
		Body:      "oi",
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestRelayDeliversSignedPayload(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	r, err := New(Config{URL: srv.URL, Secret: "topsecret"})
	require.NoError(t, err)
	defer r.Shutdown()

	r.Accept("alpha", testInbound())

	require.Eventually(t, func() bool {
		return cap.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cap.mu.Lock()
	defer cap.mu.Unlock()

	var p Payload
	require.NoError(t, json.Unmarshal(cap.bodies[0], &p))
	assert.Equal(t, "alpha", p.InstanceID)
	assert.Equal(t, "IN1", p.MessageID)
	assert.Equal(t, "oi", p.Body)

	assert.Equal(t, "alpha", cap.headers[0].Get("X-Gateway-Instance"))
	signature := cap.headers[0].Get("X-Gateway-Signature")
	assert.True(t, hmac.Equal([]byte(signature), []byte(Sign(cap.bodies[0], "topsecret"))))
	assert.Equal(t, signature, cap.headers[0].Get("X-Hub-Signature-256"))
}

func TestRelayDeliversEachPayloadOnce(t *testing.T) {
	cap := &capture{failures: 1}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	r, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	defer r.Shutdown()

	r.Accept("alpha", testInbound())

	require.Eventually(t, func() bool {
		return cap.requestCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The failed delivery is dropped, never retried.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cap.requestCount())
	assert.Equal(t, 0, cap.count())
}

func TestRelayAcceptAfterShutdown(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	r, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	r.Shutdown()

	require.NotPanics(t, func() {
		r.Accept("alpha", testInbound())
	})
	assert.Equal(t, 0, cap.requestCount())

	require.NotPanics(t, r.Shutdown, "shutdown must be idempotent")
}

func TestRelayDropsAuthorlessGroupMessages(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	r, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	defer r.Shutdown()

	in := testInbound()
	in.IsGroup = true
	in.Sender = ""
	r.Accept("alpha", in)

	in.Sender = "5531999998888"
	r.Accept("alpha", in)

	require.Eventually(t, func() bool {
		return cap.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, cap.count(), "the authorless group message must never be delivered")
}

func TestRelayDisabledWithoutURL(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	defer r.Shutdown()

	assert.False(t, r.Enabled())

	var accepted []Payload
	r.OnAccept = func(p Payload) { accepted = append(accepted, p) }

	// Accept must still feed observers even when nothing goes upstream.
	r.Accept("alpha", testInbound())
	assert.Len(t, accepted, 1)
}

func TestRelayRejectsBadURL(t *testing.T) {
	_, err := New(Config{URL: "ftp://example.com/hook"})
	assert.Error(t, err)
}
