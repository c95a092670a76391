package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapmesh/wagateway/pkg/dispatch"
	"github.com/zapmesh/wagateway/pkg/queue"
)

type fakePool struct {
	online []string
}

func (p *fakePool) ListOnline() []string {
	return p.online
}

type fakeDispatcher struct{}

func (fakeDispatcher) Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return dispatch.Result{Outcome: dispatch.OutcomeSent, Destination: req.Destination}, nil
}

func testApp(t *testing.T, pool Pool) (*fiber.App, *queue.Runner) {
	t.Helper()
	runner := queue.NewRunner(fakeDispatcher{}, queue.Config{
		MessageInterval: time.Millisecond,
		BatchSize:       10,
		BatchPause:      time.Millisecond,
	})
	t.Cleanup(runner.Shutdown)

	ctl := NewController(runner, pool)
	app := fiber.New()
	app.Post("/broadcast", ctl.Enqueue)
	app.Get("/broadcast/:job_id", ctl.Status)
	return app, runner
}

func postBroadcast(t *testing.T, app *fiber.App, payload map[string]interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/broadcast", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestEnqueueRejectedWhenNoSessionOnline(t *testing.T) {
	app, _ := testApp(t, &fakePool{})

	resp := postBroadcast(t, app, map[string]interface{}{
		"destinations": []string{"5531999990001"},
		"body":         "hello",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEnqueueRejectedWhenHintedInstanceOffline(t *testing.T) {
	app, _ := testApp(t, &fakePool{online: []string{"alpha"}})

	resp := postBroadcast(t, app, map[string]interface{}{
		"destinations": []string{"5531999990001"},
		"body":         "hello",
		"instance_id":  "bravo",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEnqueueAcceptedWithOnlineSession(t *testing.T) {
	app, runner := testApp(t, &fakePool{online: []string{"alpha"}})

	resp := postBroadcast(t, app, map[string]interface{}{
		"destinations": []string{"5531999990001"},
		"body":         "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data struct {
			JobID string `json:"job_id"`
			Total int    `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, 1, envelope.Data.Total)

	_, ok := runner.Status(envelope.Data.JobID)
	assert.True(t, ok, "the accepted job must be trackable")
}
