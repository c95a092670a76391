package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

type fakeTransport struct {
	mu         sync.Mutex
	events     chan whatsapp.Event
	connectErr error
	connects   int
	connected  bool
	logouts    int
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan whatsapp.Event, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Events() <-chan whatsapp.Event { return f.events }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SendText(ctx context.Context, destination string, body string) (string, error) {
	return "MSG1", nil
}

func (f *fakeTransport) SendImage(ctx context.Context, destination string, media whatsapp.Media) (string, error) {
	return "MSG1", nil
}

func (f *fakeTransport) ListGroups(ctx context.Context) ([]whatsapp.Group, error) {
	return nil, nil
}

func (f *fakeTransport) ResolveRecipient(ctx context.Context, number string) (string, error) {
	return number + "@s.whatsapp.net", nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) emit(ev whatsapp.Event) {
	f.events <- ev
}

func factoryFor(ft *fakeTransport) whatsapp.Factory {
	return func(ctx context.Context, instanceID string) (whatsapp.Transport, error) {
		return ft, nil
	}
}

func fastConfig() Config {
	return Config{
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     3,
		StartupTimeout: time.Second,
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Snapshot().State == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached state %s", want)
}

func TestSessionPairingFlow(t *testing.T) {
	ft := newFakeTransport()
	s := New("alpha", factoryFor(ft), fastConfig(), Hooks{})
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))

	ft.emit(whatsapp.Event{Kind: whatsapp.EventChallenge, Challenge: &whatsapp.Challenge{ImageBase64: "data:image/png;base64,abc"}})
	waitForState(t, s, StateQRPending)
	assert.NotNil(t, s.Snapshot().Challenge)

	ft.emit(whatsapp.Event{Kind: whatsapp.EventAuthenticated, AccountID: "5531888887777"})
	waitForState(t, s, StateAuthenticated)

	ft.emit(whatsapp.Event{Kind: whatsapp.EventOnline, AccountID: "5531888887777"})
	waitForState(t, s, StateOnline)

	st := s.Snapshot()
	assert.Equal(t, "5531888887777", st.AccountID)
	assert.Nil(t, st.Challenge, "challenge must be cleared once paired")
	assert.True(t, s.Online())
}

func TestDisconnectSchedulesReconnect(t *testing.T) {
	ft := newFakeTransport()
	s := New("alpha", factoryFor(ft), fastConfig(), Hooks{})
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	ft.emit(whatsapp.Event{Kind: whatsapp.EventOnline, AccountID: "1"})
	waitForState(t, s, StateOnline)

	ft.emit(whatsapp.Event{Kind: whatsapp.EventOffline, Reason: "connection dropped"})
	waitForState(t, s, StateOffline)

	require.Eventually(t, func() bool {
		return ft.connectCount() >= 2
	}, 2*time.Second, 5*time.Millisecond, "dropped session must reconnect")

	assert.Equal(t, 1, s.Snapshot().Retries)
}

func TestRetryBudgetGoesTerminal(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("dial refused")

	cfg := fastConfig()
	cfg.MaxRetries = 2
	s := New("alpha", factoryFor(ft), cfg, Hooks{})
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateFailed)

	st := s.Snapshot()
	assert.Equal(t, 2, st.Retries)
	assert.Contains(t, st.LastError, "dial refused")

	// Terminal means terminal: no more connection attempts.
	count := ft.connectCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, ft.connectCount())
}

func TestLoggedOutSuppressesReconnect(t *testing.T) {
	ft := newFakeTransport()
	s := New("alpha", factoryFor(ft), fastConfig(), Hooks{})
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	ft.emit(whatsapp.Event{Kind: whatsapp.EventOnline, AccountID: "1"})
	waitForState(t, s, StateOnline)

	ft.emit(whatsapp.Event{Kind: whatsapp.EventLoggedOut, Reason: "logged out: device removed"})
	waitForState(t, s, StateOffline)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount(), "a logged out session must never reconnect by itself")
	assert.Empty(t, s.Snapshot().AccountID)
}

func TestOnlineResetsRetryBudget(t *testing.T) {
	ft := newFakeTransport()
	s := New("alpha", factoryFor(ft), fastConfig(), Hooks{})
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	ft.emit(whatsapp.Event{Kind: whatsapp.EventOnline, AccountID: "1"})
	waitForState(t, s, StateOnline)

	ft.emit(whatsapp.Event{Kind: whatsapp.EventOffline, Reason: "connection dropped"})
	waitForState(t, s, StateOffline)
	assert.Equal(t, 1, s.Snapshot().Retries)

	ft.emit(whatsapp.Event{Kind: whatsapp.EventOnline, AccountID: "1"})
	waitForState(t, s, StateOnline)

	assert.Equal(t, 0, s.Snapshot().Retries, "a healthy reconnect must restore the full budget")
}

func TestOneAttemptBurnsOneRetry(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("dial refused")

	cfg := fastConfig()
	cfg.ReconnectDelay = 500 * time.Millisecond
	s := New("alpha", factoryFor(ft), cfg, Hooks{})
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return s.Snapshot().Retries == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The transport reporting the same failed dial must not burn a
	// second retry.
	ft.emit(whatsapp.Event{Kind: whatsapp.EventOffline, Reason: "connect failure: dial refused"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, s.Snapshot().Retries)
}

func TestStartupTimeoutBurnsRetry(t *testing.T) {
	ft := newFakeTransport()
	cfg := fastConfig()
	cfg.StartupTimeout = 20 * time.Millisecond
	s := New("alpha", factoryFor(ft), cfg, Hooks{})
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.Snapshot().Retries >= 1
	}, 2*time.Second, 5*time.Millisecond, "a session stuck connecting must burn a retry")
}

func TestInboundHook(t *testing.T) {
	ft := newFakeTransport()

	var mu sync.Mutex
	var got []whatsapp.Inbound
	hooks := Hooks{
		OnInbound: func(id string, in whatsapp.Inbound) {
			mu.Lock()
			got = append(got, in)
			mu.Unlock()
		},
	}

	s := New("alpha", factoryFor(ft), fastConfig(), hooks)
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	ft.emit(whatsapp.Event{Kind: whatsapp.EventInbound, Inbound: &whatsapp.Inbound{
		MessageID: "IN1",
		Sender:    "5531999998888",
		Body:      "oi",
	}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "IN1", got[0].MessageID)
	mu.Unlock()
}

func TestSendRequiresOnline(t *testing.T) {
	ft := newFakeTransport()
	s := New("alpha", factoryFor(ft), fastConfig(), Hooks{})
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	_, err := s.SendText(context.Background(), "5531999998888", "hi")
	assert.ErrorIs(t, err, whatsapp.ErrNotConnected)

	ft.emit(whatsapp.Event{Kind: whatsapp.EventOnline})
	waitForState(t, s, StateOnline)

	id, err := s.SendText(context.Background(), "5531999998888", "hi")
	require.NoError(t, err)
	assert.Equal(t, "MSG1", id)
}

func newTestRegistry(t *testing.T, transports map[string]*fakeTransport) *Registry {
	t.Helper()
	factory := func(ctx context.Context, instanceID string) (whatsapp.Transport, error) {
		ft, ok := transports[instanceID]
		if !ok {
			ft = newFakeTransport()
			transports[instanceID] = ft
		}
		return ft, nil
	}
	storage := whatsapp.StorageConfig{Root: t.TempDir()}
	return NewRegistry(factory, storage, fastConfig(), Hooks{})
}

func TestRegistryCreateRejectsDuplicates(t *testing.T) {
	transports := map[string]*fakeTransport{}
	r := newTestRegistry(t, transports)
	defer r.Shutdown()

	_, err := r.Create(context.Background(), "alpha")
	require.NoError(t, err)

	_, err = r.Create(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegistryCreateReplacesFailed(t *testing.T) {
	transports := map[string]*fakeTransport{"alpha": newFakeTransport()}
	transports["alpha"].connectErr = errors.New("dial refused")
	r := newTestRegistry(t, transports)
	defer r.Shutdown()

	s, err := r.Create(context.Background(), "alpha")
	require.NoError(t, err)
	waitForState(t, s, StateFailed)

	transports["alpha"] = newFakeTransport()
	replacement, err := r.Create(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, replacement.Snapshot().Retries)
}

func TestRegistryListOnline(t *testing.T) {
	transports := map[string]*fakeTransport{}
	r := newTestRegistry(t, transports)
	defer r.Shutdown()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		s, err := r.Create(context.Background(), id)
		require.NoError(t, err)
		transports[id].emit(whatsapp.Event{Kind: whatsapp.EventOnline})
		waitForState(t, s, StateOnline)
	}

	// bravo drops out.
	transports["bravo"].emit(whatsapp.Event{Kind: whatsapp.EventOffline, Reason: "connection dropped"})
	bravo, _ := r.Get("bravo")
	waitForState(t, bravo, StateOffline)

	assert.Equal(t, []string{"alpha", "charlie"}, r.ListOnline())
}

func TestRegistryRemoveLogsOut(t *testing.T) {
	transports := map[string]*fakeTransport{}
	r := newTestRegistry(t, transports)
	defer r.Shutdown()

	_, err := r.Create(context.Background(), "alpha")
	require.NoError(t, err)

	require.NoError(t, r.Remove(context.Background(), "alpha"))

	transports["alpha"].mu.Lock()
	assert.Equal(t, 1, transports["alpha"].logouts)
	assert.True(t, transports["alpha"].closed)
	transports["alpha"].mu.Unlock()

	_, ok := r.Get("alpha")
	assert.False(t, ok)

	assert.ErrorIs(t, r.Remove(context.Background(), "alpha"), ErrNotFound)
}

func TestRegistryRestartResetsBudget(t *testing.T) {
	transports := map[string]*fakeTransport{"alpha": newFakeTransport()}
	transports["alpha"].connectErr = errors.New("dial refused")
	r := newTestRegistry(t, transports)
	defer r.Shutdown()

	s, err := r.Create(context.Background(), "alpha")
	require.NoError(t, err)
	waitForState(t, s, StateFailed)

	transports["alpha"] = newFakeTransport()
	replacement, err := r.Restart(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Equal(t, 0, replacement.Snapshot().Retries)
	assert.NotSame(t, s, replacement)
}
