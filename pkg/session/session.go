// Package session owns the lifecycle of one messaging instance: pairing,
// connecting, surviving disconnects within a bounded retry budget, and
// reporting its state to the rest of the gateway.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

type State string

const (
	StateOffline       State = "offline"
	StateQRPending     State = "qr_pending"
	StateAuthenticated State = "authenticated"
	StateOnline        State = "online"
	StateFailed        State = "failed"
)

const (
	DefaultReconnectDelay = 10 * time.Second
	DefaultMaxRetries     = 5
	DefaultStartupTimeout = 2 * time.Minute
	connectTimeout        = 30 * time.Second
)

type Config struct {
	// Delay before a dropped session attempts to reconnect.
	ReconnectDelay time.Duration
	// Connection failures tolerated before the session goes terminal.
	MaxRetries int
	// How long a started session may take to reach online before the
	// attempt counts as failed.
	StartupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	return c
}

// Hooks receive session activity. Both are optional and are called from
// the session's event goroutine, so they must not block.
type Hooks struct {
	OnInbound func(instanceID string, in whatsapp.Inbound)
	OnState   func(instanceID string, st State)
}

// Status is a point-in-time copy of the session's observable state.
type Status struct {
	ID        string              `json:"id"`
	State     State               `json:"state"`
	AccountID string              `json:"account_id,omitempty"`
	Challenge *whatsapp.Challenge `json:"challenge,omitempty"`
	LastError string              `json:"last_error,omitempty"`
	Retries   int                 `json:"retries"`
}

type Session struct {
	id      string
	factory whatsapp.Factory
	cfg     Config
	hooks   Hooks

	mu        sync.Mutex
	state     State
	transport whatsapp.Transport
	challenge *whatsapp.Challenge
	accountID string
	lastError string
	retries   int
	// Invalidates recovery timers armed before the latest state change.
	recoverToken int
	// Collapses multiple failure signals from one attempt (a synchronous
	// connect error plus the transport's failure event) into one burn.
	attemptFailed bool
	startupTimer  *time.Timer
	recoverTimer *time.Timer
	done         chan struct{}
	closed       bool
}

func New(id string, factory whatsapp.Factory, cfg Config, hooks Hooks) *Session {
	return &Session{
		id:      id,
		factory: factory,
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
		state:   StateOffline,
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Start builds the transport and begins connecting. It does not wait for
// the session to come online; progress is observable through Snapshot.
func (s *Session) Start(ctx context.Context) error {
	transport, err := s.factory(ctx, s.id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		transport.Close()
		return whatsapp.ErrClientClosed
	}
	s.transport = transport
	s.armStartupTimerLocked()
	s.mu.Unlock()

	go s.run(transport.Events())

	s.connect()
	return nil
}

func (s *Session) connect() {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return
	}

	if err := transport.Connect(ctx); err != nil {
		log.Instance(s.id).Errorf("connect failed: %v", err)
		s.registerFailure("connect failed: " + err.Error())
	}
}

func (s *Session) run(events <-chan whatsapp.Event) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev whatsapp.Event) {
	switch ev.Kind {
	case whatsapp.EventChallenge:
		s.setState(StateQRPending, func() {
			s.challenge = ev.Challenge
		})
	case whatsapp.EventAuthenticated:
		s.setState(StateAuthenticated, func() {
			s.challenge = nil
			s.accountID = ev.AccountID
		})
	case whatsapp.EventOnline:
		s.setState(StateOnline, func() {
			s.challenge = nil
			s.lastError = ""
			if ev.AccountID != "" {
				s.accountID = ev.AccountID
			}
			// A healthy connection restores the full budget; only
			// consecutive failures count against it.
			s.retries = 0
			s.attemptFailed = false
			s.stopStartupTimerLocked()
			s.recoverToken++
		})
		log.Instance(s.id).Info("session online")
	case whatsapp.EventOffline:
		log.Instance(s.id).Warnf("session offline: %s", ev.Reason)
		s.registerFailure(ev.Reason)
	case whatsapp.EventLoggedOut:
		// An unpaired account can never reconnect on its own. The operator
		// has to restart the instance and scan a fresh code.
		log.Instance(s.id).Warnf("session logged out: %s", ev.Reason)
		s.setState(StateOffline, func() {
			s.challenge = nil
			s.accountID = ""
			s.lastError = ev.Reason
			s.recoverToken++
			s.stopStartupTimerLocked()
			s.stopRecoverTimerLocked()
		})
	case whatsapp.EventInbound:
		if s.hooks.OnInbound != nil && ev.Inbound != nil {
			s.hooks.OnInbound(s.id, *ev.Inbound)
		}
	}
}

// registerFailure burns one retry and either schedules a delayed reconnect
// or, once the budget is spent, parks the session in the terminal failed
// state.
func (s *Session) registerFailure(reason string) {
	s.mu.Lock()
	if s.closed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	if s.attemptFailed {
		s.lastError = reason
		s.mu.Unlock()
		return
	}
	s.attemptFailed = true

	s.retries++
	s.lastError = reason
	s.challenge = nil
	s.recoverToken++
	s.stopStartupTimerLocked()
	s.stopRecoverTimerLocked()

	if s.retries >= s.cfg.MaxRetries {
		s.state = StateFailed
		s.mu.Unlock()
		log.Instance(s.id).Errorf("retry budget exhausted after %d attempts, session failed", s.retries)
		s.notifyState(StateFailed)
		return
	}

	s.state = StateOffline
	token := s.recoverToken
	attempt := s.retries
	s.recoverTimer = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.recover(token)
	})
	s.mu.Unlock()

	log.Instance(s.id).Warnf("reconnect %d/%d scheduled in %s", attempt, s.cfg.MaxRetries, s.cfg.ReconnectDelay)
	s.notifyState(StateOffline)
}

// recover runs one delayed reconnect attempt. The token guards against
// timers armed before a newer state change.
func (s *Session) recover(token int) {
	s.mu.Lock()
	if s.closed || s.token() != token || s.state == StateOnline || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.armStartupTimerLocked()
	s.mu.Unlock()

	s.connect()
}

func (s *Session) token() int {
	return s.recoverToken
}

func (s *Session) armStartupTimerLocked() {
	s.stopStartupTimerLocked()
	s.attemptFailed = false
	token := s.recoverToken
	s.startupTimer = time.AfterFunc(s.cfg.StartupTimeout, func() {
		s.mu.Lock()
		stale := s.closed || s.token() != token || s.state == StateOnline || s.state == StateFailed
		s.mu.Unlock()
		if stale {
			return
		}
		s.registerFailure("startup timed out")
	})
}

func (s *Session) stopStartupTimerLocked() {
	if s.startupTimer != nil {
		s.startupTimer.Stop()
		s.startupTimer = nil
	}
}

func (s *Session) stopRecoverTimerLocked() {
	if s.recoverTimer != nil {
		s.recoverTimer.Stop()
		s.recoverTimer = nil
	}
}

func (s *Session) setState(st State, apply func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = st
	if apply != nil {
		apply()
	}
	s.mu.Unlock()

	s.notifyState(st)
}

func (s *Session) notifyState(st State) {
	if s.hooks.OnState != nil {
		s.hooks.OnState(s.id, st)
	}
}

// Probe verifies that a session claiming to be online still holds a live
// connection, and demotes it when it does not. Driven by the health cron.
func (s *Session) Probe() {
	s.mu.Lock()
	transport := s.transport
	online := s.state == StateOnline
	s.mu.Unlock()

	if !online || transport == nil {
		return
	}
	if !transport.Connected() {
		s.registerFailure("health probe found a dead connection")
	}
}

func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:        s.id,
		State:     s.state,
		AccountID: s.accountID,
		Challenge: s.challenge,
		LastError: s.lastError,
		Retries:   s.retries,
	}
}

func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOnline
}

// SendText dispatches one text message through this session's transport.
func (s *Session) SendText(ctx context.Context, destination string, body string) (string, error) {
	transport, err := s.readyTransport()
	if err != nil {
		return "", err
	}
	return transport.SendText(ctx, destination, body)
}

// SendImage dispatches one image message through this session's transport.
func (s *Session) SendImage(ctx context.Context, destination string, media whatsapp.Media) (string, error) {
	transport, err := s.readyTransport()
	if err != nil {
		return "", err
	}
	return transport.SendImage(ctx, destination, media)
}

func (s *Session) ListGroups(ctx context.Context) ([]whatsapp.Group, error) {
	transport, err := s.readyTransport()
	if err != nil {
		return nil, err
	}
	return transport.ListGroups(ctx)
}

func (s *Session) readyTransport() (whatsapp.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, whatsapp.ErrClientClosed
	}
	if s.state != StateOnline || s.transport == nil {
		return nil, whatsapp.ErrNotConnected
	}
	return s.transport, nil
}

// Logout unpairs the account before shutdown. Safe to call on sessions
// that never paired.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Logout(ctx)
}

// Close tears the session down. It never transitions the session back out
// of closed; callers wanting a fresh start build a new Session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.recoverToken++
	s.stopStartupTimerLocked()
	s.stopRecoverTimerLocked()
	transport := s.transport
	s.transport = nil
	close(s.done)
	s.mu.Unlock()

	if transport != nil {
		return transport.Close()
	}
	return nil
}
