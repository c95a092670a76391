package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

var (
	ErrAlreadyExists = errors.New("instance already exists")
	ErrNotFound      = errors.New("instance not found")
)

// Registry tracks every managed session by instance ID.
type Registry struct {
	factory whatsapp.Factory
	storage whatsapp.StorageConfig
	cfg     Config
	hooks   Hooks

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(factory whatsapp.Factory, storage whatsapp.StorageConfig, cfg Config, hooks Hooks) *Registry {
	return &Registry{
		factory:  factory,
		storage:  storage,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		sessions: make(map[string]*Session),
	}
}

// Create registers and starts a session for the instance. An existing live
// session is an error; a session parked in the failed state is replaced.
func (r *Registry) Create(ctx context.Context, instanceID string) (*Session, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[instanceID]; ok {
		if existing.Snapshot().State != StateFailed {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, instanceID)
		}
		existing.Close()
		delete(r.sessions, instanceID)
	}
	s := New(instanceID, r.factory, r.cfg, r.hooks)
	r.sessions[instanceID] = s
	r.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		r.mu.Lock()
		if r.sessions[instanceID] == s {
			delete(r.sessions, instanceID)
		}
		r.mu.Unlock()
		s.Close()
		return nil, err
	}

	log.Instance(instanceID).Info("session created")
	return s, nil
}

func (r *Registry) Get(instanceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[instanceID]
	return s, ok
}

// Restart destroys the instance's auth storage and starts over with a
// fresh retry budget. This is the operator's escape hatch for sessions
// that went terminal or whose pairing rotted.
func (r *Registry) Restart(ctx context.Context, instanceID string) (*Session, error) {
	r.mu.Lock()
	old, ok := r.sessions[instanceID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	delete(r.sessions, instanceID)
	r.mu.Unlock()

	old.Close()
	if err := r.storage.Reset(instanceID); err != nil {
		return nil, err
	}

	log.Instance(instanceID).Info("session restarting with fresh storage")
	return r.Create(ctx, instanceID)
}

// Remove logs the instance out, closes its session, and wipes its auth
// storage.
func (r *Registry) Remove(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	s, ok := r.sessions[instanceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	delete(r.sessions, instanceID)
	r.mu.Unlock()

	if err := s.Logout(ctx); err != nil {
		log.Instance(instanceID).Warnf("logout during removal failed: %v", err)
	}
	s.Close()

	if err := r.storage.Reset(instanceID); err != nil {
		return err
	}
	log.Instance(instanceID).Info("session removed")
	return nil
}

// ListOnline returns the IDs of every online session in stable order.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.Online() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sender exposes the session to the dispatcher without leaking lifecycle
// controls.
func (r *Registry) Sender(instanceID string) (*Session, bool) {
	return r.Get(instanceID)
}

// Snapshot reports every session's status sorted by instance ID.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	statuses := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Probe runs the health check across every session. Wired to the cron
// scheduler.
func (r *Registry) Probe() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Probe()
	}
}

// Shutdown closes every session without logging out, preserving pairings
// for the next process start.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
