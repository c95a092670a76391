// Package whatsapp adapts the whatsmeow client into the small transport
// capability the session layer consumes: connect, disconnect, send, list
// groups, and a lifecycle event stream.
package whatsapp

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConnected          = errors.New("whatsapp client is not connected")
	ErrNotLoggedIn           = errors.New("whatsapp client is not logged in")
	ErrRecipientNotOnNetwork = errors.New("recipient is not registered on whatsapp")
	ErrClientClosed          = errors.New("whatsapp client is closed")
)

type EventKind string

const (
	EventChallenge     EventKind = "challenge"
	EventAuthenticated EventKind = "authenticated"
	EventOnline        EventKind = "online"
	EventOffline       EventKind = "offline"
	EventLoggedOut     EventKind = "logged_out"
	EventInbound       EventKind = "inbound"
)

// Challenge is the pairing QR code rendered as a base64 PNG, the artifact
// an operator scans to authenticate a fresh session.
type Challenge struct {
	ImageBase64    string `json:"image_base64"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Inbound is one message received on a session's account.
type Inbound struct {
	MessageID string    `json:"message_id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	PushName  string    `json:"push_name,omitempty"`
	Body      string    `json:"body"`
	IsGroup   bool      `json:"is_group"`
	Timestamp time.Time `json:"timestamp"`
}

type Media struct {
	Data    []byte
	Mime    string
	Caption string
}

type Group struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

type Event struct {
	Kind      EventKind
	Challenge *Challenge
	Inbound   *Inbound
	AccountID string
	Reason    string
}

// Transport is one live (or connecting) link to the messaging network.
// Implementations must be safe for concurrent use.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	Close() error

	Events() <-chan Event
	Connected() bool

	SendText(ctx context.Context, destination string, body string) (string, error)
	SendImage(ctx context.Context, destination string, media Media) (string, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ResolveRecipient(ctx context.Context, number string) (string, error)
}

// Factory builds a Transport for one instance, preparing its auth storage
// first. The session layer owns the returned transport.
type Factory func(ctx context.Context, instanceID string) (Transport, error)
