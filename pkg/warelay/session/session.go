// Package session manages the lifecycle of tenant channel connections.
// Each named instance runs its own connection state machine: pairing
// issuance, connect, automatic reconnect on unexpected drops, logout and
// forced deletion. Lifecycle and inbound-message events are published on a
// typed bus so consumers never run inside the state machine goroutine.
package session

import (
	"context"
	"errors"
	"time"
)

// State is the connection state of one instance.
type State string

const (
	StateInitializing    State = "initializing"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateTerminated      State = "terminated"
)

// Errors.
var (
	ErrAlreadyExists    = errors.New("instance already exists")
	ErrNotConnected     = errors.New("instance is not connected")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrConnection       = errors.New("transport connection failure")
)

// EventType identifies a lifecycle or message event.
type EventType string

const (
	EventPairingUpdated  EventType = "pairing_updated"
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventMessageReceived EventType = "message_received"
)

// Disconnect reasons carried in Event.Reason.
const (
	ReasonLogout         = "logout"
	ReasonConnectionLost = "connection_lost"
	ReasonForceDelete    = "force_delete"
)

// Event is published by the Manager for every instance lifecycle change
// and inbound message.
type Event struct {
	Type         EventType
	InstanceName string
	Timestamp    time.Time

	// Pairing is the current pairing payload (pairing_updated only).
	Pairing string

	// Reason qualifies a disconnected event (logout vs connection_lost).
	Reason string

	// Terminal is set on disconnected events when the instance reached
	// the terminated state and was removed from the live registry.
	Terminal bool

	// Message carries the inbound message (message_received only).
	Message *InboundMessage
}

// InboundMessage is one message received from the remote network.
type InboundMessage struct {
	// RemoteID identifies the remote party (chat) the message came from.
	RemoteID string

	// Text is the message text, or a media placeholder like "[image]".
	Text string

	// SenderName is the sender's display name, if the network provides one.
	SenderName string

	// FromSelf is true when the message was sent from the instance's own
	// account (e.g. from the paired phone).
	FromSelf bool

	Timestamp time.Time
}

// InstanceStatus is a snapshot of one live instance.
type InstanceStatus struct {
	Name     string
	State    State
	LastSeen time.Time
}

// TransportEventType identifies events coming out of a transport session.
type TransportEventType int

const (
	// TransportPairing carries a fresh pairing payload to display.
	TransportPairing TransportEventType = iota
	// TransportConnected reports the session is live on the network.
	TransportConnected
	// TransportClosed reports the session closed. LoggedOut distinguishes
	// an explicit/remote logout (terminal) from a connection drop.
	TransportClosed
	// TransportMessage carries one inbound message.
	TransportMessage
)

// TransportEvent is emitted by a TransportSession.
type TransportEvent struct {
	Type      TransportEventType
	Pairing   string
	LoggedOut bool
	Message   *InboundMessage
	Err       error
}

// Transport opens sessions on the underlying messaging network. The wire
// protocol is opaque to this package; the production implementation wraps
// whatsmeow.
type Transport interface {
	// Open prepares a session for the named instance, loading any
	// persisted credentials. It does not connect.
	Open(ctx context.Context, instanceName string) (TransportSession, error)

	// Wipe removes persisted credentials for an instance that has no open
	// session. Used by forced deletion to recover from inconsistent state.
	Wipe(ctx context.Context, instanceName string) error
}

// TransportSession is one live connection attempt to the network.
type TransportSession interface {
	// Events returns the session's event stream. The channel is closed
	// when the session is torn down.
	Events() <-chan TransportEvent

	// Connect starts the connection. With no credentials it begins the
	// pairing flow and emits TransportPairing events.
	Connect(ctx context.Context) error

	// SendText delivers one text message to the recipient.
	SendText(ctx context.Context, recipient, text string) error

	// Disconnect closes the socket without touching credentials.
	Disconnect()

	// Logout requests graceful termination from the remote side and wipes
	// local credentials. Must tolerate the session already being absent.
	Logout(ctx context.Context) error

	// DeleteCredentials removes locally cached credentials.
	DeleteCredentials(ctx context.Context) error
}
