// Package store is the narrow persistence collaborator for the messaging
// session core: instance records, conversations and the per-user active
// instance pointer. The persisted store is authoritative; in-memory caches
// elsewhere are best-effort.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Instance is one tenant channel connection record.
type Instance struct {
	ID       string
	UserID   string
	Name     string
	State    string
	LastSeen time.Time
}

// Conversation is an ongoing exchange with one remote party, bound to
// exactly one instance at a time.
type Conversation struct {
	ID           string
	UserID       string
	InstanceName string
	RemoteID     string
	Escalated    bool

	// Unresolved is set when the bound instance was deleted and no
	// replacement existed; the conversation is flagged, never silently
	// left pointing at a ghost.
	Unresolved bool
}

// Store is the persistence interface. Implementations must make each
// method atomic on its own.
type Store interface {
	PutInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, name string) (*Instance, error)
	GetUserInstances(ctx context.Context, userID string) ([]*Instance, error)
	AllInstances(ctx context.Context) ([]*Instance, error)
	DeleteInstance(ctx context.Context, name string) error
	SetInstanceState(ctx context.Context, name, state string) error
	TouchInstanceSeen(ctx context.Context, name string, at time.Time) error

	// GetActiveInstance returns "" (no error) when the user has no
	// active pointer.
	GetActiveInstance(ctx context.Context, userID string) (string, error)
	SetActiveInstance(ctx context.Context, userID, name string) error
	ClearActiveInstance(ctx context.Context, userID string) error

	UpsertConversation(ctx context.Context, conv *Conversation) error
	GetConversationByRemote(ctx context.Context, userID, remoteID string) (*Conversation, error)
	GetConversationsByInstance(ctx context.Context, instanceName string) ([]*Conversation, error)
	MigrateConversationInstance(ctx context.Context, conversationID, toInstance string) error
	MarkConversationUnresolved(ctx context.Context, conversationID string) error
}
