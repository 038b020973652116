// Package resolver decides which instance currently represents a user's
// channel. It owns the per-user active-instance pointer: the persisted
// store is authoritative, the in-memory cache is best-effort, and all
// pointer mutations happen under a per-user lock so auto-activation and
// explicit activation cannot race into an inconsistent pointer.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inovachat/warelay/pkg/warelay/session"
	"github.com/inovachat/warelay/pkg/warelay/store"
)

// ErrNoActiveInstance is returned when no connected instance exists for a
// user. The orchestrator uses it to produce a "no channel connected"
// fallback instead of hanging.
var ErrNoActiveInstance = errors.New("no connected instance for user")

// ConnectionStates is the live-state view the resolver needs from the
// connection manager.
type ConnectionStates interface {
	GetConnectionState(name string) (session.State, error)
}

// Resolver resolves incoming and outgoing traffic to instances.
type Resolver struct {
	st     store.Store
	conns  ConnectionStates
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*userEntry
	bound map[string]bool

	bind   func(instanceName string)
	unbind func(instanceName string)
}

// userEntry serializes active-pointer mutations for one user and caches
// the last known active instance.
type userEntry struct {
	mu     sync.Mutex
	active string
}

// New creates a resolver over the given store and connection state view.
func New(st store.Store, conns ConnectionStates, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		st:     st,
		conns:  conns,
		logger: logger.With("component", "resolver"),
		users:  make(map[string]*userEntry),
		bound:  make(map[string]bool),
	}
}

// SetBindings installs hooks invoked when an instance gains or loses its
// event bindings. Bind is guaranteed to run at most once per live
// instance; unbind runs on deletion teardown.
func (r *Resolver) SetBindings(bind, unbind func(instanceName string)) {
	r.bind = bind
	r.unbind = unbind
}

// ResolveIncoming looks up the owning user of an instance that produced
// inbound traffic. A connected instance that is not the user's active one
// is promoted (auto-activation), which lets an unexpected but valid
// reconnection self-heal the active pointer.
func (r *Resolver) ResolveIncoming(ctx context.Context, instanceName string) (userID string, autoActivated bool, err error) {
	inst, err := r.st.GetInstance(ctx, instanceName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, fmt.Errorf("instance %q: %w", instanceName, session.ErrInstanceNotFound)
		}
		return "", false, err
	}

	if !r.isConnected(instanceName) {
		return inst.UserID, false, nil
	}

	u := r.userEntry(inst.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()

	active, err := r.st.GetActiveInstance(ctx, inst.UserID)
	if err != nil {
		return inst.UserID, false, err
	}
	if active == instanceName {
		u.active = instanceName
		r.ensureBound(instanceName)
		return inst.UserID, false, nil
	}

	if err := r.st.SetActiveInstance(ctx, inst.UserID, instanceName); err != nil {
		return inst.UserID, false, fmt.Errorf("promoting %q: %w", instanceName, err)
	}
	u.active = instanceName
	r.ensureBound(instanceName)
	r.logger.Info("instance auto-activated",
		"user", inst.UserID, "instance", instanceName, "previous", active)
	return inst.UserID, true, nil
}

// ResolveOutgoing picks the instance to send through for a user. The
// preference chain: explicitly requested instance, cached active,
// persisted active, any connected instance (auto-promoting it). Never
// returns an instance that is not currently connected.
func (r *Resolver) ResolveOutgoing(ctx context.Context, userID, preferred string) (string, error) {
	u := r.userEntry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if preferred != "" {
		inst, err := r.st.GetInstance(ctx, preferred)
		if err == nil && inst.UserID == userID && r.isConnected(preferred) {
			return preferred, nil
		}
	}

	if u.active != "" && r.isConnected(u.active) {
		return u.active, nil
	}

	persisted, err := r.st.GetActiveInstance(ctx, userID)
	if err != nil {
		return "", err
	}
	if persisted != "" && r.isConnected(persisted) {
		u.active = persisted
		return persisted, nil
	}

	insts, err := r.st.GetUserInstances(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, inst := range insts {
		if !r.isConnected(inst.Name) {
			continue
		}
		if err := r.st.SetActiveInstance(ctx, userID, inst.Name); err != nil {
			return "", fmt.Errorf("promoting %q: %w", inst.Name, err)
		}
		u.active = inst.Name
		r.ensureBound(inst.Name)
		r.logger.Info("instance promoted for outgoing",
			"user", userID, "instance", inst.Name)
		return inst.Name, nil
	}

	return "", fmt.Errorf("user %q: %w", userID, ErrNoActiveInstance)
}

// HandleDeletion migrates every conversation bound to a deleted instance
// onto a surviving connected instance of the same user, or flags them
// unresolved when no replacement exists. Bindings and cache entries for
// the deleted instance are always torn down.
func (r *Resolver) HandleDeletion(ctx context.Context, instanceName string) error {
	defer r.teardown(instanceName)

	inst, err := r.st.GetInstance(ctx, instanceName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	u := r.userEntry(inst.UserID)
	u.mu.Lock()
	defer u.mu.Unlock()

	replacement := ""
	insts, err := r.st.GetUserInstances(ctx, inst.UserID)
	if err != nil {
		return err
	}
	for _, cand := range insts {
		if cand.Name != instanceName && r.isConnected(cand.Name) {
			replacement = cand.Name
			break
		}
	}

	convs, err := r.st.GetConversationsByInstance(ctx, instanceName)
	if err != nil {
		return err
	}

	var firstErr error
	migrated, flagged := 0, 0
	for _, conv := range convs {
		if replacement != "" {
			if err := r.st.MigrateConversationInstance(ctx, conv.ID, replacement); err == nil {
				migrated++
				continue
			} else if firstErr == nil {
				firstErr = err
			}
		}
		// No replacement (or migration failed): flag, never leave a
		// conversation silently pointing at a ghost instance.
		if err := r.st.MarkConversationUnresolved(ctx, conv.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			flagged++
		}
	}

	if replacement != "" {
		if err := r.st.SetActiveInstance(ctx, inst.UserID, replacement); err != nil && firstErr == nil {
			firstErr = err
		}
		u.active = replacement
		r.ensureBound(replacement)
	} else {
		if err := r.st.ClearActiveInstance(ctx, inst.UserID); err != nil && firstErr == nil {
			firstErr = err
		}
		if u.active == instanceName {
			u.active = ""
		}
	}

	r.logger.Info("instance deletion handled",
		"instance", instanceName,
		"replacement", replacement,
		"migrated", migrated,
		"unresolved", flagged)
	return firstErr
}

// ActivateInstance explicitly promotes an instance to active for its
// user. Idempotent: bindings are established at most once per instance.
func (r *Resolver) ActivateInstance(ctx context.Context, userID, instanceName string) error {
	inst, err := r.st.GetInstance(ctx, instanceName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("instance %q: %w", instanceName, session.ErrInstanceNotFound)
		}
		return err
	}
	if inst.UserID != userID {
		return fmt.Errorf("instance %q does not belong to user %q", instanceName, userID)
	}

	u := r.userEntry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := r.st.SetActiveInstance(ctx, userID, instanceName); err != nil {
		return fmt.Errorf("activating %q: %w", instanceName, err)
	}
	u.active = instanceName
	r.ensureBound(instanceName)
	return nil
}

// ---------- internal ----------

func (r *Resolver) isConnected(name string) bool {
	state, err := r.conns.GetConnectionState(name)
	return err == nil && state == session.StateConnected
}

func (r *Resolver) userEntry(userID string) *userEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		u = &userEntry{}
		r.users[userID] = u
	}
	return u
}

func (r *Resolver) ensureBound(instanceName string) {
	r.mu.Lock()
	already := r.bound[instanceName]
	r.bound[instanceName] = true
	r.mu.Unlock()

	if !already && r.bind != nil {
		r.bind(instanceName)
	}
}

func (r *Resolver) teardown(instanceName string) {
	r.mu.Lock()
	wasBound := r.bound[instanceName]
	delete(r.bound, instanceName)
	r.mu.Unlock()

	if wasBound && r.unbind != nil {
		r.unbind(instanceName)
	}
}
