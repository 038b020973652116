// Package session – manager.go implements the registry of live instance
// state machines. One machine per instance name; no cross-instance locking.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds connection manager configuration.
type Config struct {
	// ReconnectDelay is the fixed delay before retrying after an
	// unexpected close (default: 2s).
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnectAttempts caps automatic reconnects (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 0,
	}
}

// Manager owns the live instance registry. It is injectable state: tests
// create as many managers as they like without interference.
type Manager struct {
	cfg       Config
	transport Transport
	bus       *Bus
	logger    *slog.Logger

	mu   sync.RWMutex
	live map[string]*machine
}

// NewManager creates a connection manager on top of the given transport.
func NewManager(cfg Config, transport Transport, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		bus:       NewBus(logger.With("component", "session-bus")),
		logger:    logger.With("component", "session"),
		live:      make(map[string]*machine),
	}
}

// Subscribe registers an event subscriber on the manager's bus.
func (mg *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return mg.bus.Subscribe(buffer)
}

// CreateInstance opens the transport for a new named instance and starts
// its state machine. The machine begins emitting pairing payloads until
// the remote side completes pairing. Fails with ErrAlreadyExists if an
// instance with this name is already live.
func (mg *Manager) CreateInstance(ctx context.Context, name string) error {
	mg.mu.Lock()
	if _, exists := mg.live[name]; exists {
		mg.mu.Unlock()
		return fmt.Errorf("instance %q: %w", name, ErrAlreadyExists)
	}
	// Reserve the slot before the (potentially slow) transport open so a
	// concurrent create for the same name fails fast.
	mg.live[name] = nil
	mg.mu.Unlock()

	sess, err := mg.transport.Open(ctx, name)
	if err != nil {
		mg.mu.Lock()
		delete(mg.live, name)
		mg.mu.Unlock()
		return fmt.Errorf("opening transport for %q: %w", name, err)
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &machine{
		name:    name,
		mgr:     mg,
		session: sess,
		logger:  mg.logger.With("instance", name),
		ctx:     mctx,
		cancel:  cancel,
	}
	m.setState(StateInitializing)

	mg.mu.Lock()
	mg.live[name] = m
	mg.mu.Unlock()

	go m.run()

	if err := sess.Connect(mctx); err != nil {
		// Creation succeeded; the connect failure follows the normal
		// retry path rather than being surfaced to the caller.
		m.logger.Warn("initial connect failed, scheduling retry", "error", err)
		m.setState(StateDisconnected)
		go m.reconnect()
	}

	mg.logger.Info("instance created", "instance", name)
	return nil
}

// GetConnectionState returns the instance's current state. Pure read,
// never blocks on transport.
func (mg *Manager) GetConnectionState(name string) (State, error) {
	m, ok := mg.machine(name)
	if !ok {
		return "", fmt.Errorf("instance %q: %w", name, ErrInstanceNotFound)
	}
	return m.State(), nil
}

// GetPairingPayload returns the last-issued pairing payload, if the
// instance is still waiting to be paired.
func (mg *Manager) GetPairingPayload(name string) (string, bool) {
	m, ok := mg.machine(name)
	if !ok {
		return "", false
	}
	switch m.State() {
	case StateInitializing, StateAwaitingPairing:
		p := m.pairingPayload()
		return p, p != ""
	}
	return "", false
}

// SendText delivers one text message through a connected instance. It
// fails immediately with ErrNotConnected outside the connected state and
// performs no retry of its own; retry policy belongs to the caller.
func (mg *Manager) SendText(ctx context.Context, name, recipient, text string) error {
	m, ok := mg.machine(name)
	if !ok {
		return fmt.Errorf("instance %q: %w", name, ErrInstanceNotFound)
	}
	if m.State() != StateConnected {
		return fmt.Errorf("instance %q in state %s: %w", name, m.State(), ErrNotConnected)
	}
	if err := m.session.SendText(ctx, recipient, text); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// Logout requests graceful session termination and forces the instance to
// terminated regardless of the transport response. Idempotent: succeeds
// even when the instance is not live or the transport already reports the
// session absent.
func (mg *Manager) Logout(ctx context.Context, name string) error {
	m, ok := mg.machine(name)
	if !ok {
		return nil
	}
	m.terminating.Store(true)
	if err := m.session.Logout(ctx); err != nil {
		m.logger.Warn("transport logout failed, forcing termination", "error", err)
		// Terminated always implies the cached credentials are gone, even
		// when the transport could not complete a graceful logout.
		if delErr := m.session.DeleteCredentials(ctx); delErr != nil {
			m.logger.Warn("credential delete failed", "error", delErr)
		}
	}
	m.terminate(ReasonLogout)
	return nil
}

// ForceDelete removes local bookkeeping and credentials unconditionally,
// independent of transport or persisted state. Recovery hatch for when the
// remote session no longer exists but local records remain.
func (mg *Manager) ForceDelete(ctx context.Context, name string) error {
	m, ok := mg.machine(name)
	if !ok {
		if err := mg.transport.Wipe(ctx, name); err != nil {
			mg.logger.Warn("credential wipe failed", "instance", name, "error", err)
		}
		return nil
	}
	m.terminating.Store(true)
	m.session.Disconnect()
	if err := m.session.DeleteCredentials(ctx); err != nil {
		m.logger.Warn("credential delete failed", "error", err)
	}
	m.terminate(ReasonForceDelete)
	return nil
}

// ListLive returns a snapshot of all live instances, sorted by name.
func (mg *Manager) ListLive() []InstanceStatus {
	mg.mu.RLock()
	out := make([]InstanceStatus, 0, len(mg.live))
	for _, m := range mg.live {
		if m == nil {
			continue
		}
		out = append(out, InstanceStatus{
			Name:     m.name,
			State:    m.State(),
			LastSeen: m.lastSeenTime(),
		})
	}
	mg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown disconnects every live instance and closes the event bus.
func (mg *Manager) Shutdown() {
	mg.mu.Lock()
	machines := make([]*machine, 0, len(mg.live))
	for _, m := range mg.live {
		if m != nil {
			machines = append(machines, m)
		}
	}
	mg.live = make(map[string]*machine)
	mg.mu.Unlock()

	for _, m := range machines {
		m.cancel()
		m.session.Disconnect()
	}
	mg.bus.Close()
	mg.logger.Info("session manager shut down", "instances", len(machines))
}

func (mg *Manager) machine(name string) (*machine, bool) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	m, ok := mg.live[name]
	return m, ok && m != nil
}

func (mg *Manager) remove(name string) {
	mg.mu.Lock()
	delete(mg.live, name)
	mg.mu.Unlock()
}

// ---------- per-instance state machine ----------

type machine struct {
	name    string
	mgr     *Manager
	session TransportSession
	logger  *slog.Logger

	state    atomic.Value // State
	pairing  atomic.Value // string
	lastSeen atomic.Value // time.Time

	reconnectGuard    atomic.Bool
	reconnectAttempts atomic.Int32
	terminating       atomic.Bool
	terminated        atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (m *machine) State() State {
	if v := m.state.Load(); v != nil {
		return v.(State)
	}
	return StateInitializing
}

func (m *machine) setState(s State) { m.state.Store(s) }

func (m *machine) pairingPayload() string {
	if v := m.pairing.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (m *machine) lastSeenTime() time.Time {
	if v := m.lastSeen.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

func (m *machine) publish(evt Event) {
	evt.InstanceName = m.name
	evt.Timestamp = time.Now()
	m.mgr.bus.Publish(evt)
}

// run consumes transport events until the session stream closes or the
// machine is cancelled.
func (m *machine) run() {
	events := m.session.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				// Stream gone without a close event: treat as a drop
				// unless we are tearing down anyway.
				if !m.terminating.Load() && m.State() != StateTerminated {
					m.onClosed(TransportEvent{Type: TransportClosed})
				}
				return
			}
			m.handle(evt)
		}
	}
}

func (m *machine) handle(evt TransportEvent) {
	switch evt.Type {
	case TransportPairing:
		m.pairing.Store(evt.Pairing)
		m.setState(StateAwaitingPairing)
		m.logger.Info("pairing payload issued")
		m.publish(Event{Type: EventPairingUpdated, Pairing: evt.Pairing})

	case TransportConnected:
		m.pairing.Store("")
		m.reconnectAttempts.Store(0)
		m.setState(StateConnected)
		m.lastSeen.Store(time.Now())
		m.logger.Info("connected")
		m.publish(Event{Type: EventConnected})

	case TransportMessage:
		m.lastSeen.Store(time.Now())
		if evt.Message != nil {
			m.publish(Event{Type: EventMessageReceived, Message: evt.Message})
		}

	case TransportClosed:
		m.onClosed(evt)
	}
}

// onClosed routes a transport close: explicit logout terminates, anything
// else is a transient drop that schedules a reconnect.
func (m *machine) onClosed(evt TransportEvent) {
	if evt.LoggedOut || m.terminating.Load() {
		m.terminate(ReasonLogout)
		return
	}

	m.setState(StateDisconnected)
	m.logger.Warn("connection lost", "error", evt.Err)
	m.publish(Event{Type: EventDisconnected, Reason: ReasonConnectionLost})

	if m.ctx.Err() == nil {
		go m.reconnect()
	}
}

// reconnect retries the connection at a fixed delay. A guard prevents
// concurrent attempts for the same instance.
func (m *machine) reconnect() {
	if !m.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnectGuard.Store(false)

	for {
		if m.ctx.Err() != nil {
			return
		}

		attempt := m.reconnectAttempts.Add(1)
		if max := m.mgr.cfg.MaxReconnectAttempts; max > 0 && int(attempt) > max {
			m.logger.Error("max reconnect attempts reached", "attempts", attempt)
			return
		}

		m.logger.Info("reconnect scheduled",
			"attempt", attempt,
			"delay", m.mgr.cfg.ReconnectDelay)

		select {
		case <-time.After(m.mgr.cfg.ReconnectDelay):
		case <-m.ctx.Done():
			return
		}

		if m.terminating.Load() {
			return
		}

		m.setState(StateInitializing)
		if err := m.session.Connect(m.ctx); err != nil {
			m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			m.setState(StateDisconnected)
			continue
		}

		// Connection initiated; the TransportConnected event confirms it.
		return
	}
}

// terminate is the single exit path to the terminated state. It removes
// the instance from the live registry, so the name can be recreated.
func (m *machine) terminate(reason string) {
	if !m.terminated.CompareAndSwap(false, true) {
		return
	}
	m.setState(StateTerminated)
	m.pairing.Store("")
	m.cancel()
	m.session.Disconnect()
	m.mgr.remove(m.name)
	m.logger.Info("instance terminated", "reason", reason)
	m.publish(Event{Type: EventDisconnected, Reason: reason, Terminal: true})
}
