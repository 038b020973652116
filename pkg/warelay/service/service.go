// Package service wires the messaging session core together and exposes
// the operations the conversation orchestrator calls: instance lifecycle,
// pairing payloads, outgoing resolution and humanized delivery. Inbound
// traffic flows transport → session manager → resolver → buffer → the
// orchestrator-supplied reply generator → humanized delivery.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/inovachat/warelay/pkg/warelay/buffer"
	"github.com/inovachat/warelay/pkg/warelay/config"
	"github.com/inovachat/warelay/pkg/warelay/humanize"
	"github.com/inovachat/warelay/pkg/warelay/resolver"
	"github.com/inovachat/warelay/pkg/warelay/session"
	"github.com/inovachat/warelay/pkg/warelay/store"
)

// ReplyFunc is supplied by the orchestrator: it turns one coalesced
// inbound turn into reply text. An empty reply means "say nothing".
type ReplyFunc func(ctx context.Context, conv *store.Conversation, text string) (string, error)

// TenantConfigFunc resolves per-tenant delivery settings. Nil falls back
// to the configured defaults.
type TenantConfigFunc func(userID string) config.TenantConfig

// DeliveryResult reports the outcome of one humanized delivery. On
// partial failure ChunksSent counts messages already visible to the
// remote party.
type DeliveryResult struct {
	InstanceName string
	ChunksSent   int
	ChunksTotal  int
}

// CreateResult reports a new instance's initial status.
type CreateResult struct {
	Status      session.State
	PairingHint string
}

// InstanceInfo merges the persisted record with live connection state.
type InstanceInfo struct {
	Name     string
	State    session.State
	LastSeen time.Time
	Active   bool
}

// Service is the orchestrator-facing facade.
type Service struct {
	cfg      *config.Config
	st       store.Store
	sessions *session.Manager
	resolver *resolver.Resolver
	buf      *buffer.Buffer
	logger   *slog.Logger

	reply  ReplyFunc
	tenant TenantConfigFunc

	cron *cron.Cron

	gateMu sync.Mutex
	gates  map[string]*deliveryGate

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates the service. The session manager is injected so tests can
// back it with a fake transport.
func New(cfg *config.Config, st store.Store, sessions *session.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		st:       st,
		sessions: sessions,
		buf:      buffer.New(logger),
		logger:   logger.With("component", "service"),
		gates:    make(map[string]*deliveryGate),
	}
	s.resolver = resolver.New(st, sessions, logger)
	s.resolver.SetBindings(
		func(name string) { s.logger.Debug("event bindings established", "instance", name) },
		func(name string) { s.logger.Debug("event bindings removed", "instance", name) },
	)
	return s
}

// SetReplyFunc installs the orchestrator's reply generator.
func (s *Service) SetReplyFunc(fn ReplyFunc) { s.reply = fn }

// SetTenantConfigFunc installs the per-tenant settings lookup.
func (s *Service) SetTenantConfigFunc(fn TenantConfigFunc) { s.tenant = fn }

// Resolver exposes the instance resolver for explicit activation calls.
func (s *Service) Resolver() *resolver.Resolver { return s.resolver }

// Start subscribes to session events and starts the janitor.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	events, unsub := s.sessions.Subscribe(0)
	s.unsubscribe = unsub
	s.wg.Add(1)
	go s.eventLoop(events)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Janitor.Schedule, s.janitorTick); err != nil {
		return fmt.Errorf("scheduling janitor: %w", err)
	}
	s.cron.Start()

	s.logger.Info("service started", "janitor_schedule", s.cfg.Janitor.Schedule)
	return nil
}

// Stop tears the service down: no new events, timers cancelled, sessions
// disconnected.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.buf.Stop()
	s.sessions.Shutdown()
	s.wg.Wait()
	s.logger.Info("service stopped")
}

// ---------- instance lifecycle ----------

// CreateInstance persists the instance record and starts its connection
// state machine. The returned hint tells the dashboard what to show next.
func (s *Service) CreateInstance(ctx context.Context, userID, name string) (*CreateResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("instance name must not be empty")
	}

	existing, err := s.st.GetInstance(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err == nil && existing.UserID != userID {
		return nil, fmt.Errorf("instance %q: %w", name, session.ErrAlreadyExists)
	}

	// Start the machine first: a failed create (name already live, transport
	// down) must leave the persisted record untouched.
	if err := s.sessions.CreateInstance(ctx, name); err != nil {
		return nil, err
	}

	inst := &store.Instance{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		State:  string(session.StateInitializing),
	}
	if existing != nil {
		// Reconnecting a known instance (daemon restart) keeps its identity.
		inst.ID = existing.ID
		inst.LastSeen = existing.LastSeen
	}
	if err := s.st.PutInstance(ctx, inst); err != nil {
		return nil, err
	}

	state, _ := s.sessions.GetConnectionState(name)
	hint := "scan the pairing code to link this channel"
	if state == session.StateConnected {
		hint = "channel connected"
	}
	return &CreateResult{Status: state, PairingHint: hint}, nil
}

// GetPairingPayload returns the instance's current pairing payload, if
// it is still waiting to be paired.
func (s *Service) GetPairingPayload(name string) (string, bool) {
	return s.sessions.GetPairingPayload(name)
}

// ResolveOutgoing picks the instance to send through for a user.
func (s *Service) ResolveOutgoing(ctx context.Context, userID, preferred string) (string, error) {
	return s.resolver.ResolveOutgoing(ctx, userID, preferred)
}

// Logout gracefully terminates an instance and cleans up its records.
// Idempotent.
func (s *Service) Logout(ctx context.Context, name string) error {
	if err := s.sessions.Logout(ctx, name); err != nil {
		return err
	}
	return s.finalizeRemoval(ctx, name)
}

// ForceDelete removes an instance unconditionally, independent of
// transport or persisted state.
func (s *Service) ForceDelete(ctx context.Context, name string) error {
	if err := s.sessions.ForceDelete(ctx, name); err != nil {
		return err
	}
	return s.finalizeRemoval(ctx, name)
}

// ListInstances returns the user's instances with live state merged in.
func (s *Service) ListInstances(ctx context.Context, userID string) ([]InstanceInfo, error) {
	insts, err := s.st.GetUserInstances(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := s.st.GetActiveInstance(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]InstanceInfo, 0, len(insts))
	for _, inst := range insts {
		info := InstanceInfo{
			Name:     inst.Name,
			State:    session.State(inst.State),
			LastSeen: inst.LastSeen,
			Active:   inst.Name == active,
		}
		if live, err := s.sessions.GetConnectionState(inst.Name); err == nil {
			info.State = live
		}
		out = append(out, info)
	}
	return out, nil
}

// finalizeRemoval migrates or flags the instance's conversations, then
// drops the record. Safe to run more than once.
func (s *Service) finalizeRemoval(ctx context.Context, name string) error {
	if err := s.resolver.HandleDeletion(ctx, name); err != nil {
		s.logger.Error("deletion handling incomplete", "instance", name, "error", err)
	}
	return s.st.DeleteInstance(ctx, name)
}

// ---------- outbound ----------

// SendHumanized splits the reply per tenant settings and delivers the
// chunks in order with the configured pacing. It fails immediately with
// ErrNotConnected when the instance is not connected, attempts no chunks,
// and never retries. A second reply to the same recipient waits until the
// previous delivery plan has concluded or been aborted.
func (s *Service) SendHumanized(ctx context.Context, instanceName, recipient, text string, tc config.TenantConfig) (DeliveryResult, error) {
	tc = tc.Effective()
	res := DeliveryResult{InstanceName: instanceName}

	state, err := s.sessions.GetConnectionState(instanceName)
	if err != nil {
		return res, err
	}
	if state != session.StateConnected {
		return res, fmt.Errorf("instance %q in state %s: %w", instanceName, state, session.ErrNotConnected)
	}

	chunks := humanize.Split(text, humanize.Options{
		Enabled:            tc.HumanizeEnabled,
		ShortTextThreshold: tc.ShortTextThreshold,
		MaxChunkChars:      tc.MaxChunkChars,
		MaxChunks:          tc.MaxChunksPerResponse,
	})
	res.ChunksTotal = len(chunks)

	gateKey := instanceName + "|" + recipient
	gate := s.acquireGate(gateKey)
	defer s.releaseGate(gateKey, gate)

	sent, err := humanize.Deliver(ctx, chunks, tc.InterChunkDelay(),
		func(ctx context.Context, chunk string) error {
			return s.sessions.SendText(ctx, instanceName, recipient, chunk)
		},
		func() error {
			st, err := s.sessions.GetConnectionState(instanceName)
			if err != nil {
				return err
			}
			if st != session.StateConnected {
				return fmt.Errorf("instance %q in state %s: %w", instanceName, st, session.ErrNotConnected)
			}
			return nil
		})
	res.ChunksSent = sent
	if err != nil {
		s.logger.Warn("humanized delivery aborted",
			"instance", instanceName,
			"sent", res.ChunksSent,
			"total", res.ChunksTotal,
			"error", err)
	}
	return res, err
}

// AddFragment feeds one inbound fragment into the conversation's buffer
// cycle under the tenant's debounce settings.
func (s *Service) AddFragment(conversationID, text string, tc config.TenantConfig, onFlush func(combined string)) {
	tc = tc.Effective()
	s.buf.AddFragment(conversationID, text, tc.BufferWindow(), buffer.FlushFunc(onFlush))
}

// ---------- inbound pipeline ----------

func (s *Service) eventLoop(events <-chan session.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(evt)
		}
	}
}

func (s *Service) handleEvent(evt session.Event) {
	switch evt.Type {
	case session.EventConnected:
		if err := s.st.SetInstanceState(s.ctx, evt.InstanceName, string(session.StateConnected)); err != nil {
			s.logger.Warn("state persist failed", "instance", evt.InstanceName, "error", err)
		}
		_ = s.st.TouchInstanceSeen(s.ctx, evt.InstanceName, evt.Timestamp)

	case session.EventPairingUpdated:
		if err := s.st.SetInstanceState(s.ctx, evt.InstanceName, string(session.StateAwaitingPairing)); err != nil {
			s.logger.Warn("state persist failed", "instance", evt.InstanceName, "error", err)
		}

	case session.EventDisconnected:
		if evt.Terminal {
			if err := s.finalizeRemoval(s.ctx, evt.InstanceName); err != nil {
				s.logger.Error("terminal cleanup failed", "instance", evt.InstanceName, "error", err)
			}
			return
		}
		if err := s.st.SetInstanceState(s.ctx, evt.InstanceName, string(session.StateDisconnected)); err != nil {
			s.logger.Warn("state persist failed", "instance", evt.InstanceName, "error", err)
		}

	case session.EventMessageReceived:
		if evt.Message == nil || evt.Message.FromSelf {
			return
		}
		s.handleInbound(evt)
	}
}

func (s *Service) handleInbound(evt session.Event) {
	userID, autoActivated, err := s.resolver.ResolveIncoming(s.ctx, evt.InstanceName)
	if err != nil {
		s.logger.Warn("inbound resolution failed", "instance", evt.InstanceName, "error", err)
		return
	}
	if autoActivated {
		s.logger.Info("inbound traffic auto-activated instance",
			"instance", evt.InstanceName, "user", userID)
	}

	conv, err := s.conversationFor(userID, evt.InstanceName, evt.Message.RemoteID)
	if err != nil {
		s.logger.Error("conversation lookup failed",
			"user", userID, "remote", evt.Message.RemoteID, "error", err)
		return
	}

	tc := s.tenantConfig(userID)
	s.buf.AddFragment(conv.ID, evt.Message.Text, tc.BufferWindow(), func(combined string) {
		s.handleTurn(conv, combined)
	})
}

// handleTurn runs one coalesced inbound turn through the reply generator
// and delivers the result.
func (s *Service) handleTurn(conv *store.Conversation, combined string) {
	if s.reply == nil {
		s.logger.Warn("no reply generator installed, dropping turn", "conversation", conv.ID)
		return
	}

	replyText, err := s.reply(s.ctx, conv, combined)
	if err != nil {
		s.logger.Error("reply generation failed", "conversation", conv.ID, "error", err)
		return
	}
	if strings.TrimSpace(replyText) == "" {
		return
	}

	instName, err := s.resolver.ResolveOutgoing(s.ctx, conv.UserID, conv.InstanceName)
	if err != nil {
		s.logger.Warn("no channel connected for reply",
			"conversation", conv.ID, "user", conv.UserID, "error", err)
		return
	}

	tc := s.tenantConfig(conv.UserID)
	if _, err := s.SendHumanized(s.ctx, instName, conv.RemoteID, replyText, tc); err != nil {
		s.logger.Error("reply delivery failed", "conversation", conv.ID, "error", err)
	}
}

func (s *Service) conversationFor(userID, instanceName, remoteID string) (*store.Conversation, error) {
	conv, err := s.st.GetConversationByRemote(s.ctx, userID, remoteID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = &store.Conversation{
		ID:           uuid.NewString(),
		UserID:       userID,
		InstanceName: instanceName,
		RemoteID:     remoteID,
	}
	if err := s.st.UpsertConversation(s.ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) tenantConfig(userID string) config.TenantConfig {
	if s.tenant != nil {
		return s.tenant(userID).Effective()
	}
	return s.cfg.TenantDefaults.Effective()
}

// deliveryGate serializes humanized deliveries to one recipient. Gates are
// reference-counted so the map does not grow one entry per remote party a
// tenant has ever talked to.
type deliveryGate struct {
	mu   sync.Mutex
	refs int
}

func (s *Service) acquireGate(key string) *deliveryGate {
	s.gateMu.Lock()
	g, ok := s.gates[key]
	if !ok {
		g = &deliveryGate{}
		s.gates[key] = g
	}
	g.refs++
	s.gateMu.Unlock()

	g.mu.Lock()
	return g
}

func (s *Service) releaseGate(key string, g *deliveryGate) {
	g.mu.Unlock()

	s.gateMu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(s.gates, key)
	}
	s.gateMu.Unlock()
}
