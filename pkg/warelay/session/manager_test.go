package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeTransport hands out scripted sessions and records wipes.
type fakeTransport struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	openErr  error
	wiped    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessions: make(map[string]*fakeSession)}
}

func (t *fakeTransport) Open(_ context.Context, name string) (TransportSession, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	s := &fakeSession{events: make(chan TransportEvent, 16)}
	t.mu.Lock()
	t.sessions[name] = s
	t.mu.Unlock()
	return s, nil
}

func (t *fakeTransport) Wipe(_ context.Context, name string) error {
	t.mu.Lock()
	t.wiped = append(t.wiped, name)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) session(name string) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[name]
}

type fakeSession struct {
	events chan TransportEvent

	mu           sync.Mutex
	sent         []string
	connectErr   error
	sendErr      error
	logoutErr    error
	connectCalls int
	logoutCalls  int
	credsDeleted bool
	closeOnce    sync.Once
}

func (s *fakeSession) Events() <-chan TransportEvent { return s.events }

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	return s.connectErr
}

func (s *fakeSession) SendText(_ context.Context, recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, recipient+"|"+text)
	return nil
}

func (s *fakeSession) Disconnect() {}

func (s *fakeSession) Logout(context.Context) error {
	s.mu.Lock()
	s.logoutCalls++
	err := s.logoutErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSession) DeleteCredentials(context.Context) error {
	s.mu.Lock()
	s.credsDeleted = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) push(evt TransportEvent) { s.events <- evt }

func (s *fakeSession) connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

func (s *fakeSession) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	mg := NewManager(cfg, tr, testLogger())
	t.Cleanup(mg.Shutdown)
	return mg, tr
}

func waitForState(t *testing.T, mg *Manager, name string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := mg.GetConnectionState(name); err == nil && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := mg.GetConnectionState(name)
	t.Fatalf("state never reached %s: got %s (err %v)", want, got, err)
}

func waitForGone(t *testing.T, mg *Manager, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := mg.GetConnectionState(name); errors.Is(err, ErrInstanceNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %q never left the registry", name)
}

func TestCreateInstance(t *testing.T) {
	t.Run("starts in initializing", func(t *testing.T) {
		mg, _ := newTestManager(t, DefaultConfig())
		if err := mg.CreateInstance(context.Background(), "tenant-a"); err != nil {
			t.Fatalf("create: %v", err)
		}
		state, err := mg.GetConnectionState("tenant-a")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if state != StateInitializing {
			t.Errorf("expected initializing, got %s", state)
		}
	})

	t.Run("duplicate name fails", func(t *testing.T) {
		mg, _ := newTestManager(t, DefaultConfig())
		if err := mg.CreateInstance(context.Background(), "dup"); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := mg.CreateInstance(context.Background(), "dup")
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("transport open failure frees the name", func(t *testing.T) {
		mg, tr := newTestManager(t, DefaultConfig())
		tr.openErr = errors.New("disk full")
		if err := mg.CreateInstance(context.Background(), "flaky"); err == nil {
			t.Fatal("expected open error")
		}
		tr.openErr = nil
		if err := mg.CreateInstance(context.Background(), "flaky"); err != nil {
			t.Errorf("name should be reusable after failed open: %v", err)
		}
	})

	t.Run("failed connects keep retrying", func(t *testing.T) {
		mg, tr := newTestManager(t, Config{ReconnectDelay: 10 * time.Millisecond})
		if err := mg.CreateInstance(context.Background(), "retry"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("retry")
		sess.mu.Lock()
		sess.connectErr = errors.New("offline")
		sess.mu.Unlock()

		sess.push(TransportEvent{Type: TransportClosed, Err: errors.New("drop")})
		waitForState(t, mg, "retry", StateDisconnected)

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if sess.connects() >= 3 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("expected repeated reconnect attempts, got %d", sess.connects())
	})
}

func TestPairingFlow(t *testing.T) {
	mg, tr := newTestManager(t, DefaultConfig())
	if err := mg.CreateInstance(context.Background(), "phone"); err != nil {
		t.Fatalf("create: %v", err)
	}
	sess := tr.session("phone")

	t.Run("pairing payload is exposed", func(t *testing.T) {
		sess.push(TransportEvent{Type: TransportPairing, Pairing: "QR-1"})
		waitForState(t, mg, "phone", StateAwaitingPairing)

		payload, ok := mg.GetPairingPayload("phone")
		if !ok || payload != "QR-1" {
			t.Errorf("expected QR-1, got %q ok=%v", payload, ok)
		}
	})

	t.Run("payload rotation replaces the old one", func(t *testing.T) {
		sess.push(TransportEvent{Type: TransportPairing, Pairing: "QR-2"})
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if p, _ := mg.GetPairingPayload("phone"); p == "QR-2" {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("payload never rotated to QR-2")
	})

	t.Run("connecting clears the payload", func(t *testing.T) {
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "phone", StateConnected)

		if _, ok := mg.GetPairingPayload("phone"); ok {
			t.Error("pairing payload should be gone after connect")
		}
	})
}

func TestSendText(t *testing.T) {
	t.Run("fails when not connected", func(t *testing.T) {
		mg, _ := newTestManager(t, DefaultConfig())
		if err := mg.CreateInstance(context.Background(), "cold"); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := mg.SendText(context.Background(), "cold", "+551199", "hi")
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("fails for unknown instance", func(t *testing.T) {
		mg, _ := newTestManager(t, DefaultConfig())
		err := mg.SendText(context.Background(), "ghost", "+551199", "hi")
		if !errors.Is(err, ErrInstanceNotFound) {
			t.Errorf("expected ErrInstanceNotFound, got %v", err)
		}
	})

	t.Run("delivers when connected", func(t *testing.T) {
		mg, tr := newTestManager(t, DefaultConfig())
		if err := mg.CreateInstance(context.Background(), "hot"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("hot")
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "hot", StateConnected)

		if err := mg.SendText(context.Background(), "hot", "+551199", "hi"); err != nil {
			t.Fatalf("send: %v", err)
		}
		if got := sess.sentMessages(); len(got) != 1 || got[0] != "+551199|hi" {
			t.Errorf("unexpected sent messages: %v", got)
		}
	})

	t.Run("wraps transport failures", func(t *testing.T) {
		mg, tr := newTestManager(t, DefaultConfig())
		if err := mg.CreateInstance(context.Background(), "bad"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("bad")
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "bad", StateConnected)

		sess.mu.Lock()
		sess.sendErr = errors.New("socket reset")
		sess.mu.Unlock()

		err := mg.SendText(context.Background(), "bad", "+551199", "hi")
		if !errors.Is(err, ErrConnection) {
			t.Errorf("expected ErrConnection, got %v", err)
		}
	})
}

func TestReconnect(t *testing.T) {
	t.Run("drop reconnects after fixed delay", func(t *testing.T) {
		mg, tr := newTestManager(t, Config{ReconnectDelay: 10 * time.Millisecond})
		if err := mg.CreateInstance(context.Background(), "wobble"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("wobble")
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "wobble", StateConnected)
		before := sess.connects()

		sess.push(TransportEvent{Type: TransportClosed, Err: errors.New("net down")})
		waitForState(t, mg, "wobble", StateDisconnected)

		// Sends during the outage fail fast.
		if err := mg.SendText(context.Background(), "wobble", "+551199", "hi"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected during outage, got %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if sess.connects() > before {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if sess.connects() <= before {
			t.Fatal("no reconnect attempt observed")
		}

		// Network back: the session confirms and sends flow again.
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "wobble", StateConnected)
		if err := mg.SendText(context.Background(), "wobble", "+551199", "back"); err != nil {
			t.Errorf("send after recovery: %v", err)
		}
	})

	t.Run("attempt cap stops retrying", func(t *testing.T) {
		mg, tr := newTestManager(t, Config{ReconnectDelay: 5 * time.Millisecond, MaxReconnectAttempts: 2})
		if err := mg.CreateInstance(context.Background(), "capped"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("capped")
		sess.mu.Lock()
		sess.connectErr = errors.New("offline")
		sess.mu.Unlock()

		sess.push(TransportEvent{Type: TransportClosed, Err: errors.New("drop")})
		waitForState(t, mg, "capped", StateDisconnected)

		time.Sleep(150 * time.Millisecond)
		if got := sess.connects(); got > 3 {
			t.Errorf("expected at most initial+2 connect attempts, got %d", got)
		}
	})
}

func TestLogout(t *testing.T) {
	t.Run("not live is a no-op", func(t *testing.T) {
		mg, _ := newTestManager(t, DefaultConfig())
		if err := mg.Logout(context.Background(), "never-existed"); err != nil {
			t.Errorf("logout of unknown instance should succeed, got %v", err)
		}
	})

	t.Run("terminates and frees the name", func(t *testing.T) {
		mg, tr := newTestManager(t, DefaultConfig())
		events, unsub := mg.Subscribe(16)
		defer unsub()

		if err := mg.CreateInstance(context.Background(), "leaver"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("leaver")
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "leaver", StateConnected)

		if err := mg.Logout(context.Background(), "leaver"); err != nil {
			t.Fatalf("logout: %v", err)
		}
		waitForGone(t, mg, "leaver")

		var sawTerminal bool
		timeout := time.After(time.Second)
		for !sawTerminal {
			select {
			case evt := <-events:
				if evt.Type == EventDisconnected && evt.Terminal {
					sawTerminal = true
					if evt.Reason != ReasonLogout {
						t.Errorf("expected reason logout, got %s", evt.Reason)
					}
				}
			case <-timeout:
				t.Fatal("no terminal disconnected event")
			}
		}

		// Name is reusable.
		if err := mg.CreateInstance(context.Background(), "leaver"); err != nil {
			t.Errorf("name should be reusable after logout: %v", err)
		}
	})

	t.Run("failed transport logout still wipes credentials", func(t *testing.T) {
		mg, tr := newTestManager(t, DefaultConfig())
		if err := mg.CreateInstance(context.Background(), "stubborn"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("stubborn")
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "stubborn", StateConnected)

		sess.mu.Lock()
		sess.logoutErr = errors.New("remote unreachable")
		sess.mu.Unlock()

		if err := mg.Logout(context.Background(), "stubborn"); err != nil {
			t.Fatalf("logout: %v", err)
		}
		waitForGone(t, mg, "stubborn")

		sess.mu.Lock()
		deleted := sess.credsDeleted
		sess.mu.Unlock()
		if !deleted {
			t.Error("credentials must be deleted when the transport logout fails")
		}
	})

	t.Run("remote logout terminates without reconnect", func(t *testing.T) {
		mg, tr := newTestManager(t, Config{ReconnectDelay: 5 * time.Millisecond})
		if err := mg.CreateInstance(context.Background(), "kicked"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("kicked")
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "kicked", StateConnected)

		sess.push(TransportEvent{Type: TransportClosed, LoggedOut: true})
		waitForGone(t, mg, "kicked")

		time.Sleep(50 * time.Millisecond)
		if got := sess.connects(); got != 1 {
			t.Errorf("expected no reconnect after remote logout, got %d connects", got)
		}
	})
}

func TestForceDelete(t *testing.T) {
	t.Run("not live wipes credentials", func(t *testing.T) {
		mg, tr := newTestManager(t, DefaultConfig())
		if err := mg.ForceDelete(context.Background(), "stale"); err != nil {
			t.Fatalf("force delete: %v", err)
		}
		tr.mu.Lock()
		defer tr.mu.Unlock()
		if len(tr.wiped) != 1 || tr.wiped[0] != "stale" {
			t.Errorf("expected credential wipe for stale, got %v", tr.wiped)
		}
	})

	t.Run("live instance deletes credentials and terminates", func(t *testing.T) {
		mg, tr := newTestManager(t, DefaultConfig())
		if err := mg.CreateInstance(context.Background(), "doomed"); err != nil {
			t.Fatalf("create: %v", err)
		}
		sess := tr.session("doomed")
		sess.push(TransportEvent{Type: TransportConnected})
		waitForState(t, mg, "doomed", StateConnected)

		if err := mg.ForceDelete(context.Background(), "doomed"); err != nil {
			t.Fatalf("force delete: %v", err)
		}
		waitForGone(t, mg, "doomed")

		sess.mu.Lock()
		deleted := sess.credsDeleted
		sess.mu.Unlock()
		if !deleted {
			t.Error("expected credentials deleted")
		}
	})
}

func TestListLive(t *testing.T) {
	mg, _ := newTestManager(t, DefaultConfig())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := mg.CreateInstance(context.Background(), name); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	live := mg.ListLive()
	if len(live) != 3 {
		t.Fatalf("expected 3 live instances, got %d", len(live))
	}
	if live[0].Name != "alpha" || live[1].Name != "mid" || live[2].Name != "zeta" {
		t.Errorf("expected sorted order, got %v", live)
	}
}
