// Package session – driver_whatsmeow.go implements the Transport interface
// on top of whatsmeow, the native Go WhatsApp Web API library. Each
// instance gets its own SQLite credential store so forced deletion of one
// tenant never touches another.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for credential stores.
)

// WhatsmeowConfig configures the whatsmeow transport.
type WhatsmeowConfig struct {
	// SessionDir is the directory holding per-instance credential
	// databases ({SessionDir}/{instance}.db).
	SessionDir string `yaml:"session_dir"`

	// DeviceName is shown in the linked-devices list on the remote side.
	DeviceName string `yaml:"device_name"`
}

// WhatsmeowTransport opens whatsmeow-backed sessions.
type WhatsmeowTransport struct {
	cfg    WhatsmeowConfig
	logger *slog.Logger
}

// NewWhatsmeowTransport creates the production transport.
func NewWhatsmeowTransport(cfg WhatsmeowConfig, logger *slog.Logger) *WhatsmeowTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = "./sessions"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "WaRelay"
	}
	return &WhatsmeowTransport{cfg: cfg, logger: logger.With("component", "whatsmeow")}
}

// Open loads (or creates) the instance's credential store and prepares a
// session. It does not connect.
func (t *WhatsmeowTransport) Open(ctx context.Context, instanceName string) (TransportSession, error) {
	if err := os.MkdirAll(t.cfg.SessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	dbPath := t.dbPath(instanceName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("creating credential store: %w", err)
	}

	device, err := t.getDevice(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(t.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	// The connection manager owns the retry policy; whatsmeow must not
	// race it with its own reconnects.
	client.EnableAutoReconnect = false

	s := &waSession{
		name:   instanceName,
		client: client,
		logger: t.logger.With("instance", instanceName),
		events: make(chan TransportEvent, 64),
	}
	client.AddEventHandler(s.handleEvent)
	return s, nil
}

// Wipe removes the instance's credential database without opening a
// session. Missing files are not an error.
func (t *WhatsmeowTransport) Wipe(_ context.Context, instanceName string) error {
	base := t.dbPath(instanceName)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	t.logger.Info("credentials wiped", "instance", instanceName)
	return nil
}

func (t *WhatsmeowTransport) dbPath(instanceName string) string {
	return filepath.Join(t.cfg.SessionDir, instanceName+".db")
}

func (t *WhatsmeowTransport) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// ---------- session ----------

type waSession struct {
	name   string
	client *whatsmeow.Client
	logger *slog.Logger

	events chan TransportEvent
	closed atomic.Bool
}

func (s *waSession) Events() <-chan TransportEvent { return s.events }

// Connect starts the connection. Without stored credentials it begins the
// QR pairing flow and streams pairing codes as TransportPairing events.
func (s *waSession) Connect(ctx context.Context) error {
	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := s.client.Connect(); err != nil {
			return fmt.Errorf("connecting for pairing: %w", err)
		}
		go s.pumpQR(qrChan)
		return nil
	}

	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// pumpQR forwards QR codes until pairing succeeds or the code expires.
// Expiry is surfaced as a close so the state machine restarts the flow.
func (s *waSession) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			s.emit(TransportEvent{Type: TransportPairing, Pairing: evt.Code})
		case "success":
			s.logger.Info("pairing completed")
			return
		case "timeout":
			s.logger.Warn("pairing code expired")
			s.emit(TransportEvent{Type: TransportClosed, Err: fmt.Errorf("pairing code expired")})
			return
		default:
			if evt.Error != nil {
				s.logger.Error("pairing error", "error", evt.Error)
				s.emit(TransportEvent{Type: TransportClosed, Err: evt.Error})
				return
			}
		}
	}
}

func (s *waSession) SendText(ctx context.Context, recipient, text string) error {
	jid, err := parseJID(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (s *waSession) Disconnect() {
	s.client.Disconnect()
	s.close()
}

// Logout asks the remote side to terminate the session and wipes local
// credentials. Tolerates the session already being gone.
func (s *waSession) Logout(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.client.Logout(lctx); err != nil {
		s.logger.Warn("logout failed, clearing local credentials", "error", err)
		s.client.Disconnect()
		if s.client.Store != nil {
			if delErr := s.client.Store.Delete(lctx); delErr != nil {
				s.logger.Warn("credential delete failed", "error", delErr)
			}
		}
	}
	s.close()
	return nil
}

func (s *waSession) DeleteCredentials(ctx context.Context) error {
	if s.client.Store == nil {
		return nil
	}
	return s.client.Store.Delete(ctx)
}

func (s *waSession) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.events)
	}
}

// emit forwards an event without ever blocking the whatsmeow callback.
func (s *waSession) emit(evt TransportEvent) {
	if s.closed.Load() {
		return
	}
	select {
	case s.events <- evt:
	default:
		s.logger.Warn("transport event buffer full, dropping", "type", evt.Type)
	}
}

// handleEvent maps whatsmeow events onto the transport event stream.
func (s *waSession) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.emit(TransportEvent{Type: TransportConnected})

	case *events.PairSuccess:
		s.logger.Info("device paired", "jid", evt.ID, "platform", evt.Platform)

	case *events.Disconnected:
		s.emit(TransportEvent{Type: TransportClosed})

	case *events.StreamReplaced:
		s.logger.Error("stream replaced by another device")
		s.emit(TransportEvent{Type: TransportClosed, Err: fmt.Errorf("stream replaced")})

	case *events.ConnectFailure:
		s.emit(TransportEvent{Type: TransportClosed, Err: fmt.Errorf("connect failure: %s", evt.Reason)})

	case *events.LoggedOut:
		s.logger.Warn("remote logout", "reason", evt.Reason)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if s.client.Store != nil {
			if err := s.client.Store.Delete(ctx); err != nil {
				s.logger.Warn("credential delete failed", "error", err)
			}
		}
		cancel()
		s.emit(TransportEvent{Type: TransportClosed, LoggedOut: true})

	case *events.Message:
		s.handleMessage(evt)
	}
}

func (s *waSession) handleMessage(evt *events.Message) {
	// Status broadcasts are noise, not conversations.
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	s.emit(TransportEvent{
		Type: TransportMessage,
		Message: &InboundMessage{
			RemoteID:   evt.Info.Chat.String(),
			Text:       extractText(evt.Message),
			SenderName: evt.Info.PushName,
			FromSelf:   evt.Info.IsFromMe,
			Timestamp:  evt.Info.Timestamp,
		},
	})
}

// extractText returns the message text, or a placeholder for media the
// reply pipeline cannot consume directly.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := msg.ImageMessage; img != nil {
		if c := img.GetCaption(); c != "" {
			return c
		}
		return "[image]"
	}
	if audio := msg.AudioMessage; audio != nil {
		if audio.GetPTT() {
			return "[voice note]"
		}
		return "[audio]"
	}
	if video := msg.VideoMessage; video != nil {
		if c := video.GetCaption(); c != "" {
			return c
		}
		return "[video]"
	}
	if doc := msg.DocumentMessage; doc != nil {
		return fmt.Sprintf("[document: %s]", doc.GetFileName())
	}
	if msg.StickerMessage != nil {
		return "[sticker]"
	}
	if loc := msg.LocationMessage; loc != nil {
		return fmt.Sprintf("[location: %.6f, %.6f]",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
	}
	return "[unsupported message]"
}

// parseJID converts a recipient string to a JID. Accepts bare phone
// numbers ("5511999999999") or full JIDs ("5511999999999@s.whatsapp.net").
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
