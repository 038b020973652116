package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inovachat/warelay/pkg/warelay/config"
	"github.com/inovachat/warelay/pkg/warelay/service"
	"github.com/inovachat/warelay/pkg/warelay/session"
	"github.com/inovachat/warelay/pkg/warelay/store"
)

// newServeCmd creates the `warelay serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay daemon",
		Long: `Start WaRelay as a daemon: every persisted instance is brought
back up, inbound messages are buffered per conversation and replies are
delivered humanized.

Examples:
  warelay serve
  warelay serve --config ./config.yaml
  warelay serve --echo`,
		RunE: runServe,
	}

	cmd.Flags().Bool("echo", false, "reply to every turn by echoing it back (pairing/delivery smoke test)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	svc, st, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if echo, _ := cmd.Flags().GetBool("echo"); echo {
		svc.SetReplyFunc(func(_ context.Context, _ *store.Conversation, text string) (string, error) {
			return text, nil
		})
		logger.Warn("echo mode enabled, every inbound turn is echoed back")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	// Bring persisted instances back up. Terminated records were removed
	// at deletion time, so whatever is here is expected to reconnect.
	if err := restoreInstances(ctx, svc, st, logger); err != nil {
		logger.Error("instance restore incomplete", "error", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	svc.Stop()
	return nil
}

// buildService opens storage, constructs the transport and wires the
// service facade.
func buildService(cfg *config.Config, logger *slog.Logger) (*service.Service, *store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Transport.SessionDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating session dir: %w", err)
	}

	st, err := store.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	transport := session.NewWhatsmeowTransport(cfg.Transport, logger)
	sessions := session.NewManager(cfg.Session, transport, logger)
	return service.New(cfg, st, sessions, logger), st, nil
}

// restoreInstances recreates the connection machine for every persisted
// instance record.
func restoreInstances(ctx context.Context, svc *service.Service, st store.Store, logger *slog.Logger) error {
	insts, err := st.AllInstances(ctx)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		if _, err := svc.CreateInstance(ctx, inst.UserID, inst.Name); err != nil {
			logger.Error("instance restore failed", "instance", inst.Name, "error", err)
			continue
		}
		logger.Info("instance restored", "instance", inst.Name, "user", inst.UserID)
	}
	return nil
}
