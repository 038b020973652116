// Package commands implements the warelay CLI commands using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/inovachat/warelay/pkg/warelay/config"
)

// NewRootCmd creates the CLI root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warelay",
		Short: "WaRelay - multi-tenant WhatsApp messaging relay",
		Long: `WaRelay runs WhatsApp channel instances for assistant tenants:
pairing, connection supervision, inbound buffering and humanized delivery.

Examples:
  warelay serve
  warelay pair --user acme --name acme-main
  warelay instances --user acme
  warelay delete --name acme-main`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPairCmd(),
		newInstancesCmd(),
		newDeleteCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig resolves the configuration file, falling back to defaults
// when none is given. A .env file in the working directory is honored.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	_ = godotenv.Load()

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		if env := os.Getenv("WARELAY_CONFIG"); env != "" {
			path = env
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger builds the process logger from config plus the verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
