package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inovachat/warelay/pkg/warelay/session"
)

// newPairCmd creates the `warelay pair` command: create an instance and
// wait for the pairing flow to complete.
func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Create an instance and pair it with a phone",
		Long: `Create a new channel instance and print pairing payloads until
the phone completes the link. Intended for first-time setup; once paired,
the daemon reconnects the instance on its own.

Example:
  warelay pair --user acme --name acme-main`,
		RunE: runPair,
	}

	cmd.Flags().String("user", "", "owning tenant ID (required)")
	cmd.Flags().String("name", "", "instance name (required)")
	cmd.Flags().Duration("timeout", 3*time.Minute, "how long to wait for pairing")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runPair(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	userID, _ := cmd.Flags().GetString("user")
	name, _ := cmd.Flags().GetString("name")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	svc, st, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	res, err := svc.CreateInstance(ctx, userID, name)
	if err != nil {
		return err
	}
	fmt.Println(res.PairingHint)

	// Pairing payloads rotate; print each fresh one until connected.
	lastShown := ""
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing timed out after %s", timeout)
		case <-ticker.C:
		}

		if payload, ok := svc.GetPairingPayload(name); ok && payload != lastShown {
			lastShown = payload
			fmt.Printf("\npairing code:\n%s\n", payload)
		}

		instances, err := svc.ListInstances(ctx, userID)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			if inst.Name == name && inst.State == session.StateConnected {
				fmt.Println("\nchannel connected")
				return nil
			}
		}
	}
}
