package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inovachat/warelay/pkg/warelay/store"
)

// newInstancesCmd creates the `warelay instances` command listing a
// tenant's channel instances.
func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List a tenant's channel instances",
		RunE:  runInstances,
	}
	cmd.Flags().String("user", "", "tenant ID (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runInstances(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	userID, _ := cmd.Flags().GetString("user")

	st, err := store.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	insts, err := st.GetUserInstances(ctx, userID)
	if err != nil {
		return err
	}
	active, err := st.GetActiveInstance(ctx, userID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tLAST SEEN\tACTIVE")
	for _, inst := range insts {
		mark := ""
		if inst.Name == active {
			mark = "*"
		}
		seen := "-"
		if !inst.LastSeen.IsZero() {
			seen = inst.LastSeen.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.Name, inst.State, seen, mark)
	}
	return w.Flush()
}

// newDeleteCmd creates the `warelay delete` command: force-remove an
// instance, its credentials and records, regardless of connection state.
func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Force-delete an instance and its credentials",
		Long: `Remove an instance unconditionally: credentials on disk, the
persisted record and its conversations' bindings. Recovery hatch for
instances whose remote session no longer exists.

Example:
  warelay delete --name acme-main`,
		RunE: runDelete,
	}
	cmd.Flags().String("name", "", "instance name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runDelete(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	name, _ := cmd.Flags().GetString("name")

	svc, st, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := svc.ForceDelete(ctx, name); err != nil {
		return err
	}
	fmt.Printf("instance %q deleted\n", name)
	return nil
}
