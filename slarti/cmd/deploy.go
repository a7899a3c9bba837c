package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <alias>",
	Short: "Install or upgrade the agent on a host",
	Long: `Deploy copies the configured agent version to a host, verifies it with a
fresh handshake and remembers the result.

Deploying a version that is already installed is harmless: the copy is
skipped by rsync when the file is unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func runDeploy(cmd *cobra.Command, args []string) error {
	alias := args[0]
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	ctx, stop := commandContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Deploying slarti-agent %s to %s...\n", e.manager.Version(), alias)
	conn, err := e.manager.Deploy(ctx, alias)
	if err != nil {
		printHint(cmd.ErrOrStderr(), err)
		return err
	}
	defer conn.Close()

	printConnection(out, conn)
	if rec, err := e.store.Get(alias); err == nil && rec.RemoteChecksum != "" {
		dimColor.Fprintf(out, "  checksum: %s\n", rec.RemoteChecksum)
	}
	if conn.Sync != nil && conn.Sync.FallbackReason != "" {
		warnColor.Fprintf(out, "  rsync unavailable, used scp: %s\n", conn.Sync.FallbackReason)
	}
	return nil
}
