package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/grenade/slarti/pkg/deploy"
	"github.com/spf13/cobra"
)

var (
	assumeYes bool
	noDeploy  bool
)

var connectCmd = &cobra.Command{
	Use:   "connect <alias>",
	Short: "Connect to a host's agent, deploying it if needed",
	Long: `Connect checks the agent on a host and completes a handshake with it.

When the host has no agent, or one of the wrong version, you are asked
before anything is copied. Use --yes to approve up front or --no-deploy to
only check.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Deploy without asking when needed")
	connectCmd.Flags().BoolVar(&noDeploy, "no-deploy", false, "Never deploy; fail if the host has no usable agent")
}

func runConnect(cmd *cobra.Command, args []string) error {
	alias := args[0]
	mode, err := consentFromFlags(assumeYes, noDeploy)
	if err != nil {
		return err
	}
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	ctx, stop := commandContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	conn, err := e.ensureAgent(ctx, out, alias, mode)
	if err != nil {
		printHint(cmd.ErrOrStderr(), err)
		return err
	}
	defer conn.Close()

	printConnection(out, conn)
	return nil
}

func printConnection(w io.Writer, conn *deploy.Connection) {
	okColor.Fprintf(w, "✓ %s: slarti-agent %s", conn.Alias, conn.Version.Version())
	if conn.Deployed {
		how := "deployed"
		if conn.Sync != nil {
			how = fmt.Sprintf("deployed via %s", conn.Sync.Method)
		}
		okColor.Fprintf(w, " (%s)", how)
	}
	fmt.Fprintln(w)

	caps := conn.Version.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	dimColor.Fprintf(w, "  path: %s\n", conn.RemotePath)
	dimColor.Fprintf(w, "  capabilities: %s\n", strings.Join(names, ", "))
}
