package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/grenade/slarti/agent/probes"
	"github.com/grenade/slarti/agent/service"
	"github.com/grenade/slarti/pkg/capabilities"
	"github.com/grenade/slarti/pkg/logtrace"
	"github.com/grenade/slarti/pkg/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	// Version info passed from main
	appVersion   string
	appGitCommit string
	appBuildTime string

	// Flags
	stdioMode    bool
	printVersion bool
	printSum     bool
	capsFile     string
	debug        bool
)

var rootCmd = &cobra.Command{
	Use:   "slarti-agent",
	Short: "Read-only host discovery agent",
	Long: `slarti-agent answers discovery requests over stdin/stdout.

It is started by slarti over ssh and is not meant to be run by hand,
except to check its version or checksum:
  slarti-agent --version
  slarti-agent --checksum`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the agent command line.
func Execute(ver, commit, built string) error {
	appVersion = ver
	appGitCommit = commit
	appBuildTime = built

	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolVar(&stdioMode, "stdio", false, "Serve the discovery protocol on stdin/stdout")
	rootCmd.Flags().BoolVar(&printVersion, "version", false, "Print the agent version and exit")
	rootCmd.Flags().BoolVar(&printSum, "checksum", false, "Print the BLAKE3 checksum of this executable and exit")
	rootCmd.Flags().StringVar(&capsFile, "capabilities", "", "Capability restriction file (yaml)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.MarkFlagsMutuallyExclusive("stdio", "version", "checksum")
}

func run(cmd *cobra.Command, args []string) error {
	switch {
	case printVersion:
		fmt.Fprintln(cmd.OutOrStdout(), appVersion)
		return nil
	case printSum:
		return runChecksum(cmd)
	case stdioMode:
		return serve(cmd.Context())
	}
	_ = cmd.Usage()
	return errors.New("no mode given: use --stdio, --version or --checksum")
}

func runChecksum(cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locate executable")
	}
	sum, err := utils.Blake3HashFileHex(exe)
	if err != nil {
		return errors.Wrapf(err, "hash %s", exe)
	}
	fmt.Fprintln(cmd.OutOrStdout(), sum)
	return nil
}

func serve(parent context.Context) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	// stdout is the protocol channel; logs must stay on stderr
	logtrace.Setup("slarti-agent", "prod", level)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	ctx = logtrace.CtxWithCorrelationID(ctx, fmt.Sprintf("agent-%d", os.Getpid()))

	capCfg, err := capabilities.LoadConfig(capsFile)
	if err != nil {
		logtrace.Error(ctx, "Failed to load capability config", logtrace.Fields{
			logtrace.FieldModule: "agent",
			logtrace.FieldError:  err.Error(),
		})
		return err
	}

	logtrace.Info(ctx, "Agent starting", logtrace.Fields{
		logtrace.FieldModule:  "agent",
		logtrace.FieldVersion: appVersion,
		"git_commit":          appGitCommit,
		"build_time":          appBuildTime,
	})

	handlers := probes.New(capCfg).Handlers(capCfg)
	svc := service.New(appVersion, handlers)
	return svc.Run(ctx, os.Stdin, os.Stdout)
}
