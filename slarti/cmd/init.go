package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/grenade/slarti/slarti/config"
	"github.com/spf13/cobra"
)

var (
	// Config flags
	cfgAgentVersion string
	cfgDistDir      string
	cfgReleaseURL   string
	cfgIdentityFile string
	cfgLogLevel     string
	forceInit       bool
	nonInteractive  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize slarti configuration",
	Long: `Initialize the slarti home directory and write config.yml.

Values not given as flags are asked for interactively, unless
--non-interactive is set, in which case defaults are used.

Example:
  slarti init
  slarti init --non-interactive --dist-dir ./dist
  slarti init --force  # Overwrite an existing config.yml`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	def := config.DefaultConfig()

	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config.yml")
	initCmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Do not prompt; use flags and defaults")

	initCmd.Flags().StringVar(&cfgAgentVersion, "agent-version", "", "Agent version hosts must run (default: this build's version)")
	initCmd.Flags().StringVar(&cfgDistDir, "dist-dir", def.Agent.DistDir, "Directory with locally built agents, <dir>/<os-arch>/slarti-agent")
	initCmd.Flags().StringVar(&cfgReleaseURL, "release-url", def.Agent.ReleaseURL, "Agent download URL template with {version} and {target}")
	initCmd.Flags().StringVar(&cfgIdentityFile, "identity-file", def.SSH.IdentityFile, "SSH identity file (default: whatever ssh picks)")
	initCmd.Flags().StringVar(&cfgLogLevel, "log-level", def.LogLevel, "Log level (debug/info/warn/error)")
}

func runInit(cmd *cobra.Command, args []string) error {
	home, err := getHomeDir()
	if err != nil {
		return err
	}
	cfgFile := configPath(home)

	// Check if already initialized
	if _, err := os.Stat(cfgFile); err == nil && !forceInit {
		return fmt.Errorf("already initialized at %s. Use --force to overwrite the config", home)
	}

	// Create directory structure
	for _, dir := range []string{home, filepath.Join(home, "hosts"), filepath.Join(home, "artifacts")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// Start with default config
	cfg := config.DefaultConfig()
	if appVersion != "" {
		cfg.Agent.Version = appVersion
	}

	// Override with provided flags only
	flags := cmd.Flags()
	if flags.Changed("agent-version") {
		cfg.Agent.Version = cfgAgentVersion
	}
	if flags.Changed("dist-dir") {
		cfg.Agent.DistDir = cfgDistDir
	}
	if flags.Changed("release-url") {
		cfg.Agent.ReleaseURL = cfgReleaseURL
	}
	if flags.Changed("identity-file") {
		cfg.SSH.IdentityFile = cfgIdentityFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = cfgLogLevel
	}

	if !nonInteractive {
		if err := promptConfig(cmd, cfg); err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := config.Save(cfg, cfgFile); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	out := cmd.OutOrStdout()
	okColor.Fprintf(out, "✓ slarti initialized at %s\n", home)
	fmt.Fprintln(out, "List your hosts with:")
	fmt.Fprintln(out, "  slarti hosts")
	return nil
}

// promptConfig asks for every value not already given as a flag.
func promptConfig(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if !flags.Changed("agent-version") {
		prompt := &survey.Input{
			Message: "Agent version hosts must run:",
			Default: cfg.Agent.Version,
			Help:    "Connections to agents of any other version are refused until they are upgraded",
		}
		if err := survey.AskOne(prompt, &cfg.Agent.Version, survey.WithValidator(survey.Required)); err != nil {
			return err
		}
	}
	if !flags.Changed("dist-dir") {
		prompt := &survey.Input{
			Message: "Local agent build directory (optional):",
			Default: cfg.Agent.DistDir,
			Help:    "Laid out as <dir>/<os>-<arch>/slarti-agent, e.g. dist/linux-amd64/slarti-agent",
		}
		if err := survey.AskOne(prompt, &cfg.Agent.DistDir); err != nil {
			return err
		}
	}
	if !flags.Changed("release-url") {
		prompt := &survey.Input{
			Message: "Agent download URL template (optional):",
			Default: cfg.Agent.ReleaseURL,
			Help:    "Used when no local build exists; {version} and {target} are substituted",
		}
		if err := survey.AskOne(prompt, &cfg.Agent.ReleaseURL); err != nil {
			return err
		}
	}
	if !flags.Changed("identity-file") {
		prompt := &survey.Input{
			Message: "SSH identity file (optional):",
			Default: cfg.SSH.IdentityFile,
		}
		if err := survey.AskOne(prompt, &cfg.SSH.IdentityFile); err != nil {
			return err
		}
	}
	forward := &survey.Confirm{
		Message: "Forward your ssh-agent to hosts?",
		Default: cfg.SSH.ForwardAgent,
	}
	return survey.AskOne(forward, &cfg.SSH.ForwardAgent)
}
