package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version info passed from main
	appVersion   string
	appGitCommit string
	appBuildTime string

	// Global flags
	homeDir string
	debug   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "slarti",
	Short: "Discover what runs on your SSH hosts",
	Long: `slarti connects to hosts from your ssh config, puts a small read-only
agent on them when needed and asks it what the machine is running.

It only uses the system ssh client, so your ~/.ssh/config, keys and
ssh-agent work as they always do. Nothing is installed without asking:
  slarti hosts             # list known aliases
  slarti connect web1      # check or deploy the agent
  slarti discover web1 db1 # run discovery`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands and executes the root command
func Execute(ver, commit, built string) error {
	appVersion = ver
	appGitCommit = commit
	appBuildTime = built

	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "slarti home directory (default: ~/.slarti)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	// Add all subcommands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display version information for slarti.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "slarti Version: %s\n", appVersion)
		fmt.Fprintf(out, "Git Commit: %s\n", appGitCommit)
		fmt.Fprintf(out, "Build Time: %s\n", appBuildTime)
	},
}
