// Package commands implements the CLI for the directory synchronization
// runners.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	// Global flags.
	cfgFile        string
	logLevel       string
	environment    string
	overrideAll    bool
	overrideGroups []string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ad-ldap-sync",
	Short: "Synchronize users and groups from Active Directory into OpenLDAP",
	Long: `ad-ldap-sync reconciles user accounts and group memberships from an
authoritative Active Directory into a dependent OpenLDAP directory, with
change-volume thresholds guarding against runaway bulk updates.

Runs are dry-run by default (--environment noop); pass --environment prod
to apply changes. Batches held back by the thresholds are listed for
operator review and can be authorized with --override-all or
--override-group.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if environment != "noop" && environment != "prod" {
			return fmt.Errorf("invalid --environment %q: must be noop or prod", environment)
		}
		return nil
	},
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&environment, "environment", "noop", "noop (dry run) or prod (apply changes)")
	rootCmd.PersistentFlags().BoolVar(&overrideAll, "override-all", false, "authorize every threshold-gated batch")
	rootCmd.PersistentFlags().StringArrayVar(&overrideGroups, "override-group", nil, "authorize one threshold-gated group (repeatable)")

	rootCmd.AddCommand(userSyncCmd)
	rootCmd.AddCommand(groupSyncCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("ad-ldap-sync %s (%s)\n", Version, Commit)
	},
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}
