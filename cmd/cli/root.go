package cli

import (
	"fmt"
	"os"

	"github.com/agentforge/agentforge/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentforge",
		Short: "Agentforge provisioning CLI",
		Long: `Agentforge provisions a chained machine-identity trust relationship: a
blueprint application, a derived credential-less agent identity, and the
two-step token exchange between them, against an eventually consistent
cloud directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("tenant", "", "Override tenant id")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		if tenant, _ := cmd.Flags().GetString("tenant"); tenant != "" {
			cfg.TenantID = tenant
		}
	}

	rootCmd.AddCommand(NewProvisionCommand(cfg))
	rootCmd.AddCommand(NewExchangeCommand(cfg))
	rootCmd.AddCommand(NewVerifyCommand(cfg))
	rootCmd.AddCommand(NewDemoCommand(cfg))
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
