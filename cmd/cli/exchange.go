package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/spf13/cobra"
)

func NewExchangeCommand(cfg *config.Config) *cobra.Command {
	var (
		blueprintAppID string
		clientSecret   string
		agentAppID     string
	)

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Re-run the token exchange for an existing blueprint and agent",
		Long: `Exchange mints a fresh agent token for an already provisioned pair:
the blueprint obtains an impersonation token vouching for the agent, then
presents it as a client assertion to get the agent's own token. Run this
after granting new permissions, since roles are baked in at issuance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.TenantID == "" {
				return identity.NewError(identity.ClassConfiguration,
					"tenant id is required, set AGENTFORGE_TENANT_ID or pass --tenant", nil)
			}

			tokens, err := buildTokenClient(cfg)
			if err != nil {
				return err
			}
			engine := buildEngine(cfg, tokens)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			blueprint := identity.Blueprint{
				AppID:        blueprintAppID,
				ClientSecret: clientSecret,
			}

			pair, err := engine.Exchange(ctx, blueprint, agentAppID)
			if err != nil {
				return err
			}

			fmt.Println(pair.AccessToken())
			return nil
		},
	}

	cmd.Flags().StringVar(&blueprintAppID, "blueprint-app-id", "", "Blueprint application id (required)")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "Blueprint client secret (required)")
	cmd.Flags().StringVar(&agentAppID, "agent-app-id", "", "Agent identity application id (required)")

	_ = cmd.MarkFlagRequired("blueprint-app-id")
	_ = cmd.MarkFlagRequired("client-secret")
	_ = cmd.MarkFlagRequired("agent-app-id")

	return cmd
}
