package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/pkg/directory"
	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/probe"
	"github.com/agentforge/agentforge/pkg/retry"
	"github.com/spf13/cobra"
)

func NewVerifyCommand(cfg *config.Config) *cobra.Command {
	var (
		token        string
		resourceURL  string
		resourcePath string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Probe the resource API with an existing agent token",
		Long: `Verify calls the resource API with the supplied token under the probe's
bounded retry budget. It exits zero on success; on exhaustion it prints the
decoded token claims (audience, app id, roles) to help distinguish a
roleless token from an API failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("AGENTFORGE_AGENT_TOKEN")
			}
			if token == "" {
				return identity.NewError(identity.ClassConfiguration,
					"an agent token is required, pass --token or set AGENTFORGE_AGENT_TOKEN", nil)
			}

			if resourceURL == "" {
				resourceURL = cfg.GraphBaseURL
			}

			verifier := probe.NewProbe(probe.ProbeDependencies{
				Caller: directory.NewGraphResourceCaller(directory.GraphResourceCallerDependencies{
					BaseURL: resourceURL,
					Path:    resourcePath,
				}),
				Policy: retry.Fixed(cfg.VerifyRetryAttempts, cfg.VerifyRetryDelay),
			})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			verification := verifier.Verify(ctx, token)

			encoded, _ := json.MarshalIndent(verification, "", "  ")
			fmt.Println(string(encoded))

			if !verification.OK {
				return fmt.Errorf("verification failed after %d attempt(s)", verification.Attempts)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Agent token to verify (default: AGENTFORGE_AGENT_TOKEN)")
	cmd.Flags().StringVar(&resourceURL, "resource-url", "", "Resource API base URL (default: the Graph base URL)")
	cmd.Flags().StringVar(&resourcePath, "resource-path", "", "Resource path to probe (default: a minimal users read)")

	return cmd
}
