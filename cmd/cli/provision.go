package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/pkg/provision"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewProvisionCommand(cfg *config.Config) *cobra.Command {
	var (
		blueprintName string
		agentName     string
		permissions   []string
		createUser    bool
		skipVerify    bool
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a blueprint, derive an agent identity, and verify the trust chain",
		Long: `Provision runs the full workflow: connect to the directory, create the
blueprint application with a client secret, derive a credential-less agent
identity through the blueprint's token, grant the requested permissions,
exchange a fresh agent token, and verify it against the resource API.

Nothing is rolled back on failure. The command prints the accumulated
result so partially provisioned resources stay identifiable for cleanup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireSession(); err != nil {
				return err
			}

			orchestrator, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			result, runErr := orchestrator.Run(ctx, provision.Request{
				BlueprintName:    blueprintName,
				AgentName:        agentName,
				Permissions:      permissions,
				CreateAgentUser:  createUser,
				UserDomain:       cfg.UserDomain,
				SkipVerification: skipVerify,
			})

			printResult(result)

			if runErr != nil {
				log.Error().Err(runErr).Str("stage", string(result.Stage)).
					Msg("Provisioning failed; created resources were left in place")
				return runErr
			}

			// The secret and tokens live only in this process; hand them to
			// the operator exactly once, the way the directory handed us the
			// secret.
			fmt.Printf("\nBlueprint client secret: %s\n", result.Blueprint.ClientSecret)
			fmt.Printf("Agent access token:      %s\n", result.Tokens.AccessToken())
			return nil
		},
	}

	cmd.Flags().StringVar(&blueprintName, "blueprint-name", "", "Display name for the blueprint application (required)")
	cmd.Flags().StringVar(&agentName, "agent-name", "", "Display name for the agent identity (required)")
	cmd.Flags().StringArrayVar(&permissions, "permission", nil,
		fmt.Sprintf("Permission name to grant, repeatable (default %s)", provision.DefaultPermission))
	cmd.Flags().BoolVar(&createUser, "create-user", false, "Also create a directory user for the agent")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Skip the final resource API verification")

	_ = cmd.MarkFlagRequired("blueprint-name")
	_ = cmd.MarkFlagRequired("agent-name")

	return cmd
}

func printResult(result *provision.Result) {
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode result")
		return
	}
	fmt.Println(string(encoded))
}
