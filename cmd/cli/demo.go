package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/internal/demo"
	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewDemoCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the demo resource API or the demo chat agent",
	}

	cmd.AddCommand(newDemoAPICommand(cfg))
	cmd.AddCommand(newDemoAgentCommand(cfg))

	return cmd
}

func newDemoAPICommand(cfg *config.Config) *cobra.Command {
	var (
		addr         string
		requiredRole string
	)

	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the demo weather API that validates agent tokens",
		Long: `The demo API plays the downstream resource in the trust chain. Weather
requests must carry an agent token whose decoded claims include roles;
/health stays open. Token signatures are inspected, not verified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.DemoAPIAddress
			}

			app := demo.NewAPI(demo.APIDependencies{RequiredRole: requiredRole})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info().Str("address", addr).Msg("Starting demo weather API")

			if err := app.Listen(addr, fiber.ListenConfig{
				GracefulContext:       ctx,
				DisableStartupMessage: true,
			}); err != nil {
				return fmt.Errorf("demo API failed: %w", err)
			}

			log.Info().Msg("Demo weather API stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&requiredRole, "required-role", "", "Role the agent token must carry (default: any role)")

	return cmd
}

func newDemoAgentCommand(cfg *config.Config) *cobra.Command {
	var (
		apiURL         string
		staticToken    string
		blueprintAppID string
		clientSecret   string
		agentAppID     string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with a weather agent that authenticates via agent identity",
		Long: `The demo agent answers weather questions with a single get_weather tool.
Each tool call obtains an agent token, either a static one passed with
--token or a fresh one minted through the blueprint exchange, and presents
it to the demo API. One chat turn exercises the whole provisioned chain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				apiURL = cfg.DemoAPIURL
			}

			tokens, err := buildTokenSource(cfg, staticToken, blueprintAppID, clientSecret, agentAppID)
			if err != nil {
				return err
			}

			agent, err := demo.NewAgent(demo.AgentDependencies{
				APIKey: cfg.AnthropicAPIKey,
				Model:  cfg.AnthropicModel,
				APIURL: apiURL,
				Tokens: tokens,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runChatLoop(ctx, agent)
		},
	}

	cmd.Flags().StringVar(&apiURL, "api-url", "", "Demo API base URL (default from config)")
	cmd.Flags().StringVar(&staticToken, "token", "", "Use this already-exchanged agent token for every tool call")
	cmd.Flags().StringVar(&blueprintAppID, "blueprint-app-id", "", "Blueprint application id (for per-call exchange)")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "Blueprint client secret (for per-call exchange)")
	cmd.Flags().StringVar(&agentAppID, "agent-app-id", "", "Agent identity application id (for per-call exchange)")

	return cmd
}

// buildTokenSource prefers a static token; otherwise every tool call runs a
// fresh exchange through the blueprint.
func buildTokenSource(cfg *config.Config, staticToken, blueprintAppID, clientSecret, agentAppID string) (demo.TokenSource, error) {
	if staticToken != "" {
		return demo.StaticTokenSource(staticToken), nil
	}

	if blueprintAppID == "" || clientSecret == "" || agentAppID == "" {
		return nil, identity.NewError(identity.ClassConfiguration,
			"pass --token, or all of --blueprint-app-id, --client-secret, and --agent-app-id", nil)
	}
	if cfg.TenantID == "" {
		return nil, identity.NewError(identity.ClassConfiguration,
			"tenant id is required for the exchange, set AGENTFORGE_TENANT_ID or pass --tenant", nil)
	}

	tokenClient, err := buildTokenClient(cfg)
	if err != nil {
		return nil, err
	}
	engine := buildEngine(cfg, tokenClient)

	blueprint := identity.Blueprint{AppID: blueprintAppID, ClientSecret: clientSecret}

	return func(ctx context.Context) (string, error) {
		pair, err := engine.Exchange(ctx, blueprint, agentAppID)
		if err != nil {
			return "", err
		}
		return pair.AccessToken(), nil
	}, nil
}

func runChatLoop(ctx context.Context, agent *demo.Agent) error {
	fmt.Println("Ask about the weather in any city. Empty line or Ctrl-C exits.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			break
		}

		answer, err := agent.Ask(ctx, question)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Agent turn failed")
			continue
		}

		fmt.Println(answer)
	}

	return scanner.Err()
}
