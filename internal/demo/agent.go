package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
)

// maxToolTurns bounds the tool loop so a confused model cannot spin forever.
const maxToolTurns = 5

// TokenSource supplies a fresh agent token per tool call. Wiring the
// exchange engine here means every weather lookup authenticates through the
// blueprint's vouching chain, exactly like the provisioned identity would.
type TokenSource func(ctx context.Context) (string, error)

// StaticTokenSource returns the same already-exchanged token every time.
func StaticTokenSource(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Agent is a chat agent with a single get_weather tool. The tool obtains an
// agent identity token and calls the demo weather API with it, so a chat
// turn exercises the full provisioned trust chain end to end.
type Agent struct {
	client     anthropic.Client
	model      string
	apiURL     string
	tokens     TokenSource
	httpClient *http.Client
}

// AgentDependencies configures an Agent. APIKey, APIURL, and Tokens are
// required.
type AgentDependencies struct {
	APIKey     string
	Model      string
	APIURL     string
	Tokens     TokenSource
	HTTPClient *http.Client
}

func NewAgent(deps AgentDependencies) (*Agent, error) {
	if deps.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required, export ANTHROPIC_API_KEY")
	}
	if deps.APIURL == "" {
		return nil, fmt.Errorf("demo api url is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("a token source is required")
	}

	model := deps.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Agent{
		client:     anthropic.NewClient(option.WithAPIKey(deps.APIKey)),
		model:      model,
		apiURL:     strings.TrimRight(deps.APIURL, "/"),
		tokens:     deps.Tokens,
		httpClient: httpClient,
	}, nil
}

// Ask runs one conversation turn, letting the model call get_weather as
// often as the turn budget allows, and returns the final text response.
func (a *Agent) Ask(ctx context.Context, question string) (string, error) {
	tools := []anthropic.ToolUnionParam{{
		OfTool: &anthropic.ToolParam{
			Name:        "get_weather",
			Description: anthropic.String("Get the current weather for a city. The tool authenticates with an agent identity token."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type: "object",
				Properties: map[string]any{
					"city": map[string]any{
						"type":        "string",
						"description": "City name, e.g. Seattle or London",
					},
				},
				Required: []string{"city"},
			},
		},
	}}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(question)),
	}

	for turn := 0; turn < maxToolTurns; turn++ {
		resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: 1024,
			System: []anthropic.TextBlockParam{{
				Text: "You are a weather assistant. Use the get_weather tool for weather questions; never make up weather data.",
			}},
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return "", fmt.Errorf("anthropic api error: %w", err)
		}

		var text strings.Builder
		var toolResults []anthropic.ContentBlockParamUnion

		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				result, isError := a.runTool(ctx, block.Name, block.Input)
				toolResults = append(toolResults, anthropic.NewToolResultBlock(block.ID, result, isError))
			}
		}

		if len(toolResults) == 0 {
			return text.String(), nil
		}

		messages = append(messages, resp.ToParam())
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}

	return "", fmt.Errorf("tool turn budget (%d) exhausted without a final answer", maxToolTurns)
}

func (a *Agent) runTool(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	if name != "get_weather" {
		return fmt.Sprintf("unknown tool %q", name), true
	}

	var args struct {
		City string `json:"city"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.City == "" {
		return "tool input must include a city", true
	}

	log.Info().Str("city", args.City).Msg("Weather tool called, requesting agent token")

	token, err := a.tokens(ctx)
	if err != nil {
		return fmt.Sprintf("could not obtain an agent token: %v", err), true
	}

	report, err := a.callWeatherAPI(ctx, args.City, token)
	if err != nil {
		return fmt.Sprintf("weather API call failed: %v", err), true
	}

	return report, false
}

// callWeatherAPI hits the demo resource API with the agent token, the same
// request shape the verification probe uses against the real resource.
func (a *Agent) callWeatherAPI(ctx context.Context, city, token string) (string, error) {
	endpoint := fmt.Sprintf("%s/weather?city=%s", a.apiURL, url.QueryEscape(city))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return string(body), nil
}
