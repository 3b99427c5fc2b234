// Package config loads the agentforge configuration from files and
// environment variables. Only the settings a command actually needs are
// validated, so the demo API can run without a directory session.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds every tunable the commands share. Durations accept Go
// duration strings in the config file ("3s", "10s").
type Config struct {
	// Directory session
	TenantID    string
	AccessToken string

	// Endpoints
	GraphBaseURL string
	LoginBaseURL string

	// Exchange and grant settings
	ResourceScope       string
	ExchangeScope       string
	ManagerRole         string
	ResourceDisplayName string
	CatalogFile         string
	UserDomain          string

	// Retry ceilings for the eventually-consistent joints
	SecretRetryAttempts    uint64
	SecretRetryDelay       time.Duration
	PrincipalRetryAttempts uint64
	PrincipalRetryDelay    time.Duration
	VerifyRetryAttempts    uint64
	VerifyRetryDelay       time.Duration

	// Fixed propagation waits between orchestrator stages
	WaitAfterPrincipal time.Duration
	WaitAfterBlueprint time.Duration
	WaitAfterAgent     time.Duration
	WaitAfterGrant     time.Duration

	// Demo settings
	DemoAPIAddress  string
	DemoAPIURL      string
	AnthropicAPIKey string
	AnthropicModel  string
}

// LoadConfig loads configuration from an optional agentforge.yaml and
// environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envMappings := map[string]string{
		"TenantID":            "AGENTFORGE_TENANT_ID",
		"AccessToken":         "AGENTFORGE_ACCESS_TOKEN",
		"GraphBaseURL":        "AGENTFORGE_GRAPH_BASE_URL",
		"LoginBaseURL":        "AGENTFORGE_LOGIN_BASE_URL",
		"ResourceScope":       "AGENTFORGE_RESOURCE_SCOPE",
		"ExchangeScope":       "AGENTFORGE_EXCHANGE_SCOPE",
		"ManagerRole":         "AGENTFORGE_MANAGER_ROLE",
		"ResourceDisplayName": "AGENTFORGE_RESOURCE_DISPLAY_NAME",
		"CatalogFile":         "AGENTFORGE_CATALOG_FILE",
		"UserDomain":          "AGENTFORGE_USER_DOMAIN",
		"DemoAPIAddress":      "AGENTFORGE_DEMO_API_ADDRESS",
		"DemoAPIURL":          "AGENTFORGE_DEMO_API_URL",
		"AnthropicAPIKey":     "ANTHROPIC_API_KEY",
		"AnthropicModel":      "AGENTFORGE_ANTHROPIC_MODEL",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	v.SetConfigName("agentforge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.agentforge")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("GraphBaseURL", "https://graph.microsoft.com")
	v.SetDefault("LoginBaseURL", "https://login.microsoftonline.com")
	v.SetDefault("ResourceScope", "https://graph.microsoft.com/.default")
	v.SetDefault("ExchangeScope", "api://AzureADTokenExchange/.default")
	v.SetDefault("ManagerRole", "AgentIdentity.Create")
	v.SetDefault("ResourceDisplayName", "Microsoft Graph")

	v.SetDefault("SecretRetryAttempts", 5)
	v.SetDefault("SecretRetryDelay", 3*time.Second)
	v.SetDefault("PrincipalRetryAttempts", 10)
	v.SetDefault("PrincipalRetryDelay", 3*time.Second)
	v.SetDefault("VerifyRetryAttempts", 10)
	v.SetDefault("VerifyRetryDelay", 10*time.Second)

	v.SetDefault("WaitAfterPrincipal", 5*time.Second)
	v.SetDefault("WaitAfterBlueprint", 10*time.Second)
	v.SetDefault("WaitAfterAgent", 3*time.Second)
	v.SetDefault("WaitAfterGrant", 15*time.Second)

	v.SetDefault("DemoAPIAddress", ":8080")
	v.SetDefault("DemoAPIURL", "http://localhost:8080")
	v.SetDefault("AnthropicModel", "claude-sonnet-4-5")
}

// RequireSession validates the settings every directory-facing command needs.
func (c *Config) RequireSession() error {
	if c.TenantID == "" {
		return identity.NewError(identity.ClassConfiguration,
			"tenant id is required, set AGENTFORGE_TENANT_ID or pass --tenant", nil)
	}
	if c.AccessToken == "" {
		return identity.NewError(identity.ClassConfiguration,
			"graph access token is required, sign in and export AGENTFORGE_ACCESS_TOKEN", nil)
	}
	return nil
}
