package cli

import (
	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/pkg/catalog"
	"github.com/agentforge/agentforge/pkg/directory"
	"github.com/agentforge/agentforge/pkg/exchange"
	"github.com/agentforge/agentforge/pkg/grants"
	"github.com/agentforge/agentforge/pkg/probe"
	"github.com/agentforge/agentforge/pkg/provision"
	"github.com/agentforge/agentforge/pkg/retry"
)

// buildTokenClient needs only the tenant, not the Graph session.
func buildTokenClient(cfg *config.Config) (*directory.TokenClient, error) {
	return directory.NewTokenClient(directory.TokenClientDependencies{
		TenantID:     cfg.TenantID,
		LoginBaseURL: cfg.LoginBaseURL,
	})
}

func buildEngine(cfg *config.Config, tokens *directory.TokenClient) *exchange.Engine {
	return exchange.NewEngine(exchange.EngineDependencies{
		Tokens:        tokens,
		ResourceScope: cfg.ResourceScope,
		ExchangeScope: cfg.ExchangeScope,
		ManagerRole:   cfg.ManagerRole,
		SecretPolicy:  retry.Fixed(cfg.SecretRetryAttempts, cfg.SecretRetryDelay),
	})
}

func buildCatalog(cfg *config.Config) (catalog.Catalog, error) {
	builtIn := catalog.BuiltIn()
	if cfg.CatalogFile == "" {
		return builtIn, nil
	}

	overlay, err := catalog.LoadFile(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	return catalog.Merge(builtIn, overlay), nil
}

// buildOrchestrator wires the full workflow from configuration. The caller
// has already validated the session settings.
func buildOrchestrator(cfg *config.Config) (*provision.Orchestrator, error) {
	dir, err := directory.NewGraphClient(directory.GraphClientDependencies{
		AccessToken: cfg.AccessToken,
		BaseURL:     cfg.GraphBaseURL,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := buildTokenClient(cfg)
	if err != nil {
		return nil, err
	}

	roleCatalog, err := buildCatalog(cfg)
	if err != nil {
		return nil, err
	}

	grantor := grants.NewGrantor(grants.GrantorDependencies{
		Directory:    dir,
		Catalog:      roleCatalog,
		ResourceName: cfg.ResourceDisplayName,
		ReadyPolicy:  retry.Fixed(cfg.PrincipalRetryAttempts, cfg.PrincipalRetryDelay),
	})

	verifier := probe.NewProbe(probe.ProbeDependencies{
		Caller: directory.NewGraphResourceCaller(directory.GraphResourceCallerDependencies{
			BaseURL: cfg.GraphBaseURL,
		}),
		Policy: retry.Fixed(cfg.VerifyRetryAttempts, cfg.VerifyRetryDelay),
	})

	waits := provision.Waits{
		AfterPrincipal: cfg.WaitAfterPrincipal,
		AfterBlueprint: cfg.WaitAfterBlueprint,
		AfterAgent:     cfg.WaitAfterAgent,
		AfterGrant:     cfg.WaitAfterGrant,
	}

	return provision.NewOrchestrator(provision.Dependencies{
		Directory: dir,
		Engine:    buildEngine(cfg, tokens),
		Grantor:   grantor,
		Probe:     verifier,
		Waits:     &waits,
	}), nil
}
