// Package exchange implements the two-step credential-less impersonation
// protocol: the blueprint vouches for an agent identity by minting an
// exchange token (T1), which the agent presents as a jwt-bearer client
// assertion to obtain its own usable token (T2).
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/jwtclaims"
	"github.com/agentforge/agentforge/pkg/retry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultResourceScope is the downstream resource's default scope.
	DefaultResourceScope = "https://graph.microsoft.com/.default"

	// DefaultExchangeScope is the token-exchange audience's default scope;
	// T1 tokens are scoped to it and usable nowhere else.
	DefaultExchangeScope = "api://AzureADTokenExchange/.default"

	// DefaultManagerRole is the role claim a blueprint's token is expected
	// to carry before it may create agent identities.
	DefaultManagerRole = "AgentIdentity.Create"
)

// Engine drives token acquisition for a blueprint and its agents.
type Engine struct {
	tokens identity.TokenService

	resourceScope string
	exchangeScope string
	managerRole   string

	// secretPolicy bounds the invalid_client retry loop that absorbs
	// client-secret propagation lag.
	secretPolicy retry.Policy

	// roleWait is the single extra pause applied when a fresh blueprint
	// token is missing the manager role claim.
	roleWait time.Duration
}

// EngineDependencies configures an Engine. Zero values fall back to the
// defaults above and a 5-attempt, 3-second-delay secret policy.
type EngineDependencies struct {
	Tokens        identity.TokenService
	ResourceScope string
	ExchangeScope string
	ManagerRole   string
	SecretPolicy  retry.Policy
	RoleWait      *time.Duration
}

func NewEngine(deps EngineDependencies) *Engine {
	engine := &Engine{
		tokens:        deps.Tokens,
		resourceScope: deps.ResourceScope,
		exchangeScope: deps.ExchangeScope,
		managerRole:   deps.ManagerRole,
		secretPolicy:  deps.SecretPolicy,
		roleWait:      10 * time.Second,
	}

	if engine.resourceScope == "" {
		engine.resourceScope = DefaultResourceScope
	}
	if engine.exchangeScope == "" {
		engine.exchangeScope = DefaultExchangeScope
	}
	if engine.managerRole == "" {
		engine.managerRole = DefaultManagerRole
	}
	if engine.secretPolicy.Attempts == 0 {
		engine.secretPolicy = retry.Fixed(5, 3*time.Second)
	}
	if deps.RoleWait != nil {
		engine.roleWait = *deps.RoleWait
	}

	return engine
}

// InitialToken mints the blueprint's own token, the one that authorizes
// agent identity creation. A brand-new client secret is often rejected with
// invalid_client until it propagates, so that rejection and only that
// rejection is retried under the secret policy; any other failure is fatal.
//
// A decoded token missing the manager role claim is logged as a warning and
// given one extra propagation pause, then the workflow proceeds. The
// original behavior proceeds unconditionally here; whether repeated misses
// should harden into a failure is an open policy question, so the soft
// warning is kept deliberately.
func (e *Engine) InitialToken(ctx context.Context, blueprint identity.Blueprint) (identity.Token, error) {
	var token identity.Token

	err := retry.Do(ctx, e.secretPolicy, identity.IsInvalidClient, func() error {
		var reqErr error
		token, reqErr = e.tokens.RequestToken(ctx, identity.TokenRequest{
			ClientID:     blueprint.AppID,
			ClientSecret: blueprint.ClientSecret,
			Scope:        e.resourceScope,
		})
		if reqErr != nil && identity.IsInvalidClient(reqErr) {
			log.Warn().
				Str("blueprint_app_id", blueprint.AppID).
				Msg("Token endpoint rejected the client secret, likely not propagated yet, retrying")
		}
		return reqErr
	})
	if err != nil {
		return identity.Token{}, fmt.Errorf("failed to get blueprint token: %w", err)
	}

	claims, err := jwtclaims.Decode(token.AccessToken)
	if err != nil {
		log.Warn().Err(err).Msg("Could not decode blueprint token for role inspection")
		return token, nil
	}

	if !jwtclaims.HasRole(claims, e.managerRole) {
		log.Warn().
			Str("expected_role", e.managerRole).
			Strs("roles", jwtclaims.Roles(claims)).
			Msg("Blueprint token is missing the agent manager role, waiting once for role propagation")
		if waitErr := retry.Wait(ctx, e.roleWait); waitErr != nil {
			return identity.Token{}, waitErr
		}
	}

	return token, nil
}

// Exchange performs the T1 then T2 requests for the given agent. The steps
// are strictly sequential: T2's client assertion is T1's value. A T1 failure
// is fatal here; retry policy for secret propagation lives in InitialToken,
// which the orchestrator runs first.
func (e *Engine) Exchange(ctx context.Context, blueprint identity.Blueprint, agentAppID string) (identity.TokenPair, error) {
	t1, err := e.tokens.RequestToken(ctx, identity.TokenRequest{
		ClientID:     blueprint.AppID,
		ClientSecret: blueprint.ClientSecret,
		Scope:        e.exchangeScope,
		FMIPath:      agentAppID,
	})
	if err != nil {
		return identity.TokenPair{}, fmt.Errorf("exchange step 1 (impersonation token) failed: %w", err)
	}

	log.Debug().
		Str("blueprint_app_id", blueprint.AppID).
		Str("agent_app_id", agentAppID).
		Msg("Impersonation token issued, exchanging for agent token")

	t2, err := e.tokens.RequestToken(ctx, identity.TokenRequest{
		ClientID:        agentAppID,
		ClientAssertion: t1.AccessToken,
		Scope:           e.resourceScope,
	})
	if err != nil {
		return identity.TokenPair{}, fmt.Errorf("exchange step 2 (agent token) failed: %w", err)
	}

	return identity.TokenPair{
		ExchangeToken: t1.AccessToken,
		AgentToken:    t2.AccessToken,
	}, nil
}
