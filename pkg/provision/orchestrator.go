// Package provision sequences the provisioning workflow: connect, create the
// blueprint, derive the agent identity, exchange tokens, grant permissions,
// optionally create an agent user, and verify. The backing directory is
// eventually consistent, so fixed propagation waits are interspersed between
// stages and the riskiest joints (secret validity, principal existence, role
// claims) carry their own bounded retry loops instead of relying on wait
// duration alone.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentforge/agentforge/pkg/exchange"
	"github.com/agentforge/agentforge/pkg/grants"
	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/probe"
	"github.com/agentforge/agentforge/pkg/retry"
	"github.com/rs/zerolog/log"
)

// DefaultPermission is granted when the request names none.
const DefaultPermission = "User.Read.All"

// Waits are the fixed propagation pauses between stages. They are heuristic,
// not guaranteed sufficient; the per-component retry ceilings carry the rest.
type Waits struct {
	AfterPrincipal time.Duration
	AfterBlueprint time.Duration
	AfterAgent     time.Duration
	AfterGrant     time.Duration
}

// DefaultWaits returns the pauses observed to absorb typical directory
// propagation lag.
func DefaultWaits() Waits {
	return Waits{
		AfterPrincipal: 5 * time.Second,
		AfterBlueprint: 10 * time.Second,
		AfterAgent:     3 * time.Second,
		AfterGrant:     15 * time.Second,
	}
}

// Dependencies wires the orchestrator's collaborators.
type Dependencies struct {
	Directory identity.Directory
	Engine    *exchange.Engine
	Grantor   *grants.Grantor
	Probe     *probe.Probe
	Waits     *Waits
}

// Orchestrator runs the workflow as a single linear pipeline. No stage fans
// out: every stage's output is required input to the next, and aborting
// mid-stage can leave the directory half-provisioned, so cancellation is
// honored only between stages.
type Orchestrator struct {
	dir     identity.Directory
	engine  *exchange.Engine
	grantor *grants.Grantor
	probe   *probe.Probe
	waits   Waits
}

func NewOrchestrator(deps Dependencies) *Orchestrator {
	waits := DefaultWaits()
	if deps.Waits != nil {
		waits = *deps.Waits
	}

	return &Orchestrator{
		dir:     deps.Directory,
		engine:  deps.Engine,
		grantor: deps.Grantor,
		probe:   deps.Probe,
		waits:   waits,
	}
}

// Run executes the workflow. The returned Result is always non-nil and
// reflects every stage that completed; err is non-nil when the run aborted.
// Nothing is rolled back on abort: the error names the failed stage and the
// result shows what exists so the operator can clean up or resume.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	result := &Result{Stage: StageDisconnected}

	if err := validate(req); err != nil {
		return result, err
	}

	if len(req.Permissions) == 0 {
		req.Permissions = []string{DefaultPermission}
	}

	if err := o.connect(ctx, result); err != nil {
		return result, stageError(result.Stage, err)
	}

	if err := o.createBlueprint(ctx, req, result); err != nil {
		return result, stageError(result.Stage, err)
	}

	if err := o.createAgent(ctx, req, result); err != nil {
		return result, stageError(result.Stage, err)
	}

	if err := o.grantPermissions(ctx, req, result); err != nil {
		return result, stageError(result.Stage, err)
	}

	if req.CreateAgentUser {
		if err := o.createAgentUser(ctx, req, result); err != nil {
			return result, stageError(result.Stage, err)
		}
	}

	if req.SkipVerification {
		log.Info().Msg("Verification skipped by request")
		return result, nil
	}

	o.verify(ctx, result)
	return result, nil
}

func validate(req Request) error {
	if req.BlueprintName == "" {
		return identity.NewError(identity.ClassConfiguration, "blueprint name is required", nil)
	}
	if req.AgentName == "" {
		return identity.NewError(identity.ClassConfiguration, "agent name is required", nil)
	}
	if req.CreateAgentUser && req.UserDomain == "" {
		return identity.NewError(identity.ClassConfiguration,
			"user domain is required to create an agent user", nil)
	}
	return nil
}

func (o *Orchestrator) connect(ctx context.Context, result *Result) error {
	conn, err := o.dir.CurrentPrincipal(ctx)
	if err != nil {
		return err
	}

	result.Connection = conn
	result.Stage = StageConnected

	log.Info().
		Str("tenant_id", conn.TenantID).
		Str("principal_id", conn.PrincipalID).
		Msg("Connected to directory")

	return nil
}

func (o *Orchestrator) createBlueprint(ctx context.Context, req Request, result *Result) error {
	app, err := o.dir.CreateApplication(ctx, identity.ApplicationSpec{DisplayName: req.BlueprintName})
	if err != nil {
		return err
	}

	log.Info().
		Str("app_id", app.AppID).
		Str("display_name", app.DisplayName).
		Msg("Blueprint application created")

	sp, err := o.dir.CreateServicePrincipal(ctx, app.AppID)
	if err != nil {
		return err
	}

	if err := retry.Wait(ctx, o.waits.AfterPrincipal); err != nil {
		return err
	}

	secret, err := o.dir.AddPasswordCredential(ctx, app.ObjectID, "agentforge provisioning")
	if err != nil {
		return err
	}

	result.Blueprint = identity.Blueprint{
		DisplayName:  app.DisplayName,
		AppID:        app.AppID,
		ObjectID:     app.ObjectID,
		PrincipalID:  sp.ObjectID,
		ClientSecret: secret,
		OwnerID:      result.Connection.PrincipalID,
	}
	result.Stage = StageBlueprintReady

	log.Info().
		Str("blueprint_app_id", app.AppID).
		Msg("Blueprint ready; the client secret is disclosed once and is not retrievable again")

	return retry.Wait(ctx, o.waits.AfterBlueprint)
}

func (o *Orchestrator) createAgent(ctx context.Context, req Request, result *Result) error {
	token, err := o.engine.InitialToken(ctx, result.Blueprint)
	if err != nil {
		return err
	}

	sp, err := o.dir.CreateAgentIdentity(ctx, identity.AgentIdentitySpec{
		DisplayName:    req.AgentName,
		BlueprintAppID: result.Blueprint.AppID,
	}, token.AccessToken)
	if err != nil {
		return err
	}

	result.Agent = identity.AgentIdentity{
		DisplayName:    req.AgentName,
		AppID:          sp.AppID,
		PrincipalID:    sp.ObjectID,
		BlueprintAppID: result.Blueprint.AppID,
	}
	result.Stage = StageAgentReady

	log.Info().
		Str("agent_app_id", sp.AppID).
		Str("blueprint_app_id", result.Blueprint.AppID).
		Msg("Agent identity created")

	if err := retry.Wait(ctx, o.waits.AfterAgent); err != nil {
		return err
	}

	// First exchange, before any grants: proves the vouching chain works and
	// gives triage a roleless baseline token.
	pair, err := o.engine.Exchange(ctx, result.Blueprint, result.Agent.AppID)
	if err != nil {
		return err
	}
	result.PreGrantTokens = pair

	return nil
}

func (o *Orchestrator) grantPermissions(ctx context.Context, req Request, result *Result) error {
	report, err := o.grantor.Grant(ctx, result.Agent.AppID, req.Permissions)
	if err != nil {
		return err
	}

	result.Grants = report
	result.Stage = StagePermissionsGranted

	// Per-permission failures are reported, not fatal: every other valid
	// permission is already in effect.
	if grantErr := report.Err(); grantErr != nil {
		log.Warn().Err(grantErr).Msg("Some permissions were not granted")
	}
	if unknown := report.Unknown(); len(unknown) > 0 {
		log.Warn().Strs("permissions", unknown).Msg("Unknown permission names were skipped")
	}

	if err := retry.Wait(ctx, o.waits.AfterGrant); err != nil {
		return err
	}

	// Tokens issued before the grants never gain the new roles, so a fresh
	// exchange is mandatory here.
	pair, err := o.engine.Exchange(ctx, result.Blueprint, result.Agent.AppID)
	if err != nil {
		return err
	}
	result.Tokens = pair

	return nil
}

func (o *Orchestrator) createAgentUser(ctx context.Context, req Request, result *Result) error {
	nickname := strings.ToLower(strings.ReplaceAll(req.AgentName, " ", "-"))
	upn := fmt.Sprintf("%s@%s", nickname, req.UserDomain)

	user, err := o.dir.CreateAgentUser(ctx, identity.AgentUserSpec{
		DisplayName:       req.AgentName,
		UserPrincipalName: upn,
		AgentAppID:        result.Agent.AppID,
	})
	if err != nil {
		return err
	}

	result.AgentUser = &user
	result.Stage = StageAgentUserReady

	log.Info().Str("upn", user.UserPrincipalName).Msg("Agent user created")
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, result *Result) {
	verification := o.probe.Verify(ctx, result.Tokens.AgentToken)
	result.Verification = &verification

	if verification.OK {
		result.Stage = StageVerified
		log.Info().Int("attempts", verification.Attempts).Msg("Agent token verified against the resource API")
		return
	}

	// Soft failure: everything is provisioned, the roles just are not
	// observable yet (or the grant genuinely failed; the diagnostics say
	// which). The operator can re-run verification later.
	result.Stage = StageVerificationFailed
	log.Warn().
		Int("attempts", verification.Attempts).
		Strs("token_roles", verification.Diagnostics.Roles).
		Msg("Verification did not succeed; re-run later or inspect the grant report")
}

// stageError annotates err with the stage that was executing when it
// occurred. Created resources are left in place.
func stageError(stage Stage, err error) error {
	var ce *identity.Error
	if errors.As(err, &ce) && ce.Stage == "" {
		return fmt.Errorf("provisioning aborted: %w", ce.WithStage(string(stage)))
	}
	return fmt.Errorf("provisioning aborted at stage %s: %w", stage, err)
}
