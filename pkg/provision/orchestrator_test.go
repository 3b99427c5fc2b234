package provision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentforge/agentforge/pkg/exchange"
	"github.com/agentforge/agentforge/pkg/grants"
	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/jwtclaims"
	"github.com/agentforge/agentforge/pkg/probe"
	"github.com/agentforge/agentforge/pkg/retry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnv simulates the directory, the token endpoint, and the resource API
// as one consistent world: roles granted through the directory appear in
// tokens issued afterward, and the resource accepts only tokens with roles.
type fakeEnv struct {
	// propagation knobs
	secretRejections int // invalid_client responses before the secret works
	spLookupMisses   int // not-found responses before the agent SP appears

	// recorded state
	apps           []identity.ApplicationSpec
	secretIssued   bool
	agentCreated   bool
	agentBearer    string
	userCreated    *identity.AgentUserSpec
	grantedRoles   map[uuid.UUID]bool
	tokenRequests  []identity.TokenRequest
	secretAttempts int
	spLookups      int

	failCreateApplication error
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{grantedRoles: map[uuid.UUID]bool{}}
}

const (
	blueprintAppID = "B1"
	blueprintObjID = "obj-b1"
	blueprintSPID  = "33333333-3333-3333-3333-333333333333"
	agentAppID     = "A1"
	agentSPID      = "11111111-1111-1111-1111-111111111111"
	graphSPID      = "22222222-2222-2222-2222-222222222222"
	clientSecret   = "S1"
)

var userReadAll = uuid.MustParse("df021288-bdef-4463-88db-98f22de89214")

func mintToken(claims map[string]any) string {
	payload, _ := json.Marshal(claims)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

// --- identity.Directory ---

func (f *fakeEnv) CurrentPrincipal(ctx context.Context) (identity.Connection, error) {
	return identity.Connection{TenantID: "tenant-1", PrincipalID: "user-1"}, nil
}

func (f *fakeEnv) CreateApplication(ctx context.Context, spec identity.ApplicationSpec) (identity.Application, error) {
	if f.failCreateApplication != nil {
		return identity.Application{}, f.failCreateApplication
	}
	f.apps = append(f.apps, spec)
	return identity.Application{AppID: blueprintAppID, ObjectID: blueprintObjID, DisplayName: spec.DisplayName}, nil
}

func (f *fakeEnv) CreateServicePrincipal(ctx context.Context, appID string) (identity.ServicePrincipal, error) {
	return identity.ServicePrincipal{ObjectID: blueprintSPID, AppID: appID}, nil
}

func (f *fakeEnv) AddPasswordCredential(ctx context.Context, appObjectID, label string) (string, error) {
	f.secretIssued = true
	return clientSecret, nil
}

func (f *fakeEnv) ApplicationByAppID(ctx context.Context, appID string) (identity.Application, error) {
	return identity.Application{AppID: appID}, nil
}

func (f *fakeEnv) ServicePrincipalByAppID(ctx context.Context, appID string) (identity.ServicePrincipal, error) {
	f.spLookups++
	if f.spLookups <= f.spLookupMisses || !f.agentCreated {
		return identity.ServicePrincipal{}, &identity.Error{Class: identity.ClassTransient, Err: identity.ErrNotFound}
	}
	return identity.ServicePrincipal{ObjectID: agentSPID, AppID: appID}, nil
}

func (f *fakeEnv) ServicePrincipalByDisplayName(ctx context.Context, name string) (identity.ServicePrincipal, error) {
	return identity.ServicePrincipal{ObjectID: graphSPID, DisplayName: name}, nil
}

func (f *fakeEnv) CreateAgentIdentity(ctx context.Context, spec identity.AgentIdentitySpec, bearerToken string) (identity.ServicePrincipal, error) {
	f.agentCreated = true
	f.agentBearer = bearerToken
	return identity.ServicePrincipal{ObjectID: agentSPID, AppID: agentAppID, DisplayName: spec.DisplayName}, nil
}

func (f *fakeEnv) CreateAgentUser(ctx context.Context, spec identity.AgentUserSpec) (identity.User, error) {
	f.userCreated = &spec
	return identity.User{ID: "user-agent-1", UserPrincipalName: spec.UserPrincipalName, DisplayName: spec.DisplayName}, nil
}

func (f *fakeEnv) AppRoleAssignments(ctx context.Context, resourceObjectID string) ([]identity.AppRoleAssignment, error) {
	return nil, nil
}

func (f *fakeEnv) CreateAppRoleAssignment(ctx context.Context, principalObjectID, resourceObjectID string, roleID uuid.UUID) error {
	if f.grantedRoles[roleID] {
		return &identity.Error{Class: identity.ClassAlreadyExists, Message: "Permission being assigned already exists on the object"}
	}
	f.grantedRoles[roleID] = true
	return nil
}

// --- identity.TokenService ---

func (f *fakeEnv) RequestToken(ctx context.Context, req identity.TokenRequest) (identity.Token, error) {
	f.tokenRequests = append(f.tokenRequests, req)

	switch {
	case req.ClientSecret != "" && req.FMIPath == "":
		// Blueprint's own token.
		f.secretAttempts++
		if f.secretAttempts <= f.secretRejections {
			return identity.Token{}, &identity.Error{Class: identity.ClassTransient, Code: "invalid_client"}
		}
		return identity.Token{AccessToken: mintToken(map[string]any{
			"appid": req.ClientID,
			"roles": []string{exchange.DefaultManagerRole},
		})}, nil

	case req.FMIPath != "":
		// T1: the impersonation token naming the agent.
		return identity.Token{AccessToken: mintToken(map[string]any{
			"appid":    req.ClientID,
			"aud":      "api://AzureADTokenExchange",
			"fmi_path": req.FMIPath,
		})}, nil

	case req.ClientAssertion != "":
		// T2: roles are baked in at issuance from current directory state.
		claims, err := jwtclaims.Decode(req.ClientAssertion)
		if err != nil {
			return identity.Token{}, fmt.Errorf("bad client assertion: %w", err)
		}
		if jwtclaims.StringClaim(claims, "fmi_path") != req.ClientID {
			return identity.Token{}, &identity.Error{Class: identity.ClassPermanent, Code: "invalid_grant"}
		}

		var roles []string
		if f.grantedRoles[userReadAll] {
			roles = append(roles, "User.Read.All")
		}
		return identity.Token{AccessToken: mintToken(map[string]any{
			"appid": req.ClientID,
			"aud":   "https://graph.microsoft.com",
			"roles": roles,
		})}, nil

	default:
		return identity.Token{}, &identity.Error{Class: identity.ClassPermanent, Code: "invalid_request"}
	}
}

// --- identity.ResourceCaller ---

func (f *fakeEnv) CallResource(ctx context.Context, accessToken string) ([]byte, error) {
	claims, err := jwtclaims.Decode(accessToken)
	if err != nil {
		return nil, &identity.Error{Class: identity.ClassPermanent, Message: "unreadable token"}
	}
	if len(jwtclaims.Roles(claims)) == 0 {
		return nil, &identity.Error{Class: identity.ClassPermanent, Code: "Authorization_RequestDenied"}
	}
	return []byte(`{"value":[{"id":"someone"}]}`), nil
}

func newTestOrchestrator(env *fakeEnv) *Orchestrator {
	engine := exchange.NewEngine(exchange.EngineDependencies{
		Tokens:       env,
		SecretPolicy: retry.Fixed(5, 0),
		RoleWait:     zeroDuration(),
	})

	grantor := grants.NewGrantor(grants.GrantorDependencies{
		Directory:   env,
		ReadyPolicy: retry.Fixed(10, 0),
	})

	verifier := probe.NewProbe(probe.ProbeDependencies{
		Caller: env,
		Policy: retry.Fixed(10, 0),
	})

	return NewOrchestrator(Dependencies{
		Directory: env,
		Engine:    engine,
		Grantor:   grantor,
		Probe:     verifier,
		Waits:     &Waits{},
	})
}

func zeroDuration() *time.Duration {
	d := time.Duration(0)
	return &d
}

func TestRun_EndToEnd(t *testing.T) {
	env := newFakeEnv()
	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName: "travel-blueprint",
		AgentName:     "booking-agent",
		Permissions:   []string{"User.Read.All"},
	})
	require.NoError(t, err)

	assert.Equal(t, StageVerified, result.Stage)
	assert.Equal(t, "tenant-1", result.Connection.TenantID)
	assert.Equal(t, blueprintAppID, result.Blueprint.AppID)
	assert.Equal(t, clientSecret, result.Blueprint.ClientSecret)
	assert.Equal(t, agentAppID, result.Agent.AppID)
	assert.Equal(t, blueprintAppID, result.Agent.BlueprintAppID)

	// Agent creation was authorized by the blueprint's token, not the
	// operator session.
	require.NotEmpty(t, env.agentBearer)
	bearerClaims, err := jwtclaims.Decode(env.agentBearer)
	require.NoError(t, err)
	assert.Equal(t, blueprintAppID, jwtclaims.StringClaim(bearerClaims, "appid"))

	// The pre-grant token has no roles; the post-grant token does.
	preClaims, err := jwtclaims.Decode(result.PreGrantTokens.AgentToken)
	require.NoError(t, err)
	assert.Empty(t, jwtclaims.Roles(preClaims))

	finalClaims, err := jwtclaims.Decode(result.Tokens.AgentToken)
	require.NoError(t, err)
	assert.Equal(t, agentAppID, jwtclaims.StringClaim(finalClaims, "appid"))
	assert.Contains(t, jwtclaims.Roles(finalClaims), "User.Read.All")

	// Grants succeeded and verification passed on the first attempt.
	require.Len(t, result.Grants.Outcomes, 1)
	assert.True(t, result.Grants.Outcomes[0].Granted())
	require.NotNil(t, result.Verification)
	assert.True(t, result.Verification.OK)
	assert.Equal(t, 1, result.Verification.Attempts)
}

func TestRun_SecretPropagationLag(t *testing.T) {
	env := newFakeEnv()
	env.secretRejections = 3 // succeeds on the 4th attempt, ceiling is 5

	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName: "bp",
		AgentName:     "agent",
	})
	require.NoError(t, err)
	assert.Equal(t, StageVerified, result.Stage)
	assert.Equal(t, 4, env.secretAttempts)
}

func TestRun_SecretNeverPropagates(t *testing.T) {
	env := newFakeEnv()
	env.secretRejections = 100

	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName: "bp",
		AgentName:     "agent",
	})
	require.Error(t, err)
	assert.Equal(t, 5, env.secretAttempts)

	// The partial result is still inspectable: the blueprint exists.
	assert.Equal(t, StageBlueprintReady, result.Stage)
	assert.Equal(t, blueprintAppID, result.Blueprint.AppID)
	assert.Empty(t, result.Agent.AppID)
}

func TestRun_PrincipalPropagationLag(t *testing.T) {
	env := newFakeEnv()
	env.spLookupMisses = 4

	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName: "bp",
		AgentName:     "agent",
	})
	require.NoError(t, err)
	assert.Equal(t, StageVerified, result.Stage)
}

func TestRun_DefaultPermission(t *testing.T) {
	env := newFakeEnv()
	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName: "bp",
		AgentName:     "agent",
	})
	require.NoError(t, err)

	require.Len(t, result.Grants.Outcomes, 1)
	assert.Equal(t, DefaultPermission, result.Grants.Outcomes[0].Permission)
}

func TestRun_ReappliedGrantSurfacesAsGranted(t *testing.T) {
	env := newFakeEnv()
	env.grantedRoles[userReadAll] = true // grant exists from a previous run

	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName: "bp",
		AgentName:     "agent",
		Permissions:   []string{"User.Read.All"},
	})
	require.NoError(t, err)

	require.Len(t, result.Grants.Outcomes, 1)
	assert.Equal(t, grants.StatusAlreadyGranted, result.Grants.Outcomes[0].Status)
	assert.True(t, result.Grants.Outcomes[0].Granted())
	assert.Empty(t, result.Grants.Failed())
}

func TestRun_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing blueprint name", req: Request{AgentName: "a"}},
		{name: "missing agent name", req: Request{BlueprintName: "b"}},
		{name: "agent user without domain", req: Request{BlueprintName: "b", AgentName: "a", CreateAgentUser: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFakeEnv()
			orch := newTestOrchestrator(env)

			result, err := orch.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, identity.IsConfiguration(err))
			assert.Equal(t, StageDisconnected, result.Stage)
			assert.Empty(t, env.apps)
		})
	}
}

func TestRun_AbortNamesStage(t *testing.T) {
	env := newFakeEnv()
	env.failCreateApplication = &identity.Error{Class: identity.ClassPermanent, Message: "Insufficient privileges"}

	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName: "bp",
		AgentName:     "agent",
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, string(StageConnected))
	assert.Equal(t, StageConnected, result.Stage)
	assert.False(t, env.secretIssued)
}

func TestRun_SkipVerification(t *testing.T) {
	env := newFakeEnv()
	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName:    "bp",
		AgentName:        "agent",
		SkipVerification: true,
	})
	require.NoError(t, err)

	assert.Equal(t, StagePermissionsGranted, result.Stage)
	assert.Nil(t, result.Verification)
}

func TestRun_CreateAgentUser(t *testing.T) {
	env := newFakeEnv()
	orch := newTestOrchestrator(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName:   "bp",
		AgentName:       "Booking Agent",
		CreateAgentUser: true,
		UserDomain:      "contoso.example",
	})
	require.NoError(t, err)

	require.NotNil(t, result.AgentUser)
	assert.Equal(t, "booking-agent@contoso.example", result.AgentUser.UserPrincipalName)
	require.NotNil(t, env.userCreated)
	assert.Equal(t, agentAppID, env.userCreated.AgentAppID)
	assert.Equal(t, StageVerified, result.Stage)
}

func TestRun_VerificationFailureIsSoft(t *testing.T) {
	env := newFakeEnv()
	orch := newTestOrchestratorWithFailingResource(env)

	result, err := orch.Run(context.Background(), Request{
		BlueprintName: "bp",
		AgentName:     "agent",
	})
	require.NoError(t, err)

	assert.Equal(t, StageVerificationFailed, result.Stage)
	require.NotNil(t, result.Verification)
	assert.False(t, result.Verification.OK)
	assert.Equal(t, 3, result.Verification.Attempts)
}

type alwaysFailingResource struct{}

func (alwaysFailingResource) CallResource(ctx context.Context, accessToken string) ([]byte, error) {
	return nil, errors.New("resource error")
}

func newTestOrchestratorWithFailingResource(env *fakeEnv) *Orchestrator {
	engine := exchange.NewEngine(exchange.EngineDependencies{
		Tokens:       env,
		SecretPolicy: retry.Fixed(5, 0),
		RoleWait:     zeroDuration(),
	})
	grantor := grants.NewGrantor(grants.GrantorDependencies{
		Directory:   env,
		ReadyPolicy: retry.Fixed(10, 0),
	})
	verifier := probe.NewProbe(probe.ProbeDependencies{
		Caller: alwaysFailingResource{},
		Policy: retry.Fixed(3, 0),
	})

	return NewOrchestrator(Dependencies{
		Directory: env,
		Engine:    engine,
		Grantor:   grantor,
		Probe:     verifier,
		Waits:     &Waits{},
	})
}
