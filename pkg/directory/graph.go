// Package directory contains the Graph-backed implementations of the
// identity interfaces: the directory client, the OAuth2 token-endpoint
// client, and the resource caller the verification probe uses.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/jwtclaims"
	"github.com/google/uuid"
	auth "github.com/microsoft/kiota-authentication-azure-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphapps "github.com/microsoftgraph/msgraph-sdk-go/applications"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	graphsps "github.com/microsoftgraph/msgraph-sdk-go/serviceprincipals"
	"github.com/rs/zerolog/log"
)

const defaultGraphBaseURL = "https://graph.microsoft.com"

// staticTokenCredential adapts an already-acquired access token to the
// azcore credential interface the Graph adapter expects. Interactive
// sign-in happens outside this system; the operator hands us the session.
type staticTokenCredential struct {
	accessToken string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.accessToken,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

// GraphClient implements identity.Directory against Microsoft Graph.
type GraphClient struct {
	graph       *msgraphsdk.GraphServiceClient
	httpClient  *http.Client
	baseURL     string
	accessToken string
}

// GraphClientDependencies configures a GraphClient. AccessToken is the
// operator's Graph session token and is required; BaseURL and HTTPClient
// default to the public Graph endpoint and a 30-second-timeout client.
type GraphClientDependencies struct {
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// NewGraphClient builds the Graph request adapter chain from a static token
// credential and returns a ready directory client.
func NewGraphClient(deps GraphClientDependencies) (*GraphClient, error) {
	if deps.AccessToken == "" {
		return nil, identity.NewError(identity.ClassConfiguration,
			"graph access token is required, sign in and export AGENTFORGE_ACCESS_TOKEN", nil)
	}

	credential := &staticTokenCredential{accessToken: deps.AccessToken}
	authProvider, err := auth.NewAzureIdentityAuthenticationProvider(credential)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth provider: %w", err)
	}

	adapter, err := msgraphsdk.NewGraphRequestAdapter(authProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
	}

	baseURL := deps.BaseURL
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &GraphClient{
		graph:       msgraphsdk.NewGraphServiceClient(adapter),
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: deps.AccessToken,
	}, nil
}

// CurrentPrincipal resolves the signed-in user and tenant. The granted scope
// set is read from the session token's scp claim; the token is not verified
// here, only inspected.
func (c *GraphClient) CurrentPrincipal(ctx context.Context) (identity.Connection, error) {
	me, err := c.graph.Me().Get(ctx, nil)
	if err != nil {
		return identity.Connection{}, classifyGraphError("get current principal", err)
	}

	conn := identity.Connection{}
	if me.GetId() != nil {
		conn.PrincipalID = *me.GetId()
	}

	orgs, err := c.graph.Organization().Get(ctx, nil)
	if err != nil {
		return identity.Connection{}, classifyGraphError("get organization", err)
	}
	if values := orgs.GetValue(); len(values) > 0 && values[0].GetId() != nil {
		conn.TenantID = *values[0].GetId()
	}

	if claims, err := jwtclaims.Decode(c.accessToken); err == nil {
		if scp := jwtclaims.StringClaim(claims, "scp"); scp != "" {
			conn.Scopes = strings.Fields(scp)
		}
	}

	return conn, nil
}

func (c *GraphClient) CreateApplication(ctx context.Context, spec identity.ApplicationSpec) (identity.Application, error) {
	body := models.NewApplication()
	body.SetDisplayName(&spec.DisplayName)
	if spec.SignInAudience != "" {
		body.SetSignInAudience(&spec.SignInAudience)
	}

	created, err := c.graph.Applications().Post(ctx, body, nil)
	if err != nil {
		return identity.Application{}, classifyGraphError("create application", err)
	}

	if raw, jsonErr := modelJSON(created); jsonErr == nil {
		log.Debug().Interface("application", raw).Msg("Application created")
	}

	return appFromModel(created), nil
}

func (c *GraphClient) CreateServicePrincipal(ctx context.Context, appID string) (identity.ServicePrincipal, error) {
	body := models.NewServicePrincipal()
	body.SetAppId(&appID)

	created, err := c.graph.ServicePrincipals().Post(ctx, body, nil)
	if err != nil {
		return identity.ServicePrincipal{}, classifyGraphError("create service principal", err)
	}

	if raw, jsonErr := modelJSON(created); jsonErr == nil {
		log.Debug().Interface("service_principal", raw).Msg("Service principal created")
	}

	return spFromModel(created), nil
}

func (c *GraphClient) AddPasswordCredential(ctx context.Context, appObjectID, label string) (string, error) {
	credential := models.NewPasswordCredential()
	credential.SetDisplayName(&label)

	body := graphapps.NewItemAddPasswordPostRequestBody()
	body.SetPasswordCredential(credential)

	created, err := c.graph.Applications().ByApplicationId(appObjectID).AddPassword().Post(ctx, body, nil)
	if err != nil {
		return "", classifyGraphError("add password credential", err)
	}

	if created.GetSecretText() == nil || *created.GetSecretText() == "" {
		return "", identity.NewError(identity.ClassPermanent,
			"directory returned no secret text; the secret is unrecoverable, create a new one", nil)
	}

	return *created.GetSecretText(), nil
}

func (c *GraphClient) ApplicationByAppID(ctx context.Context, appID string) (identity.Application, error) {
	app, err := c.graph.ApplicationsWithAppId(&appID).Get(ctx, nil)
	if err != nil {
		return identity.Application{}, classifyGraphError("get application by app id", err)
	}
	return appFromModel(app), nil
}

func (c *GraphClient) ServicePrincipalByAppID(ctx context.Context, appID string) (identity.ServicePrincipal, error) {
	sp, err := c.graph.ServicePrincipalsWithAppId(&appID).Get(ctx, nil)
	if err != nil {
		return identity.ServicePrincipal{}, classifyGraphError("get service principal by app id", err)
	}
	return spFromModel(sp), nil
}

// ServicePrincipalByDisplayName looks the principal up by display name,
// assumed unique per tenant for resource APIs like Microsoft Graph itself.
func (c *GraphClient) ServicePrincipalByDisplayName(ctx context.Context, displayName string) (identity.ServicePrincipal, error) {
	filter := fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(displayName, "'", "''"))
	cfg := &graphsps.ServicePrincipalsRequestBuilderGetRequestConfiguration{
		QueryParameters: &graphsps.ServicePrincipalsRequestBuilderGetQueryParameters{
			Filter: &filter,
		},
	}

	resp, err := c.graph.ServicePrincipals().Get(ctx, cfg)
	if err != nil {
		return identity.ServicePrincipal{}, classifyGraphError("find service principal by display name", err)
	}

	values := resp.GetValue()
	if len(values) == 0 {
		return identity.ServicePrincipal{}, fmt.Errorf("service principal %q: %w", displayName, identity.ErrNotFound)
	}

	return spFromModel(values[0]), nil
}

// agentIdentityRequest is the beta agent-identity creation body. The call is
// made with the blueprint's own bearer token rather than the adapter session,
// so it goes through a plain HTTP request instead of the SDK adapter.
type agentIdentityRequest struct {
	DisplayName    string `json:"displayName"`
	BlueprintAppID string `json:"blueprintAppId"`
}

type agentIdentityResponse struct {
	ID          string `json:"id"`
	AppID       string `json:"appId"`
	DisplayName string `json:"displayName"`
}

func (c *GraphClient) CreateAgentIdentity(ctx context.Context, spec identity.AgentIdentitySpec, bearerToken string) (identity.ServicePrincipal, error) {
	payload, err := json.Marshal(agentIdentityRequest{
		DisplayName:    spec.DisplayName,
		BlueprintAppID: spec.BlueprintAppID,
	})
	if err != nil {
		return identity.ServicePrincipal{}, fmt.Errorf("failed to encode agent identity request: %w", err)
	}

	url := c.baseURL + "/beta/servicePrincipals/createAgentIdentity"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return identity.ServicePrincipal{}, fmt.Errorf("failed to build agent identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return identity.ServicePrincipal{}, identity.NewError(identity.ClassTransient,
			"agent identity request failed to reach the directory", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return identity.ServicePrincipal{}, fmt.Errorf("failed to read agent identity response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return identity.ServicePrincipal{}, classifyStatus("create agent identity", resp.StatusCode, body)
	}

	parsed := agentIdentityResponse{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return identity.ServicePrincipal{}, fmt.Errorf("failed to decode agent identity response: %w", err)
	}

	log.Debug().
		Str("agent_app_id", parsed.AppID).
		Str("blueprint_app_id", spec.BlueprintAppID).
		Msg("Agent identity created")

	return identity.ServicePrincipal{
		ObjectID:    parsed.ID,
		AppID:       parsed.AppID,
		DisplayName: parsed.DisplayName,
	}, nil
}

func (c *GraphClient) CreateAgentUser(ctx context.Context, spec identity.AgentUserSpec) (identity.User, error) {
	enabled := true
	forceChange := true
	password := uuid.NewString() + "-Af1!"
	nickname := strings.ToLower(strings.ReplaceAll(spec.DisplayName, " ", "-"))

	profile := models.NewPasswordProfile()
	profile.SetPassword(&password)
	profile.SetForceChangePasswordNextSignIn(&forceChange)

	body := models.NewUser()
	body.SetDisplayName(&spec.DisplayName)
	body.SetUserPrincipalName(&spec.UserPrincipalName)
	body.SetMailNickname(&nickname)
	body.SetAccountEnabled(&enabled)
	body.SetPasswordProfile(profile)

	created, err := c.graph.Users().Post(ctx, body, nil)
	if err != nil {
		return identity.User{}, classifyGraphError("create agent user", err)
	}

	user := identity.User{DisplayName: spec.DisplayName}
	if created.GetId() != nil {
		user.ID = *created.GetId()
	}
	if created.GetUserPrincipalName() != nil {
		user.UserPrincipalName = *created.GetUserPrincipalName()
	}

	return user, nil
}

func (c *GraphClient) AppRoleAssignments(ctx context.Context, resourceObjectID string) ([]identity.AppRoleAssignment, error) {
	resp, err := c.graph.ServicePrincipals().ByServicePrincipalId(resourceObjectID).AppRoleAssignedTo().Get(ctx, nil)
	if err != nil {
		return nil, classifyGraphError("list app role assignments", err)
	}

	assignments := make([]identity.AppRoleAssignment, 0, len(resp.GetValue()))
	for _, a := range resp.GetValue() {
		assignment := identity.AppRoleAssignment{}
		if a.GetId() != nil {
			assignment.ID = *a.GetId()
		}
		if a.GetPrincipalId() != nil {
			assignment.PrincipalID = *a.GetPrincipalId()
		}
		if a.GetResourceId() != nil {
			assignment.ResourceID = *a.GetResourceId()
		}
		if a.GetAppRoleId() != nil {
			assignment.AppRoleID = *a.GetAppRoleId()
		}
		assignments = append(assignments, assignment)
	}

	return assignments, nil
}

func (c *GraphClient) CreateAppRoleAssignment(ctx context.Context, principalObjectID, resourceObjectID string, roleID uuid.UUID) error {
	principalID, err := uuid.Parse(principalObjectID)
	if err != nil {
		return identity.NewError(identity.ClassPermanent,
			fmt.Sprintf("principal id %q is not a valid uuid", principalObjectID), err)
	}
	resourceID, err := uuid.Parse(resourceObjectID)
	if err != nil {
		return identity.NewError(identity.ClassPermanent,
			fmt.Sprintf("resource id %q is not a valid uuid", resourceObjectID), err)
	}

	body := models.NewAppRoleAssignment()
	body.SetPrincipalId(&principalID)
	body.SetResourceId(&resourceID)
	body.SetAppRoleId(&roleID)

	_, err = c.graph.ServicePrincipals().ByServicePrincipalId(resourceObjectID).AppRoleAssignedTo().Post(ctx, body, nil)
	if err != nil {
		return classifyGraphError("create app role assignment", err)
	}
	return nil
}

// classifyStatus maps a raw HTTP status from the beta endpoint into the
// error taxonomy, mirroring classifyGraphError for non-SDK calls.
func classifyStatus(op string, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}

	wrapped := fmt.Errorf("%s: status %d: %s", op, status, snippet)

	switch {
	case status == http.StatusUnauthorized:
		return &identity.Error{Class: identity.ClassAuthentication, Message: wrapped.Error(), Err: wrapped}
	case status == http.StatusNotFound:
		return &identity.Error{Class: identity.ClassTransient, Message: wrapped.Error(), Err: fmt.Errorf("%s: %w", op, identity.ErrNotFound)}
	case status == http.StatusTooManyRequests || status >= 500:
		return &identity.Error{Class: identity.ClassTransient, Message: wrapped.Error(), Err: wrapped}
	default:
		return &identity.Error{Class: identity.ClassPermanent, Message: wrapped.Error(), Err: wrapped}
	}
}

func appFromModel(app models.Applicationable) identity.Application {
	out := identity.Application{}
	if app.GetAppId() != nil {
		out.AppID = *app.GetAppId()
	}
	if app.GetId() != nil {
		out.ObjectID = *app.GetId()
	}
	if app.GetDisplayName() != nil {
		out.DisplayName = *app.GetDisplayName()
	}
	return out
}

func spFromModel(sp models.ServicePrincipalable) identity.ServicePrincipal {
	out := identity.ServicePrincipal{}
	if sp.GetId() != nil {
		out.ObjectID = *sp.GetId()
	}
	if sp.GetAppId() != nil {
		out.AppID = *sp.GetAppId()
	}
	if sp.GetDisplayName() != nil {
		out.DisplayName = *sp.GetDisplayName()
	}
	return out
}
