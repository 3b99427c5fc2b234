package identity

import (
	"context"

	"github.com/google/uuid"
)

// Connection describes the authenticated directory session a provisioning
// run operates under. It is established once per run and never mutated.
type Connection struct {
	TenantID    string   `json:"tenant_id"`
	PrincipalID string   `json:"principal_id"`
	Scopes      []string `json:"scopes,omitempty"`
}

// Application is a directory application registration. AppID is the public
// client identifier; ObjectID is the directory's internal key for the object.
type Application struct {
	AppID       string `json:"app_id"`
	ObjectID    string `json:"object_id"`
	DisplayName string `json:"display_name"`
}

// ServicePrincipal is the tenant-local instantiation of an application.
type ServicePrincipal struct {
	ObjectID    string `json:"object_id"`
	AppID       string `json:"app_id"`
	DisplayName string `json:"display_name"`
}

// Blueprint is the factory identity in the trust chain. It holds the only
// credential: the client secret returned exactly once at creation time. The
// directory cannot return it again, so a lost secret means creating a new one.
type Blueprint struct {
	DisplayName  string `json:"display_name"`
	AppID        string `json:"app_id"`
	ObjectID     string `json:"object_id"`
	PrincipalID  string `json:"principal_id"`
	ClientSecret string `json:"-"`
	OwnerID      string `json:"owner_id,omitempty"`
}

// AgentIdentity is a credential-less identity derived from a blueprint. It
// authenticates only through the blueprint's vouching via token exchange.
type AgentIdentity struct {
	DisplayName    string `json:"display_name"`
	AppID          string `json:"app_id"`
	PrincipalID    string `json:"principal_id"`
	BlueprintAppID string `json:"blueprint_app_id"`
}

// TokenPair holds both halves of the two-step exchange. ExchangeToken (T1)
// is an ephemeral intermediate scoped to the token-exchange audience and is
// never usable against a resource; AgentToken (T2) is the usable credential.
type TokenPair struct {
	ExchangeToken string `json:"-"`
	AgentToken    string `json:"-"`
}

// AccessToken returns the externally usable token of the pair.
func (p TokenPair) AccessToken() string { return p.AgentToken }

// User is a directory user created to represent an agent interactively.
type User struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"user_principal_name"`
	DisplayName       string `json:"display_name"`
}

// AppRoleAssignment binds a principal to an app role on a resource
// service principal.
type AppRoleAssignment struct {
	ID          string    `json:"id,omitempty"`
	PrincipalID uuid.UUID `json:"principal_id"`
	ResourceID  uuid.UUID `json:"resource_id"`
	AppRoleID   uuid.UUID `json:"app_role_id"`
}

// ApplicationSpec describes a new application registration.
type ApplicationSpec struct {
	DisplayName    string
	SignInAudience string
}

// AgentIdentitySpec describes a new agent identity derived from a blueprint.
type AgentIdentitySpec struct {
	DisplayName    string
	BlueprintAppID string
}

// AgentUserSpec describes a directory user to pair with an agent identity.
type AgentUserSpec struct {
	DisplayName       string
	UserPrincipalName string
	AgentAppID        string
}

// TokenRequest carries the form parameters for a client_credentials token
// request. Exactly one of ClientSecret or ClientAssertion is set: a secret
// authenticates the blueprint directly, a jwt-bearer assertion presents a
// previously issued exchange token on behalf of the agent. FMIPath, when
// set, embeds the target agent identity's app id in the T1 request.
type TokenRequest struct {
	ClientID        string
	ClientSecret    string
	ClientAssertion string
	Scope           string
	FMIPath         string
}

// Token is a directory-issued bearer token. The raw compact JWT is opaque to
// this package; callers that need claims decode it without verification.
type Token struct {
	AccessToken string
}

// Directory abstracts the identity directory operations the provisioning
// workflow requires. Implementations must translate their transport errors
// into the taxonomy in errors.go so callers can decide whether to retry.
type Directory interface {
	// CurrentPrincipal returns the signed-in principal and tenant for the
	// session the client was built from.
	CurrentPrincipal(ctx context.Context) (Connection, error)

	CreateApplication(ctx context.Context, spec ApplicationSpec) (Application, error)
	CreateServicePrincipal(ctx context.Context, appID string) (ServicePrincipal, error)

	// AddPasswordCredential creates a client secret on the application and
	// returns its plaintext. The directory discloses the secret exactly once.
	AddPasswordCredential(ctx context.Context, appObjectID, label string) (string, error)

	// ApplicationByAppID and ServicePrincipalByAppID return ErrNotFound when
	// the object is not (yet) visible; freshly created objects may take a
	// propagation window to become queryable.
	ApplicationByAppID(ctx context.Context, appID string) (Application, error)
	ServicePrincipalByAppID(ctx context.Context, appID string) (ServicePrincipal, error)
	ServicePrincipalByDisplayName(ctx context.Context, displayName string) (ServicePrincipal, error)

	// CreateAgentIdentity provisions a derived identity under the blueprint
	// identified by spec.BlueprintAppID. The call authenticates with the
	// supplied bearer token (the blueprint's own token), not the session the
	// client was built from.
	CreateAgentIdentity(ctx context.Context, spec AgentIdentitySpec, bearerToken string) (ServicePrincipal, error)

	CreateAgentUser(ctx context.Context, spec AgentUserSpec) (User, error)

	AppRoleAssignments(ctx context.Context, resourceObjectID string) ([]AppRoleAssignment, error)

	// CreateAppRoleAssignment grants roleID on the resource to the principal.
	// A duplicate grant fails with an AlreadyExists-classified error.
	CreateAppRoleAssignment(ctx context.Context, principalObjectID, resourceObjectID string, roleID uuid.UUID) error
}

// TokenService abstracts the OAuth2 token endpoint.
type TokenService interface {
	RequestToken(ctx context.Context, req TokenRequest) (Token, error)
}

// ResourceCaller exercises a resource API with a bearer token. Used by the
// verification probe to confirm that granted roles are live.
type ResourceCaller interface {
	CallResource(ctx context.Context, accessToken string) ([]byte, error)
}
