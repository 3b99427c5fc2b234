// Package grants resolves permission names to app roles and applies them to
// an agent identity's service principal, idempotently and with per-permission
// failure reporting.
package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentforge/agentforge/pkg/catalog"
	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultResourceDisplayName is the display name of the resource API whose
// app roles are granted. Display names are assumed unique per tenant for
// first-party resource APIs.
const DefaultResourceDisplayName = "Microsoft Graph"

// ErrPrincipalNotReady is returned when the agent's service principal never
// became queryable within the readiness ceiling. No grants are attempted in
// that case.
var ErrPrincipalNotReady = errors.New("agent service principal not queryable yet; creation has not propagated")

// Status describes the outcome for a single requested permission.
type Status string

const (
	StatusGranted        Status = "granted"
	StatusAlreadyGranted Status = "already_granted"
	StatusUnknown        Status = "unknown_permission"
	StatusFailed         Status = "failed"
)

// Outcome is the per-permission result. Granted and AlreadyGranted both
// count as success: a duplicate grant means the role was in place all along.
type Outcome struct {
	Permission string    `json:"permission"`
	RoleID     uuid.UUID `json:"role_id,omitempty"`
	Status     Status    `json:"status"`
	Err        error     `json:"-"`
}

// Granted reports whether the permission is in effect, newly or previously.
func (o Outcome) Granted() bool {
	return o.Status == StatusGranted || o.Status == StatusAlreadyGranted
}

// Report aggregates the outcomes of one Grant call.
type Report struct {
	PrincipalID string    `json:"principal_id"`
	ResourceID  string    `json:"resource_id"`
	Outcomes    []Outcome `json:"outcomes"`
}

// Failed returns the outcomes that neither succeeded nor were skipped as
// unknown.
func (r Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Unknown returns the permission names the catalog could not resolve.
func (r Report) Unknown() []string {
	var unknown []string
	for _, o := range r.Outcomes {
		if o.Status == StatusUnknown {
			unknown = append(unknown, o.Permission)
		}
	}
	return unknown
}

// Err flattens the failures into a single error, or nil when every valid
// permission is in effect.
func (r Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, len(failed))
	for i, o := range failed {
		names[i] = o.Permission
	}
	return fmt.Errorf("failed to grant %d permission(s): %s", len(failed), strings.Join(names, ", "))
}

// Grantor applies app-role grants for agent identities.
type Grantor struct {
	dir          identity.Directory
	catalog      catalog.Catalog
	resourceName string

	// readyPolicy bounds the existence poll that absorbs service-principal
	// creation propagation.
	readyPolicy retry.Policy
}

// GrantorDependencies configures a Grantor. Catalog defaults to the built-in
// table, resource name to Microsoft Graph, and the readiness poll to 10
// attempts at 3-second intervals.
type GrantorDependencies struct {
	Directory    identity.Directory
	Catalog      catalog.Catalog
	ResourceName string
	ReadyPolicy  retry.Policy
}

func NewGrantor(deps GrantorDependencies) *Grantor {
	grantor := &Grantor{
		dir:          deps.Directory,
		catalog:      deps.Catalog,
		resourceName: deps.ResourceName,
		readyPolicy:  deps.ReadyPolicy,
	}

	if grantor.catalog == nil {
		grantor.catalog = catalog.BuiltIn()
	}
	if grantor.resourceName == "" {
		grantor.resourceName = DefaultResourceDisplayName
	}
	if grantor.readyPolicy.Attempts == 0 {
		grantor.readyPolicy = retry.Fixed(10, 3*time.Second)
	}

	return grantor
}

// Grant waits for the agent's service principal to become queryable, then
// applies every resolvable permission. Unknown names are skipped with a
// warning; duplicate grants count as success; individual grant failures are
// recorded and do not abort the remaining permissions. The returned Report
// covers every requested name. Tokens issued before this call do not gain
// the new roles; the caller must run a fresh exchange afterward.
func (g *Grantor) Grant(ctx context.Context, agentAppID string, permissions []string) (Report, error) {
	principal, err := g.waitForPrincipal(ctx, agentAppID)
	if err != nil {
		return Report{}, err
	}

	resource, err := g.dir.ServicePrincipalByDisplayName(ctx, g.resourceName)
	if err != nil {
		return Report{}, fmt.Errorf("failed to resolve resource %q: %w", g.resourceName, err)
	}

	report := Report{
		PrincipalID: principal.ObjectID,
		ResourceID:  resource.ObjectID,
		Outcomes:    make([]Outcome, 0, len(permissions)),
	}

	for _, name := range permissions {
		report.Outcomes = append(report.Outcomes, g.grantOne(ctx, principal, resource, name))
	}

	return report, nil
}

func (g *Grantor) grantOne(ctx context.Context, principal, resource identity.ServicePrincipal, name string) Outcome {
	roleID, ok := g.catalog.Resolve(name)
	if !ok {
		log.Warn().
			Str("permission", name).
			Strs("known", g.catalog.Names()).
			Msg("Permission name not in role catalog, skipping")
		return Outcome{Permission: name, Status: StatusUnknown}
	}

	err := g.dir.CreateAppRoleAssignment(ctx, principal.ObjectID, resource.ObjectID, roleID)
	switch {
	case err == nil:
		log.Info().Str("permission", name).Msg("Permission granted")
		return Outcome{Permission: name, RoleID: roleID, Status: StatusGranted}

	case identity.IsAlreadyExists(err):
		log.Info().Str("permission", name).Msg("Permission already granted")
		return Outcome{Permission: name, RoleID: roleID, Status: StatusAlreadyGranted}

	default:
		log.Error().Err(err).Str("permission", name).Msg("Permission grant failed")
		return Outcome{Permission: name, RoleID: roleID, Status: StatusFailed, Err: err}
	}
}

// waitForPrincipal polls the directory until the agent's service principal
// is visible or the readiness ceiling is exhausted.
func (g *Grantor) waitForPrincipal(ctx context.Context, agentAppID string) (identity.ServicePrincipal, error) {
	var principal identity.ServicePrincipal

	retryable := func(err error) bool {
		return identity.IsNotFound(err) || identity.IsTransient(err)
	}

	err := retry.Do(ctx, g.readyPolicy, retryable, func() error {
		var lookupErr error
		principal, lookupErr = g.dir.ServicePrincipalByAppID(ctx, agentAppID)
		if identity.IsNotFound(lookupErr) {
			log.Debug().Str("agent_app_id", agentAppID).Msg("Agent service principal not visible yet")
		}
		return lookupErr
	})
	if err != nil {
		if identity.IsNotFound(err) || identity.IsTransient(err) {
			return identity.ServicePrincipal{}, fmt.Errorf("%w: %w", ErrPrincipalNotReady, err)
		}
		return identity.ServicePrincipal{}, err
	}

	return principal, nil
}
