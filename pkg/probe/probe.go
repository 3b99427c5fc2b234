// Package probe validates a freshly exchanged agent token against the
// resource API. Exhausting the retry budget is an expected soft outcome, not
// an error: role propagation can outlast any fixed wait, and the caller
// decides whether to report and continue or abort.
package probe

import (
	"context"
	"time"

	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/jwtclaims"
	"github.com/agentforge/agentforge/pkg/retry"
	"github.com/rs/zerolog/log"
)

// Diagnostics carries the decoded token claims that distinguish "token has
// no roles" from plain API failures during triage.
type Diagnostics struct {
	Audience string   `json:"audience,omitempty"`
	AppID    string   `json:"app_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Decoded  bool     `json:"decoded"`
}

// Verification is the probe outcome. OK is false both for immediate
// permanent failures and for an exhausted retry budget; LastErr holds the
// final failure in either case.
type Verification struct {
	OK          bool        `json:"ok"`
	Attempts    int         `json:"attempts"`
	Payload     []byte      `json:"-"`
	Diagnostics Diagnostics `json:"diagnostics"`
	LastErr     error       `json:"-"`
}

// Probe calls the resource API with bounded retries.
type Probe struct {
	caller identity.ResourceCaller
	policy retry.Policy
}

// ProbeDependencies configures a Probe; the policy defaults to 10 attempts
// at 10-second intervals.
type ProbeDependencies struct {
	Caller identity.ResourceCaller
	Policy retry.Policy
}

func NewProbe(deps ProbeDependencies) *Probe {
	probe := &Probe{caller: deps.Caller, policy: deps.Policy}
	if probe.policy.Attempts == 0 {
		probe.policy = retry.Fixed(10, 10*time.Second)
	}
	return probe
}

// Verify exercises the resource API with the token. Every failure is
// retried under the policy: during role propagation the API's rejections
// are indistinguishable from transient errors, so the probe treats the
// whole budget as the propagation window.
func (p *Probe) Verify(ctx context.Context, accessToken string) Verification {
	result := Verification{}

	err := retry.Do(ctx, p.policy, nil, func() error {
		result.Attempts++
		payload, callErr := p.caller.CallResource(ctx, accessToken)
		if callErr != nil {
			log.Warn().
				Err(callErr).
				Int("attempt", result.Attempts).
				Msg("Resource verification attempt failed")
			return callErr
		}
		result.Payload = payload
		return nil
	})

	if err == nil {
		result.OK = true
		return result
	}

	result.LastErr = err
	result.Diagnostics = diagnose(accessToken)

	log.Error().
		Err(err).
		Int("attempts", result.Attempts).
		Str("audience", result.Diagnostics.Audience).
		Str("app_id", result.Diagnostics.AppID).
		Strs("roles", result.Diagnostics.Roles).
		Msg("Resource verification failed after all retries")

	return result
}

func diagnose(accessToken string) Diagnostics {
	claims, err := jwtclaims.Decode(accessToken)
	if err != nil {
		return Diagnostics{}
	}
	return Diagnostics{
		Audience: jwtclaims.StringClaim(claims, "aud"),
		AppID:    jwtclaims.StringClaim(claims, "appid"),
		Roles:    jwtclaims.Roles(claims),
		Decoded:  true,
	}
}
