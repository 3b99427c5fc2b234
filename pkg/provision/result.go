package provision

import (
	"github.com/agentforge/agentforge/pkg/grants"
	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/probe"
)

// Stage names the orchestrator's position in the workflow. Stages are
// strictly sequential; each one's outputs are the next one's inputs.
type Stage string

const (
	StageDisconnected       Stage = "disconnected"
	StageConnected          Stage = "connected"
	StageBlueprintReady     Stage = "blueprint_ready"
	StageAgentReady         Stage = "agent_ready"
	StagePermissionsGranted Stage = "permissions_granted"
	StageAgentUserReady     Stage = "agent_user_ready"
	StageVerified           Stage = "verified"
	StageVerificationFailed Stage = "verification_failed"
)

// Request is the workflow input.
type Request struct {
	BlueprintName string
	AgentName     string

	// Permissions defaults to User.Read.All when empty.
	Permissions []string

	// CreateAgentUser additionally provisions a directory user for the
	// agent; UserDomain supplies the UPN suffix and is required with it.
	CreateAgentUser bool
	UserDomain      string

	SkipVerification bool
}

// Result accumulates every stage's output. It is returned even when the run
// aborts, so partially provisioned state stays inspectable: nothing created
// in the directory is rolled back, and cleanup is an operator responsibility.
type Result struct {
	Stage Stage `json:"stage"`

	Connection identity.Connection    `json:"connection"`
	Blueprint  identity.Blueprint     `json:"blueprint"`
	Agent      identity.AgentIdentity `json:"agent"`

	// PreGrantTokens is the exchange run right after agent creation, before
	// any roles exist. Kept for triage; Tokens is the usable pair.
	PreGrantTokens identity.TokenPair `json:"-"`
	Tokens         identity.TokenPair `json:"-"`

	Grants       grants.Report       `json:"grants"`
	AgentUser    *identity.User      `json:"agent_user,omitempty"`
	Verification *probe.Verification `json:"verification,omitempty"`
}
