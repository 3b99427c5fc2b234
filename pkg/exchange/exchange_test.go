package exchange

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/agentforge/agentforge/pkg/identity"
	"github.com/agentforge/agentforge/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTokenService returns canned responses in order and records every
// request it sees.
type scriptedTokenService struct {
	responses []func(identity.TokenRequest) (identity.Token, error)
	requests  []identity.TokenRequest
}

func (s *scriptedTokenService) RequestToken(ctx context.Context, req identity.TokenRequest) (identity.Token, error) {
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx](req)
}

func ok(token string) func(identity.TokenRequest) (identity.Token, error) {
	return func(identity.TokenRequest) (identity.Token, error) {
		return identity.Token{AccessToken: token}, nil
	}
}

func fail(err error) func(identity.TokenRequest) (identity.Token, error) {
	return func(identity.TokenRequest) (identity.Token, error) {
		return identity.Token{}, err
	}
}

func invalidClient() error {
	return &identity.Error{
		Class:   identity.ClassTransient,
		Code:    "invalid_client",
		Message: "AADSTS7000215: Invalid client secret provided.",
	}
}

// tokenWith builds an unsigned compact JWT carrying the given payload.
func tokenWith(payload string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return header + "." + body + "."
}

func zeroWait() *time.Duration {
	d := time.Duration(0)
	return &d
}

var testBlueprint = identity.Blueprint{
	DisplayName:  "bp",
	AppID:        "B1",
	ClientSecret: "S1",
}

func TestExchange_TwoSequentialRequests(t *testing.T) {
	tokens := &scriptedTokenService{responses: []func(identity.TokenRequest) (identity.Token, error){
		ok("t1-token"),
		ok("t2-token"),
	}}

	engine := NewEngine(EngineDependencies{Tokens: tokens, RoleWait: zeroWait()})

	pair, err := engine.Exchange(context.Background(), testBlueprint, "A1")
	require.NoError(t, err)

	require.Len(t, tokens.requests, 2)

	t1 := tokens.requests[0]
	assert.Equal(t, "B1", t1.ClientID)
	assert.Equal(t, "S1", t1.ClientSecret)
	assert.Equal(t, DefaultExchangeScope, t1.Scope)
	assert.Equal(t, "A1", t1.FMIPath)
	assert.Empty(t, t1.ClientAssertion)

	t2 := tokens.requests[1]
	assert.Equal(t, "A1", t2.ClientID)
	assert.Empty(t, t2.ClientSecret)
	assert.Equal(t, "t1-token", t2.ClientAssertion)
	assert.Equal(t, DefaultResourceScope, t2.Scope)
	assert.Empty(t, t2.FMIPath)

	assert.Equal(t, "t1-token", pair.ExchangeToken)
	assert.Equal(t, "t2-token", pair.AgentToken)
	assert.Equal(t, "t2-token", pair.AccessToken())
}

func TestExchange_Step1FailureIsFatal(t *testing.T) {
	tokens := &scriptedTokenService{responses: []func(identity.TokenRequest) (identity.Token, error){
		fail(invalidClient()),
	}}

	engine := NewEngine(EngineDependencies{Tokens: tokens, RoleWait: zeroWait()})

	_, err := engine.Exchange(context.Background(), testBlueprint, "A1")
	require.Error(t, err)

	// No retry and no second request at this layer.
	assert.Len(t, tokens.requests, 1)
}

func TestInitialToken_RetriesInvalidClient(t *testing.T) {
	managerToken := tokenWith(`{"roles":["AgentIdentity.Create"]}`)

	tokens := &scriptedTokenService{responses: []func(identity.TokenRequest) (identity.Token, error){
		fail(invalidClient()),
		fail(invalidClient()),
		fail(invalidClient()),
		ok(managerToken),
	}}

	engine := NewEngine(EngineDependencies{
		Tokens:       tokens,
		SecretPolicy: retry.Fixed(5, 0),
		RoleWait:     zeroWait(),
	})

	token, err := engine.InitialToken(context.Background(), testBlueprint)
	require.NoError(t, err)
	assert.Equal(t, managerToken, token.AccessToken)
	assert.Len(t, tokens.requests, 4)
}

func TestInitialToken_CeilingExhausted(t *testing.T) {
	tokens := &scriptedTokenService{responses: []func(identity.TokenRequest) (identity.Token, error){
		fail(invalidClient()),
	}}

	engine := NewEngine(EngineDependencies{
		Tokens:       tokens,
		SecretPolicy: retry.Fixed(5, 0),
		RoleWait:     zeroWait(),
	})

	_, err := engine.InitialToken(context.Background(), testBlueprint)
	require.Error(t, err)
	assert.True(t, identity.IsInvalidClient(err))
	assert.Len(t, tokens.requests, 5)
}

func TestInitialToken_OtherFailureIsImmediate(t *testing.T) {
	tokens := &scriptedTokenService{responses: []func(identity.TokenRequest) (identity.Token, error){
		fail(&identity.Error{Class: identity.ClassPermanent, Code: "invalid_scope"}),
	}}

	engine := NewEngine(EngineDependencies{
		Tokens:       tokens,
		SecretPolicy: retry.Fixed(5, 0),
		RoleWait:     zeroWait(),
	})

	_, err := engine.InitialToken(context.Background(), testBlueprint)
	require.Error(t, err)
	assert.Len(t, tokens.requests, 1)
}

func TestInitialToken_MissingManagerRoleIsSoft(t *testing.T) {
	tokens := &scriptedTokenService{responses: []func(identity.TokenRequest) (identity.Token, error){
		ok(tokenWith(`{"roles":["Some.Other.Role"]}`)),
	}}

	engine := NewEngine(EngineDependencies{
		Tokens:       tokens,
		SecretPolicy: retry.Fixed(5, 0),
		RoleWait:     zeroWait(),
	})

	token, err := engine.InitialToken(context.Background(), testBlueprint)
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
}

func TestInitialToken_UndecodableTokenIsSoft(t *testing.T) {
	tokens := &scriptedTokenService{responses: []func(identity.TokenRequest) (identity.Token, error){
		ok("opaque-not-a-jwt"),
	}}

	engine := NewEngine(EngineDependencies{
		Tokens:       tokens,
		SecretPolicy: retry.Fixed(5, 0),
		RoleWait:     zeroWait(),
	})

	token, err := engine.InitialToken(context.Background(), testBlueprint)
	require.NoError(t, err)
	assert.Equal(t, "opaque-not-a-jwt", token.AccessToken)
}
