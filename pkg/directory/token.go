package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentforge/agentforge/pkg/identity"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultLoginBaseURL = "https://login.microsoftonline.com"

	assertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// TokenClient implements identity.TokenService against the tenant's OAuth2
// token endpoint using the client_credentials grant.
type TokenClient struct {
	tokenURL   string
	httpClient *http.Client
}

// TokenClientDependencies configures a TokenClient. TenantID is required.
type TokenClientDependencies struct {
	TenantID     string
	LoginBaseURL string
	HTTPClient   *http.Client
}

func NewTokenClient(deps TokenClientDependencies) (*TokenClient, error) {
	if deps.TenantID == "" {
		return nil, identity.NewError(identity.ClassConfiguration,
			"tenant id is required for the token endpoint", nil)
	}

	base := deps.LoginBaseURL
	if base == "" {
		base = defaultLoginBaseURL
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &TokenClient{
		tokenURL:   strings.TrimRight(base, "/") + "/" + deps.TenantID + "/oauth2/v2.0/token",
		httpClient: httpClient,
	}, nil
}

// RequestToken posts a client_credentials request. FMIPath rides along as an
// extra form parameter that embeds the target agent identity's app id, and a
// client assertion replaces the secret when the caller presents a previously
// issued exchange token on the agent's behalf.
func (c *TokenClient) RequestToken(ctx context.Context, req identity.TokenRequest) (identity.Token, error) {
	cfg := &clientcredentials.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		TokenURL:     c.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if req.Scope != "" {
		cfg.Scopes = []string{req.Scope}
	}

	params := url.Values{}
	if req.FMIPath != "" {
		params.Set("fmi_path", req.FMIPath)
	}
	if req.ClientAssertion != "" {
		params.Set("client_assertion_type", assertionTypeJWTBearer)
		params.Set("client_assertion", req.ClientAssertion)
	}
	if len(params) > 0 {
		cfg.EndpointParams = params
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := cfg.Token(ctx)
	if err != nil {
		return identity.Token{}, classifyOAuthError(err)
	}

	return identity.Token{AccessToken: token.AccessToken}, nil
}

// classifyOAuthError maps token endpoint failures into the workflow error
// taxonomy. invalid_client is the provider's signature for a client secret
// that exists but has not propagated yet, so it is transient; every other
// provider rejection is permanent. Transport failures are transient.
func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.ErrorCode
		message := retrieveErr.ErrorDescription
		if message == "" {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			message = fmt.Sprintf("token endpoint rejected the request (status %d)", status)
		}

		if code == "invalid_client" {
			return &identity.Error{
				Class:   identity.ClassTransient,
				Code:    code,
				Message: message,
				Err:     err,
			}
		}

		return &identity.Error{
			Class:   identity.ClassPermanent,
			Code:    code,
			Message: message,
			Err:     err,
		}
	}

	return &identity.Error{
		Class:   identity.ClassTransient,
		Message: "token endpoint unreachable",
		Err:     err,
	}
}
