package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentforge/agentforge/pkg/identity"
)

// GraphResourceCaller exercises Microsoft Graph as the downstream resource
// API: a users read that succeeds only when the token carries a live
// User.Read.All (or broader) role.
type GraphResourceCaller struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// GraphResourceCallerDependencies configures the caller. Path defaults to a
// minimal users probe.
type GraphResourceCallerDependencies struct {
	BaseURL    string
	Path       string
	HTTPClient *http.Client
}

func NewGraphResourceCaller(deps GraphResourceCallerDependencies) *GraphResourceCaller {
	baseURL := deps.BaseURL
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	path := deps.Path
	if path == "" {
		path = "/v1.0/users?$top=1"
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &GraphResourceCaller{baseURL: baseURL, path: path, httpClient: httpClient}
}

func (c *GraphResourceCaller) CallResource(ctx context.Context, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, identity.NewError(identity.ClassTransient, "resource API unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read resource response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus("call resource api", resp.StatusCode, body)
	}

	return body, nil
}
