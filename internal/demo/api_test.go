package demo

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentToken(payload string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return header + "." + body + "."
}

// fakeOpenMeteo serves a canned forecast so handler tests never hit the
// network.
func fakeOpenMeteo(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"timezone": "America/Los_Angeles",
			"current": {
				"time": "2026-08-31T12:00",
				"temperature_2m": 68.4,
				"relative_humidity_2m": 55.0,
				"weather_code": 2,
				"wind_speed_10m": 7.6
			}
		}`))
	}))
}

func newTestAPI(t *testing.T, requiredRole string) *testAPI {
	t.Helper()

	meteo := fakeOpenMeteo(t)
	t.Cleanup(meteo.Close)

	app := NewAPI(APIDependencies{
		Weather: NewWeatherClient(WeatherClientDependencies{
			ForecastBaseURL: meteo.URL,
			GeocodeBaseURL:  meteo.URL,
		}),
		RequiredRole: requiredRole,
	})

	return &testAPI{app: app}
}

type testAPI struct {
	app *fiber.App
}

func (a *testAPI) get(t *testing.T, path, authHeader string) (*http.Response, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	return resp, decoded
}

func TestAPI_HealthNeedsNoToken(t *testing.T) {
	api := newTestAPI(t, "")

	resp, body := api.get(t, "/health", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestAPI_WeatherRejectsMissingToken(t *testing.T) {
	api := newTestAPI(t, "")

	resp, body := api.get(t, "/weather?city=seattle", "")

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Missing Authorization header", body["error"])
}

func TestAPI_WeatherRejectsNonBearerHeader(t *testing.T) {
	api := newTestAPI(t, "")

	resp, body := api.get(t, "/weather?city=seattle", "Token abc")

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid Authorization format", body["error"])
}

func TestAPI_WeatherRejectsUndecodableToken(t *testing.T) {
	api := newTestAPI(t, "")

	resp, body := api.get(t, "/weather?city=seattle", "Bearer notajwt")

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid token format", body["error"])
}

func TestAPI_WeatherRejectsRolelessToken(t *testing.T) {
	api := newTestAPI(t, "")

	token := agentToken(`{"aud":"https://graph.microsoft.com","appid":"A1"}`)
	resp, body := api.get(t, "/weather?city=seattle", "Bearer "+token)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Token has no roles", body["error"])
}

func TestAPI_WeatherRequiresConfiguredRole(t *testing.T) {
	api := newTestAPI(t, "Weather.Read")

	token := agentToken(`{"appid":"A1","roles":["User.Read.All"]}`)
	resp, body := api.get(t, "/weather?city=seattle", "Bearer "+token)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Missing required role", body["error"])
}

func TestAPI_WeatherAcceptsAgentToken(t *testing.T) {
	api := newTestAPI(t, "")

	token := agentToken(`{"appid":"A1","roles":["User.Read.All"],"xms_frd":"FederatedAgent"}`)
	resp, body := api.get(t, "/weather?city=seattle", "Bearer "+token)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Seattle", body["city"])
	assert.Equal(t, float64(68), body["temperature"])
	assert.Equal(t, "Partly Cloudy", body["condition"])
	assert.Equal(t, "A1", body["agent_app_id"])
	assert.Equal(t, true, body["is_agent_identity"])
}
