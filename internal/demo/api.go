package demo

import (
	"strings"
	"time"

	"github.com/agentforge/agentforge/internal/version"
	"github.com/agentforge/agentforge/pkg/jwtclaims"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/rs/zerolog/log"
)

// federatedAgentClaim is the claim value the directory stamps into tokens it
// issued through the agent exchange.
const federatedAgentClaim = "FederatedAgent"

// tokenClaims is what the middleware extracts from a decoded agent token and
// stores on the request for the handlers.
type tokenClaims struct {
	AppID           string
	Audience        string
	Roles           []string
	IsAgentIdentity bool
}

// APIDependencies configures the demo resource API.
type APIDependencies struct {
	Weather *WeatherClient

	// RequiredRole must appear in the token's roles claim. Empty accepts any
	// non-empty roles set, which is enough to prove grant propagation.
	RequiredRole string
}

// NewAPI builds the demo weather API. It plays the downstream resource in
// the trust chain: requests must carry an agent token, which the API decodes
// and inspects without verifying the signature. /health stays open.
func NewAPI(deps APIDependencies) *fiber.App {
	weather := deps.Weather
	if weather == nil {
		weather = NewWeatherClient(WeatherClientDependencies{})
	}

	app := fiber.New(fiber.Config{
		AppName: "agentforge-demo-api",
	})

	app.Use(cors.New())
	app.Use(logger.New())

	app.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   "agentforge-demo-api",
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	guarded := app.Group("/weather", requireAgentToken(deps.RequiredRole))

	guarded.Get("/", func(c fiber.Ctx) error {
		claims := c.Locals("token_claims").(tokenClaims)

		city := c.Query("city", "seattle")

		report, err := weather.Current(c.RequestCtx(), city)
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":        err.Error(),
				"city":         city,
				"agent_app_id": claims.AppID,
			})
		}

		log.Info().
			Str("city", report.City).
			Str("agent_app_id", claims.AppID).
			Bool("is_agent_identity", claims.IsAgentIdentity).
			Msg("Weather request served")

		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"city":              report.City,
			"temperature":       report.Temperature,
			"temperature_unit":  "F",
			"condition":         report.Condition,
			"humidity":          report.Humidity,
			"humidity_unit":     "%",
			"wind_speed":        report.WindSpeed,
			"wind_unit":         "mph",
			"timestamp":         report.Timestamp,
			"timezone":          report.Timezone,
			"validated_by":      "Agent Identity Token",
			"agent_app_id":      claims.AppID,
			"is_agent_identity": claims.IsAgentIdentity,
			"data_source":       "Open-Meteo API (Real-time)",
		})
	})

	return app
}

// requireAgentToken decodes the bearer token and rejects requests whose
// claims do not look like a role-carrying agent token. Decoding only: the
// demo inspects claims, it does not verify signatures.
func requireAgentToken(requiredRole string) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")

		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "Missing Authorization header",
				"message": "Please provide a valid agent identity token",
			})
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "Invalid Authorization format",
				"message": "Use 'Bearer <token>' format",
			})
		}

		claims, err := jwtclaims.Decode(authHeader)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "Invalid token format",
				"message": err.Error(),
			})
		}

		roles := jwtclaims.Roles(claims)
		if len(roles) == 0 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "Token has no roles",
				"message": "The agent token carries no role claims; grant permissions and exchange a fresh token",
			})
		}

		if requiredRole != "" && !jwtclaims.HasRole(claims, requiredRole) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":   "Missing required role",
				"message": "The agent token does not carry role " + requiredRole,
			})
		}

		c.Locals("token_claims", tokenClaims{
			AppID:           jwtclaims.StringClaim(claims, "appid"),
			Audience:        jwtclaims.StringClaim(claims, "aud"),
			Roles:           roles,
			IsAgentIdentity: jwtclaims.StringClaim(claims, "xms_frd") == federatedAgentClaim,
		})

		return c.Next()
	}
}
