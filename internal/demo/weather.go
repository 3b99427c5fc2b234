// Package demo contains the demonstration surfaces around the provisioning
// workflow: a weather resource API that accepts agent tokens, the Open-Meteo
// client backing it, and a chat agent that calls the API through a tool.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultForecastBaseURL = "https://api.open-meteo.com"
	defaultGeocodeBaseURL  = "https://geocoding-api.open-meteo.com"
)

type coordinates struct {
	Lat float64
	Lon float64
}

// cityCoords avoids a geocoding round-trip for the cities the demo uses most.
var cityCoords = map[string]coordinates{
	"seattle":       {47.6062, -122.3321},
	"new york":      {40.7128, -74.0060},
	"los angeles":   {33.9425, -118.4081},
	"chicago":       {41.8781, -87.6298},
	"miami":         {25.7617, -80.1918},
	"denver":        {39.7392, -104.9903},
	"san francisco": {37.7749, -122.4194},
	"boston":        {42.3601, -71.0589},
	"austin":        {30.2672, -97.7431},
	"portland":      {45.5152, -122.6784},
	"dallas":        {32.7767, -96.7970},
	"houston":       {29.7604, -95.3698},
	"phoenix":       {33.4484, -112.0740},
	"atlanta":       {33.7490, -84.3880},
	"london":        {51.5074, -0.1278},
	"paris":         {48.8566, 2.3522},
	"tokyo":         {35.6762, 139.6503},
	"sydney":        {-33.8688, 151.2093},
	"toronto":       {43.6532, -79.3832},
	"berlin":        {52.5200, 13.4050},
	"mumbai":        {19.0760, 72.8777},
	"dubai":         {25.2048, 55.2708},
	"singapore":     {1.3521, 103.8198},
}

// weatherCodes maps WMO weather codes to readable conditions.
var weatherCodes = map[int]string{
	0:  "Clear Sky",
	1:  "Mainly Clear",
	2:  "Partly Cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Depositing Rime Fog",
	51: "Light Drizzle",
	53: "Moderate Drizzle",
	55: "Dense Drizzle",
	61: "Slight Rain",
	63: "Moderate Rain",
	65: "Heavy Rain",
	71: "Slight Snow",
	73: "Moderate Snow",
	75: "Heavy Snow",
	80: "Slight Rain Showers",
	81: "Moderate Rain Showers",
	82: "Violent Rain Showers",
	95: "Thunderstorm",
	96: "Thunderstorm with Hail",
	99: "Thunderstorm with Heavy Hail",
}

// Report is a current-conditions reading for a city.
type Report struct {
	City        string `json:"city"`
	Temperature int    `json:"temperature"`
	Condition   string `json:"condition"`
	Humidity    int    `json:"humidity"`
	WindSpeed   int    `json:"wind_speed"`
	Timestamp   string `json:"timestamp"`
	Timezone    string `json:"timezone"`
}

// WeatherClient fetches real conditions from Open-Meteo, which needs no API
// key. Cities outside the built-in table go through the geocoding endpoint.
type WeatherClient struct {
	httpClient      *http.Client
	forecastBaseURL string
	geocodeBaseURL  string
}

// WeatherClientDependencies configures a WeatherClient; zero values use the
// public Open-Meteo endpoints and a 10-second-timeout client.
type WeatherClientDependencies struct {
	HTTPClient      *http.Client
	ForecastBaseURL string
	GeocodeBaseURL  string
}

func NewWeatherClient(deps WeatherClientDependencies) *WeatherClient {
	client := &WeatherClient{
		httpClient:      deps.HTTPClient,
		forecastBaseURL: deps.ForecastBaseURL,
		geocodeBaseURL:  deps.GeocodeBaseURL,
	}

	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if client.forecastBaseURL == "" {
		client.forecastBaseURL = defaultForecastBaseURL
	}
	if client.geocodeBaseURL == "" {
		client.geocodeBaseURL = defaultGeocodeBaseURL
	}

	return client
}

// Current returns real-time conditions for the city.
func (c *WeatherClient) Current(ctx context.Context, city string) (Report, error) {
	coords, resolvedName, err := c.locate(ctx, city)
	if err != nil {
		return Report{}, err
	}

	endpoint := fmt.Sprintf(
		"%s/v1/forecast?latitude=%.4f&longitude=%.4f&current=temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m&temperature_unit=fahrenheit&timezone=auto",
		c.forecastBaseURL, coords.Lat, coords.Lon,
	)

	var payload struct {
		Timezone string `json:"timezone"`
		Current  struct {
			Time        string  `json:"time"`
			Temperature float64 `json:"temperature_2m"`
			Humidity    float64 `json:"relative_humidity_2m"`
			WeatherCode int     `json:"weather_code"`
			WindSpeed   float64 `json:"wind_speed_10m"`
		} `json:"current"`
	}

	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return Report{}, fmt.Errorf("weather lookup failed: %w", err)
	}

	condition, ok := weatherCodes[payload.Current.WeatherCode]
	if !ok {
		condition = "Unknown"
	}

	timestamp := payload.Current.Time
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	timezone := payload.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	return Report{
		City:        resolvedName,
		Temperature: int(payload.Current.Temperature + 0.5),
		Condition:   condition,
		Humidity:    int(payload.Current.Humidity + 0.5),
		WindSpeed:   int(payload.Current.WindSpeed + 0.5),
		Timestamp:   timestamp,
		Timezone:    timezone,
	}, nil
}

func (c *WeatherClient) locate(ctx context.Context, city string) (coordinates, string, error) {
	if coords, ok := cityCoords[strings.ToLower(city)]; ok {
		return coords, title(city), nil
	}

	endpoint := fmt.Sprintf("%s/v1/search?name=%s&count=1", c.geocodeBaseURL, url.QueryEscape(city))

	var payload struct {
		Results []struct {
			Name      string  `json:"name"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}

	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return coordinates{}, "", fmt.Errorf("geocoding failed: %w", err)
	}
	if len(payload.Results) == 0 {
		return coordinates{}, "", fmt.Errorf("city %q not found", city)
	}

	result := payload.Results[0]
	return coordinates{Lat: result.Latitude, Lon: result.Longitude}, result.Name, nil
}

func (c *WeatherClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return json.Unmarshal(body, out)
}

// title capitalizes the first letter of each word; the table keys are stored
// lowercase.
func title(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
