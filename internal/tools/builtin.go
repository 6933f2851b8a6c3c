package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UserInfo is the record returned by get_user_info.
type UserInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

var mockUsers = map[int64]UserInfo{
	1: {Name: "Alice", Email: "alice@example.com"},
	2: {Name: "Bob", Email: "bob@example.com"},
	3: {Name: "Charlie", Email: "charlie@example.com"},
}

// GetUserInfo looks a user up in the mock directory.
func GetUserInfo(_ context.Context, args map[string]any) (any, error) {
	id, _ := args["user_id"].(int64)
	user, ok := mockUsers[id]
	if !ok {
		return nil, fmt.Errorf("user %d not found", id)
	}
	return user, nil
}

// BuiltinConfig controls which built-in tools are registered.
type BuiltinConfig struct {
	WeatherAPIKey  string
	WeatherBaseURL string
	HTTPClient     *http.Client
}

const defaultWeatherBaseURL = "https://api.openweathermap.org"

// RegisterBuiltins registers get_user_info, and get_weather when an
// OpenWeatherMap key is configured.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if err := r.Register("get_user_info",
		"Retrieves a user's name and email by numeric user id.",
		Params(Parameter{Name: "user_id", Type: TypeInteger, Description: "The id of the user.", Required: true}),
		GetUserInfo,
		Cacheable(),
	); err != nil {
		return err
	}

	if cfg.WeatherAPIKey == "" {
		return nil
	}
	w := newWeatherClient(cfg)
	return r.Register("get_weather",
		"Returns the current weather description for a location.",
		Params(Parameter{Name: "location", Type: TypeString, Description: "City name, e.g. London.", Required: true}),
		w.handle,
		Cacheable(),
	)
}

type weatherClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newWeatherClient(cfg BuiltinConfig) *weatherClient {
	base := cfg.WeatherBaseURL
	if base == "" {
		base = defaultWeatherBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &weatherClient{
		baseURL:    strings.TrimSuffix(base, "/"),
		apiKey:     cfg.WeatherAPIKey,
		httpClient: hc,
	}
}

type geocodeResult struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type weatherResponse struct {
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

func (w *weatherClient) handle(ctx context.Context, args map[string]any) (any, error) {
	location, _ := args["location"].(string)

	q := url.Values{}
	q.Set("q", location)
	q.Set("limit", "1")
	q.Set("appid", w.apiKey)
	var places []geocodeResult
	if err := w.getJSON(ctx, "/geo/1.0/direct?"+q.Encode(), &places); err != nil {
		return nil, fmt.Errorf("geocoding %q: %w", location, err)
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("location %q not found", location)
	}

	q = url.Values{}
	q.Set("lat", fmt.Sprintf("%g", places[0].Lat))
	q.Set("lon", fmt.Sprintf("%g", places[0].Lon))
	q.Set("appid", w.apiKey)
	var weather weatherResponse
	if err := w.getJSON(ctx, "/data/2.5/weather?"+q.Encode(), &weather); err != nil {
		return nil, fmt.Errorf("weather lookup: %w", err)
	}
	if len(weather.Weather) == 0 {
		return nil, fmt.Errorf("no weather data for %q", location)
	}
	return map[string]any{
		"location":    location,
		"description": weather.Weather[0].Description,
	}, nil
}

func (w *weatherClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
