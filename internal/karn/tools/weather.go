package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bdobrica/karn/internal/karn/llm"
)

const defaultWeatherBase = "https://wttr.in"

// WeatherTool returns current conditions and a short forecast. Its result is
// substantive: the model narrates it.
type WeatherTool struct {
	base   string
	client *http.Client
}

// NewWeatherTool returns a WeatherTool querying base (wttr.in when empty).
func NewWeatherTool(base string, client *http.Client) *WeatherTool {
	if base == "" {
		base = defaultWeatherBase
	}
	return &WeatherTool{base: strings.TrimRight(base, "/"), client: newHTTPClient(client)}
}

func (t *WeatherTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "weather",
		Description: "Fetches and returns the live weather forecast for a given location",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type": "string",
					"description": "Location to retrieve weather for. The location can be specified in any of the " +
						"following formats: city; city, state; zipcode.",
				},
			},
			"required":             []string{"location"},
			"additionalProperties": false,
		},
	}
}

type wttrValue struct {
	Value string `json:"value"`
}

type wttrReport struct {
	CurrentCondition []struct {
		TempC          string      `json:"temp_C"`
		TempF          string      `json:"temp_F"`
		FeelsLikeC     string      `json:"FeelsLikeC"`
		FeelsLikeF     string      `json:"FeelsLikeF"`
		Humidity       string      `json:"humidity"`
		WindspeedKmph  string      `json:"windspeedKmph"`
		WindspeedMiles string      `json:"windspeedMiles"`
		Visibility     string      `json:"visibility"`
		PressureInches string      `json:"pressureInches"`
		WeatherDesc    []wttrValue `json:"weatherDesc"`
	} `json:"current_condition"`
	NearestArea []struct {
		AreaName []wttrValue `json:"areaName"`
		Region   []wttrValue `json:"region"`
		Country  []wttrValue `json:"country"`
	} `json:"nearest_area"`
	Weather []struct {
		Date     string `json:"date"`
		MaxTempC string `json:"maxtempC"`
		MaxTempF string `json:"maxtempF"`
		MinTempC string `json:"mintempC"`
		MinTempF string `json:"mintempF"`
	} `json:"weather"`
}

// Forecast is the weather tool's result.
type Forecast struct {
	Location string        `json:"location"`
	Current  *Conditions   `json:"current,omitempty"`
	Days     []ForecastDay `json:"forecast,omitempty"`
}

type Conditions struct {
	Description string `json:"description"`
	TempC       string `json:"temp_c"`
	TempF       string `json:"temp_f"`
	FeelsLikeC  string `json:"feels_like_c"`
	FeelsLikeF  string `json:"feels_like_f"`
	Humidity    string `json:"humidity_pct"`
	WindKmph    string `json:"wind_kmph"`
	WindMph     string `json:"wind_mph"`
	VisibilityK string `json:"visibility_km"`
	PressureIn  string `json:"pressure_in"`
}

type ForecastDay struct {
	Date string `json:"date"`
	MaxC string `json:"max_c"`
	MaxF string `json:"max_f"`
	MinC string `json:"min_c"`
	MinF string `json:"min_f"`
}

func (t *WeatherTool) Execute(ctx context.Context, _ string, args map[string]any) (Result, error) {
	location, _ := stringArg(args, "location")
	location = strings.TrimSpace(location)
	if location == "" {
		return Result{}, errors.New("location is required")
	}

	var report wttrReport
	u := fmt.Sprintf("%s/%s?format=j1", t.base, url.PathEscape(location))
	if err := getJSON(ctx, t.client, u, &report); err != nil {
		var se *httpStatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return Result{}, fmt.Errorf("location %q not found", location)
		}
		return Result{}, fmt.Errorf("weather lookup: %w", err)
	}

	fc := Forecast{Location: location}
	if len(report.NearestArea) > 0 {
		a := report.NearestArea[0]
		parts := []string{first(a.AreaName), first(a.Region), first(a.Country)}
		fc.Location = joinNonEmpty(parts, ", ")
	}
	if len(report.CurrentCondition) > 0 {
		c := report.CurrentCondition[0]
		fc.Current = &Conditions{
			Description: first(c.WeatherDesc),
			TempC:       c.TempC,
			TempF:       c.TempF,
			FeelsLikeC:  c.FeelsLikeC,
			FeelsLikeF:  c.FeelsLikeF,
			Humidity:    c.Humidity,
			WindKmph:    c.WindspeedKmph,
			WindMph:     c.WindspeedMiles,
			VisibilityK: c.Visibility,
			PressureIn:  c.PressureInches,
		}
	}
	for _, d := range report.Weather {
		fc.Days = append(fc.Days, ForecastDay{Date: d.Date, MaxC: d.MaxTempC, MaxF: d.MaxTempF, MinC: d.MinTempC, MinF: d.MinTempF})
	}
	return JSON(fc)
}

func first(v []wttrValue) string {
	if len(v) == 0 {
		return ""
	}
	return v[0].Value
}

func joinNonEmpty(parts []string, sep string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
