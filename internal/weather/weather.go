// ABOUTME: Daily forecasts for the trip itinerary via the Open-Meteo API
// ABOUTME: Answers from the TTL cache first and falls back to stale data offline

package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tiger900/tripsync/internal/cache"
	"github.com/tiger900/tripsync/internal/netmon"
)

const (
	// Forecasts are considered fresh for three hours, and swept from the
	// cache after a day.
	cacheTTL = 3 * time.Hour
	sweepAge = 24 * time.Hour

	dailyParams = "weathercode,temperature_2m_max,temperature_2m_min," +
		"precipitation_probability_max,precipitation_sum,wind_speed_10m_max"
)

// City is a trip destination with its coordinates.
type City struct {
	Name string
	Lat  float64
	Lon  float64
}

// tripCities maps each itinerary date to that day's destination.
var tripCities = map[string]City{
	"2026-01-19": {Name: "Uberaba", Lat: -19.7489, Lon: -47.9318},
	"2026-01-20": {Name: "Ourinhos", Lat: -22.9781, Lon: -49.8719},
	"2026-01-21": {Name: "Ponta Grossa", Lat: -25.0994, Lon: -50.1583},
	"2026-01-22": {Name: "Urubici", Lat: -27.9994, Lon: -49.5897},
	"2026-01-23": {Name: "Urubici", Lat: -27.9994, Lon: -49.5897},
	"2026-01-24": {Name: "Bom Jardim", Lat: -28.3389, Lon: -49.6358},
	"2026-01-25": {Name: "Cambará do Sul", Lat: -29.0472, Lon: -50.1431},
	"2026-01-26": {Name: "Cambará do Sul", Lat: -29.0472, Lon: -50.1431},
	"2026-01-27": {Name: "Bento Gonçalves", Lat: -29.1699, Lon: -51.5188},
	"2026-01-28": {Name: "Bento Gonçalves", Lat: -29.1699, Lon: -51.5188},
	"2026-01-29": {Name: "Curitiba", Lat: -25.4284, Lon: -49.2733},
	"2026-01-30": {Name: "Curitiba", Lat: -25.4284, Lon: -49.2733},
	"2026-01-31": {Name: "Ourinhos", Lat: -22.9781, Lon: -49.8719},
	"2026-02-01": {Name: "Uberaba", Lat: -19.7489, Lon: -47.9318},
	"2026-02-02": {Name: "Goiânia", Lat: -16.6869, Lon: -49.2648},
}

// CityForDate returns the destination for an itinerary date.
func CityForDate(date string) (City, bool) {
	city, ok := tripCities[date]
	return city, ok
}

// TripDates returns every itinerary date with a known destination.
func TripDates() []string {
	dates := make([]string, 0, len(tripCities))
	for date := range tripCities {
		dates = append(dates, date)
	}
	return dates
}

// Forecast is one day's weather at that day's destination. Stale marks
// data served past its freshness window because a live fetch was not
// possible.
type Forecast struct {
	LocationDate  string  `json:"locationDate"`
	Date          string  `json:"date"`
	City          string  `json:"city"`
	Code          int     `json:"code"`
	TempMax       float64 `json:"tempMax"`
	TempMin       float64 `json:"tempMin"`
	Precipitation float64 `json:"precipitation"`
	PrecipSum     float64 `json:"precipSum"`
	WindMax       float64 `json:"windMax"`
	Stale         bool    `json:"stale,omitempty"`
}

// Service fetches and caches daily forecasts.
type Service struct {
	cache    *cache.Cache
	monitor  netmon.Monitor
	baseURL  string
	timezone string
	client   *http.Client
	logger   *slog.Logger
}

// New creates a forecast service. Pass nil logger for default.
func New(c *cache.Cache, monitor netmon.Monitor, baseURL, timezone string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cache:    c,
		monitor:  monitor,
		baseURL:  baseURL,
		timezone: timezone,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "weather"),
	}
}

// Forecast returns the weather for an itinerary date. Fresh cache wins;
// otherwise a live fetch is cached and returned; when neither is possible
// any stale entry is served with Stale set. A date off the itinerary
// returns (nil, nil).
func (s *Service) Forecast(ctx context.Context, date string) (*Forecast, error) {
	city, ok := CityForDate(date)
	if !ok {
		return nil, nil
	}

	key := fmt.Sprintf("%s_%v_%v", date, city.Lat, city.Lon)

	if record, hit, err := s.cache.Get(ctx, key, cacheTTL); err != nil {
		return nil, err
	} else if hit {
		return decodeForecast(record)
	}

	if !s.monitor.Online() {
		return s.stale(ctx, key)
	}

	forecast, err := s.fetch(ctx, date, city)
	if err != nil {
		s.logger.Warn("forecast fetch failed, trying stale cache", "date", date, "error", err)
		if stale, staleErr := s.stale(ctx, key); staleErr == nil && stale != nil {
			return stale, nil
		}
		return nil, err
	}

	forecast.LocationDate = key
	record, err := json.Marshal(forecast)
	if err != nil {
		return nil, fmt.Errorf("encoding forecast: %w", err)
	}
	if _, err := s.cache.Put(ctx, record); err != nil {
		// A failed cache write should not cost the caller the forecast
		s.logger.Warn("caching forecast failed", "date", date, "error", err)
	}
	return forecast, nil
}

func (s *Service) stale(ctx context.Context, key string) (*Forecast, error) {
	record, age, err := s.cache.GetStale(ctx, key)
	if err != nil || record == nil {
		return nil, err
	}

	forecast, err := decodeForecast(record)
	if err != nil {
		return nil, err
	}
	forecast.Stale = true
	s.logger.Info("serving stale forecast", "key", key, "age", age)
	return forecast, nil
}

func (s *Service) fetch(ctx context.Context, date string, city City) (*Forecast, error) {
	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%v", city.Lat))
	params.Set("longitude", fmt.Sprintf("%v", city.Lon))
	params.Set("daily", dailyParams)
	params.Set("timezone", s.timezone)
	params.Set("start_date", date)
	params.Set("end_date", date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API returned %d", resp.StatusCode)
	}

	var api struct {
		Daily struct {
			Weathercode   []int     `json:"weathercode"`
			TempMax       []float64 `json:"temperature_2m_max"`
			TempMin       []float64 `json:"temperature_2m_min"`
			Precipitation []float64 `json:"precipitation_probability_max"`
			PrecipSum     []float64 `json:"precipitation_sum"`
			WindMax       []float64 `json:"wind_speed_10m_max"`
		} `json:"daily"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, fmt.Errorf("decoding weather response: %w", err)
	}
	if len(api.Daily.Weathercode) == 0 {
		return nil, fmt.Errorf("weather API returned no daily data for %s", date)
	}

	forecast := &Forecast{
		Date:    date,
		City:    city.Name,
		Code:    api.Daily.Weathercode[0],
		TempMax: first(api.Daily.TempMax),
		TempMin: first(api.Daily.TempMin),
	}
	forecast.Precipitation = first(api.Daily.Precipitation)
	forecast.PrecipSum = first(api.Daily.PrecipSum)
	forecast.WindMax = first(api.Daily.WindMax)
	return forecast, nil
}

func first(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[0]
}

// Sweep drops forecasts older than a day and returns how many went.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.cache.SweepExpired(ctx, sweepAge)
}

func decodeForecast(record json.RawMessage) (*Forecast, error) {
	var forecast Forecast
	if err := json.Unmarshal(record, &forecast); err != nil {
		return nil, fmt.Errorf("decoding cached forecast: %w", err)
	}
	return &forecast, nil
}
