// Package weather resolves day/night at a device and fetches current
// conditions for it.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nathan-osman/go-sunrise"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/cache"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

const (
	cacheTTL     = 10 * time.Minute
	maxAttempts  = 3
	retryBackoff = 250 * time.Millisecond

	// used when a device has no coordinates
	fallbackSunrise = 7
	fallbackSunset  = 19
)

// Service is the geo/weather collaborator.
type Service struct {
	client  *http.Client
	baseURL string
	apiKey  string
	cache   *cache.Cache
	backoff time.Duration
}

// NewService creates the weather client. An empty apiKey disables lookups.
func NewService(baseURL, apiKey string) *Service {
	return &Service{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		cache:   cache.New(cacheTTL),
		backoff: retryBackoff,
	}
}

// Close stops the cache cleanup.
func (s *Service) Close() {
	s.cache.Close()
}

// CacheStats reports the forecast cache's item counts.
func (s *Service) CacheStats() map[string]interface{} {
	return s.cache.Stats()
}

// Location returns the device coordinates, ok false when it was never geocoded.
func Location(device *domain.Device) (lat, lon float64, ok bool) {
	if device == nil || !device.HasLocation() {
		return 0, 0, false
	}
	return device.Latitude, device.Longitude, true
}

// IsDaylight reports whether the sun is up at the coordinates at t.
func IsDaylight(lat, lon float64, t time.Time) bool {
	// the civil date at the location, approximated from longitude
	local := t.UTC().Add(time.Duration(lon / 15 * float64(time.Hour)))
	rise, set := sunrise.SunriseSunset(lat, lon, local.Year(), local.Month(), local.Day())
	if rise.IsZero() || set.IsZero() {
		// polar day or night; treated as night
		return false
	}
	return t.After(rise) && t.Before(set)
}

// DaylightAt classifies t for the device, falling back to the wall clock in
// t's own zone when the device has no coordinates.
func DaylightAt(device *domain.Device, t time.Time) bool {
	if lat, lon, ok := Location(device); ok {
		return IsDaylight(lat, lon, t)
	}
	h := t.Hour()
	return h >= fallbackSunrise && h < fallbackSunset
}

type forecast struct {
	Currently struct {
		Summary         string  `json:"summary"`
		Temperature     float64 `json:"temperature"`
		UVIndex         float64 `json:"uvIndex"`
		PrecipIntensity float64 `json:"precipIntensity"`
		CloudCover      float64 `json:"cloudCover"`
		Visibility      float64 `json:"visibility"`
	} `json:"currently"`
}

// Current returns conditions at the coordinates. On failure the unknown
// snapshot (UV -1) is returned with the error.
func (s *Service) Current(ctx context.Context, lat, lon float64) (domain.Weather, error) {
	if s.apiKey == "" {
		return domain.UnknownWeather(), nil
	}

	key := fmt.Sprintf("%.2f,%.2f", lat, lon)
	v, err := s.cache.GetOrLoad(ctx, key, cacheTTL, func(ctx context.Context) (interface{}, error) {
		return s.fetch(ctx, lat, lon)
	})
	if err != nil {
		return domain.UnknownWeather(), err
	}
	return v.(domain.Weather), nil
}

func (s *Service) fetch(ctx context.Context, lat, lon float64) (domain.Weather, error) {
	url := fmt.Sprintf("%s/%s/%f,%f?exclude=minutely,hourly,daily,alerts&units=us", s.baseURL, s.apiKey, lat, lon)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		w, err := s.get(ctx, url)
		if err == nil {
			return w, nil
		}
		lastErr = err
		logger.Debugf("weather attempt %d/%d failed: %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return domain.Weather{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.backoff):
			}
		}
	}
	return domain.Weather{}, fmt.Errorf("weather lookup failed after %d attempts: %w", maxAttempts, lastErr)
}

func (s *Service) get(ctx context.Context, url string) (domain.Weather, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Weather{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Weather{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Weather{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var f forecast
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return domain.Weather{}, fmt.Errorf("decoding forecast: %w", err)
	}
	c := f.Currently
	return domain.Weather{
		Temperature:            c.Temperature,
		UVIndex:                c.UVIndex,
		PrecipitationIntensity: c.PrecipIntensity,
		CloudCover:             c.CloudCover,
		Visibility:             c.Visibility,
		Summary:                c.Summary,
	}, nil
}

// Enrich sets daylight and, for located devices, the weather snapshot.
func (s *Service) Enrich(ctx context.Context, device *domain.Device, r *domain.Reading) {
	r.IsDaylight = DaylightAt(device, r.Timestamp)

	lat, lon, ok := Location(device)
	if !ok {
		return
	}
	w, err := s.Current(ctx, lat, lon)
	if err != nil {
		logger.WithDevice(r.CustomerID, r.DeviceID).Warnf("weather unavailable: %v", err)
	}
	r.Weather = w
}
