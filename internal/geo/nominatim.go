// Package geo wraps the Nominatim geocoder used for place lookup and for
// naming raw coordinates.
package geo

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/muesli/gominatim"
	"go.uber.org/zap"
)

// DefaultServer is the public Nominatim instance.
const DefaultServer = "https://nominatim.openstreetmap.org"

// Candidate is one forward-geocoding match.
type Candidate struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// GeocoderConfig wires the geocoder.
type GeocoderConfig struct {
	// Server overrides the Nominatim endpoint, primarily for tests and
	// self-hosted instances.
	Server string
	Logger *zap.Logger
}

// Geocoder resolves free-text queries and coordinates against Nominatim.
type Geocoder struct {
	logger *zap.Logger
}

// NewGeocoder constructs a Geocoder against the configured server. The
// underlying client holds the server globally, so one process talks to one
// Nominatim instance.
func NewGeocoder(cfg GeocoderConfig) (*Geocoder, error) {
	server := cfg.Server
	if server == "" {
		server = DefaultServer
	}
	parsed, err := url.Parse(server)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("geo: invalid nominatim server %q", server)
	}
	gominatim.SetServer(server)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Geocoder{logger: logger}, nil
}

// Search forward-geocodes a free-text query into up to limit candidates.
func (g *Geocoder) Search(query string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 5
	}
	search := gominatim.SearchQuery{Q: query, Limit: limit}
	results, err := search.Get()
	if err != nil {
		return nil, fmt.Errorf("geo: nominatim search failed: %w", err)
	}

	candidates := make([]Candidate, 0, len(results))
	for _, result := range results {
		lat, latErr := strconv.ParseFloat(result.Lat, 64)
		lng, lngErr := strconv.ParseFloat(result.Lon, 64)
		if latErr != nil || lngErr != nil {
			g.logger.Warn("nominatim result with unparseable coordinates",
				zap.String("display_name", result.DisplayName))
			continue
		}
		candidates = append(candidates, Candidate{Name: result.DisplayName, Lat: lat, Lng: lng})
		if len(candidates) >= limit {
			break
		}
	}
	return candidates, nil
}

// ReverseName resolves coordinates to a display name, falling back to the
// formatted coordinate pair when the lookup fails or returns nothing.
func (g *Geocoder) ReverseName(lat, lng float64) string {
	reverse := gominatim.ReverseQuery{
		Lat: strconv.FormatFloat(lat, 'f', 6, 64),
		Lon: strconv.FormatFloat(lng, 'f', 6, 64),
	}
	result, err := reverse.Get()
	if err != nil || result == nil || result.DisplayName == "" {
		if err != nil {
			g.logger.Warn("reverse geocode failed, using coordinates",
				zap.Float64("lat", lat), zap.Float64("lng", lng), zap.Error(err))
		}
		return FormatCoordinates(lat, lng)
	}
	return result.DisplayName
}

// FormatCoordinates renders the coordinate fallback name.
func FormatCoordinates(lat, lng float64) string {
	return fmt.Sprintf("%.6f, %.6f", lat, lng)
}
