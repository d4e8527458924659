// Package routing provides the Amap driving-directions client used to measure
// real route distances between adjacent places.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wayplan/wayplan/internal/route"
)

const defaultBaseURL = "https://restapi.amap.com"

var (
	// ErrMissingKey indicates the client was constructed without an API key.
	ErrMissingKey = errors.New("routing: amap api key is required")
	// ErrNoRoute indicates the service answered without a drivable path.
	ErrNoRoute = errors.New("routing: no route between points")
)

// ClientConfig wires the Amap client.
type ClientConfig struct {
	// Key is the Amap web service API key.
	Key string
	// BaseURL overrides the production endpoint, primarily for tests.
	BaseURL string
	// HTTPClient defaults to a 5 second timeout client when nil.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client queries the Amap v3 driving directions REST endpoint. It implements
// route.DistanceService.
type Client struct {
	key     string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient constructs an Amap driving directions client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Key == "" {
		return nil, ErrMissingKey
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{key: cfg.Key, baseURL: baseURL, client: httpClient, logger: logger}, nil
}

// Amap encodes numbers as JSON strings.
type drivingResponse struct {
	Status   string `json:"status"`
	Info     string `json:"info"`
	Infocode string `json:"infocode"`
	Route    struct {
		Paths []struct {
			Distance string `json:"distance"`
			Duration string `json:"duration"`
		} `json:"paths"`
	} `json:"route"`
}

// DistanceAndDuration measures the driving route between two points. The
// caller treats any error as a signal to fall back to an estimate.
func (c *Client) DistanceAndDuration(ctx context.Context, from, to route.Point) (route.Measurement, error) {
	query := url.Values{}
	query.Set("key", c.key)
	query.Set("origin", formatCoordinate(from))
	query.Set("destination", formatCoordinate(to))

	endpoint := c.baseURL + "/v3/direction/driving?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return route.Measurement{}, err
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return route.Measurement{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return route.Measurement{}, fmt.Errorf("routing: amap status %d", resp.StatusCode)
	}

	var decoded drivingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return route.Measurement{}, err
	}
	if decoded.Status != "1" {
		return route.Measurement{}, fmt.Errorf("routing: amap error %s (%s)", decoded.Infocode, decoded.Info)
	}
	if len(decoded.Route.Paths) == 0 {
		return route.Measurement{}, ErrNoRoute
	}

	path := decoded.Route.Paths[0]
	distance, err := strconv.ParseFloat(path.Distance, 64)
	if err != nil {
		return route.Measurement{}, fmt.Errorf("routing: malformed distance %q: %w", path.Distance, err)
	}
	duration, err := strconv.ParseFloat(path.Duration, 64)
	if err != nil {
		return route.Measurement{}, fmt.Errorf("routing: malformed duration %q: %w", path.Duration, err)
	}

	c.logger.Debug("amap driving route resolved",
		zap.Int64("from_id", from.ID),
		zap.Int64("to_id", to.ID),
		zap.Float64("distance_m", distance),
		zap.Duration("elapsed", time.Since(started)))
	return route.Measurement{DistanceMeters: distance, DurationSeconds: duration}, nil
}

// formatCoordinate renders "lng,lat" the way the Amap API expects.
func formatCoordinate(p route.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lng, p.Lat)
}
