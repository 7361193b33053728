// Package weather fetches route weather for ships from the fleet weather
// service.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// Client queries current conditions for a ship. Enrichment must survive the
// weather service being down, so Current returns nil on any failure and the
// caller simply omits the weather block.
type Client struct {
	endpoint string
	client   *http.Client
	logger   logger.Logger
}

func NewClient(cfg config.WeatherConfig, log logger.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		logger: log,
	}
}

type weatherResponse struct {
	Condition      string  `json:"condition"`
	WindSpeedKnots float64 `json:"wind_speed_knots"`
	WaveHeightM    float64 `json:"wave_height_m"`
	RainRateMMH    float64 `json:"rain_rate_mm_h"`
	VisibilityNM   float64 `json:"visibility_nm"`
}

// Current returns the weather impact for a ship, or nil when unavailable.
func (c *Client) Current(ctx context.Context, shipID string) *models.WeatherImpact {
	if c.endpoint == "" || shipID == "" {
		return nil
	}

	start := time.Now()
	impact, err := c.fetch(ctx, shipID)
	monitoring.RecordExternalCall("weather", time.Since(start), err == nil)
	if err != nil {
		c.logger.Debug("Weather lookup failed", "ship_id", shipID, "error", err)
		return nil
	}
	return impact
}

func (c *Client) fetch(ctx context.Context, shipID string) (*models.WeatherImpact, error) {
	u := fmt.Sprintf("%s/current?ship_id=%s", c.endpoint, url.QueryEscape(shipID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather service returned status %d", resp.StatusCode)
	}

	var wr weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("failed to parse weather response: %w", err)
	}

	impact := &models.WeatherImpact{
		Condition:      wr.Condition,
		WindSpeedKnots: wr.WindSpeedKnots,
		WaveHeightM:    wr.WaveHeightM,
		RainRateMMH:    wr.RainRateMMH,
		VisibilityNM:   wr.VisibilityNM,
	}
	// Ku/Ka band links degrade under heavy rain fade; deck work stops in
	// high wind or swell.
	impact.ImpactsSat = wr.RainRateMMH > 5.0
	impact.ImpactsPersonel = wr.WindSpeedKnots > 35 || wr.WaveHeightM > 4.0
	return impact, nil
}

// HealthCheck probes the weather service health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weather service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
