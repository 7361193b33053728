// Package metricstore queries the metrics TSDB for instantaneous values,
// historical baselines and correlation patterns.
package metricstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// Sample is one instant-query result.
type Sample struct {
	Labels    map[string]string
	Value     float64
	Timestamp time.Time
}

// Baseline is the historical aggregate used as a secondary anomaly signal.
// A zero SampleCount means no history exists for the metric.
type Baseline struct {
	Avg         float64 `json:"avg"`
	Median      float64 `json:"median"`
	P95         float64 `json:"p95"`
	P99         float64 `json:"p99"`
	SampleCount int     `json:"sample_count"`
}

// HistoricalPattern is one past occurrence matching an anomaly's identity,
// used to augment correlation.
type HistoricalPattern struct {
	Timestamp  time.Time `json:"timestamp"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Host       string    `json:"host,omitempty"`
}

// baselineStale is how old a memoized baseline may be before recompute.
const baselineStale = 6 * time.Hour

type baselineEntry struct {
	baseline Baseline
	computed time.Time
}

// Client talks to the metrics store over its Prometheus-compatible HTTP API.
// Endpoints are round-robined; transient failures retry with exponential
// backoff inside the per-call deadline.
type Client struct {
	endpoints []string
	timeout   time.Duration
	client    *http.Client
	logger    logger.Logger
	current   int

	mu sync.Mutex

	username string
	password string

	retries   int
	backoffMS int // base backoff (ms) for attempt 1; then doubles

	baselineMu sync.Mutex
	baselines  map[string]baselineEntry
}

func NewClient(cfg config.MetricsStoreConfig, log logger.Logger) *Client {
	return &Client{
		endpoints: cfg.Endpoints,
		timeout:   time.Duration(cfg.Timeout) * time.Millisecond,
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Millisecond,
		},
		logger:    log,
		retries:   3,
		backoffMS: 500,
		username:  cfg.Username,
		password:  cfg.Password,
		baselines: make(map[string]baselineEntry),
	}
}

type promResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  []interface{}     `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// Instant executes an instant query and returns all series values.
func (c *Client) Instant(ctx context.Context, query string) ([]Sample, error) {
	return c.instantAt(ctx, query, time.Time{})
}

func (c *Client) instantAt(ctx context.Context, query string, at time.Time) ([]Sample, error) {
	start := time.Now()

	endpoint := c.selectEndpoint()
	if endpoint == "" {
		return nil, errors.New("no metrics store endpoint configured")
	}

	params := url.Values{}
	params.Set("query", query)
	if !at.IsZero() {
		params.Set("time", strconv.FormatInt(at.Unix(), 10))
	}

	u := fmt.Sprintf("%s/api/v1/query?%s", endpoint, params.Encode())
	resp, err := c.doRequestWithRetry(ctx, http.MethodGet, u)
	monitoring.RecordExternalCall("metrics_store", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("metrics store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics store returned status %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}

	var pr promResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("failed to parse metrics store response: %w", err)
	}
	if pr.Status != "success" {
		return nil, fmt.Errorf("metrics store query status %q", pr.Status)
	}

	samples := make([]Sample, 0, len(pr.Data.Result))
	for _, r := range pr.Data.Result {
		if len(r.Value) != 2 {
			continue
		}
		ts, value, ok := parseValuePair(r.Value)
		if !ok {
			continue
		}
		samples = append(samples, Sample{Labels: r.Metric, Value: value, Timestamp: ts})
	}
	return samples, nil
}

// Baseline returns the historical aggregate for metric on shipID over the
// trailing window. Results are memoized per metric/ship and recomputed at
// most once per staleness window.
func (c *Client) Baseline(ctx context.Context, metric, shipID string, days int) (Baseline, error) {
	key := metric + "|" + shipID

	c.baselineMu.Lock()
	if entry, ok := c.baselines[key]; ok && time.Since(entry.computed) < baselineStale {
		c.baselineMu.Unlock()
		return entry.baseline, nil
	}
	c.baselineMu.Unlock()

	selector := metric
	if shipID != "" {
		selector = fmt.Sprintf(`%s{ship_id=%q}`, metric, shipID)
	}
	window := fmt.Sprintf("%dd", days)

	queries := map[string]string{
		"avg":    fmt.Sprintf(`avg_over_time(%s[%s])`, selector, window),
		"median": fmt.Sprintf(`quantile_over_time(0.5, %s[%s])`, selector, window),
		"p95":    fmt.Sprintf(`quantile_over_time(0.95, %s[%s])`, selector, window),
		"p99":    fmt.Sprintf(`quantile_over_time(0.99, %s[%s])`, selector, window),
		"count":  fmt.Sprintf(`count_over_time(%s[%s])`, selector, window),
	}

	var b Baseline
	for name, q := range queries {
		samples, err := c.Instant(ctx, q)
		if err != nil {
			return Baseline{}, err
		}
		if len(samples) == 0 {
			continue
		}
		v := samples[0].Value
		switch name {
		case "avg":
			b.Avg = v
		case "median":
			b.Median = v
		case "p95":
			b.P95 = v
		case "p99":
			b.P99 = v
		case "count":
			b.SampleCount = int(v)
		}
	}

	if b.SampleCount == 0 {
		// No history: return the empty baseline and do not memoize, so a
		// ship that just came online gets a baseline as soon as one exists.
		return Baseline{}, nil
	}

	c.baselineMu.Lock()
	c.baselines[key] = baselineEntry{baseline: b, computed: time.Now()}
	c.baselineMu.Unlock()

	return b, nil
}

// CorrelationPatterns returns past occurrences of the anomaly's metric on
// the same host at the same time of day across the trailing week.
func (c *Client) CorrelationPatterns(ctx context.Context, ev *models.AnomalyEvent) ([]HistoricalPattern, error) {
	selector := ev.MetricName
	if ev.ShipID != "" {
		selector = fmt.Sprintf(`%s{ship_id=%q}`, ev.MetricName, ev.ShipID)
	}

	patterns := make([]HistoricalPattern, 0, 7)
	for day := 1; day <= 7; day++ {
		at := ev.Timestamp.AddDate(0, 0, -day)
		samples, err := c.instantAt(ctx, selector, at)
		if err != nil {
			// Partial history is still useful; stop at the first failure.
			c.logger.Debug("Correlation pattern query failed", "metric", ev.MetricName, "day", day, "error", err)
			break
		}
		for _, s := range samples {
			if s.Value == 0 {
				continue
			}
			patterns = append(patterns, HistoricalPattern{
				Timestamp:  at,
				MetricName: ev.MetricName,
				Value:      s.Value,
				Host:       s.Labels["host"],
			})
		}
	}
	return patterns, nil
}

// HealthCheck probes /health on any endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	endpoint := c.selectEndpoint()
	if endpoint == "" {
		return errors.New("no metrics store endpoint configured")
	}

	resp, err := c.doRequestWithRetry(ctx, http.MethodGet, endpoint+"/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics store health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// selectEndpoint implements round-robin load balancing (safe for empty slice).
func (c *Client) selectEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.endpoints) == 0 {
		return ""
	}
	ep := c.endpoints[c.current%len(c.endpoints)]
	c.current++
	return ep
}

// doRequestWithRetry sends an HTTP request and retries on 5xx or transport
// errors inside the caller's deadline.
func (c *Client) doRequestWithRetry(ctx context.Context, method, urlStr string) (*http.Response, error) {
	var lastErr error
	backoff := time.Duration(c.backoffMS) * time.Millisecond

	for attempt := 1; attempt <= c.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("Metrics store request failed (transport)",
				"attempt", attempt, "url", urlStr, "error", err)
		} else if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
			_ = resp.Body.Close()
			c.logger.Warn("Metrics store 5xx response, retrying",
				"attempt", attempt, "url", urlStr, "status", resp.StatusCode)
		} else {
			return resp, nil
		}

		if attempt == c.retries || ctx.Err() != nil {
			break
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// readBodySnippet returns a short text excerpt from an HTTP body for error messages.
func readBodySnippet(r io.Reader) string {
	const max = 8 << 10 // 8KB
	b, _ := io.ReadAll(io.LimitReader(r, max))
	return string(b)
}

// parseValuePair decodes the Prometheus [ts, "value"] pair.
func parseValuePair(pair []interface{}) (time.Time, float64, bool) {
	tsFloat, ok := pair[0].(float64)
	if !ok {
		return time.Time{}, 0, false
	}
	valueStr, ok := pair[1].(string)
	if !ok {
		return time.Time{}, 0, false
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	sec := int64(tsFloat)
	nsec := int64((tsFloat - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), value, true
}
