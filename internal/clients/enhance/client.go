// Package enhance performs stage-2 enrichment: an optional analysis endpoint
// grades the event, with a deterministic rule fallback when the endpoint is
// absent, slow, or returns unusable text.
package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// hardDeadline caps one enhancement call regardless of configured timeout.
const hardDeadline = 10 * time.Second

// Client produces the AIAnalysis block for an enriched event. Analyze never
// fails: a fallback verdict is always available.
type Client struct {
	endpoint string
	model    string
	client   *http.Client
	logger   logger.Logger
}

func NewClient(cfg config.EnhancementConfig, log logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 || timeout > hardDeadline {
		timeout = hardDeadline
	}
	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout},
		logger:   log,
	}
}

type enhanceRequest struct {
	Model string                      `json:"model,omitempty"`
	Event *models.EnrichedAnomalyEvent `json:"event"`
}

type enhanceResponse struct {
	Analysis string `json:"analysis"`
}

// Analyze grades the event. The verdict's Source field records whether the
// endpoint or the rule table produced it.
func (c *Client) Analyze(ctx context.Context, ev *models.EnrichedAnomalyEvent) *models.AIAnalysis {
	if c.endpoint != "" {
		if analysis := c.remoteAnalyze(ctx, ev); analysis != nil {
			return analysis
		}
	}
	return RuleBasedAnalysis(ev)
}

func (c *Client) remoteAnalyze(ctx context.Context, ev *models.EnrichedAnomalyEvent) *models.AIAnalysis {
	ctx, cancel := context.WithTimeout(ctx, hardDeadline)
	defer cancel()

	start := time.Now()

	body, err := json.Marshal(enhanceRequest{Model: c.model, Event: ev})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	monitoring.RecordExternalCall("enhancement", time.Since(start), err == nil)
	if err != nil {
		c.logger.Debug("Enhancement endpoint unavailable", "tracking_id", ev.TrackingID, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("Enhancement endpoint rejected request",
			"tracking_id", ev.TrackingID, "status", resp.StatusCode)
		return nil
	}

	var er enhanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil
	}

	analysis := parseAnalysisText(er.Analysis, ev.Score)
	if analysis == nil {
		c.logger.Debug("Enhancement response unparseable, falling back",
			"tracking_id", ev.TrackingID)
		return nil
	}
	return analysis
}

// parseAnalysisText extracts a verdict from the endpoint's free-text
// analysis. Returns nil when no risk grading can be found.
func parseAnalysisText(text string, baseScore float64) *models.AIAnalysis {
	lower := strings.ToLower(text)
	if lower == "" {
		return nil
	}

	var risk models.RiskLevel
	switch {
	case strings.Contains(lower, "critical"):
		risk = models.RiskCritical
	case strings.Contains(lower, "high risk"), strings.Contains(lower, "high-risk"), strings.Contains(lower, "severe"):
		risk = models.RiskHigh
	case strings.Contains(lower, "medium"), strings.Contains(lower, "moderate"):
		risk = models.RiskMedium
	case strings.Contains(lower, "low risk"), strings.Contains(lower, "low-risk"), strings.Contains(lower, "minor"):
		risk = models.RiskLow
	default:
		return nil
	}

	urgency := "routine"
	switch {
	case strings.Contains(lower, "immediate"), strings.Contains(lower, "urgent"):
		urgency = "immediate"
	case strings.Contains(lower, "soon"), strings.Contains(lower, "prompt"):
		urgency = "prompt"
	}

	score := baseScore
	switch risk {
	case models.RiskCritical:
		score = clamp(baseScore * 1.3)
	case models.RiskHigh:
		score = clamp(baseScore * 1.15)
	}

	var recs []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
		if trimmed == "" {
			continue
		}
		lowerLine := strings.ToLower(trimmed)
		if strings.HasPrefix(lowerLine, "recommend") || strings.HasPrefix(lowerLine, "action:") {
			recs = append(recs, trimmed)
		}
	}

	return &models.AIAnalysis{
		EnhancedScore:   score,
		RiskLevel:       risk,
		Urgency:         urgency,
		Recommendations: recs,
		Source:          "enhancement_endpoint",
	}
}

// impact keywords that mark an anomaly as touching a critical subsystem.
var criticalSubsystems = []string{"engine", "navigation", "communication", "power", "safety"}

// RuleBasedAnalysis is the deterministic fallback verdict. Same inputs
// always yield the same verdict, so redeliveries enhance identically.
func RuleBasedAnalysis(ev *models.EnrichedAnomalyEvent) *models.AIAnalysis {
	score := ev.Score

	if sourceSeverity(ev) == models.SeverityCritical {
		score *= 1.3
	}
	switch ev.MaritimeContext.OperationalStatus {
	case models.StatusCriticalOperations:
		score *= 1.3
	case models.StatusDegradedComms, models.StatusWeatherImpacted, models.StatusSystemOverloaded:
		score *= 1.1
	}

	systemImpact := "isolated"
	haystack := strings.ToLower(ev.MetricName + " " + ev.Service + " " + ev.RawMsg)
	for _, subsystem := range criticalSubsystems {
		if strings.Contains(haystack, subsystem) {
			score *= 1.2
			systemImpact = subsystem
			break
		}
	}

	score = clamp(score)
	risk := models.RiskFromScore(score)

	urgency := "routine"
	if risk == models.RiskCritical {
		urgency = "immediate"
	} else if risk == models.RiskHigh {
		urgency = "prompt"
	}

	return &models.AIAnalysis{
		EnhancedScore: score,
		RiskLevel:     risk,
		Urgency:       urgency,
		SystemImpact:  systemImpact,
		Source:        "rule_based",
	}
}

// sourceSeverity reads the original log severity from event metadata. Metric
// anomalies carry none and grade as low.
func sourceSeverity(ev *models.EnrichedAnomalyEvent) models.Severity {
	for _, key := range []string{"severity", "level"} {
		if s, ok := ev.Meta[key].(string); ok && s != "" {
			return models.NormalizeSeverity(strings.ToLower(s))
		}
	}
	return models.SeverityLow
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

// HealthCheck probes the enhancement endpoint when one is configured.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.endpoint == "" {
		return nil
	}
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
		return fmt.Errorf("enhancement endpoint unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
