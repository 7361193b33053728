package enhance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/pkg/logger"
)

func eventWith(score float64, metric, rawMsg string, meta map[string]interface{}) *models.EnrichedAnomalyEvent {
	ev := &models.EnrichedAnomalyEvent{}
	ev.TrackingID = "T-1"
	ev.MetricName = metric
	ev.Score = score
	ev.RawMsg = rawMsg
	ev.Meta = meta
	return ev
}

func TestRuleBasedAnalysisIsDeterministic(t *testing.T) {
	ev := eventWith(0.75, "satellite_snr", "", nil)
	first := RuleBasedAnalysis(ev)
	second := RuleBasedAnalysis(ev)
	assert.Equal(t, first, second)
	assert.Equal(t, "rule_based", first.Source)
}

func TestRuleBasedAnalysisCriticalSeverityMultiplier(t *testing.T) {
	plain := RuleBasedAnalysis(eventWith(0.6, "disk_usage", "", nil))
	boosted := RuleBasedAnalysis(eventWith(0.6, "disk_usage", "", map[string]interface{}{"severity": "critical"}))

	assert.InDelta(t, 0.6, plain.EnhancedScore, 1e-9)
	assert.InDelta(t, 0.6*1.3, boosted.EnhancedScore, 1e-9)
	assert.Equal(t, models.RiskMedium, plain.RiskLevel)
	assert.Equal(t, models.RiskHigh, boosted.RiskLevel)
}

func TestRuleBasedAnalysisCriticalSubsystem(t *testing.T) {
	a := RuleBasedAnalysis(eventWith(0.5, "log_anomaly", "Engine coolant pump FAILED", nil))
	assert.Equal(t, "engine", a.SystemImpact)
	assert.InDelta(t, 0.5*1.2, a.EnhancedScore, 1e-9)

	b := RuleBasedAnalysis(eventWith(0.5, "disk_usage", "spool filling", nil))
	assert.Equal(t, "isolated", b.SystemImpact)
}

func TestRuleBasedAnalysisDegradedContextMultiplier(t *testing.T) {
	ev := eventWith(0.6, "network_latency", "", nil)
	ev.MaritimeContext.OperationalStatus = models.StatusDegradedComms
	a := RuleBasedAnalysis(ev)
	assert.InDelta(t, 0.6*1.1, a.EnhancedScore, 1e-9)
}

func TestRuleBasedAnalysisCriticalContextMultiplier(t *testing.T) {
	ev := eventWith(0.6, "network_latency", "", nil)
	ev.MaritimeContext.OperationalStatus = models.StatusCriticalOperations
	a := RuleBasedAnalysis(ev)
	assert.InDelta(t, 0.6*1.3, a.EnhancedScore, 1e-9)
	assert.Equal(t, models.RiskHigh, a.RiskLevel)
}

func TestRuleBasedAnalysisClampsScore(t *testing.T) {
	ev := eventWith(0.95, "engine_temp", "", map[string]interface{}{"severity": "critical"})
	ev.MaritimeContext.OperationalStatus = models.StatusWeatherImpacted
	a := RuleBasedAnalysis(ev)
	assert.Equal(t, 1.0, a.EnhancedScore)
	assert.Equal(t, models.RiskCritical, a.RiskLevel)
	assert.Equal(t, "immediate", a.Urgency)
}

func TestParseAnalysisText(t *testing.T) {
	text := "Critical satellite degradation. Immediate attention required.\n" +
		"- Recommend switching to the secondary carrier\n" +
		"- action: raise FEC overhead\n"

	a := parseAnalysisText(text, 0.6)
	require.NotNil(t, a)
	assert.Equal(t, models.RiskCritical, a.RiskLevel)
	assert.Equal(t, "immediate", a.Urgency)
	assert.InDelta(t, 0.6*1.3, a.EnhancedScore, 1e-9)
	assert.Len(t, a.Recommendations, 2)
	assert.Equal(t, "enhancement_endpoint", a.Source)
}

func TestParseAnalysisTextNoGrading(t *testing.T) {
	assert.Nil(t, parseAnalysisText("everything looks nominal", 0.5))
	assert.Nil(t, parseAnalysisText("", 0.5))
}

func TestParseAnalysisTextMediumRoutine(t *testing.T) {
	a := parseAnalysisText("Moderate concern, monitor over the next watch.", 0.5)
	require.NotNil(t, a)
	assert.Equal(t, models.RiskMedium, a.RiskLevel)
	assert.Equal(t, "routine", a.Urgency)
	assert.Equal(t, 0.5, a.EnhancedScore)
}

func TestAnalyzeWithoutEndpointFallsBack(t *testing.T) {
	c := NewClient(config.EnhancementConfig{}, logger.New("error"))
	a := c.Analyze(context.Background(), eventWith(0.7, "cpu_usage", "", nil))
	require.NotNil(t, a)
	assert.Equal(t, "rule_based", a.Source)
}

func TestAnalyzeUsesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"analysis":"High risk to the satellite link, act soon.\nRecommend antenna realignment"}`))
	}))
	defer srv.Close()

	c := NewClient(config.EnhancementConfig{Endpoint: srv.URL, TimeoutMS: 1000}, logger.New("error"))
	a := c.Analyze(context.Background(), eventWith(0.6, "satellite_snr", "", nil))
	require.NotNil(t, a)
	assert.Equal(t, "enhancement_endpoint", a.Source)
	assert.Equal(t, models.RiskHigh, a.RiskLevel)
	assert.Equal(t, "prompt", a.Urgency)
	assert.InDelta(t, 0.6*1.15, a.EnhancedScore, 1e-9)
}

func TestAnalyzeEndpointErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.EnhancementConfig{Endpoint: srv.URL, TimeoutMS: 1000}, logger.New("error"))
	a := c.Analyze(context.Background(), eventWith(0.6, "satellite_snr", "", nil))
	require.NotNil(t, a)
	assert.Equal(t, "rule_based", a.Source)
}

func TestAnalyzeUnparseableResponseFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"analysis":"all fine"}`))
	}))
	defer srv.Close()

	c := NewClient(config.EnhancementConfig{Endpoint: srv.URL, TimeoutMS: 1000}, logger.New("error"))
	a := c.Analyze(context.Background(), eventWith(0.6, "satellite_snr", "", nil))
	require.NotNil(t, a)
	assert.Equal(t, "rule_based", a.Source)
}
