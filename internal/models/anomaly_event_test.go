package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnomalyEventPreservesUnknownFields(t *testing.T) {
	wire := `{
		"schema_version": 3,
		"tracking_id": "T-1",
		"timestamp": "2026-03-14T10:00:00Z",
		"ship_id": "alpha-ship",
		"device_id": "modem-1",
		"service": "satcom",
		"domain": "net",
		"anomaly_type": "statistical",
		"metric_name": "satellite_snr",
		"metric_value": 4.2,
		"threshold": 0.6,
		"score": 0.8,
		"detector": "zscore",
		"fleet_region": "north-atlantic",
		"vendor_tag": {"probe": 7}
	}`

	var ev AnomalyEvent
	require.NoError(t, json.Unmarshal([]byte(wire), &ev))

	assert.Equal(t, "T-1", ev.TrackingID)
	assert.Equal(t, "satellite_snr", ev.MetricName)
	require.Len(t, ev.Extra, 2)
	assert.Contains(t, ev.Extra, "fleet_region")
	assert.Contains(t, ev.Extra, "vendor_tag")

	out, err := json.Marshal(ev)
	require.NoError(t, err)

	var roundTrip map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundTrip))
	assert.JSONEq(t, `"north-atlantic"`, string(roundTrip["fleet_region"]))
	assert.JSONEq(t, `{"probe": 7}`, string(roundTrip["vendor_tag"]))
}

func TestAnomalyEventNoExtrasMarshalsClean(t *testing.T) {
	ev := AnomalyEvent{
		SchemaVersion: SchemaVersion,
		TrackingID:    "T-2",
		Timestamp:     time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		MetricName:    "cpu_usage",
		Score:         0.9,
		Threshold:     0.7,
	}
	out, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded AnomalyEvent
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Empty(t, decoded.Extra)
	assert.Equal(t, ev.TrackingID, decoded.TrackingID)
	assert.Equal(t, ev.Score, decoded.Score)
}

func TestAnomalyEventValidate(t *testing.T) {
	ev := AnomalyEvent{TrackingID: "T-1", MetricName: "cpu_usage", Score: 0.8, Threshold: 0.7}
	assert.NoError(t, ev.Validate())

	missing := AnomalyEvent{MetricName: "cpu_usage", Score: 0.8, Threshold: 0.7}
	assert.ErrorIs(t, missing.Validate(), ErrSchema)

	noMetric := AnomalyEvent{TrackingID: "T-1", Score: 0.8, Threshold: 0.7}
	assert.ErrorIs(t, noMetric.Validate(), ErrSchema)

	below := AnomalyEvent{TrackingID: "T-1", MetricName: "cpu_usage", Score: 0.5, Threshold: 0.7}
	assert.ErrorIs(t, below.Validate(), ErrScoreBelowThreshold)
}

func TestEnrichedEventRoundTrip(t *testing.T) {
	ev := EnrichedAnomalyEvent{}
	ev.SchemaVersion = SchemaVersion
	ev.TrackingID = "T-3"
	ev.ShipID = "alpha-ship"
	ev.MetricName = "satellite_snr"
	ev.Score = 0.7
	ev.CorrelationLevel = LevelEnhanced
	ev.ContextSources = []string{"device_registry", "weather"}
	ev.EnrichmentContext.WeatherImpact = &WeatherImpact{RainRateMMH: 6.5, ImpactsSat: true}
	ev.MaritimeContext.OperationalStatus = StatusWeatherImpacted
	ev.Extra = map[string]json.RawMessage{"fleet_region": json.RawMessage(`"baltic"`)}

	out, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded EnrichedAnomalyEvent
	require.NoError(t, json.Unmarshal(out, &decoded))

	assert.Equal(t, "T-3", decoded.TrackingID)
	assert.Equal(t, LevelEnhanced, decoded.CorrelationLevel)
	assert.Equal(t, StatusWeatherImpacted, decoded.MaritimeContext.OperationalStatus)
	require.NotNil(t, decoded.EnrichmentContext.WeatherImpact)
	assert.Equal(t, 6.5, decoded.EnrichmentContext.WeatherImpact.RainRateMMH)
	assert.Equal(t, []string{"device_registry", "weather"}, decoded.ContextSources)
	require.Contains(t, decoded.Extra, "fleet_region")
	assert.JSONEq(t, `"baltic"`, string(decoded.Extra["fleet_region"]))
}

func TestEnrichedEventEnrichmentFieldsAreNotExtras(t *testing.T) {
	wire := `{
		"tracking_id": "T-4",
		"metric_name": "cpu_usage",
		"score": 0.8,
		"threshold": 0.7,
		"correlation_level": "level_1_enriched",
		"enrichment_context": {},
		"maritime_context": {"operational_status": "normal"}
	}`

	var ev EnrichedAnomalyEvent
	require.NoError(t, json.Unmarshal([]byte(wire), &ev))
	assert.Equal(t, LevelEnriched, ev.CorrelationLevel)
	assert.Empty(t, ev.Extra, "enrichment fields must not leak into Extra")
}

func TestEffectiveRiskAndScore(t *testing.T) {
	ev := EnrichedAnomalyEvent{}
	ev.Score = 0.65
	assert.Equal(t, RiskHigh, ev.EffectiveRisk())
	assert.Equal(t, 0.65, ev.EffectiveScore())

	ev.EnrichmentContext.AIAnalysis = &AIAnalysis{EnhancedScore: 0.92, RiskLevel: RiskCritical}
	assert.Equal(t, RiskCritical, ev.EffectiveRisk())
	assert.Equal(t, 0.92, ev.EffectiveScore())
}

func TestAddSourceDeduplicates(t *testing.T) {
	ev := EnrichedAnomalyEvent{}
	ev.AddSource("weather")
	ev.AddSource("weather")
	ev.AddSource("device_registry")
	assert.Equal(t, []string{"weather", "device_registry"}, ev.ContextSources)
	assert.True(t, ev.HasSource("weather"))
	assert.False(t, ev.HasSource("system_load"))
}
