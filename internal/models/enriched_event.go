package models

import "encoding/json"

// OperationalStatus is the coarse operating context of a ship, used by the
// detector to modulate thresholds and by the enricher to grade impact.
type OperationalStatus string

const (
	StatusNormal             OperationalStatus = "normal"
	StatusWeatherImpacted    OperationalStatus = "weather_impacted"
	StatusDegradedComms      OperationalStatus = "degraded_comms"
	StatusSystemOverloaded   OperationalStatus = "system_overloaded"
	StatusCriticalOperations OperationalStatus = "critical_operations"
)

// CorrelationLevel marks how far through enrichment an event has travelled.
type CorrelationLevel string

const (
	LevelEnriched CorrelationLevel = "level_1_enriched"
	LevelEnhanced CorrelationLevel = "level_2_enhanced"
)

// DeviceContext is the registry-resolved identity of the emitting device.
type DeviceContext struct {
	ShipID     string `json:"ship_id"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type,omitempty"`
	Location   string `json:"location,omitempty"`
}

// WeatherImpact summarizes current weather along the ship's route.
type WeatherImpact struct {
	Condition       string  `json:"condition,omitempty"`
	WindSpeedKnots  float64 `json:"wind_speed_knots,omitempty"`
	WaveHeightM     float64 `json:"wave_height_m,omitempty"`
	RainRateMMH     float64 `json:"rain_rate_mm_h,omitempty"`
	VisibilityNM    float64 `json:"visibility_nm,omitempty"`
	ImpactsSat      bool    `json:"impacts_satellite,omitempty"`
	ImpactsPersonel bool    `json:"impacts_deck_operations,omitempty"`
}

// SystemLoad captures current cpu/memory pressure on the emitting host.
type SystemLoad struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	LossPercent   float64 `json:"loss_percent,omitempty"`
	LatencyMS     float64 `json:"latency_ms,omitempty"`
}

// AIAnalysis is the optional stage-2 enhancement verdict.
type AIAnalysis struct {
	EnhancedScore   float64   `json:"enhanced_score"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Urgency         string    `json:"urgency,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	SystemImpact    string    `json:"system_impact,omitempty"`
	Source          string    `json:"source"` // "enhancement_endpoint" or "rule_based"
}

// EnrichmentContext aggregates everything the enricher attached.
type EnrichmentContext struct {
	DeviceContext *DeviceContext `json:"device_context,omitempty"`
	WeatherImpact *WeatherImpact `json:"weather_impact,omitempty"`
	SystemLoad    *SystemLoad    `json:"system_load,omitempty"`
	AIAnalysis    *AIAnalysis    `json:"ai_analysis,omitempty"`
}

// MaritimeContext is the operational frame the event occurred in.
type MaritimeContext struct {
	OperationalStatus OperationalStatus `json:"operational_status"`
	Route             string            `json:"route,omitempty"`
	Location          string            `json:"location,omitempty"`
}

// GroupingAnalysis is the stage-2 pre-correlation block consumed by the
// correlator for historical context.
type GroupingAnalysis struct {
	TemporalPattern    string `json:"temporal_pattern,omitempty"`
	SourceCorrelation  string `json:"source_correlation,omitempty"`
	HistoricalPatterns int    `json:"historical_patterns"`
}

// EnrichedAnomalyEvent wraps an AnomalyEvent with context.
//
// Invariant: TrackingID equals the originating AnomalyEvent's.
type EnrichedAnomalyEvent struct {
	AnomalyEvent

	EnrichmentContext EnrichmentContext `json:"enrichment_context"`
	MaritimeContext   MaritimeContext   `json:"maritime_context"`
	CorrelationLevel  CorrelationLevel  `json:"correlation_level"`
	ContextSources    []string          `json:"context_sources,omitempty"`
	GroupingAnalysis  *GroupingAnalysis `json:"grouping_analysis,omitempty"`
}

// enrichedOnly carries the fields EnrichedAnomalyEvent adds on top of the
// base event. It exists so the custom JSON methods below can marshal the
// two halves independently; embedding alone would promote the base event's
// MarshalJSON and silently drop the enrichment fields.
type enrichedOnly struct {
	EnrichmentContext EnrichmentContext `json:"enrichment_context"`
	MaritimeContext   MaritimeContext   `json:"maritime_context"`
	CorrelationLevel  CorrelationLevel  `json:"correlation_level"`
	ContextSources    []string          `json:"context_sources,omitempty"`
	GroupingAnalysis  *GroupingAnalysis `json:"grouping_analysis,omitempty"`
}

var enrichedKnownFields = map[string]bool{
	"enrichment_context": true, "maritime_context": true,
	"correlation_level": true, "context_sources": true,
	"grouping_analysis": true,
}

// MarshalJSON flattens the base event (with its preserved extras) and the
// enrichment fields into a single object.
func (e EnrichedAnomalyEvent) MarshalJSON() ([]byte, error) {
	base, err := e.AnomalyEvent.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	extra, err := json.Marshal(enrichedOnly{
		EnrichmentContext: e.EnrichmentContext,
		MaritimeContext:   e.MaritimeContext,
		CorrelationLevel:  e.CorrelationLevel,
		ContextSources:    e.ContextSources,
		GroupingAnalysis:  e.GroupingAnalysis,
	})
	if err != nil {
		return nil, err
	}
	var extraMap map[string]json.RawMessage
	if err := json.Unmarshal(extra, &extraMap); err != nil {
		return nil, err
	}
	for k, v := range extraMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes both halves and keeps truly unknown fields in the
// base event's Extra.
func (e *EnrichedAnomalyEvent) UnmarshalJSON(data []byte) error {
	if err := e.AnomalyEvent.UnmarshalJSON(data); err != nil {
		return err
	}
	var extra enrichedOnly
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	e.EnrichmentContext = extra.EnrichmentContext
	e.MaritimeContext = extra.MaritimeContext
	e.CorrelationLevel = extra.CorrelationLevel
	e.ContextSources = extra.ContextSources
	e.GroupingAnalysis = extra.GroupingAnalysis
	for k := range e.Extra {
		if enrichedKnownFields[k] {
			delete(e.Extra, k)
		}
	}
	return nil
}

// RiskLevel returns the event's effective risk: the enhancement verdict when
// present, otherwise graded from the anomaly score.
func (e *EnrichedAnomalyEvent) EffectiveRisk() RiskLevel {
	if e.EnrichmentContext.AIAnalysis != nil && e.EnrichmentContext.AIAnalysis.RiskLevel != "" {
		return e.EnrichmentContext.AIAnalysis.RiskLevel
	}
	return RiskFromScore(e.Score)
}

// EffectiveScore returns the enhanced score when stage 2 produced one,
// otherwise the detector score.
func (e *EnrichedAnomalyEvent) EffectiveScore() float64 {
	if e.EnrichmentContext.AIAnalysis != nil && e.EnrichmentContext.AIAnalysis.EnhancedScore > 0 {
		return e.EnrichmentContext.AIAnalysis.EnhancedScore
	}
	return e.Score
}

// HasSource reports whether the named context source contributed.
func (e *EnrichedAnomalyEvent) HasSource(source string) bool {
	for _, s := range e.ContextSources {
		if s == source {
			return true
		}
	}
	return false
}

// AddSource appends a context source once.
func (e *EnrichedAnomalyEvent) AddSource(source string) {
	if !e.HasSource(source) {
		e.ContextSources = append(e.ContextSources, source)
	}
}
