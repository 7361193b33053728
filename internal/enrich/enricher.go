// Package enrich adds context to detected anomalies in two stages: device,
// weather and load context first, then the enhancement verdict and grouping
// analysis.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maristack/pelorus/internal/bus"
	"github.com/maristack/pelorus/internal/clients/enhance"
	"github.com/maristack/pelorus/internal/clients/metricstore"
	"github.com/maristack/pelorus/internal/clients/registry"
	"github.com/maristack/pelorus/internal/clients/weather"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// overloadThreshold is the cpu AND memory percentage above which a host
// counts as system_overloaded.
const overloadThreshold = 80.0

// Enricher is stateless apart from the registry's lookup cache. Both stages
// run as independent bus consumers so a slow enhancement endpoint never
// delays stage 1.
type Enricher struct {
	gateway  bus.Bus
	registry *registry.Client
	weather  *weather.Client
	metrics  *metricstore.Client
	enhance  *enhance.Client
	logger   logger.Logger
}

func New(gateway bus.Bus, reg *registry.Client, w *weather.Client, m *metricstore.Client, e *enhance.Client, log logger.Logger) *Enricher {
	return &Enricher{
		gateway:  gateway,
		registry: reg,
		weather:  w,
		metrics:  m,
		enhance:  e,
		logger:   log,
	}
}

// Run attaches both stage consumers and blocks until ctx ends.
func (e *Enricher) Run(ctx context.Context) error {
	s1, err := e.gateway.Subscribe(ctx, bus.TopicAnomalyDetected, "enricher-stage1", e.handleStage1)
	if err != nil {
		return err
	}
	defer s1.Unsubscribe()

	s2, err := e.gateway.Subscribe(ctx, bus.TopicAnomalyEnriched, "enricher-stage2", e.handleStage2)
	if err != nil {
		return err
	}
	defer s2.Unsubscribe()

	e.logger.Info("Enricher started")
	<-ctx.Done()
	e.logger.Info("Enricher stopping")
	return nil
}

// handleStage1 turns an AnomalyEvent into a level_1_enriched event.
func (e *Enricher) handleStage1(ctx context.Context, data []byte) error {
	var base models.AnomalyEvent
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if err := base.Validate(); err != nil {
		monitoring.RecordEventDropped("enricher", "schema")
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}

	if e.gateway.Seen(ctx, bus.TopicAnomalyDetected, base.TrackingID) {
		return nil
	}

	enriched := models.EnrichedAnomalyEvent{
		AnomalyEvent:     base,
		CorrelationLevel: models.LevelEnriched,
	}

	host := metaString(base.Meta, "host")
	if host == "" {
		host = base.DeviceID
	}

	if mapping := e.registry.Lookup(ctx, host); mapping != nil {
		enriched.EnrichmentContext.DeviceContext = &models.DeviceContext{
			ShipID:     mapping.ShipID,
			DeviceID:   mapping.DeviceID,
			DeviceType: mapping.DeviceType,
			Location:   mapping.Location,
		}
		if enriched.ShipID == "" || enriched.ShipID == "unknown-ship" {
			enriched.ShipID = mapping.ShipID
		}
		enriched.AddSource("device_registry")
	}

	if impact := e.weather.Current(ctx, enriched.ShipID); impact != nil {
		enriched.EnrichmentContext.WeatherImpact = impact
		enriched.AddSource("weather")
	}

	if load := e.systemLoad(ctx, enriched.ShipID); load != nil {
		enriched.EnrichmentContext.SystemLoad = load
		enriched.AddSource("system_load")
	}

	enriched.MaritimeContext.OperationalStatus = operationalStatus(
		enriched.EnrichmentContext.WeatherImpact,
		enriched.EnrichmentContext.SystemLoad,
	)
	if dc := enriched.EnrichmentContext.DeviceContext; dc != nil {
		enriched.MaritimeContext.Location = dc.Location
	}

	out, err := json.Marshal(enriched)
	if err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if err := e.gateway.Publish(ctx, bus.TopicAnomalyEnriched, out); err != nil {
		e.gateway.Unsee(ctx, bus.TopicAnomalyDetected, base.TrackingID)
		return err
	}
	monitoring.RecordEventProcessed("enricher_stage1", "success")
	return nil
}

// handleStage2 upgrades a level_1_enriched event to level_2_enhanced.
// Stage 2 always runs; when no enhancement endpoint is configured the
// rule-based verdict stands in, so every event reaches the correlator with
// an analysis block.
func (e *Enricher) handleStage2(ctx context.Context, data []byte) error {
	var ev models.EnrichedAnomalyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if ev.TrackingID == "" {
		monitoring.RecordEventDropped("enricher", "schema")
		return fmt.Errorf("%w: missing tracking_id", bus.ErrDrop)
	}

	if e.gateway.Seen(ctx, bus.TopicAnomalyEnriched, ev.TrackingID) {
		return nil
	}

	analysis := e.enhance.Analyze(ctx, &ev)
	ev.EnrichmentContext.AIAnalysis = analysis
	if analysis.Source == "enhancement_endpoint" {
		ev.AddSource("enhancement")
	} else {
		ev.AddSource("rule_based_analysis")
	}

	ev.GroupingAnalysis = e.groupingAnalysis(ctx, &ev)
	ev.CorrelationLevel = models.LevelEnhanced

	out, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if err := e.gateway.Publish(ctx, bus.TopicAnomalyEnrichedFinal, out); err != nil {
		e.gateway.Unsee(ctx, bus.TopicAnomalyEnriched, ev.TrackingID)
		return err
	}
	monitoring.RecordEventProcessed("enricher_stage2", "success")
	return nil
}

// systemLoad samples current cpu/memory pressure for the ship from the
// metrics store. Absence is normal when the store is down.
func (e *Enricher) systemLoad(ctx context.Context, shipID string) *models.SystemLoad {
	if shipID == "" || shipID == "unknown-ship" {
		return nil
	}

	load := &models.SystemLoad{}
	found := false
	queries := map[string]*float64{
		fmt.Sprintf(`cpu_usage{ship_id=%q}`, shipID):       &load.CPUPercent,
		fmt.Sprintf(`memory_usage{ship_id=%q}`, shipID):    &load.MemoryPercent,
		fmt.Sprintf(`packet_loss{ship_id=%q}`, shipID):     &load.LossPercent,
		fmt.Sprintf(`network_latency{ship_id=%q}`, shipID): &load.LatencyMS,
	}
	for q, target := range queries {
		samples, err := e.metrics.Instant(ctx, q)
		if err != nil || len(samples) == 0 {
			continue
		}
		*target = samples[0].Value
		found = true
	}
	if !found {
		return nil
	}
	return load
}

// operationalStatus derives the coarse operating context from weather and
// load evidence. Weather plus degraded comms at the same time reads as
// critical operations; below that, weather outranks comms outranks overload.
func operationalStatus(w *models.WeatherImpact, load *models.SystemLoad) models.OperationalStatus {
	weather := w != nil && (w.RainRateMMH > 0 || w.WindSpeedKnots > 25 || w.ImpactsSat)
	comms := load != nil && (load.LossPercent > 5 || load.LatencyMS > 500)

	switch {
	case weather && comms:
		return models.StatusCriticalOperations
	case weather:
		return models.StatusWeatherImpacted
	case comms:
		return models.StatusDegradedComms
	case load != nil && load.CPUPercent > overloadThreshold && load.MemoryPercent > overloadThreshold:
		return models.StatusSystemOverloaded
	}
	return models.StatusNormal
}

// groupingAnalysis builds the pre-correlation block from historical
// occurrences of the same anomaly.
func (e *Enricher) groupingAnalysis(ctx context.Context, ev *models.EnrichedAnomalyEvent) *models.GroupingAnalysis {
	ga := &models.GroupingAnalysis{
		TemporalPattern:   temporalPattern(ev.Timestamp),
		SourceCorrelation: ev.ShipID + "/" + ev.Service,
	}

	patterns, err := e.metrics.CorrelationPatterns(ctx, &ev.AnomalyEvent)
	if err == nil {
		ga.HistoricalPatterns = len(patterns)
	}
	return ga
}

func temporalPattern(ts time.Time) string {
	switch h := ts.UTC().Hour(); {
	case h >= 6 && h < 12:
		return "morning"
	case h >= 12 && h < 18:
		return "afternoon"
	case h >= 18 && h < 23:
		return "evening"
	default:
		return "night"
	}
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
