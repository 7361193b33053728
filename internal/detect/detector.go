// Package detect runs the anomaly detector: a periodic pull loop over the
// metrics store plus a push subscription to the anomalous-log topic.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maristack/pelorus/internal/bus"
	"github.com/maristack/pelorus/internal/clients/metricstore"
	"github.com/maristack/pelorus/internal/clients/registry"
	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// logAnomalyThreshold is the fallback score threshold for the log path when
// the thresholds table carries no log_anomaly entry.
const logAnomalyThreshold = 0.7

// contextTTL bounds how long a ship's last-known operational status keeps
// modulating thresholds without fresh evidence.
const contextTTL = 10 * time.Minute

// metricState is the per-series detector state. Keyed by metric name plus
// the host label, per-process only.
type metricState struct {
	window *rollingWindow
	ewma   ewmaState
}

type shipContext struct {
	status   models.OperationalStatus
	rainRate float64
	updated  time.Time
}

// Detector scores metric samples and anomalous log records, publishing
// AnomalyEvents that clear their thresholds.
type Detector struct {
	gateway  bus.Bus
	metrics  *metricstore.Client
	registry *registry.Client
	logger   logger.Logger

	mu    sync.Mutex
	cfg   *config.Config
	state map[string]*metricState

	ctxMu sync.RWMutex
	ships map[string]shipContext
}

func New(cfg *config.Config, gateway bus.Bus, metrics *metricstore.Client, reg *registry.Client, log logger.Logger) *Detector {
	return &Detector{
		gateway:  gateway,
		metrics:  metrics,
		registry: reg,
		logger:   log,
		cfg:      cfg,
		state:    make(map[string]*metricState),
		ships:    make(map[string]shipContext),
	}
}

// ApplyConfig swaps in a reloaded configuration. Detector windows survive
// the reload; only queries and thresholds change.
func (d *Detector) ApplyConfig(cfg *config.Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.logger.Info("Detector configuration applied", "queries", len(cfg.Detection.Queries))
}

// Run starts the pull loop and both subscriptions, blocking until ctx ends.
func (d *Detector) Run(ctx context.Context) error {
	logSub, err := d.gateway.Subscribe(ctx, bus.TopicLogsAnomalous, "detector-logs", d.handleLogRecord)
	if err != nil {
		return err
	}
	defer logSub.Unsubscribe()

	// Enriched events feed operational context back into the threshold table.
	fbSub, err := d.gateway.Subscribe(ctx, bus.TopicAnomalyEnriched, "detector-feedback", d.handleFeedback)
	if err != nil {
		return err
	}
	defer fbSub.Unsubscribe()

	d.mu.Lock()
	cycle := d.cfg.DetectionCycle()
	d.mu.Unlock()

	ticker := time.NewTicker(cycle)
	defer ticker.Stop()

	d.logger.Info("Detector started", "cycle", cycle)
	for {
		select {
		case <-ticker.C:
			d.runCycle(ctx)
		case <-ctx.Done():
			d.logger.Info("Detector stopping")
			return nil
		}
	}
}

// runCycle polls every configured metric query once.
func (d *Detector) runCycle(ctx context.Context) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	for _, q := range cfg.Detection.Queries {
		samples, err := d.metrics.Instant(ctx, q.Query)
		if err != nil {
			// Store outage skips this metric for the cycle; windows keep
			// their history.
			d.logger.Warn("Metric query failed, skipping cycle", "metric", q.Name, "error", err)
			monitoring.RecordEventDropped("detector", "metrics_store_error")
			continue
		}
		for _, s := range samples {
			d.evaluateSample(ctx, cfg, q, s)
		}
	}
}

func (d *Detector) evaluateSample(ctx context.Context, cfg *config.Config, q config.MetricQuery, s metricstore.Sample) {
	host := s.Labels["host"]
	if host == "" {
		host = s.Labels["instance"]
	}
	shipID := s.Labels["ship_id"]
	if shipID == "" {
		if mapping := d.registry.Lookup(ctx, host); mapping != nil {
			shipID = mapping.ShipID
		} else {
			shipID = shipIDFromHost(host)
		}
	}

	baseline, err := d.metrics.Baseline(ctx, q.Name, shipID, cfg.Detection.BaselineDays)
	if err != nil {
		baseline = metricstore.Baseline{}
	}

	score, detector := d.scoreValue(cfg, q.Name, host, s.Value, baseline)
	threshold := d.adjustedThreshold(q.Name, scoreThreshold(cfg, q), shipID)
	if score <= threshold {
		return
	}

	mapping := d.registry.Lookup(ctx, host)
	ev := &models.AnomalyEvent{
		SchemaVersion: models.SchemaVersion,
		TrackingID:    uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		ShipID:        shipID,
		DeviceID:      deviceIDFor(mapping, host, s.Labels["service"]),
		Service:       s.Labels["service"],
		Domain:        models.Domain(q.Domain),
		AnomalyType:   models.AnomalyTypeStatistical,
		MetricName:    q.Name,
		MetricValue:   s.Value,
		Threshold:     threshold,
		Score:         score,
		Detector:      detector,
	}
	d.publish(ctx, ev)
}

// scoreValue runs every statistical detector against the value and returns
// the winning score with its detector name. Each detector is isolated: a
// panicking detector scores 0 and the rest continue. The value is appended
// to the window only after all detectors have scored it.
func (d *Detector) scoreValue(cfg *config.Config, metric, host string, v float64, baseline metricstore.Baseline) (float64, string) {
	key := metric + "|" + host

	d.mu.Lock()
	st, ok := d.state[key]
	if !ok {
		st = &metricState{window: newRollingWindow(cfg.Detection.WindowSize)}
		d.state[key] = st
	}
	d.mu.Unlock()

	best, bestName := 0.0, "zscore"
	consider := func(name string, score float64) {
		if score > best {
			best, bestName = score, name
		}
	}

	consider("zscore", d.recoverScore("zscore", metric, func() float64 {
		return zscoreScore(st.window, v, cfg.Detection.ZScoreDivisor)
	}))
	consider("ewma", d.recoverScore("ewma", metric, func() float64 {
		return st.ewma.Score(st.window, v, cfg.Detection.EWMAAlpha)
	}))
	consider("mad", d.recoverScore("mad", metric, func() float64 {
		return madScore(st.window, v, cfg.Detection.MADDivisor)
	}))
	consider("fixed_threshold", d.recoverScore("fixed_threshold", metric, func() float64 {
		limit, floor := fixedLimit(cfg, metric)
		if floor {
			return fixedFloorScore(v, limit)
		}
		return fixedThresholdScore(v, limit)
	}))
	consider("baseline", d.recoverScore("baseline", metric, func() float64 {
		return baselineScore(baseline, v)
	}))

	st.window.Append(v)
	return best, bestName
}

// recoverScore isolates one detector: a panicking detector logs, counts and
// scores 0 while the rest keep running.
func (d *Detector) recoverScore(name, metric string, fn func() float64) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Detector panic", "detector", name, "metric", metric, "panic", r)
			monitoring.RecordInternalError("detector")
			score = 0
		}
	}()
	return fn()
}

// scoreThreshold resolves the metric's score threshold. A thresholds table
// entry on the score scale (0,1] wins over the query's own value, so table
// reloads take effect without editing the query list. Entries above 1 are
// raw-unit limits consumed by the fixed-threshold detector instead.
func scoreThreshold(cfg *config.Config, q config.MetricQuery) float64 {
	if t, ok := cfg.Thresholds[q.Name]; ok && t > 0 && t <= 1 {
		return t
	}
	return q.Threshold
}

// fixedLimit resolves the absolute limit for the fixed-threshold detector.
// A thresholds table entry above 1 overrides the builtin cap. SNR-style
// metrics read the limit as a floor: lower is worse.
func fixedLimit(cfg *config.Config, metric string) (limit float64, floor bool) {
	floor = strings.Contains(strings.ToLower(metric), "snr")
	if t, ok := cfg.Thresholds[metric]; ok && t > 1 {
		return t, floor
	}
	return fixedCaps[metric], floor
}

// logThreshold reads the live score threshold for the log path.
func (d *Detector) logThreshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.cfg.Thresholds["log_anomaly"]; ok && t > 0 && t <= 1 {
		return t
	}
	return logAnomalyThreshold
}

// adjustedThreshold modulates the configured threshold by the ship's
// last-known operational context.
func (d *Detector) adjustedThreshold(metric string, threshold float64, shipID string) float64 {
	d.ctxMu.RLock()
	sc, ok := d.ships[shipID]
	d.ctxMu.RUnlock()
	if !ok || time.Since(sc.updated) > contextTTL {
		return threshold
	}

	class := metricClass(metric)
	switch sc.status {
	case models.StatusWeatherImpacted:
		switch class {
		case "compute":
			threshold *= 0.85
		case "satellite":
			threshold *= 0.80
		}
	case models.StatusDegradedComms:
		if class == "network" {
			threshold *= 1.20
		} else {
			threshold *= 0.90
		}
	case models.StatusSystemOverloaded:
		if class == "compute" {
			threshold *= 1.10
		}
	}
	if sc.rainRate > 5.0 && class == "satellite" {
		threshold *= 0.75
	}
	return threshold
}

func metricClass(metric string) string {
	m := strings.ToLower(metric)
	switch {
	case strings.Contains(m, "cpu"), strings.Contains(m, "memory"), strings.Contains(m, "mem_"):
		return "compute"
	case strings.Contains(m, "satellite"), strings.Contains(m, "snr"):
		return "satellite"
	case strings.Contains(m, "network"), strings.Contains(m, "latency"), strings.Contains(m, "loss"):
		return "network"
	default:
		return "other"
	}
}

// handleLogRecord scores one anomalous log record.
func (d *Detector) handleLogRecord(ctx context.Context, data []byte) error {
	var rec models.LogRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if err := rec.Validate(); err != nil {
		monitoring.RecordEventDropped("detector", "schema")
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}

	if rec.TrackingID != "" && d.gateway.Seen(ctx, bus.TopicLogsAnomalous, rec.TrackingID) {
		return nil
	}

	if skip, reason := shouldSkipLog(&rec); skip {
		monitoring.RecordEventDropped("detector", reason)
		return nil
	}

	score := logPatternScore(&rec)
	threshold := d.logThreshold()
	if score < threshold {
		monitoring.RecordEventDropped("detector", "below_threshold")
		return nil
	}

	trackingID := rec.TrackingID
	if trackingID == "" {
		trackingID = uuid.NewString()
	}

	mapping := d.registry.Lookup(ctx, rec.Host)
	shipID := shipIDFromHost(rec.Host)
	if mapping != nil && mapping.ShipID != "" {
		shipID = mapping.ShipID
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ev := &models.AnomalyEvent{
		SchemaVersion: models.SchemaVersion,
		TrackingID:    trackingID,
		Timestamp:     ts,
		ShipID:        shipID,
		DeviceID:      deviceIDFor(mapping, rec.Host, rec.Service),
		Service:       rec.Service,
		Domain:        domainForLog(&rec),
		AnomalyType:   models.AnomalyTypeLogPattern,
		MetricName:    "log_anomaly",
		MetricValue:   1.0,
		Threshold:     threshold,
		Score:         score,
		Detector:      "log_pattern",
		RawMsg:        rec.Message,
		Meta: map[string]interface{}{
			"level":    rec.Level,
			"severity": rec.Severity,
			"host":     rec.Host,
		},
	}
	d.publish(ctx, ev)
	return nil
}

// handleFeedback keeps the per-ship operational context fresh from the
// enricher's output.
func (d *Detector) handleFeedback(ctx context.Context, data []byte) error {
	var ev models.EnrichedAnomalyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if ev.ShipID == "" {
		return nil
	}

	sc := shipContext{
		status:  ev.MaritimeContext.OperationalStatus,
		updated: time.Now(),
	}
	if w := ev.EnrichmentContext.WeatherImpact; w != nil {
		sc.rainRate = w.RainRateMMH
	}

	d.ctxMu.Lock()
	d.ships[ev.ShipID] = sc
	d.ctxMu.Unlock()
	return nil
}

// publish sends the event on anomaly.detected. Publish failures log and
// drop; the next cycle or redelivery produces the signal again.
func (d *Detector) publish(ctx context.Context, ev *models.AnomalyEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("Failed to encode anomaly event", "tracking_id", ev.TrackingID, "error", err)
		return
	}
	if err := d.gateway.Publish(ctx, bus.TopicAnomalyDetected, data); err != nil {
		d.logger.Error("Failed to publish anomaly event", "tracking_id", ev.TrackingID, "error", err)
		return
	}
	monitoring.RecordAnomalyDetected(ev.Detector, string(ev.Domain))
	d.logger.Info("Anomaly detected",
		"tracking_id", ev.TrackingID,
		"metric", ev.MetricName,
		"score", ev.Score,
		"detector", ev.Detector,
		"ship_id", ev.ShipID)
}
