// Package correlate groups enriched anomaly events into incidents with a
// per-key tumbling window.
package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maristack/pelorus/internal/bus"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/cache"
	"github.com/maristack/pelorus/pkg/logger"
)

// Cache keys for the open-group mirror. The index lists every snapshot key
// so a restart can find them without a scan.
const (
	groupKeyPrefix = "corrgroup:"
	groupIndexKey  = "corrgroup:index"
)

// groupKey identifies one in-flight correlation group. Severity is bucketed
// from the event's effective risk, so escalation within a bucket merges and
// a jump across buckets starts a fresh group.
type groupKey struct {
	ShipID         string
	Service        string
	MetricName     string
	AnomalyType    models.AnomalyType
	SeverityBucket models.Severity
}

// group is the mutable in-flight state for one key. All mutation happens
// under the correlator mutex. Events ack on merge, so every open group is
// mirrored into the cache and restored on startup; a crash mid-window loses
// at most the event whose snapshot write had not landed yet.
type group struct {
	key           groupKey
	correlationID string
	opened        time.Time
	lastEvent     time.Time
	severity      models.Severity
	first         *models.EnrichedAnomalyEvent
	events        []models.CorrelatedEventSummary
	seen          map[string]bool
}

// Correlator consumes anomaly.detected.enriched.final and emits
// incidents.created when groups close.
type Correlator struct {
	gateway bus.Bus
	store   cache.Valkey
	logger  logger.Logger

	window    time.Duration
	idleClose time.Duration

	mu     sync.Mutex
	groups map[groupKey]*group

	now func() time.Time
}

// New builds a correlator. A nil store disables the open-group mirror.
func New(gateway bus.Bus, store cache.Valkey, window, idleClose time.Duration, log logger.Logger) *Correlator {
	return &Correlator{
		gateway:   gateway,
		store:     store,
		logger:    log,
		window:    window,
		idleClose: idleClose,
		groups:    make(map[groupKey]*group),
		now:       time.Now,
	}
}

// Run subscribes to the final enrichment topic and sweeps expired groups
// until ctx ends. Remaining groups flush on shutdown so in-flight work is
// not lost silently.
func (c *Correlator) Run(ctx context.Context) error {
	c.restore(ctx)

	sub, err := c.gateway.Subscribe(ctx, bus.TopicAnomalyEnrichedFinal, "correlator", c.handleEvent)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	sweep := time.NewTicker(c.idleClose / 3)
	defer sweep.Stop()

	c.logger.Info("Correlator started", "window", c.window, "idle_close", c.idleClose)
	for {
		select {
		case <-sweep.C:
			c.closeExpired(ctx)
		case <-ctx.Done():
			c.flushAll(context.Background())
			c.logger.Info("Correlator stopping")
			return nil
		}
	}
}

// handleEvent merges one enriched event into its group, opening the group
// when none is in flight.
func (c *Correlator) handleEvent(ctx context.Context, data []byte) error {
	var ev models.EnrichedAnomalyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if ev.TrackingID == "" {
		monitoring.RecordEventDropped("correlator", "schema")
		return fmt.Errorf("%w: missing tracking_id", bus.ErrDrop)
	}

	severity := models.SeverityFromRisk(ev.EffectiveRisk())
	key := groupKey{
		ShipID:         ev.ShipID,
		Service:        ev.Service,
		MetricName:     ev.MetricName,
		AnomalyType:    ev.AnomalyType,
		SeverityBucket: severity,
	}

	c.mu.Lock()
	g, ok := c.groups[key]
	var expired *group
	if ok && c.now().Sub(g.opened) >= c.window {
		// The window elapsed between sweeps; close before admitting. The
		// fresh group reuses the same snapshot slot, so no drop is needed.
		expired = g
		delete(c.groups, key)
		ok = false
	}
	if !ok {
		g = &group{
			key:           key,
			correlationID: uuid.NewString(),
			opened:        c.now(),
			severity:      severity,
			seen:          make(map[string]bool),
		}
		c.groups[key] = g
		monitoring.SetActiveCorrelationGroups(len(c.groups))
	}

	if g.seen[ev.TrackingID] {
		c.mu.Unlock()
		monitoring.RecordEventDropped("correlator", "duplicate")
		return nil
	}
	g.seen[ev.TrackingID] = true
	g.lastEvent = c.now()

	// Severity only escalates; a tie resolves to the later arrival's value.
	g.severity = models.MaxSeverity(g.severity, severity)

	if g.first == nil {
		evCopy := ev
		g.first = &evCopy
	}
	g.events = append(g.events, models.CorrelatedEventSummary{
		TrackingID:  ev.TrackingID,
		Timestamp:   ev.Timestamp,
		MetricName:  ev.MetricName,
		MetricValue: ev.MetricValue,
		Score:       ev.EffectiveScore(),
		Detector:    ev.Detector,
		RiskLevel:   ev.EffectiveRisk(),
	})
	snap := snapshotOf(g)
	index := c.indexLocked()
	c.mu.Unlock()

	if expired != nil {
		c.emit(ctx, expired)
	}
	c.saveGroup(ctx, snap, index)

	monitoring.RecordEventProcessed("correlator", "success")
	return nil
}

// closeExpired emits every group whose window elapsed or that went idle.
func (c *Correlator) closeExpired(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var closing []*group
	for key, g := range c.groups {
		if now.Sub(g.opened) >= c.window || now.Sub(g.lastEvent) >= c.idleClose {
			closing = append(closing, g)
			delete(c.groups, key)
		}
	}
	monitoring.SetActiveCorrelationGroups(len(c.groups))
	index := c.indexLocked()
	c.mu.Unlock()

	for _, g := range closing {
		c.emit(ctx, g)
	}
	c.dropGroups(ctx, closing, index)
}

// flushAll emits every open group. Called on shutdown only.
func (c *Correlator) flushAll(ctx context.Context) {
	c.mu.Lock()
	var all []*group
	for key, g := range c.groups {
		all = append(all, g)
		delete(c.groups, key)
	}
	monitoring.SetActiveCorrelationGroups(0)
	c.mu.Unlock()

	for _, g := range all {
		c.emit(ctx, g)
	}
	c.dropGroups(ctx, all, nil)
}

// emit synthesizes the incident and publishes incidents.created.
func (c *Correlator) emit(ctx context.Context, g *group) {
	if g.first == nil || len(g.events) == 0 {
		return
	}

	now := c.now().UTC()
	inc := &models.Incident{
		SchemaVersion:    models.SchemaVersion,
		IncidentID:       "INC-" + g.correlationID,
		CorrelationID:    g.correlationID,
		TrackingID:       g.first.TrackingID,
		IncidentType:     string(g.key.AnomalyType),
		IncidentSeverity: g.severity,
		ShipID:           g.key.ShipID,
		Service:          g.key.Service,
		MetricName:       g.key.MetricName,
		MetricValue:      g.first.MetricValue,
		AnomalyScore:     highestScore(g.events),
		Detector:         g.first.Detector,
		Status:           models.IncidentOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
		CorrelatedEvents: g.events,
		SuggestedRunbooks: runbooksFor(g.key),
	}
	inc.AppendTimeline(models.TimelineEntry{
		Timestamp:   now,
		Event:       "incident_created",
		Description: fmt.Sprintf("correlated %d events for %s/%s", len(g.events), g.key.ShipID, g.key.MetricName),
		Source:      "correlator",
	})

	data, err := json.Marshal(inc)
	if err != nil {
		c.logger.Error("Failed to encode incident", "correlation_id", g.correlationID, "error", err)
		return
	}
	if err := c.gateway.Publish(ctx, bus.TopicIncidentsCreated, data); err != nil {
		c.logger.Error("Failed to publish incident", "correlation_id", g.correlationID, "error", err)
		return
	}
	c.logger.Info("Incident emitted",
		"incident_id", inc.IncidentID,
		"ship_id", inc.ShipID,
		"severity", inc.IncidentSeverity,
		"events", len(g.events))
}

func highestScore(events []models.CorrelatedEventSummary) float64 {
	var best float64
	for _, e := range events {
		if e.Score > best {
			best = e.Score
		}
	}
	return best
}
