package correlate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
)

// groupSnapshot is the persisted form of one open group. Bus events ack as
// soon as they merge, so the mirror is what survives a crash mid-window.
type groupSnapshot struct {
	ShipID         string                          `json:"ship_id"`
	Service        string                          `json:"service"`
	MetricName     string                          `json:"metric_name"`
	AnomalyType    models.AnomalyType              `json:"anomaly_type"`
	SeverityBucket models.Severity                 `json:"severity_bucket"`
	CorrelationID  string                          `json:"correlation_id"`
	Opened         time.Time                       `json:"opened"`
	LastEvent      time.Time                       `json:"last_event"`
	Severity       models.Severity                 `json:"severity"`
	First          *models.EnrichedAnomalyEvent    `json:"first"`
	Events         []models.CorrelatedEventSummary `json:"events"`
	Seen           []string                        `json:"seen"`
}

func (k groupKey) storeKey() string {
	return groupKeyPrefix + strings.Join([]string{
		k.ShipID, k.Service, k.MetricName, string(k.AnomalyType), string(k.SeverityBucket),
	}, "|")
}

// snapshotOf copies g for persistence. Caller holds the correlator mutex.
func snapshotOf(g *group) groupSnapshot {
	seen := make([]string, 0, len(g.seen))
	for id := range g.seen {
		seen = append(seen, id)
	}
	events := make([]models.CorrelatedEventSummary, len(g.events))
	copy(events, g.events)
	return groupSnapshot{
		ShipID:         g.key.ShipID,
		Service:        g.key.Service,
		MetricName:     g.key.MetricName,
		AnomalyType:    g.key.AnomalyType,
		SeverityBucket: g.key.SeverityBucket,
		CorrelationID:  g.correlationID,
		Opened:         g.opened,
		LastEvent:      g.lastEvent,
		Severity:       g.severity,
		First:          g.first,
		Events:         events,
		Seen:           seen,
	}
}

func (s groupSnapshot) key() groupKey {
	return groupKey{
		ShipID:         s.ShipID,
		Service:        s.Service,
		MetricName:     s.MetricName,
		AnomalyType:    s.AnomalyType,
		SeverityBucket: s.SeverityBucket,
	}
}

func (s groupSnapshot) toGroup() *group {
	seen := make(map[string]bool, len(s.Seen))
	for _, id := range s.Seen {
		seen[id] = true
	}
	return &group{
		key:           s.key(),
		correlationID: s.CorrelationID,
		opened:        s.Opened,
		lastEvent:     s.LastEvent,
		severity:      s.Severity,
		first:         s.First,
		events:        s.Events,
		seen:          seen,
	}
}

// indexLocked lists the snapshot keys of every open group. Caller holds the
// correlator mutex.
func (c *Correlator) indexLocked() []string {
	keys := make([]string, 0, len(c.groups))
	for key := range c.groups {
		keys = append(keys, key.storeKey())
	}
	return keys
}

func (c *Correlator) snapshotTTL() time.Duration {
	return 2*c.window + c.idleClose
}

// saveGroup mirrors one group plus the refreshed index. Store failures log
// and continue: the window still closes from memory.
func (c *Correlator) saveGroup(ctx context.Context, snap groupSnapshot, index []string) {
	if c.store == nil {
		return
	}
	key := snap.key().storeKey()
	if err := c.store.Set(ctx, key, snap, c.snapshotTTL()); err != nil {
		c.logger.Warn("Failed to mirror correlation group", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, groupIndexKey, index, c.snapshotTTL()); err != nil {
		c.logger.Warn("Failed to mirror correlation group index", "error", err)
	}
}

// dropGroups removes mirrors for emitted groups and refreshes the index.
func (c *Correlator) dropGroups(ctx context.Context, closed []*group, index []string) {
	if c.store == nil || len(closed) == 0 {
		return
	}
	for _, g := range closed {
		if err := c.store.Delete(ctx, g.key.storeKey()); err != nil {
			c.logger.Warn("Failed to drop correlation group mirror", "key", g.key.storeKey(), "error", err)
		}
	}
	if index == nil {
		index = []string{}
	}
	if err := c.store.Set(ctx, groupIndexKey, index, c.snapshotTTL()); err != nil {
		c.logger.Warn("Failed to mirror correlation group index", "error", err)
	}
}

// restore reloads open groups mirrored by a previous run. Called once at
// startup before the subscription begins; expired windows emit on the first
// sweep.
func (c *Correlator) restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	data, err := c.store.Get(ctx, groupIndexKey)
	if err != nil {
		return
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		c.logger.Warn("Discarding unreadable correlation group index", "error", err)
		return
	}

	restored := 0
	for _, key := range keys {
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var snap groupSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			c.logger.Warn("Discarding unreadable correlation group mirror", "key", key, "error", err)
			continue
		}
		g := snap.toGroup()
		c.mu.Lock()
		if _, ok := c.groups[g.key]; !ok {
			c.groups[g.key] = g
			restored++
		}
		c.mu.Unlock()
	}

	if restored > 0 {
		c.mu.Lock()
		monitoring.SetActiveCorrelationGroups(len(c.groups))
		c.mu.Unlock()
		c.logger.Info("Correlation groups restored", "groups", restored)
	}
}
