package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/pelorus/internal/bus"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/pkg/cache"
	"github.com/maristack/pelorus/pkg/logger"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (f *fakeBus) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], data)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, topic, consumer string, handler bus.Handler) (*nats.Subscription, error) {
	return nil, nil
}

func (f *fakeBus) Seen(ctx context.Context, topic, trackingID string) bool { return false }
func (f *fakeBus) Unsee(ctx context.Context, topic, trackingID string)     {}
func (f *fakeBus) HealthCheck(ctx context.Context) error                   { return nil }
func (f *fakeBus) Close() error                                            { return nil }

func (f *fakeBus) incidents(t *testing.T) []models.Incident {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Incident, 0, len(f.published[bus.TopicIncidentsCreated]))
	for _, data := range f.published[bus.TopicIncidentsCreated] {
		var inc models.Incident
		require.NoError(t, json.Unmarshal(data, &inc))
		out = append(out, inc)
	}
	return out
}

// testClock makes the correlator's notion of time controllable.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCorrelator() (*Correlator, *fakeBus, *testClock) {
	return newTestCorrelatorWithStore(nil)
}

func newTestCorrelatorWithStore(store cache.Valkey) (*Correlator, *fakeBus, *testClock) {
	fb := newFakeBus()
	clock := newTestClock()
	c := New(fb, store, 300*time.Second, 30*time.Second, logger.New("error"))
	c.now = clock.Now
	return c, fb, clock
}

func enrichedEvent(trackingID string, score float64) []byte {
	ev := models.EnrichedAnomalyEvent{}
	ev.SchemaVersion = models.SchemaVersion
	ev.TrackingID = trackingID
	ev.Timestamp = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ev.ShipID = "alpha-ship"
	ev.Service = "satcom"
	ev.MetricName = "satellite_snr"
	ev.MetricValue = 4.2
	ev.AnomalyType = models.AnomalyTypeStatistical
	ev.Score = score
	ev.Threshold = 0.6
	ev.Detector = "zscore"
	ev.CorrelationLevel = models.LevelEnhanced
	data, _ := json.Marshal(ev)
	return data
}

func TestCorrelatorGroupsEventsIntoOneIncident(t *testing.T) {
	c, fb, clock := newTestCorrelator()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.handleEvent(ctx, enrichedEvent(fmt.Sprintf("T-%d", i), 0.75)))
		clock.Advance(5 * time.Second)
	}
	// Duplicate redelivery of the first event is absorbed.
	require.NoError(t, c.handleEvent(ctx, enrichedEvent("T-0", 0.75)))

	assert.Empty(t, fb.incidents(t), "group must stay open inside the window")

	clock.Advance(300 * time.Second)
	c.closeExpired(ctx)

	incidents := fb.incidents(t)
	require.Len(t, incidents, 1)
	inc := incidents[0]
	assert.Equal(t, "INC-"+inc.CorrelationID, inc.IncidentID)
	assert.Equal(t, "T-0", inc.TrackingID)
	assert.Equal(t, "alpha-ship", inc.ShipID)
	assert.Equal(t, "satellite_snr", inc.MetricName)
	assert.Equal(t, models.SeverityHigh, inc.IncidentSeverity)
	assert.Equal(t, models.IncidentOpen, inc.Status)
	assert.Len(t, inc.CorrelatedEvents, 3)
	assert.Equal(t, 0.75, inc.AnomalyScore)
	require.NotEmpty(t, inc.Timeline)
	assert.Equal(t, "incident_created", inc.Timeline[0].Event)
}

func TestCorrelatorIdleClose(t *testing.T) {
	c, fb, clock := newTestCorrelator()
	ctx := context.Background()

	require.NoError(t, c.handleEvent(ctx, enrichedEvent("T-idle", 0.75)))
	clock.Advance(31 * time.Second)
	c.closeExpired(ctx)

	require.Len(t, fb.incidents(t), 1)
}

func TestCorrelatorNewGroupAfterClose(t *testing.T) {
	c, fb, clock := newTestCorrelator()
	ctx := context.Background()

	require.NoError(t, c.handleEvent(ctx, enrichedEvent("T-a", 0.75)))
	clock.Advance(301 * time.Second)

	// The window elapsed with no sweep in between; the late arrival closes
	// the old group inline and opens a fresh one.
	require.NoError(t, c.handleEvent(ctx, enrichedEvent("T-b", 0.75)))
	clock.Advance(301 * time.Second)
	c.closeExpired(ctx)

	incidents := fb.incidents(t)
	require.Len(t, incidents, 2)
	assert.NotEqual(t, incidents[0].CorrelationID, incidents[1].CorrelationID)
	assert.Len(t, incidents[0].CorrelatedEvents, 1)
	assert.Len(t, incidents[1].CorrelatedEvents, 1)
}

func TestCorrelatorSeverityBucketsSplitGroups(t *testing.T) {
	c, fb, clock := newTestCorrelator()
	ctx := context.Background()

	// 0.75 grades high, 0.85 grades critical; different buckets, different
	// incidents.
	require.NoError(t, c.handleEvent(ctx, enrichedEvent("T-high", 0.75)))
	require.NoError(t, c.handleEvent(ctx, enrichedEvent("T-crit", 0.85)))

	clock.Advance(301 * time.Second)
	c.closeExpired(ctx)

	incidents := fb.incidents(t)
	require.Len(t, incidents, 2)
	severities := map[models.Severity]bool{}
	for _, inc := range incidents {
		severities[inc.IncidentSeverity] = true
	}
	assert.True(t, severities[models.SeverityHigh])
	assert.True(t, severities[models.SeverityCritical])
}

func TestCorrelatorUsesEnhancedRisk(t *testing.T) {
	c, fb, clock := newTestCorrelator()
	ctx := context.Background()

	ev := models.EnrichedAnomalyEvent{}
	ev.SchemaVersion = models.SchemaVersion
	ev.TrackingID = "T-enh"
	ev.Timestamp = clock.Now()
	ev.ShipID = "alpha-ship"
	ev.MetricName = "satellite_snr"
	ev.AnomalyType = models.AnomalyTypeStatistical
	ev.Score = 0.5
	ev.EnrichmentContext.AIAnalysis = &models.AIAnalysis{
		EnhancedScore: 0.9,
		RiskLevel:     models.RiskCritical,
		Source:        "rule_based",
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, c.handleEvent(ctx, data))
	clock.Advance(301 * time.Second)
	c.closeExpired(ctx)

	incidents := fb.incidents(t)
	require.Len(t, incidents, 1)
	assert.Equal(t, models.SeverityCritical, incidents[0].IncidentSeverity)
	assert.Equal(t, 0.9, incidents[0].AnomalyScore)
}

func TestCorrelatorFlushAllOnShutdown(t *testing.T) {
	c, fb, _ := newTestCorrelator()
	ctx := context.Background()

	require.NoError(t, c.handleEvent(ctx, enrichedEvent("T-flush", 0.75)))
	c.flushAll(ctx)

	require.Len(t, fb.incidents(t), 1)
	c.mu.Lock()
	assert.Empty(t, c.groups)
	c.mu.Unlock()
}

func TestCorrelatorRestoresGroupsAcrossRestart(t *testing.T) {
	store := cache.NewNoopValkeyCache(logger.New("error"))
	ctx := context.Background()

	c1, _, _ := newTestCorrelatorWithStore(store)
	require.NoError(t, c1.handleEvent(ctx, enrichedEvent("T-r1", 0.75)))
	require.NoError(t, c1.handleEvent(ctx, enrichedEvent("T-r2", 0.75)))

	// A crash loses the in-memory groups; a fresh correlator sharing the
	// store resumes the open window.
	c2, fb2, clock2 := newTestCorrelatorWithStore(store)
	c2.restore(ctx)

	// The restored group still absorbs redeliveries.
	require.NoError(t, c2.handleEvent(ctx, enrichedEvent("T-r1", 0.75)))

	clock2.Advance(301 * time.Second)
	c2.closeExpired(ctx)

	incidents := fb2.incidents(t)
	require.Len(t, incidents, 1)
	assert.Equal(t, "T-r1", incidents[0].TrackingID)
	assert.Len(t, incidents[0].CorrelatedEvents, 2)
}

func TestCorrelatorDropsMirrorAfterEmit(t *testing.T) {
	store := cache.NewNoopValkeyCache(logger.New("error"))
	ctx := context.Background()

	c, fb, clock := newTestCorrelatorWithStore(store)
	require.NoError(t, c.handleEvent(ctx, enrichedEvent("T-emit", 0.75)))
	clock.Advance(301 * time.Second)
	c.closeExpired(ctx)
	require.Len(t, fb.incidents(t), 1)

	// A restart after the emit finds nothing to resume.
	c2, _, _ := newTestCorrelatorWithStore(store)
	c2.restore(ctx)
	c2.mu.Lock()
	defer c2.mu.Unlock()
	assert.Empty(t, c2.groups)
}

func TestCorrelatorRestoreWithoutStore(t *testing.T) {
	c, _, _ := newTestCorrelator()
	c.restore(context.Background())
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.groups)
}

func TestCorrelatorDropsMalformedEvents(t *testing.T) {
	c, _, _ := newTestCorrelator()

	err := c.handleEvent(context.Background(), []byte("{broken"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, bus.ErrDrop))

	err = c.handleEvent(context.Background(), []byte(`{"metric_name":"x"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, bus.ErrDrop))
}

func TestRunbooksForKey(t *testing.T) {
	key := groupKey{MetricName: "satellite_snr", AnomalyType: models.AnomalyTypeStatistical, SeverityBucket: models.SeverityHigh}
	books := runbooksFor(key)
	assert.NotEmpty(t, books)

	// Critical incidents always carry the bridge runbook.
	key.SeverityBucket = models.SeverityCritical
	key.MetricName = "never_seen_metric"
	books = runbooksFor(key)
	require.NotEmpty(t, books)
}
