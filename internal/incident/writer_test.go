package incident

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/pelorus/internal/bus"
	"github.com/maristack/pelorus/internal/clients/registry"
	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
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

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	log := logger.New("error")
	reg := registry.NewClient(config.DeviceRegistryConfig{
		CacheTTLSeconds: 60,
		LookupTimeoutMS: 50,
	}, log)
	return NewWriter(newFakeBus(), nil, reg, nil, nil, log)
}

func TestNormalizeRecoversShipIDFromHostname(t *testing.T) {
	w := newTestWriter(t)

	inc := &models.Incident{
		IncidentID: "INC-1",
		Metadata:   map[string]interface{}{"host": "alpha-engine-02"},
	}
	w.normalize(context.Background(), inc)

	assert.Equal(t, "alpha-ship", inc.ShipID)
	sources, ok := inc.Metadata["recovery_sources"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "hostname_derivation", sources["ship_id"])
}

func TestNormalizeRecoversFromCorrelatedEvents(t *testing.T) {
	w := newTestWriter(t)

	inc := &models.Incident{
		IncidentID: "INC-2",
		ShipID:     "alpha-ship",
		CorrelatedEvents: []models.CorrelatedEventSummary{
			{TrackingID: "T-1", MetricName: "satellite_snr", Score: 0.72, Detector: "zscore"},
			{TrackingID: "T-2", MetricName: "satellite_snr", Score: 0.88, Detector: "mad"},
		},
	}
	w.normalize(context.Background(), inc)

	assert.Equal(t, "satellite_snr", inc.MetricName)
	assert.Equal(t, 0.88, inc.AnomalyScore)

	sources, ok := inc.Metadata["recovery_sources"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "correlated_event", sources["metric_name"])
	assert.Equal(t, "correlated_event", sources["anomaly_score"])
}

func TestNormalizeRecoversMetricValueFromRawMsg(t *testing.T) {
	w := newTestWriter(t)

	inc := &models.Incident{
		IncidentID: "INC-3",
		ShipID:     "alpha-ship",
		MetricName: "disk_usage",
		Service:    "storage",
		Metadata: map[string]interface{}{
			"raw_msg": "partition /var at 93.4% capacity",
		},
	}
	w.normalize(context.Background(), inc)

	assert.InDelta(t, 93.4, inc.MetricValue, 1e-6)
	sources, ok := inc.Metadata["recovery_sources"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "raw_msg_percent", sources["metric_value"])
}

func TestNormalizePrefersMetadataOverRawMsg(t *testing.T) {
	w := newTestWriter(t)

	inc := &models.Incident{
		IncidentID: "INC-4",
		ShipID:     "alpha-ship",
		MetricName: "disk_usage",
		Service:    "storage",
		Metadata: map[string]interface{}{
			"metric_value": 55.5,
			"raw_msg":      "partition /var at 93.4% capacity",
		},
	}
	w.normalize(context.Background(), inc)

	assert.Equal(t, 55.5, inc.MetricValue)
}

func TestNormalizeFillsDefaults(t *testing.T) {
	w := newTestWriter(t)

	inc := &models.Incident{IncidentID: "INC-5", ShipID: "alpha-ship"}
	w.normalize(context.Background(), inc)

	assert.NotEmpty(t, inc.TrackingID)
	assert.Equal(t, models.IncidentOpen, inc.Status)
	assert.False(t, inc.CreatedAt.IsZero())
	assert.Equal(t, inc.CreatedAt, inc.UpdatedAt)
	assert.Equal(t, models.SchemaVersion, inc.SchemaVersion)
	assert.Equal(t, "unknown-service", inc.Service)
	assert.Equal(t, "unknown-metric", inc.MetricName)
}

func TestNormalizeSeverityCollapse(t *testing.T) {
	w := newTestWriter(t)

	inc := &models.Incident{
		IncidentID:       "INC-6",
		ShipID:           "alpha-ship",
		IncidentSeverity: "info",
	}
	w.normalize(context.Background(), inc)
	assert.Equal(t, models.SeverityLow, inc.IncidentSeverity)
}

func TestNormalizeLeavesCompleteIncidentsAlone(t *testing.T) {
	w := newTestWriter(t)

	now := time.Now().UTC()
	inc := &models.Incident{
		SchemaVersion:    models.SchemaVersion,
		IncidentID:       "INC-7",
		TrackingID:       "T-7",
		ShipID:           "alpha-ship",
		Service:          "satcom",
		MetricName:       "satellite_snr",
		MetricValue:      4.2,
		AnomalyScore:     0.81,
		IncidentSeverity: models.SeverityHigh,
		Status:           models.IncidentOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	w.normalize(context.Background(), inc)

	assert.Equal(t, "T-7", inc.TrackingID)
	assert.Equal(t, 4.2, inc.MetricValue)
	assert.Equal(t, 0.81, inc.AnomalyScore)
	_, recovered := inc.Metadata["recovery_sources"]
	assert.False(t, recovered, "nothing was recovered, nothing should be recorded")
}
