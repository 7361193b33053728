// Package incident persists correlated incidents, recovering malformed
// fields with cascading resolvers before the store commit.
package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maristack/pelorus/internal/bus"
	"github.com/maristack/pelorus/internal/clients/incidentstore"
	"github.com/maristack/pelorus/internal/clients/registry"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// Writer consumes incidents.created, normalizes each incident and commits it.
// The ack happens only after the store insert, so a crash mid-write causes a
// redelivery that the idempotent insert absorbs.
type Writer struct {
	gateway  bus.Bus
	repo     *incidentstore.Repository
	registry *registry.Client
	search   *Search
	logger   logger.Logger

	// stream fans committed incidents out to websocket subscribers.
	stream *Stream
}

func NewWriter(gateway bus.Bus, repo *incidentstore.Repository, reg *registry.Client, search *Search, stream *Stream, log logger.Logger) *Writer {
	return &Writer{
		gateway:  gateway,
		repo:     repo,
		registry: reg,
		search:   search,
		stream:   stream,
		logger:   log,
	}
}

// Run subscribes and blocks until ctx ends.
func (w *Writer) Run(ctx context.Context) error {
	sub, err := w.gateway.Subscribe(ctx, bus.TopicIncidentsCreated, "incident-writer", w.handleIncident)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	w.logger.Info("Incident writer started")
	<-ctx.Done()
	w.logger.Info("Incident writer stopping")
	return nil
}

func (w *Writer) handleIncident(ctx context.Context, data []byte) error {
	var inc models.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if inc.IncidentID == "" {
		monitoring.RecordEventDropped("incident_writer", "schema")
		return fmt.Errorf("%w: missing incident_id", bus.ErrDrop)
	}

	w.normalize(ctx, &inc)

	created, err := w.repo.Insert(ctx, &inc)
	if err != nil {
		// Store failure naks the message; redelivery retries the commit.
		return fmt.Errorf("incident insert failed: %w", err)
	}
	if !created {
		// Redelivery of an already-committed incident.
		monitoring.RecordEventDropped("incident_writer", "duplicate")
		return nil
	}

	monitoring.RecordIncidentCreated(string(inc.IncidentSeverity))
	if err := w.search.Index(&inc); err != nil {
		w.logger.Warn("Failed to index incident for search", "incident_id", inc.IncidentID, "error", err)
	}
	if w.stream != nil {
		w.stream.Broadcast(&inc)
	}

	w.logger.Info("Incident committed",
		"incident_id", inc.IncidentID,
		"ship_id", inc.ShipID,
		"severity", inc.IncidentSeverity)
	return nil
}

// normalize repairs missing or malformed fields with cascading resolvers.
// Every recovered field records its source under metadata.recovery_sources.
func (w *Writer) normalize(ctx context.Context, inc *models.Incident) {
	sources := map[string]string{}

	rawMsg := metaString(inc.Metadata, "raw_msg")
	if rawMsg == "" && len(inc.CorrelatedEvents) > 0 {
		rawMsg = metaString(inc.Metadata, "message")
	}

	// ship_id: field, registry by known hosts, hostname derivation, unknown.
	if inc.ShipID == "" || inc.ShipID == "unknown" {
		host := firstNonEmpty(
			metaString(inc.Metadata, "host"),
			metaString(inc.Metadata, "hostname"),
			metaString(inc.Metadata, "source_host"),
		)
		if mapping := w.registry.Lookup(ctx, host); mapping != nil && mapping.ShipID != "" {
			inc.ShipID = mapping.ShipID
			sources["ship_id"] = "device_registry"
		} else {
			inc.ShipID = shipIDFromHost(host)
			sources["ship_id"] = "hostname_derivation"
		}
	}

	if inc.Service == "" {
		r := resolveString("unknown-service",
			resolved{metaString(inc.Metadata, "service"), "metadata"},
			resolved{firstEventField(inc, func(e models.CorrelatedEventSummary) string { return e.Detector }), "correlated_event"},
		)
		inc.Service = r.value
		sources["service"] = r.source
	}

	if inc.MetricName == "" {
		r := resolveString("unknown-metric",
			resolved{metaString(inc.Metadata, "metric_name"), "metadata"},
			resolved{firstEventField(inc, func(e models.CorrelatedEventSummary) string { return e.MetricName }), "correlated_event"},
		)
		inc.MetricName = r.value
		sources["metric_name"] = r.source
	}

	if inc.MetricValue == 0 {
		if v, ok := coerceFloat(inc.Metadata["metric_value"]); ok && v != 0 {
			inc.MetricValue = v
			sources["metric_value"] = "metadata"
		} else if v, tag, ok := recoverNumber(rawMsg); ok {
			inc.MetricValue = v
			sources["metric_value"] = tag
		}
	}

	if inc.AnomalyScore == 0 {
		if v, ok := coerceFloat(inc.Metadata["anomaly_score"]); ok && v != 0 {
			inc.AnomalyScore = v
			sources["anomaly_score"] = "metadata"
		} else if best := highestEventScore(inc); best > 0 {
			inc.AnomalyScore = best
			sources["anomaly_score"] = "correlated_event"
		}
	}

	inc.IncidentSeverity = normalizeSeverity(inc.IncidentSeverity)

	if inc.TrackingID == "" {
		inc.TrackingID = uuid.NewString()
		sources["tracking_id"] = "generated"
	}
	if inc.Status == "" {
		inc.Status = models.IncidentOpen
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = inc.CreatedAt
	}
	if inc.SchemaVersion == 0 {
		inc.SchemaVersion = models.SchemaVersion
	}

	if len(sources) > 0 {
		if inc.Metadata == nil {
			inc.Metadata = map[string]interface{}{}
		}
		inc.Metadata["recovery_sources"] = sources
		w.logger.Debug("Recovered incident fields", "incident_id", inc.IncidentID, "sources", sources)
	}
}

// Update applies a status or timeline change through the repository and
// keeps the search index current.
func (w *Writer) Update(ctx context.Context, incidentID string, update models.IncidentUpdate) (*models.Incident, error) {
	inc, err := w.repo.Update(ctx, incidentID, update)
	if err != nil {
		return nil, err
	}
	if err := w.search.Index(inc); err != nil {
		w.logger.Warn("Failed to reindex incident", "incident_id", incidentID, "error", err)
	}
	return inc, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstEventField(inc *models.Incident, pick func(models.CorrelatedEventSummary) string) string {
	for _, e := range inc.CorrelatedEvents {
		if v := pick(e); v != "" {
			return v
		}
	}
	return ""
}

func highestEventScore(inc *models.Incident) float64 {
	var best float64
	for _, e := range inc.CorrelatedEvents {
		if e.Score > best {
			best = e.Score
		}
	}
	return best
}
