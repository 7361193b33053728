package models

import "time"

// IncidentStatus is the incident workflow state.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentAcknowledged  IncidentStatus = "acknowledged"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentClosed        IncidentStatus = "closed"
)

// TimelineEntry is one append-only entry on an incident's timeline.
type TimelineEntry struct {
	Timestamp   time.Time              `json:"timestamp"`
	Event       string                 `json:"event"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CorrelatedEventSummary is the compact record of one contributing enriched
// event kept on the incident. The full event stays on the bus.
type CorrelatedEventSummary struct {
	TrackingID  string    `json:"tracking_id"`
	Timestamp   time.Time `json:"timestamp"`
	MetricName  string    `json:"metric_name"`
	MetricValue float64   `json:"metric_value"`
	Score       float64   `json:"score"`
	Detector    string    `json:"detector"`
	RiskLevel   RiskLevel `json:"risk_level"`
}

// Incident is the many-to-one synthesis of correlated enriched events.
// Incidents are mutated only by the writer: status transitions and timeline
// appends. CorrelatedEvents are deduplicated by tracking ID; Severity only
// ever escalates.
type Incident struct {
	SchemaVersion int    `json:"schema_version"`
	IncidentID    string `json:"incident_id"`
	CorrelationID string `json:"correlation_id"`
	TrackingID    string `json:"tracking_id"`

	IncidentType     string   `json:"incident_type"`
	IncidentSeverity Severity `json:"incident_severity"`

	ShipID       string  `json:"ship_id"`
	Service      string  `json:"service"`
	MetricName   string  `json:"metric_name"`
	MetricValue  float64 `json:"metric_value"`
	AnomalyScore float64 `json:"anomaly_score"`
	Detector     string  `json:"detector"`

	Status       IncidentStatus `json:"status"`
	Acknowledged bool           `json:"acknowledged"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CorrelatedEvents  []CorrelatedEventSummary `json:"correlated_events,omitempty"`
	Timeline          []TimelineEntry          `json:"timeline,omitempty"`
	SuggestedRunbooks []string                 `json:"suggested_runbooks,omitempty"`
	Metadata          map[string]interface{}   `json:"metadata,omitempty"`
}

// AppendTimeline adds an entry; the timeline is append-only and ordered by
// insertion.
func (i *Incident) AppendTimeline(entry TimelineEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	i.Timeline = append(i.Timeline, entry)
	i.UpdatedAt = entry.Timestamp
}

// HasEvent reports whether a contributing event with the tracking ID is
// already recorded.
func (i *Incident) HasEvent(trackingID string) bool {
	for _, ev := range i.CorrelatedEvents {
		if ev.TrackingID == trackingID {
			return true
		}
	}
	return false
}

// IncidentFilter narrows list queries.
type IncidentFilter struct {
	Status IncidentStatus
	ShipID string
	Limit  int
}

// IncidentSummary is the aggregate view served by GET /summary.
type IncidentSummary struct {
	Total    int        `json:"total"`
	Open     int        `json:"open"`
	Critical int        `json:"critical"`
	Recent   []Incident `json:"recent"`
}

// IncidentUpdate is the mutable subset accepted by PUT /incidents/{id}.
type IncidentUpdate struct {
	Status        *IncidentStatus `json:"status,omitempty"`
	Acknowledged  *bool           `json:"acknowledged,omitempty"`
	TimelineEntry *TimelineEntry  `json:"timeline_entry,omitempty"`
}
