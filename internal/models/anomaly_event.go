package models

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the current event schema version carried by every event
// produced by the core. There is exactly one record type per event; older
// producers are rejected at the schema gate, not converted.
const SchemaVersion = 3

// Domain classifies where an anomaly was observed on the ship's network.
type Domain string

const (
	DomainSystem Domain = "system"
	DomainNet    Domain = "net"
	DomainApp    Domain = "app"
)

// AnomalyType distinguishes the detection path that produced an event.
type AnomalyType string

const (
	AnomalyTypeStatistical AnomalyType = "statistical"
	AnomalyTypeLogPattern  AnomalyType = "log_pattern"
)

// AnomalyEvent is the first-stage event emitted by the detector on
// anomaly.detected. Events are immutable once published.
//
// Invariant: Score >= Threshold at emission time.
type AnomalyEvent struct {
	SchemaVersion int         `json:"schema_version"`
	TrackingID    string      `json:"tracking_id"`
	Timestamp     time.Time   `json:"timestamp"`
	ShipID        string      `json:"ship_id"`
	DeviceID      string      `json:"device_id"`
	Service       string      `json:"service"`
	Domain        Domain      `json:"domain"`
	AnomalyType   AnomalyType `json:"anomaly_type"`
	MetricName    string      `json:"metric_name"`
	MetricValue   float64     `json:"metric_value"`
	Threshold     float64     `json:"threshold"`
	Score         float64     `json:"score"`
	Detector      string      `json:"detector"`
	RawMsg        string      `json:"raw_msg,omitempty"`
	Meta          map[string]interface{} `json:"meta,omitempty"`

	// Extra holds unknown fields seen on the wire so pass-through stages
	// re-emit them untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// anomalyEventAlias avoids recursion in the custom JSON methods.
type anomalyEventAlias AnomalyEvent

var anomalyEventKnownFields = map[string]bool{
	"schema_version": true, "tracking_id": true, "timestamp": true,
	"ship_id": true, "device_id": true, "service": true, "domain": true,
	"anomaly_type": true, "metric_name": true, "metric_value": true,
	"threshold": true, "score": true, "detector": true, "raw_msg": true,
	"meta": true,
}

// UnmarshalJSON decodes the known fields and captures everything else into
// Extra for lossless pass-through.
func (e *AnomalyEvent) UnmarshalJSON(data []byte) error {
	var alias anomalyEventAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if anomalyEventKnownFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}
	*e = AnomalyEvent(alias)
	return nil
}

// MarshalJSON re-merges Extra with the known fields.
func (e AnomalyEvent) MarshalJSON() ([]byte, error) {
	alias := anomalyEventAlias(e)
	known, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Validate reports whether the event satisfies the schema gate for
// downstream consumers.
func (e *AnomalyEvent) Validate() error {
	if e.TrackingID == "" {
		return ErrMissingField("tracking_id")
	}
	if e.MetricName == "" {
		return ErrMissingField("metric_name")
	}
	if e.Score < e.Threshold {
		return ErrScoreBelowThreshold
	}
	return nil
}
