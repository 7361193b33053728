package models

import (
	"encoding/json"
	"time"
)

// LogRecord is the raw record the log router publishes on logs.anomalous.
// Only message, level and host are required; everything else is preserved.
type LogRecord struct {
	Message    string    `json:"message"`
	Level      string    `json:"level"`
	Severity   string    `json:"severity,omitempty"`
	Host       string    `json:"host"`
	Service    string    `json:"service,omitempty"`
	TrackingID string    `json:"tracking_id,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type logRecordAlias LogRecord

var logRecordKnownFields = map[string]bool{
	"message": true, "level": true, "severity": true, "host": true,
	"service": true, "tracking_id": true, "timestamp": true,
}

func (r *LogRecord) UnmarshalJSON(data []byte) error {
	var alias logRecordAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if logRecordKnownFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}
	*r = LogRecord(alias)
	return nil
}

func (r LogRecord) MarshalJSON() ([]byte, error) {
	alias := logRecordAlias(r)
	known, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Validate enforces the minimum contract from the log router.
func (r *LogRecord) Validate() error {
	if r.Message == "" {
		return ErrMissingField("message")
	}
	if r.Host == "" {
		return ErrMissingField("host")
	}
	return nil
}
