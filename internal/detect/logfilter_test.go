package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maristack/pelorus/internal/models"
)

func TestShouldSkipLog(t *testing.T) {
	tests := []struct {
		name   string
		rec    models.LogRecord
		skip   bool
		reason string
	}{
		{
			name:   "info level no severity",
			rec:    models.LogRecord{Message: "Cache warmed", Level: "INFO"},
			skip:   true,
			reason: "informational",
		},
		{
			name:   "debug level",
			rec:    models.LogRecord{Message: "entering handler", Level: "DEBUG", Severity: "debug"},
			skip:   true,
			reason: "informational",
		},
		{
			name:   "info level but high severity passes",
			rec:    models.LogRecord{Message: "fallback engaged", Level: "INFO", Severity: "high"},
			skip:   false,
			reason: "",
		},
		{
			name:   "health check filtered at any level",
			rec:    models.LogRecord{Message: "Health check failed twice", Level: "ERROR"},
			skip:   true,
			reason: "normal_operational",
		},
		{
			name:   "startup complete filtered",
			rec:    models.LogRecord{Message: "Startup complete in 2.3s", Level: "WARN"},
			skip:   true,
			reason: "normal_operational",
		},
		{
			name:   "error passes",
			rec:    models.LogRecord{Message: "pump controller unreachable", Level: "ERROR"},
			skip:   false,
			reason: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			skip, reason := shouldSkipLog(&tt.rec)
			assert.Equal(t, tt.skip, skip)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestLogPatternScore(t *testing.T) {
	tests := []struct {
		level    string
		severity string
		want     float64
	}{
		{"FATAL", "", 0.95},
		{"ERROR", "critical", 0.95},
		{"ERROR", "", 0.85},
		{"WARN", "high", 0.85},
		{"WARN", "", 0.75},
		{"WARNING", "medium", 0.75},
		{"NOTICE", "", 0.6},
	}
	for _, tt := range tests {
		rec := models.LogRecord{Level: tt.level, Severity: tt.severity}
		assert.Equal(t, tt.want, logPatternScore(&rec), "level=%s severity=%s", tt.level, tt.severity)
	}
}

func TestShipIDFromHost(t *testing.T) {
	assert.Equal(t, "alpha-ship", shipIDFromHost("alpha-engine-02"))
	assert.Equal(t, "bravo-ship", shipIDFromHost("bravo-comms"))
	assert.Equal(t, "gateway-ship", shipIDFromHost("gateway"))
	assert.Equal(t, "unknown-ship", shipIDFromHost(""))
}

func TestDeviceIDFor(t *testing.T) {
	mapping := &models.DeviceMapping{DeviceID: "dev-42"}
	assert.Equal(t, "dev-42", deviceIDFor(mapping, "host-1", "svc"))
	assert.Equal(t, "host-1", deviceIDFor(nil, "host-1", "svc"))
	assert.Equal(t, "svc", deviceIDFor(nil, "", "svc"))
	assert.Equal(t, "unknown-device", deviceIDFor(nil, "", ""))
}

func TestDomainForLog(t *testing.T) {
	assert.Equal(t, models.DomainNet, domainForLog(&models.LogRecord{Message: "satellite link degraded"}))
	assert.Equal(t, models.DomainNet, domainForLog(&models.LogRecord{Message: "packet storm", Service: "network-probe"}))
	assert.Equal(t, models.DomainApp, domainForLog(&models.LogRecord{Message: "api request timed out"}))
	assert.Equal(t, models.DomainSystem, domainForLog(&models.LogRecord{Message: "pump controller unreachable"}))
}
