package detect

import (
	"regexp"
	"strings"

	"github.com/maristack/pelorus/internal/models"
)

// normalOperational matches routine chatter that is never anomalous
// regardless of level.
var normalOperational = []*regexp.Regexp{
	regexp.MustCompile(`(?i)health\s*check`),
	regexp.MustCompile(`(?i)metric\s+echo`),
	regexp.MustCompile(`(?i)startup\s+complete`),
	regexp.MustCompile(`(?i)heartbeat`),
	regexp.MustCompile(`(?i)status\s*:?\s*ok`),
	regexp.MustCompile(`(?i)connection\s+established`),
	regexp.MustCompile(`(?i)configuration\s+loaded`),
}

// shouldSkipLog reports whether a log record is filtered out before scoring,
// with a reason for the drop counter.
func shouldSkipLog(rec *models.LogRecord) (bool, string) {
	level := strings.ToUpper(rec.Level)
	severity := strings.ToLower(rec.Severity)

	informationalLevel := level == "INFO" || level == "DEBUG" || level == "TRACE"
	informationalSeverity := severity == "" || severity == "info" || severity == "low" || severity == "debug"
	if informationalLevel && informationalSeverity {
		return true, "informational"
	}

	for _, re := range normalOperational {
		if re.MatchString(rec.Message) {
			return true, "normal_operational"
		}
	}
	return false, ""
}

// logPatternScore grades a record by its level/severity ladder.
func logPatternScore(rec *models.LogRecord) float64 {
	level := strings.ToLower(rec.Level)
	severity := strings.ToLower(rec.Severity)

	switch {
	case level == "fatal" || level == "critical" || severity == "critical" || severity == "fatal":
		return 0.95
	case level == "error" || severity == "high" || severity == "error":
		return 0.85
	case level == "warn" || level == "warning" || severity == "medium":
		return 0.75
	default:
		return 0.6
	}
}

// shipIDFromHost derives a ship identity when the registry has no mapping.
// "alpha-engine-02" becomes "alpha-ship"; a host with no hyphen keeps its
// full name.
func shipIDFromHost(host string) string {
	if host == "" {
		return "unknown-ship"
	}
	if idx := strings.Index(host, "-"); idx > 0 {
		return host[:idx] + "-ship"
	}
	return host + "-ship"
}

// deviceIDFor resolves a device identity by cascading fallbacks.
func deviceIDFor(mapping *models.DeviceMapping, host, service string) string {
	if mapping != nil && mapping.DeviceID != "" {
		return mapping.DeviceID
	}
	if host != "" {
		return host
	}
	if service != "" {
		return service
	}
	return "unknown-device"
}

// domainForLog classifies a log record's message onto a network domain.
func domainForLog(rec *models.LogRecord) models.Domain {
	haystack := strings.ToLower(rec.Message + " " + rec.Service)
	switch {
	case strings.Contains(haystack, "satellite"), strings.Contains(haystack, "network"),
		strings.Contains(haystack, "link"), strings.Contains(haystack, "comms"):
		return models.DomainNet
	case strings.Contains(haystack, "app"), strings.Contains(haystack, "api"),
		strings.Contains(haystack, "service"):
		return models.DomainApp
	default:
		return models.DomainSystem
	}
}
