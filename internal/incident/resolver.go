package incident

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maristack/pelorus/internal/models"
)

// resolved pairs a recovered value with the source it came from. The source
// tag lands in metadata.recovery_sources so degraded inputs stay observable.
type resolved struct {
	value  string
	source string
}

// numeric recovery patterns applied to raw messages, in priority order.
var (
	reMetricValue = regexp.MustCompile(`metric_value\s*[=:]\s*(-?\d+(?:\.\d+)?)`)
	rePercent     = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*%`)
	reByteUnit    = regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s*(b|kb|mb|gb|tb|bytes)\b`)
	reDecimal     = regexp.MustCompile(`-?\d+\.\d+`)
)

var byteMultipliers = map[string]float64{
	"b": 1, "bytes": 1, "kb": 1 << 10, "mb": 1 << 20, "gb": 1 << 30, "tb": 1 << 40,
}

// resolveString walks the candidates in order and returns the first
// non-empty value with its source tag.
func resolveString(fallback string, candidates ...resolved) resolved {
	for _, c := range candidates {
		if c.value != "" {
			return c
		}
	}
	return resolved{value: fallback, source: "fallback"}
}

// recoverNumber extracts a numeric value from free text, trying the
// structured patterns before the last-resort decimal capture.
func recoverNumber(text string) (float64, string, bool) {
	if text == "" {
		return 0, "", false
	}

	if m := reMetricValue.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v, "raw_msg_metric_value", true
		}
	}
	if m := rePercent.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v, "raw_msg_percent", true
		}
	}
	if m := reByteUnit.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v * byteMultipliers[strings.ToLower(m[2])], "raw_msg_bytes", true
		}
	}
	if m := reDecimal.FindString(text); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			return v, "raw_msg_decimal", true
		}
	}
	return 0, "", false
}

// coerceFloat accepts numbers arriving as JSON numbers or strings.
func coerceFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// shipIDFromHost mirrors the detector's hostname derivation so both paths
// agree on fleet naming.
func shipIDFromHost(host string) string {
	if host == "" {
		return "unknown-ship"
	}
	if idx := strings.Index(host, "-"); idx > 0 {
		return host[:idx] + "-ship"
	}
	return host + "-ship"
}

// normalizeSeverity collapses informational grades onto low.
func normalizeSeverity(s models.Severity) models.Severity {
	return models.NormalizeSeverity(strings.ToLower(string(s)))
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
