package models

// Severity is the incident severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskLevel grades remediation actions and enhancement verdicts on the same
// ladder as Severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of s on the severity ladder; unknown
// values rank below low so they never win an escalation comparison.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the higher of a and b. Ties resolve to b, the later
// arrival, which is how the correlator breaks ties on escalation.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() >= a.Rank() {
		return b
	}
	return a
}

// NormalizeSeverity maps free-form severity strings onto the canonical ladder.
// Informational grades collapse to low.
func NormalizeSeverity(raw string) Severity {
	switch raw {
	case "critical", "fatal":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "warn", "warning":
		return SeverityMedium
	case "low", "info", "debug", "":
		return SeverityLow
	default:
		return SeverityLow
	}
}

// SeverityFromRisk converts an enhancement risk level to an incident severity.
// This is the single authoritative bucketing function: correlation signatures
// and incident severities both derive from it.
func SeverityFromRisk(r RiskLevel) Severity {
	switch r {
	case RiskCritical:
		return SeverityCritical
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RiskFromScore grades a combined anomaly score on the risk ladder.
func RiskFromScore(score float64) RiskLevel {
	switch {
	case score > 0.8:
		return RiskCritical
	case score > 0.6:
		return RiskHigh
	case score > 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}
