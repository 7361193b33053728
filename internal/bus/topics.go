package bus

// Pipeline topics. Subject names are static; every payload is UTF-8 JSON.
const (
	TopicLogsAnomalous        = "logs.anomalous"
	TopicAnomalyDetected      = "anomaly.detected"
	TopicAnomalyEnriched      = "anomaly.detected.enriched"
	TopicAnomalyEnrichedFinal = "anomaly.detected.enriched.final"
	TopicIncidentsCreated     = "incidents.created"
	TopicApprovalRequest      = "remediation.approval.request"
)

// AllTopics lists every subject bound to the pipeline stream.
var AllTopics = []string{
	TopicLogsAnomalous,
	TopicAnomalyDetected,
	TopicAnomalyEnriched,
	TopicAnomalyEnrichedFinal,
	TopicIncidentsCreated,
	TopicApprovalRequest,
}
