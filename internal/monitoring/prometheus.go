// Package monitoring provides Prometheus metrics for the pelorus core.
//
// Setup in main:
//
//	router := gin.New()
//	monitoring.SetupPrometheusMetrics(router)
//	router.Use(monitoring.HTTPMetricsMiddleware())
//
// Pipeline components record through the helpers:
//
//	monitoring.RecordBusMessage("anomaly.detected", "publish", "success")
//	monitoring.RecordEventDropped("detector", "normal_operational")
//	monitoring.RecordAnomalyDetected("zscore", "system")
//	monitoring.RecordDBOperation("insert", "incidents", time.Since(start), true)
//	monitoring.RecordExternalCall("device_registry", time.Since(start), true)
//	monitoring.RecordRemediationDecision("qos_shaping", "allowed")
//	monitoring.RecordRemediationExecution("qos_shaping", "completed")
package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pelorus_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Bus gateway metrics
	busMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_bus_messages_total",
			Help: "Total number of bus messages by topic and direction",
		},
		[]string{"topic", "direction", "status"}, // direction: publish, consume
	)

	// Pipeline event metrics
	eventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_events_processed_total",
			Help: "Total number of pipeline events processed per component",
		},
		[]string{"component", "status"},
	)

	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_events_dropped_total",
			Help: "Total number of events dropped, by component and reason",
		},
		[]string{"component", "reason"}, // reason: parse, schema, duplicate, filtered, normal_operational
	)

	anomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_anomalies_detected_total",
			Help: "Total number of anomalies emitted by detector and domain",
		},
		[]string{"detector", "domain"},
	)

	incidentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_incidents_created_total",
			Help: "Total number of incidents created by severity",
		},
		[]string{"severity"},
	)

	correlationGroupsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pelorus_correlation_groups_active",
			Help: "Number of in-flight correlation groups",
		},
	)

	// Incident store metrics
	dbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_db_operations_total",
			Help: "Total number of incident store operations",
		},
		[]string{"operation", "table", "status"},
	)

	dbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pelorus_db_operation_duration_seconds",
			Help:    "Incident store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "table"},
	)

	// Cache metrics
	cacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"operation", "result"}, // result: hit, miss, error, conflict, success
	)

	// External dependency calls (registry, metrics store, weather, policy, enhancement)
	externalCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_external_calls_total",
			Help: "Total number of calls to external dependencies",
		},
		[]string{"service", "status"},
	)

	externalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pelorus_external_call_duration_seconds",
			Help:    "External dependency call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service"},
	)

	// Remediation metrics
	remediationDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_remediation_decisions_total",
			Help: "Total number of remediation policy decisions",
		},
		[]string{"action_type", "decision"}, // decision: allowed, denied, approval_required, rate_limited
	)

	remediationExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_remediation_executions_total",
			Help: "Total number of remediation executions by final status",
		},
		[]string{"action_type", "status"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelorus_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "component"}, // type: transport, parse, schema, deadline, internal
	)
)

// SetupPrometheusMetrics registers the pelorus collectors and exposes /metrics.
func SetupPrometheusMetrics(router gin.IRoutes) {
	_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pelorus_build_info",
		Help: "Build information for pelorus",
		ConstLabels: prometheus.Labels{
			"version":   "v1.4.0",
			"component": "pelorus-core",
		},
	}, func() float64 { return 1 }))

	_ = prometheus.Register(httpRequestsTotal)
	_ = prometheus.Register(httpRequestDuration)
	_ = prometheus.Register(busMessagesTotal)
	_ = prometheus.Register(eventsProcessedTotal)
	_ = prometheus.Register(eventsDroppedTotal)
	_ = prometheus.Register(anomaliesDetectedTotal)
	_ = prometheus.Register(incidentsCreatedTotal)
	_ = prometheus.Register(correlationGroupsActive)
	_ = prometheus.Register(dbOperationsTotal)
	_ = prometheus.Register(dbOperationDuration)
	_ = prometheus.Register(cacheOperationsTotal)
	_ = prometheus.Register(externalCallsTotal)
	_ = prometheus.Register(externalCallDuration)
	_ = prometheus.Register(remediationDecisionsTotal)
	_ = prometheus.Register(remediationExecutionsTotal)
	_ = prometheus.Register(errorsTotal)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HTTPMetricsMiddleware collects HTTP request metrics.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		endpoint := normalizeEndpoint(c.Request.URL.Path)

		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorsTotal.WithLabelValues("http", endpoint).Inc()
		}
	}
}

// RecordBusMessage records a bus publish or consume.
func RecordBusMessage(topic, direction, status string) {
	busMessagesTotal.WithLabelValues(topic, direction, status).Inc()
	if status == "error" {
		errorsTotal.WithLabelValues("transport", "bus").Inc()
	}
}

// RecordEventProcessed records a handled pipeline event.
func RecordEventProcessed(component, status string) {
	eventsProcessedTotal.WithLabelValues(component, status).Inc()
}

// RecordEventDropped records a dropped message with its drop reason.
func RecordEventDropped(component, reason string) {
	eventsDroppedTotal.WithLabelValues(component, reason).Inc()
	if reason == "parse" || reason == "schema" {
		errorsTotal.WithLabelValues(reason, component).Inc()
	}
}

// RecordAnomalyDetected records an emitted anomaly event.
func RecordAnomalyDetected(detector, domain string) {
	anomaliesDetectedTotal.WithLabelValues(detector, domain).Inc()
}

// RecordIncidentCreated records a synthesized incident.
func RecordIncidentCreated(severity string) {
	incidentsCreatedTotal.WithLabelValues(severity).Inc()
}

// SetActiveCorrelationGroups sets the in-flight correlation group gauge.
func SetActiveCorrelationGroups(n int) {
	correlationGroupsActive.Set(float64(n))
}

// RecordDBOperation records incident store operation metrics.
func RecordDBOperation(operation, table string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
		errorsTotal.WithLabelValues("db", table).Inc()
	}

	dbOperationsTotal.WithLabelValues(operation, table, status).Inc()
	dbOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordCacheOperation records cache operation metrics.
func RecordCacheOperation(operation, result string) {
	cacheOperationsTotal.WithLabelValues(operation, result).Inc()
	if result == "error" {
		errorsTotal.WithLabelValues("cache", operation).Inc()
	}
}

// RecordExternalCall records a call to an external dependency.
func RecordExternalCall(service string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
		errorsTotal.WithLabelValues("transport", service).Inc()
	}

	externalCallsTotal.WithLabelValues(service, status).Inc()
	externalCallDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordRemediationDecision records a policy decision outcome.
func RecordRemediationDecision(actionType, decision string) {
	remediationDecisionsTotal.WithLabelValues(actionType, decision).Inc()
}

// RecordRemediationExecution records the final status of an execution.
func RecordRemediationExecution(actionType, status string) {
	remediationExecutionsTotal.WithLabelValues(actionType, status).Inc()
}

// RecordInternalError records an unclassified component error.
func RecordInternalError(component string) {
	errorsTotal.WithLabelValues("internal", component).Inc()
}

// normalizeEndpoint collapses variable path segments so metric cardinality
// stays bounded (/api/v1/incidents/123 -> /api/v1/incidents/:id).
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if i == 0 || part == "" {
			continue
		}
		if isNumeric(part) || looksLikeID(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// looksLikeID matches UUIDs and INC-/EXEC-prefixed identifiers used in paths.
func looksLikeID(s string) bool {
	if len(s) == 36 && strings.Count(s, "-") == 4 {
		return true
	}
	return strings.HasPrefix(s, "INC-") || strings.HasPrefix(s, "EXEC-") || strings.HasPrefix(s, "APR-")
}
