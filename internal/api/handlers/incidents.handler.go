package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/maristack/pelorus/internal/clients/incidentstore"
	"github.com/maristack/pelorus/internal/incident"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/pkg/logger"
)

// IncidentsHandler serves the incident read/update API.
type IncidentsHandler struct {
	repo   *incidentstore.Repository
	writer *incident.Writer
	search *incident.Search
	logger logger.Logger
}

func NewIncidentsHandler(repo *incidentstore.Repository, writer *incident.Writer, search *incident.Search, log logger.Logger) *IncidentsHandler {
	return &IncidentsHandler{repo: repo, writer: writer, search: search, logger: log}
}

// List handles GET /incidents?limit&status&ship_id.
func (h *IncidentsHandler) List(c *gin.Context) {
	filter := models.IncidentFilter{
		Status: models.IncidentStatus(c.Query("status")),
		ShipID: c.Query("ship_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	incidents, err := h.repo.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list incidents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "incident store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

// Get handles GET /incidents/{id}.
func (h *IncidentsHandler) Get(c *gin.Context) {
	inc, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, incidentstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to fetch incident", "incident_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "incident store unavailable"})
		return
	}
	c.JSON(http.StatusOK, inc)
}

// Update handles PUT /incidents/{id}.
func (h *IncidentsHandler) Update(c *gin.Context) {
	var update models.IncidentUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update payload"})
		return
	}
	if update.Status != nil && !validStatus(*update.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	inc, err := h.writer.Update(c.Request.Context(), c.Param("id"), update)
	if errors.Is(err, incidentstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to update incident", "incident_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "incident store unavailable"})
		return
	}
	c.JSON(http.StatusOK, inc)
}

// Summary handles GET /summary.
func (h *IncidentsHandler) Summary(c *gin.Context) {
	summary, err := h.repo.Summary(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to summarize incidents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "incident store unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Search handles GET /incidents/search?q=&limit=.
func (h *IncidentsHandler) Search(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))

	ids, err := h.search.Query(q, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	incidents := make([]models.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := h.repo.Get(c.Request.Context(), id)
		if err != nil {
			continue
		}
		incidents = append(incidents, *inc)
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

// SeedTest handles POST /incidents/test: inserts a synthetic incident so
// operators can verify the end-to-end read path.
func (h *IncidentsHandler) SeedTest(c *gin.Context) {
	now := time.Now().UTC()
	correlationID := uuid.NewString()
	inc := &models.Incident{
		SchemaVersion:    models.SchemaVersion,
		IncidentID:       "INC-" + correlationID,
		CorrelationID:    correlationID,
		TrackingID:       uuid.NewString(),
		IncidentType:     string(models.AnomalyTypeStatistical),
		IncidentSeverity: models.SeverityLow,
		ShipID:           "test-ship",
		Service:          "test-service",
		MetricName:       "cpu_usage",
		MetricValue:      91.5,
		AnomalyScore:     0.8,
		Detector:         "zscore",
		Status:           models.IncidentOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
		Metadata:         map[string]interface{}{"seeded": true},
	}
	inc.AppendTimeline(models.TimelineEntry{
		Timestamp:   now,
		Event:       "incident_created",
		Description: "seeded test incident",
		Source:      "api",
	})

	if _, err := h.repo.Insert(c.Request.Context(), inc); err != nil {
		h.logger.Error("Failed to seed test incident", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "incident store unavailable"})
		return
	}
	if err := h.search.Index(inc); err != nil {
		h.logger.Warn("Failed to index test incident", "error", err)
	}
	c.JSON(http.StatusCreated, inc)
}

func validStatus(s models.IncidentStatus) bool {
	switch s {
	case models.IncidentOpen, models.IncidentAcknowledged, models.IncidentInvestigating,
		models.IncidentResolved, models.IncidentClosed:
		return true
	}
	return false
}
