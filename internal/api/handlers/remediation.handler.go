package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/maristack/pelorus/internal/remediate"
	"github.com/maristack/pelorus/pkg/logger"
)

// RemediationHandler serves the remediation control API.
type RemediationHandler struct {
	engine *remediate.Engine
	logger logger.Logger
}

func NewRemediationHandler(engine *remediate.Engine, log logger.Logger) *RemediationHandler {
	return &RemediationHandler{engine: engine, logger: log}
}

// Actions handles GET /actions.
func (h *RemediationHandler) Actions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": remediate.Catalog()})
}

// Execute handles POST /execute/{action_id}?dry_run=bool.
func (h *RemediationHandler) Execute(c *gin.Context) {
	var dryRun *bool
	if raw := c.Query("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dry_run"})
			return
		}
		dryRun = &v
	}

	decision, exec, err := h.engine.ExecuteByID(c.Request.Context(), c.Param("action_id"), dryRun)
	switch {
	case errors.Is(err, remediate.ErrUnknownAction):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action"})
		return
	case errors.Is(err, remediate.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"decision": decision})
		return
	case err != nil:
		h.logger.Error("Remediation execute failed", "action_id", c.Param("action_id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "execution failed"})
		return
	}

	// A nil execution with an allowed decision means the action went to the
	// approval queue instead.
	status := http.StatusOK
	if exec == nil && decision.Allowed && decision.RequiresApproval {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"decision": decision, "execution": exec})
}

// Execution handles GET /executions/{id}.
func (h *RemediationHandler) Execution(c *gin.Context) {
	exec, err := h.engine.Executions(c.Param("id"))
	if errors.Is(err, remediate.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Rollback handles POST /rollback/{id}.
func (h *RemediationHandler) Rollback(c *gin.Context) {
	exec, err := h.engine.Rollback(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, remediate.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Approvals handles GET /approvals.
func (h *RemediationHandler) Approvals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": h.engine.Approvals()})
}

type approvalDecision struct {
	Approver string `json:"approver"`
	Approve  *bool  `json:"approve"`
	Reason   string `json:"reason,omitempty"`
}

// Approve handles POST /approve/{request_id}.
func (h *RemediationHandler) Approve(c *gin.Context) {
	var body approvalDecision
	if err := c.ShouldBindJSON(&body); err != nil || body.Approver == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "approver is required"})
		return
	}
	approve := true
	if body.Approve != nil {
		approve = *body.Approve
	}

	req, exec, err := h.engine.Approve(c.Request.Context(), c.Param("request_id"), body.Approver, approve)
	switch {
	case errors.Is(err, remediate.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "approval request not found"})
		return
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "approval": req})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": req, "execution": exec})
}
