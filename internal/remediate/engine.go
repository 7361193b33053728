// Package remediate runs the guarded remediation engine: action selection,
// policy evaluation, approval workflow and rate-limited execution.
package remediate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maristack/pelorus/internal/bus"
	"github.com/maristack/pelorus/internal/clients/policy"
	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

var (
	// ErrUnknownAction means the action ID is not in the catalog.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNotFound means no execution or approval matches the ID.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited means the per-action-type attempt budget is spent.
	ErrRateLimited = errors.New("rate limited")
)

// defaultRatePerHour caps attempts for action types whose policy decision
// carries no max_per_hour constraint.
const defaultRatePerHour = 10

// Engine owns the remediation decision pipeline. Approvals, executions and
// the attempt log live in-process; durability comes from incident redelivery.
type Engine struct {
	gateway bus.Bus
	policy  *policy.Client
	logger  logger.Logger

	approvalTTL     time.Duration
	rateLimitWindow time.Duration
	sweepInterval   time.Duration
	dryRunDefault   bool

	mu         sync.Mutex
	approvals  map[string]*models.ApprovalRequest
	executions map[string]*models.RemediationExecution
	attempts   map[string][]time.Time

	now func() time.Time
}

func NewEngine(cfg *config.Config, gateway bus.Bus, pol *policy.Client, log logger.Logger) *Engine {
	return &Engine{
		gateway:         gateway,
		policy:          pol,
		logger:          log,
		approvalTTL:     cfg.ApprovalTTL(),
		rateLimitWindow: cfg.RateLimitWindow(),
		sweepInterval:   time.Duration(cfg.Remediation.SweepIntervalSeconds) * time.Second,
		dryRunDefault:   cfg.Remediation.DryRunDefault,
		approvals:       make(map[string]*models.ApprovalRequest),
		executions:      make(map[string]*models.RemediationExecution),
		attempts:        make(map[string][]time.Time),
		now:             time.Now,
	}
}

// Run subscribes to incidents and runs the approval expiry sweeper until
// ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.gateway.Subscribe(ctx, bus.TopicIncidentsCreated, "remediation", e.handleIncident)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	sweep := time.NewTicker(e.sweepInterval)
	defer sweep.Stop()

	e.logger.Info("Remediation engine started",
		"approval_ttl", e.approvalTTL, "dry_run_default", e.dryRunDefault)
	for {
		select {
		case <-sweep.C:
			e.sweepExpired()
		case <-ctx.Done():
			e.logger.Info("Remediation engine stopping")
			return nil
		}
	}
}

// handleIncident runs the decision pipeline for one committed incident.
// Decision failures are decisions, not errors: the message always acks.
func (e *Engine) handleIncident(ctx context.Context, data []byte) error {
	var inc models.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if inc.IncidentID == "" {
		return fmt.Errorf("%w: missing incident_id", bus.ErrDrop)
	}

	if e.gateway.Seen(ctx, bus.TopicIncidentsCreated+".remediation", inc.IncidentID) {
		return nil
	}

	action := selectAction(&inc)
	if action == nil {
		return nil
	}

	_, _, err := e.Decide(ctx, action, &inc, e.dryRunDefault)
	if err != nil && !errors.Is(err, ErrRateLimited) {
		e.logger.Error("Remediation pipeline failed",
			"incident_id", inc.IncidentID, "action", action.ActionType, "error", err)
	}
	return nil
}

// selectAction picks a remediation for the incident. Nil means no action
// applies.
func selectAction(inc *models.Incident) *models.RemediationAction {
	metric := strings.ToLower(inc.MetricName)

	if inc.IncidentSeverity == models.SeverityCritical &&
		(strings.Contains(metric, "snr") || strings.Contains(metric, "satellite")) {
		return actionByID("satellite_failover")
	}
	if status, _ := inc.Metadata["operational_status"].(string); status == string(models.StatusWeatherImpacted) {
		return actionByID("bandwidth_reduction")
	}
	if inc.IncidentSeverity == models.SeverityLow {
		return nil
	}
	return actionByID("qos_shaping")
}

// Decide evaluates policy for the action and either executes, raises an
// approval request, or does nothing. The returned decision explains denials.
func (e *Engine) Decide(ctx context.Context, action *models.RemediationAction, inc *models.Incident, dryRun bool) (models.PolicyDecision, *models.RemediationExecution, error) {
	input := policy.EvaluationInput{
		ActionType: action.ActionType,
		RiskLevel:  action.RiskLevel,
		DryRun:     dryRun,
		Parameters: action.Parameters,
	}
	if inc != nil {
		input.ShipID = inc.ShipID
		input.IncidentID = inc.IncidentID
	}

	decision := e.policy.Evaluate(ctx, input)
	if !decision.Allowed {
		e.logger.Info("Remediation denied by policy",
			"action", action.ActionType, "reason", decision.Reason)
		monitoring.RecordRemediationDecision(action.ActionType, "denied")
		return decision, nil, nil
	}

	if !e.admitAttempt(action.ActionType, decision) {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("rate limit reached for %s", action.ActionType)
		monitoring.RecordRemediationDecision(action.ActionType, "rate_limited")
		return decision, nil, ErrRateLimited
	}

	if decision.RequiresApproval || action.RequiresApproval {
		req, err := e.raiseApproval(ctx, action, inc)
		if err != nil {
			return decision, nil, err
		}
		e.logger.Info("Approval requested",
			"request_id", req.RequestID, "action", action.ActionType, "expires", req.ExpiryTime)
		return decision, nil, nil
	}

	exec := e.Execute(ctx, action, dryRun)
	return decision, exec, nil
}

// admitAttempt records one attempt against the action type's sliding window
// and reports whether it fits the budget. Attempts count regardless of the
// eventual execution state.
func (e *Engine) admitAttempt(actionType string, decision models.PolicyDecision) bool {
	limit := defaultRatePerHour
	if v, ok := decision.Constraints["max_per_hour"]; ok {
		switch n := v.(type) {
		case int:
			limit = n
		case float64:
			limit = int(n)
		}
	}

	now := e.now()
	cutoff := now.Add(-e.rateLimitWindow)

	e.mu.Lock()
	defer e.mu.Unlock()

	recent := e.attempts[actionType][:0]
	for _, t := range e.attempts[actionType] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= limit {
		e.attempts[actionType] = recent
		return false
	}
	e.attempts[actionType] = append(recent, now)
	return true
}

// raiseApproval stores a pending request and publishes it for operators.
func (e *Engine) raiseApproval(ctx context.Context, action *models.RemediationAction, inc *models.Incident) (*models.ApprovalRequest, error) {
	now := e.now().UTC()
	req := &models.ApprovalRequest{
		RequestID:  "APR-" + uuid.NewString(),
		Action:     *action,
		Status:     models.ApprovalPending,
		CreatedAt:  now,
		ExpiryTime: now.Add(e.approvalTTL),
	}
	if inc != nil {
		req.TriggerIncidentID = inc.IncidentID
	}

	e.mu.Lock()
	e.approvals[req.RequestID] = req
	e.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := e.gateway.Publish(ctx, bus.TopicApprovalRequest, data); err != nil {
		return nil, err
	}
	monitoring.RecordRemediationDecision(action.ActionType, "approval_required")
	return req, nil
}

// Execute runs the action under its hard deadline and records the execution.
func (e *Engine) Execute(ctx context.Context, action *models.RemediationAction, dryRun bool) *models.RemediationExecution {
	exec := &models.RemediationExecution{
		ExecutionID: "EXEC-" + uuid.NewString(),
		ActionID:    action.ActionID,
		ActionType:  action.ActionType,
		Status:      models.ExecutionQueued,
		DryRun:      dryRun,
		StartedAt:   e.now().UTC(),
	}

	e.mu.Lock()
	e.executions[exec.ExecutionID] = exec
	e.mu.Unlock()

	e.run(ctx, action, exec, dryRun)
	return exec
}

func (e *Engine) run(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) {
	fn, ok := executors[action.ActionType]
	if !ok {
		e.finish(exec, models.ExecutionFailed, nil, nil, "no executor for action type")
		return
	}

	if dryRun {
		e.setStatus(exec, models.ExecutionDryRun)
	} else {
		e.setStatus(exec, models.ExecutionExecuting)
	}

	runCtx, cancel := context.WithTimeout(ctx, action.MaxExecutionTime)
	defer cancel()

	type outcome struct {
		res *executorResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		res, err := fn(runCtx, action, exec, dryRun)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			e.finish(exec, models.ExecutionFailed, nil, nil, out.err.Error())
			return
		}
		var rollback map[string]interface{}
		if !dryRun && action.SupportsRollback {
			rollback = out.res.RollbackData
		}
		e.finish(exec, models.ExecutionCompleted, out.res.Results, rollback, "")
	case <-runCtx.Done():
		e.finish(exec, models.ExecutionFailed, nil, nil,
			fmt.Sprintf("execution exceeded deadline %s", action.MaxExecutionTime))
	}
}

func (e *Engine) setStatus(exec *models.RemediationExecution, status models.ExecutionStatus) {
	e.mu.Lock()
	exec.Status = status
	e.mu.Unlock()
}

func (e *Engine) finish(exec *models.RemediationExecution, status models.ExecutionStatus, results, rollback map[string]interface{}, errMsg string) {
	now := e.now().UTC()

	e.mu.Lock()
	exec.Status = status
	exec.Results = results
	exec.RollbackData = rollback
	exec.ErrorMessage = errMsg
	exec.CompletedAt = now
	exec.ExecutionTime = now.Sub(exec.StartedAt)
	e.mu.Unlock()

	monitoring.RecordRemediationExecution(exec.ActionType, string(status))
	e.logger.Info("Remediation execution finished",
		"execution_id", exec.ExecutionID,
		"action", exec.ActionType,
		"status", status,
		"dry_run", exec.DryRun)
}

// ExecuteByID runs a catalog action by its API identifier.
func (e *Engine) ExecuteByID(ctx context.Context, actionID string, dryRun *bool) (models.PolicyDecision, *models.RemediationExecution, error) {
	action := actionByID(actionID)
	if action == nil {
		return models.PolicyDecision{}, nil, ErrUnknownAction
	}
	effective := e.dryRunDefault
	if dryRun != nil {
		effective = *dryRun
	}
	return e.Decide(ctx, action, nil, effective)
}

// Rollback reverts a completed execution. A rollback cannot itself be
// rolled back, and requires captured rollback data.
func (e *Engine) Rollback(ctx context.Context, executionID string) (*models.RemediationExecution, error) {
	e.mu.Lock()
	original, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if original.RollbackOf != "" {
		e.mu.Unlock()
		return nil, errors.New("cannot rollback a rollback")
	}
	if original.RollbackData == nil {
		e.mu.Unlock()
		return nil, errors.New("execution has no rollback data")
	}
	rollbackData := original.RollbackData
	actionType := original.ActionType
	e.mu.Unlock()

	action := actionByID(actionType)
	if action == nil {
		return nil, ErrUnknownAction
	}

	exec := &models.RemediationExecution{
		ExecutionID: "EXEC-" + uuid.NewString(),
		ActionID:    action.ActionID,
		ActionType:  action.ActionType,
		Status:      models.ExecutionExecuting,
		RollbackOf:  executionID,
		StartedAt:   e.now().UTC(),
	}
	exec.AppendLog(fmt.Sprintf("reverting execution %s", executionID))

	e.mu.Lock()
	e.executions[exec.ExecutionID] = exec
	e.mu.Unlock()

	e.finish(exec, models.ExecutionCompleted, map[string]interface{}{
		"reverted": rollbackData,
	}, nil, "")

	e.mu.Lock()
	original.Status = models.ExecutionRolledBack
	e.mu.Unlock()

	return exec, nil
}

// Approve resolves a pending request. Expired or decided requests cannot be
// approved.
func (e *Engine) Approve(ctx context.Context, requestID, approver string, approve bool) (*models.ApprovalRequest, *models.RemediationExecution, error) {
	e.mu.Lock()
	req, ok := e.approvals[requestID]
	if !ok {
		e.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	if req.Status != models.ApprovalPending {
		e.mu.Unlock()
		return req, nil, fmt.Errorf("approval is %s, not pending", req.Status)
	}
	if e.now().After(req.ExpiryTime) {
		req.Status = models.ApprovalExpired
		e.mu.Unlock()
		return req, nil, errors.New("approval request expired")
	}
	if approve {
		req.Status = models.ApprovalApproved
	} else {
		req.Status = models.ApprovalRejected
	}
	req.Approver = approver
	action := req.Action
	e.mu.Unlock()

	if !approve {
		return req, nil, nil
	}

	// Approved high-risk actions execute for real; the approval was the
	// explicit permission to skip the dry run.
	exec := e.Execute(ctx, &action, false)
	return req, exec, nil
}

// Executions returns the execution record for an ID.
func (e *Engine) Executions(executionID string) (*models.RemediationExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *exec
	return &copied, nil
}

// Approvals lists every approval request in arbitrary order.
func (e *Engine) Approvals() []models.ApprovalRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ApprovalRequest, 0, len(e.approvals))
	for _, req := range e.approvals {
		out = append(out, *req)
	}
	return out
}

// sweepExpired marks overdue pending approvals expired.
func (e *Engine) sweepExpired() {
	now := e.now()

	e.mu.Lock()
	var expired []string
	for id, req := range e.approvals {
		if req.Status == models.ApprovalPending && now.After(req.ExpiryTime) {
			req.Status = models.ApprovalExpired
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		e.logger.Info("Approval request expired", "request_id", id)
	}
}
