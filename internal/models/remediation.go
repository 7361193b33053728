package models

import "time"

// RemediationAction describes one entry in the action catalog.
type RemediationAction struct {
	ActionID         string                 `json:"action_id"`
	ActionType       string                 `json:"action_type"`
	Description      string                 `json:"description,omitempty"`
	RiskLevel        RiskLevel              `json:"risk_level"`
	RequiresApproval bool                   `json:"requires_approval"`
	SupportsDryRun   bool                   `json:"supports_dry_run"`
	SupportsRollback bool                   `json:"supports_rollback"`
	MaxExecutionTime time.Duration          `json:"max_execution_time"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
}

// ApprovalStatus is the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest gates high-risk actions on a human decision. Requests not
// acted on before ExpiryTime are swept to expired and can no longer be
// approved.
type ApprovalRequest struct {
	RequestID         string            `json:"request_id"`
	Action            RemediationAction `json:"action"`
	TriggerIncidentID string            `json:"trigger_incident_id,omitempty"`
	Status            ApprovalStatus    `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiryTime        time.Time         `json:"expiry_time"`
	Approver          string            `json:"approver,omitempty"`
	Reason            string            `json:"reason,omitempty"`
}

// ExecutionStatus is the lifecycle of a remediation execution.
type ExecutionStatus string

const (
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionDryRun     ExecutionStatus = "dry_run"
	ExecutionExecuting  ExecutionStatus = "executing"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// RemediationExecution records one run of an action. Executions are mutated
// only by the remediation engine; Logs are append-only.
type RemediationExecution struct {
	ExecutionID   string                 `json:"execution_id"`
	ActionID      string                 `json:"action_id"`
	ActionType    string                 `json:"action_type"`
	Status        ExecutionStatus        `json:"status"`
	DryRun        bool                   `json:"dry_run"`
	Results       map[string]interface{} `json:"results,omitempty"`
	Logs          []string               `json:"logs,omitempty"`
	RollbackData  map[string]interface{} `json:"rollback_data,omitempty"`
	RollbackOf    string                 `json:"rollback_of,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   time.Time              `json:"completed_at,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// AppendLog adds a timestamped line to the execution log.
func (e *RemediationExecution) AppendLog(line string) {
	e.Logs = append(e.Logs, time.Now().UTC().Format(time.RFC3339)+" "+line)
}

// PolicyDecision is the outcome of policy evaluation. Denials are decisions,
// not errors.
type PolicyDecision struct {
	Allowed          bool                   `json:"allowed"`
	RequiresApproval bool                   `json:"requires_approval"`
	Reason           string                 `json:"reason"`
	Policy           string                 `json:"policy,omitempty"`
	Constraints      map[string]interface{} `json:"constraints,omitempty"`
}
