// Package policy evaluates remediation actions against the fleet policy
// engine, falling back to built-in rules when the engine is unreachable.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// Client evaluates action requests against an OPA-compatible endpoint.
// Evaluate never fails: when the engine is down or returns garbage, the
// built-in rule table decides instead and the decision says so.
type Client struct {
	endpoint  string
	namespace string
	client    *http.Client
	logger    logger.Logger
}

func NewClient(cfg config.PolicyConfig, log logger.Logger) *Client {
	return &Client{
		endpoint:  cfg.Endpoint,
		namespace: cfg.Namespace,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		logger: log,
	}
}

// EvaluationInput is the document sent to the policy engine.
type EvaluationInput struct {
	ActionType string                 `json:"action_type"`
	RiskLevel  models.RiskLevel       `json:"risk_level"`
	ShipID     string                 `json:"ship_id,omitempty"`
	IncidentID string                 `json:"incident_id,omitempty"`
	DryRun     bool                   `json:"dry_run"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type opaRequest struct {
	Input EvaluationInput `json:"input"`
}

type opaResponse struct {
	Result *struct {
		Allowed          bool                   `json:"allowed"`
		RequiresApproval bool                   `json:"requires_approval"`
		Reason           string                 `json:"reason"`
		Constraints      map[string]interface{} `json:"constraints"`
	} `json:"result"`
}

// Evaluate returns the policy decision for an action request.
func (c *Client) Evaluate(ctx context.Context, input EvaluationInput) models.PolicyDecision {
	if c.endpoint != "" {
		decision, err := c.remoteEvaluate(ctx, input)
		if err == nil {
			return decision
		}
		c.logger.Warn("Policy engine unavailable, using built-in rules",
			"action_type", input.ActionType, "error", err)
	}
	return builtinEvaluate(input)
}

func (c *Client) remoteEvaluate(ctx context.Context, input EvaluationInput) (models.PolicyDecision, error) {
	start := time.Now()

	body, err := json.Marshal(opaRequest{Input: input})
	if err != nil {
		return models.PolicyDecision{}, err
	}

	u := fmt.Sprintf("%s/v1/data/%s/allow", c.endpoint, c.namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return models.PolicyDecision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	monitoring.RecordExternalCall("policy_engine", time.Since(start), err == nil)
	if err != nil {
		return models.PolicyDecision{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.PolicyDecision{}, fmt.Errorf("policy engine returned status %d", resp.StatusCode)
	}

	var or opaResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return models.PolicyDecision{}, fmt.Errorf("failed to parse policy response: %w", err)
	}
	if or.Result == nil {
		// Undefined document: the namespace has no rule for this input.
		return models.PolicyDecision{}, fmt.Errorf("policy namespace %s undefined", c.namespace)
	}

	return models.PolicyDecision{
		Allowed:          or.Result.Allowed,
		RequiresApproval: or.Result.RequiresApproval,
		Reason:           or.Result.Reason,
		Policy:           c.namespace,
		Constraints:      or.Result.Constraints,
	}, nil
}

// builtinRule is one entry in the fallback rule table.
type builtinRule struct {
	requiresApproval bool
	maxPerHour       int
	allowedRisk      []models.RiskLevel
}

// builtinRules mirror the deployed policy bundle so behavior stays consistent
// when the engine is unreachable.
var builtinRules = map[string]builtinRule{
	"satellite_failover": {
		requiresApproval: true,
		maxPerHour:       2,
		allowedRisk:      []models.RiskLevel{models.RiskHigh, models.RiskCritical},
	},
	"qos_shaping": {
		requiresApproval: false,
		maxPerHour:       10,
		allowedRisk:      []models.RiskLevel{models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical},
	},
	"bandwidth_reduction": {
		requiresApproval: false,
		maxPerHour:       6,
		allowedRisk:      []models.RiskLevel{models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical},
	},
	"antenna_realignment": {
		requiresApproval: true,
		maxPerHour:       2,
		allowedRisk:      []models.RiskLevel{models.RiskMedium, models.RiskHigh, models.RiskCritical},
	},
	"power_adjustment": {
		requiresApproval: false,
		maxPerHour:       4,
		allowedRisk:      []models.RiskLevel{models.RiskLow, models.RiskMedium, models.RiskHigh},
	},
	"error_correction_increase": {
		requiresApproval: false,
		maxPerHour:       8,
		allowedRisk:      []models.RiskLevel{models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical},
	},
	"config_rollback": {
		requiresApproval: true,
		maxPerHour:       3,
		allowedRisk:      []models.RiskLevel{models.RiskMedium, models.RiskHigh, models.RiskCritical},
	},
}

func builtinEvaluate(input EvaluationInput) models.PolicyDecision {
	rule, ok := builtinRules[input.ActionType]
	if !ok {
		monitoring.RecordRemediationDecision(input.ActionType, "denied")
		return models.PolicyDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("unknown action type %q", input.ActionType),
			Policy:  "builtin",
		}
	}

	riskOK := false
	for _, r := range rule.allowedRisk {
		if r == input.RiskLevel {
			riskOK = true
			break
		}
	}
	if !riskOK {
		monitoring.RecordRemediationDecision(input.ActionType, "denied")
		return models.PolicyDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("risk level %s not permitted for %s", input.RiskLevel, input.ActionType),
			Policy:  "builtin",
		}
	}

	decision := "allowed"
	if rule.requiresApproval {
		decision = "approval_required"
	}
	monitoring.RecordRemediationDecision(input.ActionType, decision)

	return models.PolicyDecision{
		Allowed:          true,
		RequiresApproval: rule.requiresApproval,
		Reason:           "builtin rule matched",
		Policy:           "builtin",
		Constraints: map[string]interface{}{
			"max_per_hour": rule.maxPerHour,
		},
	}
}

// HealthCheck probes the policy engine.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.endpoint == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("policy engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
