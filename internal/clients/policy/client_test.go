package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/pkg/logger"
)

func TestBuiltinEvaluateUnknownAction(t *testing.T) {
	d := builtinEvaluate(EvaluationInput{ActionType: "warp_drive", RiskLevel: models.RiskLow})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "unknown action type")
	assert.Equal(t, "builtin", d.Policy)
}

func TestBuiltinEvaluateRiskDenied(t *testing.T) {
	// satellite_failover only admits high and critical risk requests.
	d := builtinEvaluate(EvaluationInput{ActionType: "satellite_failover", RiskLevel: models.RiskLow})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "risk level")

	// power_adjustment tops out at high.
	d = builtinEvaluate(EvaluationInput{ActionType: "power_adjustment", RiskLevel: models.RiskCritical})
	assert.False(t, d.Allowed)
}

func TestBuiltinEvaluateApprovalRequired(t *testing.T) {
	d := builtinEvaluate(EvaluationInput{ActionType: "satellite_failover", RiskLevel: models.RiskHigh})
	assert.True(t, d.Allowed)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, 2, d.Constraints["max_per_hour"])
}

func TestBuiltinEvaluateAutonomousAction(t *testing.T) {
	d := builtinEvaluate(EvaluationInput{ActionType: "qos_shaping", RiskLevel: models.RiskMedium})
	assert.True(t, d.Allowed)
	assert.False(t, d.RequiresApproval)
	assert.Equal(t, 10, d.Constraints["max_per_hour"])
}

func TestEvaluateWithoutEndpointUsesBuiltin(t *testing.T) {
	c := NewClient(config.PolicyConfig{}, logger.New("error"))
	d := c.Evaluate(context.Background(), EvaluationInput{ActionType: "qos_shaping", RiskLevel: models.RiskMedium})
	assert.True(t, d.Allowed)
	assert.Equal(t, "builtin", d.Policy)
}

func TestEvaluateRemoteDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/data/pelorus/remediation/allow", r.URL.Path)

		var req opaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qos_shaping", req.Input.ActionType)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"allowed":false,"reason":"maintenance window active"}}`))
	}))
	defer srv.Close()

	c := NewClient(config.PolicyConfig{
		Endpoint:  srv.URL,
		Namespace: "pelorus/remediation",
		TimeoutMS: 1000,
	}, logger.New("error"))

	d := c.Evaluate(context.Background(), EvaluationInput{ActionType: "qos_shaping", RiskLevel: models.RiskMedium})
	assert.False(t, d.Allowed)
	assert.Equal(t, "maintenance window active", d.Reason)
	assert.Equal(t, "pelorus/remediation", d.Policy)
}

func TestEvaluateRemoteUndefinedFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// OPA returns an empty object when the document is undefined.
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(config.PolicyConfig{
		Endpoint:  srv.URL,
		Namespace: "pelorus/remediation",
		TimeoutMS: 1000,
	}, logger.New("error"))

	d := c.Evaluate(context.Background(), EvaluationInput{ActionType: "qos_shaping", RiskLevel: models.RiskMedium})
	assert.True(t, d.Allowed)
	assert.Equal(t, "builtin", d.Policy)
}

func TestEvaluateRemoteErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(config.PolicyConfig{
		Endpoint:  srv.URL,
		Namespace: "pelorus/remediation",
		TimeoutMS: 1000,
	}, logger.New("error"))

	d := c.Evaluate(context.Background(), EvaluationInput{ActionType: "satellite_failover", RiskLevel: models.RiskHigh})
	assert.True(t, d.Allowed)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, "builtin", d.Policy)
}
