package remediate

import (
	"time"

	"github.com/maristack/pelorus/internal/models"
)

// catalog is the fixed set of remediation actions the engine can run.
// ActionID doubles as the API identifier.
var catalog = []models.RemediationAction{
	{
		ActionID:         "satellite_failover",
		ActionType:       "satellite_failover",
		Description:      "Fail the primary satellite link over to the secondary carrier",
		RiskLevel:        models.RiskHigh,
		RequiresApproval: true,
		SupportsDryRun:   true,
		SupportsRollback: true,
		MaxExecutionTime: 60 * time.Second,
	},
	{
		ActionID:         "qos_shaping",
		ActionType:       "qos_shaping",
		Description:      "Apply QoS traffic shaping to deprioritize bulk transfers",
		RiskLevel:        models.RiskMedium,
		RequiresApproval: false,
		SupportsDryRun:   true,
		SupportsRollback: true,
		MaxExecutionTime: 30 * time.Second,
	},
	{
		ActionID:         "bandwidth_reduction",
		ActionType:       "bandwidth_reduction",
		Description:      "Reduce allocated bandwidth to stabilize a degraded link",
		RiskLevel:        models.RiskMedium,
		RequiresApproval: false,
		SupportsDryRun:   true,
		SupportsRollback: true,
		MaxExecutionTime: 30 * time.Second,
		Parameters:       map[string]interface{}{"max_reduction_percent": 50},
	},
	{
		ActionID:         "antenna_realignment",
		ActionType:       "antenna_realignment",
		Description:      "Re-run the antenna pointing routine against the current satellite",
		RiskLevel:        models.RiskHigh,
		RequiresApproval: true,
		SupportsDryRun:   true,
		SupportsRollback: true,
		MaxExecutionTime: 120 * time.Second,
	},
	{
		ActionID:         "power_adjustment",
		ActionType:       "power_adjustment",
		Description:      "Adjust transmit power within the licensed envelope",
		RiskLevel:        models.RiskMedium,
		RequiresApproval: false,
		SupportsDryRun:   true,
		SupportsRollback: true,
		MaxExecutionTime: 30 * time.Second,
	},
	{
		ActionID:         "error_correction_increase",
		ActionType:       "error_correction_increase",
		Description:      "Increase FEC overhead to trade throughput for link stability",
		RiskLevel:        models.RiskLow,
		RequiresApproval: false,
		SupportsDryRun:   true,
		SupportsRollback: true,
		MaxExecutionTime: 15 * time.Second,
	},
	{
		ActionID:         "config_rollback",
		ActionType:       "config_rollback",
		Description:      "Revert the modem configuration to the last known-good snapshot",
		RiskLevel:        models.RiskHigh,
		RequiresApproval: true,
		SupportsDryRun:   true,
		SupportsRollback: false,
		MaxExecutionTime: 60 * time.Second,
	},
}

// actionByID returns the catalog entry, or nil for unknown IDs.
func actionByID(id string) *models.RemediationAction {
	for i := range catalog {
		if catalog[i].ActionID == id {
			a := catalog[i]
			return &a
		}
	}
	return nil
}

// Catalog returns a copy of the action catalog.
func Catalog() []models.RemediationAction {
	out := make([]models.RemediationAction, len(catalog))
	copy(out, catalog)
	return out
}
