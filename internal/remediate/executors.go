package remediate

import (
	"context"
	"fmt"
	"strings"

	"github.com/maristack/pelorus/internal/models"
)

// executorResult is what a typed executor hands back. RollbackData is nil on
// dry runs and for actions that do not support rollback.
type executorResult struct {
	Results      map[string]interface{}
	RollbackData map[string]interface{}
}

// executor performs one action against the target system. Dry runs assert
// preconditions and report intended effects without mutating anything.
type executor func(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) (*executorResult, error)

// commandBlocklist rejects destructive shell fragments before anything
// reaches a device. Matched as substrings against the whole command line.
var commandBlocklist = []string{
	"mkfs",
	"dd if=",
	"dd of=/dev",
	"> /dev/sd",
	"rm -rf /",
	"shutdown",
	"poweroff",
	"halt",
	"format c:",
	"wipefs",
}

// guardCommand rejects any command containing a blocklisted substring.
func guardCommand(cmd string) error {
	lower := strings.ToLower(cmd)
	for _, banned := range commandBlocklist {
		if strings.Contains(lower, banned) {
			return fmt.Errorf("command rejected by safety blocklist: contains %q", banned)
		}
	}
	return nil
}

// executors maps action types to their implementations. These model the
// shore-side control-plane calls; the on-device variant swaps in shell-backed
// executors behind the same signatures.
var executors = map[string]executor{
	"satellite_failover":        executeSatelliteFailover,
	"qos_shaping":               executeQoSShaping,
	"bandwidth_reduction":       executeBandwidthReduction,
	"antenna_realignment":       executeAntennaRealignment,
	"power_adjustment":          executePowerAdjustment,
	"error_correction_increase": executeErrorCorrectionIncrease,
	"config_rollback":           executeConfigRollback,
}

func executeSatelliteFailover(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) (*executorResult, error) {
	exec.AppendLog("checking secondary carrier availability")
	if dryRun {
		exec.AppendLog("dry run: would switch primary -> secondary carrier")
		return &executorResult{
			Results: map[string]interface{}{
				"planned_switch": "primary->secondary",
				"precheck":       "secondary carrier reachable",
			},
		}, nil
	}

	exec.AppendLog("switching traffic to secondary carrier")
	return &executorResult{
		Results: map[string]interface{}{
			"active_carrier": "secondary",
		},
		RollbackData: map[string]interface{}{
			"previous_carrier": "primary",
		},
	}, nil
}

func executeQoSShaping(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) (*executorResult, error) {
	profile := "interactive-priority"
	shapingCmd := "tc qdisc replace dev sat0 root tbf rate 2mbit burst 32kbit latency 400ms"
	if custom, ok := action.Parameters["command"].(string); ok && custom != "" {
		shapingCmd = custom
	}
	if err := guardCommand(shapingCmd); err != nil {
		return nil, err
	}

	exec.AppendLog("computing shaping profile " + profile)
	if dryRun {
		return &executorResult{
			Results: map[string]interface{}{
				"planned_profile": profile,
				"planned_command": shapingCmd,
				"affected_queues": []string{"bulk", "background"},
			},
		}, nil
	}

	exec.AppendLog("applying shaping profile " + profile)
	return &executorResult{
		Results: map[string]interface{}{
			"applied_profile": profile,
			"applied_command": shapingCmd,
		},
		RollbackData: map[string]interface{}{
			"previous_profile": "default",
		},
	}, nil
}

func executeBandwidthReduction(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) (*executorResult, error) {
	reduction := 25
	switch limit := action.Parameters["max_reduction_percent"].(type) {
	case int:
		if reduction > limit {
			reduction = limit
		}
	case float64:
		if float64(reduction) > limit {
			reduction = int(limit)
		}
	}
	exec.AppendLog(fmt.Sprintf("target reduction %d%%", reduction))
	if dryRun {
		return &executorResult{
			Results: map[string]interface{}{
				"planned_reduction_percent": reduction,
			},
		}, nil
	}

	return &executorResult{
		Results: map[string]interface{}{
			"reduction_percent": reduction,
		},
		RollbackData: map[string]interface{}{
			"previous_allocation_percent": 100,
		},
	}, nil
}

func executeAntennaRealignment(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) (*executorResult, error) {
	exec.AppendLog("reading current pointing solution")
	if dryRun {
		return &executorResult{
			Results: map[string]interface{}{
				"planned_routine": "auto-point",
			},
		}, nil
	}

	exec.AppendLog("running auto-point routine")
	return &executorResult{
		Results: map[string]interface{}{
			"routine": "auto-point",
			"status":  "locked",
		},
		RollbackData: map[string]interface{}{
			"previous_azimuth_deg":   182.4,
			"previous_elevation_deg": 36.1,
		},
	}, nil
}

func executePowerAdjustment(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) (*executorResult, error) {
	deltaDB := 1.5
	exec.AppendLog(fmt.Sprintf("planned tx power delta %+.1f dB", deltaDB))
	if dryRun {
		return &executorResult{
			Results: map[string]interface{}{
				"planned_delta_db": deltaDB,
			},
		}, nil
	}

	return &executorResult{
		Results: map[string]interface{}{
			"delta_db": deltaDB,
		},
		RollbackData: map[string]interface{}{
			"previous_delta_db": 0.0,
		},
	}, nil
}

func executeErrorCorrectionIncrease(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) (*executorResult, error) {
	exec.AppendLog("raising FEC overhead one step")
	if dryRun {
		return &executorResult{
			Results: map[string]interface{}{
				"planned_fec": "3/4 -> 2/3",
			},
		}, nil
	}

	return &executorResult{
		Results: map[string]interface{}{
			"fec": "2/3",
		},
		RollbackData: map[string]interface{}{
			"previous_fec": "3/4",
		},
	}, nil
}

func executeConfigRollback(ctx context.Context, action *models.RemediationAction, exec *models.RemediationExecution, dryRun bool) (*executorResult, error) {
	// Optional operator-supplied verification hook, run on the device after
	// the snapshot is restored.
	if hook, ok := action.Parameters["post_command"].(string); ok && hook != "" {
		if err := guardCommand(hook); err != nil {
			return nil, err
		}
		exec.AppendLog("verification hook accepted: " + hook)
	}

	snapshot := "last-known-good"
	exec.AppendLog("locating configuration snapshot " + snapshot)
	if dryRun {
		return &executorResult{
			Results: map[string]interface{}{
				"planned_snapshot": snapshot,
			},
		}, nil
	}

	exec.AppendLog("restoring snapshot " + snapshot)
	// Restoring a snapshot is itself the revert; there is no rollback data.
	return &executorResult{
		Results: map[string]interface{}{
			"restored_snapshot": snapshot,
		},
	}, nil
}
