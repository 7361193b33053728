package correlate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maristack/pelorus/internal/models"
)

// runbookTable maps an incident signature to the operator runbooks worth
// consulting first. Keys match on metric name and anomaly type; ship and
// service are deliberately excluded so one table serves the fleet.
var runbookTable = map[string][]string{
	"cpu_usage|statistical": {
		"RB-101 host CPU saturation triage",
		"RB-104 workload shedding on edge nodes",
	},
	"memory_usage|statistical": {
		"RB-102 memory pressure triage",
	},
	"disk_usage|statistical": {
		"RB-103 disk space recovery",
	},
	"satellite_snr|statistical": {
		"RB-201 satellite link degradation",
		"RB-202 antenna alignment check",
	},
	"network_latency|statistical": {
		"RB-203 WAN latency investigation",
	},
	"log_anomaly|log_pattern": {
		"RB-301 anomalous log triage",
	},
}

// runbookOverrides is the on-disk shape of a fleet runbook override file:
//
//	runbooks:
//	  satellite_snr|statistical:
//	    - "RB-210 fleet-specific SNR playbook"
type runbookOverrides struct {
	Runbooks map[string][]string `yaml:"runbooks"`
}

// LoadRunbookOverrides merges a YAML override file into the runbook table.
// An entry replaces the builtin list for the same signature key; keys not
// present in the file keep their builtin runbooks.
func LoadRunbookOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read runbook overrides: %w", err)
	}

	var ov runbookOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parse runbook overrides: %w", err)
	}

	for key, books := range ov.Runbooks {
		runbookTable[key] = books
	}
	return nil
}

func runbooksFor(key groupKey) []string {
	if books, ok := runbookTable[key.MetricName+"|"+string(key.AnomalyType)]; ok {
		out := make([]string, len(books))
		copy(out, books)
		return out
	}
	if key.SeverityBucket == models.SeverityCritical {
		return []string{"RB-001 critical incident bridge"}
	}
	return nil
}
