package correlate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/pelorus/internal/models"
)

func TestLoadRunbookOverrides(t *testing.T) {
	original := runbookTable["satellite_snr|statistical"]
	t.Cleanup(func() {
		runbookTable["satellite_snr|statistical"] = original
		delete(runbookTable, "fuel_flow|statistical")
	})

	path := filepath.Join(t.TempDir(), "runbooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runbooks:
  satellite_snr|statistical:
    - "RB-210 fleet-specific SNR playbook"
  fuel_flow|statistical:
    - "RB-401 fuel system inspection"
`), 0o600))

	require.NoError(t, LoadRunbookOverrides(path))

	key := groupKey{MetricName: "satellite_snr", AnomalyType: models.AnomalyTypeStatistical}
	assert.Equal(t, []string{"RB-210 fleet-specific SNR playbook"}, runbooksFor(key))

	key.MetricName = "fuel_flow"
	assert.Equal(t, []string{"RB-401 fuel system inspection"}, runbooksFor(key))

	// Keys absent from the file keep their builtin runbooks.
	key.MetricName = "cpu_usage"
	assert.Contains(t, runbooksFor(key), "RB-101 host CPU saturation triage")
}

func TestLoadRunbookOverridesMissingFile(t *testing.T) {
	assert.Error(t, LoadRunbookOverrides(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadRunbookOverridesBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runbooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runbooks: [not-a-map"), 0o600))
	assert.Error(t, LoadRunbookOverrides(path))
}
