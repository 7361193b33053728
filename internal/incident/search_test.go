package incident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/pelorus/internal/models"
)

func seedSearch(t *testing.T) *Search {
	t.Helper()
	s, err := NewSearch()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	incidents := []*models.Incident{
		{
			IncidentID:       "INC-sat-1",
			ShipID:           "alpha-ship",
			Service:          "satcom",
			MetricName:       "satellite_snr",
			IncidentSeverity: models.SeverityHigh,
			Status:           models.IncidentOpen,
			SuggestedRunbooks: []string{
				"RB-201 satellite link degradation",
			},
		},
		{
			IncidentID:       "INC-cpu-1",
			ShipID:           "bravo-ship",
			Service:          "edge-compute",
			MetricName:       "cpu_usage",
			IncidentSeverity: models.SeverityMedium,
			Status:           models.IncidentResolved,
		},
	}
	for _, inc := range incidents {
		require.NoError(t, s.Index(inc))
	}
	return s
}

func TestSearchByMetricName(t *testing.T) {
	s := seedSearch(t)

	ids, err := s.Query("satellite_snr", 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "INC-sat-1", ids[0])
}

func TestSearchBySummaryText(t *testing.T) {
	s := seedSearch(t)

	ids, err := s.Query("degradation", 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "INC-sat-1", ids[0])
}

func TestSearchFieldQuery(t *testing.T) {
	s := seedSearch(t)

	ids, err := s.Query("ship_id:bravo-ship", 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "INC-cpu-1", ids[0])
}

func TestSearchNoMatches(t *testing.T) {
	s := seedSearch(t)

	ids, err := s.Query("ballast", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSearchReindexReplaces(t *testing.T) {
	s := seedSearch(t)

	updated := &models.Incident{
		IncidentID:       "INC-sat-1",
		ShipID:           "alpha-ship",
		Service:          "satcom",
		MetricName:       "satellite_snr",
		IncidentSeverity: models.SeverityHigh,
		Status:           models.IncidentResolved,
	}
	require.NoError(t, s.Index(updated))

	ids, err := s.Query("status:resolved", 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
