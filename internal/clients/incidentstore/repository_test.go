package incidentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/pkg/logger"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewWithDB(sqlxDB, "incidents", logger.New("error")), mock
}

func testIncident() *models.Incident {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return &models.Incident{
		SchemaVersion:    models.SchemaVersion,
		IncidentID:       "INC-abc",
		CorrelationID:    "abc",
		TrackingID:       "T-1",
		IncidentType:     "statistical",
		IncidentSeverity: models.SeverityHigh,
		ShipID:           "alpha-ship",
		Service:          "satcom",
		MetricName:       "satellite_snr",
		MetricValue:      4.2,
		AnomalyScore:     0.81,
		Detector:         "zscore",
		Status:           models.IncidentOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
		CorrelatedEvents: []models.CorrelatedEventSummary{
			{TrackingID: "T-1", MetricName: "satellite_snr", Score: 0.81, Detector: "zscore"},
		},
		Timeline: []models.TimelineEntry{
			{Timestamp: now, Event: "incident_created", Description: "correlated 1 events", Source: "correlator"},
		},
	}
}

func TestInsertCreates(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO incidents`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := repo.Insert(context.Background(), testIncident())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIdempotentOnConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	// ON CONFLICT DO NOTHING reports zero rows affected for replays.
	mock.ExpectExec(`INSERT INTO incidents`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.Insert(context.Background(), testIncident())
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPropagatesDBError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO incidents`).
		WillReturnError(sql.ErrConnDone)

	_, err := repo.Insert(context.Background(), testIncident())
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func incidentColumns() []string {
	return []string{
		"schema_version", "incident_id", "correlation_id", "tracking_id",
		"incident_type", "incident_severity", "ship_id", "service",
		"metric_name", "metric_value", "anomaly_score", "detector",
		"status", "acknowledged", "created_at", "updated_at",
		"correlated_events", "timeline", "suggested_runbooks", "metadata",
	}
}

func rowFor(t *testing.T, inc *models.Incident) *sqlmock.Rows {
	t.Helper()
	events, err := json.Marshal(inc.CorrelatedEvents)
	require.NoError(t, err)
	timeline, err := json.Marshal(inc.Timeline)
	require.NoError(t, err)

	return sqlmock.NewRows(incidentColumns()).AddRow(
		inc.SchemaVersion, inc.IncidentID, inc.CorrelationID, inc.TrackingID,
		inc.IncidentType, string(inc.IncidentSeverity), inc.ShipID, inc.Service,
		inc.MetricName, inc.MetricValue, inc.AnomalyScore, inc.Detector,
		string(inc.Status), inc.Acknowledged, inc.CreatedAt, inc.UpdatedAt,
		events, timeline, []byte("null"), []byte("null"),
	)
}

func TestGetReturnsIncident(t *testing.T) {
	repo, mock := newMockRepo(t)
	want := testIncident()

	mock.ExpectQuery(`SELECT \* FROM incidents WHERE incident_id`).
		WithArgs("INC-abc").
		WillReturnRows(rowFor(t, want))

	got, err := repo.Get(context.Background(), "INC-abc")
	require.NoError(t, err)
	assert.Equal(t, want.IncidentID, got.IncidentID)
	assert.Equal(t, want.IncidentSeverity, got.IncidentSeverity)
	assert.Equal(t, want.AnomalyScore, got.AnomalyScore)
	require.Len(t, got.CorrelatedEvents, 1)
	assert.Equal(t, "T-1", got.CorrelatedEvents[0].TrackingID)
	require.Len(t, got.Timeline, 1)
	assert.Equal(t, "incident_created", got.Timeline[0].Event)
}

func TestGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT \* FROM incidents WHERE incident_id`).
		WithArgs("INC-missing").
		WillReturnRows(sqlmock.NewRows(incidentColumns()))

	_, err := repo.Get(context.Background(), "INC-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAppliesFilters(t *testing.T) {
	repo, mock := newMockRepo(t)
	want := testIncident()

	mock.ExpectQuery(`SELECT \* FROM incidents WHERE 1=1 AND status = \$1 AND ship_id = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("open", "alpha-ship", 25).
		WillReturnRows(rowFor(t, want))

	incidents, err := repo.List(context.Background(), models.IncidentFilter{
		Status: models.IncidentOpen,
		ShipID: "alpha-ship",
		Limit:  25,
	})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "INC-abc", incidents[0].IncidentID)
}

func TestListClampsLimit(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT \* FROM incidents WHERE 1=1 ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(incidentColumns()))

	_, err := repo.List(context.Background(), models.IncidentFilter{Limit: 9999})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAppendsTimeline(t *testing.T) {
	repo, mock := newMockRepo(t)
	existing := testIncident()

	mock.ExpectQuery(`SELECT \* FROM incidents WHERE incident_id`).
		WithArgs("INC-abc").
		WillReturnRows(rowFor(t, existing))
	mock.ExpectExec(`UPDATE incidents`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status := models.IncidentAcknowledged
	ack := true
	updated, err := repo.Update(context.Background(), "INC-abc", models.IncidentUpdate{
		Status:       &status,
		Acknowledged: &ack,
		TimelineEntry: &models.TimelineEntry{
			Event:       "acknowledged",
			Description: "paged the duty engineer",
			Source:      "api",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentAcknowledged, updated.Status)
	assert.True(t, updated.Acknowledged)
	require.Len(t, updated.Timeline, 2)
	assert.Equal(t, "acknowledged", updated.Timeline[1].Event)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummaryAggregates(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\) AS total`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "open", "critical"}).AddRow(12, 4, 2))
	mock.ExpectQuery(`SELECT \* FROM incidents WHERE 1=1 ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(rowFor(t, testIncident()))

	summary, err := repo.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Total)
	assert.Equal(t, 4, summary.Open)
	assert.Equal(t, 2, summary.Critical)
	require.Len(t, summary.Recent, 1)
}
