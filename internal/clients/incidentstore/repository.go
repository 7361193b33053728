// Package incidentstore persists incidents to the SQL incident store.
package incidentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// ErrNotFound is returned when an incident ID has no row.
var ErrNotFound = errors.New("incident not found")

// Repository reads and writes incident rows. Structured sub-documents
// (correlated events, timeline, runbooks, metadata) are stored as JSONB;
// everything filterable is a plain column.
type Repository struct {
	db     *sqlx.DB
	table  string
	logger logger.Logger
}

// incidentRow is the flat SQL projection of models.Incident.
type incidentRow struct {
	SchemaVersion    int             `db:"schema_version"`
	IncidentID       string          `db:"incident_id"`
	CorrelationID    string          `db:"correlation_id"`
	TrackingID       string          `db:"tracking_id"`
	IncidentType     string          `db:"incident_type"`
	IncidentSeverity string          `db:"incident_severity"`
	ShipID           string          `db:"ship_id"`
	Service          string          `db:"service"`
	MetricName       string          `db:"metric_name"`
	MetricValue      float64         `db:"metric_value"`
	AnomalyScore     float64         `db:"anomaly_score"`
	Detector         string          `db:"detector"`
	Status           string          `db:"status"`
	Acknowledged     bool            `db:"acknowledged"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	CorrelatedEvents json.RawMessage `db:"correlated_events"`
	Timeline         json.RawMessage `db:"timeline"`
	Runbooks         json.RawMessage `db:"suggested_runbooks"`
	Metadata         json.RawMessage `db:"metadata"`
}

func New(dsn, table string, log logger.Logger) (*Repository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to incident store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	r := &Repository{db: db, table: table, logger: log}
	if err := r.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, table string, log logger.Logger) *Repository {
	return &Repository{db: db, table: table, logger: log}
}

func (r *Repository) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			incident_id        TEXT PRIMARY KEY,
			schema_version     INTEGER NOT NULL,
			correlation_id     TEXT NOT NULL,
			tracking_id        TEXT NOT NULL,
			incident_type      TEXT NOT NULL,
			incident_severity  TEXT NOT NULL,
			ship_id            TEXT NOT NULL DEFAULT '',
			service            TEXT NOT NULL DEFAULT '',
			metric_name        TEXT NOT NULL DEFAULT '',
			metric_value       DOUBLE PRECISION NOT NULL DEFAULT 0,
			anomaly_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
			detector           TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'open',
			acknowledged       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			correlated_events  JSONB,
			timeline           JSONB,
			suggested_runbooks JSONB,
			metadata           JSONB
		)`, r.table)
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure incident schema: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status)`, r.table, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ship ON %s (ship_id)`, r.table, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s (created_at DESC)`, r.table, r.table),
	}
	for _, idx := range indexes {
		if _, err := r.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to ensure incident index: %w", err)
		}
	}
	return nil
}

// Insert persists an incident. Inserts are idempotent on incident_id: a
// replayed message hits ON CONFLICT DO NOTHING and reports created=false.
func (r *Repository) Insert(ctx context.Context, inc *models.Incident) (created bool, err error) {
	start := time.Now()
	defer func() {
		monitoring.RecordDBOperation("insert", r.table, time.Since(start), err == nil)
	}()

	row, err := toRow(inc)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			incident_id, schema_version, correlation_id, tracking_id,
			incident_type, incident_severity, ship_id, service,
			metric_name, metric_value, anomaly_score, detector,
			status, acknowledged, created_at, updated_at,
			correlated_events, timeline, suggested_runbooks, metadata
		) VALUES (
			:incident_id, :schema_version, :correlation_id, :tracking_id,
			:incident_type, :incident_severity, :ship_id, :service,
			:metric_name, :metric_value, :anomaly_score, :detector,
			:status, :acknowledged, :created_at, :updated_at,
			:correlated_events, :timeline, :suggested_runbooks, :metadata
		) ON CONFLICT (incident_id) DO NOTHING`, r.table)

	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return false, fmt.Errorf("failed to insert incident %s: %w", inc.IncidentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get fetches one incident by ID.
func (r *Repository) Get(ctx context.Context, incidentID string) (*models.Incident, error) {
	start := time.Now()
	var row incidentRow
	query := fmt.Sprintf(`SELECT * FROM %s WHERE incident_id = $1`, r.table)
	err := r.db.GetContext(ctx, &row, query, incidentID)
	monitoring.RecordDBOperation("select", r.table, time.Since(start), err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch incident %s: %w", incidentID, err)
	}
	return fromRow(&row)
}

// List returns incidents matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter models.IncidentFilter) ([]models.Incident, error) {
	start := time.Now()

	query := fmt.Sprintf(`SELECT * FROM %s WHERE 1=1`, r.table)
	args := []interface{}{}
	n := 0
	if filter.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(filter.Status))
	}
	if filter.ShipID != "" {
		n++
		query += fmt.Sprintf(" AND ship_id = $%d", n)
		args = append(args, filter.ShipID)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	n++
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)

	var rows []incidentRow
	err := r.db.SelectContext(ctx, &rows, query, args...)
	monitoring.RecordDBOperation("select", r.table, time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}

	incidents := make([]models.Incident, 0, len(rows))
	for i := range rows {
		inc, err := fromRow(&rows[i])
		if err != nil {
			r.logger.Warn("Skipping unreadable incident row", "incident_id", rows[i].IncidentID, "error", err)
			continue
		}
		incidents = append(incidents, *inc)
	}
	return incidents, nil
}

// Summary aggregates counts plus the ten most recent incidents.
func (r *Repository) Summary(ctx context.Context) (*models.IncidentSummary, error) {
	start := time.Now()

	var counts struct {
		Total    int `db:"total"`
		Open     int `db:"open"`
		Critical int `db:"critical"`
	}
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'open') AS open,
			COUNT(*) FILTER (WHERE incident_severity = 'critical') AS critical
		FROM %s`, r.table)
	err := r.db.GetContext(ctx, &counts, query)
	monitoring.RecordDBOperation("select", r.table, time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize incidents: %w", err)
	}

	recent, err := r.List(ctx, models.IncidentFilter{Limit: 10})
	if err != nil {
		return nil, err
	}

	return &models.IncidentSummary{
		Total:    counts.Total,
		Open:     counts.Open,
		Critical: counts.Critical,
		Recent:   recent,
	}, nil
}

// Update applies a status/acknowledgement change and appends any timeline
// entry. The timeline is append-only: entries are never rewritten.
func (r *Repository) Update(ctx context.Context, incidentID string, update models.IncidentUpdate) (*models.Incident, error) {
	inc, err := r.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		inc.Status = *update.Status
	}
	if update.Acknowledged != nil {
		inc.Acknowledged = *update.Acknowledged
	}
	if update.TimelineEntry != nil {
		inc.AppendTimeline(*update.TimelineEntry)
	}
	inc.UpdatedAt = time.Now().UTC()

	timelineJSON, err := json.Marshal(inc.Timeline)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, acknowledged = $2, timeline = $3, updated_at = $4
		WHERE incident_id = $5`, r.table)
	_, err = r.db.ExecContext(ctx, query,
		string(inc.Status), inc.Acknowledged, timelineJSON, inc.UpdatedAt, incidentID)
	monitoring.RecordDBOperation("update", r.table, time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to update incident %s: %w", incidentID, err)
	}
	return inc, nil
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

func toRow(inc *models.Incident) (*incidentRow, error) {
	events, err := json.Marshal(inc.CorrelatedEvents)
	if err != nil {
		return nil, err
	}
	timeline, err := json.Marshal(inc.Timeline)
	if err != nil {
		return nil, err
	}
	runbooks, err := json.Marshal(inc.SuggestedRunbooks)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(inc.Metadata)
	if err != nil {
		return nil, err
	}
	return &incidentRow{
		SchemaVersion:    inc.SchemaVersion,
		IncidentID:       inc.IncidentID,
		CorrelationID:    inc.CorrelationID,
		TrackingID:       inc.TrackingID,
		IncidentType:     inc.IncidentType,
		IncidentSeverity: string(inc.IncidentSeverity),
		ShipID:           inc.ShipID,
		Service:          inc.Service,
		MetricName:       inc.MetricName,
		MetricValue:      inc.MetricValue,
		AnomalyScore:     inc.AnomalyScore,
		Detector:         inc.Detector,
		Status:           string(inc.Status),
		Acknowledged:     inc.Acknowledged,
		CreatedAt:        inc.CreatedAt,
		UpdatedAt:        inc.UpdatedAt,
		CorrelatedEvents: events,
		Timeline:         timeline,
		Runbooks:         runbooks,
		Metadata:         metadata,
	}, nil
}

func fromRow(row *incidentRow) (*models.Incident, error) {
	inc := &models.Incident{
		SchemaVersion:    row.SchemaVersion,
		IncidentID:       row.IncidentID,
		CorrelationID:    row.CorrelationID,
		TrackingID:       row.TrackingID,
		IncidentType:     row.IncidentType,
		IncidentSeverity: models.Severity(row.IncidentSeverity),
		ShipID:           row.ShipID,
		Service:          row.Service,
		MetricName:       row.MetricName,
		MetricValue:      row.MetricValue,
		AnomalyScore:     row.AnomalyScore,
		Detector:         row.Detector,
		Status:           models.IncidentStatus(row.Status),
		Acknowledged:     row.Acknowledged,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if len(row.CorrelatedEvents) > 0 {
		if err := json.Unmarshal(row.CorrelatedEvents, &inc.CorrelatedEvents); err != nil {
			return nil, fmt.Errorf("bad correlated_events for %s: %w", row.IncidentID, err)
		}
	}
	if len(row.Timeline) > 0 {
		if err := json.Unmarshal(row.Timeline, &inc.Timeline); err != nil {
			return nil, fmt.Errorf("bad timeline for %s: %w", row.IncidentID, err)
		}
	}
	if len(row.Runbooks) > 0 {
		if err := json.Unmarshal(row.Runbooks, &inc.SuggestedRunbooks); err != nil {
			return nil, fmt.Errorf("bad suggested_runbooks for %s: %w", row.IncidentID, err)
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &inc.Metadata); err != nil {
			return nil, fmt.Errorf("bad metadata for %s: %w", row.IncidentID, err)
		}
	}
	return inc, nil
}
