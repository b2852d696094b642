package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/ports"
)

// Fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteRepository persists leads, sequences and the activity ledger in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

var _ ports.LeadStore = (*SQLiteRepository)(nil)

var (
	leadColumns = []string{
		"id", "name", "email", "phone", "reddit_user", "score", "service_type",
		"platform", "created_at", "converted_at", "conversion_value",
	}
	sequenceColumns = []string{
		"id", "lead_id", "sequence_type", "current_stage", "status", "started_at",
		"last_advanced_at", "converted_at", "conversion_value", "failed_attempts",
	}
	activityColumns = []string{
		"id", "sequence_id", "stage_number", "timestamp", "channel",
		"engagement_score", "conversion_event", "delivered", "error",
	}
)

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leads (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		email            TEXT NOT NULL DEFAULT '',
		phone            TEXT NOT NULL DEFAULT '',
		reddit_user      TEXT NOT NULL DEFAULT '',
		score            REAL NOT NULL DEFAULT 0,
		service_type     TEXT NOT NULL DEFAULT '',
		platform         TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		converted_at     TEXT,
		conversion_value REAL
	);

	CREATE TABLE IF NOT EXISTS sequences (
		id               TEXT PRIMARY KEY,
		lead_id          TEXT NOT NULL,
		sequence_type    TEXT NOT NULL,
		current_stage    INTEGER NOT NULL,
		status           TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		last_advanced_at TEXT NOT NULL,
		converted_at     TEXT,
		conversion_value REAL,
		failed_attempts  INTEGER NOT NULL DEFAULT 0,
		UNIQUE (lead_id, sequence_type)
	);
	CREATE INDEX IF NOT EXISTS idx_sequences_type_status ON sequences(sequence_type, status, started_at);

	CREATE TABLE IF NOT EXISTS stage_activities (
		id               TEXT PRIMARY KEY,
		sequence_id      TEXT NOT NULL REFERENCES sequences(id),
		stage_number     INTEGER NOT NULL,
		timestamp        TEXT NOT NULL,
		channel          TEXT NOT NULL,
		engagement_score REAL,
		conversion_event INTEGER NOT NULL DEFAULT 0,
		delivered        INTEGER NOT NULL DEFAULT 0,
		error            TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_activities_sequence ON stage_activities(sequence_id, timestamp);
	`
	_, err := r.db.Exec(schema)
	return err
}

// ListActiveSequences returns active sequences of a campaign, oldest first.
func (r *SQLiteRepository) ListActiveSequences(ctx context.Context, seqType domain.SequenceType) ([]domain.FollowUpSequence, error) {
	query, args, err := sq.Select(sequenceColumns...).
		From("sequences").
		Where(sq.Eq{"sequence_type": string(seqType), "status": string(domain.StatusActive)}).
		OrderBy("started_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active sequences: %w", err)
	}
	defer rows.Close()

	var out []domain.FollowUpSequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Sequence(ctx context.Context, id string) (domain.FollowUpSequence, error) {
	query, args, err := sq.Select(sequenceColumns...).From("sequences").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.FollowUpSequence{}, fmt.Errorf("build query: %w", err)
	}

	seq, err := scanSequence(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FollowUpSequence{}, fmt.Errorf("%w: %s", domain.ErrSequenceNotFound, id)
	}
	return seq, err
}

// SaveSequence upserts the sequence snapshot.
func (r *SQLiteRepository) SaveSequence(ctx context.Context, seq domain.FollowUpSequence) error {
	query, args, err := sq.Insert("sequences").
		Columns(sequenceColumns...).
		Values(
			seq.ID,
			seq.LeadID,
			string(seq.Type),
			seq.CurrentStage,
			string(seq.Status),
			formatTime(seq.StartedAt),
			formatTime(seq.LastAdvancedAt),
			formatTimePtr(seq.ConvertedAt),
			seq.ConversionValue,
			seq.FailedAttempts,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			current_stage = excluded.current_stage,
			status = excluded.status,
			last_advanced_at = excluded.last_advanced_at,
			converted_at = excluded.converted_at,
			conversion_value = excluded.conversion_value,
			failed_attempts = excluded.failed_attempts`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert sequence: %w", err)
	}
	return nil
}

// CreateSequence inserts a fresh sequence unless the lead already has one of
// the same type.
func (r *SQLiteRepository) CreateSequence(ctx context.Context, seq domain.FollowUpSequence) (bool, error) {
	query, args, err := sq.Insert("sequences").
		Columns(sequenceColumns...).
		Values(
			seq.ID,
			seq.LeadID,
			string(seq.Type),
			seq.CurrentStage,
			string(seq.Status),
			formatTime(seq.StartedAt),
			formatTime(seq.LastAdvancedAt),
			formatTimePtr(seq.ConvertedAt),
			seq.ConversionValue,
			seq.FailedAttempts,
		).
		Suffix("ON CONFLICT (lead_id, sequence_type) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert sequence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert sequence: %w", err)
	}
	return n > 0, nil
}

// AppendActivity inserts a ledger row; existing rows are never modified.
func (r *SQLiteRepository) AppendActivity(ctx context.Context, activity domain.StageActivity) error {
	query, args, err := sq.Insert("stage_activities").
		Columns(activityColumns...).
		Values(
			activity.ID,
			activity.SequenceID,
			activity.StageNumber,
			formatTime(activity.Timestamp),
			string(activity.Channel),
			activity.EngagementScore,
			activity.ConversionEvent,
			activity.Delivered,
			activity.Error,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Activities returns the ledger for a sequence in time order.
func (r *SQLiteRepository) Activities(ctx context.Context, sequenceID string) ([]domain.StageActivity, error) {
	query, args, err := sq.Select(activityColumns...).
		From("stage_activities").
		Where(sq.Eq{"sequence_id": sequenceID}).
		OrderBy("timestamp", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []domain.StageActivity
	for rows.Next() {
		var (
			a          domain.StageActivity
			ts         string
			channel    string
			engagement sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &a.SequenceID, &a.StageNumber, &ts, &channel, &engagement, &a.ConversionEvent, &a.Delivered, &a.Error); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		a.Channel = domain.Channel(channel)
		if engagement.Valid {
			v := engagement.Float64
			a.EngagementScore = &v
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Lead(ctx context.Context, id string) (domain.Lead, error) {
	query, args, err := sq.Select(leadColumns...).From("leads").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Lead{}, fmt.Errorf("build query: %w", err)
	}

	lead, err := scanLead(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, fmt.Errorf("%w: %s", domain.ErrLeadNotFound, id)
	}
	return lead, err
}

// SaveLead upserts a lead record.
func (r *SQLiteRepository) SaveLead(ctx context.Context, lead domain.Lead) error {
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}
	query, args, err := sq.Insert("leads").
		Columns(leadColumns...).
		Values(
			lead.ID,
			lead.Name,
			lead.Email,
			lead.Phone,
			lead.RedditUser,
			lead.Score,
			lead.ServiceType,
			lead.Platform,
			formatTime(lead.CreatedAt),
			formatTimePtr(lead.ConvertedAt),
			lead.ConversionValue,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			reddit_user = excluded.reddit_user,
			score = excluded.score,
			service_type = excluded.service_type,
			platform = excluded.platform,
			converted_at = excluded.converted_at,
			conversion_value = excluded.conversion_value`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert lead: %w", err)
	}
	return nil
}

// ListUnenrolledLeads returns leads that have never had a sequence of seqType.
func (r *SQLiteRepository) ListUnenrolledLeads(ctx context.Context, seqType domain.SequenceType) ([]domain.Lead, error) {
	cols := make([]string, len(leadColumns))
	for i, c := range leadColumns {
		cols[i] = "l." + c
	}
	query, args, err := sq.Select(cols...).
		From("leads l").
		Where("NOT EXISTS (SELECT 1 FROM sequences s WHERE s.lead_id = l.id AND s.sequence_type = ?)", string(seqType)).
		OrderBy("l.created_at", "l.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unenrolled leads: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSequence(row scanner) (domain.FollowUpSequence, error) {
	var (
		seq          domain.FollowUpSequence
		seqType      string
		status       string
		startedAt    string
		lastAdvanced string
		convertedAt  sql.NullString
		value        sql.NullFloat64
	)
	if err := row.Scan(&seq.ID, &seq.LeadID, &seqType, &seq.CurrentStage, &status, &startedAt, &lastAdvanced, &convertedAt, &value, &seq.FailedAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return seq, err
		}
		return seq, fmt.Errorf("scan sequence: %w", err)
	}
	seq.Type = domain.SequenceType(seqType)
	seq.Status = domain.SequenceStatus(status)

	var err error
	if seq.StartedAt, err = parseTime(startedAt); err != nil {
		return seq, err
	}
	if seq.LastAdvancedAt, err = parseTime(lastAdvanced); err != nil {
		return seq, err
	}
	if seq.ConvertedAt, err = parseTimePtr(convertedAt); err != nil {
		return seq, err
	}
	if value.Valid {
		v := value.Float64
		seq.ConversionValue = &v
	}
	return seq, nil
}

func scanLead(row scanner) (domain.Lead, error) {
	var (
		lead        domain.Lead
		createdAt   string
		convertedAt sql.NullString
		value       sql.NullFloat64
	)
	if err := row.Scan(&lead.ID, &lead.Name, &lead.Email, &lead.Phone, &lead.RedditUser, &lead.Score,
		&lead.ServiceType, &lead.Platform, &createdAt, &convertedAt, &value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lead, err
		}
		return lead, fmt.Errorf("scan lead: %w", err)
	}

	var err error
	if lead.CreatedAt, err = parseTime(createdAt); err != nil {
		return lead, err
	}
	if lead.ConvertedAt, err = parseTimePtr(convertedAt); err != nil {
		return lead, err
	}
	if value.Valid {
		v := value.Float64
		lead.ConversionValue = &v
	}
	return lead, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
