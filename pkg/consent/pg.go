package consent

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// Schema creates the consent table, its audit log and the notification
// trigger.
//
//go:embed schema.sql
var Schema string

// Channel is the notification channel written by the trigger.
const Channel = "consent_changes"

// PGRepository stores consent in Postgres. Change events are produced by
// the consent_labels_notify trigger; SetLevel only returns them.
type PGRepository struct {
	db *sql.DB
}

var _ Repository = (*PGRepository)(nil)

// NewPGRepository returns a repository over db.
func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

// Migrate applies Schema.
func (r *PGRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("consent: migrate: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id node.ID) (*Record, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("consent: %w: %q", node.ErrInvalidID, id)
	}
	var (
		rec     = Record{TwitterID: id}
		level   string
		updated time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT consent_level, version, updated_at FROM consent_labels WHERE twitter_id = $1::bigint`,
		id.String()).Scan(&level, &rec.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consent: get %s: %w", id, err)
	}
	rec.Level = Level(level)
	rec.UpdatedAt = jsontime.Milli(updated)
	return &rec, nil
}

// upsertSQL stamps writes with the wall clock at write time, not the
// transaction start, and keeps updated_at strictly increasing per row: a
// writer that waited on the row lock must not carry an older stamp than
// the write it follows.
const upsertSQL = `INSERT INTO consent_labels AS c (twitter_id, consent_level, version, updated_at)
VALUES ($1::bigint, $2, 1, clock_timestamp())
ON CONFLICT (twitter_id) DO UPDATE
    SET consent_level = EXCLUDED.consent_level,
        version = c.version + 1,
        updated_at = GREATEST(clock_timestamp(), c.updated_at + interval '1 millisecond')
RETURNING version, updated_at`

func (r *PGRepository) SetLevel(ctx context.Context, id node.ID, level Level, meta Meta) (*Change, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("consent: %w: %q", node.ErrInvalidID, id)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("consent: begin: %w", err)
	}
	defer tx.Rollback()

	var old *Level
	var cur string
	err = tx.QueryRowContext(ctx,
		`SELECT consent_level FROM consent_labels WHERE twitter_id = $1::bigint FOR UPDATE`,
		id.String()).Scan(&cur)
	switch {
	case err == nil:
		l := Level(cur)
		old = &l
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("consent: read %s: %w", id, err)
	}

	level, err = Transition(old, level)
	if err != nil {
		return nil, err
	}

	ch := &Change{TwitterID: id, OldLevel: old, NewLevel: level}
	var changed time.Time
	if err := tx.QueryRowContext(ctx, upsertSQL, id.String(), string(level)).Scan(&ch.Version, &changed); err != nil {
		return nil, fmt.Errorf("consent: write %s: %w", id, err)
	}
	ch.ChangedAt = jsontime.Milli(changed)

	var oldText sql.NullString
	if old != nil {
		oldText = sql.NullString{String: string(*old), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO consent_audit (twitter_id, old_level, new_level, version, ip_address, user_agent)
		 VALUES ($1::bigint, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))`,
		id.String(), oldText, string(level), ch.Version, meta.IPAddress, meta.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("consent: audit %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("consent: commit: %w", err)
	}
	slog.Info("consent: level changed", "version", ch.Version, "level", level)
	return ch, nil
}

func (r *PGRepository) List(ctx context.Context, levels ...Level) ([]Record, error) {
	names := make([]string, len(levels))
	for i, l := range levels {
		names[i] = string(l)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT twitter_id::text, consent_level, version, updated_at
		 FROM consent_labels WHERE consent_level = ANY($1) ORDER BY twitter_id`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("consent: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			id      string
			level   string
			updated time.Time
		)
		if err := rows.Scan(&id, &level, &rec.Version, &updated); err != nil {
			return nil, fmt.Errorf("consent: list: %w", err)
		}
		rec.TwitterID = node.ID(id)
		rec.Level = Level(level)
		rec.UpdatedAt = jsontime.Milli(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}
