// Package store journals lab session state to Postgres. The in-memory
// registry stays authoritative; the journal exists so a restarted process
// can find containers it started before going down.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/redmage123/course-creator-labs/internal/model"
)

//go:embed schema.sql
var schemaSQL string

var ErrNotFound = errors.New("not found")

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// LabSessionRecord is a journaled session. StoppedAt is nil until the
// session's container has been torn down.
type LabSessionRecord struct {
	model.LabSession
	StoppedAt *time.Time
}

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply lab_sessions schema: %w", err)
	}
	return nil
}

// UpsertLabSession records the latest committed state. Rows already marked
// stopped are left alone so a late write cannot resurrect them.
func (s *Store) UpsertLabSession(ctx context.Context, sess *model.LabSession) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("encode lab config: %w", err)
	}
	const q = `
insert into lab_sessions (
  lab_id, user_id, course_id, status, lab_type, lab_config, container_id, port, image_tag,
  storage_path, instructor_mode, error, created_at, last_accessed, expires_at, updated_at
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
on conflict (lab_id) do update set
  status = excluded.status,
  container_id = excluded.container_id,
  port = excluded.port,
  image_tag = excluded.image_tag,
  error = excluded.error,
  last_accessed = excluded.last_accessed,
  expires_at = excluded.expires_at,
  updated_at = now()
where lab_sessions.stopped_at is null`
	_, err = s.db.Exec(ctx, q,
		sess.ID, sess.UserID, sess.CourseID, string(sess.Status), sess.LabType, cfg, sess.ContainerID, sess.Port, sess.ImageTag,
		sess.StoragePath, sess.InstructorMode, sess.Error, sess.CreatedAt, sess.LastAccessed, timePtr(sess.ExpiresAt),
	)
	return err
}

// MarkLabSessionStopped is idempotent: the first stop time wins.
func (s *Store) MarkLabSessionStopped(ctx context.Context, labID string, stoppedAt time.Time) error {
	const q = `
update lab_sessions
set status = case when status = 'error' then status else 'stopped' end,
    stopped_at = coalesce(stopped_at, $2),
    updated_at = now()
where lab_id = $1`
	tag, err := s.db.Exec(ctx, q, labID, stoppedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkLabSessionsStopped stops a batch in one transaction and returns how
// many rows changed.
func (s *Store) MarkLabSessionsStopped(ctx context.Context, labIDs []string, stoppedAt time.Time) (int64, error) {
	if len(labIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const q = `
update lab_sessions
set status = case when status = 'error' then status else 'stopped' end,
    stopped_at = $2,
    updated_at = now()
where lab_id = $1 and stopped_at is null`
	var total int64
	for _, id := range labIDs {
		tag, err := tx.Exec(ctx, q, id, stoppedAt)
		if err != nil {
			return 0, fmt.Errorf("mark %s stopped: %w", id, err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ListUnfinishedLabSessions(ctx context.Context) ([]LabSessionRecord, error) {
	const q = `
select lab_id, user_id, course_id, status, lab_type, lab_config, container_id, port, image_tag,
       storage_path, instructor_mode, error, created_at, last_accessed, expires_at, stopped_at
from lab_sessions
where stopped_at is null
order by created_at asc`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LabSessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PurgeStoppedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from lab_sessions where stopped_at is not null and stopped_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (LabSessionRecord, error) {
	var rec LabSessionRecord
	var status string
	var cfg []byte
	var expiresAt *time.Time
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.CourseID, &status, &rec.LabType, &cfg, &rec.ContainerID, &rec.Port, &rec.ImageTag,
		&rec.StoragePath, &rec.InstructorMode, &rec.Error, &rec.CreatedAt, &rec.LastAccessed, &expiresAt, &rec.StoppedAt,
	); err != nil {
		return LabSessionRecord{}, err
	}
	rec.Status = model.LabStatus(status)
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &rec.Config); err != nil {
			return LabSessionRecord{}, fmt.Errorf("decode lab config for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
