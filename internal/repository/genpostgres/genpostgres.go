// Package genpostgres keeps generation records in Postgres. Every status transition is one conditional statement.
package genpostgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/wb-go/wbf/dbpg"
)

const recordColumns = `cache_key, status, attempts, error_kind, last_error, result_key, content_type, task, created_at, updated_at`

type PostgresRepo struct {
	DB *dbpg.DB
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.GenerationRecord, error) {
	var rec model.GenerationRecord
	if err := row.Scan(&rec.Key,
		&rec.Status,
		&rec.Attempts,
		&rec.ErrorKind,
		&rec.LastError,
		&rec.ResultKey,
		&rec.ContentType,
		&rec.Task,
		&rec.CreatedAt,
		&rec.UpdatedAt); err != nil {
		return nil, err
	}
	// строка с чужим статусом не должна попасть в машину состояний
	if !model.StatusMap[rec.Status] {
		return nil, fmt.Errorf("generation %s has unknown status %q", rec.Key, rec.Status)
	}
	return &rec, nil
}

// Create inserts a pending record. created is false when the key already had a record.
func (p PostgresRepo) Create(ctx context.Context, rec *model.GenerationRecord) (bool, error) {
	query := `INSERT INTO generations (cache_key, status, attempts, error_kind, last_error, result_key, content_type, task, created_at, updated_at)
	VALUES ($1, $2, 0, '', '', '', '', $3, now(), now())
	ON CONFLICT (cache_key) DO NOTHING`

	res, err := p.DB.Master.ExecContext(ctx, query, rec.Key, model.StatusPending, rec.Task)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p PostgresRepo) Get(ctx context.Context, key model.CanonicalKey) (*model.GenerationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM generations WHERE cache_key = $1`

	rec, err := scanRecord(p.DB.QueryRowContext(ctx, query, key))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, model.ErrRecordNotFound
		default:
			return nil, err
		}
	}
	return rec, nil
}

// Claim moves a pending record to running and spends one attempt of the budget.
// Only one caller can win it; the rest get model.ErrNotClaimed.
func (p PostgresRepo) Claim(ctx context.Context, key model.CanonicalKey, maxAttempts int) (*model.GenerationRecord, error) {
	query := `UPDATE generations
	SET status = $1, attempts = attempts + 1, updated_at = now()
	WHERE cache_key = $2 AND status = $3 AND attempts < $4
	RETURNING ` + recordColumns

	rec, err := scanRecord(p.DB.QueryRowContext(ctx, query, model.StatusRunning, key, model.StatusPending, maxAttempts))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, model.ErrNotClaimed
		default:
			return nil, err
		}
	}
	return rec, nil
}

// RecordAttempt persists a failed attempt of a running generation and spends one more attempt.
func (p PostgresRepo) RecordAttempt(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) (int, error) {
	query := `UPDATE generations
	SET attempts = attempts + 1, error_kind = $1, last_error = $2, updated_at = now()
	WHERE cache_key = $3 AND status = $4
	RETURNING attempts`

	var attempts int
	err := p.DB.QueryRowContext(ctx, query, kind, msg, key, model.StatusRunning).Scan(&attempts)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return 0, model.ErrNotClaimed
		default:
			return 0, err
		}
	}
	return attempts, nil
}

// MarkSucceeded is unconditional: the artifact is in the cache whoever finished it.
func (p PostgresRepo) MarkSucceeded(ctx context.Context, key model.CanonicalKey, resultKey, contentType string) error {
	query := `UPDATE generations
	SET status = $1, result_key = $2, content_type = $3, error_kind = '', last_error = '', updated_at = now()
	WHERE cache_key = $4`
	return p.execOne(ctx, query, model.StatusSucceeded, resultKey, contentType, key)
}

func (p PostgresRepo) MarkFailed(ctx context.Context, key model.CanonicalKey, from model.Status, kind model.ErrorKind, msg string) error {
	query := `UPDATE generations
	SET status = $1, error_kind = $2, last_error = $3, updated_at = now()
	WHERE cache_key = $4 AND status = $5`
	return p.execOne(ctx, query, model.StatusFailed, kind, msg, key, from)
}

// Requeue moves the record from status `from` back to pending. The bool reports whether
// this caller won the transition and so has to dispatch the task.
func (p PostgresRepo) Requeue(ctx context.Context, key model.CanonicalKey, from model.Status, resetAttempts bool) (bool, error) {
	query := `UPDATE generations
	SET status = $1, attempts = CASE WHEN $2 THEN 0 ELSE attempts END, error_kind = '', updated_at = now()
	WHERE cache_key = $3 AND status = $4`

	res, err := p.DB.Master.ExecContext(ctx, query, model.StatusPending, resetAttempts, key, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Park returns a running record to pending without dispatching it again.
// The next request for the key re-arms it via Rearm.
func (p PostgresRepo) Park(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) error {
	query := `UPDATE generations
	SET status = $1, error_kind = $2, last_error = $3, updated_at = now()
	WHERE cache_key = $4 AND status = $5`
	return p.execOne(ctx, query, model.StatusPending, kind, msg, key, model.StatusRunning)
}

// Rearm clears the parked marker of a pending record; the winner dispatches the task.
func (p PostgresRepo) Rearm(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind) (bool, error) {
	query := `UPDATE generations
	SET error_kind = '', updated_at = now()
	WHERE cache_key = $1 AND status = $2 AND error_kind = $3`

	res, err := p.DB.Master.ExecContext(ctx, query, key, model.StatusPending, kind)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FetchOrphans returns pending/running records nobody touched for staleAfter.
func (p PostgresRepo) FetchOrphans(ctx context.Context, staleAfter time.Duration, limit int) ([]model.GenerationRecord, error) {
	query := `SELECT ` + recordColumns + `
	FROM generations
	WHERE status IN ($1, $2)
	AND updated_at < now() - make_interval(secs => $3)
	ORDER BY updated_at
	LIMIT $4`

	rows, err := p.DB.QueryContext(ctx, query, model.StatusPending, model.StatusRunning, staleAfter.Seconds(), limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Error while closing *sql.Rows after scanning: %v", err)
		}
	}()

	orphans := make([]model.GenerationRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, *rec)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return orphans, nil
}

// PurgeTerminal deletes succeeded/failed records older than retention.
func (p PostgresRepo) PurgeTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	query := `DELETE FROM generations
	WHERE status IN ($1, $2)
	AND updated_at < now() - make_interval(secs => $3)`

	res, err := p.DB.Master.ExecContext(ctx, query, model.StatusSucceeded, model.StatusFailed, retention.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p PostgresRepo) execOne(ctx context.Context, query string, args ...any) error {
	res, err := p.DB.Master.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrRecordNotFound
	}
	return nil
}
