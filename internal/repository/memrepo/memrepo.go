// Package memrepo keeps generation records in process memory. Used when no POSTGRES_DSN
// is configured (single api process with in-process workers) and in tests.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
)

type Repo struct {
	mu      sync.Mutex
	records map[model.CanonicalKey]*model.GenerationRecord
	now     func() time.Time
}

func New() *Repo {
	return &Repo{
		records: make(map[model.CanonicalKey]*model.GenerationRecord),
		now:     time.Now,
	}
}

// SetClock подменяет часы (для тестов восстановления)
func (r *Repo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Repo) Create(_ context.Context, rec *model.GenerationRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Key]; ok {
		return false, nil
	}
	now := r.now()
	r.records[rec.Key] = &model.GenerationRecord{
		Key:       rec.Key,
		Status:    model.StatusPending,
		Task:      append([]byte(nil), rec.Task...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (r *Repo) Get(_ context.Context, key model.CanonicalKey) (*model.GenerationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, model.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *Repo) Claim(_ context.Context, key model.CanonicalKey, maxAttempts int) (*model.GenerationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Status != model.StatusPending || rec.Attempts >= maxAttempts {
		return nil, model.ErrNotClaimed
	}
	rec.Status = model.StatusRunning
	rec.Attempts++
	rec.UpdatedAt = r.now()
	cp := *rec
	return &cp, nil
}

func (r *Repo) RecordAttempt(_ context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Status != model.StatusRunning {
		return 0, model.ErrNotClaimed
	}
	rec.Attempts++
	rec.ErrorKind = kind
	rec.LastError = msg
	rec.UpdatedAt = r.now()
	return rec.Attempts, nil
}

func (r *Repo) MarkSucceeded(_ context.Context, key model.CanonicalKey, resultKey, contentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return model.ErrRecordNotFound
	}
	rec.Status = model.StatusSucceeded
	rec.ResultKey = resultKey
	rec.ContentType = contentType
	rec.ErrorKind = model.KindNone
	rec.LastError = ""
	rec.UpdatedAt = r.now()
	return nil
}

func (r *Repo) MarkFailed(_ context.Context, key model.CanonicalKey, from model.Status, kind model.ErrorKind, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Status != from {
		return model.ErrRecordNotFound
	}
	rec.Status = model.StatusFailed
	rec.ErrorKind = kind
	rec.LastError = msg
	rec.UpdatedAt = r.now()
	return nil
}

func (r *Repo) Requeue(_ context.Context, key model.CanonicalKey, from model.Status, resetAttempts bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = model.StatusPending
	if resetAttempts {
		rec.Attempts = 0
	}
	rec.ErrorKind = model.KindNone
	rec.UpdatedAt = r.now()
	return true, nil
}

func (r *Repo) Park(_ context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Status != model.StatusRunning {
		return model.ErrRecordNotFound
	}
	rec.Status = model.StatusPending
	rec.ErrorKind = kind
	rec.LastError = msg
	rec.UpdatedAt = r.now()
	return nil
}

func (r *Repo) Rearm(_ context.Context, key model.CanonicalKey, kind model.ErrorKind) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Status != model.StatusPending || rec.ErrorKind != kind {
		return false, nil
	}
	rec.ErrorKind = model.KindNone
	rec.UpdatedAt = r.now()
	return true, nil
}

func (r *Repo) FetchOrphans(_ context.Context, staleAfter time.Duration, limit int) ([]model.GenerationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-staleAfter)
	res := make([]model.GenerationRecord, 0, limit)
	for _, rec := range r.records {
		if rec.Status.Terminal() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		res = append(res, *rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.Before(res[j].UpdatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r *Repo) PurgeTerminal(_ context.Context, retention time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-retention)
	var n int64
	for k, rec := range r.records {
		if rec.Status.Terminal() && !rec.UpdatedAt.After(cutoff) {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}
