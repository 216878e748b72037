package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/cache"
	"github.com/UnendingLoop/ArchiveIIIF/internal/config"
	"github.com/UnendingLoop/ArchiveIIIF/internal/metrics"
	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/UnendingLoop/ArchiveIIIF/internal/notify"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

// GenerationRepo - переходы состояний, которые делает исполнитель
type GenerationRepo interface {
	Claim(ctx context.Context, key model.CanonicalKey, maxAttempts int) (*model.GenerationRecord, error)
	RecordAttempt(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) (int, error)
	MarkSucceeded(ctx context.Context, key model.CanonicalKey, resultKey, contentType string) error
	MarkFailed(ctx context.Context, key model.CanonicalKey, from model.Status, kind model.ErrorKind, msg string) error
	Park(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) error
}

type SourceResolver interface {
	Resolve(ctx context.Context, identifier, version string) (*model.SourceImage, error)
}

// Transformer must return soon after ctx is done.
type Transformer interface {
	Transform(ctx context.Context, src *model.SourceImage, req model.ImageRequest) (*model.Derivative, error)
}

type ArtifactCache interface {
	Put(ctx context.Context, d *model.Derivative) error
}

// Notifier - доставка результата подписчикам (in-process hub или топик результатов)
type Notifier interface {
	Publish(key model.CanonicalKey, o notify.Outcome)
}

// NoopNotifier leaves waiters to poll the record table.
type NoopNotifier struct{}

func (NoopNotifier) Publish(model.CanonicalKey, notify.Outcome) {}

type Options struct {
	MaxAttempts      int
	Retry            retry.Strategy
	AttemptTimeout   time.Duration
	TransformTimeout time.Duration
	StoreTimeout     time.Duration
	StoreAttempts    int
}

func OptionsFromConfig(g config.Generation) Options {
	return Options{
		MaxAttempts: g.MaxAttempts,
		Retry: retry.Strategy{
			Attempts: g.RetryAttempts,
			Delay:    g.RetryDelay,
			Backoff:  g.RetryBackoff,
		},
		AttemptTimeout:   g.AttemptTimeout,
		TransformTimeout: g.TransformTimeout,
		StoreTimeout:     g.StoreTimeout,
		StoreAttempts:    g.StoreAttempts,
	}
}

// Generator executes claimed generation tasks: resolve, transform, store, publish.
type Generator struct {
	repo     GenerationRepo
	resolver SourceResolver
	engine   Transformer
	cache    ArtifactCache
	notifier Notifier
	opts     Options
}

func NewGenerator(repo GenerationRepo, res SourceResolver, eng Transformer, c ArtifactCache, n Notifier, opts Options) *Generator {
	if n == nil {
		n = NoopNotifier{}
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry.Attempts = 1
	}
	if opts.StoreAttempts < 1 {
		opts.StoreAttempts = 1
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = time.Minute
	}
	return &Generator{repo: repo, resolver: res, engine: eng, cache: c, notifier: n, opts: opts}
}

// Process runs one task to a final state. A task whose record cannot be claimed
// (already running, finished or out of budget) is a duplicate delivery and is dropped.
// A returned error means the task was not handled and may be delivered again.
func (g *Generator) Process(ctx context.Context, task model.Task) error {
	logger := zlog.Logger.With().Str("key", string(task.Key)).Str("identifier", task.Request.Identifier).Logger()

	rec, err := g.repo.Claim(ctx, task.Key, g.opts.MaxAttempts)
	if err != nil {
		if errors.Is(err, model.ErrNotClaimed) {
			logger.Debug().Msg("Task is not claimable, dropping duplicate delivery")
			return nil
		}
		return fmt.Errorf("failed to claim generation %s: %w", task.Key, err)
	}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	// попытки внутри одной доставки; между ними ошибка классифицируется и записывается в бюджет
	var (
		d       *model.Derivative
		lastErr error
		stopErr error
		try     int
	)
	attempts := rec.Attempts
	err = retry.DoContext(ctx, g.opts.Retry, func() error {
		try++
		if try > 1 {
			n, err := g.repo.RecordAttempt(ctx, task.Key, model.KindOf(lastErr), lastErr.Error())
			if err != nil {
				stopErr = err
				return nil
			}
			attempts = n
		}

		d, lastErr = g.attempt(ctx, task)
		if lastErr == nil || ctx.Err() != nil {
			return nil
		}

		kind := model.KindOf(lastErr)
		metrics.GenerationOutcomes.WithLabelValues("attempt_failed", string(kind)).Inc()
		if !kind.Retryable() || try >= g.opts.Retry.Attempts || attempts >= g.opts.MaxAttempts {
			return nil
		}
		logger.Warn().Err(lastErr).Int("try", try).Msg("Generation attempt failed, retrying")
		return lastErr
	})

	switch {
	case ctx.Err() != nil:
		// процесс останавливается: запись останется running и будет подобрана восстановлением
		return ctx.Err()
	case errors.Is(stopErr, model.ErrNotClaimed):
		logger.Warn().Msg("Generation record was taken over, abandoning task")
		return nil
	case stopErr != nil:
		return fmt.Errorf("failed to record attempt of %s: %w", task.Key, stopErr)
	case err != nil:
		return err
	case lastErr != nil:
		return g.fail(ctx, task, model.KindOf(lastErr), lastErr)
	}

	d.Key = task.Key
	return g.complete(ctx, task, d)
}

func (g *Generator) attempt(ctx context.Context, task model.Task) (*model.Derivative, error) {
	actx, cancel := context.WithTimeout(ctx, g.opts.AttemptTimeout)
	defer cancel()

	start := time.Now()
	src, err := g.resolver.Resolve(actx, task.Request.Identifier, task.Request.Version)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: resolve exceeded %v: %v", model.ErrTimeout, g.opts.AttemptTimeout, err)
		}
		return nil, err
	}
	metrics.GenerationDuration.WithLabelValues("resolve").Observe(time.Since(start).Seconds())

	start = time.Now()
	d, err := g.transform(ctx, src, task.Request)
	if err != nil {
		return nil, err
	}
	metrics.GenerationDuration.WithLabelValues("transform").Observe(time.Since(start).Seconds())
	return d, nil
}

type transformResult struct {
	d   *model.Derivative
	err error
}

// transform enforces the wall-clock ceiling. On timeout the engine is cancelled and
// waited for, so a key never has two transforms running.
func (g *Generator) transform(ctx context.Context, src *model.SourceImage, req model.ImageRequest) (*model.Derivative, error) {
	tctx, cancel := context.WithTimeout(ctx, g.opts.TransformTimeout)
	defer cancel()

	done := make(chan transformResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- transformResult{err: fmt.Errorf("%w: panic: %v", model.ErrTransform, r)}
			}
		}()
		d, err := g.engine.Transform(tctx, src, req)
		done <- transformResult{d: d, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil || tctx.Err() == nil {
			return r.d, r.err
		}
	case <-tctx.Done():
		<-done // движок бросает работу на ближайшей проверке ctx
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: transform exceeded %v", model.ErrTimeout, g.opts.TransformTimeout)
}

func (g *Generator) complete(ctx context.Context, task model.Task, d *model.Derivative) error {
	logger := zlog.Logger.With().Str("key", string(task.Key)).Logger()

	var putErr error
	store := retry.Strategy{Attempts: g.opts.StoreAttempts, Delay: g.opts.Retry.Delay, Backoff: 1}
	try := 0
	err := retry.DoContext(ctx, store, func() error {
		try++
		putErr = g.put(ctx, d)
		if putErr == nil || !errors.Is(putErr, model.ErrStore) || try >= g.opts.StoreAttempts {
			return nil
		}
		logger.Warn().Err(putErr).Int("try", try).Msg("Failed to store derivative")
		return putErr
	})
	if err != nil {
		return err
	}
	err = putErr

	switch {
	case err == nil:
		if err := g.repo.MarkSucceeded(ctx, task.Key, cache.ObjectKey(task.Key), d.ContentType); err != nil {
			return fmt.Errorf("failed to mark %s succeeded: %w", task.Key, err)
		}
		metrics.GenerationOutcomes.WithLabelValues("succeeded", "").Inc()
		g.notifier.Publish(task.Key, notify.Outcome{Derivative: d, Stored: true})
		logger.Info().Int64("bytes", d.Size()).Msg("Derivative generated")
		return nil

	case errors.Is(err, model.ErrCacheConflict):
		// в кэше уже лежит артефакт для ключа - он и отдаётся, новые байты отброшены
		if err := g.repo.MarkSucceeded(ctx, task.Key, cache.ObjectKey(task.Key), d.ContentType); err != nil {
			return fmt.Errorf("failed to mark %s succeeded: %w", task.Key, err)
		}
		metrics.GenerationOutcomes.WithLabelValues("conflict", "").Inc()
		g.notifier.Publish(task.Key, notify.Outcome{Stored: true})
		return nil

	default:
		// артефакт не сохранён: ждущие получают байты, запись возвращается в pending
		g.notifier.Publish(task.Key, notify.Outcome{Derivative: d})
		metrics.GenerationOutcomes.WithLabelValues("uncached", string(model.KindOf(err))).Inc()
		logger.Error().Err(err).Msg("Derivative delivered but not cached")
		if perr := g.repo.Park(ctx, task.Key, model.KindStore, err.Error()); perr != nil {
			return fmt.Errorf("failed to park %s after store error: %w", task.Key, perr)
		}
		return nil
	}
}

func (g *Generator) put(ctx context.Context, d *model.Derivative) error {
	pctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()

	err := g.cache.Put(pctx, d)
	if err != nil && ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) && !errors.Is(err, model.ErrStore) {
		return fmt.Errorf("%w: put exceeded %v: %v", model.ErrStore, g.opts.StoreTimeout, err)
	}
	return err
}

func (g *Generator) fail(ctx context.Context, task model.Task, kind model.ErrorKind, cause error) error {
	logger := zlog.Logger.With().Str("key", string(task.Key)).Str("kind", string(kind)).Logger()
	if kind == model.KindTransform || kind == model.KindInternal {
		logger.Error().Err(cause).Interface("request", task.Request).Msg("Generation failed")
	} else {
		logger.Warn().Err(cause).Msg("Generation failed")
	}

	metrics.GenerationOutcomes.WithLabelValues("failed", string(kind)).Inc()
	genErr := &model.GenerationError{Key: task.Key, Kind: kind, Message: cause.Error()}
	g.notifier.Publish(task.Key, notify.Outcome{Err: genErr})

	if err := g.repo.MarkFailed(ctx, task.Key, model.StatusRunning, kind, cause.Error()); err != nil {
		if errors.Is(err, model.ErrRecordNotFound) {
			logger.Warn().Msg("Generation record moved on before failure was recorded")
			return nil
		}
		return fmt.Errorf("failed to mark %s failed: %w", task.Key, err)
	}
	return nil
}
