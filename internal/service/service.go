// Package service provides business-logic for the app: the request side of derivative generation
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/cache"
	"github.com/UnendingLoop/ArchiveIIIF/internal/canon"
	"github.com/UnendingLoop/ArchiveIIIF/internal/config"
	"github.com/UnendingLoop/ArchiveIIIF/internal/metrics"
	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/UnendingLoop/ArchiveIIIF/internal/mwlogger"
	"github.com/UnendingLoop/ArchiveIIIF/internal/notify"
	"github.com/UnendingLoop/ArchiveIIIF/internal/repository"
	"golang.org/x/sync/singleflight"
)

// Describer - текущая версия и размеры экспозиции
type Describer interface {
	Describe(ctx context.Context, identifier string) (model.ExposureInfo, error)
}

// ArtifactCache - контракт для работы с кэшем артефактов
type ArtifactCache interface {
	Get(ctx context.Context, key model.CanonicalKey) (*model.Derivative, error)
	Exists(ctx context.Context, key model.CanonicalKey) (bool, error)
}

// Dispatcher - контракт для постановки задачи (kafka или in-process пул)
type Dispatcher interface {
	Dispatch(ctx context.Context, task model.Task) error
}

// Subscriber - push-уведомления о завершении; nil значит только polling
type Subscriber interface {
	Subscribe(key model.CanonicalKey) (<-chan notify.Outcome, func())
}

type Options struct {
	Limits          canon.Limits
	MaxAttempts     int
	WaitTimeout     time.Duration
	PollInterval    time.Duration
	OrphanAfter     time.Duration
	RecordRetention time.Duration
	FailedCooldown  time.Duration
	// RelayGrace - сколько ждать байты несохранённого артефакта через hub после того, как запись припаркована
	RelayGrace time.Duration
}

func OptionsFromConfig(cfg config.AppConfig) Options {
	return Options{
		Limits:          cfg.Limits,
		MaxAttempts:     cfg.Generation.MaxAttempts,
		WaitTimeout:     cfg.Generation.WaitTimeout,
		PollInterval:    cfg.Generation.PollInterval,
		OrphanAfter:     cfg.Generation.OrphanAfter,
		RecordRetention: cfg.Generation.RecordRetention,
		FailedCooldown:  cfg.Generation.FailedCooldown,
	}
}

type ImageService struct {
	repo       repository.GenerationRepo
	source     Describer
	cache      ArtifactCache
	dispatcher Dispatcher
	hub        Subscriber
	opts       Options
	flight     singleflight.Group
}

func NewImageService(repo repository.GenerationRepo, src Describer, c ArtifactCache, disp Dispatcher, hub Subscriber, opts Options) *ImageService {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 90 * time.Second
	}
	if opts.RelayGrace <= 0 {
		opts.RelayGrace = 3 * time.Second
	}
	return &ImageService{
		repo:       repo,
		source:     src,
		cache:      c,
		dispatcher: disp,
		hub:        hub,
		opts:       opts,
	}
}

// Info describes the exposure behind identifier.
func (s *ImageService) Info(ctx context.Context, identifier string) (model.ExposureInfo, error) {
	info, err := s.source.Describe(ctx, identifier)
	if err != nil {
		return model.ExposureInfo{}, s.surface(ctx, err, fmt.Sprintf("Failed to describe exposure %q", identifier))
	}
	return info, nil
}

// Limits are the size limits advertised in the info document.
func (s *ImageService) Limits() canon.Limits {
	return s.opts.Limits
}

// Request returns the derivative for the IIIF parameters, generating it at most once
// no matter how many callers ask for the same canonical key at the same time.
func (s *ImageService) Request(ctx context.Context, identifier, region, size, rotation, quality, format string) (*model.Derivative, error) {
	parsed, err := canon.Parse(identifier, region, size, rotation, quality, format)
	if err != nil {
		return nil, err
	}

	info, err := s.source.Describe(ctx, parsed.Identifier)
	if err != nil {
		return nil, s.surface(ctx, err, fmt.Sprintf("Failed to describe exposure %q", parsed.Identifier))
	}

	req, err := canon.Normalize(parsed, info, s.opts.Limits)
	if err != nil {
		return nil, err
	}
	key := canon.Key(req)

	// генерация не принадлежит ни одному вызывающему: отвалившийся клиент её не отменяет
	ch := s.flight.DoChan(string(key), func() (any, error) {
		return s.obtain(context.WithoutCancel(ctx), key, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.SharedRequests.WithLabelValues("process").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Derivative), nil
	}
}

func (s *ImageService) obtain(ctx context.Context, key model.CanonicalKey, req model.ImageRequest) (*model.Derivative, error) {
	logger := mwlogger.LoggerFromContext(ctx)

	d, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		return d, nil
	case !errors.Is(err, model.ErrCacheMiss):
		logger.Warn().Err(err).Str("key", string(key)).Msg("Artifact cache lookup failed, treating as miss")
	}

	// подписка до чтения записи, чтобы не пропустить публикацию между ними
	outcomes, unsubscribe := s.subscribe(key)
	defer unsubscribe()

	task := model.Task{Key: key, Request: req}
	dispatch, err := s.arm(ctx, task)
	if err != nil {
		return nil, err
	}
	if dispatch {
		if err := s.dispatcher.Dispatch(ctx, task); err != nil {
			// запись осталась pending - её подберёт цикл восстановления
			logger.Error().Err(err).Str("key", string(key)).Msg("Failed to dispatch generation task")
			return nil, model.ErrResultNotReady
		}
	} else {
		metrics.SharedRequests.WithLabelValues("record").Inc()
	}

	return s.wait(ctx, key, outcomes)
}

// arm brings the record of task.Key to a state where a generation is pending or running.
// dispatch is true only for the caller that has to enqueue the task.
func (s *ImageService) arm(ctx context.Context, task model.Task) (dispatch bool, err error) {
	logger := mwlogger.LoggerFromContext(ctx)
	key := task.Key

	rec, err := s.repo.Get(ctx, key)
	if errors.Is(err, model.ErrRecordNotFound) {
		encoded, err := model.EncodeTask(task)
		if err != nil {
			logger.Error().Err(err).Str("key", string(key)).Msg("Failed to encode generation task")
			return false, model.ErrCommon500
		}
		created, err := s.repo.Create(ctx, &model.GenerationRecord{Key: key, Task: encoded})
		if err != nil {
			logger.Error().Err(err).Str("key", string(key)).Msg("Failed to create generation record in DB")
			return false, model.ErrCommon500
		}
		return created, nil
	}
	if err != nil {
		logger.Error().Err(err).Str("key", string(key)).Msg("Failed to fetch generation record from DB")
		return false, model.ErrCommon500
	}

	var won bool
	switch rec.Status {
	case model.StatusRunning:
		return false, nil
	case model.StatusPending:
		if rec.ErrorKind != model.KindStore {
			return false, nil
		}
		// прошлая генерация не смогла сохранить артефакт
		won, err = s.repo.Rearm(ctx, key, model.KindStore)
	case model.StatusSucceeded:
		// запись могла обогнать наш промах по кэшу
		if ok, cerr := s.cache.Exists(ctx, key); cerr == nil && ok {
			return false, nil
		}
		logger.Warn().Str("key", string(key)).Msg("Succeeded generation lost its artifact, regenerating")
		won, err = s.repo.Requeue(ctx, key, model.StatusSucceeded, true)
	case model.StatusFailed:
		if !rec.ErrorKind.Retryable() {
			return false, rec.Err()
		}
		reset := false
		if rec.Attempts >= s.opts.MaxAttempts {
			if s.opts.FailedCooldown <= 0 || time.Since(rec.UpdatedAt) < s.opts.FailedCooldown {
				return false, rec.Err()
			}
			// бюджет исчерпан давно: архив или хранилище могли ожить
			logger.Info().Str("key", string(key)).Str("kind", string(rec.ErrorKind)).Msg("Failed generation cooled down, starting a fresh budget")
			reset = true
		}
		won, err = s.repo.Requeue(ctx, key, model.StatusFailed, reset)
	default:
		logger.Error().Str("key", string(key)).Str("status", string(rec.Status)).Msg("Unknown generation status")
		return false, model.ErrCommon500
	}
	if err != nil {
		logger.Error().Err(err).Str("key", string(key)).Msg("Failed to re-arm generation record in DB")
		return false, model.ErrCommon500
	}
	return won, nil
}

func (s *ImageService) subscribe(key model.CanonicalKey) (<-chan notify.Outcome, func()) {
	if s.hub == nil {
		return nil, func() {}
	}
	return s.hub.Subscribe(key)
}

// wait returns as soon as the hub publishes an outcome or the record reaches a final state,
// whichever is observed first, and gives up after WaitTimeout.
func (s *ImageService) wait(ctx context.Context, key model.CanonicalKey, outcomes <-chan notify.Outcome) (*model.Derivative, error) {
	logger := mwlogger.LoggerFromContext(ctx)

	timeout := time.NewTimer(s.opts.WaitTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var giveUp <-chan time.Time
	for {
		select {
		case o := <-outcomes:
			switch {
			case o.Err != nil:
				return nil, o.Err
			case o.Derivative != nil:
				return o.Derivative, nil
			}
			outcomes = nil // артефакт в кэше: читаем его оттуда
			if d, err := s.cache.Get(ctx, key); err == nil {
				return d, nil
			}

		case <-ticker.C:
			rec, err := s.repo.Get(ctx, key)
			if err != nil {
				logger.Warn().Err(err).Str("key", string(key)).Msg("Failed to poll generation record")
				continue
			}
			switch rec.Status {
			case model.StatusFailed:
				return nil, rec.Err()
			case model.StatusSucceeded:
				if d, err := s.cache.Get(ctx, key); err == nil {
					return d, nil
				}
			case model.StatusPending:
				// arm не оставляет store-парковку ждущим: её поставила генерация, закончившаяся после arm
				if rec.ErrorKind != model.KindStore {
					continue
				}
				if outcomes == nil {
					return nil, model.ErrResultNotReady
				}
				if giveUp == nil {
					giveUp = time.After(s.opts.RelayGrace)
				}
			}

		case <-giveUp:
			logger.Warn().Str("key", string(key)).Msg("Uncached derivative never reached this process")
			return nil, model.ErrResultNotReady

		case <-timeout.C:
			return nil, model.ErrResultNotReady
		}
	}
}

// ReviveOrphans handles pending/running records nobody touched for OrphanAfter:
// a cached artifact closes the record, an exhausted budget fails it, anything else is requeued.
func (s *ImageService) ReviveOrphans(ctx context.Context, limit int) int {
	logger := mwlogger.LoggerFromContext(ctx)

	orphans, err := s.repo.FetchOrphans(ctx, s.opts.OrphanAfter, limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load orphans from DB")
		return 0
	}

	revived := 0
	for _, rec := range orphans {
		if s.reviveOne(ctx, rec) {
			revived++
		}
	}
	return revived
}

func (s *ImageService) reviveOne(ctx context.Context, rec model.GenerationRecord) bool {
	logger := mwlogger.LoggerFromContext(ctx).With().Str("key", string(rec.Key)).Str("status", string(rec.Status)).Logger()

	task, decodeErr := model.DecodeTask(rec.Task)

	exists, err := s.cache.Exists(ctx, rec.Key)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to check artifact of orphan")
		return false
	}
	if exists {
		ct := ""
		if decodeErr == nil {
			ct = model.GetCType[task.Request.Format]
		}
		if err := s.repo.MarkSucceeded(ctx, rec.Key, cache.ObjectKey(rec.Key), ct); err != nil {
			logger.Error().Err(err).Msg("Failed to close orphan with cached artifact")
			return false
		}
		metrics.Revived.WithLabelValues("succeeded").Inc()
		return true
	}

	if decodeErr != nil || rec.Attempts >= s.opts.MaxAttempts {
		kind, msg := rec.ErrorKind, fmt.Sprintf("abandoned after %d attempts", rec.Attempts)
		if kind == model.KindNone {
			kind = model.KindTimeout
		}
		if decodeErr != nil {
			kind, msg = model.KindInternal, "stored task is unreadable: "+decodeErr.Error()
		}
		if err := s.repo.MarkFailed(ctx, rec.Key, rec.Status, kind, msg); err != nil {
			logger.Error().Err(err).Msg("Failed to fail orphan")
			return false
		}
		metrics.Revived.WithLabelValues("failed").Inc()
		return true
	}

	won, err := s.repo.Requeue(ctx, rec.Key, rec.Status, false)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to requeue orphan")
		return false
	}
	if !won {
		return false
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		logger.Error().Err(err).Msg("Failed to publish orphan to queue")
		return false
	}
	metrics.Revived.WithLabelValues("requeued").Inc()
	logger.Info().Int("attempts", rec.Attempts).Msg("Orphaned generation requeued")
	return true
}

// PurgeTerminal deletes finished records older than RecordRetention.
func (s *ImageService) PurgeTerminal(ctx context.Context) (int64, error) {
	n, err := s.repo.PurgeTerminal(ctx, s.opts.RecordRetention)
	if err != nil {
		logger := mwlogger.LoggerFromContext(ctx)
		logger.Error().Err(err).Msg("Failed to purge finished generation records")
		return 0, model.ErrCommon500
	}
	return n, nil
}

// surface keeps classified errors and hides everything else behind ErrCommon500.
func (s *ImageService) surface(ctx context.Context, err error, msg string) error {
	switch model.KindOf(err) {
	case model.KindInvalidRequest, model.KindNotFound, model.KindUpstream, model.KindTimeout:
		return err
	}
	logger := mwlogger.LoggerFromContext(ctx)
	logger.Error().Err(err).Msg(msg)
	return model.ErrCommon500
}
