package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/cache"
	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"
)

const genKey = model.CanonicalKey("c0ffee00c0ffee00c0ffee")

var genTask = model.Task{
	Key: genKey,
	Request: model.ImageRequest{
		Identifier: "2938",
		Version:    "17",
		Region:     model.Rect{W: 4, H: 4},
		Width:      2,
		Height:     2,
		Quality:    model.QualityColor,
		Format:     model.FormatPNG,
	},
}

type repoCalls struct {
	attempts  []model.ErrorKind
	succeeded []string
	failed    []model.ErrorKind
	parked    []model.ErrorKind
}

func recordingRepo(calls *repoCalls, claimErr error) *mockRepo {
	attempts := 1
	return &mockRepo{
		claimFn: func(_ context.Context, key model.CanonicalKey, _ int) (*model.GenerationRecord, error) {
			if claimErr != nil {
				return nil, claimErr
			}
			return &model.GenerationRecord{Key: key, Status: model.StatusRunning, Attempts: attempts}, nil
		},
		recordAttemptFn: func(_ context.Context, _ model.CanonicalKey, kind model.ErrorKind, _ string) (int, error) {
			calls.attempts = append(calls.attempts, kind)
			attempts++
			return attempts, nil
		},
		succeededFn: func(_ context.Context, _ model.CanonicalKey, resultKey, _ string) error {
			calls.succeeded = append(calls.succeeded, resultKey)
			return nil
		},
		failedFn: func(_ context.Context, _ model.CanonicalKey, from model.Status, kind model.ErrorKind, _ string) error {
			if from != model.StatusRunning {
				return fmt.Errorf("unexpected from-status %s", from)
			}
			calls.failed = append(calls.failed, kind)
			return nil
		},
		parkFn: func(_ context.Context, _ model.CanonicalKey, kind model.ErrorKind, _ string) error {
			calls.parked = append(calls.parked, kind)
			return nil
		},
	}
}

func okSource() *model.SourceImage {
	return &model.SourceImage{Identifier: "2938", Version: "17", Width: 4, Height: 4, Pixels: image.NewNRGBA(image.Rect(0, 0, 4, 4))}
}

func okTransformer() *mockTransformer {
	return &mockTransformer{transformFn: func(context.Context, *model.SourceImage, model.ImageRequest) (*model.Derivative, error) {
		return &model.Derivative{ContentType: model.PNG, Data: []byte("png")}, nil
	}}
}

func okCache() *mockCache {
	return &mockCache{putFn: func(context.Context, *model.Derivative) error { return nil }}
}

func testOptions() Options {
	return Options{
		MaxAttempts:      5,
		Retry:            retry.Strategy{Attempts: 3, Delay: time.Millisecond, Backoff: 2},
		AttemptTimeout:   time.Second,
		TransformTimeout: time.Second,
		StoreTimeout:     time.Second,
		StoreAttempts:    3,
	}
}

func newTestGenerator(_ *testing.T, repo GenerationRepo, res SourceResolver, eng Transformer, c ArtifactCache, n Notifier) *Generator {
	return NewGenerator(repo, res, eng, c, n, testOptions())
}

func TestGenerator_Success(t *testing.T) {
	calls := &repoCalls{}
	notifier := &recordingNotifier{}
	var stored *model.Derivative

	res := &mockResolver{resolveFn: func(_ context.Context, id, version string) (*model.SourceImage, error) {
		require.Equal(t, "2938", id)
		require.Equal(t, "17", version)
		return okSource(), nil
	}}
	c := &mockCache{putFn: func(_ context.Context, d *model.Derivative) error {
		stored = d
		return nil
	}}

	g := newTestGenerator(t, recordingRepo(calls, nil), res, okTransformer(), c, notifier)
	require.NoError(t, g.Process(context.Background(), genTask))

	require.Equal(t, genKey, stored.Key)
	require.Equal(t, []string{cache.ObjectKey(genKey)}, calls.succeeded)
	require.Empty(t, calls.failed)

	outcomes := notifier.all()
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, []byte("png"), outcomes[0].Derivative.Data)
	require.True(t, outcomes[0].Stored)
}

func TestGenerator_NotClaimed(t *testing.T) {
	tests := []struct {
		name     string
		claimErr error
		wantErr  bool
	}{
		{"duplicate delivery", model.ErrNotClaimed, false},
		{"db down", errors.New("db down"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &mockResolver{resolveFn: func(context.Context, string, string) (*model.SourceImage, error) {
				t.Fatal("resolver must not run without a claim")
				return nil, nil
			}}
			g := newTestGenerator(t, recordingRepo(&repoCalls{}, tt.claimErr), res, okTransformer(), okCache(), nil)

			err := g.Process(context.Background(), genTask)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGenerator_Failures(t *testing.T) {
	upstream := fmt.Errorf("%w: archive answered 503", model.ErrUpstream)

	tests := []struct {
		name         string
		resolveErrs  []error // по одной на попытку, дальше - успех
		transformErr error
		wantAttempts int
		wantFailed   []model.ErrorKind
		wantResolves int32
	}{
		{
			name:         "transient upstream recovers",
			resolveErrs:  []error{upstream},
			wantAttempts: 1,
			wantResolves: 2,
		},
		{
			name:         "upstream exhausts retries",
			resolveErrs:  []error{upstream, upstream, upstream},
			wantAttempts: 2,
			wantFailed:   []model.ErrorKind{model.KindUpstream},
			wantResolves: 3,
		},
		{
			name:         "not found is terminal",
			resolveErrs:  []error{fmt.Errorf("%w: frame 2938", model.ErrNotFound)},
			wantFailed:   []model.ErrorKind{model.KindNotFound},
			wantResolves: 1,
		},
		{
			name:         "transform error is terminal",
			transformErr: fmt.Errorf("%w: bad region", model.ErrTransform),
			wantFailed:   []model.ErrorKind{model.KindTransform},
			wantResolves: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := &repoCalls{}
			notifier := &recordingNotifier{}
			var resolves int32

			res := &mockResolver{resolveFn: func(context.Context, string, string) (*model.SourceImage, error) {
				n := atomic.AddInt32(&resolves, 1)
				if int(n) <= len(tt.resolveErrs) {
					return nil, tt.resolveErrs[n-1]
				}
				return okSource(), nil
			}}
			eng := okTransformer()
			if tt.transformErr != nil {
				eng = &mockTransformer{transformFn: func(context.Context, *model.SourceImage, model.ImageRequest) (*model.Derivative, error) {
					return nil, tt.transformErr
				}}
			}

			g := newTestGenerator(t, recordingRepo(calls, nil), res, eng, okCache(), notifier)
			require.NoError(t, g.Process(context.Background(), genTask))

			require.Equal(t, tt.wantResolves, resolves)
			require.Len(t, calls.attempts, tt.wantAttempts)
			require.Equal(t, tt.wantFailed, calls.failed)

			outcomes := notifier.all()
			require.Len(t, outcomes, 1)
			if len(tt.wantFailed) > 0 {
				var genErr *model.GenerationError
				require.ErrorAs(t, outcomes[0].Err, &genErr)
				require.Equal(t, genKey, genErr.Key)
				require.Equal(t, tt.wantFailed[0], genErr.Kind)
				require.Empty(t, calls.succeeded)
			} else {
				require.NoError(t, outcomes[0].Err)
				require.Len(t, calls.succeeded, 1)
			}
		})
	}
}

func TestGenerator_LifetimeBudget(t *testing.T) {
	calls := &repoCalls{}
	repo := recordingRepo(calls, nil)
	repo.claimFn = func(_ context.Context, key model.CanonicalKey, _ int) (*model.GenerationRecord, error) {
		return &model.GenerationRecord{Key: key, Status: model.StatusRunning, Attempts: 5}, nil
	}
	res := &mockResolver{resolveFn: func(context.Context, string, string) (*model.SourceImage, error) {
		return nil, model.ErrUpstream
	}}

	g := newTestGenerator(t, repo, res, okTransformer(), okCache(), nil)
	require.NoError(t, g.Process(context.Background(), genTask))
	require.Empty(t, calls.attempts)
	require.Equal(t, []model.ErrorKind{model.KindUpstream}, calls.failed)
}

func TestGenerator_Timeouts(t *testing.T) {
	t.Run("resolve deadline", func(t *testing.T) {
		calls := &repoCalls{}
		res := &mockResolver{resolveFn: func(ctx context.Context, _, _ string) (*model.SourceImage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		g := newTestGenerator(t, recordingRepo(calls, nil), res, okTransformer(), okCache(), nil)
		g.opts.AttemptTimeout = 10 * time.Millisecond
		g.opts.Retry.Attempts = 1

		require.NoError(t, g.Process(context.Background(), genTask))
		require.Equal(t, []model.ErrorKind{model.KindTimeout}, calls.failed)
	})

	t.Run("transform wall clock", func(t *testing.T) {
		calls := &repoCalls{}
		var transforms int32
		eng := &mockTransformer{transformFn: func(ctx context.Context, _ *model.SourceImage, _ model.ImageRequest) (*model.Derivative, error) {
			if atomic.AddInt32(&transforms, 1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &model.Derivative{ContentType: model.PNG, Data: []byte("late")}, nil
		}}
		res := &mockResolver{resolveFn: func(context.Context, string, string) (*model.SourceImage, error) {
			return okSource(), nil
		}}
		g := newTestGenerator(t, recordingRepo(calls, nil), res, eng, okCache(), nil)
		g.opts.TransformTimeout = 20 * time.Millisecond

		require.NoError(t, g.Process(context.Background(), genTask))
		require.Equal(t, []model.ErrorKind{model.KindTimeout}, calls.attempts)
		require.Len(t, calls.succeeded, 1)
	})

	t.Run("timed out transform is waited for", func(t *testing.T) {
		calls := &repoCalls{}
		var running, overlaps, transforms int32
		// движок не смотрит на ctx и работает дольше лимита
		eng := &mockTransformer{transformFn: func(context.Context, *model.SourceImage, model.ImageRequest) (*model.Derivative, error) {
			atomic.AddInt32(&transforms, 1)
			if atomic.AddInt32(&running, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			defer atomic.AddInt32(&running, -1)
			time.Sleep(60 * time.Millisecond)
			return &model.Derivative{ContentType: model.PNG, Data: []byte("slow")}, nil
		}}
		res := &mockResolver{resolveFn: func(context.Context, string, string) (*model.SourceImage, error) {
			return okSource(), nil
		}}
		g := newTestGenerator(t, recordingRepo(calls, nil), res, eng, okCache(), nil)
		g.opts.TransformTimeout = 10 * time.Millisecond

		require.NoError(t, g.Process(context.Background(), genTask))
		require.Equal(t, int32(3), atomic.LoadInt32(&transforms))
		require.Zero(t, atomic.LoadInt32(&overlaps))
		require.Zero(t, atomic.LoadInt32(&running))
		require.Equal(t, []model.ErrorKind{model.KindTimeout}, calls.failed)
		require.Empty(t, calls.succeeded)
	})

	t.Run("transform panic", func(t *testing.T) {
		calls := &repoCalls{}
		eng := &mockTransformer{transformFn: func(context.Context, *model.SourceImage, model.ImageRequest) (*model.Derivative, error) {
			panic("index out of range")
		}}
		res := &mockResolver{resolveFn: func(context.Context, string, string) (*model.SourceImage, error) {
			return okSource(), nil
		}}
		g := newTestGenerator(t, recordingRepo(calls, nil), res, eng, okCache(), nil)

		require.NoError(t, g.Process(context.Background(), genTask))
		require.Equal(t, []model.ErrorKind{model.KindTransform}, calls.failed)
	})
}

func TestGenerator_StoreOutcomes(t *testing.T) {
	res := &mockResolver{resolveFn: func(context.Context, string, string) (*model.SourceImage, error) {
		return okSource(), nil
	}}

	t.Run("store keeps failing", func(t *testing.T) {
		calls := &repoCalls{}
		notifier := &recordingNotifier{}
		var puts int
		c := &mockCache{putFn: func(context.Context, *model.Derivative) error {
			puts++
			return fmt.Errorf("%w: bucket unavailable", model.ErrStore)
		}}

		g := newTestGenerator(t, recordingRepo(calls, nil), res, okTransformer(), c, notifier)
		require.NoError(t, g.Process(context.Background(), genTask))

		require.Equal(t, 3, puts)
		require.Equal(t, []model.ErrorKind{model.KindStore}, calls.parked)
		require.Empty(t, calls.succeeded)
		require.Empty(t, calls.failed)

		outcomes := notifier.all()
		require.Len(t, outcomes, 1)
		require.NoError(t, outcomes[0].Err)
		require.Equal(t, []byte("png"), outcomes[0].Derivative.Data)
	})

	t.Run("store recovers", func(t *testing.T) {
		calls := &repoCalls{}
		var puts int
		c := &mockCache{putFn: func(context.Context, *model.Derivative) error {
			puts++
			if puts == 1 {
				return model.ErrStore
			}
			return nil
		}}

		g := newTestGenerator(t, recordingRepo(calls, nil), res, okTransformer(), c, nil)
		require.NoError(t, g.Process(context.Background(), genTask))
		require.Equal(t, 2, puts)
		require.Len(t, calls.succeeded, 1)
		require.Empty(t, calls.parked)
	})

	t.Run("hanging store put times out", func(t *testing.T) {
		calls := &repoCalls{}
		var puts int32
		c := &mockCache{putFn: func(ctx context.Context, _ *model.Derivative) error {
			atomic.AddInt32(&puts, 1)
			<-ctx.Done()
			return ctx.Err()
		}}

		g := newTestGenerator(t, recordingRepo(calls, nil), res, okTransformer(), c, nil)
		g.opts.StoreTimeout = 10 * time.Millisecond
		require.NoError(t, g.Process(context.Background(), genTask))
		require.Equal(t, int32(3), atomic.LoadInt32(&puts))
		require.Equal(t, []model.ErrorKind{model.KindStore}, calls.parked)
	})

	t.Run("conflict keeps stored artifact", func(t *testing.T) {
		calls := &repoCalls{}
		notifier := &recordingNotifier{}
		c := &mockCache{putFn: func(context.Context, *model.Derivative) error {
			return model.ErrCacheConflict
		}}

		g := newTestGenerator(t, recordingRepo(calls, nil), res, okTransformer(), c, notifier)
		require.NoError(t, g.Process(context.Background(), genTask))
		require.Len(t, calls.succeeded, 1)

		outcomes := notifier.all()
		require.Len(t, outcomes, 1)
		require.Nil(t, outcomes[0].Derivative)
		require.NoError(t, outcomes[0].Err)
	})
}
