package worker

import (
	"context"
	"sync"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/UnendingLoop/ArchiveIIIF/internal/notify"
)

type mockRepo struct {
	claimFn         func(ctx context.Context, key model.CanonicalKey, max int) (*model.GenerationRecord, error)
	recordAttemptFn func(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) (int, error)
	succeededFn     func(ctx context.Context, key model.CanonicalKey, resultKey, ct string) error
	failedFn        func(ctx context.Context, key model.CanonicalKey, from model.Status, kind model.ErrorKind, msg string) error
	parkFn          func(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) error
}

func (m *mockRepo) Claim(ctx context.Context, key model.CanonicalKey, max int) (*model.GenerationRecord, error) {
	return m.claimFn(ctx, key, max)
}

func (m *mockRepo) RecordAttempt(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) (int, error) {
	return m.recordAttemptFn(ctx, key, kind, msg)
}

func (m *mockRepo) MarkSucceeded(ctx context.Context, key model.CanonicalKey, resultKey, ct string) error {
	return m.succeededFn(ctx, key, resultKey, ct)
}

func (m *mockRepo) MarkFailed(ctx context.Context, key model.CanonicalKey, from model.Status, kind model.ErrorKind, msg string) error {
	return m.failedFn(ctx, key, from, kind, msg)
}

func (m *mockRepo) Park(ctx context.Context, key model.CanonicalKey, kind model.ErrorKind, msg string) error {
	return m.parkFn(ctx, key, kind, msg)
}

//----------------------------------

type mockResolver struct {
	resolveFn func(ctx context.Context, identifier, version string) (*model.SourceImage, error)
}

func (m *mockResolver) Resolve(ctx context.Context, identifier, version string) (*model.SourceImage, error) {
	return m.resolveFn(ctx, identifier, version)
}

type mockTransformer struct {
	transformFn func(ctx context.Context, src *model.SourceImage, req model.ImageRequest) (*model.Derivative, error)
}

func (m *mockTransformer) Transform(ctx context.Context, src *model.SourceImage, req model.ImageRequest) (*model.Derivative, error) {
	return m.transformFn(ctx, src, req)
}

type mockCache struct {
	putFn func(ctx context.Context, d *model.Derivative) error
}

func (m *mockCache) Put(ctx context.Context, d *model.Derivative) error {
	return m.putFn(ctx, d)
}

type mockProcessor struct {
	processFn func(ctx context.Context, task model.Task) error
}

func (m *mockProcessor) Process(ctx context.Context, task model.Task) error {
	return m.processFn(ctx, task)
}

//----------------------------------

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []notify.Outcome
}

func (n *recordingNotifier) Publish(_ model.CanonicalKey, o notify.Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
}

func (n *recordingNotifier) all() []notify.Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Outcome(nil), n.outcomes...)
}
