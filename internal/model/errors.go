package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrCommon500      error = errors.New("something went wrong. Try again later")            // 500
	ErrInvalidRequest error = errors.New("invalid image request")                            // 400
	ErrNotFound       error = errors.New("exposure not found")                               // 404
	ErrUpstream       error = errors.New("archive is unavailable")                           // 503
	ErrTransform      error = errors.New("failed to transform exposure")                     // 500
	ErrStore          error = errors.New("artifact store is unavailable")                    // 500
	ErrTimeout        error = errors.New("generation attempt timed out")                     // 503
	ErrResultNotReady error = errors.New("requested image is not generated yet, retry later") // 503

	ErrCacheMiss      error = errors.New("artifact not cached")
	ErrObjectNotFound error = errors.New("object doesn't exist in storage")
	ErrCacheConflict  error = errors.New("cached artifact differs from generated bytes")
	ErrRecordNotFound error = errors.New("generation record doesn't exist")
	ErrNotClaimed     error = errors.New("generation record is not claimable")
)

type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindInvalidRequest ErrorKind = "invalid_request"
	KindNotFound       ErrorKind = "not_found"
	KindUpstream       ErrorKind = "upstream"
	KindTransform      ErrorKind = "transform"
	KindStore          ErrorKind = "store"
	KindTimeout        ErrorKind = "timeout"
	KindInternal       ErrorKind = "internal"
)

var kindSentinel = map[ErrorKind]error{
	KindInvalidRequest: ErrInvalidRequest,
	KindNotFound:       ErrNotFound,
	KindUpstream:       ErrUpstream,
	KindTransform:      ErrTransform,
	KindStore:          ErrStore,
	KindTimeout:        ErrTimeout,
	KindInternal:       ErrCommon500,
}

// Retryable - повторная попытка может дать другой результат
func (k ErrorKind) Retryable() bool {
	return k == KindUpstream || k == KindStore || k == KindTimeout
}

// KindOf classifies err into the persisted error taxonomy.
func KindOf(err error) ErrorKind {
	var gen *GenerationError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &gen):
		return gen.Kind
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	case errors.Is(err, ErrTransform):
		return KindTransform
	case errors.Is(err, ErrStore):
		return KindStore
	default:
		return KindInternal
	}
}

// GenerationError is what every waiter of a failed generation receives.
type GenerationError struct {
	Key     CanonicalKey
	Kind    ErrorKind
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s failed (%s): %s", e.Key, e.Kind, e.Message)
}

func (e *GenerationError) Unwrap() error {
	if s, ok := kindSentinel[e.Kind]; ok {
		return s
	}
	return ErrCommon500
}
