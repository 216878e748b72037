package transport

import (
	"errors"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
)

// Retry-After для 503: архив недоступен или генерация еще идет
const retryAfterSeconds = "5"

func errorCodeDefiner(err error) int {
	switch {
	case errors.Is(err, model.ErrCommon500):
		return 500
	case errors.Is(err, model.ErrInvalidRequest):
		return 400
	case errors.Is(err, model.ErrNotFound):
		return 404
	case errors.Is(err, model.ErrUpstream),
		errors.Is(err, model.ErrTimeout),
		errors.Is(err, model.ErrResultNotReady):
		return 503
	case errors.Is(err, model.ErrTransform),
		errors.Is(err, model.ErrStore):
		return 500
	default:
		return 500
	}
}
