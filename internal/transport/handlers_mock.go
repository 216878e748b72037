package transport

import (
	"context"

	"github.com/UnendingLoop/ArchiveIIIF/internal/canon"
	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/gin-gonic/gin"
)

type requestArgs struct {
	identifier, region, size, rotation, quality, format string
}

type mockImageService struct {
	infoFn    func(ctx context.Context, identifier string) (model.ExposureInfo, error)
	requestFn func(ctx context.Context, args requestArgs) (*model.Derivative, error)
	limits    canon.Limits
}

func (m *mockImageService) Info(ctx context.Context, identifier string) (model.ExposureInfo, error) {
	return m.infoFn(ctx, identifier)
}

func (m *mockImageService) Limits() canon.Limits {
	return m.limits
}

func (m *mockImageService) Request(ctx context.Context, identifier, region, size, rotation, quality, format string) (*model.Derivative, error) {
	return m.requestFn(ctx, requestArgs{identifier, region, size, rotation, quality, format})
}

func init() {
	gin.SetMode(gin.TestMode)
}
