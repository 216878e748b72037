// Package transport provides methods for processing requests from endpoints
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/UnendingLoop/ArchiveIIIF/internal/canon"
	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/UnendingLoop/ArchiveIIIF/internal/mwlogger"
	"github.com/wb-go/wbf/ginext"
)

type ImageHandler struct {
	service   ImageService
	publicURL string
}

type ImageService interface {
	Info(ctx context.Context, identifier string) (model.ExposureInfo, error)
	Limits() canon.Limits
	Request(ctx context.Context, identifier, region, size, rotation, quality, format string) (*model.Derivative, error)
}

// NewImageHandler - publicURL задает базу для id в info.json; пустой - берется из запроса
func NewImageHandler(svc ImageService, publicURL string) *ImageHandler {
	return &ImageHandler{
		service:   svc,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

func (h ImageHandler) SimplePinger(ctx *ginext.Context) {
	ctx.JSON(200, map[string]string{"message": "pong"})
}

// IIIF serves /iiif/:id/*rest: either info.json or {region}/{size}/{rotation}/{quality}.{format}.
func (h ImageHandler) IIIF(ctx *ginext.Context) {
	id := ctx.Param("id")
	rest := strings.Trim(ctx.Param("rest"), "/")

	switch rest {
	case "":
		ctx.Redirect(http.StatusSeeOther, h.baseURL(ctx)+"/iiif/"+id+"/info.json")
		return
	case "info.json":
		h.Info(ctx, id)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		h.writeError(ctx, fmt.Errorf("%w: expected {region}/{size}/{rotation}/{quality}.{format}", model.ErrInvalidRequest))
		return
	}
	dot := strings.LastIndex(parts[3], ".")
	if dot <= 0 || dot == len(parts[3])-1 {
		h.writeError(ctx, fmt.Errorf("%w: %q has no format extension", model.ErrInvalidRequest, parts[3]))
		return
	}

	h.Image(ctx, id, parts[0], parts[1], parts[2], parts[3][:dot], parts[3][dot+1:])
}

func (h ImageHandler) Image(ctx *ginext.Context, id, region, size, rotation, quality, format string) {
	d, err := h.service.Request(ctx.Request.Context(), id, region, size, rotation, quality, format)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	// артефакт по ключу неизменен
	etag := `"` + string(d.Key) + `"`
	ctx.Header("ETag", etag)
	ctx.Header("Cache-Control", "public, max-age=31536000, immutable")
	if match := ctx.GetHeader("If-None-Match"); match != "" && match == etag {
		ctx.Status(http.StatusNotModified)
		return
	}
	ctx.Data(200, d.ContentType, d.Data)
}

func (h ImageHandler) Info(ctx *ginext.Context, id string) {
	info, err := h.service.Info(ctx.Request.Context(), id)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	doc := newInfoDocument(h.baseURL(ctx)+"/iiif/"+id, info, h.service.Limits())
	ctx.Header("Content-Type", infoContentType)
	ctx.Header("Access-Control-Allow-Origin", "*")
	ctx.JSON(200, doc)
}

func (h ImageHandler) writeError(ctx *ginext.Context, err error) {
	code := errorCodeDefiner(err)
	if code == http.StatusServiceUnavailable {
		ctx.Header("Retry-After", retryAfterSeconds)
	}
	if code >= 500 {
		logger := mwlogger.LoggerFromContext(ctx.Request.Context())
		logger.Warn().Err(err).Int("status", code).Msg("Request failed")
	}
	ctx.JSON(code, map[string]string{"error": err.Error()})
}

func (h ImageHandler) baseURL(ctx *ginext.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if ctx.Request.TLS != nil {
		scheme = "https"
	}
	if fwd := ctx.GetHeader("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + ctx.Request.Host
}
