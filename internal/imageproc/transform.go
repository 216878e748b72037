// Package imageproc applies canonical image requests to decoded exposures:
// region extraction, scaling, mirroring and rotation, quality reduction and encoding.
package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/disintegration/imaging"
)

type Engine struct {
	JPEGQuality int
}

func NewEngine(jpegQuality int) *Engine {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &Engine{JPEGQuality: jpegQuality}
}

// Transform runs the fixed stage order extract → scale → orient → reduce → encode.
// The source is never modified; every stage allocates its own buffer.
// ctx is checked between stages, a cancelled transform returns ctx.Err().
func (e *Engine) Transform(ctx context.Context, src *model.SourceImage, req model.ImageRequest) (*model.Derivative, error) {
	if src == nil || src.Pixels == nil {
		return nil, fmt.Errorf("%w: empty source image", model.ErrTransform)
	}
	bounds := src.Pixels.Bounds()
	region := req.Region.Image()
	if region.Empty() || !region.In(image.Rect(0, 0, bounds.Dx(), bounds.Dy())) {
		return nil, fmt.Errorf("%w: region %v outside source %dx%d", model.ErrTransform, region, bounds.Dx(), bounds.Dy())
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("%w: target size %dx%d", model.ErrTransform, req.Width, req.Height)
	}
	encoder, ok := model.GetEncoder[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for %q", model.ErrTransform, req.Format)
	}

	img := Extract(src.Pixels, region)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img = Scale(img, req.Width, req.Height)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img = Orient(img, req.Rotation, req.Mirror, background(req.Format.HasAlpha()))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img = Reduce(img, req.Quality)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := e.Encode(img, encoder)
	if err != nil {
		return nil, err
	}

	return &model.Derivative{
		ContentType: model.GetCType[req.Format],
		Data:        data,
	}, nil
}

func (e *Engine) Encode(img image.Image, format imaging.Format) ([]byte, error) {
	var buf bytes.Buffer
	err := imaging.Encode(&buf, img, format,
		imaging.JPEGQuality(e.JPEGQuality),
		imaging.PNGCompressionLevel(png.BestCompression),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode %v: %v", model.ErrTransform, format, err)
	}
	return buf.Bytes(), nil
}
