// Package canon turns IIIF image request parameters into a canonical ImageRequest
// and the CanonicalKey derived from it.
package canon

import (
	"fmt"
	"math"
	"strconv"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/opencontainers/go-digest"
)

// TransformVersion is mixed into every key. Bump it whenever the pixels produced for an
// unchanged request can change (resampling filter, rotation fill, zscale tuning, encoder options).
const TransformVersion = "1"

type Limits struct {
	AllowUpscale bool
	MaxWidth     int
	MaxHeight    int
	MaxArea      int64
}

// Canonicalize parses and normalizes a request against the exposure it addresses.
func Canonicalize(identifier, region, size, rotation, quality, format string, info model.ExposureInfo, lim Limits) (model.ImageRequest, model.CanonicalKey, error) {
	p, err := Parse(identifier, region, size, rotation, quality, format)
	if err != nil {
		return model.ImageRequest{}, "", err
	}
	req, err := Normalize(p, info, lim)
	if err != nil {
		return model.ImageRequest{}, "", err
	}
	return req, Key(req), nil
}

// Normalize resolves region and size against the intrinsic dimensions in info.
func Normalize(p model.ParsedRequest, info model.ExposureInfo, lim Limits) (model.ImageRequest, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return model.ImageRequest{}, fmt.Errorf("%w: exposure %q has no usable dimensions", model.ErrTransform, info.Identifier)
	}

	rect, err := resolveRegion(p.Region, info.Width, info.Height)
	if err != nil {
		return model.ImageRequest{}, err
	}
	w, h, err := resolveSize(p.Size, rect.W, rect.H, lim)
	if err != nil {
		return model.ImageRequest{}, err
	}

	return model.ImageRequest{
		Identifier: p.Identifier,
		Version:    info.Version,
		Region:     rect,
		Width:      w,
		Height:     h,
		Rotation:   p.Rotation,
		Mirror:     p.Mirror,
		Quality:    p.Quality,
		Format:     p.Format,
	}, nil
}

// Describe renders the canonical text form that Key hashes.
func Describe(req model.ImageRequest) string {
	rot := strconv.FormatFloat(req.Rotation, 'f', -1, 64)
	if req.Mirror {
		rot = "!" + rot
	}
	return fmt.Sprintf("v%s|%s|%s|%d,%d,%d,%d|%d,%d|%s|%s|%s",
		TransformVersion,
		strconv.Quote(req.Identifier),
		strconv.Quote(req.Version),
		req.Region.X, req.Region.Y, req.Region.W, req.Region.H,
		req.Width, req.Height,
		rot,
		req.Quality,
		req.Format,
	)
}

func Key(req model.ImageRequest) model.CanonicalKey {
	return model.CanonicalKey(digest.FromString(Describe(req)).Encoded())
}

func resolveRegion(spec model.RegionSpec, width, height int) (model.Rect, error) {
	var r model.Rect
	switch spec.Kind {
	case model.RegionFull:
		return model.Rect{W: width, H: height}, nil
	case model.RegionSquare:
		s := min(width, height)
		return model.Rect{X: (width - s) / 2, Y: (height - s) / 2, W: s, H: s}, nil
	case model.RegionPixels:
		r = model.Rect{X: int(spec.X), Y: int(spec.Y), W: int(spec.W), H: int(spec.H)}
	case model.RegionPercent:
		r = model.Rect{
			X: int(math.Round(spec.X * float64(width) / 100)),
			Y: int(math.Round(spec.Y * float64(height) / 100)),
			W: int(math.Round(spec.W * float64(width) / 100)),
			H: int(math.Round(spec.H * float64(height) / 100)),
		}
	default:
		return r, invalid("unknown region kind")
	}

	if r.W <= 0 || r.H <= 0 {
		return r, invalid("region is empty")
	}
	if r.X >= width || r.Y >= height {
		return r, invalid("region %d,%d,%d,%d lies outside %dx%d", r.X, r.Y, r.W, r.H, width, height)
	}
	// частичное перекрытие - обрезаем по границам снимка
	if r.X+r.W > width {
		r.W = width - r.X
	}
	if r.Y+r.H > height {
		r.H = height - r.Y
	}
	return r, nil
}

func resolveSize(spec model.SizeSpec, rw, rh int, lim Limits) (int, int, error) {
	var w, h int
	switch spec.Kind {
	case model.SizeMax:
		w, h = fitLimits(rw, rh, lim)
		return w, h, nil
	case model.SizeWidth:
		w = spec.W
		h = scaled(rh, float64(spec.W)/float64(rw))
	case model.SizeHeight:
		h = spec.H
		w = scaled(rw, float64(spec.H)/float64(rh))
	case model.SizePercent:
		w = scaled(rw, spec.Percent/100)
		h = scaled(rh, spec.Percent/100)
	case model.SizeExact:
		w, h = spec.W, spec.H
	case model.SizeBestFit:
		scale := math.Min(float64(spec.W)/float64(rw), float64(spec.H)/float64(rh))
		if scale > 1 && !lim.AllowUpscale {
			scale = 1
		}
		w = min(scaled(rw, scale), spec.W)
		h = min(scaled(rh, scale), spec.H)
	default:
		return 0, 0, invalid("unknown size kind")
	}

	if (w > rw || h > rh) && !lim.AllowUpscale {
		return 0, 0, invalid("size %dx%d exceeds region %dx%d and upscaling is disabled", w, h, rw, rh)
	}
	if exceeds(w, h, lim) {
		return 0, 0, invalid("size %dx%d exceeds the configured maximum", w, h)
	}
	return w, h, nil
}

func scaled(v int, factor float64) int {
	return max(1, int(math.Round(float64(v)*factor)))
}

// fitLimits shrinks w×h, keeping the aspect ratio, until it satisfies every limit.
func fitLimits(w, h int, lim Limits) (int, int) {
	scale := 1.0
	if lim.MaxWidth > 0 && w > lim.MaxWidth {
		scale = math.Min(scale, float64(lim.MaxWidth)/float64(w))
	}
	if lim.MaxHeight > 0 && h > lim.MaxHeight {
		scale = math.Min(scale, float64(lim.MaxHeight)/float64(h))
	}
	if lim.MaxArea > 0 && int64(w)*int64(h) > lim.MaxArea {
		scale = math.Min(scale, math.Sqrt(float64(lim.MaxArea)/(float64(w)*float64(h))))
	}
	if scale == 1 {
		return w, h
	}
	return max(1, int(math.Floor(float64(w)*scale))), max(1, int(math.Floor(float64(h)*scale)))
}

func exceeds(w, h int, lim Limits) bool {
	return (lim.MaxWidth > 0 && w > lim.MaxWidth) ||
		(lim.MaxHeight > 0 && h > lim.MaxHeight) ||
		(lim.MaxArea > 0 && int64(w)*int64(h) > lim.MaxArea)
}
