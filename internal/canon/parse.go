package canon

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
)

// Parse validates the request grammar. No I/O happens here, so unsupported
// formats and malformed parameters are rejected before anything is fetched.
func Parse(identifier, region, size, rotation, quality, format string) (model.ParsedRequest, error) {
	var p model.ParsedRequest
	var err error

	if p.Identifier, err = parseIdentifier(identifier); err != nil {
		return p, err
	}
	// формат проверяем первым - самый дешевый отказ
	if p.Format, err = parseFormat(format); err != nil {
		return p, err
	}
	if p.Region, err = parseRegion(region); err != nil {
		return p, err
	}
	if p.Size, err = parseSize(size); err != nil {
		return p, err
	}
	if p.Rotation, p.Mirror, err = parseRotation(rotation); err != nil {
		return p, err
	}
	if p.Quality, err = parseQuality(quality); err != nil {
		return p, err
	}
	return p, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func parseIdentifier(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", invalid("empty identifier")
	}
	if strings.ContainsAny(id, "/\\?#") {
		return "", invalid("identifier %q contains reserved characters", id)
	}
	return id, nil
}

func parseFormat(s string) (model.Format, error) {
	f, ok := model.FormatAliases[strings.ToLower(s)]
	if !ok {
		return "", invalid("unsupported format %q", s)
	}
	return f, nil
}

func parseRegion(s string) (model.RegionSpec, error) {
	switch s {
	case "full":
		return model.RegionSpec{Kind: model.RegionFull}, nil
	case "square":
		return model.RegionSpec{Kind: model.RegionSquare}, nil
	}

	kind := model.RegionPixels
	body := s
	if rest, ok := strings.CutPrefix(s, "pct:"); ok {
		kind = model.RegionPercent
		body = rest
	}

	parts := strings.Split(body, ",")
	if len(parts) != 4 {
		return model.RegionSpec{}, invalid("region %q must have 4 components", s)
	}

	vals := make([]float64, 4)
	for i, part := range parts {
		var v float64
		var err error
		if kind == model.RegionPixels {
			var n int
			n, err = parseInteger(part)
			v = float64(n)
		} else {
			v, err = parseDecimal(part)
		}
		if err != nil {
			return model.RegionSpec{}, invalid("region %q: bad component %q", s, part)
		}
		if v < 0 {
			return model.RegionSpec{}, invalid("region %q: negative component", s)
		}
		vals[i] = v
	}
	if vals[2] <= 0 || vals[3] <= 0 {
		return model.RegionSpec{}, invalid("region %q: width and height must be positive", s)
	}

	return model.RegionSpec{Kind: kind, X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
}

func parseSize(s string) (model.SizeSpec, error) {
	var spec model.SizeSpec
	body := s
	if rest, ok := strings.CutPrefix(s, "^"); ok {
		spec.Upscale = true
		body = rest
	}

	switch {
	case body == "max" || body == "full":
		spec.Kind = model.SizeMax
		return spec, nil
	case strings.HasPrefix(body, "pct:"):
		v, err := parseDecimal(strings.TrimPrefix(body, "pct:"))
		if err != nil || v <= 0 {
			return spec, invalid("size %q: bad percent", s)
		}
		spec.Kind = model.SizePercent
		spec.Percent = v
		return spec, nil
	}

	bestFit := false
	if rest, ok := strings.CutPrefix(body, "!"); ok {
		bestFit = true
		body = rest
	}

	ws, hs, ok := strings.Cut(body, ",")
	if !ok {
		return spec, invalid("size %q is not recognised", s)
	}
	w, err := parseDimension(ws)
	if err != nil {
		return spec, invalid("size %q: %v", s, err)
	}
	h, err := parseDimension(hs)
	if err != nil {
		return spec, invalid("size %q: %v", s, err)
	}

	switch {
	case bestFit && w > 0 && h > 0:
		spec.Kind = model.SizeBestFit
	case bestFit:
		return spec, invalid("size %q: best fit needs both width and height", s)
	case w > 0 && h > 0:
		spec.Kind = model.SizeExact
	case w > 0:
		spec.Kind = model.SizeWidth
	case h > 0:
		spec.Kind = model.SizeHeight
	default:
		return spec, invalid("size %q: width or height required", s)
	}
	spec.W, spec.H = w, h
	return spec, nil
}

// parseDimension - пустая строка значит "не задано"
func parseDimension(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := parseInteger(s)
	if err != nil {
		return 0, fmt.Errorf("bad dimension %q", s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("dimension %q must be positive", s)
	}
	return v, nil
}

func parseRotation(s string) (float64, bool, error) {
	mirror := false
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		mirror = true
		s = rest
	}
	deg, err := parseDecimal(s)
	if err != nil {
		return 0, false, invalid("rotation %q is not a number", s)
	}
	if deg < 0 || deg > 360 {
		return 0, false, invalid("rotation %q out of range [0,360]", s)
	}
	if deg == 360 {
		deg = 0
	}
	return deg, mirror, nil
}

func parseQuality(s string) (model.Quality, error) {
	switch q := model.Quality(s); q {
	case model.QualityColor, model.QualityDefault:
		return model.QualityColor, nil
	case model.QualityGray, model.QualityBitonal:
		return q, nil
	default:
		return "", invalid("unsupported quality %q", s)
	}
}

// parseInteger - только цифры, strconv.Atoi пропускает знак
func parseInteger(s string) (int, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, fmt.Errorf("bad integer %q", s)
	}
	return strconv.Atoi(s)
}

// parseDecimal accepts digits with at most one '.', nothing else: no signs, exponents, hex or NaN.
func parseDecimal(s string) (float64, error) {
	digits, dots := 0, 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
		default:
			return 0, fmt.Errorf("bad decimal %q", s)
		}
	}
	if digits == 0 || dots > 1 {
		return 0, fmt.Errorf("bad decimal %q", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, fmt.Errorf("bad decimal %q", s)
	}
	return v, nil
}
