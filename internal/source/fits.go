package source

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/astrogo/fitsio"
	"github.com/disintegration/imaging"
)

// AutoHDU selects the first two-dimensional image HDU.
const AutoHDU = -1

var fitsSignature = []byte("SIMPLE  =")

func isFITS(r *bufio.Reader) bool {
	head, err := r.Peek(len(fitsSignature))
	return err == nil && bytes.Equal(head, fitsSignature)
}

type decoded struct {
	pixels image.Image
	width  int
	height int
	stats  model.PixelStats
}

// decode reads either a FITS file or a regular raster image.
func decode(r io.Reader, hdu int, headerOnly bool) (*decoded, error) {
	br := bufio.NewReader(r)
	if isFITS(br) {
		return decodeFITS(br, hdu, headerOnly)
	}
	if hdu > 0 {
		return nil, fmt.Errorf("%w: HDU %d requested from a non-FITS source", model.ErrNotFound, hdu)
	}
	if headerOnly {
		cfg, _, err := image.DecodeConfig(br)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable source: %v", model.ErrTransform, err)
		}
		return &decoded{width: cfg.Width, height: cfg.Height}, nil
	}
	img, err := imaging.Decode(br)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable source: %v", model.ErrTransform, err)
	}
	b := img.Bounds()
	return &decoded{
		pixels: img,
		width:  b.Dx(),
		height: b.Dy(),
		stats:  model.PixelStats{Min: 0, Max: 255, ZMin: 0, ZMax: 255},
	}, nil
}

func decodeFITS(r io.Reader, index int, headerOnly bool) (*decoded, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed FITS: %v", model.ErrTransform, err)
	}
	defer f.Close()

	img, err := pickHDU(f.HDUs(), index)
	if err != nil {
		return nil, err
	}

	hdr := img.Header()
	axes := hdr.Axes()
	width, height := axes[0], axes[1]
	if headerOnly {
		return &decoded{width: width, height: height}, nil
	}

	values, err := physicalValues(img.Raw(), hdr.Bitpix(), width*height, cardFloat(hdr, "BZERO", 0), cardFloat(hdr, "BSCALE", 1))
	if err != nil {
		return nil, err
	}

	finite := make([]float64, 0, len(values))
	stats := model.PixelStats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		finite = append(finite, v)
		stats.Min = math.Min(stats.Min, v)
		stats.Max = math.Max(stats.Max, v)
	}
	if len(finite) == 0 {
		stats = model.PixelStats{}
	}
	stats.ZMin, stats.ZMax = zscale(finite)

	gray := image.NewGray(image.Rect(0, 0, width, height))
	for i, v := range values {
		gray.Pix[i] = stretch(v, stats.ZMin, stats.ZMax)
	}

	return &decoded{pixels: gray, width: width, height: height, stats: stats}, nil
}

func pickHDU(hdus []fitsio.HDU, index int) (fitsio.Image, error) {
	if index >= 0 {
		if index >= len(hdus) {
			return nil, fmt.Errorf("%w: HDU index %d not found", model.ErrNotFound, index)
		}
		img, ok := hdus[index].(fitsio.Image)
		if !ok || !is2D(img) {
			return nil, fmt.Errorf("%w: HDU %d is not a two-dimensional image", model.ErrNotFound, index)
		}
		return img, nil
	}

	for _, h := range hdus {
		if img, ok := h.(fitsio.Image); ok && is2D(img) {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%w: no two-dimensional image HDU", model.ErrNotFound)
}

func is2D(img fitsio.Image) bool {
	axes := img.Header().Axes()
	return len(axes) == 2 && axes[0] > 0 && axes[1] > 0
}

func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	default:
		return def
	}
}

// physicalValues converts big-endian FITS data to physical values (bzero + bscale*raw).
func physicalValues(raw []byte, bitpix, n int, bzero, bscale float64) ([]float64, error) {
	size := bitpix / 8
	if size < 0 {
		size = -size
	}
	if size == 0 || len(raw) < n*size {
		return nil, fmt.Errorf("%w: FITS data is truncated (BITPIX %d, %d bytes for %d pixels)", model.ErrTransform, bitpix, len(raw), n)
	}

	out := make([]float64, n)
	be := binary.BigEndian
	for i := range out {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch bitpix {
		case 8:
			v = float64(b[0])
		case 16:
			v = float64(int16(be.Uint16(b)))
		case 32:
			v = float64(int32(be.Uint32(b)))
		case 64:
			v = float64(int64(be.Uint64(b)))
		case -32:
			v = float64(math.Float32frombits(be.Uint32(b)))
		case -64:
			v = math.Float64frombits(be.Uint64(b))
		default:
			return nil, fmt.Errorf("%w: unsupported BITPIX %d", model.ErrTransform, bitpix)
		}
		out[i] = bzero + bscale*v
	}
	return out, nil
}
