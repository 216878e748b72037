package imageproc

import (
	"image"

	"github.com/disintegration/imaging"
)

// Scale resamples img to exactly w×h. Shrinking uses area averaging,
// enlarging uses bicubic interpolation.
func Scale(img image.Image, w, h int) *image.NRGBA {
	b := img.Bounds()
	switch {
	case b.Dx() == w && b.Dy() == h:
		return imaging.Clone(img)
	case w <= b.Dx() && h <= b.Dy():
		return imaging.Resize(img, w, h, imaging.Box)
	default:
		return imaging.Resize(img, w, h, imaging.CatmullRom)
	}
}

// Extract copies the region out of img; the result starts at (0,0).
func Extract(img image.Image, region image.Rectangle) *image.NRGBA {
	b := img.Bounds()
	return imaging.Crop(img, region.Add(b.Min))
}
