package imageproc

import (
	"image"
	"image/color"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/disintegration/imaging"
)

// BitonalThreshold - граница яркости для bitonal
const BitonalThreshold = 128

func Reduce(img *image.NRGBA, q model.Quality) *image.NRGBA {
	switch q {
	case model.QualityGray:
		return imaging.Grayscale(img)
	case model.QualityBitonal:
		return imaging.AdjustFunc(imaging.Grayscale(img), func(c color.NRGBA) color.NRGBA {
			v := uint8(0)
			if c.R >= BitonalThreshold {
				v = 255
			}
			return color.NRGBA{R: v, G: v, B: v, A: c.A}
		})
	default:
		return img
	}
}
