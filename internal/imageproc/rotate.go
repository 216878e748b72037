package imageproc

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Orient mirrors (horizontal flip) and then rotates clockwise by deg.
// Right angles are exact transposes; any other angle is interpolated on the
// bounding-box canvas and the uncovered corners are filled with bg.
func Orient(img image.Image, deg float64, mirror bool, bg color.Color) *image.NRGBA {
	var out *image.NRGBA
	if mirror {
		out = imaging.FlipH(img)
	} else {
		out = imaging.Clone(img)
	}

	// imaging крутит против часовой стрелки
	switch deg {
	case 0:
		return out
	case 90:
		return imaging.Rotate270(out)
	case 180:
		return imaging.Rotate180(out)
	case 270:
		return imaging.Rotate90(out)
	default:
		return imaging.Rotate(out, 360-deg, bg)
	}
}

func background(transparent bool) color.Color {
	if transparent {
		return color.Transparent
	}
	return color.Black
}
