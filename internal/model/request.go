package model

import (
	"image"

	"github.com/disintegration/imaging"
)

type RegionKind int

const (
	RegionFull RegionKind = iota
	RegionSquare
	RegionPixels
	RegionPercent
)

type RegionSpec struct {
	Kind       RegionKind
	X, Y, W, H float64
}

type SizeKind int

const (
	SizeMax SizeKind = iota
	SizeWidth
	SizeHeight
	SizePercent
	SizeExact
	SizeBestFit
)

type SizeSpec struct {
	Kind    SizeKind
	W, H    int
	Percent float64
	Upscale bool // префикс ^
}

type Quality string

const (
	QualityColor   Quality = "color"
	QualityGray    Quality = "gray"
	QualityBitonal Quality = "bitonal"
	QualityDefault Quality = "default"
)

// ParsedRequest is a syntactically valid request not yet resolved against the exposure.
type ParsedRequest struct {
	Identifier string
	Region     RegionSpec
	Size       SizeSpec
	Rotation   float64
	Mirror     bool
	Quality    Quality
	Format     Format
}

// Rect is a pixel rectangle in exposure coordinates.
type Rect struct {
	X int `msgpack:"x"`
	Y int `msgpack:"y"`
	W int `msgpack:"w"`
	H int `msgpack:"h"`
}

func (r Rect) Image() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// ImageRequest is the canonical form of a derivative request.
// Two requests that produce the same bytes have equal ImageRequests.
type ImageRequest struct {
	Identifier string  `msgpack:"identifier"`
	Version    string  `msgpack:"version"`
	Region     Rect    `msgpack:"region"`
	Width      int     `msgpack:"width"`
	Height     int     `msgpack:"height"`
	Rotation   float64 `msgpack:"rotation"`
	Mirror     bool    `msgpack:"mirror"`
	Quality    Quality `msgpack:"quality"`
	Format     Format  `msgpack:"format"`
}

//--------------------

type Format string

const (
	FormatJPG Format = "jpg"
	FormatPNG Format = "png"
	FormatGIF Format = "gif"
	FormatTIF Format = "tif"
	FormatBMP Format = "bmp"
)

const (
	JPEG = "image/jpeg"
	PNG  = "image/png"
	GIF  = "image/gif"
	TIFF = "image/tiff"
	BMP  = "image/bmp"
)

var FormatAliases = map[string]Format{
	"jpg":  FormatJPG,
	"jpeg": FormatJPG,
	"png":  FormatPNG,
	"gif":  FormatGIF,
	"tif":  FormatTIF,
	"tiff": FormatTIF,
	"bmp":  FormatBMP,
}

var GetCType = map[Format]string{
	FormatJPG: JPEG,
	FormatPNG: PNG,
	FormatGIF: GIF,
	FormatTIF: TIFF,
	FormatBMP: BMP,
}

var GetEncoder = map[Format]imaging.Format{
	FormatJPG: imaging.JPEG,
	FormatPNG: imaging.PNG,
	FormatGIF: imaging.GIF,
	FormatTIF: imaging.TIFF,
	FormatBMP: imaging.BMP,
}

// HasAlpha reports whether the encoded format keeps transparency.
func (f Format) HasAlpha() bool {
	return f == FormatPNG || f == FormatGIF || f == FormatTIF
}
