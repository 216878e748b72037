package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func testSource(t *testing.T, w, h int) *model.SourceImage {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	return &model.SourceImage{Identifier: "1", Version: "v", Width: w, Height: h, Pixels: img}
}

func mustDecode(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.NotNil(t, img)

	return img
}

func TestEngine_TransformDimensions(t *testing.T) {
	tests := []struct {
		name string
		src  image.Point
		req  model.ImageRequest
		want image.Point
	}{
		{
			name: "full max jpg",
			src:  image.Pt(120, 80),
			req:  model.ImageRequest{Region: model.Rect{W: 120, H: 80}, Width: 120, Height: 80, Quality: model.QualityColor, Format: model.FormatJPG},
			want: image.Pt(120, 80),
		},
		{
			name: "square then best fit",
			src:  image.Pt(512, 512),
			req:  model.ImageRequest{Region: model.Rect{W: 512, H: 512}, Width: 256, Height: 256, Quality: model.QualityColor, Format: model.FormatJPG},
			want: image.Pt(256, 256),
		},
		{
			name: "crop and downscale png",
			src:  image.Pt(200, 100),
			req:  model.ImageRequest{Region: model.Rect{X: 10, Y: 10, W: 100, H: 50}, Width: 40, Height: 20, Quality: model.QualityGray, Format: model.FormatPNG},
			want: image.Pt(40, 20),
		},
		{
			name: "upscale",
			src:  image.Pt(20, 10),
			req:  model.ImageRequest{Region: model.Rect{W: 20, H: 10}, Width: 60, Height: 30, Quality: model.QualityColor, Format: model.FormatPNG},
			want: image.Pt(60, 30),
		},
		{
			name: "rotate 90 swaps axes",
			src:  image.Pt(100, 50),
			req:  model.ImageRequest{Region: model.Rect{W: 100, H: 50}, Width: 100, Height: 50, Rotation: 90, Quality: model.QualityColor, Format: model.FormatPNG},
			want: image.Pt(50, 100),
		},
		{
			name: "mirror 180 keeps axes",
			src:  image.Pt(100, 50),
			req:  model.ImageRequest{Region: model.Rect{W: 100, H: 50}, Width: 100, Height: 50, Rotation: 180, Mirror: true, Quality: model.QualityBitonal, Format: model.FormatGIF},
			want: image.Pt(100, 50),
		},
		{
			name: "bmp output",
			src:  image.Pt(30, 30),
			req:  model.ImageRequest{Region: model.Rect{W: 30, H: 30}, Width: 15, Height: 15, Quality: model.QualityColor, Format: model.FormatBMP},
			want: image.Pt(15, 15),
		},
		{
			name: "tif output",
			src:  image.Pt(30, 30),
			req:  model.ImageRequest{Region: model.Rect{W: 30, H: 30}, Width: 30, Height: 15, Quality: model.QualityColor, Format: model.FormatTIF},
			want: image.Pt(30, 15),
		},
	}

	engine := NewEngine(90)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Transform(context.Background(), testSource(t, tt.src.X, tt.src.Y), tt.req)
			require.NoError(t, err)
			require.Equal(t, model.GetCType[tt.req.Format], d.ContentType)
			require.Greater(t, d.Size(), int64(0))

			img := mustDecode(t, d.Data)
			require.Equal(t, tt.want, img.Bounds().Size())
		})
	}
}

func TestEngine_TransformIsDeterministic(t *testing.T) {
	engine := NewEngine(85)
	src := testSource(t, 300, 200)
	req := model.ImageRequest{Region: model.Rect{X: 5, Y: 5, W: 250, H: 150}, Width: 125, Height: 75, Rotation: 33.5, Quality: model.QualityGray, Format: model.FormatPNG}

	a, err := engine.Transform(context.Background(), src, req)
	require.NoError(t, err)
	b, err := engine.Transform(context.Background(), src, req)
	require.NoError(t, err)
	require.Equal(t, a.Data, b.Data)
}

func TestEngine_TransformErrors(t *testing.T) {
	engine := NewEngine(90)

	_, err := engine.Transform(context.Background(), nil, model.ImageRequest{})
	require.ErrorIs(t, err, model.ErrTransform)

	_, err = engine.Transform(context.Background(), testSource(t, 10, 10), model.ImageRequest{Region: model.Rect{X: 5, W: 10, H: 10}, Width: 5, Height: 5, Format: model.FormatPNG})
	require.ErrorIs(t, err, model.ErrTransform)

	_, err = engine.Transform(context.Background(), testSource(t, 10, 10), model.ImageRequest{Region: model.Rect{W: 10, H: 10}, Width: 5, Height: 5, Format: "webp"})
	require.ErrorIs(t, err, model.ErrTransform)
}

func TestOrient_ArbitraryAngleBackground(t *testing.T) {
	src := imaging.New(40, 40, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	opaque := Orient(src, 45, false, background(false))
	require.Equal(t, image.Pt(57, 57), opaque.Bounds().Size())
	require.Equal(t, color.NRGBA{A: 255}, opaque.NRGBAAt(0, 0))

	transparent := Orient(src, 45, false, background(true))
	require.Equal(t, uint8(0), transparent.NRGBAAt(0, 0).A)
}

func TestOrient_BoundingBox(t *testing.T) {
	tests := []struct {
		src  image.Point
		deg  float64
		want image.Point
	}{
		{src: image.Pt(40, 40), deg: 45, want: image.Pt(57, 57)},
		{src: image.Pt(40, 40), deg: 33.5, want: image.Pt(55, 55)},
		{src: image.Pt(60, 30), deg: 33.5, want: image.Pt(67, 58)},
		{src: image.Pt(60, 30), deg: 45, want: image.Pt(64, 64)},
		{src: image.Pt(60, 30), deg: 90, want: image.Pt(30, 60)},
		{src: image.Pt(60, 30), deg: 180, want: image.Pt(60, 30)},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%d@%v", tt.src.X, tt.src.Y, tt.deg), func(t *testing.T) {
			out := Orient(imaging.New(tt.src.X, tt.src.Y, color.White), tt.deg, false, background(false))
			require.Equal(t, tt.want, out.Bounds().Size())

			// зеркало не меняет размер холста
			mirrored := Orient(imaging.New(tt.src.X, tt.src.Y, color.White), tt.deg, true, background(false))
			require.Equal(t, tt.want, mirrored.Bounds().Size())
		})
	}
}

func TestEngine_TransformCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(90).Transform(ctx, testSource(t, 20, 20), model.ImageRequest{Region: model.Rect{W: 20, H: 20}, Width: 10, Height: 10, Format: model.FormatPNG})
	require.ErrorIs(t, err, context.Canceled)
}

func TestOrient_MirrorThenRotate(t *testing.T) {
	src := imaging.New(2, 1, color.NRGBA{A: 255})
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})

	// зеркало: красный пиксель уходит вправо, затем поворот по часовой ставит его вниз
	out := Orient(src, 90, true, background(false))
	require.Equal(t, 1, out.Bounds().Dx())
	require.Equal(t, 2, out.Bounds().Dy())
	require.Equal(t, uint8(255), out.NRGBAAt(0, 1).R)
	require.Equal(t, uint8(0), out.NRGBAAt(0, 0).R)
}

func TestReduce_Bitonal(t *testing.T) {
	src := imaging.New(2, 1, color.NRGBA{A: 255})
	src.SetNRGBA(0, 0, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 20, G: 20, B: 20, A: 255})

	out := Reduce(src, model.QualityBitonal)
	require.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, out.NRGBAAt(0, 0))
	require.Equal(t, color.NRGBA{A: 255}, out.NRGBAAt(1, 0))
}

func TestScale_Filters(t *testing.T) {
	src := imaging.New(10, 10, color.NRGBA{G: 128, A: 255})

	same := Scale(src, 10, 10)
	require.NotSame(t, src, same)
	require.Equal(t, src.Pix, same.Pix)

	down := Scale(src, 5, 2)
	require.Equal(t, image.Rect(0, 0, 5, 2), down.Bounds())

	up := Scale(src, 25, 30)
	require.Equal(t, image.Rect(0, 0, 25, 30), up.Bounds())
}
