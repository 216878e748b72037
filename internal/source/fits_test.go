package source

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"strings"
	"testing"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/stretchr/testify/require"
)

const fitsBlock = 2880

func card(key, value string) string {
	return fmt.Sprintf("%-80s", fmt.Sprintf("%-8s= %20s", key, value))
}

func padBlock(b []byte, fill byte) []byte {
	if rem := len(b) % fitsBlock; rem != 0 {
		b = append(b, bytes.Repeat([]byte{fill}, fitsBlock-rem)...)
	}
	return b
}

func header(cards ...string) []byte {
	h := strings.Join(cards, "") + fmt.Sprintf("%-80s", "END")
	return padBlock([]byte(h), ' ')
}

// fitsInt16 builds a single-HDU FITS file with 16-bit data.
func fitsInt16(t *testing.T, w, h int, bzero int, data []int16) []byte {
	t.Helper()
	require.Len(t, data, w*h)

	cards := []string{
		card("SIMPLE", "T"),
		card("BITPIX", "16"),
		card("NAXIS", "2"),
		card("NAXIS1", fmt.Sprint(w)),
		card("NAXIS2", fmt.Sprint(h)),
	}
	if bzero != 0 {
		cards = append(cards, card("BZERO", fmt.Sprint(bzero)))
	}

	var payload bytes.Buffer
	require.NoError(t, binary.Write(&payload, binary.BigEndian, data))

	return append(header(cards...), padBlock(payload.Bytes(), 0)...)
}

// fitsWithExtension builds an empty primary HDU followed by a float32 image extension.
func fitsWithExtension(t *testing.T, w, h int, data []float32) []byte {
	t.Helper()

	primary := header(
		card("SIMPLE", "T"),
		card("BITPIX", "8"),
		card("NAXIS", "0"),
		card("EXTEND", "T"),
	)
	ext := header(
		fmt.Sprintf("%-80s", "XTENSION= 'IMAGE   '"),
		card("BITPIX", "-32"),
		card("NAXIS", "2"),
		card("NAXIS1", fmt.Sprint(w)),
		card("NAXIS2", fmt.Sprint(h)),
		card("PCOUNT", "0"),
		card("GCOUNT", "1"),
	)

	var payload bytes.Buffer
	require.NoError(t, binary.Write(&payload, binary.BigEndian, data))

	out := append(primary, ext...)
	return append(out, padBlock(payload.Bytes(), 0)...)
}

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i * 10)
	}
	return out
}

func TestDecode_FITSInt16(t *testing.T) {
	raw := fitsInt16(t, 4, 3, 1000, ramp(12))

	d, err := decode(bytes.NewReader(raw), AutoHDU, false)
	require.NoError(t, err)
	require.Equal(t, 4, d.width)
	require.Equal(t, 3, d.height)
	require.Equal(t, 1000.0, d.stats.Min)
	require.Equal(t, 1110.0, d.stats.Max)

	gray, ok := d.pixels.(*image.Gray)
	require.True(t, ok)
	require.Equal(t, image.Rect(0, 0, 4, 3), gray.Bounds())
	for i := 1; i < len(gray.Pix); i++ {
		require.GreaterOrEqual(t, gray.Pix[i], gray.Pix[i-1], "ramp must stay monotonic after stretch")
	}
	require.Equal(t, uint8(0), gray.Pix[0])
	require.Equal(t, uint8(255), gray.Pix[len(gray.Pix)-1])
}

func TestDecode_FITSHeaderOnly(t *testing.T) {
	raw := fitsInt16(t, 5, 2, 0, ramp(10))

	d, err := decode(bytes.NewReader(raw), AutoHDU, true)
	require.NoError(t, err)
	require.Equal(t, 5, d.width)
	require.Equal(t, 2, d.height)
	require.Nil(t, d.pixels)
}

func TestDecode_FITSExtensionSelection(t *testing.T) {
	data := []float32{1, 2, float32(math.NaN()), 4, 5, 6}
	raw := fitsWithExtension(t, 3, 2, data)

	tests := []struct {
		name    string
		hdu     int
		wantErr error
	}{
		{name: "auto picks first 2-D image", hdu: AutoHDU},
		{name: "explicit extension", hdu: 1},
		{name: "primary has no image", hdu: 0, wantErr: model.ErrNotFound},
		{name: "missing index", hdu: 7, wantErr: model.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := decode(bytes.NewReader(raw), tt.hdu, false)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 3, d.width)
			require.Equal(t, 2, d.height)
			require.Equal(t, 1.0, d.stats.Min)
			require.Equal(t, 6.0, d.stats.Max)
			// NaN рисуется черным
			require.Equal(t, uint8(0), d.pixels.(*image.Gray).Pix[2])
		})
	}
}

func TestDecode_Broken(t *testing.T) {
	_, err := decode(bytes.NewReader([]byte("definitely not an image")), AutoHDU, false)
	require.ErrorIs(t, err, model.ErrTransform)

	truncated := fitsInt16(t, 4, 3, 0, ramp(12))[:fitsBlock+4]
	_, err = decode(bytes.NewReader(truncated), AutoHDU, false)
	require.Error(t, err)
}

func TestZscale(t *testing.T) {
	linear := make([]float64, 1000)
	for i := range linear {
		linear[i] = float64(i)
	}
	zmin, zmax := zscale(linear)
	require.GreaterOrEqual(t, zmin, 0.0)
	require.LessOrEqual(t, zmax, 999.0)
	require.Less(t, zmin, zmax)

	noisy := make([]float64, 1000)
	for i := range noisy {
		noisy[i] = 100 + float64(i%10)
	}
	for _, i := range []int{13, 257, 511, 742, 998} {
		noisy[i] = 1e6
	}
	zmin, zmax = zscale(noisy)
	require.GreaterOrEqual(t, zmin, 100.0)
	require.Less(t, zmax, 1000.0, "hot pixels must not stretch the display interval")

	zmin, zmax = zscale(nil)
	require.Zero(t, zmin)
	require.Zero(t, zmax)
}

func TestStretch(t *testing.T) {
	require.Equal(t, uint8(0), stretch(-5, 0, 10))
	require.Equal(t, uint8(255), stretch(50, 0, 10))
	require.Equal(t, uint8(128), stretch(5, 0, 10))
	require.Equal(t, uint8(0), stretch(math.NaN(), 0, 10))
	require.Equal(t, uint8(0), stretch(3, 4, 4))
}
