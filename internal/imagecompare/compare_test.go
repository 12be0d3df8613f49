package imagecompare

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func pngWithPixel(t *testing.T, w, h int, base, changed color.RGBA, px, py int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, base)
		}
	}
	img.SetRGBA(px, py, changed)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestByteIdenticalPixelsAreNotDifferent(t *testing.T) {
	a := solidPNG(t, 10, 10, color.RGBA{10, 20, 30, 255})
	b := solidPNG(t, 10, 10, color.RGBA{10, 20, 30, 255})

	res, err := Compare(a, b, Options{Threshold: 0, ColorTolerance: 0})
	require.NoError(t, err)
	require.False(t, res.IsDifferent)
	require.Equal(t, 0, res.DiffPixels)
}

func TestSinglePixelDeltaFailsAtZeroThreshold(t *testing.T) {
	a := solidPNG(t, 10, 10, color.RGBA{0, 0, 0, 255})
	b := pngWithPixel(t, 10, 10, color.RGBA{0, 0, 0, 255}, color.RGBA{255, 255, 255, 255}, 5, 5)

	res, err := Compare(a, b, Options{Threshold: 0, ColorTolerance: 0})
	require.NoError(t, err)
	require.True(t, res.IsDifferent)
	require.Equal(t, 1, res.DiffPixels)
	require.NotEmpty(t, res.DiffImage)
}

func TestThreshold100AlwaysPasses(t *testing.T) {
	a := solidPNG(t, 4, 4, color.RGBA{0, 0, 0, 255})
	b := solidPNG(t, 4, 4, color.RGBA{255, 255, 255, 255})

	res, err := Compare(a, b, Options{Threshold: 100, ColorTolerance: 0})
	require.NoError(t, err)
	require.False(t, res.IsDifferent)
}

func TestDimensionMismatch(t *testing.T) {
	a := solidPNG(t, 10, 10, color.RGBA{0, 0, 0, 255})
	b := solidPNG(t, 5, 5, color.RGBA{0, 0, 0, 255})

	_, err := Compare(a, b, Options{})
	require.True(t, IsDimensionMismatchError(err))
}

func TestClusteringGroupsAdjacentPixels(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
		}
	}
	var baseBuf bytes.Buffer
	require.NoError(t, png.Encode(&baseBuf, img))

	changed := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			changed.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
		}
	}
	// a 2x2 contiguous block at (1,1) and an isolated pixel at (8,8)
	changed.SetRGBA(1, 1, color.RGBA{255, 255, 255, 255})
	changed.SetRGBA(2, 1, color.RGBA{255, 255, 255, 255})
	changed.SetRGBA(1, 2, color.RGBA{255, 255, 255, 255})
	changed.SetRGBA(2, 2, color.RGBA{255, 255, 255, 255})
	changed.SetRGBA(8, 8, color.RGBA{255, 255, 255, 255})
	var curBuf bytes.Buffer
	require.NoError(t, png.Encode(&curBuf, changed))

	res, err := Compare(baseBuf.Bytes(), curBuf.Bytes(), Options{Threshold: 0, ColorTolerance: 0, MinClusterSize: 2})
	require.NoError(t, err)
	require.True(t, res.IsDifferent)
	require.Len(t, res.Clusters, 1) // the isolated pixel is below MinClusterSize
	require.Equal(t, 4, res.Clusters[0].PixelCount)
}

func TestColorToleranceIgnoresSmallDeltas(t *testing.T) {
	a := solidPNG(t, 4, 4, color.RGBA{100, 100, 100, 255})
	b := solidPNG(t, 4, 4, color.RGBA{105, 105, 105, 255})

	res, err := Compare(a, b, Options{Threshold: 0, ColorTolerance: 10})
	require.NoError(t, err)
	require.False(t, res.IsDifferent)
}

func TestDecodeErrorSurfaced(t *testing.T) {
	_, err := Compare([]byte("not a png"), []byte("not a png"), Options{})
	require.ErrorIs(t, err, ErrDecode)
}
