// Package imagecompare decodes two PNGs and computes a per-pixel diff
// with threshold, clustering changed pixels into axis-aligned bounding
// boxes. It is pure with respect to its decoded inputs: the only side
// effect is allocating the returned buffers. No third-party PNG/pixel
// library in the retrieved corpus covers pixel-level image diffing, so
// this component is built on the standard library's image/image-png
// packages (see DESIGN.md).
package imagecompare

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
)

var (
	ErrDecode            = errors.New("imagecompare: failed to decode PNG")
	ErrDimensionMismatch = errors.New("imagecompare: baseline and current dimensions differ")
)

// IsDimensionMismatchError is the pure classifier the TDD service uses
// to route this condition to a distinct outcome (spec §4.E, §4.G).
func IsDimensionMismatchError(err error) bool {
	return errors.Is(err, ErrDimensionMismatch)
}

// Options configures one comparison.
type Options struct {
	// Threshold is a diff-percentage cutoff, 0..100: isDifferent is true
	// only when diffPercentage exceeds it.
	Threshold float64
	// MinClusterSize discards connected components smaller than this
	// many pixels from the reported cluster list.
	MinClusterSize int
	// ColorTolerance is the per-channel delta (0..255) at or below which
	// two pixels are considered identical.
	ColorTolerance int
}

// Cluster is an axis-aligned bounding box over a contiguous region of
// changed pixels (4-neighbour connectivity).
type Cluster struct {
	X1, Y1, X2, Y2 int
	PixelCount     int
}

// Result is the outcome of comparing two decoded PNGs.
type Result struct {
	IsDifferent    bool
	DiffPercentage float64
	DiffPixels     int
	TotalPixels    int
	Clusters       []Cluster
	DiffImage      []byte // only populated when IsDifferent
}

// Compare decodes baseline and current PNG bytes and computes their
// diff under opts.
func Compare(baseline, current []byte, opts Options) (Result, error) {
	baseImg, err := png.Decode(bytes.NewReader(baseline))
	if err != nil {
		return Result{}, ErrDecode
	}
	curImg, err := png.Decode(bytes.NewReader(current))
	if err != nil {
		return Result{}, ErrDecode
	}

	bb := baseImg.Bounds()
	cb := curImg.Bounds()
	if bb.Dx() != cb.Dx() || bb.Dy() != cb.Dy() {
		return Result{}, ErrDimensionMismatch
	}

	w, h := bb.Dx(), bb.Dy()
	mask := make([]bool, w*h)
	tolerance := uint32(opts.ColorTolerance) * 0x101 // scale 0..255 to 16-bit channel space

	diffPixels := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			br, bg, bb2, ba := baseImg.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			cr, cg, cb2, ca := curImg.At(cb.Min.X+x, cb.Min.Y+y).RGBA()
			if maxDelta(br, cr, bg, cg, bb2, cb2, ba, ca) > tolerance {
				mask[y*w+x] = true
				diffPixels++
			}
		}
	}

	totalPixels := w * h
	var diffPct float64
	if totalPixels > 0 {
		diffPct = 100 * float64(diffPixels) / float64(totalPixels)
	}

	res := Result{
		DiffPercentage: diffPct,
		DiffPixels:     diffPixels,
		TotalPixels:    totalPixels,
		IsDifferent:    diffPct > opts.Threshold,
	}
	if res.IsDifferent {
		res.Clusters = clusters(mask, w, h, opts.MinClusterSize)
		res.DiffImage = renderDiff(baseImg, mask, w, h)
	}
	return res, nil
}

func maxDelta(br, cr, bg, cg, bb, cb, ba, ca uint32) uint32 {
	d := delta(br, cr)
	if v := delta(bg, cg); v > d {
		d = v
	}
	if v := delta(bb, cb); v > d {
		d = v
	}
	if v := delta(ba, ca); v > d {
		d = v
	}
	return d
}

func delta(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// clusters runs 4-neighbour connected-components over mask and returns
// bounding boxes for components whose pixel count is at least minSize.
func clusters(mask []bool, w, h, minSize int) []Cluster {
	if minSize < 1 {
		minSize = 1
	}
	visited := make([]bool, len(mask))
	var out []Cluster
	// Manual stack avoids recursion depth issues on large diff regions.
	stack := make([]int, 0, 64)

	for start := 0; start < len(mask); start++ {
		if !mask[start] || visited[start] {
			continue
		}
		stack = stack[:0]
		stack = append(stack, start)
		visited[start] = true

		minX, minY := w, h
		maxX, maxY := -1, -1
		count := 0

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w
			count++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
			for _, n := range neighbours(x, y, w, h) {
				if mask[n] && !visited[n] {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		if count >= minSize {
			out = append(out, Cluster{X1: minX, Y1: minY, X2: maxX, Y2: maxY, PixelCount: count})
		}
	}
	return out
}

func neighbours(x, y, w, h int) []int {
	var out []int
	if x > 0 {
		out = append(out, y*w+x-1)
	}
	if x < w-1 {
		out = append(out, y*w+x+1)
	}
	if y > 0 {
		out = append(out, (y-1)*w+x)
	}
	if y < h-1 {
		out = append(out, (y+1)*w+x)
	}
	return out
}

// renderDiff produces a diff overlay: the baseline, desaturated, with
// changed pixels tinted red.
func renderDiff(base image.Image, mask []bool, w, h int) []byte {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	bb := base.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, a := base.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			c := color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
			if mask[y*w+x] {
				c = color.RGBA{R: 255, G: 0, B: 0, A: 255}
			} else {
				// tint toward greyscale so changed regions stand out
				grey := uint8((uint32(c.R) + uint32(c.G) + uint32(c.B)) / 3)
				c = color.RGBA{R: grey, G: grey, B: grey, A: c.A}
			}
			out.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, out)
	return buf.Bytes()
}
