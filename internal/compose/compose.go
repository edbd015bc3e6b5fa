// Package compose rasterizes placed instances into a single image for the
// merge tool.
package compose

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"dndemicube/server/internal/geometry"
)

// MaxSide bounds either side of a composed image in pixels.
const MaxSide = 8192

var ErrRegionTooLarge = errors.New("compose: region too large")

// Layer is one instance to draw. Footprint is the unrotated world rectangle
// the image is stretched over; Rotation turns it about the footprint centre.
type Layer struct {
	Image     image.Image
	Footprint geometry.Rect
	Rotation  float64
	Opacity   float64
	Z         int
}

// Rasterize composites the layers back to front by Z onto a transparent canvas
// whose origin is bounds.Min, one pixel per world unit.
func Rasterize(layers []Layer, bounds geometry.Rect) (*image.RGBA, error) {
	w := int(math.Ceil(bounds.Width() - 1e-9))
	h := int(math.Ceil(bounds.Height() - 1e-9))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if w > MaxSide || h > MaxSide {
		return nil, fmt.Errorf("%w: %dx%d", ErrRegionTooLarge, w, h)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))

	ordered := append([]Layer(nil), layers...)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].Z < ordered[b].Z })

	for _, layer := range ordered {
		if layer.Opacity <= 0 || layer.Footprint.Width() <= 0 || layer.Footprint.Height() <= 0 {
			continue
		}
		src := fade(sourceImage(layer.Image), layer.Opacity)
		draw.BiLinear.Transform(canvas, layerTransform(layer, src.Bounds(), bounds), src, src.Bounds(), draw.Over, nil)
	}
	return canvas, nil
}

// layerTransform maps source pixels onto the canvas: scale to the footprint,
// rotate about its centre, then shift by the canvas origin.
func layerTransform(layer Layer, sr image.Rectangle, bounds geometry.Rect) f64.Aff3 {
	sw, sh := float64(sr.Dx()), float64(sr.Dy())
	kx := layer.Footprint.Width() / sw
	ky := layer.Footprint.Height() / sh
	ox := float64(sr.Min.X) + sw/2
	oy := float64(sr.Min.Y) + sh/2
	center := layer.Footprint.Center()
	cx := center.X - bounds.MinX
	cy := center.Y - bounds.MinY

	sin, cos := math.Sincos(layer.Rotation)
	a, b := cos*kx, -sin*ky
	d, e := sin*kx, cos*ky
	return f64.Aff3{
		a, b, cx - a*ox - b*oy,
		d, e, cy - d*ox - e*oy,
	}
}

func sourceImage(img image.Image) image.Image {
	if img != nil && !img.Bounds().Empty() {
		return img
	}
	fill := image.NewRGBA(image.Rect(0, 0, 1, 1))
	fill.SetRGBA(0, 0, color.RGBA{R: 128, G: 128, B: 128, A: 255})
	return fill
}

// fade returns src with its alpha multiplied by opacity.
func fade(src image.Image, opacity float64) image.Image {
	if opacity >= 1 {
		return src
	}
	b := src.Bounds()
	out := image.NewRGBA(b)
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(opacity * 255))})
	draw.DrawMask(out, b, src, b.Min, mask, image.Point{}, draw.Src)
	return out
}
