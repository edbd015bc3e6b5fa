package geometry

import "math"

// Fit is a uniform scale plus centring offset that maps world coordinates into
// an output rectangle without distortion or cropping. Width and Height are the
// world extents the fit was computed for.
type Fit struct {
	Scale   float64 `json:"scale"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// Letterbox fits a map of the given aspect ratio (width / height) into the
// output rectangle. The map is treated as having height 1, so Scale is the
// on-screen height of the map in output pixels. Non-positive input yields the
// zero Fit.
func Letterbox(mapAspect, outputWidth, outputHeight float64) Fit {
	if mapAspect <= 0 || outputWidth <= 0 || outputHeight <= 0 {
		return Fit{}
	}
	return fit(mapAspect, 1, outputWidth, outputHeight)
}

// FitMap is Letterbox in map pixel space.
func FitMap(mapWidth, mapHeight, outputWidth, outputHeight float64) Fit {
	if mapWidth <= 0 || mapHeight <= 0 || outputWidth <= 0 || outputHeight <= 0 {
		return Fit{}
	}
	return fit(mapWidth, mapHeight, outputWidth, outputHeight)
}

func fit(w, h, outW, outH float64) Fit {
	scale := math.Min(outW/w, outH/h)
	return Fit{
		Scale:   scale,
		OffsetX: (outW - w*scale) / 2,
		OffsetY: (outH - h*scale) / 2,
		Width:   w,
		Height:  h,
	}
}

// ScaleFor converts a unit-height Letterbox scale into output pixels per map
// pixel for a map of the given pixel size.
func (f Fit) ScaleFor(mapWidth, mapHeight float64) float64 {
	if mapHeight <= 0 {
		return 0
	}
	return f.Scale / mapHeight
}

func (f Fit) IsZero() bool { return f.Scale == 0 }

// Footprint is the rectangle the map occupies in output pixels.
func (f Fit) Footprint() Rect {
	return RectFromSize(f.OffsetX, f.OffsetY, f.Width*f.Scale, f.Height*f.Scale)
}

func (f Fit) ToScreen(x, y float64) (float64, float64) {
	return x*f.Scale + f.OffsetX, y*f.Scale + f.OffsetY
}

// ToWorld maps an output pixel back into world space. Points outside the
// letterboxed map rectangle are rejected.
func (f Fit) ToWorld(screenX, screenY float64) (float64, float64, bool) {
	if f.Scale == 0 {
		return 0, 0, false
	}
	x := (screenX - f.OffsetX) / f.Scale
	y := (screenY - f.OffsetY) / f.Scale
	if x < -epsilon || y < -epsilon || x > f.Width+epsilon || y > f.Height+epsilon {
		return 0, 0, false
	}
	return x, y, true
}

// ScreenToWorldDistance converts a length in output pixels into world units.
func (f Fit) ScreenToWorldDistance(d float64) float64 {
	if f.Scale == 0 {
		return d
	}
	return d / f.Scale
}

// Viewport is the per-surface view state. Each surface owns its own.
type Viewport struct {
	Zoom         float64 `json:"zoom"`
	PanX         float64 `json:"panX"`
	PanY         float64 `json:"panY"`
	OutputWidth  float64 `json:"outputWidth"`
	OutputHeight float64 `json:"outputHeight"`
}

// Transform composes the letterbox fit of the map with the viewport zoom
// (about the output centre) and pan.
func (v Viewport) Transform(mapWidth, mapHeight float64) Fit {
	base := FitMap(mapWidth, mapHeight, v.OutputWidth, v.OutputHeight)
	if base.IsZero() {
		return base
	}
	zoom := v.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	cx, cy := v.OutputWidth/2, v.OutputHeight/2
	return Fit{
		Scale:   base.Scale * zoom,
		OffsetX: (base.OffsetX-cx)*zoom + cx + v.PanX,
		OffsetY: (base.OffsetY-cy)*zoom + cy + v.PanY,
		Width:   base.Width,
		Height:  base.Height,
	}
}
