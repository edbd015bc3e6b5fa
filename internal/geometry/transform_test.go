package geometry

import (
	"math"
	"testing"
)

const tolerance = 1e-6

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= tolerance
}

func TestLetterboxPreservesAspectAcrossOutputs(t *testing.T) {
	const aspect = 1600.0 / 900.0
	outputs := []struct{ w, h float64 }{
		{1920, 1080},
		{800, 1200},
		{1024, 768},
		{300, 300},
		{2560, 600},
	}
	for _, out := range outputs {
		fit := Letterbox(aspect, out.w, out.h)
		renderedW := aspect * fit.Scale
		renderedH := fit.Scale
		if !almostEqual(renderedW/renderedH, aspect) {
			t.Fatalf("output %vx%v: rendered ratio %v, want %v", out.w, out.h, renderedW/renderedH, aspect)
		}
		if renderedW > out.w+tolerance || renderedH > out.h+tolerance {
			t.Fatalf("output %vx%v: map %vx%v is cropped", out.w, out.h, renderedW, renderedH)
		}
		if !almostEqual(renderedW, out.w) && !almostEqual(renderedH, out.h) {
			t.Fatalf("output %vx%v: map %vx%v fills neither axis", out.w, out.h, renderedW, renderedH)
		}
		if !almostEqual(fit.OffsetX*2+renderedW, out.w) || !almostEqual(fit.OffsetY*2+renderedH, out.h) {
			t.Fatalf("output %vx%v: map not centred (offset %v,%v)", out.w, out.h, fit.OffsetX, fit.OffsetY)
		}
	}
}

func TestLetterboxRejectsDegenerateInput(t *testing.T) {
	cases := [][3]float64{{0, 100, 100}, {1, 0, 100}, {1, 100, -1}}
	for _, c := range cases {
		if fit := Letterbox(c[0], c[1], c[2]); !fit.IsZero() {
			t.Fatalf("Letterbox(%v) = %+v, want zero fit", c, fit)
		}
	}
}

func TestFitMapMatchesLetterbox(t *testing.T) {
	unit := Letterbox(2, 1000, 1000)
	pixels := FitMap(400, 200, 1000, 1000)
	if !almostEqual(unit.ScaleFor(400, 200), pixels.Scale) {
		t.Fatalf("scale mismatch: %v vs %v", unit.ScaleFor(400, 200), pixels.Scale)
	}
	if !almostEqual(unit.OffsetY, pixels.OffsetY) || !almostEqual(unit.OffsetX, pixels.OffsetX) {
		t.Fatalf("offset mismatch: %+v vs %+v", unit, pixels)
	}
}

func TestFitRoundTripAndRejectsLetterboxBars(t *testing.T) {
	fit := FitMap(400, 200, 1000, 1000)
	sx, sy := fit.ToScreen(100, 50)
	x, y, ok := fit.ToWorld(sx, sy)
	if !ok || !almostEqual(x, 100) || !almostEqual(y, 50) {
		t.Fatalf("round trip gave (%v,%v,%v)", x, y, ok)
	}
	// The map occupies y in [250, 750]; the bar above it is outside.
	if _, _, ok := fit.ToWorld(500, 100); ok {
		t.Fatalf("expected point in letterbox bar to be rejected")
	}
}

func TestViewportZoomKeepsCentreFixed(t *testing.T) {
	vp := Viewport{Zoom: 2, OutputWidth: 800, OutputHeight: 600}
	fit := vp.Transform(400, 300)
	sx, sy := fit.ToScreen(200, 150)
	if !almostEqual(sx, 400) || !almostEqual(sy, 300) {
		t.Fatalf("map centre drifted to (%v,%v)", sx, sy)
	}
	if !almostEqual(fit.Scale, 4) {
		t.Fatalf("expected zoomed scale 4, got %v", fit.Scale)
	}

	panned := Viewport{Zoom: 1, PanX: 10, PanY: -5, OutputWidth: 800, OutputHeight: 600}.Transform(400, 300)
	px, py := panned.ToScreen(0, 0)
	if !almostEqual(px, 10) || !almostEqual(py, -5) {
		t.Fatalf("pan not applied: (%v,%v)", px, py)
	}
}

func TestViewportsAgreeOnAspect(t *testing.T) {
	dm := Viewport{Zoom: 1, OutputWidth: 1920, OutputHeight: 1080}
	player := Viewport{Zoom: 1, OutputWidth: 1024, OutputHeight: 768}
	a := dm.Transform(1600, 900).Footprint()
	b := player.Transform(1600, 900).Footprint()
	if !almostEqual(a.Width()/a.Height(), b.Width()/b.Height()) {
		t.Fatalf("surfaces disagree on aspect: %v vs %v", a.Width()/a.Height(), b.Width()/b.Height())
	}
}
