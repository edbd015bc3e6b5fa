package geometry

import "math"

// Polyline is an ordered stroke of world points.
type Polyline []Point

// Sample is a point on a polyline together with the direction of travel at
// that point in radians.
type Sample struct {
	Point Point
	Angle float64
}

func (p Polyline) Length() float64 {
	total := 0.0
	for i := 1; i < len(p); i++ {
		total += p[i-1].Distance(p[i])
	}
	return total
}

// Sample walks the polyline and emits a sample at arc lengths 0, s, 2s, ...
// strictly below the total length. A stroke without length yields a single
// sample at its first point.
func (p Polyline) Sample(spacing float64) []Sample {
	if len(p) == 0 {
		return nil
	}
	total := p.Length()
	if spacing <= 0 || total <= epsilon {
		return []Sample{{Point: p[0], Angle: p.firstAngle()}}
	}

	samples := make([]Sample, 0, int(total/spacing)+1)
	seg := 0
	segStart := 0.0
	for k := 0; ; k++ {
		d := float64(k) * spacing
		if d >= total-epsilon {
			break
		}
		for seg < len(p)-2 {
			segLen := p[seg].Distance(p[seg+1])
			if segLen > epsilon && d < segStart+segLen-epsilon {
				break
			}
			segStart += segLen
			seg++
		}
		a, b := p[seg], p[seg+1]
		segLen := a.Distance(b)
		t := 0.0
		if segLen > epsilon {
			t = (d - segStart) / segLen
		}
		samples = append(samples, Sample{
			Point: Point{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t},
			Angle: math.Atan2(b.Y-a.Y, b.X-a.X),
		})
	}
	return samples
}

func (p Polyline) firstAngle() float64 {
	for i := 1; i < len(p); i++ {
		if p[i-1].Distance(p[i]) > epsilon {
			return math.Atan2(p[i].Y-p[i-1].Y, p[i].X-p[i-1].X)
		}
	}
	return 0
}
