// Package sparkline converts numeric series into compact polyline geometry
// for inline charts. Everything here is pure: no I/O and no state.
package sparkline

import (
	"math"
	"strconv"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Options sets the drawing box. Zero Width or Height take the defaults.
// Coordinates use a top-left origin, so larger values map to smaller y.
type Options struct {
	Width  float64
	Height float64
	Pad    float64
}

// DefaultOptions matches the dashboard's 300x80 chart tiles.
var DefaultOptions = Options{Width: 300, Height: 80, Pad: 4}

// Point is one vertex of the polyline.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = DefaultOptions.Width
	}
	if o.Height <= 0 {
		o.Height = DefaultOptions.Height
	}
	if o.Pad < 0 || o.Pad*2 >= o.Width || o.Pad*2 >= o.Height {
		o.Pad = DefaultOptions.Pad
	}
	return o
}

// Bounds returns the minimum and maximum of series, or 0, 0 when empty.
func Bounds(series model.MetricSeries) (lo, hi float64) {
	if len(series) == 0 {
		return 0, 0
	}
	lo, hi = series[0], series[0]
	for _, v := range series[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// Points maps series onto the drawing box. A single value sits at the
// horizontal center and a flat series is a horizontal line at mid-height.
func Points(series model.MetricSeries, opts Options) []Point {
	n := len(series)
	if n == 0 {
		return nil
	}
	o := opts.withDefaults()
	lo, hi := Bounds(series)
	spanY := hi - lo
	flat := spanY == 0
	if flat {
		spanY = 1
	}
	innerW := o.Width - 2*o.Pad
	innerH := o.Height - 2*o.Pad

	pts := make([]Point, n)
	for i, v := range series {
		x := o.Width / 2
		if n > 1 {
			x = o.Pad + float64(i)/float64(n-1)*innerW
		}
		y := o.Height / 2
		if !flat {
			y = (o.Height - o.Pad) - (v-lo)/spanY*innerH
		}
		pts[i] = Point{X: x, Y: y}
	}
	return pts
}

// ToGeometry renders series as an SVG path ("M x y L x y ...") plus its
// bounds. An empty series yields an empty path and zero bounds.
func ToGeometry(series model.MetricSeries, opts Options) model.SeriesGeometry {
	pts := Points(series, opts)
	if len(pts) == 0 {
		return model.SeriesGeometry{}
	}
	lo, hi := Bounds(series)

	var b strings.Builder
	for i, p := range pts {
		if i == 0 {
			b.WriteString("M ")
		} else {
			b.WriteString(" L ")
		}
		b.WriteString(coord(p.X))
		b.WriteByte(' ')
		b.WriteString(coord(p.Y))
	}
	return model.SeriesGeometry{Path: b.String(), Min: lo, Max: hi}
}

func coord(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
