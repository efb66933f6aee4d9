package drawing

import (
	"math"
	"time"
)

// Tool selects how a stroke is painted.
type Tool string

const (
	ToolPen         Tool = "pen"
	ToolEraser      Tool = "eraser"
	ToolHighlighter Tool = "highlighter"
)

func (t Tool) valid() bool {
	return t == ToolPen || t == ToolEraser || t == ToolHighlighter
}

const (
	// DefaultTolerance is the simplification tolerance in pixels.
	DefaultTolerance = 2.0
	highlighterAlpha = 0.3
	highlighterScale = 3
	backgroundColor  = "#FFFFFF"
)

// Point is one sampled input position. Pressure is in [0,1]; zero means
// the device did not report it.
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"pressure,omitempty"`
}

// Path is one finalized stroke. Width is the base width; each segment is
// stroked at StrokeWidth(Tool, Width, pressure of its end point).
type Path struct {
	Points []Point `json:"points" validate:"min=1"`
	Tool   Tool    `json:"tool" validate:"oneof=pen eraser highlighter"`
	Color  string  `json:"color" validate:"hexcolor"`
	Width  float64 `json:"width" validate:"gt=0"`
}

func (p Path) clone() Path {
	p.Points = append([]Point(nil), p.Points...)
	return p
}

// CanvasState is the vector form of one page.
type CanvasState struct {
	Paths        []Path    `json:"paths" validate:"dive"`
	PageNumber   int       `json:"pageNumber" validate:"gte=1"`
	LastModified time.Time `json:"lastModified"`
}

// StrokeWidth is b * (0.5 + p), where b is base (tripled for the
// highlighter) and p is the pressure clamped to [0,1]. A missing pressure
// counts as 0.5.
func StrokeWidth(tool Tool, base, pressure float64) float64 {
	if tool == ToolHighlighter {
		base *= highlighterScale
	}
	switch {
	case pressure <= 0:
		pressure = 0.5
	case pressure > 1:
		pressure = 1
	}
	return base * (0.5 + pressure)
}

// Simplify reduces points with Douglas-Peucker. Endpoints are always kept
// and the result is never longer than the input.
func Simplify(points []Point, tolerance float64) []Point {
	if len(points) <= 2 {
		return append([]Point(nil), points...)
	}
	keep := make([]bool, len(points))
	keep[0], keep[len(points)-1] = true, true
	markSegment(points, 0, len(points)-1, tolerance, keep)

	out := make([]Point, 0, len(points))
	for i, k := range keep {
		if k {
			out = append(out, points[i])
		}
	}
	return out
}

func markSegment(points []Point, first, last int, tolerance float64, keep []bool) {
	if last-first < 2 {
		return
	}
	maxDist, index := 0.0, 0
	for i := first + 1; i < last; i++ {
		if d := perpendicularDistance(points[i], points[first], points[last]); d > maxDist {
			maxDist, index = d, i
		}
	}
	if maxDist <= tolerance {
		return
	}
	keep[index] = true
	markSegment(points, first, index, tolerance, keep)
	markSegment(points, index, last, tolerance, keep)
}

func perpendicularDistance(p, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	mag2 := dx*dx + dy*dy
	if mag2 == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	u := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / mag2
	return math.Hypot(p.X-(a.X+u*dx), p.Y-(a.Y+u*dy))
}
