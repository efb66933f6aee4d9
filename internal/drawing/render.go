package drawing

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"

	"github.com/fogleman/gg"
)

func newCanvas(width, height int) *gg.Context {
	dc := gg.NewContext(width, height)
	dc.SetLineCapRound()
	dc.SetLineJoinRound()
	paintBackground(dc)
	return dc
}

func paintBackground(dc *gg.Context) {
	dc.SetHexColor(backgroundColor)
	dc.Clear()
}

// renderPath strokes p on top of what is already on dc.
func renderPath(dc *gg.Context, p Path) {
	if len(p.Points) == 0 {
		return
	}
	if len(p.Points) == 1 {
		renderDot(dc, p, p.Points[0])
		return
	}
	for i := 1; i < len(p.Points); i++ {
		renderSegment(dc, p, p.Points[i-1], p.Points[i])
	}
}

func renderDot(dc *gg.Context, p Path, pt Point) {
	if !setStrokeColor(dc, p) {
		return
	}
	dc.DrawCircle(pt.X, pt.Y, StrokeWidth(p.Tool, p.Width, pt.Pressure)/2)
	dc.Fill()
}

// renderSegment draws from a to b at the width given by b's pressure.
func renderSegment(dc *gg.Context, p Path, a, b Point) {
	if !setStrokeColor(dc, p) {
		return
	}
	dc.SetLineWidth(StrokeWidth(p.Tool, p.Width, b.Pressure))
	dc.MoveTo(a.X, a.Y)
	dc.LineTo(b.X, b.Y)
	dc.Stroke()
}

func setStrokeColor(dc *gg.Context, p Path) bool {
	c, err := parseHexColor(p.Color)
	if err != nil {
		return false
	}
	if p.Tool == ToolHighlighter {
		alpha := highlighterAlpha * 255
		c.A = uint8(alpha)
	}
	dc.SetColor(c)
	return true
}

// overlay copies base into a fresh context that a live stroke can be
// painted on without touching base.
func overlay(base *gg.Context) *gg.Context {
	src := base.Image()
	img := image.NewRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Src)
	dc := gg.NewContextForRGBA(img)
	dc.SetLineCapRound()
	dc.SetLineJoinRound()
	return dc
}

// parseHexColor accepts #RGB, #RGBA, #RRGGBB and #RRGGBBAA. Any alpha
// component is ignored.
func parseHexColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(s, "#")
	switch len(hex) {
	case 3, 4:
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	case 6, 8:
		hex = hex[:6]
	default:
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
