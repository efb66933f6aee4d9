// Package drawing holds a student's notebook page: the stroke state
// machine, the vector history, and the raster that is pushed to the
// teacher.
package drawing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/pkg/types"
)

const pngDataURLPrefix = "data:image/png;base64,"

// Publisher receives page rasters. signaling.Channel satisfies it.
type Publisher interface {
	SendNotebookUpdate(page types.NotebookPage)
	FlushNotebookUpdates()
}

type Options struct {
	StudentID string
	SessionID string
	Width     int
	Height    int
	Tolerance float64
	// Now is overridable in tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Width <= 0 {
		o.Width = 1200
	}
	if o.Height <= 0 {
		o.Height = 800
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine is safe for concurrent use. Every finalize, undo and clear
// re-publishes the page; points added mid-stroke do not. An open stroke is
// painted on a live copy of the committed canvas, so the committed raster
// only ever holds simplified paths.
type Engine struct {
	opts Options
	pub  Publisher
	log  *zap.Logger

	mu      sync.Mutex
	canvas  *gg.Context
	live    *gg.Context
	history []Path
	active  *Path
	page    int
	tool    Tool
	color   string
	width   float64
	touched time.Time
}

// NewEngine starts on page 1 with a black 2px pen. pub may be nil.
func NewEngine(opts Options, pub Publisher, log *zap.Logger) *Engine {
	opts.applyDefaults()
	return &Engine{
		opts:    opts,
		pub:     pub,
		log:     logger.OrNop(log).Named("drawing"),
		canvas:  newCanvas(opts.Width, opts.Height),
		page:    1,
		tool:    ToolPen,
		color:   "#000000",
		width:   2,
		touched: opts.Now(),
	}
}

func (e *Engine) SetTool(t Tool) error {
	if !t.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTool, t)
	}
	e.mu.Lock()
	e.tool = t
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetColor(hex string) error {
	if err := types.Validator().Var(hex, "required,hexcolor"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidColor, hex)
	}
	e.mu.Lock()
	e.color = hex
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetWidth(w float64) error {
	if w <= 0 || w > 100 {
		return ErrInvalidWidth
	}
	e.mu.Lock()
	e.width = w
	e.mu.Unlock()
	return nil
}

// BeginStroke opens a stroke at pt. Base width and color are fixed for the
// whole stroke; the eraser always paints the background color.
func (e *Engine) BeginStroke(pt Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return ErrStrokeInProgress
	}
	c := e.color
	if e.tool == ToolEraser {
		c = backgroundColor
	}
	e.active = &Path{
		Points: []Point{pt},
		Tool:   e.tool,
		Color:  c,
		Width:  e.width,
	}
	e.live = overlay(e.canvas)
	return nil
}

// ExtendStroke paints the segment to pt on the live surface. It is a no-op
// when no stroke is open.
func (e *Engine) ExtendStroke(pt Point) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return
	}
	prev := e.active.Points[len(e.active.Points)-1]
	e.active.Points = append(e.active.Points, pt)
	renderSegment(e.live, *e.active, prev, pt)
}

// EndStroke simplifies and commits the open stroke. It reports false when
// there was nothing to commit.
func (e *Engine) EndStroke() (Path, bool) {
	e.mu.Lock()
	p := e.active
	e.active = nil
	e.live = nil
	if p == nil || len(p.Points) == 0 {
		e.mu.Unlock()
		return Path{}, false
	}
	p.Points = Simplify(p.Points, e.opts.Tolerance)
	e.history = append(e.history, *p)
	renderPath(e.canvas, *p)
	e.touched = e.opts.Now()
	page, err := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(page, err)
	return p.clone(), true
}

func (e *Engine) IsStroking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Undo drops the newest path and repaints the rest from a blank canvas.
func (e *Engine) Undo() bool {
	e.mu.Lock()
	if len(e.history) == 0 {
		e.mu.Unlock()
		return false
	}
	e.history = e.history[:len(e.history)-1]
	e.redrawLocked()
	if e.active != nil {
		e.live = overlay(e.canvas)
		renderPath(e.live, *e.active)
	}
	e.touched = e.opts.Now()
	page, err := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(page, err)
	return true
}

func (e *Engine) Clear() {
	e.mu.Lock()
	e.history = nil
	e.active = nil
	e.live = nil
	paintBackground(e.canvas)
	e.touched = e.opts.Now()
	page, err := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(page, err)
}

// ChangePage publishes the current page, flushes anything throttled, then
// starts n blank.
func (e *Engine) ChangePage(n int) error {
	if n < 1 {
		return ErrInvalidPage
	}
	e.mu.Lock()
	page, err := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(page, err)
	if e.pub != nil {
		e.pub.FlushNotebookUpdates()
	}

	e.mu.Lock()
	e.history = nil
	e.active = nil
	e.live = nil
	e.page = n
	paintBackground(e.canvas)
	e.touched = e.opts.Now()
	e.mu.Unlock()
	e.log.Debug("page changed", zap.Int("page", n))
	return nil
}

func (e *Engine) Page() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page
}

// History returns copies of the committed paths, oldest first.
func (e *Engine) History() []Path {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Path, len(e.history))
	for i, p := range e.history {
		out[i] = p.clone()
	}
	return out
}

// ExportSnapshot copies the current raster, including any open stroke.
func (e *Engine) ExportSnapshot() image.Image {
	e.mu.Lock()
	defer e.mu.Unlock()
	src := e.surfaceLocked().Image()
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}

// Snapshot encodes the current raster as a notebook page.
func (e *Engine) Snapshot() (types.NotebookPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) State() CanvasState {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make([]Path, len(e.history))
	for i, p := range e.history {
		paths[i] = p.clone()
	}
	return CanvasState{Paths: paths, PageNumber: e.page, LastModified: e.touched}
}

// Load replaces the page with a saved state. Nothing is published.
func (e *Engine) Load(state CanvasState) error {
	if err := types.ValidateStruct(state); err != nil {
		return err
	}
	paths := make([]Path, len(state.Paths))
	for i, p := range state.Paths {
		paths[i] = p.clone()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = paths
	e.active = nil
	e.live = nil
	e.page = state.PageNumber
	e.touched = state.LastModified
	e.redrawLocked()
	return nil
}

func (e *Engine) redrawLocked() {
	paintBackground(e.canvas)
	for _, p := range e.history {
		renderPath(e.canvas, p)
	}
}

func (e *Engine) surfaceLocked() *gg.Context {
	if e.live != nil {
		return e.live
	}
	return e.canvas
}

func (e *Engine) snapshotLocked() (types.NotebookPage, error) {
	var buf bytes.Buffer
	if err := e.surfaceLocked().EncodePNG(&buf); err != nil {
		return types.NotebookPage{}, fmt.Errorf("encode page: %w", err)
	}
	now := e.opts.Now()
	return types.NotebookPage{
		ID:         fmt.Sprintf("%s-%s-page-%d", e.opts.StudentID, e.opts.SessionID, now.UnixMilli()),
		StudentID:  e.opts.StudentID,
		SessionID:  e.opts.SessionID,
		PageNumber: e.page,
		CanvasData: pngDataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Timestamp:  now,
	}, nil
}

func (e *Engine) publish(page types.NotebookPage, err error) {
	if err != nil {
		e.log.Warn("snapshot failed", zap.Error(err))
		return
	}
	if e.pub == nil {
		return
	}
	e.pub.SendNotebookUpdate(page)
}
