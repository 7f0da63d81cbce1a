package service

import (
	"fmt"
	"log"
	"time"

	"github.com/neuroslice/server/internal/cache"
	"github.com/neuroslice/server/internal/coords"
	"github.com/neuroslice/server/internal/cursor"
	"github.com/neuroslice/server/internal/render"
	"github.com/neuroslice/server/internal/slice"
	"github.com/neuroslice/server/internal/store"
	"github.com/neuroslice/server/internal/threshold"
	"github.com/neuroslice/server/internal/viewport"
	"github.com/neuroslice/server/internal/volume"
)

// frame is a copy of everything a render pass reads.
type frame struct {
	version   uint64
	bg, ov    *volume.Volume
	pos       cursor.Position
	threshold threshold.Config
	style     render.Style
}

// frame reads the version before the state it covers. State changes bump
// the version after they are applied, so a frame is never older than its
// version.
func (s *Session) frame() frame {
	s.mu.Lock()
	f := frame{
		version:   s.version,
		threshold: s.threshold,
		style:     s.style,
	}
	s.mu.Unlock()

	f.bg = s.store.Get(store.Background)
	f.ov = s.store.Get(store.Overlay)
	f.pos = s.cursor.Preview()
	return f
}

func (f frame) reference() *volume.Volume {
	if f.bg != nil {
		return f.bg
	}
	return f.ov
}

// overlay returns the overlay if it may be composited: it must share the
// background grid, or stand alone.
func (f frame) overlay() *volume.Volume {
	if f.ov == nil {
		return nil
	}
	if f.bg == nil || f.bg.SameGrid(f.ov) {
		return f.ov
	}
	return nil
}

// Image is one rendered plane ready to display. Crosshair is the screen
// position of the cursor within the canvas.
type Image struct {
	PNG       []byte
	Axis      slice.Axis
	Layout    viewport.Layout
	Crosshair [2]float64
	Version   uint64
	Empty     bool
}

// Render draws the plane for axis into an availW x availH canvas. A
// non-positive availH follows the plane's aspect ratio. Rendering never
// waits on a load; it uses whatever slots are currently valid.
func (s *Session) Render(axis slice.Axis, availW, availH int) (*Image, error) {
	if err := s.touch(); err != nil {
		return nil, err
	}
	return s.render(s.frame(), axis, availW, availH)
}

func (s *Session) render(f frame, axis slice.Axis, availW, availH int) (*Image, error) {
	ref := f.reference()
	if ref == nil {
		data, err := s.renderer.CreateEmptyImage(availW, availH)
		if err != nil {
			return nil, fmt.Errorf("failed to encode empty image: %w", err)
		}
		return &Image{PNG: data, Axis: axis, Version: f.version, Empty: true}, nil
	}

	index := f.pos.IJK()[axis.Fixed()]
	plane := slice.Extract(ref, axis, index)
	img := &Image{Axis: axis, Version: f.version}

	key := cache.SliceKey(s.id, f.version, axis.String(), availW, availH)
	if s.cache != nil {
		if data, ok := s.cache.GetSlice(key); ok {
			img.PNG = data
			img.Layout = s.layout(plane, availW, availH)
			img.Crosshair[0], img.Crosshair[1] = img.Layout.Crosshair(plane, f.pos.IJK())
			return img, nil
		}
	}

	in := render.Input{Style: f.style}
	if f.bg != nil {
		in.Background = slice.Extract(f.bg, axis, index)
		in.BgMin = f.bg.Min
		in.BgRange = f.bg.ValueRange()
	}
	ov := f.overlay()
	if ov != nil {
		in.Overlay = slice.Extract(ov, axis, index)
	}
	// Recomputed on every pass from the current overlay and settings.
	in.Threshold = threshold.Compute(ov, f.threshold)

	native := s.renderer.Composite(in)
	canvas, layout := s.renderer.Display(native, plane, f.pos.IJK(), availW, availH)
	data, err := s.renderer.EncodePNG(canvas)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s slice: %w", axis, err)
	}

	if s.cache != nil {
		if err := s.cache.SetSlice(key, data); err != nil {
			log.Printf("[Session] %s: slice cache set failed: %v", s.id, err)
		}
	}
	img.PNG = data
	img.Layout = layout
	img.Crosshair[0], img.Crosshair[1] = layout.Crosshair(plane, f.pos.IJK())
	return img, nil
}

func (s *Session) layout(plane *slice.Plane, availW, availH int) viewport.Layout {
	if availW <= 0 {
		availW = s.renderer.Config().DefaultWidth
	}
	return viewport.Fit(plane.W, plane.H, availW, availH)
}

// Click moves the cursor to the voxel shown at screen point (sx, sy) of an
// availW x availH display of axis. ok is false, and nothing changes, when
// the point is outside the drawn image.
func (s *Session) Click(axis slice.Axis, sx, sy float64, availW, availH int) (ok bool, err error) {
	if err := s.touch(); err != nil {
		return false, err
	}
	f := s.frame()
	ref := f.reference()
	if ref == nil {
		return false, nil
	}
	plane := slice.Extract(ref, axis, f.pos.IJK()[axis.Fixed()])
	ijk, ok := s.layout(plane, availW, availH).Click(plane, sx, sy)
	if !ok {
		return false, nil
	}
	if s.cursor.Set(cursor.FromIJK(ijk)) {
		s.bump()
	}
	return true, nil
}

// Status is the externally visible session state.
type Status struct {
	Session        string           `json:"session"`
	Version        uint64           `json:"version"`
	Background     store.Status     `json:"background"`
	Overlay        store.Status     `json:"overlay"`
	OverlayQuery   string           `json:"overlay_query,omitempty"`
	OverlayUsed    bool             `json:"overlay_used"`
	Dims           [3]int           `json:"dims"`
	MaxIndex       [3]int           `json:"max_index"`
	Cursor         cursor.Position  `json:"cursor"`
	Preview        cursor.Position  `json:"preview"`
	Dragging       bool             `json:"dragging"`
	Coordinate     *[3]float64      `json:"coordinate_mm,omitempty"`
	Variant        coords.Variant   `json:"variant,omitempty"`
	Threshold      threshold.Config `json:"threshold"`
	ThresholdValue *float32         `json:"threshold_value,omitempty"`
	Style          render.Style     `json:"style"`
}

// Status reports the session state.
func (s *Session) Status() (*Status, error) {
	if err := s.touch(); err != nil {
		return nil, err
	}
	f := s.frame()
	pos := s.cursor.Position()
	dims := s.cursor.Dims()

	st := &Status{
		Session:    s.id,
		Version:    f.version,
		Background: s.store.Status(store.Background),
		Overlay:    s.store.Status(store.Overlay),
		Dims:       dims,
		Cursor:     pos,
		Preview:    f.pos,
		Dragging:   s.cursor.Dragging(),
		Threshold:  f.threshold,
		Style:      f.style,
	}
	for a := range dims {
		st.MaxIndex[a] = dims[a] - 1
	}
	s.mu.Lock()
	if s.overlayReq != nil {
		st.OverlayQuery = s.overlayReq.Query
	}
	s.mu.Unlock()

	if ref := f.reference(); ref != nil {
		mm := coords.DisplayCoordinate(ref.Mapper, pos.IJK())
		st.Coordinate = &mm
		st.Variant = ref.Mapper.Variant()
	}
	if ov := f.overlay(); ov != nil {
		st.OverlayUsed = true
		th := threshold.Compute(ov, f.threshold)
		st.ThresholdValue = &th.Value
	}
	return st, nil
}

// Snapshot is a serializable capture of one rendered plane and the state
// that produced it.
type Snapshot struct {
	Image     []byte           `json:"image"`
	Axis      string           `json:"axis"`
	Cursor    cursor.Position  `json:"cursor"`
	Threshold threshold.Config `json:"threshold"`
	Style     render.Style     `json:"style"`
	Timestamp time.Time        `json:"timestamp"`
}

// Snapshot renders axis and captures the state that produced the image.
func (s *Session) Snapshot(axis slice.Axis, availW, availH int) (*Snapshot, error) {
	if err := s.touch(); err != nil {
		return nil, err
	}
	f := s.frame()
	img, err := s.render(f, axis, availW, availH)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Image:     img.PNG,
		Axis:      axis.String(),
		Cursor:    f.pos,
		Threshold: f.threshold,
		Style:     f.style,
		Timestamp: time.Now().UTC(),
	}, nil
}
