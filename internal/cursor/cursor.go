// Package cursor holds the authoritative voxel cursor and the transient
// slider preview.
package cursor

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neuroslice/server/internal/coords"
)

// DefaultDebounce is the quiescent gap before a slider drag commits.
const DefaultDebounce = 150 * time.Millisecond

// Position is a voxel index triple.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// FromIJK builds a Position from an index array.
func FromIJK(ijk [3]int) Position {
	return Position{X: ijk[0], Y: ijk[1], Z: ijk[2]}
}

// IJK returns the position as an index array.
func (p Position) IJK() [3]int {
	return [3]int{p.X, p.Y, p.Z}
}

// Clamp limits each component to [0, dims-1].
func (p Position) Clamp(dims [3]int) Position {
	ijk := p.IJK()
	for a := range ijk {
		ijk[a] = clampIndex(ijk[a], dims[a])
	}
	return FromIJK(ijk)
}

// Center returns the middle voxel of a grid.
func Center(dims [3]int) Position {
	return Position{X: dims[0] / 2, Y: dims[1] / 2, Z: dims[2] / 2}
}

// State is the cursor state machine. Every proposal is clamped before it is
// applied. Slider drags update a preview immediately and commit after the
// debounce interval passes without further drag input.
type State struct {
	mu       sync.Mutex
	dims     [3]int
	pos      Position
	preview  Position
	dragging bool
	timer    *time.Timer
	// dragGen identifies the latest armed commit; older timer callbacks
	// that already fired see a different value and do nothing.
	dragGen  uint64
	debounce time.Duration
	closed   bool

	// onCommit runs after a debounced drag commits, outside the lock.
	onCommit func(Position)
}

// NewState creates a cursor at the centre of dims.
func NewState(dims [3]int, debounce time.Duration, onCommit func(Position)) *State {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	c := Center(dims)
	return &State{
		dims:     dims,
		pos:      c,
		preview:  c,
		debounce: debounce,
		onCommit: onCommit,
	}
}

// Dims returns the current bounds.
func (s *State) Dims() [3]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// SetDims changes the bounds. When recenter is set the cursor moves to the
// middle of the new grid, otherwise it is clamped into it.
func (s *State) SetDims(dims [3]int, recenter bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dims = dims
	if recenter {
		s.pos = Center(dims)
	} else {
		s.pos = s.pos.Clamp(dims)
	}
	s.cancelDragLocked()
}

// Position returns the authoritative cursor.
func (s *State) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Preview returns the in-progress drag position, or the authoritative
// position when no drag is pending.
func (s *State) Preview() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dragging {
		return s.preview
	}
	return s.pos
}

// Dragging reports whether a drag is waiting to commit.
func (s *State) Dragging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dragging
}

// Set proposes a full position. It reports whether the cursor moved.
func (s *State) Set(p Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelDragLocked()
	next := p.Clamp(s.dims)
	if next == s.pos {
		return false
	}
	s.pos = next
	return true
}

// SetAxes proposes new indices for some axes, leaving the others.
func (s *State) SetAxes(values map[coords.Axis]int) bool {
	s.mu.Lock()
	ijk := s.pos.IJK()
	s.mu.Unlock()
	for a, v := range values {
		if a >= coords.X && a <= coords.Z {
			ijk[a] = v
		}
	}
	return s.Set(FromIJK(ijk))
}

// CommitText applies typed millimetre text for one axis through mapper.
// Malformed text leaves the state unchanged and returns false.
func (s *State) CommitText(axis coords.Axis, text string, mapper coords.Mapper) bool {
	if mapper == nil {
		return false
	}
	mm, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(mm) || math.IsInf(mm, 0) {
		return false
	}
	return s.SetAxes(map[coords.Axis]int{axis: mapper.Inverse(mm, axis)})
}

// Drag records an intermediate slider value and re-arms the commit timer.
func (s *State) Drag(axis coords.Axis, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || axis < coords.X || axis > coords.Z {
		return
	}
	if !s.dragging {
		s.preview = s.pos
		s.dragging = true
	}
	ijk := s.preview.IJK()
	ijk[axis] = value
	s.preview = FromIJK(ijk).Clamp(s.dims)

	if s.timer != nil {
		s.timer.Stop()
	}
	s.dragGen++
	gen := s.dragGen
	s.timer = time.AfterFunc(s.debounce, func() { s.commitDrag(gen) })
}

func (s *State) commitDrag(gen uint64) {
	s.mu.Lock()
	if s.closed || !s.dragging || gen != s.dragGen {
		s.mu.Unlock()
		return
	}
	s.dragging = false
	s.timer = nil
	changed := s.preview != s.pos
	s.pos = s.preview
	pos := s.pos
	cb := s.onCommit
	s.mu.Unlock()

	if changed && cb != nil {
		cb(pos)
	}
}

// Flush commits a pending drag immediately.
func (s *State) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.dragGen
	s.mu.Unlock()
	s.commitDrag(gen)
}

// Close cancels any pending commit. Later drags are ignored.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancelDragLocked()
}

func (s *State) cancelDragLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dragGen++
	s.dragging = false
}

func clampIndex(i, n int) int {
	if i < 0 || n <= 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}
