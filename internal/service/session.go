// Package service provides the viewing-session engine behind the HTTP API.
package service

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/neuroslice/server/internal/cache"
	"github.com/neuroslice/server/internal/coords"
	"github.com/neuroslice/server/internal/cursor"
	"github.com/neuroslice/server/internal/loader"
	"github.com/neuroslice/server/internal/render"
	"github.com/neuroslice/server/internal/slice"
	"github.com/neuroslice/server/internal/source"
	"github.com/neuroslice/server/internal/store"
	"github.com/neuroslice/server/internal/threshold"
	"github.com/neuroslice/server/internal/volume"
)

var (
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
	// ErrEmptyQuery is returned when an overlay load has no query text.
	ErrEmptyQuery = errors.New("overlay query is empty")
)

// Options are the per-session defaults.
type Options struct {
	Threshold       threshold.Config
	Style           render.Style
	SliderDebounce  time.Duration
	OverlayDefaults source.Params
}

// DefaultOptions returns the defaults used when none are configured.
func DefaultOptions() Options {
	return Options{
		Threshold:       threshold.Config{Mode: threshold.ModeValue, Value: 3, Percentile: 95},
		Style:           render.Style{Alpha: 0.8, PositiveOnly: true},
		SliderDebounce:  cursor.DefaultDebounce,
		OverlayDefaults: source.DefaultParams(),
	}
}

// Session is one viewer: two volume slots, a cursor and the overlay
// settings. Its methods are safe for concurrent use.
type Session struct {
	id       string
	opts     Options
	store    *store.Store
	cursor   *cursor.State
	renderer *render.Renderer
	cache    *cache.Manager
	loader   *loader.Loader

	mu         sync.Mutex
	threshold  threshold.Config
	style      render.Style
	overlayReq *source.Request
	version    uint64
	lastAccess time.Time
	closed     bool
}

// NewSession creates a session. Call LoadBackground to populate it. cacheMgr
// and ld may be nil; without a loader, volumes are installed with
// SetVolume.
func NewSession(id string, opts Options, renderer *render.Renderer, cacheMgr *cache.Manager, ld *loader.Loader) *Session {
	s := &Session{
		id:         id,
		opts:       opts,
		store:      store.New(),
		renderer:   renderer,
		cache:      cacheMgr,
		loader:     ld,
		threshold:  opts.Threshold,
		style:      clampStyle(opts.Style),
		lastAccess: time.Now(),
	}
	s.cursor = cursor.NewState([3]int{1, 1, 1}, opts.SliderDebounce, s.onCursorCommit)
	s.store.OnChange = s.onSlotChange
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Version increases on every change that affects rendered output.
func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// LastAccess returns when the session was last used.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.lastAccess = time.Now()
	return nil
}

func (s *Session) bump() {
	s.mu.Lock()
	s.version++
	s.mu.Unlock()
}

func (s *Session) onCursorCommit(cursor.Position) {
	s.bump()
}

// onSlotChange runs after a load lands or a slot is cleared. The cursor
// bounds follow the reference volume and reset to its centre when the grid
// changes.
func (s *Session) onSlotChange(slot store.Slot) {
	if ref := s.reference(); ref != nil {
		if ref.Dims != s.cursor.Dims() {
			s.cursor.SetDims(ref.Dims, true)
		}
	}
	if err := s.store.Err(slot); err != nil {
		log.Printf("[Session] %s: %s load failed: %v", s.id, slot, err)
	}
	s.bump()
}

// reference is the volume that defines bounds and coordinates: the
// background, or the overlay when it stands alone.
func (s *Session) reference() *volume.Volume {
	if bg := s.store.Get(store.Background); bg != nil {
		return bg
	}
	return s.store.Get(store.Overlay)
}

// LoadBackground starts loading the fixed anatomical volume.
func (s *Session) LoadBackground() (*loader.Job, error) {
	if err := s.touch(); err != nil {
		return nil, err
	}
	if s.loader == nil {
		return nil, fmt.Errorf("no loader configured")
	}
	return s.loader.Submit(s.id, s.store, source.BackgroundRequest())
}

// LoadOverlay starts loading a statistical map. Unset parameters take the
// session defaults. A load started earlier for the overlay is superseded.
func (s *Session) LoadOverlay(query string, params source.Params) (*loader.Job, error) {
	if err := s.touch(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if s.loader == nil {
		return nil, fmt.Errorf("no loader configured")
	}
	req := source.OverlayRequest(query, params.WithDefaults(s.opts.OverlayDefaults))

	s.mu.Lock()
	s.overlayReq = &req
	s.mu.Unlock()

	return s.loader.Submit(s.id, s.store, req)
}

// SetVolume installs an already decoded volume into slot, as a completed
// load would.
func (s *Session) SetVolume(slot store.Slot, vol *volume.Volume) error {
	if err := s.touch(); err != nil {
		return err
	}
	return s.store.Complete(s.store.Begin(slot), vol, nil)
}

// ClearOverlay removes the overlay and invalidates any overlay load in
// flight.
func (s *Session) ClearOverlay() error {
	if err := s.touch(); err != nil {
		return err
	}
	s.mu.Lock()
	s.overlayReq = nil
	s.mu.Unlock()
	s.store.Clear(store.Overlay)
	return nil
}

// SetCursor proposes a full voxel position. Values are clamped.
func (s *Session) SetCursor(pos cursor.Position) error {
	if err := s.touch(); err != nil {
		return err
	}
	if s.cursor.Set(pos) {
		s.bump()
	}
	return nil
}

// CommitCoords applies typed millimetre text per axis. Malformed entries
// are ignored. It reports whether the cursor moved.
func (s *Session) CommitCoords(texts map[coords.Axis]string) (bool, error) {
	if err := s.touch(); err != nil {
		return false, err
	}
	ref := s.reference()
	if ref == nil {
		return false, nil
	}
	moved := false
	for _, axis := range []coords.Axis{coords.X, coords.Y, coords.Z} {
		text, ok := texts[axis]
		if !ok {
			continue
		}
		if s.cursor.CommitText(axis, text, ref.Mapper) {
			moved = true
		}
	}
	if moved {
		s.bump()
	}
	return moved, nil
}

// Drag records an intermediate slider value for the plane's fixed axis.
// The cursor commits once dragging pauses.
func (s *Session) Drag(axis slice.Axis, value int) error {
	if err := s.touch(); err != nil {
		return err
	}
	s.cursor.Drag(axis.Fixed(), value)
	s.bump()
	return nil
}

// SetThreshold replaces the threshold configuration.
func (s *Session) SetThreshold(cfg threshold.Config) error {
	if err := s.touch(); err != nil {
		return err
	}
	if cfg.Mode == "" {
		cfg.Mode = threshold.ModeValue
	}
	mode, err := threshold.ParseMode(string(cfg.Mode))
	if err != nil {
		return err
	}
	cfg.Mode = mode
	s.mu.Lock()
	s.threshold = cfg
	s.version++
	s.mu.Unlock()
	return nil
}

// SetStyle replaces the overlay style. Alpha is clamped to [0, 1].
func (s *Session) SetStyle(style render.Style) error {
	if err := s.touch(); err != nil {
		return err
	}
	s.mu.Lock()
	s.style = clampStyle(style)
	s.version++
	s.mu.Unlock()
	return nil
}

func clampStyle(st render.Style) render.Style {
	if math.IsNaN(st.Alpha) || st.Alpha < 0 {
		st.Alpha = 0
	}
	if st.Alpha > 1 {
		st.Alpha = 1
	}
	return st
}

// Close tears the session down: pending slider commits are cancelled and
// loads in flight become stale.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cursor.Close()
	s.store.Close()
	if s.loader != nil {
		if n := s.loader.Cancel(s.id); n > 0 {
			log.Printf("[Session] %s: cancelled %d in-flight loads", s.id, n)
		}
	}
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
