// Package store holds the two volume slots of a viewing session and guards
// every write with a per-slot load generation.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/neuroslice/server/internal/volume"
)

// ErrStaleResult is returned by Complete when a newer load for the same
// slot has started, or the store was closed, since the token was issued.
var ErrStaleResult = errors.New("stale load result discarded")

// Slot names one of the independently loaded volumes.
type Slot int

const (
	Background Slot = iota
	Overlay
)

// Slots lists every slot.
var Slots = []Slot{Background, Overlay}

func (s Slot) String() string {
	switch s {
	case Background:
		return "background"
	case Overlay:
		return "overlay"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// MarshalText encodes the slot by name.
func (s Slot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a slot name.
func (s *Slot) UnmarshalText(b []byte) error {
	v, err := ParseSlot(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSlot parses a slot name.
func ParseSlot(s string) (Slot, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "background", "bg":
		return Background, nil
	case "overlay", "ov":
		return Overlay, nil
	}
	return 0, fmt.Errorf("unknown slot: %q", s)
}

// Token identifies one load attempt.
type Token struct {
	Slot       Slot
	Generation uint64
}

// Status is the externally visible state of a slot.
type Status struct {
	Slot       string `json:"slot"`
	Present    bool   `json:"present"`
	Loading    bool   `json:"loading"`
	Error      string `json:"error,omitempty"`
	Dims       [3]int `json:"dims,omitempty"`
	Generation uint64 `json:"generation"`
}

type entry struct {
	vol        *volume.Volume
	loading    bool
	err        error
	generation uint64
}

// Store is safe for concurrent use. OnChange, when set, runs after every
// applied completion or clear, outside the store lock.
type Store struct {
	mu     sync.Mutex
	slots  [2]entry
	closed bool

	OnChange func(Slot)
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

func (s *Store) entry(slot Slot) *entry {
	if slot != Background && slot != Overlay {
		panic(fmt.Sprintf("store: invalid slot %d", int(slot)))
	}
	return &s.slots[slot]
}

// Begin starts a new load for slot. Any token issued earlier for the same
// slot becomes stale. The previous volume stays visible until the new load
// completes.
func (s *Store) Begin(slot Slot) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(slot)
	e.generation++
	e.loading = !s.closed
	return Token{Slot: slot, Generation: e.generation}
}

// Current reports whether tok still owns its slot.
func (s *Store) Current(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.entry(tok.Slot).generation == tok.Generation
}

// Complete applies the outcome of the load identified by tok. A failed load
// leaves the slot absent with its error; the other slot is never touched.
func (s *Store) Complete(tok Token, vol *volume.Volume, loadErr error) error {
	s.mu.Lock()
	e := s.entry(tok.Slot)
	if s.closed || e.generation != tok.Generation {
		s.mu.Unlock()
		return ErrStaleResult
	}
	e.loading = false
	if loadErr != nil {
		e.vol = nil
		e.err = loadErr
	} else {
		e.vol = vol
		e.err = nil
	}
	cb := s.OnChange
	s.mu.Unlock()

	if cb != nil {
		cb(tok.Slot)
	}
	return nil
}

// Clear empties slot and invalidates any load in flight for it.
func (s *Store) Clear(slot Slot) {
	s.mu.Lock()
	e := s.entry(slot)
	e.generation++
	e.vol = nil
	e.err = nil
	e.loading = false
	cb := s.OnChange
	closed := s.closed
	s.mu.Unlock()

	if cb != nil && !closed {
		cb(slot)
	}
}

// Get returns the volume held by slot, or nil.
func (s *Store) Get(slot Slot) *volume.Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry(slot).vol
}

// Err returns the error of the last failed load for slot.
func (s *Store) Err(slot Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry(slot).err
}

// Status reports the state of slot.
func (s *Store) Status(slot Slot) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(slot)
	st := Status{
		Slot:       slot.String(),
		Present:    e.vol != nil,
		Loading:    e.loading,
		Generation: e.generation,
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	if e.vol != nil {
		st.Dims = e.vol.Dims
	}
	return st
}

// Close marks every in-flight load as non-authoritative.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for i := range s.slots {
		s.slots[i].loading = false
	}
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
