package service

import (
	"errors"
	"testing"
	"time"
)

func TestManager_CreateGetDelete(t *testing.T) {
	m := NewManager(ManagerConfig{Options: DefaultOptions()}, testRenderer(), nil, nil)
	defer m.Stop()

	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(s.ID()) != 16 {
		t.Fatalf("session id %q", s.ID())
	}
	if m.Get(s.ID()) != s {
		t.Fatal("Get did not return the created session")
	}
	if ids := m.IDs(); len(ids) != 1 || ids[0] != s.ID() {
		t.Fatalf("IDs = %v", ids)
	}

	if !m.Delete(s.ID()) {
		t.Fatal("Delete reported missing session")
	}
	if !s.Closed() {
		t.Fatal("deleted session still open")
	}
	if m.Get(s.ID()) != nil || m.Delete(s.ID()) {
		t.Fatal("session survived Delete")
	}
}

func TestManager_MaxSessions(t *testing.T) {
	m := NewManager(ManagerConfig{Options: DefaultOptions(), MaxSessions: 1}, testRenderer(), nil, nil)
	defer m.Stop()
	if _, err := m.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("second Create = %v, want ErrTooManySessions", err)
	}
}

func TestManager_CloseIdle(t *testing.T) {
	m := NewManager(ManagerConfig{Options: DefaultOptions(), IdleTimeout: time.Minute}, testRenderer(), nil, nil)
	defer m.Stop()
	stale, _ := m.Create()
	fresh, _ := m.Create()

	if n := m.closeIdle(time.Now()); n != 0 {
		t.Fatalf("closeIdle(now) closed %d sessions", n)
	}
	fresh.Status()
	if n := m.closeIdle(fresh.LastAccess().Add(time.Minute + time.Second)); n != 2 {
		t.Fatalf("closeIdle(later) closed %d sessions, want 2", n)
	}
	if !stale.Closed() || m.Len() != 0 {
		t.Fatal("idle sessions not removed")
	}
}

func TestManager_StopClosesSessions(t *testing.T) {
	m := NewManager(ManagerConfig{Options: DefaultOptions(), CleanupPeriod: time.Millisecond}, testRenderer(), nil, nil)
	m.Start()
	s, _ := m.Create()
	m.Stop()
	if !s.Closed() {
		t.Fatal("Stop left a session open")
	}
}
