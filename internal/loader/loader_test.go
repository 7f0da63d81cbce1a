package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/neuroslice/server/internal/cache"
	"github.com/neuroslice/server/internal/source"
	"github.com/neuroslice/server/internal/store"
	"github.com/neuroslice/server/internal/volume"
)

func niftiBytes(t *testing.T, fill float64) []byte {
	t.Helper()
	values := make([]float64, 4*3*2)
	for i := range values {
		values[i] = fill
	}
	data, err := volume.Encode([3]int{4, 3, 2}, [3]float64{2, 2, 2}, volume.Float32, values, binary.LittleEndian)
	if err != nil {
		t.Fatalf("volume.Encode: %v", err)
	}
	return data
}

func startLoader(t *testing.T, src source.Source, cacheMgr *cache.Manager, workers int) *Loader {
	t.Helper()
	l, err := New(Config{MaxConcurrent: workers}, src, cacheMgr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

// watch returns a channel that receives every slot change of st.
func watch(st *store.Store) <-chan store.Slot {
	ch := make(chan store.Slot, 16)
	st.OnChange = func(s store.Slot) { ch <- s }
	return ch
}

func waitChange(t *testing.T, ch <-chan store.Slot) store.Slot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a slot change")
		return 0
	}
}

func waitIdle(t *testing.T, l *Loader) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := l.Stats()
		if st["running"] == 0 && st["queued"] == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("loader never went idle")
}

func TestSubmit_LoadsIntoSlot(t *testing.T) {
	src := source.NewMemorySource()
	src.Put(source.BackgroundRequest(), niftiBytes(t, 100))
	l := startLoader(t, src, nil, 1)

	st := store.New()
	changes := watch(st)
	if _, err := l.Submit("s1", st, source.BackgroundRequest()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := waitChange(t, changes); got != store.Background {
		t.Fatalf("changed slot = %v", got)
	}
	vol := st.Get(store.Background)
	if vol == nil || vol.Dims != [3]int{4, 3, 2} || vol.At(1, 1, 1) != 100 {
		t.Fatalf("loaded volume = %+v", vol)
	}
}

func TestSubmit_FailureIsolated(t *testing.T) {
	src := source.NewMemorySource()
	src.Put(source.BackgroundRequest(), niftiBytes(t, 1))
	overlay := source.OverlayRequest("broken", source.DefaultParams())
	src.Put(overlay, []byte("definitely not a volume"))
	l := startLoader(t, src, nil, 2)

	st := store.New()
	changes := watch(st)
	l.Submit("s1", st, source.BackgroundRequest())
	l.Submit("s1", st, overlay)
	waitChange(t, changes)
	waitChange(t, changes)

	if st.Get(store.Background) == nil {
		t.Fatal("background missing after overlay failure")
	}
	var fe *volume.FormatError
	if !errors.As(st.Err(store.Overlay), &fe) {
		t.Fatalf("overlay error = %v, want *volume.FormatError", st.Err(store.Overlay))
	}
	if st.Status(store.Overlay).Present {
		t.Fatal("failed overlay slot is present")
	}
}

func TestSubmit_StaleResultDiscarded(t *testing.T) {
	slow := source.OverlayRequest("slow", source.DefaultParams())
	fast := source.OverlayRequest("fast", source.DefaultParams())
	release := make(chan struct{})
	slowBytes, fastBytes := niftiBytes(t, 1), niftiBytes(t, 2)

	src := source.Func(func(ctx context.Context, req source.Request) ([]byte, error) {
		if req.Query == slow.Query {
			<-release
			return slowBytes, nil
		}
		return fastBytes, nil
	})
	l := startLoader(t, src, nil, 2)

	st := store.New()
	changes := watch(st)
	l.Submit("s1", st, slow)
	// Give the slow job a worker before the newer load starts.
	time.Sleep(20 * time.Millisecond)
	l.Submit("s1", st, fast)

	waitChange(t, changes)
	close(release)
	waitIdle(t, l)

	vol := st.Get(store.Overlay)
	if vol == nil || vol.At(0, 0, 0) != 2 {
		t.Fatalf("overlay = %+v, want the newer load", vol)
	}
	select {
	case s := <-changes:
		t.Fatalf("stale load produced a change on %v", s)
	default:
	}
}

func TestLoad_CollapsesAndCaches(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	data := niftiBytes(t, 5)
	src := source.Func(func(ctx context.Context, req source.Request) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return data, nil
	})
	cacheMgr, err := cache.NewManager(cache.Config{SliceCacheSizeMB: 8, VolumeEntries: 4})
	if err != nil {
		t.Fatalf("cache.NewManager: %v", err)
	}
	defer cacheMgr.Close()
	l := startLoader(t, src, cacheMgr, 1)

	req := source.OverlayRequest("shared", source.DefaultParams())
	var wg sync.WaitGroup
	results := make([]*volume.Volume, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = l.Load(context.Background(), req)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("source called %d times, want 1", n)
	}
	for i, v := range results {
		if v == nil || v != results[0] {
			t.Fatalf("result %d = %p, want shared %p", i, v, results[0])
		}
	}

	again, err := l.Load(context.Background(), req)
	if err != nil || again != results[0] {
		t.Fatalf("cached Load = %p, %v", again, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("cached load hit the source (%d calls)", n)
	}
}

func TestLoad_CancelledWaiter(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	src := source.Func(func(ctx context.Context, req source.Request) ([]byte, error) {
		<-block
		return nil, errors.New("unreachable")
	})
	l := startLoader(t, src, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Load(ctx, source.BackgroundRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Load with cancelled ctx = %v", err)
	}
}

func TestCancel_ByOwner(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	src := source.Func(func(ctx context.Context, req source.Request) ([]byte, error) {
		<-block
		return nil, errors.New("late")
	})
	l := startLoader(t, src, nil, 1)

	st := store.New()
	l.Submit("owner-a", st, source.BackgroundRequest())
	deadline := time.Now().Add(5 * time.Second)
	for l.Stats()["running"] != 1 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := l.Cancel("owner-b"); n != 0 {
		t.Fatalf("Cancel(other owner) = %d", n)
	}
	if n := l.Cancel("owner-a"); n != 1 {
		t.Fatalf("Cancel(owner) = %d, want 1", n)
	}
	waitIdle(t, l)
	if st.Status(store.Background).Error != "" {
		t.Fatal("cancelled load recorded an error on the slot")
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	src := source.NewMemorySource()
	l, err := New(Config{MaxConcurrent: 1, QueueSize: 1}, src, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)

	// Workers are not started, so the first job stays queued.
	st := store.New()
	if _, err := l.Submit("s1", st, source.BackgroundRequest()); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := l.Submit("s1", st, source.OverlayRequest("pain", source.DefaultParams())); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Submit = %v, want ErrQueueFull", err)
	}
	if !errors.Is(st.Err(store.Overlay), ErrQueueFull) || st.Status(store.Overlay).Loading {
		t.Fatalf("overlay status = %+v", st.Status(store.Overlay))
	}

	closed := store.New()
	closed.Close()
	if _, err := l.Submit("s2", closed, source.BackgroundRequest()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on closed store = %v, want ErrQueueFull", err)
	}
	if closed.Err(store.Background) != nil {
		t.Fatal("closed store took a queue-full result")
	}
}

func TestNew_VolumeSizeLimit(t *testing.T) {
	src := source.NewMemorySource()
	src.Put(source.BackgroundRequest(), gzipBytes(t, niftiBytes(t, 1)))
	l, err := New(Config{MaxVolumeBytes: 256}, src, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)

	var fe *volume.FormatError
	if _, err := l.Load(context.Background(), source.BackgroundRequest()); !errors.As(err, &fe) {
		t.Fatalf("Load = %v, want *volume.FormatError", err)
	}
}

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}
