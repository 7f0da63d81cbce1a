// Package loader runs volume loads in the background and delivers the
// results to session slot stores.
package loader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/neuroslice/server/internal/cache"
	"github.com/neuroslice/server/internal/source"
	"github.com/neuroslice/server/internal/store"
	"github.com/neuroslice/server/internal/volume"
)

// ErrQueueFull is recorded on the slot when a load cannot be queued.
var ErrQueueFull = errors.New("load queue is full; try again later")

// Config contains configuration for the loader.
type Config struct {
	MaxConcurrent int // Max concurrent loads (default 2)
	QueueSize     int // Pending loads before Submit fails (default 64)
	// MaxVolumeBytes caps the decompressed size of one volume file
	// (default volume.DefaultMaxBytes).
	MaxVolumeBytes int64
}

// Job is one queued load.
type Job struct {
	ID        string
	Owner     string
	Request   source.Request
	Token     store.Token
	CreatedAt time.Time

	store *store.Store
}

// Loader fetches, decodes and caches volumes on a fixed pool of workers.
type Loader struct {
	cfg      Config
	source   source.Source
	decoder  *volume.Decoder
	cache    *cache.Manager
	group    singleflight.Group
	queue    chan *Job
	running  map[string]runningJob
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

type runningJob struct {
	owner  string
	cancel context.CancelFunc
}

// New creates a loader. cacheMgr may be nil.
func New(cfg Config, src source.Source, cacheMgr *cache.Manager) (*Loader, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		cfg:     cfg,
		source:  src,
		decoder: volume.NewDecoder(cfg.MaxVolumeBytes),
		cache:   cacheMgr,
		queue:   make(chan *Job, cfg.QueueSize),
		running: make(map[string]runningJob),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start starts the worker goroutines.
func (l *Loader) Start() {
	for i := 0; i < l.cfg.MaxConcurrent; i++ {
		l.wg.Add(1)
		go l.worker()
	}
}

// Stop cancels running loads and waits for the workers to exit. Queued
// loads are dropped; their tokens simply never complete.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel()
		l.wg.Wait()
	})
}

func (l *Loader) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case job := <-l.queue:
			l.runJob(job)
		}
	}
}

// Submit begins a new generation for req.Slot in st and queues the load.
// The returned job ID can be passed to Cancel.
func (l *Loader) Submit(owner string, st *store.Store, req source.Request) (*Job, error) {
	select {
	case <-l.stopCh:
		return nil, fmt.Errorf("loader stopped")
	default:
	}

	job := &Job{
		ID:        generateJobID(),
		Owner:     owner,
		Request:   req,
		Token:     st.Begin(req.Slot),
		CreatedAt: time.Now(),
		store:     st,
	}

	select {
	case l.queue <- job:
	default:
		// Queue full; fail the slot immediately
		if err := st.Complete(job.Token, nil, ErrQueueFull); errors.Is(err, store.ErrStaleResult) {
			log.Printf("[Loader] discarded queue-full result for job %s (%s)", job.ID, req.Slot)
		}
		return job, ErrQueueFull
	}
	return job, nil
}

func (l *Loader) runJob(job *Job) {
	if !job.store.Current(job.Token) {
		log.Printf("[Loader] skipping superseded job %s (%s)", job.ID, job.Request.Key())
		return
	}

	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()

	l.mu.Lock()
	l.running[job.ID] = runningJob{owner: job.Owner, cancel: cancel}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.running, job.ID)
		l.mu.Unlock()
	}()

	start := time.Now()
	vol, err := l.Load(ctx, job.Request)
	if ctx.Err() != nil && err != nil {
		log.Printf("[Loader] job %s cancelled", job.ID)
		return
	}

	if cerr := job.store.Complete(job.Token, vol, err); errors.Is(cerr, store.ErrStaleResult) {
		log.Printf("[Loader] discarded stale result for job %s (%s)", job.ID, job.Request.Slot)
		return
	}
	if err != nil {
		log.Printf("[Loader] job %s failed after %v: %v", job.ID, time.Since(start).Round(time.Millisecond), err)
		return
	}
	log.Printf("[Loader] job %s loaded %s %dx%dx%d in %v",
		job.ID, job.Request.Slot, vol.Dims[0], vol.Dims[1], vol.Dims[2], time.Since(start).Round(time.Millisecond))
}

// Load returns the decoded volume for req, consulting the volume cache and
// collapsing concurrent fetches of the same request. A cancelled ctx
// abandons the wait without aborting a fetch other callers share.
func (l *Loader) Load(ctx context.Context, req source.Request) (*volume.Volume, error) {
	key := req.Key()
	if l.cache != nil {
		if vol, ok := l.cache.GetVolume(key); ok {
			return vol, nil
		}
	}

	ch := l.group.DoChan(key, func() (interface{}, error) {
		return l.fetchAndDecode(req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*volume.Volume), nil
	}
}

func (l *Loader) fetchAndDecode(req source.Request) (*volume.Volume, error) {
	key := req.Key()
	data, err := l.source.Fetch(l.ctx, req)
	if err != nil {
		return nil, err
	}
	log.Printf("[Loader] fetched %s (%s)", key, humanize.Bytes(uint64(len(data))))

	vol, err := l.decoder.Decode(data)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.SetVolume(key, vol)
	}
	log.Printf("[Loader] decoded %s: %s voxels, range [%g, %g]",
		key, humanize.Comma(int64(vol.Voxels())), vol.Min, vol.Max)
	return vol, nil
}

// Cancel aborts every running load submitted by owner and reports how many
// were cancelled.
func (l *Loader) Cancel(owner string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rj := range l.running {
		if rj.owner == owner {
			rj.cancel()
			n++
		}
	}
	return n
}

// Stats returns loader statistics.
func (l *Loader) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"queued":         len(l.queue),
		"running":        len(l.running),
		"max_concurrent": l.cfg.MaxConcurrent,
	}
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
