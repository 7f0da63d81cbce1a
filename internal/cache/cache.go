// Package cache provides caching for rendered slices and decoded volumes.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/neuroslice/server/internal/volume"
)

// Config contains cache configuration.
type Config struct {
	SliceCacheSizeMB int
	SliceTTL         time.Duration
	VolumeEntries    int
}

// Manager manages the slice and volume caches.
type Manager struct {
	sliceCache  *bigcache.BigCache
	volumeCache *lru.Cache[string, *volume.Volume]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SliceTTL <= 0 {
		cfg.SliceTTL = 10 * time.Minute
	}
	if cfg.SliceCacheSizeMB <= 0 {
		cfg.SliceCacheSizeMB = 128
	}
	if cfg.VolumeEntries <= 0 {
		cfg.VolumeEntries = 16
	}

	// One shard must hold a whole PNG: HardMaxCacheSize/Shards >= MaxEntrySize.
	sliceCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.SliceTTL,
		CleanWindow:        cfg.SliceTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.SliceCacheSizeMB,
		Verbose:            false,
	}

	sliceCache, err := bigcache.New(context.Background(), sliceCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create slice cache: %w", err)
	}

	volumeCache, err := lru.New[string, *volume.Volume](cfg.VolumeEntries)
	if err != nil {
		sliceCache.Close()
		return nil, fmt.Errorf("failed to create volume cache: %w", err)
	}

	return &Manager{
		sliceCache:  sliceCache,
		volumeCache: volumeCache,
	}, nil
}

// GetSlice retrieves a rendered slice from cache.
func (m *Manager) GetSlice(key string) ([]byte, bool) {
	data, err := m.sliceCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetSlice stores a rendered slice in cache.
func (m *Manager) SetSlice(key string, data []byte) error {
	return m.sliceCache.Set(key, data)
}

// GetVolume retrieves a decoded volume by request key.
func (m *Manager) GetVolume(key string) (*volume.Volume, bool) {
	return m.volumeCache.Get(key)
}

// SetVolume stores a decoded volume. Cached volumes are shared between
// sessions and must not be mutated.
func (m *Manager) SetVolume(key string, vol *volume.Volume) {
	m.volumeCache.Add(key, vol)
}

// SliceKey generates a cache key for one rendered plane of a session state.
func SliceKey(session string, version uint64, axis string, availW, availH int) string {
	return fmt.Sprintf("slice:%s:%d:%s:%dx%d", session, version, axis, availW, availH)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	st := m.sliceCache.Stats()
	return map[string]interface{}{
		"slice_cache_len":    m.sliceCache.Len(),
		"slice_cache_cap":    m.sliceCache.Capacity(),
		"slice_cache_hits":   st.Hits,
		"slice_cache_misses": st.Misses,
		"volume_cache_len":   m.volumeCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.volumeCache.Purge()
	return m.sliceCache.Close()
}
