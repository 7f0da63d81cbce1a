package api

import (
	"github.com/neuroslice/server/internal/cache"
	"github.com/neuroslice/server/internal/loader"
	"github.com/neuroslice/server/internal/service"
)

// Registry holds the shared server components the handlers reach.
type Registry struct {
	sessions *service.Manager
	cache    *cache.Manager
	loader   *loader.Loader
	title    string
}

// NewRegistry creates a registry. cacheMgr and ld may be nil.
func NewRegistry(sessions *service.Manager, cacheMgr *cache.Manager, ld *loader.Loader, title string) *Registry {
	return &Registry{
		sessions: sessions,
		cache:    cacheMgr,
		loader:   ld,
		title:    title,
	}
}

// Sessions returns the session manager.
func (r *Registry) Sessions() *service.Manager {
	return r.sessions
}

// Session returns an open session, or nil if not found.
func (r *Registry) Session(id string) *service.Session {
	return r.sessions.Get(id)
}

// Title returns the configured site title.
func (r *Registry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "NeuroSlice"
}

// Info describes the server for the info endpoint.
func (r *Registry) Info() map[string]interface{} {
	info := map[string]interface{}{
		"title":    r.Title(),
		"sessions": r.sessions.Len(),
	}
	if r.cache != nil {
		info["cache"] = r.cache.Stats()
	}
	if r.loader != nil {
		info["loader"] = r.loader.Stats()
	}
	return info
}
