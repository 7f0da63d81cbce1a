// Package api provides HTTP handlers for the NeuroSlice server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/neuroslice/server/internal/coords"
	"github.com/neuroslice/server/internal/cursor"
	"github.com/neuroslice/server/internal/loader"
	"github.com/neuroslice/server/internal/render"
	"github.com/neuroslice/server/internal/service"
	"github.com/neuroslice/server/internal/slice"
	"github.com/neuroslice/server/internal/source"
	"github.com/neuroslice/server/internal/threshold"
)

// maxDisplaySize bounds requested canvas dimensions.
const maxDisplaySize = 4096

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *Registry
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-State-Version", "X-Crosshair-X", "X-Crosshair-Y"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/info", infoHandler(cfg.Registry))

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", createSessionHandler(cfg.Registry))
		r.Delete("/{session}", deleteSessionHandler(cfg.Registry))
	})

	// Session-scoped routes: /s/{session}/...
	r.Route("/s/{session}", func(r chi.Router) {
		r.Use(sessionMiddleware(cfg.Registry))

		r.Get("/status", statusHandler)
		r.Post("/overlay", loadOverlayHandler)
		r.Delete("/overlay", clearOverlayHandler)
		r.Put("/cursor", cursorHandler)
		r.Put("/coords", coordsHandler)
		r.Post("/slider/{axis}", sliderHandler)
		r.Put("/threshold", thresholdHandler)
		r.Put("/style", styleHandler)

		r.Get("/slices/{axis}.png", sliceHandler)
		r.Post("/slices/{axis}/click", clickHandler)
		r.Get("/slices/{axis}/snapshot", snapshotHandler)
	})

	return r
}

// Context key for the session
type ctxKey string

const sessionKey ctxKey = "session"

// sessionMiddleware resolves the session from URL and injects it into context.
func sessionMiddleware(registry *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "session")
			sess := registry.Session(id)
			if sess == nil {
				http.Error(w, "session not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *service.Session {
	if sess, ok := r.Context().Value(sessionKey).(*service.Session); ok {
		return sess
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps session errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, service.ErrEmptyQuery):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, loader.ErrQueueFull), errors.Is(err, service.ErrTooManySessions):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeStatus(w http.ResponseWriter, sess *service.Session) {
	st, err := sess.Status()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func infoHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registry.Info())
	}
}

func createSessionHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := registry.Sessions().Create()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"session_id": sess.ID(),
		})
	}
}

func deleteSessionHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "session")
		if !registry.Sessions().Delete(id) {
			http.Error(w, "session not found: "+id, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, getSession(r))
}

type overlayRequest struct {
	Query         string  `json:"query"`
	VoxelSizeMM   float64 `json:"voxel_size_mm"`
	SmoothingFWHM float64 `json:"smoothing_fwhm"`
	Kernel        string  `json:"kernel"`
	Radius        float64 `json:"radius"`
}

func loadOverlayHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)

	var req overlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := sess.LoadOverlay(req.Query, source.Params{
		VoxelSizeMM:   req.VoxelSizeMM,
		SmoothingFWHM: req.SmoothingFWHM,
		KernelShape:   req.Kernel,
		Radius:        req.Radius,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     job.ID,
		"generation": job.Token.Generation,
		"request":    job.Request,
	})
}

func clearOverlayHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	if err := sess.ClearOverlay(); err != nil {
		writeServiceError(w, err)
		return
	}
	writeStatus(w, sess)
}

func cursorHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)

	var pos cursor.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := sess.SetCursor(pos); err != nil {
		writeServiceError(w, err)
		return
	}
	writeStatus(w, sess)
}

// coordsRequest carries the raw text of the millimetre fields. Absent
// fields are left alone.
type coordsRequest struct {
	X *string `json:"x"`
	Y *string `json:"y"`
	Z *string `json:"z"`
}

func coordsHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)

	var req coordsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	texts := make(map[coords.Axis]string, 3)
	for axis, text := range map[coords.Axis]*string{coords.X: req.X, coords.Y: req.Y, coords.Z: req.Z} {
		if text != nil {
			texts[axis] = *text
		}
	}
	if _, err := sess.CommitCoords(texts); err != nil {
		writeServiceError(w, err)
		return
	}
	writeStatus(w, sess)
}

func sliderHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	axis, err := slice.ParseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		Value int `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := sess.Drag(axis, req.Value); err != nil {
		writeServiceError(w, err)
		return
	}
	writeStatus(w, sess)
}

func thresholdHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)

	var cfg threshold.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if math.IsNaN(cfg.Value) || math.IsInf(cfg.Value, 0) {
		http.Error(w, "invalid threshold value", http.StatusBadRequest)
		return
	}
	if err := sess.SetThreshold(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeStatus(w, sess)
}

func styleHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)

	var style render.Style
	if err := json.NewDecoder(r.Body).Decode(&style); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := sess.SetStyle(style); err != nil {
		writeServiceError(w, err)
		return
	}
	writeStatus(w, sess)
}

// clampDisplaySize bounds a canvas dimension. Negative values become 0,
// which the renderer replaces with its defaults.
func clampDisplaySize(v int) int {
	if v < 0 {
		return 0
	}
	if v > maxDisplaySize {
		return maxDisplaySize
	}
	return v
}

// parseDisplaySize reads the w and h query parameters. Missing or invalid
// values become 0.
func parseDisplaySize(r *http.Request) (int, int) {
	parse := func(key string) int {
		v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
		if err != nil {
			return 0
		}
		return clampDisplaySize(v)
	}
	return parse("w"), parse("h")
}

func sliceHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	axis, err := slice.ParseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	availW, availH := parseDisplaySize(r)

	img, err := sess.Render(axis, availW, availH)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-State-Version", strconv.FormatUint(img.Version, 10))
	if !img.Empty {
		w.Header().Set("X-Crosshair-X", strconv.FormatFloat(img.Crosshair[0], 'f', 2, 64))
		w.Header().Set("X-Crosshair-Y", strconv.FormatFloat(img.Crosshair[1], 'f', 2, 64))
	}
	w.Write(img.PNG)
}

type clickRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W int     `json:"w"`
	H int     `json:"h"`
}

func clickHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	axis, err := slice.ParseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Same canvas bounds as the slice endpoint, so the click maps through
	// the layout that was drawn.
	ok, err := sess.Click(axis, req.X, req.Y, clampDisplaySize(req.W), clampDisplaySize(req.H))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeStatus(w, sess)
}

func snapshotHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	axis, err := slice.ParseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	availW, availH := parseDisplaySize(r)

	snap, err := sess.Snapshot(axis, availW, availH)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
