// Package main is the entry point for the NeuroSlice server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/lumberjack"

	"github.com/neuroslice/server/internal/api"
	"github.com/neuroslice/server/internal/cache"
	"github.com/neuroslice/server/internal/config"
	"github.com/neuroslice/server/internal/loader"
	"github.com/neuroslice/server/internal/render"
	"github.com/neuroslice/server/internal/service"
	"github.com/neuroslice/server/internal/source"
	"github.com/neuroslice/server/pkg/colormap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	setLogger(cfg.Log)

	log.Printf("Starting %s server on port %d", cfg.Server.Title, cfg.Server.Port)

	ctx := context.Background()

	src, err := newSource(cfg.Source)
	if err != nil {
		log.Fatalf("Failed to initialize volume source: %v", err)
	}

	// Slice PNGs and decoded volumes are shared across all sessions
	cacheManager, err := cache.NewManager(cache.Config{
		SliceCacheSizeMB: cfg.Cache.SliceSizeMB,
		SliceTTL:         time.Duration(cfg.Cache.SliceTTLMinutes) * time.Minute,
		VolumeEntries:    cfg.Cache.VolumeEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()
	log.Printf("Cache: slices=%s ttl=%dm volumes=%d",
		humanize.IBytes(uint64(cfg.Cache.SliceSizeMB)<<20), cfg.Cache.SliceTTLMinutes, cfg.Cache.VolumeEntries)

	volumeLoader, err := loader.New(loader.Config{
		MaxConcurrent:  cfg.Loader.MaxConcurrent,
		QueueSize:      cfg.Loader.QueueSize,
		MaxVolumeBytes: int64(cfg.Loader.MaxVolumeMB) << 20,
	}, src, cacheManager)
	if err != nil {
		log.Fatalf("Failed to initialize loader: %v", err)
	}
	volumeLoader.Start()
	defer volumeLoader.Stop()

	renderer, err := newRenderer(cfg.Render)
	if err != nil {
		log.Fatalf("Failed to initialize renderer: %v", err)
	}

	sessions := service.NewManager(service.ManagerConfig{
		Options: service.Options{
			Threshold:       cfg.Viewer.Threshold,
			Style:           cfg.Viewer.Style,
			SliderDebounce:  time.Duration(cfg.Viewer.SliderDebounceMS) * time.Millisecond,
			OverlayDefaults: cfg.Viewer.Overlay,
		},
		MaxSessions: cfg.Viewer.MaxSessions,
		IdleTimeout: time.Duration(cfg.Viewer.IdleTimeoutMinutes) * time.Minute,
	}, renderer, cacheManager, volumeLoader)
	sessions.Start()
	defer sessions.Stop()

	registry := api.NewRegistry(sessions, cacheManager, volumeLoader, cfg.Server.Title)

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// setLogger sends log output to a rotating file when one is configured.
func setLogger(c config.LogConfig) {
	if c.File == "" {
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.File)
	log.SetOutput(&lumberjack.Logger{
		Filename: c.File,
		MaxSize:  c.MaxSizeMB, // megabytes
		MaxAge:   c.MaxAge,    // days
	})
}

func newSource(c config.SourceConfig) (source.Source, error) {
	switch c.Kind {
	case "http":
		s := source.NewHTTPSource(c.BackgroundURL, c.OverlayURL, time.Duration(c.TimeoutSeconds)*time.Second)
		if c.MaxMB > 0 {
			s.MaxBytes = int64(c.MaxMB) << 20
		}
		log.Printf("Volume source: http background=%s overlay=%s", c.BackgroundURL, c.OverlayURL)
		return s, nil
	case "file":
		log.Printf("Volume source: file background=%s overlays=%s", c.BackgroundPath, c.OverlayDir)
		return &source.FileSource{BackgroundPath: c.BackgroundPath, OverlayDir: c.OverlayDir}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", c.Kind)
}

func newRenderer(c config.RenderConfig) (*render.Renderer, error) {
	overlay, err := colormap.Parse(c.OverlayColor)
	if err != nil {
		return nil, fmt.Errorf("overlay_color: %w", err)
	}
	crosshair, err := colormap.Parse(c.CrosshairColor)
	if err != nil {
		return nil, fmt.Errorf("crosshair_color: %w", err)
	}
	return render.NewRenderer(render.Config{
		OverlayColor:   overlay,
		CrosshairColor: crosshair,
		CrosshairWidth: c.CrosshairWidth,
		DefaultWidth:   c.DefaultWidth,
	}), nil
}
