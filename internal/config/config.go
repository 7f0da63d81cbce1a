// Package config handles configuration loading for the NeuroSlice server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/neuroslice/server/internal/render"
	"github.com/neuroslice/server/internal/source"
	"github.com/neuroslice/server/internal/threshold"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Source SourceConfig `yaml:"source"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Viewer ViewerConfig `yaml:"viewer"`
	Loader LoaderConfig `yaml:"loader"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// SourceConfig selects where volumes come from. Kind is "http" or "file".
type SourceConfig struct {
	Kind           string `yaml:"kind"`
	BackgroundURL  string `yaml:"background_url"`
	OverlayURL     string `yaml:"overlay_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxMB          int    `yaml:"max_mb"`

	BackgroundPath string `yaml:"background_path"`
	OverlayDir     string `yaml:"overlay_dir"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	SliceSizeMB     int `yaml:"slice_size_mb"`
	SliceTTLMinutes int `yaml:"slice_ttl_minutes"`
	VolumeEntries   int `yaml:"volume_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	OverlayColor   string  `yaml:"overlay_color"`
	CrosshairColor string  `yaml:"crosshair_color"`
	CrosshairWidth float64 `yaml:"crosshair_width"`
	DefaultWidth   int     `yaml:"default_width"`
}

// ViewerConfig holds the per-session defaults.
type ViewerConfig struct {
	Threshold          threshold.Config `yaml:"threshold"`
	Style              render.Style     `yaml:"style"`
	SliderDebounceMS   int              `yaml:"slider_debounce_ms"`
	Overlay            source.Params    `yaml:"overlay"`
	MaxSessions        int              `yaml:"max_sessions"`
	IdleTimeoutMinutes int              `yaml:"idle_timeout_minutes"`
}

// LoaderConfig contains background load settings.
type LoaderConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	QueueSize     int `yaml:"queue_size"`
	MaxVolumeMB   int `yaml:"max_volume_mb"`
}

// LogConfig selects a rotating log file. Logs go to stderr when File is empty.
type LogConfig struct {
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxAge    int    `yaml:"max_age_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Title:       "NeuroSlice",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Source: SourceConfig{
			Kind:           "file",
			TimeoutSeconds: 120,
			MaxMB:          512,
			BackgroundPath: "./data/background.nii.gz",
			OverlayDir:     "./data/overlays",
		},
		Cache: CacheConfig{
			SliceSizeMB:     128,
			SliceTTLMinutes: 10,
			VolumeEntries:   16,
		},
		Render: RenderConfig{
			OverlayColor:   "#ff3200",
			CrosshairColor: "#00ff00",
			CrosshairWidth: 1,
			DefaultWidth:   400,
		},
		Viewer: ViewerConfig{
			Threshold:          threshold.Config{Mode: threshold.ModeValue, Value: 3, Percentile: 95},
			Style:              render.Style{Alpha: 0.8, PositiveOnly: true},
			SliderDebounceMS:   150,
			Overlay:            source.DefaultParams(),
			IdleTimeoutMinutes: 30,
		},
		Loader: LoaderConfig{
			MaxConcurrent: 2,
			QueueSize:     64,
			MaxVolumeMB:   2048,
		},
		Log: LogConfig{
			MaxSizeMB: 100,
			MaxAge:    14,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}

	if cfg.Source.Kind == "" {
		if cfg.Source.BackgroundURL != "" {
			cfg.Source.Kind = "http"
		} else {
			cfg.Source.Kind = defaults.Source.Kind
		}
	}
	if cfg.Source.TimeoutSeconds == 0 {
		cfg.Source.TimeoutSeconds = defaults.Source.TimeoutSeconds
	}
	if cfg.Source.MaxMB == 0 {
		cfg.Source.MaxMB = defaults.Source.MaxMB
	}
	if cfg.Source.Kind == "file" {
		if cfg.Source.BackgroundPath == "" {
			cfg.Source.BackgroundPath = defaults.Source.BackgroundPath
		}
		if cfg.Source.OverlayDir == "" {
			cfg.Source.OverlayDir = defaults.Source.OverlayDir
		}
	}

	if cfg.Cache.SliceSizeMB == 0 {
		cfg.Cache.SliceSizeMB = defaults.Cache.SliceSizeMB
	}
	if cfg.Cache.SliceTTLMinutes == 0 {
		cfg.Cache.SliceTTLMinutes = defaults.Cache.SliceTTLMinutes
	}
	if cfg.Cache.VolumeEntries == 0 {
		cfg.Cache.VolumeEntries = defaults.Cache.VolumeEntries
	}

	if cfg.Render.OverlayColor == "" {
		cfg.Render.OverlayColor = defaults.Render.OverlayColor
	}
	if cfg.Render.CrosshairColor == "" {
		cfg.Render.CrosshairColor = defaults.Render.CrosshairColor
	}
	if cfg.Render.CrosshairWidth == 0 {
		cfg.Render.CrosshairWidth = defaults.Render.CrosshairWidth
	}
	if cfg.Render.DefaultWidth == 0 {
		cfg.Render.DefaultWidth = defaults.Render.DefaultWidth
	}

	if cfg.Viewer.Threshold.Mode == "" {
		cfg.Viewer.Threshold.Mode = defaults.Viewer.Threshold.Mode
		if cfg.Viewer.Threshold.Value == 0 {
			cfg.Viewer.Threshold.Value = defaults.Viewer.Threshold.Value
		}
	}
	if cfg.Viewer.Threshold.Percentile == 0 {
		cfg.Viewer.Threshold.Percentile = defaults.Viewer.Threshold.Percentile
	}
	// A zero style means the section was omitted.
	if cfg.Viewer.Style == (render.Style{}) {
		cfg.Viewer.Style = defaults.Viewer.Style
	}
	if cfg.Viewer.SliderDebounceMS == 0 {
		cfg.Viewer.SliderDebounceMS = defaults.Viewer.SliderDebounceMS
	}
	cfg.Viewer.Overlay = cfg.Viewer.Overlay.WithDefaults(defaults.Viewer.Overlay)
	if cfg.Viewer.IdleTimeoutMinutes == 0 {
		cfg.Viewer.IdleTimeoutMinutes = defaults.Viewer.IdleTimeoutMinutes
	}

	if cfg.Loader.MaxConcurrent == 0 {
		cfg.Loader.MaxConcurrent = defaults.Loader.MaxConcurrent
	}
	if cfg.Loader.QueueSize == 0 {
		cfg.Loader.QueueSize = defaults.Loader.QueueSize
	}
	if cfg.Loader.MaxVolumeMB == 0 {
		cfg.Loader.MaxVolumeMB = defaults.Loader.MaxVolumeMB
	}

	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxAge == 0 {
		cfg.Log.MaxAge = defaults.Log.MaxAge
	}
}
