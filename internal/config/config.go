package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the validated runtime configuration for the relay server and
// the capture worker. Values are layered: defaults, then the JSON config
// file, then T3T_-prefixed environment variables, then CLI flags.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Screenshot ScreenshotConfig `koanf:"screenshot"`
}

type ServerConfig struct {
	Host                string   `koanf:"host"`
	Port                int      `koanf:"port"`
	Room                string   `koanf:"room"`
	CORSOrigins         []string `koanf:"cors_origins"`
	LogLevel            string   `koanf:"log_level"`
	HealthCheckInterval int      `koanf:"health_check_interval"`
	// OCRTimeoutSeconds bounds a pending OCR request. 0 disables the deadline.
	OCRTimeoutSeconds int `koanf:"ocr_timeout_seconds"`
}

type ScreenshotConfig struct {
	// Frequency is the capture cadence in seconds, clamped to [0.1, 60.0].
	Frequency float64 `koanf:"frequency"`
	// CleanupAge is the age in seconds past which captures are deleted.
	CleanupAge int `koanf:"cleanup_age"`
	// Dir is where captures are written. Defaults under the user cache dir.
	Dir string `koanf:"dir"`
	// TempDir holds the sentinel files and the frequency config.
	TempDir string `koanf:"temp_dir"`
}

const (
	DefaultHost                = "0.0.0.0"
	DefaultPort                = 5348
	DefaultRoom                = "threethreeter_room"
	DefaultLogLevel            = "info"
	DefaultHealthCheckInterval = 30
	DefaultOCRTimeoutSeconds   = 30
	DefaultFrequency           = 4.0
	DefaultCleanupAge          = 180

	// FrequencyMin and FrequencyMax bound the capture cadence. Out-of-range
	// values fall back to DefaultFrequency.
	FrequencyMin = 0.1
	FrequencyMax = 60.0
)

// FrequencyFile is the JSON file the worker re-reads on a reload signal.
const FrequencyFile = "screenshot_frequency.json"

// Load reads configuration from the given JSON file path (optional), overlays
// T3T_-prefixed environment variables, and applies defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("checking config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: T3T_SERVER__PORT → server.port
	if err := k.Load(env.Provider("T3T_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "T3T_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for the origins list.
	if len(cfg.Server.CORSOrigins) == 1 && strings.Contains(cfg.Server.CORSOrigins[0], ",") {
		cfg.Server.CORSOrigins = strings.Split(cfg.Server.CORSOrigins[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a Config populated with the documented default values.
func Defaults() *Config {
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = os.TempDir()
	}
	base := filepath.Join(cache, "threethreeter")
	return &Config{
		Server: ServerConfig{
			Host:                DefaultHost,
			Port:                DefaultPort,
			Room:                DefaultRoom,
			CORSOrigins:         []string{"*"},
			LogLevel:            DefaultLogLevel,
			HealthCheckInterval: DefaultHealthCheckInterval,
			OCRTimeoutSeconds:   DefaultOCRTimeoutSeconds,
		},
		Screenshot: ScreenshotConfig{
			Frequency:  DefaultFrequency,
			CleanupAge: DefaultCleanupAge,
			Dir:        filepath.Join(base, "screenshots"),
			TempDir:    filepath.Join(base, "tmp"),
		},
	}
}

// Validate checks ranges on the loaded configuration.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535 (got %d)", c.Server.Port))
	}
	if c.Server.Room == "" {
		errs = append(errs, "server.room must not be empty")
	}
	if c.Server.HealthCheckInterval < 1 {
		errs = append(errs, fmt.Sprintf("server.health_check_interval must be positive (got %d)", c.Server.HealthCheckInterval))
	}
	if c.Server.OCRTimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("server.ocr_timeout_seconds must not be negative (got %d)", c.Server.OCRTimeoutSeconds))
	}
	if c.Screenshot.CleanupAge < 1 {
		errs = append(errs, fmt.Sprintf("screenshot.cleanup_age must be positive (got %d)", c.Screenshot.CleanupAge))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ListenAddr returns the host:port the relay binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ClampFrequency validates a capture cadence, falling back to the default
// when the value is out of range. The second return reports whether the
// input was usable as-is.
func ClampFrequency(f float64) (float64, bool) {
	if f < FrequencyMin || f > FrequencyMax {
		return DefaultFrequency, false
	}
	return f, true
}
