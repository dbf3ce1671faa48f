package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ardnew/ptpusb/ptp"
)

// appConfig is everything ptpget reads from its config file and flags.
type appConfig struct {
	Backend    string
	Device     string
	OutputDir  string
	SimObjects int
	Log        logConfig
	PTP        ptp.Config
}

type logConfig struct {
	Level      string
	File       string
	JSON       bool
	MaxSizeMB  int
	MaxBackups int
}

func defaultAppConfig() appConfig {
	return appConfig{
		Backend:    defaultBackend(),
		OutputDir:  ".",
		SimObjects: 3,
		Log: logConfig{
			Level:      "warn",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		PTP: ptp.DefaultConfig(),
	}
}

type fileConfig struct {
	Backend    string         `toml:"backend"`
	Device     string         `toml:"device"`
	OutputDir  string         `toml:"output_dir"`
	SimObjects int            `toml:"sim_objects"`
	Log        fileLogConfig  `toml:"log"`
	Session    fileSessConfig `toml:"session"`
}

type fileLogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	JSON       bool   `toml:"json"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

type fileSessConfig struct {
	ID                      uint32 `toml:"id"`
	ForceClaim              bool   `toml:"force_claim"`
	RetryAttempts           int    `toml:"retry_attempts"`
	RetryStep               string `toml:"retry_step"`
	ReadTimeout             string `toml:"read_timeout"`
	WriteTimeout            string `toml:"write_timeout"`
	ControlTimeout          string `toml:"control_timeout"`
	OpenSessionTimeout      string `toml:"open_session_timeout"`
	GetObjectHandlesTimeout string `toml:"get_object_handles_timeout"`
	GetObjectTimeout        string `toml:"get_object_timeout"`
}

// loadConfig overlays the settings defined in path on the defaults. Keys
// absent from the file keep their default values.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("backend") {
		cfg.Backend = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("device") {
		cfg.Device = strings.TrimSpace(raw.Device)
	}
	if meta.IsDefined("output_dir") {
		cfg.OutputDir = strings.TrimSpace(raw.OutputDir)
	}
	if meta.IsDefined("sim_objects") {
		cfg.SimObjects = raw.SimObjects
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}

	s := raw.Session
	if meta.IsDefined("session", "id") {
		cfg.PTP.SessionID = s.ID
	}
	if meta.IsDefined("session", "force_claim") {
		cfg.PTP.ForceClaim = s.ForceClaim
	}
	if meta.IsDefined("session", "retry_attempts") {
		cfg.PTP.Retry.MaxAttempts = s.RetryAttempts
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"retry_step", s.RetryStep, &cfg.PTP.Retry.Step},
		{"read_timeout", s.ReadTimeout, &cfg.PTP.Transfer.Read},
		{"write_timeout", s.WriteTimeout, &cfg.PTP.Transfer.Write},
		{"control_timeout", s.ControlTimeout, &cfg.PTP.Transfer.Control},
		{"open_session_timeout", s.OpenSessionTimeout, &cfg.PTP.Operations.OpenSession},
		{"get_object_handles_timeout", s.GetObjectHandlesTimeout, &cfg.PTP.Operations.GetObjectHandles},
		{"get_object_timeout", s.GetObjectTimeout, &cfg.PTP.Operations.GetObject},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.PTP.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
