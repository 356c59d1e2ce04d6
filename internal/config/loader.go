// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles service-descriptor loading (component H). Grounded on
// internal/config/loader.go's two-pass HJSON-to-struct conversion.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses a single descriptor file.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return l.parse(data)
}

func (l *Loader) parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadDir reads every *.hjson file in dir (sorted, for stable table
// iteration order) and merges their Services lists into one Config. This
// is the normal entry point: operators drop one descriptor file per
// service, or a handful of grouped files, into the descriptor directory.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".hjson") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	merged := &Config{}
	for _, name := range names {
		cfg, err := l.Load(ctx, filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for i := range cfg.Services {
			cfg.Services[i].SourcePath = name
		}
		merged.Services = append(merged.Services, cfg.Services...)
		if cfg.Version != "" {
			merged.Version = cfg.Version
		}
		if cfg.System != (SystemConfig{}) {
			merged.System = cfg.System
		}
		if cfg.Server != (ServerConfig{}) {
			merged.Server = cfg.Server
		}
		if cfg.Logging != (LoggingConfig{}) {
			merged.Logging = cfg.Logging
		}
		if cfg.Watch != (WatchConfig{}) {
			merged.Watch = cfg.Watch
		}
		if cfg.Events != (EventsConfig{}) {
			merged.Events = cfg.Events
		}
		if cfg.Crashes != (CrashesConfig{}) {
			merged.Crashes = cfg.Crashes
		}
	}
	applyDefaults(merged)
	return merged, nil
}

// LoadWithDefaults loads a single file and applies defaults.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// FindConfig searches the current directory for a descriptor file,
// preferring servisor.hjson then servisor.json.
func (l *Loader) FindConfig() (string, error) {
	for _, name := range []string{"servisor.hjson", "servisor.json"} {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			if abs, aerr := filepath.Abs(path); aerr == nil {
				return abs, nil
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("config file not found (looked for servisor.hjson, servisor.json)")
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.System.CondDir == "" {
		cfg.System.CondDir = "/run/servisor/cond"
	}
	if cfg.System.RespawnMax == 0 {
		cfg.System.RespawnMax = 10
	}
	if cfg.System.TermTimeout == "" {
		cfg.System.TermTimeout = "3s"
	}
	if cfg.System.Runlevel == "" {
		cfg.System.Runlevel = "2"
	}

	if cfg.Server.Socket == "" {
		cfg.Server.Socket = "/run/servisor/control.sock"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Watch.Debounce == "" {
		cfg.Watch.Debounce = "250ms"
	}

	if cfg.Events.History.MaxEvents == 0 {
		cfg.Events.History.MaxEvents = 10000
	}
	if cfg.Events.History.MaxAge == "" {
		cfg.Events.History.MaxAge = "1h"
	}

	if cfg.Crashes.ReportsDir == "" {
		cfg.Crashes.ReportsDir = "/var/lib/servisor/crashes"
	}
	if cfg.Crashes.MaxAge == "" {
		cfg.Crashes.MaxAge = "7d"
	}
	if cfg.Crashes.MaxCount == 0 {
		cfg.Crashes.MaxCount = 200
	}

	for i := range cfg.Services {
		if cfg.Services[i].Logging.Mode == "" {
			cfg.Services[i].Logging.Mode = LogNull
		}
		if cfg.Services[i].Logging.BufferSize == 0 {
			cfg.Services[i].Logging.BufferSize = 1000
		}
		if cfg.Services[i].Kind == "" {
			cfg.Services[i].Kind = KindService
		}
		if cfg.Services[i].ID == "" {
			cfg.Services[i].ID = "1"
		}
	}
}
