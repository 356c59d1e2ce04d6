// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package crashes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hongkongkiwi/servisor/internal/events"
	"github.com/hongkongkiwi/servisor/internal/logs"
)

const crashReportVersion = "1.0"

// Config holds configuration for crash storage.
type Config struct {
	ReportsDir string        // Directory to store crash files
	MaxAge     time.Duration // Max age of crashes to keep
	MaxCount   int           // Max number of crashes to keep
}

// LogSource supplies the tail of a crashed service's own parsed log
// buffer. Implemented by *service.Supervisor; kept as a narrow interface
// here to avoid crashes depending on the full service package.
type LogSource interface {
	ParsedLogs(ident string, n int) []*logs.LogEntry
}

// Manager handles crash capture and storage.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	logs     LogSource
	eventBus events.EventBus
}

// NewManager creates a new crash manager.
func NewManager(cfg Config, logSource LogSource, bus events.EventBus) (*Manager, error) {
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = "/var/lib/servisor/crashes"
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.MaxCount == 0 {
		cfg.MaxCount = 200
	}

	if err := os.MkdirAll(cfg.ReportsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create crashes directory: %w", err)
	}

	return &Manager{
		config:   cfg,
		logs:     logSource,
		eventBus: bus,
	}, nil
}

// Subscribe subscribes to crash events from the event bus.
func (m *Manager) Subscribe() error {
	if m.eventBus == nil {
		return nil
	}

	_, err := m.eventBus.Subscribe(events.EventServiceCrashed, func(ctx context.Context, e events.Event) error {
		m.handleCrashEvent(e)
		return nil
	})
	return err
}

// handleCrashEvent processes a service.crashed event, capturing the
// crashed service's own log buffer tail as the crash's evidence.
func (m *Manager) handleCrashEvent(e events.Event) {
	ident := e.Service
	if ident == "" {
		if s, ok := e.Payload["service"].(string); ok {
			ident = s
		}
	}
	if ident == "" {
		return
	}

	crash := Crash{
		Version:   crashReportVersion,
		ID:        generateCrashID(),
		Service:   ident,
		Timestamp: e.Timestamp,
		Trigger:   "service.crashed",
	}

	if exitCode, ok := e.Payload["exitCode"].(int); ok {
		crash.ExitCode = exitCode
	}
	if reason, ok := e.Payload["reason"].(string); ok {
		crash.Error = reason
	}

	var entries []CrashEntry
	if m.logs != nil {
		for _, entry := range m.logs.ParsedLogs(ident, 500) {
			if entry == nil {
				continue
			}
			entries = append(entries, logEntryToCrashEntry(entry))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	crash.Entries = entries
	crash.Summary = buildSummary(entries)

	if err := m.Save(crash); err != nil {
		fmt.Fprintf(os.Stderr, "crashes: failed to save crash: %v\n", err)
	}

	m.cleanup()
}

func logEntryToCrashEntry(entry *logs.LogEntry) CrashEntry {
	return CrashEntry{
		Timestamp: entry.Timestamp,
		Level:     string(entry.Level),
		Message:   entry.Message,
		Fields:    entry.Fields,
		Raw:       entry.Raw,
	}
}

func buildSummary(entries []CrashEntry) CrashStats {
	summary := CrashStats{
		TotalEntries: len(entries),
		ByLevel:      make(map[string]int),
	}
	for _, e := range entries {
		if e.Level != "" {
			summary.ByLevel[e.Level]++
		}
	}
	return summary
}

// generateCrashID generates a unique crash ID based on timestamp.
func generateCrashID() string {
	return time.Now().Format("20060102-150405.000")
}

// Save saves a crash to disk.
func (m *Manager) Save(crash Crash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	filename := filepath.Join(m.config.ReportsDir, crash.ID+".json")
	data, err := json.MarshalIndent(crash, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal crash: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write crash file: %w", err)
	}

	return nil
}

// List returns all crashes, sorted by timestamp (newest first).
func (m *Manager) List() ([]CrashSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.config.ReportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read crashes directory: %w", err)
	}

	var summaries []CrashSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		crash, err := m.loadCrash(entry.Name())
		if err != nil {
			continue
		}

		summaries = append(summaries, CrashSummary{
			ID:        crash.ID,
			Service:   crash.Service,
			Timestamp: crash.Timestamp,
			ExitCode:  crash.ExitCode,
			Error:     crash.Error,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})

	return summaries, nil
}

// Get retrieves a specific crash by ID.
func (m *Manager) Get(id string) (*Crash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.loadCrash(id + ".json")
}

// Newest returns the most recent crash, optionally filtered by service ident.
func (m *Manager) Newest(ident string) (*Crash, error) {
	summaries, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, s := range summaries {
		if ident == "" || s.Service == ident {
			return m.Get(s.ID)
		}
	}
	return nil, nil
}

// Delete removes a crash by ID.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	filename := filepath.Join(m.config.ReportsDir, id+".json")
	if err := os.Remove(filename); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("crash not found: %s", id)
		}
		return fmt.Errorf("failed to delete crash: %w", err)
	}
	return nil
}

// Clear removes all crashes.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.config.ReportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read crashes directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		os.Remove(filepath.Join(m.config.ReportsDir, entry.Name()))
	}

	return nil
}

// loadCrash loads a crash from disk.
func (m *Manager) loadCrash(filename string) (*Crash, error) {
	data, err := os.ReadFile(filepath.Join(m.config.ReportsDir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read crash file: %w", err)
	}

	var crash Crash
	if err := json.Unmarshal(data, &crash); err != nil {
		return nil, fmt.Errorf("failed to unmarshal crash: %w", err)
	}

	return &crash, nil
}

// cleanup removes old crashes based on age and count limits.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.config.ReportsDir)
	if err != nil {
		return
	}

	type crashFile struct {
		name      string
		timestamp time.Time
	}

	var files []crashFile
	cutoff := time.Now().Add(-m.config.MaxAge)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		idPart := strings.TrimSuffix(entry.Name(), ".json")
		ts, err := time.ParseInLocation("20060102-150405.000", idPart, time.Local)
		if err != nil {
			continue
		}

		if ts.Before(cutoff) {
			os.Remove(filepath.Join(m.config.ReportsDir, entry.Name()))
			continue
		}

		files = append(files, crashFile{name: entry.Name(), timestamp: ts})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].timestamp.After(files[j].timestamp)
	})

	if len(files) > m.config.MaxCount {
		for _, f := range files[m.config.MaxCount:] {
			os.Remove(filepath.Join(m.config.ReportsDir, f.name))
		}
	}
}
