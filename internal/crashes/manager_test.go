// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package crashes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/servisor/internal/events"
	"github.com/hongkongkiwi/servisor/internal/logs"
)

type fakeLogSource struct {
	entries map[string][]*logs.LogEntry
}

func (f *fakeLogSource) ParsedLogs(ident string, n int) []*logs.LogEntry {
	return f.entries[ident]
}

func TestManager_SaveAndGet(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{ReportsDir: dir}, nil, nil)
	require.NoError(t, err)

	crash := Crash{
		Version:   "1.0",
		ID:        "20240101-120000.000",
		Service:   "api:1",
		Timestamp: time.Now(),
		ExitCode:  1,
		Error:     "segfault",
		Summary: CrashStats{
			TotalEntries: 2,
			ByLevel:      map[string]int{"info": 2},
		},
		Entries: []CrashEntry{
			{Timestamp: time.Now(), Level: "info", Message: "line1", Raw: "line1"},
			{Timestamp: time.Now(), Level: "info", Message: "line2", Raw: "line2"},
		},
	}

	err = mgr.Save(crash)
	require.NoError(t, err)

	loaded, err := mgr.Get("20240101-120000.000")
	require.NoError(t, err)
	assert.Equal(t, crash.ID, loaded.ID)
	assert.Equal(t, crash.Service, loaded.Service)
	assert.Equal(t, crash.ExitCode, loaded.ExitCode)
}

func TestManager_List(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{ReportsDir: dir}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		crash := Crash{
			ID:        time.Now().Add(time.Duration(i) * time.Second).Format("20060102-150405.000"),
			Service:   "api:1",
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, mgr.Save(crash))
	}

	summaries, err := mgr.List()
	require.NoError(t, err)
	assert.Len(t, summaries, 3)

	assert.True(t, summaries[0].Timestamp.After(summaries[1].Timestamp))
	assert.True(t, summaries[1].Timestamp.After(summaries[2].Timestamp))
}

func TestManager_Newest(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{ReportsDir: dir}, nil, nil)
	require.NoError(t, err)

	older := Crash{
		ID:        "20240101-100000.000",
		Service:   "api:1",
		Timestamp: time.Now().Add(-1 * time.Hour),
	}
	require.NoError(t, mgr.Save(older))

	newer := Crash{
		ID:        "20240101-120000.000",
		Service:   "worker:1",
		Timestamp: time.Now(),
	}
	require.NoError(t, mgr.Save(newer))

	newest, err := mgr.Newest("")
	require.NoError(t, err)
	assert.Equal(t, "20240101-120000.000", newest.ID)
	assert.Equal(t, "worker:1", newest.Service)

	filtered, err := mgr.Newest("api:1")
	require.NoError(t, err)
	assert.Equal(t, "20240101-100000.000", filtered.ID)
}

func TestManager_Delete(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{ReportsDir: dir}, nil, nil)
	require.NoError(t, err)

	crash := Crash{
		ID:      "20240101-120000.000",
		Service: "api:1",
	}
	require.NoError(t, mgr.Save(crash))

	_, err = mgr.Get("20240101-120000.000")
	require.NoError(t, err)

	err = mgr.Delete("20240101-120000.000")
	require.NoError(t, err)

	_, err = mgr.Get("20240101-120000.000")
	assert.Error(t, err)

	err = mgr.Delete("nonexistent")
	assert.Error(t, err)
}

func TestManager_Clear(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{ReportsDir: dir}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		crash := Crash{
			ID:      time.Now().Add(time.Duration(i) * time.Second).Format("20060102-150405.000"),
			Service: "api:1",
		}
		require.NoError(t, mgr.Save(crash))
	}

	summaries, _ := mgr.List()
	assert.Len(t, summaries, 3)

	err = mgr.Clear()
	require.NoError(t, err)

	summaries, _ = mgr.List()
	assert.Len(t, summaries, 0)
}

func TestManager_Cleanup_MaxCount(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{ReportsDir: dir, MaxCount: 2}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		crash := Crash{
			ID:        time.Now().Add(time.Duration(i) * time.Second).Format("20060102-150405.000"),
			Service:   "api:1",
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, mgr.Save(crash))
		time.Sleep(10 * time.Millisecond)
	}

	mgr.cleanup()

	summaries, _ := mgr.List()
	assert.Len(t, summaries, 2)
}

func TestManager_Cleanup_MaxAge(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{ReportsDir: dir, MaxAge: 10 * time.Minute}, nil, nil)
	require.NoError(t, err)

	oldTime := time.Now().Add(-20 * time.Minute)
	oldID := oldTime.Format("20060102-150405.000")
	oldCrash := Crash{ID: oldID, Service: "api:1", Timestamp: oldTime}
	require.NoError(t, mgr.Save(oldCrash))

	newTime := time.Now()
	newID := newTime.Format("20060102-150405.000")
	newCrash := Crash{ID: newID, Service: "api:1", Timestamp: newTime}
	require.NoError(t, mgr.Save(newCrash))

	summaries, _ := mgr.List()
	require.Len(t, summaries, 2)

	mgr.cleanup()

	summaries, _ = mgr.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, newID, summaries[0].ID)
}

func TestManager_HandleCrashEventCapturesLogs(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := &fakeLogSource{entries: map[string][]*logs.LogEntry{
		"api:1": {
			{Timestamp: now, Level: "info", Message: "starting"},
			{Timestamp: now.Add(time.Second), Level: "error", Message: "panic: boom"},
		},
	}}

	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 10})
	defer bus.Close()

	mgr, err := NewManager(Config{ReportsDir: dir}, src, bus)
	require.NoError(t, err)
	require.NoError(t, mgr.Subscribe())

	require.NoError(t, bus.Publish(context.Background(), events.Event{
		Type:    events.EventServiceCrashed,
		Service: "api:1",
		Payload: map[string]interface{}{"exitCode": 2, "reason": "panic"},
	}))

	summaries, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "api:1", summaries[0].Service)
	assert.Equal(t, 2, summaries[0].ExitCode)

	crash, err := mgr.Get(summaries[0].ID)
	require.NoError(t, err)
	require.Len(t, crash.Entries, 2)
	assert.Equal(t, 2, crash.Summary.TotalEntries)
}

func TestManager_DirectoryCreation(t *testing.T) {
	dir := t.TempDir()
	crashDir := filepath.Join(dir, "nested", "crashes")

	_, err := NewManager(Config{ReportsDir: crashDir}, nil, nil)
	require.NoError(t, err)

	info, err := os.Stat(crashDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
