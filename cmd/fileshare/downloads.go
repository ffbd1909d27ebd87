package main

import (
	"fmt"
	"sync"

	"github.com/fileshare/fileshare/internal/downloader"
)

// downloadEntry is one tracked download as list-downloads reports it
// (in-progress / done / failed).
type downloadEntry struct {
	fileID string
	path   string
	engine *downloader.Engine
}

// downloadManager tracks the current run's active download engines so
// list-downloads/remove-download have something to report on. Entries
// are in-process only; downloads do not resume across restarts.
type downloadManager struct {
	mu      sync.Mutex
	entries []*downloadEntry
}

func newDownloadManager() *downloadManager {
	return &downloadManager{}
}

func (m *downloadManager) add(fileID, path string, eng *downloader.Engine) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &downloadEntry{fileID: fileID, path: path, engine: eng})
	return len(m.entries) - 1
}

// status reports one entry's state the way list-downloads prints it.
func (m *downloadManager) status(i int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.entries) {
		return "", fmt.Errorf("no download at index %d", i)
	}
	e := m.entries[i]
	failed, err := e.engine.Failed()
	switch {
	case failed:
		if err != nil {
			return fmt.Sprintf("%s -> %s: failed (%v)", e.fileID, e.path, err), nil
		}
		return fmt.Sprintf("%s -> %s: failed", e.fileID, e.path), nil
	case e.engine.Done():
		return fmt.Sprintf("%s -> %s: done", e.fileID, e.path), nil
	default:
		return fmt.Sprintf("%s -> %s: in-progress (%d/%d chunks)", e.fileID, e.path, e.engine.Slab().CompletedCount(), e.engine.Slab().NumChunks), nil
	}
}

func (m *downloadManager) list() []string {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := m.status(i)
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%d] %s", i, line))
	}
	return lines
}

// remove stops and removes the download at index i.
func (m *downloadManager) remove(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.entries) {
		return fmt.Errorf("no download at index %d", i)
	}
	e := m.entries[i]
	e.engine.Stop()
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return nil
}

// stopAll stops every tracked download, used on shutdown.
func (m *downloadManager) stopAll() error {
	m.mu.Lock()
	engines := make([]*downloader.Engine, 0, len(m.entries))
	for _, e := range m.entries {
		engines = append(engines, e.engine)
	}
	m.mu.Unlock()

	return downloader.AggregateStop(engines)
}
