// Package persist loads the event store's snapshot at startup and
// keeps it durable: a fixed-period background flush plus a final flush
// on graceful shutdown. A persistence failure is logged and reported
// to the caller, never fatal to the relay.
package persist

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mira/teltow/pkg/storage"
)

// DefaultInterval is the default auto-save period.
const DefaultInterval = 30 * time.Second

// Manager periodically snapshots a store to a file on disk.
type Manager struct {
	store    storage.Snapshotter
	path     string
	interval time.Duration

	started   bool
	startOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a persistence manager writing to path every interval.
// A non-positive interval falls back to DefaultInterval.
func New(store storage.Snapshotter, path string, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Manager{
		store:    store,
		path:     path,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Load restores the store from the snapshot file. A missing file is
// not an error: the store simply starts empty.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No snapshot at %s, starting with an empty store", m.path)
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := m.store.Restore(data); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	log.Printf("Loaded snapshot from %s", m.path)
	return nil
}

// Start launches the background flush loop. Calling it more than once
// has no effect.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.started = true
		go func() {
			defer close(m.done)

			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()

			for {
				select {
				case <-m.stopCh:
					return
				case <-ticker.C:
					if err := m.Flush(); err != nil {
						log.Printf("Failed to save snapshot: %v", err)
					}
				}
			}
		}()
	})
}

// Flush writes a snapshot to disk. The write goes through a temporary
// file and a rename so a crash mid-write never corrupts the previous
// snapshot.
func (m *Manager) Flush() error {
	data, err := m.store.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot store: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	log.Printf("Snapshot saved to %s", m.path)
	return nil
}

// Stop halts the background loop and writes one final snapshot. It is
// safe to call without a prior Start.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.started {
		<-m.done
	}
	return m.Flush()
}
