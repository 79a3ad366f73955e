// Package checkpoint persists partial evaluation results so interrupted runs
// can resume without re-spending completed calls. The on-disk format is a
// single JSON object keyed by item identifier, the same shape as the final
// results file.
package checkpoint

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
)

// DefaultEvery is the flush cadence used when the caller does not override it.
const DefaultEvery = 50

// Manager accumulates per-item results and writes them durably. Safe for
// concurrent use; flushes snapshot under the lock and write outside it.
type Manager struct {
	path  string
	every int

	mu      sync.Mutex
	entries map[string]model.EvalRecord
	since   int
}

// New returns a manager writing to path, flushing every `every` recordings.
// every <= 0 disables periodic flushing; Flush must then be called explicitly.
func New(path string, every int) *Manager {
	return &Manager{
		path:    path,
		every:   every,
		entries: make(map[string]model.EvalRecord),
	}
}

// PathFor derives the checkpoint path for an output file:
// <dir>/<stem>.checkpoint.json.
func PathFor(output string) string {
	base := filepath.Base(output)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(output), stem+".checkpoint.json")
}

// Path returns the file the manager writes to.
func (m *Manager) Path() string {
	return m.path
}

// Load reads the last flushed state into the manager. A missing file is not
// an error; the manager starts empty. Unknown JSON fields in entries are
// ignored so older checkpoints stay loadable.
func (m *Manager) Load() (int, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "checkpoint: read %s", m.path)
	}

	entries := make(map[string]model.EvalRecord)
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, eris.Wrapf(err, "checkpoint: parse %s", m.path)
	}

	m.mu.Lock()
	m.entries = entries
	m.since = 0
	m.mu.Unlock()
	return len(entries), nil
}

// Record stores the terminal result for an identifier, overwriting any
// previous entry. When the periodic threshold is reached the checkpoint is
// flushed; a failed periodic flush is logged, not returned, since the data
// stays in memory for the next attempt.
func (m *Manager) Record(id string, rec model.EvalRecord) {
	m.mu.Lock()
	m.entries[id] = rec
	m.since++
	due := m.every > 0 && m.since >= m.every
	m.mu.Unlock()

	if due {
		if err := m.Flush(); err != nil {
			zap.L().Warn("periodic checkpoint flush failed", zap.Error(err))
		}
	}
}

// Has reports whether an identifier already carries a terminal result.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Len returns the number of recorded identifiers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Completed returns the set of identifiers with terminal results.
func (m *Manager) Completed() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := make(map[string]bool, len(m.entries))
	for id := range m.entries {
		done[id] = true
	}
	return done
}

// Entries returns a copy of the accumulated results.
func (m *Manager) Entries() map[string]model.EvalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.EvalRecord, len(m.entries))
	for id, rec := range m.entries {
		out[id] = rec
	}
	return out
}

// Flush writes the current state durably via a temp file renamed into place,
// so a crash mid-write never truncates the previous checkpoint.
func (m *Manager) Flush() error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m.entries, "", "  ")
	m.since = 0
	m.mu.Unlock()

	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}
	return writeAtomic(m.path, data)
}

// Remove deletes the checkpoint file. Called after a successful finalize;
// a file that is already gone is not an error.
func (m *Manager) Remove() error {
	err := os.Remove(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return eris.Wrapf(err, "checkpoint: remove %s", m.path)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "checkpoint: mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: write temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: close temp")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "checkpoint: rename into %s", path)
	}
	return nil
}
