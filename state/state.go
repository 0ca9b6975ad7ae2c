package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Verdict is the answer of Register for one content digest.
type Verdict int

const (
	Canonical Verdict = iota
	Duplicate
)

func (v Verdict) String() string {
	if v == Duplicate {
		return "duplicate"
	}
	return "canonical"
}

// Tracker maps content digests to the path of their first (canonical) copy.
type Tracker interface {
	// Register records path as canonical for hash unless the hash is already
	// known, in which case it returns Duplicate and the existing canonical path.
	Register(hash, path string) (Verdict, string)
	Lookup(hash string) (string, bool)
	// Release drops a canonical registration whose file never materialised.
	Release(hash, path string)
	Snapshot() Snapshot
}

type Snapshot struct {
	Unique     int
	Total      int
	Duplicates int
}

type MemoryTracker struct {
	mu         sync.RWMutex
	canonical  map[string]string
	total      int
	duplicates int
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{canonical: make(map[string]string)}
}

func (m *MemoryTracker) Register(hash, path string) (Verdict, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if existing, ok := m.canonical[hash]; ok {
		m.duplicates++
		return Duplicate, existing
	}
	m.canonical[hash] = path
	return Canonical, path
}

func (m *MemoryTracker) Lookup(hash string) (string, bool) {
	m.mu.RLock()
	path, ok := m.canonical[hash]
	m.mu.RUnlock()
	return path, ok
}

func (m *MemoryTracker) Release(hash, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.canonical[hash]; ok && existing == path {
		delete(m.canonical, hash)
		m.total--
	}
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Unique: len(m.canonical), Total: m.total, Duplicates: m.duplicates}
}

func (m *MemoryTracker) seed(hash, path string) {
	m.mu.Lock()
	m.canonical[hash] = path
	m.mu.Unlock()
}

func (m *MemoryTracker) unseed(hash, path string) {
	m.mu.Lock()
	if m.canonical[hash] == path {
		delete(m.canonical, hash)
	}
	m.mu.Unlock()
}

// FileTracker seeds the digest map from a previous run and appends new
// canonical registrations, so later runs recognise already exported content.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
	lastErr error
}

type fileRecord struct {
	Hash     string `json:"hash"`
	Path     string `json:"path"`
	Released bool   `json:"released,omitempty"`
}

const stateFileName = "hashes.jsonl"

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, stateFileName),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Hash == "" {
			continue
		}
		if record.Released {
			f.unseed(record.Hash, record.Path)
			continue
		}
		f.seed(record.Hash, record.Path)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// Register behaves like MemoryTracker.Register and appends canonical entries
// to the state file. Write failures are kept and reported by Err and Close.
func (f *FileTracker) Register(hash, path string) (Verdict, string) {
	verdict, canonical := f.MemoryTracker.Register(hash, path)
	if verdict == Canonical && f.persist {
		f.record(fileRecord{Hash: hash, Path: path})
	}
	return verdict, canonical
}

// Release appends a tombstone so the next load drops the registration too.
func (f *FileTracker) Release(hash, path string) {
	if existing, ok := f.Lookup(hash); !ok || existing != path {
		return
	}
	f.MemoryTracker.Release(hash, path)
	if f.persist {
		f.record(fileRecord{Hash: hash, Path: path, Released: true})
	}
}

func (f *FileTracker) record(rec fileRecord) {
	if err := f.append(rec); err != nil {
		f.writeMu.Lock()
		f.lastErr = err
		f.writeMu.Unlock()
	}
}

func (f *FileTracker) append(record fileRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

// Err returns the last write error, if any.
func (f *FileTracker) Err() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.lastErr
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if !f.persist || f.file == nil {
		return nil
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if !f.persist || f.file == nil {
		return f.lastErr
	}

	firstErr := f.lastErr
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
