package state

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker_CanonicalThenDuplicate(t *testing.T) {
	tracker := NewMemoryTracker()

	verdict, path := tracker.Register("h1", "/out/a/inv.pdf")
	assert.Equal(t, Canonical, verdict)
	assert.Equal(t, "/out/a/inv.pdf", path)

	verdict, path = tracker.Register("h1", "/out/b/inv.pdf")
	assert.Equal(t, Duplicate, verdict)
	assert.Equal(t, "/out/a/inv.pdf", path)

	verdict, _ = tracker.Register("h2", "/out/a/inv.pdf")
	assert.Equal(t, Canonical, verdict, "verdict depends on the digest only")

	assert.Equal(t, Snapshot{Unique: 2, Total: 3, Duplicates: 1}, tracker.Snapshot())
}

func TestMemoryTracker_Lookup(t *testing.T) {
	tracker := NewMemoryTracker()
	_, ok := tracker.Lookup("h1")
	assert.False(t, ok)

	tracker.Register("h1", "p1")
	path, ok := tracker.Lookup("h1")
	assert.True(t, ok)
	assert.Equal(t, "p1", path)
}

func TestMemoryTracker_Release(t *testing.T) {
	tracker := NewMemoryTracker()
	tracker.Register("h1", "p1")

	tracker.Release("h1", "other")
	_, ok := tracker.Lookup("h1")
	assert.True(t, ok, "release with a different path is ignored")

	tracker.Release("h1", "p1")
	_, ok = tracker.Lookup("h1")
	assert.False(t, ok)

	verdict, _ := tracker.Register("h1", "p2")
	assert.Equal(t, Canonical, verdict)
}

func TestMemoryTracker_ConcurrentRegisterHasSingleCanonical(t *testing.T) {
	tracker := NewMemoryTracker()

	var wg sync.WaitGroup
	var mu sync.Mutex
	canonical := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, _ := tracker.Register("same", "p"); v == Canonical {
				mu.Lock()
				canonical++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, canonical)
	assert.Equal(t, 49, tracker.Snapshot().Duplicates)
}

func TestFileTracker_PersistAndSeed(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, true)
	require.NoError(t, err)
	tracker.Register("h1", "out/a.pdf")
	tracker.Register("h1", "out/b.pdf")
	tracker.Register("h2", "out/c.pdf")
	tracker.Release("h2", "out/c.pdf")
	require.NoError(t, tracker.Close())

	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))

	reloaded, err := NewFileTracker(dir, false)
	require.NoError(t, err)
	defer reloaded.Close()

	verdict, path := reloaded.Register("h1", "out/new.pdf")
	assert.Equal(t, Duplicate, verdict)
	assert.Equal(t, "out/a.pdf", path)

	_, ok := reloaded.Lookup("h2")
	assert.False(t, ok, "released registrations are not seeded")
}

func TestFileTracker_WithoutPersistWritesNothing(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewFileTracker(dir, false)
	require.NoError(t, err)

	tracker.Register("h1", "p")
	require.NoError(t, tracker.Flush())
	require.NoError(t, tracker.Close())

	_, err = os.Stat(filepath.Join(dir, stateFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestFileTracker_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("{\"hash\":\"a\"}\nnot json\n"), 0o600))

	_, err := NewFileTracker(dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestNewFileTracker_EmptyDir(t *testing.T) {
	_, err := NewFileTracker("  ", false)
	assert.Error(t, err)
}
