package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/mbox-export/model"
)

// MaxCollisions bounds the numeric suffix search of EnsureUnique.
const MaxCollisions = 1000

var ErrTooManyCollisions = errors.New("too many existing files with the same name")

// Exists reports whether something occupies path. Stat errors other than
// "not exist" count as occupied so the path is never overwritten.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// EnsureUnique returns path if it is free, otherwise the first free
// "stem_N.ext" variant. The search is deterministic for a given directory state.
func EnsureUnique(path string) (string, error) {
	return EnsureUniqueFunc(path, Exists)
}

// EnsureUniqueFunc is EnsureUnique with a caller supplied occupancy check.
func EnsureUniqueFunc(path string, exists func(string) bool) (string, error) {
	if !exists(path) {
		return path, nil
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}

	for i := 1; i <= MaxCollisions; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", &model.PathResolutionError{Path: path, Err: ErrTooManyCollisions}
}

// Reserver hands out unique paths and remembers them, so two requests for the
// same desired path never get the same answer even when nothing is written.
type Reserver struct {
	mu       sync.Mutex
	reserved map[string]struct{}
	exists   func(string) bool
}

// NewReserver creates a Reserver. With checkDisk the filesystem is consulted
// in addition to the in-memory reservations.
func NewReserver(checkDisk bool) *Reserver {
	r := &Reserver{reserved: make(map[string]struct{})}
	if checkDisk {
		r.exists = Exists
	}
	return r
}

func (r *Reserver) Reserve(path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	unique, err := EnsureUniqueFunc(filepath.Clean(path), r.taken)
	if err != nil {
		return "", err
	}
	r.reserved[unique] = struct{}{}
	return unique, nil
}

// Release frees a reservation whose file was never written.
func (r *Reserver) Release(path string) {
	r.mu.Lock()
	delete(r.reserved, filepath.Clean(path))
	r.mu.Unlock()
}

func (r *Reserver) taken(path string) bool {
	if _, ok := r.reserved[path]; ok {
		return true
	}
	return r.exists != nil && r.exists(path)
}

// FormatSize renders a byte count as "1.5 MB".
func FormatSize(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f TB", value)
}

// RelLink returns target relative to the directory of from, using forward
// slashes for use in markdown links. Unrelated paths fall back to target.
func RelLink(from, target string) string {
	rel, err := filepath.Rel(filepath.Dir(from), target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}
