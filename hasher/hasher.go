// Package hasher computes content digests of attachment bytes with a
// configurable algorithm.
package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "sha256"

const chunkSize = 8 * 1024

var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

// UnsupportedAlgorithmError names the rejected algorithm.
type UnsupportedAlgorithmError struct {
	Name string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("%s: %q (supported: %s)", ErrUnsupportedAlgorithm, e.Name, strings.Join(Algorithms(), ", "))
}

func (e *UnsupportedAlgorithmError) Unwrap() error { return ErrUnsupportedAlgorithm }

var registry = map[string]func() hash.Hash{
	"md5":         md5.New,
	"sha1":        sha1.New,
	"sha224":      sha256.New224,
	"sha256":      sha256.New,
	"sha384":      sha512.New384,
	"sha512":      sha512.New,
	"sha512_256":  sha512.New512_256,
	"sha3_256":    sha3.New256,
	"sha3_512":    sha3.New512,
	"blake2b":     mustKeyless(blake2b.New512),
	"blake2b_256": mustKeyless(blake2b.New256),
	"blake2s":     mustKeyless(blake2s.New256),
	"xxh64":       func() hash.Hash { return xxhash.New() },
}

func mustKeyless(fn func(key []byte) (hash.Hash, error)) func() hash.Hash {
	return func() hash.Hash {
		h, err := fn(nil)
		if err != nil {
			panic(err)
		}
		return h
	}
}

// Hasher produces lowercase hex digests. It is stateless between calls.
type Hasher struct {
	name string
	new  func() hash.Hash
}

// New returns a Hasher for name. Names are case-insensitive and '-' may be
// used in place of '_' ("SHA3-256" selects sha3_256).
func New(name string) (*Hasher, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultAlgorithm
	}
	key := normalize(name)
	fn, ok := registry[key]
	if !ok {
		return nil, &UnsupportedAlgorithmError{Name: name}
	}
	return &Hasher{name: key, new: fn}, nil
}

// Algorithms lists the supported names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hasher) Name() string { return h.name }

// HashBytes digests an in-memory buffer.
func (h *Hasher) HashBytes(b []byte) string {
	d := h.new()
	d.Write(b)
	return hex.EncodeToString(d.Sum(nil))
}

// HashStream digests r in fixed-size chunks so memory stays bounded for
// large attachments.
func (h *Hasher) HashStream(r io.Reader) (string, error) {
	d := h.new()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(d, r, buf); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// HashFile digests the file at path.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer f.Close()
	return h.HashStream(f)
}

func normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}
