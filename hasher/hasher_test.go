package hasher

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_KnownDigests(t *testing.T) {
	tests := []struct {
		algorithm string
		want      string
	}{
		{"sha256", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{"SHA256", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{"md5", "5d41402abc4b2a76b9719d911017c592"},
		{"sha1", "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			h, err := New(tt.algorithm)
			require.NoError(t, err)

			got, err := h.HashStream(strings.NewReader("hello"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, h.HashBytes([]byte("hello")))
		})
	}
}

func TestNew_AllAlgorithms(t *testing.T) {
	for _, name := range Algorithms() {
		t.Run(name, func(t *testing.T) {
			h, err := New(name)
			require.NoError(t, err)
			assert.Equal(t, name, h.Name())

			a, err := h.HashStream(strings.NewReader("abc"))
			require.NoError(t, err)
			b, err := h.HashStream(strings.NewReader("abd"))
			require.NoError(t, err)
			assert.NotEqual(t, a, b)
			assert.Equal(t, strings.ToLower(a), a)
		})
	}
}

func TestNew_Aliases(t *testing.T) {
	h, err := New("SHA3-256")
	require.NoError(t, err)
	assert.Equal(t, "sha3_256", h.Name())

	h, err = New("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAlgorithm, h.Name())
}

func TestNew_Unsupported(t *testing.T) {
	_, err := New("crc32")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedAlgorithm))

	var unsupported *UnsupportedAlgorithmError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "crc32", unsupported.Name)
	assert.Contains(t, err.Error(), "sha256")
}

func TestHashStream_LargeInput(t *testing.T) {
	h, err := New("sha256")
	require.NoError(t, err)

	data := bytes.Repeat([]byte("0123456789abcdef"), 10*chunkSize)
	streamed, err := h.HashStream(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, h.HashBytes(data), streamed)
}

func TestHashFile(t *testing.T) {
	h, err := New("sha256")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	got, err := h.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, h.HashBytes([]byte("hello")), got)

	_, err = h.HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestHashStream_ReadError(t *testing.T) {
	h, err := New("md5")
	require.NoError(t, err)
	_, err = h.HashStream(failingReader{})
	assert.ErrorContains(t, err, "boom")
}

func BenchmarkHashStream(b *testing.B) {
	data := bytes.Repeat([]byte{0xAB}, 1<<20)
	for _, name := range []string{"sha256", "blake2b", "xxh64"} {
		h, err := New(name)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(name, func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				if _, err := h.HashStream(bytes.NewReader(data)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
