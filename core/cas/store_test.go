package cas

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newStore(t)
	data := []byte("SBSNAP snapshot bytes")

	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if hash != Hash(data) {
		t.Errorf("hash = %s, want %s", hash, Hash(data))
	}
	if !s.Has(hash) {
		t.Error("Has() = false after Put")
	}
	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get() = %q, want %q", got, data)
	}

	want := filepath.Join(s.Root(), "blobs", "blake3", hash[:2], hash)
	if _, err := os.Stat(want); err != nil {
		t.Errorf("blob not at %s: %v", want, err)
	}
}

func TestPutDuplicate(t *testing.T) {
	s := newStore(t)
	h1, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	h2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ: %s != %s", h1, h2)
	}
	entries, _ := os.ReadDir(filepath.Join(s.Root(), "blobs", "blake3", h1[:2]))
	if len(entries) != 1 {
		t.Errorf("got %d files, want 1", len(entries))
	}
}

func TestHashKnownValue(t *testing.T) {
	// BLAKE3 of the empty input.
	const empty = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	if got := Hash(nil); got != empty {
		t.Errorf("Hash(nil) = %s, want %s", got, empty)
	}
}

func TestGetErrors(t *testing.T) {
	s := newStore(t)
	missing := Hash([]byte("never stored"))

	tests := []struct {
		name string
		hash string
		want error
	}{
		{"missing", missing, errors.ErrNotFound},
		{"uppercase", "AF1349B9F5F9A1A6A0404DEA36DCC9499BCB25C9ADC112B7CC9A93CAE41F3262", errors.ErrInvalidInput},
		{"short", "abc", errors.ErrInvalidInput},
		{"path escape", "../../../../../../../../../../../../../../../../../../etc/passwd", errors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Get(tt.hash); !errors.Is(err, tt.want) {
				t.Errorf("Get() error = %v, want %v", err, tt.want)
			}
			if s.Has(tt.hash) {
				t.Error("Has() = true")
			}
		})
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	s := newStore(t)
	hash, err := s.Put([]byte("original"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := os.WriteFile(s.pathFor(hash), []byte("tampered"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := s.Get(hash); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Get() error = %v, want ErrInvalidInput", err)
	}
}

func TestNewStoreMkdirError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	_, err := NewStore(file)
	var ioErr *errors.IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("NewStore() error = %v, want IOError", err)
	}
}

func TestPutFailures(t *testing.T) {
	fail := errors.ErrInternal
	tests := []struct {
		name  string
		setup func()
	}{
		{"write", func() {
			tempFileWrite = func(*os.File, []byte) (int, error) { return 0, fail }
		}},
		{"close", func() {
			tempFileClose = func(io.Closer) error { return fail }
		}},
		{"rename", func() {
			osRename = func(string, string) error { return fail }
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origWrite, origClose, origRename := tempFileWrite, tempFileClose, osRename
			defer func() { tempFileWrite, tempFileClose, osRename = origWrite, origClose, origRename }()
			tt.setup()

			s := newStore(t)
			hash, err := s.Put([]byte(tt.name))
			if !errors.Is(err, fail) {
				t.Fatalf("Put() error = %v, want %v", err, fail)
			}
			if hash != "" {
				t.Errorf("hash = %q, want empty", hash)
			}
			left, _ := filepath.Glob(filepath.Join(s.Root(), "blobs", "blake3", "*", ".blob-*"))
			if len(left) != 0 {
				t.Errorf("temp files left behind: %v", left)
			}
		})
	}
}
