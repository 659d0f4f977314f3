// Package cas stores snapshot blobs by their BLAKE3 digest so that
// conversion runs recorded in the journal can point at them.
package cas

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
)

// osRename is a variable to allow testing of rename errors.
var osRename = os.Rename

// tempFileWrite is a function variable for writing to temp files (for testing).
var tempFileWrite = func(f *os.File, data []byte) (int, error) {
	return f.Write(data)
}

// tempFileClose is a function variable for closing temp files (for testing).
var tempFileClose = func(f io.Closer) error {
	return f.Close()
}

var (
	// ErrBlobNotFound is returned when a blob with the given hash does not exist.
	ErrBlobNotFound = errors.Wrap(errors.ErrNotFound, "blob not found")

	// ErrInvalidHash is returned when a hash is not a lowercase 64-digit hex string.
	ErrInvalidHash = errors.Wrap(errors.ErrInvalidInput, "invalid hash format")
)

var hashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Store is a directory of blobs keyed by BLAKE3 digest.
type Store struct {
	root string
}

// NewStore opens the store at root, creating it if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs", "blake3"), 0755); err != nil {
		return nil, errors.NewIO("create", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Put stores data and returns its digest. Storing the same bytes twice is a
// no-op.
func (s *Store) Put(data []byte) (string, error) {
	hash := Hash(data)
	blobPath := s.pathFor(hash)
	if _, err := os.Stat(blobPath); err == nil {
		return hash, nil
	}

	prefixDir := filepath.Dir(blobPath)
	if err := os.MkdirAll(prefixDir, 0755); err != nil {
		return "", errors.NewIO("create", prefixDir, err)
	}

	tempFile, err := os.CreateTemp(prefixDir, ".blob-*")
	if err != nil {
		return "", errors.NewIO("create", prefixDir, err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFileWrite(tempFile, data); err != nil {
		tempFileClose(tempFile)
		os.Remove(tempPath)
		return "", errors.NewIO("write", tempPath, err)
	}
	if err := tempFileClose(tempFile); err != nil {
		os.Remove(tempPath)
		return "", errors.NewIO("close", tempPath, err)
	}
	if err := osRename(tempPath, blobPath); err != nil {
		os.Remove(tempPath)
		return "", errors.NewIO("rename", blobPath, err)
	}
	return hash, nil
}

// Get returns the blob with the given digest and verifies its content.
func (s *Store) Get(hash string) ([]byte, error) {
	if !hashPattern.MatchString(hash) {
		return nil, ErrInvalidHash
	}
	data, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, errors.NewIO("read", s.pathFor(hash), err)
	}
	if got := Hash(data); got != hash {
		return nil, fmt.Errorf("%w: blob %s has digest %s", errors.ErrInvalidInput, hash, got)
	}
	return data, nil
}

// Has reports whether a blob with the given digest exists.
func (s *Store) Has(hash string) bool {
	if !hashPattern.MatchString(hash) {
		return false
	}
	_, err := os.Stat(s.pathFor(hash))
	return err == nil
}

// pathFor returns <root>/blobs/blake3/<first2>/<hash>.
func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.root, "blobs", "blake3", hash[:2], hash)
}

// Hash returns the BLAKE3 hex digest of data.
func Hash(data []byte) string {
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}
