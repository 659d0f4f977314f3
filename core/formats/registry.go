// Package formats holds the registry of notation formats compiled into the
// binary and the pipeline that converts between any two of them.
//
// Each format package registers a Handler from its init function; importing
// internal/embedded pulls every format in.
package formats

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
)

// DecodeFunc parses native bytes and imports them into the canonical tree.
type DecodeFunc func(path string, data []byte, opts ...convert.Option) (*mei.Score, *ext.Store, *convert.Report, error)

// EncodeFunc exports the canonical tree and serializes it to native bytes.
type EncodeFunc func(score *mei.Score, store *ext.Store, opts ...convert.Option) ([]byte, *convert.Report, error)

// Handler describes one registered format.
type Handler struct {
	// Name is the registry key (e.g., "lilypond", "musicxml").
	Name string

	// Extensions are lowercase file extensions including the dot.
	Extensions []string

	// Detect reports whether data looks like this format. May be nil.
	Detect func(data []byte) bool

	Decode DecodeFunc
	Encode EncodeFunc
}

var (
	mu       sync.RWMutex
	registry = make(map[string]*Handler)
)

// Register adds h to the registry, replacing any handler of the same name.
// Handlers without a name are ignored.
func Register(h *Handler) {
	if h == nil || h.Name == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(h.Name)] = h
}

// Get returns the handler registered under name, or nil.
func Get(name string) *Handler {
	mu.RLock()
	defer mu.RUnlock()
	return registry[strings.ToLower(name)]
}

// Has reports whether a handler is registered under name.
func Has(name string) bool {
	return Get(name) != nil
}

// List returns all handlers sorted by name.
func List() []*Handler {
	mu.RLock()
	result := make([]*Handler, 0, len(registry))
	for _, h := range registry {
		result = append(result, h)
	}
	mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Names returns the registered format names in sorted order.
func Names() []string {
	var names []string
	for _, h := range List() {
		names = append(names, h.Name)
	}
	return names
}

// ForPath returns the handler claiming the extension of path, or nil.
func ForPath(path string) *Handler {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return nil
	}
	for _, h := range List() {
		for _, e := range h.Extensions {
			if e == ext {
				return h
			}
		}
	}
	return nil
}

// Detect picks a handler for an input: the extension of path first, then
// content sniffing in name order.
func Detect(path string, data []byte) *Handler {
	if h := ForPath(path); h != nil {
		return h
	}
	for _, h := range List() {
		if h.Detect != nil && h.Detect(data) {
			return h
		}
	}
	return nil
}

// Reset clears the registry (for testing).
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]*Handler)
}
