// Package ext provides the extension store: a side channel of typed,
// format-specific payloads keyed by canonical element identity.
//
// The canonical tree cannot express everything a source format says (page
// breaks, playback hints, how a grace note was spelled, chord-mode text).
// Importers write that information here under the identity of the node it
// belongs to; exporters read it back to rebuild the original construct.
package ext

import (
	"encoding/json"
	"sort"

	"github.com/FocuswithJustin/ScoreBridge/core/mei"
)

// Concern names one kind of payload an Entry can hold.
type Concern string

// Concerns.
const (
	ConcernPrint        Concern = "print"
	ConcernSound        Concern = "sound"
	ConcernGrace        Concern = "grace"
	ConcernMeasureStyle Concern = "measure-style"
	ConcernFiguredBass  Concern = "figured-bass"
	ConcernChordMode    Concern = "chord-mode"
	ConcernFunction     Concern = "func"
	ConcernMarkup       Concern = "markup"
	ConcernOrnament     Concern = "ornament"
	ConcernWedge        Concern = "wedge"
	ConcernGeneric      Concern = "generic"
)

// Entry is the bag of payloads for one identity. Any number of concerns
// may be set at once.
type Entry struct {
	Print        *PrintData        `json:"print,omitempty"`
	Sound        *SoundData        `json:"sound,omitempty"`
	Grace        *GraceInfo        `json:"grace,omitempty"`
	MeasureStyle *MeasureStyleData `json:"measure_style,omitempty"`
	FiguredBass  *FiguredBassData  `json:"figured_bass,omitempty"`
	ChordMode    *ChordModeInfo    `json:"chord_mode,omitempty"`
	Function     *FunctionCall     `json:"function,omitempty"`
	Markups      []ToplevelMarkup  `json:"markups,omitempty"`
	Ornament     *OrnamentInfo     `json:"ornament,omitempty"`
	Wedge        *WedgeData        `json:"wedge,omitempty"`

	// Generic holds structured data for constructs without a dedicated
	// concern.
	Generic json.RawMessage `json:"generic,omitempty"`
}

// Concerns lists the concerns set on e.
func (e *Entry) Concerns() []Concern {
	if e == nil {
		return nil
	}
	var out []Concern
	add := func(set bool, c Concern) {
		if set {
			out = append(out, c)
		}
	}
	add(e.Print != nil, ConcernPrint)
	add(e.Sound != nil, ConcernSound)
	add(e.Grace != nil, ConcernGrace)
	add(e.MeasureStyle != nil, ConcernMeasureStyle)
	add(e.FiguredBass != nil, ConcernFiguredBass)
	add(e.ChordMode != nil, ConcernChordMode)
	add(e.Function != nil, ConcernFunction)
	add(len(e.Markups) > 0, ConcernMarkup)
	add(e.Ornament != nil, ConcernOrnament)
	add(e.Wedge != nil, ConcernWedge)
	add(len(e.Generic) > 0, ConcernGeneric)
	return out
}

// Empty reports whether no concern is set.
func (e *Entry) Empty() bool { return len(e.Concerns()) == 0 }

// SetGeneric stores v as the generic payload.
func (e *Entry) SetGeneric(v interface{}) error {
	data, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	e.Generic = data
	return nil
}

// DecodeGeneric unmarshals the generic payload into v. It reports false
// when no generic payload is set or it does not decode.
func (e *Entry) DecodeGeneric(v interface{}) bool {
	if e == nil || len(e.Generic) == 0 {
		return false
	}
	return json.Unmarshal(e.Generic, v) == nil
}

// Store maps element identities to entries. A Store belongs to one
// conversion chain and is not safe for concurrent mutation.
type Store struct {
	entries map[string]*Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Entry returns the entry for id, creating it if absent.
func (s *Store) Entry(id string) *Entry {
	if s.entries == nil {
		s.entries = make(map[string]*Entry)
	}
	e, ok := s.entries[id]
	if !ok {
		e = &Entry{}
		s.entries[id] = e
	}
	return e
}

// Get returns the entry for id. A missing entry is not an error: it means
// there is nothing extra to restore. Get is safe on a nil store.
func (s *Store) Get(id string) (*Entry, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of identities with an entry.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// IDs returns the identities in sorted order. Intended for debugging and
// snapshots only.
func (s *Store) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve looks up id in the store and, failing that, decodes a payload
// embedded in label. The label path never writes into the store.
func (s *Store) Resolve(id, label string) (*Entry, bool) {
	if e, ok := s.Get(id); ok {
		return e, true
	}
	if label == "" {
		return nil, false
	}
	e, err := EntryFromLabel(label)
	if err != nil || e == nil {
		return nil, false
	}
	return e, true
}

// Lookup resolves the entry for a canonical node.
func (s *Store) Lookup(n mei.Node) (*Entry, bool) {
	c := n.Identity()
	return s.Resolve(c.ID, c.Label)
}

// View returns the store as seen by an exporter of score: every node
// without a typed entry resolves through the payload embedded in its
// label. Entries are shared with s and s itself is not modified.
func (s *Store) View(score *mei.Score) *Store {
	v := New()
	if s != nil {
		for id, e := range s.entries {
			v.entries[id] = e
		}
	}
	mei.Walk(score, func(n mei.Node) bool {
		c := n.Identity()
		if c.ID == "" || c.Label == "" {
			return true
		}
		if _, ok := v.entries[c.ID]; ok {
			return true
		}
		if e, ok := s.Lookup(n); ok {
			v.entries[c.ID] = e
		}
		return true
	})
	return v
}

// Typed accessors. Each returns nil when the identity has no such payload.

// Print returns the print payload for id.
func (s *Store) Print(id string) *PrintData {
	if e, ok := s.Get(id); ok {
		return e.Print
	}
	return nil
}

// Sound returns the sound payload for id.
func (s *Store) Sound(id string) *SoundData {
	if e, ok := s.Get(id); ok {
		return e.Sound
	}
	return nil
}

// Grace returns the grace classification for id.
func (s *Store) Grace(id string) *GraceInfo {
	if e, ok := s.Get(id); ok {
		return e.Grace
	}
	return nil
}

// MeasureStyle returns the measure-style payload for id.
func (s *Store) MeasureStyle(id string) *MeasureStyleData {
	if e, ok := s.Get(id); ok {
		return e.MeasureStyle
	}
	return nil
}

// FiguredBass returns the figured-bass payload for id.
func (s *Store) FiguredBass(id string) *FiguredBassData {
	if e, ok := s.Get(id); ok {
		return e.FiguredBass
	}
	return nil
}

// ChordMode returns the chord-mode spelling for id.
func (s *Store) ChordMode(id string) *ChordModeInfo {
	if e, ok := s.Get(id); ok {
		return e.ChordMode
	}
	return nil
}

// Function returns the function-call record for id.
func (s *Store) Function(id string) *FunctionCall {
	if e, ok := s.Get(id); ok {
		return e.Function
	}
	return nil
}

// Markups returns the ordered top-level markups stored under id.
func (s *Store) Markups(id string) []ToplevelMarkup {
	if e, ok := s.Get(id); ok {
		return e.Markups
	}
	return nil
}

// Ornament returns the ornament payload for id.
func (s *Store) Ornament(id string) *OrnamentInfo {
	if e, ok := s.Get(id); ok {
		return e.Ornament
	}
	return nil
}

// Wedge returns the wedge payload for id.
func (s *Store) Wedge(id string) *WedgeData {
	if e, ok := s.Get(id); ok {
		return e.Wedge
	}
	return nil
}

// MarshalJSON encodes the store as an object keyed by identity.
func (s *Store) MarshalJSON() ([]byte, error) {
	if s == nil || s.entries == nil {
		return []byte("{}"), nil
	}
	return jsonMarshal(s.entries)
}

// UnmarshalJSON replaces the store content.
func (s *Store) UnmarshalJSON(data []byte) error {
	entries := make(map[string]*Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	s.entries = entries
	return nil
}
