package mei

import (
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// Node is implemented by every element of the canonical tree.
type Node interface {
	// Element returns the MEI element name (e.g., "note", "hairpin").
	Element() string
	// Identity returns the shared identity fields.
	Identity() *Common
}

// MeasureChild is a node allowed directly under a Measure: a Staff or a
// control event.
type MeasureChild interface {
	Node
	measureChild()
}

// LayerChild is a node allowed inside a Layer.
type LayerChild interface {
	Node
	layerChild()
}

// Control is a control event: a measure child anchored to events.
type Control interface {
	MeasureChild
	Attrs() *ControlAttrs
}

// Common holds the attributes shared by every node.
type Common struct {
	// ID is the element identity, unique within one score.
	ID string `json:"id,omitempty"`

	// Label is a freeform string. Older encodings embedded extension
	// payloads here; it is still read as a fallback.
	Label string `json:"label,omitempty"`
}

// Identity returns c.
func (c *Common) Identity() *Common { return c }

// Score is the root of the canonical tree.
type Score struct {
	Common

	// Head holds descriptive metadata (title, composer, ...).
	Head Head `json:"head"`

	// StaffDefs declares the staves in top-to-bottom order.
	StaffDefs []*StaffDef `json:"staff_defs"`

	// Measures holds the music in document order.
	Measures []*Measure `json:"measures"`
}

// Element implements Node.
func (*Score) Element() string { return "score" }

// Head is the score header.
type Head struct {
	// Fields are name/value pairs in source order ("title", "composer", ...).
	Fields []HeadField `json:"fields,omitempty"`
}

// HeadField is one header entry.
type HeadField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Get returns the value of the first field named name.
func (h Head) Get(name string) string {
	for _, f := range h.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Set replaces the first field named name or appends a new one.
func (h *Head) Set(name, value string) {
	for i := range h.Fields {
		if h.Fields[i].Name == name {
			h.Fields[i].Value = value
			return
		}
	}
	h.Fields = append(h.Fields, HeadField{Name: name, Value: value})
}

// Clef describes a clef.
type Clef struct {
	Common

	// Shape is "G", "F", "C" or "perc".
	Shape string `json:"shape"`

	// Line is the staff line the clef sits on, counted from the bottom.
	Line int `json:"line,omitempty"`

	// Dis is the octave displacement (8 or 15), zero for none.
	Dis int `json:"dis,omitempty"`

	// DisPlace is "above" or "below" when Dis is set.
	DisPlace string `json:"dis_place,omitempty"`
}

// Element implements Node.
func (*Clef) Element() string { return "clef" }
func (*Clef) layerChild()     {}

// KeySig is a key signature.
type KeySig struct {
	Common

	// Fifths is the number of sharps (positive) or flats (negative).
	Fifths int `json:"fifths"`

	// Mode is "major", "minor" or empty.
	Mode string `json:"mode,omitempty"`
}

// Element implements Node.
func (*KeySig) Element() string { return "keySig" }
func (*KeySig) layerChild()     {}

// Meter is a time signature.
type Meter struct {
	Count int `json:"count"`
	Unit  int `json:"unit"`
}

// Length returns the measure length in whole notes.
func (m Meter) Length() timing.Fraction {
	if m.Unit == 0 {
		return timing.Int(1)
	}
	return timing.New(int64(m.Count), int64(m.Unit))
}

// StaffDef declares one staff.
type StaffDef struct {
	Common

	// N is the staff number, 1-based and unique within the score.
	N int `json:"n"`

	// Part is the identity of the part the staff belongs to, if any.
	Part string `json:"part,omitempty"`

	// PartName is the human-readable part name.
	PartName string `json:"part_name,omitempty"`

	Clef  Clef   `json:"clef"`
	Key   KeySig `json:"key"`
	Meter Meter  `json:"meter"`
}

// Element implements Node.
func (*StaffDef) Element() string { return "staffDef" }

// Measure is one bar of music across all staves.
type Measure struct {
	Common

	// N is the measure number as written.
	N string `json:"n"`

	// Meter is set when the time signature changes at this measure.
	Meter *Meter `json:"meter,omitempty"`

	// Left and Right are barline styles ("dbl", "end", "rptstart", "rptend").
	Left  string `json:"left,omitempty"`
	Right string `json:"right,omitempty"`

	// Ending is set on every measure inside a volta ending.
	Ending *Ending `json:"ending,omitempty"`

	// Children holds Staff elements followed by control events.
	Children []MeasureChild `json:"children"`
}

// Element implements Node.
func (*Measure) Element() string { return "measure" }

// Staves returns the Staff children in order.
func (m *Measure) Staves() []*Staff {
	var out []*Staff
	for _, c := range m.Children {
		if s, ok := c.(*Staff); ok {
			out = append(out, s)
		}
	}
	return out
}

// Staff returns the Staff child numbered n, or nil.
func (m *Measure) Staff(n int) *Staff {
	for _, c := range m.Children {
		if s, ok := c.(*Staff); ok && s.N == n {
			return s
		}
	}
	return nil
}

// Controls returns the control events in order.
func (m *Measure) Controls() []Control {
	var out []Control
	for _, c := range m.Children {
		if ce, ok := c.(Control); ok {
			out = append(out, ce)
		}
	}
	return out
}

// Staff holds the layers of one staff within a measure.
type Staff struct {
	Common
	N      int      `json:"n"`
	Layers []*Layer `json:"layers"`
}

// Element implements Node.
func (*Staff) Element() string { return "staff" }
func (*Staff) measureChild()   {}

// Layer returns the layer numbered n, creating it if needed.
func (s *Staff) Layer(n int) *Layer {
	for _, l := range s.Layers {
		if l.N == n {
			return l
		}
	}
	l := &Layer{N: n}
	s.Layers = append(s.Layers, l)
	return l
}

// Layer is one voice within a staff.
type Layer struct {
	Common
	N        int          `json:"n"`
	Children []LayerChild `json:"children"`
}

// Element implements Node.
func (*Layer) Element() string { return "layer" }

// Artic is an articulation mark on a note or chord.
type Artic struct {
	// Name is the MEI articulation value ("stacc", "acc", "ten", ...).
	Name string `json:"name"`

	// Place is "above", "below" or empty.
	Place string `json:"place,omitempty"`
}

// Note is a single pitched event.
type Note struct {
	Common

	// Pname is the pitch letter, lower case ("c" to "b").
	Pname string `json:"pname"`

	// Oct is the octave number; middle C is octave 4.
	Oct int `json:"oct"`

	// Accid is the alteration in semitones (-2 to 2).
	Accid int `json:"accid,omitempty"`

	// Dur is the note value (1 whole, 2 half, 4 quarter, ...).
	Dur int `json:"dur"`

	// Dots is the number of augmentation dots.
	Dots int `json:"dots,omitempty"`
	Ratio

	// Grace is "acc" or "unacc" for grace notes, empty otherwise.
	Grace string `json:"grace,omitempty"`

	Artic []Artic `json:"artic,omitempty"`
	Syls  []Syl   `json:"syl,omitempty"`
}

// Syl is one lyric syllable of a note. N is the verse number. Con links
// the syllable to the next one: "d" for a hyphen, "u" for an extender.
// Wordpos is "i", "m" or "t" inside a word and "s" for a single syllable.
type Syl struct {
	N       int    `json:"n,omitempty"`
	Text    string `json:"text"`
	Con     string `json:"con,omitempty"`
	Wordpos string `json:"wordpos,omitempty"`
}

// Ending marks a measure as part of a volta ending. Consecutive measures
// with the same N form one ending. Open endings have no closing hook.
type Ending struct {
	N     string `json:"n"`
	Label string `json:"label,omitempty"`
	Open  bool   `json:"open,omitempty"`
}

// Element implements Node.
func (*Note) Element() string { return "note" }
func (*Note) layerChild()     {}

// Duration returns the sounding length; grace notes take no time.
func (n *Note) Duration() timing.Fraction {
	if n.Grace != "" {
		return timing.Zero
	}
	return n.Ratio.Scale(timing.Duration(n.Dur, n.Dots))
}

// MIDI returns the MIDI key number of the pitch.
func (n *Note) MIDI() int {
	return PitchNumber(n.Pname, n.Oct, n.Accid)
}

var stepSemitones = map[string]int{"c": 0, "d": 2, "e": 4, "f": 5, "g": 7, "a": 9, "b": 11}

// PitchNumber returns the MIDI key number for a pitch spelling.
func PitchNumber(pname string, oct, accid int) int {
	return (oct+1)*12 + stepSemitones[pname] + accid
}

// Rest is a rest with a note value.
type Rest struct {
	Common
	Dur  int `json:"dur"`
	Dots int `json:"dots,omitempty"`
	Ratio
}

// Element implements Node.
func (*Rest) Element() string { return "rest" }
func (*Rest) layerChild()     {}

// Duration returns the rest length.
func (r *Rest) Duration() timing.Fraction {
	return r.Ratio.Scale(timing.Duration(r.Dur, r.Dots))
}

// Ratio scales a written note value: Num events take the time of NumBase
// (a triplet is 3 in 2). The zero value leaves the value unscaled.
type Ratio struct {
	Num     int `json:"num,omitempty"`
	NumBase int `json:"numbase,omitempty"`
}

// Scaled reports whether r changes the length of an event.
func (r Ratio) Scaled() bool {
	return r.Num > 0 && r.NumBase > 0 && r.Num != r.NumBase
}

// Scale applies r to a written length.
func (r Ratio) Scale(l timing.Fraction) timing.Fraction {
	if !r.Scaled() {
		return l
	}
	return l.Mul(timing.New(int64(r.NumBase), int64(r.Num)))
}

// Space is invisible filler time.
type Space struct {
	Common
	Length timing.Fraction `json:"length"`
}

// Element implements Node.
func (*Space) Element() string { return "space" }
func (*Space) layerChild()     {}

// MRest is a whole-measure rest.
type MRest struct {
	Common
}

// Element implements Node.
func (*MRest) Element() string { return "mRest" }
func (*MRest) layerChild()     {}

// Chord is a set of notes sounding together.
type Chord struct {
	Common
	Dur   int `json:"dur"`
	Dots  int `json:"dots,omitempty"`
	Ratio
	Grace string  `json:"grace,omitempty"`
	Artic []Artic `json:"artic,omitempty"`
	Notes []*Note `json:"notes"`
}

// Element implements Node.
func (*Chord) Element() string { return "chord" }
func (*Chord) layerChild()     {}

// Duration returns the chord length; grace chords take no time.
func (c *Chord) Duration() timing.Fraction {
	if c.Grace != "" {
		return timing.Zero
	}
	return c.Ratio.Scale(timing.Duration(c.Dur, c.Dots))
}

// EventDuration returns how far a layer child advances time.
func EventDuration(c LayerChild) timing.Fraction {
	switch e := c.(type) {
	case *Note:
		return e.Duration()
	case *Rest:
		return e.Duration()
	case *Chord:
		return e.Duration()
	case *Space:
		return e.Length
	}
	return timing.Zero
}

// MeasureBeat is an end point given as a number of measures ahead of the
// start measure plus a beat within the target measure ("2m+3").
type MeasureBeat struct {
	Measures int             `json:"measures"`
	Beat     timing.Fraction `json:"beat"`
}

// ControlAttrs holds the anchoring attributes of a control event.
type ControlAttrs struct {
	// StartID is the identity of the event the control starts on.
	StartID string `json:"startid,omitempty"`

	// EndID is the identity of the event the control ends on.
	EndID string `json:"endid,omitempty"`

	// Staff is the staff number the control belongs to.
	Staff int `json:"staff,omitempty"`

	// Tstamp is the 1-based beat of the start point.
	Tstamp timing.Fraction `json:"tstamp"`

	// Tstamp2 is the end point, for spanning controls.
	Tstamp2 *MeasureBeat `json:"tstamp2,omitempty"`

	// Place is "above", "below" or empty.
	Place string `json:"place,omitempty"`
}

// Attrs returns a.
func (a *ControlAttrs) Attrs() *ControlAttrs { return a }

// Tie connects two notes of the same pitch.
type Tie struct {
	Common
	ControlAttrs
}

// Slur is a legato curve between two events.
type Slur struct {
	Common
	ControlAttrs
}

// Phrase is a phrasing curve, distinct from a slur.
type Phrase struct {
	Common
	ControlAttrs
}

// Hairpin is a crescendo or diminuendo wedge.
type Hairpin struct {
	Common
	ControlAttrs

	// Form is "cres" or "dim".
	Form string `json:"form"`
}

// Dynam is a dynamic marking.
type Dynam struct {
	Common
	ControlAttrs
	Text string `json:"text"`
}

// Dir is a textual direction. It also serves as the generic carrier for
// constructs without a dedicated element; Text then holds a short summary.
type Dir struct {
	Common
	ControlAttrs
	Text string `json:"text"`
}

// Ornam is a known ornament ("mordent", "invertedmordent", "turn", ...).
type Ornam struct {
	Common
	ControlAttrs
	Name string `json:"name"`
}

// Fermata is a pause mark.
type Fermata struct {
	Common
	ControlAttrs
}

// Trill is a trill mark; with an end point it carries an extender line.
type Trill struct {
	Common
	ControlAttrs
}

// BracketSpan is a bracket line over a range of events.
type BracketSpan struct {
	Common
	ControlAttrs

	// Func describes the bracket purpose ("analysis", "bracket").
	Func string `json:"func"`
}

// Harm is a harmony indication (chord symbol).
type Harm struct {
	Common
	ControlAttrs
	Text string `json:"text"`
}

// Fb is a figured bass indication.
type Fb struct {
	Common
	ControlAttrs
	Figures []string `json:"figures"`
}

// Tempo is a tempo indication.
type Tempo struct {
	Common
	ControlAttrs
	Text string `json:"text,omitempty"`

	// MM is the metronome value in beats per minute, zero when absent.
	MM int `json:"mm,omitempty"`

	// MMUnit is the beat unit note value; MMDots its dots.
	MMUnit int `json:"mm_unit,omitempty"`
	MMDots int `json:"mm_dots,omitempty"`
}

// Element names of the control events.
func (*Tie) Element() string         { return "tie" }
func (*Slur) Element() string        { return "slur" }
func (*Phrase) Element() string      { return "phrase" }
func (*Hairpin) Element() string     { return "hairpin" }
func (*Dynam) Element() string       { return "dynam" }
func (*Dir) Element() string         { return "dir" }
func (*Ornam) Element() string       { return "ornam" }
func (*Fermata) Element() string     { return "fermata" }
func (*Trill) Element() string       { return "trill" }
func (*BracketSpan) Element() string { return "bracketSpan" }
func (*Harm) Element() string        { return "harm" }
func (*Fb) Element() string          { return "fb" }
func (*Tempo) Element() string       { return "tempo" }

func (*Tie) measureChild()         {}
func (*Slur) measureChild()        {}
func (*Phrase) measureChild()      {}
func (*Hairpin) measureChild()     {}
func (*Dynam) measureChild()       {}
func (*Dir) measureChild()         {}
func (*Ornam) measureChild()       {}
func (*Fermata) measureChild()     {}
func (*Trill) measureChild()       {}
func (*BracketSpan) measureChild() {}
func (*Harm) measureChild()        {}
func (*Fb) measureChild()          {}
func (*Tempo) measureChild()       {}
