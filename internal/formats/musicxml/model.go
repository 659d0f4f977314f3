// Package musicxml imports and exports a subset of partwise MusicXML to
// and from the canonical tree.
//
// The subset covers the part list, work and identification metadata,
// attributes (divisions, key, time, staves, clef, measure-style), notes,
// rests, chords, grace notes, time modification, lyrics, backup and
// forward, ties, slurs, tuplets, articulations, ornaments, fermatas,
// fingerings, directions (words, dynamics, wedges, metronome, brackets),
// print, sound, harmony, figured bass, barlines and endings. Notations
// and direction types outside the subset are kept verbatim.
package musicxml

// FormatName is the display name used in errors and reports.
const FormatName = "MusicXML"

// DefaultVersion is written when the tree records no MusicXML version.
const DefaultVersion = "4.0"

// ScorePartwise is a parsed score-partwise document.
type ScorePartwise struct {
	Version string

	WorkTitle     string
	MovementTitle string
	Creators      []Creator
	Rights        []string
	Software      []string

	// Misc holds miscellaneous-field entries in order.
	Misc []MiscField

	PartList []*ScorePart
	Parts    []*Part
}

// Creator is an identification creator ("composer", "lyricist", ...).
type Creator struct {
	Type  string
	Value string
}

// MiscField is one miscellaneous-field.
type MiscField struct {
	Name  string
	Value string
}

// ScorePart is a part-list entry.
type ScorePart struct {
	ID           string
	Name         string
	Abbreviation string
}

// Part holds the measures of one part.
type Part struct {
	ID       string
	Measures []*Measure
}

// Measure is one measure of a part with its items in document order.
type Measure struct {
	Number   string
	Implicit bool
	Items    []Item
}

// Item is an element that may appear directly in a measure.
type Item interface{ item() }

// Attributes carries divisions, key, time, staves, clefs and
// measure-style.
type Attributes struct {
	Divisions     int
	Keys          []Key
	Time          *Time
	Staves        int
	Clefs         []Clef
	MeasureStyles []MeasureStyle
}

// Key is a traditional key signature. Number is the staff it applies to,
// zero for all staves of the part.
type Key struct {
	Number int
	Fifths int
	Mode   string
}

// Time is a time signature.
type Time struct {
	Beats    int
	BeatType int
}

// Clef is a clef for one staff.
type Clef struct {
	Number       int    `json:"number,omitempty"`
	Sign         string `json:"sign"`
	Line         int    `json:"line,omitempty"`
	OctaveChange int    `json:"octave_change,omitempty"`
}

// MeasureStyle is one measure-style element. Number is the staff, zero
// for all.
type MeasureStyle struct {
	Number        int
	MultipleRest  int
	MeasureRepeat int
	RepeatType    string
	Slashes       int
}

// Note is a note, rest or chord member.
type Note struct {
	Chord bool
	Grace *Grace

	// Pitch is nil for rests.
	Pitch *Pitch
	Rest  bool

	// MeasureRest marks <rest measure="yes"/>.
	MeasureRest bool

	// Duration is in divisions; zero for grace notes.
	Duration int

	// Ties are the <tie> sound elements ("start", "stop").
	Ties []string

	Voice string
	Type  string
	Dots  int
	Staff int

	// TimeModification is set for tuplet members.
	TimeModification *TimeModification

	Notations *Notations
	Lyrics    []Lyric
}

// TimeModification is ActualNotes notes in the time of NormalNotes.
type TimeModification struct {
	ActualNotes int
	NormalNotes int
}

// Lyric is one <lyric> syllable. Syllabic is "single", "begin", "middle"
// or "end".
type Lyric struct {
	Number   string
	Syllabic string
	Text     string
	Extend   bool
}

// Grace marks a grace note.
type Grace struct {
	Slash bool
}

// Pitch is a written pitch.
type Pitch struct {
	Step   string
	Alter  int
	Octave int
}

// Notations groups the notations of one note in MusicXML element order.
type Notations struct {
	Tied          []Tied
	Slurs         []Slur
	Ornaments     []Mark
	Technical     []Mark
	Articulations []Mark
	Fermatas      []Fermata
	Tuplets       []Mark

	// Other holds notation elements outside the subset.
	Other []Element
}

// Empty reports whether n holds no notation.
func (n *Notations) Empty() bool {
	return n == nil || len(n.Tied)+len(n.Slurs)+len(n.Ornaments)+len(n.Technical)+
		len(n.Articulations)+len(n.Fermatas)+len(n.Tuplets)+len(n.Other) == 0
}

// Tied is a <tied> notation.
type Tied struct {
	Type   string
	Number int
}

// Slur is a <slur> notation.
type Slur struct {
	Type      string
	Number    int
	Placement string
}

// Mark is an element inside <ornaments>, <technical> or <articulations>,
// or a <tuplet>.
type Mark struct {
	Name      string `json:"name"`
	Placement string `json:"placement,omitempty"`
	Text      string `json:"text,omitempty"`

	// Attrs holds the remaining attributes in document order.
	Attrs []Attr `json:"attrs,omitempty"`
}

// Element is an element outside the subset, kept verbatim. Text is its
// character data with markup removed.
type Element struct {
	Name      string `json:"name"`
	Placement string `json:"placement,omitempty"`
	Attrs     []Attr `json:"attrs,omitempty"`
	Inner     string `json:"inner,omitempty"`
	Text      string `json:"-"`
}

// Attr is a name/value attribute pair.
type Attr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Fermata is a <fermata> notation.
type Fermata struct {
	Type string
}

// Direction is a <direction> with its direction types.
type Direction struct {
	Placement string
	Staff     int

	// Offset is in divisions relative to the current position.
	Offset int

	// Types holds the direction types in order; those outside the subset
	// are *Element.
	Types []DirectionType
	Sound *Sound
}

// DirectionType is one element inside <direction-type>.
type DirectionType interface{ directionType() }

// Words is a text direction.
type Words struct{ Text string }

// Dynamics holds dynamic marks; names are "p", "mf", ... and text of
// <other-dynamics> is kept in Other.
type Dynamics struct {
	Marks []string
	Other string
}

// Wedge is a crescendo or diminuendo wedge point.
type Wedge struct {
	// Type is "crescendo", "diminuendo", "stop" or "continue".
	Type   string
	Number int
	Spread *float64
	Niente bool
}

// Metronome is a metronome mark.
type Metronome struct {
	BeatUnit  string
	Dots      int
	PerMinute int
}

// Bracket is a bracket line point.
type Bracket struct {
	Type     string
	Number   int
	LineEnd  string
	LineType string
}

// Backup moves time back.
type Backup struct{ Duration int }

// Forward moves time forward.
type Forward struct {
	Duration int
	Voice    string
	Staff    int
}

// Print holds layout hints.
type Print struct {
	NewSystem bool
	NewPage   bool
	Attrs     []Attr

	// Layout is the inner markup, kept verbatim.
	Layout string
}

// Sound holds playback parameters.
type Sound struct {
	Tempo    *float64
	Dynamics *float64
	Attrs    []Attr
}

// Harmony is a chord symbol.
type Harmony struct {
	Root      string
	RootAlter int
	Kind      string
	KindText  string
	Bass      string
	BassAlter int
	Staff     int
	Placement string
}

// FiguredBass is a figured bass indication. Duration is in divisions.
type FiguredBass struct {
	Figures  []Figure
	Duration int
}

// Figure is one figure of a figured-bass.
type Figure struct {
	Prefix string
	Number string
	Suffix string
}

// Barline is a <barline>.
type Barline struct {
	Location string `json:"location,omitempty"`
	Style    string `json:"style,omitempty"`

	// Repeat is "forward", "backward" or empty.
	Repeat string `json:"repeat,omitempty"`

	Ending *Ending `json:"-"`
}

// Ending is a volta bracket point. Type is "start", "stop" or
// "discontinue"; Number lists the passes ("1", "1, 2").
type Ending struct {
	Number string
	Type   string
	Text   string
}

func (*Attributes) item()  {}
func (*Note) item()        {}
func (*Direction) item()   {}
func (*Backup) item()      {}
func (*Forward) item()     {}
func (*Print) item()       {}
func (*Sound) item()       {}
func (*Harmony) item()     {}
func (*FiguredBass) item() {}
func (*Barline) item()     {}

func (*Words) directionType()     {}
func (*Dynamics) directionType()  {}
func (*Wedge) directionType()     {}
func (*Metronome) directionType() {}
func (*Bracket) directionType()   {}
func (*Element) directionType()   {}
