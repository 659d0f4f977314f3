// Package lilypond imports and exports a subset of the LilyPond input
// language to and from the canonical tree.
//
// The supported subset covers sequential and simultaneous music, staff
// contexts, relative and fixed pitch entry, clefs, key and time signatures,
// bar lines, notes, rests, chords, grace notes, ties, slurs, phrasing
// slurs, hairpins, dynamics, articulations and ornaments, trill spans,
// chord mode, figured bass, lyrics, volta alternatives, tempo marks,
// header fields and top-level markups. Music functions and property operations are kept opaque.
package lilypond

import (
	"fmt"
	"strings"

	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// File is a parsed LilyPond document: its top-level entries in order.
type File struct {
	Entries []Entry
}

// Entry is a top-level item.
type Entry interface{ entry() }

// Version is a \version statement.
type Version struct{ Value string }

// Header is a \header block.
type Header struct{ Fields []HeaderField }

// HeaderField is one header assignment.
type HeaderField struct {
	Name  string
	Value string
}

// ScoreBlock is a \score block.
type ScoreBlock struct {
	Header *Header
	Music  []Music

	// Outputs holds \layout, \midi and \paper blocks, kept verbatim.
	Outputs []*OutputDef
}

// OutputDef is an output definition block (\layout { ... }).
type OutputDef struct {
	Name string
	Body string
}

// Markup is a top-level \markup or \markuplist.
type Markup struct {
	// Kind is "markup" or "markuplist".
	Kind string

	// Body is the markup as written after the command, normalized to
	// single spaces between tokens.
	Body string
}

// Assignment binds a variable to music ("melody = { ... }").
type Assignment struct {
	Name  string
	Music Music
}

// MusicEntry is music written at top level (an implicit score).
type MusicEntry struct{ Music Music }

func (*Version) entry()    {}
func (*Header) entry()     {}
func (*ScoreBlock) entry() {}
func (*OutputDef) entry()  {}
func (*Markup) entry()     {}
func (*Assignment) entry() {}
func (*MusicEntry) entry() {}

// Music is a music expression.
type Music interface{ music() }

// Sequential is "{ ... }".
type Sequential struct{ Items []Music }

// Simultaneous is "<< ... >>". Voices marks branches written with the
// "\\" voice separator.
type Simultaneous struct {
	Items  []Music
	Voices bool
}

// ContextMusic is "\new Type = "name" music".
type ContextMusic struct {
	Type  string
	Name  string
	With  string
	Music Music
}

// Relative is "\relative pitch music"; Pitch is nil when omitted.
type Relative struct {
	Pitch *Pitch
	Music Music
}

// Fixed is "\fixed pitch music".
type Fixed struct {
	Pitch Pitch
	Music Music
}

// Clef is "\clef name".
type Clef struct{ Name string }

// KeySignature is "\key pitch \mode".
type KeySignature struct {
	Pitch Pitch
	Mode  string
}

// TimeSignature is "\time n/d".
type TimeSignature struct{ Count, Unit int }

// BarLine is "\bar "style"".
type BarLine struct{ Style string }

// BarCheck is "|".
type BarCheck struct{}

// Tempo is "\tempo "text" unit = bpm".
type Tempo struct {
	Text string

	// Unit is the beat unit note value with UnitDots dots; zero when no
	// metronome mark is given.
	Unit     int
	UnitDots int
	BPM      int
}

// Partial is "\partial duration".
type Partial struct{ Duration Duration }

// Grace is a grace-note wrapper (\grace, \acciaccatura, \appoggiatura,
// \slashedGrace).
type Grace struct {
	Kind  string
	Music Music
}

// AfterGrace is "\afterGrace fraction main grace".
type AfterGrace struct {
	Fraction *timing.Fraction
	Main     Music
	Grace    Music
}

// ChordMode is "\chordmode { ... }".
type ChordMode struct{ Events []ChordModeEvent }

// ChordModeEvent is one chord-mode event ("c1:m7/g", "s2").
type ChordModeEvent struct {
	// Skip marks a spacer ("s"); Root is unset then.
	Skip bool

	Root      Pitch
	Duration  *Duration
	Modifiers string
	Bass      *Pitch
}

// Figures is "\figures { ... }".
type Figures struct{ Events []FigureEvent }

// FigureEvent is a figure group or a spacer.
type FigureEvent struct {
	Skip     bool
	Figures  []string
	Duration *Duration
}

// Repeat is "\repeat kind count music", optionally followed by
// "\alternative { ... }".
type Repeat struct {
	Kind         string
	Count        int
	Music        Music
	Alternatives []Music
}

// Lyrics is a block of lyric syllables. Kind is "addlyrics", "lyricsto"
// (with the Voice it follows) or "lyricmode".
type Lyrics struct {
	Kind      string
	Voice     string
	Syllables []Syllable
}

// Syllable is one lyric syllable. Skip is the "_" placeholder that takes
// a note without text.
type Syllable struct {
	Text     string
	Skip     bool
	Duration *Duration

	// Hyphen and Extender record a following "--" or "__".
	Hyphen   bool
	Extender bool
}

// Property is a property operation (\override, \set, \revert, \unset).
type Property struct {
	Op    string
	Path  string
	Value string
}

// Call is a command or music function call kept opaque.
type Call struct {
	Name string
	Args []string
}

// EventKind tells note, rest and spacer events apart.
type EventKind int

// Event kinds.
const (
	NoteEvent EventKind = iota
	RestEvent
	MultiMeasureRest
	SkipEvent
)

// Event is a note, rest, multi-measure rest or spacer.
type Event struct {
	Kind  EventKind
	Pitch Pitch

	// Force is "!" (forced accidental) or "?" (cautionary).
	Force string

	// Duration is nil when the previous duration carries over.
	Duration *Duration
	Post     []PostEvent
}

// Chord is "<c e g>4".
type Chord struct {
	Notes    []ChordNote
	Duration *Duration
	Post     []PostEvent
}

// ChordNote is one pitch inside a chord.
type ChordNote struct {
	Pitch Pitch
	Force string
	Post  []PostEvent
}

func (*Sequential) music()    {}
func (*Simultaneous) music()  {}
func (*ContextMusic) music()  {}
func (*Relative) music()      {}
func (*Fixed) music()         {}
func (*Clef) music()          {}
func (*KeySignature) music()  {}
func (*TimeSignature) music() {}
func (*BarLine) music()       {}
func (*BarCheck) music()      {}
func (*Tempo) music()         {}
func (*Partial) music()       {}
func (*Grace) music()         {}
func (*AfterGrace) music()    {}
func (*ChordMode) music()     {}
func (*Figures) music()       {}
func (*Repeat) music()        {}
func (*Lyrics) music()        {}
func (*Property) music()      {}
func (*Call) music()          {}
func (*Event) music()         {}
func (*Chord) music()         {}

// PostKind classifies a post-event.
type PostKind int

// Post-event kinds.
const (
	// PostTie is "~".
	PostTie PostKind = iota
	// PostSymbol is one of "(", ")", "[", "]".
	PostSymbol
	// PostCommand is a command such as \p, \<, \fermata or \(.
	PostCommand
	// PostText is a quoted string script (^"dolce").
	PostText
	// PostFinger is a fingering digit (-1).
	PostFinger
	// PostAbbrev is an articulation shorthand (-. -> -- -_ -^ -+ -!).
	PostAbbrev
)

// PostEvent is an event attached to a note or chord.
type PostEvent struct {
	// Dir is the direction prefix: "-", "^", "_" or empty.
	Dir  string
	Kind PostKind

	// Value is the command name without backslash, the symbol, the
	// unquoted text, the digit or the shorthand character.
	Value string
}

// Pitch is a note name with octave marks.
type Pitch struct {
	// Step is the note letter "c" to "b".
	Step string

	// Alter is the alteration in semitones (-2 to 2).
	Alter int

	// Octave counts octave marks: 0 is the octave below middle C, c' is
	// middle C.
	Octave int
}

// MEIOctave returns the scientific octave number (middle C is 4).
func (p Pitch) MEIOctave() int { return p.Octave + 3 }

// Name returns the Dutch note name ("cis", "bes", "es", "ases").
func (p Pitch) Name() string {
	switch p.Alter {
	case 1:
		return p.Step + "is"
	case 2:
		return p.Step + "isis"
	case -1:
		if p.Step == "e" || p.Step == "a" {
			return p.Step + "s"
		}
		return p.Step + "es"
	case -2:
		if p.Step == "e" || p.Step == "a" {
			return p.Step + "ses"
		}
		return p.Step + "eses"
	}
	return p.Step
}

// Marks returns the octave marks.
func (p Pitch) Marks() string {
	if p.Octave > 0 {
		return strings.Repeat("'", p.Octave)
	}
	return strings.Repeat(",", -p.Octave)
}

func (p Pitch) String() string { return p.Name() + p.Marks() }

var stepIndex = map[string]int{"c": 0, "d": 1, "e": 2, "f": 3, "g": 4, "a": 5, "b": 6}

// ParsePitchName splits a Dutch note name into step and alteration.
func ParsePitchName(name string) (step string, alter int, ok bool) {
	if name == "" {
		return "", 0, false
	}
	step = name[:1]
	if _, known := stepIndex[step]; !known {
		return "", 0, false
	}
	rest := name[1:]
	switch rest {
	case "":
		return step, 0, true
	case "is":
		return step, 1, true
	case "isis":
		return step, 2, true
	case "es":
		return step, -1, true
	case "eses":
		return step, -2, true
	case "s":
		if step == "e" || step == "a" {
			return step, -1, true
		}
	case "ses":
		if step == "e" || step == "a" {
			return step, -2, true
		}
	}
	return "", 0, false
}

// Relative resolves p, written in relative mode, against the reference
// pitch ref: the step closest to ref (within a fourth) is chosen and the
// octave marks then shift from there.
func (p Pitch) Relative(ref Pitch) Pitch {
	refIdx := stepIndex[ref.Step]
	diff := stepIndex[p.Step] - refIdx
	if diff > 3 {
		diff -= 7
	} else if diff < -3 {
		diff += 7
	}
	base := ref.Octave
	switch target := refIdx + diff; {
	case target < 0:
		base--
	case target >= 7:
		base++
	}
	p.Octave += base
	return p
}

// Duration is a written duration ("4", "8.", "1*3/4").
type Duration struct {
	Base int
	Dots int

	// FactorNum/FactorDen scale the length; zero FactorNum means 1.
	FactorNum int
	FactorDen int
}

// Length returns the duration in whole notes.
func (d Duration) Length() timing.Fraction {
	l := timing.Duration(d.Base, d.Dots)
	if d.FactorNum > 0 {
		den := d.FactorDen
		if den == 0 {
			den = 1
		}
		l = l.Mul(timing.New(int64(d.FactorNum), int64(den)))
	}
	return l
}

func (d Duration) String() string {
	s := fmt.Sprintf("%d%s", d.Base, strings.Repeat(".", d.Dots))
	if d.FactorNum > 0 {
		s += fmt.Sprintf("*%d", d.FactorNum)
		if d.FactorDen > 1 {
			s += fmt.Sprintf("/%d", d.FactorDen)
		}
	}
	return s
}
