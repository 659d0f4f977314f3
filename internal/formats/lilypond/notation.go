package lilypond

import (
	"strconv"
	"strings"

	"github.com/FocuswithJustin/ScoreBridge/core/mei"
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

var dynamicNames = map[string]bool{
	"ppppp": true, "pppp": true, "ppp": true, "pp": true, "p": true, "mp": true,
	"mf": true, "f": true, "ff": true, "fff": true, "ffff": true, "fffff": true,
	"sfz": true, "sff": true, "sf": true, "spp": true, "sp": true, "fp": true,
	"rfz": true, "fz": true,
}

// articulationNames maps script commands to MEI articulation values.
var articulationNames = map[string]string{
	"staccato":      "stacc",
	"accent":        "acc",
	"tenuto":        "ten",
	"marcato":       "marc",
	"staccatissimo": "stacciss",
	"portato":       "ten-stacc",
	"stopped":       "stop",
	"upbow":         "upbow",
	"downbow":       "dnbow",
	"flageolet":     "harm",
	"open":          "open",
	"snappizzicato": "snap",
}

// abbreviations maps script shorthands ("-.") to MEI articulation values.
var abbreviations = map[string]string{
	".": "stacc",
	">": "acc",
	"-": "ten",
	"^": "marc",
	"!": "stacciss",
	"_": "ten-stacc",
	"+": "stop",
}

// ornamentNames maps ornament commands with a canonical element to MEI
// ornament names.
var ornamentNames = map[string]string{
	"mordent":     "mordent",
	"prall":       "invertedmordent",
	"turn":        "turn",
	"reverseturn": "invertedturn",
}

// postCommands holds the commands that attach without a direction
// prefix.
var postCommands = func() map[string]bool {
	m := make(map[string]bool, len(postCommandNames))
	for _, name := range postCommandNames {
		m[name] = true
	}
	return m
}()

var (
	articulationCommands = invert(articulationNames)
	abbreviationFor      = invert(abbreviations)
	ornamentCommands     = invert(ornamentNames)
)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// scriptPlace maps a direction prefix to a placement.
func scriptPlace(dir string) string {
	switch dir {
	case "^":
		return "above"
	case "_":
		return "below"
	}
	return ""
}

// placeDir maps a placement back to a direction prefix; neutral is "-".
func placeDir(place string) string {
	switch place {
	case "above":
		return "^"
	case "below":
		return "_"
	}
	return "-"
}

// ornamentDirection is the OrnamentInfo spelling of a direction prefix.
func ornamentDirection(dir string) string {
	switch dir {
	case "^":
		return "up"
	case "_":
		return "down"
	}
	return ""
}

func ornamentDir(direction string) string {
	switch direction {
	case "up":
		return "^"
	case "down":
		return "_"
	}
	return "-"
}

type clefSpec struct {
	shape string
	line  int
}

var clefNames = map[string]clefSpec{
	"treble":       {"G", 2},
	"violin":       {"G", 2},
	"G":            {"G", 2},
	"G2":           {"G", 2},
	"french":       {"G", 1},
	"bass":         {"F", 4},
	"F":            {"F", 4},
	"varbaritone":  {"F", 3},
	"subbass":      {"F", 5},
	"alto":         {"C", 3},
	"C":            {"C", 3},
	"tenor":        {"C", 4},
	"soprano":      {"C", 1},
	"mezzosoprano": {"C", 2},
	"baritone":     {"C", 5},
	"percussion":   {"perc", 0},
}

// clefCanonical lists the preferred name for each shape and line.
var clefCanonical = map[clefSpec]string{
	{"G", 2}:    "treble",
	{"G", 1}:    "french",
	{"F", 4}:    "bass",
	{"F", 3}:    "varbaritone",
	{"F", 5}:    "subbass",
	{"C", 3}:    "alto",
	{"C", 4}:    "tenor",
	{"C", 1}:    "soprano",
	{"C", 2}:    "mezzosoprano",
	{"C", 5}:    "baritone",
	{"perc", 0}: "percussion",
}

// parseClef converts a clef name such as "treble_8" into a canonical clef.
func parseClef(name string) (mei.Clef, bool) {
	base, dis, place := name, 0, ""
	if i := strings.IndexAny(name, "_^"); i > 0 {
		base = name[:i]
		switch name[i+1:] {
		case "8":
			dis = 8
		case "15":
			dis = 15
		default:
			return mei.Clef{}, false
		}
		place = "below"
		if name[i] == '^' {
			place = "above"
		}
	}
	spec, ok := clefNames[base]
	if !ok {
		return mei.Clef{}, false
	}
	return mei.Clef{Shape: spec.shape, Line: spec.line, Dis: dis, DisPlace: place}, true
}

// clefName is the inverse of parseClef.
func clefName(c mei.Clef) (string, bool) {
	name, ok := clefCanonical[clefSpec{c.Shape, c.Line}]
	if !ok {
		return "treble", false
	}
	if c.Dis > 0 {
		sep := "_"
		if c.DisPlace == "above" {
			sep = "^"
		}
		name += sep + strconv.Itoa(c.Dis)
	}
	return name, true
}

var modeOffsets = map[string]int{
	"major":      0,
	"ionian":     0,
	"minor":      -3,
	"aeolian":    -3,
	"dorian":     -2,
	"phrygian":   -4,
	"lydian":     1,
	"mixolydian": -1,
	"locrian":    -5,
}

var stepFifths = map[string]int{"f": -1, "c": 0, "g": 1, "d": 2, "a": 3, "e": 4, "b": 5}

// keyFifths returns the number of sharps (flats negative) of a key.
func keyFifths(tonic Pitch, mode string) (int, bool) {
	offset, ok := modeOffsets[mode]
	if !ok {
		return 0, false
	}
	return stepFifths[tonic.Step] + 7*tonic.Alter + offset, true
}

// keyTonic is the inverse of keyFifths.
func keyTonic(fifths int, mode string) Pitch {
	tf := fifths - modeOffsets[mode]
	idx := tf + 1
	alter := floorDiv(idx, 7)
	return Pitch{Step: string("fcgdaeb"[idx-7*alter]), Alter: alter}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// barStyles maps \bar strings to canonical barline values.
var barStyles = map[string]string{
	"|.":    "end",
	"||":    "dbl",
	".|:":   "rptstart",
	":|.":   "rptend",
	":|.|:": "rptboth",
	"!":     "dashed",
	";":     "dotted",
	"":      "invis",
}

var barStrings = invert(barStyles)

// durationFor expresses a length as a written duration, using a factor
// when the length is not a plain note value.
func durationFor(l timing.Fraction) Duration {
	if base, dots, ok := timing.NoteValue(l); ok {
		return Duration{Base: base, Dots: dots}
	}
	return Duration{Base: 1, FactorNum: int(l.Num), FactorDen: int(l.Den)}
}

// harmSummary renders a chord-mode event as a chord symbol ("Cm7/G").
func harmSummary(ev ChordModeEvent) string {
	s := pitchLabel(ev.Root)
	if ev.Modifiers != "" {
		s += ev.Modifiers
	}
	if ev.Bass != nil {
		s += "/" + pitchLabel(*ev.Bass)
	}
	return s
}

func pitchLabel(p Pitch) string {
	s := strings.ToUpper(p.Step)
	switch {
	case p.Alter > 0:
		s += strings.Repeat("#", p.Alter)
	case p.Alter < 0:
		s += strings.Repeat("b", -p.Alter)
	}
	return s
}
