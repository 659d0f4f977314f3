package musicxml

import (
	"strings"

	"github.com/FocuswithJustin/ScoreBridge/core/mei"
)

// typeValues maps note types to note values.
var typeValues = map[string]int{
	"whole": 1, "half": 2, "quarter": 4, "eighth": 8, "16th": 16, "32nd": 32,
	"64th": 64, "128th": 128, "256th": 256, "512th": 512, "1024th": 1024,
}

var typeNames = func() map[int]string {
	m := make(map[int]string, len(typeValues))
	for k, v := range typeValues {
		m[v] = k
	}
	return m
}()

// dynamicMarks are the dynamics with an element of their own.
var dynamicMarks = map[string]bool{
	"p": true, "pp": true, "ppp": true, "pppp": true, "ppppp": true, "pppppp": true,
	"f": true, "ff": true, "fff": true, "ffff": true, "fffff": true, "ffffff": true,
	"mp": true, "mf": true, "sf": true, "sfp": true, "sfpp": true, "fp": true,
	"rf": true, "rfz": true, "sfz": true, "sffz": true, "fz": true, "n": true,
	"pf": true, "sfzp": true,
}

// articulationElements maps <articulations> children to MEI values.
var articulationElements = map[string]string{
	"accent":          "acc",
	"strong-accent":   "marc",
	"staccato":        "stacc",
	"tenuto":          "ten",
	"detached-legato": "ten-stacc",
	"staccatissimo":   "stacciss",
	"spiccato":        "spicc",
	"stress":          "stress",
	"unstress":        "unstress",
}

// technicalElements maps <technical> children to MEI values.
var technicalElements = map[string]string{
	"up-bow":         "upbow",
	"down-bow":       "dnbow",
	"harmonic":       "harm",
	"open-string":    "open",
	"stopped":        "stop",
	"snap-pizzicato": "snap",
}

// ornamentElements maps <ornaments> children with a canonical element to
// MEI ornament names.
var ornamentElements = map[string]string{
	"mordent":          "mordent",
	"inverted-mordent": "invertedmordent",
	"turn":             "turn",
	"inverted-turn":    "invertedturn",
}

var (
	articulationFor = invert(articulationElements)
	technicalFor    = invert(technicalElements)
	ornamentFor     = invert(ornamentElements)
)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// upDown maps a placement to an OrnamentInfo direction.
func upDown(placement string) string {
	switch placement {
	case "above":
		return "up"
	case "below":
		return "down"
	}
	return ""
}

// placementOf maps an OrnamentInfo direction to a placement.
func placementOf(direction string) string {
	switch direction {
	case "up":
		return "above"
	case "down":
		return "below"
	}
	return ""
}

func fermataPlace(typ string) string {
	switch typ {
	case "upright":
		return "above"
	case "inverted":
		return "below"
	}
	return ""
}

func fermataType(place string) string {
	switch place {
	case "above":
		return "upright"
	case "below":
		return "inverted"
	}
	return ""
}

// clefFrom converts a MusicXML clef to a canonical clef.
func clefFrom(c Clef) (mei.Clef, bool) {
	out := mei.Clef{Shape: c.Sign, Line: c.Line}
	switch c.Sign {
	case "G", "F", "C":
		if out.Line == 0 {
			out.Line = map[string]int{"G": 2, "F": 4, "C": 3}[c.Sign]
		}
	case "percussion":
		out.Shape, out.Line = "perc", 0
	default:
		return mei.Clef{}, false
	}
	switch c.OctaveChange {
	case 0:
	case 1, -1:
		out.Dis = 8
	case 2, -2:
		out.Dis = 15
	default:
		return mei.Clef{}, false
	}
	if c.OctaveChange > 0 {
		out.DisPlace = "above"
	} else if c.OctaveChange < 0 {
		out.DisPlace = "below"
	}
	return out, true
}

// clefNear is the canonical clef closest to one clefFrom rejects: the
// widest octave displacement for a known sign, a treble clef otherwise.
func clefNear(c Clef) mei.Clef {
	if c.OctaveChange > 2 {
		c.OctaveChange = 2
	} else if c.OctaveChange < -2 {
		c.OctaveChange = -2
	}
	if out, ok := clefFrom(c); ok {
		return out
	}
	return mei.Clef{Shape: "G", Line: 2}
}

// clefTo converts a canonical clef for staff number n within its part.
func clefTo(c mei.Clef, n int) Clef {
	out := Clef{Number: n, Sign: c.Shape, Line: c.Line}
	if c.Shape == "perc" {
		out.Sign, out.Line = "percussion", 0
	}
	if out.Sign == "" {
		out.Sign, out.Line = "G", 2
	}
	oct := 0
	switch c.Dis {
	case 8:
		oct = 1
	case 15:
		oct = 2
	}
	if c.DisPlace == "below" {
		oct = -oct
	}
	out.OctaveChange = oct
	return out
}

// barFrom maps a barline to a canonical bar style.
func barFrom(b *Barline) (string, bool) {
	switch b.Repeat {
	case "forward":
		return "rptstart", true
	case "backward":
		return "rptend", true
	}
	switch b.Style {
	case "", "regular":
		return "", true
	case "light-heavy":
		return "end", true
	case "light-light":
		return "dbl", true
	}
	return "", false
}

// barTo is the reverse of barFrom.
func barTo(style, location string) *Barline {
	switch style {
	case "rptstart":
		return &Barline{Location: "left", Style: "heavy-light", Repeat: "forward"}
	case "rptend":
		return &Barline{Location: "right", Style: "light-heavy", Repeat: "backward"}
	case "end":
		return &Barline{Location: location, Style: "light-heavy"}
	case "dbl":
		return &Barline{Location: location, Style: "light-light"}
	}
	return nil
}

// kindSuffixes maps harmony kinds to chord symbol suffixes.
var kindSuffixes = map[string]string{
	"major":              "",
	"minor":              "m",
	"augmented":          "aug",
	"diminished":         "dim",
	"dominant":           "7",
	"major-seventh":      "maj7",
	"minor-seventh":      "m7",
	"diminished-seventh": "dim7",
	"augmented-seventh":  "aug7",
	"half-diminished":    "m7b5",
	"major-minor":        "mMaj7",
	"major-sixth":        "6",
	"minor-sixth":        "m6",
	"dominant-ninth":     "9",
	"major-ninth":        "maj9",
	"minor-ninth":        "m9",
	"suspended-second":   "sus2",
	"suspended-fourth":   "sus4",
	"power":              "5",
}

var suffixKinds = invert(kindSuffixes)

func stepLabel(step string, alter int) string {
	s := strings.ToUpper(step)
	switch {
	case alter > 0:
		s += strings.Repeat("#", alter)
	case alter < 0:
		s += strings.Repeat("b", -alter)
	}
	return s
}

// harmonyText renders a chord symbol summary ("Cm7/G").
func harmonyText(h *Harmony) string {
	s := stepLabel(h.Root, h.RootAlter)
	if suffix, ok := kindSuffixes[h.Kind]; ok {
		s += suffix
	} else {
		s += h.KindText
	}
	if h.Bass != "" {
		s += "/" + stepLabel(h.Bass, h.BassAlter)
	}
	return s
}

// parseStep reads a step letter and accidentals from the start of s.
func parseStep(s string) (step string, alter int, rest string, ok bool) {
	if s == "" || !validStep(strings.ToUpper(s[:1])) {
		return "", 0, s, false
	}
	step, rest = strings.ToUpper(s[:1]), s[1:]
	for len(rest) > 0 {
		switch rest[0] {
		case '#':
			alter++
		case 'b':
			alter--
		default:
			return step, alter, rest, true
		}
		rest = rest[1:]
	}
	return step, alter, rest, true
}

// parseHarmony reads a chord symbol summary back into a harmony.
func parseHarmony(text string) (*Harmony, bool) {
	body, bass, hasBass := strings.Cut(text, "/")
	step, alter, suffix, ok := parseStep(body)
	if !ok {
		return nil, false
	}
	h := &Harmony{Root: step, RootAlter: alter}
	if kind, ok := suffixKinds[suffix]; ok {
		h.Kind = kind
	} else {
		h.Kind, h.KindText = "other", suffix
	}
	if hasBass {
		b, ba, rest, ok := parseStep(bass)
		if !ok || rest != "" {
			return nil, false
		}
		h.Bass, h.BassAlter = b, ba
	}
	return h, true
}

// figureSymbols maps figure prefixes and suffixes to summary symbols.
var figureSymbols = map[string]string{
	"sharp":        "#",
	"flat":         "b",
	"natural":      "n",
	"double-sharp": "x",
	"flat-flat":    "bb",
	"sharp-sharp":  "##",
	"slash":        "/",
	"backslash":    `\`,
	"plus":         "+",
}

func figureText(f Figure) string {
	return figureSymbols[f.Prefix] + f.Number + figureSymbols[f.Suffix]
}

// creatorFields maps creator types to header field names.
var creatorFields = map[string]string{
	"composer": "composer",
	"lyricist": "poet",
	"arranger": "arranger",
}

var fieldCreators = invert(creatorFields)

// creatorPrefix marks header fields holding creators of other types.
const creatorPrefix = "creator:"
