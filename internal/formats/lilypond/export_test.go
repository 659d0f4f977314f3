package lilypond

import (
	"strings"
	"testing"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// exportString imports src and exports the result back to source text.
func exportString(t *testing.T, score *mei.Score, store *ext.Store) string {
	t.Helper()
	f, _, err := Export(score, store)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	return string(Serialize(f))
}

func fingerprint(t *testing.T, s *mei.Score) string {
	t.Helper()
	fp, err := mei.Fingerprint(s)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	return fp
}

// assertRoundTrip checks that importing the export of src yields the same
// tree, and that a second export writes the same text.
func assertRoundTrip(t *testing.T, src string) string {
	t.Helper()
	score1, store1, _ := importString(t, src)
	text1 := exportString(t, score1, store1)

	score2, store2, _ := importString(t, text1)
	if fingerprint(t, score1) != fingerprint(t, score2) {
		a, _ := mei.Canonical(score1)
		b, _ := mei.Canonical(score2)
		t.Fatalf("tree changed after export and import\n--- exported\n%s\n--- first\n%s\n--- second\n%s", text1, a, b)
	}
	text2 := exportString(t, score2, store2)
	if text1 != text2 {
		t.Errorf("export not stable:\n--- first\n%s\n--- second\n%s", text1, text2)
	}
	return text1
}

func TestRoundTrip(t *testing.T) {
	text := assertRoundTrip(t, `\version "2.24.0"
\header { title = "Round Trip" }
\markup { "Hi" }
\score {
  <<
    \new Staff = "Violin" {
      \clef "treble" \key g \major \time 3/4 \tempo "Allegro" 4 = 120
      c'4( d'8 e'8 f'4~ |
      f'4 g'4-.\p a'4) |
      R2.*2 |
      << { b'2. } \\ { g'4 a'4 b'4 } >> |
      c''4\< d''4 e''4\f \bar "|."
    }
    \new ChordNames \chordmode { g2. }
  >>
}
`)
	for _, want := range []string{
		`\version "2.24.0"`,
		`title = "Round Trip"`,
		`\markup { "Hi" }`,
		`\new Staff = "Violin"`,
		`\key g \major`,
		`\tempo "Allegro" 4 = 120`,
		`R2.*2`,
		`\\`,
		`\bar "|."`,
		`\chordmode`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("export is missing %q:\n%s", want, text)
		}
	}
	if i, j := strings.Index(text, `\markup`), strings.Index(text, `\score`); i < 0 || j < 0 || i > j {
		t.Errorf("markup should stay before the score block:\n%s", text)
	}
}

func TestRoundTripUnknownOrnament(t *testing.T) {
	text := assertRoundTrip(t, `{ c'4^\customOrnament d'4-\otherMark e'2 }`)
	if !strings.Contains(text, `c'4^\customOrnament`) {
		t.Errorf("ornament not restored:\n%s", text)
	}
	if !strings.Contains(text, `d'4-\otherMark`) {
		t.Errorf("neutral command lost its prefix:\n%s", text)
	}
}

func TestRoundTripGraces(t *testing.T) {
	text := assertRoundTrip(t, `{ \acciaccatura d''8 c''4 \grace { e''16 f''16 } g''4 \afterGrace c''2 { d''16 e''16 } }`)
	for _, want := range []string{`\acciaccatura`, `\grace`, `\afterGrace`} {
		if !strings.Contains(text, want) {
			t.Errorf("export is missing %q:\n%s", want, text)
		}
	}
}

func TestRoundTripChordTie(t *testing.T) {
	text := assertRoundTrip(t, `{ <c' e'>2~ <c' e'>2 | <c'~ g'>2 <c' a'>2 }`)
	if !strings.Contains(text, `<c' e'>2~`) {
		t.Errorf("chord tie not written on the chord:\n%s", text)
	}
	if !strings.Contains(text, `<c'~ g'>2`) {
		t.Errorf("single-note tie not written inside the chord:\n%s", text)
	}
}

func TestRoundTripSpansAcrossBarlines(t *testing.T) {
	text := assertRoundTrip(t, `{ c'2\< d'2( | e'2 f'2\! | g'1) }`)
	if !strings.Contains(text, `f'2\!`) {
		t.Errorf("hairpin end not restored:\n%s", text)
	}
	if !strings.Contains(text, `g'1)`) {
		t.Errorf("slur end not restored:\n%s", text)
	}
}

func TestRoundTripFunctionsAndFingerings(t *testing.T) {
	text := assertRoundTrip(t, `{ \override NoteHead.color = #red c'4-1 d'4^"dolce" \breathe e'2\cresc | f'1\! }`)
	for _, want := range []string{`\override NoteHead.color = #red`, `c'4-1`, `^"dolce"`, `\breathe`, `\cresc`} {
		if !strings.Contains(text, want) {
			t.Errorf("export is missing %q:\n%s", want, text)
		}
	}
}

func TestRoundTripFiguredBass(t *testing.T) {
	assertRoundTrip(t, `<<
  \new Staff { \clef bass c2 g,2 }
  \new FiguredBass \figures { <6 4>4 <5 3>4 s2 }
>>`)
}

func TestRoundTripScaledDurations(t *testing.T) {
	text := assertRoundTrip(t, `{ \time 2/4 c'8*2/3 d'8*2/3 e'8*2/3 r4 | f'2 }`)
	if strings.Count(text, "8*2/3") != 3 {
		t.Errorf("triplet factors not written:\n%s", text)
	}
}

func TestRoundTripLyrics(t *testing.T) {
	text := assertRoundTrip(t, `\new Staff { c'4 d'4 e'4~ e'4 | \acciaccatura g'8 f'4 r4 g'2 | a'2 b'2 }
\addlyrics { Hal -- le -- lu __ jah _ "Oh!" }
\addlyrics { one }`)
	for _, want := range []string{`\addlyrics`, `Hal -- le -- lu __ jah _ "Oh!"`} {
		if !strings.Contains(text, want) {
			t.Errorf("export lacks %q:\n%s", want, text)
		}
	}
	if strings.Count(text, `\addlyrics`) != 2 {
		t.Errorf("want one block per verse:\n%s", text)
	}
}

func TestRoundTripEndings(t *testing.T) {
	text := assertRoundTrip(t, `{ c'1 | \repeat volta 2 { d'1 } \alternative { { e'1 } { f'1 | g'1 } } a'1 }`)
	for _, want := range []string{
		`\bar ".|:"`,
		`\set Score.repeatCommands = #'((volta "1."))`,
		`\set Score.repeatCommands = #'((volta "2."))`,
		`\bar ":|."`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("export lacks %q:\n%s", want, text)
		}
	}
	if n := strings.Count(text, `#'((volta #f))`); n != 2 {
		t.Errorf("volta closed %d times, want 2:\n%s", n, text)
	}
}

func TestExportLabelOnlyPayloads(t *testing.T) {
	haydn, _ := ext.EncodeLabel(ext.ConcernOrnament, ext.OrnamentInfo{Name: "haydn", Direction: "up"})
	breathe, _ := ext.EncodeLabel(ext.ConcernFunction, ext.FunctionCall{Name: "breathe"})
	at := mei.ControlAttrs{Staff: 1, StartID: "n1", Tstamp: timing.Int(1)}
	score := &mei.Score{
		Common:    mei.Common{ID: "s"},
		StaffDefs: []*mei.StaffDef{{Common: mei.Common{ID: "sd1"}, N: 1, Clef: mei.Clef{Shape: "G", Line: 2}, Meter: mei.Meter{Count: 4, Unit: 4}}},
		Measures: []*mei.Measure{{
			Common: mei.Common{ID: "m1"},
			N:      "1",
			Children: []mei.MeasureChild{
				&mei.Staff{N: 1, Layers: []*mei.Layer{{N: 1, Children: []mei.LayerChild{
					&mei.Note{Common: mei.Common{ID: "n1"}, Pname: "c", Oct: 4, Dur: 1},
				}}}},
				&mei.Dir{Common: mei.Common{ID: "orn", Label: haydn}, ControlAttrs: at, Text: "haydn"},
				&mei.Dir{Common: mei.Common{ID: "fn", Label: breathe}, ControlAttrs: at, Text: "breathe"},
			},
		}},
	}

	text := exportString(t, score, nil)
	for _, want := range []string{`^\haydn`, `\breathe`} {
		if !strings.Contains(text, want) {
			t.Errorf("export lacks %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, `"haydn"`) || strings.Contains(text, `"breathe"`) {
		t.Errorf("label payload written as text:\n%s", text)
	}
}

func TestExportSpanEndingInsideMultiMeasureRest(t *testing.T) {
	staff := func(c mei.LayerChild) mei.MeasureChild {
		return &mei.Staff{N: 1, Layers: []*mei.Layer{{N: 1, Children: []mei.LayerChild{c}}}}
	}
	score := &mei.Score{
		Common:    mei.Common{ID: "s"},
		StaffDefs: []*mei.StaffDef{{Common: mei.Common{ID: "sd1"}, N: 1, Clef: mei.Clef{Shape: "G", Line: 2}, Meter: mei.Meter{Count: 4, Unit: 4}}},
		Measures: []*mei.Measure{
			{Common: mei.Common{ID: "m1"}, N: "1", Children: []mei.MeasureChild{
				staff(&mei.Note{Common: mei.Common{ID: "n1"}, Pname: "c", Oct: 4, Dur: 1}),
				&mei.Slur{Common: mei.Common{ID: "sl"}, ControlAttrs: mei.ControlAttrs{Staff: 1, StartID: "n1", EndID: "r3", Tstamp: timing.Int(1)}},
			}},
			{Common: mei.Common{ID: "m2"}, N: "2", Children: []mei.MeasureChild{staff(&mei.MRest{Common: mei.Common{ID: "r2"}})}},
			{Common: mei.Common{ID: "m3"}, N: "3", Children: []mei.MeasureChild{staff(&mei.MRest{Common: mei.Common{ID: "r3"}})}},
		},
	}
	store := ext.New()
	store.Entry("r2").MeasureStyle = &ext.MeasureStyleData{MultipleRest: 2}

	f, report, err := Export(score, store)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	text := string(Serialize(f))
	if !strings.Contains(text, "c'1(") || !strings.Contains(text, "R1*2)") {
		t.Errorf("slur not closed on the rest:\n%s", text)
	}
	if report.Count(errors.KindUnsupportedFeature) != 1 {
		t.Errorf("diagnostics = %v", report.Diagnostics)
	}

	score2, _, _ := importString(t, text)
	if slurs := controlsOf[*mei.Slur](score2); len(slurs) != 1 {
		t.Errorf("re-imported %d slurs, want 1", len(slurs))
	}
}

func TestExportNilScore(t *testing.T) {
	_, _, err := Export(nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *errors.ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("error is %T, want *errors.ConversionError", err)
	}
}

func TestExportWithoutStore(t *testing.T) {
	score, _, _ := importString(t, `{ c'4^\customOrnament d'4 e'2 }`)

	// Without the store the ornament falls back to its canonical text.
	f, report, err := Export(score, nil)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	text := string(Serialize(f))
	if !strings.Contains(text, `^"\\customOrnament"`) {
		t.Errorf("expected the text fallback:\n%s", text)
	}
	if report == nil || report.TargetFormat != FormatName {
		t.Errorf("report = %+v", report)
	}
}

func TestExportVersion(t *testing.T) {
	score, store, _ := importString(t, `{ c'1 }`)
	f, _, err := Export(score, store)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	v, ok := f.Entries[0].(*Version)
	if !ok || v.Value != DefaultVersion {
		t.Errorf("Entries[0] = %#v, want version %s", f.Entries[0], DefaultVersion)
	}
}
