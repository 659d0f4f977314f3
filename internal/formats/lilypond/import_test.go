package lilypond

import (
	"strings"
	"testing"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

func importString(t *testing.T, src string) (*mei.Score, *ext.Store, *convert.Report) {
	t.Helper()
	score, store, report, err := Import(mustParse(t, src))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if errs := mei.Validate(score); len(errs) > 0 {
		t.Fatalf("Validate: %v", errs)
	}
	return score, store, report
}

// layerNotes returns the notes written directly in one layer of a measure.
func layerNotes(t *testing.T, m *mei.Measure, staff, layer int) []*mei.Note {
	t.Helper()
	st := m.Staff(staff)
	if st == nil {
		t.Fatalf("measure %s has no staff %d", m.N, staff)
	}
	l := st.Layer(layer)
	if l == nil {
		t.Fatalf("measure %s staff %d has no layer %d", m.N, staff, layer)
	}
	var notes []*mei.Note
	for _, c := range l.Children {
		if n, ok := c.(*mei.Note); ok {
			notes = append(notes, n)
		}
	}
	return notes
}

func controlsOf[T mei.Control](s *mei.Score) []T {
	var out []T
	for _, loc := range mei.Controls(s) {
		if c, ok := loc.Control.(T); ok {
			out = append(out, c)
		}
	}
	return out
}

func TestImportTieAcrossBarline(t *testing.T) {
	score, _, report := importString(t, `{ \time 4/4 c'2 d'2~ | d'4 e'2. | }`)

	if len(score.Measures) != 2 {
		t.Fatalf("len(Measures) = %d, want 2", len(score.Measures))
	}
	first := layerNotes(t, score.Measures[0], 1, 1)
	second := layerNotes(t, score.Measures[1], 1, 1)

	ties := controlsOf[*mei.Tie](score)
	if len(ties) != 1 {
		t.Fatalf("got %d ties, want 1", len(ties))
	}
	if ties[0].StartID != first[1].ID {
		t.Errorf("tie StartID = %q, want %q", ties[0].StartID, first[1].ID)
	}
	if ties[0].EndID != second[0].ID {
		t.Errorf("tie EndID = %q, want %q", ties[0].EndID, second[0].ID)
	}
	if len(report.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %v", report.Diagnostics)
	}
}

func TestImportUnterminatedTie(t *testing.T) {
	score, _, report := importString(t, `{ c'4~ d'4 e'2 }`)
	if n := len(controlsOf[*mei.Tie](score)); n != 0 {
		t.Errorf("got %d ties, want 0", n)
	}
	if n := report.Count(errors.KindUnresolvedReference); n != 1 {
		t.Errorf("unresolved references = %d, want 1", n)
	}
}

func TestImportStraySlurStop(t *testing.T) {
	score, _, report := importString(t, `{ c'4 d'4) e'4( f'4) }`)

	if n := report.Count(errors.KindUnresolvedReference); n != 1 {
		t.Errorf("unresolved references = %d, want 1 (%v)", n, report.Diagnostics)
	}
	notes := layerNotes(t, score.Measures[0], 1, 1)
	if len(notes) != 4 {
		t.Fatalf("len(notes) = %d, want 4", len(notes))
	}
	slurs := controlsOf[*mei.Slur](score)
	if len(slurs) != 1 {
		t.Fatalf("got %d slurs, want 1", len(slurs))
	}
	if slurs[0].StartID != notes[2].ID || slurs[0].EndID != notes[3].ID {
		t.Errorf("slur = %s..%s, want %s..%s", slurs[0].StartID, slurs[0].EndID, notes[2].ID, notes[3].ID)
	}
}

func TestImportUnknownOrnament(t *testing.T) {
	score, store, _ := importString(t, `{ c'4^\customOrnament d'4 e'2 }`)

	dirs := controlsOf[*mei.Dir](score)
	if len(dirs) != 1 {
		t.Fatalf("got %d dirs, want 1", len(dirs))
	}
	if dirs[0].Text != `\customOrnament` {
		t.Errorf("Text = %q", dirs[0].Text)
	}
	orn := store.Ornament(dirs[0].ID)
	if orn == nil {
		t.Fatal("no ornament payload")
	}
	if orn.Name != "customOrnament" || orn.Direction != "up" {
		t.Errorf("OrnamentInfo = %+v", orn)
	}
}

func TestImportRelative(t *testing.T) {
	score, _, _ := importString(t, `\relative c' { c4 e g c }`)
	notes := layerNotes(t, score.Measures[0], 1, 1)
	want := []struct {
		pname string
		oct   int
	}{{"c", 4}, {"e", 4}, {"g", 4}, {"c", 5}}
	if len(notes) != len(want) {
		t.Fatalf("len(notes) = %d, want %d", len(notes), len(want))
	}
	for i, w := range want {
		if notes[i].Pname != w.pname || notes[i].Oct != w.oct {
			t.Errorf("note %d = %s%d, want %s%d", i, notes[i].Pname, notes[i].Oct, w.pname, w.oct)
		}
	}
}

func TestImportDurationCarriesOver(t *testing.T) {
	score, _, _ := importString(t, `{ c'8 d' e'4 f' g'4 }`)
	notes := layerNotes(t, score.Measures[0], 1, 1)
	wantDur := []int{8, 8, 4, 4, 4}
	for i, d := range wantDur {
		if notes[i].Dur != d {
			t.Errorf("note %d Dur = %d, want %d", i, notes[i].Dur, d)
		}
	}
}

func TestImportMultiMeasureRest(t *testing.T) {
	score, store, _ := importString(t, `{ \time 3/4 R2.*3 c'2. }`)
	if len(score.Measures) != 4 {
		t.Fatalf("len(Measures) = %d, want 4", len(score.Measures))
	}
	var rests []*mei.MRest
	for _, m := range score.Measures[:3] {
		for _, c := range m.Staff(1).Layer(1).Children {
			if r, ok := c.(*mei.MRest); ok {
				rests = append(rests, r)
			}
		}
	}
	if len(rests) != 3 {
		t.Fatalf("got %d measure rests, want 3", len(rests))
	}
	ms := store.MeasureStyle(rests[0].ID)
	if ms == nil || ms.MultipleRest != 3 {
		t.Errorf("MeasureStyle = %+v, want MultipleRest 3", ms)
	}
	if store.MeasureStyle(rests[1].ID) != nil {
		t.Error("only the first measure rest should carry the count")
	}
	if score.StaffDefs[0].Meter != (mei.Meter{Count: 3, Unit: 4}) {
		t.Errorf("Meter = %+v, want 3/4", score.StaffDefs[0].Meter)
	}
}

func TestImportGraceKinds(t *testing.T) {
	score, store, _ := importString(t, `{ \acciaccatura d''8 c''4 \appoggiatura d''8 c''4 \grace { e''16 f''16 } g''2 }`)
	if len(score.Measures) != 1 {
		t.Fatalf("len(Measures) = %d, want 1", len(score.Measures))
	}
	notes := layerNotes(t, score.Measures[0], 1, 1)
	if len(notes) != 7 {
		t.Fatalf("len(notes) = %d, want 7", len(notes))
	}

	tests := []struct {
		idx   int
		attr  string
		kind  ext.GraceKind
		group int
	}{
		{0, "acc", ext.GraceAcciaccatura, 1},
		{2, "unacc", ext.GraceAppoggiatura, 2},
		{4, "unacc", ext.GraceNormal, 3},
		{5, "unacc", ext.GraceNormal, 3},
	}
	for _, tt := range tests {
		n := notes[tt.idx]
		if n.Grace != tt.attr {
			t.Errorf("note %d Grace = %q, want %q", tt.idx, n.Grace, tt.attr)
		}
		info := store.Grace(n.ID)
		if info == nil {
			t.Errorf("note %d has no grace payload", tt.idx)
			continue
		}
		if info.Kind != tt.kind || info.Group != tt.group {
			t.Errorf("note %d grace = %+v, want %s group %d", tt.idx, info, tt.kind, tt.group)
		}
	}
	if notes[1].Grace != "" || store.Grace(notes[1].ID) != nil {
		t.Error("main note should not be a grace note")
	}
}

func TestImportHairpinEndedByDynamic(t *testing.T) {
	score, _, _ := importString(t, `{ c'4\< d'4 e'4 f'4\f }`)
	notes := layerNotes(t, score.Measures[0], 1, 1)

	hairpins := controlsOf[*mei.Hairpin](score)
	if len(hairpins) != 1 {
		t.Fatalf("got %d hairpins, want 1", len(hairpins))
	}
	hp := hairpins[0]
	if hp.Form != "cres" {
		t.Errorf("Form = %q, want cres", hp.Form)
	}
	if hp.StartID != notes[0].ID || hp.EndID != notes[3].ID {
		t.Errorf("hairpin = %s..%s", hp.StartID, hp.EndID)
	}
	if !hp.Tstamp.Equal(timing.Int(1)) {
		t.Errorf("Tstamp = %s, want 1", hp.Tstamp)
	}
	if hp.Tstamp2 == nil || hp.Tstamp2.Measures != 0 || !hp.Tstamp2.Beat.Equal(timing.Int(4)) {
		t.Errorf("Tstamp2 = %+v, want 0m+4", hp.Tstamp2)
	}

	dynams := controlsOf[*mei.Dynam](score)
	if len(dynams) != 1 || dynams[0].Text != "f" {
		t.Fatalf("dynams = %+v", dynams)
	}
	if dynams[0].StartID != notes[3].ID {
		t.Errorf("dynam StartID = %q, want %q", dynams[0].StartID, notes[3].ID)
	}
}

func TestImportVoices(t *testing.T) {
	score, _, _ := importString(t, `{ << { c''2 d''2 } \\ { e'1 } >> }`)
	st := score.Measures[0].Staff(1)
	if len(st.Layers) != 2 {
		t.Fatalf("len(Layers) = %d, want 2", len(st.Layers))
	}
	if st.Layers[0].N != 1 || st.Layers[1].N != 2 {
		t.Errorf("layer numbers = %d, %d", st.Layers[0].N, st.Layers[1].N)
	}
	if got := layerNotes(t, score.Measures[0], 1, 2); len(got) != 1 || got[0].Pname != "e" {
		t.Errorf("second layer = %+v", got)
	}
}

func TestImportStaves(t *testing.T) {
	score, store, _ := importString(t, `\new PianoStaff <<
  \new Staff = "RH" { \clef treble c''1 }
  \new RhythmicStaff { \clef bass c1 }
>>`)
	if len(score.StaffDefs) != 2 {
		t.Fatalf("len(StaffDefs) = %d, want 2", len(score.StaffDefs))
	}
	if score.StaffDefs[0].PartName != "RH" {
		t.Errorf("PartName = %q, want RH", score.StaffDefs[0].PartName)
	}
	if c := score.StaffDefs[1].Clef; c.Shape != "F" || c.Line != 4 {
		t.Errorf("second clef = %+v, want F4", c)
	}
	var meta staffMeta
	e, ok := store.Get(score.StaffDefs[1].ID)
	if !ok || !e.DecodeGeneric(&meta) || meta.Type != "RhythmicStaff" {
		t.Errorf("staff meta = %+v", meta)
	}
	if _, ok := store.Get(score.StaffDefs[0].ID); ok {
		t.Error("a plain Staff should not carry a payload")
	}
}

func TestImportChordModeAndFigures(t *testing.T) {
	score, store, _ := importString(t, `<<
  \new Staff { c'1 }
  \new ChordNames \chordmode { c2:m7 g2/b }
  \new FiguredBass \figures { <6 4>2 <5 3>2 }
>>`)

	harms := controlsOf[*mei.Harm](score)
	if len(harms) != 2 {
		t.Fatalf("got %d harms, want 2", len(harms))
	}
	if harms[0].Text != "Cm7" || harms[1].Text != "G/B" {
		t.Errorf("harm texts = %q, %q", harms[0].Text, harms[1].Text)
	}
	if !harms[1].Tstamp.Equal(timing.Int(3)) {
		t.Errorf("second harm Tstamp = %s, want 3", harms[1].Tstamp)
	}
	if info := store.ChordMode(harms[0].ID); info == nil || info.Serialized != "c2:m7" {
		t.Errorf("ChordModeInfo = %+v", info)
	}

	fbs := controlsOf[*mei.Fb](score)
	if len(fbs) != 2 {
		t.Fatalf("got %d figures, want 2", len(fbs))
	}
	if got := fbs[0].Figures; len(got) != 2 || got[0] != "6" || got[1] != "4" {
		t.Errorf("figures = %q", got)
	}
	if data := store.FiguredBass(fbs[1].ID); data == nil || data.Source != "<5 3>2" {
		t.Errorf("FiguredBassData = %+v", data)
	}
}

func TestImportHeaderAndMarkup(t *testing.T) {
	score, store, _ := importString(t, `\version "2.22.1"
\header { title = "T" }
\markup { "Hi" }
{ c'1 }`)
	if got := score.Head.Get("title"); got != "T" {
		t.Errorf("title = %q, want T", got)
	}
	markups := store.Markups(score.ID)
	if len(markups) != 1 {
		t.Fatalf("got %d markups, want 1", len(markups))
	}
	if markups[0].Position != 2 || markups[0].Serialized != `{ "Hi" }` {
		t.Errorf("markup = %+v", markups[0])
	}
	var meta scoreMeta
	if e, ok := store.Get(score.ID); !ok || !e.DecodeGeneric(&meta) || meta.Version != "2.22.1" {
		t.Errorf("score meta = %+v", meta)
	}
}

func TestImportFunctionCall(t *testing.T) {
	score, store, _ := importString(t, `{ \override NoteHead.color = #red c'1 }`)
	dirs := controlsOf[*mei.Dir](score)
	if len(dirs) != 1 {
		t.Fatalf("got %d dirs, want 1", len(dirs))
	}
	fc := store.Function(dirs[0].ID)
	if fc == nil {
		t.Fatal("no function payload")
	}
	if fc.Name != "override" || len(fc.Args) != 2 || fc.Args[0] != "NoteHead.color" || fc.Args[1] != "#red" {
		t.Errorf("FunctionCall = %+v", fc)
	}
}

func TestImportBarCheckFailure(t *testing.T) {
	_, _, report := importString(t, `{ c'4 d'4 | e'2 }`)
	found := false
	for _, d := range report.Diagnostics {
		if d.Kind == errors.KindInvalidStructure && strings.Contains(d.Message, "bar check") {
			found = true
		}
	}
	if !found {
		t.Errorf("no bar check diagnostic in %v", report.Diagnostics)
	}
}

func TestImportPickup(t *testing.T) {
	score, _, _ := importString(t, `{ \time 3/4 \partial 4 g'4 | c''2. | }`)
	if len(score.Measures) != 2 {
		t.Fatalf("len(Measures) = %d, want 2", len(score.Measures))
	}
	if score.Measures[0].N != "0" || score.Measures[1].N != "1" {
		t.Errorf("measure numbers = %q, %q", score.Measures[0].N, score.Measures[1].N)
	}
}

func TestImportNoMusic(t *testing.T) {
	_, _, _, err := Import(mustParse(t, `\version "2.24.0" \header { title = "x" }`))
	if err == nil {
		t.Fatal("expected error")
	}
	var ie *errors.ImportError
	if !errors.As(err, &ie) {
		t.Fatalf("error is %T, want *errors.ImportError", err)
	}
	if !errors.Is(err, errors.ErrImport) {
		t.Error("error should wrap ErrImport")
	}
}

func TestImportStoreKeysResolve(t *testing.T) {
	score, store, _ := importString(t, `\version "2.24.0"
\markup { "top" }
<<
  \new Staff \with { instrumentName = "A" } {
    \acciaccatura d''8 c''4^\foo d''4-1 e''4\cresc f''4\! |
    R1*2 | \override NoteHead.color = #red g'1 |
  }
  \new ChordNames \chordmode { c1:7 }
>>`)
	index := mei.Index(score)
	for _, id := range store.IDs() {
		if _, ok := index[id]; !ok {
			t.Errorf("store key %q has no node in the tree", id)
		}
	}
	if store.Len() == 0 {
		t.Error("store is empty")
	}
}

func TestImportScaledDurations(t *testing.T) {
	score, _, report := importString(t, `{ \time 2/4 c'8*2/3 d'8*2/3 e'8*2/3 r4 | c'4*3/2 d'8 }`)
	notes := layerNotes(t, score.Measures[0], 1, 1)
	if len(notes) != 3 {
		t.Fatalf("notes = %d, want 3", len(notes))
	}
	for _, n := range notes {
		if n.Dur != 8 || n.Ratio != (mei.Ratio{Num: 3, NumBase: 2}) {
			t.Errorf("%s: dur %d ratio %+v, want 8 in 3:2", n.ID, n.Dur, n.Ratio)
		}
		if d := n.Duration(); !d.Equal(timing.New(1, 12)) {
			t.Errorf("%s: duration %s, want 1/12", n.ID, d)
		}
	}
	if dotted := layerNotes(t, score.Measures[1], 1, 1)[0]; dotted.Dur != 4 || dotted.Dots != 1 || dotted.Ratio.Scaled() {
		t.Errorf("c'4*3/2 = %+v, want a plain dotted quarter", dotted)
	}
	if lost := report.LostElements; len(lost) != 0 {
		t.Errorf("lost = %v", lost)
	}
}

func TestImportLyrics(t *testing.T) {
	score, _, report := importString(t, `\new Staff { c'4 d'4 e'4~ e'4 | \acciaccatura g'8 f'4 r4 g'2 | a'2 b'2 }
\addlyrics { Hal -- le -- lu __ jah _ O }`)
	if len(report.LostElements) != 0 {
		t.Errorf("lost = %v", report.LostElements)
	}

	m1 := layerNotes(t, score.Measures[0], 1, 1)
	m2 := layerNotes(t, score.Measures[1], 1, 1)
	m3 := layerNotes(t, score.Measures[2], 1, 1)
	tests := []struct {
		name string
		note *mei.Note
		want []mei.Syl
	}{
		{"word start", m1[0], []mei.Syl{{N: 1, Text: "Hal", Con: "d", Wordpos: "i"}}},
		{"word middle", m1[1], []mei.Syl{{N: 1, Text: "le", Con: "d", Wordpos: "m"}}},
		{"word end with extender", m1[2], []mei.Syl{{N: 1, Text: "lu", Con: "u", Wordpos: "t"}}},
		{"tie continuation", m1[3], nil},
		{"after grace and rest", m2[1], []mei.Syl{{N: 1, Text: "jah", Wordpos: "s"}}},
		{"skipped", m2[2], nil},
		{"single", m3[0], []mei.Syl{{N: 1, Text: "O", Wordpos: "s"}}},
		{"past the text", m3[1], nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.note.Syls) != len(tt.want) {
				t.Fatalf("syls = %+v, want %+v", tt.note.Syls, tt.want)
			}
			for i := range tt.want {
				if tt.note.Syls[i] != tt.want[i] {
					t.Errorf("syl %d = %+v, want %+v", i, tt.note.Syls[i], tt.want[i])
				}
			}
		})
	}
	if g := m2[0]; g.Grace == "" || len(g.Syls) != 0 {
		t.Errorf("grace note = %+v", g)
	}
}

func TestImportLyricsTo(t *testing.T) {
	score, _, report := importString(t, `<<
  \new Staff \new Voice = "mel" { c'2 d'2 }
  \new Lyrics \lyricsto "mel" { one two three }
  \new Lyrics \lyricsto "mel" { uno }
  \new Lyrics \lyricsto "nobody" { x }
>>`)
	notes := layerNotes(t, score.Measures[0], 1, 1)
	if got := notes[0].Syls; len(got) != 2 || got[0].Text != "one" || got[1].N != 2 || got[1].Text != "uno" {
		t.Errorf("first note syls = %+v", got)
	}
	if got := notes[1].Syls; len(got) != 1 || got[0].Text != "two" {
		t.Errorf("second note syls = %+v", got)
	}
	if n := report.Count(errors.KindUnresolvedReference); n != 1 {
		t.Errorf("unresolved = %d, want 1: %v", n, report.Diagnostics)
	}
	if n := report.Count(errors.KindInvalidStructure); n != 1 {
		t.Errorf("invalid structure = %d, want 1 for the extra syllable: %v", n, report.Diagnostics)
	}
}

func TestImportEndings(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"alternative", `{ c'1 | \repeat volta 2 { d'1 } \alternative { { e'1 } { f'1 | g'1 } } a'1 }`},
		{"repeat commands", `{ c'1 | \bar ".|:" d'1 |
  \set Score.repeatCommands = #'((volta "1.")) e'1 \bar ":|." \set Score.repeatCommands = #'((volta #f)) |
  \set Score.repeatCommands = #'((volta "2.")) f'1 | g'1 \set Score.repeatCommands = #'((volta #f)) | a'1 }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, store, _ := importString(t, tt.src)
			if len(score.Measures) != 6 {
				t.Fatalf("measures = %d, want 6", len(score.Measures))
			}
			want := []*mei.Ending{nil, nil, {N: "1", Label: "1."}, {N: "2", Label: "2."}, {N: "2", Label: "2."}, nil}
			for i, w := range want {
				got := score.Measures[i].Ending
				if (got == nil) != (w == nil) || (got != nil && *got != *w) {
					t.Errorf("measure %d ending = %+v, want %+v", i+1, got, w)
				}
			}
			if score.Measures[1].Left != "rptstart" || score.Measures[2].Right != "rptend" {
				t.Errorf("repeat bars = %q / %q", score.Measures[1].Left, score.Measures[2].Right)
			}
			if store.Len() != 0 {
				t.Errorf("repeat commands kept as functions: %v", store.IDs())
			}
		})
	}
}

func TestImportOpaqueRepeatCommands(t *testing.T) {
	score, store, _ := importString(t, `{ \set Score.repeatCommands = #'((volta "1.") (foo bar)) c'1 }`)
	if score.Measures[0].Ending != nil {
		t.Errorf("ending = %+v", score.Measures[0].Ending)
	}
	if store.Len() != 1 {
		t.Errorf("store = %v, want the property kept as a function", store.IDs())
	}
}

func TestImportIDPrefix(t *testing.T) {
	score, _, _, err := Import(mustParse(t, `{ c'1 }`), convert.WithIDPrefix("x"))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	for _, id := range mei.IDs(score) {
		if !strings.HasPrefix(id, "x-") {
			t.Errorf("id %q does not use the prefix", id)
		}
	}
}

func TestSetGenericReportsUnencodable(t *testing.T) {
	report := convert.NewReport(FormatName, "MEI")
	im := &importer{ctx: convert.NewContext(convert.Import, convert.WithReport(report)), store: ext.New()}

	im.setGeneric("ok", map[string]string{"kind": "fingering"})
	im.setGeneric("bad", make(chan int))

	if e, ok := im.store.Get("ok"); !ok || len(e.Generic) == 0 {
		t.Errorf("encodable payload not stored: %+v", e)
	}
	if _, ok := im.store.Get("bad"); ok {
		t.Error("unencodable payload left an entry in the store")
	}
	if got := report.Count(errors.KindInvalidValue); got != 1 {
		t.Errorf("InvalidValue diagnostics = %d, want 1: %v", got, report.Diagnostics)
	}
}
