package lilypond

import (
	"testing"
)

// FuzzParse checks that the parser never panics, that whatever it accepts
// serializes to text it accepts again, and that import and export of
// accepted input do not panic.
func FuzzParse(f *testing.F) {
	seeds := []string{
		`{ c'4 d'4 e'4 f'4 }`,
		`\version "2.24.0" \header { title = "x" } { c'1 }`,
		`\relative c'' { \time 3/4 c4( d e) | f2.~ | f2. }`,
		`<< \new Staff { c'1 } \new Staff { \clef bass c1 } >>`,
		`{ << { c''2 d''2 } \\ { e'1 } >> }`,
		`{ \acciaccatura d''8 c''4 \afterGrace c''2 { d''16 } r4 }`,
		`{ R1*3 c'1\fermata }`,
		`{ c'4\< d'4 e'4 f'4\f }`,
		`{ c'4^\customOrnament d'4-1 e'4^"text" f'4-> }`,
		`<< \new Staff { c'1 } \new ChordNames \chordmode { c2:m7 g2/b } >>`,
		`\new FiguredBass \figures { <6 4>2 <7 _+>2 }`,
		`melody = { c'4 } { \melody \melody }`,
		`{ \override NoteHead.color = #red c'1 }`,
		`{ c'4 d'4) }`,
		`{ \partial 4 g'4 | c''1 }`,
		`\new Staff { c'4 d'4~ d'4 e'4 } \addlyrics { Hal -- le __ "jah!" }`,
		`{ \repeat volta 2 { c'1 } \alternative { { d'1 } { e'1 } } }`,
		`{ \set Score.repeatCommands = #'((volta "1.")) c'8*2/3 d' e' r2. }`,
		`{`,
		`{ c3 }`,
		``,
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, src string) {
		file, err := ParseString(src)
		if err != nil {
			return
		}
		out := Serialize(file)
		if _, err := ParseString(string(out)); err != nil {
			t.Fatalf("serialized output does not parse: %v\n--- input\n%s\n--- output\n%s", err, src, out)
		}

		score, store, report, err := Import(file)
		if report == nil {
			t.Fatal("Import returned a nil report")
		}
		if err != nil {
			return
		}
		if _, _, err := Export(score, store); err != nil {
			t.Fatalf("Export failed: %v", err)
		}
	})
}
