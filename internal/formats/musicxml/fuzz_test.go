package musicxml

import (
	"testing"
)

// FuzzParse checks that the parser never panics, that whatever it accepts
// serializes to a document it accepts again, and that import and export of
// accepted input do not panic.
func FuzzParse(f *testing.F) {
	seeds := []string{
		doc(`<measure number="1">` + attrs44 + `<note><pitch><step>C</step><octave>4</octave></pitch><duration>4</duration><voice>1</voice><type>whole</type></note></measure>`),
		doc(`<measure number="1"><note><rest measure="yes"/><duration>4</duration></note></measure>`),
		doc(`<measure number="1"><direction><direction-type><wedge type="crescendo"/></direction-type></direction></measure><measure number="2"><direction><direction-type><wedge type="stop"/></direction-type></direction></measure>`),
		doc(`<measure number="1"><note><pitch><step>C</step><octave>4</octave></pitch><duration>1</duration><notations><slur type="stop"/><tied type="start"/></notations></note><backup><duration>9</duration></backup></measure>`),
		doc(`<measure number="1"><harmony><root><root-step>C</root-step></root><kind>major</kind></harmony><figured-bass><figure><figure-number>6</figure-number></figure></figured-bass></measure>`),
		doc(`<measure number="1"><attributes><divisions>3</divisions><staves>2</staves><clef number="2"><sign>F</sign></clef></attributes><note><chord/><pitch><step>C</step><octave>4</octave></pitch><duration>1</duration><staff>3</staff></note></measure>`),
		`<score-partwise><part-list/></score-partwise>`,
		`<score-timewise/>`,
		`<score-partwise><part id="P1"><measure><note/></measure></part></score-partwise>`,
		`<`,
		``,
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, src string) {
		s, err := ParseString(src)
		if err != nil {
			return
		}
		out := Serialize(s)
		if _, err := ParseString(string(out)); err != nil {
			t.Fatalf("serialized output does not parse: %v\n--- input\n%s\n--- output\n%s", err, src, out)
		}

		score, store, report, err := Import(s)
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
