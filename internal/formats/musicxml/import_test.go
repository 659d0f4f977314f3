package musicxml

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
	assertStoreKeysResolve(t, score, store)
	return score, store, report
}

// assertStoreKeysResolve fails when an extension entry is keyed by an
// identity that is not in the tree.
func assertStoreKeysResolve(t *testing.T, score *mei.Score, store *ext.Store) {
	t.Helper()
	index := mei.Index(score)
	for _, id := range store.IDs() {
		if _, ok := index[id]; !ok {
			t.Errorf("store key %q has no node in the tree", id)
		}
	}
}

func layerOf(t *testing.T, m *mei.Measure, staff, layer int) *mei.Layer {
	t.Helper()
	st := m.Staff(staff)
	if st == nil {
		t.Fatalf("measure %s has no staff %d", m.N, staff)
	}
	l := st.Layer(layer)
	if l == nil {
		t.Fatalf("measure %s staff %d has no layer %d", m.N, staff, layer)
	}
	return l
}

func layerNotes(t *testing.T, m *mei.Measure, staff, layer int) []*mei.Note {
	t.Helper()
	var notes []*mei.Note
	for _, c := range layerOf(t, m, staff, layer).Children {
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

const attrs44 = `<attributes><divisions>1</divisions><time><beats>4</beats><beat-type>4</beat-type></time></attributes>`

func pitched(step string, oct, dur int, typ, extra string) string {
	return `<note><pitch><step>` + step + `</step><octave>` + itoa(oct) + `</octave></pitch><duration>` + itoa(dur) +
		`</duration><voice>1</voice><type>` + typ + `</type>` + extra + `</note>`
}

func TestImportTieAcrossBarline(t *testing.T) {
	score, _, report := importString(t, doc(`
<measure number="1">`+attrs44+
		pitched("C", 4, 2, "half", "")+
		pitched("D", 4, 2, "half", `<tie type="start"/><notations><tied type="start"/></notations>`)+`
</measure>
<measure number="2">`+
		pitched("D", 4, 1, "quarter", `<tie type="stop"/><notations><tied type="stop"/></notations>`)+
		pitched("E", 4, 3, "half", `<dot/>`)+`
</measure>`))

	if len(score.Measures) != 2 {
		t.Fatalf("len(Measures) = %d, want 2", len(score.Measures))
	}
	first := layerNotes(t, score.Measures[0], 1, 1)
	second := layerNotes(t, score.Measures[1], 1, 1)

	ties := controlsOf[*mei.Tie](score)
	if len(ties) != 1 {
		t.Fatalf("got %d ties, want 1", len(ties))
	}
	if ties[0].StartID != first[1].ID || ties[0].EndID != second[0].ID {
		t.Errorf("tie %s -> %s, want %s -> %s", ties[0].StartID, ties[0].EndID, first[1].ID, second[0].ID)
	}
	if len(score.Measures[0].Controls()) != 1 {
		t.Errorf("tie not placed in its start measure")
	}
	if second[1].Dur != 2 || second[1].Dots != 1 {
		t.Errorf("dotted half = dur %d dots %d", second[1].Dur, second[1].Dots)
	}
	if len(report.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %v", report.Diagnostics)
	}
}

func TestImportOtherOrnamentCarrier(t *testing.T) {
	score, store, report := importString(t, doc(`<measure number="1">`+attrs44+
		pitched("C", 5, 4, "whole", `<notations><ornaments><other-ornament placement="above">zigzag</other-ornament></ornaments></notations>`)+
		`</measure>`))

	dirs := controlsOf[*mei.Dir](score)
	if len(dirs) != 1 {
		t.Fatalf("got %d dirs, want 1", len(dirs))
	}
	d := dirs[0]
	note := layerNotes(t, score.Measures[0], 1, 1)[0]
	if d.Text != "zigzag" || d.StartID != note.ID || d.Place != "above" {
		t.Errorf("dir = %+v", d)
	}
	orn := store.Ornament(d.ID)
	if orn == nil {
		t.Fatal("no ornament info stored for the carrier")
	}
	if orn.Name != "zigzag" || orn.Direction != "up" {
		t.Errorf("OrnamentInfo = %+v", orn)
	}
	if report.HasLoss() {
		t.Errorf("carrier reported loss: %+v", report.LostElements)
	}
}

func TestImportStraySlurStop(t *testing.T) {
	score, _, report := importString(t, doc(`<measure number="1">`+attrs44+
		pitched("C", 4, 2, "half", `<notations><slur type="stop" number="1"/></notations>`)+
		pitched("D", 4, 2, "half", "")+
		`</measure>`))

	if n := len(controlsOf[*mei.Slur](score)); n != 0 {
		t.Errorf("got %d slurs, want 0", n)
	}
	if report.Count(errors.KindUnresolvedReference) != 1 {
		t.Fatalf("diagnostics = %v, want one unresolved reference", report.Diagnostics)
	}
	if !strings.Contains(report.Diagnostics[0].Message, "no matching start") {
		t.Errorf("message = %q", report.Diagnostics[0].Message)
	}
}

func TestImportSlurAndNumbers(t *testing.T) {
	score, _, report := importString(t, doc(`<measure number="1">`+attrs44+
		pitched("C", 4, 1, "quarter", `<notations><slur type="start" number="1"/></notations>`)+
		pitched("D", 4, 1, "quarter", `<notations><slur type="start" number="2" placement="below"/></notations>`)+
		pitched("E", 4, 1, "quarter", `<notations><slur type="stop" number="1"/></notations>`)+
		pitched("F", 4, 1, "quarter", `<notations><slur type="stop" number="2"/></notations>`)+
		`</measure>`))

	notes := layerNotes(t, score.Measures[0], 1, 1)
	slurs := controlsOf[*mei.Slur](score)
	if len(slurs) != 2 {
		t.Fatalf("got %d slurs, want 2", len(slurs))
	}
	if slurs[0].StartID != notes[0].ID || slurs[0].EndID != notes[2].ID {
		t.Errorf("slur 1 = %s -> %s", slurs[0].StartID, slurs[0].EndID)
	}
	if slurs[1].StartID != notes[1].ID || slurs[1].EndID != notes[3].ID || slurs[1].Place != "below" {
		t.Errorf("slur 2 = %+v", slurs[1].ControlAttrs)
	}
	if len(report.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %v", report.Diagnostics)
	}
}

func TestImportVoicesAndBackup(t *testing.T) {
	score, _, report := importString(t, doc(`<measure number="1">`+attrs44+
		pitched("C", 5, 4, "whole", "")+
		`<backup><duration>4</duration></backup>
<note><pitch><step>E</step><octave>4</octave></pitch><duration>2</duration><voice>2</voice><type>half</type></note>
<forward><duration>2</duration><voice>2</voice></forward>
</measure>`))

	if n := len(layerNotes(t, score.Measures[0], 1, 1)); n != 1 {
		t.Errorf("layer 1 has %d notes, want 1", n)
	}
	l2 := layerOf(t, score.Measures[0], 1, 2)
	if len(l2.Children) != 2 {
		t.Fatalf("layer 2 = %d children, want note and space", len(l2.Children))
	}
	sp, ok := l2.Children[1].(*mei.Space)
	if !ok || !sp.Length.Equal(timing.New(1, 2)) {
		t.Errorf("layer 2 filler = %#v", l2.Children[1])
	}
	if len(report.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %v", report.Diagnostics)
	}
}

func TestImportBackupBeforeMeasureStart(t *testing.T) {
	_, _, report := importString(t, doc(`<measure number="1">`+attrs44+
		pitched("C", 5, 1, "quarter", "")+
		`<backup><duration>3</duration></backup>
<note><pitch><step>E</step><octave>4</octave></pitch><duration>1</duration><voice>2</voice><type>quarter</type></note>
</measure>`))
	if report.Count(errors.KindInvalidStructure) != 1 {
		t.Errorf("diagnostics = %v, want one invalid structure", report.Diagnostics)
	}
}

func TestImportChordGraceAndArticulations(t *testing.T) {
	score, store, _ := importString(t, doc(`<measure number="1">`+attrs44+`
<note><grace slash="yes"/><pitch><step>D</step><octave>5</octave></pitch><voice>1</voice><type>eighth</type></note>
<note><pitch><step>C</step><octave>5</octave></pitch><duration>4</duration><voice>1</voice><type>whole</type>
  <notations><articulations><accent placement="above"/></articulations><technical><up-bow/></technical></notations></note>
<note><chord/><pitch><step>E</step><alter>-1</alter><octave>5</octave></pitch><duration>4</duration><voice>1</voice><type>whole</type></note>
</measure>`))

	children := layerOf(t, score.Measures[0], 1, 1).Children
	if len(children) != 2 {
		t.Fatalf("layer has %d children, want grace note and chord", len(children))
	}
	g, ok := children[0].(*mei.Note)
	if !ok || g.Grace != "acc" || g.Dur != 8 {
		t.Fatalf("grace = %#v", children[0])
	}
	if gi := store.Grace(g.ID); gi == nil || gi.Kind != ext.GraceAcciaccatura || gi.Group != 1 {
		t.Errorf("GraceInfo = %+v", store.Grace(g.ID))
	}
	ch, ok := children[1].(*mei.Chord)
	if !ok || len(ch.Notes) != 2 || ch.Dur != 1 {
		t.Fatalf("chord = %#v", children[1])
	}
	if ch.Notes[1].Pname != "e" || ch.Notes[1].Accid != -1 {
		t.Errorf("second chord note = %+v", ch.Notes[1])
	}
	artic := ch.Notes[0].Artic
	if len(artic) != 2 || artic[0].Name != "upbow" || artic[1] != (mei.Artic{Name: "acc", Place: "above"}) {
		t.Errorf("Artic = %+v", artic)
	}
}

func TestImportMultiStaffPart(t *testing.T) {
	score, _, _ := importString(t, doc(`<measure number="1">
<attributes><divisions>1</divisions><key><fifths>2</fifths></key><time><beats>3</beats><beat-type>4</beat-type></time><staves>2</staves>
  <clef number="1"><sign>G</sign><line>2</line></clef><clef number="2"><sign>F</sign><line>4</line></clef></attributes>
<note><pitch><step>D</step><octave>5</octave></pitch><duration>3</duration><voice>1</voice><type>half</type><dot/><staff>1</staff></note>
<backup><duration>3</duration></backup>
<note><pitch><step>D</step><octave>3</octave></pitch><duration>3</duration><voice>5</voice><type>half</type><dot/><staff>2</staff></note>
</measure>`))

	if len(score.StaffDefs) != 2 {
		t.Fatalf("len(StaffDefs) = %d, want 2", len(score.StaffDefs))
	}
	bass := score.StaffDefs[1]
	if bass.Part != "P1" || bass.PartName != "Piano" || bass.Clef.Shape != "F" || bass.Key.Fifths != 2 {
		t.Errorf("bass staffDef = %+v", bass)
	}
	if score.StaffDefs[0].Meter != (mei.Meter{Count: 3, Unit: 4}) {
		t.Errorf("Meter = %+v", score.StaffDefs[0].Meter)
	}
	if n := len(layerNotes(t, score.Measures[0], 2, 5)); n != 1 {
		t.Errorf("staff 2 layer 5 has %d notes, want 1", n)
	}
}

func TestImportMeasureRestAndStyle(t *testing.T) {
	score, store, _ := importString(t, doc(`
<measure number="1">`+attrs44+`
<attributes><measure-style><multiple-rest>2</multiple-rest></measure-style></attributes>
<note><rest measure="yes"/><duration>4</duration><voice>1</voice></note>
</measure>
<measure number="2"><note><rest measure="yes"/><duration>4</duration><voice>1</voice></note></measure>`))

	mr, ok := layerOf(t, score.Measures[0], 1, 1).Children[0].(*mei.MRest)
	if !ok {
		t.Fatalf("first child is %T, want *mei.MRest", layerOf(t, score.Measures[0], 1, 1).Children[0])
	}
	if ms := store.MeasureStyle(mr.ID); ms == nil || ms.MultipleRest != 2 {
		t.Errorf("MeasureStyle = %+v", store.MeasureStyle(mr.ID))
	}
}

func TestImportDirections(t *testing.T) {
	score, store, report := importString(t, doc(`<measure number="1">`+attrs44+`
<direction placement="below"><direction-type><dynamics><p/></dynamics></direction-type><sound dynamics="54"/></direction>`+
		pitched("C", 4, 2, "half", "")+`
<direction placement="above"><direction-type><words>Allegro</words></direction-type><direction-type><metronome><beat-unit>quarter</beat-unit><per-minute>120</per-minute></metronome></direction-type><offset>1</offset></direction>
<direction><direction-type><words>dolce</words></direction-type><direction-type><rehearsal>A</rehearsal></direction-type></direction>`+
		pitched("D", 4, 2, "half", "")+`
</measure>`))

	dyn := controlsOf[*mei.Dynam](score)
	if len(dyn) != 1 || dyn[0].Text != "p" || dyn[0].Place != "below" || !dyn[0].Tstamp.Equal(timing.Int(1)) {
		t.Fatalf("dynams = %+v", dyn)
	}
	if snd := store.Sound(dyn[0].ID); snd == nil || snd.Dynamics == nil || *snd.Dynamics != 54 {
		t.Errorf("dynamic sound = %+v", store.Sound(dyn[0].ID))
	}
	tempo := controlsOf[*mei.Tempo](score)
	if len(tempo) != 1 || tempo[0].Text != "Allegro" || tempo[0].MM != 120 || tempo[0].MMUnit != 4 {
		t.Fatalf("tempo = %+v", tempo)
	}
	if !tempo[0].Tstamp.Equal(timing.Int(4)) {
		t.Errorf("tempo tstamp = %s, want 4", tempo[0].Tstamp)
	}
	dirs := controlsOf[*mei.Dir](score)
	if len(dirs) != 2 || dirs[0].Text != "dolce" || !dirs[0].Tstamp.Equal(timing.Int(3)) {
		t.Fatalf("dirs = %+v", dirs)
	}
	var meta markMeta
	if e, ok := store.Get(dirs[1].ID); dirs[1].Text != "A" || !ok || !e.DecodeGeneric(&meta) ||
		meta.Group != "direction" || meta.Element != "rehearsal" || meta.Inner != "A" {
		t.Errorf("rehearsal carrier = %+v %+v", dirs[1], meta)
	}
	if len(report.LostElements) != 0 {
		t.Errorf("lost = %+v", report.LostElements)
	}
}

func TestImportWedgeAcrossMeasures(t *testing.T) {
	score, store, report := importString(t, doc(`
<measure number="1">`+attrs44+`
<direction><direction-type><wedge type="diminuendo" number="1"/></direction-type></direction>`+
		pitched("C", 4, 4, "whole", "")+`
</measure>
<measure number="2">`+
		pitched("D", 4, 2, "half", "")+`
<direction><direction-type><wedge type="stop" number="1" niente="yes"/></direction-type></direction>`+
		pitched("E", 4, 2, "half", "")+`
</measure>`))

	hp := controlsOf[*mei.Hairpin](score)
	if len(hp) != 1 {
		t.Fatalf("got %d hairpins, want 1", len(hp))
	}
	h := hp[0]
	if h.Form != "dim" || !h.Tstamp.Equal(timing.Int(1)) {
		t.Errorf("hairpin = %+v", h)
	}
	if h.Tstamp2 == nil || h.Tstamp2.Measures != 1 || !h.Tstamp2.Beat.Equal(timing.Int(3)) {
		t.Errorf("Tstamp2 = %+v, want 1m+3", h.Tstamp2)
	}
	if wd := store.Wedge(h.ID); wd == nil || !wd.Niente || wd.Number != 1 {
		t.Errorf("WedgeData = %+v", store.Wedge(h.ID))
	}
	if len(report.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %v", report.Diagnostics)
	}
}

func TestImportTrillAndFermata(t *testing.T) {
	score, _, _ := importString(t, doc(`<measure number="1">`+attrs44+
		pitched("C", 5, 2, "half", `<notations><ornaments><trill-mark/><wavy-line type="start" number="1"/></ornaments></notations>`)+
		pitched("D", 5, 2, "half", `<notations><ornaments><wavy-line type="stop" number="1"/><turn/></ornaments><fermata type="upright"/></notations>`)+
		`</measure>`))

	notes := layerNotes(t, score.Measures[0], 1, 1)
	trills := controlsOf[*mei.Trill](score)
	if len(trills) != 1 || trills[0].StartID != notes[0].ID || trills[0].EndID != notes[1].ID {
		t.Fatalf("trills = %+v", trills)
	}
	orn := controlsOf[*mei.Ornam](score)
	if len(orn) != 1 || orn[0].Name != "turn" {
		t.Errorf("ornams = %+v", orn)
	}
	ferm := controlsOf[*mei.Fermata](score)
	if len(ferm) != 1 || ferm[0].Place != "above" || ferm[0].StartID != notes[1].ID {
		t.Errorf("fermatas = %+v", ferm)
	}
}

func TestImportHarmonyAndFiguredBass(t *testing.T) {
	score, store, _ := importString(t, doc(`<measure number="1">`+attrs44+`
<harmony><root><root-step>F</root-step><root-alter>1</root-alter></root><kind>minor-seventh</kind><bass><bass-step>A</bass-step></bass></harmony>
<figured-bass><figure><figure-number>6</figure-number></figure><figure><prefix>sharp</prefix><figure-number>4</figure-number></figure><duration>4</duration></figured-bass>`+
		pitched("C", 4, 4, "whole", "")+`
</measure>`))

	harm := controlsOf[*mei.Harm](score)
	if len(harm) != 1 || harm[0].Text != "F#m7/A" {
		t.Fatalf("harms = %+v", harm)
	}
	fb := controlsOf[*mei.Fb](score)
	if len(fb) != 1 || len(fb[0].Figures) != 2 || fb[0].Figures[1] != "#4" {
		t.Fatalf("fbs = %+v", fb)
	}
	data := store.FiguredBass(fb[0].ID)
	if data == nil || data.Duration != "1" || data.Figures[1].Prefix != "sharp" {
		t.Errorf("FiguredBassData = %+v", data)
	}
}

func TestImportHeaderPrintSoundBarline(t *testing.T) {
	score, store, _ := importString(t, `<score-partwise version="3.1">
  <work><work-title>Sonata</work-title></work>
  <movement-title>Allegro</movement-title>
  <identification>
    <creator type="composer">Anon</creator>
    <creator type="transcriber">Scribe</creator>
    <rights>PD</rights>
  </identification>
  <part-list><score-part id="P1"><part-name>Flute</part-name></score-part></part-list>
  <part id="P1">
    <measure number="0" implicit="yes">
      <print new-system="yes"/>
      <barline location="left"><bar-style>heavy-light</bar-style><repeat direction="forward"/></barline>
      `+attrs44+`
      <sound tempo="96"/>
      <note><pitch><step>C</step><octave>5</octave></pitch><duration>4</duration><voice>1</voice><type>whole</type></note>
      <barline location="right"><bar-style>light-heavy</bar-style></barline>
    </measure>
  </part>
</score-partwise>`)

	want := []mei.HeadField{
		{Name: "title", Value: "Sonata"},
		{Name: "piece", Value: "Allegro"},
		{Name: "composer", Value: "Anon"},
		{Name: "creator:transcriber", Value: "Scribe"},
		{Name: "copyright", Value: "PD"},
	}
	if len(score.Head.Fields) != len(want) {
		t.Fatalf("Head = %+v", score.Head.Fields)
	}
	for i, f := range want {
		if score.Head.Fields[i] != f {
			t.Errorf("Head[%d] = %+v, want %+v", i, score.Head.Fields[i], f)
		}
	}

	m := score.Measures[0]
	if m.N != "0" || m.Left != "rptstart" || m.Right != "end" {
		t.Errorf("measure = N %q left %q right %q", m.N, m.Left, m.Right)
	}
	if pr := store.Print(m.ID); pr == nil || !pr.NewSystem {
		t.Errorf("Print = %+v", store.Print(m.ID))
	}
	if snd := store.Sound(m.ID); snd == nil || snd.Tempo == nil || *snd.Tempo != 96 {
		t.Errorf("Sound = %+v", store.Sound(m.ID))
	}
	var mm measureMeta
	if e, ok := store.Get(m.ID); !ok || !e.DecodeGeneric(&mm) || !mm.Implicit {
		t.Errorf("measure is not marked implicit")
	}
}

func TestImportErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no parts", `<score-partwise><part-list/></score-partwise>`, "no parts"},
		{"no measures", `<score-partwise><part-list><score-part id="P1"/></part-list><part id="P1"/></score-partwise>`, "no measures"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, report, err := Import(mustParse(t, tt.src))
			var ie *errors.ImportError
			if !errors.As(err, &ie) {
				t.Fatalf("error = %v, want *errors.ImportError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			if report == nil {
				t.Error("report is nil")
			}
		})
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
