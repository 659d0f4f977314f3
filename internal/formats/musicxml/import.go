package musicxml

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// scoreMeta is the generic payload stored on the score identity.
type scoreMeta struct {
	Version  string   `json:"musicxml_version,omitempty"`
	Software []string `json:"software,omitempty"`
}

// staffMeta is the generic payload of a staff definition or a clef change.
// Abbreviation is only set on the first staff of a part. Clef holds a clef
// the canonical tree only approximates.
type staffMeta struct {
	Abbreviation string `json:"abbreviation,omitempty"`
	Clef         *Clef  `json:"clef,omitempty"`
}

// measureMeta is the generic payload of a measure. The barlines are set
// when their style has no canonical value.
type measureMeta struct {
	Implicit bool     `json:"implicit,omitempty"`
	Left     *Barline `json:"left,omitempty"`
	Right    *Barline `json:"right,omitempty"`
}

// noteMeta is the generic payload of an event: tuplet notations, and the
// let-ring tie of a note.
type noteMeta struct {
	Tuplets []Mark `json:"tuplets,omitempty"`
	LetRing bool   `json:"let_ring,omitempty"`
}

// markMeta is the generic payload of a Dir carrying a notation mark or a
// direction type that has no canonical element. Kind is "fingering" for
// fingerings. Group is the notations group, "notations" for a direct child
// of notations, or "direction" for a direction type. Inner is the element
// content as written.
type markMeta struct {
	Kind    string `json:"kind,omitempty"`
	Group   string `json:"group,omitempty"`
	Element string `json:"element,omitempty"`
	Attrs   []Attr `json:"attrs,omitempty"`
	Inner   string `json:"inner,omitempty"`
}

// harmonyMeta keeps the structured chord symbol of a Harm.
type harmonyMeta struct {
	Root      string `json:"root"`
	RootAlter int    `json:"root_alter,omitempty"`
	Kind      string `json:"kind"`
	KindText  string `json:"kind_text,omitempty"`
	Bass      string `json:"bass,omitempty"`
	BassAlter int    `json:"bass_alter,omitempty"`
}

// bracketMeta keeps the line style of a bracket.
type bracketMeta struct {
	StartEnd string `json:"start_end,omitempty"`
	StopEnd  string `json:"stop_end,omitempty"`
	LineType string `json:"line_type,omitempty"`
}

type layerBuf struct {
	layer *mei.Layer
	fill  timing.Fraction
}

type staffBuf struct {
	layers map[int]*layerBuf
}

type measureBuf struct {
	id       string
	number   string
	implicit bool
	staves   map[int]*staffBuf
	controls []mei.MeasureChild
	left     string
	right    string
	leftBar  *Barline
	rightBar *Barline
	ending   *mei.Ending
	print    *ext.PrintData
	sound    *ext.SoundData

	// end is the furthest position reached by any part.
	end timing.Fraction
}

// spanStart is the resolver payload of an opened span.
type spanStart struct {
	staff   int
	place   string
	form    string
	tstamp  timing.Fraction
	wedge   *ext.WedgeData
	bracket *bracketMeta
}

// event is what notations of one note attach to.
type event struct {
	id     string
	idx    int
	staff  int
	tstamp timing.Fraction
}

// Import converts a parsed score to the canonical tree and its extension
// store. Recoverable problems are returned in the report; only a document
// without parts or measures fails.
func Import(doc *ScorePartwise, opts ...convert.Option) (*mei.Score, *ext.Store, *convert.Report, error) {
	report := convert.NewReport(FormatName, "MEI")
	all := append([]convert.Option{convert.WithIDPrefix("mx"), convert.WithReport(report)}, opts...)
	ctx := convert.NewContext(convert.Import, all...)

	im := &importer{ctx: ctx, store: ext.New(), doc: doc, notes: make(map[string]*noteMeta)}
	im.score = &mei.Score{Common: mei.Common{ID: ctx.FreshID("score")}}

	if err := im.run(); err != nil {
		return nil, nil, ctx.Report(), err
	}
	ctx.Logger().Debug("musicxml import done",
		"parts", len(doc.Parts),
		"measures", len(im.score.Measures),
		"staves", len(im.score.StaffDefs),
		"diagnostics", len(ctx.Report().Diagnostics))
	return im.score, im.store, ctx.Report(), nil
}

type importer struct {
	ctx      *convert.Context
	store    *ext.Store
	score    *mei.Score
	doc      *ScorePartwise
	measures []*measureBuf
	meters   []mei.Meter
	bases    []int

	// State of the part being imported.
	part   *Part
	first  bool
	base   int
	staves int
	meter  mei.Meter
	styles map[int]*ext.MeasureStyleData

	ending *mei.Ending
	notes  map[string]*noteMeta

	chord   *mei.Chord
	chordEv event
	chordAt timing.Fraction

	graceGroup int
	inGrace    bool
}

func (im *importer) diag(kind errors.Kind, format string, args ...interface{}) {
	im.ctx.Diagnose(convert.Diagnostic{
		Kind:     kind,
		Location: im.location(),
		Message:  fmt.Sprintf(format, args...),
	})
}

// setGeneric records v as the generic payload of id. A payload that does
// not encode is reported and left unset.
func (im *importer) setGeneric(id string, v interface{}) {
	var e ext.Entry
	if err := e.SetGeneric(v); err != nil {
		im.diag(errors.KindInvalidValue, "payload for %s not stored: %v", id, err)
		return
	}
	im.store.Entry(id).Generic = e.Generic
}

func (im *importer) lost(element, reason string, class convert.LossClass) {
	im.ctx.Report().AddLostElement(im.location(), element, reason, class)
}

func (im *importer) location() string {
	if im.part == nil {
		return im.ctx.Location()
	}
	return "part " + im.part.ID + ", " + im.ctx.Location()
}

func (im *importer) run() error {
	if len(im.doc.Parts) == 0 {
		return errors.NewImport(FormatName, "", "document contains no parts")
	}
	im.header()
	im.staffDefs()
	for i, p := range im.doc.Parts {
		im.importPart(i, p)
	}
	return im.finalize()
}

func (im *importer) header() {
	d := im.doc
	add := func(name, value string) {
		if value != "" {
			im.score.Head.Fields = append(im.score.Head.Fields, mei.HeadField{Name: name, Value: value})
		}
	}
	add("title", d.WorkTitle)
	add("piece", d.MovementTitle)
	for _, c := range d.Creators {
		name, ok := creatorFields[c.Type]
		if !ok {
			name = creatorPrefix + c.Type
		}
		add(name, c.Value)
	}
	for _, r := range d.Rights {
		add("copyright", r)
	}
	for _, m := range d.Misc {
		add(m.Name, m.Value)
	}
	if d.Version != "" || len(d.Software) > 0 {
		im.setGeneric(im.score.ID, scoreMeta{Version: d.Version, Software: d.Software})
	}
}

// partStaves returns the largest staff count a part declares.
func partStaves(p *Part) int {
	n := 1
	for _, m := range p.Measures {
		for _, it := range m.Items {
			if a, ok := it.(*Attributes); ok && a.Staves > n {
				n = a.Staves
			}
		}
	}
	return n
}

// staffDefs declares the staves of every part, numbered across the score.
func (im *importer) staffDefs() {
	entries := make(map[string]*ScorePart, len(im.doc.PartList))
	for _, sp := range im.doc.PartList {
		entries[sp.ID] = sp
	}
	for _, p := range im.doc.Parts {
		im.bases = append(im.bases, len(im.score.StaffDefs))
		sp := entries[p.ID]
		for k := 1; k <= partStaves(p); k++ {
			def := &mei.StaffDef{
				Common: mei.Common{ID: im.ctx.FreshID("staff")},
				N:      len(im.score.StaffDefs) + 1,
				Part:   p.ID,
				Clef:   mei.Clef{Shape: "G", Line: 2},
			}
			if sp != nil {
				def.PartName = sp.Name
				if k == 1 && sp.Abbreviation != "" {
					im.setGeneric(def.ID, staffMeta{Abbreviation: sp.Abbreviation})
				}
			}
			im.score.StaffDefs = append(im.score.StaffDefs, def)
		}
	}
}

func (im *importer) importPart(i int, p *Part) {
	defer im.ctx.EnterScope(convert.ScopePart, p.ID)()
	im.part, im.first, im.base, im.staves = p, i == 0, im.bases[i], partStaves(p)
	im.meter = mei.Meter{Count: 4, Unit: 4}
	im.styles = make(map[int]*ext.MeasureStyleData)
	im.graceGroup, im.inGrace = 0, false
	im.ctx.SetDivisions(1)

	for idx, m := range p.Measures {
		im.measure(idx, m)
	}
	im.ctx.Spans().Finish()
	if im.first && im.ending != nil {
		im.diag(errors.KindInvalidStructure, "ending %s is not closed", im.ending.N)
		im.ending = nil
	}
	for staff := range im.styles {
		im.lost("measure-style", fmt.Sprintf("no event follows on staff %d", staff), convert.LossL2)
	}
}

func isChordNote(it Item) bool {
	n, ok := it.(*Note)
	return ok && n.Chord
}

func (im *importer) measure(idx int, m *Measure) {
	im.ctx.BeginMeasure(idx)
	buf := im.measureAt(idx)
	if im.first {
		buf.number, buf.implicit = m.Number, m.Implicit
	}
	im.chord = nil

	for i, it := range m.Items {
		switch it := it.(type) {
		case *Attributes:
			im.attributes(idx, it)
		case *Note:
			im.note(idx, it, i+1 < len(m.Items) && isChordNote(m.Items[i+1]))
		case *Backup:
			im.chord = nil
			back := im.ctx.FromDivisions(it.Duration)
			if im.ctx.Position().Less(back) {
				im.diag(errors.KindInvalidStructure, "backup of %d divisions moves before the measure start", it.Duration)
				im.ctx.SetPosition(timing.Zero)
				break
			}
			im.ctx.Backup(it.Duration)
		case *Forward:
			im.chord = nil
			im.ctx.Advance(it.Duration)
		case *Direction:
			im.direction(idx, it)
		case *Harmony:
			im.harmony(idx, it)
		case *FiguredBass:
			im.figuredBass(idx, it)
		case *Print:
			if im.first && buf.print == nil {
				buf.print = &ext.PrintData{
					NewSystem: it.NewSystem,
					NewPage:   it.NewPage,
					Attrs:     attrMap(it.Attrs),
					Layout:    it.Layout,
				}
			}
		case *Sound:
			if buf.sound != nil {
				im.lost("sound", "more than one sound in a measure", convert.LossL2)
				break
			}
			buf.sound = soundData(it)
		case *Barline:
			if im.first {
				im.barline(buf, it)
			}
		}
		if buf.end.Less(im.ctx.Position()) {
			buf.end = im.ctx.Position()
		}
	}

	if im.first {
		im.meters = append(im.meters, im.meter)
		if im.ending != nil {
			buf.ending = im.ending
		}
	}
	im.ctx.Spans().EndMeasure()
	im.drain()
}

func attrMap(attrs []Attr) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name] = a.Value
	}
	return m
}

func soundData(s *Sound) *ext.SoundData {
	return &ext.SoundData{Tempo: s.Tempo, Dynamics: s.Dynamics, Attrs: attrMap(s.Attrs)}
}

// barline sets a measure barline. Styles without a canonical value are
// kept in the measure payload.
func (im *importer) barline(buf *measureBuf, b *Barline) {
	if b.Location != "left" && b.Location != "right" {
		im.lost("barline", "barline at "+b.Location, convert.LossL2)
		return
	}
	if b.Ending != nil {
		im.endingMark(buf, b.Ending)
	}
	style, ok := barFrom(b)
	if !ok {
		im.diag(errors.KindUnsupportedFeature, "barline style %q has no canonical form", b.Style)
		kept := *b
		kept.Ending = nil
		if b.Location == "left" {
			buf.leftBar = &kept
		} else {
			buf.rightBar = &kept
		}
		return
	}
	if b.Location == "left" {
		buf.left = style
	} else {
		buf.right = style
	}
}

// endingMark opens or closes a volta ending. Every measure from the start
// to the stop carries the ending.
func (im *importer) endingMark(buf *measureBuf, e *Ending) {
	switch e.Type {
	case "start":
		if im.ending != nil {
			im.diag(errors.KindInvalidStructure, "ending %s starts before ending %s stops", e.Number, im.ending.N)
		}
		im.ending = &mei.Ending{N: e.Number, Label: e.Text}
		buf.ending = im.ending
	case "stop", "discontinue":
		if im.ending == nil {
			im.diag(errors.KindInvalidStructure, "ending %s stops without a start", e.Number)
			im.ending = &mei.Ending{N: e.Number, Label: e.Text}
		}
		im.ending.Open = e.Type == "discontinue"
		buf.ending = im.ending
		im.ending = nil
	default:
		im.diag(errors.KindInvalidValue, "ending type %q", e.Type)
	}
}

func (im *importer) measureAt(idx int) *measureBuf {
	for len(im.measures) <= idx {
		im.measures = append(im.measures, &measureBuf{
			id:     im.ctx.FreshID("measure"),
			staves: make(map[int]*staffBuf),
			end:    timing.Zero,
		})
	}
	return im.measures[idx]
}

// tstamp converts a position in the current measure to a 1-based beat.
func (im *importer) tstamp(pos timing.Fraction) timing.Fraction {
	unit := im.meter.Unit
	if unit == 0 {
		unit = 4
	}
	return pos.Mul(timing.Int(int64(unit))).Add(timing.Int(1))
}

// staffOf maps a part-local staff number to a score staff number.
func (im *importer) staffOf(local int) int {
	if local <= 0 {
		local = 1
	}
	if local > im.staves {
		im.diag(errors.KindInvalidValue, "staff %d exceeds the %d staves of the part", local, im.staves)
		local = 1
	}
	return im.base + local
}

// targets lists the staves a number-attributed element applies to; zero
// means every staff of the part.
func (im *importer) targets(number int) []int {
	if number == 0 {
		out := make([]int, im.staves)
		for i := range out {
			out[i] = im.base + i + 1
		}
		return out
	}
	if number > im.staves {
		im.diag(errors.KindInvalidValue, "staff %d exceeds the %d staves of the part", number, im.staves)
		return nil
	}
	return []int{im.base + number}
}

func (im *importer) staffDef(n int) *mei.StaffDef {
	return im.score.StaffDefs[n-1]
}

func (im *importer) attributes(idx int, a *Attributes) {
	if a.Divisions > 0 {
		im.ctx.SetDivisions(a.Divisions)
	}
	initial := idx == 0 && im.ctx.Position().IsZero()

	for _, k := range a.Keys {
		ks := mei.KeySig{Fifths: k.Fifths, Mode: k.Mode}
		for _, staff := range im.targets(k.Number) {
			if initial {
				im.staffDef(staff).Key = ks
				continue
			}
			c := ks
			im.place(idx, staff, 1, &c, timing.Zero)
		}
	}
	if a.Time != nil {
		im.meter = mei.Meter{Count: a.Time.Beats, Unit: a.Time.BeatType}
	}
	for _, c := range a.Clefs {
		clef, ok := clefFrom(c)
		var kept *Clef
		if !ok {
			im.diag(errors.KindUnsupportedFeature, "clef %s with octave change %d has no canonical form", c.Sign, c.OctaveChange)
			clef, kept = clefNear(c), &Clef{Sign: c.Sign, Line: c.Line, OctaveChange: c.OctaveChange}
		}
		for _, staff := range im.targets(c.Number) {
			if initial {
				def := im.staffDef(staff)
				def.Clef = clef
				if kept != nil {
					var meta staffMeta
					if e, ok := im.store.Get(def.ID); ok {
						e.DecodeGeneric(&meta)
					}
					meta.Clef = kept
					im.setGeneric(def.ID, meta)
				}
				continue
			}
			cl := clef
			if kept != nil {
				cl.ID = im.ctx.FreshID("clef")
				im.setGeneric(cl.ID, staffMeta{Clef: kept})
			}
			im.place(idx, staff, 1, &cl, timing.Zero)
		}
	}
	for _, ms := range a.MeasureStyles {
		for _, staff := range im.targets(ms.Number) {
			im.styles[staff] = &ext.MeasureStyleData{
				MultipleRest:  ms.MultipleRest,
				MeasureRepeat: ms.MeasureRepeat,
				RepeatType:    ms.RepeatType,
				Slashes:       ms.Slashes,
			}
		}
	}
}

// place appends c to a layer at the current position, filling any gap
// with a space. Position is not advanced.
func (im *importer) place(idx, staff, layer int, c mei.LayerChild, length timing.Fraction) {
	buf := im.measureAt(idx)
	sb := buf.staves[staff]
	if sb == nil {
		sb = &staffBuf{layers: make(map[int]*layerBuf)}
		buf.staves[staff] = sb
	}
	lb := sb.layers[layer]
	if lb == nil {
		lb = &layerBuf{layer: &mei.Layer{N: layer}, fill: timing.Zero}
		sb.layers[layer] = lb
	}
	off := im.ctx.Position()
	switch cmp := lb.fill.Cmp(off); {
	case cmp < 0:
		appendSpace(lb.layer, off.Sub(lb.fill))
	case cmp > 0:
		im.diag(errors.KindInvalidStructure, "event overlaps the previous one in voice %d of staff %d", layer, staff)
	}
	lb.layer.Children = append(lb.layer.Children, c)
	lb.fill = off.Add(length)
}

func appendSpace(l *mei.Layer, length timing.Fraction) {
	if n := len(l.Children); n > 0 {
		if sp, ok := l.Children[n-1].(*mei.Space); ok {
			sp.Length = sp.Length.Add(length)
			return
		}
	}
	l.Children = append(l.Children, &mei.Space{Length: length})
}

func (im *importer) emit(idx int, c mei.MeasureChild) {
	buf := im.measureAt(idx)
	buf.controls = append(buf.controls, c)
}

// noteValue picks the note value of n, preferring its type. A time
// modification scales the written value to the sounding length.
func (im *importer) noteValue(n *Note, length timing.Fraction) (base, dots int, ratio mei.Ratio) {
	written := length
	if tm := n.TimeModification; tm != nil && tm.ActualNotes != tm.NormalNotes {
		ratio = mei.Ratio{Num: tm.ActualNotes, NumBase: tm.NormalNotes}
		written = length.Mul(timing.New(int64(tm.ActualNotes), int64(tm.NormalNotes)))
	}
	typed, hasType := typeValues[n.Type]
	if hasType && (n.Grace != nil || timing.Duration(typed, n.Dots).Equal(written)) {
		return typed, n.Dots, ratio
	}
	if n.Grace == nil {
		if b, d, ok := timing.NoteValue(written); ok {
			return b, d, ratio
		}
	}
	if hasType {
		im.lost("tuplet", "time modification of a "+n.Type, convert.LossL2)
		return typed, n.Dots, mei.Ratio{}
	}
	im.diag(errors.KindInvalidValue, "note of %s whole notes has no type", length)
	return 4, 0, mei.Ratio{}
}

var wordPositions = map[string]string{"single": "s", "begin": "i", "middle": "m", "end": "t"}

// syls converts the lyrics of a note.
func (im *importer) syls(lyrics []Lyric) []mei.Syl {
	var out []mei.Syl
	for _, l := range lyrics {
		syl := mei.Syl{N: 1, Text: l.Text, Wordpos: wordPositions[l.Syllabic]}
		if l.Number != "" {
			if v, err := strconv.Atoi(l.Number); err == nil && v > 0 {
				syl.N = v
			} else {
				im.diag(errors.KindInvalidValue, "lyric number %q is not a positive number", l.Number)
			}
		}
		switch {
		case l.Extend:
			syl.Con = "u"
		case l.Syllabic == "begin" || l.Syllabic == "middle":
			syl.Con = "d"
		}
		out = append(out, syl)
	}
	return out
}

// noteMeta returns the payload being collected for event id.
func (im *importer) noteMeta(id string) *noteMeta {
	m := im.notes[id]
	if m == nil {
		m = &noteMeta{}
		im.notes[id] = m
	}
	return m
}

func newNote(id string, p *Pitch, base, dots int) *mei.Note {
	return &mei.Note{
		Common: mei.Common{ID: id},
		Pname:  strings.ToLower(p.Step),
		Oct:    p.Octave,
		Accid:  p.Alter,
		Dur:    base,
		Dots:   dots,
	}
}

func graceAttr(g *Grace) string {
	if g.Slash {
		return "acc"
	}
	return "unacc"
}

func (im *importer) note(idx int, n *Note, chordFollows bool) {
	if n.Chord && im.chord == nil {
		im.diag(errors.KindInvalidStructure, "chord note without a preceding note")
	}
	voice := n.Voice
	if voice == "" {
		voice = "1"
	}
	layer, err := strconv.Atoi(voice)
	if err != nil || layer < 1 {
		im.diag(errors.KindInvalidValue, "voice %q is not a positive number", voice)
		layer = 1
	}
	staff := im.staffOf(n.Staff)

	if n.Chord && im.chord != nil {
		im.chordMember(n, staff, voice)
		return
	}
	im.chord = nil

	length := im.ctx.FromDivisions(n.Duration)
	if n.Grace != nil {
		length = timing.Zero
	}

	func() {
		defer im.ctx.EnterScope(convert.ScopeStaff, strconv.Itoa(staff))()
		defer im.ctx.EnterScope(convert.ScopeVoice, voice)()

		ev := event{idx: idx, staff: staff, tstamp: im.tstamp(im.ctx.Position())}
		var child mei.LayerChild
		var note *mei.Note
		switch {
		case n.Pitch == nil && n.MeasureRest:
			ev.id = im.ctx.FreshID("mRest")
			child = &mei.MRest{Common: mei.Common{ID: ev.id}}
		case n.Pitch == nil:
			base, dots, ratio := im.noteValue(n, length)
			ev.id = im.ctx.FreshID("rest")
			child = &mei.Rest{Common: mei.Common{ID: ev.id}, Dur: base, Dots: dots, Ratio: ratio}
		case chordFollows:
			base, dots, ratio := im.noteValue(n, length)
			ch := &mei.Chord{Common: mei.Common{ID: im.ctx.FreshID("chord")}, Dur: base, Dots: dots, Ratio: ratio}
			note = newNote(im.ctx.FreshID("note"), n.Pitch, base, dots)
			note.Ratio = ratio
			if n.Grace != nil {
				ch.Grace = graceAttr(n.Grace)
				note.Grace = ch.Grace
			}
			ch.Notes = []*mei.Note{note}
			ev.id, child = ch.ID, ch
			im.chord, im.chordEv, im.chordAt = ch, ev, im.ctx.Position()
		default:
			base, dots, ratio := im.noteValue(n, length)
			note = newNote(im.ctx.FreshID("note"), n.Pitch, base, dots)
			note.Ratio = ratio
			if n.Grace != nil {
				note.Grace = graceAttr(n.Grace)
			}
			ev.id, child = note.ID, note
		}

		if note != nil {
			note.Syls = im.syls(n.Lyrics)
		} else if len(n.Lyrics) > 0 {
			im.lost("lyric", "lyric on a rest", convert.LossL2)
		}
		im.place(idx, staff, layer, child, length)
		im.grace(ev.id, n.Grace)
		if st := im.styles[staff]; st != nil {
			im.store.Entry(ev.id).MeasureStyle = st
			delete(im.styles, staff)
		}
		im.notations(ev, n, note)
	}()
	im.ctx.AdvanceBy(length)
}

// chordMember adds a <chord/> note to the chord opened by the previous note.
func (im *importer) chordMember(n *Note, staff int, voice string) {
	if n.Pitch == nil {
		im.diag(errors.KindInvalidStructure, "rest inside a chord")
		return
	}
	if staff != im.chordEv.staff {
		im.diag(errors.KindInvalidStructure, "chord note on staff %d, chord on staff %d", staff, im.chordEv.staff)
	}
	defer im.ctx.EnterScope(convert.ScopeStaff, strconv.Itoa(im.chordEv.staff))()
	defer im.ctx.EnterScope(convert.ScopeVoice, voice)()
	im.ctx.SetPosition(im.chordAt)

	note := newNote(im.ctx.FreshID("note"), n.Pitch, im.chord.Dur, im.chord.Dots)
	note.Grace, note.Ratio = im.chord.Grace, im.chord.Ratio
	note.Syls = im.syls(n.Lyrics)
	im.chord.Notes = append(im.chord.Notes, note)
	im.notations(im.chordEv, n, note)
}

// grace records how a grace note was written. Consecutive grace events
// share a group.
func (im *importer) grace(id string, g *Grace) {
	if g == nil {
		im.inGrace = false
		return
	}
	if !im.inGrace {
		im.graceGroup++
		im.inGrace = true
	}
	kind := ext.GraceNormal
	if g.Slash {
		kind = ext.GraceAcciaccatura
	}
	im.store.Entry(id).Grace = &ext.GraceInfo{Kind: kind, Group: im.graceGroup}
}

func has(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func markAttr(m Mark, name string) string {
	for _, a := range m.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

func (im *importer) point(ev event, place string) mei.ControlAttrs {
	return mei.ControlAttrs{StartID: ev.id, Staff: ev.staff, Tstamp: ev.tstamp, Place: place}
}

func (im *importer) partKey(concern convert.Concern, number int) convert.Key {
	if number <= 0 {
		number = 1
	}
	return convert.Key{Concern: concern, Scope: convert.Scope{Part: im.part.ID}, Number: number}
}

// notations processes ties, slurs and marks of one note in a fixed order:
// tie stops, tie starts, slur stops, slur starts, ornaments, technical,
// articulations, fermatas.
func (im *importer) notations(ev event, n *Note, note *mei.Note) {
	spans := im.ctx.Spans()
	if note != nil {
		var types []string
		if n.Notations != nil {
			for _, t := range n.Notations.Tied {
				types = append(types, t.Type)
			}
		}
		if len(types) == 0 {
			types = n.Ties
		}
		key := convert.Key{Concern: convert.ConcernTie, Scope: im.ctx.Scope(), Number: note.MIDI()}
		if has(types, "stop") || has(types, "continue") {
			spans.Stop(key, note.ID)
		}
		if has(types, "start") || has(types, "continue") {
			spans.Start(key, note.ID, &spanStart{staff: ev.staff})
		}
		if has(types, "let-ring") {
			im.noteMeta(note.ID).LetRing = true
		}
	}

	nn := n.Notations
	if nn == nil {
		im.drain()
		return
	}
	for _, s := range nn.Slurs {
		if s.Type == "stop" {
			spans.Stop(im.partKey(convert.ConcernSlur, s.Number), ev.id)
		}
	}
	for _, s := range nn.Slurs {
		if s.Type == "start" {
			spans.Start(im.partKey(convert.ConcernSlur, s.Number), ev.id,
				&spanStart{staff: ev.staff, place: s.Placement, tstamp: ev.tstamp})
		}
	}
	if len(nn.Tuplets) > 0 {
		meta := im.noteMeta(ev.id)
		meta.Tuplets = append(meta.Tuplets, nn.Tuplets...)
	}

	wavy := make(map[string]Mark)
	for _, m := range nn.Ornaments {
		if m.Name == "wavy-line" {
			wavy[markAttr(m, "type")] = m
		}
	}
	for _, m := range nn.Ornaments {
		switch m.Name {
		case "trill-mark":
			if w, ok := wavy["start"]; ok {
				number, _ := strconv.Atoi(markAttr(w, "number"))
				spans.Start(im.partKey(convert.ConcernTrill, number), ev.id,
					&spanStart{staff: ev.staff, place: m.Placement, tstamp: ev.tstamp})
				continue
			}
			im.emit(ev.idx, &mei.Trill{
				Common:       mei.Common{ID: im.ctx.FreshID("trill")},
				ControlAttrs: im.point(ev, m.Placement),
			})
		case "wavy-line":
			switch markAttr(m, "type") {
			case "stop":
				number, _ := strconv.Atoi(markAttr(m, "number"))
				spans.Stop(im.partKey(convert.ConcernTrill, number), ev.id)
			case "start":
				if !has(markNames(nn.Ornaments), "trill-mark") {
					im.lost("wavy-line", "wavy line without a trill mark", convert.LossL2)
				}
			}
		default:
			if name, ok := ornamentElements[m.Name]; ok {
				im.emit(ev.idx, &mei.Ornam{
					Common:       mei.Common{ID: im.ctx.FreshID("ornam")},
					ControlAttrs: im.point(ev, m.Placement),
					Name:         name,
				})
				continue
			}
			im.carrier(ev, "ornaments", m)
		}
	}

	for _, m := range nn.Technical {
		switch {
		case m.Name == "fingering":
			d := &mei.Dir{
				Common:       mei.Common{ID: im.ctx.FreshID("dir")},
				ControlAttrs: im.point(ev, m.Placement),
				Text:         m.Text,
			}
			im.setGeneric(d.ID, markMeta{Kind: "fingering", Group: "technical", Element: m.Name, Attrs: m.Attrs})
			im.emit(ev.idx, d)
		case technicalElements[m.Name] != "" && note != nil:
			note.Artic = append(note.Artic, mei.Artic{Name: technicalElements[m.Name], Place: m.Placement})
		default:
			im.carrier(ev, "technical", m)
		}
	}
	for _, m := range nn.Articulations {
		if name, ok := articulationElements[m.Name]; ok && note != nil {
			note.Artic = append(note.Artic, mei.Artic{Name: name, Place: m.Placement})
			continue
		}
		im.carrier(ev, "articulations", m)
	}
	for _, f := range nn.Fermatas {
		im.emit(ev.idx, &mei.Fermata{
			Common:       mei.Common{ID: im.ctx.FreshID("fermata")},
			ControlAttrs: im.point(ev, fermataPlace(f.Type)),
		})
	}
	for _, e := range nn.Other {
		im.emit(ev.idx, im.elementDir(ev, "notations", e.Placement, e))
	}
	im.drain()
}

func markNames(marks []Mark) []string {
	out := make([]string, len(marks))
	for i, m := range marks {
		out[i] = m.Name
	}
	return out
}

// carrier stores a mark without a canonical element as a Dir whose text
// is a summary, with the details in the extension store.
func (im *importer) carrier(ev event, group string, m Mark) {
	name := m.Name
	if strings.HasPrefix(name, "other-") && m.Text != "" {
		name = m.Text
	}
	d := &mei.Dir{
		Common:       mei.Common{ID: im.ctx.FreshID("dir")},
		ControlAttrs: im.point(ev, m.Placement),
		Text:         name,
	}
	e := im.store.Entry(d.ID)
	e.Ornament = &ext.OrnamentInfo{Name: name, Direction: upDown(m.Placement), Text: m.Text}
	im.setGeneric(d.ID, markMeta{Group: group, Element: m.Name, Attrs: m.Attrs})
	im.emit(ev.idx, d)
}

// elementDir keeps an element outside the supported subset as a Dir whose
// text is the element text, or its name when it has none. The element is
// rebuilt from the payload on export.
func (im *importer) elementDir(ev event, group, place string, e Element) *mei.Dir {
	text := e.Text
	if text == "" {
		text = e.Name
	}
	d := &mei.Dir{
		Common:       mei.Common{ID: im.ctx.FreshID("dir")},
		ControlAttrs: im.point(ev, place),
		Text:         text,
	}
	im.setGeneric(d.ID, markMeta{Group: group, Element: e.Name, Attrs: e.Attrs, Inner: e.Inner})
	return d
}

func (im *importer) direction(idx int, d *Direction) {
	staff := im.staffOf(d.Staff)
	at := im.ctx.Position().Add(im.ctx.FromDivisions(d.Offset))
	if at.Sign() < 0 {
		im.diag(errors.KindInvalidValue, "direction offset %d moves before the measure start", d.Offset)
		at = timing.Zero
	}

	defer im.ctx.EnterScope(convert.ScopeStaff, strconv.Itoa(staff))()
	im.ctx.SetPosition(at)
	ev := event{idx: idx, staff: staff, tstamp: im.tstamp(at)}

	first := ""
	add := func(c mei.Control) {
		if first == "" {
			first = c.Identity().ID
		}
		im.emit(idx, c)
	}

	var metronome bool
	for _, t := range d.Types {
		if _, ok := t.(*Metronome); ok {
			metronome = true
		}
	}
	var words []string
	for _, t := range d.Types {
		switch t := t.(type) {
		case *Words:
			if metronome {
				words = append(words, t.Text)
				continue
			}
			add(&mei.Dir{
				Common:       mei.Common{ID: im.ctx.FreshID("dir")},
				ControlAttrs: im.point(ev, d.Placement),
				Text:         t.Text,
			})
		case *Dynamics:
			marks := t.Marks
			if t.Other != "" {
				marks = append(append([]string(nil), marks...), t.Other)
			}
			for _, mark := range marks {
				add(&mei.Dynam{
					Common:       mei.Common{ID: im.ctx.FreshID("dynam")},
					ControlAttrs: im.point(ev, d.Placement),
					Text:         mark,
				})
			}
		case *Metronome:
			add(&mei.Tempo{
				Common:       mei.Common{ID: im.ctx.FreshID("tempo")},
				ControlAttrs: im.point(ev, d.Placement),
				Text:         strings.Join(words, " "),
				MM:           t.PerMinute,
				MMUnit:       typeValues[t.BeatUnit],
				MMDots:       t.Dots,
			})
			words = nil
		case *Wedge:
			im.wedge(ev, d.Placement, t)
		case *Bracket:
			im.bracket(ev, d.Placement, t)
		case *Element:
			e := *t
			if e.Placement != "" {
				e.Attrs = append(append([]Attr(nil), e.Attrs...), Attr{"placement", e.Placement})
			}
			add(im.elementDir(ev, "direction", d.Placement, e))
		}
	}

	if d.Sound != nil {
		switch buf := im.measureAt(idx); {
		case first != "":
			im.store.Entry(first).Sound = soundData(d.Sound)
		case buf.sound == nil:
			buf.sound = soundData(d.Sound)
		default:
			im.lost("sound", "more than one sound in a measure", convert.LossL2)
		}
	}
	im.drain()
}

func (im *importer) wedge(ev event, place string, w *Wedge) {
	spans := im.ctx.Spans()
	key := im.partKey(convert.ConcernHairpin, w.Number)
	switch w.Type {
	case "crescendo", "diminuendo":
		form := "cres"
		if w.Type == "diminuendo" {
			form = "dim"
		}
		spans.Start(key, "", &spanStart{
			staff:  ev.staff,
			place:  place,
			form:   form,
			tstamp: ev.tstamp,
			wedge:  &ext.WedgeData{Number: key.Number, Spread: w.Spread, Niente: w.Niente},
		})
	case "stop":
		c, ok := spans.Stop(key, "")
		if !ok {
			return
		}
		if p, ok := c.Payload.(*spanStart); ok {
			if w.Spread != nil {
				p.wedge.Spread = w.Spread
			}
			p.wedge.Niente = p.wedge.Niente || w.Niente
		}
	}
}

func (im *importer) bracket(ev event, place string, b *Bracket) {
	spans := im.ctx.Spans()
	key := im.partKey(convert.ConcernBracket, b.Number)
	switch b.Type {
	case "start":
		spans.Start(key, "", &spanStart{
			staff:   ev.staff,
			place:   place,
			tstamp:  ev.tstamp,
			bracket: &bracketMeta{StartEnd: b.LineEnd, LineType: b.LineType},
		})
	case "stop":
		c, ok := spans.Stop(key, "")
		if !ok {
			return
		}
		if p, ok := c.Payload.(*spanStart); ok {
			p.bracket.StopEnd = b.LineEnd
		}
	}
}

func (im *importer) harmony(idx int, h *Harmony) {
	hm := &mei.Harm{
		Common: mei.Common{ID: im.ctx.FreshID("harm")},
		ControlAttrs: mei.ControlAttrs{
			Staff:  im.staffOf(h.Staff),
			Tstamp: im.tstamp(im.ctx.Position()),
			Place:  h.Placement,
		},
		Text: harmonyText(h),
	}
	im.setGeneric(hm.ID, harmonyMeta{
		Root:      h.Root,
		RootAlter: h.RootAlter,
		Kind:      h.Kind,
		KindText:  h.KindText,
		Bass:      h.Bass,
		BassAlter: h.BassAlter,
	})
	im.emit(idx, hm)
}

// figuredBass attaches figures to the lowest staff of the part.
func (im *importer) figuredBass(idx int, f *FiguredBass) {
	fb := &mei.Fb{
		Common: mei.Common{ID: im.ctx.FreshID("fb")},
		ControlAttrs: mei.ControlAttrs{
			Staff:  im.base + im.staves,
			Tstamp: im.tstamp(im.ctx.Position()),
		},
	}
	data := &ext.FiguredBassData{}
	for _, fig := range f.Figures {
		fb.Figures = append(fb.Figures, figureText(fig))
		data.Figures = append(data.Figures, ext.Figure{Prefix: fig.Prefix, Number: fig.Number, Suffix: fig.Suffix})
	}
	if f.Duration > 0 {
		data.Duration = im.ctx.FromDivisions(f.Duration).String()
	}
	im.store.Entry(fb.ID).FiguredBass = data
	im.emit(idx, fb)
}

// drain turns completed spans into control events in resolution order.
// Identities are assigned here so that unterminated spans consume none.
func (im *importer) drain() {
	for _, c := range im.ctx.Spans().Drain() {
		p, ok := c.Payload.(*spanStart)
		if !ok {
			continue
		}
		attrs := mei.ControlAttrs{StartID: c.StartID, EndID: c.EndID, Staff: p.staff, Place: p.place}
		spanned := func() {
			attrs.Tstamp = p.tstamp
			attrs.Tstamp2 = &mei.MeasureBeat{Measures: c.Measures(), Beat: im.tstamp(c.End.Position)}
		}

		var ctrl mei.MeasureChild
		switch c.Key.Concern {
		case convert.ConcernTie:
			ctrl = &mei.Tie{Common: mei.Common{ID: im.ctx.FreshID("tie")}, ControlAttrs: attrs}
		case convert.ConcernSlur:
			ctrl = &mei.Slur{Common: mei.Common{ID: im.ctx.FreshID("slur")}, ControlAttrs: attrs}
		case convert.ConcernHairpin:
			spanned()
			h := &mei.Hairpin{Common: mei.Common{ID: im.ctx.FreshID("hairpin")}, ControlAttrs: attrs, Form: p.form}
			im.store.Entry(h.ID).Wedge = p.wedge
			ctrl = h
		case convert.ConcernBracket:
			spanned()
			b := &mei.BracketSpan{Common: mei.Common{ID: im.ctx.FreshID("bracketSpan")}, ControlAttrs: attrs, Func: "bracket"}
			im.setGeneric(b.ID, p.bracket)
			ctrl = b
		case convert.ConcernTrill:
			spanned()
			ctrl = &mei.Trill{Common: mei.Common{ID: im.ctx.FreshID("trill")}, ControlAttrs: attrs}
		default:
			continue
		}
		im.emit(c.Start.Measure, ctrl)
	}
}

func (im *importer) meterOf(idx int) mei.Meter {
	switch {
	case idx < len(im.meters):
		return im.meters[idx]
	case len(im.meters) > 0:
		return im.meters[len(im.meters)-1]
	}
	return mei.Meter{Count: 4, Unit: 4}
}

// finalize assembles the measures.
func (im *importer) finalize() error {
	if len(im.measures) == 0 {
		return errors.NewImport(FormatName, "", "document contains no measures")
	}
	for _, def := range im.score.StaffDefs {
		def.Meter = im.meterOf(0)
	}

	for idx, buf := range im.measures {
		n := buf.number
		if n == "" {
			n = strconv.Itoa(idx + 1)
		}
		m := &mei.Measure{Common: mei.Common{ID: buf.id}, N: n, Left: buf.left, Right: buf.right}
		if buf.ending != nil {
			e := *buf.ending
			m.Ending = &e
		}
		if idx > 0 && im.meterOf(idx) != im.meterOf(idx-1) {
			meter := im.meterOf(idx)
			m.Meter = &meter
		}
		length := buf.end
		if length.IsZero() {
			length = im.meterOf(idx).Length()
		}
		for _, def := range im.score.StaffDefs {
			m.Children = append(m.Children, staffFor(def.N, buf.staves[def.N], length))
		}
		m.Children = append(m.Children, buf.controls...)

		if buf.implicit || buf.leftBar != nil || buf.rightBar != nil {
			im.setGeneric(buf.id, measureMeta{Implicit: buf.implicit, Left: buf.leftBar, Right: buf.rightBar})
		}
		if buf.print != nil {
			im.store.Entry(buf.id).Print = buf.print
		}
		if buf.sound != nil {
			im.store.Entry(buf.id).Sound = buf.sound
		}
		im.score.Measures = append(im.score.Measures, m)
	}

	ids := make([]string, 0, len(im.notes))
	for id := range im.notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		im.setGeneric(id, im.notes[id])
	}
	return nil
}

// staffFor builds the staff of one measure: layers in order, trailing gaps
// filled with space, layers holding only space dropped unless nothing else
// remains.
func staffFor(n int, sb *staffBuf, length timing.Fraction) *mei.Staff {
	st := &mei.Staff{N: n}
	if sb != nil {
		keys := make([]int, 0, len(sb.layers))
		for k := range sb.layers {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			lb := sb.layers[k]
			if lb.fill.Less(length) {
				appendSpace(lb.layer, length.Sub(lb.fill))
			}
			if !spaceOnly(lb.layer) {
				st.Layers = append(st.Layers, lb.layer)
			}
		}
	}
	if len(st.Layers) == 0 {
		st.Layers = []*mei.Layer{{N: 1, Children: []mei.LayerChild{&mei.Space{Length: length}}}}
	}
	return st
}

func spaceOnly(l *mei.Layer) bool {
	for _, c := range l.Children {
		switch c.(type) {
		case *mei.Space:
		default:
			return false
		}
	}
	return true
}
