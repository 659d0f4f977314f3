package musicxml

import (
	"sort"
	"strconv"
	"strings"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/mei"
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// Export converts a canonical tree and its extension store to a
// score-partwise document. Staves sharing a part identity become one part;
// spans crossing barlines are split with their stops deferred to the
// measure they end in.
func Export(score *mei.Score, store *ext.Store, opts ...convert.Option) (*ScorePartwise, *convert.Report, error) {
	report := convert.NewReport("MEI", FormatName)
	all := append([]convert.Option{convert.WithIDPrefix("mx"), convert.WithReport(report)}, opts...)
	ctx := convert.NewContext(convert.Export, all...)
	if score == nil {
		return nil, ctx.Report(), errors.NewConversion(errors.KindMissingRequired, "score", "score is nil")
	}

	ex := &exporter{ctx: ctx, store: store.View(score), score: score}
	doc := ex.document()
	ctx.Logger().Debug("musicxml export done",
		"parts", len(doc.Parts),
		"divisions", ctx.Divisions(),
		"diagnostics", len(ctx.Report().Diagnostics))
	return doc, ctx.Report(), nil
}

type exporter struct {
	ctx    *convert.Context
	store  *ext.Store
	score  *mei.Score
	meters []mei.Meter
	where  map[string]int
	onsets map[string]timing.Fraction
	owner  map[int]*partOut
}

type partOut struct {
	id   string
	name string
	defs []*mei.StaffDef
}

// local returns the part-local number of staff n.
func (p *partOut) local(n int) int {
	for i, def := range p.defs {
		if def.N == n {
			return i + 1
		}
	}
	return 1
}

// slot is one layer event with the notations collected for it.
type slot struct {
	child  mei.LayerChild
	onset  timing.Fraction
	before []Item

	slurStops     []Slur
	slurStarts    []Slur
	ornaments     []Mark
	technical     []Mark
	articulations []Mark
	fermatas      []Fermata
	other         []Element
}

type layerOut struct {
	n     int
	slots []*slot
}

// queued is a staff-level item waiting for its position in the first
// layer of the staff.
type queued struct {
	offset timing.Fraction
	item   Item
	id     string
}

type staffOut struct {
	def    *mei.StaffDef
	local  int
	layers []*layerOut
	queue  []queued
}

// measureOut collects the export of one part in one measure.
type measureOut struct {
	idx       int
	meter     mei.Meter
	length    timing.Fraction
	staves    []*staffOut
	byID      map[string]*slot
	notes     map[string]*mei.Note
	tieStarts map[string]bool
	tieStops  map[string]bool
}

func (mo *measureOut) staff(n int) *staffOut {
	for _, so := range mo.staves {
		if so.def.N == n {
			return so
		}
	}
	return mo.staves[0]
}

func (ex *exporter) diag(kind errors.Kind, location, format string, args ...interface{}) {
	ex.ctx.Report().Add(kind, location, format, args...)
}

func (ex *exporter) lost(path, element, reason string, class convert.LossClass) {
	ex.ctx.Report().AddLostElement(path, element, reason, class)
}

func (ex *exporter) document() *ScorePartwise {
	doc := &ScorePartwise{Version: DefaultVersion}
	var meta scoreMeta
	if e, ok := ex.store.Get(ex.score.ID); ok && e.DecodeGeneric(&meta) {
		if meta.Version != "" {
			doc.Version = meta.Version
		}
		doc.Software = meta.Software
	}
	ex.header(doc)

	ex.meters = metersOf(ex.score)
	ex.where = make(map[string]int)
	ex.onsets = make(map[string]timing.Fraction)
	for idx, m := range ex.score.Measures {
		for _, st := range m.Staves() {
			for _, l := range st.Layers {
				pos := timing.Zero
				for _, c := range l.Children {
					if id := c.Identity().ID; id != "" {
						ex.where[id], ex.onsets[id] = idx, pos
					}
					if ch, ok := c.(*mei.Chord); ok {
						for _, n := range ch.Notes {
							ex.where[n.ID], ex.onsets[n.ID] = idx, pos
						}
					}
					pos = pos.Add(childLength(c, ex.meters[idx]))
				}
			}
		}
	}
	ex.ctx.SetDivisions(ex.divisions())

	parts := ex.parts()
	if len(parts) == 0 {
		ex.diag(errors.KindMissingRequired, ex.score.ID, "score declares no staves")
	}
	for i, p := range parts {
		sp := &ScorePart{ID: p.id, Name: p.name}
		var pm staffMeta
		if e, ok := ex.store.Get(p.defs[0].ID); ok && e.DecodeGeneric(&pm) {
			sp.Abbreviation = pm.Abbreviation
		}
		doc.PartList = append(doc.PartList, sp)
		doc.Parts = append(doc.Parts, ex.part(i, p))
	}
	return doc
}

func (ex *exporter) header(doc *ScorePartwise) {
	for _, f := range ex.score.Head.Fields {
		switch {
		case f.Name == "title" && doc.WorkTitle == "":
			doc.WorkTitle = f.Value
		case f.Name == "piece" && doc.MovementTitle == "":
			doc.MovementTitle = f.Value
		case fieldCreators[f.Name] != "":
			doc.Creators = append(doc.Creators, Creator{Type: fieldCreators[f.Name], Value: f.Value})
		case strings.HasPrefix(f.Name, creatorPrefix):
			doc.Creators = append(doc.Creators, Creator{Type: strings.TrimPrefix(f.Name, creatorPrefix), Value: f.Value})
		case f.Name == "copyright":
			doc.Rights = append(doc.Rights, f.Value)
		default:
			doc.Misc = append(doc.Misc, MiscField{Name: f.Name, Value: f.Value})
		}
	}
}

func validMeter(m mei.Meter) bool { return m.Count > 0 && m.Unit > 0 }

// metersOf returns the meter in force in every measure.
func metersOf(s *mei.Score) []mei.Meter {
	cur := mei.Meter{Count: 4, Unit: 4}
	if len(s.StaffDefs) > 0 && validMeter(s.StaffDefs[0].Meter) {
		cur = s.StaffDefs[0].Meter
	}
	out := make([]mei.Meter, len(s.Measures))
	for i, m := range s.Measures {
		if m.Meter != nil && validMeter(*m.Meter) {
			cur = *m.Meter
		}
		out[i] = cur
	}
	return out
}

// offset converts a 1-based beat in measure idx to a whole-note offset.
func (ex *exporter) offset(idx int, tstamp timing.Fraction) timing.Fraction {
	unit := 4
	if idx < len(ex.meters) {
		unit = ex.meters[idx].Unit
	}
	off := tstamp.Sub(timing.Int(1)).Div(timing.Int(int64(unit)))
	if off.Sign() < 0 {
		return timing.Zero
	}
	return off
}

// beat converts a whole-note offset in measure idx to a 1-based beat.
func (ex *exporter) beat(idx int, off timing.Fraction) timing.Fraction {
	unit := 4
	if idx < len(ex.meters) {
		unit = ex.meters[idx].Unit
	}
	return off.Mul(timing.Int(int64(unit))).Add(timing.Int(1))
}

// spanBeats returns the start and end beats of a span. Explicit tstamps
// win; otherwise the onsets of the anchor events are used.
func (ex *exporter) spanBeats(idx int, a *mei.ControlAttrs) (start, end timing.Fraction) {
	start = a.Tstamp
	if start.IsZero() {
		if on, ok := ex.onsets[a.StartID]; ok && a.StartID != "" {
			start = ex.beat(idx, on)
		}
	}
	end = start
	switch {
	case a.Tstamp2 != nil:
		end = a.Tstamp2.Beat
	case a.EndID != "":
		if on, ok := ex.onsets[a.EndID]; ok {
			end = ex.beat(ex.where[a.EndID], on)
		}
	}
	return start, end
}

// childLength is how far a layer child advances time; a measure rest
// fills the meter.
func childLength(c mei.LayerChild, meter mei.Meter) timing.Fraction {
	if _, ok := c.(*mei.MRest); ok {
		return meter.Length()
	}
	return mei.EventDuration(c)
}

// measureLength is the longest layer of the measure, or the meter length
// when the measure is empty.
func (ex *exporter) measureLength(idx int, m *mei.Measure) timing.Fraction {
	meter := ex.meters[idx]
	length := timing.Zero
	for _, st := range m.Staves() {
		for _, l := range st.Layers {
			total := timing.Zero
			for _, c := range l.Children {
				total = total.Add(childLength(c, meter))
			}
			if length.Less(total) {
				length = total
			}
		}
	}
	if length.IsZero() {
		return meter.Length()
	}
	return length
}

// divisions returns the smallest divisions per quarter note that express
// every duration and control position exactly.
func (ex *exporter) divisions() int {
	l := int64(1)
	add := func(f timing.Fraction) {
		if v := f.Mul(timing.Int(4)); v.Den > 1 {
			l = timing.LCM(l, v.Den)
		}
	}
	for idx, m := range ex.score.Measures {
		meter := ex.meters[idx]
		add(meter.Length())
		for _, st := range m.Staves() {
			for _, l := range st.Layers {
				for _, c := range l.Children {
					add(childLength(c, meter))
				}
			}
		}
		for _, c := range m.Controls() {
			a := c.Attrs()
			add(ex.offset(idx, a.Tstamp))
			if a.Tstamp2 != nil {
				add(ex.offset(idx+a.Tstamp2.Measures, a.Tstamp2.Beat))
			}
			if fb := ex.store.FiguredBass(c.Identity().ID); fb != nil && fb.Source == "" && fb.Duration != "" {
				if d, err := timing.Parse(fb.Duration); err == nil {
					add(d)
				}
			}
		}
	}
	return int(l)
}

// parts groups the staff definitions by part identity in order of first
// appearance. Staves without a part become parts of their own.
func (ex *exporter) parts() []*partOut {
	var parts []*partOut
	byID := make(map[string]*partOut)
	ex.owner = make(map[int]*partOut)
	for _, def := range ex.score.StaffDefs {
		id := def.Part
		if id == "" {
			id = "P" + strconv.Itoa(def.N)
		}
		p := byID[id]
		if p == nil {
			p = &partOut{id: id, name: def.PartName}
			byID[id] = p
			parts = append(parts, p)
		}
		p.defs = append(p.defs, def)
		ex.owner[def.N] = p
	}
	return parts
}

// staffOf returns the staff a control belongs to.
func (ex *exporter) staffOf(c mei.Control) int {
	if n := c.Attrs().Staff; n > 0 {
		if _, ok := ex.owner[n]; ok {
			return n
		}
	}
	if len(ex.score.StaffDefs) > 0 {
		return ex.score.StaffDefs[0].N
	}
	return 1
}

func (ex *exporter) part(pi int, p *partOut) *Part {
	defer ex.ctx.EnterScope(convert.ScopePart, p.id)()
	spans := ex.ctx.Spans()

	out := &Part{ID: p.id}
	for idx, m := range ex.score.Measures {
		ex.ctx.BeginMeasure(idx)
		var due []convert.Token
		if idx > 0 {
			due = spans.AdvanceMeasure()
		}
		mo := ex.newMeasureOut(p, idx, m)
		for _, tok := range due {
			ex.stopToken(mo, tok)
		}
		for _, c := range m.Controls() {
			if ex.owner[ex.staffOf(c)] == p {
				ex.control(mo, c)
			}
		}
		out.Measures = append(out.Measures, ex.render(pi, p, m, mo))
	}
	spans.Finish()
	return out
}

func (ex *exporter) newMeasureOut(p *partOut, idx int, m *mei.Measure) *measureOut {
	mo := &measureOut{
		idx:       idx,
		meter:     ex.meters[idx],
		length:    ex.measureLength(idx, m),
		byID:      make(map[string]*slot),
		notes:     make(map[string]*mei.Note),
		tieStarts: make(map[string]bool),
		tieStops:  make(map[string]bool),
	}
	for k, def := range p.defs {
		so := &staffOut{def: def, local: k + 1}
		mo.staves = append(mo.staves, so)
		st := m.Staff(def.N)
		if st == nil {
			continue
		}
		layers := append([]*mei.Layer(nil), st.Layers...)
		sort.SliceStable(layers, func(i, j int) bool { return layers[i].N < layers[j].N })
		for _, l := range layers {
			lo := &layerOut{n: l.N}
			pos := timing.Zero
			for _, c := range l.Children {
				s := &slot{child: c, onset: pos}
				lo.slots = append(lo.slots, s)
				if id := c.Identity().ID; id != "" {
					mo.byID[id] = s
				}
				switch c := c.(type) {
				case *mei.Note:
					mo.notes[c.ID] = c
				case *mei.Chord:
					for _, n := range c.Notes {
						mo.notes[n.ID] = n
						mo.byID[n.ID] = s
					}
				}
				if ms := ex.store.MeasureStyle(c.Identity().ID); ms != nil {
					s.before = append(s.before, &Attributes{MeasureStyles: []MeasureStyle{{
						Number:        ex.staffNumber(p, so.local),
						MultipleRest:  ms.MultipleRest,
						MeasureRepeat: ms.MeasureRepeat,
						RepeatType:    ms.RepeatType,
						Slashes:       ms.Slashes,
					}}})
				}
				pos = pos.Add(childLength(c, mo.meter))
			}
			so.layers = append(so.layers, lo)
		}
	}
	return mo
}

// staffNumber is the <staff> value for a part-local staff; single-staff
// parts omit it.
func (ex *exporter) staffNumber(p *partOut, local int) int {
	if len(p.defs) > 1 {
		return local
	}
	return 0
}

// anchor returns the event a mark attaches to: the event with identity id,
// else the first event of the staff at or after the offset, else the last.
func (mo *measureOut) anchor(staff int, id string, off timing.Fraction) *slot {
	if s, ok := mo.byID[id]; ok && id != "" {
		return s
	}
	so := mo.staff(staff)
	if len(so.layers) == 0 || len(so.layers[0].slots) == 0 {
		return nil
	}
	slots := so.layers[0].slots
	for _, s := range slots {
		if !s.onset.Less(off) {
			return s
		}
	}
	return slots[len(slots)-1]
}

// at returns the onset of the event with identity id, else off.
func (mo *measureOut) at(id string, off timing.Fraction) timing.Fraction {
	if s, ok := mo.byID[id]; ok && id != "" {
		return s.onset
	}
	return off
}

// spanConcern maps spanning controls to resolver concerns. Phrases share
// slur numbering since they are written as slurs.
func spanConcern(c mei.Control) (convert.Concern, bool) {
	switch c := c.(type) {
	case *mei.Tie:
		return convert.ConcernTie, true
	case *mei.Slur, *mei.Phrase:
		return convert.ConcernSlur, true
	case *mei.Hairpin:
		return convert.ConcernHairpin, true
	case *mei.BracketSpan:
		return convert.ConcernBracket, true
	case *mei.Trill:
		return convert.ConcernTrill, c.EndID != "" || c.Tstamp2 != nil
	}
	return "", false
}

func (ex *exporter) control(mo *measureOut, c mei.Control) {
	a := c.Attrs()
	id := c.Identity().ID
	staff := ex.staffOf(c)
	p := ex.owner[staff]

	if concern, ok := spanConcern(c); ok {
		key := convert.Key{Concern: concern, Scope: ex.ctx.Scope()}
		if wd := ex.store.Wedge(id); wd != nil && concern == convert.ConcernHairpin {
			key.Number = wd.Number
		}
		if _, ok := c.(*mei.Phrase); ok {
			ex.diag(errors.KindUnsupportedFeature, id, "phrase is written as a slur")
			ex.lost(id, "phrase", "written as a slur", convert.LossL1)
		}
		ev := convert.SpanEvent{
			Key:     key,
			ID:      id,
			Staff:   staff,
			Payload: c,
		}
		ev.Beat, ev.EndBeat = ex.spanBeats(mo.idx, a)
		if end, ok := ex.where[a.EndID]; ok && a.EndID != "" {
			ev.EndMeasures = end - mo.idx
		} else if a.Tstamp2 != nil {
			ev.EndMeasures = a.Tstamp2.Measures
		} else {
			ex.diag(errors.KindUnresolvedReference, id, "<%s> has no end point", c.Element())
		}
		res := ex.ctx.Spans().Split(ev)
		ex.startToken(mo, res.Start)
		if res.Stop != nil {
			ex.stopToken(mo, *res.Stop)
		}
		return
	}

	so := mo.staff(staff)
	off := ex.offset(mo.idx, a.Tstamp)
	number := ex.staffNumber(p, so.local)
	switch c := c.(type) {
	case *mei.Dynam:
		dyn := &Dynamics{}
		if dynamicMarks[c.Text] {
			dyn.Marks = []string{c.Text}
		} else {
			dyn.Other = c.Text
		}
		ex.queue(so, mo.at(a.StartID, off), id, &Direction{Placement: c.Place, Staff: number, Types: []DirectionType{dyn}})
		return
	case *mei.Tempo:
		ex.queue(so, mo.at(a.StartID, off), id, ex.tempo(c, number))
		return
	case *mei.Harm:
		ex.queue(so, mo.at(a.StartID, off), id, ex.harmony(c, number))
		return
	case *mei.Fb:
		ex.queue(so, mo.at(a.StartID, off), id, ex.figuredBass(c))
		return
	case *mei.Dir:
		if ex.store.Function(id) != nil {
			ex.diag(errors.KindUnsupportedFeature, id, "function call %q has no MusicXML form", c.Text)
			ex.lost(id, "dir", "function call", convert.LossL2)
			return
		}
		if meta, ok := ex.markMeta(id); ok && meta.Group == "direction" {
			el := &Element{Name: meta.Element, Attrs: meta.Attrs, Inner: meta.Inner}
			ex.queue(so, mo.at(a.StartID, off), id, &Direction{Placement: c.Place, Staff: number, Types: []DirectionType{el}})
			return
		}
		if !ex.isMark(c) {
			ex.queue(so, mo.at(a.StartID, off), id, &Direction{Placement: c.Place, Staff: number, Types: []DirectionType{&Words{Text: c.Text}}})
			return
		}
	}

	s := mo.anchor(staff, a.StartID, off)
	if s == nil {
		ex.diag(errors.KindUnresolvedReference, id, "<%s> has no event to attach to", c.Element())
		ex.lost(id, c.Element(), "no anchor event", convert.LossL3)
		return
	}
	switch c := c.(type) {
	case *mei.Dir:
		ex.mark(s, c)
	case *mei.Ornam:
		if el, ok := ornamentFor[c.Name]; ok {
			s.ornaments = append(s.ornaments, Mark{Name: el, Placement: c.Place})
			break
		}
		ex.lost(id, "ornam", "ornament "+c.Name+" written as other-ornament", convert.LossL1)
		s.ornaments = append(s.ornaments, Mark{Name: "other-ornament", Placement: c.Place, Text: c.Name})
	case *mei.Fermata:
		s.fermatas = append(s.fermatas, Fermata{Type: fermataType(c.Place)})
	case *mei.Trill:
		s.ornaments = append(s.ornaments, Mark{Name: "trill-mark", Placement: c.Place})
	default:
		ex.diag(errors.KindUnsupportedFeature, id, "<%s> is not exported", c.Element())
	}
}

func (ex *exporter) markMeta(id string) (markMeta, bool) {
	var meta markMeta
	e, ok := ex.store.Get(id)
	return meta, ok && e.DecodeGeneric(&meta)
}

// isMark reports whether a Dir carries a notation mark rather than text.
func (ex *exporter) isMark(d *mei.Dir) bool {
	if ex.store.Ornament(d.ID) != nil {
		return true
	}
	meta, ok := ex.markMeta(d.ID)
	return ok && (meta.Kind == "fingering" || meta.Element != "")
}

// mark rebuilds the notation mark a Dir was imported from.
func (ex *exporter) mark(s *slot, d *mei.Dir) {
	var meta markMeta
	e, _ := ex.store.Get(d.ID)
	e.DecodeGeneric(&meta)
	orn := ex.store.Ornament(d.ID)

	if meta.Kind == "fingering" {
		s.technical = append(s.technical, Mark{Name: "fingering", Placement: d.Place, Text: d.Text, Attrs: meta.Attrs})
		return
	}
	if meta.Element != "" {
		m := Mark{Name: meta.Element, Placement: d.Place, Attrs: meta.Attrs}
		if orn != nil {
			m.Text = orn.Text
		}
		switch meta.Group {
		case "notations":
			s.other = append(s.other, Element{Name: meta.Element, Placement: d.Place, Attrs: meta.Attrs, Inner: meta.Inner})
		case "technical":
			s.technical = append(s.technical, m)
		case "articulations":
			s.articulations = append(s.articulations, m)
		default:
			s.ornaments = append(s.ornaments, m)
		}
		return
	}
	place := placementOf(orn.Direction)
	if place == "" {
		place = d.Place
	}
	ex.lost(d.ID, "dir", "ornament "+orn.Name+" written as other-ornament", convert.LossL1)
	s.ornaments = append(s.ornaments, Mark{Name: "other-ornament", Placement: place, Text: orn.Name})
}

func (ex *exporter) queue(so *staffOut, off timing.Fraction, id string, it Item) {
	if d, ok := it.(*Direction); ok && d.Sound == nil {
		if snd := ex.store.Sound(id); snd != nil {
			d.Sound = soundItem(snd)
		}
	}
	so.queue = append(so.queue, queued{offset: off, item: it, id: id})
}

func sortedAttrs(m map[string]string) []Attr {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Attr, len(keys))
	for i, k := range keys {
		out[i] = Attr{Name: k, Value: m[k]}
	}
	return out
}

func soundItem(s *ext.SoundData) *Sound {
	return &Sound{Tempo: s.Tempo, Dynamics: s.Dynamics, Attrs: sortedAttrs(s.Attrs)}
}

func (ex *exporter) tempo(t *mei.Tempo, staff int) *Direction {
	d := &Direction{Placement: t.Place, Staff: staff}
	if t.Text != "" {
		d.Types = append(d.Types, &Words{Text: t.Text})
	}
	if t.MM > 0 {
		unit := t.MMUnit
		if unit == 0 {
			unit = 4
		}
		d.Types = append(d.Types, &Metronome{BeatUnit: typeNames[unit], Dots: t.MMDots, PerMinute: t.MM})
		if ex.store.Sound(t.ID) == nil {
			q := float64(t.MM) * timing.Duration(unit, t.MMDots).Float() * 4
			d.Sound = &Sound{Tempo: &q}
		}
	} else {
		ex.lost(t.ID, "tempo", "tempo without a metronome mark written as words", convert.LossL1)
	}
	return d
}

func (ex *exporter) harmony(h *mei.Harm, staff int) Item {
	var meta harmonyMeta
	if e, ok := ex.store.Get(h.ID); ok && e.DecodeGeneric(&meta) && meta.Root != "" {
		return &Harmony{
			Root:      meta.Root,
			RootAlter: meta.RootAlter,
			Kind:      meta.Kind,
			KindText:  meta.KindText,
			Bass:      meta.Bass,
			BassAlter: meta.BassAlter,
			Staff:     staff,
			Placement: h.Place,
		}
	}
	if out, ok := parseHarmony(h.Text); ok {
		out.Staff, out.Placement = staff, h.Place
		return out
	}
	ex.diag(errors.KindInvalidValue, h.ID, "chord symbol %q is written as words", h.Text)
	ex.lost(h.ID, "harm", "unparsable chord symbol", convert.LossL2)
	return &Direction{Placement: h.Place, Staff: staff, Types: []DirectionType{&Words{Text: h.Text}}}
}

func (ex *exporter) figuredBass(fb *mei.Fb) *FiguredBass {
	out := &FiguredBass{}
	data := ex.store.FiguredBass(fb.ID)
	if data != nil && len(data.Figures) > 0 {
		for _, f := range data.Figures {
			out.Figures = append(out.Figures, Figure{Prefix: f.Prefix, Number: f.Number, Suffix: f.Suffix})
		}
	} else {
		for _, f := range fb.Figures {
			out.Figures = append(out.Figures, Figure{Number: f})
		}
	}
	if data != nil && data.Source == "" && data.Duration != "" {
		if d, err := timing.Parse(data.Duration); err == nil {
			out.Duration = ex.divs(fb.ID, d)
		}
	}
	return out
}

// divs converts a whole-note length to divisions.
func (ex *exporter) divs(id string, d timing.Fraction) int {
	n, ok := ex.ctx.ToDivisions(d)
	if !ok {
		ex.diag(errors.KindInvalidValue, id, "length %s is not a whole number of divisions", d)
	}
	return n
}

func (ex *exporter) startToken(mo *measureOut, tok convert.Token) {
	c, _ := tok.Payload.(mei.Control)
	if c == nil {
		return
	}
	a := c.Attrs()
	off := ex.offset(mo.idx, tok.Beat)
	switch tok.Key.Concern {
	case convert.ConcernTie:
		if _, ok := mo.notes[a.StartID]; !ok {
			ex.diag(errors.KindUnresolvedReference, tok.ID, "tie start %q is not a note of this measure", a.StartID)
			return
		}
		mo.tieStarts[a.StartID] = true
	case convert.ConcernSlur:
		s := mo.anchor(tok.Staff, a.StartID, off)
		if s == nil {
			ex.diag(errors.KindUnresolvedReference, tok.ID, "<%s> has no start event", c.Element())
			return
		}
		s.slurStarts = append(s.slurStarts, Slur{Type: "start", Number: tok.Key.Number, Placement: a.Place})
	case convert.ConcernTrill:
		s := mo.anchor(tok.Staff, a.StartID, off)
		if s == nil {
			ex.diag(errors.KindUnresolvedReference, tok.ID, "<%s> has no start event", c.Element())
			return
		}
		s.ornaments = append(s.ornaments,
			Mark{Name: "trill-mark", Placement: a.Place},
			Mark{Name: "wavy-line", Attrs: []Attr{{"type", "start"}, {"number", strconv.Itoa(tok.Key.Number)}}})
	case convert.ConcernHairpin:
		w := &Wedge{Type: "crescendo", Number: tok.Key.Number}
		hp, _ := c.(*mei.Hairpin)
		wd := ex.store.Wedge(tok.ID)
		if hp != nil && hp.Form == "dim" {
			w.Type = "diminuendo"
			if wd != nil {
				w.Spread = wd.Spread
			}
		} else if wd != nil {
			w.Niente = wd.Niente
		}
		ex.spanDirection(mo, tok, mo.at(a.StartID, off), w)
	case convert.ConcernBracket:
		var meta bracketMeta
		b := &Bracket{Type: "start", Number: tok.Key.Number, LineEnd: "none"}
		if e, ok := ex.store.Get(tok.ID); ok && e.DecodeGeneric(&meta) {
			b.LineEnd, b.LineType = meta.StartEnd, meta.LineType
		}
		ex.spanDirection(mo, tok, mo.at(a.StartID, off), b)
	}
}

func (ex *exporter) stopToken(mo *measureOut, tok convert.Token) {
	c, _ := tok.Payload.(mei.Control)
	if c == nil {
		return
	}
	a := c.Attrs()
	off := ex.offset(mo.idx, tok.Beat)
	switch tok.Key.Concern {
	case convert.ConcernTie:
		if _, ok := mo.notes[a.EndID]; !ok {
			ex.diag(errors.KindUnresolvedReference, tok.ID, "tie end %q is not a note of this measure", a.EndID)
			return
		}
		mo.tieStops[a.EndID] = true
	case convert.ConcernSlur:
		s := mo.anchor(tok.Staff, a.EndID, off)
		if s == nil {
			ex.diag(errors.KindUnresolvedReference, tok.ID, "<%s> has no end event", c.Element())
			return
		}
		s.slurStops = append(s.slurStops, Slur{Type: "stop", Number: tok.Key.Number})
	case convert.ConcernTrill:
		s := mo.anchor(tok.Staff, a.EndID, off)
		if s == nil {
			ex.diag(errors.KindUnresolvedReference, tok.ID, "<%s> has no end event", c.Element())
			return
		}
		s.ornaments = append(s.ornaments,
			Mark{Name: "wavy-line", Attrs: []Attr{{"type", "stop"}, {"number", strconv.Itoa(tok.Key.Number)}}})
	case convert.ConcernHairpin:
		w := &Wedge{Type: "stop", Number: tok.Key.Number}
		hp, _ := c.(*mei.Hairpin)
		if wd := ex.store.Wedge(tok.ID); wd != nil {
			if hp != nil && hp.Form == "dim" {
				w.Niente = wd.Niente
			} else {
				w.Spread = wd.Spread
			}
		}
		ex.spanDirection(mo, tok, mo.at(a.EndID, off), w)
	case convert.ConcernBracket:
		var meta bracketMeta
		b := &Bracket{Type: "stop", Number: tok.Key.Number, LineEnd: "none"}
		if e, ok := ex.store.Get(tok.ID); ok && e.DecodeGeneric(&meta) {
			b.LineEnd = meta.StopEnd
		}
		ex.spanDirection(mo, tok, mo.at(a.EndID, off), b)
	}
}

func (ex *exporter) spanDirection(mo *measureOut, tok convert.Token, off timing.Fraction, t DirectionType) {
	c := tok.Payload.(mei.Control)
	so := mo.staff(tok.Staff)
	d := &Direction{
		Placement: c.Attrs().Place,
		Staff:     ex.staffNumber(ex.owner[so.def.N], so.local),
		Types:     []DirectionType{t},
	}
	so.queue = append(so.queue, queued{offset: off, item: d, id: tok.ID})
}

func (ex *exporter) render(pi int, p *partOut, m *mei.Measure, mo *measureOut) *Measure {
	out := &Measure{Number: m.N}
	var mm measureMeta
	if e, ok := ex.store.Get(m.ID); ok && e.DecodeGeneric(&mm) {
		out.Implicit = mm.Implicit
	}
	left, right := ex.barlines(mo.idx, m, mm)
	if pr := ex.store.Print(m.ID); pr != nil {
		out.Items = append(out.Items, &Print{
			NewSystem: pr.NewSystem,
			NewPage:   pr.NewPage,
			Attrs:     sortedAttrs(pr.Attrs),
			Layout:    pr.Layout,
		})
	}
	if left != nil {
		out.Items = append(out.Items, left)
	}
	if a := ex.attributes(p, mo); a != nil {
		out.Items = append(out.Items, a)
	}
	if snd := ex.store.Sound(m.ID); snd != nil && pi == 0 {
		out.Items = append(out.Items, soundItem(snd))
	}

	cursor := timing.Zero
	for _, so := range mo.staves {
		layers := so.layers
		if len(layers) == 0 {
			layers = []*layerOut{{n: 1, slots: []*slot{{child: &mei.Space{Length: mo.length}, onset: timing.Zero}}}}
		}
		for li, l := range layers {
			if cursor.Sign() > 0 {
				out.Items = append(out.Items, &Backup{Duration: ex.divs(m.ID, cursor)})
			}
			lw := &layerWriter{ex: ex, mo: mo, so: so, items: out.Items, flush: li == 0,
				voice: strconv.Itoa(l.n), staff: ex.staffNumber(p, so.local)}
			cursor = lw.write(l)
			out.Items = lw.items
		}
	}

	if right != nil {
		out.Items = append(out.Items, right)
	}
	return out
}

// barlines builds the barlines of measure idx from the canonical styles,
// the styles kept in the measure payload, and the volta endings. An ending
// starts on the left barline of its first measure and stops on the right
// barline of its last.
func (ex *exporter) barlines(idx int, m *mei.Measure, mm measureMeta) (left, right *Barline) {
	bar := func(style, location string, kept *Barline) *Barline {
		if style == "" {
			if kept == nil {
				return nil
			}
			b := *kept
			b.Location = location
			return &b
		}
		b := barTo(style, location)
		if b == nil {
			ex.diag(errors.KindUnsupportedFeature, m.ID, "bar line %q has no MusicXML form", style)
		}
		return b
	}
	left, right = bar(m.Left, "left", mm.Left), bar(m.Right, "right", mm.Right)

	e := m.Ending
	if e == nil {
		return left, right
	}
	ms := ex.score.Measures
	if idx == 0 || !sameEnding(ms[idx-1].Ending, e) {
		if left == nil {
			left = &Barline{Location: "left"}
		}
		left.Ending = &Ending{Number: e.N, Type: "start", Text: e.Label}
	}
	if idx == len(ms)-1 || !sameEnding(ms[idx+1].Ending, e) {
		if right == nil {
			right = &Barline{Location: "right"}
		}
		typ := "stop"
		if e.Open {
			typ = "discontinue"
		}
		right.Ending = &Ending{Number: e.N, Type: typ}
	}
	return left, right
}

func sameEnding(a, b *mei.Ending) bool {
	return a != nil && b != nil && a.N == b.N
}

// attributes returns the attributes written at the start of a measure:
// everything in the first measure, the time signature on a meter change.
func (ex *exporter) attributes(p *partOut, mo *measureOut) *Attributes {
	if mo.idx > 0 {
		if mo.meter == ex.meters[mo.idx-1] {
			return nil
		}
		return &Attributes{Time: &Time{Beats: mo.meter.Count, BeatType: mo.meter.Unit}}
	}
	a := &Attributes{
		Divisions: ex.ctx.Divisions(),
		Time:      &Time{Beats: mo.meter.Count, BeatType: mo.meter.Unit},
	}
	if len(p.defs) > 1 {
		a.Staves = len(p.defs)
	}
	same := true
	for _, def := range p.defs[1:] {
		if def.Key.Fifths != p.defs[0].Key.Fifths || def.Key.Mode != p.defs[0].Key.Mode {
			same = false
		}
	}
	for k, def := range p.defs {
		if same {
			a.Keys = []Key{{Fifths: def.Key.Fifths, Mode: def.Key.Mode}}
		} else {
			a.Keys = append(a.Keys, Key{Number: k + 1, Fifths: def.Key.Fifths, Mode: def.Key.Mode})
		}
		a.Clefs = append(a.Clefs, ex.clef(def.ID, def.Clef, k+1))
	}
	return a
}

// clef converts a clef, preferring the form kept in the payload of id.
func (ex *exporter) clef(id string, c mei.Clef, n int) Clef {
	var meta staffMeta
	if e, ok := ex.store.Get(id); ok && id != "" && e.DecodeGeneric(&meta) && meta.Clef != nil {
		out := *meta.Clef
		out.Number = n
		return out
	}
	return clefTo(c, n)
}

// layerWriter emits the items of one layer. Only the first layer of a
// staff places the staff's queued directions.
type layerWriter struct {
	ex     *exporter
	mo     *measureOut
	so     *staffOut
	items  []Item
	flush  bool
	voice  string
	staff  int
	cursor timing.Fraction
}

func (w *layerWriter) write(l *layerOut) timing.Fraction {
	w.cursor = timing.Zero
	for _, s := range l.slots {
		if w.flush {
			w.place(s.onset)
		}
		if sp, ok := s.child.(*mei.Space); ok {
			end := s.onset.Add(sp.Length)
			for w.flush {
				next, ok := w.next(end)
				if !ok {
					break
				}
				w.forward(next)
				w.place(next)
			}
			w.forward(end)
			continue
		}
		w.items = append(w.items, s.before...)
		w.items = append(w.items, w.event(s)...)
		w.cursor = s.onset.Add(childLength(s.child, w.mo.meter))
	}
	if w.flush {
		for len(w.so.queue) > 0 {
			q := w.so.queue[0]
			if w.cursor.Less(q.offset) {
				w.forward(q.offset)
			}
			w.place(w.cursor)
		}
	}
	return w.cursor
}

// next returns the smallest queued offset strictly inside (cursor, end).
func (w *layerWriter) next(end timing.Fraction) (timing.Fraction, bool) {
	var best timing.Fraction
	found := false
	for _, q := range w.so.queue {
		if w.cursor.Less(q.offset) && q.offset.Less(end) && (!found || q.offset.Less(best)) {
			best, found = q.offset, true
		}
	}
	return best, found
}

func (w *layerWriter) forward(to timing.Fraction) {
	if !w.cursor.Less(to) {
		return
	}
	w.items = append(w.items, &Forward{
		Duration: w.ex.divs(w.so.def.ID, to.Sub(w.cursor)),
		Voice:    w.voice,
		Staff:    w.staff,
	})
	w.cursor = to
}

// place emits, in queue order, every queued item at or before upto.
func (w *layerWriter) place(upto timing.Fraction) {
	kept := w.so.queue[:0]
	for _, q := range w.so.queue {
		if upto.Less(q.offset) {
			kept = append(kept, q)
			continue
		}
		switch it := q.item.(type) {
		case *Direction:
			it.Offset = w.ex.divs(q.id, q.offset.Sub(w.cursor))
		default:
			if !q.offset.Equal(w.cursor) {
				w.ex.diag(errors.KindInvalidStructure, q.id, "%T moved from %s to %s", it, q.offset, w.cursor)
				w.ex.ctx.Report().Raise(convert.LossL1)
			}
		}
		w.items = append(w.items, q.item)
	}
	w.so.queue = kept
}

func (w *layerWriter) event(s *slot) []Item {
	ex := w.ex
	switch c := s.child.(type) {
	case *mei.Note:
		return []Item{w.note(c, c.Dur, c.Dots, c.Ratio, c.Grace, false, s, nil)}
	case *mei.Chord:
		var out []Item
		for i, n := range c.Notes {
			if i == 0 {
				out = append(out, w.note(n, c.Dur, c.Dots, c.Ratio, c.Grace, false, s, c.Artic))
				continue
			}
			out = append(out, w.note(n, c.Dur, c.Dots, c.Ratio, c.Grace, true, nil, nil))
		}
		return out
	case *mei.Rest:
		return []Item{&Note{
			Rest:             true,
			Duration:         ex.divs(c.ID, c.Duration()),
			Voice:            w.voice,
			Type:             w.typeName(c.ID, c.Dur),
			Dots:             c.Dots,
			TimeModification: timeModification(c.Ratio),
			Staff:            w.staff,
			Notations:        w.notations(s, nil, nil),
		}}
	case *mei.MRest:
		return []Item{&Note{
			Rest:        true,
			MeasureRest: true,
			Duration:    ex.divs(c.ID, w.mo.meter.Length()),
			Voice:       w.voice,
			Staff:       w.staff,
			Notations:   w.notations(s, nil, nil),
		}}
	case *mei.Clef:
		return []Item{&Attributes{Clefs: []Clef{ex.clef(c.ID, *c, w.so.local)}}}
	case *mei.KeySig:
		return []Item{&Attributes{Keys: []Key{{Number: w.staff, Fifths: c.Fifths, Mode: c.Mode}}}}
	}
	ex.diag(errors.KindUnsupportedFeature, s.child.Identity().ID, "<%s> is not exported", s.child.Element())
	return nil
}

func (w *layerWriter) typeName(id string, dur int) string {
	name, ok := typeNames[dur]
	if !ok {
		w.ex.diag(errors.KindInvalidValue, id, "note value %d has no type", dur)
	}
	return name
}

func timeModification(r mei.Ratio) *TimeModification {
	if !r.Scaled() {
		return nil
	}
	return &TimeModification{ActualNotes: r.Num, NormalNotes: r.NumBase}
}

var syllabics = map[string]string{"s": "single", "i": "begin", "m": "middle", "t": "end"}

func lyrics(syls []mei.Syl) []Lyric {
	var out []Lyric
	for _, syl := range syls {
		l := Lyric{Number: strconv.Itoa(syl.N), Syllabic: syllabics[syl.Wordpos], Text: syl.Text, Extend: syl.Con == "u"}
		if syl.N <= 0 {
			l.Number = "1"
		}
		if l.Syllabic == "" {
			l.Syllabic = "single"
			if syl.Con == "d" {
				l.Syllabic = "begin"
			}
		}
		out = append(out, l)
	}
	return out
}

// noteMeta returns the payload of event id.
func (w *layerWriter) noteMeta(id string) noteMeta {
	var meta noteMeta
	if e, ok := w.ex.store.Get(id); ok && id != "" {
		e.DecodeGeneric(&meta)
	}
	return meta
}

func (w *layerWriter) note(n *mei.Note, dur, dots int, ratio mei.Ratio, grace string, chord bool, s *slot, chordArtic []mei.Artic) *Note {
	out := &Note{
		Chord:            chord,
		Pitch:            &Pitch{Step: strings.ToUpper(n.Pname), Alter: n.Accid, Octave: n.Oct},
		Voice:            w.voice,
		Type:             w.typeName(n.ID, dur),
		Dots:             dots,
		TimeModification: timeModification(ratio),
		Staff:            w.staff,
		Lyrics:           lyrics(n.Syls),
	}
	if grace != "" {
		out.Grace = &Grace{Slash: grace == "acc"}
	} else {
		out.Duration = w.ex.divs(n.ID, ratio.Scale(timing.Duration(dur, dots)))
	}
	if w.mo.tieStops[n.ID] {
		out.Ties = append(out.Ties, "stop")
	}
	if w.mo.tieStarts[n.ID] {
		out.Ties = append(out.Ties, "start")
	}
	out.Notations = w.notations(s, n, append(append([]mei.Artic(nil), chordArtic...), n.Artic...))
	return out
}

// notations assembles the notations of one note. s is nil for chord
// members after the first, which only carry their own ties and marks.
func (w *layerWriter) notations(s *slot, n *mei.Note, artics []mei.Artic) *Notations {
	nt := &Notations{}
	if n != nil {
		if w.mo.tieStops[n.ID] {
			nt.Tied = append(nt.Tied, Tied{Type: "stop"})
		}
		if w.mo.tieStarts[n.ID] {
			nt.Tied = append(nt.Tied, Tied{Type: "start"})
		}
		if w.noteMeta(n.ID).LetRing {
			nt.Tied = append(nt.Tied, Tied{Type: "let-ring"})
		}
	}
	if s != nil {
		nt.Slurs = append(append(nt.Slurs, s.slurStops...), s.slurStarts...)
		nt.Tuplets = w.noteMeta(s.child.Identity().ID).Tuplets
		nt.Ornaments = s.ornaments
		nt.Fermatas = s.fermatas
		nt.Other = s.other
	}
	for _, a := range artics {
		if el, ok := technicalFor[a.Name]; ok {
			nt.Technical = append(nt.Technical, Mark{Name: el, Placement: a.Place})
			continue
		}
		if el, ok := articulationFor[a.Name]; ok {
			nt.Articulations = append(nt.Articulations, Mark{Name: el, Placement: a.Place})
			continue
		}
		id := ""
		if n != nil {
			id = n.ID
		}
		w.ex.diag(errors.KindUnsupportedFeature, id, "articulation %q has no MusicXML element", a.Name)
		w.ex.lost(id, "artic", a.Name, convert.LossL2)
	}
	if s != nil {
		nt.Technical = append(nt.Technical, s.technical...)
		nt.Articulations = append(nt.Articulations, s.articulations...)
	}
	if nt.Empty() {
		return nil
	}
	return nt
}
