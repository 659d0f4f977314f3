package lilypond

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

// DefaultVersion is written when the tree records no \version.
const DefaultVersion = "2.24.0"

// Export converts a canonical tree and its extension store to a LilyPond
// file. Constructs with a typed payload in store are rebuilt from it;
// everything else is mapped from canonical attributes alone.
func Export(score *mei.Score, store *ext.Store, opts ...convert.Option) (*File, *convert.Report, error) {
	report := convert.NewReport("MEI", FormatName)
	all := append([]convert.Option{convert.WithIDPrefix("ly"), convert.WithReport(report)}, opts...)
	ctx := convert.NewContext(convert.Export, all...)
	if score == nil {
		return nil, ctx.Report(), errors.NewConversion(errors.KindMissingRequired, "score", "score is nil")
	}

	ex := &exporter{ctx: ctx, store: store.View(score), score: score, meters: meterMapFor(score)}
	f := ex.file()
	ctx.Logger().Debug("lilypond export done",
		"entries", len(f.Entries),
		"diagnostics", len(ctx.Report().Diagnostics))
	return f, ctx.Report(), nil
}

type exporter struct {
	ctx    *convert.Context
	store  *ext.Store
	score  *mei.Score
	meters *meterMap
}

func (ex *exporter) diag(kind errors.Kind, location, format string, args ...interface{}) {
	ex.ctx.Report().Add(kind, location, format, args...)
}

// meterMapFor rebuilds the measure geometry of a tree.
func meterMapFor(s *mei.Score) *meterMap {
	mm := newMeterMap()
	if len(s.StaffDefs) > 0 && validMeter(s.StaffDefs[0].Meter) {
		mm.segments[0].meter = s.StaffDefs[0].Meter
	}
	for i, m := range s.Measures {
		if m.Meter != nil && validMeter(*m.Meter) {
			mm.set(i, *m.Meter)
		}
	}
	if len(s.Measures) > 0 && s.Measures[0].N == "0" {
		if l := contentLength(s.Measures[0]); l.Sign() > 0 && l.Less(mm.lengthOf(0)) {
			mm.pickup = l
		}
	}
	mm.frozen = true
	return mm
}

func validMeter(m mei.Meter) bool { return m.Count > 0 && m.Unit > 0 }

// contentLength is the length of the first layer of the first staff.
func contentLength(m *mei.Measure) timing.Fraction {
	staves := m.Staves()
	if len(staves) == 0 || len(staves[0].Layers) == 0 {
		return timing.Zero
	}
	total := timing.Zero
	for _, c := range staves[0].Layers[0].Children {
		total = total.Add(mei.EventDuration(c))
	}
	return total
}

func (ex *exporter) file() *File {
	version := DefaultVersion
	var meta scoreMeta
	if e, ok := ex.store.Get(ex.score.ID); ok && e.DecodeGeneric(&meta) && meta.Version != "" {
		version = meta.Version
	}
	entries := []Entry{&Version{Value: version}}
	if len(ex.score.Head.Fields) > 0 {
		h := &Header{}
		for _, f := range ex.score.Head.Fields {
			h.Fields = append(h.Fields, HeaderField{Name: f.Name, Value: f.Value})
		}
		entries = append(entries, h)
	}

	sim := &Simultaneous{}
	for _, def := range ex.score.StaffDefs {
		sim.Items = append(sim.Items, ex.staff(def))
		sim.Items = append(sim.Items, ex.lyrics(def)...)
	}
	if m := ex.chordNames(); m != nil {
		sim.Items = append(sim.Items, m)
	}
	if m := ex.figuredBass(); m != nil {
		sim.Items = append(sim.Items, m)
	}
	block := &ScoreBlock{Music: []Music{sim}}
	for _, o := range meta.Outputs {
		name, body, _ := strings.Cut(strings.TrimPrefix(o, `\`), " ")
		block.Outputs = append(block.Outputs, &OutputDef{Name: name, Body: body})
	}
	entries = append(entries, block)

	markups := append([]ext.ToplevelMarkup(nil), ex.store.Markups(ex.score.ID)...)
	sort.SliceStable(markups, func(i, j int) bool { return markups[i].Position < markups[j].Position })
	for _, mk := range markups {
		at := mk.Position
		if at < 0 {
			at = 0
		}
		if at > len(entries) {
			at = len(entries)
		}
		entries = append(entries, nil)
		copy(entries[at+1:], entries[at:])
		entries[at] = &Markup{Kind: mk.Kind, Body: mk.Serialized}
	}
	return &File{Entries: entries}
}

// slot is one layer event being exported with the post-events and inline
// commands collected for it.
type slot struct {
	child  mei.LayerChild
	onset  timing.Fraction
	before []Music

	stops    []PostEvent
	dynamics []PostEvent
	starts   []PostEvent
	scripts  []PostEvent
	tied     map[*mei.Note]bool
}

type layerOut struct {
	n     int
	slots []*slot
	after []Music
}

// measureOut collects the export of one staff in one measure.
type measureOut struct {
	idx    int
	layers []*layerOut
	byID   map[string]*slot
	notes  map[string]*mei.Note
}

func newMeasureOut(idx int, st *mei.Staff) *measureOut {
	mo := &measureOut{idx: idx, byID: make(map[string]*slot), notes: make(map[string]*mei.Note)}
	if st == nil {
		return mo
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
			pos = pos.Add(mei.EventDuration(c))
		}
		mo.layers = append(mo.layers, lo)
	}
	return mo
}

func (mo *measureOut) layer(n int) *layerOut {
	for _, l := range mo.layers {
		if l.n == n {
			return l
		}
	}
	if len(mo.layers) > 0 {
		return mo.layers[0]
	}
	return nil
}

// at returns the first slot of layer l starting at or after off, splitting
// a space that straddles off; nil means "after the last event".
func (l *layerOut) at(off timing.Fraction) *slot {
	for i, s := range l.slots {
		if !s.onset.Less(off) {
			return s
		}
		sp, ok := s.child.(*mei.Space)
		if !ok {
			continue
		}
		end := s.onset.Add(sp.Length)
		if off.Less(end) {
			first := &mei.Space{Common: sp.Common, Length: off.Sub(s.onset)}
			rest := &slot{child: &mei.Space{Length: end.Sub(off)}, onset: off}
			s.child = first
			l.slots = append(l.slots[:i+1], append([]*slot{rest}, l.slots[i+1:]...)...)
			return rest
		}
	}
	return nil
}

// anchor returns the event a beat-anchored mark attaches to: the first
// event at or after the beat, else the last event.
func (l *layerOut) anchor(off timing.Fraction) *slot {
	if l == nil || len(l.slots) == 0 {
		return nil
	}
	for _, s := range l.slots {
		if !s.onset.Less(off) {
			return s
		}
	}
	return l.slots[len(l.slots)-1]
}

// cmdDir is the direction prefix of a command post-event; neutral is none.
func cmdDir(place string) string {
	switch place {
	case "above":
		return "^"
	case "below":
		return "_"
	}
	return ""
}

func (ex *exporter) staff(def *mei.StaffDef) Music {
	defer ex.ctx.EnterScope(convert.ScopeStaff, strconv.Itoa(def.N))()
	spans := ex.ctx.Spans()

	seq := &Sequential{}
	clef, ok := clefName(def.Clef)
	if !ok {
		ex.diag(errors.KindUnsupportedFeature, def.ID, "clef %s%d has no name, writing treble", def.Clef.Shape, def.Clef.Line)
	}
	seq.Items = append(seq.Items, &Clef{Name: clef})
	if ks := ex.keySignature(def.ID, def.Key); ks != nil && (def.Key.Fifths != 0 || def.Key.Mode != "") {
		seq.Items = append(seq.Items, ks)
	}
	meter := ex.meters.meterOf(0)
	seq.Items = append(seq.Items, &TimeSignature{Count: meter.Count, Unit: meter.Unit})
	if ex.meters.hasPickup() {
		seq.Items = append(seq.Items, &Partial{Duration: durationFor(ex.meters.pickup)})
	}

	where := make(map[string]int)
	for idx, m := range ex.score.Measures {
		if st := m.Staff(def.N); st != nil {
			for _, l := range st.Layers {
				for _, c := range l.Children {
					where[c.Identity().ID] = idx
					if ch, ok := c.(*mei.Chord); ok {
						for _, n := range ch.Notes {
							where[n.ID] = idx
						}
					}
				}
			}
		}
	}

	skip := 0
	for idx, m := range ex.score.Measures {
		ex.ctx.BeginMeasure(idx)
		var due []convert.Token
		if idx > 0 {
			due = spans.AdvanceMeasure()
		}
		if skip > 0 {
			ex.stopsOnRest(seq.Items, due)
			skip--
			continue
		}
		seq.Items = append(seq.Items, ex.measure(idx, m, def, where, due, &skip)...)
	}
	spans.Finish()

	var meta staffMeta
	if e, ok := ex.store.Get(def.ID); ok {
		e.DecodeGeneric(&meta)
	}
	kind := meta.Type
	if kind == "" {
		kind = "Staff"
	}
	return &ContextMusic{Type: kind, Name: def.PartName, With: meta.With, Music: seq}
}

func (ex *exporter) keySignature(id string, k mei.KeySig) Music {
	mode := k.Mode
	if _, ok := modeOffsets[mode]; !ok {
		if mode != "" {
			ex.diag(errors.KindUnsupportedFeature, id, "key mode %q is written as major", mode)
		}
		mode = "major"
	}
	return &KeySignature{Pitch: keyTonic(k.Fifths, mode), Mode: mode}
}

// staffOf returns the staff a control belongs to.
func (ex *exporter) staffOf(c mei.Control) int {
	if n := c.Attrs().Staff; n > 0 {
		return n
	}
	if len(ex.score.StaffDefs) > 0 {
		return ex.score.StaffDefs[0].N
	}
	return 1
}

func (ex *exporter) measure(idx int, m *mei.Measure, def *mei.StaffDef, where map[string]int, due []convert.Token, skip *int) []Music {
	var out []Music
	if idx > 0 && m.Meter != nil && ex.meters.changes(idx) {
		out = append(out, &TimeSignature{Count: m.Meter.Count, Unit: m.Meter.Unit})
	}
	if m.Left != "" {
		if style, ok := barStrings[m.Left]; ok {
			out = append(out, &BarLine{Style: style})
		}
	}
	first := def == ex.score.StaffDefs[0]
	if first && m.Ending != nil && (idx == 0 || !sameEnding(ex.score.Measures[idx-1].Ending, m.Ending)) {
		out = append(out, voltaCommand(m.Ending))
	}

	mo := newMeasureOut(idx, m.Staff(def.N))
	for _, tok := range due {
		ex.stopToken(mo, tok)
	}
	for _, c := range m.Controls() {
		if ex.staffOf(c) != def.N {
			continue
		}
		ex.control(mo, m, c, where)
	}

	out = append(out, ex.renderMeasure(mo, skip)...)
	if m.Right != "" {
		if style, ok := barStrings[m.Right]; ok {
			out = append(out, &BarLine{Style: style})
		} else {
			ex.diag(errors.KindUnsupportedFeature, m.ID, "bar line %q has no LilyPond form", m.Right)
		}
	}
	if first && m.Ending != nil && (idx+1 == len(ex.score.Measures) || !sameEnding(ex.score.Measures[idx+1].Ending, m.Ending)) {
		out = append(out, voltaCommand(nil))
	}
	return append(out, &BarCheck{})
}

// sameEnding reports whether two consecutive measures share one ending.
func sameEnding(a, b *mei.Ending) bool {
	return a != nil && b != nil && a.N == b.N
}

// voltaCommand opens a volta bracket for e, or closes the open one when e
// is nil.
func voltaCommand(e *mei.Ending) Music {
	v := "#f"
	if e != nil {
		label := e.Label
		if label == "" {
			label = e.N + "."
		}
		v = quote(label)
	}
	return &Property{Op: "set", Path: "Score.repeatCommands", Value: "#'((volta " + v + "))"}
}

// lyrics rebuilds one \addlyrics block per verse sung on the first layer
// of a staff. Grace notes and tie continuations take no syllable.
func (ex *exporter) lyrics(def *mei.StaffDef) []Music {
	continued := make(map[string]bool)
	for _, m := range ex.score.Measures {
		for _, c := range m.Controls() {
			if t, ok := c.(*mei.Tie); ok && t.EndID != "" {
				continued[t.EndID] = true
			}
		}
	}

	var melody [][]mei.Syl
	verses := make(map[int]bool)
	for _, m := range ex.score.Measures {
		st := m.Staff(def.N)
		if st == nil {
			continue
		}
		for li, l := range st.Layers {
			for _, c := range l.Children {
				var notes []*mei.Note
				var grace string
				switch c := c.(type) {
				case *mei.Note:
					notes, grace = []*mei.Note{c}, c.Grace
				case *mei.Chord:
					notes, grace = c.Notes, c.Grace
				default:
					continue
				}
				var syls []mei.Syl
				tied := len(notes) > 0
				for _, n := range notes {
					syls = append(syls, n.Syls...)
					if !continued[n.ID] {
						tied = false
					}
				}
				if li > 0 || grace != "" || tied {
					if len(syls) > 0 {
						ex.diag(errors.KindUnsupportedFeature, c.Identity().ID, "lyrics on a note outside the melody of staff %d are dropped", def.N)
						ex.ctx.Report().AddLostElement(c.Identity().ID, "syl", syls[0].Text, convert.LossL2)
					}
					continue
				}
				melody = append(melody, syls)
				for _, syl := range syls {
					verses[syl.N] = true
				}
			}
		}
	}

	order := make([]int, 0, len(verses))
	for v := range verses {
		order = append(order, v)
	}
	sort.Ints(order)
	var out []Music
	for _, v := range order {
		lyr := &Lyrics{Kind: "addlyrics"}
		for _, syls := range melody {
			syl := Syllable{Skip: true}
			for _, s := range syls {
				if s.N == v && s.Text != "" {
					syl = Syllable{Text: s.Text, Hyphen: s.Con == "d", Extender: s.Con == "u"}
					break
				}
			}
			lyr.Syllables = append(lyr.Syllables, syl)
		}
		for n := len(lyr.Syllables); n > 0 && lyr.Syllables[n-1].Skip; n-- {
			lyr.Syllables = lyr.Syllables[:n-1]
		}
		out = append(out, lyr)
	}
	return out
}

// spanConcern maps spanning controls to resolver concerns.
func spanConcern(c mei.Control) (convert.Concern, bool) {
	switch c := c.(type) {
	case *mei.Tie:
		return convert.ConcernTie, true
	case *mei.Slur:
		return convert.ConcernSlur, true
	case *mei.Phrase:
		return convert.ConcernPhrase, true
	case *mei.Hairpin:
		return convert.ConcernHairpin, true
	case *mei.BracketSpan:
		return convert.ConcernBracket, true
	case *mei.Trill:
		return convert.ConcernTrill, c.EndID != "" || c.Tstamp2 != nil
	}
	return "", false
}

func (ex *exporter) control(mo *measureOut, m *mei.Measure, c mei.Control, where map[string]int) {
	a := c.Attrs()
	id := c.Identity().ID
	if concern, ok := spanConcern(c); ok {
		ev := convert.SpanEvent{
			Key:     convert.Key{Concern: concern, Scope: ex.ctx.Scope()},
			ID:      id,
			Staff:   ex.staffOf(c),
			Beat:    a.Tstamp,
			EndBeat: a.Tstamp,
			Payload: c,
		}
		if end, ok := where[a.EndID]; ok && a.EndID != "" {
			ev.EndMeasures = end - mo.idx
		} else if a.Tstamp2 != nil {
			ev.EndMeasures, ev.EndBeat = a.Tstamp2.Measures, a.Tstamp2.Beat
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

	switch c := c.(type) {
	case *mei.Harm, *mei.Fb:
		return
	case *mei.Tempo:
		ex.inline(mo, 1, a.Tstamp, &Tempo{Text: c.Text, Unit: c.MMUnit, UnitDots: c.MMDots, BPM: c.MM})
		return
	case *mei.Dir:
		if fc := ex.store.Function(id); fc != nil {
			ex.inline(mo, fc.Layer+1, a.Tstamp, functionMusic(fc))
			return
		}
	}

	s := ex.anchorOf(mo, a)
	if s == nil {
		ex.diag(errors.KindUnresolvedReference, id, "<%s> has no event to attach to", c.Element())
		ex.ctx.Report().AddLostElement(m.ID, c.Element(), "no anchor event", convert.LossL3)
		return
	}
	switch c := c.(type) {
	case *mei.Dynam:
		if dynamicNames[c.Text] {
			s.dynamics = append(s.dynamics, PostEvent{Dir: cmdDir(c.Place), Kind: PostCommand, Value: c.Text})
		} else {
			ex.diag(errors.KindUnsupportedFeature, id, "dynamic %q is written as text", c.Text)
			ex.ctx.Report().Raise(convert.LossL2)
			s.scripts = append(s.scripts, PostEvent{Dir: placeDir(c.Place), Kind: PostText, Value: c.Text})
		}
	case *mei.Dir:
		s.scripts = append(s.scripts, ex.dirPost(c))
	case *mei.Ornam:
		if cmd, ok := ornamentCommands[c.Name]; ok {
			s.scripts = append(s.scripts, PostEvent{Dir: cmdDir(c.Place), Kind: PostCommand, Value: cmd})
		} else {
			ex.diag(errors.KindUnsupportedFeature, id, "ornament %q is written as text", c.Name)
			ex.ctx.Report().Raise(convert.LossL2)
			s.scripts = append(s.scripts, PostEvent{Dir: placeDir(c.Place), Kind: PostText, Value: c.Name})
		}
	case *mei.Fermata:
		s.scripts = append(s.scripts, PostEvent{Dir: cmdDir(c.Place), Kind: PostCommand, Value: "fermata"})
	case *mei.Trill:
		s.scripts = append(s.scripts, PostEvent{Dir: cmdDir(c.Place), Kind: PostCommand, Value: "trill"})
	default:
		ex.diag(errors.KindUnsupportedFeature, id, "<%s> is not exported", c.Element())
	}
}

// dirPost rebuilds the post-event a Dir was imported from.
func (ex *exporter) dirPost(d *mei.Dir) PostEvent {
	if orn := ex.store.Ornament(d.ID); orn != nil {
		dir := ornamentDir(orn.Direction)
		if dir == "-" && postCommands[orn.Name] {
			dir = ""
		}
		return PostEvent{Dir: dir, Kind: PostCommand, Value: orn.Name}
	}
	var meta scriptMeta
	if e, ok := ex.store.Get(d.ID); ok && e.DecodeGeneric(&meta) && meta.Kind == "fingering" {
		if _, err := strconv.Atoi(d.Text); err == nil {
			return PostEvent{Dir: placeDir(d.Place), Kind: PostFinger, Value: d.Text}
		}
	}
	return PostEvent{Dir: placeDir(d.Place), Kind: PostText, Value: d.Text}
}

func functionMusic(fc *ext.FunctionCall) Music {
	if propertyOps[fc.Name] && len(fc.Args) > 0 {
		p := &Property{Op: fc.Name, Path: fc.Args[0]}
		if len(fc.Args) > 1 {
			p.Value = fc.Args[1]
		}
		return p
	}
	return &Call{Name: fc.Name, Args: fc.Args}
}

// anchorOf finds the event a point control attaches to.
func (ex *exporter) anchorOf(mo *measureOut, a *mei.ControlAttrs) *slot {
	if s, ok := mo.byID[a.StartID]; ok && a.StartID != "" {
		return s
	}
	return mo.layer(1).anchor(ex.meters.offset(mo.idx, a.Tstamp))
}

// inline places a command before the first event of a layer at or after
// the beat.
func (ex *exporter) inline(mo *measureOut, layer int, tstamp timing.Fraction, m Music) {
	l := mo.layer(layer)
	if l == nil {
		l = &layerOut{n: 1}
		mo.layers = append(mo.layers, l)
	}
	if s := l.at(ex.meters.offset(mo.idx, tstamp)); s != nil {
		s.before = append(s.before, m)
		return
	}
	l.after = append(l.after, m)
}

func (ex *exporter) startToken(mo *measureOut, tok convert.Token) {
	c, _ := tok.Payload.(mei.Control)
	if c == nil {
		return
	}
	a := c.Attrs()
	if tok.Key.Concern == convert.ConcernTie {
		n, ok := mo.notes[a.StartID]
		s := mo.byID[a.StartID]
		if !ok || s == nil {
			ex.diag(errors.KindUnresolvedReference, tok.ID, "tie start %q is not a note of this measure", a.StartID)
			return
		}
		if s.tied == nil {
			s.tied = make(map[*mei.Note]bool)
		}
		s.tied[n] = true
		return
	}
	s := ex.anchorOf(mo, a)
	if s == nil {
		ex.diag(errors.KindUnresolvedReference, tok.ID, "<%s> has no start event", c.Element())
		return
	}
	dir := cmdDir(a.Place)
	switch tok.Key.Concern {
	case convert.ConcernSlur:
		s.starts = append(s.starts, PostEvent{Dir: dir, Kind: PostSymbol, Value: "("})
	case convert.ConcernPhrase:
		s.starts = append(s.starts, PostEvent{Dir: dir, Kind: PostCommand, Value: "("})
	case convert.ConcernHairpin:
		v := "<"
		if hp, ok := c.(*mei.Hairpin); ok && hp.Form == "dim" {
			v = ">"
		}
		var meta hairpinMeta
		if e, ok := ex.store.Get(tok.ID); ok && e.DecodeGeneric(&meta) && meta.Command != "" {
			v = meta.Command
		}
		s.starts = append(s.starts, PostEvent{Dir: dir, Kind: PostCommand, Value: v})
	case convert.ConcernTrill:
		s.starts = append(s.starts, PostEvent{Dir: dir, Kind: PostCommand, Value: "startTrillSpan"})
	case convert.ConcernBracket:
		s.starts = append(s.starts, PostEvent{Dir: dir, Kind: PostCommand, Value: "startGroup"})
	}
}

func (ex *exporter) stopToken(mo *measureOut, tok convert.Token) {
	if tok.Key.Concern == convert.ConcernTie {
		return
	}
	c, _ := tok.Payload.(mei.Control)
	if c == nil {
		return
	}
	s, ok := mo.byID[c.Attrs().EndID]
	if !ok || c.Attrs().EndID == "" {
		s = mo.layer(1).anchor(ex.meters.offset(mo.idx, tok.Beat))
	}
	if s == nil {
		ex.diag(errors.KindUnresolvedReference, tok.ID, "<%s> has no end event", c.Element())
		return
	}
	if pe, ok := stopPost(tok.Key.Concern); ok {
		s.stops = append(s.stops, pe)
	}
}

func stopPost(concern convert.Concern) (PostEvent, bool) {
	switch concern {
	case convert.ConcernSlur:
		return PostEvent{Kind: PostSymbol, Value: ")"}, true
	case convert.ConcernPhrase:
		return PostEvent{Kind: PostCommand, Value: ")"}, true
	case convert.ConcernHairpin:
		return PostEvent{Kind: PostCommand, Value: "!"}, true
	case convert.ConcernTrill:
		return PostEvent{Kind: PostCommand, Value: "stopTrillSpan"}, true
	case convert.ConcernBracket:
		return PostEvent{Kind: PostCommand, Value: "stopGroup"}, true
	}
	return PostEvent{}, false
}

// stopsOnRest ends spans that fall due inside a multi-measure rest on the
// rest itself, the last event written before the barline.
func (ex *exporter) stopsOnRest(items []Music, due []convert.Token) {
	var rest *Event
	for i := len(items) - 1; i >= 0 && rest == nil; i-- {
		if e, ok := items[i].(*Event); ok && e.Kind == MultiMeasureRest {
			rest = e
		}
	}
	for _, tok := range due {
		pe, ok := stopPost(tok.Key.Concern)
		if !ok {
			continue
		}
		el := "span"
		if c, ok := tok.Payload.(mei.Control); ok {
			el = c.Element()
		}
		if rest == nil {
			ex.diag(errors.KindUnresolvedReference, tok.ID, "<%s> ends inside a multi-measure rest with no event to close it", el)
			continue
		}
		ex.diag(errors.KindUnsupportedFeature, tok.ID, "<%s> ends inside a multi-measure rest, closed on the rest", el)
		ex.ctx.Report().Raise(convert.LossL1)
		rest.Post = append(rest.Post, pe)
	}
}

// renderMeasure writes the layers of one measure. A lone first layer is
// written inline; anything else becomes "<< {...} \\ {...} >>".
func (ex *exporter) renderMeasure(mo *measureOut, skip *int) []Music {
	if len(mo.layers) == 0 {
		return []Music{&Event{Kind: SkipEvent, Duration: durPtr(durationFor(ex.meters.lengthOf(mo.idx)))}}
	}
	if len(mo.layers) == 1 && mo.layers[0].n == 1 {
		return ex.renderLayer(mo, mo.layers[0], skip)
	}
	sim := &Simultaneous{Voices: true}
	last := mo.layers[len(mo.layers)-1].n
	for n := 1; n <= last; n++ {
		seq := &Sequential{}
		for _, l := range mo.layers {
			if l.n == n {
				seq.Items = ex.renderLayer(mo, l, skip)
			}
		}
		sim.Items = append(sim.Items, seq)
	}
	return []Music{sim}
}

func durPtr(d Duration) *Duration { return &d }

func noteDuration(dur, dots int, r mei.Ratio) *Duration {
	if dur <= 0 {
		dur = 4
	}
	d := &Duration{Base: dur, Dots: dots}
	if r.Scaled() {
		d.FactorNum, d.FactorDen = r.NumBase, r.Num
	}
	return d
}

func pitchOf(n *mei.Note) Pitch {
	step := n.Pname
	if _, ok := stepIndex[step]; !ok {
		step = "c"
	}
	return Pitch{Step: step, Alter: n.Accid, Octave: n.Oct - 3}
}

// graceGroup is a run of grace notes written together.
type graceGroup struct {
	info  *ext.GraceInfo
	attr  string
	items []Music
}

func (ex *exporter) renderLayer(mo *measureOut, l *layerOut, skip *int) []Music {
	var out []Music
	var group *graceGroup
	flush := func() {
		if group == nil {
			return
		}
		out = ex.appendGrace(out, group)
		group = nil
	}

	for _, s := range l.slots {
		if len(s.before) > 0 {
			flush()
			out = append(out, s.before...)
		}
		m := ex.slotMusic(mo, s, skip)
		if m == nil {
			continue
		}
		if attr := graceOf(s.child); attr != "" {
			info := ex.store.Grace(s.child.Identity().ID)
			if group == nil || !sameGroup(group, info, attr) {
				flush()
				group = &graceGroup{info: info, attr: attr}
			}
			group.items = append(group.items, m)
			continue
		}
		flush()
		out = append(out, m)
	}
	flush()
	return append(out, l.after...)
}

func graceOf(c mei.LayerChild) string {
	switch c := c.(type) {
	case *mei.Note:
		return c.Grace
	case *mei.Chord:
		return c.Grace
	}
	return ""
}

func sameGroup(g *graceGroup, info *ext.GraceInfo, attr string) bool {
	if g.info == nil || info == nil {
		return g.info == nil && info == nil && g.attr == attr
	}
	return g.info.Group == info.Group && g.info.Kind == info.Kind
}

func (ex *exporter) appendGrace(out []Music, g *graceGroup) []Music {
	kind := ext.GraceNormal
	if g.attr == "acc" {
		kind = ext.GraceAcciaccatura
	}
	var fraction *timing.Fraction
	if g.info != nil {
		kind, fraction = g.info.Kind, g.info.Fraction
	}
	music := &Sequential{Items: g.items}
	if kind == ext.GraceAfter {
		if n := len(out); n > 0 {
			switch out[n-1].(type) {
			case *Event, *Chord:
				out[n-1] = &AfterGrace{Fraction: fraction, Main: out[n-1], Grace: music}
				return out
			}
		}
		kind = ext.GraceNormal
	}
	return append(out, &Grace{Kind: string(kind), Music: music})
}

// posts assembles the post-events of a slot in import order.
func (s *slot) posts(artics []mei.Artic, chordTie bool, ex *exporter, id string) []PostEvent {
	var out []PostEvent
	out = append(out, s.stops...)
	out = append(out, s.dynamics...)
	if chordTie {
		out = append(out, PostEvent{Kind: PostTie, Value: "~"})
	}
	out = append(out, s.starts...)
	out = append(out, ex.articPosts(artics, id)...)
	return append(out, s.scripts...)
}

func (ex *exporter) articPosts(artics []mei.Artic, id string) []PostEvent {
	var out []PostEvent
	for _, a := range artics {
		if abbr, ok := abbreviationFor[a.Name]; ok {
			out = append(out, PostEvent{Dir: placeDir(a.Place), Kind: PostAbbrev, Value: abbr})
			continue
		}
		if cmd, ok := articulationCommands[a.Name]; ok {
			out = append(out, PostEvent{Dir: cmdDir(a.Place), Kind: PostCommand, Value: cmd})
			continue
		}
		ex.diag(errors.KindUnsupportedFeature, id, "articulation %q has no LilyPond form", a.Name)
		ex.ctx.Report().AddLostElement(id, "artic", a.Name, convert.LossL2)
	}
	return out
}

func (ex *exporter) slotMusic(mo *measureOut, s *slot, skip *int) Music {
	switch c := s.child.(type) {
	case *mei.Note:
		return &Event{
			Kind:     NoteEvent,
			Pitch:    pitchOf(c),
			Duration: noteDuration(c.Dur, c.Dots, c.Ratio),
			Post:     s.posts(c.Artic, s.tied[c], ex, c.ID),
		}
	case *mei.Rest:
		return &Event{Kind: RestEvent, Duration: noteDuration(c.Dur, c.Dots, c.Ratio), Post: s.posts(nil, false, ex, c.ID)}
	case *mei.Space:
		if c.Length.Sign() <= 0 {
			return nil
		}
		return &Event{Kind: SkipEvent, Duration: durPtr(durationFor(c.Length))}
	case *mei.MRest:
		d := durationFor(ex.meters.lengthOf(mo.idx))
		if ms := ex.store.MeasureStyle(c.ID); ms != nil && ms.MultipleRest > 1 {
			if d.FactorNum == 0 {
				d.FactorNum, d.FactorDen = ms.MultipleRest, 1
			} else {
				d.FactorNum *= ms.MultipleRest
			}
			*skip = ms.MultipleRest - 1
		}
		return &Event{Kind: MultiMeasureRest, Duration: &d, Post: s.posts(nil, false, ex, c.ID)}
	case *mei.Chord:
		all := len(c.Notes) > 0
		for _, n := range c.Notes {
			if !s.tied[n] {
				all = false
			}
		}
		ch := &Chord{Duration: noteDuration(c.Dur, c.Dots, c.Ratio)}
		for _, n := range c.Notes {
			cn := ChordNote{Pitch: pitchOf(n)}
			if s.tied[n] && !all {
				cn.Post = append(cn.Post, PostEvent{Kind: PostTie, Value: "~"})
			}
			cn.Post = append(cn.Post, ex.articPosts(n.Artic, n.ID)...)
			ch.Notes = append(ch.Notes, cn)
		}
		ch.Post = s.posts(c.Artic, all, ex, c.ID)
		return ch
	case *mei.Clef:
		name, ok := clefName(*c)
		if !ok {
			ex.diag(errors.KindUnsupportedFeature, c.ID, "clef %s%d has no name, writing treble", c.Shape, c.Line)
		}
		return &Clef{Name: name}
	case *mei.KeySig:
		return ex.keySignature(c.ID, *c)
	}
	return nil
}

// chordNames rebuilds the ChordNames context from the harmony controls.
func (ex *exporter) chordNames() Music {
	cm := &ChordMode{}
	cur := timing.Zero
	for idx, m := range ex.score.Measures {
		var harms []*mei.Harm
		for _, c := range m.Controls() {
			if h, ok := c.(*mei.Harm); ok {
				harms = append(harms, h)
			}
		}
		for i, h := range harms {
			pos := ex.meters.startOf(idx).Add(ex.meters.offset(idx, h.Tstamp))
			cur = ex.gap(&cm.Events, nil, cur, pos, h.ID)
			next := ex.meters.startOf(idx + 1)
			if i+1 < len(harms) {
				next = ex.meters.startOf(idx).Add(ex.meters.offset(idx, harms[i+1].Tstamp))
			}
			ev := ex.chordEvent(h, next.Sub(pos))
			cm.Events = append(cm.Events, ev)
			cur = cur.Add(ev.Duration.Length())
		}
	}
	if len(cm.Events) == 0 {
		return nil
	}
	return &ContextMusic{Type: "ChordNames", Music: cm}
}

// gap writes a spacer from cur to pos into chords or figures.
func (ex *exporter) gap(chords *[]ChordModeEvent, figures *[]FigureEvent, cur, pos timing.Fraction, id string) timing.Fraction {
	switch cur.Cmp(pos) {
	case 0:
		return cur
	case 1:
		ex.diag(errors.KindInvalidStructure, id, "overlaps the previous chord or figure")
		return cur
	}
	d := durationFor(pos.Sub(cur))
	if chords != nil {
		*chords = append(*chords, ChordModeEvent{Skip: true, Duration: &d})
	} else {
		*figures = append(*figures, FigureEvent{Skip: true, Duration: &d})
	}
	return pos
}

func (ex *exporter) chordEvent(h *mei.Harm, length timing.Fraction) ChordModeEvent {
	if info := ex.store.ChordMode(h.ID); info != nil {
		if f, err := ParseString(`\chordmode { ` + info.Serialized + ` }`); err == nil {
			if ev, ok := firstChordEvent(f); ok && ev.Duration != nil {
				return ev
			}
		}
		ex.diag(errors.KindInvalidValue, h.ID, "chord-mode spelling %q does not parse", info.Serialized)
	}
	d := durationFor(length)
	ev, ok := parseHarmText(h.Text)
	if !ok {
		ex.diag(errors.KindUnsupportedFeature, h.ID, "harmony %q is written as a spacer", h.Text)
		ex.ctx.Report().AddLostElement(h.ID, "harm", h.Text, convert.LossL3)
		return ChordModeEvent{Skip: true, Duration: &d}
	}
	ev.Duration = &d
	return ev
}

func firstChordEvent(f *File) (ChordModeEvent, bool) {
	for _, e := range f.Entries {
		if me, ok := e.(*MusicEntry); ok {
			if cm, ok := me.Music.(*ChordMode); ok && len(cm.Events) > 0 {
				return cm.Events[0], true
			}
		}
	}
	return ChordModeEvent{}, false
}

// parseHarmText reads a chord symbol written by harmSummary ("Cm7/G").
func parseHarmText(text string) (ChordModeEvent, bool) {
	main, bass, hasBass := strings.Cut(text, "/")
	root, rest, ok := parseLabel(main)
	if !ok {
		return ChordModeEvent{}, false
	}
	ev := ChordModeEvent{Root: root}
	for _, r := range rest {
		if !strings.ContainsRune("0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ.+^-", r) {
			return ChordModeEvent{}, false
		}
	}
	ev.Modifiers = rest
	if hasBass {
		b, extra, ok := parseLabel(bass)
		if !ok || extra != "" {
			return ChordModeEvent{}, false
		}
		ev.Bass = &b
	}
	return ev, true
}

// parseLabel is the inverse of pitchLabel; it returns the unread rest.
func parseLabel(s string) (Pitch, string, bool) {
	if s == "" {
		return Pitch{}, "", false
	}
	step := strings.ToLower(s[:1])
	if _, ok := stepIndex[step]; !ok {
		return Pitch{}, "", false
	}
	p := Pitch{Step: step}
	i := 1
	for ; i < len(s); i++ {
		switch s[i] {
		case '#':
			p.Alter++
			continue
		case 'b':
			p.Alter--
			continue
		}
		break
	}
	return p, s[i:], true
}

// figuredBass rebuilds the FiguredBass context from the figure controls.
func (ex *exporter) figuredBass() Music {
	fg := &Figures{}
	cur := timing.Zero
	for idx, m := range ex.score.Measures {
		var fbs []*mei.Fb
		for _, c := range m.Controls() {
			if fb, ok := c.(*mei.Fb); ok {
				fbs = append(fbs, fb)
			}
		}
		for i, fb := range fbs {
			pos := ex.meters.startOf(idx).Add(ex.meters.offset(idx, fb.Tstamp))
			cur = ex.gap(nil, &fg.Events, cur, pos, fb.ID)
			next := ex.meters.startOf(idx + 1)
			if i+1 < len(fbs) {
				next = ex.meters.startOf(idx).Add(ex.meters.offset(idx, fbs[i+1].Tstamp))
			}
			ev := ex.figureEvent(fb, next.Sub(pos))
			fg.Events = append(fg.Events, ev)
			cur = cur.Add(ev.Duration.Length())
		}
	}
	if len(fg.Events) == 0 {
		return nil
	}
	return &ContextMusic{Type: "FiguredBass", Music: fg}
}

func (ex *exporter) figureEvent(fb *mei.Fb, length timing.Fraction) FigureEvent {
	if data := ex.store.FiguredBass(fb.ID); data != nil && data.Source != "" {
		if f, err := ParseString(`\figures { ` + data.Source + ` }`); err == nil {
			for _, e := range f.Entries {
				if me, ok := e.(*MusicEntry); ok {
					if fg, ok := me.Music.(*Figures); ok && len(fg.Events) > 0 && fg.Events[0].Duration != nil {
						return fg.Events[0]
					}
				}
			}
		}
		ex.diag(errors.KindInvalidValue, fb.ID, "figure source %q does not parse", data.Source)
	}
	d := durationFor(length)
	return FigureEvent{Figures: append([]string(nil), fb.Figures...), Duration: &d}
}
