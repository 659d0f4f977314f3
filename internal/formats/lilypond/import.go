package lilypond

import (
	"fmt"
	"regexp"
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
	Version string   `json:"version,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// staffMeta is the generic payload stored on a staff definition.
type staffMeta struct {
	Type string `json:"type,omitempty"`
	With string `json:"with,omitempty"`
}

// scriptMeta is the generic payload of a Dir carrying a fingering.
type scriptMeta struct {
	Kind string `json:"kind"`
}

// hairpinMeta is the generic payload of a hairpin written as text
// (\cresc, \decresc, \dim).
type hairpinMeta struct {
	Command string `json:"command"`
}

type layerBuf struct {
	layer *mei.Layer
	fill  timing.Fraction
}

type staffBuf struct {
	layers map[int]*layerBuf
}

type measureBuf struct {
	staves   map[int]*staffBuf
	controls []mei.MeasureChild
	left     string
	right    string
	ending   *mei.Ending
}

// melodyKey names the voice a lyric line follows.
type melodyKey struct {
	staff, layer int
}

// lyricsRef is a lyric block waiting for its melody. key is used unless
// the block names a voice.
type lyricsRef struct {
	lyrics *Lyrics
	key    melodyKey
}

// volta is an open ending and the measure it began in.
type volta struct {
	ending *mei.Ending
	from   int
}

// pointControl is a control anchored by position only, placed once the
// measure count is known.
type pointControl struct {
	pos  timing.Fraction
	ctrl mei.Control
}

// spanStart is the resolver payload of an opened span.
type spanStart struct {
	id      string
	staff   int
	place   string
	form    string
	command string
	tstamp  timing.Fraction
}

type pitchModeKind int

const (
	absolutePitch pitchModeKind = iota
	relativePitch
	fixedPitch
)

type pitchMode struct {
	kind pitchModeKind
	ref  Pitch
}

type graceState struct {
	kind     ext.GraceKind
	group    int
	fraction *timing.Fraction

	// measure forces placement into one measure; -1 when unset.
	measure int
}

// target is the event post-events attach to.
type target struct {
	id     string
	idx    int
	tstamp timing.Fraction
	notes  []*mei.Note
	tied   []*mei.Note
	artic  *[]mei.Artic

	// closesTies is false for grace notes and spacers.
	closesTies bool
}

var staffContexts = map[string]bool{
	"Staff": true, "RhythmicStaff": true, "TabStaff": true, "DrumStaff": true,
}

var groupContexts = map[string]bool{
	"StaffGroup": true, "PianoStaff": true, "GrandStaff": true, "ChoirStaff": true,
}

var propertyOps = map[string]bool{"override": true, "set": true, "revert": true, "unset": true}

// Import converts a parsed LilyPond file to the canonical tree and its
// extension store. Recoverable problems are returned in the report; only a
// document without any music fails.
func Import(f *File, opts ...convert.Option) (*mei.Score, *ext.Store, *convert.Report, error) {
	report := convert.NewReport(FormatName, "MEI")
	all := append([]convert.Option{convert.WithIDPrefix("ly"), convert.WithReport(report)}, opts...)
	ctx := convert.NewContext(convert.Import, all...)

	im := &importer{
		ctx:         ctx,
		store:       ext.New(),
		vars:        make(map[string]Music),
		expanding:   make(map[string]bool),
		meters:      newMeterMap(),
		graceGroups: make(map[convert.Scope]int),
		ties:        make(map[convert.Scope][]int),
		melody:      make(map[melodyKey][]*mei.Note),
		voices:      make(map[string]melodyKey),
		verses:      make(map[melodyKey]int),
		dur:         Duration{Base: 4},
	}
	im.score = &mei.Score{Common: mei.Common{ID: ctx.FreshID("score")}}

	if err := im.file(f); err != nil {
		return nil, nil, ctx.Report(), err
	}
	ctx.Logger().Debug("lilypond import done",
		"measures", len(im.score.Measures),
		"staves", len(im.score.StaffDefs),
		"diagnostics", len(ctx.Report().Diagnostics))
	return im.score, im.store, ctx.Report(), nil
}

type importer struct {
	ctx       *convert.Context
	store     *ext.Store
	score     *mei.Score
	vars      map[string]Music
	expanding map[string]bool
	meters    *meterMap
	measures  []*measureBuf
	points    []pointControl
	meta      scoreMeta
	markups   []ext.ToplevelMarkup
	deferred  []Music

	staff   *mei.StaffDef
	started bool
	layer   int
	end     timing.Fraction

	// Durations and relative pitches carry over in text order, across
	// voices.
	dur  Duration
	mode pitchMode

	grace       *graceState
	graceGroups map[convert.Scope]int
	ties        map[convert.Scope][]int

	// melody lists the notes each voice gives a syllable, in order.
	melody map[melodyKey][]*mei.Note
	voices map[string]melodyKey
	verses map[melodyKey]int
	lyrics []lyricsRef
	volta  *volta
}

func (im *importer) diag(kind errors.Kind, format string, args ...interface{}) {
	im.ctx.Diagnose(convert.Diagnostic{
		Kind:     kind,
		Location: im.ctx.Location(),
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
	im.ctx.Report().AddLostElement(im.ctx.Location(), element, reason, class)
}

func (im *importer) file(f *File) error {
	var music []Music
	for i, e := range f.Entries {
		switch e := e.(type) {
		case *Version:
			im.meta.Version = e.Value
		case *Header:
			im.header(e)
		case *Assignment:
			im.vars[e.Name] = e.Music
		case *Markup:
			im.markups = append(im.markups, ext.ToplevelMarkup{Position: i, Kind: e.Kind, Serialized: e.Body})
		case *OutputDef:
			im.meta.Outputs = append(im.meta.Outputs, `\`+e.Name+" "+e.Body)
		case *ScoreBlock:
			if e.Header != nil {
				im.header(e.Header)
			}
			music = append(music, e.Music...)
			for _, o := range e.Outputs {
				im.meta.Outputs = append(im.meta.Outputs, `\`+o.Name+" "+o.Body)
			}
		case *MusicEntry:
			music = append(music, e.Music)
		}
	}
	if len(music) == 0 {
		return errors.NewImport(FormatName, "", "document contains no music")
	}

	for _, m := range music {
		im.discover(m)
	}
	im.meters.frozen = true
	for _, l := range im.lyrics {
		im.applyLyrics(l)
	}
	for _, m := range im.deferred {
		im.figuresOrChords(m)
	}
	return im.finalize()
}

func (im *importer) header(h *Header) {
	for _, f := range h.Fields {
		im.score.Head.Set(f.Name, f.Value)
	}
}

// lookup returns the music bound to a variable reference.
func (im *importer) lookup(c *Call) (Music, bool) {
	if len(c.Args) > 0 {
		return nil, false
	}
	m, ok := im.vars[c.Name]
	return m, ok
}

// hasStaves reports whether m introduces staff-level contexts.
func (im *importer) hasStaves(m Music) bool {
	switch m := m.(type) {
	case *Lyrics:
		return true
	case *ContextMusic:
		return staffContexts[m.Type] || groupContexts[m.Type] ||
			m.Type == "ChordNames" || m.Type == "FiguredBass" || m.Type == "Lyrics"
	case *Simultaneous:
		for _, item := range m.Items {
			if im.hasStaves(item) {
				return true
			}
		}
	case *Sequential:
		for _, item := range m.Items {
			if im.hasStaves(item) {
				return true
			}
		}
	case *Call:
		if v, ok := im.lookup(m); ok && !im.expanding[m.Name] {
			im.expanding[m.Name] = true
			defer delete(im.expanding, m.Name)
			return im.hasStaves(v)
		}
	}
	return false
}

// discover walks score-level music and hands each staff to staff.
func (im *importer) discover(m Music) {
	switch m := m.(type) {
	case *ContextMusic:
		switch {
		case staffContexts[m.Type]:
			im.staffMusic(m.Type, m.Name, m.With, m.Music)
		case groupContexts[m.Type]:
			im.discover(m.Music)
		case m.Type == "ChordNames" || m.Type == "FiguredBass":
			im.deferred = append(im.deferred, m.Music)
		case m.Type == "Lyrics":
			im.lyricsContext(m.Music)
		case m.Type == "Voice":
			im.staffMusic("", m.Name, "", m)
		default:
			im.diag(errors.KindUnsupportedFeature, "context %s is not supported", m.Type)
			im.lost(m.Type, "context type not supported", convert.LossL3)
		}
		return
	case *Simultaneous:
		if im.hasStaves(m) {
			for _, item := range m.Items {
				im.discover(item)
			}
			return
		}
	case *Sequential:
		if im.hasStaves(m) {
			for _, item := range m.Items {
				im.discover(item)
			}
			return
		}
	case *ChordMode, *Figures:
		im.deferred = append(im.deferred, m)
		return
	case *Lyrics:
		im.lyricsContext(m)
		return
	case *Call:
		if v, ok := im.lookup(m); ok && !im.expanding[m.Name] && im.hasStaves(v) {
			im.expanding[m.Name] = true
			defer delete(im.expanding, m.Name)
			im.discover(v)
			return
		}
	}
	im.staffMusic("", "", "", m)
}

// staffMusic imports the music of one staff.
func (im *importer) staffMusic(kind, name, with string, body Music) {
	n := len(im.score.StaffDefs) + 1
	defer im.ctx.EnterScope(convert.ScopeStaff, strconv.Itoa(n))()
	defer im.ctx.EnterScope(convert.ScopeVoice, "1")()
	im.ctx.SetPosition(timing.Zero)

	def := &mei.StaffDef{
		Common:   mei.Common{ID: im.ctx.FreshID("staff")},
		N:        n,
		PartName: name,
		Clef:     mei.Clef{Shape: "G", Line: 2},
	}
	if (kind != "" && kind != "Staff") || with != "" {
		im.setGeneric(def.ID, staffMeta{Type: kind, With: with})
	}
	im.score.StaffDefs = append(im.score.StaffDefs, def)
	im.staff, im.started, im.layer = def, false, 1
	if name != "" {
		im.voices[name] = melodyKey{n, 1}
	}

	im.walk(body)
	if im.volta != nil {
		im.voltaStop()
	}
	if im.end.Less(im.ctx.Position()) {
		im.end = im.ctx.Position()
	}
	im.meters.frozen = true
}

func (im *importer) walk(m Music) {
	switch m := m.(type) {
	case *Sequential:
		for _, item := range m.Items {
			im.walk(item)
		}
	case *Simultaneous:
		im.simultaneous(m)
	case *ContextMusic:
		switch m.Type {
		case "Voice", "NullVoice", "CueVoice":
			if m.Name != "" {
				im.voices[m.Name] = melodyKey{im.staff.N, im.layer}
			}
			im.walk(m.Music)
		default:
			im.diag(errors.KindUnsupportedFeature, "context %s inside a staff is not supported", m.Type)
			im.lost(m.Type, "nested context", convert.LossL3)
		}
	case *Relative:
		saved := im.mode
		ref := Pitch{Step: "f"}
		if m.Pitch != nil {
			ref = *m.Pitch
		}
		im.mode = pitchMode{kind: relativePitch, ref: ref}
		im.walk(m.Music)
		im.mode = saved
	case *Fixed:
		saved := im.mode
		im.mode = pitchMode{kind: fixedPitch, ref: m.Pitch}
		im.walk(m.Music)
		im.mode = saved
	case *Clef:
		im.clef(m)
	case *KeySignature:
		im.keySignature(m)
	case *TimeSignature:
		im.timeSignature(m)
	case *Partial:
		if im.ctx.Position().Sign() != 0 || !im.meters.setPickup(m.Duration.Length()) {
			im.diag(errors.KindInvalidStructure, `\partial %s is only allowed at the start of the first staff`, m.Duration)
		}
	case *BarCheck:
		if idx, off := im.meters.locate(im.ctx.Position()); off.Sign() != 0 {
			im.ctx.SetMeasure(idx)
			im.diag(errors.KindInvalidStructure, "bar check failed, %s into the measure", off)
		}
	case *BarLine:
		im.barLine(m.Style)
	case *Tempo:
		im.tempo(m)
	case *Grace:
		im.graceMusic(m)
	case *AfterGrace:
		im.afterGrace(m)
	case *ChordMode, *Figures:
		im.diag(errors.KindUnsupportedFeature, "chord or figure mode inside a staff is not supported")
		im.lost("chordmode", "chord or figure mode inside a staff", convert.LossL3)
	case *Repeat:
		im.repeat(m)
	case *Lyrics:
		im.diag(errors.KindUnsupportedFeature, "lyrics inside a staff are not supported")
		im.lost("syl", "lyrics inside a staff", convert.LossL3)
	case *Property:
		if m.Op == "set" && m.Path == "Score.repeatCommands" && im.repeatCommands(m.Value) {
			return
		}
		im.function(m.Op, []string{m.Path, m.Value}, `\`+m.Op+" "+m.Path)
	case *Call:
		if v, ok := im.lookup(m); ok {
			if im.expanding[m.Name] {
				im.diag(errors.KindInvalidStructure, "variable %s refers to itself", m.Name)
				return
			}
			im.expanding[m.Name] = true
			im.walk(v)
			delete(im.expanding, m.Name)
			return
		}
		im.function(m.Name, m.Args, `\`+m.Name)
	case *Event:
		im.event(m)
	case *Chord:
		im.chord(m)
	}
}

// simultaneous imports "<< ... >>" inside a staff. Branch k of a staff
// voice becomes layer voice+k; time continues at the longest branch.
func (im *importer) simultaneous(m *Simultaneous) {
	base := im.layer
	end := im.ctx.Position()
	for k, item := range m.Items {
		layer := base + k
		restore := im.ctx.EnterScope(convert.ScopeVoice, strconv.Itoa(layer))
		im.layer = layer
		im.walk(item)
		if end.Less(im.ctx.Position()) {
			end = im.ctx.Position()
		}
		im.closeTies(im.ctx.Scope(), k > 0)
		restore()
	}
	im.layer = base
	im.ctx.SetPosition(end)
}

// closeTies reports ties left open in scope when its voice ends.
func (im *importer) closeTies(scope convert.Scope, report bool) {
	if !report {
		return
	}
	for _, midi := range im.ties[scope] {
		im.ctx.Spans().Stop(convert.Key{Concern: convert.ConcernTie, Scope: scope, Number: midi}, "")
	}
	delete(im.ties, scope)
	im.drain()
}

func (im *importer) clef(c *Clef) {
	clef, ok := parseClef(c.Name)
	if !ok {
		im.diag(errors.KindInvalidValue, "unknown clef %q", c.Name)
		return
	}
	if !im.started && im.ctx.Position().Sign() == 0 {
		im.staff.Clef = clef
		return
	}
	im.place(&clef, timing.Zero)
}

func (im *importer) keySignature(k *KeySignature) {
	fifths, ok := keyFifths(k.Pitch, k.Mode)
	if !ok {
		im.diag(errors.KindInvalidValue, `unknown mode \%s`, k.Mode)
		return
	}
	ks := mei.KeySig{Fifths: fifths, Mode: k.Mode}
	if !im.started && im.ctx.Position().Sign() == 0 {
		im.staff.Key = ks
		return
	}
	im.place(&ks, timing.Zero)
}

func (im *importer) timeSignature(t *TimeSignature) {
	if t.Count <= 0 || t.Unit <= 0 {
		im.diag(errors.KindInvalidValue, "invalid time signature %d/%d", t.Count, t.Unit)
		return
	}
	idx, off := im.meters.locate(im.ctx.Position())
	if off.Sign() != 0 {
		im.diag(errors.KindInvalidStructure, "time signature %d/%d inside a measure takes effect at the next barline", t.Count, t.Unit)
		idx++
	}
	if !im.meters.set(idx, mei.Meter{Count: t.Count, Unit: t.Unit}) {
		im.diag(errors.KindInvalidStructure, "time signature %d/%d conflicts with the first staff", t.Count, t.Unit)
	}
}

func (im *importer) barLine(style string) {
	canon, ok := barStyles[style]
	if !ok {
		im.diag(errors.KindInvalidValue, "unknown bar line %q", style)
		return
	}
	idx, off := im.meters.locate(im.ctx.Position())
	if off.Sign() != 0 {
		im.diag(errors.KindInvalidStructure, "bar line %q inside a measure", style)
		return
	}
	if canon == "rptstart" {
		im.measureAt(idx).left = canon
		return
	}
	if idx == 0 {
		im.diag(errors.KindInvalidStructure, "bar line %q before any music", style)
		return
	}
	im.measureAt(idx - 1).right = canon
}

func (im *importer) repeat(r *Repeat) {
	if r.Kind != "volta" {
		im.diag(errors.KindUnsupportedFeature, `\repeat %s is imported once`, r.Kind)
		im.lost("repeat", "repeat "+r.Kind+" written out once", convert.LossL3)
		im.walk(r.Music)
		if len(r.Alternatives) > 0 {
			im.walk(r.Alternatives[len(r.Alternatives)-1])
		}
		return
	}
	if r.Count != 2 {
		im.lost("repeat", "volta count "+strconv.Itoa(r.Count), convert.LossL2)
	}
	im.barLine(".|:")
	im.walk(r.Music)
	if len(r.Alternatives) == 0 {
		im.barLine(":|.")
		return
	}
	for i, alt := range r.Alternatives {
		n := strconv.Itoa(i + 1)
		im.voltaStart(&mei.Ending{N: n, Label: n + "."})
		im.walk(alt)
		if i < len(r.Alternatives)-1 {
			im.barLine(":|.")
		}
		im.voltaStop()
	}
}

var (
	repeatCommand = regexp.MustCompile(`\(volta\s+("(?:[^"\\]|\\.)*"|#f)\)|[a-z-]+`)
	endingDigits  = regexp.MustCompile(`[0-9]+`)
)

// repeatCommands applies a Score.repeatCommands value built from volta,
// start-repeat and end-repeat. It reports false for anything else, which
// is then kept opaque.
func (im *importer) repeatCommands(value string) bool {
	body := strings.TrimSpace(value)
	if !strings.HasPrefix(body, "#'(") || !strings.HasSuffix(body, ")") {
		return false
	}
	body = body[3 : len(body)-1]
	matches := repeatCommand.FindAllStringSubmatchIndex(body, -1)
	at := 0
	for _, m := range matches {
		if strings.TrimSpace(body[at:m[0]]) != "" {
			return false
		}
		word := body[m[0]:m[1]]
		if m[2] < 0 && word != "start-repeat" && word != "end-repeat" {
			return false
		}
		at = m[1]
	}
	if strings.TrimSpace(body[at:]) != "" || len(matches) == 0 {
		return false
	}

	for _, m := range matches {
		switch word := body[m[0]:m[1]]; {
		case word == "start-repeat":
			im.barLine(".|:")
		case word == "end-repeat":
			im.barLine(":|.")
		case body[m[2]:m[3]] == "#f":
			if im.volta == nil {
				im.diag(errors.KindInvalidStructure, "volta bracket closed but none is open")
				continue
			}
			im.voltaStop()
		default:
			label := unquote(body[m[2]:m[3]])
			n := strings.Join(endingDigits.FindAllString(label, -1), ",")
			if n == "" {
				n = label
			}
			im.voltaStart(&mei.Ending{N: n, Label: label})
		}
	}
	return true
}

// voltaStart opens an ending at the current barline, closing any ending
// still open.
func (im *importer) voltaStart(e *mei.Ending) {
	if im.volta != nil {
		im.voltaStop()
	}
	idx, off := im.meters.locate(im.ctx.Position())
	if off.Sign() != 0 {
		im.diag(errors.KindInvalidStructure, "volta %q starts inside a measure, moved to the next barline", e.Label)
		idx++
	}
	im.volta = &volta{ending: e, from: idx}
}

// voltaStop marks every measure from the start of the open ending up to
// the current position.
func (im *importer) voltaStop() {
	v := im.volta
	im.volta = nil
	idx, off := im.meters.locate(im.ctx.Position())
	last := idx - 1
	if off.Sign() != 0 {
		im.diag(errors.KindInvalidStructure, "volta %q ends inside a measure", v.ending.Label)
		last = idx
	}
	if last < v.from {
		im.diag(errors.KindInvalidStructure, "volta %q covers no measure", v.ending.Label)
		return
	}
	for i := v.from; i <= last; i++ {
		e := *v.ending
		im.measureAt(i).ending = &e
	}
}

func (im *importer) tempo(t *Tempo) {
	ctrl := &mei.Tempo{
		Common:       mei.Common{ID: im.ctx.FreshID("tempo")},
		ControlAttrs: mei.ControlAttrs{Staff: im.staff.N},
		Text:         t.Text,
		MM:           t.BPM,
		MMUnit:       t.Unit,
		MMDots:       t.UnitDots,
	}
	im.points = append(im.points, pointControl{pos: im.ctx.Position(), ctrl: ctrl})
}

// function stores an opaque command or property operation as a Dir
// carrier with a function-call payload.
func (im *importer) function(name string, args []string, summary string) {
	ctrl := &mei.Dir{
		Common:       mei.Common{ID: im.ctx.FreshID("dir")},
		ControlAttrs: mei.ControlAttrs{Staff: im.staff.N},
		Text:         summary,
	}
	im.store.Entry(ctrl.ID).Function = &ext.FunctionCall{Name: name, Args: args, Layer: im.layer - 1}
	im.points = append(im.points, pointControl{pos: im.ctx.Position(), ctrl: ctrl})
}

func (im *importer) graceMusic(g *Grace) {
	kind := ext.GraceKind(g.Kind)
	saved := im.grace
	im.grace = im.newGrace(kind, nil, -1)
	im.walk(g.Music)
	im.grace = saved
}

func (im *importer) afterGrace(ag *AfterGrace) {
	idx, _ := im.meters.locate(im.ctx.Position())
	im.walk(ag.Main)
	saved := im.grace
	im.grace = im.newGrace(ext.GraceAfter, ag.Fraction, idx)
	im.walk(ag.Grace)
	im.grace = saved
}

func (im *importer) newGrace(kind ext.GraceKind, fraction *timing.Fraction, measure int) *graceState {
	scope := im.ctx.Scope()
	im.graceGroups[scope]++
	return &graceState{kind: kind, group: im.graceGroups[scope], fraction: fraction, measure: measure}
}

// graceAttr is the canonical grace value of a grace kind.
func graceAttr(kind ext.GraceKind) string {
	if kind == ext.GraceAcciaccatura || kind == ext.GraceSlashed {
		return "acc"
	}
	return "unacc"
}

func (im *importer) markGrace(id string) {
	if im.grace == nil {
		return
	}
	im.store.Entry(id).Grace = &ext.GraceInfo{Kind: im.grace.kind, Group: im.grace.group, Fraction: im.grace.fraction}
}

// duration resolves an optional written duration against the one in force.
// A scaled duration with no plain note value keeps its base and dots and
// carries the factor as a ratio.
func (im *importer) duration(d *Duration) (base, dots int, ratio mei.Ratio, length timing.Fraction) {
	if d != nil {
		im.dur = *d
	}
	d = &im.dur
	base, dots = d.Base, d.Dots
	if d.FactorNum > 0 {
		if b, n, ok := timing.NoteValue(d.Length()); ok {
			base, dots = b, n
		} else {
			den := d.FactorDen
			if den == 0 {
				den = 1
			}
			ratio = mei.Ratio{Num: den, NumBase: d.FactorNum}
		}
	}
	length = ratio.Scale(timing.Duration(base, dots))
	if im.grace != nil {
		length = timing.Zero
	}
	return base, dots, ratio, length
}

func (im *importer) pitch(p Pitch) Pitch {
	switch im.mode.kind {
	case relativePitch:
		p = p.Relative(im.mode.ref)
		im.mode.ref = p
	case fixedPitch:
		p.Octave += im.mode.ref.Octave
	}
	return p
}

func newNote(id string, p Pitch, base, dots int) *mei.Note {
	return &mei.Note{
		Common: mei.Common{ID: id},
		Pname:  p.Step,
		Oct:    p.MEIOctave(),
		Accid:  p.Alter,
		Dur:    base,
		Dots:   dots,
	}
}

func (im *importer) event(e *Event) {
	switch e.Kind {
	case SkipEvent:
		if e.Duration != nil {
			im.dur = *e.Duration
		}
		if im.grace == nil {
			im.ctx.AdvanceBy(im.dur.Length())
		}
		if len(e.Post) > 0 {
			im.diag(errors.KindUnsupportedFeature, "post-events on a spacer are dropped")
			im.lost("script", "post-event on a spacer", convert.LossL3)
		}
		return
	case MultiMeasureRest:
		im.multiRest(e)
		return
	}

	base, dots, ratio, length := im.duration(e.Duration)
	var t *target
	if e.Kind == RestEvent {
		r := &mei.Rest{Common: mei.Common{ID: im.ctx.FreshID("rest")}, Dur: base, Dots: dots, Ratio: ratio}
		idx := im.place(r, length)
		t = &target{id: r.ID, idx: idx}
	} else {
		p := im.pitch(e.Pitch)
		n := newNote(im.ctx.FreshID("note"), p, base, dots)
		n.Ratio = ratio
		if im.grace != nil {
			n.Grace = graceAttr(im.grace.kind)
			im.markGrace(n.ID)
		}
		if e.Force != "" {
			im.lost("accidental", "forced or cautionary accidental", convert.LossL1)
		}
		idx := im.place(n, length)
		im.melodyNote(n, n)
		t = &target{id: n.ID, idx: idx, notes: []*mei.Note{n}, artic: &n.Artic}
		for _, pe := range e.Post {
			if pe.Kind == PostTie {
				t.tied = []*mei.Note{n}
			}
		}
	}
	t.closesTies = im.grace == nil
	t.tstamp = im.tstampNow(t.idx)
	im.attach(t, e.Post)
	im.ctx.AdvanceBy(length)
}

func (im *importer) chord(c *Chord) {
	base, dots, ratio, length := im.duration(c.Duration)
	ch := &mei.Chord{Common: mei.Common{ID: im.ctx.FreshID("chord")}, Dur: base, Dots: dots, Ratio: ratio}
	if im.grace != nil {
		ch.Grace = graceAttr(im.grace.kind)
		im.markGrace(ch.ID)
	}

	t := &target{id: ch.ID, artic: &ch.Artic, closesTies: im.grace == nil}
	var first Pitch
	var chordPosts []PostEvent
	for i, cn := range c.Notes {
		p := im.pitch(cn.Pitch)
		if i == 0 {
			first = p
		}
		n := newNote(im.ctx.FreshID("note"), p, base, dots)
		n.Ratio = ratio
		if cn.Force != "" {
			im.lost("accidental", "forced or cautionary accidental", convert.LossL1)
		}
		for _, pe := range cn.Post {
			switch {
			case pe.Kind == PostTie:
				t.tied = append(t.tied, n)
			case pe.Kind == PostAbbrev && abbreviations[pe.Value] != "":
				n.Artic = append(n.Artic, mei.Artic{Name: abbreviations[pe.Value], Place: scriptPlace(pe.Dir)})
			case pe.Kind == PostCommand && articulationNames[pe.Value] != "":
				n.Artic = append(n.Artic, mei.Artic{Name: articulationNames[pe.Value], Place: scriptPlace(pe.Dir)})
			default:
				chordPosts = append(chordPosts, pe)
			}
		}
		ch.Notes = append(ch.Notes, n)
		t.notes = append(t.notes, n)
	}
	if len(c.Notes) > 0 && im.mode.kind == relativePitch {
		im.mode.ref = first
	}
	for _, pe := range c.Post {
		if pe.Kind == PostTie {
			t.tied = append(t.tied[:0], ch.Notes...)
		}
	}

	t.idx = im.place(ch, length)
	if len(ch.Notes) > 0 {
		im.melodyNote(ch.Notes[0], ch.Notes...)
	}
	t.tstamp = im.tstampNow(t.idx)
	im.attach(t, append(chordPosts, c.Post...))
	im.ctx.AdvanceBy(length)
}

// melodyNote records the note a syllable of this voice lands on. Grace
// notes and notes that only continue ties take none.
func (im *importer) melodyNote(first *mei.Note, notes ...*mei.Note) {
	if im.grace != nil {
		return
	}
	pending := make(map[int]bool)
	for _, midi := range im.ties[im.ctx.Scope()] {
		pending[midi] = true
	}
	fresh := false
	for _, n := range notes {
		if !pending[n.MIDI()] {
			fresh = true
		}
	}
	if !fresh {
		return
	}
	key := melodyKey{im.staff.N, im.layer}
	im.melody[key] = append(im.melody[key], first)
}

// lyricsContext queues the lyric blocks of a Lyrics context or an
// \addlyrics. Unnamed blocks follow the first voice of the last staff.
func (im *importer) lyricsContext(m Music) {
	switch m := m.(type) {
	case *Lyrics:
		if m.Kind != "lyricsto" && len(im.score.StaffDefs) == 0 {
			im.diag(errors.KindInvalidStructure, "lyrics before any staff")
			im.lost("syl", "lyrics with no melody", convert.LossL3)
			return
		}
		if m.Kind == "lyricmode" {
			for _, syl := range m.Syllables {
				if syl.Duration != nil {
					im.diag(errors.KindUnsupportedFeature, "lyric durations are ignored, syllables follow the notes of the staff above")
					break
				}
			}
		}
		im.lyrics = append(im.lyrics, lyricsRef{lyrics: m, key: melodyKey{len(im.score.StaffDefs), 1}})
	case *Sequential:
		for _, item := range m.Items {
			im.lyricsContext(item)
		}
	case *Call:
		if v, ok := im.lookup(m); ok && !im.expanding[m.Name] {
			im.expanding[m.Name] = true
			im.lyricsContext(v)
			delete(im.expanding, m.Name)
			return
		}
		im.diag(errors.KindUnsupportedFeature, `\%s in a Lyrics context is not supported`, m.Name)
	default:
		im.diag(errors.KindUnsupportedFeature, "only lyric text is supported in a Lyrics context")
		im.lost("Lyrics", "non-lyric music in a Lyrics context", convert.LossL3)
	}
}

// applyLyrics gives one syllable to each melody note in turn. A "_" skips
// a note; each block on the same voice is the next verse.
func (im *importer) applyLyrics(ref lyricsRef) {
	key := ref.key
	if ref.lyrics.Kind == "lyricsto" {
		k, ok := im.voices[ref.lyrics.Voice]
		if !ok {
			im.diag(errors.KindUnresolvedReference, `\lyricsto %q names no voice`, ref.lyrics.Voice)
			im.lost("syl", "lyrics for an unknown voice", convert.LossL3)
			return
		}
		key = k
	}
	im.verses[key]++
	verse := im.verses[key]
	notes := im.melody[key]

	word := false
	for i, s := range ref.lyrics.Syllables {
		if i >= len(notes) {
			im.diag(errors.KindInvalidStructure, "verse %d has %d syllables for %d notes", verse, len(ref.lyrics.Syllables), len(notes))
			im.lost("syl", "syllables past the last note", convert.LossL2)
			return
		}
		if s.Skip {
			continue
		}
		syl := mei.Syl{N: verse, Text: s.Text, Wordpos: "s"}
		switch {
		case word && s.Hyphen:
			syl.Wordpos = "m"
		case word:
			syl.Wordpos = "t"
		case s.Hyphen:
			syl.Wordpos = "i"
		}
		switch {
		case s.Hyphen:
			syl.Con = "d"
		case s.Extender:
			syl.Con = "u"
		}
		word = s.Hyphen
		notes[i].Syls = append(notes[i].Syls, syl)
	}
}

// multiRest writes one measure rest per measure the duration covers.
func (im *importer) multiRest(e *Event) {
	if e.Duration != nil {
		im.dur = *e.Duration
	}
	total := im.dur.Length()
	var first *mei.MRest
	n := 0
	for total.Sign() > 0 {
		idx, off := im.meters.locate(im.ctx.Position())
		if off.Sign() != 0 {
			im.diag(errors.KindInvalidStructure, "multi-measure rest starts inside a measure")
		}
		length := im.meters.lengthOf(idx).Sub(off)
		if total.Less(length) {
			im.diag(errors.KindInvalidStructure, "multi-measure rest ends inside a measure")
			length = total
		}
		r := &mei.MRest{Common: mei.Common{ID: im.ctx.FreshID("mRest")}}
		im.place(r, length)
		if first == nil {
			first = r
			im.attach(&target{id: r.ID, idx: idx, tstamp: im.tstampNow(idx), closesTies: true}, e.Post)
		}
		im.ctx.AdvanceBy(length)
		total = total.Sub(length)
		n++
	}
	if n > 1 {
		im.store.Entry(first.ID).MeasureStyle = &ext.MeasureStyleData{MultipleRest: n}
	}
}

func (im *importer) tstampNow(idx int) timing.Fraction {
	return im.meters.tstamp(idx, im.ctx.Position().Sub(im.meters.startOf(idx)))
}

func (im *importer) measureAt(idx int) *measureBuf {
	for len(im.measures) <= idx {
		im.measures = append(im.measures, &measureBuf{staves: make(map[int]*staffBuf)})
	}
	return im.measures[idx]
}

// place appends c at the current position of the current voice, filling
// any gap with a space, and returns the measure index. Position is not
// advanced.
func (im *importer) place(c mei.LayerChild, length timing.Fraction) int {
	pos := im.ctx.Position()
	idx, off := im.meters.locate(pos)
	if im.grace != nil && im.grace.measure >= 0 {
		idx = im.grace.measure
		off = pos.Sub(im.meters.startOf(idx))
	}
	im.ctx.SetMeasure(idx)
	im.started = true

	buf := im.measureAt(idx)
	sb := buf.staves[im.staff.N]
	if sb == nil {
		sb = &staffBuf{layers: make(map[int]*layerBuf)}
		buf.staves[im.staff.N] = sb
	}
	lb := sb.layers[im.layer]
	if lb == nil {
		lb = &layerBuf{layer: &mei.Layer{N: im.layer}, fill: timing.Zero}
		sb.layers[im.layer] = lb
	}
	switch cmp := lb.fill.Cmp(off); {
	case cmp < 0:
		appendSpace(lb.layer, off.Sub(lb.fill))
	case cmp > 0:
		im.diag(errors.KindInvalidStructure, "event overlaps the previous one in voice %d", im.layer)
	}
	lb.layer.Children = append(lb.layer.Children, c)
	lb.fill = off.Add(length)
	if im.meters.lengthOf(idx).Less(lb.fill) {
		im.diag(errors.KindInvalidStructure, "<%s> crosses a barline", c.Element())
	}
	return idx
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

func (im *importer) point(t *target, place string) mei.ControlAttrs {
	return mei.ControlAttrs{StartID: t.id, Staff: im.staff.N, Tstamp: t.tstamp, Place: place}
}

func (im *importer) key(concern convert.Concern, number int) convert.Key {
	return convert.Key{Concern: concern, Scope: im.ctx.Scope(), Number: number}
}

func (im *importer) startSpan(concern convert.Concern, kind string, t *target, place string) *spanStart {
	p := &spanStart{id: im.ctx.FreshID(kind), staff: im.staff.N, place: place, tstamp: t.tstamp}
	im.ctx.Spans().Start(im.key(concern, 0), t.id, p)
	return p
}

// attach processes the post-events of one event in a fixed order: pending
// ties, span stops, dynamics, span starts, then point scripts.
func (im *importer) attach(t *target, posts []PostEvent) {
	spans := im.ctx.Spans()
	scope := im.ctx.Scope()

	if t.closesTies {
		used := make(map[*mei.Note]bool)
		for _, midi := range im.ties[scope] {
			end := ""
			for _, n := range t.notes {
				if !used[n] && n.MIDI() == midi {
					end, used[n] = n.ID, true
					break
				}
			}
			spans.Stop(convert.Key{Concern: convert.ConcernTie, Scope: scope, Number: midi}, end)
		}
		delete(im.ties, scope)
	}

	for _, pe := range posts {
		switch {
		case pe.Kind == PostSymbol && pe.Value == ")":
			spans.Stop(im.key(convert.ConcernSlur, 0), t.id)
		case pe.Kind != PostCommand:
		case pe.Value == ")":
			spans.Stop(im.key(convert.ConcernPhrase, 0), t.id)
		case pe.Value == "!":
			spans.Stop(im.key(convert.ConcernHairpin, 0), t.id)
		case pe.Value == "stopTrillSpan":
			spans.Stop(im.key(convert.ConcernTrill, 0), t.id)
		case pe.Value == "stopGroup":
			spans.Stop(im.key(convert.ConcernBracket, 0), t.id)
		}
	}

	for _, pe := range posts {
		if pe.Kind != PostCommand || !dynamicNames[pe.Value] {
			continue
		}
		if hp := im.key(convert.ConcernHairpin, 0); spans.IsOpen(hp) {
			spans.Stop(hp, t.id)
		}
		im.emit(t.idx, &mei.Dynam{
			Common:       mei.Common{ID: im.ctx.FreshID("dynam")},
			ControlAttrs: im.point(t, scriptPlace(pe.Dir)),
			Text:         pe.Value,
		})
	}

	for _, n := range t.tied {
		k := convert.Key{Concern: convert.ConcernTie, Scope: scope, Number: n.MIDI()}
		if spans.IsOpen(k) {
			continue
		}
		spans.Start(k, n.ID, &spanStart{id: im.ctx.FreshID("tie"), staff: im.staff.N})
		im.ties[scope] = append(im.ties[scope], n.MIDI())
	}
	for _, pe := range posts {
		place := scriptPlace(pe.Dir)
		switch {
		case pe.Kind == PostSymbol && pe.Value == "(":
			im.startSpan(convert.ConcernSlur, "slur", t, place)
		case pe.Kind != PostCommand:
		case pe.Value == "(":
			im.startSpan(convert.ConcernPhrase, "phrase", t, place)
		case pe.Value == "<" || pe.Value == ">" || pe.Value == "cresc" || pe.Value == "decresc" || pe.Value == "dim":
			if hp := im.key(convert.ConcernHairpin, 0); spans.IsOpen(hp) {
				spans.Stop(hp, t.id)
			}
			p := im.startSpan(convert.ConcernHairpin, "hairpin", t, place)
			p.form = "cres"
			if pe.Value == ">" || pe.Value == "decresc" || pe.Value == "dim" {
				p.form = "dim"
			}
			if len(pe.Value) > 1 {
				p.command = pe.Value
			}
		case pe.Value == "startTrillSpan":
			im.startSpan(convert.ConcernTrill, "trill", t, place)
		case pe.Value == "startGroup":
			im.startSpan(convert.ConcernBracket, "bracketSpan", t, place)
		}
	}

	for _, pe := range posts {
		im.script(t, pe)
	}
	im.drain()
}

// script handles a point post-event: articulations, ornaments, fermatas,
// text and fingerings. Span and dynamic commands are skipped.
func (im *importer) script(t *target, pe PostEvent) {
	place := scriptPlace(pe.Dir)
	switch pe.Kind {
	case PostTie:
		return
	case PostSymbol:
		if pe.Value == "[" || pe.Value == "]" {
			im.lost("beam", "manual beam", convert.LossL2)
		}
		return
	case PostAbbrev:
		if name, ok := abbreviations[pe.Value]; ok && t.artic != nil {
			*t.artic = append(*t.artic, mei.Artic{Name: name, Place: place})
			return
		}
		im.lost("articulation", "shorthand "+pe.Dir+pe.Value+" on a rest", convert.LossL3)
		return
	case PostText:
		im.emit(t.idx, &mei.Dir{
			Common:       mei.Common{ID: im.ctx.FreshID("dir")},
			ControlAttrs: im.point(t, place),
			Text:         pe.Value,
		})
		return
	case PostFinger:
		d := &mei.Dir{
			Common:       mei.Common{ID: im.ctx.FreshID("dir")},
			ControlAttrs: im.point(t, place),
			Text:         pe.Value,
		}
		im.setGeneric(d.ID, scriptMeta{Kind: "fingering"})
		im.emit(t.idx, d)
		return
	}

	v := pe.Value
	switch {
	case dynamicNames[v], v == "(", v == ")", v == "<", v == ">", v == "!",
		v == "cresc", v == "decresc", v == "dim",
		v == "startTrillSpan", v == "stopTrillSpan", v == "startGroup", v == "stopGroup":
		return
	case articulationNames[v] != "" && t.artic != nil:
		*t.artic = append(*t.artic, mei.Artic{Name: articulationNames[v], Place: place})
	case ornamentNames[v] != "":
		im.emit(t.idx, &mei.Ornam{
			Common:       mei.Common{ID: im.ctx.FreshID("ornam")},
			ControlAttrs: im.point(t, place),
			Name:         ornamentNames[v],
		})
	case v == "fermata":
		im.emit(t.idx, &mei.Fermata{
			Common:       mei.Common{ID: im.ctx.FreshID("fermata")},
			ControlAttrs: im.point(t, place),
		})
	case v == "trill":
		im.emit(t.idx, &mei.Trill{
			Common:       mei.Common{ID: im.ctx.FreshID("trill")},
			ControlAttrs: im.point(t, place),
		})
	default:
		d := &mei.Dir{
			Common:       mei.Common{ID: im.ctx.FreshID("dir")},
			ControlAttrs: im.point(t, place),
			Text:         `\` + v,
		}
		im.store.Entry(d.ID).Ornament = &ext.OrnamentInfo{Name: v, Direction: ornamentDirection(pe.Dir)}
		im.emit(t.idx, d)
	}
}

// drain turns completed spans into control events in resolution order.
func (im *importer) drain() {
	for _, c := range im.ctx.Spans().Drain() {
		p, ok := c.Payload.(*spanStart)
		if !ok {
			continue
		}
		if c.EndID == "" {
			im.ctx.Diagnose(convert.Diagnostic{
				Kind:     errors.KindUnresolvedReference,
				Location: fmt.Sprintf("measure %d, position %s", c.Start.Measure+1, c.Start.Position),
				Message:  fmt.Sprintf("tie from %s has no following note of the same pitch", c.StartID),
			})
			continue
		}
		attrs := mei.ControlAttrs{StartID: c.StartID, EndID: c.EndID, Staff: p.staff, Place: p.place}
		spanned := func() {
			attrs.Tstamp = p.tstamp
			endOff := c.End.Position.Sub(im.meters.startOf(c.End.Measure))
			attrs.Tstamp2 = &mei.MeasureBeat{Measures: c.Measures(), Beat: im.meters.tstamp(c.End.Measure, endOff)}
		}
		common := mei.Common{ID: p.id}

		var ctrl mei.MeasureChild
		switch c.Key.Concern {
		case convert.ConcernTie:
			ctrl = &mei.Tie{Common: common, ControlAttrs: attrs}
		case convert.ConcernSlur:
			ctrl = &mei.Slur{Common: common, ControlAttrs: attrs}
		case convert.ConcernPhrase:
			ctrl = &mei.Phrase{Common: common, ControlAttrs: attrs}
		case convert.ConcernHairpin:
			spanned()
			ctrl = &mei.Hairpin{Common: common, ControlAttrs: attrs, Form: p.form}
			if p.command != "" {
				im.setGeneric(p.id, hairpinMeta{Command: p.command})
			}
		case convert.ConcernTrill:
			spanned()
			ctrl = &mei.Trill{Common: common, ControlAttrs: attrs}
		case convert.ConcernBracket:
			spanned()
			ctrl = &mei.BracketSpan{Common: common, ControlAttrs: attrs, Func: "analysis"}
		default:
			continue
		}
		im.emit(c.Start.Measure, ctrl)
	}
}

// figuresOrChords imports the music of a ChordNames or FiguredBass
// context, attached to the last staff.
func (im *importer) figuresOrChords(m Music) {
	switch m := m.(type) {
	case *Sequential:
		for _, item := range m.Items {
			im.figuresOrChords(item)
		}
		return
	case *Simultaneous:
		for _, item := range m.Items {
			im.figuresOrChords(item)
		}
		return
	case *Call:
		if v, ok := im.lookup(m); ok && !im.expanding[m.Name] {
			im.expanding[m.Name] = true
			im.figuresOrChords(v)
			delete(im.expanding, m.Name)
		}
		return
	case *ContextMusic:
		im.figuresOrChords(m.Music)
		return
	}

	staff := len(im.score.StaffDefs)
	defer im.ctx.EnterScope(convert.ScopeStaff, "harmony")()
	im.ctx.SetPosition(timing.Zero)

	switch m := m.(type) {
	case *ChordMode:
		for _, ev := range m.Events {
			if ev.Duration != nil {
				im.dur = *ev.Duration
			}
			d := im.dur
			if !ev.Skip {
				idx, off := im.meters.locate(im.ctx.Position())
				h := &mei.Harm{
					Common:       mei.Common{ID: im.ctx.FreshID("harm")},
					ControlAttrs: mei.ControlAttrs{Staff: staff, Tstamp: im.meters.tstamp(idx, off)},
					Text:         harmSummary(ev),
				}
				ev.Duration = &d
				im.store.Entry(h.ID).ChordMode = &ext.ChordModeInfo{Serialized: chordModeEvent(ev)}
				im.emit(idx, h)
			}
			im.ctx.AdvanceBy(d.Length())
		}
	case *Figures:
		for _, ev := range m.Events {
			if ev.Duration != nil {
				im.dur = *ev.Duration
			}
			d := im.dur
			if !ev.Skip {
				idx, off := im.meters.locate(im.ctx.Position())
				fb := &mei.Fb{
					Common:       mei.Common{ID: im.ctx.FreshID("fb")},
					ControlAttrs: mei.ControlAttrs{Staff: staff, Tstamp: im.meters.tstamp(idx, off)},
					Figures:      append([]string(nil), ev.Figures...),
				}
				ev.Duration = &d
				data := &ext.FiguredBassData{Source: figureEvent(ev), Duration: d.String()}
				for _, fig := range ev.Figures {
					data.Figures = append(data.Figures, ext.Figure{Number: fig})
				}
				im.store.Entry(fb.ID).FiguredBass = data
				im.emit(idx, fb)
			}
			im.ctx.AdvanceBy(d.Length())
		}
	default:
		im.diag(errors.KindUnsupportedFeature, "only chord or figure mode is supported in chord and figure contexts")
		return
	}
	if im.end.Less(im.ctx.Position()) {
		im.end = im.ctx.Position()
	}
}

// finalize assembles the measures.
func (im *importer) finalize() error {
	count := im.meters.count(im.end)
	if len(im.measures) > count {
		count = len(im.measures)
	}
	if count == 0 {
		return errors.NewImport(FormatName, "", "document contains no musical content")
	}

	for _, p := range im.points {
		idx, off := im.meters.locate(p.pos)
		if idx >= count {
			idx = count - 1
			off = im.meters.lengthOf(idx)
		}
		p.ctrl.Attrs().Tstamp = im.meters.tstamp(idx, off)
		im.emit(idx, p.ctrl)
	}

	im.ctx.Spans().Finish()

	for _, def := range im.score.StaffDefs {
		def.Meter = im.meters.segments[0].meter
	}

	for idx := 0; idx < count; idx++ {
		buf := im.measureAt(idx)
		number := idx + 1
		if im.meters.hasPickup() {
			number = idx
		}
		m := &mei.Measure{
			Common: mei.Common{ID: im.ctx.FreshID("measure")},
			N:      strconv.Itoa(number),
			Left:   buf.left,
			Right:  buf.right,
			Ending: buf.ending,
		}
		if im.meters.changes(idx) {
			meter := im.meters.meterOf(idx)
			m.Meter = &meter
		}
		length := im.meters.lengthOf(idx)
		for _, def := range im.score.StaffDefs {
			m.Children = append(m.Children, staffFor(def.N, buf.staves[def.N], length))
		}
		m.Children = append(m.Children, buf.controls...)
		im.score.Measures = append(im.score.Measures, m)
	}

	if len(im.markups) > 0 {
		im.store.Entry(im.score.ID).Markups = im.markups
	}
	if im.meta.Version != "" || len(im.meta.Outputs) > 0 {
		im.setGeneric(im.score.ID, im.meta)
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
		if _, ok := c.(*mei.Space); !ok {
			return false
		}
	}
	return true
}
