package lilypond

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/ScoreBridge/core/encoding"
	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// FormatName is the display name used in errors and reports.
const FormatName = "LilyPond"

// Parse parses LilyPond source. path is used in error messages only.
func Parse(path string, src []byte) (*File, error) {
	parsed, err := lyParser.ParseBytes(path, src)
	if err != nil {
		return nil, parseError(path, err)
	}
	b := &builder{path: path}
	return b.file(parsed)
}

// ParseString parses LilyPond source held in a string.
func ParseString(src string) (*File, error) {
	return Parse("", []byte(src))
}

func parseError(path string, err error) error {
	pe := errors.NewParse(FormatName, path, err.Error())
	var perr participle.Error
	if errors.As(err, &perr) {
		pos := perr.Position()
		pe.Line, pe.Column = pos.Line, pos.Column
		pe.Message = perr.Message()
	}
	return pe
}

// builder converts grammar structs into the AST, validating pitch names
// and durations on the way.
type builder struct {
	path string
}

func (b *builder) errorf(pos lexer.Position, format string, args ...interface{}) error {
	pe := errors.NewParse(FormatName, b.path, fmt.Sprintf(format, args...))
	pe.Line, pe.Column = pos.Line, pos.Column
	return pe
}

func (b *builder) file(f *lyFile) (*File, error) {
	out := &File{}
	for _, e := range f.Entries {
		entry, err := b.entry(e)
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

func (b *builder) entry(e *lyEntry) (Entry, error) {
	switch {
	case e.Version != nil:
		return &Version{Value: unquote(*e.Version)}, nil
	case e.Header != nil:
		return b.header(e.Header), nil
	case e.Score != nil:
		return b.score(e.Score)
	case e.Markup != nil:
		return b.markup(e.Markup), nil
	case e.Output != nil:
		return &OutputDef{Name: strings.TrimPrefix(e.Output.Name, `\`), Body: balanced(e.Output.Body)}, nil
	case e.Assignment != nil:
		m, err := b.music(e.Assignment.Music)
		if err != nil {
			return nil, err
		}
		return &Assignment{Name: e.Assignment.Name, Music: m}, nil
	case e.Music != nil:
		m, err := b.music(e.Music)
		if err != nil {
			return nil, err
		}
		return &MusicEntry{Music: m}, nil
	}
	return nil, errors.NewParse(FormatName, b.path, "empty top-level entry")
}

func (b *builder) header(h *lyHeader) *Header {
	out := &Header{}
	for _, f := range h.Fields {
		out.Fields = append(out.Fields, HeaderField{Name: f.Name, Value: unquote(f.Value)})
	}
	return out
}

func (b *builder) score(s *lyScore) (*ScoreBlock, error) {
	out := &ScoreBlock{}
	for _, item := range s.Items {
		switch {
		case item.Header != nil:
			out.Header = b.header(item.Header)
		case item.Output != nil:
			out.Outputs = append(out.Outputs, &OutputDef{
				Name: strings.TrimPrefix(item.Output.Name, `\`),
				Body: balanced(item.Output.Body),
			})
		case item.Music != nil:
			m, err := b.music(item.Music)
			if err != nil {
				return nil, err
			}
			out.Music = append(out.Music, m)
		}
	}
	return out, nil
}

func (b *builder) markup(m *lyMarkup) *Markup {
	parts := append([]string(nil), m.Prefix...)
	switch {
	case m.Body.Block != nil:
		parts = append(parts, balanced(m.Body.Block))
	case m.Body.Text != nil:
		parts = append(parts, *m.Body.Text)
	}
	return &Markup{Kind: strings.TrimPrefix(m.Kind, `\`), Body: strings.Join(parts, " ")}
}

// balanced renders a raw block with single spaces between tokens.
func balanced(blk *lyBalanced) string {
	if blk == nil {
		return "{ }"
	}
	parts := []string{"{"}
	for _, item := range blk.Items {
		switch {
		case item.Nested != nil:
			parts = append(parts, balanced(item.Nested))
		case item.Token != nil:
			parts = append(parts, strings.TrimSpace(*item.Token))
		}
	}
	return strings.Join(append(parts, "}"), " ")
}

func (b *builder) musicList(items []*lyMusic) ([]Music, error) {
	out := make([]Music, 0, len(items))
	for _, item := range items {
		m, err := b.music(item)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *builder) music(m *lyMusic) (Music, error) {
	switch {
	case m.Sequential != nil:
		items, err := b.musicList(m.Sequential.Items)
		if err != nil {
			return nil, err
		}
		return &Sequential{Items: items}, nil
	case m.Simultaneous != nil:
		return b.simultaneous(m.Simultaneous.Items)
	case m.New != nil:
		inner, err := b.music(m.New.Music)
		if err != nil {
			return nil, err
		}
		cm := &ContextMusic{Type: m.New.Type, Music: inner}
		if m.New.Name != nil {
			cm.Name = unquote(*m.New.Name)
		}
		if m.New.With != nil {
			cm.With = balanced(m.New.With)
		}
		return cm, nil
	case m.Relative != nil:
		inner, err := b.music(m.Relative.Music)
		if err != nil {
			return nil, err
		}
		rel := &Relative{Music: inner}
		if m.Relative.Pitch != nil {
			p, err := b.pitch(m.Relative.Pitch)
			if err != nil {
				return nil, err
			}
			rel.Pitch = &p
		}
		return rel, nil
	case m.Fixed != nil:
		p, err := b.pitch(&m.Fixed.Pitch)
		if err != nil {
			return nil, err
		}
		inner, err := b.music(m.Fixed.Music)
		if err != nil {
			return nil, err
		}
		return &Fixed{Pitch: p, Music: inner}, nil
	case m.Clef != nil:
		return &Clef{Name: unquote(*m.Clef)}, nil
	case m.Key != nil:
		p, err := b.pitch(&m.Key.Pitch)
		if err != nil {
			return nil, err
		}
		return &KeySignature{Pitch: p, Mode: strings.TrimPrefix(m.Key.Mode, `\`)}, nil
	case m.Time != nil:
		return &TimeSignature{Count: m.Time.Num, Unit: m.Time.Den}, nil
	case m.Bar != nil:
		return &BarLine{Style: unquote(*m.Bar)}, nil
	case m.Tempo != nil:
		t := &Tempo{}
		if m.Tempo.Text != nil {
			t.Text = unquote(*m.Tempo.Text)
		}
		if mm := m.Tempo.Metronome; mm != nil {
			t.Unit, t.UnitDots, t.BPM = mm.Unit, len(mm.Dots), mm.BPM
		}
		return t, nil
	case m.Partial != nil:
		d, err := b.duration(m.Partial, lexer.Position{})
		if err != nil {
			return nil, err
		}
		return &Partial{Duration: *d}, nil
	case m.Grace != nil:
		inner, err := b.music(m.Grace.Music)
		if err != nil {
			return nil, err
		}
		return &Grace{Kind: strings.TrimPrefix(m.Grace.Kind, `\`), Music: inner}, nil
	case m.AfterGrace != nil:
		return b.afterGrace(m.AfterGrace)
	case m.ChordMode != nil:
		return b.chordMode(m.ChordMode)
	case m.Figures != nil:
		return b.figures(m.Figures)
	case m.Repeat != nil:
		inner, err := b.music(m.Repeat.Music)
		if err != nil {
			return nil, err
		}
		alts, err := b.musicList(m.Repeat.Alternatives)
		if err != nil {
			return nil, err
		}
		r := &Repeat{Kind: m.Repeat.Kind, Count: m.Repeat.Count, Music: inner}
		if len(alts) > 0 {
			r.Alternatives = alts
		}
		return r, nil
	case m.Lyrics != nil:
		return b.lyrics(m.Lyrics)
	case m.Property != nil:
		p := &Property{Op: strings.TrimPrefix(m.Property.Op, `\`), Path: strings.Join(m.Property.Path, ".")}
		if m.Property.Value != nil {
			p.Value = *m.Property.Value
		}
		return p, nil
	case m.BarCheck != nil:
		return &BarCheck{}, nil
	case m.VoiceSep:
		return nil, errors.NewParse(FormatName, b.path, `voice separator "\\" outside << >>`)
	case m.Chord != nil:
		return b.chord(m.Chord)
	case m.Event != nil:
		return b.event(m.Event)
	case m.Call != nil:
		return &Call{Name: strings.TrimPrefix(m.Call.Name, `\`), Args: m.Call.Args}, nil
	}
	return nil, errors.NewParse(FormatName, b.path, "empty music expression")
}

// lyrics folds hyphens and extenders into the syllable before them.
func (b *builder) lyrics(l *lyLyrics) (Music, error) {
	out := &Lyrics{Kind: strings.TrimPrefix(l.Kind, `\`)}
	if l.Voice != nil {
		out.Voice = unquote(*l.Voice)
	}
	if out.Kind == "lyricsto" && l.Voice == nil {
		return nil, errors.NewParse(FormatName, b.path, `\lyricsto needs a voice name`)
	}
	for _, s := range l.Syllables {
		n := len(out.Syllables)
		switch {
		case s.Hyphen && n > 0:
			out.Syllables[n-1].Hyphen = true
		case s.Extender && n > 0:
			out.Syllables[n-1].Extender = true
		case s.Word != nil:
			syl := Syllable{Text: unquote(s.Word.Text)}
			if s.Word.Text == "_" {
				syl = Syllable{Skip: true}
			}
			if s.Word.Duration != nil {
				d, err := b.duration(s.Word.Duration, s.Word.Pos)
				if err != nil {
					return nil, err
				}
				syl.Duration = d
			}
			out.Syllables = append(out.Syllables, syl)
		}
	}
	return out, nil
}

// simultaneous splits branches at voice separators; each group of
// items between separators becomes one branch.
func (b *builder) simultaneous(items []*lyMusic) (Music, error) {
	var groups [][]*lyMusic
	current := []*lyMusic{}
	voices := false
	for _, item := range items {
		if item.VoiceSep {
			voices = true
			groups = append(groups, current)
			current = []*lyMusic{}
			continue
		}
		current = append(current, item)
	}
	if !voices {
		list, err := b.musicList(items)
		if err != nil {
			return nil, err
		}
		return &Simultaneous{Items: list}, nil
	}
	groups = append(groups, current)

	out := &Simultaneous{Voices: true}
	for _, g := range groups {
		list, err := b.musicList(g)
		if err != nil {
			return nil, err
		}
		if len(list) == 1 {
			out.Items = append(out.Items, list[0])
		} else {
			out.Items = append(out.Items, &Sequential{Items: list})
		}
	}
	return out, nil
}

func (b *builder) afterGrace(ag *lyAfterGrace) (Music, error) {
	main, err := b.music(ag.Main)
	if err != nil {
		return nil, err
	}
	grace, err := b.music(ag.Grace)
	if err != nil {
		return nil, err
	}
	out := &AfterGrace{Main: main, Grace: grace}
	if ag.Fraction != nil {
		f := timing.New(int64(ag.Fraction.Num), int64(ag.Fraction.Den))
		out.Fraction = &f
	}
	return out, nil
}

func (b *builder) chordMode(cm *lyChordMode) (Music, error) {
	out := &ChordMode{}
	for _, ev := range cm.Events {
		d, err := b.optDuration(ev.Duration, ev.Pos)
		if err != nil {
			return nil, err
		}
		ce := ChordModeEvent{Duration: d}
		if ev.Root == "s" || ev.Root == "r" {
			ce.Skip = true
			out.Events = append(out.Events, ce)
			continue
		}
		root, err := b.pitch(&lyPitch{Pos: ev.Pos, Step: ev.Root, Octave: ev.Octave})
		if err != nil {
			return nil, err
		}
		ce.Root = root
		if ev.Mods != nil {
			ce.Modifiers = strings.TrimPrefix(*ev.Mods, ":")
		}
		if ev.Bass != nil {
			bass, err := b.pitch(ev.Bass)
			if err != nil {
				return nil, err
			}
			ce.Bass = &bass
		}
		out.Events = append(out.Events, ce)
	}
	return out, nil
}

func (b *builder) figures(fg *lyFigures) (Music, error) {
	out := &Figures{}
	for _, ev := range fg.Events {
		switch {
		case ev.Group != nil:
			d, err := b.optDuration(ev.Group.Duration, lexer.Position{})
			if err != nil {
				return nil, err
			}
			out.Events = append(out.Events, FigureEvent{Figures: groupFigures(ev.Group.Figures), Duration: d})
		case ev.Skip != nil:
			if ev.Skip.Kind != "s" && ev.Skip.Kind != "r" {
				return nil, b.errorf(ev.Skip.Pos, "unexpected %q in figures", ev.Skip.Kind)
			}
			d, err := b.optDuration(ev.Skip.Duration, ev.Skip.Pos)
			if err != nil {
				return nil, err
			}
			out.Events = append(out.Events, FigureEvent{Skip: true, Duration: d})
		}
	}
	return out, nil
}

// groupFigures joins figure tokens into figures: a number or "_" starts a
// new figure and the alteration tokens after it attach to it.
func groupFigures(tokens []string) []string {
	var figs []string
	for _, tok := range tokens {
		startsFigure := tok == "_"
		if _, err := strconv.Atoi(tok); err == nil {
			startsFigure = true
		}
		if startsFigure || len(figs) == 0 {
			figs = append(figs, tok)
			continue
		}
		figs[len(figs)-1] += tok
	}
	return figs
}

func (b *builder) chord(c *lyChord) (Music, error) {
	pos := lexer.Position{}
	if len(c.Notes) > 0 {
		pos = c.Notes[0].Pos
	}
	d, err := b.optDuration(c.Duration, pos)
	if err != nil {
		return nil, err
	}
	out := &Chord{Duration: d, Post: posts(c.Post)}
	for _, n := range c.Notes {
		p, err := b.pitch(&lyPitch{Pos: n.Pos, Step: n.Pitch, Octave: n.Octave})
		if err != nil {
			return nil, err
		}
		out.Notes = append(out.Notes, ChordNote{Pitch: p, Force: n.Force, Post: posts(n.Post)})
	}
	return out, nil
}

func (b *builder) event(e *lyEvent) (Music, error) {
	d, err := b.optDuration(e.Duration, e.Pos)
	if err != nil {
		return nil, err
	}
	out := &Event{Duration: d, Force: e.Force, Post: posts(e.Post)}
	switch e.Pitch {
	case "r":
		out.Kind = RestEvent
	case "R":
		out.Kind = MultiMeasureRest
	case "s":
		out.Kind = SkipEvent
	default:
		p, err := b.pitch(&lyPitch{Pos: e.Pos, Step: e.Pitch, Octave: e.Octave})
		if err != nil {
			return nil, err
		}
		out.Kind = NoteEvent
		out.Pitch = p
	}
	return out, nil
}

func (b *builder) pitch(p *lyPitch) (Pitch, error) {
	step, alter, ok := ParsePitchName(p.Step)
	if !ok {
		return Pitch{}, b.errorf(p.Pos, "unknown note name %q", p.Step)
	}
	return Pitch{
		Step:   step,
		Alter:  alter,
		Octave: strings.Count(p.Octave, "'") - strings.Count(p.Octave, ","),
	}, nil
}

func (b *builder) optDuration(d *lyDuration, pos lexer.Position) (*Duration, error) {
	if d == nil {
		return nil, nil
	}
	return b.duration(d, pos)
}

func (b *builder) duration(d *lyDuration, pos lexer.Position) (*Duration, error) {
	if d.Base <= 0 || d.Base > 128 || d.Base&(d.Base-1) != 0 {
		return nil, b.errorf(pos, "invalid duration %d", d.Base)
	}
	out := &Duration{Base: d.Base, Dots: len(d.Dots)}
	if f := d.Factor; f != nil {
		out.FactorNum, out.FactorDen = f.Num, 1
		if f.Den != nil {
			if *f.Den == 0 {
				return nil, b.errorf(pos, "duration factor with zero denominator")
			}
			out.FactorDen = *f.Den
		}
	}
	return out, nil
}

func posts(in []*lyPost) []PostEvent {
	var out []PostEvent
	for _, p := range in {
		switch {
		case p.Tie:
			out = append(out, PostEvent{Kind: PostTie, Value: "~"})
		case p.Paren != nil:
			out = append(out, PostEvent{Kind: PostSymbol, Value: *p.Paren})
		case p.Command != nil:
			out = append(out, PostEvent{Kind: PostCommand, Value: strings.TrimPrefix(*p.Command, `\`)})
		case p.Script != nil:
			out = append(out, script(p.Script))
		}
	}
	return out
}

func script(s *lyScript) PostEvent {
	pe := PostEvent{Dir: s.Dir}
	switch body := s.Body; {
	case body.Command != nil:
		pe.Kind, pe.Value = PostCommand, strings.TrimPrefix(*body.Command, `\`)
	case body.Text != nil:
		pe.Kind, pe.Value = PostText, unquote(*body.Text)
	case body.Finger != nil:
		pe.Kind, pe.Value = PostFinger, strconv.Itoa(*body.Finger)
	case body.Paren != nil:
		pe.Kind, pe.Value = PostSymbol, *body.Paren
	case body.Abbrev != nil:
		pe.Kind, pe.Value = PostAbbrev, *body.Abbrev
	}
	return pe
}

// unquote strips the quotes of a string token; other tokens pass through.
func unquote(s string) string {
	return encoding.UnquoteLily(s)
}
