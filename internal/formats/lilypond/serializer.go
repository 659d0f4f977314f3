package lilypond

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/FocuswithJustin/ScoreBridge/core/encoding"
)

// Serialize renders f as LilyPond source.
func Serialize(f *File) []byte {
	p := &printer{}
	for i, e := range f.Entries {
		if i > 0 {
			p.newline()
		}
		p.entry(e)
		p.newline()
	}
	return []byte(p.sb.String())
}

// printer writes music with two-space indentation. Leaf items are
// separated by spaces; blocks and bar checks break lines.
type printer struct {
	sb     strings.Builder
	indent int
	fresh  bool
}

func (p *printer) word(s string) {
	if p.sb.Len() > 0 {
		if p.fresh {
			p.sb.WriteString(strings.Repeat("  ", p.indent))
		} else {
			p.sb.WriteByte(' ')
		}
	}
	p.fresh = false
	p.sb.WriteString(s)
}

func (p *printer) newline() {
	if !p.fresh {
		p.sb.WriteByte('\n')
		p.fresh = true
	}
}

func (p *printer) open(s string) {
	p.word(s)
	p.indent++
	p.newline()
}

func (p *printer) close(s string) {
	p.newline()
	p.indent--
	p.word(s)
}

func (p *printer) entry(e Entry) {
	switch e := e.(type) {
	case *Version:
		p.word(`\version ` + quote(e.Value))
	case *Header:
		p.header(e)
	case *ScoreBlock:
		p.open(`\score {`)
		if e.Header != nil {
			p.header(e.Header)
			p.newline()
		}
		for _, m := range e.Music {
			p.music(m)
			p.newline()
		}
		for _, o := range e.Outputs {
			p.word(`\` + o.Name + " " + o.Body)
			p.newline()
		}
		p.close("}")
	case *OutputDef:
		p.word(`\` + e.Name + " " + e.Body)
	case *Markup:
		p.word(`\` + e.Kind + " " + e.Body)
	case *Assignment:
		p.word(e.Name + " =")
		p.music(e.Music)
	case *MusicEntry:
		p.music(e.Music)
	}
}

func (p *printer) header(h *Header) {
	p.open(`\header {`)
	for _, f := range h.Fields {
		p.word(f.Name + " = " + quote(f.Value))
		p.newline()
	}
	p.close("}")
}

func (p *printer) music(m Music) {
	switch m := m.(type) {
	case *Sequential:
		p.open("{")
		for _, item := range m.Items {
			p.music(item)
		}
		p.close("}")
	case *Simultaneous:
		p.open("<<")
		for i, item := range m.Items {
			if i > 0 && m.Voices {
				p.word(`\\`)
			}
			p.music(item)
			p.newline()
		}
		p.close(">>")
	case *ContextMusic:
		s := `\new ` + m.Type
		if m.Name != "" {
			s += " = " + quote(m.Name)
		}
		if m.With != "" {
			s += ` \with ` + m.With
		}
		p.word(s)
		p.music(m.Music)
	case *Relative:
		if m.Pitch != nil {
			p.word(`\relative ` + m.Pitch.String())
		} else {
			p.word(`\relative`)
		}
		p.music(m.Music)
	case *Fixed:
		p.word(`\fixed ` + m.Pitch.String())
		p.music(m.Music)
	case *Clef:
		p.word(`\clef ` + quote(m.Name))
	case *KeySignature:
		p.word(`\key ` + m.Pitch.Name() + ` \` + m.Mode)
	case *TimeSignature:
		p.word(`\time ` + strconv.Itoa(m.Count) + "/" + strconv.Itoa(m.Unit))
	case *BarLine:
		p.word(`\bar ` + quote(m.Style))
	case *BarCheck:
		p.word("|")
		p.newline()
	case *Tempo:
		s := `\tempo`
		if m.Text != "" {
			s += " " + quote(m.Text)
		}
		if m.BPM > 0 {
			s += " " + strconv.Itoa(m.Unit) + strings.Repeat(".", m.UnitDots) + " = " + strconv.Itoa(m.BPM)
		}
		p.word(s)
	case *Partial:
		p.word(`\partial ` + m.Duration.String())
	case *Grace:
		p.word(`\` + m.Kind)
		p.music(m.Music)
	case *AfterGrace:
		if m.Fraction != nil {
			p.word(fmt.Sprintf(`\afterGrace %d/%d`, m.Fraction.Num, m.Fraction.Den))
		} else {
			p.word(`\afterGrace`)
		}
		p.music(m.Main)
		p.music(m.Grace)
	case *ChordMode:
		p.open(`\chordmode {`)
		for _, ev := range m.Events {
			p.word(chordModeEvent(ev))
		}
		p.close("}")
	case *Figures:
		p.open(`\figures {`)
		for _, ev := range m.Events {
			p.word(figureEvent(ev))
		}
		p.close("}")
	case *Repeat:
		p.word(`\repeat ` + m.Kind + " " + strconv.Itoa(m.Count))
		p.music(m.Music)
		if len(m.Alternatives) > 0 {
			p.open(`\alternative {`)
			for _, alt := range m.Alternatives {
				p.music(alt)
			}
			p.close("}")
		}
	case *Lyrics:
		s := `\` + m.Kind
		if m.Kind == "lyricsto" {
			s += " " + quote(m.Voice)
		}
		p.open(s + " {")
		for _, syl := range m.Syllables {
			p.word(syllable(syl))
			if syl.Hyphen {
				p.word("--")
			}
			if syl.Extender {
				p.word("__")
			}
		}
		p.close("}")
	case *Property:
		s := `\` + m.Op + " " + m.Path
		if m.Value != "" {
			s += " = " + m.Value
		}
		p.word(s)
	case *Call:
		p.word(strings.Join(append([]string{`\` + m.Name}, m.Args...), " "))
	case *Event:
		p.word(event(m))
	case *Chord:
		p.word(chord(m))
	}
}

func event(e *Event) string {
	var sb strings.Builder
	switch e.Kind {
	case RestEvent:
		sb.WriteString("r")
	case MultiMeasureRest:
		sb.WriteString("R")
	case SkipEvent:
		sb.WriteString("s")
	default:
		sb.WriteString(e.Pitch.String())
		sb.WriteString(e.Force)
	}
	if e.Duration != nil {
		sb.WriteString(e.Duration.String())
	}
	sb.WriteString(postEvents(e.Post))
	return sb.String()
}

func chord(c *Chord) string {
	notes := make([]string, len(c.Notes))
	for i, n := range c.Notes {
		notes[i] = n.Pitch.String() + n.Force + postEvents(n.Post)
	}
	s := "<" + strings.Join(notes, " ") + ">"
	if c.Duration != nil {
		s += c.Duration.String()
	}
	return s + postEvents(c.Post)
}

// syllable writes plain words bare and quotes anything the lexer would
// split.
func syllable(syl Syllable) string {
	s := "_"
	if !syl.Skip {
		s = syl.Text
		if !plainWord(s) {
			s = quote(s)
		}
	}
	if syl.Duration != nil {
		s += syl.Duration.String()
	}
	return s
}

func plainWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func chordModeEvent(ev ChordModeEvent) string {
	s := "s"
	if !ev.Skip {
		s = ev.Root.String()
	}
	if ev.Duration != nil {
		s += ev.Duration.String()
	}
	if ev.Skip {
		return s
	}
	if ev.Modifiers != "" {
		s += ":" + ev.Modifiers
	}
	if ev.Bass != nil {
		s += "/" + ev.Bass.String()
	}
	return s
}

func figureEvent(ev FigureEvent) string {
	s := "s"
	if !ev.Skip {
		s = "<" + strings.Join(ev.Figures, " ") + ">"
	}
	if ev.Duration != nil {
		s += ev.Duration.String()
	}
	return s
}

func postEvents(posts []PostEvent) string {
	var sb strings.Builder
	for _, pe := range posts {
		sb.WriteString(postEvent(pe))
	}
	return sb.String()
}

func postEvent(pe PostEvent) string {
	dir := pe.Dir
	switch pe.Kind {
	case PostTie:
		return "~"
	case PostSymbol:
		return dir + pe.Value
	case PostCommand:
		return dir + `\` + pe.Value
	}
	if dir == "" {
		dir = "-"
	}
	if pe.Kind == PostText {
		return dir + quote(pe.Value)
	}
	return dir + pe.Value
}

func quote(s string) string { return encoding.QuoteLily(s) }
