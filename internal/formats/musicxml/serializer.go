package musicxml

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/FocuswithJustin/ScoreBridge/core/encoding"
)

const (
	xmlDecl = `<?xml version="1.0" encoding="UTF-8" standalone="no"?>`
	doctype = `<!DOCTYPE score-partwise PUBLIC "-//Recordare//DTD MusicXML 4.0 Partwise//EN" "http://www.musicxml.org/dtds/partwise.dtd">`
)

// Serialize writes s as an indented MusicXML document.
func Serialize(s *ScorePartwise) []byte {
	w := &writer{}
	w.buf.WriteString(xmlDecl + "\n" + doctype + "\n")

	version := s.Version
	if version == "" {
		version = DefaultVersion
	}
	w.open("score-partwise", Attr{"version", version})
	if s.WorkTitle != "" {
		w.open("work")
		w.leaf("work-title", s.WorkTitle)
		w.close("work")
	}
	if s.MovementTitle != "" {
		w.leaf("movement-title", s.MovementTitle)
	}
	if len(s.Creators)+len(s.Rights)+len(s.Software)+len(s.Misc) > 0 {
		w.open("identification")
		for _, c := range s.Creators {
			w.leaf("creator", c.Value, Attr{"type", c.Type})
		}
		for _, r := range s.Rights {
			w.leaf("rights", r)
		}
		if len(s.Software) > 0 {
			w.open("encoding")
			for _, sw := range s.Software {
				w.leaf("software", sw)
			}
			w.close("encoding")
		}
		if len(s.Misc) > 0 {
			w.open("miscellaneous")
			for _, m := range s.Misc {
				w.leaf("miscellaneous-field", m.Value, Attr{"name", m.Name})
			}
			w.close("miscellaneous")
		}
		w.close("identification")
	}

	w.open("part-list")
	for _, sp := range s.PartList {
		w.open("score-part", Attr{"id", sp.ID})
		w.leaf("part-name", sp.Name)
		if sp.Abbreviation != "" {
			w.leaf("part-abbreviation", sp.Abbreviation)
		}
		w.close("score-part")
	}
	w.close("part-list")

	for _, p := range s.Parts {
		w.open("part", Attr{"id", p.ID})
		for _, m := range p.Measures {
			attrs := []Attr{{"number", m.Number}}
			if m.Implicit {
				attrs = append(attrs, Attr{"implicit", "yes"})
			}
			w.open("measure", attrs...)
			for _, it := range m.Items {
				w.item(it)
			}
			w.close("measure")
		}
		w.close("part")
	}
	w.close("score-partwise")
	return w.buf.Bytes()
}

type writer struct {
	buf   bytes.Buffer
	depth int
}

func (w *writer) indent() {
	w.buf.WriteString(strings.Repeat("  ", w.depth))
}

func (w *writer) tag(name string, attrs []Attr) {
	w.buf.WriteString("<" + name)
	for _, a := range attrs {
		if a.Value == "" {
			continue
		}
		w.buf.WriteString(" " + a.Name + `="` + encoding.EscapeXMLAttr(a.Value) + `"`)
	}
}

func (w *writer) open(name string, attrs ...Attr) {
	w.indent()
	w.tag(name, attrs)
	w.buf.WriteString(">\n")
	w.depth++
}

func (w *writer) close(name string) {
	w.depth--
	w.indent()
	w.buf.WriteString("</" + name + ">\n")
}

// leaf writes a text element, or an empty element when text is "".
func (w *writer) leaf(name, text string, attrs ...Attr) {
	w.indent()
	w.tag(name, attrs)
	if text == "" {
		w.buf.WriteString("/>\n")
		return
	}
	w.buf.WriteString(">" + encoding.EscapeXMLText(text) + "</" + name + ">\n")
}

// raw writes an element whose content is markup kept verbatim.
func (w *writer) raw(name, inner string, attrs ...Attr) {
	if inner == "" {
		w.leaf(name, "", attrs...)
		return
	}
	w.indent()
	w.tag(name, attrs)
	w.buf.WriteString(">" + inner + "</" + name + ">\n")
}

func (w *writer) element(e Element) {
	w.raw(e.Name, e.Inner, append([]Attr{{"placement", e.Placement}}, e.Attrs...)...)
}

func itoa(n int) string { return strconv.Itoa(n) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func yes(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func (w *writer) item(it Item) {
	switch it := it.(type) {
	case *Attributes:
		w.attributes(it)
	case *Note:
		w.note(it)
	case *Direction:
		w.direction(it)
	case *Backup:
		w.open("backup")
		w.leaf("duration", itoa(it.Duration))
		w.close("backup")
	case *Forward:
		w.open("forward")
		w.leaf("duration", itoa(it.Duration))
		if it.Voice != "" {
			w.leaf("voice", it.Voice)
		}
		if it.Staff > 0 {
			w.leaf("staff", itoa(it.Staff))
		}
		w.close("forward")
	case *Print:
		attrs := []Attr{{"new-system", yes(it.NewSystem)}, {"new-page", yes(it.NewPage)}}
		w.raw("print", it.Layout, append(attrs, it.Attrs...)...)
	case *Sound:
		w.sound(it)
	case *Harmony:
		w.harmony(it)
	case *FiguredBass:
		w.open("figured-bass")
		for _, f := range it.Figures {
			w.open("figure")
			if f.Prefix != "" {
				w.leaf("prefix", f.Prefix)
			}
			if f.Number != "" {
				w.leaf("figure-number", f.Number)
			}
			if f.Suffix != "" {
				w.leaf("suffix", f.Suffix)
			}
			w.close("figure")
		}
		if it.Duration > 0 {
			w.leaf("duration", itoa(it.Duration))
		}
		w.close("figured-bass")
	case *Barline:
		w.open("barline", Attr{"location", it.Location})
		if it.Style != "" {
			w.leaf("bar-style", it.Style)
		}
		if e := it.Ending; e != nil {
			w.leaf("ending", e.Text, Attr{"number", e.Number}, Attr{"type", e.Type})
		}
		if it.Repeat != "" {
			w.leaf("repeat", "", Attr{"direction", it.Repeat})
		}
		w.close("barline")
	}
}

func (w *writer) attributes(a *Attributes) {
	w.open("attributes")
	if a.Divisions > 0 {
		w.leaf("divisions", itoa(a.Divisions))
	}
	for _, k := range a.Keys {
		var attrs []Attr
		if k.Number > 0 {
			attrs = append(attrs, Attr{"number", itoa(k.Number)})
		}
		w.open("key", attrs...)
		w.leaf("fifths", itoa(k.Fifths))
		if k.Mode != "" {
			w.leaf("mode", k.Mode)
		}
		w.close("key")
	}
	if a.Time != nil {
		w.open("time")
		w.leaf("beats", itoa(a.Time.Beats))
		w.leaf("beat-type", itoa(a.Time.BeatType))
		w.close("time")
	}
	if a.Staves > 0 {
		w.leaf("staves", itoa(a.Staves))
	}
	for _, c := range a.Clefs {
		var attrs []Attr
		if c.Number > 1 {
			attrs = append(attrs, Attr{"number", itoa(c.Number)})
		}
		w.open("clef", attrs...)
		w.leaf("sign", c.Sign)
		if c.Line > 0 {
			w.leaf("line", itoa(c.Line))
		}
		if c.OctaveChange != 0 {
			w.leaf("clef-octave-change", itoa(c.OctaveChange))
		}
		w.close("clef")
	}
	for _, ms := range a.MeasureStyles {
		var attrs []Attr
		if ms.Number > 0 {
			attrs = append(attrs, Attr{"number", itoa(ms.Number)})
		}
		w.open("measure-style", attrs...)
		if ms.MultipleRest > 0 {
			w.leaf("multiple-rest", itoa(ms.MultipleRest))
		}
		if ms.RepeatType != "" {
			text := ""
			if ms.RepeatType == "start" {
				text = itoa(ms.MeasureRepeat)
			}
			rattrs := []Attr{{"type", ms.RepeatType}}
			if ms.Slashes > 0 {
				rattrs = append(rattrs, Attr{"slashes", itoa(ms.Slashes)})
			}
			w.leaf("measure-repeat", text, rattrs...)
		}
		w.close("measure-style")
	}
	w.close("attributes")
}

func (w *writer) note(n *Note) {
	w.open("note")
	if n.Grace != nil {
		w.leaf("grace", "", Attr{"slash", yes(n.Grace.Slash)})
	}
	if n.Chord {
		w.leaf("chord", "")
	}
	switch {
	case n.Pitch != nil:
		w.open("pitch")
		w.leaf("step", n.Pitch.Step)
		if n.Pitch.Alter != 0 {
			w.leaf("alter", itoa(n.Pitch.Alter))
		}
		w.leaf("octave", itoa(n.Pitch.Octave))
		w.close("pitch")
	default:
		w.leaf("rest", "", Attr{"measure", yes(n.MeasureRest)})
	}
	if n.Grace == nil {
		w.leaf("duration", itoa(n.Duration))
	}
	for _, t := range n.Ties {
		w.leaf("tie", "", Attr{"type", t})
	}
	if n.Voice != "" {
		w.leaf("voice", n.Voice)
	}
	if n.Type != "" {
		w.leaf("type", n.Type)
	}
	for i := 0; i < n.Dots; i++ {
		w.leaf("dot", "")
	}
	if tm := n.TimeModification; tm != nil {
		w.open("time-modification")
		w.leaf("actual-notes", itoa(tm.ActualNotes))
		w.leaf("normal-notes", itoa(tm.NormalNotes))
		w.close("time-modification")
	}
	if n.Staff > 0 {
		w.leaf("staff", itoa(n.Staff))
	}
	if !n.Notations.Empty() {
		w.notations(n.Notations)
	}
	for _, l := range n.Lyrics {
		w.open("lyric", Attr{"number", l.Number})
		if l.Syllabic != "" {
			w.leaf("syllabic", l.Syllabic)
		}
		w.leaf("text", l.Text)
		if l.Extend {
			w.leaf("extend", "")
		}
		w.close("lyric")
	}
	w.close("note")
}

func (w *writer) marks(group string, marks []Mark) {
	if len(marks) == 0 {
		return
	}
	w.open(group)
	for _, m := range marks {
		w.leaf(m.Name, m.Text, append([]Attr{{"placement", m.Placement}}, m.Attrs...)...)
	}
	w.close(group)
}

func (w *writer) notations(n *Notations) {
	w.open("notations")
	for _, t := range n.Tied {
		attrs := []Attr{{"type", t.Type}}
		if t.Number > 0 {
			attrs = append(attrs, Attr{"number", itoa(t.Number)})
		}
		w.leaf("tied", "", attrs...)
	}
	for _, s := range n.Slurs {
		w.leaf("slur", "", Attr{"type", s.Type}, Attr{"number", itoa(s.Number)}, Attr{"placement", s.Placement})
	}
	for _, t := range n.Tuplets {
		w.leaf(t.Name, t.Text, append([]Attr{{"placement", t.Placement}}, t.Attrs...)...)
	}
	w.marks("ornaments", n.Ornaments)
	w.marks("technical", n.Technical)
	w.marks("articulations", n.Articulations)
	for _, f := range n.Fermatas {
		w.leaf("fermata", "", Attr{"type", f.Type})
	}
	for _, e := range n.Other {
		w.element(e)
	}
	w.close("notations")
}

func (w *writer) direction(d *Direction) {
	w.open("direction", Attr{"placement", d.Placement})
	for _, t := range d.Types {
		w.open("direction-type")
		switch t := t.(type) {
		case *Words:
			w.leaf("words", t.Text)
		case *Dynamics:
			w.open("dynamics")
			for _, m := range t.Marks {
				w.leaf(m, "")
			}
			if t.Other != "" {
				w.leaf("other-dynamics", t.Other)
			}
			w.close("dynamics")
		case *Wedge:
			attrs := []Attr{{"type", t.Type}, {"number", itoa(t.Number)}}
			if t.Spread != nil {
				attrs = append(attrs, Attr{"spread", ftoa(*t.Spread)})
			}
			attrs = append(attrs, Attr{"niente", yes(t.Niente)})
			w.leaf("wedge", "", attrs...)
		case *Metronome:
			w.open("metronome")
			w.leaf("beat-unit", t.BeatUnit)
			for i := 0; i < t.Dots; i++ {
				w.leaf("beat-unit-dot", "")
			}
			w.leaf("per-minute", itoa(t.PerMinute))
			w.close("metronome")
		case *Bracket:
			w.leaf("bracket", "", Attr{"type", t.Type}, Attr{"number", itoa(t.Number)},
				Attr{"line-end", t.LineEnd}, Attr{"line-type", t.LineType})
		case *Element:
			w.element(*t)
		}
		w.close("direction-type")
	}
	if d.Offset != 0 {
		w.leaf("offset", itoa(d.Offset))
	}
	if d.Staff > 0 {
		w.leaf("staff", itoa(d.Staff))
	}
	if d.Sound != nil {
		w.sound(d.Sound)
	}
	w.close("direction")
}

func (w *writer) sound(s *Sound) {
	var attrs []Attr
	if s.Tempo != nil {
		attrs = append(attrs, Attr{"tempo", ftoa(*s.Tempo)})
	}
	if s.Dynamics != nil {
		attrs = append(attrs, Attr{"dynamics", ftoa(*s.Dynamics)})
	}
	w.leaf("sound", "", append(attrs, s.Attrs...)...)
}

func (w *writer) harmony(h *Harmony) {
	w.open("harmony", Attr{"placement", h.Placement})
	w.open("root")
	w.leaf("root-step", h.Root)
	if h.RootAlter != 0 {
		w.leaf("root-alter", itoa(h.RootAlter))
	}
	w.close("root")
	kind := h.Kind
	if kind == "" {
		kind = "major"
	}
	w.leaf("kind", kind, Attr{"text", h.KindText})
	if h.Bass != "" {
		w.open("bass")
		w.leaf("bass-step", h.Bass)
		if h.BassAlter != 0 {
			w.leaf("bass-alter", itoa(h.BassAlter))
		}
		w.close("bass")
	}
	if h.Staff > 0 {
		w.leaf("staff", itoa(h.Staff))
	}
	w.close("harmony")
}
