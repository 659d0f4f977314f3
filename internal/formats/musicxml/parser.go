package musicxml

import (
	"fmt"
	"math"
	"strconv"

	"github.com/antchfx/xpath"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/xml"
)

var (
	scorePartExpr = xpath.MustCompile("part-list/score-part")
	partExpr      = xpath.MustCompile("part")
	measureExpr   = xpath.MustCompile("measure")
	creatorExpr   = xpath.MustCompile("identification/creator")
	rightsExpr    = xpath.MustCompile("identification/rights")
	softwareExpr  = xpath.MustCompile("identification/encoding/software")
	miscExpr      = xpath.MustCompile("identification/miscellaneous/miscellaneous-field")
	workTitleExpr = xpath.MustCompile("work/work-title")
)

// Parse parses a partwise MusicXML document. path is used in error
// messages only.
func Parse(path string, data []byte) (*ScorePartwise, error) {
	if r := xml.Validate(data); !r.Valid {
		pe := errors.NewParse(FormatName, path, "malformed XML")
		if len(r.Errors) > 0 {
			pe.Line, pe.Message = r.Errors[0].Line, r.Errors[0].Message
		}
		return nil, pe
	}
	doc, err := xml.Parse(data)
	if err != nil {
		pe := errors.NewParse(FormatName, path, err.Error())
		pe.Err = err
		return nil, pe
	}
	p := &parser{path: path}
	return p.score(doc.Root())
}

// ParseString parses MusicXML held in a string.
func ParseString(src string) (*ScorePartwise, error) {
	return Parse("", []byte(src))
}

type parser struct {
	path  string
	where string
}

func (p *parser) errorf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if p.where != "" {
		msg = p.where + ": " + msg
	}
	return errors.NewParse(FormatName, p.path, msg)
}

// integer parses the trimmed text of s as an int. Missing elements yield
// def.
func (p *parser) integer(n *xml.Node, def int) (int, error) {
	if n == nil {
		return def, nil
	}
	s := n.TrimmedText()
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, p.errorf("invalid <%s> %q", n.Name(), s)
	}
	return v, nil
}

func (p *parser) childInt(n *xml.Node, name string, def int) (int, error) {
	return p.integer(n.Child(name), def)
}

// attrInt parses an integer attribute, def when absent.
func (p *parser) attrInt(n *xml.Node, name string, def int) (int, error) {
	if !n.HasAttr(name) {
		return def, nil
	}
	s := n.Attr(name)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, p.errorf("invalid %s=%q on <%s>", name, s, n.Name())
	}
	return v, nil
}

func (p *parser) attrFloat(n *xml.Node, name string) (*float64, error) {
	if !n.HasAttr(name) {
		return nil, nil
	}
	s := n.Attr(name)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, p.errorf("invalid %s=%q on <%s>", name, s, n.Name())
	}
	return &v, nil
}

func attrsExcept(n *xml.Node, skip ...string) []Attr {
	var out []Attr
next:
	for _, a := range n.Attributes() {
		for _, s := range skip {
			if a.Name == s {
				continue next
			}
		}
		out = append(out, Attr{Name: a.Name, Value: a.Value})
	}
	return out
}

func (p *parser) score(root *xml.Node) (*ScorePartwise, error) {
	switch root.Name() {
	case "score-partwise":
	case "":
		return nil, p.errorf("document has no root element")
	case "score-timewise":
		return nil, p.errorf("score-timewise documents are not supported")
	default:
		return nil, p.errorf("root element is <%s>, want <score-partwise>", root.Name())
	}

	s := &ScorePartwise{
		Version:       root.Attr("version"),
		WorkTitle:     root.SelectOne(workTitleExpr).TrimmedText(),
		MovementTitle: root.ChildText("movement-title"),
	}
	for _, c := range root.Select(creatorExpr) {
		s.Creators = append(s.Creators, Creator{Type: c.Attr("type"), Value: c.TrimmedText()})
	}
	for _, r := range root.Select(rightsExpr) {
		s.Rights = append(s.Rights, r.TrimmedText())
	}
	for _, sw := range root.Select(softwareExpr) {
		s.Software = append(s.Software, sw.TrimmedText())
	}
	for _, m := range root.Select(miscExpr) {
		s.Misc = append(s.Misc, MiscField{Name: m.Attr("name"), Value: m.TrimmedText()})
	}

	for _, sp := range root.Select(scorePartExpr) {
		s.PartList = append(s.PartList, &ScorePart{
			ID:           sp.Attr("id"),
			Name:         sp.ChildText("part-name"),
			Abbreviation: sp.ChildText("part-abbreviation"),
		})
	}
	for _, pn := range root.Select(partExpr) {
		part, err := p.part(pn)
		if err != nil {
			return nil, err
		}
		s.Parts = append(s.Parts, part)
	}
	return s, nil
}

func (p *parser) part(n *xml.Node) (*Part, error) {
	part := &Part{ID: n.Attr("id")}
	for _, mn := range n.Select(measureExpr) {
		p.where = fmt.Sprintf("part %s, measure %s", part.ID, mn.Attr("number"))
		m := &Measure{Number: mn.Attr("number"), Implicit: mn.Attr("implicit") == "yes"}
		for _, c := range mn.Children() {
			it, err := p.item(c)
			if err != nil {
				return nil, err
			}
			if it != nil {
				m.Items = append(m.Items, it)
			}
		}
		part.Measures = append(part.Measures, m)
	}
	p.where = ""
	return part, nil
}

// item decodes one measure child; unknown elements yield nil.
func (p *parser) item(n *xml.Node) (Item, error) {
	switch n.Name() {
	case "attributes":
		return p.attributes(n)
	case "note":
		return p.note(n)
	case "direction":
		return p.direction(n)
	case "backup":
		d, err := p.childInt(n, "duration", 0)
		return &Backup{Duration: d}, err
	case "forward":
		d, err := p.childInt(n, "duration", 0)
		if err != nil {
			return nil, err
		}
		staff, err := p.childInt(n, "staff", 0)
		return &Forward{Duration: d, Voice: n.ChildText("voice"), Staff: staff}, err
	case "print":
		return &Print{
			NewSystem: n.Attr("new-system") == "yes",
			NewPage:   n.Attr("new-page") == "yes",
			Attrs:     attrsExcept(n, "new-system", "new-page"),
			Layout:    n.InnerXML(),
		}, nil
	case "sound":
		return p.sound(n)
	case "harmony":
		return p.harmony(n)
	case "figured-bass":
		return p.figuredBass(n)
	case "barline":
		loc := n.Attr("location")
		if loc == "" {
			loc = "right"
		}
		b := &Barline{Location: loc, Style: n.ChildText("bar-style"), Repeat: n.Child("repeat").Attr("direction")}
		if e := n.Child("ending"); e != nil {
			b.Ending = &Ending{Number: e.Attr("number"), Type: e.Attr("type"), Text: e.TrimmedText()}
		}
		return b, nil
	}
	return nil, nil
}

func (p *parser) attributes(n *xml.Node) (*Attributes, error) {
	a := &Attributes{}
	var err error
	if a.Divisions, err = p.childInt(n, "divisions", 0); err != nil {
		return nil, err
	}
	if a.Staves, err = p.childInt(n, "staves", 0); err != nil {
		return nil, err
	}
	for _, c := range n.Children() {
		switch c.Name() {
		case "key":
			k := Key{Mode: c.ChildText("mode")}
			if k.Number, err = p.attrInt(c, "number", 0); err != nil {
				return nil, err
			}
			if !c.Has("fifths") {
				return nil, p.errorf("only traditional key signatures are supported")
			}
			if k.Fifths, err = p.childInt(c, "fifths", 0); err != nil {
				return nil, err
			}
			a.Keys = append(a.Keys, k)
		case "time":
			if c.Has("senza-misura") {
				return nil, p.errorf("senza-misura is not supported")
			}
			t := &Time{}
			if t.Beats, err = p.childInt(c, "beats", 0); err != nil {
				return nil, err
			}
			if t.BeatType, err = p.childInt(c, "beat-type", 0); err != nil {
				return nil, err
			}
			a.Time = t
		case "clef":
			cl := Clef{Sign: c.ChildText("sign")}
			if cl.Number, err = p.attrInt(c, "number", 1); err != nil {
				return nil, err
			}
			if cl.Line, err = p.childInt(c, "line", 0); err != nil {
				return nil, err
			}
			if cl.OctaveChange, err = p.childInt(c, "clef-octave-change", 0); err != nil {
				return nil, err
			}
			a.Clefs = append(a.Clefs, cl)
		case "measure-style":
			ms := MeasureStyle{}
			if ms.Number, err = p.attrInt(c, "number", 0); err != nil {
				return nil, err
			}
			if ms.MultipleRest, err = p.childInt(c, "multiple-rest", 0); err != nil {
				return nil, err
			}
			if mr := c.Child("measure-repeat"); mr != nil {
				ms.RepeatType = mr.Attr("type")
				if ms.RepeatType == "start" {
					if ms.MeasureRepeat, err = p.integer(mr, 0); err != nil {
						return nil, err
					}
				}
				if ms.Slashes, err = p.attrInt(mr, "slashes", 0); err != nil {
					return nil, err
				}
			}
			a.MeasureStyles = append(a.MeasureStyles, ms)
		}
	}
	return a, nil
}

func (p *parser) pitch(n *xml.Node, stepName, octaveName string) (*Pitch, error) {
	pitch := &Pitch{Step: n.ChildText(stepName)}
	if !validStep(pitch.Step) {
		return nil, p.errorf("invalid <%s> %q", stepName, pitch.Step)
	}
	if alter := n.Child("alter"); alter != nil {
		v, err := strconv.ParseFloat(alter.TrimmedText(), 64)
		if err != nil || v != math.Trunc(v) || v < -2 || v > 2 {
			return nil, p.errorf("unsupported <alter> %q", alter.TrimmedText())
		}
		pitch.Alter = int(v)
	}
	oct, err := p.childInt(n, octaveName, -1)
	if err != nil {
		return nil, err
	}
	if oct < 0 || oct > 9 {
		return nil, p.errorf("invalid <%s> %d", octaveName, oct)
	}
	pitch.Octave = oct
	return pitch, nil
}

func validStep(s string) bool {
	return len(s) == 1 && s[0] >= 'A' && s[0] <= 'G'
}

func (p *parser) note(n *xml.Node) (*Note, error) {
	note := &Note{Chord: n.Has("chord"), Voice: n.ChildText("voice"), Type: n.ChildText("type")}
	var err error
	if g := n.Child("grace"); g != nil {
		note.Grace = &Grace{Slash: g.Attr("slash") == "yes"}
	}
	switch {
	case n.Has("pitch"):
		if note.Pitch, err = p.pitch(n.Child("pitch"), "step", "octave"); err != nil {
			return nil, err
		}
	case n.Has("unpitched"):
		if note.Pitch, err = p.pitch(n.Child("unpitched"), "display-step", "display-octave"); err != nil {
			return nil, err
		}
	case n.Has("rest"):
		note.Rest = true
		note.MeasureRest = n.Child("rest").Attr("measure") == "yes"
	default:
		return nil, p.errorf("<note> has neither pitch nor rest")
	}
	if note.Grace == nil {
		if !n.Has("duration") {
			return nil, p.errorf("<note> has no duration")
		}
		if note.Duration, err = p.childInt(n, "duration", 0); err != nil {
			return nil, err
		}
		if note.Duration < 0 {
			return nil, p.errorf("negative <duration> %d", note.Duration)
		}
	}
	if note.Staff, err = p.childInt(n, "staff", 0); err != nil {
		return nil, err
	}
	for _, c := range n.Children() {
		switch c.Name() {
		case "tie":
			note.Ties = append(note.Ties, c.Attr("type"))
		case "dot":
			note.Dots++
		case "time-modification":
			tm := &TimeModification{}
			if tm.ActualNotes, err = p.childInt(c, "actual-notes", 0); err != nil {
				return nil, err
			}
			if tm.NormalNotes, err = p.childInt(c, "normal-notes", 0); err != nil {
				return nil, err
			}
			if tm.ActualNotes <= 0 || tm.NormalNotes <= 0 {
				return nil, p.errorf("invalid <time-modification> %d:%d", tm.ActualNotes, tm.NormalNotes)
			}
			note.TimeModification = tm
		case "notations":
			if note.Notations == nil {
				note.Notations = &Notations{}
			}
			if err := p.notations(c, note.Notations); err != nil {
				return nil, err
			}
		case "lyric":
			note.Lyrics = append(note.Lyrics, Lyric{
				Number:   c.Attr("number"),
				Syllabic: c.ChildText("syllabic"),
				Text:     c.ChildText("text"),
				Extend:   c.Has("extend"),
			})
		}
	}
	return note, nil
}

func (p *parser) mark(n *xml.Node) Mark {
	return Mark{
		Name:      n.Name(),
		Placement: n.Attr("placement"),
		Text:      n.TrimmedText(),
		Attrs:     attrsExcept(n, "placement"),
	}
}

// element keeps an element outside the subset verbatim.
func element(n *xml.Node) Element {
	return Element{
		Name:      n.Name(),
		Placement: n.Attr("placement"),
		Attrs:     attrsExcept(n, "placement"),
		Inner:     n.InnerXML(),
		Text:      n.TrimmedText(),
	}
}

func (p *parser) notations(n *xml.Node, out *Notations) error {
	for _, c := range n.Children() {
		switch c.Name() {
		case "tied":
			num, err := p.attrInt(c, "number", 0)
			if err != nil {
				return err
			}
			out.Tied = append(out.Tied, Tied{Type: c.Attr("type"), Number: num})
		case "slur":
			num, err := p.attrInt(c, "number", 1)
			if err != nil {
				return err
			}
			out.Slurs = append(out.Slurs, Slur{Type: c.Attr("type"), Number: num, Placement: c.Attr("placement")})
		case "ornaments":
			for _, o := range c.Children() {
				out.Ornaments = append(out.Ornaments, p.mark(o))
			}
		case "technical":
			for _, o := range c.Children() {
				out.Technical = append(out.Technical, p.mark(o))
			}
		case "articulations":
			for _, o := range c.Children() {
				out.Articulations = append(out.Articulations, p.mark(o))
			}
		case "fermata":
			out.Fermatas = append(out.Fermatas, Fermata{Type: c.Attr("type")})
		case "tuplet":
			out.Tuplets = append(out.Tuplets, p.mark(c))
		default:
			out.Other = append(out.Other, element(c))
		}
	}
	return nil
}

func (p *parser) direction(n *xml.Node) (*Direction, error) {
	d := &Direction{Placement: n.Attr("placement")}
	var err error
	if d.Staff, err = p.childInt(n, "staff", 0); err != nil {
		return nil, err
	}
	if d.Offset, err = p.childInt(n, "offset", 0); err != nil {
		return nil, err
	}
	for _, dt := range n.Children() {
		if dt.Name() != "direction-type" {
			continue
		}
		for _, c := range dt.Children() {
			t, err := p.directionType(c)
			if err != nil {
				return nil, err
			}
			d.Types = append(d.Types, t)
		}
	}
	if s := n.Child("sound"); s != nil {
		if d.Sound, err = p.sound(s); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (p *parser) directionType(n *xml.Node) (DirectionType, error) {
	switch n.Name() {
	case "words":
		return &Words{Text: n.TrimmedText()}, nil
	case "dynamics":
		dyn := &Dynamics{}
		for _, c := range n.Children() {
			if c.Name() == "other-dynamics" {
				dyn.Other = c.TrimmedText()
				continue
			}
			dyn.Marks = append(dyn.Marks, c.Name())
		}
		return dyn, nil
	case "wedge":
		w := &Wedge{Type: n.Attr("type"), Niente: n.Attr("niente") == "yes"}
		var err error
		if w.Number, err = p.attrInt(n, "number", 1); err != nil {
			return nil, err
		}
		if w.Spread, err = p.attrFloat(n, "spread"); err != nil {
			return nil, err
		}
		return w, nil
	case "metronome":
		m := &Metronome{BeatUnit: n.ChildText("beat-unit")}
		for _, c := range n.Children() {
			if c.Name() == "beat-unit-dot" {
				m.Dots++
			}
		}
		// Ranges such as "120-132" are not numbers; the mark keeps its unit.
		m.PerMinute, _ = strconv.Atoi(n.ChildText("per-minute"))
		return m, nil
	case "bracket":
		b := &Bracket{Type: n.Attr("type"), LineEnd: n.Attr("line-end"), LineType: n.Attr("line-type")}
		var err error
		if b.Number, err = p.attrInt(n, "number", 1); err != nil {
			return nil, err
		}
		return b, nil
	}
	e := element(n)
	return &e, nil
}

func (p *parser) sound(n *xml.Node) (*Sound, error) {
	s := &Sound{Attrs: attrsExcept(n, "tempo", "dynamics")}
	var err error
	if s.Tempo, err = p.attrFloat(n, "tempo"); err != nil {
		return nil, err
	}
	if s.Dynamics, err = p.attrFloat(n, "dynamics"); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *parser) harmony(n *xml.Node) (*Harmony, error) {
	h := &Harmony{Placement: n.Attr("placement")}
	root := n.Child("root")
	if root == nil {
		return nil, p.errorf("<harmony> without <root> is not supported")
	}
	h.Root = root.ChildText("root-step")
	if !validStep(h.Root) {
		return nil, p.errorf("invalid <root-step> %q", h.Root)
	}
	var err error
	if h.RootAlter, err = p.childInt(root, "root-alter", 0); err != nil {
		return nil, err
	}
	if k := n.Child("kind"); k != nil {
		h.Kind, h.KindText = k.TrimmedText(), k.Attr("text")
	}
	if b := n.Child("bass"); b != nil {
		h.Bass = b.ChildText("bass-step")
		if !validStep(h.Bass) {
			return nil, p.errorf("invalid <bass-step> %q", h.Bass)
		}
		if h.BassAlter, err = p.childInt(b, "bass-alter", 0); err != nil {
			return nil, err
		}
	}
	if h.Staff, err = p.childInt(n, "staff", 0); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *parser) figuredBass(n *xml.Node) (*FiguredBass, error) {
	fb := &FiguredBass{}
	for _, c := range n.Children() {
		if c.Name() != "figure" {
			continue
		}
		fb.Figures = append(fb.Figures, Figure{
			Prefix: c.ChildText("prefix"),
			Number: c.ChildText("figure-number"),
			Suffix: c.ChildText("suffix"),
		})
	}
	var err error
	if fb.Duration, err = p.childInt(n, "duration", 0); err != nil {
		return nil, err
	}
	return fb, nil
}
