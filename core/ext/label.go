package ext

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
)

// labelPrefix starts a label that embeds a payload: "ext:<concern>,<json>".
const labelPrefix = "ext:"

// jsonMarshal is a variable to allow testing of marshal errors.
var jsonMarshal = json.Marshal

// EncodeLabel serializes v as a label-embedded payload for concern c.
func EncodeLabel(c Concern, v interface{}) (string, error) {
	data, err := jsonMarshal(v)
	if err != nil {
		return "", errors.Wrapf(err, "encode %s label", c)
	}
	return labelPrefix + string(c) + "," + string(data), nil
}

// DecodeLabel splits a label-embedded payload into its concern and JSON
// body. It reports false for labels without the prefix.
func DecodeLabel(label string) (Concern, json.RawMessage, bool) {
	rest, ok := strings.CutPrefix(label, labelPrefix)
	if !ok {
		return "", nil, false
	}
	name, body, ok := strings.Cut(rest, ",")
	if !ok || name == "" || !json.Valid([]byte(body)) {
		return "", nil, false
	}
	return Concern(name), json.RawMessage(body), true
}

// EntryFromLabel builds a detached entry from a label-embedded payload. It
// returns nil, nil for labels that carry no payload.
func EntryFromLabel(label string) (*Entry, error) {
	c, body, ok := DecodeLabel(label)
	if !ok {
		return nil, nil
	}
	e := &Entry{}
	if err := e.decode(c, body); err != nil {
		return nil, err
	}
	return e, nil
}

// decode sets concern c from its JSON body.
func (e *Entry) decode(c Concern, body json.RawMessage) error {
	var target interface{}
	switch c {
	case ConcernPrint:
		e.Print = &PrintData{}
		target = e.Print
	case ConcernSound:
		e.Sound = &SoundData{}
		target = e.Sound
	case ConcernGrace:
		e.Grace = &GraceInfo{}
		target = e.Grace
	case ConcernMeasureStyle:
		e.MeasureStyle = &MeasureStyleData{}
		target = e.MeasureStyle
	case ConcernFiguredBass:
		e.FiguredBass = &FiguredBassData{}
		target = e.FiguredBass
	case ConcernChordMode:
		e.ChordMode = &ChordModeInfo{}
		target = e.ChordMode
	case ConcernFunction:
		e.Function = &FunctionCall{}
		target = e.Function
	case ConcernMarkup:
		target = &e.Markups
	case ConcernOrnament:
		e.Ornament = &OrnamentInfo{}
		target = e.Ornament
	case ConcernWedge:
		e.Wedge = &WedgeData{}
		target = e.Wedge
	case ConcernGeneric:
		e.Generic = append(json.RawMessage(nil), body...)
		return nil
	default:
		return errors.NewUnsupported("label concern", fmt.Sprintf("%q", c))
	}
	if err := json.Unmarshal(body, target); err != nil {
		return errors.Wrapf(err, "decode %s label", c)
	}
	return nil
}
