package ext

import (
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// PrintData holds layout hints (MusicXML <print>).
type PrintData struct {
	NewSystem bool `json:"new_system,omitempty"`
	NewPage   bool `json:"new_page,omitempty"`

	// Attrs holds the remaining attributes verbatim.
	Attrs map[string]string `json:"attrs,omitempty"`

	// Layout is the raw inner markup (system-layout, staff-layout, ...).
	Layout string `json:"layout,omitempty"`
}

// SoundData holds playback parameters (MusicXML <sound>).
type SoundData struct {
	Tempo    *float64          `json:"tempo,omitempty"`
	Dynamics *float64          `json:"dynamics,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// GraceKind classifies a grace note as written in the source.
type GraceKind string

// Grace kinds.
const (
	GraceNormal       GraceKind = "grace"
	GraceAcciaccatura GraceKind = "acciaccatura"
	GraceAppoggiatura GraceKind = "appoggiatura"
	GraceAfter        GraceKind = "afterGrace"
	GraceSlashed      GraceKind = "slashedGrace"
)

// GraceInfo records how a grace note was introduced.
type GraceInfo struct {
	Kind GraceKind `json:"kind"`

	// Fraction is the afterGrace placement fraction, if given.
	Fraction *timing.Fraction `json:"fraction,omitempty"`

	// Group is the index of the grace group within its layer. Consecutive
	// grace notes with the same group were written together.
	Group int `json:"group,omitempty"`
}

// MeasureStyleData holds measure-style information.
type MeasureStyleData struct {
	// MultipleRest is the number of measures a multi-measure rest covers.
	MultipleRest int `json:"multiple_rest,omitempty"`

	// MeasureRepeat is the repeat length for measure-repeat signs, with
	// RepeatType "start" or "stop".
	MeasureRepeat int    `json:"measure_repeat,omitempty"`
	RepeatType    string `json:"repeat_type,omitempty"`
	Slashes       int    `json:"slashes,omitempty"`
}

// Figure is one figured-bass figure.
type Figure struct {
	Prefix string `json:"prefix,omitempty"`
	Number string `json:"number,omitempty"`
	Suffix string `json:"suffix,omitempty"`
}

// FiguredBassData holds figured-bass figures beyond the canonical summary.
type FiguredBassData struct {
	Figures []Figure `json:"figures,omitempty"`

	// Duration is the figure duration in the source's own units.
	Duration string `json:"duration,omitempty"`

	// Source is the figure group exactly as the textual format wrote it.
	Source string `json:"source,omitempty"`
}

// ChordModeInfo keeps the chord-mode spelling of a harmony.
type ChordModeInfo struct {
	// Serialized is the chord event as written ("c1:m7/g").
	Serialized string `json:"serialized"`
}

// FunctionCall records a music function or command call.
type FunctionCall struct {
	Name string `json:"name"`

	// Args are the serialized arguments in order.
	Args []string `json:"args,omitempty"`

	// Partial marks a partially applied function.
	Partial bool `json:"partial,omitempty"`

	// Layer is the voice the call was written in, zero for the first.
	Layer int `json:"layer,omitempty"`
}

// ToplevelMarkup is a markup block written between top-level items.
type ToplevelMarkup struct {
	// Position is the index among the top-level items of the source.
	Position int `json:"position"`

	// Kind is "markup" or "markuplist".
	Kind string `json:"kind"`

	// Serialized is the markup body as written.
	Serialized string `json:"serialized"`
}

// OrnamentInfo records an ornament or script that has no canonical
// element of its own.
type OrnamentInfo struct {
	Name string `json:"name"`

	// Direction is "up", "down" or empty (neutral).
	Direction string `json:"direction,omitempty"`

	// Text is ornament text content, if any.
	Text string `json:"text,omitempty"`
}

// WedgeData holds hairpin details without canonical attributes.
type WedgeData struct {
	Number int      `json:"number,omitempty"`
	Spread *float64 `json:"spread,omitempty"`
	Niente bool     `json:"niente,omitempty"`
}
