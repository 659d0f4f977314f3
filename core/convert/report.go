package convert

import (
	"fmt"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
)

// LossClass represents the fidelity level of a conversion.
type LossClass string

// Loss class constants, from most to least fidelity.
const (
	// LossL0 indicates lossless conversion.
	LossL0 LossClass = "L0"

	// LossL1 indicates semantically lossless: all notation preserved,
	// spelling or layout may differ.
	LossL1 LossClass = "L1"

	// LossL2 indicates minor loss (layout hints, beaming).
	LossL2 LossClass = "L2"

	// LossL3 indicates significant loss (spans or markings dropped).
	LossL3 LossClass = "L3"

	// LossL4 indicates only pitches and durations survived.
	LossL4 LossClass = "L4"
)

// Level returns the numeric level (0-4) of the loss class.
func (l LossClass) Level() int {
	switch l {
	case LossL0:
		return 0
	case LossL1:
		return 1
	case LossL2:
		return 2
	case LossL3:
		return 3
	case LossL4:
		return 4
	default:
		return -1
	}
}

// IsValid returns true if the loss class is valid.
func (l LossClass) IsValid() bool { return l.Level() >= 0 }

// IsSemanticallyLossless returns true if notation is fully preserved.
func (l LossClass) IsSemanticallyLossless() bool {
	return l == LossL0 || l == LossL1
}

// Diagnostic is a recoverable problem found during one conversion.
type Diagnostic struct {
	Kind     errors.Kind `json:"kind"`
	Location string      `json:"location,omitempty"`
	Message  string      `json:"message"`
}

// Err returns the diagnostic as a ConversionError.
func (d Diagnostic) Err() error {
	return errors.NewConversion(d.Kind, d.Location, d.Message)
}

func (d Diagnostic) String() string {
	return d.Err().Error()
}

// LostElement describes a piece of notation that was dropped.
type LostElement struct {
	// Path is the location in the source (e.g., "measure[3]/note[2]").
	Path string `json:"path"`

	// ElementType describes what was lost (e.g., "beam", "tuplet").
	ElementType string `json:"element_type"`

	// Reason explains why the element was lost.
	Reason string `json:"reason"`
}

// Report collects what happened during one import or export call.
type Report struct {
	// SourceFormat and TargetFormat name the two sides of the call.
	SourceFormat string `json:"source_format,omitempty"`
	TargetFormat string `json:"target_format,omitempty"`

	// LossClass is the overall fidelity classification.
	LossClass LossClass `json:"loss_class"`

	// Diagnostics are recoverable problems in the order they were found.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`

	// LostElements lists specific pieces of notation that were dropped.
	LostElements []LostElement `json:"lost_elements,omitempty"`
}

// NewReport returns an empty lossless report.
func NewReport(source, target string) *Report {
	return &Report{SourceFormat: source, TargetFormat: target, LossClass: LossL0}
}

// Add records a diagnostic.
func (r *Report) Add(kind errors.Kind, location, format string, args ...interface{}) {
	r.Diagnostics = append(r.Diagnostics, Diagnostic{
		Kind:     kind,
		Location: location,
		Message:  fmt.Sprintf(format, args...),
	})
}

// AddLostElement records dropped notation and raises the loss class to at
// least class.
func (r *Report) AddLostElement(path, elementType, reason string, class LossClass) {
	r.LostElements = append(r.LostElements, LostElement{
		Path:        path,
		ElementType: elementType,
		Reason:      reason,
	})
	r.Raise(class)
}

// Raise lifts the loss class to class if it is worse than the current one.
func (r *Report) Raise(class LossClass) {
	if class.Level() > r.LossClass.Level() {
		r.LossClass = class
	}
}

// HasLoss returns true if anything was lost.
func (r *Report) HasLoss() bool {
	return len(r.LostElements) > 0 || r.LossClass.Level() > 0
}

// Count returns the number of diagnostics of the given kind.
func (r *Report) Count(kind errors.Kind) int {
	n := 0
	for _, d := range r.Diagnostics {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Merge appends other's diagnostics and losses to r.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Diagnostics = append(r.Diagnostics, other.Diagnostics...)
	r.LostElements = append(r.LostElements, other.LostElements...)
	r.Raise(other.LossClass)
}
