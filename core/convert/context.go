// Package convert provides the conversion engine shared by every format:
// the per-call Context that tracks musical position, scopes and fresh
// identities, the Resolver that pairs start and stop tokens of spanning
// notation, and the Report that collects recoverable diagnostics.
//
// A Context belongs to exactly one import or export call and is never
// shared; independent conversions each create their own.
package convert

import (
	"fmt"
	"log/slog"

	"github.com/FocuswithJustin/ScoreBridge/core/timing"
	"github.com/FocuswithJustin/ScoreBridge/internal/logging"
)

// Direction tells whether a Context drives an import or an export.
type Direction int

// Directions.
const (
	Import Direction = iota
	Export
)

func (d Direction) String() string {
	if d == Export {
		return "export"
	}
	return "import"
}

// ScopeKind names one level of the scope stack.
type ScopeKind int

// Scope kinds, outermost first.
const (
	ScopePart ScopeKind = iota + 1
	ScopeStaff
	ScopeVoice
)

func (k ScopeKind) String() string {
	switch k {
	case ScopePart:
		return "part"
	case ScopeStaff:
		return "staff"
	case ScopeVoice:
		return "voice"
	}
	return fmt.Sprintf("scope(%d)", int(k))
}

// Scope is the part/staff/voice a token belongs to. Empty fields mean
// "not inside such a scope".
type Scope struct {
	Part  string `json:"part,omitempty"`
	Staff string `json:"staff,omitempty"`
	Voice string `json:"voice,omitempty"`
}

func (s Scope) String() string {
	return fmt.Sprintf("part=%q staff=%q voice=%q", s.Part, s.Staff, s.Voice)
}

type frame struct {
	kind     ScopeKind
	saved    Scope
	position timing.Fraction
}

// Context is the single source of truth for "where we are" during a
// one-pass walk.
type Context struct {
	direction Direction
	prefix    string
	divisions int
	position  timing.Fraction
	measure   int
	scope     Scope
	frames    []frame
	counters  map[string]int
	claimed   map[string]bool
	logger    *slog.Logger
	report    *Report
	resolver  *Resolver
}

// NewContext returns a Context for one conversion call.
func NewContext(direction Direction, opts ...Option) *Context {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	report := cfg.report
	if report == nil {
		report = NewReport("", "")
	}
	c := &Context{
		direction: direction,
		prefix:    cfg.prefix,
		divisions: cfg.divisions,
		position:  timing.Zero,
		counters:  make(map[string]int),
		claimed:   make(map[string]bool),
		logger:    cfg.logger,
		report:    report,
	}
	c.resolver = newResolver(c, cfg.policies)
	return c
}

// Direction returns the direction of the call.
func (c *Context) Direction() Direction { return c.direction }

// Report returns the report diagnostics are recorded into.
func (c *Context) Report() *Report { return c.report }

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Spans returns the spanning-event resolver owned by this context.
func (c *Context) Spans() *Resolver { return c.resolver }

// SetDivisions sets the number of divisions per quarter note. Callers
// validate n; non-positive values are ignored.
func (c *Context) SetDivisions(n int) {
	if n > 0 {
		c.divisions = n
	}
}

// Divisions returns the divisions per quarter note.
func (c *Context) Divisions() int { return c.divisions }

// FromDivisions converts a duration in divisions to whole notes.
func (c *Context) FromDivisions(divs int) timing.Fraction {
	return timing.New(int64(divs), int64(c.divisions)*4)
}

// ToDivisions converts a whole-note duration to divisions. It reports
// false when d is not a whole number of divisions.
func (c *Context) ToDivisions(d timing.Fraction) (int, bool) {
	v := d.Mul(timing.Int(int64(c.divisions) * 4))
	if v.Den != 1 {
		return int(v.Floor()), false
	}
	return int(v.Num), true
}

// Advance moves the position forward by divs divisions.
func (c *Context) Advance(divs int) {
	c.position = c.position.Add(c.FromDivisions(divs))
}

// Backup moves the position back by divs divisions.
func (c *Context) Backup(divs int) {
	c.position = c.position.Sub(c.FromDivisions(divs))
}

// AdvanceBy moves the position forward by a whole-note duration.
func (c *Context) AdvanceBy(d timing.Fraction) {
	c.position = c.position.Add(d)
}

// Position returns the current position in whole notes.
func (c *Context) Position() timing.Fraction { return c.position }

// SetPosition moves to an absolute position.
func (c *Context) SetPosition(p timing.Fraction) { c.position = p }

// BeginMeasure enters measure index n and resets the position to its start.
func (c *Context) BeginMeasure(n int) {
	c.measure = n
	c.position = timing.Zero
}

// SetMeasure records the current measure index without touching the
// position. Used by formats that track absolute time.
func (c *Context) SetMeasure(n int) { c.measure = n }

// Measure returns the current measure index.
func (c *Context) Measure() int { return c.measure }

// EnterScope pushes a scope and returns the function that restores the
// enclosing scope and position. The restore function pops back to the
// depth recorded here, so it also cleans up inner scopes left open by an
// early return; calling it twice is harmless.
//
//	defer ctx.EnterScope(convert.ScopeVoice, "2")()
func (c *Context) EnterScope(kind ScopeKind, name string) (restore func()) {
	depth := len(c.frames)
	c.frames = append(c.frames, frame{kind: kind, saved: c.scope, position: c.position})
	switch kind {
	case ScopePart:
		c.scope = Scope{Part: name}
	case ScopeStaff:
		c.scope.Staff = name
		c.scope.Voice = ""
	case ScopeVoice:
		c.scope.Voice = name
	}
	return func() {
		if len(c.frames) <= depth {
			return
		}
		f := c.frames[depth]
		c.scope = f.saved
		c.position = f.position
		c.frames = c.frames[:depth]
	}
}

// Scope returns the current scope.
func (c *Context) Scope() Scope { return c.scope }

// Depth returns the number of open scopes.
func (c *Context) Depth() int { return len(c.frames) }

// FreshID returns a new identity "<prefix>-<kind>-<n>" with one counter
// per kind. Identities already claimed are skipped.
func (c *Context) FreshID(kind string) string {
	for {
		c.counters[kind]++
		id := fmt.Sprintf("%s-%s-%d", c.prefix, kind, c.counters[kind])
		if !c.claimed[id] {
			c.claimed[id] = true
			return id
		}
	}
}

// Claim registers an identity taken from the source document. It reports
// false if the identity is already in use.
func (c *Context) Claim(id string) bool {
	if id == "" || c.claimed[id] {
		return false
	}
	c.claimed[id] = true
	return true
}

// Diagnose records a diagnostic and logs it at debug level.
func (c *Context) Diagnose(d Diagnostic) {
	c.report.Diagnostics = append(c.report.Diagnostics, d)
	logging.SpanDiagnostic(c.logger, d.Kind.String(), d.Location, d.Message,
		"direction", c.direction.String())
}

// Location describes the current measure and position for diagnostics.
func (c *Context) Location() string {
	return fmt.Sprintf("measure %d, position %s", c.measure+1, c.position)
}
