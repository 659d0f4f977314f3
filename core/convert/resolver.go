package convert

import (
	"fmt"
	"sort"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// Concern names a kind of spanning notation.
type Concern string

// Spanning concerns handled by the formats.
const (
	ConcernTie     Concern = "tie"
	ConcernSlur    Concern = "slur"
	ConcernPhrase  Concern = "phrase"
	ConcernHairpin Concern = "hairpin"
	ConcernBracket Concern = "bracket"
	ConcernTrill   Concern = "trill"
)

// Match selects which pending span a stop closes when several share a key.
type Match int

// Matching disciplines.
const (
	// LIFO closes the most recently opened span (nesting).
	LIFO Match = iota
	// FIFO closes the oldest open span.
	FIFO
)

// Unterminated selects what happens to a span still open at a measure end.
type Unterminated int

// Unterminated policies.
const (
	// Discard reports and drops spans still open at the end of a measure.
	Discard Unterminated = iota
	// CarryAcrossMeasures keeps spans open until the end of the document.
	CarryAcrossMeasures
)

// Policy configures the resolver for one concern.
type Policy struct {
	Match        Match
	Unterminated Unterminated
}

// DefaultPolicy applies to concerns without an explicit policy.
var DefaultPolicy = Policy{Match: LIFO, Unterminated: Discard}

// defaultPolicies are the built-in per-concern policies. Every built-in
// concern may cross barlines.
var defaultPolicies = map[Concern]Policy{
	ConcernTie:     {Match: LIFO, Unterminated: CarryAcrossMeasures},
	ConcernSlur:    {Match: LIFO, Unterminated: CarryAcrossMeasures},
	ConcernPhrase:  {Match: LIFO, Unterminated: CarryAcrossMeasures},
	ConcernHairpin: {Match: LIFO, Unterminated: CarryAcrossMeasures},
	ConcernBracket: {Match: LIFO, Unterminated: CarryAcrossMeasures},
	ConcernTrill:   {Match: LIFO, Unterminated: CarryAcrossMeasures},
}

// Key identifies one state machine: a concern within a scope, told apart
// from concurrent same-kind spans by a disambiguating number.
type Key struct {
	Concern Concern
	Scope   Scope
	Number  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s %d (%s)", k.Concern, k.Number, k.Scope)
}

// Mark is a point in the document: a measure index and a position.
type Mark struct {
	Measure  int
	Position timing.Fraction
}

// Pending is an open start token awaiting its stop.
type Pending struct {
	Key     Key
	ID      string
	At      Mark
	Payload any
	seq     int
}

// Completed is a resolved start/stop pair.
type Completed struct {
	Key     Key
	StartID string
	EndID   string
	Start   Mark
	End     Mark

	// Payload is whatever the caller attached at Start.
	Payload any
}

// Measures returns how many measures the span crosses.
func (c Completed) Measures() int { return c.End.Measure - c.Start.Measure }

// Token is a start or stop token produced when splitting a canonical span
// for export.
type Token struct {
	Key     Key
	ID      string
	Beat    timing.Fraction
	Staff   int
	Payload any
}

// DeferredStop is a stop token that belongs to a later measure.
type DeferredStop struct {
	Token

	// Remaining is the number of measure advances left before the stop
	// is due.
	Remaining int

	seq int
}

// SpanEvent is a canonical spanning control event to be split into tokens.
type SpanEvent struct {
	// Key identifies the span; a zero Number asks the resolver to
	// allocate the lowest free number within the concern and scope.
	Key Key

	ID    string
	Staff int

	// Beat is the start beat in the current measure.
	Beat timing.Fraction

	// EndMeasures is how many measures ahead the stop lies; EndBeat is
	// the beat within that measure.
	EndMeasures int
	EndBeat     timing.Fraction

	Payload any
}

// SplitResult is the outcome of Split: a start token plus either an
// immediate stop or a deferred one.
type SplitResult struct {
	Start    Token
	Stop     *Token
	Deferred *DeferredStop
}

type numberScope struct {
	concern Concern
	scope   Scope
}

// reservation holds a span number from the start of a span to its stop,
// both ends included.
type reservation struct {
	number   int
	from, to Mark
}

func (m Mark) before(o Mark) bool {
	if m.Measure != o.Measure {
		return m.Measure < o.Measure
	}
	return m.Position.Less(o.Position)
}

func (r reservation) overlaps(from, to Mark) bool {
	return !r.to.before(from) && !to.before(r.from)
}

// Resolver pairs start and stop tokens of spanning notation.
type Resolver struct {
	ctx       *Context
	policies  map[Concern]Policy
	open      map[Key][]*Pending
	seq       int
	completed []Completed
	deferred  []*DeferredStop
	numbers   map[numberScope][]reservation
}

func newResolver(ctx *Context, overrides map[Concern]Policy) *Resolver {
	policies := make(map[Concern]Policy, len(defaultPolicies)+len(overrides))
	for k, v := range defaultPolicies {
		policies[k] = v
	}
	for k, v := range overrides {
		policies[k] = v
	}
	return &Resolver{
		ctx:      ctx,
		policies: policies,
		open:     make(map[Key][]*Pending),
		numbers:  make(map[numberScope][]reservation),
	}
}

// Policy returns the policy in force for concern c.
func (r *Resolver) Policy(c Concern) Policy {
	if p, ok := r.policies[c]; ok {
		return p
	}
	return DefaultPolicy
}

func (r *Resolver) mark() Mark {
	return Mark{Measure: r.ctx.Measure(), Position: r.ctx.Position()}
}

// Start opens a span for key at the current position.
func (r *Resolver) Start(key Key, id string, payload any) {
	r.seq++
	r.open[key] = append(r.open[key], &Pending{
		Key:     key,
		ID:      id,
		At:      r.mark(),
		Payload: payload,
		seq:     r.seq,
	})
}

// IsOpen reports whether a span is pending for key.
func (r *Resolver) IsOpen(key Key) bool {
	return len(r.open[key]) > 0
}

// Open returns the number of pending spans.
func (r *Resolver) Open() int {
	n := 0
	for _, stack := range r.open {
		n += len(stack)
	}
	return n
}

// Stop closes the matching pending span and queues the completed pair. A
// stop with no pending span is reported as an unresolved reference and
// otherwise ignored.
func (r *Resolver) Stop(key Key, id string) (Completed, bool) {
	stack := r.open[key]
	if len(stack) == 0 {
		r.ctx.Diagnose(Diagnostic{
			Kind:     errors.KindUnresolvedReference,
			Location: r.ctx.Location(),
			Message:  fmt.Sprintf("stop for %s has no matching start", key),
		})
		return Completed{}, false
	}

	var p *Pending
	if r.Policy(key.Concern).Match == FIFO {
		p, stack = stack[0], stack[1:]
	} else {
		p, stack = stack[len(stack)-1], stack[:len(stack)-1]
	}
	if len(stack) == 0 {
		delete(r.open, key)
	} else {
		r.open[key] = stack
	}

	c := Completed{
		Key:     key,
		StartID: p.ID,
		EndID:   id,
		Start:   p.At,
		End:     r.mark(),
		Payload: p.Payload,
	}
	r.completed = append(r.completed, c)
	return c, true
}

// Drain returns the completed spans in resolution order and clears the
// queue. Callers emit them in exactly this order.
func (r *Resolver) Drain() []Completed {
	out := r.completed
	r.completed = nil
	return out
}

// pending returns every open span ordered by opening.
func (r *Resolver) pending() []*Pending {
	var all []*Pending
	for _, stack := range r.open {
		all = append(all, stack...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	return all
}

// EndMeasure applies the Discard policy: spans of measure-local concerns
// still open are reported and dropped.
func (r *Resolver) EndMeasure() {
	for _, p := range r.pending() {
		if r.Policy(p.Key.Concern).Unterminated != Discard {
			continue
		}
		r.drop(p, "is not terminated within its measure")
	}
}

// Finish reports and drops every span still open, and every deferred stop
// that never came due. Nothing is retained past the call.
func (r *Resolver) Finish() {
	for _, p := range r.pending() {
		r.drop(p, "is never terminated")
	}
	for _, d := range r.deferred {
		r.ctx.Diagnose(Diagnostic{
			Kind:     errors.KindUnresolvedReference,
			Location: d.ID,
			Message:  fmt.Sprintf("deferred stop for %s lies %d measure(s) past the end", d.Key, d.Remaining),
		})
	}
	r.deferred = nil
	r.numbers = make(map[numberScope][]reservation)
}

func (r *Resolver) drop(p *Pending, why string) {
	stack := r.open[p.Key]
	for i, q := range stack {
		if q == p {
			stack = append(stack[:i:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(r.open, p.Key)
	} else {
		r.open[p.Key] = stack
	}
	r.ctx.Diagnose(Diagnostic{
		Kind:     errors.KindUnresolvedReference,
		Location: fmt.Sprintf("measure %d, position %s", p.At.Measure+1, p.At.Position),
		Message:  fmt.Sprintf("%s started at %s %s", p.Key, p.ID, why),
	})
}

// Split turns a canonical span into a start token now and a stop token
// either now (same measure) or deferred by ev.EndMeasures measure advances.
// An allocated number stays taken from Beat in the current measure through
// EndBeat in the measure of the stop, so spans that overlap never share a
// number even when both stop within one measure.
func (r *Resolver) Split(ev SpanEvent) SplitResult {
	key := ev.Key
	ns := numberScope{key.Concern, key.Scope}
	from := Mark{Measure: r.ctx.Measure(), Position: ev.Beat}
	to := Mark{Measure: r.ctx.Measure() + max(ev.EndMeasures, 0), Position: ev.EndBeat}
	if to.before(from) {
		to = from
	}
	if key.Number == 0 {
		key.Number = r.allocate(ns, from, to)
	} else {
		r.reserve(ns, key.Number, from, to)
	}

	res := SplitResult{Start: Token{Key: key, ID: ev.ID, Beat: ev.Beat, Staff: ev.Staff, Payload: ev.Payload}}
	stop := Token{Key: key, ID: ev.ID, Beat: ev.EndBeat, Staff: ev.Staff, Payload: ev.Payload}
	if ev.EndMeasures <= 0 {
		res.Stop = &stop
		return res
	}
	r.seq++
	d := &DeferredStop{Token: stop, Remaining: ev.EndMeasures, seq: r.seq}
	r.deferred = append(r.deferred, d)
	res.Deferred = d
	return res
}

// AdvanceMeasure is called once per measure boundary during export. Every
// deferred stop counts down by one; those reaching zero are returned in
// creation order for splicing into the measure just entered.
func (r *Resolver) AdvanceMeasure() []Token {
	var due []Token
	kept := r.deferred[:0]
	for _, d := range r.deferred {
		d.Remaining--
		if d.Remaining <= 0 {
			due = append(due, d.Token)
			continue
		}
		kept = append(kept, d)
	}
	r.deferred = kept
	return due
}

// Deferred returns copies of the deferred stops still waiting.
func (r *Resolver) Deferred() []DeferredStop {
	out := make([]DeferredStop, len(r.deferred))
	for i, d := range r.deferred {
		out[i] = *d
	}
	return out
}

// allocate returns the lowest number no reservation of ns holds anywhere
// in [from, to]. Reservations ending before the current measure are
// dropped first.
func (r *Resolver) allocate(ns numberScope, from, to Mark) int {
	live := r.numbers[ns][:0]
	for _, res := range r.numbers[ns] {
		if res.to.Measure >= r.ctx.Measure() {
			live = append(live, res)
		}
	}
	taken := make(map[int]bool)
	for _, res := range live {
		if res.overlaps(from, to) {
			taken[res.number] = true
		}
	}
	n := 1
	for taken[n] {
		n++
	}
	r.numbers[ns] = append(live, reservation{number: n, from: from, to: to})
	return n
}

func (r *Resolver) reserve(ns numberScope, n int, from, to Mark) {
	r.numbers[ns] = append(r.numbers[ns], reservation{number: n, from: from, to: to})
}
