package lilypond

import (
	"sort"

	"github.com/FocuswithJustin/ScoreBridge/core/mei"
	"github.com/FocuswithJustin/ScoreBridge/core/timing"
)

// meterSegment is a run of measures sharing one time signature, starting
// at measure index first.
type meterSegment struct {
	first int
	meter mei.Meter
}

// meterMap cuts the absolute timeline of a staff into measures. The first
// staff defines it; later staves read it.
type meterMap struct {
	segments []meterSegment

	// pickup is the length of an anacrusis measure 0; zero when there is
	// none.
	pickup timing.Fraction

	frozen bool
}

func newMeterMap() *meterMap {
	return &meterMap{segments: []meterSegment{{first: 0, meter: mei.Meter{Count: 4, Unit: 4}}}}
}

func (mm *meterMap) hasPickup() bool { return mm.pickup.Sign() > 0 }

// meterOf returns the time signature in force at measure idx.
func (mm *meterMap) meterOf(idx int) mei.Meter {
	m := mm.segments[0].meter
	for _, s := range mm.segments {
		if s.first > idx {
			break
		}
		m = s.meter
	}
	return m
}

// lengthOf returns the length of measure idx.
func (mm *meterMap) lengthOf(idx int) timing.Fraction {
	if idx == 0 && mm.hasPickup() {
		return mm.pickup
	}
	return mm.meterOf(idx).Length()
}

// startOf returns the absolute position of the first beat of measure idx.
func (mm *meterMap) startOf(idx int) timing.Fraction {
	pos, cur := timing.Zero, 0
	if mm.hasPickup() && idx > 0 {
		pos, cur = mm.pickup, 1
	}
	for i, s := range mm.segments {
		if cur >= idx {
			break
		}
		end := idx
		if i+1 < len(mm.segments) && mm.segments[i+1].first < idx {
			end = mm.segments[i+1].first
		}
		if end > cur {
			pos = pos.Add(s.meter.Length().Mul(timing.Int(int64(end - cur))))
			cur = end
		}
	}
	return pos
}

// locate returns the measure containing pos and the offset into it. A
// position on a barline belongs to the measure that starts there.
func (mm *meterMap) locate(pos timing.Fraction) (int, timing.Fraction) {
	start, cur := timing.Zero, 0
	if mm.hasPickup() {
		if pos.Less(mm.pickup) {
			return 0, pos
		}
		start, cur = mm.pickup, 1
	}
	for i, s := range mm.segments {
		length := s.meter.Length()
		if i+1 < len(mm.segments) {
			n := mm.segments[i+1].first - cur
			if n <= 0 {
				continue
			}
			span := length.Mul(timing.Int(int64(n)))
			if pos.Less(start.Add(span)) {
				k := pos.Sub(start).Div(length).Floor()
				return cur + int(k), pos.Sub(start).Sub(length.Mul(timing.Int(k)))
			}
			start, cur = start.Add(span), mm.segments[i+1].first
			continue
		}
		k := pos.Sub(start).Div(length).Floor()
		return cur + int(k), pos.Sub(start).Sub(length.Mul(timing.Int(k)))
	}
	return cur, pos.Sub(start)
}

// count returns the number of measures needed to hold music ending at end.
func (mm *meterMap) count(end timing.Fraction) int {
	idx, off := mm.locate(end)
	if off.Sign() > 0 {
		idx++
	}
	return idx
}

// set installs meter from measure idx on. It reports false when the map
// is frozen and the change would alter it.
func (mm *meterMap) set(idx int, meter mei.Meter) bool {
	if mm.meterOf(idx) == meter {
		return true
	}
	if mm.frozen {
		return false
	}
	i := sort.Search(len(mm.segments), func(i int) bool { return mm.segments[i].first >= idx })
	if i < len(mm.segments) && mm.segments[i].first == idx {
		mm.segments[i].meter = meter
		return true
	}
	mm.segments = append(mm.segments, meterSegment{})
	copy(mm.segments[i+1:], mm.segments[i:])
	mm.segments[i] = meterSegment{first: idx, meter: meter}
	return true
}

// setPickup makes measure 0 an anacrusis of the given length.
func (mm *meterMap) setPickup(length timing.Fraction) bool {
	if mm.pickup.Equal(length) {
		return true
	}
	if mm.frozen {
		return false
	}
	mm.pickup = length
	return true
}

// changes reports whether measure idx starts a new time signature.
func (mm *meterMap) changes(idx int) bool {
	if idx == 0 {
		return false
	}
	for _, s := range mm.segments {
		if s.first == idx {
			return s.meter != mm.meterOf(idx-1)
		}
	}
	return false
}

// tstamp converts an offset within measure idx to a 1-based beat.
func (mm *meterMap) tstamp(idx int, off timing.Fraction) timing.Fraction {
	unit := mm.meterOf(idx).Unit
	if unit == 0 {
		unit = 4
	}
	return off.Mul(timing.Int(int64(unit))).Add(timing.Int(1))
}

// offset is the inverse of tstamp.
func (mm *meterMap) offset(idx int, tstamp timing.Fraction) timing.Fraction {
	unit := mm.meterOf(idx).Unit
	if unit == 0 {
		unit = 4
	}
	return tstamp.Sub(timing.Int(1)).Div(timing.Int(int64(unit)))
}
