package mei

import (
	"fmt"

	"github.com/FocuswithJustin/ScoreBridge/core/errors"
)

// Validate checks structural well-formedness: identities are unique, staff
// numbers refer to declared staves, and control anchors resolve. It returns
// every problem found.
func Validate(s *Score) []error {
	var errs []error
	if s == nil {
		return []error{errors.NewConversion(errors.KindMissingRequired, "score", "score is nil")}
	}

	seen := make(map[string]bool)
	Walk(s, func(n Node) bool {
		id := n.Identity().ID
		if id == "" {
			return true
		}
		if seen[id] {
			errs = append(errs, errors.NewConversion(errors.KindInvalidStructure, id,
				fmt.Sprintf("duplicate identity on <%s>", n.Element())))
		}
		seen[id] = true
		return true
	})
	Walk(s, func(n Node) bool {
		var r Ratio
		switch e := n.(type) {
		case *Note:
			r = e.Ratio
			for _, syl := range e.Syls {
				if syl.Con != "" && syl.Con != "d" && syl.Con != "u" {
					errs = append(errs, errors.NewConversion(errors.KindInvalidValue, e.ID,
						fmt.Sprintf("syllable %q has connector %q", syl.Text, syl.Con)))
				}
			}
		case *Rest:
			r = e.Ratio
		case *Chord:
			r = e.Ratio
		default:
			return true
		}
		if r.Num < 0 || r.NumBase < 0 || (r.Num == 0) != (r.NumBase == 0) {
			errs = append(errs, errors.NewConversion(errors.KindInvalidValue, n.Identity().ID,
				fmt.Sprintf("<%s> has ratio %d:%d", n.Element(), r.Num, r.NumBase)))
		}
		return true
	})

	staves := make(map[int]bool)
	for i, sd := range s.StaffDefs {
		if sd.N <= 0 {
			errs = append(errs, errors.NewConversion(errors.KindInvalidValue,
				fmt.Sprintf("staffDef[%d]", i), "staff number must be positive"))
		}
		staves[sd.N] = true
	}

	for i, m := range s.Measures {
		path := fmt.Sprintf("measure[%d]", i)
		if m.Ending != nil && m.Ending.N == "" {
			errs = append(errs, errors.NewConversion(errors.KindMissingRequired, path, "ending has no number"))
		}
		for _, st := range m.Staves() {
			if !staves[st.N] {
				errs = append(errs, errors.NewConversion(errors.KindInvalidStructure, path,
					fmt.Sprintf("staff %d is not declared", st.N)))
			}
		}
		for _, c := range m.Controls() {
			a := c.Attrs()
			cid := c.Identity().ID
			if cid == "" {
				cid = path + "/" + c.Element()
			}
			if a.StartID != "" && !seen[a.StartID] {
				errs = append(errs, errors.NewConversion(errors.KindUnresolvedReference, cid,
					fmt.Sprintf("startid %q does not resolve", a.StartID)))
			}
			if a.EndID != "" && !seen[a.EndID] {
				errs = append(errs, errors.NewConversion(errors.KindUnresolvedReference, cid,
					fmt.Sprintf("endid %q does not resolve", a.EndID)))
			}
			if a.Tstamp2 != nil && i+a.Tstamp2.Measures >= len(s.Measures) {
				errs = append(errs, errors.NewConversion(errors.KindUnresolvedReference, cid,
					"tstamp2 points past the last measure"))
			}
		}
	}
	return errs
}
