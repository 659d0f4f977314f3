package mei

// Walk visits the score in document order. Returning false from fn skips
// the children of the node just visited.
func Walk(s *Score, fn func(Node) bool) {
	if s == nil || !fn(s) {
		return
	}
	for _, sd := range s.StaffDefs {
		fn(sd)
	}
	for _, m := range s.Measures {
		walkMeasure(m, fn)
	}
}

func walkMeasure(m *Measure, fn func(Node) bool) {
	if !fn(m) {
		return
	}
	for _, c := range m.Children {
		switch c := c.(type) {
		case *Staff:
			if !fn(c) {
				continue
			}
			for _, l := range c.Layers {
				walkLayer(l, fn)
			}
		default:
			fn(c)
		}
	}
}

func walkLayer(l *Layer, fn func(Node) bool) {
	if !fn(l) {
		return
	}
	for _, c := range l.Children {
		if !fn(c) {
			continue
		}
		if ch, ok := c.(*Chord); ok {
			for _, n := range ch.Notes {
				fn(n)
			}
		}
	}
}

// Index maps identities to nodes. Nodes without an identity are skipped.
func Index(s *Score) map[string]Node {
	idx := make(map[string]Node)
	Walk(s, func(n Node) bool {
		if id := n.Identity().ID; id != "" {
			idx[id] = n
		}
		return true
	})
	return idx
}

// IDs returns every identity in document order, duplicates included.
func IDs(s *Score) []string {
	var ids []string
	Walk(s, func(n Node) bool {
		if id := n.Identity().ID; id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Controls returns every control event of the score with the index of the
// measure it belongs to.
func Controls(s *Score) []Located {
	var out []Located
	for i, m := range s.Measures {
		for _, c := range m.Controls() {
			out = append(out, Located{Measure: i, Control: c})
		}
	}
	return out
}

// Located is a control event together with its measure index.
type Located struct {
	Measure int
	Control Control
}
