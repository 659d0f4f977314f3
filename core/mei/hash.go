package mei

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// jsonMarshal is a variable to allow testing of marshal errors.
var jsonMarshal = json.Marshal

// taggedNode wraps a heterogeneous child with its element name so the
// canonical form distinguishes node types with identical fields.
type taggedNode struct {
	Element string `json:"element"`
	Node    Node   `json:"node"`
}

// MarshalJSON encodes the measure with tagged children.
func (m *Measure) MarshalJSON() ([]byte, error) {
	type plain Measure
	children := make([]taggedNode, len(m.Children))
	for i, c := range m.Children {
		children[i] = taggedNode{Element: c.Element(), Node: c}
	}
	return json.Marshal(struct {
		*plain
		Children []taggedNode `json:"children"`
	}{(*plain)(m), children})
}

// MarshalJSON encodes the layer with tagged children.
func (l *Layer) MarshalJSON() ([]byte, error) {
	type plain Layer
	children := make([]taggedNode, len(l.Children))
	for i, c := range l.Children {
		children[i] = taggedNode{Element: c.Element(), Node: c}
	}
	return json.Marshal(struct {
		*plain
		Children []taggedNode `json:"children"`
	}{(*plain)(l), children})
}

// Canonical returns the canonical JSON form of the score.
func Canonical(s *Score) ([]byte, error) {
	return jsonMarshal(s)
}

// Fingerprint returns the BLAKE3 hex digest of the canonical JSON form.
// Two trees with the same fingerprint are semantically equal.
func Fingerprint(s *Score) (string, error) {
	data, err := Canonical(s)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
