// Package mei provides the canonical score tree that every format converts
// through.
//
// The tree is a closed set of node types modeled after MEI. Structural
// nodes nest as Score > Measure > Staff > Layer > events; control events
// (ties, slurs, hairpins, dynamics, directions) live directly under the
// measure in which they start and point at the events they annotate through
// StartID/EndID or through timestamps.
//
// # Identity
//
// Every node embeds Common, which carries the node's identity and a
// freeform label. Identities are unique within one score and are the keys
// under which format-specific payloads are kept outside the tree (see
// package ext).
//
// # Traversal
//
// Walk visits nodes in document order with a type switch over the closed
// set. Index builds an identity lookup table. Fingerprint hashes the
// canonical JSON form with BLAKE3 so two trees can be compared for
// semantic equality.
package mei
