// Package dom implements the dehydration half of the perception loop: it
// walks a live page's DOM into an immutable, indexed FlatSnapshot and
// renders that snapshot into the compact pseudo-HTML the model reads.
//
// The package never touches a browser driver directly — Extractor takes
// anything that can Evaluate JavaScript in the page and returns plain
// data. That keeps dom free of any playwright import and testable with a
// fake evaluator.
package dom

import "strings"

// NodeID is an opaque, per-snapshot-unique node identifier assigned by the
// extractor in DOM post-order.
type NodeID = string

// Node is implemented by *TextNode and *ElementNode. Pointers are used
// (rather than value types) so the controller can mark a node IsNew
// in-place after comparing two snapshots.
type Node interface {
	isDomNode()
}

// TextNode is trimmed, non-empty text content. Nodes with empty-after-trim
// text are never constructed.
type TextNode struct {
	Text    string
	Visible bool
}

func (*TextNode) isDomNode() {}

// ScrollInfo describes a scrollable element's overflow in each direction,
// in pixels. A nil *ScrollInfo means the element isn't a scroll container.
type ScrollInfo struct {
	Left, Top, Right, Bottom float64
}

// HasOverflow reports whether any side has more than zero px of overflow.
func (s *ScrollInfo) HasOverflow() bool {
	return s != nil && (s.Left > 0 || s.Top > 0 || s.Right > 0 || s.Bottom > 0)
}

// ElementNode represents any DOM element, interactive or not. Interactive
// discriminates the two roles. Index and MarkerSelector are only
// meaningful when Interactive is true.
type ElementNode struct {
	Tag         string
	Attributes  map[string]string
	ChildIDs    []NodeID
	Visible     bool
	Topmost     bool
	InViewport  bool
	Interactive bool

	// Index is the monotonically-assigned, snapshot-local addressing
	// integer. Valid only when Interactive.
	Index int

	// MarkerSelector is the CSS selector (`[data-<ns>-index="<n>"]`) the
	// extractor stamped onto the live element so a handle can be
	// recovered later. Valid only when Interactive.
	MarkerSelector string

	ScrollInfo *ScrollInfo

	// IsNew is computed by Controller.refresh by comparing this
	// snapshot's element fingerprints against the previous one; the
	// serializer renders it as a leading `*`. Zero value (false) is
	// correct for a first extraction or for any implementation that
	// chooses not to track it.
	IsNew bool
}

func (*ElementNode) isDomNode() {}

// FlatSnapshot is one immutable extraction pass. RootID and Nodes are
// never mutated after Extract returns (IsNew is the one exception,
// written once by Controller.refresh before the snapshot is handed to the
// serializer).
type FlatSnapshot struct {
	RootID    NodeID
	Nodes     map[NodeID]Node
	Namespace string
	IndexedBy int // count of interactive nodes == len(indices)
}

// Element looks up an *ElementNode by id, returning ok=false for a
// missing id or a TextNode id.
func (s *FlatSnapshot) Element(id NodeID) (*ElementNode, bool) {
	n, ok := s.Nodes[id]
	if !ok {
		return nil, false
	}
	e, ok := n.(*ElementNode)
	return e, ok
}

// ByIndex linearly scans for the interactive element carrying the given
// index. Snapshots are small enough (tens to low hundreds of indexed
// elements) that this beats maintaining a second map in lockstep.
func (s *FlatSnapshot) ByIndex(index int) (*ElementNode, bool) {
	for _, n := range s.Nodes {
		if e, ok := n.(*ElementNode); ok && e.Interactive && e.Index == index {
			return e, true
		}
	}
	return nil, false
}

// Fingerprint is a cheap identity surrogate for isNew tracking: tag plus a
// stable subset of attributes plus folded text. Two elements across
// snapshots with equal fingerprints are treated as "the same element".
func (e *ElementNode) Fingerprint(foldedText string) string {
	var b strings.Builder
	b.WriteString(e.Tag)
	b.WriteByte('|')
	if id, ok := e.Attributes["id"]; ok {
		b.WriteString(id)
	}
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(foldedText))
	return b.String()
}
