package dom

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultAttributes is the built-in attribute allow-list.
var DefaultAttributes = []string{
	"title", "type", "checked", "name", "role", "value", "placeholder",
	"data-date-format", "alt", "aria-label", "aria-expanded", "data-state",
	"aria-checked", "id", "for", "target", "aria-haspopup", "aria-controls",
	"aria-owns",
}

const maxAttrValueLen = 20

// TreeSerializer renders a FlatSnapshot into the indented pseudo-HTML the
// model reads, and derives the ElementTextMap from the rendered output.
type TreeSerializer struct {
	// IncludeAttributes is unioned with DefaultAttributes. Nil is fine;
	// DefaultAttributes alone is used.
	IncludeAttributes []string
}

func NewTreeSerializer(includeAttributes []string) *TreeSerializer {
	return &TreeSerializer{IncludeAttributes: includeAttributes}
}

// ElementTextMap maps an interactive element's Index to its fully rendered
// pseudo-HTML line.
type ElementTextMap map[int]string

var elementLineRE = regexp.MustCompile(`^\*?\[(\d+)\]<`)

// Render produces the serialized HTML and its derived ElementTextMap for
// snap. depth only increments when an indexed ancestor is entered.
func (ts *TreeSerializer) Render(snap *FlatSnapshot) (string, ElementTextMap) {
	allow := ts.allowSet()
	var b strings.Builder
	ts.renderChildren(snap, snap.RootID, &b, allow, 0, false)

	out := b.String()
	lines := strings.Split(out, "\n")
	textMap := make(ElementTextMap)
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, "\t")
		m := elementLineRE.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		textMap[idx] = trimmed
	}
	return out, textMap
}

func (ts *TreeSerializer) allowSet() map[string]struct{} {
	set := make(map[string]struct{}, len(DefaultAttributes)+len(ts.IncludeAttributes))
	for _, a := range DefaultAttributes {
		set[a] = struct{}{}
	}
	for _, a := range ts.IncludeAttributes {
		set[a] = struct{}{}
	}
	return set
}

// renderChildren walks id's children in DOM order. Every indexed descendant
// gets its own line at depth, and its own subtree renders at depth+1; depth
// is otherwise unchanged since only indexed ancestors increment it.
// inIndexed is true below an indexed element: that text is already folded
// into the indexed element's line, so no bare text lines are emitted there.
func (ts *TreeSerializer) renderChildren(snap *FlatSnapshot, id NodeID, b *strings.Builder, allow map[string]struct{}, depth int, inIndexed bool) {
	node, ok := snap.Nodes[id]
	if !ok {
		return
	}
	el, isElement := node.(*ElementNode)
	if !isElement {
		return
	}
	for _, childID := range el.ChildIDs {
		child, ok := snap.Nodes[childID]
		if !ok {
			continue
		}
		switch c := child.(type) {
		case *TextNode:
			if !inIndexed && el.Visible && el.Topmost {
				text := strings.TrimSpace(c.Text)
				if text != "" {
					b.WriteString(strings.Repeat("\t", depth))
					b.WriteString(text)
					b.WriteByte('\n')
				}
			}
		case *ElementNode:
			if c.Interactive {
				ts.renderElementLine(snap, childID, c, b, allow, depth)
			} else {
				// non-indexed element: its own bare text (if any) folds at
				// the same depth, and its indexed descendants still render.
				ts.renderChildren(snap, childID, b, allow, depth, inIndexed)
			}
		}
	}
}

func (ts *TreeSerializer) renderElementLine(snap *FlatSnapshot, id NodeID, el *ElementNode, b *strings.Builder, allow map[string]struct{}, depth int) {
	b.WriteString(strings.Repeat("\t", depth))
	if el.IsNew {
		b.WriteByte('*')
	}
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(el.Index))
	b.WriteString("]<")
	b.WriteString(el.Tag)

	foldedText := collectFoldedText(snap, id)
	attrs := ts.filterAttributes(el, foldedText, allow)
	for _, kv := range attrs {
		b.WriteByte(' ')
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(kv[1])
	}
	if ann := scrollableAnnotation(el.ScrollInfo); ann != "" {
		b.WriteByte(' ')
		b.WriteString(ann)
	}
	b.WriteString(">")
	b.WriteString(strings.TrimSpace(foldedText))
	b.WriteString(" />\n")

	ts.renderChildren(snap, id, b, allow, depth+1, true)
}

// filterAttributes applies the allow/dedupe/redundancy/truncate pipeline,
// returning ordered [name, value] pairs (value already quoted).
func (ts *TreeSerializer) filterAttributes(el *ElementNode, foldedText string, allow map[string]struct{}) [][2]string {
	names := make([]string, 0, len(el.Attributes))
	for name := range el.Attributes {
		if _, ok := allow[name]; ok {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return allowOrderIndex(names[i]) < allowOrderIndex(names[j])
	})

	seenValues := make(map[string]struct{})
	trimmedText := strings.ToLower(strings.TrimSpace(foldedText))

	out := make([][2]string, 0, len(names))
	for _, name := range names {
		value := el.Attributes[name]
		if strings.TrimSpace(value) == "" {
			continue
		}
		if len(value) > 5 {
			if _, dup := seenValues[value]; dup {
				continue
			}
			seenValues[value] = struct{}{}
		}
		if name == "role" && value == el.Tag {
			continue
		}
		if (name == "aria-label" || name == "placeholder" || name == "title") &&
			strings.ToLower(strings.TrimSpace(value)) == trimmedText {
			continue
		}
		out = append(out, [2]string{name, strconv.Quote(truncateAttr(value))})
	}
	return out
}

func truncateAttr(v string) string {
	r := []rune(v)
	if len(r) <= maxAttrValueLen {
		return v
	}
	return string(r[:maxAttrValueLen]) + "…"
}

func allowOrderIndex(name string) int {
	for i, a := range DefaultAttributes {
		if a == name {
			return i
		}
	}
	return len(DefaultAttributes)
}

func scrollableAnnotation(s *ScrollInfo) string {
	if s == nil {
		return ""
	}
	var parts []string
	if s.Left > 0 {
		parts = append(parts, fmt.Sprintf("left=%g", s.Left))
	}
	if s.Top > 0 {
		parts = append(parts, fmt.Sprintf("top=%g", s.Top))
	}
	if s.Right > 0 {
		parts = append(parts, fmt.Sprintf("right=%g", s.Right))
	}
	if s.Bottom > 0 {
		parts = append(parts, fmt.Sprintf("bottom=%g", s.Bottom))
	}
	if len(parts) == 0 {
		return ""
	}
	return `data-scrollable="` + strings.Join(parts, ", ") + `"`
}

// CollectFoldedText exposes collectFoldedText for callers (the controller's
// isNew fingerprinting) that need the same folded text the serializer would
// attach to an indexed element's line.
func CollectFoldedText(snap *FlatSnapshot, id NodeID) string {
	return collectFoldedText(snap, id)
}

// collectFoldedText concatenates descendant text reachable from id without
// crossing into another indexed element's subtree — that subtree renders on
// its own line instead.
func collectFoldedText(snap *FlatSnapshot, id NodeID) string {
	node, ok := snap.Nodes[id]
	if !ok {
		return ""
	}
	el, ok := node.(*ElementNode)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, childID := range el.ChildIDs {
		child, ok := snap.Nodes[childID]
		if !ok {
			continue
		}
		switch c := child.(type) {
		case *TextNode:
			t := strings.TrimSpace(c.Text)
			if t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		case *ElementNode:
			if c.Interactive {
				continue
			}
			sub := collectFoldedText(snap, childID)
			if sub != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(sub)
			}
		}
	}
	return b.String()
}
