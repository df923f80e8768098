package dom

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed extract.js
var extractScript string

// Evaluator is the slice of playwright.Page this package depends on. It
// lets Extractor run without ever importing the driver package.
type Evaluator interface {
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
}

// Extractor walks a page's live DOM into a FlatSnapshot by evaluating the
// embedded extract.js in-page and decoding its result.
type Extractor struct {
	// ViewportExpansion: -1 disables all viewport/topmost filtering
	// (every visible element is in scope), 0 means "strict viewport
	// bounds", >0 pads the viewport by that many px on each side.
	ViewportExpansion int
}

func NewExtractor(viewportExpansion int) *Extractor {
	return &Extractor{ViewportExpansion: viewportExpansion}
}

type jsScrollInfo struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

type jsNode struct {
	Kind string `json:"kind"`

	// text node fields
	Text    string `json:"text"`
	Visible bool   `json:"visible"`

	// element node fields
	Tag            string            `json:"tag"`
	Attributes     map[string]string `json:"attributes"`
	ChildIDs       []string          `json:"childIds"`
	Topmost        bool              `json:"topmost"`
	InViewport     bool              `json:"inViewport"`
	Interactive    bool              `json:"interactive"`
	Index          int               `json:"index"`
	MarkerSelector string            `json:"markerSelector"`
	ScrollInfo     *jsScrollInfo     `json:"scrollInfo"`
}

type jsResult struct {
	RootID string            `json:"rootId"`
	Nodes  map[string]jsNode `json:"nodes"`
}

// Extract runs the embedded walker against page and decodes the result into
// a FlatSnapshot namespaced under ns (see util.NewID for a suitable value).
// An empty document (no document.body, or every node errored out) yields a
// snapshot with a RootID that has no corresponding entry in Nodes — callers
// should treat that as "zero elements", not as an error.
func (x *Extractor) Extract(page Evaluator, ns string) (*FlatSnapshot, error) {
	raw, err := page.Evaluate(extractScript, map[string]interface{}{
		"namespace":         ns,
		"viewportExpansion": x.ViewportExpansion,
	})
	if err != nil {
		return nil, fmt.Errorf("dom: evaluate extract.js: %w", err)
	}

	res, err := decodeResult(raw)
	if err != nil {
		return nil, fmt.Errorf("dom: decode extract.js result: %w", err)
	}

	snap := &FlatSnapshot{
		RootID:    res.RootID,
		Nodes:     make(map[NodeID]Node, len(res.Nodes)),
		Namespace: ns,
	}
	for id, n := range res.Nodes {
		switch n.Kind {
		case "text":
			snap.Nodes[id] = &TextNode{Text: n.Text, Visible: n.Visible}
		case "element":
			e := &ElementNode{
				Tag:            n.Tag,
				Attributes:     n.Attributes,
				ChildIDs:       n.ChildIDs,
				Visible:        n.Visible,
				Topmost:        n.Topmost,
				InViewport:     n.InViewport,
				Interactive:    n.Interactive,
				Index:          n.Index,
				MarkerSelector: n.MarkerSelector,
			}
			if n.ScrollInfo != nil {
				e.ScrollInfo = &ScrollInfo{
					Left:   n.ScrollInfo.Left,
					Top:    n.ScrollInfo.Top,
					Right:  n.ScrollInfo.Right,
					Bottom: n.ScrollInfo.Bottom,
				}
			}
			if e.Interactive {
				snap.IndexedBy++
			}
			snap.Nodes[id] = e
		default:
			return nil, fmt.Errorf("dom: unknown node kind %q for id %q", n.Kind, id)
		}
	}
	return snap, nil
}

// decodeResult re-marshals the interface{} playwright hands back (already
// unmarshaled JSON, typically map[string]interface{}) through encoding/json
// into the typed jsResult shape rather than hand-walking the map.
func decodeResult(raw interface{}) (*jsResult, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var res jsResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
