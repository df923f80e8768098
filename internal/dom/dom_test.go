package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvaluator struct {
	result interface{}
	err    error
}

func (f *fakeEvaluator) Evaluate(expression string, arg ...interface{}) (interface{}, error) {
	return f.result, f.err
}

func TestExtractDecodesTextAndElementNodes(t *testing.T) {
	fake := &fakeEvaluator{
		result: map[string]interface{}{
			"rootId": "n2",
			"nodes": map[string]interface{}{
				"n0": map[string]interface{}{"kind": "text", "text": "hello", "visible": true},
				"n1": map[string]interface{}{
					"kind": "element", "tag": "a",
					"attributes":     map[string]interface{}{"href": "/x"},
					"childIds":       []interface{}{"n0"},
					"visible":        true,
					"topmost":        true,
					"inViewport":     true,
					"interactive":    true,
					"index":          float64(0),
					"markerSelector": `[data-ns-index="0"]`,
				},
				"n2": map[string]interface{}{
					"kind": "element", "tag": "body",
					"attributes":  map[string]interface{}{},
					"childIds":    []interface{}{"n1"},
					"visible":     true,
					"topmost":     true,
					"inViewport":  true,
					"interactive": false,
					"index":       float64(-1),
				},
			},
		},
	}

	x := NewExtractor(-1)
	snap, err := x.Extract(fake, "ns")
	require.NoError(t, err)
	assert.Equal(t, NodeID("n2"), snap.RootID)
	assert.Equal(t, 1, snap.IndexedBy)

	el, ok := snap.Element("n1")
	require.True(t, ok)
	assert.True(t, el.Interactive)
	assert.Equal(t, 0, el.Index)

	byIdx, ok := snap.ByIndex(0)
	require.True(t, ok)
	assert.Equal(t, "a", byIdx.Tag)
}

func TestRenderIndexLineAndTextFold(t *testing.T) {
	snap := &FlatSnapshot{
		RootID: "body",
		Nodes: map[NodeID]Node{
			"body": &ElementNode{Tag: "body", Visible: true, Topmost: true, ChildIDs: []NodeID{"h1", "a"}},
			"h1":   &ElementNode{Tag: "h1", Visible: true, Topmost: true, ChildIDs: []NodeID{"t0"}},
			"t0":   &TextNode{Text: "Example", Visible: true},
			"a": &ElementNode{
				Tag: "a", Visible: true, Topmost: true, InViewport: true, Interactive: true, Index: 0,
				Attributes: map[string]string{"href": "/x", "target": "_blank"},
				ChildIDs:   []NodeID{"t1"},
			},
			"t1": &TextNode{Text: "more", Visible: true},
		},
	}

	ts := NewTreeSerializer(nil)
	out, textMap := ts.Render(snap)

	assert.Contains(t, out, "Example")
	assert.Contains(t, out, "[0]<a")
	assert.Contains(t, out, "more")
	require.Contains(t, textMap, 0)
	assert.Contains(t, textMap[0], "[0]<a")
}

func TestRenderDropsRoleEqualToTagAndDedupsValues(t *testing.T) {
	snap := &FlatSnapshot{
		RootID: "body",
		Nodes: map[NodeID]Node{
			"body": &ElementNode{Tag: "body", Visible: true, Topmost: true, ChildIDs: []NodeID{"btn"}},
			"btn": &ElementNode{
				Tag: "button", Visible: true, Topmost: true, InViewport: true, Interactive: true, Index: 0,
				Attributes: map[string]string{
					"role":      "button",
					"name":      "submit-button",
					"aria-label": "submit-button",
				},
			},
		},
	}

	ts := NewTreeSerializer(nil)
	out, _ := ts.Render(snap)

	assert.NotContains(t, out, `role=`)
	assert.Equal(t, 1, countOccurrences(out, "submit-button"))
}

func TestScrollableAnnotationOnlyListsNonZeroSides(t *testing.T) {
	ann := scrollableAnnotation(&ScrollInfo{Top: 120, Bottom: 0, Left: 0, Right: 40})
	assert.Equal(t, `data-scrollable="top=120, right=40"`, ann)
	assert.Equal(t, "", scrollableAnnotation(nil))
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
			i += len(substr) - 1
		}
	}
	return count
}
