package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzamas-labs/domagent/internal/controller"
)

type fakeAgentContext struct {
	ctrl        *controller.Controller
	interactive bool
	notes       []string
	answer      string
}

func (f *fakeAgentContext) Controller() *controller.Controller { return f.ctrl }
func (f *fakeAgentContext) AskUser(ctx context.Context, question string) (string, error) {
	return f.answer, nil
}
func (f *fakeAgentContext) Interactive() bool       { return f.interactive }
func (f *fakeAgentContext) Note(text string)        { f.notes = append(f.notes, text) }
func (f *fakeAgentContext) TimeSinceRefresh() time.Duration { return 0 }

func TestDefaultToolsExcludesScriptExecutionByDefault(t *testing.T) {
	ts := DefaultTools(false)
	for _, tool := range ts {
		assert.NotEqual(t, "execute_javascript", tool.Name)
	}

	ts = DefaultTools(true)
	found := false
	for _, tool := range ts {
		if tool.Name == "execute_javascript" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRegistryRemovePreservesOrderOfSurvivors(t *testing.T) {
	r := NewRegistry(DefaultTools(false))
	r.Remove("ask_user")

	_, ok := r.Get("ask_user")
	assert.False(t, ok)

	names := make([]string, 0)
	for _, tool := range r.List() {
		names = append(names, tool.Name)
	}
	assert.NotContains(t, names, "ask_user")
	assert.Contains(t, names, "done")
	assert.Contains(t, names, "click_element_by_index")
	assert.Equal(t, []string{
		"done", "wait", "click_element_by_index", "input_text",
		"select_dropdown_option", "scroll", "scroll_horizontally",
	}, names)
}

func TestWaitToolRejectsOutOfRangeSeconds(t *testing.T) {
	tool, ok := NewRegistry(DefaultTools(false)).Get("wait")
	require.True(t, ok)

	_, err := tool.Execute(context.Background(), &fakeAgentContext{}, map[string]any{"seconds": float64(99)})
	assert.Error(t, err)
}

func TestAskUserNonInteractiveRecordsNote(t *testing.T) {
	tool, ok := NewRegistry(DefaultTools(false)).Get("ask_user")
	require.True(t, ok)

	ac := &fakeAgentContext{interactive: false}
	out, err := tool.Execute(context.Background(), ac, map[string]any{"question": "proceed?"})
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded question")
	assert.Equal(t, []string{"proceed?"}, ac.notes)
}

func TestBuildActionSchemaOneVariantPerTool(t *testing.T) {
	ts := DefaultTools(false)
	schema := BuildActionSchema(ts)
	variants, ok := schema["oneOf"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, variants, len(ts))
}
