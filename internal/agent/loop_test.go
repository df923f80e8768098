package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzamas-labs/domagent/internal/browserdrv"
	"github.com/arzamas-labs/domagent/internal/llm"
)

// fakeDriver is a no-op browserdrv.Controller sufficient for tests that
// never reach Refresh (Page() returning nil would panic if dom.Extractor
// tried to evaluate it).
type fakeDriver struct{}

func (fakeDriver) Close(ctx context.Context) error                 { return nil }
func (fakeDriver) Navigate(ctx context.Context, url string) error  { return nil }
func (fakeDriver) ClickSelector(ctx context.Context, s string) error { return nil }
func (fakeDriver) FillSelector(ctx context.Context, s, t string) error { return nil }
func (fakeDriver) OptionCount(ctx context.Context, s string) (int, error) { return 0, nil }
func (fakeDriver) SelectOptionByLabel(ctx context.Context, s, l string) error { return nil }
func (fakeDriver) ScrollIntoView(ctx context.Context, s string) error { return nil }
func (fakeDriver) TargetBlank(ctx context.Context, s string) (bool, error) { return false, nil }
func (fakeDriver) ScrollWindowVertical(ctx context.Context, a float64) error   { return nil }
func (fakeDriver) ScrollWindowHorizontal(ctx context.Context, a float64) error { return nil }
func (fakeDriver) ScrollElementVertical(ctx context.Context, s string, a float64) (float64, error) {
	return 0, nil
}
func (fakeDriver) ScrollElementHorizontal(ctx context.Context, s string, a float64) (float64, error) {
	return 0, nil
}
func (fakeDriver) ExecuteScript(ctx context.Context, src string) (string, error) { return "", nil }
func (fakeDriver) URL() string                                                  { return "https://example.com" }
func (fakeDriver) Title(ctx context.Context) (string, error)                    { return "Example", nil }
func (fakeDriver) ViewportSize() (int, int)                                     { return 1280, 800 }
func (fakeDriver) Metrics(ctx context.Context) (browserdrv.PageMetrics, error) {
	return browserdrv.PageMetrics{ViewportWidth: 1280, ViewportHeight: 800, PageWidth: 1280, PageHeight: 800}, nil
}
func (fakeDriver) SaveState(ctx context.Context, path string) error { return nil }
func (fakeDriver) Page() playwright.Page                            { return nil }

type fakeLLM struct {
	responses []string
	i         int
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if f.i >= len(f.responses) {
		return llm.Response{}, errors.New("fakeLLM: no more scripted responses")
	}
	resp := f.responses[f.i]
	f.i++
	return llm.Response{Text: resp}, nil
}

func (f *fakeLLM) Name() string { return "fake" }

func newTestAgent(t *testing.T, responses []string) *Agent {
	t.Helper()
	a, err := New(Config{
		Driver: fakeDriver{},
		LLM:    &fakeLLM{responses: responses},
	})
	require.NoError(t, err)
	return a
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(Config{LLM: &fakeLLM{}})
	assert.ErrorIs(t, err, ErrMissingDriver)

	_, err = New(Config{Driver: fakeDriver{}})
	assert.ErrorIs(t, err, ErrMissingLLM)
}

func TestExecuteReturnsAbortResultWhenDisposedBeforeStart(t *testing.T) {
	a := newTestAgent(t, nil)
	a.Dispose("shutting down")

	result, err := a.Execute(context.Background(), "do something")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Data, "aborted")
}

func TestDisposeIsIdempotent(t *testing.T) {
	a := newTestAgent(t, nil)
	a.Dispose("first")
	a.Dispose("second")
	assert.True(t, a.isDisposed())
}

func TestPauseResumeToggle(t *testing.T) {
	a := newTestAgent(t, nil)
	assert.False(t, a.isPaused())
	a.Pause()
	assert.True(t, a.isPaused())
	a.Resume()
	assert.False(t, a.isPaused())
}

func TestAskUserWithoutHandlerErrors(t *testing.T) {
	a := newTestAgent(t, nil)
	_, err := a.AskUser(context.Background(), "continue?")
	assert.Error(t, err)
}

func TestInteractiveRequiresBothFlagAndHandler(t *testing.T) {
	a := newTestAgent(t, nil)
	assert.False(t, a.Interactive())

	a.cfg.Interactive = true
	assert.False(t, a.Interactive())

	a.cfg.AskUserFunc = func(ctx context.Context, q string) (string, error) { return "yes", nil }
	assert.True(t, a.Interactive())
}

func TestNoteAccumulates(t *testing.T) {
	a := newTestAgent(t, nil)
	a.Note("first")
	a.Note("second")
	assert.Equal(t, []string{"first", "second"}, a.notes)
}

func TestDecodeStepResponseHappyPath(t *testing.T) {
	raw := `Sure thing, here you go:
{
  "evaluation_previous_goal": "clicked the button successfully",
  "memory": "logged in, now on dashboard",
  "next_goal": "open settings",
  "action": { "click_element_by_index": { "index": 3 } }
}
Let me know if you need anything else.`

	dec, err := decodeStepResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "clicked the button successfully", dec.EvaluationPreviousGoal)
	assert.Equal(t, "click_element_by_index", dec.ToolName)
	assert.Equal(t, float64(3), dec.ToolInput["index"])
}

func TestDecodeStepResponseRejectsMultiKeyAction(t *testing.T) {
	raw := `{"evaluation_previous_goal":"","memory":"","next_goal":"","action":{"wait":{},"done":{}}}`
	_, err := decodeStepResponse(raw)
	assert.Error(t, err)
}

func TestDecodeStepResponseRejectsNoJSON(t *testing.T) {
	_, err := decodeStepResponse("I think I should click the button.")
	assert.Error(t, err)
}

func TestCheckRepeatBlocksAfterThreshold(t *testing.T) {
	a := newTestAgent(t, nil)
	input := map[string]any{"index": float64(1)}
	for i := 0; i < repeatThreshold; i++ {
		msg := a.checkRepeat("click_element_by_index", input)
		assert.Empty(t, msg, "attempt %d should not be blocked", i+1)
	}
	msg := a.checkRepeat("click_element_by_index", input)
	assert.NotEmpty(t, msg)
}

func TestCheckRepeatResetsOnDifferentInput(t *testing.T) {
	a := newTestAgent(t, nil)
	for i := 0; i < repeatThreshold+2; i++ {
		a.checkRepeat("click_element_by_index", map[string]any{"index": float64(1)})
	}
	msg := a.checkRepeat("click_element_by_index", map[string]any{"index": float64(2)})
	assert.Empty(t, msg)
}

func TestIsDestructiveFlagsClickAndType(t *testing.T) {
	assert.True(t, isDestructive("click_element_by_index"))
	assert.True(t, isDestructive("input_text"))
	assert.False(t, isDestructive("wait"))
	assert.False(t, isDestructive("done"))
}

func TestExtractJSONIgnoresSurroundingProse(t *testing.T) {
	raw := `here is my plan {"a": {"b": 1}} thanks`
	got, err := extractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, got)
}

func TestExtractJSONHandlesBracesInsideStrings(t *testing.T) {
	raw := `{"text": "use { and } in css"}`
	got, err := extractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestRunStepUnknownToolRecordsOutputWithoutError(t *testing.T) {
	a := newTestAgent(t, nil)
	entry := a.runStep(context.Background(), 1, `{"evaluation_previous_goal":"","memory":"","next_goal":"","action":{"fly_to_the_moon":{}}}`)
	assert.Contains(t, entry.Output, "unknown tool")
	assert.Equal(t, "fly_to_the_moon", entry.Action)
}

func TestRunStepDoneToolRecordsInput(t *testing.T) {
	a := newTestAgent(t, nil)
	entry := a.runStep(context.Background(), 1, `{"evaluation_previous_goal":"ok","memory":"m","next_goal":"finish","action":{"done":{"text":"all set","success":true}}}`)
	assert.Equal(t, "done", entry.Action)
	assert.Equal(t, "all set", entry.Output)
	assert.Equal(t, true, entry.Input["success"])
}
