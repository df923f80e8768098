package controller

import (
	"context"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzamas-labs/domagent/internal/browserdrv"
	"github.com/arzamas-labs/domagent/internal/dom"
)

// fakeDriver implements browserdrv.Controller without touching a real
// browser; only the methods exercised by PageController in these tests are
// given interesting behavior.
type fakeDriver struct {
	clicked      []string
	filled       map[string]string
	optionCounts map[string]int
	selected     map[string]string
	targetBlank  map[string]bool
	elementDelta float64
	windowCalls  int
	url          string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		filled:       make(map[string]string),
		optionCounts: make(map[string]int),
		selected:     make(map[string]string),
		targetBlank:  make(map[string]bool),
	}
}

func (f *fakeDriver) Close(ctx context.Context) error          { return nil }
func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	f.url = url
	return nil
}
func (f *fakeDriver) ClickSelector(ctx context.Context, selector string) error {
	f.clicked = append(f.clicked, selector)
	return nil
}
func (f *fakeDriver) FillSelector(ctx context.Context, selector, text string) error {
	f.filled[selector] = text
	return nil
}
func (f *fakeDriver) OptionCount(ctx context.Context, selector string) (int, error) {
	return f.optionCounts[selector], nil
}
func (f *fakeDriver) SelectOptionByLabel(ctx context.Context, selector, label string) error {
	f.selected[selector] = label
	return nil
}
func (f *fakeDriver) ScrollIntoView(ctx context.Context, selector string) error { return nil }
func (f *fakeDriver) TargetBlank(ctx context.Context, selector string) (bool, error) {
	return f.targetBlank[selector], nil
}
func (f *fakeDriver) ScrollWindowVertical(ctx context.Context, amount float64) error {
	f.windowCalls++
	return nil
}
func (f *fakeDriver) ScrollWindowHorizontal(ctx context.Context, amount float64) error {
	f.windowCalls++
	return nil
}
func (f *fakeDriver) ScrollElementVertical(ctx context.Context, selector string, amount float64) (float64, error) {
	return f.elementDelta, nil
}
func (f *fakeDriver) ScrollElementHorizontal(ctx context.Context, selector string, amount float64) (float64, error) {
	return f.elementDelta, nil
}
func (f *fakeDriver) ExecuteScript(ctx context.Context, source string) (string, error) {
	return "ok", nil
}
func (f *fakeDriver) URL() string                          { return f.url }
func (f *fakeDriver) Title(ctx context.Context) (string, error) { return "Example", nil }
func (f *fakeDriver) ViewportSize() (int, int)              { return 1280, 800 }
func (f *fakeDriver) Metrics(ctx context.Context) (browserdrv.PageMetrics, error) {
	return browserdrv.PageMetrics{ViewportWidth: 1280, ViewportHeight: 800, PageWidth: 1280, PageHeight: 2400}, nil
}
func (f *fakeDriver) SaveState(ctx context.Context, path string) error { return nil }
func (f *fakeDriver) Page() playwright.Page                 { return nil }

func newTestController(t *testing.T, driver *fakeDriver) *Controller {
	t.Helper()
	c := New(driver, dom.NewExtractor(-1), dom.NewTreeSerializer(nil), "ns", zerolog.Nop())
	c.selectorMap = map[int]*dom.ElementNode{
		0: {Tag: "a", Interactive: true, Index: 0, MarkerSelector: `[data-ns-index="0"]`},
		1: {Tag: "select", Interactive: true, Index: 1, MarkerSelector: `[data-ns-index="1"]`},
	}
	c.textMap = dom.ElementTextMap{
		0: `[0]<a href="/x">more />`,
		1: `[1]<select>choices />`,
	}
	return c
}

func TestClickUnknownIndex(t *testing.T) {
	c := newTestController(t, newFakeDriver())
	_, err := c.Click(context.Background(), 99)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownIndex)
}

func TestClickTargetBlankWarns(t *testing.T) {
	driver := newFakeDriver()
	driver.targetBlank[`[data-ns-index="0"]`] = true
	c := newTestController(t, driver)

	res, err := c.Click(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "new tab")
	assert.Equal(t, []string{`[data-ns-index="0"]`}, driver.clicked)
}

func TestTypeFillsSelector(t *testing.T) {
	driver := newFakeDriver()
	c := newTestController(t, driver)

	res, err := c.Type(context.Background(), 0, "hello")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", driver.filled[`[data-ns-index="0"]`])
}

func TestSelectSkipsWhenNoOptions(t *testing.T) {
	driver := newFakeDriver()
	driver.optionCounts[`[data-ns-index="1"]`] = 0
	c := newTestController(t, driver)

	res, err := c.Select(context.Background(), 1, "anything")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "Skipped")
	assert.Empty(t, driver.selected)
}

func TestScrollVerticalFallsBackToWindowWhenElementUnmoved(t *testing.T) {
	driver := newFakeDriver()
	driver.elementDelta = 0 // below the 0.5px threshold
	c := newTestController(t, driver)

	idx := 0
	res, err := c.ScrollVertical(context.Background(), ScrollOptions{Forward: true, NumPages: 1, Index: &idx})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, driver.windowCalls)
}

func TestScrollVerticalUsesElementWhenItMoves(t *testing.T) {
	driver := newFakeDriver()
	driver.elementDelta = 42
	c := newTestController(t, driver)

	idx := 0
	res, err := c.ScrollVertical(context.Background(), ScrollOptions{Forward: true, NumPages: 1, Index: &idx})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, driver.windowCalls)
}
