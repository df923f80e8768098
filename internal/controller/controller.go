// Package controller holds the current page snapshot and is the only place
// that turns an LLM-chosen integer index back into a live element action.
// It is deliberately thin: extraction lives in internal/dom, the actual
// clicks/fills live in internal/browserdrv, this package just wires them
// together and owns the SelectorMap/ElementTextMap lifecycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzamas-labs/domagent/internal/browserdrv"
	"github.com/arzamas-labs/domagent/internal/dom"
	"github.com/arzamas-labs/domagent/internal/util"
)

// readyStateDeadline bounds how long Refresh waits for the document to
// finish loading before extracting anyway — a slow or stalled subresource
// should not block a snapshot indefinitely.
const readyStateDeadline = 2 * time.Second

var ErrUnknownIndex = errors.New("controller: unknown index")

// Result is the outcome of a single PageController action. Message is a
// user-facing string the LLM reads on its next turn.
type Result struct {
	Success bool
	Message string
}

// PageInfo summarizes page/viewport geometry, reported both in the
// browser_state prompt block and as an API return.
type PageInfo struct {
	URL                  string
	Title                string
	ViewportWidth        float64
	ViewportHeight       float64
	PageWidth            float64
	PageHeight           float64
	ScrollX              float64
	ScrollY              float64
	PixelsAbove          float64
	PixelsBelow          float64
	PagesAbove           float64
	PagesBelow           float64
	TotalPages           float64
	CurrentPagePosition  float64 // percent, 0-100
	PixelsLeft           float64
	PixelsRight          float64
}

// ScrollOptions parametrizes scrollVertical/scrollHorizontal.
// Pixels, when non-nil, overrides the num-pages computation.
type ScrollOptions struct {
	Forward  bool // "down" for vertical, "right" for horizontal
	NumPages float64
	Pixels   *float64
	Index    *int
}

// Controller owns the current page snapshot and dispatches index-addressed
// actions against it.
type Controller struct {
	driver     browserdrv.Controller
	extractor  *dom.Extractor
	serializer *dom.TreeSerializer
	namespace  string
	log        zerolog.Logger

	snapshot    *dom.FlatSnapshot
	selectorMap map[int]*dom.ElementNode
	textMap     dom.ElementTextMap
	html        string
	lastRefresh time.Time

	seenFingerprints map[string]struct{}

	beforeUpdate []func()
	afterUpdate  []func()
}

func New(driver browserdrv.Controller, extractor *dom.Extractor, serializer *dom.TreeSerializer, namespace string, log zerolog.Logger) *Controller {
	return &Controller{
		driver:           driver,
		extractor:        extractor,
		serializer:       serializer,
		namespace:        namespace,
		log:              log.With().Str("comp", "controller").Logger(),
		seenFingerprints: make(map[string]struct{}),
	}
}

// OnBeforeUpdate/OnAfterUpdate register observer-only hooks. They must
// never mutate the snapshot; nothing here enforces that, it's left to
// caller discipline.
func (c *Controller) OnBeforeUpdate(fn func())  { c.beforeUpdate = append(c.beforeUpdate, fn) }
func (c *Controller) OnAfterUpdate(fn func())   { c.afterUpdate = append(c.afterUpdate, fn) }

// Refresh re-extracts the page, re-renders it, and replaces the
// SelectorMap/ElementTextMap. Call this before every LLM turn.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, fn := range c.beforeUpdate {
		fn()
	}

	_ = util.WaitUntil(ctx, readyStateDeadline, func() (bool, error) {
		state, err := c.driver.Page().Evaluate("document.readyState")
		if err != nil {
			return false, nil
		}
		return state == "complete", nil
	})

	snap, err := c.extractor.Extract(c.driver.Page(), c.namespace)
	if err != nil {
		return fmt.Errorf("controller: refresh: %w", err)
	}
	c.markIsNew(snap)

	html, textMap := c.serializer.Render(snap)

	selMap := make(map[int]*dom.ElementNode, snap.IndexedBy)
	for _, n := range snap.Nodes {
		if e, ok := n.(*dom.ElementNode); ok && e.Interactive {
			selMap[e.Index] = e
		}
	}

	c.snapshot = snap
	c.selectorMap = selMap
	c.textMap = textMap
	c.html = html
	c.lastRefresh = time.Now()

	c.log.Debug().
		Str("url", c.driver.URL()).
		Int("elements", len(selMap)).
		Msg("snapshot refreshed")

	for _, fn := range c.afterUpdate {
		fn()
	}
	return nil
}

// markIsNew compares this snapshot's indexed-element fingerprints against
// the previous refresh's set ("isNew" design note: current
// behavior re-numbers every refresh rather than preserving indices, and
// treats a changed fingerprint set as a fresh element).
func (c *Controller) markIsNew(snap *dom.FlatSnapshot) {
	next := make(map[string]struct{}, snap.IndexedBy)
	for id, n := range snap.Nodes {
		e, ok := n.(*dom.ElementNode)
		if !ok || !e.Interactive {
			continue
		}
		fp := e.Fingerprint(dom.CollectFoldedText(snap, id))
		_, seen := c.seenFingerprints[fp]
		e.IsNew = !seen
		next[fp] = struct{}{}
	}
	c.seenFingerprints = next
}

func (c *Controller) Click(ctx context.Context, index int) (Result, error) {
	el, ok := c.selectorMap[index]
	if !ok {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	if err := c.driver.ClickSelector(ctx, el.MarkerSelector); err != nil {
		return Result{}, fmt.Errorf("controller: click %d: %w", index, err)
	}
	msg := fmt.Sprintf("Clicked element %s", c.describe(index))
	if blank, _ := c.driver.TargetBlank(ctx, el.MarkerSelector); blank {
		msg += " (opened in a new tab — its content is not visible to you)"
	}
	return Result{Success: true, Message: msg}, nil
}

func (c *Controller) Type(ctx context.Context, index int, text string) (Result, error) {
	el, ok := c.selectorMap[index]
	if !ok {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	if err := c.driver.FillSelector(ctx, el.MarkerSelector, text); err != nil {
		return Result{}, fmt.Errorf("controller: type into %d: %w", index, err)
	}
	return Result{Success: true, Message: fmt.Sprintf("Typed %q into %s", text, c.describe(index))}, nil
}

func (c *Controller) Select(ctx context.Context, index int, optionText string) (Result, error) {
	el, ok := c.selectorMap[index]
	if !ok {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	count, err := c.driver.OptionCount(ctx, el.MarkerSelector)
	if err != nil {
		return Result{}, fmt.Errorf("controller: select on %d: %w", index, err)
	}
	if count == 0 {
		return Result{Success: true, Message: fmt.Sprintf("Skipped selecting on %s: no options", c.describe(index))}, nil
	}
	if err := c.driver.SelectOptionByLabel(ctx, el.MarkerSelector, optionText); err != nil {
		return Result{}, fmt.Errorf("controller: select on %d: %w", index, err)
	}
	return Result{Success: true, Message: fmt.Sprintf("Selected %q on %s", optionText, c.describe(index))}, nil
}

// ScrollVertical scrolls an element's container if given and it actually
// moves, falling back to scrolling the window.
func (c *Controller) ScrollVertical(ctx context.Context, opts ScrollOptions) (Result, error) {
	_, vh := c.driver.ViewportSize()
	amount := c.resolveAmount(opts, float64(vh))
	if !opts.Forward {
		amount = -amount
	}

	if opts.Index != nil {
		if el, ok := c.selectorMap[*opts.Index]; ok {
			delta, err := c.driver.ScrollElementVertical(ctx, el.MarkerSelector, amount)
			if err == nil && math.Abs(delta) > 0.5 {
				return Result{Success: true, Message: fmt.Sprintf("Scrolled %s vertically", c.describe(*opts.Index))}, nil
			}
		}
	}
	if err := c.driver.ScrollWindowVertical(ctx, amount); err != nil {
		return Result{}, fmt.Errorf("controller: scroll vertical: %w", err)
	}
	return Result{Success: true, Message: "Scrolled the page vertically"}, nil
}

// ScrollHorizontal is ScrollVertical's horizontal counterpart.
func (c *Controller) ScrollHorizontal(ctx context.Context, opts ScrollOptions) (Result, error) {
	amount := c.resolveAmount(opts, 0)
	if !opts.Forward {
		amount = -amount
	}

	if opts.Index != nil {
		if el, ok := c.selectorMap[*opts.Index]; ok {
			delta, err := c.driver.ScrollElementHorizontal(ctx, el.MarkerSelector, amount)
			if err == nil && math.Abs(delta) > 0.5 {
				return Result{Success: true, Message: fmt.Sprintf("Scrolled %s horizontally", c.describe(*opts.Index))}, nil
			}
		}
	}
	if err := c.driver.ScrollWindowHorizontal(ctx, amount); err != nil {
		return Result{}, fmt.Errorf("controller: scroll horizontal: %w", err)
	}
	return Result{Success: true, Message: "Scrolled the page horizontally"}, nil
}

func (c *Controller) resolveAmount(opts ScrollOptions, viewportHeight float64) float64 {
	if opts.Pixels != nil {
		return *opts.Pixels
	}
	return opts.NumPages * viewportHeight
}

// ExecScript evaluates source as the body of an async IIFE. Gated by the
// caller (internal/tools only registers this tool when explicitly enabled).
func (c *Controller) ExecScript(ctx context.Context, source string) (string, error) {
	out, err := c.driver.ExecuteScript(ctx, source)
	if err != nil {
		return "", fmt.Errorf("controller: execScript: %w", err)
	}
	return out, nil
}

func (c *Controller) URL() string { return c.driver.URL() }

func (c *Controller) Title(ctx context.Context) (string, error) {
	return c.driver.Title(ctx)
}

func (c *Controller) Info(ctx context.Context) (PageInfo, error) {
	title, err := c.driver.Title(ctx)
	if err != nil {
		return PageInfo{}, err
	}
	m, err := c.driver.Metrics(ctx)
	if err != nil {
		return PageInfo{}, err
	}

	info := PageInfo{
		URL:            c.driver.URL(),
		Title:          title,
		ViewportWidth:  m.ViewportWidth,
		ViewportHeight: m.ViewportHeight,
		PageWidth:      m.PageWidth,
		PageHeight:     m.PageHeight,
		ScrollX:        m.ScrollX,
		ScrollY:        m.ScrollY,
		PixelsAbove:    m.ScrollY,
		PixelsLeft:     m.ScrollX,
	}
	info.PixelsBelow = math.Max(0, m.PageHeight-m.ViewportHeight-m.ScrollY)
	info.PixelsRight = math.Max(0, m.PageWidth-m.ViewportWidth-m.ScrollX)
	if m.ViewportHeight > 0 {
		info.PagesAbove = info.PixelsAbove / m.ViewportHeight
		info.PagesBelow = info.PixelsBelow / m.ViewportHeight
		info.TotalPages = m.PageHeight / m.ViewportHeight
	}
	if scrollable := m.PageHeight - m.ViewportHeight; scrollable > 0 {
		info.CurrentPagePosition = (m.ScrollY / scrollable) * 100
	}
	return info, nil
}

func (c *Controller) LastRefresh() time.Time { return c.lastRefresh }
func (c *Controller) ElementCount() int      { return len(c.selectorMap) }
func (c *Controller) HTML() string           { return c.html }

func (c *Controller) ElementText(index int) (string, bool) {
	s, ok := c.textMap[index]
	return s, ok
}

func (c *Controller) describe(index int) string {
	if s, ok := c.textMap[index]; ok {
		return s
	}
	return fmt.Sprintf("[%d]", index)
}

// Dispose drops the snapshot and maps.
func (c *Controller) Dispose() {
	c.snapshot = nil
	c.selectorMap = nil
	c.textMap = nil
	c.html = ""
}
