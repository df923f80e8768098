// Package browserdrv wraps playwright-go behind the small surface the
// controller and tool layers need: navigation, marker-selector actions,
// scrolling, and script execution. It owns the playwright process/browser
// lifecycle so nothing above it imports playwright directly except through
// this package's Controller.Page() escape hatch (used by internal/dom to
// evaluate the extraction script).
package browserdrv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultActionTime = 10 * time.Second
	headlessEnv       = "AGENT_HEADLESS"
)

// Controller exposes the page actions PageController and the dom package
// need. It never leaks SelectorMap/index semantics — those live a layer up.
type Controller interface {
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error

	ClickSelector(ctx context.Context, selector string) error
	FillSelector(ctx context.Context, selector, text string) error
	OptionCount(ctx context.Context, selector string) (int, error)
	SelectOptionByLabel(ctx context.Context, selector, label string) error
	ScrollIntoView(ctx context.Context, selector string) error
	TargetBlank(ctx context.Context, selector string) (bool, error)

	ScrollWindowVertical(ctx context.Context, amount float64) error
	ScrollWindowHorizontal(ctx context.Context, amount float64) error
	ScrollElementVertical(ctx context.Context, selector string, amount float64) (float64, error)
	ScrollElementHorizontal(ctx context.Context, selector string, amount float64) (float64, error)

	ExecuteScript(ctx context.Context, source string) (string, error)

	URL() string
	Title(ctx context.Context) (string, error)
	ViewportSize() (width, height int)
	Metrics(ctx context.Context) (PageMetrics, error)

	SaveState(ctx context.Context, path string) error

	// Page exposes the raw playwright.Page for internal/dom's Evaluator
	// interface. No other package should reach for driver-specific types.
	Page() playwright.Page
}

// Launcher owns the playwright process and browser instance.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context) (*Launcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("browserdrv: start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, true)
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("browserdrv: launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless}, nil
}

// NewController opens a fresh browser context and page, restoring
// storagePath as the context's storage state when non-empty.
func (l *Launcher) NewController(ctx context.Context, storagePath string) (Controller, error) {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(storagePath) != "" {
		opts.StorageStatePath = playwright.String(storagePath)
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("browserdrv: new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("browserdrv: new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &controller{context: bctx, page: page}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	context playwright.BrowserContext
	page    playwright.Page
}

func (c *controller) Page() playwright.Page { return c.page }

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (c *controller) ClickSelector(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	if err := loc.ScrollIntoViewIfNeeded(); err != nil {
		return wrap(err)
	}
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(defaultActionTime.Seconds() * 1000),
	}); err != nil {
		return wrap(err)
	}
	return wrap(loc.Click())
}

func (c *controller) FillSelector(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	if err := loc.Clear(); err != nil {
		return wrap(err)
	}
	return wrap(loc.Fill(text))
}

func (c *controller) OptionCount(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := c.page.Evaluate(`(sel) => document.querySelector(sel) ? document.querySelector(sel).options.length : -1`, selector)
	if err != nil {
		return 0, wrap(err)
	}
	n, ok := res.(float64)
	if !ok {
		return 0, fmt.Errorf("browserdrv: unexpected option-count result %T", res)
	}
	if n < 0 {
		return 0, fmt.Errorf("browserdrv: select element not found: %s", selector)
	}
	return int(n), nil
}

func (c *controller) SelectOptionByLabel(ctx context.Context, selector, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	_, err := loc.SelectOption(playwright.SelectOptionValues{
		Labels: &[]string{label},
	})
	return wrap(err)
}

func (c *controller) ScrollIntoView(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	return wrap(loc.ScrollIntoViewIfNeeded())
}

func (c *controller) TargetBlank(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := c.page.Evaluate(`(sel) => { const el = document.querySelector(sel); return !!el && el.getAttribute('target') === '_blank'; }`, selector)
	if err != nil {
		return false, wrap(err)
	}
	b, _ := res.(bool)
	return b, nil
}

func (c *controller) ScrollWindowVertical(ctx context.Context, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Evaluate(`(dy) => window.scrollBy(0, dy)`, amount)
	return wrap(err)
}

func (c *controller) ScrollWindowHorizontal(ctx context.Context, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Evaluate(`(dx) => window.scrollBy(dx, 0)`, amount)
	return wrap(err)
}

func (c *controller) ScrollElementVertical(ctx context.Context, selector string, amount float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := c.page.Evaluate(`(args) => {
		const el = document.querySelector(args.sel);
		if (!el) return null;
		const before = el.scrollTop;
		el.scrollTop = before + args.amount;
		return el.scrollTop - before;
	}`, map[string]interface{}{"sel": selector, "amount": amount})
	if err != nil {
		return 0, wrap(err)
	}
	if res == nil {
		return 0, fmt.Errorf("browserdrv: element not found: %s", selector)
	}
	delta, _ := res.(float64)
	return delta, nil
}

func (c *controller) ScrollElementHorizontal(ctx context.Context, selector string, amount float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := c.page.Evaluate(`(args) => {
		const el = document.querySelector(args.sel);
		if (!el) return null;
		const before = el.scrollLeft;
		el.scrollLeft = before + args.amount;
		return el.scrollLeft - before;
	}`, map[string]interface{}{"sel": selector, "amount": amount})
	if err != nil {
		return 0, wrap(err)
	}
	if res == nil {
		return 0, fmt.Errorf("browserdrv: element not found: %s", selector)
	}
	delta, _ := res.(float64)
	return delta, nil
}

func (c *controller) ExecuteScript(ctx context.Context, source string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wrapped := fmt.Sprintf("(async () => { %s })()", source)
	res, err := c.page.Evaluate(wrapped)
	if err != nil {
		return "", wrap(err)
	}
	return stringify(res), nil
}

func (c *controller) URL() string {
	return c.page.URL()
}

func (c *controller) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t, err := c.page.Title()
	return t, wrap(err)
}

// PageMetrics is the raw page/viewport geometry the controller layer turns
// into its page-info summary.
type PageMetrics struct {
	ScrollX, ScrollY             float64
	PageWidth, PageHeight        float64
	ViewportWidth, ViewportHeight float64
}

func (c *controller) Metrics(ctx context.Context) (PageMetrics, error) {
	if err := ctx.Err(); err != nil {
		return PageMetrics{}, err
	}
	res, err := c.page.Evaluate(`() => ({
		scrollX: window.scrollX,
		scrollY: window.scrollY,
		pageWidth: document.documentElement.scrollWidth,
		pageHeight: document.documentElement.scrollHeight,
		viewportWidth: window.innerWidth,
		viewportHeight: window.innerHeight,
	})`)
	if err != nil {
		return PageMetrics{}, wrap(err)
	}
	m, ok := res.(map[string]interface{})
	if !ok {
		return PageMetrics{}, fmt.Errorf("browserdrv: unexpected metrics result %T", res)
	}
	return PageMetrics{
		ScrollX:        numberOf(m["scrollX"]),
		ScrollY:        numberOf(m["scrollY"]),
		PageWidth:      numberOf(m["pageWidth"]),
		PageHeight:     numberOf(m["pageHeight"]),
		ViewportWidth:  numberOf(m["viewportWidth"]),
		ViewportHeight: numberOf(m["viewportHeight"]),
	}, nil
}

func numberOf(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func (c *controller) ViewportSize() (int, int) {
	size := c.page.ViewportSize()
	if size == nil {
		return 0, 0
	}
	return size.Width, size.Height
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("browserdrv: marshal storage state: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("browserdrv: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
