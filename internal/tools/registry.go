// Package tools implements an ordered, mutable, named collection of
// schema-validated actions the agent loop can dispatch by name, addressed
// against the index-addressed PageController.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arzamas-labs/domagent/internal/controller"
	"github.com/arzamas-labs/domagent/internal/util"
)

// AgentContext is the slice of the agent loop a tool executor needs. Kept
// as an interface here (rather than importing internal/agent) to avoid an
// import cycle — internal/agent implements this and imports tools.
type AgentContext interface {
	Controller() *controller.Controller
	AskUser(ctx context.Context, question string) (string, error)
	Interactive() bool
	Note(text string)
	TimeSinceRefresh() time.Duration
}

// Tool is a named, schema-validated action.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	// Execute runs the tool. A returned error becomes an action-failure
	// note the caller appends to history and the loop continues — it is
	// never treated as fatal.
	Execute func(ctx context.Context, ac AgentContext, input map[string]any) (string, error)
}

// Registry is an ordered, mutable, named collection of Tools.
type Registry struct {
	order []string
	tools map[string]*Tool
}

func NewRegistry(initial []Tool) *Registry {
	r := &Registry{tools: make(map[string]*Tool, len(initial))}
	for i := range initial {
		r.Register(initial[i])
	}
	return r
}

// Register adds or replaces a tool, preserving its original position in
// order if it already existed.
func (r *Registry) Register(t Tool) {
	util.Assert(t.Name != "", "tools: Register called with an empty tool name")
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	tc := t
	r.tools[t.Name] = &tc
}

// Remove deletes a tool by name — the registry's equivalent of a caller
// "supplying a tool value of null" to remove a default.
func (r *Registry) Remove(name string) {
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		if t, ok := r.tools[name]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// BuildActionSchema assembles the discriminated-union structured-output
// schema from the current tool set, rebuilt at step time rather than
// construction time so dynamic registration/removal is reflected.
func BuildActionSchema(toolList []Tool) map[string]any {
	variants := make([]map[string]any, 0, len(toolList))
	for _, t := range toolList {
		variants = append(variants, map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				t.Name: t.InputSchema,
			},
			"required": []string{t.Name},
		})
	}
	return map[string]any{
		"oneOf": variants,
	}
}

// DefaultTools returns default tool set. includeScriptExecution
// gates execute_javascript, which MUST be off unless the caller explicitly
// opts in.
func DefaultTools(includeScriptExecution bool) []Tool {
	ts := []Tool{
		doneTool(),
		waitTool(),
		askUserTool(),
		clickTool(),
		inputTextTool(),
		selectDropdownTool(),
		scrollTool(),
		scrollHorizontallyTool(),
	}
	if includeScriptExecution {
		ts = append(ts, executeJavascriptTool())
	}
	return ts
}

func doneTool() Tool {
	return Tool{
		Name:        "done",
		Description: "Terminate the task with a final outcome.",
		InputSchema: objectSchema(
			map[string]any{
				"text":    str("final answer or summary for the user"),
				"success": boolean("whether the task was accomplished"),
			},
			[]string{"text"},
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			return optionalString(input, "text"), nil
		},
	}
}

func waitTool() Tool {
	return Tool{
		Name:        "wait",
		Description: "Pause before the next snapshot, e.g. while content loads.",
		InputSchema: objectSchema(
			map[string]any{"seconds": integer("seconds to wait, 1-10, default 1")},
			nil,
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			seconds := optionalIntDefault(input, "seconds", 1)
			if seconds < 1 || seconds > 10 {
				return "", fmt.Errorf("wait: seconds must be in [1, 10], got %d", seconds)
			}
			want := time.Duration(seconds) * time.Second
			already := ac.TimeSinceRefresh()
			remaining := want - already
			if remaining < 0 {
				remaining = 0
			}
			if err := util.Sleep(ctx, remaining); err != nil {
				return "", err
			}
			return fmt.Sprintf("Waited %d second(s)", seconds), nil
		},
	}
}

func askUserTool() Tool {
	return Tool{
		Name:        "ask_user",
		Description: "Ask the human operator a question when the task cannot proceed without their input.",
		InputSchema: objectSchema(
			map[string]any{"question": str("question to ask the user")},
			[]string{"question"},
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			question, err := requiredString(input, "question")
			if err != nil {
				return "", err
			}
			if !ac.Interactive() {
				ac.Note(question)
				return fmt.Sprintf("Recorded question for later (non-interactive mode): %q", question), nil
			}
			answer, err := ac.AskUser(ctx, question)
			if err != nil {
				return "", fmt.Errorf("ask_user: %w", err)
			}
			return fmt.Sprintf("User answered: %s", answer), nil
		},
	}
}

func clickTool() Tool {
	return Tool{
		Name:        "click_element_by_index",
		Description: "Click the interactive element with the given index from the current snapshot.",
		InputSchema: objectSchema(
			map[string]any{"index": integer("element index, >= 0")},
			[]string{"index"},
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			index, err := requiredNonNegativeInt(input, "index")
			if err != nil {
				return "", err
			}
			res, err := ac.Controller().Click(ctx, index)
			if err != nil {
				return "", err
			}
			return res.Message, nil
		},
	}
}

func inputTextTool() Tool {
	return Tool{
		Name:        "input_text",
		Description: "Replace the contents of the input at the given index with text.",
		InputSchema: objectSchema(
			map[string]any{
				"index": integer("element index, >= 0"),
				"text":  str("text to type"),
			},
			[]string{"index", "text"},
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			index, err := requiredNonNegativeInt(input, "index")
			if err != nil {
				return "", err
			}
			text, err := requiredString(input, "text")
			if err != nil {
				return "", err
			}
			res, err := ac.Controller().Type(ctx, index, text)
			if err != nil {
				return "", err
			}
			return res.Message, nil
		},
	}
}

func selectDropdownTool() Tool {
	return Tool{
		Name:        "select_dropdown_option",
		Description: "Select an option by its visible label on the <select> at the given index.",
		InputSchema: objectSchema(
			map[string]any{
				"index": integer("element index, >= 0"),
				"text":  str("visible option label to select"),
			},
			[]string{"index", "text"},
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			index, err := requiredNonNegativeInt(input, "index")
			if err != nil {
				return "", err
			}
			text, err := requiredString(input, "text")
			if err != nil {
				return "", err
			}
			res, err := ac.Controller().Select(ctx, index, text)
			if err != nil {
				return "", err
			}
			return res.Message, nil
		},
	}
}

func scrollTool() Tool {
	return Tool{
		Name:        "scroll",
		Description: "Scroll the page or a scrollable element vertically.",
		InputSchema: objectSchema(
			map[string]any{
				"down":      boolean("scroll down if true, up if false, default true"),
				"num_pages": numberSchema("fraction/multiple of viewport height to scroll, 0-10, default 0.1"),
				"pixels":    integer("exact pixels to scroll, overrides num_pages"),
				"index":     integer("scroll this element's container instead of the window"),
			},
			nil,
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			down := optionalBoolDefault(input, "down", true)
			numPages := optionalFloatDefault(input, "num_pages", 0.1)
			if numPages < 0 || numPages > 10 {
				return "", fmt.Errorf("scroll: num_pages must be in [0, 10], got %v", numPages)
			}
			opts := controller.ScrollOptions{Forward: down, NumPages: numPages}
			if v, ok := optionalFloat(input, "pixels"); ok {
				opts.Pixels = &v
			}
			if v, ok := optionalIndex(input, "index"); ok {
				opts.Index = &v
			}
			res, err := ac.Controller().ScrollVertical(ctx, opts)
			if err != nil {
				return "", err
			}
			_ = util.Sleep(ctx, scrollSettleDelay)
			return res.Message, nil
		},
	}
}

func scrollHorizontallyTool() Tool {
	return Tool{
		Name:        "scroll_horizontally",
		Description: "Scroll the page or a scrollable element horizontally.",
		InputSchema: objectSchema(
			map[string]any{
				"right":  boolean("scroll right if true, left if false, default true"),
				"pixels": integer("pixels to scroll, >= 0"),
				"index":  integer("scroll this element's container instead of the window"),
			},
			[]string{"pixels"},
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			right := optionalBoolDefault(input, "right", true)
			pixels, err := requiredNonNegativeFloat(input, "pixels")
			if err != nil {
				return "", err
			}
			opts := controller.ScrollOptions{Forward: right, Pixels: &pixels}
			if v, ok := optionalIndex(input, "index"); ok {
				opts.Index = &v
			}
			res, err := ac.Controller().ScrollHorizontal(ctx, opts)
			if err != nil {
				return "", err
			}
			_ = util.Sleep(ctx, scrollSettleDelay)
			return res.Message, nil
		},
	}
}

func executeJavascriptTool() Tool {
	return Tool{
		Name:        "execute_javascript",
		Description: "Run arbitrary JavaScript in the page. Only available when explicitly enabled.",
		InputSchema: objectSchema(
			map[string]any{"script": str("JavaScript source, evaluated as the body of an async function")},
			[]string{"script"},
		),
		Execute: func(ctx context.Context, ac AgentContext, input map[string]any) (string, error) {
			script, err := requiredString(input, "script")
			if err != nil {
				return "", err
			}
			out, err := ac.Controller().ExecScript(ctx, script)
			if err != nil {
				return "", err
			}
			return out, nil
		},
	}
}

// scrollSettleDelay gives lazy-loaded content a moment to render before the
// agent's next snapshot.
const scrollSettleDelay = 200 * time.Millisecond

func objectSchema(props map[string]any, required []string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func numberSchema(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func requiredString(input map[string]any, key string) (string, error) {
	val, ok := input[key]
	if !ok {
		return "", fmt.Errorf("field %s required", key)
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("field %s must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(input map[string]any, key string) string {
	val, ok := input[key]
	if !ok {
		return ""
	}
	s, _ := val.(string)
	return s
}

func requiredNonNegativeInt(input map[string]any, key string) (int, error) {
	n, err := requiredInt(input, key)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("field %s must be >= 0, got %d", key, n)
	}
	return n, nil
}

func requiredInt(input map[string]any, key string) (int, error) {
	val, ok := input[key]
	if !ok {
		return 0, fmt.Errorf("field %s required", key)
	}
	switch v := val.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %s must be an integer: %w", key, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("field %s must be an integer", key)
	}
}

func optionalIntDefault(input map[string]any, key string, def int) int {
	val, ok := input[key]
	if !ok {
		return def
	}
	switch v := val.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return def
		}
		return int(i)
	default:
		return def
	}
}

func optionalIndex(input map[string]any, key string) (int, bool) {
	val, ok := input[key]
	if !ok || val == nil {
		return 0, false
	}
	return optionalIntDefault(input, key, 0), true
}

func optionalBoolDefault(input map[string]any, key string, def bool) bool {
	val, ok := input[key]
	if !ok {
		return def
	}
	b, ok := val.(bool)
	if !ok {
		return def
	}
	return b
}

func optionalFloatDefault(input map[string]any, key string, def float64) float64 {
	v, ok := optionalFloat(input, key)
	if !ok {
		return def
	}
	return v
}

func optionalFloat(input map[string]any, key string) (float64, bool) {
	val, ok := input[key]
	if !ok || val == nil {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func requiredNonNegativeFloat(input map[string]any, key string) (float64, error) {
	v, ok := optionalFloat(input, key)
	if !ok {
		return 0, fmt.Errorf("field %s required", key)
	}
	if v < 0 {
		return 0, fmt.Errorf("field %s must be >= 0, got %v", key, v)
	}
	return v, nil
}
