// Package agent implements the reason-act cycle that refreshes a page
// snapshot, asks the model for exactly one action, and dispatches it
// through the tool registry.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzamas-labs/domagent/internal/controller"
	"github.com/arzamas-labs/domagent/internal/dom"
	"github.com/arzamas-labs/domagent/internal/llm"
	"github.com/arzamas-labs/domagent/internal/tools"
	"github.com/arzamas-labs/domagent/internal/util"
)

// Agent runs the reason-act loop for a single task at a time.
type Agent struct {
	cfg      Config
	registry *tools.Registry
	ctrl     *controller.Controller
	prompt   *PromptAssembler
	log      zerolog.Logger

	mu          sync.Mutex
	paused      bool
	disposed    bool
	abortReason string
	cancel      context.CancelFunc

	history       []HistoryEntry
	totalWait     time.Duration
	notes         []string
	lastActionKey string
	repeatCount   int
}

// New constructs an Agent. It returns ErrMissingDriver or ErrMissingLLM
// if a required collaborator is absent.
func New(cfg Config) (*Agent, error) {
	if cfg.Driver == nil {
		return nil, ErrMissingDriver
	}
	if cfg.LLM == nil {
		return nil, ErrMissingLLM
	}

	namespace := "domagent-" + util.NewID()
	extractor := dom.NewExtractor(cfg.viewportExpansion())
	serializer := dom.NewTreeSerializer(cfg.IncludeAttributes)
	ctrl := controller.New(cfg.Driver, extractor, serializer, namespace, cfg.Logger)

	toolSet := tools.DefaultTools(cfg.ExperimentalScriptExecutionTool)
	registry := tools.NewRegistry(toolSet)
	for _, name := range cfg.RemovedTools {
		registry.Remove(name)
	}
	for _, t := range cfg.CustomTools {
		registry.Register(t)
	}

	return &Agent{
		cfg:      cfg,
		registry: registry,
		ctrl:     ctrl,
		prompt:   &PromptAssembler{Language: cfg.Language},
		log:      cfg.Logger.With().Str("comp", "agent").Logger(),
	}, nil
}

// Controller, AskUser, Interactive, Note, TimeSinceRefresh implement
// tools.AgentContext.
func (a *Agent) Controller() *controller.Controller { return a.ctrl }

func (a *Agent) AskUser(ctx context.Context, question string) (string, error) {
	if a.cfg.AskUserFunc == nil {
		return "", fmt.Errorf("agent: no interactive handler configured")
	}
	return a.cfg.AskUserFunc(ctx, question)
}

func (a *Agent) Interactive() bool { return a.cfg.Interactive && a.cfg.AskUserFunc != nil }

func (a *Agent) Note(text string) {
	a.mu.Lock()
	a.notes = append(a.notes, text)
	a.mu.Unlock()
}

func (a *Agent) TimeSinceRefresh() time.Duration {
	last := a.ctrl.LastRefresh()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

// Pause/Resume are flag-based.
func (a *Agent) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

func (a *Agent) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// Dispose aborts any in-flight task and releases resources. Idempotent.
func (a *Agent) Dispose(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return
	}
	a.disposed = true
	a.abortReason = reason
	if a.cancel != nil {
		a.cancel()
	}
	a.ctrl.Dispose()
	if a.cfg.OnDispose != nil {
		a.cfg.OnDispose(reason)
	}
}

func (a *Agent) isDisposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disposed
}

func (a *Agent) isPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Execute runs one task end to end.
func (a *Agent) Execute(ctx context.Context, task string) (Result, error) {
	a.mu.Lock()
	a.history = nil
	a.totalWait = 0
	a.notes = nil
	a.lastActionKey = ""
	a.repeatCount = 0
	taskCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	if a.cfg.OnBeforeTask != nil {
		a.cfg.OnBeforeTask(task)
	}

	result := a.loop(taskCtx, task)

	if a.cfg.OnAfterTask != nil {
		a.cfg.OnAfterTask(result)
	}
	return result, nil
}

func (a *Agent) loop(ctx context.Context, task string) Result {
	maxSteps := a.cfg.maxSteps()

	for step := 1; ; step++ {
		if a.cfg.OnBeforeStep != nil {
			a.cfg.OnBeforeStep(step)
		}

		if err := a.waitWhilePaused(ctx); err != nil {
			return a.abortResult(err)
		}
		if a.isDisposed() || ctx.Err() != nil {
			return a.abortResult(a.currentAbortErr(ctx))
		}

		if err := a.ctrl.Refresh(ctx); err != nil {
			return Result{Success: false, Data: fmt.Sprintf("fatal: snapshot refresh failed: %v", err), History: a.history}
		}

		info, err := a.ctrl.Info(ctx)
		if err != nil {
			return Result{Success: false, Data: fmt.Sprintf("fatal: page info failed: %v", err), History: a.history}
		}

		a.log.Debug().
			Int("step", step).
			Str("url", info.URL).
			Str("title", info.Title).
			Int("elements", a.ctrl.ElementCount()).
			Msg("step")

		toolList := a.registry.List()
		sysPrompt := a.prompt.System()
		if schema, err := json.Marshal(tools.BuildActionSchema(toolList)); err == nil {
			sysPrompt += "\n\n<action_schema>\n" + string(schema) + "\n</action_schema>"
		}
		userPrompt := a.prompt.UserPrompt(task, step, maxSteps, a.history, a.ctrl, info)

		resp, err := a.cfg.LLM.Generate(ctx, llm.Request{
			System:      sysPrompt,
			Messages:    []llm.Message{{Role: "user", Content: userPrompt}},
			Tools:       toLLMTools(toolList),
			Temperature: 0,
			MaxTokens:   2000,
		})
		if err != nil {
			if a.isDisposed() || ctx.Err() != nil {
				return a.abortResult(a.currentAbortErr(ctx))
			}
			return Result{Success: false, Data: fmt.Sprintf("LLM error: %v", err), History: a.history}
		}

		entry := a.runStep(ctx, step, resp.Text)
		a.history = append(a.history, entry)
		if a.cfg.OnAfterStep != nil {
			a.cfg.OnAfterStep(step, entry)
		}

		if entry.Action == "done" {
			success, _ := entry.Input["success"].(bool)
			if _, ok := entry.Input["success"]; !ok {
				success = false
			}
			text, _ := entry.Input["text"].(string)
			return Result{Success: success, Data: text, History: a.history}
		}

		if step > maxSteps {
			return Result{Success: false, Data: "Step count exceeded maximum limit", History: a.history}
		}
	}
}

// runStep decodes the model's response and dispatches exactly one tool,
// always returning a HistoryEntry — decode/validate/dispatch failures are
// recorded as the entry's Output rather than propagated.
func (a *Agent) runStep(ctx context.Context, step int, raw string) HistoryEntry {
	entry := HistoryEntry{Step: step, Timestamp: time.Now()}

	dec, err := decodeStepResponse(raw)
	if err != nil {
		entry.Output = fmt.Sprintf("schema error: %v", err)
		return entry
	}
	entry.EvaluationPreviousGoal = dec.EvaluationPreviousGoal
	entry.Memory = dec.Memory
	entry.NextGoal = dec.NextGoal
	entry.Action = dec.ToolName
	entry.Input = dec.ToolInput

	tool, ok := a.registry.Get(dec.ToolName)
	if !ok {
		entry.Output = fmt.Sprintf("%v: %q", ErrUnknownTool, dec.ToolName)
		return entry
	}

	if blocked := a.checkRepeat(dec.ToolName, dec.ToolInput); blocked != "" {
		entry.Output = blocked
		return entry
	}

	if a.cfg.ConfirmDestructive != nil && isDestructive(dec.ToolName) {
		ok, err := a.cfg.ConfirmDestructive(ctx, dec.ToolName, dec.ToolInput)
		if err != nil {
			entry.Output = fmt.Sprintf("confirmation error: %v", err)
			return entry
		}
		if !ok {
			entry.Output = "action not confirmed by operator"
			return entry
		}
	}

	output, err := tool.Execute(ctx, a, dec.ToolInput)
	a.trackWait(dec.ToolName, dec.ToolInput)
	if err != nil {
		entry.Output = fmt.Sprintf("action failed: %v", err)
		return entry
	}
	entry.Output = output
	if a.totalWait >= waitWarnThreshold {
		entry.Output += " (note: cumulative wait time is high; prefer acting over waiting)"
	}
	return entry
}

func isDestructive(toolName string) bool {
	return toolName == "click_element_by_index" || toolName == "input_text"
}

// checkRepeat implements the supplemented adaptive repetition guard
//: the same tool+input repeated past repeatThreshold is
// refused without dispatch.
func (a *Agent) checkRepeat(toolName string, input map[string]any) string {
	key := toolName + "|" + canonicalize(input)
	if key == a.lastActionKey {
		a.repeatCount++
	} else {
		a.lastActionKey = key
		a.repeatCount = 1
	}
	if a.repeatCount > repeatThreshold {
		return fmt.Sprintf("schema error: %q with the same input has been attempted %d times in a row; try a different approach", toolName, a.repeatCount)
	}
	return ""
}

func canonicalize(input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(b)
}

func (a *Agent) trackWait(toolName string, input map[string]any) {
	if toolName != "wait" {
		a.totalWait = 0
		return
	}
	seconds := 1
	if v, ok := input["seconds"].(float64); ok {
		seconds = int(v)
	}
	a.totalWait += time.Duration(seconds) * time.Second
}

func (a *Agent) waitWhilePaused(ctx context.Context) error {
	for a.isPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (a *Agent) currentAbortErr(ctx context.Context) error {
	a.mu.Lock()
	reason := a.abortReason
	disposed := a.disposed
	a.mu.Unlock()
	if disposed {
		if reason == "" {
			reason = ErrDisposed.Error()
		}
		return fmt.Errorf("%w: %s", ErrAborted, reason)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return ErrAborted
}

func (a *Agent) abortResult(err error) Result {
	return Result{Success: false, Data: err.Error(), History: a.history}
}

func toLLMTools(ts []tools.Tool) []llm.Tool {
	out := make([]llm.Tool, 0, len(ts))
	for _, t := range ts {
		out = append(out, llm.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// --- structured output decoding (grounded on the teacher's planner.go
// extractJSON/removeJSONComments, generalized to the single-key action
// envelope requires) ---

type decodedStep struct {
	EvaluationPreviousGoal string
	Memory                 string
	NextGoal               string
	ToolName               string
	ToolInput              map[string]any
}

func decodeStepResponse(text string) (decodedStep, error) {
	jsonStr, err := extractJSON(text)
	if err != nil {
		return decodedStep{}, err
	}

	var parsed struct {
		EvaluationPreviousGoal string                     `json:"evaluation_previous_goal"`
		Memory                 string                     `json:"memory"`
		NextGoal               string                     `json:"next_goal"`
		Action                 map[string]json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return decodedStep{}, fmt.Errorf("invalid json: %w", err)
	}
	if len(parsed.Action) != 1 {
		return decodedStep{}, fmt.Errorf("action must have exactly one key, got %d", len(parsed.Action))
	}

	var toolName string
	var rawInput json.RawMessage
	for k, v := range parsed.Action {
		toolName = k
		rawInput = v
	}

	input := map[string]any{}
	if len(rawInput) > 0 && string(rawInput) != "null" {
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return decodedStep{}, fmt.Errorf("action input for %q must be an object: %w", toolName, err)
		}
	}

	return decodedStep{
		EvaluationPreviousGoal: strings.TrimSpace(parsed.EvaluationPreviousGoal),
		Memory:                 strings.TrimSpace(parsed.Memory),
		NextGoal:               strings.TrimSpace(parsed.NextGoal),
		ToolName:               toolName,
		ToolInput:              input,
	}, nil
}

// extractJSON finds the first balanced top-level {...} object in text,
// tolerating prose around it the way models sometimes emit it.
func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("no JSON object found in model output")
}
