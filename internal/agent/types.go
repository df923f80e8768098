package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzamas-labs/domagent/internal/browserdrv"
	"github.com/arzamas-labs/domagent/internal/llm"
	"github.com/arzamas-labs/domagent/internal/tools"
)

const (
	defaultMaxSteps          = 50
	defaultViewportExpansion = -1
	waitWarnThreshold        = 3 * time.Second
	repeatThreshold          = 3
)

// Config is the Agent's public configuration.
type Config struct {
	Driver browserdrv.Controller
	LLM    llm.Client

	// ViewportExpansion is a pointer because 0 is a valid, meaningful
	// value (strict-viewport extraction) distinct from "unset" (nil),
	// which defaults to defaultViewportExpansion. Positive values trade
	// recall for token budget; see viewportExpansion().
	ViewportExpansion *int
	IncludeAttributes []string
	CustomTools       []tools.Tool
	RemovedTools      []string // tool names to drop from the default set
	MaxSteps          int
	Language          string

	Interactive bool
	AskUserFunc func(ctx context.Context, question string) (string, error)

	// ExperimentalScriptExecutionTool gates execute_javascript. Off by
	// default — it defeats the indexing guardrail.
	ExperimentalScriptExecutionTool bool

	// ConfirmDestructive is an optional destructive-action confirmation
	// hook. Nil disables gating.
	ConfirmDestructive func(ctx context.Context, toolName string, input map[string]any) (bool, error)

	OnBeforeStep func(step int)
	OnAfterStep  func(step int, entry HistoryEntry)
	OnBeforeTask func(task string)
	OnAfterTask  func(result Result)
	OnDispose    func(reason string)

	Logger zerolog.Logger
}

func (c Config) maxSteps() int {
	if c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return defaultMaxSteps
}

func (c Config) viewportExpansion() int {
	if c.ViewportExpansion != nil {
		return *c.ViewportExpansion
	}
	return defaultViewportExpansion
}

// HistoryEntry is one step's record: the brain fields plus the single
// action that was taken and its output.
type HistoryEntry struct {
	Step                   int
	EvaluationPreviousGoal string
	Memory                 string
	NextGoal               string
	Action                 string
	Input                  map[string]any
	Output                 string
	Timestamp              time.Time
}

// Result is what Execute returns.
type Result struct {
	Success bool
	Data    string
	History []HistoryEntry
}
