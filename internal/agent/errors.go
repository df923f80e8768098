package agent

import "errors"

// Sentinel errors callers might want to distinguish with errors.Is.
var (
	ErrMissingDriver = errors.New("agent: config missing browser driver")
	ErrMissingLLM    = errors.New("agent: config missing LLM client")
	ErrAborted       = errors.New("agent: aborted")
	ErrDisposed      = errors.New("agent: disposed")
	ErrUnknownTool   = errors.New("agent: unknown tool")
)
