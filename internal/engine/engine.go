// Package engine defines the boundary to the agent execution engine: the
// external collaborator that actually produces a task's work. The worker
// main loop drives an Engine and mirrors its streaming progress into the
// task record and outbox; everything behind Execute is out of crew's hands.
package engine

import (
	"context"
	"time"
)

// Request describes one unit of work handed to the engine.
type Request struct {
	// Description is the short human-readable task summary.
	Description string
	// Prompt is the full instruction the engine works from.
	Prompt string
	// Model selects the engine's model, empty for the engine default.
	Model string
	// SafeMode restricts the engine to a read-only tool policy.
	SafeMode bool
	// WorkDir is the directory the engine operates in.
	WorkDir string
}

// Progress is one streamed progress callback from a running execution.
type Progress struct {
	Phase      string // free-text phase label, e.g. "running", "tool use"
	Model      string
	ToolCount  int
	TokenCount int64
	LastAction string
}

// Result is the final outcome of one execution.
type Result struct {
	Text         string
	TokenCount   int64
	ToolUseCount int
	DurationMs   int64
	// Interrupted is set when the engine detected cancellation itself
	// and stopped cooperatively rather than finishing.
	Interrupted bool
}

// ProgressFunc receives streamed progress during Execute. It is called
// from the executing goroutine; implementations must be fast or hand off.
type ProgressFunc func(Progress)

// Engine executes delegated work, streaming progress and honoring
// context cancellation at its own suspension points.
type Engine interface {
	Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)
}

// Func adapts a plain function to the Engine interface. Used by tests and
// by in-process execution wiring.
type Func func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)

// Execute implements Engine.
func (f Func) Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	return f(ctx, req, onProgress)
}

// elapsedMs returns the wall-clock duration since start in milliseconds.
func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
