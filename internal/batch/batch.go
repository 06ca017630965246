// Package batch runs many independent task delegations under one team with
// a bounded concurrency ceiling, staggered starts, and an aggregated
// success/failure summary.
package batch

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aldersonek/crew/internal/delegate"
	"github.com/aldersonek/crew/internal/event"
	"github.com/aldersonek/crew/internal/logging"
	"github.com/aldersonek/crew/internal/taskstore"
)

// Concurrency bounds. Requested values outside this range are clamped,
// never rejected.
const (
	MinConcurrency = 2
	MaxConcurrency = 20
)

const (
	defaultConcurrency = 4
	defaultStagger     = 30 * time.Millisecond
	staggerJitterMax   = 15 * time.Millisecond
)

// Item describes one task in a batch. All items in a run must name the
// same team.
type Item struct {
	TeamName    string
	AgentName   string
	Description string
	Prompt      string
	Model       string
	SafeMode    bool
}

// ItemResult is the terminal outcome of one batch item.
type ItemResult struct {
	Index       int
	Description string
	AgentName   string
	TaskID      string
	Status      taskstore.TaskStatus
	Output      string
	// ReportPath is a structured report location detected in the output
	// text, empty when none was found.
	ReportPath string
	// Error summarizes why the item failed or was cancelled.
	Error string
}

// Summary aggregates a whole batch run.
type Summary struct {
	BatchID        string
	Total          int
	MaxConcurrency int
	Succeeded      int
	Failed         int
	Results        []ItemResult
}

// Options configures a batch run.
type Options struct {
	// Concurrency is the requested cap, clamped to [MinConcurrency,
	// MaxConcurrency]. Zero means the default.
	Concurrency int
	// Stagger is the per-item startup delay base. Zero means the default.
	Stagger time.Duration
	Bus     *event.Bus
	Logger  *logging.Logger
}

// Runner fans batches out over a Delegator.
type Runner struct {
	delegator *delegate.Delegator
}

// NewRunner creates a Runner over the given delegator.
func NewRunner(d *delegate.Delegator) (*Runner, error) {
	if d == nil {
		return nil, fmt.Errorf("batch: Delegator is required")
	}
	return &Runner{delegator: d}, nil
}

// Run executes all items under the concurrency cap and blocks until every
// item is terminal. The batch itself only errors on invalid input; item
// failures are carried in the summary.
func (r *Runner) Run(ctx context.Context, items []Item, opts Options) (*Summary, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}

	concurrency := clampConcurrency(opts.Concurrency)
	stagger := opts.Stagger
	if stagger <= 0 {
		stagger = defaultStagger
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	batchID := uuid.NewString()
	log = log.With("batch_id", batchID)
	log.Info("batch: starting", "total", len(items), "concurrency", concurrency)

	sem := newSemaphore(concurrency)
	results := make(chan ItemResult)

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(idx int, item Item) {
			defer wg.Done()
			results <- r.runItem(ctx, batchID, idx, item, sem, stagger, concurrency, log)
		}(i, item)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	summary := &Summary{
		BatchID:        batchID,
		Total:          len(items),
		MaxConcurrency: concurrency,
	}
	for res := range results {
		if res.Status == taskstore.StatusCompleted {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, res)
		if opts.Bus != nil {
			opts.Bus.Publish(event.NewBatchItemFinishedEvent(batchID, res.Index, res.TaskID, res.Status.String()))
		}
	}
	sort.Slice(summary.Results, func(a, b int) bool {
		return summary.Results[a].Index < summary.Results[b].Index
	})

	log.Info("batch: finished", "succeeded", summary.Succeeded, "failed", summary.Failed)
	if opts.Bus != nil {
		opts.Bus.Publish(event.NewBatchFinishedEvent(batchID, summary.Total, summary.Succeeded, summary.Failed))
	}
	return summary, nil
}

// runItem drives one item to a terminal result: stagger, admit under the
// cap, delegate, translate the outcome.
func (r *Runner) runItem(ctx context.Context, batchID string, idx int, item Item, sem *semaphore, stagger time.Duration, concurrency int, log *logging.Logger) ItemResult {
	res := ItemResult{
		Index:       idx,
		Description: item.Description,
		AgentName:   item.AgentName,
	}

	// Startup stagger breaks up the initial burst without slowing the
	// steady state: every concurrency-th item shares a slot in the ramp.
	delay := stagger*time.Duration(idx%concurrency) + time.Duration(rand.Int63n(int64(staggerJitterMax)))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		res.Status = taskstore.StatusCancelled
		res.Error = ctx.Err().Error()
		return res
	}

	if err := sem.Acquire(ctx); err != nil {
		res.Status = taskstore.StatusCancelled
		res.Error = err.Error()
		return res
	}
	defer sem.Release()

	out, err := r.delegator.Delegate(ctx, delegate.Request{
		TeamName:    item.TeamName,
		AgentName:   item.AgentName,
		Description: item.Description,
		Prompt:      item.Prompt,
		Model:       item.Model,
		SafeMode:    item.SafeMode,
	})
	if err != nil {
		log.Error("batch: item delegation failed", "index", idx, "error", err)
		res.Status = taskstore.StatusFailed
		res.Error = err.Error()
		return res
	}

	res.TaskID = out.TaskID
	res.Status = out.Status
	res.Output = out.ResultText
	res.ReportPath = extractReportPath(out.ResultText)
	if out.Status != taskstore.StatusCompleted {
		res.Error = summarizeError(out.Error, out.ResultText)
	}
	return res
}

func validateItems(items []Item) error {
	if len(items) == 0 {
		return fmt.Errorf("batch: no items")
	}
	team := taskstore.NormalizeTeamName(items[0].TeamName)
	if team == "" {
		return fmt.Errorf("batch: item 0: TeamName is required")
	}
	for i, item := range items {
		if item.Prompt == "" {
			return fmt.Errorf("batch: item %d: Prompt is required", i)
		}
		if item.AgentName == "" {
			return fmt.Errorf("batch: item %d: AgentName is required", i)
		}
		if got := taskstore.NormalizeTeamName(item.TeamName); got != team {
			return fmt.Errorf("batch: item %d: team %q differs from %q; one batch spans one team", i, got, team)
		}
	}
	return nil
}

func clampConcurrency(n int) int {
	if n == 0 {
		n = defaultConcurrency
	}
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// reportPathRe matches a "report: <path>" style marker or a bare path to
// a markdown/json report mentioned in worker output.
var reportPathRe = regexp.MustCompile(`(?im)^\s*report(?:\s+written\s+to|\s+path)?\s*:\s*(\S+)\s*$`)

// extractReportPath pulls a structured report location out of free-form
// worker output, if one is present.
func extractReportPath(output string) string {
	if m := reportPathRe.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	for _, field := range strings.Fields(output) {
		if strings.HasPrefix(field, "/") &&
			(strings.HasSuffix(field, ".md") || strings.HasSuffix(field, ".json")) {
			return field
		}
	}
	return ""
}

// summarizeError picks the best short description of a failed item.
func summarizeError(errText, output string) string {
	if errText != "" {
		return firstLine(errText)
	}
	if output != "" {
		return firstLine(output)
	}
	return "task did not complete"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 200
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
