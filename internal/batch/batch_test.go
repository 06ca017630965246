package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aldersonek/crew/internal/delegate"
	"github.com/aldersonek/crew/internal/engine"
	"github.com/aldersonek/crew/internal/event"
	"github.com/aldersonek/crew/internal/mailbox"
	"github.com/aldersonek/crew/internal/taskstore"
)

func newRunner(t *testing.T, eng engine.Engine) *Runner {
	t.Helper()
	root := t.TempDir()
	store := taskstore.NewStore(root)
	mb := mailbox.New(root + "/mailbox")

	d, err := delegate.New(delegate.Options{
		Store:   store,
		Mailbox: mb,
		Backend: &delegate.InprocBackend{
			Store:        store,
			Mailbox:      mb,
			Engine:       eng,
			PollInterval: 20 * time.Millisecond,
		},
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	r, err := NewRunner(d)
	require.NoError(t, err)
	return r
}

func makeItems(n int, team string) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{
			TeamName:    team,
			AgentName:   "agent",
			Description: "item",
			Prompt:      "work",
		}
	}
	return items
}

func TestValidateItems(t *testing.T) {
	tests := []struct {
		name    string
		items   []Item
		wantErr string
	}{
		{
			name:    "empty",
			items:   nil,
			wantErr: "no items",
		},
		{
			name: "missing prompt",
			items: []Item{
				{TeamName: "t", AgentName: "a"},
			},
			wantErr: "Prompt is required",
		},
		{
			name: "missing agent",
			items: []Item{
				{TeamName: "t", Prompt: "p"},
			},
			wantErr: "AgentName is required",
		},
		{
			name: "mixed teams",
			items: []Item{
				{TeamName: "alpha", AgentName: "a", Prompt: "p"},
				{TeamName: "beta", AgentName: "a", Prompt: "p"},
			},
			wantErr: "one batch spans one team",
		},
		{
			name: "team names normalize before comparison",
			items: []Item{
				{TeamName: "My Team", AgentName: "a", Prompt: "p"},
				{TeamName: "my-team", AgentName: "a", Prompt: "p"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateItems(tt.items)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClampConcurrency(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, defaultConcurrency},
		{1, MinConcurrency},
		{2, 2},
		{7, 7},
		{20, 20},
		{50, MaxConcurrency},
		{-3, MinConcurrency},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clampConcurrency(tt.in), "clampConcurrency(%d)", tt.in)
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var running atomic.Int32
	var peak atomic.Int32

	r := newRunner(t, engine.Func(func(context.Context, engine.Request, engine.ProgressFunc) (*engine.Result, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(80 * time.Millisecond)
		running.Add(-1)
		return &engine.Result{Text: "ok"}, nil
	}))

	summary, err := r.Run(context.Background(), makeItems(6, "alpha"), Options{Concurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 2, summary.MaxConcurrency)
	assert.Equal(t, 6, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.LessOrEqual(t, peak.Load(), int32(2), "concurrency cap exceeded")

	require.Len(t, summary.Results, 6)
	for i, res := range summary.Results {
		assert.Equal(t, i, res.Index, "results must be ordered by original index")
		assert.Equal(t, taskstore.StatusCompleted, res.Status)
		assert.Equal(t, "ok", res.Output)
		assert.NotEmpty(t, res.TaskID)
	}
}

func TestRun_MixedOutcomes(t *testing.T) {
	var calls atomic.Int32
	r := newRunner(t, engine.Func(func(_ context.Context, req engine.Request, _ engine.ProgressFunc) (*engine.Result, error) {
		if strings.Contains(req.Prompt, "fail") {
			return nil, errors.New("boom: detailed\ntrace line")
		}
		calls.Add(1)
		return &engine.Result{Text: "fine"}, nil
	}))

	items := makeItems(4, "alpha")
	items[1].Prompt = "please fail"
	items[3].Prompt = "please fail too"

	summary, err := r.Run(context.Background(), items, Options{Concurrency: 3})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, taskstore.StatusFailed, summary.Results[1].Status)
	assert.Equal(t, "boom: detailed", summary.Results[1].Error, "error summary is the first line")
	assert.Equal(t, taskstore.StatusCompleted, summary.Results[0].Status)
}

func TestRun_PublishesEvents(t *testing.T) {
	r := newRunner(t, engine.Func(func(context.Context, engine.Request, engine.ProgressFunc) (*engine.Result, error) {
		return &engine.Result{}, nil
	}))

	bus := event.NewBus()
	var mu sync.Mutex
	counts := map[string]int{}
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[e.EventType()]++
	})

	_, err := r.Run(context.Background(), makeItems(3, "alpha"), Options{Bus: bus})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, counts["batch.item_finished"])
	assert.Equal(t, 1, counts["batch.finished"])
}

func TestRun_Cancellation(t *testing.T) {
	r := newRunner(t, engine.Func(func(ctx context.Context, _ engine.Request, _ engine.ProgressFunc) (*engine.Result, error) {
		<-ctx.Done()
		return &engine.Result{Interrupted: true}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	summary, err := r.Run(ctx, makeItems(5, "alpha"), Options{Concurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Zero(t, summary.Succeeded, "no item completes after cancellation")
	for _, res := range summary.Results {
		assert.NotEqual(t, taskstore.StatusCompleted, res.Status)
	}
}

func TestExtractReportPath(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{
			name:   "report marker",
			output: "All done.\nReport: /tmp/run/report.md\n",
			want:   "/tmp/run/report.md",
		},
		{
			name:   "report written to",
			output: "report written to: /data/out.json",
			want:   "/data/out.json",
		},
		{
			name:   "bare markdown path",
			output: "see /home/user/notes/summary.md for details",
			want:   "/home/user/notes/summary.md",
		},
		{
			name:   "no path",
			output: "nothing structured here",
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractReportPath(tt.output))
		})
	}
}
