package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is one supervised periodic job. Runs never overlap: a tick that
// fires while the previous run is still going is skipped (coalescing).
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)

	running atomic.Bool
}

// TaskGroup owns the periodic tasks and their lifecycle. Each task gets its
// own goroutine and stops when the group context is cancelled.
type TaskGroup struct {
	tasks []*Task
	log   zerolog.Logger
	wg    sync.WaitGroup
}

// NewTaskGroup creates an empty group.
func NewTaskGroup(log zerolog.Logger) *TaskGroup {
	return &TaskGroup{log: log.With().Str("component", "tasks").Logger()}
}

// Add registers a task. Non-positive intervals fall back to one minute so a
// misconfigured schedule never panics the ticker.
func (g *TaskGroup) Add(name string, interval time.Duration, run func(ctx context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	g.tasks = append(g.tasks, &Task{Name: name, Interval: interval, Run: run})
}

// Start launches all tasks. They stop when ctx is cancelled; Wait blocks
// until every goroutine has exited.
func (g *TaskGroup) Start(ctx context.Context) {
	for _, t := range g.tasks {
		g.wg.Add(1)
		go g.loop(ctx, t)
	}
}

// Wait blocks until all task goroutines have exited.
func (g *TaskGroup) Wait() { g.wg.Wait() }

func (g *TaskGroup) loop(ctx context.Context, t *Task) {
	defer g.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	g.log.Info().Str("task", t.Name).Dur("interval", t.Interval).Msg("periodic task started")
	for {
		select {
		case <-ctx.Done():
			g.log.Info().Str("task", t.Name).Msg("periodic task stopped")
			return
		case <-ticker.C:
			if !t.running.CompareAndSwap(false, true) {
				g.log.Warn().Str("task", t.Name).Msg("previous run still in flight, skipping tick")
				continue
			}
			g.runOne(ctx, t)
		}
	}
}

func (g *TaskGroup) runOne(ctx context.Context, t *Task) {
	defer t.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Str("task", t.Name).Interface("panic", r).Msg("periodic task panicked")
		}
	}()
	start := time.Now()
	t.Run(ctx)
	g.log.Debug().Str("task", t.Name).Dur("took", time.Since(start)).Msg("tick complete")
}
