package research

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/exa"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/logging"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/metrics"
)

const (
	agentProgressShare = 80
	finalSendTimeout   = 5 * time.Second
	synthesisEntryKey  = "synthesis"
)

type OrchestratorConfig struct {
	Runner    RunnerConfig
	MinTarget int
	MaxTarget int
}

// Orchestrator runs the four specialist tasks concurrently and then the
// synthesis pipeline.
type Orchestrator struct {
	searcher    Searcher
	reader      Reader
	synthesizer *Synthesizer
	tasks       []Task
	cfg         OrchestratorConfig
	logger      *zap.Logger
	now         func() time.Time
	intn        func(n int) int
}

func NewOrchestrator(searcher Searcher, reader Reader, completer Completer, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	cfg.MinTarget = intOrDefault(cfg.MinTarget, defaultMinTarget)
	cfg.MaxTarget = intOrDefault(cfg.MaxTarget, defaultMaxTarget)
	if cfg.MaxTarget < cfg.MinTarget {
		cfg.MaxTarget = cfg.MinTarget
	}
	logger = logging.OrNop(logger)
	return &Orchestrator{
		searcher:    searcher,
		reader:      reader,
		synthesizer: NewSynthesizer(completer, logger),
		tasks:       DefaultTasks(),
		cfg:         cfg,
		logger:      logger.Named("orchestrator"),
		now:         time.Now,
		intn:        rand.IntN,
	}
}

// Run researches query and returns the finished report. Progress is sent on
// updates, blocking until the receiver takes each update or ctx ends. The
// last update always has Completed set. A nil channel disables progress.
func (o *Orchestrator) Run(ctx context.Context, query string, updates chan<- Update) (ReportResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := o.now()
	metrics.RunsStarted.Inc()

	trimmed := strings.TrimSpace(query)
	tracker := newRunTracker(ctx, updates, trimmed, o.now)
	if trimmed == "" {
		return o.fail(tracker, started, ErrEmptyQuery)
	}
	if o.searcher == nil {
		return o.fail(tracker, started, errors.New("search client unavailable"))
	}

	tracker.publish(StatePreflight, "Checking search API connectivity", nil)
	if _, err := o.searcher.Search(ctx, trimmed, 1); err != nil {
		if exa.IsFatal(err) || ctx.Err() != nil {
			return o.fail(tracker, started, fmt.Errorf("preflight search: %w", err))
		}
		o.logger.Warn("preflight search failed; continuing", zap.Error(err))
	}

	targets := make([]int, len(o.tasks))
	totalTarget := 0
	for i := range o.tasks {
		targets[i] = o.cfg.MinTarget + o.intn(o.cfg.MaxTarget-o.cfg.MinTarget+1)
		totalTarget += targets[i]
	}

	tracker.publish(StateAgentsRunning, fmt.Sprintf("Launching %d specialist tasks", len(o.tasks)), func() {
		tracker.totalTarget = totalTarget
		for i, task := range o.tasks {
			tracker.activity.add(task.ID, task.Description, fmt.Sprintf("Waiting to search for %d sources", targets[i]), ActivityQuery, ActivityPending)
		}
	})

	runner := NewSpecialistRunner(o.searcher, o.reader, NewSeenURLs(), o.cfg.Runner, o.logger)
	results := make([]TaskResult, len(o.tasks))
	errs := make([]error, len(o.tasks))

	var wg sync.WaitGroup
	for i, task := range o.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = o.runTask(ctx, tracker, runner, trimmed, task, targets[i])
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return o.fail(tracker, started, err)
	}

	allSources := tracker.collected()
	if len(allSources) == 0 {
		if err := allTasksFatal(errs); err != nil {
			return o.fail(tracker, started, fmt.Errorf("all specialist tasks failed: %w", err))
		}
		o.logger.Warn("no sources collected; synthesizing without sources")
	}

	tracker.publish(StateSynthesisRunning, "Synthesizing report", func() {
		tracker.percent = agentProgressShare
		tracker.activity.add(synthesisEntryKey, "Report synthesis", "Planning report structure", ActivityProcessing, ActivityActive)
	})

	synthesis, err := o.synthesizer.Synthesize(ctx, trimmed, results, func(fraction float64, stage string) {
		tracker.publish(StateSynthesisRunning, stage, func() {
			percent := clampInt(agentProgressShare+int(fraction*float64(100-agentProgressShare)), agentProgressShare, 99)
			tracker.percent = percent
			tracker.activity.update(synthesisEntryKey, stage, ActivityProcessing, ActivityActive, &percent)
		})
	})
	if err != nil {
		tracker.publish(StateSynthesisRunning, "Synthesis failed", func() {
			tracker.activity.update(synthesisEntryKey, err.Error(), ActivityError, ActivityFailed, nil)
		})
		return o.fail(tracker, started, err)
	}

	finished := o.now()
	report := ReportResult{
		ID:                  uuid.NewString(),
		OriginalQuery:       trimmed,
		TaskResults:         results,
		AllSources:          allSources,
		FinalSynthesis:      synthesis.Text,
		Sections:            synthesis.Sections,
		TotalSources:        len(allSources),
		ResearchTimeSeconds: finished.Sub(started).Seconds(),
		Timestamp:           finished.UTC(),
		Status:              ReportStatusCompleted,
		SynthesisMode:       synthesis.Mode,
		SourceUtilization:   synthesis.Utilization,
	}

	metrics.RunsCompleted.WithLabelValues(string(ReportStatusCompleted)).Inc()
	metrics.RunDuration.Observe(report.ResearchTimeSeconds)
	metrics.SourcesCollected.Observe(float64(report.TotalSources))
	metrics.SynthesisMode.WithLabelValues(string(report.SynthesisMode)).Inc()

	o.logger.Info("research run complete",
		zap.String("report_id", report.ID),
		zap.Int("sources", report.TotalSources),
		zap.String("synthesis_mode", string(report.SynthesisMode)),
		zap.Float64("seconds", report.ResearchTimeSeconds),
	)

	tracker.finish(StateComplete, "Research complete", func(u *Update) {
		tracker.activity.update(synthesisEntryKey, fmt.Sprintf("Report written with %d sections", len(report.Sections)), ActivityComplete, ActivityCompleted, nil)
		u.FinalResult = &report
	})
	return report, nil
}

func (o *Orchestrator) runTask(ctx context.Context, tracker *runTracker, runner *SpecialistRunner, query string, task Task, target int) (TaskResult, error) {
	tracker.publish(StateAgentsRunning, fmt.Sprintf("Researching: %s", task.Description), func() {
		tracker.activity.update(task.ID, "Searching", ActivitySources, ActivityActive, nil)
	})

	result, err := runner.Run(ctx, query, task, target, func(source Source) {
		tracker.publish(StateAgentsRunning, fmt.Sprintf("Found source: %s", source.Title), func() {
			tracker.sources = append(tracker.sources, source)
			count := tracker.taskSourceCount(task.ID)
			tracker.activity.update(task.ID, fmt.Sprintf("%d of %d sources collected", count, target), ActivitySources, ActivityActive, nil)
		})
	})

	if err != nil {
		o.logger.Warn("specialist task failed", zap.String("task_id", task.ID), zap.Error(err))
		result.Status = TaskStatusFailed
		result.Error = err.Error()
		result.Findings = summarizeFindings(task, result.Sources)
		tracker.publish(StateAgentsRunning, fmt.Sprintf("Task failed: %s", task.Description), func() {
			tracker.completed++
			tracker.percent = tracker.completed * agentProgressShare / len(o.tasks)
			tracker.activity.update(task.ID, err.Error(), ActivityError, ActivityFailed, nil)
		})
		return result, err
	}

	tracker.publish(StateAgentsRunning, fmt.Sprintf("Completed: %s", task.Description), func() {
		tracker.completed++
		tracker.percent = tracker.completed * agentProgressShare / len(o.tasks)
		tracker.activity.update(task.ID, fmt.Sprintf("Collected %d sources", len(result.Sources)), ActivityComplete, ActivityCompleted, nil)
	})
	return result, nil
}

func (o *Orchestrator) fail(tracker *runTracker, started time.Time, err error) (ReportResult, error) {
	metrics.RunsCompleted.WithLabelValues(string(ReportStatusFailed)).Inc()
	metrics.RunDuration.Observe(o.now().Sub(started).Seconds())
	o.logger.Error("research run failed", zap.Error(err))

	tracker.finish(StateFailed, "Research failed", func(u *Update) {
		u.Error = err.Error()
	})
	return ReportResult{
		OriginalQuery: tracker.query,
		Status:        ReportStatusFailed,
		Timestamp:     o.now().UTC(),
	}, err
}

// allTasksFatal returns a fatal search error when every task failed with one,
// preferring quota exhaustion.
func allTasksFatal(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil || !exa.IsFatal(err) {
			return nil
		}
		if first == nil || errors.Is(err, exa.ErrQuotaExhausted) {
			first = err
		}
	}
	return first
}

// runTracker owns the mutable progress state of one run. Every change and
// its resulting update happen under mu, so updates reach the channel in order.
type runTracker struct {
	ctx     context.Context
	updates chan<- Update
	query   string

	mu          sync.Mutex
	state       RunState
	activity    *activityLog
	sources     []Source
	totalTarget int
	completed   int
	percent     int
}

func newRunTracker(ctx context.Context, updates chan<- Update, query string, now func() time.Time) *runTracker {
	return &runTracker{
		ctx:      ctx,
		updates:  updates,
		query:    query,
		state:    StateInit,
		activity: newActivityLog(now),
	}
}

func (t *runTracker) publish(state RunState, stage string, mutate func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	if mutate != nil {
		mutate()
	}
	t.sendLocked(t.ctx, t.snapshotLocked(stage))
}

// finish sends the terminal update. It is delivered even when the run
// context has ended, bounded by finalSendTimeout.
func (t *runTracker) finish(state RunState, stage string, mutate func(*Update)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	if state == StateComplete {
		t.percent = 100
	}
	update := t.snapshotLocked(stage)
	update.Completed = true
	if mutate != nil {
		mutate(&update)
		update.ActivityUpdates = t.activity.snapshot()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), finalSendTimeout)
	defer cancel()
	t.sendLocked(ctx, update)
}

func (t *runTracker) sendLocked(ctx context.Context, update Update) {
	if t.updates == nil {
		return
	}
	select {
	case t.updates <- update:
	case <-ctx.Done():
	}
}

func (t *runTracker) snapshotLocked(stage string) Update {
	streaming := make([]SourceSummary, 0, len(t.sources))
	for i := len(t.sources) - 1; i >= 0; i-- {
		streaming = append(streaming, t.sources[i].Summary())
	}
	return Update{
		State:            t.state,
		Stage:            stage,
		Query:            t.query,
		SourcesFound:     len(t.sources),
		TotalSources:     t.totalTarget,
		ProgressPercent:  t.percent,
		ActivityUpdates:  t.activity.snapshot(),
		StreamingSources: streaming,
	}
}

func (t *runTracker) taskSourceCount(taskID string) int {
	count := 0
	for _, source := range t.sources {
		if source.TaskID == taskID {
			count++
		}
	}
	return count
}

func (t *runTracker) collected() []Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Source, len(t.sources))
	copy(out, t.sources)
	return out
}
