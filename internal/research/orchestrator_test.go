package research

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/exa"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/inference"
)

// runAndCollect runs the orchestrator while draining every progress update.
func runAndCollect(t *testing.T, orchestrator *Orchestrator, query string) (ReportResult, []Update, error) {
	t.Helper()
	updates := make(chan Update)
	var received []Update
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for update := range updates {
			received = append(received, update)
		}
	}()

	report, err := orchestrator.Run(context.Background(), query, updates)
	close(updates)
	wg.Wait()
	return report, received, err
}

func TestOrchestratorQuantumComputingRun(t *testing.T) {
	searcher := &fakeSearcher{}
	completer := &scriptedCompleter{}
	orchestrator := NewOrchestrator(searcher, nil, completer, OrchestratorConfig{}, zaptest.NewLogger(t))

	report, updates, err := runAndCollect(t, orchestrator, "quantum computing")
	require.NoError(t, err)

	assert.Equal(t, ReportStatusCompleted, report.Status)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, "quantum computing", report.OriginalQuery)
	assert.Equal(t, SynthesisPlanned, report.SynthesisMode)
	assert.GreaterOrEqual(t, len(report.Sections), 5)
	assert.LessOrEqual(t, len(report.Sections), 6)
	assert.GreaterOrEqual(t, report.TotalSources, 44)
	assert.LessOrEqual(t, report.TotalSources, 52)
	assert.Len(t, report.AllSources, report.TotalSources)

	normalized := make(map[string]struct{}, len(report.AllSources))
	for _, source := range report.AllSources {
		key := NormalizeURL(source.URL)
		_, dup := normalized[key]
		assert.False(t, dup, "source %s collected twice", source.URL)
		normalized[key] = struct{}{}
	}

	require.Len(t, report.TaskResults, 4)
	for _, result := range report.TaskResults {
		assert.Equal(t, TaskStatusCompleted, result.Status)
		assert.GreaterOrEqual(t, result.Target, 11)
		assert.LessOrEqual(t, result.Target, 13)
		assert.LessOrEqual(t, len(result.Sources), result.Target)
	}

	require.NotEmpty(t, updates)
	assert.Equal(t, StatePreflight, updates[0].State)
	for i, update := range updates {
		if i > 0 {
			assert.GreaterOrEqual(t, update.ProgressPercent, updates[i-1].ProgressPercent, "progress went backwards at update %d", i)
		}
		assert.Equal(t, i == len(updates)-1, update.Completed, "only the last update is completed")
	}

	final := updates[len(updates)-1]
	assert.Equal(t, StateComplete, final.State)
	assert.Equal(t, 100, final.ProgressPercent)
	assert.Empty(t, final.Error)
	require.NotNil(t, final.FinalResult)
	assert.Equal(t, report.ID, final.FinalResult.ID)
	assert.Equal(t, report.TotalSources, final.SourcesFound)
	require.Len(t, final.ActivityUpdates, 5)
	assert.Equal(t, "Report synthesis", final.ActivityUpdates[0].Title)
	assert.Equal(t, ActivityCompleted, final.ActivityUpdates[0].Status)
	require.NotEmpty(t, final.StreamingSources)
	assert.Equal(t, report.AllSources[len(report.AllSources)-1].URL, final.StreamingSources[0].URL, "newest source first")
}

func TestOrchestratorTargetsComeFromConfiguredRange(t *testing.T) {
	orchestrator := NewOrchestrator(&fakeSearcher{}, nil, &scriptedCompleter{}, OrchestratorConfig{}, zaptest.NewLogger(t))
	orchestrator.intn = func(n int) int { return n - 1 }

	report, updates, err := runAndCollect(t, orchestrator, "quantum computing")
	require.NoError(t, err)
	assert.Equal(t, 52, report.TotalSources)
	for _, result := range report.TaskResults {
		assert.Equal(t, 13, result.Target)
		assert.Len(t, result.Sources, 13)
	}
	assert.Equal(t, 52, updates[len(updates)-1].TotalSources)
}

func TestOrchestratorStopsWhenPreflightQuotaExhausted(t *testing.T) {
	searcher := &fakeSearcher{searchErr: func(string, int) error {
		return fmt.Errorf("search: %w", exa.ErrQuotaExhausted)
	}}
	completer := &scriptedCompleter{}
	orchestrator := NewOrchestrator(searcher, nil, completer, OrchestratorConfig{}, zaptest.NewLogger(t))

	report, updates, err := runAndCollect(t, orchestrator, "quantum computing")
	require.Error(t, err)
	assert.ErrorIs(t, err, exa.ErrQuotaExhausted)
	assert.Contains(t, err.Error(), "credits exhausted")
	assert.Equal(t, ReportStatusFailed, report.Status)

	assert.Len(t, searcher.searchQueries(), 1)
	assert.Empty(t, completer.snapshot())

	final := updates[len(updates)-1]
	assert.True(t, final.Completed)
	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "credits exhausted")
	assert.Nil(t, final.FinalResult)
}

func TestOrchestratorFailsWhenEveryTaskHitsQuota(t *testing.T) {
	searcher := &fakeSearcher{searchErr: func(_ string, call int) error {
		if call == 1 {
			return nil
		}
		return fmt.Errorf("search: %w", exa.ErrQuotaExhausted)
	}}
	completer := &scriptedCompleter{}
	orchestrator := NewOrchestrator(searcher, nil, completer, OrchestratorConfig{}, zaptest.NewLogger(t))

	_, updates, err := runAndCollect(t, orchestrator, "quantum computing")
	require.Error(t, err)
	assert.ErrorIs(t, err, exa.ErrQuotaExhausted)
	assert.Contains(t, err.Error(), "all specialist tasks failed")
	assert.Empty(t, completer.snapshot(), "synthesis never starts")
	assert.Equal(t, StateFailed, updates[len(updates)-1].State)
}

func TestOrchestratorContinuesWhenOneTaskFails(t *testing.T) {
	marketQueries := BuildTaskQueries("quantum computing", DefaultTasks()[2])
	searcher := &fakeSearcher{searchErr: func(query string, _ int) error {
		for _, market := range marketQueries {
			if query == market {
				return fmt.Errorf("search: %w", exa.ErrQuotaExhausted)
			}
		}
		return nil
	}}
	orchestrator := NewOrchestrator(searcher, nil, &scriptedCompleter{}, OrchestratorConfig{}, zaptest.NewLogger(t))

	report, updates, err := runAndCollect(t, orchestrator, "quantum computing")
	require.NoError(t, err)

	failed := report.TaskResults[2]
	assert.Equal(t, TaskStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "credits exhausted")
	assert.Empty(t, failed.Sources)
	for _, i := range []int{0, 1, 3} {
		assert.Equal(t, TaskStatusCompleted, report.TaskResults[i].Status)
	}
	for _, source := range report.AllSources {
		assert.NotEqual(t, "3", source.TaskID)
	}

	final := updates[len(updates)-1]
	assert.Equal(t, StateComplete, final.State)
	var marketEntry *ActivityEntry
	for i := range final.ActivityUpdates {
		if final.ActivityUpdates[i].Title == DefaultTasks()[2].Description {
			marketEntry = &final.ActivityUpdates[i]
		}
	}
	require.NotNil(t, marketEntry)
	assert.Equal(t, ActivityFailed, marketEntry.Status)
}

func TestOrchestratorReportsInferenceExhaustion(t *testing.T) {
	completer := &scriptedCompleter{override: func(inference.Request) (string, bool, error) {
		return "", true, fmt.Errorf("complete: %w", inference.ErrModelsExhausted)
	}}
	orchestrator := NewOrchestrator(&fakeSearcher{}, nil, completer, OrchestratorConfig{}, zaptest.NewLogger(t))

	_, updates, err := runAndCollect(t, orchestrator, "quantum computing")
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrModelsExhausted)
	assert.True(t, IsFatal(err))
	assert.Len(t, completer.snapshot(), 8, "fallback chain is bounded")

	final := updates[len(updates)-1]
	assert.True(t, final.Completed)
	assert.NotEmpty(t, final.Error)
	assert.Equal(t, ActivityFailed, final.ActivityUpdates[0].Status)
}

func TestOrchestratorRunsWithoutProgressChannel(t *testing.T) {
	orchestrator := NewOrchestrator(&fakeSearcher{}, nil, &scriptedCompleter{}, OrchestratorConfig{}, zaptest.NewLogger(t))

	report, err := orchestrator.Run(context.Background(), "quantum computing", nil)
	require.NoError(t, err)
	assert.Equal(t, ReportStatusCompleted, report.Status)
	assert.True(t, strings.HasPrefix(report.FinalSynthesis, "# "))
}

func TestOrchestratorRejectsEmptyQuery(t *testing.T) {
	searcher := &fakeSearcher{}
	orchestrator := NewOrchestrator(searcher, nil, &scriptedCompleter{}, OrchestratorConfig{}, zaptest.NewLogger(t))

	_, updates, err := runAndCollect(t, orchestrator, "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Empty(t, searcher.searchQueries())
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Completed)
	assert.Equal(t, ErrEmptyQuery.Error(), updates[0].Error)
}

func TestOrchestratorCanceledRunStillSendsFinalUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	searcher := &fakeSearcher{searchErr: func(_ string, call int) error {
		if call == 1 {
			cancel()
			return context.Canceled
		}
		return nil
	}}
	orchestrator := NewOrchestrator(searcher, nil, &scriptedCompleter{}, OrchestratorConfig{}, zaptest.NewLogger(t))

	updates := make(chan Update, 8)
	_, err := orchestrator.Run(ctx, "quantum computing", updates)
	assert.ErrorIs(t, err, context.Canceled)

	close(updates)
	var last Update
	for update := range updates {
		last = update
	}
	assert.True(t, last.Completed)
	assert.Equal(t, StateFailed, last.State)
}
