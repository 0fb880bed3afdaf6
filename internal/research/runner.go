package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/exa"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/logging"
)

const (
	defaultMinTarget       = 11
	defaultMaxTarget       = 13
	defaultExtraResults    = 5
	defaultMinContentChars = 200
	defaultMaxContentRunes = 20_000
)

type RunnerConfig struct {
	ExtraResults    int
	MinContentChars int
	MaxContentRunes int
	QueryPacing     time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	c.ExtraResults = intOrDefault(c.ExtraResults, defaultExtraResults)
	c.MinContentChars = intOrDefault(c.MinContentChars, defaultMinContentChars)
	c.MaxContentRunes = intOrDefault(c.MaxContentRunes, defaultMaxContentRunes)
	if c.QueryPacing < 0 {
		c.QueryPacing = 0
	}
	return c
}

// SpecialistRunner collects sources for one task. Runners for the same run
// share a SeenURLs so no document is collected twice.
type SpecialistRunner struct {
	searcher Searcher
	reader   Reader
	seen     *SeenURLs
	cfg      RunnerConfig
	logger   *zap.Logger
}

func NewSpecialistRunner(searcher Searcher, reader Reader, seen *SeenURLs, cfg RunnerConfig, logger *zap.Logger) *SpecialistRunner {
	if seen == nil {
		seen = NewSeenURLs()
	}
	return &SpecialistRunner{
		searcher: searcher,
		reader:   reader,
		seen:     seen,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger).Named("runner"),
	}
}

// Run searches the task's query variants in order and emits every accepted
// source through onSource as soon as it is built. It stops once target
// sources are collected. Fatal search errors are returned; anything else is
// logged and skipped.
func (r *SpecialistRunner) Run(ctx context.Context, query string, task Task, target int, onSource func(Source)) (TaskResult, error) {
	if target < 1 {
		target = defaultMinTarget
	}
	result := TaskResult{
		Task:    task,
		Target:  target,
		Queries: BuildTaskQueries(query, task),
	}
	if r.searcher == nil {
		return result, errors.New("search client unavailable")
	}
	logger := r.logger.With(zap.String("task_id", task.ID))

	for i, variant := range result.Queries {
		if len(result.Sources) >= target {
			break
		}
		if i > 0 {
			if err := waitForRetry(ctx, r.cfg.QueryPacing); err != nil {
				return result, err
			}
		}
		if err := r.searchAndCollect(ctx, variant, target, &result, onSource); err != nil {
			if exa.IsFatal(err) || ctx.Err() != nil {
				return result, err
			}
			logger.Warn("search query failed; trying next variant", zap.String("query", variant), zap.Error(err))
		}
	}

	if len(result.Sources) < target {
		broad := strings.TrimSpace(query)
		logger.Debug("task short of target; running broad search",
			zap.Int("collected", len(result.Sources)),
			zap.Int("target", target),
		)
		result.Queries = append(result.Queries, broad)
		if err := r.searchAndCollect(ctx, broad, target, &result, onSource); err != nil {
			if exa.IsFatal(err) || ctx.Err() != nil {
				return result, err
			}
			logger.Warn("broad search failed", zap.Error(err))
		}
	}

	result.Findings = summarizeFindings(task, result.Sources)
	result.Status = TaskStatusCompleted
	return result, nil
}

func (r *SpecialistRunner) searchAndCollect(ctx context.Context, query string, target int, result *TaskResult, onSource func(Source)) error {
	hits, err := r.searcher.Search(ctx, query, target+r.cfg.ExtraResults)
	if err != nil {
		return err
	}

	for _, hit := range hits {
		if len(result.Sources) >= target {
			return nil
		}
		if !r.seen.Claim(hit.URL) {
			continue
		}

		content, title, err := r.fetchContent(ctx, hit)
		if err != nil {
			return err
		}
		if len([]rune(content)) < r.cfg.MinContentChars {
			continue
		}

		source := Source{
			URL:       hit.URL,
			Title:     title,
			Content:   trimToRunes(content, r.cfg.MaxContentRunes),
			WordCount: wordCount(content),
			Score:     hit.Score,
			TaskID:    result.Task.ID,
			Domain:    DomainOf(hit.URL),
		}
		result.Sources = append(result.Sources, source)
		if onSource != nil {
			onSource(source)
		}
	}
	return nil
}

// fetchContent resolves the full text of a hit: the contents endpoint first,
// then the text that came back with the search, then a direct page read.
// Only fatal search errors and cancellation are returned.
func (r *SpecialistRunner) fetchContent(ctx context.Context, hit exa.Result) (content, title string, err error) {
	title = strings.TrimSpace(hit.Title)

	fetched, fetchErr := r.searcher.FetchContent(ctx, []string{hit.URL})
	switch {
	case fetchErr == nil:
		for _, item := range fetched {
			if strings.TrimSpace(item.Text) != "" {
				return item.Text, titleOr(item.Title, title), nil
			}
		}
	case exa.IsFatal(fetchErr) || ctx.Err() != nil:
		return "", "", fetchErr
	default:
		r.logger.Debug("content fetch failed", zap.String("url", hit.URL), zap.Error(fetchErr))
	}

	if len([]rune(hit.Text)) >= r.cfg.MinContentChars {
		return hit.Text, title, nil
	}

	if r.reader != nil {
		page, readErr := r.reader.Read(ctx, hit.URL)
		if readErr == nil {
			return page.Text, titleOr(title, page.Title), nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		r.logger.Debug("direct page read failed", zap.String("url", hit.URL), zap.Error(readErr))
	}

	if hit.Text != "" {
		return hit.Text, title, nil
	}
	return hit.Snippet, title, nil
}

func titleOr(primary, fallback string) string {
	if trimmed := strings.TrimSpace(primary); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(fallback)
}

// summarizeFindings lists what a task collected without calling a model.
func summarizeFindings(task Task, sources []Source) string {
	if len(sources) == 0 {
		return fmt.Sprintf("%s: no sources collected.", task.Description)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d sources collected.\n", task.Description, len(sources))
	for _, source := range sources {
		fmt.Fprintf(&b, "- %s (%s, %d words)\n", source.Title, source.Domain, source.WordCount)
	}
	return strings.TrimSpace(b.String())
}
