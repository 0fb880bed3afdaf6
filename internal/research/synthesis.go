package research

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/inference"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/logging"
)

const (
	redundancyFactThreshold  = 5
	utilizationTitleRunes    = 20
	utilizationWarnThreshold = 0.6
	planMaxTokens            = 1500
	factMaxTokens            = 600
	sectionSeparator         = "\n\n---\n\n"
)

var headingPrefixPattern = regexp.MustCompile(`^(#{1,6}\s+|\*\*)`)

// Synthesis is the written report and how it was produced.
type Synthesis struct {
	Text        string
	Title       string
	Sections    []string
	Mode        SynthesisMode
	Utilization *float64
}

// SynthesisProgress receives the fraction of synthesis done, in [0, 1), and a
// stage description.
type SynthesisProgress func(fraction float64, stage string)

type writtenSection struct {
	Title string
	Body  string
}

type Synthesizer struct {
	completer Completer
	logger    *zap.Logger
}

func NewSynthesizer(completer Completer, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{completer: completer, logger: logging.OrNop(logger).Named("synthesis")}
}

// Synthesize writes the report. The planned serial pipeline runs first; any
// error there falls back to independent parallel sections, then to a single
// call. The error is returned when every path failed, or at once when the
// inference credentials are missing or rejected.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, results []TaskResult, onProgress SynthesisProgress) (Synthesis, error) {
	if s.completer == nil {
		return Synthesis{}, errors.New("inference client unavailable")
	}
	if onProgress == nil {
		onProgress = func(float64, string) {}
	}

	planned, err := s.synthesizePlanned(ctx, query, results, onProgress)
	if err == nil {
		return planned, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Synthesis{}, ctxErr
	}
	if credentialsFailed(err) {
		return Synthesis{}, err
	}
	s.logger.Warn("planned synthesis failed; falling back to parallel sections", zap.Error(err))

	onProgress(0.8, "Writing report sections in parallel")
	parallel, parallelErr := s.synthesizeParallel(ctx, query, results)
	if parallelErr == nil {
		parallel.Utilization = s.checkUtilization(parallel.Text, results)
		return parallel, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Synthesis{}, ctxErr
	}
	if credentialsFailed(parallelErr) {
		return Synthesis{}, parallelErr
	}
	s.logger.Warn("parallel synthesis failed; falling back to single pass", zap.Error(parallelErr))

	onProgress(0.9, "Writing report in a single pass")
	single, singleErr := s.synthesizeSinglePass(ctx, query, results)
	if singleErr != nil {
		return Synthesis{}, fmt.Errorf("synthesis failed on every path: %w", singleErr)
	}
	single.Utilization = s.checkUtilization(single.Text, results)
	return single, nil
}

func (s *Synthesizer) synthesizePlanned(ctx context.Context, query string, results []TaskResult, onProgress SynthesisProgress) (Synthesis, error) {
	onProgress(0, "Planning report structure")
	plan, err := s.plan(ctx, query, results)
	if err != nil {
		return Synthesis{}, err
	}
	if err := ctx.Err(); err != nil {
		return Synthesis{}, err
	}

	facts := NewFactSet()
	written := make([]writtenSection, 0, len(plan.Sections))
	total := float64(len(plan.Sections))

	for i, section := range plan.Sections {
		onProgress(0.05+0.9*float64(i)/total, fmt.Sprintf("Writing section %d of %d: %s", i+1, len(plan.Sections), section.Title))
		s.logger.Debug("writing section",
			zap.String("section", section.Title),
			zap.String("draw_from", taskNumbers(section.DrawFrom)),
			zap.Int("tracked_facts", facts.Len()),
		)

		raw, err := s.completer.Complete(ctx, inference.Request{
			System: sectionSystemPrompt,
			Prompt: buildSectionPrompt(sectionPromptInput{
				Query:    query,
				Section:  section,
				Results:  results,
				Previous: written,
				Facts:    facts.Recent(factsShownToPrompts),
			}),
		})
		if err != nil {
			return Synthesis{}, fmt.Errorf("write section %q: %w", section.Title, err)
		}
		body := stripSectionHeading(raw, section.Title)
		if body == "" {
			return Synthesis{}, fmt.Errorf("write section %q: empty section", section.Title)
		}

		if facts.Len() > redundancyFactThreshold {
			body = s.removeRedundancy(ctx, section.Title, body, facts.Recent(factsShownToPrompts))
		}
		s.extractFacts(ctx, section.Title, body, facts)

		written = append(written, writtenSection{Title: section.Title, Body: body})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", plan.Title)
	titles := make([]string, 0, len(written))
	for _, section := range written {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.Title, section.Body)
		titles = append(titles, section.Title)
	}
	return Synthesis{
		Text:     strings.TrimSpace(b.String()),
		Title:    plan.Title,
		Sections: titles,
		Mode:     SynthesisPlanned,
	}, nil
}

// plan asks for an outline and falls back to DefaultPlan on any failure
// other than rejected credentials.
func (s *Synthesizer) plan(ctx context.Context, query string, results []TaskResult) (ReportPlan, error) {
	raw, err := s.completer.Complete(ctx, inference.Request{
		Prompt:    buildPlanPrompt(query, results),
		MaxTokens: planMaxTokens,
	})
	if credentialsFailed(err) {
		return ReportPlan{}, fmt.Errorf("plan report: %w", err)
	}
	if err != nil {
		s.logger.Warn("plan request failed; using default outline", zap.Error(err))
		return DefaultPlan(query), nil
	}
	plan, err := parseReportPlan(raw)
	if err != nil {
		s.logger.Warn("plan response invalid; using default outline", zap.Error(err))
		return DefaultPlan(query), nil
	}
	return plan, nil
}

// credentialsFailed reports errors every model and every path would repeat.
// Exhausted models still fall back, since cooldowns lapse between paths.
func credentialsFailed(err error) bool {
	return errors.Is(err, inference.ErrUnauthorized) || errors.Is(err, inference.ErrMissingAPIKey)
}

// removeRedundancy returns body unchanged when the cleanup call fails.
func (s *Synthesizer) removeRedundancy(ctx context.Context, title, body string, facts []string) string {
	cleaned, err := s.completer.Complete(ctx, inference.Request{
		System: redundancySystemPrompt,
		Prompt: buildRedundancyPrompt(title, body, facts),
	})
	if err != nil {
		s.logger.Warn("redundancy pass failed; keeping section", zap.String("section", title), zap.Error(err))
		return body
	}
	cleaned = stripSectionHeading(cleaned, title)
	if cleaned == "" {
		return body
	}
	return cleaned
}

func (s *Synthesizer) extractFacts(ctx context.Context, title, body string, facts *FactSet) {
	raw, err := s.completer.Complete(ctx, inference.Request{
		System:    factSystemPrompt,
		Prompt:    buildFactExtractionPrompt(title, body),
		MaxTokens: factMaxTokens,
	})
	if err != nil {
		s.logger.Warn("fact extraction failed", zap.String("section", title), zap.Error(err))
		return
	}
	added := facts.Add(parseFacts(raw)...)
	s.logger.Debug("facts tracked", zap.String("section", title), zap.Int("added", added), zap.Int("total", facts.Len()))
}

func (s *Synthesizer) synthesizeParallel(ctx context.Context, query string, results []TaskResult) (Synthesis, error) {
	models := s.completer.Models()
	bodies := make([]string, len(parallelSections))

	var mu sync.Mutex
	var failures []error

	group, groupCtx := errgroup.WithContext(ctx)
	for i, section := range parallelSections {
		model := ""
		if len(models) > 0 {
			model = models[i%len(models)]
		}
		group.Go(func() error {
			raw, err := s.completer.Complete(groupCtx, inference.Request{
				System: synthesisSystemPrompt,
				Prompt: buildParallelSectionPrompt(query, section, results),
				Model:  model,
			})
			if err != nil {
				if ctxErr := groupCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", section.Title, err))
				mu.Unlock()
				return nil
			}
			bodies[i] = stripSectionHeading(raw, section.Title)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Synthesis{}, err
	}

	parts := make([]string, 0, len(bodies))
	titles := make([]string, 0, len(bodies))
	for i, body := range bodies {
		if body == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", parallelSections[i].Title, body))
		titles = append(titles, parallelSections[i].Title)
	}
	if len(parts) == 0 {
		return Synthesis{}, fmt.Errorf("no parallel section succeeded: %w", errors.Join(failures...))
	}
	for _, failure := range failures {
		s.logger.Warn("parallel section failed", zap.Error(failure))
	}

	title := DefaultPlan(query).Title
	return Synthesis{
		Text:     fmt.Sprintf("# %s\n\n%s", title, strings.Join(parts, sectionSeparator)),
		Title:    title,
		Sections: titles,
		Mode:     SynthesisParallel,
	}, nil
}

func (s *Synthesizer) synthesizeSinglePass(ctx context.Context, query string, results []TaskResult) (Synthesis, error) {
	raw, err := s.completer.Complete(ctx, inference.Request{
		System: synthesisSystemPrompt,
		Prompt: buildSinglePassPrompt(query, results),
	})
	if err != nil {
		return Synthesis{}, err
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return Synthesis{}, errors.New("single pass synthesis returned empty text")
	}
	return Synthesis{
		Text:     text,
		Title:    DefaultPlan(query).Title,
		Sections: markdownHeadings(text),
		Mode:     SynthesisSinglePass,
	}, nil
}

// checkUtilization reports the share of sources whose title prefix or domain
// appears in the report text. It is a diagnostic only.
func (s *Synthesizer) checkUtilization(text string, results []TaskResult) *float64 {
	ratio, used, total := SourceUtilization(text, results)
	if total == 0 {
		return nil
	}
	if ratio < utilizationWarnThreshold {
		s.logger.Warn("report cites few of the collected sources",
			zap.Int("used", used),
			zap.Int("total", total),
			zap.Float64("ratio", ratio),
		)
	}
	return &ratio
}

func SourceUtilization(text string, results []TaskResult) (ratio float64, used, total int) {
	lower := strings.ToLower(text)
	for _, result := range results {
		for _, source := range result.Sources {
			total++
			titleKey := strings.ToLower(strings.TrimSpace(trimToRunes(source.Title, utilizationTitleRunes)))
			domainKey := strings.ToLower(source.Domain)
			if (titleKey != "" && strings.Contains(lower, titleKey)) || (domainKey != "" && strings.Contains(lower, domainKey)) {
				used++
			}
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	return float64(used) / float64(total), used, total
}

// stripSectionHeading drops leading heading lines that repeat the section
// title; the pipeline adds its own heading.
func stripSectionHeading(raw, title string) string {
	text := strings.TrimSpace(raw)
	want := normalizeHeading(title)
	for {
		line, rest, _ := strings.Cut(text, "\n")
		trimmed := strings.TrimSpace(line)
		if !headingPrefixPattern.MatchString(trimmed) || normalizeHeading(trimmed) != want {
			return text
		}
		text = strings.TrimSpace(rest)
	}
}

func normalizeHeading(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimLeft(value, "# ")
	value = strings.Trim(value, "*_: ")
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

func markdownHeadings(text string) []string {
	var headings []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			headings = append(headings, strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")))
		}
	}
	return headings
}
