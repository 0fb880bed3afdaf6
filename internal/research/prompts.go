package research

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	findingsRunesPerTask  = 1200
	snippetsPerTask       = 3
	snippetRunes          = 350
	sectionPreviewRunes   = 280
	factsShownToPrompts   = 30
	singlePassSourceLimit = 24
)

const sectionSystemPrompt = "You are a senior research analyst writing one section of a structured research report. " +
	"Write clear markdown prose with specific facts and named sources. Do not add a section heading."

const factSystemPrompt = "You extract specific facts from text. Respond with a JSON array of short strings only."

const redundancySystemPrompt = "You edit research reports. Return only the cleaned section text with no commentary."

const synthesisSystemPrompt = "You are a senior research analyst. Write well-structured, evidence-based markdown and cite sources by name."

func buildPlanPrompt(query string, results []TaskResult) string {
	var b strings.Builder
	b.WriteString("Plan a research report. Respond with strict JSON only.\n")
	b.WriteString(`Schema: {"title":string,"sections":[{"id":string,"title":string,"purpose":string,"mustInclude":string[],"mustAvoid":string[],"drawFrom":number[],"targetWords":number}]}`)
	b.WriteString("\nRules:\n")
	fmt.Fprintf(&b, "- Between %d and %d sections.\n", minPlanSections, maxPlanSections)
	b.WriteString("- Sections must not overlap; use mustAvoid to keep each section out of the others' territory.\n")
	fmt.Fprintf(&b, "- drawFrom lists research task numbers 1-%d whose findings the section may use.\n", taskCountForPlan)
	fmt.Fprintf(&b, "- targetWords between %d and %d.\n", minSectionWords, maxSectionWords)
	b.WriteString("\nResearch query:\n")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\nResearch tasks:\n")
	for i, result := range results {
		fmt.Fprintf(&b, "%d. %s (%d sources)\n", i+1, result.Task.Description, len(result.Sources))
	}
	return strings.TrimSpace(b.String())
}

type sectionPromptInput struct {
	Query    string
	Section  PlanSection
	Results  []TaskResult
	Previous []writtenSection
	Facts    []string
}

func buildSectionPrompt(input sectionPromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n\n", strings.TrimSpace(input.Query))
	fmt.Fprintf(&b, "Write the section %q.\nPurpose: %s\nTarget length: about %d words.\n",
		input.Section.Title, input.Section.Purpose, input.Section.TargetWords)
	writeBulletList(&b, "Must include:", input.Section.MustInclude)
	writeBulletList(&b, "Must avoid:", input.Section.MustAvoid)

	b.WriteString("\nResearch findings:\n")
	for _, number := range input.Section.DrawFrom {
		if number < 1 || number > len(input.Results) {
			continue
		}
		writeTaskContext(&b, input.Results[number-1])
	}

	if len(input.Previous) > 0 {
		b.WriteString("\nSections already written (do not repeat them):\n")
		for _, previous := range input.Previous {
			fmt.Fprintf(&b, "- %s: %s\n", previous.Title, trimToRunes(flattenWhitespace(previous.Body), sectionPreviewRunes))
		}
	}
	writeBulletList(&b, "\nFacts already stated in earlier sections. Never restate them:", input.Facts)

	b.WriteString("\nInstructions:\n")
	fmt.Fprintf(&b, "- Aim for %d words.\n", input.Section.TargetWords)
	b.WriteString("- Only use the findings above and name the sources you rely on.\n")
	b.WriteString("- Do not start with a heading or the section title.\n")
	return strings.TrimSpace(b.String())
}

func buildFactExtractionPrompt(sectionTitle, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract up to 12 specific facts, statistics or named entities stated in the section %q below.\n", sectionTitle)
	b.WriteString("Each item must be under 15 words. Respond with a JSON array of strings.\n\nSection:\n")
	b.WriteString(body)
	return b.String()
}

func buildRedundancyPrompt(sectionTitle, body string, facts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The section %q below may repeat facts that earlier sections already covered.\n", sectionTitle)
	writeBulletList(&b, "Facts already covered:", facts)
	b.WriteString("\nRemove sentences that only restate those facts, keep everything else, and keep the prose flowing.\n")
	b.WriteString("Return only the cleaned section text.\n\nSection:\n")
	b.WriteString(body)
	return b.String()
}

type parallelSection struct {
	Title       string
	Instruction string
}

var parallelSections = []parallelSection{
	{Title: "Executive Summary", Instruction: "Write a concise executive summary of the most important findings."},
	{Title: "Technical Deep Dive", Instruction: "Explain the technical foundations and how the technology works in depth."},
	{Title: "Market Analysis", Instruction: "Analyze the market, the key players, investment and competitive dynamics."},
	{Title: "Future Outlook", Instruction: "Assess future trends, open challenges and likely developments."},
	{Title: "Source Analysis", Instruction: "Assess the quality, diversity and reliability of the sources and name the most important ones."},
}

func buildParallelSectionPrompt(query string, section parallelSection, results []TaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n\n", strings.TrimSpace(query))
	fmt.Fprintf(&b, "Section: %s\n%s\nDo not add a heading.\n\nResearch findings:\n", section.Title, section.Instruction)
	for _, result := range results {
		writeTaskContext(&b, result)
	}
	return strings.TrimSpace(b.String())
}

func buildSinglePassPrompt(query string, results []TaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a comprehensive research report on: %s\n", strings.TrimSpace(query))
	b.WriteString("Use markdown with a title and 5 to 6 sections. Cite sources by name.\n\nResearch findings:\n")
	for _, result := range results {
		writeTaskContext(&b, result)
	}

	sources := topSources(results, singlePassSourceLimit)
	if len(sources) > 0 {
		b.WriteString("\nSources:\n")
		for _, source := range sources {
			fmt.Fprintf(&b, "- %s (%s)\n", source.Title, source.URL)
		}
	}
	fmt.Fprintf(&b, "\nDate: %s\n", time.Now().UTC().Format("2006-01-02"))
	return strings.TrimSpace(b.String())
}

func writeTaskContext(b *strings.Builder, result TaskResult) {
	fmt.Fprintf(b, "\n### Task %s: %s\n", result.Task.ID, result.Task.Description)
	b.WriteString(trimToRunes(result.Findings, findingsRunesPerTask))
	b.WriteString("\n")
	for _, source := range topSources([]TaskResult{result}, snippetsPerTask) {
		fmt.Fprintf(b, "- [%s] (%s): %s\n", source.Title, source.Domain, trimToRunes(flattenWhitespace(source.Content), snippetRunes))
	}
}

// topSources returns up to limit sources across results, highest score first.
func topSources(results []TaskResult, limit int) []Source {
	all := make([]Source, 0)
	for _, result := range results {
		all = append(all, result.Sources...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Score > all[j].Score
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func writeBulletList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(heading)
	b.WriteString("\n")
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
}

func flattenWhitespace(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

func taskNumbers(numbers []int) string {
	parts := make([]string, 0, len(numbers))
	for _, n := range numbers {
		parts = append(parts, strconv.Itoa(n))
	}
	return strings.Join(parts, ",")
}
