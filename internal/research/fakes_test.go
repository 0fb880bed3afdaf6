package research

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/exa"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/inference"
)

const fakeURLPool = 400

var longArticleText = strings.Repeat("Quantum processors use superconducting qubits to run error corrected circuits. ", 12)

// fakeSearcher serves deterministic results from a fixed pool of URLs. Each
// query starts at its own offset so tasks overlap only occasionally.
type fakeSearcher struct {
	mu          sync.Mutex
	queries     []string
	fetchCalls  int
	searchErr   func(query string, call int) error
	fetchErr    error
	resultCount func(query string, requested int) int
	text        string
}

func (f *fakeSearcher) Search(_ context.Context, query string, count int) ([]exa.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	call := len(f.queries)
	f.mu.Unlock()

	if f.searchErr != nil {
		if err := f.searchErr(query, call); err != nil {
			return nil, err
		}
	}
	if f.resultCount != nil {
		count = f.resultCount(query, count)
	}

	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(query))
	offset := int(hasher.Sum32() % fakeURLPool)

	text := f.text
	if text == "" {
		text = longArticleText
	}
	results := make([]exa.Result, 0, count)
	for i := 0; i < count; i++ {
		n := (offset + i) % fakeURLPool
		results = append(results, exa.Result{
			URL:   fmt.Sprintf("https://www.site%d.example.com/articles/%d?ref=%d", n%9, n, call),
			Title: fmt.Sprintf("Quantum article %d", n),
			Text:  text,
			Score: 1 - float64(i)/100,
		})
	}
	return results, nil
}

func (f *fakeSearcher) FetchContent(_ context.Context, urls []string) ([]exa.Result, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	text := f.text
	if text == "" {
		text = longArticleText
	}
	out := make([]exa.Result, 0, len(urls))
	for _, u := range urls {
		out = append(out, exa.Result{URL: u, Title: "Fetched " + u, Text: text})
	}
	return out, nil
}

func (f *fakeSearcher) searchQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fakeReader struct {
	mu    sync.Mutex
	calls []string
	text  string
	err   error
}

func (r *fakeReader) Read(_ context.Context, rawURL string) (ReadResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, rawURL)
	r.mu.Unlock()
	if r.err != nil {
		return ReadResult{}, r.err
	}
	return ReadResult{URL: rawURL, Title: "Read " + rawURL, Text: r.text, FetchStatus: "ok"}, nil
}

// scriptedCompleter answers each prompt kind with a canned response unless
// the test overrides it.
type scriptedCompleter struct {
	mu        sync.Mutex
	requests  []inference.Request
	models    []string
	factCalls int
	override  func(req inference.Request) (text string, handled bool, err error)
}

func (c *scriptedCompleter) Models() []string {
	if len(c.models) == 0 {
		return []string{"model-a", "model-b", "model-c"}
	}
	return c.models
}

func (c *scriptedCompleter) Complete(_ context.Context, req inference.Request) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.override != nil {
		if text, handled, err := c.override(req); handled {
			return text, err
		}
	}

	switch {
	case isPlanRequest(req):
		return validPlanJSON, nil
	case req.System == factSystemPrompt:
		c.mu.Lock()
		c.factCalls++
		n := c.factCalls
		c.mu.Unlock()
		return fmt.Sprintf(`["Fact %d alpha", "Fact %d beta", "Fact %d gamma", "Fact %d alpha"]`, n, n, n, n), nil
	case req.System == redundancySystemPrompt:
		_, body, _ := strings.Cut(req.Prompt, "Section:\n")
		return body, nil
	case req.System == sectionSystemPrompt:
		title := sectionTitleFromPrompt(req.Prompt)
		return fmt.Sprintf("## %s\n\nIBM and Google report progress on %s (site1.example.com).", title, strings.ToLower(title)), nil
	default:
		return "# Report\n\n## Summary\n\nQuantum article 1 from site1.example.com and site2.example.com.", nil
	}
}

func (c *scriptedCompleter) snapshot() []inference.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]inference.Request(nil), c.requests...)
}

func (c *scriptedCompleter) countWhere(match func(inference.Request) bool) int {
	count := 0
	for _, req := range c.snapshot() {
		if match(req) {
			count++
		}
	}
	return count
}

func isPlanRequest(req inference.Request) bool {
	return strings.HasPrefix(req.Prompt, "Plan a research report")
}

func sectionTitleFromPrompt(prompt string) string {
	_, rest, ok := strings.Cut(prompt, "Write the section \"")
	if !ok {
		return "Section"
	}
	title, _, _ := strings.Cut(rest, "\"")
	return title
}

const validPlanJSON = "Here is the outline:\n```json\n" + `{
  "title": "Quantum Computing in Depth",
  "sections": [
    {"id": "overview", "title": "Overview", "purpose": "Frame the field", "mustInclude": ["scope"], "mustAvoid": ["market data"], "drawFrom": [1, 2, 3, 4], "targetWords": 300},
    {"id": "hardware", "title": "Hardware Approaches", "purpose": "Compare qubit modalities", "mustInclude": [], "mustAvoid": [], "drawFrom": [1], "targetWords": 500},
    {"id": "progress", "title": "Recent Progress", "purpose": "Latest milestones", "mustInclude": [], "mustAvoid": [], "drawFrom": [2, 2], "targetWords": 400},
    {"id": "market", "title": "Industry Landscape", "purpose": "Key companies", "mustInclude": [], "mustAvoid": [], "drawFrom": [3], "targetWords": 400},
    {"id": "outlook", "title": "Outlook", "purpose": "What comes next", "mustInclude": [], "mustAvoid": [], "drawFrom": [4], "targetWords": 350}
  ]
}` + "\n```"
