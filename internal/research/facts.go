package research

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minFactRunes = 3
	maxFactRunes = 200
)

var listMarkerPattern = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)

// FactSet is the ordered set of facts already stated in a report. It only
// grows, and adding a fact twice is a no-op.
type FactSet struct {
	order []string
	index map[string]struct{}
}

func NewFactSet() *FactSet {
	return &FactSet{index: make(map[string]struct{})}
}

// Add lowercases and inserts facts, returning how many were new.
func (f *FactSet) Add(facts ...string) int {
	added := 0
	for _, fact := range facts {
		key := strings.ToLower(strings.Join(strings.Fields(fact), " "))
		if n := utf8.RuneCountInString(key); n < minFactRunes || n > maxFactRunes {
			continue
		}
		if _, exists := f.index[key]; exists {
			continue
		}
		f.index[key] = struct{}{}
		f.order = append(f.order, key)
		added++
	}
	return added
}

func (f *FactSet) Len() int {
	return len(f.order)
}

// Recent returns up to n of the most recently added facts, oldest first.
func (f *FactSet) Recent(n int) []string {
	if n <= 0 || len(f.order) == 0 {
		return nil
	}
	start := len(f.order) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, len(f.order)-start)
	copy(out, f.order[start:])
	return out
}

// parseFacts reads a fact-extraction response. A JSON array of strings is
// preferred; otherwise every non-empty line counts, with list markers removed.
func parseFacts(raw string) []string {
	if block := extractJSONArray(raw); block != "" {
		var facts []string
		if err := json.Unmarshal([]byte(block), &facts); err == nil {
			return facts
		}
	}

	lines := strings.Split(raw, "\n")
	facts := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := listMarkerPattern.ReplaceAllString(strings.TrimSpace(line), "")
		trimmed = strings.Trim(trimmed, "\"'` ")
		if trimmed == "" || strings.HasSuffix(trimmed, ":") {
			continue
		}
		facts = append(facts, trimmed)
	}
	return facts
}
