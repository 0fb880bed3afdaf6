package research

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	minPlanSections    = 5
	maxPlanSections    = 6
	minSectionWords    = 150
	maxSectionWords    = 1500
	taskCountForPlan   = 4
	defaultReportTitle = "Research Report"
)

type ReportPlan struct {
	Title    string        `json:"title"`
	Sections []PlanSection `json:"sections"`
}

type PlanSection struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Purpose     string   `json:"purpose"`
	MustInclude []string `json:"mustInclude"`
	MustAvoid   []string `json:"mustAvoid"`
	DrawFrom    []int    `json:"drawFrom"`
	TargetWords int      `json:"targetWords"`
}

// DefaultPlan is the outline used whenever the planning call fails or its
// output does not validate.
func DefaultPlan(query string) ReportPlan {
	title := defaultReportTitle
	if trimmed := strings.TrimSpace(query); trimmed != "" {
		title = fmt.Sprintf("%s: %s", defaultReportTitle, trimmed)
	}
	return ReportPlan{
		Title: title,
		Sections: []PlanSection{
			{
				ID:          "executive-overview",
				Title:       "Executive Overview",
				Purpose:     "Summarize the most important findings across all research areas.",
				MustInclude: []string{"the headline conclusions", "why the topic matters now"},
				MustAvoid:   []string{"deep technical detail", "company-by-company breakdowns"},
				DrawFrom:    []int{1, 2, 3, 4},
				TargetWords: 300,
			},
			{
				ID:          "core-concepts",
				Title:       "Core Concepts and Technical Foundations",
				Purpose:     "Explain how the subject works and the principles behind it.",
				MustInclude: []string{"definitions", "key mechanisms"},
				MustAvoid:   []string{"market figures", "predictions"},
				DrawFrom:    []int{1},
				TargetWords: 500,
			},
			{
				ID:          "recent-developments",
				Title:       "Recent Developments",
				Purpose:     "Describe the latest breakthroughs, releases and research results.",
				MustInclude: []string{"dated milestones", "named research groups or products"},
				MustAvoid:   []string{"introductory definitions"},
				DrawFrom:    []int{2},
				TargetWords: 450,
			},
			{
				ID:          "market-landscape",
				Title:       "Market Landscape and Key Players",
				Purpose:     "Map the organizations, investment and competitive dynamics.",
				MustInclude: []string{"leading companies", "market size or funding figures"},
				MustAvoid:   []string{"technical explanations already covered"},
				DrawFrom:    []int{3},
				TargetWords: 450,
			},
			{
				ID:          "future-outlook",
				Title:       "Challenges and Future Outlook",
				Purpose:     "Assess open problems, risks and expected trajectory.",
				MustInclude: []string{"open challenges", "forecasts with their sources"},
				MustAvoid:   []string{"restating recent news"},
				DrawFrom:    []int{4},
				TargetWords: 450,
			},
			{
				ID:          "conclusions",
				Title:       "Conclusions and Recommendations",
				Purpose:     "Draw the findings together into actionable takeaways.",
				MustInclude: []string{"concrete recommendations"},
				MustAvoid:   []string{"new statistics not discussed earlier"},
				DrawFrom:    []int{1, 2, 3, 4},
				TargetWords: 300,
			},
		},
	}
}

// parseReportPlan decodes the planning response strictly. Unknown fields,
// out-of-range values and missing data are errors; nothing is partially
// accepted.
func parseReportPlan(raw string) (ReportPlan, error) {
	jsonRaw := extractJSONBlock(raw)
	if jsonRaw == "" {
		return ReportPlan{}, errors.New("plan response did not include json")
	}
	decoder := json.NewDecoder(strings.NewReader(jsonRaw))
	decoder.DisallowUnknownFields()

	var plan ReportPlan
	if err := decoder.Decode(&plan); err != nil {
		return ReportPlan{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := validatePlan(&plan); err != nil {
		return ReportPlan{}, err
	}
	return plan, nil
}

func validatePlan(plan *ReportPlan) error {
	plan.Title = strings.TrimSpace(plan.Title)
	if plan.Title == "" {
		return errors.New("plan title is required")
	}
	if n := len(plan.Sections); n < minPlanSections || n > maxPlanSections {
		return fmt.Errorf("plan must have %d-%d sections, got %d", minPlanSections, maxPlanSections, n)
	}

	titles := make(map[string]struct{}, len(plan.Sections))
	for i := range plan.Sections {
		section := &plan.Sections[i]
		section.Title = strings.TrimSpace(section.Title)
		section.Purpose = strings.TrimSpace(section.Purpose)
		if section.Title == "" || section.Purpose == "" {
			return fmt.Errorf("plan section %d needs a title and purpose", i+1)
		}
		key := strings.ToLower(section.Title)
		if _, dup := titles[key]; dup {
			return fmt.Errorf("plan section title %q is repeated", section.Title)
		}
		titles[key] = struct{}{}

		if len(section.DrawFrom) == 0 {
			return fmt.Errorf("plan section %q draws from no tasks", section.Title)
		}
		seen := make(map[int]struct{}, len(section.DrawFrom))
		draw := make([]int, 0, len(section.DrawFrom))
		for _, taskNumber := range section.DrawFrom {
			if taskNumber < 1 || taskNumber > taskCountForPlan {
				return fmt.Errorf("plan section %q references unknown task %d", section.Title, taskNumber)
			}
			if _, ok := seen[taskNumber]; ok {
				continue
			}
			seen[taskNumber] = struct{}{}
			draw = append(draw, taskNumber)
		}
		section.DrawFrom = draw

		if section.TargetWords < minSectionWords || section.TargetWords > maxSectionWords {
			return fmt.Errorf("plan section %q target words %d out of range", section.Title, section.TargetWords)
		}
		section.MustInclude = dedupeStrings(section.MustInclude)
		section.MustAvoid = dedupeStrings(section.MustAvoid)
		section.ID = strings.TrimSpace(section.ID)
		if section.ID == "" {
			section.ID = fmt.Sprintf("section-%d", i+1)
		}
	}
	return nil
}

func extractJSONBlock(raw string) string {
	return extractDelimited(raw, "{", "}")
}

func extractJSONArray(raw string) string {
	return extractDelimited(raw, "[", "]")
}

func extractDelimited(raw, open, close string) string {
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, open) && strings.HasSuffix(value, close) {
		return value
	}
	start := strings.Index(value, open)
	end := strings.LastIndex(value, close)
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(value[start : end+1])
}
