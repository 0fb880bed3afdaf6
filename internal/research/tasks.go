package research

import (
	"strings"
)

type TaskCategory string

const (
	CategoryCoreConcepts       TaskCategory = "core_concepts"
	CategoryRecentDevelopments TaskCategory = "recent_developments"
	CategoryMarketPlayers      TaskCategory = "market_players"
	CategoryFutureTrends       TaskCategory = "future_trends"
	CategoryGeneric            TaskCategory = "generic"
)

// Task is one fixed sub-topic investigated by a specialist runner.
type Task struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Category    TaskCategory `json:"category"`
}

// DefaultTasks returns the four specialist tasks every run investigates.
func DefaultTasks() []Task {
	return []Task{
		{ID: "1", Description: "Core concepts and fundamentals", Category: CategoryCoreConcepts},
		{ID: "2", Description: "Recent developments and breakthroughs", Category: CategoryRecentDevelopments},
		{ID: "3", Description: "Market landscape and key players", Category: CategoryMarketPlayers},
		{ID: "4", Description: "Future trends and outlook", Category: CategoryFutureTrends},
	}
}

var queryTemplates = map[TaskCategory][3]string{
	CategoryCoreConcepts: {
		"%s fundamentals explained",
		"how %s works technical overview",
		"%s key concepts and principles",
	},
	CategoryRecentDevelopments: {
		"%s latest developments",
		"%s recent breakthroughs research",
		"%s news announcements this year",
	},
	CategoryMarketPlayers: {
		"%s market size leading companies",
		"%s industry key players competition",
		"%s investment funding commercial adoption",
	},
	CategoryFutureTrends: {
		"%s future trends predictions",
		"%s challenges and opportunities ahead",
		"%s roadmap next decade outlook",
	},
	CategoryGeneric: {
		"%s overview",
		"%s analysis",
		"%s expert insights",
	},
}

// categoryKeywords maps free-form task descriptions onto a template category.
var categoryKeywords = []struct {
	category TaskCategory
	keywords []string
}{
	{CategoryCoreConcepts, []string{"core", "concept", "fundamental", "basics"}},
	{CategoryRecentDevelopments, []string{"recent", "development", "breakthrough", "news"}},
	{CategoryMarketPlayers, []string{"market", "player", "compan", "industry"}},
	{CategoryFutureTrends, []string{"future", "trend", "outlook", "prediction"}},
}

// CategoryFor resolves the template category for a task, matching on its
// description when no category was set.
func CategoryFor(task Task) TaskCategory {
	if _, ok := queryTemplates[task.Category]; ok && task.Category != "" {
		return task.Category
	}
	lower := strings.ToLower(task.Description)
	for _, entry := range categoryKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(lower, keyword) {
				return entry.category
			}
		}
	}
	return CategoryGeneric
}

// BuildTaskQueries returns exactly three search queries for the task.
func BuildTaskQueries(query string, task Task) []string {
	base := strings.Join(strings.Fields(strings.TrimSpace(query)), " ")
	if base == "" {
		return nil
	}
	templates := queryTemplates[CategoryFor(task)]
	out := make([]string, 0, len(templates))
	for _, template := range templates {
		out = append(out, strings.Replace(template, "%s", base, 1))
	}
	return out
}
