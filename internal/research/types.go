package research

import (
	"context"
	"time"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/exa"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/inference"
)

type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]exa.Result, error)
	FetchContent(ctx context.Context, urls []string) ([]exa.Result, error)
}

type Completer interface {
	Complete(ctx context.Context, req inference.Request) (string, error)
	Models() []string
}

type Reader interface {
	Read(ctx context.Context, rawURL string) (ReadResult, error)
}

type ReadResult struct {
	URL         string
	FinalURL    string
	Title       string
	ContentType string
	Text        string
	FetchStatus string
	FetchedAt   time.Time
	Truncated   bool
}

// Source is one fetched document. It is never modified after creation.
type Source struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	WordCount int     `json:"wordCount"`
	Score     float64 `json:"score"`
	TaskID    string  `json:"taskId"`
	Domain    string  `json:"domain"`
}

// SourceSummary is the streaming view of a Source sent to presenters.
type SourceSummary struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Domain    string  `json:"domain"`
	WordCount int     `json:"wordCount"`
	Score     float64 `json:"score"`
	TaskID    string  `json:"taskId"`
}

func (s Source) Summary() SourceSummary {
	return SourceSummary{
		URL:       s.URL,
		Title:     s.Title,
		Domain:    s.Domain,
		WordCount: s.WordCount,
		Score:     s.Score,
		TaskID:    s.TaskID,
	}
}

type TaskStatus string

const (
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

type TaskResult struct {
	Task     Task       `json:"task"`
	Target   int        `json:"target"`
	Queries  []string   `json:"queries"`
	Sources  []Source   `json:"sources"`
	Findings string     `json:"findings"`
	Status   TaskStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

type RunState string

const (
	StateInit             RunState = "init"
	StatePreflight        RunState = "preflight"
	StateAgentsRunning    RunState = "agents_running"
	StateSynthesisRunning RunState = "synthesis_running"
	StateComplete         RunState = "complete"
	StateFailed           RunState = "failed"
)

type SynthesisMode string

const (
	SynthesisPlanned    SynthesisMode = "planned"
	SynthesisParallel   SynthesisMode = "parallel"
	SynthesisSinglePass SynthesisMode = "single_pass"
)

type ReportStatus string

const (
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusFailed    ReportStatus = "failed"
)

type ReportResult struct {
	ID                  string        `json:"id"`
	OriginalQuery       string        `json:"originalQuery"`
	TaskResults         []TaskResult  `json:"taskResults"`
	AllSources          []Source      `json:"allSources"`
	FinalSynthesis      string        `json:"finalSynthesis"`
	Sections            []string      `json:"sections"`
	TotalSources        int           `json:"totalSources"`
	ResearchTimeSeconds float64       `json:"researchTimeSeconds"`
	Timestamp           time.Time     `json:"timestamp"`
	Status              ReportStatus  `json:"status"`
	SynthesisMode       SynthesisMode `json:"synthesisMode"`
	SourceUtilization   *float64      `json:"sourceUtilization,omitempty"`
}

// Update is one message on the progress channel. The last update of a run
// always has Completed set, with either FinalResult or Error.
type Update struct {
	State            RunState        `json:"state"`
	Stage            string          `json:"stage"`
	Query            string          `json:"query"`
	SourcesFound     int             `json:"sourcesFound"`
	TotalSources     int             `json:"totalSources"`
	ProgressPercent  int             `json:"progressPercent"`
	Completed        bool            `json:"completed"`
	Error            string          `json:"error,omitempty"`
	FinalResult      *ReportResult   `json:"finalResult,omitempty"`
	ActivityUpdates  []ActivityEntry `json:"activityUpdates"`
	StreamingSources []SourceSummary `json:"streamingSources"`
}
