package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/research"
)

var ErrNotFound = errors.New("report not found")

const (
	defaultListLimit = 50
	maxListLimit     = 200
	// Fixed-width UTC timestamps so text ordering matches time ordering.
	timestampLayout = "2006-01-02T15:04:05.000000000Z"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  query TEXT NOT NULL,
  status TEXT NOT NULL,
  synthesis_mode TEXT NOT NULL,
  total_sources INTEGER NOT NULL,
  research_seconds REAL NOT NULL,
  export_path TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_owner_created ON reports (owner, created_at DESC);
`

// Summary is the list view of a stored report.
type Summary struct {
	ID                  string                 `json:"id"`
	Query               string                 `json:"query"`
	Status              research.ReportStatus  `json:"status"`
	SynthesisMode       research.SynthesisMode `json:"synthesisMode"`
	TotalSources        int                    `json:"totalSources"`
	ResearchTimeSeconds float64                `json:"researchTimeSeconds"`
	ExportPath          string                 `json:"exportPath,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return Store{db: db}
}

func (s Store) Migrate(ctx context.Context) error {
	for _, statement := range strings.Split(schema, ";") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate reports: %w", err)
		}
	}
	return nil
}

// Save stores a finished report for owner, replacing any earlier copy with
// the same ID.
func (s Store) Save(ctx context.Context, owner string, report research.ReportResult) error {
	if strings.TrimSpace(report.ID) == "" {
		return errors.New("report id is required")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	createdAt := report.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
INSERT INTO reports (id, owner, query, status, synthesis_mode, total_sources, research_seconds, created_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  synthesis_mode = excluded.synthesis_mode,
  total_sources = excluded.total_sources,
  research_seconds = excluded.research_seconds,
  payload = excluded.payload;
`
	if _, err := s.db.ExecContext(ctx, query,
		report.ID,
		normalizeOwner(owner),
		report.OriginalQuery,
		string(report.Status),
		string(report.SynthesisMode),
		report.TotalSources,
		report.ResearchTimeSeconds,
		createdAt.UTC().Format(timestampLayout),
		string(payload),
	); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s Store) SetExportPath(ctx context.Context, id, exportPath string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE reports SET export_path = ? WHERE id = ?;`, exportPath, id)
	if err != nil {
		return fmt.Errorf("set export path: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) Get(ctx context.Context, owner, id string) (research.ReportResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM reports WHERE id = ? AND owner = ? LIMIT 1;`, id, normalizeOwner(owner)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return research.ReportResult{}, ErrNotFound
	}
	if err != nil {
		return research.ReportResult{}, fmt.Errorf("get report: %w", err)
	}

	var report research.ReportResult
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return research.ReportResult{}, fmt.Errorf("decode report %s: %w", id, err)
	}
	return report, nil
}

// List returns owner's reports, newest first.
func (s Store) List(ctx context.Context, owner string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, query, status, synthesis_mode, total_sources, research_seconds, export_path, created_at
FROM reports
WHERE owner = ?
ORDER BY created_at DESC
LIMIT ?;
`, normalizeOwner(owner), limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0, 16)
	for rows.Next() {
		var (
			summary   Summary
			status    string
			mode      string
			createdAt string
		)
		if err := rows.Scan(&summary.ID, &summary.Query, &status, &mode, &summary.TotalSources, &summary.ResearchTimeSeconds, &summary.ExportPath, &createdAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		summary.Status = research.ReportStatus(status)
		summary.SynthesisMode = research.SynthesisMode(mode)
		if parsed, err := time.Parse(timestampLayout, createdAt); err == nil {
			summary.CreatedAt = parsed
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return summaries, nil
}

func normalizeOwner(owner string) string {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if owner == "" {
		return "anonymous"
	}
	return owner
}
