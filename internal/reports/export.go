package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	gcsapi "google.golang.org/api/storage/v1"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/research"
)

const markdownContentType = "text/markdown; charset=utf-8"

// Exporter publishes a finished report somewhere outside the database and
// returns where it was written.
type Exporter interface {
	Export(ctx context.Context, report research.ReportResult) (string, error)
}

// GCSExporter writes reports as markdown objects to a Cloud Storage bucket.
type GCSExporter struct {
	bucketName string
	service    *gcsapi.Service
}

func NewGCSExporter(ctx context.Context, bucketName string, opts ...option.ClientOption) (*GCSExporter, error) {
	trimmedBucket := strings.TrimSpace(bucketName)
	if trimmedBucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	service, err := gcsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}

	if _, err := service.Buckets.Get(trimmedBucket).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("read gcs bucket attrs: %w", err)
	}

	return &GCSExporter{bucketName: trimmedBucket, service: service}, nil
}

func (e *GCSExporter) Export(ctx context.Context, report research.ReportResult) (string, error) {
	objectPath := ObjectPath(report)
	if objectPath == "" {
		return "", errors.New("report id is required")
	}

	object := &gcsapi.Object{
		Name:        objectPath,
		ContentType: markdownContentType,
		Metadata: map[string]string{
			"query":          report.OriginalQuery,
			"synthesis-mode": string(report.SynthesisMode),
			"total-sources":  fmt.Sprintf("%d", report.TotalSources),
		},
	}

	body := []byte(RenderMarkdown(report))
	if _, err := e.service.Objects.Insert(e.bucketName, object).Media(bytes.NewReader(body)).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("write gcs object %q: %w", objectPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", e.bucketName, objectPath), nil
}

// ObjectPath is reports/YYYY/MM/<id>.md, dated by the report timestamp.
func ObjectPath(report research.ReportResult) string {
	id := strings.Trim(strings.TrimSpace(report.ID), "/")
	if id == "" {
		return ""
	}
	if report.Timestamp.IsZero() {
		return fmt.Sprintf("reports/%s.md", id)
	}
	return fmt.Sprintf("reports/%s/%s.md", report.Timestamp.UTC().Format("2006/01"), id)
}

// RenderMarkdown appends a numbered source list to the synthesized report.
func RenderMarkdown(report research.ReportResult) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(report.FinalSynthesis))
	if len(report.AllSources) == 0 {
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString("\n\n## Sources\n\n")
	for i, source := range report.AllSources {
		title := strings.TrimSpace(source.Title)
		if title == "" {
			title = source.URL
		}
		fmt.Fprintf(&b, "%d. [%s](%s) (%s)\n", i+1, title, source.URL, source.Domain)
	}
	return b.String()
}
