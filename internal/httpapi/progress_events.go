package httpapi

import (
	"strings"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/research"
)

const maxStreamedSources = 20

// progressEventData is the SSE view of an orchestrator update. The final
// report travels in its own result event, so it is left out here.
func progressEventData(update research.Update) map[string]any {
	event := map[string]any{
		"type":            "progress",
		"state":           update.State,
		"progressPercent": update.ProgressPercent,
		"sourcesFound":    update.SourcesFound,
	}

	if stage := strings.TrimSpace(update.Stage); stage != "" {
		event["stage"] = stage
	}
	if update.TotalSources > 0 {
		event["totalSources"] = update.TotalSources
	}
	if update.Completed {
		event["completed"] = true
	}
	if message := strings.TrimSpace(update.Error); message != "" {
		event["error"] = message
	}
	if len(update.ActivityUpdates) > 0 {
		event["activity"] = update.ActivityUpdates
	}
	if len(update.StreamingSources) > 0 {
		sources := update.StreamingSources
		if len(sources) > maxStreamedSources {
			sources = sources[:maxStreamedSources]
		}
		event["streamingSources"] = sources
	}

	return event
}
