package research

import (
	"errors"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/exa"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/inference"
)

var ErrEmptyQuery = errors.New("research query is required")

// IsFatal reports whether err must abort the whole run rather than degrade
// it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return exa.IsFatal(err) ||
		errors.Is(err, inference.ErrModelsExhausted) ||
		errors.Is(err, inference.ErrUnauthorized) ||
		errors.Is(err, inference.ErrMissingAPIKey)
}
