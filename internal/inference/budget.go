package inference

import "unicode/utf8"

const (
	charsPerToken      = 3.5
	userBudgetShare    = 0.8
	truncationMarker   = "[earlier content truncated]\n"
	minimumSystemChars = 64
)

// EstimateTokens approximates the token count of text at 3.5 characters per
// token.
func EstimateTokens(text string) int {
	return int(float64(utf8.RuneCountInString(text))/charsPerToken + 0.5)
}

// fitToBudget trims the system and user messages so their combined estimate
// stays within budget tokens. The user message gets 80% of the budget and the
// system message the remainder. Each trimmed message keeps its most recent
// characters behind a truncation marker.
func fitToBudget(system, prompt string, budget int) (string, string) {
	if budget <= 0 || EstimateTokens(system)+EstimateTokens(prompt) <= budget {
		return system, prompt
	}

	totalChars := int(float64(budget) * charsPerToken)
	userChars := int(float64(totalChars) * userBudgetShare)
	systemChars := totalChars - userChars

	// Leftover room on one side goes to the other.
	if n := utf8.RuneCountInString(system); n < systemChars {
		userChars += systemChars - n
		systemChars = n
	}
	if n := utf8.RuneCountInString(prompt); n < userChars {
		systemChars += userChars - n
		userChars = n
	}
	// Keep a little of the system message, paid for by the user share.
	if systemChars < minimumSystemChars && utf8.RuneCountInString(system) > systemChars {
		bump := min(minimumSystemChars, utf8.RuneCountInString(system)) - systemChars
		bump = min(bump, userChars)
		systemChars += bump
		userChars -= bump
	}

	return keepTail(system, systemChars), keepTail(prompt, userChars)
}

// keepTail keeps the last maxChars runes of text. The truncation marker is
// prepended, not appended, so a reader sees the cut before the kept tail.
// When maxChars cannot hold the marker the bare tail is returned.
func keepTail(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if maxChars <= 0 {
		return ""
	}
	markerLen := utf8.RuneCountInString(truncationMarker)
	keep := maxChars - markerLen
	if keep <= 0 {
		return string(runes[len(runes)-maxChars:])
	}
	return truncationMarker + string(runes[len(runes)-keep:])
}
