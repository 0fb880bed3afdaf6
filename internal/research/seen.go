package research

import (
	"net/url"
	"strings"
	"sync"
)

// SeenURLs is the run-wide set of claimed source URLs shared by every
// specialist task.
type SeenURLs struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func NewSeenURLs() *SeenURLs {
	return &SeenURLs{urls: make(map[string]struct{})}
}

// Claim records rawURL and reports whether the caller is the first to see
// it. Only the winner may fetch the document.
func (s *SeenURLs) Claim(rawURL string) bool {
	key := NormalizeURL(rawURL)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.urls[key]; exists {
		return false
	}
	s.urls[key] = struct{}{}
	return true
}

func (s *SeenURLs) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// NormalizeURL reduces rawURL to its lowercased host plus path, with query,
// fragment and trailing slash dropped. Scheme differences collapse.
func NormalizeURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}
	return host + strings.TrimRight(parsed.EscapedPath(), "/")
}

// DomainOf returns the URL's hostname without a leading "www.".
func DomainOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}
