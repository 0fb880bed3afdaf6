package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultReaderRedirects = 3
	defaultReaderMaxRunes  = 20_000
	defaultReaderMaxBytes  = int64(1_500_000)
	defaultReaderTimeout   = 12 * time.Second
	readerUserAgent        = "deep-research-reader/1.0"
	readerAccept           = "text/html,application/xhtml+xml,text/plain,text/markdown,application/json,application/pdf;q=0.9,*/*;q=0.2"
)

var errEmptyPage = errors.New("page has no extractable text")

type ReaderConfig struct {
	RequestTimeout time.Duration
	MaxBytes       int64
	MaxRedirects   int
	MaxTextRunes   int
}

// HTTPReader fetches a page directly when the search API has no text for it.
// Only public http(s) hosts are dialed.
type HTTPReader struct {
	cfg        ReaderConfig
	httpClient *http.Client
}

func NewHTTPReader(cfg ReaderConfig, httpClient *http.Client) *HTTPReader {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultReaderTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultReaderMaxBytes
	}
	cfg.MaxRedirects = intOrDefault(cfg.MaxRedirects, defaultReaderRedirects)
	cfg.MaxTextRunes = intOrDefault(cfg.MaxTextRunes, defaultReaderMaxRunes)

	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = secureDialContext(&net.Dialer{Timeout: cfg.RequestTimeout})
		httpClient = &http.Client{Transport: transport}
	}
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		_, err := validateResearchURL(req.URL.String())
		return err
	}

	return &HTTPReader{cfg: cfg, httpClient: httpClient}
}

func (r *HTTPReader) Read(ctx context.Context, rawURL string) (ReadResult, error) {
	target, err := validateResearchURL(rawURL)
	if err != nil {
		return ReadResult{URL: rawURL, FetchStatus: "blocked"}, err
	}
	result := ReadResult{URL: target.String(), FinalURL: target.String()}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		result.FetchStatus = "request_failed"
		return result, err
	}
	req.Header.Set("User-Agent", readerUserAgent)
	req.Header.Set("Accept", readerAccept)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		result.FetchStatus = "fetch_failed"
		return result, err
	}
	defer resp.Body.Close()

	result.FetchedAt = time.Now().UTC()
	result.FetchStatus = fmt.Sprintf("http_%d", resp.StatusCode)
	result.ContentType = mediaTypeOf(resp.Header.Get("Content-Type"))
	pageURL := finalURL(resp, target)
	result.FinalURL = pageURL.String()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	payload, truncated, err := readBoundedBody(resp.Body, r.cfg.MaxBytes)
	if err != nil {
		result.FetchStatus = "read_failed"
		return result, err
	}
	result.Truncated = truncated

	title, text, err := extractContent(result.ContentType, pageURL, payload, r.cfg.MaxTextRunes)
	switch {
	case errors.Is(err, errUnsupportedContentType):
		result.FetchStatus = "unsupported_content_type"
		return result, err
	case err != nil:
		result.FetchStatus = "extract_failed"
		return result, err
	case strings.TrimSpace(text) == "":
		result.FetchStatus = "empty_content"
		return result, errEmptyPage
	}

	result.Title = title
	result.Text = text
	result.FetchStatus = "ok"
	return result, nil
}

func mediaTypeOf(header string) string {
	value := strings.TrimSpace(header)
	if parsed, _, err := mime.ParseMediaType(value); err == nil {
		value = parsed
	}
	if value == "" {
		return "application/octet-stream"
	}
	return value
}

func finalURL(resp *http.Response, fallback *url.URL) *url.URL {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL
	}
	return fallback
}

// readBoundedBody reads at most maxBytes and reports whether more was
// available.
func readBoundedBody(r io.Reader, maxBytes int64) ([]byte, bool, error) {
	if maxBytes <= 0 {
		maxBytes = defaultReaderMaxBytes
	}
	payload, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(payload)) > maxBytes {
		return payload[:maxBytes], true, nil
	}
	return payload, false, nil
}
