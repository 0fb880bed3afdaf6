package research

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"rsc.io/pdf"
)

const (
	maxPDFTextRunes = 220_000
	maxTitleRunes   = 240
)

var errUnsupportedContentType = errors.New("unsupported content type")

// skippedHTMLElements never contribute visible text.
var skippedHTMLElements = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "svg": {}, "iframe": {}, "head": {}, "nav": {}, "footer": {},
}

// blockHTMLElements start a new line in the extracted text.
var blockHTMLElements = map[string]struct{}{
	"p": {}, "div": {}, "section": {}, "article": {}, "li": {}, "br": {}, "tr": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
}

func extractContent(mediaType string, pageURL *url.URL, body []byte, maxRunes int) (title, text string, err error) {
	switch mediaType := strings.ToLower(mediaType); {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		title, text, err = extractArticle(pageURL, body)
	case mediaType == "application/json":
		text = extractJSONText(body)
	case mediaType == "application/pdf":
		text, err = extractPDFText(body)
	case strings.HasPrefix(mediaType, "text/"):
		text = string(body)
	default:
		return "", "", errUnsupportedContentType
	}
	if err != nil {
		return "", "", err
	}
	return trimToRunes(strings.TrimSpace(title), maxTitleRunes), trimToRunes(normalizeExtractedText(text), maxRunes), nil
}

// extractArticle pulls the main article out of a page, falling back to all
// visible text when readability finds nothing usable.
func extractArticle(pageURL *url.URL, data []byte) (title, text string, err error) {
	if pageURL != nil {
		article, readErr := readability.FromReader(bytes.NewReader(data), pageURL)
		if readErr == nil {
			if body := normalizeExtractedText(article.TextContent); body != "" {
				return article.Title, body, nil
			}
		}
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	var builder strings.Builder
	collectVisibleText(doc, &builder)
	return documentTitle(doc), builder.String(), nil
}

func documentTitle(node *html.Node) string {
	if node.Type == html.ElementNode && node.Data == "title" && node.FirstChild != nil {
		return strings.TrimSpace(node.FirstChild.Data)
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if title := documentTitle(child); title != "" {
			return title
		}
	}
	return ""
}

func collectVisibleText(node *html.Node, out *strings.Builder) {
	if node.Type == html.ElementNode {
		tag := strings.ToLower(node.Data)
		if _, skip := skippedHTMLElements[tag]; skip {
			return
		}
		if _, block := blockHTMLElements[tag]; block && out.Len() > 0 {
			out.WriteByte('\n')
		}
	}
	if node.Type == html.TextNode {
		if trimmed := strings.TrimSpace(node.Data); trimmed != "" {
			out.WriteString(trimmed)
			out.WriteByte(' ')
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		collectVisibleText(child, out)
	}
}

func extractJSONText(data []byte) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return string(data)
	}
	return pretty.String()
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	runes := 0
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		for _, item := range page.Content().Text {
			chunk := strings.TrimSpace(item.S)
			if chunk == "" {
				continue
			}
			builder.WriteString(chunk)
			builder.WriteByte('\n')
			runes += utf8.RuneCountInString(chunk) + 1
			if runes >= maxPDFTextRunes {
				return builder.String(), nil
			}
		}
	}
	return builder.String(), nil
}

// normalizeExtractedText collapses runs of whitespace inside lines and drops
// blank lines.
func normalizeExtractedText(raw string) string {
	cleaned := strings.ToValidUTF8(strings.ReplaceAll(raw, "\r\n", "\n"), "")
	lines := strings.Split(cleaned, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if fields := strings.Fields(line); len(fields) > 0 {
			kept = append(kept, strings.Join(fields, " "))
		}
	}
	return strings.Join(kept, "\n")
}
