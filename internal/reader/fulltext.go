// Package reader extracts readable article text from web pages.
package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultFetchTimeout  = 15 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024

	defaultUserAgent = "newsloom-reader/1.0 (+https://horse.fit/newsloom)"
	maxRedirects     = 5
)

// Options controls HTTP behavior for full-text extraction.
type Options struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
	// Guard validates the page URL and every redirect target. Nil allows all.
	Guard func(ctx context.Context, raw string) error
}

// Extractor downloads an article page and renders its main content as text.
type Extractor struct {
	client    *http.Client
	timeout   time.Duration
	bodyLimit int64
	userAgent string
	guard     func(ctx context.Context, raw string) error
}

func NewExtractor(opts Options) *Extractor {
	e := &Extractor{
		client:    opts.HTTPClient,
		timeout:   opts.Timeout,
		bodyLimit: opts.BodyByteLimit,
		userAgent: strings.TrimSpace(opts.UserAgent),
		guard:     opts.Guard,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultFetchTimeout
	}
	if e.bodyLimit <= 0 {
		e.bodyLimit = DefaultBodyByteLimit
	}
	if e.userAgent == "" {
		e.userAgent = defaultUserAgent
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: e.timeout}
	}
	if e.guard != nil {
		guarded := *e.client
		guarded.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return e.guard(req.Context(), req.URL.String())
		}
		e.client = &guarded
	}
	return e
}

// Extract returns the cleaned main text of pageURL. Pages served as plain text
// are returned as-is after whitespace cleanup.
func (e *Extractor) Extract(ctx context.Context, pageURL string) (string, error) {
	page := strings.TrimSpace(pageURL)
	if page == "" {
		return "", fmt.Errorf("page url is required")
	}

	if e.guard != nil {
		if err := e.guard(ctx, page); err != nil {
			return "", err
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.bodyLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/plain") {
		text := CleanText(string(body))
		if text == "" {
			return "", fmt.Errorf("empty plain text page")
		}
		return text, nil
	}

	base, err := url.Parse(page)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	article, err := readability.FromReader(bytes.NewReader(body), base)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return "", fmt.Errorf("render readability text: %w", err)
	}
	text := CleanText(rendered.String())
	if text == "" {
		text = CleanText(article.Excerpt())
	}
	if text == "" {
		return "", fmt.Errorf("no readable content")
	}
	return text, nil
}

// PlainText strips markup from an HTML fragment such as a feed summary.
func PlainText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// CleanText normalizes line endings and collapses in-line whitespace, keeping
// one blank line between paragraphs.
func CleanText(raw string) string {
	normalized := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(raw)

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		if clean := strings.Join(strings.Fields(line), " "); clean != "" {
			paragraphs = append(paragraphs, clean)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// Truncate clips text to maxRunes, ending on an ellipsis when clipped.
func Truncate(raw string, maxRunes int) string {
	trimmed := strings.TrimSpace(raw)
	if maxRunes <= 0 {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) <= maxRunes {
		return trimmed
	}
	if maxRunes == 1 {
		return "…"
	}
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}
