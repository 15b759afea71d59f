package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const heroScanByteLimit = 50 * 1024

var heroMetaSelectors = []string{
	`meta[property="og:image"]`,
	`meta[property="og:image:url"]`,
	`meta[name="og:image"]`,
	`meta[name="twitter:image"]`,
	`meta[property="twitter:image"]`,
	`meta[name="twitter:image:src"]`,
}

// HeroScraper finds the social preview image an article page advertises.
type HeroScraper struct {
	client    *http.Client
	guard     func(ctx context.Context, raw string) error
	userAgent string
	timeout   time.Duration
}

func NewHeroScraper(client *http.Client, guard func(ctx context.Context, raw string) error, userAgent string, timeout time.Duration) *HeroScraper {
	if client == nil {
		client = &http.Client{}
	}
	copied := *client
	if guard != nil {
		copied.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return guard(req.Context(), req.URL.String())
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HeroScraper{client: &copied, guard: guard, userAgent: userAgent, timeout: timeout}
}

// Scrape returns the absolute og:image or twitter:image URL of pageURL, or ""
// when the page head does not declare one.
func (s *HeroScraper) Scrape(ctx context.Context, pageURL string) (string, error) {
	if s.guard != nil {
		if err := s.guard(ctx, pageURL); err != nil {
			return "", err
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, heroScanByteLimit))
	if err != nil {
		return "", fmt.Errorf("read page head: %w", err)
	}
	return heroFromHTML(string(head), resp.Request.URL), nil
}

func heroFromHTML(document string, base *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return ""
	}
	for _, selector := range heroMetaSelectors {
		content, ok := doc.Find(selector).First().Attr("content")
		if !ok {
			continue
		}
		if resolved := resolveImageURL(content, base); resolved != "" {
			return resolved
		}
	}
	return ""
}

func resolveImageURL(raw string, base *url.URL) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}
