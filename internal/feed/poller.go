// Package feed fetches and parses subscribed feeds.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout       = 20 * time.Second
	DefaultBodyByteLimit = 10 * 1024 * 1024
	DefaultHostInterval  = time.Second

	defaultUserAgent = "newsloom/1.0 (+https://horse.fit/newsloom)"
	maxRedirects     = 5
)

// Request carries the feed URL and the validators stored from the last poll.
type Request struct {
	URL          string
	ETag         string
	LastModified string
}

// Result is the outcome of one poll. ETag and LastModified are set whenever a
// response was received, including error responses.
type Result struct {
	StatusCode   int
	NotModified  bool
	ETag         string
	LastModified string
	Title        string
	Items        []ParsedItem
	FetchedAt    time.Time
}

// Options controls HTTP behavior for the poller.
type Options struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HostInterval  time.Duration
	HTTPClient    *http.Client
	// Guard validates every URL before it is requested, redirects included.
	// Nil uses CheckURL with the default resolver.
	Guard func(ctx context.Context, raw string) error
	Now   func() time.Time
}

// Poller performs guarded conditional fetches, paced per host.
type Poller struct {
	client    *http.Client
	guard     func(ctx context.Context, raw string) error
	userAgent string
	bodyLimit int64
	timeout   time.Duration
	interval  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewPoller(opts Options) *Poller {
	p := &Poller{
		guard:     opts.Guard,
		userAgent: strings.TrimSpace(opts.UserAgent),
		bodyLimit: opts.BodyByteLimit,
		timeout:   opts.Timeout,
		interval:  opts.HostInterval,
		now:       opts.Now,
		limiters:  make(map[string]*rate.Limiter),
	}
	if p.guard == nil {
		p.guard = func(ctx context.Context, raw string) error {
			return CheckURL(ctx, raw, nil)
		}
	}
	if p.userAgent == "" {
		p.userAgent = defaultUserAgent
	}
	if p.bodyLimit <= 0 {
		p.bodyLimit = DefaultBodyByteLimit
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.interval <= 0 {
		p.interval = DefaultHostInterval
	}
	if p.now == nil {
		p.now = time.Now
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	copied := *client
	copied.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return p.guard(req.Context(), req.URL.String())
	}
	p.client = &copied
	return p
}

// Poll fetches one feed. A 304 returns NotModified with no items. Non-2xx
// responses return *HTTPStatusError, unparseable bodies *ParseError and
// rejected URLs an error wrapping ErrUnsafeURL.
func (p *Poller) Poll(ctx context.Context, req Request) (Result, error) {
	result := Result{FetchedAt: p.now().UTC()}

	target := strings.TrimSpace(req.URL)
	if err := p.guard(ctx, target); err != nil {
		return result, err
	}
	parsedURL, err := url.Parse(target)
	if err != nil {
		return result, &UnsafeURLError{URL: target, Reason: "malformed url"}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.limiter(parsedURL.Hostname()).Wait(fetchCtx); err != nil {
		return result, fmt.Errorf("wait for host slot %s: %w", parsedURL.Hostname(), err)
	}

	httpReq, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target, nil)
	if err != nil {
		return result, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", p.userAgent)
	httpReq.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.5")
	if etag := strings.TrimSpace(req.ETag); etag != "" {
		httpReq.Header.Set("If-None-Match", etag)
	}
	if lastModified := strings.TrimSpace(req.LastModified); lastModified != "" {
		httpReq.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		var unsafe *UnsafeURLError
		if errors.As(err, &unsafe) {
			return result, unsafe
		}
		return result, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.ETag = strings.TrimSpace(resp.Header.Get("ETag"))
	result.LastModified = strings.TrimSpace(resp.Header.Get("Last-Modified"))

	if resp.StatusCode == http.StatusNotModified {
		if result.ETag == "" {
			result.ETag = strings.TrimSpace(req.ETag)
		}
		if result.LastModified == "" {
			result.LastModified = strings.TrimSpace(req.LastModified)
		}
		result.NotModified = true
		return result, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return result, &HTTPStatusError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.bodyLimit+1))
	if err != nil {
		return result, fmt.Errorf("read body %s: %w", target, err)
	}
	if int64(len(body)) > p.bodyLimit {
		return result, &ParseError{URL: target, Err: fmt.Errorf("body exceeds %d bytes", p.bodyLimit)}
	}

	title, items, err := Parse(body, resp.Request.URL.String(), result.FetchedAt)
	if err != nil {
		return result, &ParseError{URL: target, Err: err}
	}
	result.Title = title
	result.Items = items
	return result, nil
}

func (p *Poller) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)

	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(p.interval), 1)
	p.limiters[host] = l
	return l
}
