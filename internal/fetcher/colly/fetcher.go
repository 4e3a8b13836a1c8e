// Package collyfetcher retrieves static policy pages with gocolly and reduces
// them to visible text.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/policy-watch/internal/fetcher"
	"github.com/JakeFAU/policy-watch/internal/metrics"
	"github.com/JakeFAU/policy-watch/internal/policy"
)

// MetaRespectRobots overrides Config.RespectRobots per source.
const MetaRespectRobots = "respect_robots"

// EngineName identifies this fetcher in configuration and result metadata.
const EngineName = "colly"

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher retrieves a page with a Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	now       func() time.Time
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// response is what the hooks capture from a single visit.
type response struct {
	url         string
	statusCode  int
	contentType string
	body        []byte
	err         error
}

// New builds a Fetcher. Connections are pooled across fetches; collectors are not.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Func adapts the fetcher to the registry signature.
func (f *Fetcher) Func() fetcher.Func {
	return f.Fetch
}

// Fetch executes a single HTTP GET and extracts text. Failures are reported in
// the result.
func (f *Fetcher) Fetch(ctx context.Context, url string, meta map[string]any) policy.FetchResult {
	var resp response
	start := f.now()
	collector, robots := f.buildCollector(meta, &resp)

	if err := f.runCollector(ctx, collector, url); err != nil {
		if ctx.Err() != nil {
			// The visit may still be writing resp; report without reading it.
			return policy.FetchFailure(0, err.Error(), start)
		}
		if resp.err == nil {
			resp.err = err
		}
	}
	outcome := robots.outcome(resp.err)
	if outcome != "" {
		metrics.ObserveRobots(outcome)
	}
	if resp.err != nil {
		return f.failure(url, resp, start, outcome)
	}
	if resp.statusCode >= http.StatusBadRequest {
		resp.err = fmt.Errorf("unexpected status %d", resp.statusCode)
		return f.failure(url, resp, start, outcome)
	}

	text, err := toText(resp.contentType, resp.body, fetcher.SelectorFromMeta(meta))
	if err != nil {
		res := policy.FetchFailure(http.StatusUnsupportedMediaType, err.Error(), start)
		res.ContentType = resp.contentType
		res.Metadata = f.metadata(resp, start, outcome)
		return res
	}
	return policy.FetchResult{
		Success:     true,
		RawText:     text,
		ContentType: resp.contentType,
		StatusCode:  resp.statusCode,
		Metadata:    f.metadata(resp, start, outcome),
		FetchedAt:   start,
	}
}

func (f *Fetcher) failure(url string, resp response, start time.Time, robotsOutcome string) policy.FetchResult {
	status, msg := resp.statusCode, resp.err.Error()
	if code, robotsMsg, ok := robotsFailure(robotsOutcome, url, resp.err); ok {
		status, msg = code, robotsMsg
	} else if errors.Is(resp.err, colly.ErrRobotsTxtBlocked) {
		status = http.StatusForbidden
	}
	res := policy.FetchFailure(status, msg, start)
	res.ContentType = resp.contentType
	res.Metadata = f.metadata(resp, start, robotsOutcome)
	return res
}

func (f *Fetcher) metadata(resp response, start time.Time, robotsOutcome string) map[string]any {
	meta := map[string]any{
		"engine":      EngineName,
		"final_url":   resp.url,
		"status_code": resp.statusCode,
		"bytes":       len(resp.body),
		"duration_ms": f.now().Sub(start).Milliseconds(),
	}
	if robotsOutcome != "" {
		meta[MetaRobotsStatus] = robotsOutcome
	}
	return meta
}

// buildCollector returns a fresh collector per fetch. Clones would share the
// backend client and the robots.txt cache.
func (f *Fetcher) buildCollector(meta map[string]any, resp *response) (*colly.Collector, *robotsRecorder) {
	collector := colly.NewCollector(colly.Async(false))
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	respectRobots := f.cfg.RespectRobots
	if v, ok := meta[MetaRespectRobots].(bool); ok {
		respectRobots = v
	}
	collector.IgnoreRobotsTxt = !respectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var robots *robotsRecorder
	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if respectRobots {
		robots = newRobotsRecorder(transport)
		collector.WithTransport(robots)
	} else {
		collector.WithTransport(transport)
	}

	f.configureCollectorHooks(collector, fetcher.HeadersFromMeta(meta), resp)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, headers http.Header, resp *response) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		resp.url = r.Request.URL.String()
		resp.statusCode = r.StatusCode
		if r.Headers != nil {
			resp.contentType = r.Headers.Get("Content-Type")
		}
		resp.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			resp.statusCode = r.StatusCode
			if r.Headers != nil {
				resp.contentType = r.Headers.Get("Content-Type")
			}
		}
		resp.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func toText(contentType string, body []byte, selector string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		mediaType = http.DetectContentType(body)
		mediaType, _, _ = strings.Cut(mediaType, ";")
	}
	switch {
	case strings.Contains(mediaType, "html") || strings.Contains(mediaType, "xml"):
		text, err := fetcher.ExtractText(bytes.NewReader(body), selector)
		if err != nil {
			return "", fmt.Errorf("extract text: %w", err)
		}
		return text, nil
	case strings.HasPrefix(mediaType, "text/"):
		return string(body), nil
	default:
		return "", fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
