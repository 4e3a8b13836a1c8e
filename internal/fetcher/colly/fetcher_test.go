package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-watch/internal/fetcher"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second})
	collector, robots := f.buildCollector(map[string]any{MetaRespectRobots: false}, &response{})
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if !collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be ignored when metadata overrides")
	}
	if robots != nil {
		t.Fatal("expected no robots recorder when robots are ignored")
	}
	if !collector.AllowURLRevisit {
		t.Fatal("expected revisits to be allowed")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var resp response
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, fetcher.HeadersFromMeta(map[string]any{fetcher.MetaHeaders: map[string]any{"X-Trace": "yes"}}), &resp)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if resp.statusCode != http.StatusOK || string(resp.body) != "body" || resp.contentType != "text/plain" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	if resp.err == nil || resp.err.Error() != "boom" || resp.statusCode != http.StatusBadGateway {
		t.Fatalf("expected error captured, got %+v", resp)
	}
}

func TestFetchExtractsText(t *testing.T) {
	t.Parallel()

	headers := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("X-Trace")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><nav>Menu</nav><div id="policy"><h1>Student visa</h1><p>Fee: 75 EUR</p></div></body></html>`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second})
	res := f.Fetch(context.Background(), srv.URL, map[string]any{
		fetcher.MetaSelector: "#policy",
		fetcher.MetaHeaders:  map[string]string{"X-Trace": "abc"},
	})
	require.True(t, res.Success, res.ErrorMessage)
	require.Equal(t, "Student visa\n\nFee: 75 EUR", res.RawText)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "colly", res.Metadata["engine"])
	require.Equal(t, "abc", <-headers)

	// The same URL can be fetched again.
	again := f.Fetch(context.Background(), srv.URL, nil)
	require.True(t, again.Success, again.ErrorMessage)
	require.Contains(t, again.RawText, "Menu")
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second})
	res := f.Fetch(context.Background(), srv.URL+"/gone", nil)
	require.False(t, res.Success)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.NotEmpty(t, res.ErrorMessage)

	res = f.Fetch(context.Background(), srv.URL+"/busy", nil)
	require.False(t, res.Success)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestFetchRejectsUnsupportedContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	t.Cleanup(srv.Close)

	res := New(Config{}).Fetch(context.Background(), srv.URL, nil)
	require.False(t, res.Success)
	require.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
	require.Contains(t, res.ErrorMessage, "application/pdf")
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, srv.URL, nil)
	require.False(t, res.Success)
	require.Zero(t, res.StatusCode)
	require.Contains(t, res.ErrorMessage, "canceled")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
