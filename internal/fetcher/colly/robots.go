package collyfetcher

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"
)

// MetaRobotsStatus is the fetch metadata key holding the robots.txt outcome.
const MetaRobotsStatus = "robots_status"

// Robots outcomes.
const (
	RobotsAllowed     = "allowed"
	RobotsDisallowed  = "disallowed"
	RobotsServerError = "server_error"
	RobotsUnreachable = "unreachable"
)

// robotsRecorder sits under the collector and remembers how the robots.txt
// request colly makes before a visit went.
type robotsRecorder struct {
	base http.RoundTripper

	mu     sync.Mutex
	seen   bool
	status int
	err    error
}

func newRobotsRecorder(base http.RoundTripper) *robotsRecorder {
	return &robotsRecorder{base: base}
}

func (r *robotsRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if !isRobotsTxtRequest(req) {
		return resp, err //nolint:wrapcheck
	}
	r.mu.Lock()
	r.seen = true
	r.err = err
	if resp != nil {
		r.status = resp.StatusCode
	}
	r.mu.Unlock()
	return resp, err //nolint:wrapcheck
}

// outcome reports what the robots.txt check decided for a visit that ended
// with visitErr. It is empty when no check ran.
func (r *robotsRecorder) outcome(visitErr error) string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen {
		return ""
	}
	blocked := errors.Is(visitErr, colly.ErrRobotsTxtBlocked)
	switch {
	case r.err != nil:
		return RobotsUnreachable
	case blocked && r.status >= http.StatusInternalServerError:
		return RobotsServerError
	case blocked:
		return RobotsDisallowed
	default:
		return RobotsAllowed
	}
}

// robotsFailure maps a refused visit onto the status the retry classifier
// reads. A disallow is permanent; an unavailable robots.txt is retried.
func robotsFailure(outcome, url string, err error) (int, string, bool) {
	switch outcome {
	case RobotsDisallowed:
		return http.StatusForbidden, fmt.Sprintf("disallowed by robots.txt: %s", url), true
	case RobotsServerError:
		return http.StatusServiceUnavailable, fmt.Sprintf("robots.txt server error for %s", url), true
	case RobotsUnreachable:
		return 0, fmt.Sprintf("robots.txt unreachable for %s: %v", url, err), true
	default:
		return 0, "", false
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}
