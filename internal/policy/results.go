package policy

import "time"

// FetchResult is what a fetcher returns. Ordinary failures are reported through
// Success/ErrorMessage/StatusCode rather than a Go error.
type FetchResult struct {
	Success      bool           `json:"success"`
	RawText      string         `json:"raw_text"`
	ContentType  string         `json:"content_type"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StatusCode   int            `json:"status_code,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	FetchedAt    time.Time      `json:"fetched_at"`
}

// FetchFailure builds an unsuccessful FetchResult.
func FetchFailure(statusCode int, msg string, at time.Time) FetchResult {
	return FetchResult{
		Success:      false,
		ErrorMessage: msg,
		StatusCode:   statusCode,
		FetchedAt:    at,
	}
}

// ChangeResult is the outcome of comparing a new version against its predecessor.
type ChangeResult struct {
	Changed      bool   `json:"changed"`
	FirstFetch   bool   `json:"first_fetch"`
	OldHash      string `json:"old_hash,omitempty"`
	OldVersionID string `json:"old_version_id,omitempty"`
	NewHash      string `json:"new_hash"`
	NewVersionID string `json:"new_version_id"`
	Diff         string `json:"diff,omitempty"`
}

// PipelineResult is the tagged outcome of processing one source.
type PipelineResult struct {
	Success        bool      `json:"success"`
	SourceID       string    `json:"source_id"`
	ChangeDetected bool      `json:"change_detected"`
	VersionID      string    `json:"version_id,omitempty"`
	ChangeID       string    `json:"change_id,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// AlertResult aggregates the fan-out of one change to its subscribers.
type AlertResult struct {
	ChangeID       string   `json:"change_id"`
	RoutesNotified int      `json:"routes_notified"`
	EmailsSent     int      `json:"emails_sent"`
	EmailsFailed   int      `json:"emails_failed"`
	Errors         []string `json:"errors"`
}

// JobResult summarises one scheduler batch run.
type JobResult struct {
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	SourcesProcessed int       `json:"sources_processed"`
	SourcesSucceeded int       `json:"sources_succeeded"`
	SourcesFailed    int       `json:"sources_failed"`
	ChangesDetected  int       `json:"changes_detected"`
	AlertsSent       int       `json:"alerts_sent"`
	AlertsFailed     int       `json:"alerts_failed"`
	Errors           []string  `json:"errors"`
}
