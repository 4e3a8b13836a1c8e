// Package policy defines the domain types and collaborator ports shared by the
// fetch, change-detection and alerting subsystems.
package policy

import (
	"strconv"
	"strings"
	"time"
)

// FetchType identifies how a source is retrieved.
type FetchType string

// Supported retrieval kinds.
const (
	FetchTypeHTML FetchType = "html"
	FetchTypePDF  FetchType = "pdf"
)

// Frequency controls how often a source is checked.
type Frequency string

// Check frequencies understood by the scheduler.
const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyCustom Frequency = "custom"
)

// AlertStatus is the outcome recorded for a single notification attempt.
type AlertStatus string

// Alert statuses persisted on EmailAlert records.
const (
	AlertStatusSent    AlertStatus = "sent"
	AlertStatusFailed  AlertStatus = "failed"
	AlertStatusBounced AlertStatus = "bounced"
)

// Metadata keys read from Source.Metadata.
const (
	MetaName               = "name"
	MetaAgency             = "agency"
	MetaCustomRules        = "custom_rules"
	MetaCheckIntervalHours = "check_interval_hours"
)

// Source is a monitored government page or document.
type Source struct {
	ID                       string         `json:"id"`
	CountryCode              string         `json:"country_code"`
	VisaType                 string         `json:"visa_type"`
	URL                      string         `json:"url"`
	FetchType                FetchType      `json:"fetch_type"`
	CheckFrequency           Frequency      `json:"check_frequency"`
	IsActive                 bool           `json:"is_active"`
	ConsecutiveFetchFailures int            `json:"consecutive_fetch_failures"`
	ConsecutiveEmailFailures int            `json:"consecutive_email_failures"`
	LastFetchError           string         `json:"last_fetch_error,omitempty"`
	LastEmailError           string         `json:"last_email_error,omitempty"`
	LastCheckedAt            *time.Time     `json:"last_checked_at,omitempty"`
	LastChangeAt             *time.Time     `json:"last_change_at,omitempty"`
	Metadata                 map[string]any `json:"metadata,omitempty"`
}

// DisplayName returns a human label for the source, preferring explicit metadata.
func (s Source) DisplayName() string {
	if name := s.MetaString(MetaName); name != "" {
		return name
	}
	if agency := s.MetaString(MetaAgency); agency != "" {
		return agency
	}
	return strings.ToUpper(s.CountryCode) + " " + s.VisaType
}

// MetaString reads a string metadata value, returning "" when absent.
func (s Source) MetaString(key string) string {
	if s.Metadata == nil {
		return ""
	}
	v, _ := s.Metadata[key].(string)
	return strings.TrimSpace(v)
}

// MetaStrings reads a list of strings from metadata. Both []string and []any
// (as produced by JSON decoding) are accepted.
func (s Source) MetaStrings(key string) []string {
	if s.Metadata == nil {
		return nil
	}
	switch v := s.Metadata[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// CheckInterval returns the custom check interval from metadata, or zero.
func (s Source) CheckInterval() time.Duration {
	if s.Metadata == nil {
		return 0
	}
	var hours float64
	switch v := s.Metadata[MetaCheckIntervalHours].(type) {
	case int:
		hours = float64(v)
	case int64:
		hours = float64(v)
	case float64:
		hours = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		hours = parsed
	default:
		return 0
	}
	if hours <= 0 {
		return 0
	}
	return time.Duration(hours * float64(time.Hour))
}

// SourcePatch carries the fields the pipeline and error tracker may mutate.
// Nil fields are left untouched.
type SourcePatch struct {
	ConsecutiveFetchFailures *int
	ConsecutiveEmailFailures *int
	LastFetchError           *string
	LastEmailError           *string
	LastCheckedAt            *time.Time
	LastChangeAt             *time.Time
}

// Apply copies the non-nil patch fields onto src.
func (p SourcePatch) Apply(src *Source) {
	if p.ConsecutiveFetchFailures != nil {
		src.ConsecutiveFetchFailures = *p.ConsecutiveFetchFailures
	}
	if p.ConsecutiveEmailFailures != nil {
		src.ConsecutiveEmailFailures = *p.ConsecutiveEmailFailures
	}
	if p.LastFetchError != nil {
		src.LastFetchError = *p.LastFetchError
	}
	if p.LastEmailError != nil {
		src.LastEmailError = *p.LastEmailError
	}
	if p.LastCheckedAt != nil {
		ts := *p.LastCheckedAt
		src.LastCheckedAt = &ts
	}
	if p.LastChangeAt != nil {
		ts := *p.LastChangeAt
		src.LastChangeAt = &ts
	}
}

// PolicyVersion is an immutable normalized snapshot of a source.
type PolicyVersion struct {
	ID              string         `json:"id"`
	SourceID        string         `json:"source_id"`
	ContentHash     string         `json:"content_hash"`
	RawText         string         `json:"raw_text"`
	FetchedAt       time.Time      `json:"fetched_at"`
	NormalizedAt    time.Time      `json:"normalized_at"`
	ContentLength   int            `json:"content_length"`
	FetchDurationMs int64          `json:"fetch_duration_ms"`
	FetchMetadata   map[string]any `json:"fetch_metadata,omitempty"`
}

// PolicyChange records a transition between two versions.
type PolicyChange struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	OldVersionID *string   `json:"old_version_id,omitempty"`
	NewVersionID string    `json:"new_version_id"`
	OldHash      string    `json:"old_hash"`
	NewHash      string    `json:"new_hash"`
	DiffText     string    `json:"diff"`
	DiffLength   int       `json:"diff_length"`
	DetectedAt   time.Time `json:"detected_at"`
}

// RouteSubscription is a subscriber's interest in an origin→destination route.
type RouteSubscription struct {
	ID                 string    `json:"id"`
	OriginCountry      string    `json:"origin_country"`
	DestinationCountry string    `json:"destination_country"`
	VisaType           string    `json:"visa_type"`
	Email              string    `json:"email"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
}

// EmailAlert is the audit record of one notification attempt.
type EmailAlert struct {
	ID                string      `json:"id"`
	ChangeID          string      `json:"change_id"`
	SubscriptionID    string      `json:"subscription_id"`
	SentAt            time.Time   `json:"sent_at"`
	Provider          string      `json:"provider"`
	ProviderMessageID *string     `json:"provider_message_id,omitempty"`
	Status            AlertStatus `json:"status"`
	ErrorMessage      string      `json:"error_message,omitempty"`
}

// CanonicalVisaType folds a free-text visa type into a comparable key:
// lower case, trimmed, with runs of spaces, hyphens and underscores collapsed to "_".
func CanonicalVisaType(v string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(v)), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	})
	return strings.Join(fields, "_")
}

// CanonicalCountry lower-cases and trims a country code.
func CanonicalCountry(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
