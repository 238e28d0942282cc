package models

import (
	"strings"
	"time"
)

// BuildStatus is the terminal status of a build
type BuildStatus string

const (
	StatusSuccess  BuildStatus = "SUCCESS"
	StatusUnstable BuildStatus = "UNSTABLE"
	StatusFailure  BuildStatus = "FAILURE"
	StatusAborted  BuildStatus = "ABORTED"
	StatusUnknown  BuildStatus = "UNKNOWN"
)

// ParseBuildStatus maps a CI result string onto a BuildStatus.
// Anything unrecognised, including an empty result, is UNKNOWN.
func ParseBuildStatus(result string) BuildStatus {
	switch s := BuildStatus(strings.ToUpper(strings.TrimSpace(result))); s {
	case StatusSuccess, StatusUnstable, StatusFailure, StatusAborted:
		return s
	default:
		return StatusUnknown
	}
}

// Failed reports whether the status warrants failure classification
func (s BuildStatus) Failed() bool {
	return s == StatusFailure || s == StatusUnstable
}

// BuildRecord is the durable result of one build. It is written once and never updated.
type BuildRecord struct {
	ID                string      `json:"id"`
	TrackingID        string      `json:"tracking_id,omitempty"`
	JobName           string      `json:"job"`
	BuildNumber       int         `json:"build_number"`
	Status            BuildStatus `json:"status"`
	DurationMillis    int64       `json:"duration_ms"`
	ConsoleLink       string      `json:"console_link"`
	ErrorSummary      string      `json:"error_summary,omitempty"`
	FailureCategory   string      `json:"failure_category,omitempty"`
	FailureConfidence float64     `json:"failure_confidence,omitempty"`
	Suggestions       []string    `json:"suggestions,omitempty"`
	TimedOut          bool        `json:"timed_out,omitempty"`
	CompletedAt       time.Time   `json:"completed_at"`
}

// Duration returns the build duration reported by the CI server
func (r BuildRecord) Duration() time.Duration {
	return time.Duration(r.DurationMillis) * time.Millisecond
}

// BuildStats summarizes recent build records for the dashboard
type BuildStats struct {
	TotalBuilds        int            `json:"total_builds"`
	SuccessfulBuilds   int            `json:"successful_builds"`
	FailedBuilds       int            `json:"failed_builds"`
	SuccessRate        float64        `json:"success_rate"`
	FailureRate        float64        `json:"failure_rate"`
	AverageDurationMs  int64          `json:"average_duration_ms"`
	BuildsToday        int            `json:"builds_today"`
	FailuresByCategory map[string]int `json:"failures_by_category"`
	BuildsTrend        []TrendPoint   `json:"builds_trend"`
	SuccessTrend       []TrendPoint   `json:"success_trend"`
}

// TrendPoint is one calendar day of a trend, Date formatted as 2006-01-02
type TrendPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}
