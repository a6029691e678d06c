package core

import (
	"fmt"
	"regexp"
	"strings"
)

// Issue is a single finding reported by the analysis service.
type Issue struct {
	Category      string `json:"type"`
	Description   string `json:"description"`
	AffectedLines []int  `json:"line_numbers,omitempty"`
	SuggestedFix  string `json:"suggested_fix,omitempty"`
	Severity      string `json:"severity,omitempty"`
}

// AnalysisResult is either free-form text or an ordered list of issues.
// Structured is set when the analyzer produced an issue list, which may be empty.
type AnalysisResult struct {
	Text       string  `json:"text,omitempty"`
	Issues     []Issue `json:"issues,omitempty"`
	Structured bool    `json:"structured"`
}

// TextResult wraps free-form analysis output.
func TextResult(text string) *AnalysisResult {
	return &AnalysisResult{Text: text}
}

// IssuesResult wraps a structured issue list.
func IssuesResult(issues []Issue) *AnalysisResult {
	return &AnalysisResult{Issues: issues, Structured: true}
}

const markerPrefix = "<!-- defex-review:task="

var markerPattern = regexp.MustCompile(`<!-- defex-review:task=([A-Za-z0-9._:-]+) -->`)

// ReviewMarker returns the hidden HTML comment that tags a posted review with
// its task ID, so redelivered comment tasks can detect earlier deliveries.
func ReviewMarker(taskID string) string {
	return fmt.Sprintf("%s%s -->", markerPrefix, taskID)
}

// WithReviewMarker appends the marker for taskID to body. An empty taskID leaves body unchanged.
func WithReviewMarker(body, taskID string) string {
	if taskID == "" || strings.Contains(body, ReviewMarker(taskID)) {
		return body
	}
	return body + "\n\n" + ReviewMarker(taskID)
}

// MarkerTaskID extracts the task ID from a comment body, if it carries a marker.
func MarkerTaskID(body string) (string, bool) {
	m := markerPattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}
