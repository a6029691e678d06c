// Package review renders analysis results into the comment posted on a pull request.
package review

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/defexai/defex-reviewer/internal/core"
)

const (
	// Title heads every structured review comment.
	Title = "## Code Review Results"
	// NoIssuesMessage is posted when the analysis found nothing to report.
	NoIssuesMessage = Title + "\n\n✅ No issues found!"
	// TruncationNotice tells the reader the review only covers part of the diff.
	TruncationNotice = "_Note: Diff was truncated due to size limits._"
)

// Format turns an analysis result into a single markdown block. It never
// fails and never returns an empty string. Output depends only on its inputs.
func Format(result *core.AnalysisResult, truncated bool) string {
	var body string
	switch {
	case result == nil:
		body = NoIssuesMessage
	case result.Structured || len(result.Issues) > 0:
		body = formatIssues(result.Issues)
	default:
		body = strings.TrimSpace(result.Text)
		if body == "" {
			body = NoIssuesMessage
		}
	}

	if truncated {
		body += "\n\n---\n\n" + TruncationNotice
	}
	return body
}

func formatIssues(issues []core.Issue) string {
	if len(issues) == 0 {
		return NoIssuesMessage
	}

	var sb strings.Builder
	sb.WriteString(Title)
	fmt.Fprintf(&sb, "\n\nFound %d issue", len(issues))
	if len(issues) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString(".")

	for i, issue := range issues {
		sb.WriteString("\n\n")
		writeIssue(&sb, i+1, issue)
	}
	return sb.String()
}

// writeIssue renders one issue. Missing fields are left out.
func writeIssue(sb *strings.Builder, n int, issue core.Issue) {
	category := strings.TrimSpace(issue.Category)
	if category == "" {
		category = "Issue"
	}

	fmt.Fprintf(sb, "### %d. ", n)
	if sev := strings.TrimSpace(issue.Severity); sev != "" {
		fmt.Fprintf(sb, "%s %s | ", severityEmoji(sev), titleCase(sev))
	}
	sb.WriteString(titleCase(category))

	if len(issue.AffectedLines) > 0 {
		fmt.Fprintf(sb, "\n\n**Lines:** %s", joinLines(issue.AffectedLines))
	}
	if d := strings.TrimSpace(issue.Description); d != "" {
		sb.WriteString("\n\n" + d)
	}
	if fix := strings.TrimSpace(issue.SuggestedFix); fix != "" {
		sb.WriteString("\n\n**Suggested fix:** " + fix)
	}
}

func joinLines(lines []int) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, ", ")
}

// severityEmoji returns an emoji for the given severity level.
func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "🔴"
	case "high":
		return "🟠"
	case "medium":
		return "🟡"
	case "low":
		return "🟢"
	default:
		return "⚪"
	}
}

// titleCase upper-cases the first rune of s.
func titleCase(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
