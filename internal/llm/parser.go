package llm

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/defexai/defex-reviewer/internal/core"
)

// parseIssues extracts the issue list from a model reply. It tolerates code
// fences, prose around the JSON object, a bare top-level array, numbers sent as
// strings and missing fields. A reply with no recognizable issue list is an error.
func parseIssues(raw string) (*core.AnalysisResult, error) {
	doc := extractJSON(stripCodeFence(raw))
	if doc == "" || !gjson.Valid(doc) {
		return nil, fmt.Errorf("reply is not valid JSON: %q", preview(raw))
	}

	list := gjson.Get(doc, "issues")
	if !list.Exists() {
		root := gjson.Parse(doc)
		if !root.IsArray() {
			return nil, fmt.Errorf("reply has no \"issues\" array: %q", preview(raw))
		}
		list = root
	}
	if list.Type == gjson.Null {
		return core.IssuesResult(nil), nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("\"issues\" is not an array: %q", preview(raw))
	}

	issues := make([]core.Issue, 0, len(list.Array()))
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			if s := strings.TrimSpace(item.String()); s != "" {
				issues = append(issues, core.Issue{Description: s})
			}
			return true
		}
		issues = append(issues, core.Issue{
			Category:      firstString(item, "type", "category"),
			Description:   firstString(item, "description", "issue", "message"),
			AffectedLines: lineNumbers(item),
			SuggestedFix:  firstString(item, "suggested_fix", "suggestion", "fix"),
			Severity:      firstString(item, "severity"),
		})
		return true
	})

	return core.IssuesResult(issues), nil
}

func firstString(item gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := item.Get(k); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// lineNumbers accepts [12, 13], ["12", "13"], a single number or "line".
func lineNumbers(item gjson.Result) []int {
	v := item.Get("line_numbers")
	if !v.Exists() {
		v = item.Get("lines")
	}
	if !v.Exists() {
		v = item.Get("line")
	}

	var out []int
	add := func(r gjson.Result) {
		if n := int(r.Int()); n > 0 {
			out = append(out, n)
		}
	}
	if v.IsArray() {
		v.ForEach(func(_, r gjson.Result) bool {
			add(r)
			return true
		})
	} else if v.Exists() {
		add(v)
	}
	return out
}

// stripCodeFence removes a single wrapping ``` fence, with or without a language tag.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	idx := strings.Index(trimmed, "\n")
	if idx < 0 {
		return trimmed
	}
	inner := trimmed[idx+1:]
	if lastFence := strings.LastIndex(inner, "```"); lastFence >= 0 {
		inner = inner[:lastFence]
	}
	return strings.TrimSpace(inner)
}

// extractJSON returns the outermost JSON object or array embedded in s.
func extractJSON(s string) string {
	if gjson.Valid(s) {
		return s
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
