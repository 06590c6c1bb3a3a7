package pipeline

import (
	"fmt"
	"regexp"
	"sort"
)

// maxMatchedText bounds the excerpt stored with a finding.
const maxMatchedText = 100

// Finding is a suspicious pattern match in an argument.
type Finding struct {
	PatternName     string
	PatternCategory string
	MatchedText     string
}

type compiledPattern struct {
	name     string
	category string
	re       *regexp.Regexp
}

// InputScanner flags string arguments that look like injection payloads.
// It is a heuristic that raises the cost of casual abuse; the backend
// remains responsible for parameterized queries.
type InputScanner struct {
	patterns []compiledPattern
}

// NewInputScanner compiles the built-in pattern set.
func NewInputScanner() *InputScanner {
	rawPatterns := []struct {
		name     string
		category string
		pattern  string
	}{
		{
			name:     "sql_control_flow",
			category: "sql",
			pattern:  `(?i)\b(?:union\s+(?:all\s+)?select|drop\s+(?:table|database|schema)|insert\s+into|delete\s+from|truncate\s+table|alter\s+table|update\s+\w+\s+set)\b`,
		},
		{
			name:     "sql_tautology",
			category: "sql",
			pattern:  `(?i)['"]\s*(?:or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+`,
		},
		{
			name:     "sql_comment",
			category: "sql",
			pattern:  `(?:--|/\*|\*/|;\s*--)`,
		},
		{
			name:     "sql_time_based",
			category: "sql",
			pattern:  `(?i)\b(?:pg_sleep|sleep|benchmark|waitfor\s+delay)\s*\(`,
		},
		{
			name:     "sql_exec",
			category: "sql",
			pattern:  `(?i)\b(?:exec|execute|xp_cmdshell)\s*\(`,
		},
		{
			name:     "script_tag",
			category: "markup",
			pattern:  `(?i)<\s*/?\s*(?:script|iframe|object|embed|svg)\b`,
		},
		{
			name:     "script_uri",
			category: "markup",
			pattern:  `(?i)(?:javascript|vbscript|data\s*:\s*text/html)\s*:`,
		},
		{
			name:     "event_handler",
			category: "markup",
			pattern:  `(?i)\bon[a-z]+\s*=\s*['"]?`,
		},
	}

	compiled := make([]compiledPattern, 0, len(rawPatterns))
	for _, rp := range rawPatterns {
		compiled = append(compiled, compiledPattern{
			name:     rp.name,
			category: rp.category,
			re:       regexp.MustCompile(rp.pattern),
		})
	}
	return &InputScanner{patterns: compiled}
}

// ScanString returns the first finding in s, if any.
func (s *InputScanner) ScanString(content string) (Finding, bool) {
	if content == "" {
		return Finding{}, false
	}
	for _, p := range s.patterns {
		loc := p.re.FindStringIndex(content)
		if loc == nil {
			continue
		}
		matched := content[loc[0]:loc[1]]
		if len(matched) > maxMatchedText {
			matched = matched[:maxMatchedText]
		}
		return Finding{PatternName: p.name, PatternCategory: p.category, MatchedText: matched}, true
	}
	return Finding{}, false
}

// Scan walks the arguments and returns the first finding in any string value.
func (s *InputScanner) Scan(args []any) (Finding, bool) {
	for _, str := range collectStrings(args) {
		if f, ok := s.ScanString(str); ok {
			return f, true
		}
	}
	return Finding{}, false
}

// collectStrings gathers string values (and map keys) from arguments in a
// deterministic order.
func collectStrings(args []any) []string {
	var out []string
	var visit func(a any)
	visit = func(a any) {
		switch v := a.(type) {
		case string:
			out = append(out, v)
		case []string:
			out = append(out, v...)
		case fmt.Stringer:
			out = append(out, v.String())
		case Filter:
			out = append(out, v.Column)
			visit(v.Value)
		case []Filter:
			for _, f := range v {
				visit(f)
			}
		case Row:
			visit(map[string]any(v))
		case []Row:
			for _, r := range v {
				visit(r)
			}
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, k)
				visit(v[k])
			}
		case map[string]string:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, k, v[k])
			}
		case []any:
			for _, e := range v {
				visit(e)
			}
		}
	}
	for _, a := range args {
		visit(a)
	}
	return out
}
