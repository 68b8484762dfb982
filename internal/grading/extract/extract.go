// Package extract recovers a structured grading record from raw program
// output. Untrusted programs print arbitrary text around the record, so the
// extractor tolerates bounded noise but refuses anything that does not pass
// structural validation. It never fabricates a result.
package extract

import (
	"encoding/json"
	"strings"

	"reforge/internal/grading/result"
	apperrors "reforge/pkg/errors"
)

// Extract parses raw combined output into a GradingResult.
//
// It first attempts a direct parse of the trimmed output. If that fails it
// scans for balanced-brace candidate substrings and accepts the first one
// matching the structural signature (a "passed" boolean plus a "summary"
// object, or an "error" string). Text preceding the accepted candidate is
// returned as captured user output. If no candidate validates, the whole
// output is rejected with a parse error.
func Extract(raw string) (*result.GradingResult, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, "", apperrors.New(apperrors.ParseFailed)
	}

	if r, ok := tryParse(trimmed); ok {
		return r, "", nil
	}

	for _, c := range candidates(trimmed) {
		r, ok := tryParse(c.text)
		if !ok {
			continue
		}
		userOutput := strings.TrimSpace(trimmed[:c.start])
		r.UserOutput = userOutput
		return r, userOutput, nil
	}

	return nil, "", apperrors.Newf(apperrors.ParseFailed, "no grading record found in %d bytes of output", len(raw))
}

// tryParse parses s as a grading record and checks the structural signature.
// The signature check runs on the raw JSON, not the decoded struct, because
// Go zero values would otherwise make `{"foo":1}` look like a failed result.
func tryParse(s string) (*result.GradingResult, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, false
	}
	if !hasSignature(fields) {
		return nil, false
	}
	var r result.GradingResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, false
	}
	if err := r.Validate(); err != nil {
		return nil, false
	}
	return &r, true
}

func hasSignature(fields map[string]json.RawMessage) bool {
	if rawErr, ok := fields["error"]; ok {
		var s string
		if json.Unmarshal(rawErr, &s) == nil && s != "" {
			return true
		}
	}
	rawPassed, ok := fields["passed"]
	if !ok {
		return false
	}
	var passed bool
	if json.Unmarshal(rawPassed, &passed) != nil {
		return false
	}
	rawSummary, ok := fields["summary"]
	if !ok {
		return false
	}
	var summary map[string]json.RawMessage
	return json.Unmarshal(rawSummary, &summary) == nil
}

type candidate struct {
	start int
	text  string
}

// candidates returns substrings bounded by outermost matching brace pairs,
// left to right. The scan is string- and escape-aware so braces inside JSON
// string literals do not break matching.
func candidates(s string) []candidate {
	var out []candidate
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, candidate{start: start, text: s[start : i+1]})
				start = -1
			}
		}
	}
	return out
}
