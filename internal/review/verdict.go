// Package review turns the agent's captured output into a typed verdict.
package review

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Verdict is the interpreted outcome of one review.
type Verdict struct {
	IsApproved      bool    `json:"is_approved"`
	IssueCount      uint    `json:"issue_count"`
	IsFailed        bool    `json:"is_failed"`
	FailureReason   string  `json:"failure_reason,omitempty"`
	RawOutput       string  `json:"-"`
	DurationSeconds float64 `json:"duration_seconds"`

	// Interpreted is false when no usable verdict block was found; Warning
	// then says why and the other fields hold conservative defaults.
	Interpreted bool   `json:"interpreted"`
	Warning     string `json:"warning,omitempty"`
}

// verdictBlock is the JSON object the agent is asked to end with.
type verdictBlock struct {
	IsLgtm             *bool   `json:"isLgtm"`
	IssueCount         *int64  `json:"issueCount"`
	IsReviewFailed     *bool   `json:"isReviewFailed"`
	FailedReviewReason *string `json:"failedReviewReason"`
}

// Interpret parses the last fenced JSON block in stdout. It never fails: a
// missing or malformed block yields a not-approved, not-failed verdict with
// Interpreted=false. An agent-reported failure wins over isLgtm.
func Interpret(stdout string) Verdict {
	v := Verdict{RawOutput: stdout}

	block, ok := lastJSONBlock(stdout)
	if !ok {
		v.Warning = "no fenced JSON verdict block in agent output"
		return v
	}

	parsed, err := decodeBlock(block)
	if err != nil {
		v.Warning = "invalid verdict block: " + err.Error()
		return v
	}

	v.Interpreted = true
	if parsed.IsLgtm != nil {
		v.IsApproved = *parsed.IsLgtm
	}
	if parsed.IssueCount != nil {
		v.IssueCount = uint(*parsed.IssueCount)
	}
	if parsed.IsReviewFailed != nil && *parsed.IsReviewFailed {
		v.IsFailed = true
		v.IsApproved = false
		if parsed.FailedReviewReason != nil {
			v.FailureReason = *parsed.FailedReviewReason
		}
		if v.FailureReason == "" {
			v.FailureReason = "agent reported failure without a reason"
		}
	}
	return v
}

func decodeBlock(block string) (*verdictBlock, error) {
	dec := json.NewDecoder(strings.NewReader(block))
	var parsed verdictBlock
	if err := dec.Decode(&parsed); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("field %s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
		}
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON object")
	}
	if parsed.IssueCount != nil && *parsed.IssueCount < 0 {
		return nil, fmt.Errorf("field issueCount: must be non-negative, got %d", *parsed.IssueCount)
	}
	return &parsed, nil
}

// lastJSONBlock returns the body of the last closed fenced block tagged json,
// or of the last untagged block whose body starts with '{'.
func lastJSONBlock(text string) (string, bool) {
	var (
		found   string
		ok      bool
		inBlock bool
		info    string
		body    bytes.Buffer
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if strings.HasPrefix(trimmed, "```") {
				inBlock = true
				info = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
				body.Reset()
			}
			continue
		}
		if trimmed == "```" {
			inBlock = false
			content := strings.TrimSpace(body.String())
			if info == "json" || (info == "" && strings.HasPrefix(content, "{")) {
				found, ok = content, true
			}
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	return found, ok
}
