package evaluator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/isdmx/execbox/model"
)

// Mode selects how actual output is compared with the expectation
type Mode string

// Comparison modes
const (
	ModeExact            Mode = "Exact"
	ModeIgnoreWhitespace Mode = "IgnoreWhitespace"
	ModeRegex            Mode = "Regex"
)

// HiddenPlaceholder replaces masked fields of hidden cases
const HiddenPlaceholder = "[Hidden]"

// TestCase is one input/expected-output pair
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Mode           Mode   `json:"comparison_mode,omitempty"`
	Hidden         bool   `json:"hidden,omitempty"`
}

// CaseResult is the outcome of one case
type CaseResult struct {
	Index          int                  `json:"index"`
	Passed         bool                 `json:"passed"`
	Input          string               `json:"input"`
	ExpectedOutput string               `json:"expected_output"`
	ActualOutput   string               `json:"actual_output"`
	Message        string               `json:"message"`
	Reason         model.TerminalReason `json:"terminal_reason,omitempty"`
	WallTime       time.Duration        `json:"wall_time"`
	Hidden         bool                 `json:"hidden"`
}

// Report summarizes all cases
type Report struct {
	Results []CaseResult `json:"results"`
	Total   int          `json:"total"`
	Passed  int          `json:"passed"`
	Failed  int          `json:"failed"`
	Score   float64      `json:"score"`
}

// Points scales the score to a task worth maxPoints
func (r Report) Points(maxPoints float64) float64 {
	return r.Score * maxPoints
}

// RunFunc executes the submission with stdin
type RunFunc func(ctx context.Context, stdin string) (model.ExecutionResult, error)

// Compare checks actual output against expected using mode
func Compare(actual, expected string, mode Mode) (bool, string) {
	switch mode {
	case ModeExact, "":
		if actual == expected {
			return true, "Output matches exactly"
		}
		return false, fmt.Sprintf("Expected: %q\nGot: %q", expected, actual)
	case ModeIgnoreWhitespace:
		a, e := normalizeWhitespace(actual), normalizeWhitespace(expected)
		if a == e {
			return true, "Output matches (whitespace ignored)"
		}
		return false, fmt.Sprintf("Expected (normalized): %q\nGot (normalized): %q", e, a)
	case ModeRegex:
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, fmt.Sprintf("Invalid regex pattern: %v", err)
		}
		if re.MatchString(actual) {
			return true, "Output matches regex pattern"
		}
		return false, fmt.Sprintf("Output doesn't match pattern: %s", expected)
	default:
		return false, fmt.Sprintf("Unknown comparison mode: %s", mode)
	}
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// Evaluate runs every case in order and scores the submission.
// Cases stop being run once ctx is done; the remaining ones fail.
func Evaluate(ctx context.Context, run RunFunc, cases []TestCase) Report {
	report := Report{Results: make([]CaseResult, 0, len(cases)), Total: len(cases)}

	for i, tc := range cases {
		res := CaseResult{
			Index:          i,
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			Hidden:         tc.Hidden,
		}

		if err := ctx.Err(); err != nil {
			res.Message = fmt.Sprintf("Test execution failed: %v", err)
		} else if out, err := run(ctx, tc.Input); err != nil {
			res.Message = fmt.Sprintf("Test execution failed: %v", err)
		} else {
			res.Reason = out.Reason
			res.WallTime = out.WallTime
			res.ActualOutput = out.Stdout
			switch {
			case out.Reason != model.ReasonCompleted:
				res.Message = fmt.Sprintf("Execution ended: %s", out.Reason)
				if out.Stdout == "" {
					res.ActualOutput = out.Stderr
				}
			case out.ExitCode != 0:
				res.Message = fmt.Sprintf("Runtime error (exit code %d)", out.ExitCode)
				if out.Stdout == "" {
					res.ActualOutput = out.Stderr
				}
			default:
				res.Passed, res.Message = Compare(out.Stdout, tc.ExpectedOutput, tc.Mode)
			}
		}

		if tc.Hidden {
			res.Input = HiddenPlaceholder
			res.ExpectedOutput = HiddenPlaceholder
		}
		if res.Passed {
			report.Passed++
		}
		report.Results = append(report.Results, res)
	}

	report.Failed = report.Total - report.Passed
	if report.Total > 0 {
		report.Score = float64(report.Passed) / float64(report.Total)
	}
	return report
}
