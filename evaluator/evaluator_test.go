package evaluator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/execbox/model"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		mode     Mode
		passed   bool
	}{
		{name: "ExactMatch", actual: "5\n", expected: "5\n", mode: ModeExact, passed: true},
		{name: "ExactTrailingNewline", actual: "5\n", expected: "5", mode: ModeExact},
		{name: "DefaultIsExact", actual: "a", expected: "a", passed: true},
		{name: "IgnoreWhitespace", actual: "  1 2 \n\n3\n", expected: "1 2\n3", mode: ModeIgnoreWhitespace, passed: true},
		{name: "IgnoreWhitespaceInnerDiffers", actual: "1  2", expected: "1 2", mode: ModeIgnoreWhitespace},
		{name: "Regex", actual: "took 12ms\n", expected: `^took \d+ms`, mode: ModeRegex, passed: true},
		{name: "RegexNoMatch", actual: "took ms", expected: `\d+`, mode: ModeRegex},
		{name: "InvalidRegex", actual: "x", expected: "(", mode: ModeRegex},
		{name: "UnknownMode", actual: "x", expected: "x", mode: "Fuzzy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, msg := Compare(tt.actual, tt.expected, tt.mode)
			assert.Equal(t, tt.passed, passed)
			assert.NotEmpty(t, msg)
		})
	}
}

func echoRun(_ context.Context, stdin string) (model.ExecutionResult, error) {
	switch {
	case strings.HasPrefix(stdin, "crash"):
		return model.ExecutionResult{Stderr: "boom", ExitCode: 1, Reason: model.ReasonCompleted}, nil
	case strings.HasPrefix(stdin, "loop"):
		return model.ExecutionResult{ExitCode: 137, Reason: model.ReasonTimeout}, nil
	case strings.HasPrefix(stdin, "busy"):
		return model.ExecutionResult{}, errors.New("capacity exceeded")
	}
	return model.ExecutionResult{Stdout: stdin, Reason: model.ReasonCompleted}, nil
}

func TestEvaluate(t *testing.T) {
	cases := []TestCase{
		{Input: "1\n", ExpectedOutput: "1\n"},
		{Input: "2\n", ExpectedOutput: "3\n", Hidden: true},
		{Input: "crash", ExpectedOutput: "x"},
		{Input: "loop", ExpectedOutput: "x"},
		{Input: "busy", ExpectedOutput: "x"},
		{Input: " 4 \n", ExpectedOutput: "4", Mode: ModeIgnoreWhitespace, Hidden: true},
	}

	report := Evaluate(context.Background(), echoRun, cases)

	require.Len(t, report.Results, 6)
	assert.Equal(t, 6, report.Total)
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 4, report.Failed)
	assert.InDelta(t, 2.0/6.0, report.Score, 1e-9)
	assert.InDelta(t, 10*2.0/6.0, report.Points(10), 1e-9)

	assert.True(t, report.Results[0].Passed)
	assert.Equal(t, "1\n", report.Results[0].Input)

	hidden := report.Results[1]
	assert.False(t, hidden.Passed)
	assert.Equal(t, HiddenPlaceholder, hidden.Input)
	assert.Equal(t, HiddenPlaceholder, hidden.ExpectedOutput)
	assert.Equal(t, "2\n", hidden.ActualOutput)

	assert.Equal(t, "boom", report.Results[2].ActualOutput)
	assert.Contains(t, report.Results[2].Message, "exit code 1")
	assert.Equal(t, model.ReasonTimeout, report.Results[3].Reason)
	assert.Contains(t, report.Results[4].Message, "capacity exceeded")
	assert.True(t, report.Results[5].Passed)
}

func TestEvaluateEmpty(t *testing.T) {
	report := Evaluate(context.Background(), echoRun, nil)
	assert.Zero(t, report.Total)
	assert.Zero(t, report.Score)
	assert.Empty(t, report.Results)
}

func TestEvaluateStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	run := func(ctx context.Context, stdin string) (model.ExecutionResult, error) {
		calls++
		cancel()
		return echoRun(ctx, stdin)
	}

	report := Evaluate(ctx, run, []TestCase{{Input: "a", ExpectedOutput: "a"}, {Input: "b", ExpectedOutput: "b"}})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, report.Passed)
	assert.False(t, report.Results[1].Passed)
}
