package model

import (
	"slices"
	"time"
)

// Submission is one request to run code. It is treated as immutable once accepted.
type Submission struct {
	ID       string           `json:"id"`
	Language string           `json:"language"`
	Source   string           `json:"source"`
	Archive  []byte           `json:"archive,omitempty"` // tar.gz of extra workspace files
	Stdin    string           `json:"stdin,omitempty"`
	Args     []string         `json:"args,omitempty"`
	Profile  *ProfileOverride `json:"profile,omitempty"`
}

// Clone returns a deep copy so the caller can no longer mutate an accepted submission
func (s Submission) Clone() Submission {
	out := s
	out.Archive = slices.Clone(s.Archive)
	out.Args = slices.Clone(s.Args)
	if s.Profile != nil {
		p := *s.Profile
		out.Profile = &p
	}
	return out
}

// TerminalReason classifies why an execution unit stopped
type TerminalReason string

// Terminal reasons
const (
	ReasonCompleted     TerminalReason = "completed"
	ReasonTimeout       TerminalReason = "timeout"
	ReasonKilled        TerminalReason = "killed"
	ReasonLaunchFailed  TerminalReason = "launch_failed"
	ReasonInternalError TerminalReason = "internal_error"
)

// ExecutionResult is the outcome of one submission
type ExecutionResult struct {
	SubmissionID    string         `json:"submission_id"`
	Language        string         `json:"language"`
	Stdout          string         `json:"stdout"`
	StdoutTruncated bool           `json:"stdout_truncated"`
	Stderr          string         `json:"stderr"`
	StderrTruncated bool           `json:"stderr_truncated"`
	ExitCode        int            `json:"exit_code"`
	WallTime        time.Duration  `json:"wall_time_ns"`
	Reason          TerminalReason `json:"terminal_reason"`
	Profile         string         `json:"profile,omitempty"`
	ProfileVersion  int            `json:"profile_version,omitempty"`
}

// Truncated reports whether either stream was capped
func (r ExecutionResult) Truncated() bool {
	return r.StdoutTruncated || r.StderrTruncated
}

// InternalErrorResult is the safe empty result returned when nothing was salvageable
func InternalErrorResult(sub Submission) ExecutionResult {
	return ExecutionResult{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		ExitCode:     -1,
		Reason:       ReasonInternalError,
	}
}
