package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/isdmx/execbox/model"
)

// Signal names a termination request delivered to a unit
type Signal string

// Signals understood by every backend
const (
	SignalTerminate Signal = "SIGTERM"
	SignalKill      Signal = "SIGKILL"
)

// Ownership labels attached to every unit
const (
	LabelManaged    = "execbox.managed"
	LabelOwner      = "execbox.owner"
	LabelSubmission = "execbox.submission"
	LabelLanguage   = "execbox.language"
)

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0644
)

// ExitStatus is what a unit reports about its own termination
type ExitStatus struct {
	Code       int
	StartedAt  time.Time
	FinishedAt time.Time
}

// WallTime returns the time the unit spent running
func (s ExitStatus) WallTime() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.Before(s.StartedAt) {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Unit is one live, ephemeral execution instance bound to a single submission
type Unit interface {
	// ID identifies the unit in the backend
	ID() string
	// Stdout and Stderr stream the unit's output until it stops or is released
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the unit stops or ctx is done
	Wait(ctx context.Context) (ExitStatus, error)
	// Signal asks the unit to stop. Signalling a stopped unit is a no-op.
	Signal(ctx context.Context, sig Signal) error
	// Release reclaims every resource held by the unit. It is safe to call more than once.
	Release(ctx context.Context) error
}

// Launcher creates execution units
type Launcher interface {
	Launch(ctx context.Context, sub model.Submission, img model.SandboxImage, profile model.ResourceProfile) (Unit, error)
}

// Sweeper removes units older than a given age that carry this instance's ownership label
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// Backend is a launcher together with its orphan sweeper
type Backend interface {
	Launcher
	Sweeper
	Close() error
}

// LaunchReason classifies a launch failure
type LaunchReason string

// Launch failure reasons
const (
	ReasonImagePullFailed   LaunchReason = "image_pull_failed"
	ReasonResourceExhausted LaunchReason = "resource_exhausted"
	ReasonPermissionDenied  LaunchReason = "permission_denied"
)

// LaunchError is returned by Launch. It is never retried by the orchestrator.
type LaunchError struct {
	Reason LaunchReason
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed (%s): %v", e.Reason, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func newLaunchError(reason LaunchReason, format string, args ...any) *LaunchError {
	return &LaunchError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// envList renders an environment map as sorted KEY=value pairs
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ownerLabels returns the labels identifying a unit for the reaper
func ownerLabels(owner string, sub model.Submission) map[string]string {
	return map[string]string{
		LabelManaged:    "true",
		LabelOwner:      owner,
		LabelSubmission: sub.ID,
		LabelLanguage:   sub.Language,
	}
}

var errUnitReleased = errors.New("unit released")
