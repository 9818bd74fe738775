//go:build !unix

package sandbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/model"
)

var errLocalUnsupported = errors.New("local backend requires a unix host")

// LocalLauncher is unavailable on this platform
type LocalLauncher struct{}

// NewLocalLauncher always fails on this platform
func NewLocalLauncher(*zap.Logger, string, string) (*LocalLauncher, error) {
	return nil, errLocalUnsupported
}

func (*LocalLauncher) Close() error { return nil }

func (*LocalLauncher) Launch(context.Context, model.Submission, model.SandboxImage, model.ResourceProfile) (Unit, error) {
	return nil, &LaunchError{Reason: ReasonPermissionDenied, Err: errLocalUnsupported}
}

func (*LocalLauncher) Sweep(context.Context, time.Duration) (int, error) {
	return 0, nil
}
