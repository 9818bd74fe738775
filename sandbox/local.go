//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/model"
)

const (
	unitDirPrefix  = "unit-"
	localWaitDelay = time.Second
)

// LocalLauncher runs submissions as host processes in a private directory.
// It enforces no resource limits and is meant for development only.
type LocalLauncher struct {
	logger *zap.Logger
	fs     FileSystem
	root   string
	now    func() time.Time

	mu   sync.Mutex
	live map[string]struct{} // unit directory names not yet released
}

// LocalLauncherOption defines a functional option for LocalLauncher
type LocalLauncherOption func(*LocalLauncher)

// WithLocalFileSystem sets the FileSystem for LocalLauncher
func WithLocalFileSystem(fs FileSystem) LocalLauncherOption {
	return func(l *LocalLauncher) {
		l.fs = fs
	}
}

// WithLocalClock overrides the clock used by Sweep
func WithLocalClock(now func() time.Time) LocalLauncherOption {
	return func(l *LocalLauncher) {
		l.now = now
	}
}

// NewLocalLauncher creates a launcher keeping unit directories under workRoot/execbox-<owner>
func NewLocalLauncher(logger *zap.Logger, workRoot, owner string, opts ...LocalLauncherOption) (*LocalLauncher, error) {
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	l := &LocalLauncher{
		logger: logger,
		fs:     RealFileSystem{},
		root:   filepath.Join(workRoot, "execbox-"+sanitizeOwner(owner)),
		now:    time.Now,
		live:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.fs.MkdirAll(l.root, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}
	logger.Warn("Local backend enabled: units run as host processes without resource limits",
		zap.String("root", l.root))
	return l, nil
}

// Close is a no-op for the local backend
func (*LocalLauncher) Close() error {
	return nil
}

// Launch materializes the workspace and starts the image command as a host process
func (l *LocalLauncher) Launch(_ context.Context, sub model.Submission, img model.SandboxImage, profile model.ResourceProfile) (Unit, error) {
	logger := l.logger.With(
		zap.String("submission_id", sub.ID),
		zap.String("language", sub.Language),
	)

	// The creation time leads the name so Sweep does not depend on mtimes.
	dir, err := l.fs.MkdirTemp(l.root, fmt.Sprintf("%s%d-*", unitDirPrefix, l.now().UnixNano()))
	if err != nil {
		return nil, newLaunchError(ReasonResourceExhausted, "failed to create workspace: %w", err)
	}
	l.track(dir)
	launched := false
	defer func() {
		if !launched {
			l.untrack(dir)
			if err := l.fs.RemoveAll(dir); err != nil {
				logger.Warn("Failed to remove workspace", zap.Error(err))
			}
		}
	}()

	if len(sub.Archive) > 0 {
		if err := ExtractTarToDir(l.fs, sub.Archive, dir); err != nil {
			return nil, newLaunchError(ReasonResourceExhausted, "failed to extract archive: %w", err)
		}
	}
	sourcePath := filepath.Join(dir, img.SourceFileName(sub.Source))
	if err := l.fs.WriteFile(sourcePath, []byte(sub.Source), FilePermission); err != nil {
		return nil, newLaunchError(ReasonResourceExhausted, "failed to write source: %w", err)
	}

	argv := img.ExpandCommand(sub.Source, dir, sub.Args)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append([]string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}, envList(img.Environment)...)
	cmd.Stdin = strings.NewReader(sub.Stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = localWaitDelay

	if cred, ok := credentialFor(img.User); ok {
		if err := chownTree(dir, int(cred.Uid), int(cred.Gid)); err != nil {
			return nil, newLaunchError(ReasonPermissionDenied, "failed to hand workspace to %s: %w", img.User, err)
		}
		cmd.SysProcAttr.Credential = cred
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, classifyStartError(err)
	}
	launched = true

	u := &localUnit{
		launcher: l,
		logger:   logger,
		dir:      dir,
		pid:      cmd.Process.Pid,
		stdoutR:  stdoutR,
		stderrR:  stderrR,
		done:     make(chan struct{}),
	}
	startedAt := time.Now()
	go func() {
		defer close(u.done)
		waitErr := cmd.Wait()
		u.status = ExitStatus{Code: exitCode(cmd.ProcessState), StartedAt: startedAt, FinishedAt: time.Now()}
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			u.err = waitErr
		}
		stdoutW.Close()
		stderrW.Close()
	}()

	logger.Info("Process started",
		zap.Int("pid", u.pid),
		zap.String("profile", profile.Name),
	)
	return u, nil
}

// Sweep removes unit directories created more than olderThan ago. Directories
// of units this launcher has not released yet are never removed.
func (l *LocalLauncher) Sweep(_ context.Context, olderThan time.Duration) (int, error) {
	entries, err := l.fs.ReadDir(l.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read work root: %w", err)
	}

	cutoff := l.now().Add(-olderThan)
	removed := 0
	var errs error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), unitDirPrefix) {
			continue
		}
		if l.isLive(e.Name()) {
			continue
		}
		created, ok := unitCreatedAt(e)
		if !ok || created.After(cutoff) {
			continue
		}
		if err := l.fs.RemoveAll(filepath.Join(l.root, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
		l.logger.Info("Removed orphaned workspace", zap.String("dir", e.Name()))
	}
	return removed, errs
}

func (l *LocalLauncher) track(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live[filepath.Base(dir)] = struct{}{}
}

func (l *LocalLauncher) untrack(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.live, filepath.Base(dir))
}

func (l *LocalLauncher) isLive(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.live[name]
	return ok
}

// unitCreatedAt reads the creation time from a unit-<unixnano>-<suffix> name,
// falling back to the modification time for directories named otherwise
func unitCreatedAt(e fs.DirEntry) (time.Time, bool) {
	stamp, _, _ := strings.Cut(strings.TrimPrefix(e.Name(), unitDirPrefix), "-")
	if nanos, err := strconv.ParseInt(stamp, 10, 64); err == nil {
		return time.Unix(0, nanos), true
	}
	info, err := e.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// credentialFor returns a credential only when the process may switch users.
// It never grants more privilege than the orchestrator already has.
func credentialFor(user string) (*syscall.Credential, bool) {
	if os.Geteuid() != 0 {
		return nil, false
	}
	uid, gid, ok := model.ParseUser(user)
	if !ok || uid == 0 {
		return nil, false
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, true
}

func chownTree(dir string, uid, gid int) error {
	return filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}

func classifyStartError(err error) *LaunchError {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return &LaunchError{Reason: ReasonPermissionDenied, Err: err}
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return &LaunchError{Reason: ReasonImagePullFailed, Err: err}
	default:
		return &LaunchError{Reason: ReasonResourceExhausted, Err: err}
	}
}

// exitCode follows the shell convention of 128+N for a signal-terminated process
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

func sanitizeOwner(owner string) string {
	if owner == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r == '.' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			return r
		}
		return '_'
	}, owner)
}

type localUnit struct {
	launcher *LocalLauncher
	logger   *zap.Logger
	dir      string
	pid      int

	stdoutR, stderrR *io.PipeReader

	done   chan struct{}
	status ExitStatus
	err    error

	releaseOnce sync.Once
	releaseErr  error
}

func (u *localUnit) ID() string { return "local-" + filepath.Base(u.dir) }

func (u *localUnit) Stdout() io.Reader { return u.stdoutR }

func (u *localUnit) Stderr() io.Reader { return u.stderrR }

func (u *localUnit) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-u.done:
		return u.status, u.err
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (u *localUnit) Signal(_ context.Context, sig Signal) error {
	select {
	case <-u.done:
		return nil
	default:
	}
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}
	if err := syscall.Kill(-u.pid, s); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", u.pid, err)
	}
	return nil
}

func (u *localUnit) Release(ctx context.Context) error {
	u.releaseOnce.Do(func() {
		if err := u.Signal(ctx, SignalKill); err != nil {
			u.releaseErr = err
		}
		select {
		case <-u.done:
		case <-ctx.Done():
			u.releaseErr = multierr.Append(u.releaseErr, fmt.Errorf("process %d did not exit: %w", u.pid, ctx.Err()))
		}
		u.stdoutR.CloseWithError(errUnitReleased)
		u.stderrR.CloseWithError(errUnitReleased)
		if err := u.launcher.fs.RemoveAll(u.dir); err != nil {
			u.releaseErr = multierr.Append(u.releaseErr, fmt.Errorf("failed to remove workspace: %w", err))
		}
		u.launcher.untrack(u.dir)
	})
	return u.releaseErr
}
