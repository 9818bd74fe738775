package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/model"
)

const (
	containerNamePrefix = "execbox-"
	tmpfsOptions        = "rw,exec,nosuid,nodev,size=64m"
	openFilesLimit      = 256
	fileSizeLimit       = 64 << 20
)

// DockerAPI is the subset of the Docker Engine API used by DockerLauncher
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// DockerLauncher runs each submission in its own container through the
// Docker Engine API. Podman is served by pointing it at the Podman socket.
type DockerLauncher struct {
	logger *zap.Logger
	api    DockerAPI
	host   string
	owner  string
	now    func() time.Time
}

// DockerLauncherOption defines a functional option for DockerLauncher
type DockerLauncherOption func(*DockerLauncher)

// WithDockerAPI sets the engine client, mainly for tests
func WithDockerAPI(api DockerAPI) DockerLauncherOption {
	return func(d *DockerLauncher) {
		d.api = api
	}
}

// WithDockerHost sets the engine endpoint, e.g. unix:///run/podman/podman.sock
func WithDockerHost(host string) DockerLauncherOption {
	return func(d *DockerLauncher) {
		d.host = host
	}
}

// WithDockerClock overrides the clock used by Sweep
func WithDockerClock(now func() time.Time) DockerLauncherOption {
	return func(d *DockerLauncher) {
		d.now = now
	}
}

// NewDockerLauncher creates a launcher labelling its units with owner
func NewDockerLauncher(logger *zap.Logger, owner string, opts ...DockerLauncherOption) (*DockerLauncher, error) {
	d := &DockerLauncher{
		logger: logger,
		owner:  owner,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.api == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if d.host != "" {
			clientOpts = append(clientOpts, client.WithHost(d.host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine client: %w", err)
		}
		d.api = cli
	}

	return d, nil
}

// Close releases the engine client
func (d *DockerLauncher) Close() error {
	return d.api.Close()
}

// Launch creates, populates and starts one container for sub
func (d *DockerLauncher) Launch(ctx context.Context, sub model.Submission, img model.SandboxImage, profile model.ResourceProfile) (Unit, error) {
	logger := d.logger.With(
		zap.String("submission_id", sub.ID),
		zap.String("language", sub.Language),
		zap.String("image", img.Reference),
	)

	if err := d.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	if err := model.CheckNonRootUser(img.User); err != nil {
		return nil, newLaunchError(ReasonPermissionDenied, "refusing image user: %w", err)
	}
	uid, gid, _ := model.ParseUser(img.User)

	files := []WorkspaceFile{{Name: img.SourceFileName(sub.Source), Data: []byte(sub.Source)}}
	workspace, err := BuildWorkspaceArchive(files, sub.Archive, uid, gid)
	if err != nil {
		return nil, newLaunchError(ReasonResourceExhausted, "failed to build workspace: %w", err)
	}

	hasStdin := sub.Stdin != ""
	cfg := &container.Config{
		Image:           img.Reference,
		Cmd:             img.ExpandCommand(sub.Source, WorkspaceDir, sub.Args),
		User:            img.User,
		WorkingDir:      WorkspaceDir,
		Env:             envList(img.Environment),
		Labels:          ownerLabels(d.owner, sub),
		AttachStdin:     hasStdin,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       hasStdin,
		StdinOnce:       hasStdin,
		NetworkDisabled: !profile.NetworkEnabled,
	}
	hostCfg := d.hostConfig(profile)

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerNamePrefix+sub.ID)
	if err != nil {
		return nil, classifyEngineError("create container", err)
	}
	id := created.ID
	logger = logger.With(zap.String("container_id", shortID(id)))
	logger.Debug("Container created", zap.Strings("warnings", created.Warnings))

	started := false
	var hijack types.HijackedResponse
	defer func() {
		if started {
			return
		}
		if hijack.Conn != nil {
			hijack.Close()
		}
		d.removeContainer(id, logger)
	}()

	if err := d.api.CopyToContainer(ctx, id, "/", bytes.NewReader(workspace), container.CopyToContainerOptions{}); err != nil {
		return nil, classifyEngineError("copy workspace", err)
	}

	hijack, err = d.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  hasStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, classifyEngineError("attach container", err)
	}

	// Register for the exit before starting so a fast exit is never missed.
	waitCtx, cancelWait := context.WithCancel(context.Background())
	waitC, errC := d.api.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		cancelWait()
		return nil, classifyEngineError("start container", err)
	}
	started = true
	startedAt := time.Now()

	u := newDockerUnit(d.api, logger, id, hijack, cancelWait)
	go u.pump(hasStdin, sub.Stdin)
	go u.watch(waitC, errC, startedAt)

	logger.Info("Container started")
	return u, nil
}

func (d *DockerLauncher) hostConfig(profile model.ResourceProfile) *container.HostConfig {
	networkMode := container.NetworkMode("none")
	if profile.NetworkEnabled {
		networkMode = container.NetworkMode("bridge")
	}

	resources := container.Resources{
		Memory:     profile.MemoryBytes,
		MemorySwap: profile.MemoryBytes,
		NanoCPUs:   profile.NanoCPUs,
		Ulimits: []*units.Ulimit{
			{Name: "nofile", Soft: openFilesLimit, Hard: openFilesLimit},
			{Name: "core", Soft: 0, Hard: 0},
			{Name: "fsize", Soft: fileSizeLimit, Hard: fileSizeLimit},
		},
	}
	if profile.PidsLimit > 0 {
		pids := profile.PidsLimit
		resources.PidsLimit = &pids
	}

	return &container.HostConfig{
		NetworkMode: networkMode,
		Privileged:  false,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs:       map[string]string{"/tmp": tmpfsOptions},
		Resources:   resources,
	}
}

// ensureImage makes sure the image is present and matches the pinned digest
func (d *DockerLauncher) ensureImage(ctx context.Context, img model.SandboxImage) error {
	inspect, err := d.api.ImageInspect(ctx, img.Reference)
	if err != nil {
		if !cerrdefs.IsNotFound(err) {
			return classifyEngineError("inspect image", err)
		}

		d.logger.Info("Pulling image", zap.String("image", img.Reference))
		rc, pullErr := d.api.ImagePull(ctx, img.Reference, image.PullOptions{})
		if pullErr != nil {
			return &LaunchError{Reason: ReasonImagePullFailed, Err: pullErr}
		}
		_, copyErr := io.Copy(io.Discard, rc)
		rc.Close()
		if copyErr != nil {
			return &LaunchError{Reason: ReasonImagePullFailed, Err: copyErr}
		}

		if inspect, err = d.api.ImageInspect(ctx, img.Reference); err != nil {
			return &LaunchError{Reason: ReasonImagePullFailed, Err: err}
		}
	}

	if img.Digest != "" && !digestMatches(inspect, img.Digest) {
		return newLaunchError(ReasonImagePullFailed, "image %s does not match pinned digest %s", img.Reference, img.Digest)
	}
	return nil
}

func digestMatches(inspect image.InspectResponse, digest string) bool {
	if inspect.ID == digest {
		return true
	}
	for _, rd := range inspect.RepoDigests {
		if strings.HasSuffix(rd, "@"+digest) {
			return true
		}
	}
	return false
}

func (d *DockerLauncher) removeContainer(id string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		logger.Warn("Failed to remove container", zap.Error(err))
	}
}

// Sweep force-removes this owner's containers created more than olderThan ago
func (d *DockerLauncher) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManaged+"=true"),
			filters.Arg("label", LabelOwner+"="+d.owner),
		),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	cutoff := d.now().Add(-olderThan).Unix()
	removed := 0
	var errs error
	for _, c := range list {
		if c.Created > cutoff {
			continue
		}
		err := d.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", shortID(c.ID), err))
			continue
		}
		removed++
		d.logger.Info("Removed orphaned container",
			zap.String("container_id", shortID(c.ID)),
			zap.String("submission_id", c.Labels[LabelSubmission]),
		)
	}
	return removed, errs
}

// classifyEngineError maps engine errors onto launch failure reasons
func classifyEngineError(op string, err error) *LaunchError {
	reason := ReasonResourceExhausted
	switch {
	case cerrdefs.IsNotFound(err):
		reason = ReasonImagePullFailed
	case cerrdefs.IsPermissionDenied(err), cerrdefs.IsUnauthorized(err):
		reason = ReasonPermissionDenied
	}
	return &LaunchError{Reason: reason, Err: fmt.Errorf("%s: %w", op, err)}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type dockerUnit struct {
	api        DockerAPI
	logger     *zap.Logger
	id         string
	hijack     types.HijackedResponse
	cancelWait context.CancelFunc

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	done   chan struct{}
	status ExitStatus
	err    error

	releaseOnce sync.Once
	releaseErr  error
}

func newDockerUnit(api DockerAPI, logger *zap.Logger, id string, hijack types.HijackedResponse, cancelWait context.CancelFunc) *dockerUnit {
	u := &dockerUnit{
		api:        api,
		logger:     logger,
		id:         id,
		hijack:     hijack,
		cancelWait: cancelWait,
		done:       make(chan struct{}),
	}
	u.stdoutR, u.stdoutW = io.Pipe()
	u.stderrR, u.stderrW = io.Pipe()
	return u
}

// pump feeds stdin and demultiplexes the attached stream into the two pipes
func (u *dockerUnit) pump(hasStdin bool, stdin string) {
	if hasStdin {
		go func() {
			if _, err := io.Copy(u.hijack.Conn, strings.NewReader(stdin)); err != nil {
				u.logger.Debug("Failed to write stdin", zap.Error(err))
			}
			_ = u.hijack.CloseWrite()
		}()
	}

	_, err := stdcopy.StdCopy(u.stdoutW, u.stderrW, u.hijack.Reader)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	u.stdoutW.CloseWithError(err)
	u.stderrW.CloseWithError(err)
}

func (u *dockerUnit) watch(waitC <-chan container.WaitResponse, errC <-chan error, startedAt time.Time) {
	defer close(u.done)
	select {
	case resp := <-waitC:
		u.status = ExitStatus{Code: int(resp.StatusCode), StartedAt: startedAt, FinishedAt: time.Now()}
		if resp.Error != nil && resp.Error.Message != "" {
			u.err = fmt.Errorf("container wait: %s", resp.Error.Message)
		}
	case err := <-errC:
		u.status = ExitStatus{Code: -1, StartedAt: startedAt, FinishedAt: time.Now()}
		u.err = fmt.Errorf("container wait: %w", err)
	}
}

func (u *dockerUnit) ID() string { return u.id }

func (u *dockerUnit) Stdout() io.Reader { return u.stdoutR }

func (u *dockerUnit) Stderr() io.Reader { return u.stderrR }

func (u *dockerUnit) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-u.done:
		return u.status, u.err
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (u *dockerUnit) Signal(ctx context.Context, sig Signal) error {
	select {
	case <-u.done:
		return nil
	default:
	}
	err := u.api.ContainerKill(ctx, u.id, string(sig))
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("failed to signal container: %w", err)
}

func (u *dockerUnit) Release(ctx context.Context) error {
	u.releaseOnce.Do(func() {
		u.hijack.Close()
		u.stdoutR.CloseWithError(errUnitReleased)
		u.stderrR.CloseWithError(errUnitReleased)

		err := u.api.ContainerRemove(ctx, u.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			u.releaseErr = multierr.Append(u.releaseErr, fmt.Errorf("failed to remove container: %w", err))
		}
		u.cancelWait()
		u.logger.Debug("Container released", zap.Error(u.releaseErr))
	})
	return u.releaseErr
}
