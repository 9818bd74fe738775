package sandbox

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

// Backend names
const (
	BackendDocker = "docker"
	BackendPodman = "podman"
	BackendLocal  = "local"
)

// NewBackend creates the launcher selected by sandbox.backend
func NewBackend(logger *zap.Logger, cfg *config.Config) (Backend, error) {
	owner := OwnerID(cfg)
	logger = logger.With(zap.String("backend", cfg.Sandbox.Backend), zap.String("owner", owner))

	switch cfg.Sandbox.Backend {
	case BackendDocker, BackendPodman:
		host := cfg.Sandbox.DockerHost
		if cfg.Sandbox.Backend == BackendPodman {
			host = cfg.Sandbox.PodmanSocket
		}
		launcher, err := NewDockerLauncher(logger, owner, WithDockerHost(host))
		if err != nil {
			return nil, err
		}
		return launcher, nil
	case BackendLocal:
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled; set sandbox.enable_local_backend")
		}
		launcher, err := NewLocalLauncher(logger, cfg.Sandbox.WorkRoot, owner)
		if err != nil {
			return nil, err
		}
		return launcher, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// OwnerID returns the ownership tag for units launched by this instance
func OwnerID(cfg *config.Config) string {
	if cfg.Sandbox.InstanceID != "" {
		return cfg.Sandbox.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "execbox"
}
