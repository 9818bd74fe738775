package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/model"
	"github.com/isdmx/execbox/sandbox"
)

// submissionIDPattern keeps ids usable as container names and label values
var submissionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Limits bounds what a single submission may carry or request.
// Zero values other than MaxSourceBytes disable the matching check.
type Limits struct {
	MaxSourceBytes  int
	MaxStdinBytes   int
	MaxArchiveBytes int
	MaxArgs         int
	MaxTimeout      time.Duration
	MaxMemoryBytes  int64
	MaxOutputBytes  int
	AllowNetwork    bool
}

// LimitsFromConfig reads the limits section
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MaxSourceBytes:  cfg.Limits.MaxSourceBytes,
		MaxStdinBytes:   cfg.Limits.MaxStdinBytes,
		MaxArchiveBytes: cfg.Limits.MaxArchiveBytes,
		MaxArgs:         cfg.Limits.MaxArgs,
		MaxTimeout:      cfg.Limits.MaxTimeout,
		MaxMemoryBytes:  int64(cfg.Limits.MaxMemoryMB) * model.MiB,
		MaxOutputBytes:  cfg.Limits.MaxOutputBytes,
		AllowNetwork:    cfg.Sandbox.AllowNetwork,
	}
}

// validate checks the submission's shape and size
func (l Limits) validate(sub model.Submission) error {
	if !submissionIDPattern.MatchString(sub.ID) {
		return invalid("id", "%q must match %s", sub.ID, submissionIDPattern)
	}
	if strings.TrimSpace(sub.Language) == "" {
		return invalid("language", "required")
	}
	if sub.Source == "" {
		return invalid("source", "required")
	}
	if len(sub.Source) > l.MaxSourceBytes {
		return invalid("source", "%d bytes exceeds the limit of %d", len(sub.Source), l.MaxSourceBytes)
	}
	if l.MaxStdinBytes > 0 && len(sub.Stdin) > l.MaxStdinBytes {
		return invalid("stdin", "%d bytes exceeds the limit of %d", len(sub.Stdin), l.MaxStdinBytes)
	}
	if l.MaxArgs > 0 && len(sub.Args) > l.MaxArgs {
		return invalid("args", "%d arguments exceeds the limit of %d", len(sub.Args), l.MaxArgs)
	}
	for i, arg := range sub.Args {
		if strings.ContainsRune(arg, 0) {
			return invalid("args", "argument %d contains a NUL byte", i)
		}
	}
	if len(sub.Archive) > 0 {
		if l.MaxArchiveBytes > 0 && len(sub.Archive) > l.MaxArchiveBytes {
			return invalid("archive", "%d bytes exceeds the limit of %d", len(sub.Archive), l.MaxArchiveBytes)
		}
		if err := sandbox.ValidateArchive(sub.Archive); err != nil {
			return invalid("archive", "%v", err)
		}
	}
	return l.validateOverride(sub.Profile)
}

func (l Limits) validateOverride(o *model.ProfileOverride) error {
	if o == nil {
		return nil
	}
	if o.Timeout != nil {
		if *o.Timeout <= 0 {
			return invalid("profile.timeout", "must be positive")
		}
		if l.MaxTimeout > 0 && *o.Timeout > l.MaxTimeout {
			return invalid("profile.timeout", "%s exceeds the limit of %s", *o.Timeout, l.MaxTimeout)
		}
	}
	if o.MemoryBytes != nil {
		if *o.MemoryBytes <= 0 {
			return invalid("profile.memory_bytes", "must be positive")
		}
		if l.MaxMemoryBytes > 0 && *o.MemoryBytes > l.MaxMemoryBytes {
			return invalid("profile.memory_bytes", "%d exceeds the limit of %d", *o.MemoryBytes, l.MaxMemoryBytes)
		}
	}
	if o.MaxOutputBytes != nil {
		if *o.MaxOutputBytes <= 0 {
			return invalid("profile.max_output_bytes", "must be positive")
		}
		if l.MaxOutputBytes > 0 && *o.MaxOutputBytes > l.MaxOutputBytes {
			return invalid("profile.max_output_bytes", "%d exceeds the limit of %d", *o.MaxOutputBytes, l.MaxOutputBytes)
		}
	}
	if o.NetworkEnabled != nil && *o.NetworkEnabled && !l.AllowNetwork {
		return invalid("profile.network_enabled", "network access is not allowed")
	}
	return nil
}

// resolve validates sub and returns the image and effective profile for it
func (o *Orchestrator) resolve(sub model.Submission) (model.SandboxImage, model.ResourceProfile, error) {
	if err := o.limits.validate(sub); err != nil {
		return model.SandboxImage{}, model.ResourceProfile{}, err
	}

	img, err := o.catalog.Resolve(sub.Language)
	if err != nil {
		return model.SandboxImage{}, model.ResourceProfile{}, err
	}
	base, err := o.catalog.Profile(img.Profile)
	if err != nil {
		return model.SandboxImage{}, model.ResourceProfile{}, fmt.Errorf("resolve profile for %s: %w", sub.Language, err)
	}

	profile := base.Apply(sub.Profile)
	if err := profile.Validate(); err != nil {
		return model.SandboxImage{}, model.ResourceProfile{}, invalid("profile", "%v", err)
	}
	return img, profile, nil
}
