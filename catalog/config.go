package catalog

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/model"
)

// NewFromConfig builds the catalog from the configured profiles and languages
// and overlays the build pipeline's manifest when one is configured.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Catalog, error) {
	profiles := make([]model.ResourceProfile, 0, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles = append(profiles, ProfileFromConfig(name, p))
	}

	images := make([]model.SandboxImage, 0, len(cfg.Languages))
	for lang, l := range cfg.Languages {
		images = append(images, model.SandboxImage{
			Language:    lang,
			Reference:   l.Image,
			Digest:      l.Digest,
			User:        l.User,
			Profile:     l.Profile,
			SourceFile:  l.SourceFile,
			Command:     l.Command,
			Environment: l.Environment,
		})
	}

	c, err := New(images, profiles)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}

	if cfg.Sandbox.CatalogManifest != "" {
		if err := c.Reload(cfg.Sandbox.CatalogManifest); err != nil {
			return nil, err
		}
	}

	logger.Info("catalog loaded",
		zap.Strings("languages", c.Languages()),
		zap.Uint64("version", c.Version()))

	return c, nil
}

// Reload applies the manifest at path as a single update
func (c *Catalog) Reload(path string) error {
	m, err := LoadManifest(path)
	if err != nil {
		return err
	}
	return c.ApplyManifest(m)
}

// ProfileFromConfig converts a configured profile into its model form
func ProfileFromConfig(name string, p config.ProfileConfig) model.ResourceProfile {
	return model.ResourceProfile{
		Name:           name,
		Version:        p.Version,
		NanoCPUs:       int64(p.CPUs * 1e9),
		MemoryBytes:    int64(p.MemoryMB) * model.MiB,
		PidsLimit:      p.PidsLimit,
		Timeout:        p.Timeout,
		MaxOutputBytes: p.MaxOutputBytes,
		NetworkEnabled: p.NetworkEnabled,
	}
}
