package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestEntry is one image published by the build pipeline
type ManifestEntry struct {
	Language string `yaml:"language"`
	Image    string `yaml:"image"`
	Digest   string `yaml:"digest"`
}

// Manifest is the document the image build pipeline writes after publishing
type Manifest struct {
	Images []ManifestEntry `yaml:"images"`
}

// LoadManifest reads a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse catalog manifest: %w", err)
	}
	return &m, nil
}

// ApplyManifest points already registered languages at the manifest's image
// references and digests in one swap. Entries for unknown languages are
// rejected because the manifest carries no run command.
func (c *Catalog) ApplyManifest(m *Manifest) error {
	return c.update(func(s *snapshot) error {
		for _, e := range m.Images {
			img, ok := s.images[e.Language]
			if !ok {
				return fmt.Errorf("%w: manifest entry %s", ErrNotFound, e.Language)
			}
			if e.Image == "" {
				return fmt.Errorf("manifest entry %s has no image", e.Language)
			}
			img.Reference = e.Image
			img.Digest = e.Digest
			s.images[e.Language] = img
		}
		return nil
	})
}
