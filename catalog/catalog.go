package catalog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/isdmx/execbox/model"
)

// ErrNotFound is returned when no image is registered for a language
var ErrNotFound = errors.New("language not found")

type snapshot struct {
	version  uint64
	images   map[string]model.SandboxImage
	profiles map[string]model.ResourceProfile
}

// Catalog is the read-mostly registry of sandbox images and profiles
type Catalog struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// New creates a catalog from an initial set of images and profiles
func New(images []model.SandboxImage, profiles []model.ResourceProfile) (*Catalog, error) {
	s := &snapshot{
		version:  1,
		images:   make(map[string]model.SandboxImage, len(images)),
		profiles: make(map[string]model.ResourceProfile, len(profiles)),
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.Version == 0 {
			p.Version = 1
		}
		s.profiles[p.Name] = p
	}
	for _, img := range images {
		if err := validateImage(img, s.profiles); err != nil {
			return nil, err
		}
		s.images[img.Language] = cloneImage(img)
	}

	c := &Catalog{}
	c.snap.Store(s)
	return c, nil
}

// Resolve returns the active image for a language
func (c *Catalog) Resolve(language string) (model.SandboxImage, error) {
	img, ok := c.snap.Load().images[language]
	if !ok {
		return model.SandboxImage{}, fmt.Errorf("%w: %s", ErrNotFound, language)
	}
	return cloneImage(img), nil
}

// Profile returns the current version of a named profile
func (c *Catalog) Profile(name string) (model.ResourceProfile, error) {
	p, ok := c.snap.Load().profiles[name]
	if !ok {
		return model.ResourceProfile{}, fmt.Errorf("profile %q is not defined", name)
	}
	return p, nil
}

// Languages lists registered language identifiers in sorted order
func (c *Catalog) Languages() []string {
	return slices.Sorted(maps.Keys(c.snap.Load().images))
}

// Images returns every active image, sorted by language
func (c *Catalog) Images() []model.SandboxImage {
	s := c.snap.Load()
	out := make([]model.SandboxImage, 0, len(s.images))
	for _, lang := range slices.Sorted(maps.Keys(s.images)) {
		out = append(out, cloneImage(s.images[lang]))
	}
	return out
}

// Version returns the snapshot version, bumped on every successful write
func (c *Catalog) Version() uint64 {
	return c.snap.Load().version
}

// Publish registers or replaces the image for img.Language
func (c *Catalog) Publish(img model.SandboxImage) error {
	return c.update(func(s *snapshot) error {
		if err := validateImage(img, s.profiles); err != nil {
			return err
		}
		s.images[img.Language] = cloneImage(img)
		return nil
	})
}

// PublishProfile registers a profile or replaces it with the next version.
// Runs that already resolved the previous version keep their copy.
func (c *Catalog) PublishProfile(p model.ResourceProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return c.update(func(s *snapshot) error {
		if prev, ok := s.profiles[p.Name]; ok {
			p.Version = prev.Version + 1
		} else if p.Version == 0 {
			p.Version = 1
		}
		s.profiles[p.Name] = p
		return nil
	})
}

// Remove unregisters a language
func (c *Catalog) Remove(language string) error {
	return c.update(func(s *snapshot) error {
		if _, ok := s.images[language]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, language)
		}
		delete(s.images, language)
		return nil
	})
}

// update copies the current snapshot, applies fn and swaps the result in.
// A failing fn leaves the published snapshot untouched.
func (c *Catalog) update(fn func(*snapshot) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := &snapshot{
		version:  cur.version + 1,
		images:   maps.Clone(cur.images),
		profiles: maps.Clone(cur.profiles),
	}
	if err := fn(next); err != nil {
		return err
	}
	c.snap.Store(next)
	return nil
}

func validateImage(img model.SandboxImage, profiles map[string]model.ResourceProfile) error {
	if img.Language == "" {
		return errors.New("image language must not be empty")
	}
	if img.Reference == "" {
		return fmt.Errorf("language %s: image reference must not be empty", img.Language)
	}
	if len(img.Command) == 0 {
		return fmt.Errorf("language %s: command must not be empty", img.Language)
	}
	if err := model.CheckNonRootUser(img.User); err != nil {
		return fmt.Errorf("language %s: image must declare a non-root user: %w", img.Language, err)
	}
	if _, ok := profiles[img.Profile]; !ok {
		return fmt.Errorf("language %s: unknown profile %q", img.Language, img.Profile)
	}
	return nil
}

func cloneImage(img model.SandboxImage) model.SandboxImage {
	img.Command = slices.Clone(img.Command)
	img.Environment = maps.Clone(img.Environment)
	return img
}
