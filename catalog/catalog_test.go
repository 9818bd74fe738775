package catalog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/model"
)

func testProfile() model.ResourceProfile {
	return model.ResourceProfile{
		Name:           "default",
		MemoryBytes:    256 * model.MiB,
		Timeout:        10 * time.Second,
		MaxOutputBytes: 64 * model.KiB,
	}
}

func javaImage() model.SandboxImage {
	return model.SandboxImage{
		Language:   "java",
		Reference:  "codezy-java-runner:latest",
		User:       "1000",
		Profile:    "default",
		SourceFile: "{class}.java",
		Command:    []string{"java", "{class}"},
	}
}

func TestResolve(t *testing.T) {
	c, err := New([]model.SandboxImage{javaImage()}, []model.ResourceProfile{testProfile()})
	require.NoError(t, err)

	img, err := c.Resolve("java")
	require.NoError(t, err)
	assert.Equal(t, "codezy-java-runner:latest", img.Reference)

	_, err = c.Resolve("ruby")
	require.ErrorIs(t, err, ErrNotFound)

	// Mutating a resolved image must not leak back into the catalog
	img.Command[0] = "sh"
	again, err := c.Resolve("java")
	require.NoError(t, err)
	assert.Equal(t, "java", again.Command[0])

	assert.Equal(t, []string{"java"}, c.Languages())
}

func TestNewRejectsInvalidImages(t *testing.T) {
	for _, user := range []string{"", "0", "00", "0:0", "0:1000", "root", "root:root", "runner"} {
		t.Run("User"+user, func(t *testing.T) {
			img := javaImage()
			img.User = user
			_, err := New([]model.SandboxImage{img}, []model.ResourceProfile{testProfile()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "non-root user")
		})
	}

	orphan := javaImage()
	orphan.Profile = "missing"
	_, err := New([]model.SandboxImage{orphan}, []model.ResourceProfile{testProfile()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestPublishSwapsAtomically(t *testing.T) {
	c, err := New([]model.SandboxImage{javaImage()}, []model.ResourceProfile{testProfile()})
	require.NoError(t, err)
	v0 := c.Version()

	updated := javaImage()
	updated.Reference = "codezy-java-runner:2"
	require.NoError(t, c.Publish(updated))
	assert.Equal(t, v0+1, c.Version())

	img, err := c.Resolve("java")
	require.NoError(t, err)
	assert.Equal(t, "codezy-java-runner:2", img.Reference)

	broken := javaImage()
	broken.Reference = ""
	require.Error(t, c.Publish(broken))
	assert.Equal(t, v0+1, c.Version(), "failed publish must not bump the version")

	img, err = c.Resolve("java")
	require.NoError(t, err)
	assert.Equal(t, "codezy-java-runner:2", img.Reference)
}

func TestPublishProfileBumpsVersion(t *testing.T) {
	c, err := New([]model.SandboxImage{javaImage()}, []model.ResourceProfile{testProfile()})
	require.NoError(t, err)

	inFlight, err := c.Profile("default")
	require.NoError(t, err)
	assert.Equal(t, 1, inFlight.Version)

	next := testProfile()
	next.Timeout = 2 * time.Second
	require.NoError(t, c.PublishProfile(next))

	current, err := c.Profile("default")
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
	assert.Equal(t, 2*time.Second, current.Timeout)
	assert.Equal(t, 10*time.Second, inFlight.Timeout)
}

func TestConcurrentReadersDuringPublish(t *testing.T) {
	c, err := New([]model.SandboxImage{javaImage()}, []model.ResourceProfile{testProfile()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				img, err := c.Resolve("java")
				assert.NoError(t, err)
				assert.NotEmpty(t, img.Reference)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		img := javaImage()
		img.Digest = "sha256:" + string(rune('a'+i%26))
		require.NoError(t, c.Publish(img))
	}
	wg.Wait()
}

func TestManifest(t *testing.T) {
	c, err := New([]model.SandboxImage{javaImage()}, []model.ResourceProfile{testProfile()})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "images.yaml")
	doc := "images:\n  - language: java\n    image: registry.local/java:17\n    digest: sha256:abc\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	require.NoError(t, c.Reload(path))
	img, err := c.Resolve("java")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/java:17", img.Reference)
	assert.Equal(t, "sha256:abc", img.Digest)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("images:\n  - language: ruby\n    image: ruby:3\n"), 0o600))
	require.ErrorIs(t, c.Reload(bad), ErrNotFound)

	img, err = c.Resolve("java")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/java:17", img.Reference)
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{
		Profiles: map[string]config.ProfileConfig{
			"default": {Version: 1, CPUs: 0.5, MemoryMB: 128, PidsLimit: 50, Timeout: 3 * time.Second, MaxOutputBytes: 512},
		},
		Languages: map[string]config.LanguageConfig{
			"java": {Image: "codezy-java-runner:latest", User: "1000", Profile: "default", Command: []string{"java"}},
		},
	}

	c, err := NewFromConfig(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	p, err := c.Profile("default")
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000), p.NanoCPUs)
	assert.Equal(t, int64(128*model.MiB), p.MemoryBytes)
	assert.Equal(t, 3*time.Second, p.Timeout)
}
