//go:build unix

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/execbox/catalog"
	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/httpapi"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/model"
	"github.com/isdmx/execbox/orchestrator"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/supervisor"
	"github.com/isdmx/execbox/telemetry"
)

// workRoot is world-traversable so units dropped to uid 1000 under a root
// test runner can still reach their directory.
func workRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "execbox-it-")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0o755))
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func localConfig(t *testing.T) *config.Config {
	shell := []string{"/bin/sh", "{workdir}/{source}"}
	return &config.Config{
		Server:  config.ServerConfig{Transport: "none"},
		Logging: config.LoggingConfig{Mode: "development", Level: "info"},
		Sandbox: config.SandboxConfig{
			Backend:            sandbox.BackendLocal,
			EnableLocalBackend: true,
			WorkRoot:           workRoot(t),
			InstanceID:         "integration",
			Concurrency:        2,
			QueueTimeout:       5 * time.Second,
			GracePeriod:        200 * time.Millisecond,
			KillWait:           time.Second,
			ReclaimTimeout:     5 * time.Second,
		},
		Limits: config.LimitsConfig{
			MaxSourceBytes:  50000,
			MaxStdinBytes:   1 << 20,
			MaxArchiveBytes: 1 << 20,
			MaxArgs:         8,
			MaxTimeout:      time.Minute,
			MaxMemoryMB:     1024,
			MaxOutputBytes:  1 << 20,
		},
		Profiles: map[string]config.ProfileConfig{
			"default": {Version: 1, CPUs: 1, MemoryMB: 256, PidsLimit: 50, Timeout: 5 * time.Second, MaxOutputBytes: 64 * 1024},
			"short":   {Version: 1, CPUs: 1, MemoryMB: 256, PidsLimit: 50, Timeout: 300 * time.Millisecond, MaxOutputBytes: 64 * 1024},
		},
		Languages: map[string]config.LanguageConfig{
			"shell": {Image: "local", User: "1000", Profile: "default", SourceFile: "main.sh", Command: shell},
			"slow":  {Image: "local", User: "1000", Profile: "short", SourceFile: "main.sh", Command: shell},
		},
	}
}

type stack struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	backend sandbox.Backend
	orch    *orchestrator.Orchestrator
}

func newStack(t *testing.T) *stack {
	t.Helper()
	cfg := localConfig(t)

	log, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)

	cat, err := catalog.NewFromConfig(cfg, log)
	require.NoError(t, err)

	backend, err := sandbox.NewBackend(log, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	sup := supervisor.NewFromConfig(log, cfg)
	orch := orchestrator.NewFromConfig(log, cfg, cat, backend, sup, telemetry.NewLogSink(log))

	return &stack{cfg: cfg, catalog: cat, backend: backend, orch: orch}
}

func TestIntegrationLocalExecution(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	t.Run("StdinAndArgs", func(t *testing.T) {
		result, err := s.orch.Execute(ctx, model.Submission{
			Language: "shell",
			Source:   "read x\necho \"got $x $1\"\n",
			Stdin:    "42\n",
			Args:     []string{"arg"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.ReasonCompleted, result.Reason)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "got 42 arg\n", result.Stdout)
		assert.NotEmpty(t, result.SubmissionID)
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		result, err := s.orch.Execute(ctx, model.Submission{
			Language: "shell",
			Source:   "echo bad >&2\nexit 7\n",
		})
		require.NoError(t, err)
		assert.Equal(t, model.ReasonCompleted, result.Reason)
		assert.Equal(t, 7, result.ExitCode)
		assert.Equal(t, "bad\n", result.Stderr)
	})

	t.Run("Timeout", func(t *testing.T) {
		start := time.Now()
		result, err := s.orch.Execute(ctx, model.Submission{
			Language: "slow",
			Source:   "sleep 30\n",
		})
		require.NoError(t, err)
		assert.Equal(t, model.ReasonTimeout, result.Reason)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("OutputCap", func(t *testing.T) {
		limit := 10
		result, err := s.orch.Execute(ctx, model.Submission{
			Language: "shell",
			Source:   "i=0\nwhile [ $i -lt 200 ]; do echo line$i; i=$((i+1)); done\n",
			Profile:  &model.ProfileOverride{MaxOutputBytes: &limit},
		})
		require.NoError(t, err)
		assert.Equal(t, model.ReasonCompleted, result.Reason)
		assert.True(t, result.StdoutTruncated)
		assert.Len(t, result.Stdout, limit)
	})

	t.Run("UnknownLanguage", func(t *testing.T) {
		_, err := s.orch.Execute(ctx, model.Submission{Language: "cobol", Source: "x"})
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("TeardownLeavesNothing", func(t *testing.T) {
		assert.Equal(t, 0, s.orch.InUse())
		root := filepath.Join(s.cfg.Sandbox.WorkRoot, "execbox-integration")
		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		assert.Empty(t, entries)

		removed, err := s.backend.Sweep(ctx, 0)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func TestIntegrationIntakeSurfaces(t *testing.T) {
	s := newStack(t)
	log, err := logger.New(logger.ModeDevelopment, "info")
	require.NoError(t, err)

	t.Run("REST", func(t *testing.T) {
		api := httpapi.New(log, s.orch, s.catalog)
		req := httptest.NewRequest(http.MethodPost, "/api/execute/quick",
			strings.NewReader(`{"language":"shell","code":"echo rest"}`))
		req.Header.Set("Content-Type", "application/json")

		resp, err := api.App().Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("MCP", func(t *testing.T) {
		server := mcpserver.NewFromConfig(s.cfg, log, s.orch, s.catalog)
		require.NotNil(t, server.GetMCPServer())
	})
}
