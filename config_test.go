package gpugraph

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/gpugraph/backend"
	"github.com/gogpu/gpugraph/memory"
	"github.com/gogpu/gpugraph/syncobj"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpugraph.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ReuseTolerance != memory.DefaultTolerance {
		t.Errorf("ReuseTolerance = %d, want %d", cfg.ReuseTolerance, memory.DefaultTolerance)
	}
	if cfg.FenceTimeout != syncobj.DefaultWaitTimeout {
		t.Errorf("FenceTimeout = %v, want %v", cfg.FenceTimeout, syncobj.DefaultWaitTimeout)
	}
	if cfg.Backend != backend.BackendSoftware {
		t.Errorf("Backend = %q, want %q", cfg.Backend, backend.BackendSoftware)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
workers = 3
high_water_mark = 1048576
fence_timeout = "250ms"
shader_dir = "kernels"
backend = "hal"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	want := DefaultConfig()
	want.Workers = 3
	want.HighWaterMark = 1 << 20
	want.FenceTimeout = 250 * time.Millisecond
	want.ShaderDir = "kernels"
	want.Backend = backend.BackendHAL
	if cfg != want {
		t.Errorf("LoadConfig() = %+v, want %+v", cfg, want)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		invalid bool
	}{
		{"unknown key", "workerz = 3\n", true},
		{"negative workers", "workers = -1\n", true},
		{"negative ratio", "reuse_ratio = -0.5\n", true},
		{"syntax", "workers = \n", false},
		{"type mismatch", "workers = \"four\"\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("LoadConfig() error = nil")
			}
			if got := errors.Is(err, ErrInvalidConfig); got != tt.invalid {
				t.Errorf("errors.Is(%v, ErrInvalidConfig) = %v, want %v", err, got, tt.invalid)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig(missing) error = nil")
	}
}

// =============================================================================
// Options
// =============================================================================

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(Config) bool
	}{
		{"WithWorkers", WithWorkers(6), func(c Config) bool { return c.Workers == 6 }},
		{"WithHighWaterMark", WithHighWaterMark(512), func(c Config) bool { return c.HighWaterMark == 512 }},
		{"WithReuseTolerance", WithReuseTolerance(1024, 0.5), func(c Config) bool {
			return c.ReuseTolerance == 1024 && c.ReuseRatio == 0.5
		}},
		{"WithFenceTimeout", WithFenceTimeout(time.Second, -1), func(c Config) bool {
			return c.FenceTimeout == time.Second && c.FenceRetries == -1
		}},
		{"WithShaderDir", WithShaderDir("x"), func(c Config) bool { return c.ShaderDir == "x" }},
		{"WithConfig", WithConfig(Config{Workers: 9}), func(c Config) bool { return c == Config{Workers: 9} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.opt(&cfg)
			if !tt.check(cfg) {
				t.Errorf("%s produced %+v", tt.name, cfg)
			}
		})
	}
}

func TestOptionsApplyInOrder(t *testing.T) {
	cfg := DefaultConfig()
	for _, opt := range []Option{WithConfig(Config{Workers: 1}), WithWorkers(2)} {
		opt(&cfg)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
}
