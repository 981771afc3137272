package gpugraph

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gogpu/gpugraph/backend"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/memory"
	"github.com/gogpu/gpugraph/syncobj"
)

// ErrInvalidConfig is returned for configurations that cannot be used.
var ErrInvalidConfig = errors.New("gpugraph: invalid config")

// Config holds the engine settings. The zero value of every field selects
// the package default, so a partial TOML file only overrides what it names:
//
//	workers = 4
//	high_water_mark = 268435456
//	fence_timeout = "500ms"
//	shader_dir = "shaders"
type Config struct {
	// Workers is the size of the CPU worker pool. Zero uses GOMAXPROCS.
	Workers int `toml:"workers"`

	// HighWaterMark is the device memory in bytes the pool is trimmed to
	// after every frame. Zero disables trimming.
	HighWaterMark uint64 `toml:"high_water_mark"`

	// ReuseTolerance is the largest number of spare bytes a reused
	// allocation may carry.
	ReuseTolerance uint64 `toml:"reuse_tolerance"`

	// ReuseRatio bounds the spare bytes relative to the request size.
	ReuseRatio float64 `toml:"reuse_ratio"`

	// FenceTimeout is the first host wait timeout.
	FenceTimeout time.Duration `toml:"fence_timeout"`

	// FenceRetries is the number of doubled-timeout retries before the
	// device is declared wedged. Negative disables retries.
	FenceRetries int `toml:"fence_retries"`

	// ShaderDir is a directory of <name>.wgsl/<name>.spv files with
	// <name>.toml layouts. Empty means only built-in shaders.
	ShaderDir string `toml:"shader_dir"`

	// ShaderCacheSize bounds the number of cached shader modules.
	ShaderCacheSize int `toml:"shader_cache_size"`

	// Backend names the backend Open uses.
	Backend string `toml:"backend"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ReuseTolerance:  memory.DefaultTolerance,
		ReuseRatio:      memory.DefaultRatio,
		FenceTimeout:    syncobj.DefaultWaitTimeout,
		FenceRetries:    syncobj.DefaultWaitRetries,
		ShaderCacheSize: kernel.DefaultCacheSize,
		Backend:         backend.BackendSoftware,
	}
}

// LoadConfig decodes the TOML file at path over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("gpugraph: load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalidConfig, path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings no component accepts.
func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("%w: workers %d", ErrInvalidConfig, c.Workers)
	case c.ReuseRatio < 0:
		return fmt.Errorf("%w: reuse ratio %v", ErrInvalidConfig, c.ReuseRatio)
	case c.FenceTimeout < 0:
		return fmt.Errorf("%w: fence timeout %v", ErrInvalidConfig, c.FenceTimeout)
	case c.ShaderCacheSize < 0:
		return fmt.Errorf("%w: shader cache size %d", ErrInvalidConfig, c.ShaderCacheSize)
	}
	return nil
}

func (c Config) poolConfig() memory.PoolConfig {
	return memory.PoolConfig{Tolerance: c.ReuseTolerance, Ratio: c.ReuseRatio}
}

func (c Config) waitPolicy() syncobj.WaitPolicy {
	return syncobj.WaitPolicy{Timeout: c.FenceTimeout, Retries: c.FenceRetries}
}
