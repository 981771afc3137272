package gpugraph

import "time"

// Option configures an Engine during creation.
//
// Example:
//
//	eng, err := gpugraph.New(dev,
//	    gpugraph.WithWorkers(4),
//	    gpugraph.WithHighWaterMark(256<<20),
//	)
type Option func(*Config)

// WithConfig replaces the whole configuration, typically one returned by
// LoadConfig. Options after it still apply.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithWorkers sets the size of the CPU worker pool.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
	}
}

// WithHighWaterMark sets the device memory the pool is trimmed to after
// every frame. Zero disables trimming.
func WithHighWaterMark(bytes uint64) Option {
	return func(c *Config) {
		c.HighWaterMark = bytes
	}
}

// WithReuseTolerance sets the absolute and relative slack a reused
// allocation may carry.
func WithReuseTolerance(bytes uint64, ratio float64) Option {
	return func(c *Config) {
		c.ReuseTolerance = bytes
		c.ReuseRatio = ratio
	}
}

// WithFenceTimeout sets the first host wait timeout and the number of
// retries.
func WithFenceTimeout(timeout time.Duration, retries int) Option {
	return func(c *Config) {
		c.FenceTimeout = timeout
		c.FenceRetries = retries
	}
}

// WithShaderDir loads shaders missing from the built-in set from dir.
func WithShaderDir(dir string) Option {
	return func(c *Config) {
		c.ShaderDir = dir
	}
}
