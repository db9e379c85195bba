package bench

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tezrry/gpulock/pkg/errors"
)

type ConfigFunc func(c *Config)

// Config is the parameter set of one benchmark run.
type Config struct {
	// Workgroups is the requested workgroup count. It is clamped to the
	// device's maxComputeWorkGroupInvocations limit.
	Workgroups    uint32 `yaml:"workgroups"`
	WorkgroupSize uint32 `yaml:"workgroup_size"`
	// LockIters is how many times invocation 0 of every workgroup takes the
	// lock per iteration.
	LockIters uint32 `yaml:"lock_iters"`
	TestIters uint32 `yaml:"test_iters"`

	// Filler binds a fourth buffer of workgroups*workgroupSize words the
	// other invocations write into.
	Filler bool `yaml:"filler"`

	// LegacyFencedDispatch dispatches each fenced variant's non-fenced
	// kernel while reporting under the fenced name, the way the legacy
	// timing harness did.
	LegacyFencedDispatch bool `yaml:"legacy_fenced_dispatch"`

	// StrictAnomalies turns a measurement anomaly into a run error.
	StrictAnomalies bool `yaml:"strict_anomalies"`

	// Variants restricts the run to the named variants, in table order.
	Variants []string `yaml:"variants"`
}

// DefaultConfig is the configuration of the legacy harness.
func DefaultConfig() Config {
	return Config{
		Workgroups:    8,
		WorkgroupSize: 16,
		LockIters:     2000,
		TestIters:     16,
	}
}

func WithConfig(config *Config) ConfigFunc {
	return func(c *Config) {
		*c = *config
	}
}

func WithWorkgroups(n uint32) ConfigFunc {
	return func(c *Config) {
		c.Workgroups = n
	}
}

func WithWorkgroupSize(n uint32) ConfigFunc {
	return func(c *Config) {
		c.WorkgroupSize = n
	}
}

func WithLockIters(n uint32) ConfigFunc {
	return func(c *Config) {
		c.LockIters = n
	}
}

func WithTestIters(n uint32) ConfigFunc {
	return func(c *Config) {
		c.TestIters = n
	}
}

func WithFiller(v bool) ConfigFunc {
	return func(c *Config) {
		c.Filler = v
	}
}

func WithLegacyFencedDispatch(v bool) ConfigFunc {
	return func(c *Config) {
		c.LegacyFencedDispatch = v
	}
}

func WithStrictAnomalies(v bool) ConfigFunc {
	return func(c *Config) {
		c.StrictAnomalies = v
	}
}

func WithVariants(names ...string) ConfigFunc {
	return func(c *Config) {
		c.Variants = names
	}
}

// NewConfig applies fns to DefaultConfig and validates the result.
func NewConfig(fns ...ConfigFunc) (Config, error) {
	c := DefaultConfig()
	for _, fn := range fns {
		fn(&c)
	}
	return c, c.Validate()
}

// Validate checks every count is positive and the per-iteration success
// count fits the 32-bit result counter.
func (c *Config) Validate() error {
	switch {
	case c.Workgroups == 0:
		return fmt.Errorf("%w: workgroups MUST be greater than 0", errors.ErrInvalidConfig)
	case c.WorkgroupSize == 0:
		return fmt.Errorf("%w: workgroup size MUST be greater than 0", errors.ErrInvalidConfig)
	case c.LockIters == 0:
		return fmt.Errorf("%w: lock iterations MUST be greater than 0", errors.ErrInvalidConfig)
	case c.TestIters == 0:
		return fmt.Errorf("%w: test iterations MUST be greater than 0", errors.ErrInvalidConfig)
	case uint64(c.Workgroups)*uint64(c.LockIters) > math.MaxUint32:
		return fmt.Errorf("%w: %d workgroups x %d lock iterations overflow the result counter", errors.ErrInvalidConfig, c.Workgroups, c.LockIters)
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	return c, c.Validate()
}
