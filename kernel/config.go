package kernel

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshuapare/rtkern/kernel/mm"
)

// Config is the serialisable kernel configuration. DefaultConfig fills every field;
// a YAML file only needs the fields it overrides.
type Config struct {
	Heap    HeapConfig    `yaml:"heap"`
	Tasks   TaskConfig    `yaml:"tasks"`
	Work    WorkConfig    `yaml:"work"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// HeapConfig sizes the kernel and user heaps.
type HeapConfig struct {
	KernelArenas []int  `yaml:"kernelArenas"` // arena sizes in bytes, in routing order
	UserArenas   []int  `yaml:"userArenas"`
	SizeClasses  string `yaml:"sizeClasses"` // fine, balanced or coarse
	SpaceBase    uint64 `yaml:"spaceBase"`
}

// TaskConfig sizes the task tables.
type TaskConfig struct {
	MaxPIDs int `yaml:"maxPIDs"`
}

// WorkConfig configures the deferred-work dispatchers.
type WorkConfig struct {
	Tick            time.Duration `yaml:"tick"`
	LowPriority     bool          `yaml:"lowPriority"`     // run the kernel low-priority worker (and the collector on it)
	User            bool          `yaml:"user"`            // run the user-mode dispatcher
	CollectInterval int64         `yaml:"collectInterval"` // ticks between idle collection passes
}

// LogConfig configures the package logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Heap: HeapConfig{
			KernelArenas: []int{64 << 10},
			UserArenas:   []int{256 << 10},
			SizeClasses:  "balanced",
		},
		Tasks: TaskConfig{
			MaxPIDs: 64,
		},
		Work: WorkConfig{
			Tick:            10 * time.Millisecond,
			LowPriority:     true,
			User:            true,
			CollectInterval: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Service: "rtkern",
		},
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("kernel: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate returns every invalid setting joined, or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	var errs []error
	if len(c.Heap.KernelArenas) == 0 {
		errs = append(errs, errors.New("heap.kernelArenas must list at least one arena"))
	}
	if len(c.Heap.UserArenas) == 0 {
		errs = append(errs, errors.New("heap.userArenas must list at least one arena"))
	}
	for i, size := range c.Heap.KernelArenas {
		if size < mm.MinArenaSize {
			errs = append(errs, fmt.Errorf("heap.kernelArenas[%d] = %d is below %d", i, size, mm.MinArenaSize))
		}
	}
	for i, size := range c.Heap.UserArenas {
		if size < mm.MinArenaSize {
			errs = append(errs, fmt.Errorf("heap.userArenas[%d] = %d is below %d", i, size, mm.MinArenaSize))
		}
	}
	if _, err := c.sizeClasses(); err != nil {
		errs = append(errs, err)
	}
	if c.Tasks.MaxPIDs <= 0 {
		errs = append(errs, errors.New("tasks.maxPIDs must be > 0"))
	}
	if c.Work.Tick <= 0 {
		errs = append(errs, errors.New("work.tick must be > 0"))
	}
	if c.Work.CollectInterval <= 0 {
		errs = append(errs, errors.New("work.collectInterval must be > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("kernel: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) sizeClasses() (mm.SizeClassConfig, error) {
	switch strings.ToLower(c.Heap.SizeClasses) {
	case "", "balanced":
		return mm.ConfigBalanced, nil
	case "fine", "finegrained":
		return mm.ConfigFineGrained, nil
	case "coarse":
		return mm.ConfigCoarse, nil
	}
	return mm.SizeClassConfig{}, fmt.Errorf("heap.sizeClasses %q is not fine, balanced or coarse", c.Heap.SizeClasses)
}
