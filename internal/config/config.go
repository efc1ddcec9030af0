// Package config loads runtime configuration from YAML files and BEETHOVEN_*
// environment variables.
//
// Precedence, lowest to highest: Default(), the YAML file, the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Composer-Team/beethoven-runtime/device"
	"github.com/Composer-Team/beethoven-runtime/device/dma"
	"github.com/Composer-Team/beethoven-runtime/device/memsim"
	"github.com/Composer-Team/beethoven-runtime/internal/format"
	"github.com/Composer-Team/beethoven-runtime/internal/logger"
	"github.com/Composer-Team/beethoven-runtime/internal/telemetry"
)

// EnvConfigPath names the variable LoadFromEnv reads the YAML path from.
const EnvConfigPath = "BEETHOVEN_CONFIG"

// DefaultCapacity is the simulated device memory when none is configured.
const DefaultCapacity = 256 << 20

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete runtime configuration.
type Config struct {
	Device    device.Config    `yaml:"device"`
	Alloc     AllocConfig      `yaml:"alloc"`
	DMA       dma.Config       `yaml:"dma"`
	Sim       memsim.Config    `yaml:"memsim"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`
}

// AllocConfig holds the allocator geometry.
type AllocConfig struct {
	SlabSize   uint64 `yaml:"slab_size"`
	BlockSize  uint64 `yaml:"block_size"`
	HostMirror bool   `yaml:"host_mirror"`
}

// LogConfig mirrors logger.Options in file form.
type LogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	JSON    bool   `yaml:"json"`
	Dir     string `yaml:"dir"`
}

// Options converts the section into logger options.
func (l LogConfig) Options() logger.Options {
	return logger.Options{
		Enabled: l.Enabled,
		LogDir:  l.Dir,
		Level:   logger.ParseLevel(l.Level),
		JSON:    l.JSON,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Device: device.Config{Capacity: DefaultCapacity},
		Alloc: AllocConfig{
			SlabSize:   format.SlabSize,
			BlockSize:  format.BlockSize,
			HostMirror: true,
		},
		DMA:       dma.DefaultConfig(),
		Sim:       memsim.DefaultConfig(),
		Telemetry: telemetry.Config{Exporter: telemetry.ExporterNone},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv builds the configuration from the file named by
// BEETHOVEN_CONFIG (if set) and BEETHOVEN_* overrides.
func LoadFromEnv() (Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigPath); path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envBinding maps one variable onto a config field.
type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"BEETHOVEN_CAPACITY", func(c *Config, v string) (err error) { c.Device.Capacity, err = ParseSize(v); return }},
	{"BEETHOVEN_BASE_ADDR", func(c *Config, v string) (err error) { c.Device.BaseAddr, err = ParseSize(v); return }},
	{"BEETHOVEN_IMAGE", func(c *Config, v string) error { c.Device.ImagePath = v; return nil }},
	{"BEETHOVEN_MAX_BURST", func(c *Config, v string) (err error) { c.DMA.MaxBurstBytes, err = ParseSize(v); return }},
	{"BEETHOVEN_BUS_WIDTH", func(c *Config, v string) (err error) { c.DMA.BusWidth, err = ParseSize(v); return }},
	{"BEETHOVEN_MAX_TAGS", func(c *Config, v string) (err error) { c.DMA.MaxTags, err = strconv.Atoi(v); return }},
	{"BEETHOVEN_MAX_IN_FLIGHT", func(c *Config, v string) (err error) { c.DMA.MaxInFlightPerTag, err = strconv.Atoi(v); return }},
	{"BEETHOVEN_LOG_LEVEL", func(c *Config, v string) error { c.Log.Enabled, c.Log.Level = true, v; return nil }},
	{"BEETHOVEN_LOG_JSON", func(c *Config, v string) (err error) { c.Log.JSON, err = strconv.ParseBool(v); return }},
	{"BEETHOVEN_TELEMETRY", func(c *Config, v string) error {
		c.Telemetry.Enabled = v != "" && v != telemetry.ExporterNone
		c.Telemetry.Exporter = v
		return nil
	}},
}

// ApplyEnv overrides fields from variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, b.name, v, err)
		}
	}
	return nil
}

// Validate checks cross-section constraints and each section.
func (c Config) Validate() error {
	a := c.Alloc
	if !format.IsPowerOfTwo(a.BlockSize) {
		return fmt.Errorf("%w: alloc.block_size %d is not a power of two", ErrInvalid, a.BlockSize)
	}
	if a.SlabSize == 0 || a.SlabSize%a.BlockSize != 0 || a.SlabSize%format.PageSize != 0 {
		return fmt.Errorf("%w: alloc.slab_size %d must be a multiple of the block and page size", ErrInvalid, a.SlabSize)
	}
	if c.Device.Capacity < a.SlabSize {
		return fmt.Errorf("%w: device.capacity %d cannot hold one slab", ErrInvalid, c.Device.Capacity)
	}
	if c.Device.BaseAddr%format.PageSize != 0 {
		return fmt.Errorf("%w: device.base_addr 0x%X is not page aligned", ErrInvalid, c.Device.BaseAddr)
	}
	if err := c.DMA.Validate(); err != nil {
		return fmt.Errorf("%w: dma: %w", ErrInvalid, err)
	}
	if a.BlockSize < c.DMA.BusWidth {
		return fmt.Errorf("%w: alloc.block_size %d is smaller than dma.bus_width %d", ErrInvalid, a.BlockSize, c.DMA.BusWidth)
	}
	if err := c.Sim.Validate(); err != nil {
		return fmt.Errorf("%w: memsim: %w", ErrInvalid, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var sizeSuffixes = []struct {
	suffix string
	mult   uint64
}{
	{"KiB", 1 << 10}, {"MiB", 1 << 20}, {"GiB", 1 << 30},
	{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30},
}

// ParseSize parses a byte count: decimal, 0x-prefixed hex, or a number with a
// K/M/G (or KiB/MiB/GiB) suffix.
//
// Example:
//
//	ParseSize("4096")   = 4096
//	ParseSize("0x1000") = 4096
//	ParseSize("2MiB")   = 2097152
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	mult := uint64(1)
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(s, sf.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, sf.suffix)), sf.mult
			break
		}
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q", s)
	}
	if n > ^uint64(0)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}
