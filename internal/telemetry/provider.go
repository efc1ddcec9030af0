package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const scopeName = "github.com/Composer-Team/beethoven-runtime"

// Exporter names accepted by Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects how metrics leave the process.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Exporter string        `yaml:"exporter"`
	Interval time.Duration `yaml:"interval"`
}

// Validate checks the exporter name.
func (c Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout:
		return nil
	default:
		return fmt.Errorf("telemetry: unknown exporter %q", c.Exporter)
	}
}

// Provider implements Telemetry on an OpenTelemetry MeterProvider. Instruments
// are created lazily on first use and cached by name.
type Provider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// New builds a Telemetry from cfg. Disabled configs get the no-op
// implementation. The stdout exporter writes to w (os.Stdout when nil).
func New(cfg Config, w io.Writer) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Exporter {
	case ExporterStdout:
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		var opts []sdkmetric.PeriodicReaderOption
		if cfg.Interval > 0 {
			opts = append(opts, sdkmetric.WithInterval(cfg.Interval))
		}
		return NewWithReader(sdkmetric.NewPeriodicReader(exp, opts...)), nil
	default:
		return NewWithReader(sdkmetric.NewManualReader()), nil
	}
}

// NewWithReader builds a Provider whose metrics are collected by reader.
// Tests pass a ManualReader and collect from it directly.
func NewWithReader(reader sdkmetric.Reader) *Provider {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Provider{
		mp:         mp,
		meter:      mp.Meter(scopeName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// RecordCounter adds value to the named counter.
func (p *Provider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, err := p.counter(name)
	if err != nil {
		return
	}
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

// RecordHistogram records value in the named histogram.
func (p *Provider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, err := p.histogram(name)
	if err != nil {
		return
	}
	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

func (p *Provider) counter(name string) (metric.Int64Counter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c, nil
	}
	c, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = c
	return c, nil
}

func (p *Provider) histogram(name string) (metric.Float64Histogram, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h, nil
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	p.histograms[name] = h
	return h, nil
}
