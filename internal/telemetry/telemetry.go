// Package telemetry is a thin abstraction over OpenTelemetry metrics for the
// allocator and the DMA engine. Components record through the Telemetry
// interface and never import the SDK directly.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Telemetry records counters and histograms for runtime components.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// Shutdown flushes pending data and releases exporters.
	Shutdown(ctx context.Context) error
}

// NoopTelemetry drops everything. It is the default for every component.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(context.Context, string, float64, ...attribute.KeyValue) {}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(context.Context, string, int64, ...attribute.KeyValue) {}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(context.Context) error { return nil }

// RecordDuration records the seconds elapsed since start in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// Metric names.
const (
	MetricAllocCalls      = "beethoven.alloc.calls"
	MetricAllocBytes      = "beethoven.alloc.bytes"
	MetricAllocFailures   = "beethoven.alloc.failures"
	MetricReleaseCalls    = "beethoven.alloc.releases"
	MetricSlabGrowth      = "beethoven.alloc.slabs_grown"
	MetricSegmentsIssued  = "beethoven.dma.segments_issued"
	MetricSegmentFaults   = "beethoven.dma.segment_faults"
	MetricRequestBytes    = "beethoven.dma.request_bytes"
	MetricRequestDuration = "beethoven.dma.request_duration_seconds"
	MetricTagWait         = "beethoven.dma.tag_wait_seconds"
)

// Attribute keys.
const (
	AttrComponent = "component"
	AttrDirection = "direction"
	AttrStatus    = "status"
	AttrReason    = "reason"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)
