package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oauth-server"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/tadaszelvys/server-library-sub000/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// LogClientIPs controls whether client IP addresses are put on spans.
	// Client IPs may be PII under GDPR.
	LogClientIPs bool

	// MeterProvider overrides the global meter provider when Enabled.
	MeterProvider metric.MeterProvider

	// TracerProvider overrides the global tracer provider when Enabled.
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes.
	// If nil, a resource with service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.meterProvider = config.MeterProvider
		if inst.meterProvider == nil {
			inst.meterProvider = otel.GetMeterProvider()
		}
		inst.tracerProvider = config.TracerProvider
		if inst.tracerProvider == nil {
			inst.tracerProvider = otel.GetTracerProvider()
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// RegisterShutdown adds a function run by Shutdown, e.g. an exporter flush.
// It must be called before the instrumentation is shared between goroutines.
func (i *Instrumentation) RegisterShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown runs the registered shutdown functions once and returns the first error.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a meter for the given scope ("http", "server", "storage", ...).
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a tracer for the given scope ("http", "server", "storage", ...).
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the otel resource describing this service.
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// ShouldLogClientIPs returns whether client IP addresses should be recorded.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}
