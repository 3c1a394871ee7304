package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is reported in every resource. Default: "voxbridge".
	ServiceName string

	ServiceVersion string

	// TraceExporter receives finished spans. When nil, spans are recorded
	// for correlation IDs and log fields but never exported.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of new traces sampled, in (0, 1]. Zero
	// samples every trace. Child spans follow their parent's decision.
	SampleRatio float64

	// Registry receives the voxbridge metrics together with Go runtime and
	// process collectors. Nil uses the default Prometheus registry, which
	// already carries those collectors.
	Registry *prometheus.Registry
}

// InitProvider installs the global OTel providers:
//
//   - a [sdkmetric.MeterProvider] exporting to Prometheus, scraped through
//     [MetricsHandler] or [MetricsHandlerFor];
//   - a [sdktrace.TracerProvider] sampling per cfg.SampleRatio.
//
// The returned function flushes and closes both; call it on shutdown.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxbridge"
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, errors.New("observe: sample ratio must be within [0, 1]")
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var expOpts []promexporter.Option
	if cfg.Registry != nil {
		if err := registerRuntime(cfg.Registry); err != nil {
			return nil, err
		}
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registry))
	}
	promExp, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// registerRuntime adds the Go runtime and process collectors to reg,
// tolerating a registry that already has them.
func registerRuntime(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		var already prometheus.AlreadyRegisteredError
		if err := reg.Register(c); err != nil && !errors.As(err, &already) {
			return err
		}
	}
	return nil
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsHandlerFor serves the metrics gathered by g.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
