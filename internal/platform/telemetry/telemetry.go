// Package telemetry wires OpenTelemetry tracing and metrics for the server:
// OTLP/gRPC exporters when an endpoint is configured, echo middleware for
// request spans and HTTP metrics, and a few infirmary counters (stock
// movements, cache lookups).
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/sims/sims"

type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	OTLPEndpoint    string // host:port of the collector; empty disables export
	SampleRate      float64
	MetricsInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "sims-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

// Provider owns the tracer and meter providers plus the instruments the
// middleware and services record into.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	propagator     propagation.TextMapPropagator
	tracer         trace.Tracer

	requests     metric.Int64Counter
	duration     metric.Float64Histogram
	active       metric.Int64UpDownCounter
	stockMoved   metric.Int64Counter
	cacheLookups metric.Int64Counter
}

// Setup builds a Provider, installs it as the global otel provider and starts
// runtime metrics. Exporters are only attached when OTLPEndpoint is set.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()

	var traceOpts []sdktrace.TracerProviderOption
	var metricOpts []sdkmetric.Option
	if cfg.OTLPEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))

		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricsInterval)),
		))
	}

	p, err := newProvider(cfg, traceOpts, metricOpts)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(p.propagator)

	if err := runtime.Start(runtime.WithMeterProvider(p.meterProvider)); err != nil {
		return nil, fmt.Errorf("start runtime metrics: %w", err)
	}
	return p, nil
}

func newProvider(cfg Config, traceOpts []sdktrace.TracerProviderOption, metricOpts []sdkmetric.Option) (*Provider, error) {
	cfg.applyDefaults()
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	traceOpts = append(traceOpts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	metricOpts = append(metricOpts, sdkmetric.WithResource(res))

	p := &Provider{
		cfg:            cfg,
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		meterProvider:  sdkmetric.NewMeterProvider(metricOpts...),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	meter := p.meterProvider.Meter(instrumentationName)
	var err error
	if p.requests, err = meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests")); err != nil {
		return nil, err
	}
	if p.duration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if p.active, err = meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("In-flight HTTP requests")); err != nil {
		return nil, err
	}
	if p.stockMoved, err = meter.Int64Counter("sims.medication.stock_moved",
		metric.WithDescription("Units moved in or out of medication stock")); err != nil {
		return nil, err
	}
	if p.cacheLookups, err = meter.Int64Counter("sims.cache.lookups",
		metric.WithDescription("Cache lookups by outcome")); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}

// RecordStockChange counts units restocked, dispensed or adjusted.
func (p *Provider) RecordStockChange(ctx context.Context, kind string, quantity int) {
	p.stockMoved.Add(ctx, int64(quantity), metric.WithAttributes(attribute.String("kind", kind)))
}

func (p *Provider) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("outcome", outcome),
	))
}

// TracingMiddleware opens a server span per request, continuing any trace
// context carried in the incoming headers.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := routeOf(c)
			ctx, span := p.tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("http.user_agent", req.UserAgent()),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				span.SetAttributes(attribute.String("request_id", rid))
			}
			if school, ok := c.Get("school_id").(string); ok && school != "" {
				span.SetAttributes(attribute.String("school_id", school))
			}
			status := statusOf(c, err)
			span.SetAttributes(attribute.Int("http.status_code", status))
			if err != nil {
				span.RecordError(err)
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}

// MetricsMiddleware records request count, latency and in-flight requests
// labelled by method, route and status.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			route := routeOf(c)
			inflight := metric.WithAttributes(attribute.String("http.route", route))

			p.active.Add(ctx, 1, inflight)
			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)
			p.active.Add(ctx, -1, inflight)

			attrs := metric.WithAttributes(
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", statusOf(c, err)),
			)
			p.requests.Add(ctx, 1, attrs)
			p.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
			return err
		}
	}
}

// routeOf prefers the registered route pattern to keep label cardinality low.
func routeOf(c echo.Context) string {
	if path := c.Path(); path != "" {
		return path
	}
	return c.Request().URL.Path
}

// statusOf reports the status the error handler will write when the handler
// returned an error before committing the response.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
