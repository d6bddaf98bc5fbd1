package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/leorces/leorces/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metrics "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// API request instruments, recorded by the REST middleware. The engine
// keeps its own process and activity instruments in pkg/otel.
var (
	ApiRequests        metrics.Int64Counter
	ApiRequestsByRoute metrics.Int64Counter
	ApiRequestBytes    metrics.Float64Counter
	ApiResponseBytes   metrics.Float64Counter
	ApiLatency         metrics.Float64Histogram
)

const apiMeter = "api-meter"

type Otel struct {
	meterProvider  *metric.MeterProvider
	tracerprovider *trace.TracerProvider
}

// SetupOtel installs the global meter provider with a prometheus reader
// and, when tracing is enabled, the OTLP tracer provider.
func SetupOtel(conf config.Tracing) (*Otel, error) {
	o := Otel{}
	var err error

	o.meterProvider, err = setupMeterProvider(conf.Name)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(o.meterProvider)
	if conf.Enabled {
		o.tracerprovider, err = setupTraceProvider(conf)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracer: %w", err)
		}
		otel.SetTracerProvider(o.tracerprovider)
	}

	return &o, nil
}

func (o *Otel) Stop(ctx context.Context) {
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
		o.meterProvider = nil
	}
	if o.tracerprovider != nil {
		_ = o.tracerprovider.Shutdown(ctx)
		o.tracerprovider = nil
	}
}

func setupMeterProvider(appName string) (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to set up prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(appName),
	))
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)
	if err := newApiInstruments(otel.Meter(apiMeter)); err != nil {
		return nil, fmt.Errorf("failed to create api instruments: %w", err)
	}
	return provider, nil
}

func newApiInstruments(meter metrics.Meter) error {
	var errs []error
	var err error
	ApiRequests, err = meter.Int64Counter("api_requests_total",
		metrics.WithDescription("Total API requests served"))
	errs = append(errs, err)
	ApiRequestsByRoute, err = meter.Int64Counter("api_requests_by_route_total",
		metrics.WithDescription("API requests per route, method and status"))
	errs = append(errs, err)
	ApiRequestBytes, err = meter.Float64Counter("api_request_body_bytes",
		metrics.WithUnit("By"), metrics.WithDescription("Request body bytes read"))
	errs = append(errs, err)
	ApiResponseBytes, err = meter.Float64Counter("api_response_body_bytes",
		metrics.WithUnit("By"), metrics.WithDescription("Response body bytes written"))
	errs = append(errs, err)
	ApiLatency, err = meter.Float64Histogram("api_request_duration",
		metrics.WithUnit("ms"), metrics.WithDescription("Request handling latency in milliseconds"))
	errs = append(errs, err)
	return errors.Join(errs...)
}
