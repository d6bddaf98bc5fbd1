package middleware

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/leorces/leorces/internal/config"
	otelint "github.com/leorces/leorces/internal/otel"
)

// countingBody tracks how much of the request body the handler consumed
// and the last read error.
type countingBody struct {
	io.ReadCloser
	read int64
	err  error
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	b.err = err
	return n, err
}

// countingWriter captures the status code and response size and injects
// the trace context into the response headers before they are flushed.
type countingWriter struct {
	http.ResponseWriter

	ctx   context.Context
	props propagation.TextMapPropagator

	written     int64
	statusCode  int
	err         error
	wroteHeader bool
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	w.err = err
	return n, err
}

func (w *countingWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = statusCode
	w.props.Inject(w.ctx, propagation.HeaderCarrier(w.Header()))
	w.ResponseWriter.WriteHeader(statusCode)
}

// Opentelemetry traces and meters every API request. Spans are named
// after the matched chi route pattern and carry the path parameters, so
// a span for POST /v1/activities/{key}/complete points at the execution
// it touched.
func Opentelemetry(conf config.Config) func(next http.Handler) http.Handler {
	tracer := otel.GetTracerProvider().Tracer("rest-api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx = stashTransferHeaders(ctx, r, conf.Tracing.TransferHeaders)

			ctx, span := tracer.Start(ctx, "request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodOriginal(r.Method),
					semconv.URLPath(r.URL.Path),
				),
				trace.WithAttributes(transferHeaderAttributes(r, conf.Tracing.TransferHeaders)...),
			)
			defer span.End()
			r = r.WithContext(ctx)

			body := &countingBody{}
			if r.Body != nil {
				body.ReadCloser = r.Body
				r.Body = body
			}
			writer := &countingWriter{ResponseWriter: w, ctx: ctx, props: otel.GetTextMapPropagator()}

			started := time.Now()
			next.ServeHTTP(writer, r)

			// the route pattern is only known once chi matched the request
			route := chi.RouteContext(r.Context())
			pattern := route.RoutePattern()
			span.SetName(pattern)
			span.SetAttributes(semconv.HTTPRoute(pattern))
			span.SetAttributes(routeParamAttributes(route)...)

			annotateSpan(span, body, writer)
			recordRequestMetrics(r, pattern, body, writer, time.Since(started))
		})
	}
}

// routeParamAttributes turns the matched path parameters into span
// attributes, api.param.key for process and activity keys and
// api.param.id for definition ids.
func routeParamAttributes(route *chi.Context) []attribute.KeyValue {
	params := route.URLParams
	attributes := make([]attribute.KeyValue, 0, len(params.Keys))
	for i, name := range params.Keys {
		if name == "*" {
			continue
		}
		attributes = append(attributes, attribute.String("api.param."+name, params.Values[i]))
	}
	return attributes
}

func annotateSpan(span trace.Span, body *countingBody, writer *countingWriter) {
	if body.read > 0 {
		span.SetAttributes(otelint.ReadBytesKey.Int64(body.read))
	}
	if body.err != nil && body.err != io.EOF {
		span.SetAttributes(otelint.ReadErrorKey.String(body.err.Error()))
	}
	if writer.written > 0 {
		span.SetAttributes(otelint.WroteBytesKey.Int64(writer.written))
	}
	if writer.err != nil && writer.err != io.EOF {
		span.SetAttributes(otelint.WriteErrorKey.String(writer.err.Error()))
		span.RecordError(writer.err)
	}
	if writer.statusCode > 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(writer.statusCode))
		if writer.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(writer.statusCode))
		}
	}
}

func recordRequestMetrics(r *http.Request, pattern string, body *countingBody, writer *countingWriter, latency time.Duration) {
	ctx := r.Context()
	tags := metric.WithAttributes(
		attribute.String("route", pattern),
		attribute.String("method", r.Method),
		attribute.Int("status", writer.statusCode),
	)
	otelint.ApiRequests.Add(ctx, 1)
	otelint.ApiRequestsByRoute.Add(ctx, 1, tags)
	if body.read > 0 {
		otelint.ApiRequestBytes.Add(ctx, float64(body.read), tags)
	}
	if writer.written > 0 {
		otelint.ApiResponseBytes.Add(ctx, float64(writer.written), tags)
	}
	otelint.ApiLatency.Record(ctx, latency.Seconds()*1000, tags)
}

// stashTransferHeaders copies the configured request headers into the
// context so downstream spans can pick them up.
func stashTransferHeaders(ctx context.Context, r *http.Request, headers []string) context.Context {
	for _, header := range headers {
		ctx = context.WithValue(ctx, otelint.TransferHeaderKey(header), r.Header.Get(header))
	}
	return ctx
}

func transferHeaderAttributes(r *http.Request, headers []string) []attribute.KeyValue {
	attributes := make([]attribute.KeyValue, len(headers))
	for i, header := range headers {
		attributes[i] = attribute.String(header, r.Header.Get(header))
	}
	return attributes
}
