package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of every response.
const CorrelationHeader = "X-Correlation-ID"

// response records what a handler wrote.
type response struct {
	http.ResponseWriter
	status   int
	bytes    int64
	upgraded bool
}

func (w *response) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *response) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (w *response) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack passes WebSocket upgrades through. The request is then reported
// as 101.
func (w *response) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", w.ResponseWriter)
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
		w.upgraded = true
	}
	return conn, rw, err
}

func (w *response) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// QuietRoutes logs completed requests for the given mux patterns at debug
// level, for endpoints polled by scrapers and orchestrators.
func QuietRoutes(patterns ...string) MiddlewareOption {
	return func(m *middleware) {
		for _, p := range patterns {
			m.quiet[p] = true
		}
	}
}

type middleware struct {
	metrics *Metrics
	prop    propagation.TextMapPropagator
	quiet   map[string]bool
}

// Middleware traces each request in a server span continuing any incoming
// W3C trace context, echoes the trace ID in [CorrelationHeader], records
// micgraph.http.request.duration per method and route, and logs the outcome:
// 5xx at error, 4xx at warn, everything else at info.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, prop: propagation.TraceContext{}, quiet: map[string]bool{}}
	for _, o := range opts {
		o(mw)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw.serve(next, w, r)
		})
	}
}

func (mw *middleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(scope).Start(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	id := traceID(ctx)
	if id != "" {
		w.Header().Set(CorrelationHeader, id)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	resp := &response{ResponseWriter: w}
	r = r.WithContext(ctx)
	next.ServeHTTP(resp, r)
	elapsed := time.Since(start)

	// The mux sets Pattern on the request it was handed.
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	status := resp.code()
	span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
	mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("path", route),
	))

	level := slog.LevelInfo
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	case mw.quiet[r.Pattern]:
		level = slog.LevelDebug
	}
	slog.LogAttrs(ctx, level, "http request",
		slog.String("trace_id", id),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", route),
		slog.Int("status", status),
		slog.Int64("bytes", resp.bytes),
		slog.Bool("upgraded", resp.upgraded),
		slog.Duration("duration", elapsed),
	)
}
