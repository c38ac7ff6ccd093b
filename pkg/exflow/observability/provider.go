package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ProviderConfig selects the telemetry a process installs.
type ProviderConfig struct {
	ServiceName string
	Metrics     bool
	Tracing     bool

	// Logger receives finished spans at debug level.
	Logger *slog.Logger
}

// Providers owns the SDK providers installed as OTel globals.
type Providers struct {
	reader *sdkmetric.ManualReader
	meter  *sdkmetric.MeterProvider
	tracer *sdktrace.TracerProvider
}

// SetupProviders installs the SDK meter and tracer providers as globals.
// Metrics are kept in memory and served by MetricsHandler; finished spans
// are written to the logger.
func SetupProviders(cfg ProviderConfig) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "exflow"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	p := &Providers{}
	if cfg.Metrics {
		p.reader = sdkmetric.NewManualReader()
		p.meter = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(p.reader),
		)
		otel.SetMeterProvider(p.meter)
	}
	if cfg.Tracing {
		p.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(&logSpanProcessor{logger: cfg.Logger}),
		)
		otel.SetTracerProvider(p.tracer)
	}
	return p, nil
}

// Metrics returns the OTel recorder when metrics are enabled.
func (p *Providers) Metrics() MetricsRecorder {
	if p.meter == nil {
		return NoopMetrics{}
	}
	return NewMetricsRecorder()
}

// Spans returns the OTel span manager when tracing is enabled.
func (p *Providers) Spans() SpanManager {
	if p.tracer == nil {
		return NoopSpanManager{}
	}
	return NewSpanManager()
}

// MetricsHandler serves a JSON snapshot of every collected metric: counter
// totals and histogram counts and sums, keyed by metric name.
func (p *Providers) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if p.reader != nil {
			var rm metricdata.ResourceMetrics
			if err := p.reader.Collect(r.Context(), &rm); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			out = Snapshot(rm)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}

// Snapshot flattens collected metrics for display.
func Snapshot(rm metricdata.ResourceMetrics) map[string]any {
	out := map[string]any{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] = total
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				out[m.Name] = map[string]any{"count": count, "sum": sum}
			}
		}
	}
	return out
}

// Shutdown flushes and stops the installed providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.meter != nil {
		errs = append(errs, p.meter.Shutdown(ctx))
	}
	if p.tracer != nil {
		errs = append(errs, p.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// logSpanProcessor writes finished spans to a logger.
type logSpanProcessor struct {
	logger *slog.Logger
}

func (l *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (l *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		slog.String("span", s.Name()),
		slog.String("trace_id", s.SpanContext().TraceID().String()),
		slog.Float64("duration_ms", float64(s.EndTime().Sub(s.StartTime()).Microseconds())/1000),
		slog.String("status", s.Status().Code.String()),
	}
	if d := s.Status().Description; d != "" {
		attrs = append(attrs, slog.String("error", d))
	}
	l.logger.Debug("span finished", attrs...)
}

func (l *logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (l *logSpanProcessor) ForceFlush(context.Context) error { return nil }
