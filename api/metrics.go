package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	statsRoute    = "/api/stats"
	statsSpanName = "stats.request"
	tracerName    = "taskmonitor-api/api"
)

// statsRequestMetrics records per-phase timings of a statistics request and
// emits them as an otel span plus a structured log line.
type statsRequestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	authDuration    time.Duration
	fetchDuration   time.Duration
	computeDuration time.Duration
	encodeDuration  time.Duration
	tasksScanned    int
	errorStage      string
}

func newStatsRequestMetrics(ctx context.Context, logger *log.Logger) (*statsRequestMetrics, context.Context) {
	m := &statsRequestMetrics{logger: logger, start: time.Now()}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, statsSpanName)
	m.span = span
	return m, spanCtx
}

func (m *statsRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration > 0 {
		m.authDuration = duration
	}
}

func (m *statsRequestMetrics) ObserveFetch(duration time.Duration) {
	if duration > 0 {
		m.fetchDuration = duration
	}
}

func (m *statsRequestMetrics) ObserveCompute(duration time.Duration) {
	if duration > 0 {
		m.computeDuration = duration
	}
}

func (m *statsRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration > 0 {
		m.encodeDuration = duration
	}
}

func (m *statsRequestMetrics) SetTasksScanned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksScanned = count
}

func (m *statsRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finishes the span and writes the metrics log line. It must be called
// exactly once, after the response status is known.
func (m *statsRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.String("http.route", statsRoute),
			attribute.Int("http.status_code", status),
			attribute.Float64("stats.total_ms", durationToMillis(total)),
			attribute.Int("stats.tasks_scanned", m.tasksScanned),
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("stats.error_stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)

		severityText, severityNumber := severityForStatus(status, err)
		m.span.AddEvent("observability.event", trace.WithAttributes(
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
			attribute.Float64("stats.total_ms", durationToMillis(total)),
		))

		if err != nil || status >= http.StatusInternalServerError {
			msg := "stats request failed"
			if err != nil {
				msg = err.Error()
				m.span.RecordError(err)
			}
			m.span.SetStatus(codes.Error, msg)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":         statsRoute,
		"status":        status,
		"total_ms":      durationToMillis(total),
		"tasks_scanned": m.tasksScanned,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		fields["fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.computeDuration > 0 {
		fields["compute_ms"] = durationToMillis(m.computeDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("stats.request.metrics")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
