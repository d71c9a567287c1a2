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
	cardsTracerName  = "prism-board/api"
	cardsSpanName    = "cards.request"
	cardsEventName   = "cards.request.summary"
	cardsEventDomain = "prism.board"
	observabilityMsg = "observability.event"
)

// cardRequestMetrics records one card request as a span plus a structured
// log entry carrying the same attributes.
type cardRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	start  time.Time

	authDuration   time.Duration
	storeDuration  time.Duration
	encodeDuration time.Duration
	cardsReturned  int
	workspaceID    string
	errorStage     string
	cause          error
}

func newCardRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*cardRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(cardsTracerName).Start(ctx, cardsSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)))
	return &cardRequestMetrics{
		logger:        logger,
		span:          span,
		route:         route,
		start:         time.Now(),
		cardsReturned: -1,
	}, spanCtx
}

func (m *cardRequestMetrics) ObserveAuth(d time.Duration)   { m.authDuration = d }
func (m *cardRequestMetrics) ObserveStore(d time.Duration)  { m.storeDuration = d }
func (m *cardRequestMetrics) ObserveEncode(d time.Duration) { m.encodeDuration = d }

func (m *cardRequestMetrics) SetWorkspace(id string) { m.workspaceID = id }

func (m *cardRequestMetrics) SetCardsReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.cardsReturned = n
}

// Fail records the stage that failed and the underlying cause.
func (m *cardRequestMetrics) Fail(stage string, cause error) {
	if stage != "" {
		m.errorStage = stage
	}
	if cause != nil {
		m.cause = cause
	}
}

func (m *cardRequestMetrics) attributes(status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("prism.cards.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.workspaceID != "" {
		attrs = append(attrs, attribute.String("prism.cards.workspace_id", m.workspaceID))
	}
	if m.cardsReturned >= 0 {
		attrs = append(attrs, attribute.Int("prism.cards.cards_returned", m.cardsReturned))
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.cards.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.cards.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.cards.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("prism.cards.error_stage", m.errorStage))
	}
	return attrs
}

// Log ends the span and emits the observability event.
func (m *cardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.cause
	}
	attrs := m.attributes(status)
	sevText, sevNumber := severityForStatus(status, err)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", cardsEventName),
		attribute.String("event.domain", cardsEventDomain),
		attribute.String("severity_text", sevText),
		attribute.Int("severity_number", sevNumber),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(attrs...)
	m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))
	if err != nil {
		m.span.RecordError(err)
	}
	// client errors do not fail the span
	switch {
	case status >= http.StatusInternalServerError:
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	case err != nil && status < http.StatusBadRequest:
		m.span.SetStatus(codes.Error, err.Error())
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	spanCtx := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      cardsEventName,
		"event.domain":    cardsEventDomain,
		"attributes":      attrMap,
		"severity_text":   sevText,
		"severity_number": sevNumber,
	}
	if spanCtx.HasTraceID() {
		fields["trace_id"] = spanCtx.TraceID().String()
	}
	if spanCtx.HasSpanID() {
		fields["span_id"] = spanCtx.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	switch sevText {
	case "ERROR":
		entry.Error(observabilityMsg)
	case "WARN":
		entry.Warn(observabilityMsg)
	default:
		entry.Info(observabilityMsg)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case err != nil:
		return "ERROR", 17
	}
	return "INFO", 9
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
