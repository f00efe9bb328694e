// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

// Package tracing provides a lightweight span-recording tracer behind the
// opentracing interfaces. Flows run with a recording span; spans recorded on
// remote nodes travel back as trace-data metadata and are folded into the
// local recording via ImportRemoteSpans.
package tracing

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	opentracing "github.com/opentracing/opentracing-go"
	otlog "github.com/opentracing/opentracing-go/log"

	"github.com/shakeelrao/distflow/pkg/util/syncutil"
)

// RecordedSpan is the external representation of a finished (or snapshotted)
// span, suitable for shipping across a stream as metadata.
type RecordedSpan struct {
	TraceID      uint64
	SpanID       uint64
	ParentSpanID uint64
	Operation    string
	StartTime    time.Time
	Duration     time.Duration
	Tags         map[string]string
}

var idSource = struct {
	syncutil.Mutex
	rng *rand.Rand
}{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

func newSpanID() uint64 {
	idSource.Lock()
	defer idSource.Unlock()
	for {
		if id := idSource.rng.Uint64(); id != 0 {
			return id
		}
	}
}

// recordingGroup accumulates the spans of a trace. All spans of a recording
// trace share the same group; a single logical owner folds collections
// together, so the mutex sees little contention.
type recordingGroup struct {
	syncutil.Mutex
	spans []RecordedSpan
}

func (rg *recordingGroup) addSpan(rs RecordedSpan) {
	rg.Lock()
	rg.spans = append(rg.spans, rs)
	rg.Unlock()
}

func (rg *recordingGroup) getSpans() []RecordedSpan {
	rg.Lock()
	defer rg.Unlock()
	res := make([]RecordedSpan, len(rg.spans))
	copy(res, rg.spans)
	return res
}

// Tracer is our implementation of opentracing.Tracer. It only supports
// in-process recording; Inject/Extract are not used because flow setup
// carries the recording flag explicitly.
type Tracer struct{}

var _ opentracing.Tracer = &Tracer{}

// NewTracer creates a Tracer.
func NewTracer() *Tracer {
	return &Tracer{}
}

// StartSpan is part of the opentracing.Tracer interface.
func (t *Tracer) StartSpan(
	operationName string, opts ...opentracing.StartSpanOption,
) opentracing.Span {
	var sso opentracing.StartSpanOptions
	for _, o := range opts {
		o.Apply(&sso)
	}
	startTime := sso.StartTime
	if startTime.IsZero() {
		startTime = time.Now()
	}
	s := &span{
		tracer:    t,
		operation: operationName,
		startTime: startTime,
	}
	s.spanID = newSpanID()
	s.traceID = s.spanID
	for _, ref := range sso.References {
		if ref.Type != opentracing.ChildOfRef && ref.Type != opentracing.FollowsFromRef {
			continue
		}
		if parent, ok := ref.ReferencedContext.(*spanContext); ok {
			s.traceID = parent.traceID
			s.parentSpanID = parent.spanID
			s.mu.recording = parent.recording
			break
		}
	}
	if len(sso.Tags) > 0 {
		s.mu.tags = make(map[string]string, len(sso.Tags))
		for k, v := range sso.Tags {
			s.mu.tags[k] = fmt.Sprint(v)
		}
	}
	return s
}

// Inject is part of the opentracing.Tracer interface. Wire propagation is
// handled by the flow setup request, not by carrier injection.
func (t *Tracer) Inject(
	opentracing.SpanContext, interface{}, interface{},
) error {
	return opentracing.ErrUnsupportedFormat
}

// Extract is part of the opentracing.Tracer interface.
func (t *Tracer) Extract(interface{}, interface{}) (opentracing.SpanContext, error) {
	return nil, opentracing.ErrSpanContextNotFound
}

type spanContext struct {
	traceID   uint64
	spanID    uint64
	recording *recordingGroup
}

var _ opentracing.SpanContext = &spanContext{}

// ForeachBaggageItem is part of the opentracing.SpanContext interface. We do
// not support baggage.
func (sc *spanContext) ForeachBaggageItem(func(k, v string) bool) {}

type span struct {
	tracer *Tracer

	traceID      uint64
	spanID       uint64
	parentSpanID uint64
	operation    string
	startTime    time.Time

	mu struct {
		syncutil.Mutex
		tags      map[string]string
		recording *recordingGroup
		finished  bool
	}
}

var _ opentracing.Span = &span{}

// Finish is part of the opentracing.Span interface.
func (s *span) Finish() {
	s.FinishWithOptions(opentracing.FinishOptions{})
}

// FinishWithOptions is part of the opentracing.Span interface.
func (s *span) FinishWithOptions(opts opentracing.FinishOptions) {
	finishTime := opts.FinishTime
	if finishTime.IsZero() {
		finishTime = time.Now()
	}
	s.mu.Lock()
	if s.mu.finished {
		s.mu.Unlock()
		return
	}
	s.mu.finished = true
	rg := s.mu.recording
	var tags map[string]string
	if len(s.mu.tags) > 0 {
		tags = make(map[string]string, len(s.mu.tags))
		for k, v := range s.mu.tags {
			tags[k] = v
		}
	}
	s.mu.Unlock()

	if rg != nil {
		rg.addSpan(RecordedSpan{
			TraceID:      s.traceID,
			SpanID:       s.spanID,
			ParentSpanID: s.parentSpanID,
			Operation:    s.operation,
			StartTime:    s.startTime,
			Duration:     finishTime.Sub(s.startTime),
			Tags:         tags,
		})
	}
}

// Context is part of the opentracing.Span interface.
func (s *span) Context() opentracing.SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &spanContext{
		traceID:   s.traceID,
		spanID:    s.spanID,
		recording: s.mu.recording,
	}
}

// SetOperationName is part of the opentracing.Span interface.
func (s *span) SetOperationName(operationName string) opentracing.Span {
	s.operation = operationName
	return s
}

// SetTag is part of the opentracing.Span interface.
func (s *span) SetTag(key string, value interface{}) opentracing.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.tags == nil {
		s.mu.tags = make(map[string]string)
	}
	s.mu.tags[key] = fmt.Sprint(value)
	return s
}

// LogFields is part of the opentracing.Span interface. Logs are not
// recorded; only tags survive into RecordedSpans.
func (s *span) LogFields(...otlog.Field) {}

// LogKV is part of the opentracing.Span interface.
func (s *span) LogKV(...interface{}) {}

// SetBaggageItem is part of the opentracing.Span interface.
func (s *span) SetBaggageItem(string, string) opentracing.Span { return s }

// BaggageItem is part of the opentracing.Span interface.
func (s *span) BaggageItem(string) string { return "" }

// Tracer is part of the opentracing.Span interface.
func (s *span) Tracer() opentracing.Tracer { return s.tracer }

// LogEvent is part of the deprecated opentracing.Span interface.
func (s *span) LogEvent(string) {}

// LogEventWithPayload is part of the deprecated opentracing.Span interface.
func (s *span) LogEventWithPayload(string, interface{}) {}

// Log is part of the deprecated opentracing.Span interface.
func (s *span) Log(opentracing.LogData) {}

// StartRecording starts recording on the given span, if it was created by
// our Tracer. All spans subsequently derived from it share the recording.
func StartRecording(os opentracing.Span) {
	if s, ok := os.(*span); ok {
		s.mu.Lock()
		if s.mu.recording == nil {
			s.mu.recording = &recordingGroup{}
		}
		s.mu.Unlock()
	}
}

// IsRecording returns true if the span is recording its trace.
func IsRecording(os opentracing.Span) bool {
	s, ok := os.(*span)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.recording != nil
}

// GetRecording returns the spans recorded so far on the trace that os is
// part of, or nil if the span is not recording.
func GetRecording(os opentracing.Span) []RecordedSpan {
	s, ok := os.(*span)
	if !ok {
		return nil
	}
	s.mu.Lock()
	rg := s.mu.recording
	s.mu.Unlock()
	if rg == nil {
		return nil
	}
	return rg.getSpans()
}

// ImportRemoteSpans folds spans recorded on a remote node into the local
// recording. It is an error if the receiving span is not recording.
func ImportRemoteSpans(os opentracing.Span, remoteSpans []RecordedSpan) error {
	s, ok := os.(*span)
	if !ok {
		return errors.Errorf("span %T is not a distflow span", os)
	}
	s.mu.Lock()
	rg := s.mu.recording
	s.mu.Unlock()
	if rg == nil {
		return errors.New("adding Raw Spans to a span that isn't recording")
	}
	rg.Lock()
	rg.spans = append(rg.spans, remoteSpans...)
	rg.Unlock()
	return nil
}

// SpanFromContext returns the span obtained from the context or nil.
func SpanFromContext(ctx context.Context) opentracing.Span {
	return opentracing.SpanFromContext(ctx)
}

// ContextWithSpan returns a derived context containing the span.
func ContextWithSpan(ctx context.Context, sp opentracing.Span) context.Context {
	return opentracing.ContextWithSpan(ctx, sp)
}

// ChildSpan creates a child span of the span in ctx, if any, and returns a
// context derived from ctx containing the new span. If ctx has no span, it
// returns ctx and a nil span.
func ChildSpan(ctx context.Context, opName string) (context.Context, opentracing.Span) {
	sp := opentracing.SpanFromContext(ctx)
	if sp == nil {
		return ctx, nil
	}
	newSp := sp.Tracer().StartSpan(opName, opentracing.ChildOf(sp.Context()))
	return opentracing.ContextWithSpan(ctx, newSp), newSp
}

// FinishSpan finishes the given span, if not nil.
func FinishSpan(sp opentracing.Span) {
	if sp != nil {
		sp.Finish()
	}
}
