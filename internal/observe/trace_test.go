package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func attr(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestWithSession(t *testing.T) {
	ctx := context.Background()
	if got := SessionKey(ctx); got != "" {
		t.Errorf("SessionKey(background) = %q", got)
	}
	if WithSession(ctx, "") != ctx {
		t.Error("empty key wrapped the context")
	}
	if got := SessionKey(WithSession(ctx, "kitchen")); got != "kitchen" {
		t.Errorf("SessionKey = %q, want kitchen", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(WithSession(context.Background(), "kitchen"), "session.connect",
		attribute.String("model", "m"))
	if len(TraceID(ctx)) != 32 {
		t.Errorf("TraceID = %q, want 32 hex chars", TraceID(ctx))
	}
	span.End()
	_, untagged := StartSpan(context.Background(), "session.resume")
	untagged.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if got, _ := attr(spans[0].Attributes, "session.key"); got != "kitchen" {
		t.Errorf("session.key = %q, want kitchen", got)
	}
	if got, _ := attr(spans[0].Attributes, "model"); got != "m" {
		t.Errorf("model = %q, want m", got)
	}
	if _, ok := attr(spans[1].Attributes, "session.key"); ok {
		t.Error("span without session carries session.key")
	}
}

func TestSpan_Fail(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	if err := ok.Fail(nil); err != nil {
		t.Errorf("Fail(nil) = %v", err)
	}
	ok.End()

	want := errors.New("dial refused")
	_, failed := StartSpan(context.Background(), "failed")
	if err := failed.Fail(want); err != want {
		t.Errorf("Fail returned %v, want the original error", err)
	}
	failed.End()

	spans := exp.GetSpans()
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v", spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "dial refused" {
		t.Errorf("failed span status = %v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("failed span events = %v, want one exception", spans[1].Events)
	}
}

func TestLogger_Attributes(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("plain")
	for _, banned := range []string{"trace_id", "session_key"} {
		if bytes.Contains(buf.Bytes(), []byte(banned)) {
			t.Errorf("plain log has %s: %s", banned, buf.String())
		}
	}

	buf.Reset()
	ctx, span := StartSpan(WithSession(context.Background(), "kitchen"), "op")
	defer span.End()
	Logger(ctx).Info("traced")
	for _, want := range []string{"session_key=kitchen", "trace_id=", "span_id="} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("log output missing %s: %s", want, buf.String())
		}
	}
}
