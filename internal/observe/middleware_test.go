package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// These tests swap the global tracer provider and must not run in parallel.

func instrumentedMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	m, reader := newTestMetrics(t)
	exp := useTestTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/dictation/stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(m)(mux), reader, exp
}

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

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_RouteLabelUsesPattern(t *testing.T) {
	h, reader, _ := instrumentedMux(t)

	serve(h, http.MethodGet, "/v1/models/whisper-base", nil)
	serve(h, http.MethodGet, "/v1/models/whisper-small", nil)
	serve(h, http.MethodGet, "/nope", nil)

	rm := collect(t, reader)
	dp := histogramPoint(t, rm, "voxscribe.http.request.duration", map[string]string{
		"method": "GET",
		"route":  "/v1/models/{id}",
		"status": "200",
	})
	if dp.Count != 2 {
		t.Errorf("count = %d, want both model ids under one route", dp.Count)
	}
	histogramPoint(t, rm, "voxscribe.http.request.duration", map[string]string{"route": "unmatched", "status": "404"})
}

func TestMiddleware_SpanAndCorrelationID(t *testing.T) {
	h, _, exp := instrumentedMux(t)

	rec := serve(h, http.MethodPost, "/v1/dictation/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q", cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /v1/dictation/stop" || s.SpanContext.TraceID().String() != cid {
		t.Errorf("span = %q trace %s", s.Name, s.SpanContext.TraceID())
	}
	found := false
	for _, a := range s.Attributes {
		if a.Key == "http.response.status_code" && a.Value.AsInt64() == http.StatusConflict {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v lack the status code", s.Attributes)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h, _, _ := instrumentedMux(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := serve(h, http.MethodGet, "/v1/models/x", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})
	if got := rec.Header().Get("X-Seen-Correlation"); got != traceID {
		t.Errorf("handler saw %q, want %q", got, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_ProbesAreNotTraced(t *testing.T) {
	h, reader, exp := instrumentedMux(t)

	rec := serve(h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if n := len(exp.GetSpans()); n != 0 {
		t.Errorf("spans = %d, want none for probes", n)
	}
	if rec.Header().Get("X-Correlation-ID") != "" {
		t.Error("probe response carries a correlation id")
	}
	histogramPoint(t, collect(t, reader), "voxscribe.http.request.duration", map[string]string{"route": "/healthz"})
}
