package shield

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/boardkeeper/kit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(DefaultHeaders())(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", bytes.NewReader(make([]byte, 64))))
	if readErr == nil {
		t.Fatal("oversized body should fail to read")
	}

	readErr = nil
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", bytes.NewReader(make([]byte, 4))))
	if readErr != nil {
		t.Fatalf("small body: %v", readErr)
	}
}

func TestTraceID(t *testing.T) {
	var seen string
	h := TraceID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetTraceID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if seen == "" || rec.Header().Get("X-Trace-ID") != seen {
		t.Fatalf("trace id: ctx %q header %q", seen, rec.Header().Get("X-Trace-ID"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "abc123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc123" {
		t.Fatalf("inbound trace id not kept: %q", seen)
	}
}

func TestHeadToGet(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HeadToGet)
	r.Get("/x", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"brd_1"}`))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("HEAD", "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("HEAD: got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD wrote a body: %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("GET: got %d with %d bytes", rec.Code, rec.Body.Len())
	}
}

func TestRateLimiter_ByRoutePattern(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimit{
		"POST /items/{id}": {MaxRequests: 2, Window: time.Minute},
	}, "/health")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	r := chi.NewRouter()
	r.Use(rl.Middleware)
	r.Post("/items/{id}", okHandler().ServeHTTP)
	r.Post("/health", okHandler().ServeHTTP)

	do := func(path string) int {
		req := httptest.NewRequest("POST", path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	// Different ids share the route budget.
	if c := do("/items/a"); c != 200 {
		t.Fatalf("1st: %d", c)
	}
	if c := do("/items/b"); c != 200 {
		t.Fatalf("2nd: %d", c)
	}
	if c := do("/items/c"); c != http.StatusTooManyRequests {
		t.Fatalf("3rd: got %d, want 429", c)
	}
	for range 5 {
		if c := do("/health"); c != 200 {
			t.Fatalf("excluded path limited: %d", c)
		}
	}

	now = now.Add(2 * time.Minute)
	if c := do("/items/a"); c != 200 {
		t.Fatalf("after window: %d", c)
	}

	now = now.Add(2 * time.Minute)
	rl.GC()
	if rl.buckets.Size() != 0 {
		t.Fatalf("GC left %d buckets", rl.buckets.Size())
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if ip := ExtractIP(req); ip != "192.0.2.1" {
		t.Errorf("remote addr: %q", ip)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := ExtractIP(req); ip != "203.0.113.9" {
		t.Errorf("xff: %q", ip)
	}
}
