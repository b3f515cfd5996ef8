package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"incidentflow/internal/domain"
	"incidentflow/internal/logging"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
	failOn string
	err    error
}

func (s *recordingSink) Ingest(_ context.Context, alert domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && (s.failOn == "" || s.failOn == alert.ID) {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.alerts))
	for _, alert := range s.alerts {
		out = append(out, alert.ID)
	}
	return out
}

func testAlertJSON(id string) string {
	return fmt.Sprintf(`{"id":%q,"severity":"critical","category":"availability","source":"db-1","title":"db-1 down","created_at":"2026-04-02T08:00:00Z"}`, id)
}

func testOptions() HTTPOptions {
	return HTTPOptions{MaxBodyBytes: 1 << 20, Timeout: time.Second}
}

func serve(handler http.Handler, method, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, "/alerts", strings.NewReader(body))
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	return response
}

func decodeResponse(t *testing.T, response *httptest.ResponseRecorder) ingestResponse {
	t.Helper()
	var out ingestResponse
	if err := json.Unmarshal(response.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", response.Body.String(), err)
	}
	return out
}

func TestHTTPHandlerAcceptsSingleAlert(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, testOptions(), logging.Discard())
	response := serve(handler, http.MethodPost, testAlertJSON("a1"))
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.Code)
	}
	if got := decodeResponse(t, response); got.Accepted != 1 {
		t.Fatalf("unexpected response %+v", got)
	}
	if ids := sink.ids(); len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("unexpected sink alerts %v", ids)
	}
}

func TestHTTPHandlerAcceptsBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, testOptions(), logging.Discard())
	payload := fmt.Sprintf("[%s,%s]", testAlertJSON("a1"), testAlertJSON("a2"))
	response := serve(handler, http.MethodPost, payload)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.Code)
	}
	if ids := sink.ids(); len(ids) != 2 || ids[0] != "a1" || ids[1] != "a2" {
		t.Fatalf("batch order must be preserved, got %v", ids)
	}
}

func TestHTTPHandlerRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"malformed":      `{"id":`,
		"empty batch":    `[]`,
		"bad severity":   strings.Replace(testAlertJSON("a1"), "critical", "urgent", 1),
		"invalid member": fmt.Sprintf("[%s,%s]", testAlertJSON("a1"), `{"id":"a2"}`),
	}
	for name, body := range cases {
		sink := &recordingSink{}
		handler := NewHTTPHandler(sink, testOptions(), logging.Discard())
		response := serve(handler, http.MethodPost, body)
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, response.Code)
		}
		if len(sink.ids()) != 0 {
			t.Fatalf("%s: nothing must reach the sink", name)
		}
		if decodeResponse(t, response).Error == "" {
			t.Fatalf("%s: expected error message", name)
		}
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&recordingSink{}, HTTPOptions{MaxBodyBytes: 32}, logging.Discard())
	if response := serve(handler, http.MethodPost, testAlertJSON("a1")); response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", response.Code)
	}
}

func TestHTTPHandlerRejectsNonPost(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&recordingSink{}, testOptions(), logging.Discard())
	response := serve(handler, http.MethodGet, "")
	if response.Code != http.StatusMethodNotAllowed || response.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected 405 with Allow header, got %d", response.Code)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnSinkError(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{failOn: "a2", err: errors.New("store unavailable")}
	handler := NewHTTPHandler(sink, testOptions(), logging.Discard())
	payload := fmt.Sprintf("[%s,%s,%s]", testAlertJSON("a1"), testAlertJSON("a2"), testAlertJSON("a3"))
	response := serve(handler, http.MethodPost, payload)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", response.Code)
	}
	if got := decodeResponse(t, response); got.Accepted != 1 || !strings.Contains(got.Error, "store unavailable") {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestHTTPHandlerRateLimitsPerSource(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	opts := testOptions()
	opts.RateLimitPerMinute = 20
	handler := NewHTTPHandler(sink, opts, logging.Discard())
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	payload := fmt.Sprintf("[%s,%s,%s]", testAlertJSON("a1"), testAlertJSON("a2"), testAlertJSON("a3"))
	response := serve(handler, http.MethodPost, payload)
	if response.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", response.Code)
	}
	if got := decodeResponse(t, response); got.Accepted != 2 {
		t.Fatalf("burst of 2 must be accepted, got %+v", got)
	}

	other := strings.Replace(testAlertJSON("b1"), `"db-1"`, `"web-1"`, 1)
	if response := serve(handler, http.MethodPost, other); response.Code != http.StatusAccepted {
		t.Fatalf("other source must not be limited, got %d", response.Code)
	}

	now = now.Add(time.Hour)
	if removed := handler.EvictIdleSources(30 * time.Minute); removed != 2 {
		t.Fatalf("expected two idle sources evicted, got %d", removed)
	}
	if response := serve(handler, http.MethodPost, testAlertJSON("a4")); response.Code != http.StatusAccepted {
		t.Fatalf("expected refreshed limiter to accept, got %d", response.Code)
	}
}
