package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"sungrow-telemetry/internal/spool"
	"sungrow-telemetry/internal/telemetry"
)

func newSpoolWithSamples(t *testing.T, n int) *spool.Spool {
	t.Helper()
	s, err := spool.Open(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	base := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		sample := &telemetry.Sample{
			DeviceID:    "inv-01",
			TS:          base.Add(time.Duration(i) * time.Minute),
			PVPowerW:    3450,
			SampleCount: 1,
		}
		if err := s.Enqueue(sample); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	return s
}

func TestUploadOnceSuccess(t *testing.T) {
	sp := newSpoolWithSamples(t, 3)

	var gotAuth string
	var gotBody ingestRequest
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]int{"inserted": 3})
	}))
	defer srv.Close()

	u := newWithClient(srv.URL, "tok-abc", 10, time.Minute, srv.Client(), sp, zap.NewNop())
	n, err := u.UploadOnce(context.Background())
	if err != nil {
		t.Fatalf("UploadOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("uploaded = %d, want 3", n)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(gotBody.Samples) != 3 || gotBody.Samples[0].DeviceID != "inv-01" {
		t.Errorf("request samples = %+v", gotBody.Samples)
	}

	count, _ := sp.Count()
	if count != 0 {
		t.Errorf("spool count after ack = %d, want 0", count)
	}
	if u.Backoff() != 0 {
		t.Errorf("Backoff = %v, want 0 after success", u.Backoff())
	}
}

func TestUploadOnceEmptySpool(t *testing.T) {
	sp := newSpoolWithSamples(t, 0)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called for an empty spool")
	}))
	defer srv.Close()

	u := newWithClient(srv.URL, "tok-abc", 10, time.Minute, srv.Client(), sp, zap.NewNop())
	n, err := u.UploadOnce(context.Background())
	if err != nil {
		t.Fatalf("UploadOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("uploaded = %d, want 0", n)
	}
}

func TestUploadOnceServerErrorKeepsSpool(t *testing.T) {
	sp := newSpoolWithSamples(t, 2)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := newWithClient(srv.URL, "tok-abc", 10, time.Minute, srv.Client(), sp, zap.NewNop())
	if _, err := u.UploadOnce(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}

	count, _ := sp.Count()
	if count != 2 {
		t.Errorf("spool count = %d, want 2 (nothing acked)", count)
	}
	if u.Backoff() <= 0 {
		t.Errorf("Backoff = %v, want > 0 after failure", u.Backoff())
	}

	// A second failure grows the delay.
	first := u.Backoff()
	if _, err := u.UploadOnce(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
	if u.Backoff() < first {
		t.Errorf("Backoff shrank from %v to %v across consecutive failures", first, u.Backoff())
	}
}

func TestUploadOnceMalformedResponseKeepsSpool(t *testing.T) {
	sp := newSpoolWithSamples(t, 1)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	u := newWithClient(srv.URL, "tok-abc", 10, time.Minute, srv.Client(), sp, zap.NewNop())
	if _, err := u.UploadOnce(context.Background()); err == nil {
		t.Fatal("expected error on malformed body")
	}

	count, _ := sp.Count()
	if count != 1 {
		t.Errorf("spool count = %d, want 1", count)
	}
}

func TestUploadOnceBatchLimit(t *testing.T) {
	sp := newSpoolWithSamples(t, 5)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Samples) != 2 {
			t.Errorf("batch size = %d, want 2", len(req.Samples))
		}
		json.NewEncoder(w).Encode(map[string]int{"inserted": len(req.Samples)})
	}))
	defer srv.Close()

	u := newWithClient(srv.URL, "tok-abc", 2, time.Minute, srv.Client(), sp, zap.NewNop())
	n, err := u.UploadOnce(context.Background())
	if err != nil {
		t.Fatalf("UploadOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("uploaded = %d, want 2", n)
	}
	count, _ := sp.Count()
	if count != 3 {
		t.Errorf("spool count = %d, want 3", count)
	}
}

func TestNewRejectsPlainHTTP(t *testing.T) {
	t.Parallel()
	if _, err := New("http://telemetry.example.com", "tok", 10, time.Second, time.Minute, nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for http base URL")
	}
}
