package spool

import (
	"path/filepath"
	"testing"
	"time"

	"sungrow-telemetry/internal/telemetry"
)

func sampleAt(ts time.Time, pv float64) *telemetry.Sample {
	return &telemetry.Sample{
		DeviceID:      "inv-01",
		TS:            ts,
		PVPowerW:      pv,
		BatteryPowerW: -500,
		BatterySOCPct: 80,
		LoadPowerW:    1200,
		ExportPowerW:  300,
		SampleCount:   1,
	}
}

func openTemp(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueuePeekAck(t *testing.T) {
	s := openTemp(t)

	base := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := s.Enqueue(sampleAt(base.Add(time.Duration(i)*time.Minute), float64(1000+i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Fatalf("Count = %d, want 5", n)
	}

	items, err := s.Peek(3)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Peek returned %d items, want 3", len(items))
	}
	for i, it := range items {
		if it.Sample.PVPowerW != float64(1000+i) {
			t.Errorf("item %d PVPowerW = %g, want %d (FIFO order)", i, it.Sample.PVPowerW, 1000+i)
		}
	}

	// Peek must not consume.
	if n, _ = s.Count(); n != 5 {
		t.Fatalf("Count after Peek = %d, want 5", n)
	}

	ids := []int64{items[0].ID, items[1].ID, items[2].ID}
	if err := s.Ack(ids); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, _ = s.Count(); n != 2 {
		t.Fatalf("Count after Ack = %d, want 2", n)
	}

	remaining, err := s.Peek(10)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(remaining) != 2 || remaining[0].Sample.PVPowerW != 1003 {
		t.Fatalf("remaining = %+v, want samples 1003 and 1004", remaining)
	}
}

func TestPeekEmpty(t *testing.T) {
	s := openTemp(t)

	items, err := s.Peek(10)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("Peek on empty spool returned %d items", len(items))
	}
	if err := s.Ack(nil); err != nil {
		t.Fatalf("Ack(nil): %v", err)
	}
}

func TestSamplesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	if err := s.Enqueue(sampleAt(ts, 3450)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	items, err := s2.Peek(1)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Peek returned %d items after reopen, want 1", len(items))
	}
	got := items[0].Sample
	if got.DeviceID != "inv-01" || got.PVPowerW != 3450 || !got.TS.Equal(ts) {
		t.Errorf("sample after reopen = %+v", got)
	}
}
