package health

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	tr := New(testLogger())

	tr.RecordFailure("dev-1", "timeout")
	tr.RecordFailure("dev-1", "timeout")
	tr.RecordSuccess("dev-1", 10*time.Millisecond)

	h, ok := tr.Get("dev-1")
	if !ok {
		t.Fatal("expected dev-1 to be tracked")
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", h.ConsecutiveFailures)
	}
	if !h.IsConnected {
		t.Error("IsConnected = false, want true")
	}
	if h.TotalReads != 3 {
		t.Errorf("TotalReads = %d, want 3", h.TotalReads)
	}
	if h.SuccessfulReads != 1 {
		t.Errorf("SuccessfulReads = %d, want 1", h.SuccessfulReads)
	}
}

func TestOfflineExactlyAtFiveFailures(t *testing.T) {
	tr := New(testLogger())

	for i := 0; i < 4; i++ {
		tr.RecordFailure("dev-1", "timeout")
		h, _ := tr.Get("dev-1")
		if h.IsOffline() {
			t.Fatalf("device reported offline after %d failures, want not yet", i+1)
		}
	}

	tr.RecordFailure("dev-1", "timeout")
	h, _ := tr.Get("dev-1")
	if !h.IsOffline() {
		t.Fatal("expected device to be offline after 5 consecutive failures")
	}
	if h.ConsecutiveFailures != 5 {
		t.Errorf("ConsecutiveFailures = %d, want 5", h.ConsecutiveFailures)
	}
}

func TestSuccessRate(t *testing.T) {
	tr := New(testLogger())

	tr.RecordSuccess("dev-1", time.Millisecond)
	tr.RecordSuccess("dev-1", time.Millisecond)
	tr.RecordFailure("dev-1", "timeout")

	h, _ := tr.Get("dev-1")
	got := h.SuccessRate()
	want := 100.0 * 2 / 3
	if got != want {
		t.Errorf("SuccessRate() = %v, want %v", got, want)
	}
}

func TestGetUnknownDevice(t *testing.T) {
	tr := New(testLogger())
	if _, ok := tr.Get("nope"); ok {
		t.Error("expected unknown device to report ok=false")
	}
}

func TestGetAllReturnsSnapshots(t *testing.T) {
	tr := New(testLogger())
	tr.RecordSuccess("dev-1", time.Millisecond)
	tr.RecordSuccess("dev-2", time.Millisecond)

	all := tr.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll() returned %d entries, want 2", len(all))
	}
}

func TestResetClearsEntry(t *testing.T) {
	tr := New(testLogger())
	tr.RecordSuccess("dev-1", time.Millisecond)
	tr.Reset("dev-1")

	if _, ok := tr.Get("dev-1"); ok {
		t.Error("expected dev-1 to be cleared after Reset")
	}
}

func TestRollingWindowBounded(t *testing.T) {
	tr := New(testLogger())
	for i := 0; i < rollingWindowSize+10; i++ {
		tr.RecordSuccess("dev-1", time.Millisecond)
	}

	h, _ := tr.Get("dev-1")
	if len(h.RollingWindow) != rollingWindowSize {
		t.Errorf("RollingWindow len = %d, want %d", len(h.RollingWindow), rollingWindowSize)
	}
}

func TestOfflineOnlineTransitionsWithNilEventPublisherDoNotPanic(t *testing.T) {
	tr := New(testLogger())
	tr.SetEventPublisher(nil) // the default; offline/online publishing must be a no-op, not a crash

	for i := 0; i < 5; i++ {
		tr.RecordFailure("dev-1", "timeout")
	}
	tr.RecordSuccess("dev-1", time.Millisecond)

	h, _ := tr.Get("dev-1")
	if !h.IsConnected {
		t.Error("expected device to be back online after a success following offline")
	}
}

func TestRecordFailureLogsOnceOnTransition(t *testing.T) {
	var buf bytes.Buffer
	tr := New(slog.New(slog.NewTextHandler(&buf, nil)))
	for i := 0; i < 7; i++ {
		tr.RecordFailure("dev-1", "timeout")
	}
	if n := strings.Count(buf.String(), "device marked offline"); n != 1 {
		t.Errorf("offline transition logged %d times, want 1", n)
	}
	h, _ := tr.Get("dev-1")
	if h.ConsecutiveFailures != 7 {
		t.Errorf("ConsecutiveFailures = %d, want 7", h.ConsecutiveFailures)
	}
	if h.IsConnected {
		t.Error("IsConnected should remain false past the offline threshold")
	}
}
