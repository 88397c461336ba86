package stats

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	snap Snapshot
}

func (f fakeSource) Snapshot() Snapshot { return f.snap }

func TestReporterLogsPeriodically(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	src := fakeSource{snap: Snapshot{Role: "worker", Connections: 3, Requests: 1, Running: true}}
	r := New(src, logger, 10*time.Millisecond)
	r.Start()
	time.Sleep(55 * time.Millisecond)
	r.Stop()

	out := buf.String()
	if !strings.Contains(out, `"connections":3`) {
		t.Fatalf("expected connections in log output, got:\n%s", out)
	}
	if !strings.Contains(out, `"role":"worker"`) {
		t.Fatalf("expected role in log output, got:\n%s", out)
	}
	if strings.Count(out, "casket stats") < 2 {
		t.Fatalf("expected at least 2 report lines in 55ms at a 10ms interval, got:\n%s", out)
	}
}

func TestReporterStopsCleanly(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := New(fakeSource{}, logger, time.Hour)
	r.Start()
	r.Stop()
}
