package mqtt

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func debugLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level}))
}

func TestLogUnrouted(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []string
		notWant []string
	}{
		{"text", []byte("OPEN"), []string{"topic=other/topic", "payload=OPEN", "bytes=4"}, nil},
		{"binary", []byte{0x00, 0xFF, 0x10}, []string{"bytes=3"}, []string{"payload="}},
		{"long", bytes.Repeat([]byte("a"), 100), []string{"bytes=100"}, []string{"payload="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logUnrouted(debugLogger(&buf, slog.LevelDebug), "other/topic", tt.payload)
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log missing %q: %s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log contains %q: %s", w, out)
				}
			}
		})
	}
}

func TestLogUnrouted_SilentAboveDebug(t *testing.T) {
	var buf bytes.Buffer
	logUnrouted(debugLogger(&buf, slog.LevelInfo), "other/topic", []byte("x"))
	if buf.Len() != 0 {
		t.Errorf("unexpected output at info level: %s", buf.String())
	}
}

func TestCommandGate_Burst(t *testing.T) {
	// A near-zero refill rate leaves exactly the burst available.
	g := newCommandGate(0.001, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))

	allowed := 0
	for range 5 {
		if g.allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want 3", allowed)
	}
	if got := g.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if got := g.accepted.Load(); got != 3 {
		t.Errorf("accepted = %d, want 3", got)
	}
}

func TestCommandGate_Concurrent(t *testing.T) {
	g := newCommandGate(0.001, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				g.allow()
			}
		}()
	}
	wg.Wait()

	if a, d := g.accepted.Load(), g.dropped.Load(); a != 100 || d != 300 {
		t.Errorf("accepted/dropped = %d/%d, want 100/300", a, d)
	}
}
