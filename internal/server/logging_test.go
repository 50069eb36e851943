package server_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/go-mlp-head/internal/server"
)

// capturingHandler captures all slog records during a test.
type capturingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (c *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}
func (c *capturingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return c }
func (c *capturingHandler) WithGroup(_ string) slog.Handler      { return c }

func (c *capturingHandler) attrMap(idx int) map[string]any {
	m := make(map[string]any)
	c.records[idx].Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func TestForward_LogsShapeAndDuration(t *testing.T) {
	capture := &capturingHandler{}
	h := server.NewHandler(constantHead(t), server.WithLogger(slog.New(capture)))

	rec := postForward(t, h, `{"shape":[2,3],"data":[1,2,3,4,5,6]}`)
	if rec.Code != 200 {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	if len(capture.records) == 0 {
		t.Fatal("want at least one log record, got none")
	}

	last := len(capture.records) - 1
	if capture.records[last].Message != "forward complete" {
		t.Errorf("message = %q; want %q", capture.records[last].Message, "forward complete")
	}

	attrs := capture.attrMap(last)
	for _, key := range []string{"shape", "output_shape", "duration_ms"} {
		if _, ok := attrs[key]; !ok {
			t.Errorf("missing %q attribute in %v", key, attrs)
		}
	}
}

func TestForward_LogsErrorLevelOnFailure(t *testing.T) {
	capture := &capturingHandler{}
	h := server.NewHandler(&stubModel{err: errors.New("boom")}, server.WithLogger(slog.New(capture)))

	rec := postForward(t, h, `{"shape":[1,3],"data":[1,2,3]}`)
	if rec.Code != 500 {
		t.Fatalf("want 500, got %d", rec.Code)
	}

	if len(capture.records) == 0 {
		t.Fatal("want a log record, got none")
	}

	r := capture.records[len(capture.records)-1]
	if r.Level != slog.LevelError {
		t.Errorf("level = %v; want ERROR", r.Level)
	}

	if got := capture.attrMap(len(capture.records) - 1)["error"]; got != "boom" {
		t.Errorf("error attr = %v; want boom", got)
	}
}
