package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", buf.String(), err)
	}
	return m
}

func TestNew(t *testing.T) {
	t.Run("text format", func(t *testing.T) {
		buf := &bytes.Buffer{}
		New(Config{Level: LevelInfo, Format: FormatText, Output: buf}).Info("hello")
		if !strings.Contains(buf.String(), "level=INFO") {
			t.Errorf("expected text output with level=INFO, got %q", buf.String())
		}
	})

	t.Run("json format", func(t *testing.T) {
		buf := &bytes.Buffer{}
		New(Config{Level: LevelInfo, Format: FormatJSON, Output: buf}).Info("hello")
		m := decodeLine(t, buf)
		if m["level"] != "INFO" || m["msg"] != "hello" {
			t.Errorf("unexpected record: %v", m)
		}
	})

	t.Run("time format", func(t *testing.T) {
		buf := &bytes.Buffer{}
		New(Config{Format: FormatJSON, Output: buf, TimeFormat: time.DateOnly}).Info("hello")
		m := decodeLine(t, buf)
		ts, _ := m["time"].(string)
		if _, err := time.Parse(time.DateOnly, ts); err != nil {
			t.Errorf("expected date-only time, got %q", ts)
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"debug", LevelDebug, false},
		{" WARN ", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    Level
		log      func(l *Logger)
		expected bool
	}{
		{"debug at debug level", LevelDebug, func(l *Logger) { l.Debug("x") }, true},
		{"debug at info level", LevelInfo, func(l *Logger) { l.Debug("x") }, false},
		{"info at info level", LevelInfo, func(l *Logger) { l.Info("x") }, true},
		{"warn at error level", LevelError, func(l *Logger) { l.Warn("x") }, false},
		{"error at error level", LevelError, func(l *Logger) { l.Error("x") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.log(New(Config{Level: tt.level, Output: buf}))
			if got := buf.Len() > 0; got != tt.expected {
				t.Errorf("expected output=%v, got output=%v", tt.expected, got)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(Config{Level: LevelInfo, Output: buf})
	child := logger.With("component", "scheduler")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written at info level: %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if !child.Enabled(LevelDebug) {
		t.Error("expected child to follow parent level")
	}
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected debug output after SetLevel, got %q", buf.String())
	}
}

func TestContextEnrichment(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(Config{Level: LevelDebug, Format: FormatJSON, Output: buf})

	ctx := WithOwnerID(context.Background(), "alice")
	ctx = WithMetricType(ctx, "step_count")
	ctx = WithPassID(ctx, "pass-1")
	ctx = WithEventID(ctx, "evt-9")

	logger.InfoContext(ctx, "enriched", "extra", 1)

	m := decodeLine(t, buf)
	for key, want := range map[string]any{
		"owner_id":    "alice",
		"metric_type": "step_count",
		"pass_id":     "pass-1",
		"event_id":    "evt-9",
		"extra":       float64(1),
	} {
		if m[key] != want {
			t.Errorf("expected %s=%v, got %v", key, want, m[key])
		}
	}
}

func TestContextEnrichment_OmitsMissing(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(Config{Format: FormatJSON, Output: buf})

	logger.InfoContext(WithOwnerID(context.Background(), "bob"), "partial")

	m := decodeLine(t, buf)
	if _, ok := m["event_id"]; ok {
		t.Errorf("unexpected event_id in %v", m)
	}
	if m["owner_id"] != "bob" {
		t.Errorf("expected owner_id=bob, got %v", m["owner_id"])
	}
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	if OwnerID(ctx) != "" || PassID(ctx) != "" {
		t.Error("expected empty values on a bare context")
	}

	ctx = WithPassID(WithOwnerID(ctx, "alice"), "p-7")
	if OwnerID(ctx) != "alice" {
		t.Errorf("OwnerID = %q", OwnerID(ctx))
	}
	if PassID(ctx) != "p-7" {
		t.Errorf("PassID = %q", PassID(ctx))
	}
}

func TestSyncLogHelpers(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(Config{Level: LevelDebug, Format: FormatJSON, Output: buf})
	ctx := context.Background()

	t.Run("LogSyncComplete", func(t *testing.T) {
		buf.Reset()
		LogSyncComplete(ctx, logger, "step_count", 2, 1, 3, 0, 5*time.Second)

		m := decodeLine(t, buf)
		if m["level"] != "INFO" || m["msg"] != "metric sync completed" {
			t.Errorf("unexpected record: %v", m)
		}
		if m["created"] != float64(2) || m["updated"] != float64(1) {
			t.Errorf("unexpected counts: %v/%v", m["created"], m["updated"])
		}
		if m["duration_ms"] != float64(5000) {
			t.Errorf("unexpected duration_ms: %v", m["duration_ms"])
		}
	})

	t.Run("LogSyncComplete idle pass", func(t *testing.T) {
		buf.Reset()
		LogSyncComplete(ctx, logger, "heart_rate", 0, 0, 4, 0, time.Millisecond)

		if m := decodeLine(t, buf); m["level"] != "DEBUG" {
			t.Errorf("expected DEBUG for an idle pass, got %v", m["level"])
		}
	})

	t.Run("LogSyncFailed", func(t *testing.T) {
		buf.Reset()
		LogSyncFailed(ctx, logger, "heart_rate", errors.New("source offline"), time.Second)

		m := decodeLine(t, buf)
		if m["level"] != "ERROR" || m["error"] != "source offline" {
			t.Errorf("unexpected record: %v", m)
		}
	})

	t.Run("LogEventFailed retryable", func(t *testing.T) {
		buf.Reset()
		LogEventFailed(ctx, logger, "evt-1", errors.New("timeout"), 2, 5, false)

		m := decodeLine(t, buf)
		if m["level"] != "WARN" || m["attempt"] != float64(2) {
			t.Errorf("unexpected record: %v", m)
		}
	})

	t.Run("LogEventFailed terminal", func(t *testing.T) {
		buf.Reset()
		LogEventFailed(ctx, logger, "evt-1", errors.New("timeout"), 5, 5, true)

		if m := decodeLine(t, buf); m["level"] != "ERROR" {
			t.Errorf("expected ERROR, got %v", m["level"])
		}
	})

	t.Run("LogEventDelivered", func(t *testing.T) {
		buf.Reset()
		LogEventDelivered(ctx, logger, "evt-1", "remote-9", 1, 120*time.Millisecond)

		m := decodeLine(t, buf)
		if m["remote_id"] != "remote-9" || m["latency_ms"] != float64(120) {
			t.Errorf("unexpected record: %v", m)
		}
	})

	t.Run("LogEventSkipped", func(t *testing.T) {
		buf.Reset()
		LogEventSkipped(ctx, logger, "evt-2", "entity deleted")

		if m := decodeLine(t, buf); m["reason"] != "entity deleted" {
			t.Errorf("unexpected record: %v", m)
		}
	})
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error("discarded")
	if logger.Enabled(LevelWarn) {
		t.Error("expected Nop to drop warnings")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("expected non-nil default logger")
	}
	if Default() != logger {
		t.Error("expected the same instance from Default()")
	}
}
