package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// captureLogOutput captures log output for testing by temporarily
// redirecting the logger to write to a buffer
func captureLogOutput(f func()) string {
	var buf bytes.Buffer

	oldLogger := defaultLogger
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	defaultLogger = slog.New(handler)

	f()

	defaultLogger = oldLogger
	return buf.String()
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		format Format
	}{
		{"Debug level JSON format", LevelDebug, FormatJSON},
		{"Info level JSON format", LevelInfo, FormatJSON},
		{"Warn level JSON format", LevelWarn, FormatJSON},
		{"Error level JSON format", LevelError, FormatJSON},
		{"Info level Text format", LevelInfo, FormatText},
		{"Default level (invalid value)", Level(999), FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			InitLogger(tt.level, tt.format)
			if GetLogger() == nil {
				t.Error("Expected logger to be initialized, got nil")
			}
		})
	}
	InitLogger(LevelInfo, FormatJSON)
}

func TestInitLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, LevelWarn, FormatText)
	defer InitLogger(LevelInfo, FormatJSON)

	Info("hidden")
	Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info message should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "key=value") {
		t.Errorf("Expected text output with attributes, got %s", out)
	}
}

func TestTimestampFormat(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, LevelInfo, FormatJSON)
	defer InitLogger(LevelInfo, FormatJSON)

	Info("stamp")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	ts, _ := entry["time"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("time %q is not RFC3339: %v", ts, err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("text"); err != nil || f != FormatText {
		t.Errorf("ParseFormat(text) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) expected error")
	}
}

func TestRunID(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-123")
	if got := GetRunID(ctx); got != "run-123" {
		t.Errorf("GetRunID() = %q, want run-123", got)
	}
	if got := GetRunID(context.Background()); got != "" {
		t.Errorf("GetRunID() on empty context = %q", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	output := captureLogOutput(func() {
		LoggerFromContext(WithRunID(context.Background(), "abc")).Info("hello")
	})
	if !strings.Contains(output, `"run_id":"abc"`) {
		t.Errorf("Expected run_id in output, got %s", output)
	}
}

func TestHelpers(t *testing.T) {
	output := captureLogOutput(func() {
		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")
		ctx := context.Background()
		DebugContext(ctx, "debug ctx")
		InfoContext(ctx, "info ctx")
		WarnContext(ctx, "warn ctx")
		ErrorContext(ctx, "error ctx")
	})
	for _, msg := range []string{"debug message", "info message", "warn message", "error message",
		"debug ctx", "info ctx", "warn ctx", "error ctx"} {
		if !strings.Contains(output, msg) {
			t.Errorf("Expected %q in output", msg)
		}
	}
}

func TestConversionEvents(t *testing.T) {
	output := captureLogOutput(func() {
		ctx := WithRunID(context.Background(), "r1")
		ConversionStart(ctx, "lilypond", "musicxml")
		ConversionDone(ctx, "lilypond", "musicxml", "L1", 2, 1500*time.Millisecond)
	})
	for _, want := range []string{`"msg":"conversion_start"`, `"msg":"conversion_done"`,
		`"loss_class":"L1"`, `"diagnostics":2`, `"duration_ms":1500`, `"run_id":"r1"`} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got %s", want, output)
		}
	}
}

func TestSpanDiagnostic(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	SpanDiagnostic(l, "unresolved reference", "measure 3", "stop without start", "number", 2)

	out := buf.String()
	for _, want := range []string{`"msg":"span_diagnostic"`, `"location":"measure 3"`, `"number":2`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in output, got %s", want, out)
		}
	}

	output := captureLogOutput(func() {
		SpanDiagnostic(nil, "k", "l", "m")
	})
	if !strings.Contains(output, "span_diagnostic") {
		t.Errorf("nil logger should fall back to the default logger, got %s", output)
	}
}

func TestFormatErrorAndJournalEvent(t *testing.T) {
	output := captureLogOutput(func() {
		FormatError("musicxml", "decode", errors.New("bad xml"))
		JournalEvent("record", "/tmp/j.db", "entries", 3)
	})
	for _, want := range []string{`"error":"bad xml"`, `"msg":"journal_event"`, `"entries":3`} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got %s", want, output)
		}
	}
}
