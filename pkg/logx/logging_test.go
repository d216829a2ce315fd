package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))

	log.Warn("dispatch failed", String("suite_id", "S1"), Err(errors.New("boom")), Int("attempts", 2))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "scheduler" || m["suite_id"] != "S1" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["err"] != "boom" {
		t.Fatalf("err field = %v, want boom", m["err"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want short caller", c)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled at warn level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// must not panic
	log.Error("nothing", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "aitester.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("hello", String("k", "v"))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"message":"hello"`) {
		t.Fatalf("log file missing message: %q", string(b))
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })
	child := log.With(String("comp", "engine"))

	child.Info("before apply")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	child.Debug("after apply", Float64("ratio", 0.5))
	if got := svc.Config().Level; got != "debug" {
		t.Fatalf("config level = %q", got)
	}
	_ = svc.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "before apply") {
		t.Fatalf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, `"message":"after apply"`) || !strings.Contains(out, `"comp":"engine"`) {
		t.Fatalf("derived logger did not follow Apply: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"", LevelInfo},
		{"TRACE", LevelTrace},
		{" warning ", LevelWarn},
		{"error", LevelError},
		{"loud", LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, LevelInfo); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
