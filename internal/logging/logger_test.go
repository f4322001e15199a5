package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_LevelAndJSON(t *testing.T) {
	var buf bytes.Buffer
	l, closer := New(Config{Level: "warn", Out: &buf})
	defer closer.Close()

	l.Info().Msg("hidden")
	l.Warn().Str("stage", "book").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("output is not one JSON record: %v (%q)", err, out)
	}
	if rec["stage"] != "book" || rec["message"] != "shown" {
		t.Errorf("record=%v", rec)
	}
	if _, ok := rec["time"]; !ok {
		t.Errorf("record missing timestamp: %v", rec)
	}
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	for _, lvl := range []string{"", "loud"} {
		l, _ := New(Config{Level: lvl, Out: &bytes.Buffer{}})
		if l.GetLevel() != zerolog.InfoLevel {
			t.Errorf("level %q -> %v, want info", lvl, l.GetLevel())
		}
	}
}

func TestNew_PrettyIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Config{Level: "info", Pretty: true, Out: &buf})
	l.Info().Msg("hello")
	if strings.HasPrefix(buf.String(), "{") {
		t.Errorf("pretty output looks like JSON: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("pretty output missing message: %q", buf.String())
	}
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dwhload.log")
	var console bytes.Buffer

	l, closer := New(Config{Level: "info", Out: &console, File: path, MaxSizeMB: 1})
	l.Info().Str("run_id", "r1").Msg("stage complete")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"run_id":"r1"`) {
		t.Errorf("file log=%q", raw)
	}
	if !strings.Contains(console.String(), "stage complete") {
		t.Errorf("console log=%q", console.String())
	}
}

func TestInit_SetsGlobal(t *testing.T) {
	old := Logger
	defer func() { Logger = old }()

	var buf bytes.Buffer
	closer := Init(Config{Level: "debug", Out: &buf})
	defer closer.Close()

	Debug().Msg("dbg")
	if !strings.Contains(buf.String(), "dbg") {
		t.Errorf("global logger not replaced: %q", buf.String())
	}
}
