package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type login string

func TestFileOutputCarriesComponentAndChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lw.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})

	log.Component("poller").Info("channel transition", Channel(login("alpha")), Int("n", 2))
	log.Debug("kept at debug")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"comp":"poller"`, `"channel":"alpha"`, `"n":2`, `"message":"channel transition"`, "kept at debug"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s:\n%s", want, out)
		}
	}
}

func TestApplyChangesLevelAndReportsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lw.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Debug("hidden")
	if got := svc.Level(); got != "info" {
		t.Fatalf("level = %q", got)
	}

	bad := filepath.Join(t.TempDir(), "missing", "dir", "lw.log")
	if err := svc.Apply(Config{Level: "WARN", File: FileConfig{Enabled: true, Path: bad}}); err == nil {
		t.Fatal("expected error for unopenable log file")
	}
	if got := svc.Level(); got != "warn" {
		t.Fatalf("level after apply = %q", got)
	}

	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "hidden") {
		t.Fatalf("debug line written at info level: %s", b)
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Component("x").Warn("nothing", Channel("alpha"))
}
