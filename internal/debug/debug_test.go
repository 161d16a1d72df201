package debug

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestShouldEnableFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		enabled string
		path    string
		want    bool
	}{
		{name: "disabled by default", enabled: "", path: "", want: false},
		{name: "enabled explicit", enabled: "true", path: "", want: true},
		{name: "enabled via path", enabled: "", path: "/tmp/missionpilot.log", want: true},
		{name: "explicit off wins", enabled: "off", path: "/tmp/missionpilot.log", want: false},
		{name: "unknown toggle falls back to path", enabled: "maybe", path: "/tmp/x.log", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvEnabled, tt.enabled)
			t.Setenv(EnvLogPath, tt.path)
			if got := ShouldEnableFromEnv(); got != tt.want {
				t.Fatalf("ShouldEnableFromEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func initAt(t *testing.T, components string) string {
	t.Helper()
	Close()
	t.Cleanup(Close)
	logPath := filepath.Join(t.TempDir(), "logs", "shared.log")
	t.Setenv(EnvLogPath, logPath)
	t.Setenv(EnvComponents, components)
	got, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got != logPath {
		t.Fatalf("Init() path = %q, want %q", got, logPath)
	}
	return logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestLogKVFormatsPairs(t *testing.T) {
	path := initAt(t, "")
	if !Enabled() || Path() != path {
		t.Fatalf("Enabled()=%v Path()=%q", Enabled(), Path())
	}

	LogKV("gameplay", "tick", "screen", "battle", "lives", 3)
	LogKV("coord", "lookup failed", "error", errors.New("database locked"), "delay", 250*time.Millisecond, "dangling")

	s := readLog(t, path)
	for _, want := range []string{
		"# missionpilot debug log (append)",
		"gameplay",
		"tick screen=battle lives=3",
		`lookup failed error="database locked" delay=250ms dangling=(MISSING)`,
		"debug/debug_test.go:",
		"# closed after",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("log missing %q:\n%s", want, s)
		}
	}
}

func TestComponentFilter(t *testing.T) {
	path := initAt(t, "coord, page")
	LogKV("coord", "kept")
	Log("gameplay", "dropped")
	Logf("page", "kept %d", 2)

	s := readLog(t, path)
	if !strings.Contains(s, "kept\n") || !strings.Contains(s, "kept 2") {
		t.Fatalf("filtered components missing:\n%s", s)
	}
	if strings.Contains(s, "dropped") {
		t.Fatalf("gameplay line should be filtered:\n%s", s)
	}
}

func TestCommandLabel(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "missionpilot"},
		{[]string{"/usr/bin/missionpilot"}, "missionpilot"},
		{[]string{"/usr/bin/missionpilot", "--debug", "serve", "--mdns"}, "missionpilot serve"},
	}
	for _, tt := range tests {
		if got := commandLabel(tt.args); got != tt.want {
			t.Fatalf("commandLabel(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestLogIsNoopWhenDisabled(t *testing.T) {
	Close()
	Log("x", "ignored")
	Logf("x", "ignored %d", 1)
	LogKV("x", "ignored", "k", "v")
	if Enabled() || Path() != "" {
		t.Fatalf("expected logger disabled")
	}
}
