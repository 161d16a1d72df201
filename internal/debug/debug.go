// Package debug is the verbose diagnostics logger.
//
// With --debug (or MISSIONPILOT_DEBUG_ENABLED) every transition, relayed
// message and gameplay tick is appended to one file under
// ~/.missionpilot/debug/. Lines carry a timestamp, the goroutine, the caller
// and the emitting component, so the interleaving of the coordinator, the
// page agent and the gameplay agents can be reconstructed afterwards.
//
// Disabled is the default; every logging function is then a no-op.
package debug

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/missionpilot/internal/hexid"
)

const (
	// EnvEnabled toggles debug logger initialization.
	EnvEnabled = "MISSIONPILOT_DEBUG_ENABLED"
	// EnvLogPath appends to a specific file instead of a fresh one.
	EnvLogPath = "MISSIONPILOT_DEBUG_LOG_PATH"
	// EnvComponents restricts logging to a comma separated component list,
	// e.g. "coord,page".
	EnvComponents = "MISSIONPILOT_DEBUG_COMPONENTS"
)

var (
	loggerMu sync.RWMutex
	logger   *Logger
)

// Logger writes debug lines to a file.
type Logger struct {
	path      string
	startedAt time.Time
	label     string
	only      map[string]bool

	mu   sync.Mutex
	file *os.File
}

func current() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Init opens the global logger and returns its file path. A second call
// returns the path of the open logger.
func Init() (string, error) {
	if l := current(); l != nil {
		return l.path, nil
	}

	path, appended, err := logPath()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}
	l := &Logger{
		path:      path,
		startedAt: time.Now(),
		label:     commandLabel(os.Args),
		only:      parseComponents(os.Getenv(EnvComponents)),
		file:      f,
	}
	mode := "new"
	if appended {
		mode = "append"
	}
	fmt.Fprintf(f, "# missionpilot debug log (%s)\n# started %s pid=%d command=%q gomaxprocs=%d\n\n",
		mode, l.startedAt.Format(time.RFC3339Nano), os.Getpid(), l.label, runtime.GOMAXPROCS(0))

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		f.Close()
		return logger.path, nil
	}
	logger = l
	return path, nil
}

// Close writes a trailer and closes the log. Safe to call when not
// initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "\n# closed after %s\n", time.Since(l.startedAt).Round(time.Millisecond))
	l.file.Close()
}

// Enabled returns true if the debug logger is active.
func Enabled() bool {
	return current() != nil
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	if l := current(); l != nil {
		return l.path
	}
	return ""
}

// ShouldEnableFromEnv reports whether debug logging was requested through
// the environment. An explicit toggle wins over a configured log path.
func ShouldEnableFromEnv() bool {
	hasPath := strings.TrimSpace(os.Getenv(EnvLogPath)) != ""
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return hasPath
	}
}

// Log writes a debug line. No-op when debug is disabled.
func Log(component, msg string) {
	if l := current(); l != nil {
		l.write(component, msg)
	}
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	if l := current(); l != nil {
		l.write(component, fmt.Sprintf(format, args...))
	}
}

// LogKV writes msg followed by key=value pairs, e.g.
// debug.LogKV("coord", "transition", "from", "starting", "to", "navigating").
// Values with spaces are quoted; a trailing key without value is marked.
func LogKV(component, msg string, kvs ...any) {
	l := current()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kvs); i += 2 {
		b.WriteByte(' ')
		fmt.Fprint(&b, kvs[i])
		b.WriteByte('=')
		if i+1 == len(kvs) {
			b.WriteString("(MISSING)")
			break
		}
		b.WriteString(formatValue(kvs[i+1]))
	}
	l.write(component, b.String())
}

func formatValue(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case error:
		s = x.Error()
	case time.Duration:
		return x.String()
	case fmt.Stringer:
		s = x.String()
	case string:
		s = x
	default:
		return fmt.Sprintf("%v", x)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// write is called from exported helpers only, so the caller is two frames up.
func (l *Logger) write(component, msg string) {
	if len(l.only) > 0 && !l.only[component] {
		return
	}
	now := time.Now()
	caller := "??:0"
	if _, file, line, ok := runtime.Caller(2); ok {
		caller = fmt.Sprintf("%s:%d", shortFile(file), line)
	}
	out := fmt.Sprintf("%s +%-12s g%-5d %-9s %-32s %s\n",
		now.Format("15:04:05.000000"),
		now.Sub(l.startedAt).Truncate(time.Microsecond),
		goroutineID(),
		component,
		caller,
		msg,
	)
	l.mu.Lock()
	l.file.WriteString(out)
	l.mu.Unlock()
}

// shortFile trims a source path to its package directory and file name.
func shortFile(file string) string {
	dir, name := filepath.Split(file)
	return filepath.Base(dir) + "/" + name
}

func logPath() (path string, appended bool, err error) {
	if p := strings.TrimSpace(os.Getenv(EnvLogPath)); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return "", true, fmt.Errorf("debug: create dir for %s: %w", p, err)
		}
		return p, true, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".missionpilot", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), hexid.New())
	return filepath.Join(dir, name), false, nil
}

// commandLabel is the binary name plus the first non-flag argument, e.g.
// "missionpilot serve".
func commandLabel(args []string) string {
	if len(args) == 0 {
		return "missionpilot"
	}
	label := filepath.Base(args[0])
	for _, arg := range args[1:] {
		if arg != "" && !strings.HasPrefix(arg, "-") {
			return label + " " + arg
		}
	}
	return label
}

func parseComponents(raw string) map[string]bool {
	var only map[string]bool
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			if only == nil {
				only = make(map[string]bool)
			}
			only[c] = true
		}
	}
	return only
}

// goroutineID parses the id from the "goroutine N [" stack header.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(string(fields[1]), 10, 64)
	return id
}
