package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexedwards/argon2id"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "stop", "probe", "export", "summary", "reset", "hash-password", "version"}
	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json", false)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output = %q", out)
	}

	buf.Reset()
	newLogger(&buf, "error", "text", true).Debug("dev")
	if !strings.Contains(buf.String(), "msg=dev") {
		t.Errorf("dev mode should force debug, got %q", buf.String())
	}
}

func TestHashPassword(t *testing.T) {
	t.Parallel()

	hash, err := hashPassword("correct horse")
	if err != nil {
		t.Fatalf("hashPassword() error: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash = %q, want argon2id prefix", hash)
	}
	match, err := argon2id.ComparePasswordAndHash("correct horse", hash)
	if err != nil || !match {
		t.Errorf("ComparePasswordAndHash() = %v, %v", match, err)
	}
	match, _ = argon2id.ComparePasswordAndHash("wrong", hash)
	if match {
		t.Error("wrong password matched")
	}
}

func TestPasswordInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		stdin   bool
		in      string
		want    string
		wantErr bool
	}{
		{name: "argument", args: []string{"pw"}, want: "pw"},
		{name: "no argument", wantErr: true},
		{name: "stdin", stdin: true, in: "secret\n", want: "secret"},
		{name: "stdin crlf", stdin: true, in: "secret\r\n", want: "secret"},
		{name: "stdin no newline", stdin: true, in: "secret", want: "secret"},
		{name: "stdin empty", stdin: true, in: "\n", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := passwordInput(tt.args, tt.stdin, strings.NewReader(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseFilters(t *testing.T) {
	t.Parallel()

	got, err := parseFilters([]string{"store_id=store-1", "note=a=b"})
	if err != nil {
		t.Fatalf("parseFilters() error: %v", err)
	}
	if len(got) != 2 || got[0].Column != "store_id" || got[0].Value != "store-1" || got[1].Value != "a=b" {
		t.Errorf("filters = %+v", got)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseFilters([]string{bad}); err == nil {
			t.Errorf("parseFilters(%q) should fail", bad)
		}
	}
}

func TestPIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run", "server.pid")
	if got := readPIDFile(path); got != 0 {
		t.Errorf("missing file pid = %d, want 0", got)
	}
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile() error: %v", err)
	}
	if got := readPIDFile(path); got != os.Getpid() {
		t.Errorf("pid = %d, want %d", got, os.Getpid())
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(path); got != 0 {
		t.Errorf("malformed pid = %d, want 0", got)
	}
}
