package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/nullsmtp/nullsmtpd/internal/daemon"
	"github.com/nullsmtp/nullsmtpd/internal/logging"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"NULLSMTPD_HOST", "NULLSMTPD_PORT", "NULLSMTPD_DOMAIN",
		"NULLSMTPD_MAX_MESSAGE_SIZE", "NULLSMTPD_MAX_RECIPIENTS",
		"NULLSMTPD_MAIL_DIR", "NULLSMTPD_LOG_LEVEL", daemon.EnvMarker,
	} {
		t.Setenv(env, "")
	}
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func execute(in io.Reader, args ...string) error {
	cmd := newRootCmd(in, io.Discard)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

func TestRun_InvalidMailRootAborts(t *testing.T) {
	clearEnv(t)

	root := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	port := freePort(t)

	err := execute(strings.NewReader(""), "--no-fork", "-H", "127.0.0.1", "-P", strconv.Itoa(port), "--mail-dir", root)
	if got := exitCode(err); got != exitInvalidRoot {
		t.Errorf("exit code: got %d, want %d (err=%v)", got, exitInvalidRoot, err)
	}

	// Nothing may be listening on the requested port.
	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond); err == nil {
		conn.Close()
		t.Error("listener should not have been bound")
	}
}

func TestRun_BindFailure(t *testing.T) {
	clearEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	err = execute(strings.NewReader(""), "--no-fork", "-H", "127.0.0.1", "-P", strconv.Itoa(port), "--mail-dir", t.TempDir())
	if got := exitCode(err); got != exitBind {
		t.Errorf("exit code: got %d, want %d (err=%v)", got, exitBind, err)
	}
}

func TestRun_ForegroundOperatorStop(t *testing.T) {
	clearEnv(t)

	root := t.TempDir()
	err := execute(strings.NewReader("\n"), "--no-fork", "-H", "127.0.0.1", "-P", strconv.Itoa(freePort(t)), "--mail-dir", root)

	if !errors.Is(err, daemon.ErrOperatorStop) {
		t.Errorf("got %v, want ErrOperatorStop", err)
	}
	if got := exitCode(err); got != exitFailure {
		t.Errorf("exit code: got %d, want %d", got, exitFailure)
	}

	data, readErr := os.ReadFile(filepath.Join(root, logging.FileName))
	if readErr != nil {
		t.Fatalf("log file missing: %v", readErr)
	}
	for _, want := range []string{"Starting nullsmtpd", "Mail Directory: " + root, "Stopping nullsmtpd"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log missing %q:\n%s", want, data)
		}
	}
}

func TestRun_EndToEnd(t *testing.T) {
	clearEnv(t)

	root := t.TempDir()
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- execute(pr, "--no-fork", "-H", "127.0.0.1", "-P", strconv.Itoa(port), "--mail-dir", root)
	}()

	var sendErr error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sendErr = gosmtp.SendMail(addr, nil, "a@x.com", []string{"b@y.com", "c@y.com"}, strings.NewReader("Subject: hi\r\n\r\nhello\r\n"))
		if sendErr == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if sendErr != nil {
		t.Fatalf("SendMail: %v", sendErr)
	}

	for _, rcpt := range []string{"b@y.com", "c@y.com"} {
		entries, err := os.ReadDir(filepath.Join(root, rcpt))
		if err != nil {
			t.Fatalf("mailbox %s missing: %v", rcpt, err)
		}
		if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".a@x.com.msg") {
			t.Errorf("mailbox %s: unexpected entries %v", rcpt, entries)
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, rcpt, entries[0].Name()))
		if err != nil {
			t.Fatalf("failed to read message: %v", err)
		}
		if !strings.Contains(string(data), "hello") {
			t.Errorf("message for %s missing body: %q", rcpt, data)
		}
	}

	pw.Close()
	select {
	case err := <-done:
		if !errors.Is(err, daemon.ErrOperatorStop) {
			t.Errorf("got %v, want ErrOperatorStop", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after operator input")
	}
}

func TestRootCmd_Version(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(""), io.Discard)
	cmd.SetArgs([]string{"--version"})
	cmd.SetOut(&out)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := out.String(), "nullsmtpd ("+version+")\n"; got != want {
		t.Errorf("version output: got %q, want %q", got, want)
	}
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	clearEnv(t)

	if err := execute(strings.NewReader(""), "extra"); err == nil {
		t.Error("expected error for positional arguments")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain error", errors.New("boom"), exitFailure},
		{"invalid root", &exitError{code: exitInvalidRoot, err: errors.New("x")}, exitInvalidRoot},
		{"wrapped bind", fmt.Errorf("start: %w", &exitError{code: exitBind, err: errors.New("x")}), exitBind},
	}

	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}
