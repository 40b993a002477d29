// Package daemon decides whether the process keeps running attached to
// the terminal or detaches into the background.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Mode is the outcome of Start.
type Mode int

const (
	// InProcess means the caller continues with service setup.
	InProcess Mode = iota

	// Daemonized means a detached copy of the process was started; the
	// caller must exit with status 0 without further setup.
	Daemonized
)

func (m Mode) String() string {
	switch m {
	case InProcess:
		return "in-process"
	case Daemonized:
		return "daemonized"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// EnvMarker is set in the environment of the detached child.
const EnvMarker = "NULLSMTPD_DAEMONIZED"

var (
	// ErrOperatorStop is returned by WaitForOperator when the operator
	// asked the process to stop.
	ErrOperatorStop = errors.New("stopped by operator")

	// ErrUnsupported is returned by Start when background mode is not
	// available on this platform.
	ErrUnsupported = errors.New("background mode is not supported on this platform")
)

// detachFunc starts the detached child. Tests replace it.
var detachFunc = detach

// Start must be called before any logger or listener is created. With
// foreground set, or inside an already detached child, it returns
// InProcess. Otherwise it re-executes the program detached from the
// terminal and returns Daemonized.
func Start(foreground bool) (Mode, error) {
	if foreground || IsDetachedChild() {
		return InProcess, nil
	}
	if err := detachFunc(); err != nil {
		return InProcess, fmt.Errorf("failed to detach: %w", err)
	}
	return Daemonized, nil
}

// IsDetachedChild reports whether this process is the detached copy.
func IsDetachedChild() bool {
	return os.Getenv(EnvMarker) == "1"
}

// WaitForOperator writes prompt to out and blocks until a line (or EOF)
// is read from in, returning ErrOperatorStop, or until ctx is done,
// returning ctx.Err().
func WaitForOperator(ctx context.Context, in io.Reader, out io.Writer, prompt string) error {
	if _, err := fmt.Fprint(out, prompt); err != nil {
		return fmt.Errorf("failed to write prompt: %w", err)
	}

	lineCh := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		lineCh <- err
	}()

	select {
	case err := <-lineCh:
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read operator input: %w", err)
		}
		return ErrOperatorStop
	case <-ctx.Done():
		return ctx.Err()
	}
}
