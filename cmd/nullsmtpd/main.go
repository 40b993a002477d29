// Package main is the entry point for the nullsmtpd SMTP sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nullsmtp/nullsmtpd/internal/config"
	"github.com/nullsmtp/nullsmtpd/internal/daemon"
	"github.com/nullsmtp/nullsmtpd/internal/handler"
	"github.com/nullsmtp/nullsmtpd/internal/logging"
	"github.com/nullsmtp/nullsmtpd/internal/mailbox"
	"github.com/nullsmtp/nullsmtpd/internal/smtp"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.4.0"

const operatorPrompt = "nullsmtpd running. Press enter to stop server and exit.\n"

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalidRoot = 2
	exitBind        = 3
)

// exitError carries the process exit code for a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	cmd := newRootCmd(os.Stdin, os.Stdout)
	err := cmd.ExecuteContext(context.Background())
	if err != nil && !errors.Is(err, daemon.ErrOperatorStop) {
		fallbackLogger().Error("nullsmtpd failed", "error", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nullsmtpd",
		Short:         "SMTP sink that stores every message on disk instead of delivering it",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, in, out)
		},
	}
	cmd.SetVersionTemplate("{{.Name}} ({{.Version}})\n")
	config.RegisterFlags(cmd)
	return cmd
}

// run executes the startup sequence: mail root, daemonize decision,
// logging, listener, serve.
func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	if err := mailbox.EnsureRoot(cfg.Mail.Dir); err != nil {
		return &exitError{code: exitInvalidRoot, err: err}
	}

	mode, err := daemon.Start(cfg.Foreground)
	if err != nil {
		return err
	}
	if mode == daemon.Daemonized {
		return nil
	}

	consoleLevel, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.Configure(cfg.Mail.Dir, cfg.Foreground, logging.WithConsoleLevel(consoleLevel))
	if err != nil {
		return &exitError{code: exitInvalidRoot, err: err}
	}
	defer logger.Close()

	logger.Info(fmt.Sprintf("Starting nullsmtpd %s on %s", version, cfg.ListenAddr()))
	logger.Info("Mail Directory: " + cfg.Mail.Dir)

	h := handler.New(mailbox.New(cfg.Mail.Dir), logger.Logger, handler.WithEcho(cfg.Foreground))
	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.ListenAddr(),
		Hostname:        cfg.SMTP.Domain,
		Handler:         h,
		Logger:          logger.Logger,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		ReadTimeout:     cfg.SMTP.ReadTimeout,
		WriteTimeout:    cfg.SMTP.WriteTimeout,
	})
	if err := server.Listen(); err != nil {
		logger.Error("failed to start SMTP server", "error", err)
		return &exitError{code: exitBind, err: err}
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	operator := make(chan error, 1)
	if cfg.Foreground {
		go func() {
			operator <- daemon.WaitForOperator(ctx, in, out, operatorPrompt)
			cancel()
		}()
	}

	serveErr := server.Serve(ctx)
	cancel()
	logger.Info("Stopping nullsmtpd")

	if serveErr != nil {
		logger.Error("server error", "error", serveErr)
		return serveErr
	}
	if cfg.Foreground {
		if err := <-operator; errors.Is(err, daemon.ErrOperatorStop) {
			return &exitError{code: exitFailure, err: err}
		}
	}
	return nil
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// fallbackLogger reports errors that may occur before, or without, the
// logging pipeline.
func fallbackLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
