// Package smtp runs the SMTP listener and hands every completed
// transaction to a DataHandler.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/nullsmtp/nullsmtpd/internal/envelope"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ErrBind is returned by Listen when the listen address cannot be bound.
var ErrBind = errors.New("failed to bind listener")

// DataHandler receives each envelope once its DATA phase has completed
// and returns the SMTP reply text, e.g. "250 OK".
type DataHandler interface {
	OnData(ctx context.Context, info envelope.SessionInfo, env envelope.Envelope) string
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "localhost:25").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	// Handler receives completed envelopes.
	Handler DataHandler

	// Logger receives server diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// MaxMessageBytes limits the DATA payload; zero means no limit.
	MaxMessageBytes int64

	// MaxRecipients limits RCPT TO per transaction; zero means no limit.
	MaxRecipients int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is an SMTP server that accepts every message and passes it to
// the configured DataHandler.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	smtp     *gosmtp.Server
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	be := &backend{
		handler: cfg.Handler,
		logger:  logger,
	}

	s := gosmtp.NewServer(be)
	s.Addr = cfg.ListenAddr
	s.Domain = cfg.Hostname
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	return &Server{
		config: cfg,
		logger: logger,
		smtp:   s,
	}
}

// Listen binds the listen address. Errors wrap ErrBind.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w on %s: %w", ErrBind, s.config.ListenAddr, err)
	}
	s.listener = ln
	return nil
}

// Serve accepts sessions on the bound listener and blocks until ctx is
// cancelled. On cancellation it stops accepting new connections and
// waits up to 30 seconds for in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("smtp: Serve called before Listen")
	}

	s.logger.Info("SMTP server listening", "addr", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.smtp.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down SMTP server")
	s.shutdown()
	<-errCh
	return nil
}

// ListenAndServe binds the listen address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// shutdown waits for in-flight sessions, with a maximum timeout to
// prevent indefinite blocking.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.smtp.Shutdown(ctx)

	// Serve may not have registered the listener with go-smtp yet, in
	// which case Shutdown could not close it.
	s.listener.Close()

	if err != nil {
		s.logger.Warn("shutdown timeout reached, forcing close", "error", err)
		s.smtp.Close()
		return
	}
	s.logger.Info("all sessions completed")
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
