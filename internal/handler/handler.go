// Package handler turns a completed SMTP transaction into stored message
// files, one per recipient.
package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nullsmtp/nullsmtpd/internal/envelope"
	"github.com/nullsmtp/nullsmtpd/internal/parser"
)

// StatusOK is the reply returned for every handled envelope.
const StatusOK = "250 OK"

// Deliverer persists one message for one recipient.
type Deliverer interface {
	Deliver(recipient, sender string, ts time.Time, body []byte) error
}

// Handler stores incoming envelopes. It keeps no state between calls and
// is safe for concurrent use when its Deliverer is.
type Handler struct {
	store  Deliverer
	logger *slog.Logger
	echo   bool
	now    func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithEcho logs the raw message body at INFO after it has been stored.
func WithEcho(enabled bool) Option {
	return func(h *Handler) { h.echo = enabled }
}

// WithClock replaces time.Now as the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler delivering through store.
func New(store Deliverer, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnData stores env once per recipient and returns the SMTP reply.
//
// A failed delivery is logged and does not stop delivery to the remaining
// recipients. The reply is StatusOK even if every delivery failed: a sink
// must not cause the sending application to retry or bounce.
func (h *Handler) OnData(ctx context.Context, info envelope.SessionInfo, env envelope.Envelope) string {
	h.logger.InfoContext(ctx, "Incoming mail from "+env.Sender)

	if h.logger.Enabled(ctx, slog.LevelDebug) {
		h.logSummary(ctx, info, env)
	}

	for _, rcpt := range env.Recipients {
		h.logger.InfoContext(ctx, "Mail received for "+rcpt)

		// Sampled per recipient; recipients of one envelope may land in
		// different seconds.
		if err := h.store.Deliver(rcpt, env.Sender, h.now(), env.Body); err != nil {
			h.logger.ErrorContext(ctx, "failed to store message",
				"recipient", rcpt,
				"sender", env.Sender,
				"error", err,
			)
		}
	}

	if h.echo {
		h.logger.InfoContext(ctx, string(env.Body))
	}

	return StatusOK
}

func (h *Handler) logSummary(ctx context.Context, info envelope.SessionInfo, env envelope.Envelope) {
	attrs := []any{
		"peer", info.Peer,
		"helo", info.Hostname,
		"recipients", len(env.Recipients),
		"size", len(env.Body),
	}

	summary, err := parser.Summarize(env.Body)
	if err != nil {
		h.logger.DebugContext(ctx, "message summary unavailable", append(attrs, "error", err)...)
		return
	}
	h.logger.DebugContext(ctx, "message summary", append(attrs, summary.LogAttrs()...)...)
}
