package smtp

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/nullsmtp/nullsmtpd/internal/envelope"
)

// backend creates one session per accepted connection.
type backend struct {
	handler DataHandler
	logger  *slog.Logger
}

func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	peer := c.Conn().RemoteAddr().String()
	b.logger.Debug("new SMTP connection", "peer", peer)

	return &session{
		backend: b,
		conn:    c,
		peer:    peer,
	}, nil
}

// session collects one transaction at a time. go-smtp calls Reset after
// every DATA and on RSET.
type session struct {
	backend *backend
	conn    *gosmtp.Conn
	peer    string

	mailFrom string
	rcptTo   []string
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.mailFrom = from
	s.rcptTo = nil
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		s.backend.logger.Warn("error reading DATA", "peer", s.peer, "error", err)
		return err
	}

	info := envelope.SessionInfo{
		Peer:     s.peer,
		Hostname: s.conn.Hostname(),
	}
	env := envelope.Envelope{
		Sender:     s.mailFrom,
		Recipients: slices.Clone(s.rcptTo),
		Body:       body,
	}

	// In-flight deliveries finish even while the server shuts down.
	reply := s.backend.handler.OnData(context.Background(), info, env)
	return replyError(reply)
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *session) Logout() error {
	s.backend.logger.Debug("SMTP connection closed", "peer", s.peer)
	return nil
}

// replyError maps a handler reply such as "250 OK" to the error go-smtp
// expects: nil for 2xx, an *SMTPError otherwise.
func replyError(reply string) error {
	code, msg := parseReply(reply)
	if code >= 200 && code < 300 {
		return nil
	}
	return &gosmtp.SMTPError{
		Code:         code,
		EnhancedCode: gosmtp.EnhancedCodeNotSet,
		Message:      msg,
	}
}

// parseReply splits a reply into its three-digit code and text. A reply
// without a valid code is treated as a local processing error.
func parseReply(reply string) (int, string) {
	reply = strings.TrimSpace(reply)
	codeText, msg, _ := strings.Cut(reply, " ")

	code, err := strconv.Atoi(codeText)
	if err != nil || code < 200 || code > 599 {
		return 451, "Requested action aborted: local error in processing"
	}
	return code, msg
}
