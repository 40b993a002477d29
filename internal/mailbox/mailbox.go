// Package mailbox persists messages to per-recipient directories under a
// single mail root.
package mailbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	dirPerm  fs.FileMode = 0o755
	filePerm fs.FileMode = 0o644
)

var (
	// ErrInvalidRoot is returned by EnsureRoot when the mail root cannot
	// be used as a directory.
	ErrInvalidRoot = errors.New("invalid mail root")

	// ErrInvalidRecipient is returned when a recipient address cannot be
	// mapped to a mailbox directory name.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// DeliveryError reports a failure to persist a message for one recipient.
type DeliveryError struct {
	Op        string
	Recipient string
	Path      string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("mailbox %s for %q: %v", e.Op, e.Recipient, e.Err)
	}
	return fmt.Sprintf("mailbox %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// EnsureRoot makes sure path exists and is a directory, creating it and
// any missing parents. Every failure wraps ErrInvalidRoot.
func EnsureRoot(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidRoot)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, path)
		}
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}

	if err := os.MkdirAll(path, dirPerm); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	return nil
}

// Store appends messages to files below a mail root. It is safe for
// concurrent use.
type Store struct {
	root string

	// locks maps a mailbox directory to the *sync.Mutex that serialises
	// appends into it.
	locks sync.Map
}

// New returns a Store rooted at root. The root is expected to exist; see
// EnsureRoot.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the mail root directory.
func (s *Store) Root() string {
	return s.root
}

// Deliver appends body and a trailing newline to the message file for
// (recipient, sender, ts), creating the recipient's mailbox on first use.
// Messages that share a file name are appended, never truncated.
func (s *Store) Deliver(recipient, sender string, ts time.Time, body []byte) error {
	name, err := MailboxName(recipient)
	if err != nil {
		return &DeliveryError{Op: "resolve", Recipient: recipient, Err: err}
	}
	dir := filepath.Join(s.root, name)

	mu := s.lock(dir)
	mu.Lock()
	defer mu.Unlock()

	if err := ensureDir(dir); err != nil {
		return &DeliveryError{Op: "mkdir", Recipient: recipient, Path: dir, Err: err}
	}

	path := filepath.Join(dir, FileName(sender, ts))
	return appendMessage(recipient, path, body)
}

func (s *Store) lock(dir string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(dir, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// FileName returns the message file name for a sender at ts.
func FileName(sender string, ts time.Time) string {
	return fmt.Sprintf("%d.%s.msg", ts.Unix(), sanitize(sender))
}

// MailboxName maps a recipient address to the name of its directory
// under the mail root.
func MailboxName(recipient string) (string, error) {
	name := sanitize(recipient)
	switch name {
	case "", ".", "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	return name, nil
}

// sanitize keeps address-derived names inside their parent directory.
func sanitize(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "\x00", "_").Replace(s)
}

// ensureDir creates dir. A concurrent or earlier creation of the same
// directory counts as success.
func ensureDir(dir string) error {
	err := os.Mkdir(dir, dirPerm)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}

	info, statErr := os.Stat(dir)
	if statErr != nil {
		return statErr
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "mkdir", Path: dir, Err: syscall.ENOTDIR}
	}
	return nil
}

func appendMessage(recipient, path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return &DeliveryError{Op: "open", Recipient: recipient, Path: path, Err: err}
	}

	// One write per message keeps concurrent appenders from interleaving.
	data := make([]byte, 0, len(body)+1)
	data = append(data, body...)
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		f.Close()
		return &DeliveryError{Op: "write", Recipient: recipient, Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &DeliveryError{Op: "close", Recipient: recipient, Path: path, Err: err}
	}
	return nil
}
