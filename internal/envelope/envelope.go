// Package envelope defines the transaction data handed from the SMTP
// engine to the message handler.
package envelope

// Envelope is one completed SMTP transaction: the reverse-path, the
// accepted forward-paths in RCPT order and the raw DATA payload.
type Envelope struct {
	// Sender is the MAIL FROM address. It is empty for the null
	// reverse-path used by bounces.
	Sender string

	// Recipients holds every accepted RCPT TO address in order.
	// Duplicates are kept.
	Recipients []string

	// Body is the de-stuffed message as received.
	Body []byte
}

// SessionInfo describes the connection an Envelope arrived on.
type SessionInfo struct {
	// Peer is the remote address of the client.
	Peer string

	// Hostname is the name the client announced in EHLO/HELO.
	Hostname string
}
