package authz

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ProtocolRevision is the helper protocol revision this implementation
// speaks. The client sends its own revision in the handshake; the lower of
// the two governs the session.
const ProtocolRevision = 0

// MsgID enumerates protocol message types.
type MsgID int

// Protocol message ids
const (
	MsgHandshake MsgID = iota
	MsgReady
	MsgVerify
	MsgPermit
	MsgQuit
)

// StatusCode enumerates verification outcomes sent back to the client.
type StatusCode int

// Verification status codes
const (
	StatusOK       StatusCode = 0
	StatusNotFound StatusCode = 1
	StatusInvalid  StatusCode = 2
)

// Errors reported by the codec
var (
	ErrMalformedEnvelope = errors.New("malformed protocol envelope")
	ErrLineTooLong       = errors.New("protocol message exceeds maximum length")
)

// maxMessageLen bounds a single incoming protocol line. Requests are tiny;
// anything larger is a confused or hostile peer.
const maxMessageLen = 64 * 1024

// Message is an incoming protocol message. Unknown fields are ignored so
// newer clients can talk to older helpers.
type Message struct {
	MsgID      MsgID  `json:"msgid"`
	Revision   int    `json:"revision"`
	DebugLog   string `json:"debug_log,omitempty"`
	PID        int    `json:"pid,omitempty"`
	UID        int    `json:"uid,omitempty"`
	GID        int    `json:"gid,omitempty"`
	Membership string `json:"membership,omitempty"`
}

// Reply is an outgoing protocol message. Proxy bytes are base64-encoded by
// the JSON marshaller.
type Reply struct {
	MsgID     MsgID      `json:"msgid"`
	Revision  int        `json:"revision"`
	Status    StatusCode `json:"status"`
	TTL       int        `json:"ttl,omitempty"`
	X509Proxy []byte     `json:"x509_proxy,omitempty"`
}

type inEnvelope struct {
	Msg *Message `json:"cvmfs_authz_v1"`
}

type outEnvelope struct {
	Msg *Reply `json:"cvmfs_authz_v1"`
}

// Request extracts the process identity carried by a verify message.
func (m *Message) Request() *Request {
	return &Request{
		PID:        m.PID,
		UID:        m.UID,
		GID:        m.GID,
		Membership: m.Membership,
	}
}

// ReadMessage reads and decodes the next envelope from r. io.EOF is
// returned unwrapped when the peer closed the stream between messages.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, fmt.Errorf("reading protocol message: %w", err)
		}
	}
	if len(line) > maxMessageLen {
		return nil, ErrLineTooLong
	}

	var env inEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Msg == nil {
		return nil, fmt.Errorf("%w: missing cvmfs_authz_v1 object", ErrMalformedEnvelope)
	}
	return env.Msg, nil
}

// WriteReply encodes and writes a single reply envelope to w.
func WriteReply(w io.Writer, reply *Reply) error {
	data, err := json.Marshal(&outEnvelope{Msg: reply})
	if err != nil {
		return fmt.Errorf("encoding protocol reply: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing protocol reply: %w", err)
	}
	return nil
}
