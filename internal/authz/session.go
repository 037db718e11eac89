package authz

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/DrDaveD/cvmfs-x509-helper/internal/logging"
)

// ProxyFetcher retrieves the proxy credential belonging to a request's
// process. On success the returned handle is open and rewound; the caller
// owns it.
type ProxyFetcher interface {
	Fetch(ctx context.Context, req *Request) (*os.File, []byte, error)
}

// Session runs the helper side of one protocol conversation: handshake,
// then verify requests until quit or EOF. Requests are served strictly in
// order; the fetch path mutates process-global privilege state and must
// never run concurrently.
type Session struct {
	logger  *slog.Logger
	fetcher ProxyFetcher
	in      *bufio.Reader
	out     io.Writer
	ttl     int

	// DebugLogHook, when set, is invoked with the debug_log path the
	// client supplies in its handshake.
	DebugLogHook func(path string) error
}

// NewSession creates a session reading envelopes from in and writing
// replies to out. ttl is the permit lifetime in seconds handed to the
// client.
func NewSession(logger *slog.Logger, fetcher ProxyFetcher, in io.Reader, out io.Writer, ttl int) *Session {
	return &Session{
		logger:  logger,
		fetcher: fetcher,
		in:      bufio.NewReader(in),
		out:     out,
		ttl:     ttl,
	}
}

// Run serves the session until the client quits or closes the stream.
func (s *Session) Run(ctx context.Context) error {
	if err := s.handshake(); err != nil {
		return err
	}

	for {
		msg, err := ReadMessage(s.in)
		if err == io.EOF {
			s.logger.Debug("client closed stream, ending session")
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrMalformedEnvelope) || errors.Is(err, ErrLineTooLong) {
				s.logger.Warn("rejecting malformed request", "error", err)
				if werr := WriteReply(s.out, &Reply{MsgID: MsgPermit, Revision: ProtocolRevision, Status: StatusInvalid}); werr != nil {
					return werr
				}
				continue
			}
			return err
		}

		switch msg.MsgID {
		case MsgVerify:
			if err := s.serveVerify(ctx, msg.Request()); err != nil {
				return err
			}
		case MsgQuit:
			s.logger.Debug("client requested quit, ending session")
			return nil
		default:
			s.logger.Warn("unexpected message id", "msgid", int(msg.MsgID))
			if err := WriteReply(s.out, &Reply{MsgID: MsgPermit, Revision: ProtocolRevision, Status: StatusInvalid}); err != nil {
				return err
			}
		}
	}
}

// handshake consumes the client's opening message and acknowledges it.
// A debug_log path in the handshake is forwarded to the hook so logging
// can be rewired before any request is served.
func (s *Session) handshake() error {
	msg, err := ReadMessage(s.in)
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	if msg.MsgID != MsgHandshake {
		return fmt.Errorf("%w: expected handshake, got msgid %d", ErrMalformedEnvelope, int(msg.MsgID))
	}

	if msg.DebugLog != "" && s.DebugLogHook != nil {
		if err := s.DebugLogHook(msg.DebugLog); err != nil {
			s.logger.Warn("cannot open debug log from handshake",
				"path", msg.DebugLog,
				"error", err)
		}
	}

	s.logger.Debug("handshake complete", "client_revision", msg.Revision)
	return WriteReply(s.out, &Reply{MsgID: MsgReady, Revision: ProtocolRevision, Status: StatusOK})
}

// serveVerify fetches the proxy for one request and replies with a permit.
// A missing credential is a normal outcome reported as not-found; only
// protocol I/O failures end the session.
func (s *Session) serveVerify(ctx context.Context, req *Request) error {
	reqID := logging.NewRequestID()
	logger := s.logger.With("request_id", reqID, "identity", req.Ident())

	file, proxy, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		logger.Info("no proxy credential available", "error", err)
		return WriteReply(s.out, &Reply{MsgID: MsgPermit, Revision: ProtocolRevision, Status: StatusNotFound})
	}
	// The session only forwards the bytes; the rewound handle is not
	// needed once the reply is built.
	if cerr := file.Close(); cerr != nil {
		logger.Warn("closing proxy handle", "error", cerr)
	}

	logger.Debug("proxy credential found", "size", len(proxy))
	return WriteReply(s.out, &Reply{
		MsgID:     MsgPermit,
		Revision:  ProtocolRevision,
		Status:    StatusOK,
		TTL:       s.ttl,
		X509Proxy: proxy,
	})
}
