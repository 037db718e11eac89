package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/DrDaveD/cvmfs-x509-helper/internal/authz"
	"github.com/DrDaveD/cvmfs-x509-helper/internal/privilege"
)

// readChunkSize is the unit of the slurp loop.
const readChunkSize = 1024

// Fetcher errors
var (
	// ErrNoCredential means the target has no usable proxy credential.
	// This is the normal outcome for an unauthorized subject.
	ErrNoCredential = errors.New("no proxy credential available")
	// ErrProxyTooLarge means the credential file exceeds the configured
	// size bound.
	ErrProxyTooLarge = errors.New("proxy credential exceeds size limit")
)

// Fetcher retrieves proxy credentials on behalf of authorization requests.
type Fetcher struct {
	logger   *slog.Logger
	resolver *Resolver
	priv     privilege.Manager
	maxSize  int64
}

// NewFetcher creates a fetcher. maxSize bounds the credential file size in
// bytes; zero means unbounded.
func NewFetcher(logger *slog.Logger, resolver *Resolver, priv privilege.Manager, maxSize int64) *Fetcher {
	return &Fetcher{
		logger:   logger,
		resolver: resolver,
		priv:     priv,
		maxSize:  maxSize,
	}
}

// Fetch resolves the target's proxy path, opens it as the target identity
// inside the target's mount namespace, and reads it fully. On success the
// returned handle is rewound to offset zero and owned by the caller; the
// byte slice holds the complete contents. A missing or unreadable
// credential is reported as ErrNoCredential, never escalated.
func (f *Fetcher) Fetch(ctx context.Context, req *authz.Request) (*os.File, []byte, error) {
	path, err := f.resolver.ResolveProxyPath(ctx, req.PID, req.UID)
	if err != nil {
		f.logger.Debug("proxy path resolution failed",
			"identity", req.Ident(),
			"error", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	f.logger.Debug("looking for proxy", "path", path, "identity", req.Ident())

	var file *os.File
	impCtx := privilege.ImpersonationContext{
		Operation: privilege.OperationProxyOpen,
		PID:       req.PID,
		UID:       req.UID,
		GID:       req.GID,
		Path:      path,
	}
	err = f.priv.WithTargetIdentity(ctx, impCtx, func() error {
		var openErr error
		file, openErr = os.Open(path)
		return openErr
	})
	if err != nil {
		f.logger.Debug("no proxy found",
			"identity", req.Ident(),
			"path", path,
			"error", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	contents, err := f.slurp(file)
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrNoCredential, path, err)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("%w: rewinding %s: %v", ErrNoCredential, path, err)
	}

	return file, contents, nil
}

// slurp reads the open file to completion in fixed-size chunks. The read
// happens after privileges are restored; only the open needed the target's
// identity.
func (f *Fetcher) slurp(file *os.File) ([]byte, error) {
	var out []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			if f.maxSize > 0 && int64(len(out)) > f.maxSize {
				return nil, ErrProxyTooLarge
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
