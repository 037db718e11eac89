// Package proxy locates and fetches the X.509 proxy credential belonging
// to a target process. The credential path is taken from the target's own
// exported environment when present, falling back to the conventional
// uid-keyed location, and the file is opened as the target identity inside
// the target's mount namespace.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/DrDaveD/cvmfs-x509-helper/internal/privilege"
)

// proxyEnvKey is the environment variable a process may export to override
// the default proxy location.
const proxyEnvKey = "X509_USER_PROXY"

// defaultProxyTemplate is the conventional proxy location keyed by uid.
const defaultProxyTemplate = "/tmp/x509up_u%d"

// maxPathLen bounds resolved paths, NUL terminator included.
const maxPathLen = unix.PathMax

// Resolver errors
var (
	// ErrPathNotFound means the target exports no proxy override; callers
	// fall back to the default location.
	ErrPathNotFound = errors.New("proxy path not found in process environment")
	// ErrPathTruncated means a path was present but exceeds the maximum
	// path length. No partial value is ever returned.
	ErrPathTruncated = errors.New("proxy path exceeds maximum path length")
)

// Resolver determines the on-disk path of a target process's proxy
// credential. Paths are resolved fresh on every call; the target's
// environment can change between requests.
type Resolver struct {
	logger  *slog.Logger
	priv    privilege.Manager
	procDir string
}

// NewResolver creates a resolver that reads process environments under
// /proc, assuming root via priv for the duration of each read.
func NewResolver(logger *slog.Logger, priv privilege.Manager) *Resolver {
	return &Resolver{logger: logger, priv: priv, procDir: "/proc"}
}

// ResolveProxyPath returns the proxy credential path for the target
// process: the X509_USER_PROXY value from its environment when exported,
// otherwise the default /tmp/x509up_u<uid> location. An exported value
// that exceeds the path bound fails with ErrPathTruncated and suppresses
// the fallback; an override that exists but cannot be used is
// configuration breakage, not absence.
func (r *Resolver) ResolveProxyPath(ctx context.Context, pid, uid int) (string, error) {
	path, err := r.pathFromEnviron(ctx, pid)
	switch {
	case err == nil:
		return path, nil
	case errors.Is(err, ErrPathTruncated):
		return "", err
	}

	r.logger.Debug("could not find proxy in environment, using default location",
		"pid", pid,
		"uid", uid,
		"reason", err)

	fallback := fmt.Sprintf(defaultProxyTemplate, uid)
	if len(fallback) >= maxPathLen {
		return "", ErrPathTruncated
	}
	return fallback, nil
}

// pathFromEnviron extracts the proxy override from the target's exported
// environment. The environ pseudo-file is only readable by the target's
// owner or root, so the read runs under a root assumption.
func (r *Resolver) pathFromEnviron(ctx context.Context, pid int) (string, error) {
	environPath := filepath.Join(r.procDir, strconv.Itoa(pid), "environ")
	impCtx := privilege.ImpersonationContext{
		Operation: privilege.OperationEnvironScan,
		PID:       pid,
		Path:      environPath,
	}

	var value string
	var found bool
	err := r.priv.WithPrivileges(ctx, impCtx, func() error {
		f, openErr := os.Open(environPath)
		if openErr != nil {
			return openErr
		}
		defer f.Close()

		var scanErr error
		value, found, scanErr = scanEnvironValue(bufio.NewReader(f), proxyEnvKey, maxPathLen-1)
		return scanErr
	})
	if err != nil {
		if errors.Is(err, ErrPathTruncated) {
			return "", err
		}
		r.logger.Debug("failed to open environment file", "pid", pid, "error", err)
		return "", fmt.Errorf("%w: %v", ErrPathNotFound, err)
	}
	if !found {
		return "", ErrPathNotFound
	}
	return value, nil
}

// scanEnvironValue searches a NUL-separated KEY=VALUE stream for key and
// returns its value, bounded by maxValueLen bytes. The match is anchored at
// record boundaries: the pattern carries a leading separator byte and the
// scan starts as if one was just seen, so a key merely containing the
// target as a suffix or sharing a prefix with it can never match. On a
// mismatch the current byte is reconsidered as a potential boundary, so a
// separator consumed by a failed partial match still anchors the next
// record.
func scanEnvironValue(rd io.ByteReader, key string, maxValueLen int) (string, bool, error) {
	pattern := append([]byte{0}, []byte(key+"=")...)
	cursor := 1

	var value []byte
	collecting := false
	for {
		c, err := rd.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false, err
		}

		if collecting {
			if c == 0 {
				return string(value), true, nil
			}
			if len(value) >= maxValueLen {
				return "", false, ErrPathTruncated
			}
			value = append(value, c)
			continue
		}

		if c == pattern[cursor] {
			cursor++
			if cursor == len(pattern) {
				collecting = true
			}
		} else if c == 0 {
			cursor = 1
		} else {
			cursor = 0
		}
	}

	// A record cut off by EOF has no terminator and is not trusted.
	return "", false, nil
}
