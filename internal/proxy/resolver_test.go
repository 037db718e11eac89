package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	privtesting "github.com/DrDaveD/cvmfs-x509-helper/internal/privilege/testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func environReader(records ...string) *bufio.Reader {
	var b bytes.Buffer
	for _, rec := range records {
		b.WriteString(rec)
		b.WriteByte(0)
	}
	return bufio.NewReader(&b)
}

func TestScanEnvironValue(t *testing.T) {
	const bound = maxPathLen - 1

	t.Run("key_in_middle", func(t *testing.T) {
		rd := environReader("PATH=/usr/bin", "X509_USER_PROXY=/var/creds/proxy123", "HOME=/home/alice")
		value, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "/var/creds/proxy123", value)
	})

	t.Run("key_in_first_record", func(t *testing.T) {
		rd := environReader("X509_USER_PROXY=/tmp/p", "PATH=/usr/bin")
		value, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "/tmp/p", value)
	})

	t.Run("key_absent", func(t *testing.T) {
		rd := environReader("PATH=/usr/bin", "HOME=/home/alice")
		_, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("suffix_key_does_not_match", func(t *testing.T) {
		// The match must be anchored at a record boundary.
		rd := environReader("MY_X509_USER_PROXY=/evil", "PATH=/usr/bin")
		_, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("shared_prefix_then_real_key", func(t *testing.T) {
		// A record sharing a prefix with the key must not consume the
		// boundary that anchors the real record after it.
		rd := environReader("X509_USER_PR=half", "X509_USER_PROXY=/real")
		value, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "/real", value)
	})

	t.Run("mismatch_on_separator_reanchors", func(t *testing.T) {
		// The separator that breaks a partial match is itself the anchor
		// for the next record.
		rd := environReader("X5", "X509_USER_PROXY=/real")
		value, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "/real", value)
	})

	t.Run("empty_value", func(t *testing.T) {
		rd := environReader("X509_USER_PROXY=", "PATH=/usr/bin")
		value, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "", value)
	})

	t.Run("value_exceeding_bound", func(t *testing.T) {
		long := strings.Repeat("a", bound+10)
		rd := environReader("X509_USER_PROXY=/"+long, "PATH=/usr/bin")
		value, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		assert.ErrorIs(t, err, ErrPathTruncated)
		assert.False(t, found)
		assert.Empty(t, value, "no partial value may be returned")
	})

	t.Run("value_at_exact_bound", func(t *testing.T) {
		exact := strings.Repeat("b", bound)
		rd := environReader("X509_USER_PROXY=" + exact)
		value, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, exact, value)
	})

	t.Run("unterminated_final_record", func(t *testing.T) {
		rd := bufio.NewReader(strings.NewReader("X509_USER_PROXY=/cut-off"))
		_, found, err := scanEnvironValue(rd, proxyEnvKey, bound)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

// writeEnviron creates <dir>/<pid>/environ with the given NUL-separated
// records.
func writeEnviron(t *testing.T, dir string, pid int, records ...string) {
	t.Helper()
	pidDir := filepath.Join(dir, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(pidDir, 0o755))
	var b bytes.Buffer
	for _, rec := range records {
		b.WriteString(rec)
		b.WriteByte(0)
	}
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "environ"), b.Bytes(), 0o600))
}

func newTestResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	procDir := t.TempDir()
	r := NewResolver(testLogger(), &privtesting.MockManager{})
	r.procDir = procDir
	return r, procDir
}

func TestResolver_ResolveProxyPath(t *testing.T) {
	ctx := context.Background()

	t.Run("override_present", func(t *testing.T) {
		r, procDir := newTestResolver(t)
		writeEnviron(t, procDir, 4242, "PATH=/usr/bin", "X509_USER_PROXY=/var/creds/proxy123")

		path, err := r.ResolveProxyPath(ctx, 4242, 1000)
		require.NoError(t, err)
		assert.Equal(t, "/var/creds/proxy123", path)
	})

	t.Run("no_override_falls_back", func(t *testing.T) {
		r, procDir := newTestResolver(t)
		writeEnviron(t, procDir, 4242, "PATH=/usr/bin", "HOME=/home/alice")

		path, err := r.ResolveProxyPath(ctx, 4242, 1000)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/x509up_u1000", path)
	})

	t.Run("environ_unreadable_falls_back", func(t *testing.T) {
		r, _ := newTestResolver(t)

		path, err := r.ResolveProxyPath(ctx, 99999, 2500)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/x509up_u2500", path)
	})

	t.Run("truncated_override_suppresses_fallback", func(t *testing.T) {
		r, procDir := newTestResolver(t)
		long := "/" + strings.Repeat("x", maxPathLen+10)
		writeEnviron(t, procDir, 4242, "X509_USER_PROXY="+long)

		path, err := r.ResolveProxyPath(ctx, 4242, 1000)
		assert.ErrorIs(t, err, ErrPathTruncated)
		assert.Empty(t, path)
	})

	t.Run("fresh_resolution_per_call", func(t *testing.T) {
		r, procDir := newTestResolver(t)
		writeEnviron(t, procDir, 4242, "X509_USER_PROXY=/first")

		path, err := r.ResolveProxyPath(ctx, 4242, 1000)
		require.NoError(t, err)
		require.Equal(t, "/first", path)

		writeEnviron(t, procDir, 4242, "X509_USER_PROXY=/second")
		path, err = r.ResolveProxyPath(ctx, 4242, 1000)
		require.NoError(t, err)
		assert.Equal(t, "/second", path)
	})
}

func TestResolver_DefaultPathFormat(t *testing.T) {
	// The fallback must match the conventional location exactly.
	for _, uid := range []int{0, 1, 1000, 65534} {
		t.Run(fmt.Sprintf("uid_%d", uid), func(t *testing.T) {
			r, _ := newTestResolver(t)
			path, err := r.ResolveProxyPath(context.Background(), 1, uid)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("/tmp/x509up_u%d", uid), path)
		})
	}
}
