package proxy

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrDaveD/cvmfs-x509-helper/internal/authz"
	privtesting "github.com/DrDaveD/cvmfs-x509-helper/internal/privilege/testing"
)

func newTestFetcher(t *testing.T, maxSize int64) (*Fetcher, string) {
	t.Helper()
	r, procDir := newTestResolver(t)
	f := NewFetcher(testLogger(), r, &privtesting.MockManager{}, maxSize)
	return f, procDir
}

func TestFetcher_Fetch(t *testing.T) {
	ctx := context.Background()

	t.Run("override_points_at_credential", func(t *testing.T) {
		f, procDir := newTestFetcher(t, 0)
		credPath := filepath.Join(t.TempDir(), "proxy123")
		contents := []byte("-----BEGIN CERTIFICATE-----\nproxy bytes\n-----END CERTIFICATE-----\n")
		require.NoError(t, os.WriteFile(credPath, contents, 0o600))
		writeEnviron(t, procDir, 4242, "X509_USER_PROXY="+credPath)

		req := &authz.Request{PID: 4242, UID: 1000, GID: 1000}
		file, buf, err := f.Fetch(ctx, req)
		require.NoError(t, err)
		defer file.Close()

		assert.Equal(t, contents, buf)

		// The handle is rewound; re-reading it yields the same bytes.
		offset, err := file.Seek(0, io.SeekCurrent)
		require.NoError(t, err)
		assert.EqualValues(t, 0, offset)
		reread, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, contents, reread)
	})

	t.Run("fetch_is_idempotent", func(t *testing.T) {
		f, procDir := newTestFetcher(t, 0)
		credPath := filepath.Join(t.TempDir(), "proxy")
		require.NoError(t, os.WriteFile(credPath, []byte("same bytes"), 0o600))
		writeEnviron(t, procDir, 7, "X509_USER_PROXY="+credPath)

		req := &authz.Request{PID: 7, UID: 1000, GID: 1000}

		file1, buf1, err := f.Fetch(ctx, req)
		require.NoError(t, err)
		require.NoError(t, file1.Close())

		file2, buf2, err := f.Fetch(ctx, req)
		require.NoError(t, err)
		require.NoError(t, file2.Close())

		assert.Equal(t, buf1, buf2)
	})

	t.Run("no_override_no_default_file", func(t *testing.T) {
		f, procDir := newTestFetcher(t, 0)
		writeEnviron(t, procDir, 4242, "PATH=/usr/bin")

		// A uid nothing on the test host uses; the default location
		// cannot exist.
		req := &authz.Request{PID: 4242, UID: 987654321, GID: 987654321}
		file, buf, err := f.Fetch(ctx, req)
		assert.ErrorIs(t, err, ErrNoCredential)
		assert.Nil(t, file)
		assert.Nil(t, buf)
	})

	t.Run("truncated_override_reports_no_credential", func(t *testing.T) {
		f, procDir := newTestFetcher(t, 0)
		long := "/" + strings.Repeat("x", maxPathLen)
		writeEnviron(t, procDir, 4242, "X509_USER_PROXY="+long)

		req := &authz.Request{PID: 4242, UID: 1000, GID: 1000}
		_, _, err := f.Fetch(ctx, req)
		assert.ErrorIs(t, err, ErrNoCredential)
	})

	t.Run("credential_over_size_limit", func(t *testing.T) {
		f, procDir := newTestFetcher(t, 16)
		credPath := filepath.Join(t.TempDir(), "huge")
		require.NoError(t, os.WriteFile(credPath, make([]byte, 64), 0o600))
		writeEnviron(t, procDir, 4242, "X509_USER_PROXY="+credPath)

		req := &authz.Request{PID: 4242, UID: 1000, GID: 1000}
		_, _, err := f.Fetch(ctx, req)
		assert.ErrorIs(t, err, ErrNoCredential)
		assert.ErrorContains(t, err, "size limit")
	})

	t.Run("multi_chunk_read", func(t *testing.T) {
		f, procDir := newTestFetcher(t, 0)
		contents := make([]byte, 3*readChunkSize+17)
		for i := range contents {
			contents[i] = byte(i % 251)
		}
		credPath := filepath.Join(t.TempDir(), "big")
		require.NoError(t, os.WriteFile(credPath, contents, 0o600))
		writeEnviron(t, procDir, 4242, "X509_USER_PROXY="+credPath)

		req := &authz.Request{PID: 4242, UID: 1000, GID: 1000}
		file, buf, err := f.Fetch(ctx, req)
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, contents, buf)
	})
}

func TestFetcher_ImpersonationTarget(t *testing.T) {
	// The open must be attributed to the request's identity.
	f, procDir := newTestFetcher(t, 0)
	credPath := filepath.Join(t.TempDir(), "proxy")
	require.NoError(t, os.WriteFile(credPath, []byte("x"), 0o600))
	writeEnviron(t, procDir, 31337, "X509_USER_PROXY="+credPath)

	mock := &privtesting.MockManager{}
	f.priv = mock
	f.resolver.priv = mock

	req := &authz.Request{PID: 31337, UID: 1234, GID: 5678}
	file, _, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	require.Len(t, mock.IdentityCalls, 1)
	assert.Equal(t, 31337, mock.IdentityCalls[0].PID)
	assert.Equal(t, 1234, mock.IdentityCalls[0].UID)
	assert.Equal(t, 5678, mock.IdentityCalls[0].GID)
	assert.Equal(t, credPath, mock.IdentityCalls[0].Path)
}
