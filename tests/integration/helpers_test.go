package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	cryptossh "golang.org/x/crypto/ssh"
)

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// Demux the Docker stream (stdout/stderr are multiplexed)
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

// assertFileExists checks that a file exists in the container
func assertFileExists(t *testing.T, ctx context.Context, container testcontainers.Container, path string) {
	t.Helper()
	exitCode, _, err := execInContainer(ctx, container, []string{"test", "-e", path})
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode, "file %s should exist", path)
}

// assertFileContains checks that a file contains all expected substrings
func assertFileContains(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expected []string) {
	t.Helper()
	exitCode, content, err := execInContainer(ctx, container, []string{"cat", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to read file %s", path)

	for _, substr := range expected {
		assert.Contains(t, content, substr, "file %s should contain %q", path, substr)
	}
}

// assertFileMode checks that a file has the expected permission mode
func assertFileMode(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expectedMode string) {
	t.Helper()
	exitCode, mode, err := execInContainer(ctx, container, []string{"stat", "-c", "%a", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to stat file %s", path)

	assert.Equal(t, expectedMode, strings.TrimSpace(mode), "file %s should have mode %s", path, expectedMode)
}

// assertFileOwner checks that a file belongs to the expected user
func assertFileOwner(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expectedOwner string) {
	t.Helper()
	exitCode, owner, err := execInContainer(ctx, container, []string{"stat", "-c", "%U", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to stat file %s", path)

	assert.Equal(t, expectedOwner, strings.TrimSpace(owner), "file %s should be owned by %s", path, expectedOwner)
}

// assertIsFile checks that a path is a regular file
func assertIsFile(t *testing.T, ctx context.Context, container testcontainers.Container, path string) {
	t.Helper()
	exitCode, _, err := execInContainer(ctx, container, []string{"test", "-f", path})
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode, "%s should be a regular file", path)
}

// generateKey writes a fresh ed25519 private key to dir and returns its path
// and the authorized_keys line for it.
func generateKey(t *testing.T, dir string) (string, []byte) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sshPub, err := cryptossh.NewPublicKey(pub)
	require.NoError(t, err)

	block, err := cryptossh.MarshalPrivateKey(priv, "sshwrap integration")
	require.NoError(t, err)

	path := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	return path, cryptossh.MarshalAuthorizedKey(sshPub)
}

// freePort returns a local TCP port that was free a moment ago
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// readBanner dials addr and returns the first line the peer sends
func readBanner(addr string) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
