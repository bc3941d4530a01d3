package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	port := freePort(t)
	t.Setenv("REMEDYD_SERVER_HTTP_PORT", fmt.Sprint(port))
	t.Setenv("REMEDYD_SERVER_HTTP_HOST", "127.0.0.1")
	t.Setenv("REMEDYD_INTAKE_ALLOW_UNSIGNED", "true")
	t.Setenv("REMEDYD_GITHUB_TOKEN", "test-token")
	t.Setenv("REMEDYD_PROPOSER_PROVIDER", "openai")
	t.Setenv("REMEDYD_MEMORY_PATH", t.TempDir())
	t.Setenv("REMEDYD_VALIDATOR_WORK_DIR", t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "")
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(base + "/api/v1/remediations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}

func TestRun_InvalidConfiguration(t *testing.T) {
	t.Setenv("REMEDYD_PIPELINE_MAX_ATTEMPTS", "-1")
	t.Setenv("REMEDYD_INTAKE_ALLOW_UNSIGNED", "true")

	err := run(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestGithubCredentials(t *testing.T) {
	logger := logging.NewNop()

	t.Run("static token", func(t *testing.T) {
		cfg := config.Default()
		cfg.GitHub.Token = "ghp_static"

		creds, app, err := githubCredentials(cfg, logger)
		require.NoError(t, err)
		assert.Nil(t, app)
		tok, err := creds.Token(context.Background(), "acme/api")
		require.NoError(t, err)
		assert.Equal(t, "ghp_static", tok)
	})

	t.Run("app key file", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "app.pem")
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

		cfg := config.Default()
		cfg.GitHub.AppID = 12
		cfg.GitHub.AppPrivateKeyPath = path

		creds, app, err := githubCredentials(cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, app)
		assert.Same(t, app, creds)
	})

	t.Run("missing key file", func(t *testing.T) {
		cfg := config.Default()
		cfg.GitHub.AppID = 12
		cfg.GitHub.AppPrivateKeyPath = filepath.Join(t.TempDir(), "absent.pem")

		_, _, err := githubCredentials(cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading app private key")
	})
}
