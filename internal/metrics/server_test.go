package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	server := NewServer(9091, zerolog.Nop())
	assert.NotNil(t, server)
	assert.Equal(t, 9091, server.port)
	assert.Nil(t, server.server)
}

func TestServerStartAndScrape(t *testing.T) {
	port := 19912
	server := NewServer(port, zerolog.Nop())

	require.NoError(t, server.Start())
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")

	health, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}

func TestShutdownBeforeStart(t *testing.T) {
	server := NewServer(19913, zerolog.Nop())
	assert.NoError(t, server.Shutdown(context.Background()))
}
