// Package testredis runs disposable RESP servers for cache tests.
package testredis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Server is a running RESP endpoint.
type Server struct {
	// Addr is host:port.
	Addr string
}

// URL returns the redis:// URL of the server.
func (s Server) URL() string { return "redis://" + s.Addr }

// StartRedis starts a Redis container that is terminated when the test ends.
// Tests calling it are skipped in -short mode.
func StartRedis(tb testing.TB) Server {
	tb.Helper()
	if testing.Short() {
		tb.Skip("requires docker")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start redis container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate redis container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		tb.Fatalf("resolve redis endpoint: %v", err)
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		tb.Fatalf("unexpected redis endpoint %q: %v", endpoint, err)
	}
	return Server{Addr: endpoint}
}
