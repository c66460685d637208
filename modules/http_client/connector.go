package http_client

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// Connector opens *http.Client connections for a dependency's pool. Each
// pooled client owns its transport, so discarding an unhealthy client also
// drops its keep-alive connections.
type Connector struct {
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// Connect creates a client.
func (c *Connector) Connect(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.MaxIdleConns > 0 {
		transport.MaxIdleConns = c.MaxIdleConns
		transport.MaxIdleConnsPerHost = c.MaxIdleConns
	}
	if c.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = c.IdleConnTimeout
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// Close releases the client's idle connections.
func (c *Connector) Close(conn any) {
	if client, ok := conn.(*http.Client); ok {
		client.CloseIdleConnections()
	}
}

func clientFrom(conn any) (*http.Client, error) {
	if conn == nil {
		return http.DefaultClient, nil
	}
	client, ok := conn.(*http.Client)
	if !ok {
		return nil, fmt.Errorf("http_request needs an *http.Client connection, got %T", conn)
	}
	return client, nil
}
