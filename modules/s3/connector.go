package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the storage endpoint and credentials.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// ConfigFromEnv reads STAGEGRID_S3_* variables.
func ConfigFromEnv() (Config, error) {
	useSSL := false
	if raw := strings.TrimSpace(os.Getenv("STAGEGRID_S3_USE_SSL")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("STAGEGRID_S3_USE_SSL must be a boolean: %w", err)
		}
		useSSL = v
	}
	cfg := Config{
		Endpoint:  envOr("STAGEGRID_S3_ENDPOINT", "localhost:9000"),
		AccessKey: os.Getenv("STAGEGRID_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("STAGEGRID_S3_SECRET_KEY"),
		Region:    envOr("STAGEGRID_S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
	}
	return cfg, cfg.Validate()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("s3 endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("s3 endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("s3 access key and secret key are required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("s3 region is required")
	}
	return nil
}

// Connector opens minio clients for a dependency's pool. The configuration
// is read from the environment on first use unless Config is set.
type Connector struct {
	Config *Config
}

// Connect creates a client. No request is made until the client is used.
func (c *Connector) Connect(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cfg Config
	if c.Config != nil {
		cfg = *c.Config
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		var err error
		if cfg, err = ConfigFromEnv(); err != nil {
			return nil, err
		}
	}
	transport := newTransport()
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client for %s: %w", cfg.Endpoint, err)
	}
	return &Conn{Client: client, transport: transport}, nil
}

// Close releases the client's idle connections.
func (c *Connector) Close(conn any) {
	if sc, ok := conn.(*Conn); ok {
		sc.transport.CloseIdleConnections()
	}
}

// Conn is a pooled storage client.
type Conn struct {
	Client    *minio.Client
	transport *http.Transport
}

func connFrom(conn any) (*Conn, error) {
	sc, ok := conn.(*Conn)
	if !ok || sc == nil {
		return nil, fmt.Errorf("s3 bindings need a pooled s3 connection, got %T; declare a dependency with pool connector \"s3\"", conn)
	}
	return sc, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
