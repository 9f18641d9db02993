package kms

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/project-ai/tarl/pkg/keystore"
	"github.com/project-ai/tarl/pkg/memcipher"
)

// Client errors.
var (
	ErrNotConnected = errors.New("kms client not connected")
	ErrClosed       = errors.New("kms client closed")
	ErrBadKey       = errors.New("key service returned invalid key material")
)

// Config holds key service client configuration.
type Config struct {
	// Endpoint is the key service gRPC endpoint (host:port).
	Endpoint string

	// KeyID names the key the service should issue material for.
	KeyID string

	// UseTLS enables transport security.
	UseTLS bool

	// Token is an optional per-RPC auth token.
	Token string

	// Timeout bounds each provisioning call.
	Timeout time.Duration
}

// DefaultConfig returns a client configuration with sane timeouts.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint: endpoint,
		UseTLS:   true,
		Timeout:  10 * time.Second,
	}
}

// Client fetches memory-cipher keys from a remote key service over gRPC.
// It implements Provider.
type Client struct {
	config Config

	mu     sync.Mutex
	conn   *grpc.ClientConn
	closed bool
}

// issueKeyRequest is a placeholder for the gRPC IssueKey message. In
// production this would be generated from the key service proto files; it is
// defined here to avoid a proto generation dependency.
type issueKeyRequest struct {
	KeyID   string `protobuf:"bytes,1,opt,name=key_id"`
	KeySize uint32 `protobuf:"varint,2,opt,name=key_size"`
}

func (x *issueKeyRequest) Reset()         { *x = issueKeyRequest{} }
func (x *issueKeyRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (x *issueKeyRequest) ProtoMessage()  {}

// issueKeyResponse is a placeholder for the gRPC IssueKey response message.
type issueKeyResponse struct {
	Key []byte `protobuf:"bytes,1,opt,name=key"`
}

func (x *issueKeyResponse) Reset()         { *x = issueKeyResponse{} }
func (x *issueKeyResponse) String() string { return "issueKeyResponse(redacted)" }
func (x *issueKeyResponse) ProtoMessage()  {}

// NewClient creates a key service client. The connection is established
// lazily on the first ProvisionKey call.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{config: cfg}
}

// connect dials the key service. Caller holds c.mu.
func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if c.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      c.config.Token,
			requireTLS: c.config.UseTLS,
		}))
	}

	// Dial the server using the legacy Dial API for compatibility
	//nolint:staticcheck // Using Dial for compatibility with older gRPC versions
	conn, err := grpc.Dial(c.config.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial key service: %w", err)
	}
	c.conn = conn
	return nil
}

// ProvisionKey implements Provider: it requests fresh key material from the
// key service and moves it into a locked key handle. The wire buffer is
// shredded before returning, whatever the outcome.
func (c *Client) ProvisionKey(ctx context.Context) (*keystore.KeyHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if err := c.connect(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	conn := c.conn
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req := &issueKeyRequest{
		KeyID:   c.config.KeyID,
		KeySize: memcipher.KeySize,
	}
	resp := &issueKeyResponse{}

	// In production this would use the generated KeyService client.
	if err := conn.Invoke(callCtx, "/tarl.KeyService/IssueKey", req, resp); err != nil {
		return nil, fmt.Errorf("issue key: %w", err)
	}
	defer keystore.Shred(resp.Key)

	if len(resp.Key) != memcipher.KeySize {
		return nil, ErrBadKey
	}

	// NewKeyHandle shreds its input; hand it a copy so the deferred shred
	// of resp.Key stays valid.
	buf := make([]byte, len(resp.Key))
	copy(buf, resp.Key)
	return keystore.NewKeyHandle(buf)
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"x-token": t.token}, nil
}

// RequireTransportSecurity reports whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}
