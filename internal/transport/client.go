package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/synergy-network/synergy-node/internal/models"
)

// ErrNoEndpoint is returned when a validator has no dialable endpoint.
var ErrNoEndpoint = errors.New("validator has no endpoint")

// Directory resolves a validator ID to its declared endpoint.
type Directory interface {
	Endpoint(validatorID string) (string, error)
}

// DirectoryFunc adapts a function to a Directory.
type DirectoryFunc func(validatorID string) (string, error)

// Endpoint calls f(validatorID).
func (f DirectoryFunc) Endpoint(validatorID string) (string, error) {
	return f(validatorID)
}

// ClientConfig configures the peer client pool.
type ClientConfig struct {
	// CallTimeout bounds each delivery attempt.
	CallTimeout time.Duration
	// MaxRetries is the number of extra attempts on retryable failures.
	MaxRetries int
	// Fanout limits concurrent deliveries during a broadcast.
	Fanout        int
	KeepaliveTime time.Duration
	// DialOptions are appended to the defaults, e.g. a bufconn dialer.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns default client settings.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		CallTimeout:   5 * time.Second,
		MaxRetries:    2,
		Fanout:        16,
		KeepaliveTime: 30 * time.Second,
	}
}

// Client keeps one connection per peer endpoint and delivers envelopes.
type Client struct {
	cfg    *ClientConfig
	dir    Directory
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a client pool resolving peers through dir.
func NewClient(cfg *ClientConfig, dir Directory, logger *slog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		dir:    dir,
		logger: logger.With("component", "transport_client"),
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// DialTarget converts a declared endpoint into a gRPC target. Multiaddrs
// become host:port; anything else is used as-is.
func DialTarget(endpoint string) (string, error) {
	if endpoint == "" {
		return "", ErrNoEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		return endpoint, nil
	}
	addr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	hostPort, err := models.EndpointHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	return hostPort, nil
}

func (c *Client) conn(validatorID string) (*grpc.ClientConn, error) {
	endpoint, err := c.dir.Endpoint(validatorID)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", validatorID, err)
	}
	target, err := DialTarget(endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", validatorID, err)
	}

	c.mu.RLock()
	cc, ok := c.conns[target]
	c.mu.RUnlock()
	if ok {
		return cc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[target]; ok {
		return cc, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.cfg.KeepaliveTime,
			Timeout:             c.cfg.CallTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, c.cfg.DialOptions...)

	cc, err = grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s at %s: %w", validatorID, target, err)
	}
	c.conns[target] = cc
	c.logger.Debug("peer connection created", "validator_id", validatorID, "target", target)
	return cc, nil
}

// SendToValidator delivers env to one validator, retrying transient
// failures. It returns whether the receiver accepted the message.
func (c *Client) SendToValidator(ctx context.Context, validatorID string, env *Envelope) (bool, error) {
	cc, err := c.conn(validatorID)
	if err != nil {
		return false, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		ack := new(Ack)
		err := cc.Invoke(callCtx, DeliverMethod, env, ack)
		cancel()
		if err == nil {
			return ack.Accepted, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return false, fmt.Errorf("delivering to %s: %w", validatorID, err)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	return false, fmt.Errorf("delivering to %s failed after %d attempts: %w", validatorID, c.cfg.MaxRetries+1, lastErr)
}

// BroadcastToCluster delivers env to every member except the sender. All
// members are attempted; the failures are joined into the returned error.
func (c *Client) BroadcastToCluster(ctx context.Context, members []string, env *Envelope) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(c.cfg.Fanout)

	for _, id := range members {
		if id == env.Sender {
			continue
		}
		g.Go(func() error {
			if _, err := c.SendToValidator(ctx, id, env); err != nil {
				c.logger.Warn("broadcast delivery failed",
					"cluster_id", env.ClusterID,
					"validator_id", id,
					"kind", env.Kind.String(),
					"error", err,
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every peer connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for target, cc := range c.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", target, err))
		}
		delete(c.conns, target)
	}
	return errors.Join(errs...)
}

// isRetryableError reports whether a delivery may succeed if repeated.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
