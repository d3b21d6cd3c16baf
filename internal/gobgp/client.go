// Package gobgp injects the agent's advertised prefixes into a running
// GoBGP daemon through its gRPC API.
//
// The handler consumes the engine's advertisement changes and adds or
// deletes the matching unicast paths. Prefixes that flap are dampened
// in the manner of RFC 2439 before they are announced again.
package gobgp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is the part of the GoBGP API the handler drives.
type Client interface {
	// AddPath announces prefix with nextHop in the global RIB.
	AddPath(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) error
	// DeletePath withdraws a path previously added with AddPath.
	DeletePath(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) error
	Close() error
}

var (
	// ErrClientClosed is returned by path updates after Close.
	ErrClientClosed = errors.New("gobgp client is closed")

	// ErrDialFailed indicates no gRPC client could be built for the address.
	ErrDialFailed = errors.New("gobgp gRPC dial failed")
)

// GRPCClientConfig holds connection parameters for the GoBGP gRPC client.
type GRPCClientConfig struct {
	// Addr is the GoBGP API address, usually "127.0.0.1:50051".
	Addr string

	// CallTimeout bounds each path update. Zero leaves the caller's
	// deadline in charge.
	CallTimeout time.Duration
}

// GRPCClient updates GoBGP's global RIB over an insecure local gRPC
// connection.
type GRPCClient struct {
	api     apipb.GobgpApiClient
	conn    *grpc.ClientConn
	timeout time.Duration
	closed  atomic.Bool
	logger  *slog.Logger
}

// NewGRPCClient builds a client for cfg.Addr. The connection is made lazily
// by the first path update.
func NewGRPCClient(cfg GRPCClientConfig, logger *slog.Logger) (*GRPCClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("gobgp client: %w: empty address", ErrDialFailed)
	}

	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("gobgp client %s: %w: %w", cfg.Addr, ErrDialFailed, err)
	}

	logger = logger.With(slog.String("component", "gobgp.client"), slog.String("addr", cfg.Addr))
	logger.Info("gobgp gRPC client ready", slog.Duration("call_timeout", cfg.CallTimeout))

	return &GRPCClient{
		api:     apipb.NewGobgpApiClient(conn),
		conn:    conn,
		timeout: cfg.CallTimeout,
		logger:  logger,
	}, nil
}

// AddPath announces prefix in GoBGP's global table.
func (c *GRPCClient) AddPath(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) error {
	return c.updatePath(ctx, "add", prefix, nextHop, func(ctx context.Context, p *apipb.Path) error {
		_, err := c.api.AddPath(ctx, &apipb.AddPathRequest{TableType: apipb.TableType_GLOBAL, Path: p})
		return err
	})
}

// DeletePath withdraws prefix from GoBGP's global table.
func (c *GRPCClient) DeletePath(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) error {
	return c.updatePath(ctx, "delete", prefix, nextHop, func(ctx context.Context, p *apipb.Path) error {
		_, err := c.api.DeletePath(ctx, &apipb.DeletePathRequest{
			TableType: apipb.TableType_GLOBAL,
			Family:    p.GetFamily(),
			Path:      p,
		})
		return err
	})
}

// updatePath builds the path for prefix and hands it to rpc under the
// configured call timeout.
func (c *GRPCClient) updatePath(
	ctx context.Context,
	op string,
	prefix netip.Prefix,
	nextHop netip.Addr,
	rpc func(context.Context, *apipb.Path) error,
) error {
	if c.closed.Load() {
		return fmt.Errorf("%s path %s: %w", op, prefix, ErrClientClosed)
	}

	path, err := NewPath(prefix, nextHop)
	if err != nil {
		return err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := rpc(ctx, path); err != nil {
		return fmt.Errorf("%s path %s via %s: %w", op, prefix, nextHop, err)
	}

	c.logger.Debug("path updated",
		slog.String("op", op),
		slog.String("prefix", prefix.String()),
		slog.String("next_hop", nextHop.String()),
	)
	return nil
}

// Close shuts the connection down. Later path updates fail with
// ErrClientClosed; closing twice is a no-op.
func (c *GRPCClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close gobgp client: %w", err)
	}
	c.logger.Info("gobgp gRPC client closed")
	return nil
}
