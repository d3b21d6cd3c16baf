package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dantte-lp/ovn-bgp-agent/internal/agent"
)

// Client calls the admin service.
type Client struct {
	getState *connect.Client[emptypb.Empty, structpb.Struct]
	resync   *connect.Client[wrapperspb.StringValue, emptypb.Empty]
}

// NewClient returns a client for the admin service at baseURL
// (e.g. "http://127.0.0.1:50052").
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		getState: connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+GetStateProcedure, opts...),
		resync:   connect.NewClient[wrapperspb.StringValue, emptypb.Empty](httpClient, baseURL+ResyncProcedure, opts...),
	}
}

// NewDefaultClient returns a client using http.DefaultClient.
func NewDefaultClient(baseURL string) *Client {
	return NewClient(http.DefaultClient, baseURL)
}

// State fetches the routing state.
func (c *Client) State(ctx context.Context) (agent.Snapshot, error) {
	resp, err := c.getState.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return agent.Snapshot{}, fmt.Errorf("get state: %w", err)
	}

	raw, err := protojson.Marshal(resp.Msg)
	if err != nil {
		return agent.Snapshot{}, fmt.Errorf("get state: %w: %w", ErrEncodeState, err)
	}
	var snap agent.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return agent.Snapshot{}, fmt.Errorf("get state: %w: %w", ErrEncodeState, err)
	}
	return snap, nil
}

// Resync queues a full resync with the given reason.
func (c *Client) Resync(ctx context.Context, reason string) error {
	if _, err := c.resync.CallUnary(ctx, connect.NewRequest(wrapperspb.String(reason))); err != nil {
		return fmt.Errorf("request resync: %w", err)
	}
	return nil
}
