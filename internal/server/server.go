// Package server implements the agent's admin surface: the ConnectRPC
// AgentService, its plain HTTP/JSON mirror under /v1/ and gRPC health
// checking, served over h2c on one listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dantte-lp/ovn-bgp-agent/internal/agent"
)

// ServiceName is the fully qualified name of the admin service.
const ServiceName = "ovnbgpagent.v1.AgentService"

// Procedures of the admin service.
const (
	GetStateProcedure = "/" + ServiceName + "/GetState"
	ResyncProcedure   = "/" + ServiceName + "/Resync"
)

// Plain HTTP routes.
const (
	StatePath  = "/v1/state"
	ResyncPath = "/v1/resync"
)

// defaultResyncReason is used when a resync request carries no reason.
const defaultResyncReason = "admin request"

var (
	// ErrEncodeState indicates the routing state could not be encoded.
	ErrEncodeState = errors.New("encode routing state")

	// ErrUnknownService indicates a health check for a service not served
	// here.
	ErrUnknownService = errors.New("unknown service")
)

// StateSource returns the current routing state.
type StateSource interface {
	Snapshot() agent.Snapshot
}

// ResyncRequester queues a full resync.
type ResyncRequester interface {
	RequestResync(reason string)
}

// Server serves the admin API.
type Server struct {
	state  StateSource
	resync ResyncRequester
	logger *slog.Logger
}

// New creates the admin server.
func New(state StateSource, resync ResyncRequester, logger *slog.Logger) *Server {
	return &Server{
		state:  state,
		resync: resync,
		logger: logger.With(slog.String("component", "server.admin")),
	}
}

// Handler returns the h2c handler carrying the ConnectRPC procedures, the
// /v1/ routes and grpc.health.v1. opts are applied to the ConnectRPC
// handlers.
func (s *Server) Handler(opts ...connect.HandlerOption) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(GetStateProcedure, connect.NewUnaryHandler(GetStateProcedure, s.GetState, opts...))
	mux.Handle(ResyncProcedure, connect.NewUnaryHandler(ResyncProcedure, s.Resync, opts...))

	rest := http.NewServeMux()
	rest.HandleFunc("GET "+StatePath, s.serveState)
	rest.HandleFunc("POST "+ResyncPath, s.serveResync)
	mux.Handle("/v1/", RecoveryMiddleware(s.logger, LoggingMiddleware(s.logger, rest)))

	mux.Handle(grpchealth.NewHandler(NewHealthChecker(s.state)))

	return h2c.NewHandler(mux, &http2.Server{})
}

// NewHTTPServer wraps Handler in an http.Server listening on addr.
func (s *Server) NewHTTPServer(addr string, opts ...connect.HandlerOption) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// ConnectRPC procedures
// -------------------------------------------------------------------------

// GetState returns the routing state as a JSON-shaped struct.
func (s *Server) GetState(
	_ context.Context,
	_ *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	st, err := snapshotStruct(s.state.Snapshot())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// Resync queues a full resync. The request value is the logged reason.
func (s *Server) Resync(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[emptypb.Empty], error) {
	s.requestResync(ctx, req.Msg.GetValue())
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Server) requestResync(ctx context.Context, reason string) {
	if reason == "" {
		reason = defaultResyncReason
	}
	s.logger.InfoContext(ctx, "resync requested", slog.String("reason", reason))
	s.resync.RequestResync(reason)
}

func snapshotStruct(snap agent.Snapshot) (*structpb.Struct, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeState, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeState, err)
	}
	return st, nil
}

// -------------------------------------------------------------------------
// Plain HTTP routes
// -------------------------------------------------------------------------

func (s *Server) serveState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.state.Snapshot()); err != nil {
		s.logger.Warn("failed to write state response", slog.String("error", err.Error()))
	}
}

func (s *Server) serveResync(w http.ResponseWriter, r *http.Request) {
	s.requestResync(r.Context(), r.URL.Query().Get("reason"))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte(`{"status":"queued"}` + "\n")); err != nil {
		s.logger.Warn("failed to write resync response", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Health
// -------------------------------------------------------------------------

// HealthChecker reports SERVING once a full resync has completed.
type HealthChecker struct {
	state StateSource
}

// NewHealthChecker returns a checker answering for the empty service and
// ServiceName.
func NewHealthChecker(state StateSource) *HealthChecker {
	return &HealthChecker{state: state}
}

// Check implements grpchealth.Checker.
func (h *HealthChecker) Check(_ context.Context, req *grpchealth.CheckRequest) (*grpchealth.CheckResponse, error) {
	if req.Service != "" && req.Service != ServiceName {
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("%w: %q", ErrUnknownService, req.Service))
	}
	if h.state.Snapshot().Resyncs == 0 {
		return &grpchealth.CheckResponse{Status: grpchealth.StatusNotServing}, nil
	}
	return &grpchealth.CheckResponse{Status: grpchealth.StatusServing}, nil
}
