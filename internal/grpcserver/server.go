package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"skyguide/internal/dispatch"
	"skyguide/internal/guide"
	"skyguide/internal/guider"
)

// Server implements skyguide.v1.Guider on top of a dispatch.Controller.
type Server struct {
	ctrl *dispatch.Controller
	log  *slog.Logger
}

// New creates the service.
func New(ctrl *dispatch.Controller, log *slog.Logger) *Server {
	return &Server{ctrl: ctrl, log: log}
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	RegisterGuiderServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down gRPC server...")
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String(), "service", ServiceName)
	return grpcServer.Serve(lis)
}

// statusError maps controller errors to gRPC status codes.
func statusError(err error) error {
	switch {
	case errors.Is(err, guider.ErrNotSuspended), errors.Is(err, guider.ErrNotGuiding):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, dispatch.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// Action runs the trigger named by the "action" field.
func (s *Server) Action(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["action"].GetStringValue()
	a, err := guider.ParseAction(name)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err := s.ctrl.Action(ctx, a); err != nil {
		return nil, statusError(err)
	}
	t, err := s.ctrl.Telemetry(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	s.log.Info("action accepted", "action", string(a), "transport", "grpc")
	return structpb.NewStruct(map[string]any{
		"action": string(a),
		"status": t.Status,
		"phase":  t.Phase,
	})
}

// Telemetry returns the current snapshot.
func (s *Server) Telemetry(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	t, err := s.ctrl.Telemetry(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	return ToStruct(t)
}

// SetParams replaces the guide parameters.
func (s *Server) SetParams(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var p guide.Params
	if err := FromStruct(req, &p); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := p.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.ctrl.SetParams(ctx, p); err != nil {
		return nil, statusError(err)
	}
	return ToStruct(p)
}

// Watch streams the latest snapshot, then every update, until the client leaves.
func (s *Server) Watch(_ *emptypb.Empty, stream Guider_WatchServer) error {
	updates, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	latest := s.ctrl.Loop().Latest()
	if err := s.send(stream, dispatch.Update{Kind: "telemetry", Time: latest.Time, Telemetry: &latest}); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return status.Error(codes.Unavailable, "guider stopped")
			}
			if err := s.send(stream, u); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream Guider_WatchServer, u dispatch.Update) error {
	msg, err := ToStruct(u)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(msg)
}

// Client is a thin convenience wrapper used by the CLI.
type Client struct {
	conn *grpc.ClientConn
	api  GuiderClient
}

// Dial connects to a skyguide gRPC endpoint.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, api: NewGuiderClient(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Action triggers a named action and returns the guider status.
func (c *Client) Action(ctx context.Context, action string) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"action": action})
	if err != nil {
		return nil, err
	}
	res, err := c.api.Action(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.AsMap(), nil
}

// Telemetry fetches the current snapshot.
func (c *Client) Telemetry(ctx context.Context) (guider.Telemetry, error) {
	var t guider.Telemetry
	res, err := c.api.Telemetry(ctx, &emptypb.Empty{})
	if err != nil {
		return t, err
	}
	err = FromStruct(res, &t)
	return t, err
}

// SetParams replaces the guide parameters.
func (c *Client) SetParams(ctx context.Context, p guide.Params) error {
	req, err := ToStruct(p)
	if err != nil {
		return err
	}
	_, err = c.api.SetParams(ctx, req)
	return err
}

// Watch calls fn for every update until ctx ends or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(dispatch.Update) error) error {
	stream, err := c.api.Watch(ctx, &emptypb.Empty{})
	if err != nil {
		return err
	}
	for {
		msg, err := stream.Recv()
		if err != nil {
			if status.Code(err) == codes.Canceled || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var u dispatch.Update
		if err := FromStruct(msg, &u); err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
}
