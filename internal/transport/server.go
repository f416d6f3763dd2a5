// Package transport moves update messages between replicas over gRPC. The
// service is declared by hand and uses a JSON codec, so no generated stubs
// are needed.
package transport

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devrev/pairdb/replication/internal/csn"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/validation"
)

const (
	serviceName     = "replication.Broker"
	methodPublish   = "/" + serviceName + "/Publish"
	methodGetState  = "/" + serviceName + "/GetState"
	methodNamePub   = "Publish"
	methodNameState = "GetState"
)

// PublishRequest carries one update to a peer.
type PublishRequest struct {
	Update   *model.UpdateMsg `json:"update"`
	Recovery bool             `json:"recovery,omitempty"`
}

// PublishResponse tells whether the peer accepted the update. Duplicates
// are not accepted but are not an error either.
type PublishResponse struct {
	Accepted bool `json:"accepted"`
}

// StateRequest asks a peer for its server state.
type StateRequest struct{}

// StateResponse is a peer's server state in its encoded form.
type StateResponse struct {
	State []string `json:"state"`
}

// Receiver is the replica side of the transport.
type Receiver interface {
	ProcessUpdate(ctx context.Context, msg *model.UpdateMsg) (bool, error)
	ServerState() *csn.ServerState
}

type brokerServer interface {
	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
	GetState(ctx context.Context, req *StateRequest) (*StateResponse, error)
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(brokerServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublish}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(brokerServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(brokerServer).GetState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetState}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(brokerServer).GetState(ctx, req.(*StateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*brokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodNamePub, Handler: publishHandler},
		{MethodName: methodNameState, Handler: getStateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replication/broker",
}

// Server accepts updates published by peers.
type Server struct {
	receiver  Receiver
	validator *validation.Validator
	grpc      *grpc.Server
	logger    *zap.Logger
}

// NewServer creates a server delivering updates to receiver.
func NewServer(receiver Receiver, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		receiver:  receiver,
		validator: validation.NewValidator(),
		grpc:      grpc.NewServer(opts...),
		logger:    logger,
	}
	s.grpc.RegisterService(&brokerServiceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Replication transport listening", zap.String("address", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Publish implements the Publish RPC.
func (s *Server) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	if err := s.validator.ValidateUpdate(req.Update); err != nil {
		s.logger.Warn("Rejected invalid update", zap.Error(err))
		return nil, replerrors.ToGRPCError(err)
	}

	accepted, err := s.receiver.ProcessUpdate(ctx, req.Update)
	if err != nil {
		s.logger.Warn("Failed to process published update",
			zap.String("csn", req.Update.CSN.String()),
			zap.Bool("recovery", req.Recovery),
			zap.Error(err))
		return nil, replerrors.ToGRPCError(err)
	}
	return &PublishResponse{Accepted: accepted}, nil
}

// GetState implements the GetState RPC.
func (s *Server) GetState(_ context.Context, _ *StateRequest) (*StateResponse, error) {
	return &StateResponse{State: s.receiver.ServerState().Encode()}, nil
}
