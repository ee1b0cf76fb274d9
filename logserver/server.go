package logserver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chn0318/catalogstore/sharedlog"
)

// ShardService is implemented by Server. It exists so that the service can be
// registered with a grpc.Server.
type ShardService interface {
	Upper(ctx context.Context, req *ShardRequest) (*UpperResponse, error)
	WaitForUpper(ctx context.Context, req *WaitForUpperRequest) (*UpperResponse, error)
	CompareAndAppend(ctx context.Context, req *CompareAndAppendRequest) (*CompareAndAppendResponse, error)
	Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error)
	Since(ctx context.Context, req *ShardRequest) (*SinceResponse, error)
	CompareAndDowngradeSince(ctx context.Context, req *CompareAndDowngradeSinceRequest) (*CompareAndDowngradeSinceResponse, error)
	ApplierVersion(ctx context.Context, req *ShardRequest) (*ApplierVersionResponse, error)
}

// Server exposes a sharedlog.Backend over gRPC.
type Server struct {
	backend sharedlog.Backend
}

func NewServer(backend sharedlog.Backend) *Server {
	return &Server{backend: backend}
}

// Register adds the shard service to gs.
func Register(gs *grpc.Server, s ShardService) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) Upper(ctx context.Context, req *ShardRequest) (*UpperResponse, error) {
	upper, err := s.backend.Upper(ctx, req.Shard)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &UpperResponse{Upper: upper}, nil
}

func (s *Server) WaitForUpper(ctx context.Context, req *WaitForUpperRequest) (*UpperResponse, error) {
	upper, err := s.backend.WaitForUpper(ctx, req.Shard, req.After)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &UpperResponse{Upper: upper}, nil
}

func (s *Server) CompareAndAppend(ctx context.Context, req *CompareAndAppendRequest) (*CompareAndAppendResponse, error) {
	err := s.backend.CompareAndAppend(ctx, req.Shard, req.Request)
	var mismatch *sharedlog.UpperMismatch
	if errors.As(err, &mismatch) {
		return &CompareAndAppendResponse{Mismatch: mismatch}, nil
	}
	if err != nil {
		return nil, ToStatus(err)
	}
	return &CompareAndAppendResponse{}, nil
}

func (s *Server) Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	updates, err := s.backend.Scan(ctx, req.Shard, req.Lower, req.Upper)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &ScanResponse{Updates: updates}, nil
}

func (s *Server) Since(ctx context.Context, req *ShardRequest) (*SinceResponse, error) {
	since, err := s.backend.Since(ctx, req.Shard)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &SinceResponse{Since: since}, nil
}

func (s *Server) CompareAndDowngradeSince(ctx context.Context, req *CompareAndDowngradeSinceRequest) (*CompareAndDowngradeSinceResponse, error) {
	since, err := s.backend.CompareAndDowngradeSince(ctx, req.Shard, req.Expected, req.Next)
	var mismatch *sharedlog.OpaqueMismatch
	if errors.As(err, &mismatch) {
		return &CompareAndDowngradeSinceResponse{Since: since, Mismatch: mismatch}, nil
	}
	if err != nil {
		return nil, ToStatus(err)
	}
	return &CompareAndDowngradeSinceResponse{Since: since}, nil
}

func (s *Server) ApplierVersion(ctx context.Context, req *ShardRequest) (*ApplierVersionResponse, error) {
	version, found, err := s.backend.ApplierVersion(ctx, req.Shard)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &ApplierVersionResponse{Version: version, Found: found}, nil
}

// ToStatus converts a backend error into a gRPC status error.
func ToStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, sharedlog.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// FromStatus is the inverse of ToStatus for the errors callers match on.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Unavailable:
		if st.Message() == sharedlog.ErrClosed.Error() {
			return sharedlog.ErrClosed
		}
	}
	return err
}

// LoggingInterceptor logs every call at debug level and failures at warn
// level.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	ev := log.Debug()
	if err != nil && code != codes.Canceled && code != codes.DeadlineExceeded {
		ev = log.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).Stringer("code", code).Dur("elapsed", time.Since(start)).Msg("shard rpc")
	return resp, err
}

// unary builds the method descriptor for call. Requests are decoded into the
// dynamic shardpb message named by the request type, and responses are sent
// as theirs, so the default proto codec carries both.
func unary[Req, Resp any, PReq interface {
	*Req
	Message
}, PResp interface {
	*Resp
	Message
}](method string, call func(ShardService, context.Context, PReq) (PResp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			wire := NewWire(in)
			if err := dec(wire.Interface()); err != nil {
				return nil, err
			}
			in.FromProto(wire)
			handle := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(ShardService), ctx, req.(PReq))
				if err != nil {
					return nil, err
				}
				return resp.ToProto().Interface(), nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, handle)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ShardService)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodUpper, ShardService.Upper),
		unary(MethodWaitForUpper, ShardService.WaitForUpper),
		unary(MethodCompareAndAppend, ShardService.CompareAndAppend),
		unary(MethodScan, ShardService.Scan),
		unary(MethodSince, ShardService.Since),
		unary(MethodCompareAndDowngradeSince, ShardService.CompareAndDowngradeSince),
		unary(MethodApplierVersion, ShardService.ApplierVersion),
	},
	Metadata: "logstore/shard.proto",
}
