package remotelog

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chn0318/catalogstore/logserver"
	"github.com/chn0318/catalogstore/sharedlog"
)

// RemoteLog is a sharedlog.Backend served by a log server.
type RemoteLog struct {
	conn *grpc.ClientConn
}

// Dial connects to the log server at target. Extra options are appended to
// the default insecure transport.
func Dial(target string, opts ...grpc.DialOption) (*RemoteLog, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial log server %s: %w", target, err)
	}
	log.Debug().Str("target", target).Msg("connected to log server")
	return &RemoteLog{conn: conn}, nil
}

func (r *RemoteLog) invoke(ctx context.Context, method string, req, resp logserver.Message) error {
	out := logserver.NewWire(resp)
	if err := r.conn.Invoke(ctx, logserver.FullMethod(method), req.ToProto().Interface(), out.Interface()); err != nil {
		return logserver.FromStatus(err)
	}
	resp.FromProto(out)
	return nil
}

func (r *RemoteLog) Upper(ctx context.Context, id sharedlog.ShardID) (sharedlog.Timestamp, error) {
	var resp logserver.UpperResponse
	if err := r.invoke(ctx, logserver.MethodUpper, &logserver.ShardRequest{Shard: id}, &resp); err != nil {
		return 0, err
	}
	return resp.Upper, nil
}

func (r *RemoteLog) WaitForUpper(ctx context.Context, id sharedlog.ShardID, after sharedlog.Timestamp) (sharedlog.Timestamp, error) {
	var resp logserver.UpperResponse
	if err := r.invoke(ctx, logserver.MethodWaitForUpper, &logserver.WaitForUpperRequest{Shard: id, After: after}, &resp); err != nil {
		return 0, err
	}
	return resp.Upper, nil
}

func (r *RemoteLog) CompareAndAppend(ctx context.Context, id sharedlog.ShardID, req sharedlog.AppendRequest) error {
	var resp logserver.CompareAndAppendResponse
	if err := r.invoke(ctx, logserver.MethodCompareAndAppend, &logserver.CompareAndAppendRequest{Shard: id, Request: req}, &resp); err != nil {
		return err
	}
	if resp.Mismatch != nil {
		return resp.Mismatch
	}
	return nil
}

func (r *RemoteLog) Scan(ctx context.Context, id sharedlog.ShardID, lower, upper sharedlog.Timestamp) ([]sharedlog.Update, error) {
	var resp logserver.ScanResponse
	if err := r.invoke(ctx, logserver.MethodScan, &logserver.ScanRequest{Shard: id, Lower: lower, Upper: upper}, &resp); err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

func (r *RemoteLog) Since(ctx context.Context, id sharedlog.ShardID) (sharedlog.Since, error) {
	var resp logserver.SinceResponse
	if err := r.invoke(ctx, logserver.MethodSince, &logserver.ShardRequest{Shard: id}, &resp); err != nil {
		return sharedlog.Since{}, err
	}
	return resp.Since, nil
}

func (r *RemoteLog) CompareAndDowngradeSince(ctx context.Context, id sharedlog.ShardID, expected int64, next sharedlog.Since) (sharedlog.Since, error) {
	var resp logserver.CompareAndDowngradeSinceResponse
	req := &logserver.CompareAndDowngradeSinceRequest{Shard: id, Expected: expected, Next: next}
	if err := r.invoke(ctx, logserver.MethodCompareAndDowngradeSince, req, &resp); err != nil {
		return sharedlog.Since{}, err
	}
	if resp.Mismatch != nil {
		return resp.Since, resp.Mismatch
	}
	return resp.Since, nil
}

func (r *RemoteLog) ApplierVersion(ctx context.Context, id sharedlog.ShardID) (string, bool, error) {
	var resp logserver.ApplierVersionResponse
	if err := r.invoke(ctx, logserver.MethodApplierVersion, &logserver.ShardRequest{Shard: id}, &resp); err != nil {
		return "", false, err
	}
	return resp.Version, resp.Found, nil
}

// Close closes the connection. The server and its shards are unaffected.
func (r *RemoteLog) Close() error {
	return r.conn.Close()
}
