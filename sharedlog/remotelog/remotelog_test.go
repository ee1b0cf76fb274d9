package remotelog

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/chn0318/catalogstore/catalog"
	"github.com/chn0318/catalogstore/logserver"
	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/logtest"
	"github.com/chn0318/catalogstore/sharedlog/memorylog"
	"github.com/chn0318/catalogstore/sharedlog/shardpb"
)

// serve starts a log server over an in-memory listener and returns a client
// backend connected to it.
func serve(t *testing.T, backend sharedlog.Backend) *RemoteLog {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(logserver.LoggingInterceptor))
	logserver.Register(gs, logserver.NewServer(backend))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() {
		gs.Stop()
		_ = backend.Close()
	})

	r, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	return r
}

func TestRemoteLog(t *testing.T) {
	logtest.Run(t, func(t *testing.T) sharedlog.Backend {
		return serve(t, memorylog.NewMemoryLog())
	})
}

func TestRemoteLogClosedBackend(t *testing.T) {
	backend := memorylog.NewMemoryLog()
	r := serve(t, backend)
	defer r.Close()
	require.NoError(t, backend.Close())

	_, err := r.Upper(context.Background(), "s0")
	require.ErrorIs(t, err, sharedlog.ErrClosed)
}

func TestRemoteLogCancelledWait(t *testing.T) {
	r := serve(t, memorylog.NewMemoryLog())
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.WaitForUpper(ctx, "s0", 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCatalogOverRemoteLog(t *testing.T) {
	ctx := context.Background()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	backend := memorylog.NewMemoryLog()
	logserver.Register(gs, logserver.NewServer(backend))
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	dial := func() *sharedlog.Client {
		r, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		return sharedlog.NewClient(r, "v0.1.0")
	}
	org := uuid.New()

	open := func(client *sharedlog.Client) *catalog.State {
		u, err := catalog.NewUnopenedState(ctx, client, org)
		require.NoError(t, err)
		s, err := u.Open(ctx, catalog.OpenArgs{})
		require.NoError(t, err)
		return s
	}

	a := open(dial())
	kind := catalog.StateUpdateKind{Collection: catalog.CollectionRole, Key: "r1", Value: "admin"}
	require.NoError(t, a.CommitTransaction(ctx, []catalog.Change{catalog.Insert(kind)}))

	b := open(dial())
	require.Equal(t, a.Epoch()+1, b.Epoch())
	require.True(t, catalog.IsFence(a.ConfirmLeadership(ctx)))

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	v, ok := snap.Get(catalog.CollectionRole, "r1")
	require.True(t, ok)
	require.Equal(t, "admin", v)
}

func TestWireMessagesAreProtobuf(t *testing.T) {
	ctx := context.Background()
	r := serve(t, memorylog.NewMemoryLog())
	defer r.Close()

	call := func(method string, req protoreflect.Message, resp string) protoreflect.Message {
		out := shardpb.New(resp)
		require.NoError(t, r.conn.Invoke(ctx, logserver.FullMethod(method), req.Interface(), out))
		return out
	}

	req := shardpb.New(shardpb.MsgCompareAndAppendRequest)
	shardpb.SetString(req, "shard", "s0")
	shardpb.SetMessage(req, "request", shardpb.FromAppendRequest(sharedlog.AppendRequest{
		Updates:  []sharedlog.Update{{Data: []byte("row"), TS: 0, Diff: 1}},
		Expected: 0,
		Next:     1,
		Version:  "v0.1.0",
	}))
	resp := call(logserver.MethodCompareAndAppend, req, shardpb.MsgCompareAndAppendResponse)
	_, lost := shardpb.Message(resp, "mismatch")
	require.False(t, lost)

	resp = call(logserver.MethodCompareAndAppend, req, shardpb.MsgCompareAndAppendResponse)
	mm, lost := shardpb.Message(resp, "mismatch")
	require.True(t, lost)
	require.Equal(t, uint64(1), shardpb.Uint64(mm, "current"))

	scan := shardpb.New(shardpb.MsgScanRequest)
	shardpb.SetString(scan, "shard", "s0")
	shardpb.SetUint64(scan, "upper", 1)
	resp = call(logserver.MethodScan, scan, shardpb.MsgScanResponse)
	require.Equal(t, []sharedlog.Update{{Data: []byte("row"), TS: 0, Diff: 1}}, shardpb.Updates(resp, "updates"))

	upper, err := r.Upper(ctx, "s0")
	require.NoError(t, err)
	require.Equal(t, sharedlog.Timestamp(1), upper)
}
