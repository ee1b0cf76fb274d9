// Package logtest is a conformance suite for sharedlog.Backend
// implementations.
package logtest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chn0318/catalogstore/sharedlog"
)

var testShard = sharedlog.NewShardID(uuid.MustParse("0d8f4a52-1b77-4c1e-a0c4-93d2c7e0b111"), 1)

// Run runs the suite. newBackend must return an empty Backend; the suite
// closes it.
func Run(t *testing.T, newBackend func(t *testing.T) sharedlog.Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b sharedlog.Backend)
	}{
		{"AppendAndScan", testAppendAndScan},
		{"UpperMismatch", testUpperMismatch},
		{"InvalidAppend", testInvalidAppend},
		{"ConcurrentAppendsRace", testConcurrentAppendsRace},
		{"WaitForUpper", testWaitForUpper},
		{"Since", testSince},
		{"ApplierVersion", testApplierVersion},
		{"ClientListen", testClientListen},
		{"ClientSnapshot", testClientSnapshot},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			tc.fn(t, b)
		})
	}
}

func update(data string, ts sharedlog.Timestamp, diff sharedlog.Diff) sharedlog.Update {
	return sharedlog.Update{Data: []byte(data), TS: ts, Diff: diff}
}

func appendAt(t *testing.T, b sharedlog.Backend, expected sharedlog.Timestamp, updates ...sharedlog.Update) {
	t.Helper()
	require.NoError(t, b.CompareAndAppend(context.Background(), testShard, sharedlog.AppendRequest{
		Updates:  updates,
		Expected: expected,
		Next:     expected + 1,
		Version:  "v0.1.0",
	}))
}

func testAppendAndScan(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	upper, err := b.Upper(ctx, testShard)
	require.NoError(t, err)
	require.Equal(t, sharedlog.Minimum, upper)

	appendAt(t, b, 0)
	appendAt(t, b, 1, update("a", 1, 1), update("b", 1, 1))
	appendAt(t, b, 2, update("a", 2, -1))

	upper, err = b.Upper(ctx, testShard)
	require.NoError(t, err)
	require.Equal(t, sharedlog.Timestamp(3), upper)

	all, err := b.Scan(ctx, testShard, 0, 3)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, sharedlog.Timestamp(2), all[2].TS)

	tail, err := b.Scan(ctx, testShard, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []sharedlog.Update{update("a", 2, -1)}, tail)
}

func testUpperMismatch(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	appendAt(t, b, 0)
	appendAt(t, b, 1)

	err := b.CompareAndAppend(ctx, testShard, sharedlog.AppendRequest{Expected: 1, Next: 2})
	var mismatch *sharedlog.UpperMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, sharedlog.Timestamp(1), mismatch.Expected)
	require.Equal(t, sharedlog.Timestamp(2), mismatch.Current)
}

func testInvalidAppend(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	require.Error(t, b.CompareAndAppend(ctx, testShard, sharedlog.AppendRequest{Expected: 0, Next: 0}))
	require.Error(t, b.CompareAndAppend(ctx, testShard, sharedlog.AppendRequest{
		Updates:  []sharedlog.Update{update("x", 5, 1)},
		Expected: 0,
		Next:     1,
	}))
	upper, err := b.Upper(ctx, testShard)
	require.NoError(t, err)
	require.Equal(t, sharedlog.Minimum, upper)
}

func testConcurrentAppendsRace(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	for ts := sharedlog.Timestamp(0); ts < 5; ts++ {
		appendAt(t, b, ts)
	}

	var wins, losses atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			err := b.CompareAndAppend(ctx, testShard, sharedlog.AppendRequest{
				Updates:  []sharedlog.Update{update("w", 5, 1)},
				Expected: 5,
				Next:     6,
			})
			var mismatch *sharedlog.UpperMismatch
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &mismatch):
				losses.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(7), losses.Load())

	rows, err := b.Scan(ctx, testShard, 5, 6)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func testWaitForUpper(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	appendAt(t, b, 0)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := b.WaitForUpper(short, testShard, 1)
	require.Error(t, err)

	done := make(chan sharedlog.Timestamp, 1)
	go func() {
		upper, err := b.WaitForUpper(ctx, testShard, 1)
		if err == nil {
			done <- upper
		}
		close(done)
	}()
	appendAt(t, b, 1)
	select {
	case upper := <-done:
		require.Equal(t, sharedlog.Timestamp(2), upper)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForUpper did not observe the append")
	}

	upper, err := b.WaitForUpper(ctx, testShard, 0)
	require.NoError(t, err)
	require.Equal(t, sharedlog.Timestamp(2), upper)
}

func testSince(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	since, err := b.Since(ctx, testShard)
	require.NoError(t, err)
	require.Equal(t, sharedlog.Since{}, since)

	since, err = b.CompareAndDowngradeSince(ctx, testShard, 0, sharedlog.Since{Opaque: 0, TS: 4})
	require.NoError(t, err)
	require.Equal(t, sharedlog.Timestamp(4), since.TS)

	// The since never regresses.
	since, err = b.CompareAndDowngradeSince(ctx, testShard, 0, sharedlog.Since{Opaque: 0, TS: 2})
	require.NoError(t, err)
	require.Equal(t, sharedlog.Timestamp(4), since.TS)

	_, err = b.CompareAndDowngradeSince(ctx, testShard, 9, sharedlog.Since{Opaque: 9, TS: 6})
	var mismatch *sharedlog.OpaqueMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, int64(0), mismatch.Current)
}

func testApplierVersion(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	_, ok, err := b.ApplierVersion(ctx, testShard)
	require.NoError(t, err)
	require.False(t, ok)

	for i, v := range []string{"v0.2.0", "v0.3.1", "v0.3.0"} {
		require.NoError(t, b.CompareAndAppend(ctx, testShard, sharedlog.AppendRequest{
			Expected: sharedlog.Timestamp(i),
			Next:     sharedlog.Timestamp(i + 1),
			Version:  v,
		}))
	}
	version, ok, err := b.ApplierVersion(ctx, testShard)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v0.3.1", version)
}

func testClientListen(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	client := sharedlog.NewClient(b, "v0.1.0")
	w, r, err := client.Open(ctx, testShard, sharedlog.Diagnostics{ShardName: "test", HandlePurpose: "listen"})
	require.NoError(t, err)
	require.NoError(t, w.CompareAndAppend(ctx, nil, 0, 1))

	l, err := r.Listen(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, sharedlog.Timestamp(1), l.Frontier())

	require.NoError(t, w.CompareAndAppend(ctx, []sharedlog.Update{update("a", 1, 1)}, 1, 2))
	require.NoError(t, w.CompareAndAppend(ctx, nil, 2, 3))

	events, err := l.FetchNext(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, sharedlog.EventUpdates, events[0].Kind)
	require.Equal(t, []sharedlog.Update{update("a", 1, 1)}, events[0].Updates)
	require.Equal(t, sharedlog.EventProgress, events[1].Kind)
	require.Equal(t, sharedlog.Timestamp(3), events[1].Upper)
	require.Equal(t, sharedlog.Timestamp(3), l.Frontier())

	// A cancelled fetch consumes nothing.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.FetchNext(short)
	require.Error(t, err)
	require.Equal(t, sharedlog.Timestamp(3), l.Frontier())

	l.Expire(ctx)
	_, err = l.FetchNext(ctx)
	require.ErrorIs(t, err, sharedlog.ErrExpired)
}

func testClientSnapshot(t *testing.T, b sharedlog.Backend) {
	ctx := context.Background()
	client := sharedlog.NewClient(b, "v0.1.0")
	w, r, err := client.Open(ctx, testShard, sharedlog.Diagnostics{ShardName: "test", HandlePurpose: "snapshot"})
	require.NoError(t, err)
	require.NoError(t, w.CompareAndAppend(ctx, []sharedlog.Update{update("a", 0, 1), update("b", 0, 1)}, 0, 1))
	require.NoError(t, w.CompareAndAppend(ctx, []sharedlog.Update{update("a", 1, -1), update("c", 1, 1)}, 1, 2))

	rows, err := r.SnapshotAndFetch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []sharedlog.Update{update("b", 1, 1), update("c", 1, 1)}, rows)

	rows, err = r.SnapshotAndStream(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	rows, err = r.SnapshotAndFetch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []sharedlog.Update{update("a", 0, 1), update("b", 0, 1)}, rows)

	sh, err := client.OpenCriticalSince(ctx, testShard, sharedlog.Diagnostics{})
	require.NoError(t, err)
	_, err = sh.MaybeCompareAndDowngradeSince(ctx, 0, sharedlog.Since{TS: 1})
	require.NoError(t, err)
	_, err = r.SnapshotAndFetch(ctx, 0)
	require.ErrorIs(t, err, sharedlog.ErrSinceAdvanced)
	_, err = r.Listen(ctx, 0)
	require.ErrorIs(t, err, sharedlog.ErrSinceAdvanced)
}
