package catalog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/memorylog"
)

// flakyBackend reports a lost race for the next failures appends to the
// catalog shard without touching the log.
type flakyBackend struct {
	sharedlog.Backend
	failures atomic.Int32
}

func (b *flakyBackend) CompareAndAppend(ctx context.Context, id sharedlog.ShardID, req sharedlog.AppendRequest) error {
	if id == CatalogShardID(testOrg) && b.failures.Add(-1) >= 0 {
		current, err := b.Backend.Upper(ctx, id)
		if err != nil {
			return err
		}
		return &sharedlog.UpperMismatch{Expected: req.Expected, Current: current}
	}
	return b.Backend.CompareAndAppend(ctx, id, req)
}

func newFlakyClient(t *testing.T) (*sharedlog.Client, *flakyBackend) {
	t.Helper()
	mem := memorylog.NewMemoryLog()
	t.Cleanup(func() { _ = mem.Close() })
	b := &flakyBackend{Backend: mem}
	return sharedlog.NewClient(b, testVersion), b
}

// racingBackend runs race once, just before the next non-empty append to the
// catalog shard reaches the log.
type racingBackend struct {
	sharedlog.Backend
	race atomic.Pointer[func()]
}

func (b *racingBackend) CompareAndAppend(ctx context.Context, id sharedlog.ShardID, req sharedlog.AppendRequest) error {
	if id == CatalogShardID(testOrg) && len(req.Updates) > 0 {
		if race := b.race.Swap(nil); race != nil {
			(*race)()
		}
	}
	return b.Backend.CompareAndAppend(ctx, id, req)
}

func TestDebugEditAfterConcurrentOpen(t *testing.T) {
	ctx := context.Background()
	mem := memorylog.NewMemoryLog()
	t.Cleanup(func() { _ = mem.Close() })
	backend := &racingBackend{Backend: mem}
	client := sharedlog.NewClient(backend, testVersion)
	openWritable(t, client)

	d := newUnopened(t, client).OpenDebug(DebugRetry{MaxInterval: 10 * time.Millisecond})
	var racer *State
	race := func() { racer = openWritable(t, client) }
	backend.race.Store(&race)

	prev, found, err := d.DebugEdit(ctx, CollectionSetting, "k", "v")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, prev)
	require.NotNil(t, racer)
	require.Equal(t, Epoch(2), racer.Epoch())
	require.True(t, IsFence(racer.ConfirmLeadership(ctx)))

	u := newUnopened(t, client)
	epoch, err := u.Epoch(ctx)
	require.NoError(t, err)
	require.Equal(t, Epoch(3), epoch)

	trace, err := u.TraceConsolidated(ctx)
	require.NoError(t, err)
	require.Len(t, trace[CollectionSetting], 1)
	require.Equal(t, TraceEntry{Key: "k", Value: "v", TS: trace[CollectionSetting][0].TS, Diff: 1}, trace[CollectionSetting][0])
}

func TestDebugEditThenEdit(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	w := openWritable(t, client)

	d := newUnopened(t, client).OpenDebug(DebugRetry{})
	prev, found, err := d.DebugEdit(ctx, CollectionSetting, "k", "v1")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, prev)

	prev, found, err = d.DebugEdit(ctx, CollectionSetting, "k", "v2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", prev)

	// The writer was fenced out by the first edit.
	require.True(t, IsFence(w.ConfirmLeadership(ctx)))

	u := newUnopened(t, client)
	epoch, err := u.Epoch(ctx)
	require.NoError(t, err)
	require.Equal(t, Epoch(3), epoch)

	trace, err := u.TraceUnconsolidated(ctx)
	require.NoError(t, err)
	settings := trace[CollectionSetting]
	require.Len(t, settings, 3)
	require.Equal(t, TraceEntry{Key: "k", Value: "v1", TS: settings[0].TS, Diff: 1}, settings[0])

	// Each edit retracts the previous epoch and inserts the next one.
	var epochs []string
	var diffs []sharedlog.Diff
	for _, e := range trace[CollectionEpoch] {
		epochs = append(epochs, e.Value)
		diffs = append(diffs, e.Diff)
	}
	require.Equal(t, []string{"1", "1", "2", "2", "3"}, epochs)
	require.Equal(t, []sharedlog.Diff{1, -1, 1, -1, 1}, diffs)

	s, err := u.OpenReadOnly(ctx, nil)
	require.NoError(t, err)
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	v, ok := snap.Get(CollectionSetting, "k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
}

func TestDebugDelete(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	w := openWritable(t, client)
	require.NoError(t, w.CommitTransaction(ctx, []Change{Insert(setting("k", "v"))}))

	d := newUnopened(t, client).OpenDebug(DebugRetry{})
	require.NoError(t, d.DebugDelete(ctx, CollectionSetting, "k"))
	// Deleting a missing key still bumps the epoch.
	require.NoError(t, d.DebugDelete(ctx, CollectionSetting, "missing"))

	trace, err := newUnopened(t, client).TraceConsolidated(ctx)
	require.NoError(t, err)
	require.Empty(t, trace[CollectionSetting])
	require.Len(t, trace[CollectionEpoch], 1)
	require.Equal(t, "3", trace[CollectionEpoch][0].Value)
}

func TestDebugEditRejectsInvalidValues(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	openWritable(t, client)
	d := newUnopened(t, client).OpenDebug(DebugRetry{})

	_, _, err := d.DebugEdit(ctx, CollectionConfig, UserVersionKey, "not a number")
	require.Error(t, err)
	_, _, err = d.DebugEdit(ctx, CollectionEpoch, "", "9")
	require.Error(t, err)
	require.Error(t, d.DebugDelete(ctx, CollectionEpoch, ""))
}

func TestDebugEditOfUninitializedCatalog(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	d := newUnopened(t, client).OpenDebug(DebugRetry{MaxElapsed: time.Second})
	_, _, err := d.DebugEdit(ctx, CollectionSetting, "k", "v")
	require.ErrorIs(t, err, ErrUninitialized)
}

func TestDebugEditRetriesLostRace(t *testing.T) {
	ctx := context.Background()
	client, backend := newFlakyClient(t)
	openWritable(t, client)

	u := newUnopened(t, client)
	before, err := u.Epoch(ctx)
	require.NoError(t, err)

	backend.failures.Store(2)
	d := u.OpenDebug(DebugRetry{MaxInterval: 10 * time.Millisecond})
	_, _, err = d.DebugEdit(ctx, CollectionSetting, "k", "v")
	require.NoError(t, err)

	// Lost attempts do not leak epoch bumps.
	after, err := newUnopened(t, client).Epoch(ctx)
	require.NoError(t, err)
	require.Equal(t, before+1, after)
}

func TestDebugEditGivesUp(t *testing.T) {
	ctx := context.Background()
	client, backend := newFlakyClient(t)
	openWritable(t, client)
	u := newUnopened(t, client)

	backend.failures.Store(1 << 30)
	d := u.OpenDebug(DebugRetry{MaxElapsed: 100 * time.Millisecond, MaxInterval: 10 * time.Millisecond})
	start := time.Now()
	_, _, err := d.DebugEdit(ctx, CollectionSetting, "k", "v")
	require.True(t, IsFence(err))
	require.Less(t, time.Since(start), 5*time.Second)

	epoch, err := u.Epoch(ctx)
	require.NoError(t, err)
	require.Equal(t, MinEpoch, epoch)
}
