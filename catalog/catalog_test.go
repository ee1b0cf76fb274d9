package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/memorylog"
)

const testVersion = "v0.4.0"

var testOrg = uuid.MustParse("6c1f2a3e-8d0b-4f6e-9a51-2b7c3d4e5f60")

func newTestClient(t *testing.T) *sharedlog.Client {
	t.Helper()
	backend := memorylog.NewMemoryLog()
	t.Cleanup(func() { _ = backend.Close() })
	return sharedlog.NewClient(backend, testVersion)
}

func newUnopened(t *testing.T, client *sharedlog.Client) *UnopenedState {
	t.Helper()
	u, err := NewUnopenedState(context.Background(), client, testOrg)
	require.NoError(t, err)
	return u
}

func openWritable(t *testing.T, client *sharedlog.Client) *State {
	t.Helper()
	s, err := newUnopened(t, client).Open(context.Background(), OpenArgs{})
	require.NoError(t, err)
	return s
}

func setting(key, value string) StateUpdateKind {
	return StateUpdateKind{Collection: CollectionSetting, Key: key, Value: value}
}

func TestFreshCatalogIsUninitialized(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	u := newUnopened(t, client)
	initialized, err := u.IsInitialized(ctx)
	require.NoError(t, err)
	require.False(t, initialized)
	_, err = u.Epoch(ctx)
	require.ErrorIs(t, err, ErrUninitialized)
	_, err = u.TraceConsolidated(ctx)
	require.ErrorIs(t, err, ErrUninitialized)

	s, err := u.Open(ctx, OpenArgs{BootstrapConfigs: map[string]uint64{SystemConfigSyncedKey: 1}})
	require.NoError(t, err)
	require.Equal(t, MinEpoch, s.Epoch())

	u = newUnopened(t, client)
	initialized, err = u.IsInitialized(ctx)
	require.NoError(t, err)
	require.True(t, initialized)

	epoch, err := u.Epoch(ctx)
	require.NoError(t, err)
	require.Equal(t, MinEpoch, epoch)

	version, ok, err := u.GetUserVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, CatalogVersion, version)

	synced, err := u.HasSystemConfigSyncedOnce(ctx)
	require.NoError(t, err)
	require.True(t, synced)
}

func TestNonWritableOpenOfUninitializedCatalog(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	var nw *NotWritableError
	_, err := newUnopened(t, client).OpenReadOnly(ctx, nil)
	require.ErrorAs(t, err, &nw)
	_, err = newUnopened(t, client).OpenSavepoint(ctx, OpenArgs{})
	require.ErrorAs(t, err, &nw)
}

func TestNewerEpochFencesOlderWriters(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	a := openWritable(t, client)
	require.Equal(t, Epoch(1), a.Epoch())

	b := openWritable(t, client)
	require.Equal(t, Epoch(2), b.Epoch())
	require.True(t, IsFence(a.ConfirmLeadership(ctx)))
	require.NoError(t, b.ConfirmLeadership(ctx))

	c := openWritable(t, client)
	require.Equal(t, Epoch(3), c.Epoch())
	require.True(t, IsFence(b.CommitTransaction(ctx, []Change{Insert(setting("k", "v"))})))
	require.NoError(t, c.CommitTransaction(ctx, []Change{Insert(setting("k", "v"))}))

	// A fenced handle stays fenced.
	require.True(t, IsFence(a.ConfirmLeadership(ctx)))
}

func TestFencedWriterCannotAppend(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	a := openWritable(t, client)
	b := openWritable(t, client)
	// Syncing past b's epoch marker also brings a's upper up to date, so
	// only the epoch stands between a and a successful append.
	require.True(t, IsFence(a.ConfirmLeadership(ctx)))
	require.Equal(t, b.Upper(), a.Upper())

	err := a.CommitTransaction(ctx, []Change{Insert(setting("stale", "write"))})
	require.True(t, IsFence(err))
	require.Equal(t, b.Upper(), a.Upper())

	trace, err := newUnopened(t, client).TraceConsolidated(ctx)
	require.NoError(t, err)
	for _, e := range trace[CollectionSetting] {
		require.NotEqual(t, "stale", e.Key)
	}
	require.NoError(t, b.ConfirmLeadership(ctx))
}

func TestEpochLowerBound(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	openWritable(t, client)

	s, err := newUnopened(t, client).Open(ctx, OpenArgs{EpochLowerBound: 10})
	require.NoError(t, err)
	require.Equal(t, Epoch(10), s.Epoch())

	s, err = newUnopened(t, client).Open(ctx, OpenArgs{EpochLowerBound: 4})
	require.NoError(t, err)
	require.Equal(t, Epoch(11), s.Epoch())
}

func TestLostAppendIsFence(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	a := openWritable(t, client)
	b, err := newUnopened(t, client).OpenSavepoint(ctx, OpenArgs{})
	require.NoError(t, err)
	require.NoError(t, a.CommitTransaction(ctx, []Change{Insert(setting("k", "v"))}))

	// Drive a stale upper into the write path directly.
	stale := *b.h
	err = stale.compareAndAppend(ctx, []Change{Insert(setting("x", "y"))})
	require.True(t, IsFence(err))
	var mismatch *sharedlog.UpperMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, stale.upper, mismatch.Expected)
	require.Greater(t, mismatch.Current, mismatch.Expected)
}

func TestCommitAdvancesUpperAndReadsOwnWrite(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)

	before := s.Upper()
	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("k", "v1"))}))
	require.Equal(t, before+1, s.Upper())

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	v, ok := snap.Get(CollectionSetting, "k")
	require.True(t, ok)
	require.Equal(t, "v1", v)

	require.NoError(t, s.CommitTransaction(ctx, []Change{Retract(setting("k", "v1"))}))
	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	_, ok = snap.Get(CollectionSetting, "k")
	require.False(t, ok)

	// The since lags the upper by one.
	since, err := s.h.sinceHandle.Since(ctx)
	require.NoError(t, err)
	require.Equal(t, sharedlog.Timestamp(s.Upper()-1), since.TS)
}

func TestEmptyCommitIsNoop(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)
	before := s.Upper()
	require.NoError(t, s.CommitTransaction(ctx, nil))
	require.Equal(t, before, s.Upper())
}

func TestDuplicateInsertIsFatal(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)
	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("k", "v1"))}))

	require.Panics(t, func() {
		_ = s.CommitTransaction(ctx, []Change{Insert(setting("k", "v1"))})
	})
}

func TestInsertOverLiveValueIsFatal(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)
	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("k", "v1"))}))
	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("k", "v2"))}))

	require.Panics(t, func() { _, _ = s.Snapshot(ctx) })
}

func TestDuplicateInsertInOneBatchIsFatal(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)
	require.Panics(t, func() {
		_ = s.CommitTransaction(ctx, []Change{Insert(setting("k", "v")), Insert(setting("k", "v"))})
	})
}

func TestReplacementConsolidatesToLatestValue(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)

	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("k", "v1"))}))
	require.NoError(t, s.CommitTransaction(ctx, []Change{Retract(setting("k", "v1"))}))
	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("k", "v2"))}))
	// Atomic replacement in a single batch.
	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("j", "w2")), Insert(setting("j2", "x"))}))
	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("j", "w3")), Retract(setting("j", "w2"))}))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	settings := snap.Collection(CollectionSetting).Map()
	require.Equal(t, map[string]string{"k": "v2", "j": "w3", "j2": "x"}, settings)

	// Every cached row is stamped with the same timestamp.
	for _, r := range s.h.snapshot {
		require.Equal(t, s.h.snapshot[0].TS, r.TS)
		require.Contains(t, []sharedlog.Diff{1, -1}, r.Diff)
	}

	// A fresh reader agrees.
	r, err := newUnopened(t, client).OpenReadOnly(ctx, nil)
	require.NoError(t, err)
	rsnap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.Fingerprint(), rsnap.Fingerprint())
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)
	require.NoError(t, s.CommitTransaction(ctx, []Change{
		Insert(setting("a", "1")),
		Insert(StateUpdateKind{Collection: CollectionItem, Key: "u1", Value: "table"}),
	}))

	first, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.h.sync(ctx, sharedlog.Timestamp(s.Upper())))
	second, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint(), second.Fingerprint())
	require.Equal(t, first.Len(), second.Len())
}

func TestCancelledSyncResumes(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	w := openWritable(t, client)
	u := newUnopened(t, client)
	upper := u.h.upper

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := u.h.sync(waitCtx, upper+1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, upper, u.h.upper)

	require.NoError(t, w.CommitTransaction(ctx, []Change{Insert(setting("k", "v"))}))

	trace, err := u.TraceConsolidated(ctx)
	require.NoError(t, err)
	require.Len(t, trace[CollectionSetting], 1)
	require.Equal(t, "v", trace[CollectionSetting][0].Value)
}

func TestReadOnlyCatalog(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	w := openWritable(t, client)

	r, err := newUnopened(t, client).OpenReadOnly(ctx, nil)
	require.NoError(t, err)
	require.True(t, r.IsReadOnly())
	require.Equal(t, w.Epoch(), r.Epoch())

	var nw *NotWritableError
	require.ErrorAs(t, r.CommitTransaction(ctx, []Change{Insert(setting("k", "v"))}), &nw)
	require.NoError(t, r.CommitTransaction(ctx, nil))
	require.NoError(t, r.ConfirmLeadership(ctx))

	// Opening read-only does not fence the writer.
	require.NoError(t, w.ConfirmLeadership(ctx))
}

func TestSavepointKeepsChangesInMemory(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	w := openWritable(t, client)
	upper := w.Upper()

	sp, err := newUnopened(t, client).OpenSavepoint(ctx, OpenArgs{})
	require.NoError(t, err)
	require.Equal(t, Savepoint, sp.Mode())
	require.NoError(t, sp.CommitTransaction(ctx, []Change{Insert(setting("k", "v"))}))

	snap, err := sp.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := snap.Get(CollectionSetting, "k")
	require.True(t, ok)

	require.NoError(t, w.ConfirmLeadership(ctx))
	require.Equal(t, upper, w.Upper())
	wsnap, err := w.Snapshot(ctx)
	require.NoError(t, err)
	_, ok = wsnap.Get(CollectionSetting, "k")
	require.False(t, ok)
}

func TestSavepointCommitAfterInterruptedSync(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	w := openWritable(t, client)
	sp, err := newUnopened(t, client).OpenSavepoint(ctx, OpenArgs{})
	require.NoError(t, err)

	require.NoError(t, w.CommitTransaction(ctx, []Change{Insert(setting("remote", "v"))}))

	// Sync past the shard's upper so the listen receives the commit and then
	// blocks until the deadline, leaving the commit pending.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = sp.h.sync(short, sharedlog.Timestamp(w.Upper()+1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEmpty(t, sp.h.pending)
	require.Equal(t, w.Upper(), sp.Upper())

	require.NoError(t, sp.CommitTransaction(ctx, []Change{Insert(setting("local", "v"))}))
	require.Empty(t, sp.h.pending)

	snap, err := sp.Snapshot(ctx)
	require.NoError(t, err)
	for _, key := range []string{"remote", "local"} {
		_, ok := snap.Get(CollectionSetting, key)
		require.True(t, ok, key)
	}
}

func TestDeployGeneration(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	gen := uint64(3)
	_, err := newUnopened(t, client).Open(ctx, OpenArgs{DeployGeneration: &gen})
	require.NoError(t, err)

	got, ok, err := newUnopened(t, client).GetDeploymentGeneration(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), got)

	gen = 4
	s, err := newUnopened(t, client).Open(ctx, OpenArgs{DeployGeneration: &gen})
	require.NoError(t, err)
	v, ok, err := s.GetConfig(ctx, DeployGenerationKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), v)
}

func TestAuditLogsStartupCache(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	w := openWritable(t, client)
	require.NoError(t, w.CommitTransaction(ctx, []Change{
		Insert(StateUpdateKind{Collection: CollectionAuditLog, Key: "0002"}),
		Insert(StateUpdateKind{Collection: CollectionAuditLog, Key: "0001"}),
	}))

	s := openWritable(t, client)
	logs, err := s.GetAuditLogs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"0001", "0002"}, logs)

	require.NoError(t, s.CommitTransaction(ctx, []Change{
		Insert(StateUpdateKind{Collection: CollectionAuditLog, Key: "0003"}),
	}))
	// The cache is closed; the slow path reads the log.
	logs, err = s.GetAuditLogs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"0001", "0002", "0003"}, logs)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Collection(CollectionAuditLog).Len())
	assert.Equal(t, int64(3), s.CollectionCounts()[CollectionAuditLog])
}

func TestGetAndPruneStorageUsage(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	w := openWritable(t, client)
	require.NoError(t, w.CommitTransaction(ctx, []Change{
		Insert(StorageUsageKind(StorageUsage{ID: 2, ShardID: "s1", SizeBytes: 10, CollectionTimestamp: 9_000})),
		Insert(StorageUsageKind(StorageUsage{ID: 1, ShardID: "s1", SizeBytes: 20, CollectionTimestamp: 1_000})),
		Insert(StorageUsageKind(StorageUsage{ID: 3, ShardID: "s2", SizeBytes: 30, CollectionTimestamp: 10_000})),
	}))

	s := openWritable(t, client)
	events, err := s.GetAndPruneStorageUsage(ctx, 5*time.Second, 12_000)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].ID)
	require.Equal(t, uint64(3), events[1].ID)

	// The pruned event was retracted durably.
	s = openWritable(t, client)
	events, err = s.GetAndPruneStorageUsage(ctx, 0, 12_000)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestAllocateIDs(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)

	next, err := s.GetNextID(ctx, "user")
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)

	ids, err := s.AllocateIDs(ctx, "user", 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, ids)

	next, err = s.GetNextID(ctx, "user")
	require.NoError(t, err)
	require.Equal(t, uint64(4), next)

	_, err = s.GetNextID(ctx, "nope")
	require.Error(t, err)
}

func TestTraceUnconsolidatedKeepsHistory(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)
	require.NoError(t, s.CommitTransaction(ctx, []Change{Insert(setting("k", "v1"))}))
	require.NoError(t, s.CommitTransaction(ctx, []Change{Retract(setting("k", "v1")), Insert(setting("k", "v2"))}))

	u := newUnopened(t, client)
	trace, err := u.TraceUnconsolidated(ctx)
	require.NoError(t, err)
	require.Len(t, trace[CollectionSetting], 3)

	consolidated, err := u.TraceConsolidated(ctx)
	require.NoError(t, err)
	require.Len(t, consolidated[CollectionSetting], 1)
	require.Equal(t, "v2", consolidated[CollectionSetting][0].Value)
	require.Len(t, consolidated[CollectionEpoch], 1)
}

func TestExpiredHandleRejectsUse(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	s := openWritable(t, client)
	s.Expire(ctx)
	err := s.CommitTransaction(ctx, []Change{Insert(setting("k", "v"))})
	require.True(t, errors.Is(err, sharedlog.ErrExpired))
}
