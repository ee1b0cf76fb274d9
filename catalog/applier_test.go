package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chn0318/catalogstore/sharedlog"
)

func rawUpdate(k StateUpdateKind, ts sharedlog.Timestamp, diff sharedlog.Diff) StateUpdate[RawKind] {
	return StateUpdate[RawKind]{Kind: k.Encode(), TS: ts, Diff: diff}
}

func TestUnopenedApplierTracksConfigs(t *testing.T) {
	a := newUnopenedApplier()
	epoch := UnfencedEpoch(0)

	_, keep, err := a.applyUpdate(rawUpdate(ConfigKind(UserVersionKey, 1), 1, 1), &epoch)
	require.NoError(t, err)
	require.True(t, keep)
	require.Equal(t, uint64(1), a.configs[UserVersionKey])

	_, _, err = a.applyUpdate(rawUpdate(ConfigKind(UserVersionKey, 1), 2, -1), &epoch)
	require.NoError(t, err)
	_, _, err = a.applyUpdate(rawUpdate(ConfigKind(UserVersionKey, 2), 2, 1), &epoch)
	require.NoError(t, err)
	require.Equal(t, uint64(2), a.configs[UserVersionKey])

	require.Panics(t, func() {
		_, _, _ = a.applyUpdate(rawUpdate(ConfigKind(UserVersionKey, 3), 3, 1), &epoch)
	}, "insert over a live value")
	require.Panics(t, func() {
		_, _, _ = a.applyUpdate(rawUpdate(ConfigKind(UserVersionKey, 7), 3, -1), &epoch)
	}, "retraction of a value that is not live")
}

func TestUnopenedApplierFencesOnEpoch(t *testing.T) {
	a := newUnopenedApplier()
	epoch := UnfencedEpoch(1)

	_, keep, err := a.applyUpdate(rawUpdate(EpochKind(1), 1, -1), &epoch)
	require.NoError(t, err)
	require.True(t, keep)

	_, _, err = a.applyUpdate(rawUpdate(EpochKind(2), 1, 1), &epoch)
	require.True(t, IsFence(err))
}

func TestUnopenedApplierPassesUndecodableRows(t *testing.T) {
	a := newUnopenedApplier()
	epoch := UnfencedEpoch(0)
	u := StateUpdate[RawKind]{Kind: RawKind("\xff\xff"), TS: 1, Diff: 1}
	got, keep, err := a.applyUpdate(u, &epoch)
	require.NoError(t, err)
	require.True(t, keep)
	require.Equal(t, u, got)
}

func TestOpenedApplierDivertsAppendOnlyCollections(t *testing.T) {
	a := newOpenedApplier(Writable)
	epoch := UnfencedEpoch(1)
	apply := func(k StateUpdateKind, diff sharedlog.Diff) bool {
		_, keep, err := a.applyUpdate(StateUpdate[StateUpdateKind]{Kind: k, TS: 1, Diff: diff}, &epoch)
		require.NoError(t, err)
		return keep
	}

	require.False(t, apply(StateUpdateKind{Collection: CollectionAuditLog, Key: "b"}, 1))
	require.False(t, apply(StateUpdateKind{Collection: CollectionAuditLog, Key: "a"}, 1))
	require.False(t, apply(StateUpdateKind{Collection: CollectionAuditLog, Key: "b"}, -1))
	require.False(t, apply(EpochKind(1), 1))
	require.True(t, apply(StateUpdateKind{Collection: CollectionItem, Key: "u1", Value: "t"}, 1))

	keys, ok := a.auditLogs.take()
	require.True(t, ok)
	require.Equal(t, []string{"a"}, keys)

	// The cache is closed after the first take.
	require.False(t, apply(StateUpdateKind{Collection: CollectionAuditLog, Key: "c"}, 1))
	_, ok = a.auditLogs.take()
	require.False(t, ok)

	counts := a.collectionCounts()
	require.Equal(t, int64(2), counts[CollectionAuditLog])
	require.Equal(t, int64(1), counts[CollectionItem])
	require.Equal(t, int64(1), counts[CollectionEpoch])
}

func TestStartupCacheRejectsRetractions(t *testing.T) {
	c := newStartupCache()
	c.push(Change{Kind: StateUpdateKind{Collection: CollectionStorageUsage, Key: "x"}, Diff: -1})
	require.Panics(t, func() { c.take() })
}
