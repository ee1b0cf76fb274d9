package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chn0318/catalogstore/sharedlog"
)

func TestKindEncodingIsDeterministic(t *testing.T) {
	k := StateUpdateKind{Collection: CollectionItem, Key: "u1", Value: `{"name":"t"}`}
	require.Equal(t, k.Encode(), k.Encode())

	got, err := k.Encode().Decode()
	require.NoError(t, err)
	require.Equal(t, k, got)
}

func TestDecodeUnknownCollection(t *testing.T) {
	_, err := RawKind("not a document").Decode()
	require.Error(t, err)
}

func TestParseCollectionType(t *testing.T) {
	for _, c := range Collections() {
		got, err := ParseCollectionType(c.String())
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
	_, err := ParseCollectionType("nope")
	require.Error(t, err)

	require.False(t, CollectionEpoch.Materialized())
	require.False(t, CollectionAuditLog.Materialized())
	require.True(t, CollectionStorageUsage.AppendOnly())
	require.True(t, CollectionRole.Materialized())
}

func TestEpochMarkers(t *testing.T) {
	e, ok := EpochKind(7).epoch()
	require.True(t, ok)
	require.Equal(t, Epoch(7), e)

	_, ok = ConfigKind(UserVersionKey, 1).epoch()
	require.False(t, ok)
}

func TestConsolidateCancelsAndSorts(t *testing.T) {
	a := setting("a", "1")
	b := setting("b", "1")
	updates := []StateUpdate[StateUpdateKind]{
		{Kind: b, TS: 2, Diff: 1},
		{Kind: a, TS: 1, Diff: 1},
		{Kind: a, TS: 2, Diff: 1},
		{Kind: a, TS: 2, Diff: -1},
		{Kind: b, TS: 1, Diff: 1},
	}
	got := consolidate(updates)
	require.Equal(t, []StateUpdate[StateUpdateKind]{
		{Kind: a, TS: 1, Diff: 1},
		{Kind: b, TS: 1, Diff: 1},
		{Kind: b, TS: 2, Diff: 1},
	}, got)
}

func TestSortForApplyRetractsFirst(t *testing.T) {
	updates := []StateUpdate[StateUpdateKind]{
		{Kind: setting("k", "new"), TS: 3, Diff: 1},
		{Kind: setting("k", "old"), TS: 3, Diff: -1},
		{Kind: setting("k", "old"), TS: 2, Diff: 1},
	}
	sortForApply(updates)
	require.Equal(t, []sharedlog.Timestamp{2, 3, 3}, []sharedlog.Timestamp{updates[0].TS, updates[1].TS, updates[2].TS})
	require.Equal(t, sharedlog.Diff(-1), updates[1].Diff)
	require.True(t, sortedByTS(updates))
}

func TestShardIDsAreDeterministic(t *testing.T) {
	require.Equal(t, CatalogShardID(testOrg), CatalogShardID(testOrg))
	require.NotEqual(t, CatalogShardID(testOrg), UpgradeShardID(testOrg))

	parsed, err := sharedlog.ParseShardID(CatalogShardID(testOrg).String())
	require.NoError(t, err)
	require.Equal(t, CatalogShardID(testOrg), parsed)
}
