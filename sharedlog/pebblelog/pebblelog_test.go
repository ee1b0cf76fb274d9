package pebblelog

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/logtest"
)

func TestPebbleLog(t *testing.T) {
	logtest.Run(t, func(t *testing.T) sharedlog.Backend {
		p, err := Open("log", Options{FS: vfs.NewMem()})
		require.NoError(t, err)
		return p
	})
}

func TestPebbleLogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	id := sharedlog.ShardID("s0d8f4a52-1b77-4c1e-a0c4-93d2c7e0b111")

	p, err := Open(dir, Options{Sync: true})
	require.NoError(t, err)
	require.NoError(t, p.CompareAndAppend(ctx, id, sharedlog.AppendRequest{
		Updates:  []sharedlog.Update{{Data: []byte("row"), TS: 0, Diff: 1}},
		Expected: 0,
		Next:     1,
		Version:  "v0.2.0",
	}))
	_, err = p.CompareAndDowngradeSince(ctx, id, 0, sharedlog.Since{TS: 0})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Upper(ctx, id)
	require.ErrorIs(t, err, sharedlog.ErrClosed)

	p, err = Open(dir, Options{})
	require.NoError(t, err)
	defer p.Close()

	upper, err := p.Upper(ctx, id)
	require.NoError(t, err)
	require.Equal(t, sharedlog.Timestamp(1), upper)
	rows, err := p.Scan(ctx, id, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []sharedlog.Update{{Data: []byte("row"), TS: 0, Diff: 1}}, rows)
	version, ok, err := p.ApplierVersion(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v0.2.0", version)
}
