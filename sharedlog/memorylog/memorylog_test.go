package memorylog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/logtest"
)

func TestMemoryLog(t *testing.T) {
	logtest.Run(t, func(t *testing.T) sharedlog.Backend {
		return NewMemoryLog()
	})
}

func TestClosedMemoryLog(t *testing.T) {
	l := NewMemoryLog()
	require.NoError(t, l.Close())
	_, err := l.Upper(context.Background(), "s0")
	require.ErrorIs(t, err, sharedlog.ErrClosed)
}
