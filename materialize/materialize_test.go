package materialize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyInsertAndRetract(t *testing.T) {
	c := NewCollection()
	c.Apply("b", "2", 1)
	c.Apply("a", "1", 1)
	require.Equal(t, 2, c.Len())
	require.Equal(t, []string{"a", "b"}, c.Keys())

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	c.Apply("a", "1", -1)
	_, ok = c.Get("a")
	require.False(t, ok)

	// Replace is retract then insert.
	c.Apply("b", "2", -1)
	c.Apply("b", "3", 1)
	require.Equal(t, map[string]string{"b": "3"}, c.Map())
}

func TestApplyRejectsInvalidUpdates(t *testing.T) {
	c := NewCollection()
	c.Apply("k", "v", 1)

	require.Panics(t, func() { c.Apply("k", "w", 1) }, "duplicate live insert")
	require.Panics(t, func() { c.Apply("k", "w", -1) }, "mismatched retraction")
	require.Panics(t, func() { c.Apply("missing", "v", -1) }, "retraction of absent key")
	require.Panics(t, func() { c.Apply("k", "v", 2) }, "diff outside +1/-1")
}

func TestRangeStopsEarly(t *testing.T) {
	c := NewCollection()
	for _, k := range []string{"c", "a", "b"} {
		c.Apply(k, k, 1)
	}
	var seen []string
	c.Range(func(key, _ string) bool {
		seen = append(seen, key)
		return len(seen) < 2
	})
	require.Equal(t, []string{"a", "b"}, seen)
}
