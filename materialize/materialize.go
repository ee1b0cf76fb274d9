package materialize

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// Collection is the point-in-time key->value mapping of one logical
// collection. Every key holds at most one live value.
type Collection struct {
	m map[string]string
}

// NewCollection creates an empty Collection.
func NewCollection() *Collection {
	return &Collection{m: make(map[string]string)}
}

// Apply replays one consolidated update.
//
// An insertion requires the key to be absent and a retraction requires the
// stored value to equal value exactly. Either violation means the log is torn
// or a writer is buggy, and is fatal.
func (c *Collection) Apply(key, value string, diff int64) {
	switch diff {
	case 1:
		if prev, ok := c.m[key]; ok {
			log.Panic().Str("key", key).Str("prev", prev).Str("value", value).
				Msg("values must be explicitly retracted before inserting a new value")
		}
		c.m[key] = value
	case -1:
		prev, ok := c.m[key]
		if !ok || prev != value {
			log.Panic().Str("key", key).Str("prev", prev).Bool("present", ok).Str("value", value).
				Msg("retraction does not match existing value")
		}
		delete(c.m, key)
	default:
		log.Panic().Str("key", key).Int64("diff", diff).Msg("invalid update in consolidated trace")
	}
}

func (c *Collection) Get(key string) (string, bool) {
	v, ok := c.m[key]
	return v, ok
}

func (c *Collection) Len() int { return len(c.m) }

// Keys returns the live keys in ascending order.
func (c *Collection) Keys() []string {
	keys := make([]string, 0, len(c.m))
	for k := range c.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Range calls fn for every live entry in key order until fn returns false.
func (c *Collection) Range(fn func(key, value string) bool) {
	for _, k := range c.Keys() {
		if !fn(k, c.m[k]) {
			return
		}
	}
}

// Map returns a copy of the live entries.
func (c *Collection) Map() map[string]string {
	out := make(map[string]string, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}
