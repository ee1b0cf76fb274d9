package catalog

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/chn0318/catalogstore/sharedlog"
)

// applier filters and interprets every update a handle applies. It returns
// false when the update should not be kept in the handle's cache.
type applier[T kind] interface {
	applyUpdate(u StateUpdate[T], epoch *FenceableEpoch) (StateUpdate[T], bool, error)
}

// unopenedApplier serves the bootstrap queries of an unopened catalog. It only
// interprets configs and epochs; every row is kept so the opened catalog can
// be built without re-reading the log.
type unopenedApplier struct {
	configs map[string]uint64
}

func newUnopenedApplier() *unopenedApplier {
	return &unopenedApplier{configs: make(map[string]uint64)}
}

func (a *unopenedApplier) applyUpdate(u StateUpdate[RawKind], epoch *FenceableEpoch) (StateUpdate[RawKind], bool, error) {
	k, err := u.Kind.Decode()
	if err != nil {
		// Rows from a newer binary may not decode before migrations run.
		return u, true, nil
	}
	switch {
	case k.Collection == CollectionConfig && u.Diff == 1:
		if prev, ok := a.configs[k.Key]; ok {
			log.Panic().Str("key", k.Key).Uint64("prev", prev).Str("value", k.Value).
				Msg("values must be explicitly retracted before inserting a new value")
		}
		a.configs[k.Key] = k.configValue()
	case k.Collection == CollectionConfig && u.Diff == -1:
		prev, ok := a.configs[k.Key]
		if !ok || prev != k.configValue() {
			log.Panic().Str("key", k.Key).Uint64("prev", prev).Bool("present", ok).Str("value", k.Value).
				Msg("retraction does not match existing value")
		}
		delete(a.configs, k.Key)
	case k.Collection == CollectionEpoch && u.Diff == 1:
		e, _ := k.epoch()
		if err := epoch.MaybeFence(e); err != nil {
			return u, false, err
		}
	}
	return u, true, nil
}

// startupCache holds the rows of a large append-only collection until they
// are taken once. After that it is closed and drops everything it sees.
type startupCache struct {
	open   bool
	values []Change
}

func newStartupCache() *startupCache { return &startupCache{open: true} }

func (c *startupCache) push(ch Change) {
	if c.open {
		c.values = append(c.values, ch)
	}
}

// take returns the live keys and closes the cache, or false if it was
// already taken.
func (c *startupCache) take() ([]string, bool) {
	if !c.open {
		return nil, false
	}
	c.open = false
	sums := make(map[string]sharedlog.Diff, len(c.values))
	for _, ch := range c.values {
		sums[ch.Kind.Key] += ch.Diff
	}
	c.values = nil
	out := make([]string, 0, len(sums))
	for key, diff := range sums {
		switch diff {
		case 0:
		case 1:
			out = append(out, key)
		default:
			log.Panic().Str("key", key).Int64("diff", int64(diff)).Msg("consolidated cache should have no retraction")
		}
	}
	sort.Strings(out)
	return out, true
}

// openedApplier serves an opened catalog: it fences on newer epochs, keeps
// append-only collections out of the cache, and counts entries per collection.
type openedApplier struct {
	mode          Mode
	auditLogs     *startupCache
	storageUsages *startupCache
	counts        map[CollectionType]int64
}

func newOpenedApplier(mode Mode) *openedApplier {
	return &openedApplier{
		mode:          mode,
		auditLogs:     newStartupCache(),
		storageUsages: newStartupCache(),
		counts:        make(map[CollectionType]int64),
	}
}

func (a *openedApplier) applyUpdate(u StateUpdate[StateUpdateKind], epoch *FenceableEpoch) (StateUpdate[StateUpdateKind], bool, error) {
	a.counts[u.Kind.Collection] += int64(u.Diff)

	switch u.Kind.Collection {
	case CollectionAuditLog:
		a.auditLogs.push(Change{Kind: u.Kind, Diff: u.Diff})
		return u, false, nil
	case CollectionStorageUsage:
		a.storageUsages.push(Change{Kind: u.Kind, Diff: u.Diff})
		return u, false, nil
	case CollectionEpoch:
		if u.Diff == 1 {
			e, _ := u.Kind.epoch()
			if err := epoch.MaybeFence(e); err != nil {
				return u, false, err
			}
		}
		return u, false, nil
	}
	return u, true, nil
}

func (a *openedApplier) collectionCounts() map[CollectionType]int64 {
	out := make(map[CollectionType]int64, len(a.counts))
	for c, n := range a.counts {
		out[c] = n
	}
	return out
}
