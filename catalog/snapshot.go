package catalog

import (
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/chn0318/catalogstore/materialize"
	"github.com/chn0318/catalogstore/sharedlog"
)

// Snapshot is a consolidated point-in-time view of every materialized
// collection. Epoch markers and append-only collections are not part of it.
type Snapshot struct {
	collections [numCollections]*materialize.Collection
}

func newSnapshot() *Snapshot {
	s := &Snapshot{}
	for i := range s.collections {
		s.collections[i] = materialize.NewCollection()
	}
	return s
}

// materializeSnapshot replays consolidated rows into a Snapshot.
func materializeSnapshot(rows []StateUpdate[StateUpdateKind]) *Snapshot {
	s := newSnapshot()
	for _, u := range rows {
		if u.Diff != 1 && u.Diff != -1 {
			log.Panic().Stringer("kind", u.Kind).Uint64("ts", uint64(u.TS)).Int64("diff", int64(u.Diff)).
				Msg("invalid update in consolidated trace")
		}
		if !u.Kind.Collection.Materialized() {
			continue
		}
		s.collections[u.Kind.Collection].Apply(u.Kind.Key, u.Kind.Value, int64(u.Diff))
	}
	return s
}

// Collection returns the materialized entries of c.
func (s *Snapshot) Collection(c CollectionType) *materialize.Collection {
	return s.collections[c]
}

// Get returns the live value of key in collection c.
func (s *Snapshot) Get(c CollectionType, key string) (string, bool) {
	return s.collections[c].Get(key)
}

// Len returns the number of live entries across all collections.
func (s *Snapshot) Len() int {
	n := 0
	for _, c := range s.collections {
		n += c.Len()
	}
	return n
}

// Fingerprint hashes the snapshot's contents in a canonical order. Equal
// snapshots have equal fingerprints.
func (s *Snapshot) Fingerprint() uint64 {
	d := xxhash.New()
	for i, c := range s.collections {
		c.Range(func(key, value string) bool {
			d.WriteString(collectionNames[i])
			d.Write([]byte{0})
			d.WriteString(key)
			d.Write([]byte{0})
			d.WriteString(value)
			d.Write([]byte{0})
			return true
		})
	}
	return d.Sum64()
}

// TraceEntry is one update of a collection's history.
type TraceEntry struct {
	Key   string
	Value string
	TS    sharedlog.Timestamp
	Diff  sharedlog.Diff
}

// Trace is the per-collection history of the catalog, including epoch
// markers and append-only collections.
type Trace map[CollectionType][]TraceEntry

func traceFromSnapshot(rows []StateUpdate[StateUpdateKind]) Trace {
	t := make(Trace)
	for _, u := range rows {
		t[u.Kind.Collection] = append(t[u.Kind.Collection], TraceEntry{
			Key:   u.Kind.Key,
			Value: u.Kind.Value,
			TS:    u.TS,
			Diff:  u.Diff,
		})
	}
	return t
}
