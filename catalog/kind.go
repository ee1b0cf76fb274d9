package catalog

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chn0318/catalogstore/sharedlog"
)

// CollectionType names a logical collection of the catalog.
type CollectionType int

const (
	CollectionAuditLog CollectionType = iota
	CollectionCluster
	CollectionClusterReplica
	CollectionComment
	CollectionConfig
	CollectionDatabase
	CollectionDefaultPrivilege
	CollectionEpoch
	CollectionIDAllocator
	CollectionIntrospectionSourceIndex
	CollectionItem
	CollectionRole
	CollectionSchema
	CollectionSetting
	CollectionStorageUsage
	CollectionSystemConfiguration
	CollectionSystemObjectMapping
	CollectionSystemPrivilege
	CollectionStorageCollectionMetadata
	CollectionUnfinalizedShard
	CollectionTxnWalShard
	numCollections
)

var collectionNames = [numCollections]string{
	CollectionAuditLog:                  "audit_log",
	CollectionCluster:                   "cluster",
	CollectionClusterReplica:            "cluster_replica",
	CollectionComment:                   "comment",
	CollectionConfig:                    "config",
	CollectionDatabase:                  "database",
	CollectionDefaultPrivilege:          "default_privilege",
	CollectionEpoch:                     "epoch",
	CollectionIDAllocator:               "id_allocator",
	CollectionIntrospectionSourceIndex:  "introspection_source_index",
	CollectionItem:                      "item",
	CollectionRole:                      "role",
	CollectionSchema:                    "schema",
	CollectionSetting:                   "setting",
	CollectionStorageUsage:              "storage_usage",
	CollectionSystemConfiguration:       "system_configuration",
	CollectionSystemObjectMapping:       "system_object_mapping",
	CollectionSystemPrivilege:           "system_privilege",
	CollectionStorageCollectionMetadata: "storage_collection_metadata",
	CollectionUnfinalizedShard:          "unfinalized_shard",
	CollectionTxnWalShard:               "txn_wal_shard",
}

func (c CollectionType) String() string {
	if c < 0 || c >= numCollections {
		return fmt.Sprintf("collection(%d)", int(c))
	}
	return collectionNames[c]
}

// ParseCollectionType is the inverse of CollectionType.String.
func ParseCollectionType(s string) (CollectionType, error) {
	for i, name := range collectionNames {
		if name == s {
			return CollectionType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown collection %q", s)
}

// Collections returns every collection type in declaration order.
func Collections() []CollectionType {
	out := make([]CollectionType, numCollections)
	for i := range out {
		out[i] = CollectionType(i)
	}
	return out
}

// AppendOnly reports whether c is a high-volume, append-only collection that
// is only materialized during startup.
func (c CollectionType) AppendOnly() bool {
	return c == CollectionAuditLog || c == CollectionStorageUsage
}

// Materialized reports whether c appears in a Snapshot.
func (c CollectionType) Materialized() bool {
	return c != CollectionEpoch && !c.AppendOnly()
}

// kind is the payload a handle materializes. Implementations must be
// comparable so that updates can be consolidated.
type kind interface {
	comparable
	sortKey() string
}

// StateUpdateKind is a decoded catalog row. Key and Value are opaque to the
// catalog core.
type StateUpdateKind struct {
	Collection CollectionType
	Key        string
	Value      string
}

func (k StateUpdateKind) sortKey() string {
	return k.Collection.String() + "\x00" + k.Key + "\x00" + k.Value
}

func (k StateUpdateKind) String() string {
	return fmt.Sprintf("%s(%q => %q)", k.Collection, k.Key, k.Value)
}

// RawKind is a catalog row as stored in the log. It may fail to decode, for
// example when a newer binary added a collection.
type RawKind string

func (r RawKind) sortKey() string { return string(r) }

// Encode returns the row as the opaque document stored in the log: a
// deterministically marshaled structpb.Struct {kind, key, value}.
func (k StateUpdateKind) Encode() RawKind {
	doc := &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":  structpb.NewStringValue(k.Collection.String()),
		"key":   structpb.NewStringValue(k.Key),
		"value": structpb.NewStringValue(k.Value),
	}}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(doc)
	if err != nil {
		log.Panic().Err(err).Stringer("kind", k).Msg("kind encoding error")
	}
	return RawKind(data)
}

// Decode parses a stored row.
func (r RawKind) Decode() (StateUpdateKind, error) {
	var doc structpb.Struct
	if err := proto.Unmarshal([]byte(r), &doc); err != nil {
		return StateUpdateKind{}, fmt.Errorf("decode catalog row: %w", err)
	}
	fields := doc.GetFields()
	coll, err := ParseCollectionType(fields["kind"].GetStringValue())
	if err != nil {
		return StateUpdateKind{}, fmt.Errorf("decode catalog row: %w", err)
	}
	return StateUpdateKind{
		Collection: coll,
		Key:        fields["key"].GetStringValue(),
		Value:      fields["value"].GetStringValue(),
	}, nil
}

// MustDecode is Decode for rows that were validated when the catalog opened.
func (r RawKind) MustDecode() StateUpdateKind {
	k, err := r.Decode()
	if err != nil {
		log.Panic().Err(err).Msg("kind decoding error")
	}
	return k
}

func decodeRaw(b []byte) (RawKind, error) { return RawKind(b), nil }

func encodeKind(k StateUpdateKind) []byte { return []byte(k.Encode()) }

func decodeKind(b []byte) (StateUpdateKind, error) {
	return RawKind(b).Decode()
}

// EpochKind is the marker row recording epoch e.
func EpochKind(e Epoch) StateUpdateKind {
	return StateUpdateKind{Collection: CollectionEpoch, Value: strconv.FormatUint(uint64(e), 10)}
}

// epoch returns the epoch recorded by an epoch marker.
func (k StateUpdateKind) epoch() (Epoch, bool) {
	if k.Collection != CollectionEpoch {
		return 0, false
	}
	e, err := strconv.ParseUint(k.Value, 10, 64)
	if err != nil || e == 0 {
		log.Panic().Str("value", k.Value).Msg("invalid epoch marker")
	}
	return Epoch(e), true
}

// ConfigKind is the row setting config key to value.
func ConfigKind(key string, value uint64) StateUpdateKind {
	return StateUpdateKind{Collection: CollectionConfig, Key: key, Value: strconv.FormatUint(value, 10)}
}

// configValue parses the value of a config row.
func (k StateUpdateKind) configValue() uint64 {
	v, err := strconv.ParseUint(k.Value, 10, 64)
	if err != nil {
		log.Panic().Str("key", k.Key).Str("value", k.Value).Msg("invalid config value")
	}
	return v
}

// StateUpdate is a row of the log at a timestamp with a multiplicity.
type StateUpdate[T kind] struct {
	Kind T
	TS   sharedlog.Timestamp
	Diff sharedlog.Diff
}

// Change is a row and multiplicity to be appended at the handle's upper.
type Change struct {
	Kind StateUpdateKind
	Diff sharedlog.Diff
}

// Insert returns a +1 change.
func Insert(k StateUpdateKind) Change { return Change{Kind: k, Diff: 1} }

// Retract returns a -1 change.
func Retract(k StateUpdateKind) Change { return Change{Kind: k, Diff: -1} }
