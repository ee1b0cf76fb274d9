package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Mode governs what an opened catalog does with mutations.
type Mode int

const (
	// Readonly rejects every non-empty mutation.
	Readonly Mode = iota
	// Savepoint applies mutations to the in-memory state only.
	Savepoint
	// Writable appends mutations to the log.
	Writable
)

func (m Mode) String() string {
	switch m {
	case Readonly:
		return "readonly"
	case Savepoint:
		return "savepoint"
	case Writable:
		return "writable"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Config keys read before the catalog is opened.
const (
	UserVersionKey        = "user_version"
	DeployGenerationKey   = "deploy_generation"
	SystemConfigSyncedKey = "system_config_synced"
)

// CatalogVersion is the user version written when a catalog is bootstrapped.
const CatalogVersion uint64 = 74

// defaultIDAllocators are created, starting at 1, when a catalog is
// bootstrapped.
var defaultIDAllocators = []string{"user", "system", "auditlog", "storage_usage"}

// State is an opened catalog. It is owned by a single goroutine.
type State struct {
	h       *handle[StateUpdateKind]
	applier *openedApplier
	org     uuid.UUID
}

// Epoch returns the epoch this catalog was opened with.
func (s *State) Epoch() Epoch {
	e, ok := s.h.epoch.Epoch()
	if !ok {
		log.Panic().Msg("opened catalog state must have an epoch")
	}
	return e
}

func (s *State) Mode() Mode { return s.applier.mode }

func (s *State) IsReadOnly() bool { return s.applier.mode == Readonly }

// Upper returns the log position this catalog has synced to.
func (s *State) Upper() uint64 { return uint64(s.h.upper) }

// Snapshot syncs and returns the materialized catalog.
func (s *State) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := s.h.withTrace(ctx, func(rows []StateUpdate[StateUpdateKind]) error {
		snap = materializeSnapshot(rows)
		return nil
	})
	return snap, err
}

// CommitTransaction makes changes durable (Writable) or applies them to the
// in-memory state (Savepoint). An empty batch always succeeds, even when the
// catalog is read-only.
func (s *State) CommitTransaction(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	if s.IsReadOnly() {
		return &NotWritableError{Reason: "cannot commit a transaction in a read-only catalog"}
	}
	log.Debug().Int("updates", len(changes)).Stringer("mode", s.applier.mode).Msg("committing updates")

	switch s.applier.mode {
	case Writable:
		return s.h.compareAndAppend(ctx, changes)
	case Savepoint:
		return s.applyInMemory(changes)
	}
	return nil
}

// applyInMemory stamps changes at the current upper and applies them to the
// cache without touching the log. Updates a cancelled sync left pending are
// applied first so the cache stays in timestamp order.
func (s *State) applyInMemory(changes []Change) error {
	updates := s.h.takePending()
	for _, ch := range changes {
		updates = append(updates, StateUpdate[StateUpdateKind]{Kind: ch.Kind, TS: s.h.upper, Diff: ch.Diff})
	}
	return s.h.applyUpdates(updates)
}

// ConfirmLeadership returns a *FenceError if another writer has taken over
// the catalog. Read-only catalogs do not care about leadership.
func (s *State) ConfirmLeadership(ctx context.Context) error {
	if s.IsReadOnly() {
		return nil
	}
	return s.h.syncToCurrentUpper(ctx)
}

// GetAuditLogs returns every audit log key in sorted order. The first call is
// served from the startup cache; later calls read the log directly.
func (s *State) GetAuditLogs(ctx context.Context) ([]string, error) {
	if err := s.h.syncToCurrentUpper(ctx); err != nil {
		return nil, err
	}
	if keys, ok := s.applier.auditLogs.take(); ok {
		return keys, nil
	}
	log.Error().Msg("audit logs were not found in cache, so they were retrieved from the log, this is unexpected and bad for performance")
	return s.liveKeys(ctx, CollectionAuditLog)
}

// liveKeys reads the keys of collection c straight from the log.
func (s *State) liveKeys(ctx context.Context, c CollectionType) ([]string, error) {
	rows, err := s.h.persistSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, r := range rows {
		if r.Kind.Collection == c {
			keys = append(keys, r.Kind.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// StorageUsage is one storage usage event. Events are stored as the key of a
// storage_usage row.
type StorageUsage struct {
	ID        uint64 `json:"id"`
	ShardID   string `json:"shard_id,omitempty"`
	SizeBytes uint64 `json:"size_bytes"`
	// CollectionTimestamp is in milliseconds since the Unix epoch.
	CollectionTimestamp uint64 `json:"collection_timestamp"`
}

// StorageUsageKind is the row recording event u.
func StorageUsageKind(u StorageUsage) StateUpdateKind {
	key, err := json.Marshal(u)
	if err != nil {
		log.Panic().Err(err).Uint64("id", u.ID).Msg("storage usage encoding error")
	}
	return StateUpdateKind{Collection: CollectionStorageUsage, Key: string(key)}
}

// GetAndPruneStorageUsage returns the storage usage events collected no
// earlier than bootTS minus retention, sorted by id. Older events are
// retracted unless the catalog is read-only. A zero retention keeps
// everything. bootTS is in milliseconds since the Unix epoch.
func (s *State) GetAndPruneStorageUsage(ctx context.Context, retention time.Duration, bootTS uint64) ([]StorageUsage, error) {
	if err := s.h.syncToCurrentUpper(ctx); err != nil {
		return nil, err
	}
	var cutoff uint64
	if retention > 0 {
		cutoff = bootTS - min(bootTS, uint64(retention.Milliseconds()))
	}

	keys, ok := s.applier.storageUsages.take()
	if !ok {
		log.Error().Msg("storage usage events were not found in cache, so they were retrieved from the log, this is unexpected and bad for performance")
		var err error
		if keys, err = s.liveKeys(ctx, CollectionStorageUsage); err != nil {
			return nil, err
		}
	}

	var events []StorageUsage
	var expired []Change
	for _, key := range keys {
		var ev StorageUsage
		if err := json.Unmarshal([]byte(key), &ev); err != nil {
			return nil, fmt.Errorf("decode storage usage event: %w", err)
		}
		switch {
		case ev.CollectionTimestamp >= cutoff:
			events = append(events, ev)
		case retention > 0:
			log.Debug().Uint64("id", ev.ID).Uint64("ts", ev.CollectionTimestamp).Msg("pruning storage event")
			expired = append(expired, Retract(StateUpdateKind{Collection: CollectionStorageUsage, Key: key}))
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	if s.IsReadOnly() {
		return events, s.ConfirmLeadership(ctx)
	}
	return events, s.CommitTransaction(ctx, expired)
}

// GetNextID returns the next id of allocator idType.
func (s *State) GetNextID(ctx context.Context, idType string) (uint64, error) {
	var next uint64
	found := false
	err := s.h.withTrace(ctx, func(rows []StateUpdate[StateUpdateKind]) error {
		for i := len(rows) - 1; i >= 0; i-- {
			if k := rows[i].Kind; k.Collection == CollectionIDAllocator && k.Key == idType {
				next, found = k.configValue(), true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("unknown id allocator %q", idType)
	}
	return next, nil
}

// AllocateIDs reserves n ids from allocator idType and returns them.
func (s *State) AllocateIDs(ctx context.Context, idType string, n uint64) ([]uint64, error) {
	next, err := s.GetNextID(ctx, idType)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	err = s.CommitTransaction(ctx, []Change{
		Retract(IDAllocatorKind(idType, next)),
		Insert(IDAllocatorKind(idType, next+n)),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, n)
	for id := next; id < next+n; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// IDAllocatorKind is the row recording that allocator name hands out next.
func IDAllocatorKind(name string, next uint64) StateUpdateKind {
	return StateUpdateKind{Collection: CollectionIDAllocator, Key: name, Value: strconv.FormatUint(next, 10)}
}

// GetConfig returns the value of config key.
func (s *State) GetConfig(ctx context.Context, key string) (uint64, bool, error) {
	var value uint64
	found := false
	err := s.h.withTrace(ctx, func(rows []StateUpdate[StateUpdateKind]) error {
		for _, r := range rows {
			if r.Kind.Collection == CollectionConfig && r.Kind.Key == key {
				value, found = r.Kind.configValue(), true
			}
		}
		return nil
	})
	return value, found, err
}

// CollectionCounts returns the net number of updates applied per collection
// since the catalog was opened.
func (s *State) CollectionCounts() map[CollectionType]int64 {
	return s.applier.collectionCounts()
}

// Expire releases the catalog's leases.
func (s *State) Expire(ctx context.Context) {
	s.h.expire(ctx)
}
