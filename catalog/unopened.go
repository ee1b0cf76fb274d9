package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chn0318/catalogstore/sharedlog"
)

// UnopenedState is a catalog that has been synced but not opened. It answers
// bootstrap queries cheaply and is consumed by one of the Open methods.
type UnopenedState struct {
	h       *handle[RawKind]
	applier *unopenedApplier
	org     uuid.UUID
}

// NewUnopenedState checks the upgrade shard, opens the catalog shard of org
// and syncs it to its current upper.
func NewUnopenedState(ctx context.Context, client *sharedlog.Client, org uuid.UUID) (*UnopenedState, error) {
	catalogShard, upgradeShard := CatalogShardID(org), UpgradeShardID(org)
	log.Debug().Stringer("catalog_shard", catalogShard).Stringer("upgrade_shard", upgradeShard).
		Msg("new log backed catalog state")

	if err := checkUpgradeShard(ctx, client, org); err != nil {
		return nil, err
	}

	sinceHandle, err := client.OpenCriticalSince(ctx, catalogShard, sharedlog.Diagnostics{
		ShardName:     catalogShardName,
		HandlePurpose: "durable catalog state critical since",
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog since handle: %w", err)
	}
	writeHandle, readHandle, err := client.Open(ctx, catalogShard, sharedlog.Diagnostics{
		ShardName:     catalogShardName,
		HandlePurpose: "durable catalog state handles",
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog handles: %w", err)
	}

	// An empty write at the minimum timestamp keeps the catalog readable.
	err = writeHandle.CompareAndAppend(ctx, nil, sharedlog.Minimum, sharedlog.Minimum.StepForward())
	var mismatch *sharedlog.UpperMismatch
	if err != nil && !errors.As(err, &mismatch) {
		return nil, fmt.Errorf("initialize catalog shard: %w", err)
	}

	upper, err := writeHandle.FetchRecentUpper(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog upper: %w", err)
	}
	asOf, err := asOfFor(ctx, readHandle, upper)
	if err != nil {
		return nil, err
	}
	snapshot, err := snapshotBinary(ctx, readHandle, asOf)
	if err != nil {
		return nil, err
	}
	listen, err := readHandle.Listen(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("listen to catalog: %w", err)
	}

	u := &UnopenedState{
		h: &handle[RawKind]{
			client:      client,
			shardID:     catalogShard,
			sinceHandle: sinceHandle,
			writeHandle: writeHandle,
			listen:      listen,
			decode:      decodeRaw,
			upper:       upper,
			epoch:       UnfencedEpoch(latestEpoch(snapshot)),
		},
		applier: newUnopenedApplier(),
		org:     org,
	}
	u.h.applier = u.applier
	if err := u.h.applyUpdates(snapshot); err != nil {
		return nil, err
	}
	return u, nil
}

// latestEpoch sniffs the most recent live epoch marker out of a snapshot, or
// returns 0 if there is none.
func latestEpoch(snapshot []StateUpdate[RawKind]) Epoch {
	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i].Diff != 1 {
			continue
		}
		k, err := snapshot[i].Kind.Decode()
		if err != nil {
			continue
		}
		if e, ok := k.epoch(); ok {
			return e
		}
	}
	return 0
}

// IsInitialized reports whether the catalog has been bootstrapped.
func (u *UnopenedState) IsInitialized(ctx context.Context) (bool, error) {
	if err := u.h.syncToCurrentUpper(ctx); err != nil {
		return false, err
	}
	return u.isInitialized(), nil
}

// isInitialized is the answer as of the last sync.
func (u *UnopenedState) isInitialized() bool {
	return len(u.applier.configs) > 0
}

// Epoch returns the epoch of the most recent writer, or ErrUninitialized.
func (u *UnopenedState) Epoch(ctx context.Context) (Epoch, error) {
	if err := u.h.syncToCurrentUpper(ctx); err != nil {
		return 0, err
	}
	e, ok, err := u.h.epoch.Validate()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUninitialized
	}
	return e, nil
}

func (u *UnopenedState) currentConfig(ctx context.Context, key string) (uint64, bool, error) {
	if err := u.h.syncToCurrentUpper(ctx); err != nil {
		return 0, false, err
	}
	v, ok := u.applier.configs[key]
	return v, ok, nil
}

// GetDeploymentGeneration returns the deploy generation of the most recent
// writer, if one was recorded.
func (u *UnopenedState) GetDeploymentGeneration(ctx context.Context) (uint64, bool, error) {
	return u.currentConfig(ctx, DeployGenerationKey)
}

// GetUserVersion returns the catalog's on-disk version.
func (u *UnopenedState) GetUserVersion(ctx context.Context) (uint64, bool, error) {
	return u.currentConfig(ctx, UserVersionKey)
}

func (u *UnopenedState) HasSystemConfigSyncedOnce(ctx context.Context) (bool, error) {
	v, ok, err := u.currentConfig(ctx, SystemConfigSyncedKey)
	return ok && v > 0, err
}

// TraceUnconsolidated returns every update in the log, as written.
func (u *UnopenedState) TraceUnconsolidated(ctx context.Context) (Trace, error) {
	if err := u.h.syncToCurrentUpper(ctx); err != nil {
		return nil, err
	}
	if !u.isInitialized() {
		return nil, ErrUninitialized
	}
	rows, err := u.h.snapshotUnconsolidated(ctx)
	if err != nil {
		return nil, err
	}
	return traceFromSnapshot(rows), nil
}

// TraceConsolidated returns the live rows of the log.
func (u *UnopenedState) TraceConsolidated(ctx context.Context) (Trace, error) {
	if err := u.h.syncToCurrentUpper(ctx); err != nil {
		return nil, err
	}
	if !u.isInitialized() {
		return nil, ErrUninitialized
	}
	rows, err := u.currentSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return traceFromSnapshot(rows), nil
}

// currentSnapshot syncs and returns the decoded, consolidated cache sorted by
// timestamp.
func (u *UnopenedState) currentSnapshot(ctx context.Context) ([]StateUpdate[StateUpdateKind], error) {
	if err := u.h.syncToCurrentUpper(ctx); err != nil {
		return nil, err
	}
	u.h.consolidate()
	out := make([]StateUpdate[StateUpdateKind], 0, len(u.h.snapshot))
	for _, r := range u.h.snapshot {
		out = append(out, StateUpdate[StateUpdateKind]{Kind: r.Kind.MustDecode(), TS: r.TS, Diff: r.Diff})
	}
	return out, nil
}

// OpenArgs are the inputs of opening a catalog.
type OpenArgs struct {
	// BootstrapConfigs are written with user_version when the catalog is
	// bootstrapped.
	BootstrapConfigs map[string]uint64
	// DeployGeneration, if set, is recorded as deploy_generation.
	DeployGeneration *uint64
	// EpochLowerBound is the smallest epoch a writable open may take.
	EpochLowerBound Epoch
}

// Open opens the catalog for writing, fencing out every previous writer and
// bootstrapping the catalog if it is uninitialized.
func (u *UnopenedState) Open(ctx context.Context, args OpenArgs) (*State, error) {
	return u.openInner(ctx, Writable, args)
}

// OpenSavepoint opens the catalog without fencing anyone out. Mutations are
// kept in memory.
func (u *UnopenedState) OpenSavepoint(ctx context.Context, args OpenArgs) (*State, error) {
	return u.openInner(ctx, Savepoint, args)
}

// OpenReadOnly opens the catalog for reads only.
func (u *UnopenedState) OpenReadOnly(ctx context.Context, bootstrapConfigs map[string]uint64) (*State, error) {
	return u.openInner(ctx, Readonly, OpenArgs{BootstrapConfigs: bootstrapConfigs})
}

func (u *UnopenedState) openInner(ctx context.Context, mode Mode, args OpenArgs) (*State, error) {
	if err := u.h.syncToCurrentUpper(ctx); err != nil {
		return nil, err
	}
	prev, hasPrev, err := u.h.epoch.Validate()
	if err != nil {
		return nil, err
	}

	// Fence out previous catalogs.
	var fence []Change
	current := MinEpoch
	if hasPrev {
		fence = append(fence, Retract(EpochKind(prev)))
		current = prev
	}
	// Only writable catalogs take a new epoch.
	if mode == Writable {
		if hasPrev {
			current = prev + 1
		}
		if args.EpochLowerBound > 0 {
			log.Info().Uint64("epoch_lower_bound", uint64(args.EpochLowerBound)).Msg("opening catalog with epoch lower bound")
		}
		current = max(current, args.EpochLowerBound)
	}
	fence = append(fence, Insert(EpochKind(current)))
	log.Debug().Uint64("upper", uint64(u.h.upper)).Uint64("prev_epoch", uint64(prev)).
		Uint64("epoch", uint64(current)).Stringer("mode", mode).Msg("fencing previous catalogs")
	u.h.epoch = UnfencedEpoch(current)
	if mode == Writable {
		if err := u.h.compareAndAppend(ctx, fence); err != nil {
			return nil, err
		}
	}

	initialized := u.isInitialized()
	if mode != Writable && !initialized {
		return nil, &NotWritableError{Reason: fmt.Sprintf("catalog tables do not exist; will not create in %s mode", mode)}
	}
	if u.h.upper == sharedlog.Minimum {
		log.Error().Msg("opened catalog at the minimum upper")
	}
	log.Debug().Bool("initialized", initialized).Uint64("upper", uint64(u.h.upper)).Msg("initializing catalog state")

	s := &State{applier: newOpenedApplier(mode), org: u.org}
	s.h = &handle[StateUpdateKind]{
		client:      u.h.client,
		shardID:     u.h.shardID,
		sinceHandle: u.h.sinceHandle,
		writeHandle: u.h.writeHandle,
		listen:      u.h.listen,
		applier:     s.applier,
		decode:      decodeKind,
		upper:       u.h.upper,
		epoch:       u.h.epoch,
	}
	rows := make([]StateUpdate[StateUpdateKind], 0, len(u.h.snapshot))
	for _, r := range u.h.snapshot {
		rows = append(rows, StateUpdate[StateUpdateKind]{Kind: r.Kind.MustDecode(), TS: r.TS, Diff: r.Diff})
	}
	if err := s.h.applyUpdates(rows); err != nil {
		return nil, err
	}

	var changes []Change
	if initialized {
		if args.DeployGeneration != nil {
			changes = u.setConfig(DeployGenerationKey, *args.DeployGeneration)
		}
	} else {
		for _, r := range u.h.snapshot {
			if k, err := r.Kind.Decode(); err != nil || k.Collection != CollectionEpoch {
				log.Error().Str("row", string(r.Kind)).Msg("trace should not contain any updates for an uninitialized catalog")
			}
		}
		changes = bootstrapChanges(args)
	}

	if mode == Readonly {
		if err := s.applyInMemory(changes); err != nil {
			return nil, err
		}
	} else if err := s.CommitTransaction(ctx, changes); err != nil {
		return nil, err
	}

	// Signal to readers that the allowable versions have increased.
	if mode == Writable {
		if err := incrementUpgradeShardVersion(ctx, u.h.client, u.org); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// setConfig returns the changes that replace config key with value.
func (u *UnopenedState) setConfig(key string, value uint64) []Change {
	prev, ok := u.applier.configs[key]
	if ok && prev == value {
		return nil
	}
	var changes []Change
	if ok {
		changes = append(changes, Retract(ConfigKind(key, prev)))
	}
	return append(changes, Insert(ConfigKind(key, value)))
}

// bootstrapChanges are the rows of a freshly initialized catalog.
func bootstrapChanges(args OpenArgs) []Change {
	configs := map[string]uint64{UserVersionKey: CatalogVersion}
	for k, v := range args.BootstrapConfigs {
		configs[k] = v
	}
	if args.DeployGeneration != nil {
		configs[DeployGenerationKey] = *args.DeployGeneration
	}
	changes := make([]Change, 0, len(configs)+len(defaultIDAllocators))
	for k, v := range configs {
		changes = append(changes, Insert(ConfigKind(k, v)))
	}
	for _, name := range defaultIDAllocators {
		changes = append(changes, Insert(IDAllocatorKind(name, 1)))
	}
	return changes
}

// OpenDebug returns a handle for operator edits of the catalog.
func (u *UnopenedState) OpenDebug(retry DebugRetry) *DebugState {
	return &DebugState{u: u, retry: retry}
}

// Expire releases the catalog's leases.
func (u *UnopenedState) Expire(ctx context.Context) {
	u.h.expire(ctx)
}
