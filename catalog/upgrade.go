package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/mod/semver"

	"github.com/chn0318/catalogstore/sharedlog"
)

const (
	catalogShardName = "catalog"
	upgradeShardName = "catalog_upgrade"
)

// Seeds used to derive shard ids from the organization id.
const (
	// CatalogSeed derives the catalog shard.
	CatalogSeed = 1
	// UpgradeSeed derives the catalog upgrade shard. The upgrade shard holds
	// no rows; its applier version records the highest version that opened
	// the catalog for writing, so tools from the future can tell that reading
	// the catalog would fence out the running deployment.
	UpgradeSeed = 2
)

// CatalogShardID returns the catalog shard of an organization.
func CatalogShardID(org uuid.UUID) sharedlog.ShardID {
	return sharedlog.NewShardID(org, CatalogSeed)
}

// UpgradeShardID returns the catalog upgrade shard of an organization.
func UpgradeShardID(org uuid.UUID) sharedlog.ShardID {
	return sharedlog.NewShardID(org, UpgradeSeed)
}

// checkDataVersion reports whether code running codeVersion can tolerate data
// written by dataVersion. Code tolerates older data and data up to one minor
// version newer within the same major version.
func checkDataVersion(codeVersion, dataVersion string) error {
	code, data := sharedlog.CanonicalVersion(codeVersion), sharedlog.CanonicalVersion(dataVersion)
	if code == "" || data == "" {
		return fmt.Errorf("invalid versions: code %q, data %q", codeVersion, dataVersion)
	}
	if semver.Compare(data, code) <= 0 {
		return nil
	}
	if semver.Major(code) != semver.Major(data) {
		return fmt.Errorf("data version %s has a newer major version than code version %s", dataVersion, codeVersion)
	}
	if minorOf(data) > minorOf(code)+1 {
		return fmt.Errorf("data version %s is more than one minor version ahead of code version %s", dataVersion, codeVersion)
	}
	return nil
}

func minorOf(canonical string) int {
	mm := strings.TrimPrefix(semver.MajorMinor(canonical), semver.Major(canonical)+".")
	n, err := strconv.Atoi(mm)
	if err != nil {
		return 0
	}
	return n
}

// checkUpgradeShard refuses to proceed if the deployed version recorded in
// the upgrade shard cannot tolerate this binary writing to the catalog. A
// missing version means a brand new environment.
func checkUpgradeShard(ctx context.Context, client *sharedlog.Client, org uuid.UUID) error {
	found, ok, err := client.InspectVersion(ctx, UpgradeShardID(org))
	if err != nil {
		return fmt.Errorf("inspect catalog upgrade shard: %w", err)
	}
	if !ok {
		return nil
	}
	if err := checkDataVersion(found, client.Version()); err != nil {
		log.Debug().Err(err).Str("found", found).Str("version", client.Version()).Msg("upgrade shard version check failed")
		return &IncompatibleVersionError{Found: found, Catalog: client.Version()}
	}
	return nil
}

// incrementUpgradeShardVersion raises the version recorded in the upgrade
// shard to this binary's version by appending an empty batch, retrying until
// the append wins.
func incrementUpgradeShardVersion(ctx context.Context, client *sharedlog.Client, org uuid.UUID) error {
	wh, err := client.OpenWriter(ctx, UpgradeShardID(org), sharedlog.Diagnostics{
		ShardName:     upgradeShardName,
		HandlePurpose: "increment durable catalog upgrade shard version",
	})
	if err != nil {
		return err
	}
	defer wh.Expire(ctx)

	upper, err := wh.FetchRecentUpper(ctx)
	if err != nil {
		return err
	}
	for {
		err := wh.CompareAndAppend(ctx, nil, upper, upper.StepForward())
		var mismatch *sharedlog.UpperMismatch
		switch {
		case err == nil:
			log.Debug().Str("version", client.Version()).Msg("incremented catalog upgrade shard version")
			return nil
		case errors.As(err, &mismatch):
			upper = mismatch.Current
		default:
			return fmt.Errorf("increment catalog upgrade shard version: %w", err)
		}
	}
}
