package sharedlog

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ShardID identifies a shard. It is formatted as "s" followed by a UUID.
type ShardID string

// NewShardID deterministically derives a shard id from an organization and a
// small integer seed: the first 16 bytes of SHA-256(organization || seed).
func NewShardID(organization uuid.UUID, seed int) ShardID {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%d", organization, seed)))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		panic(fmt.Sprintf("uuid from 16 bytes: %v", err))
	}
	return ShardID("s" + id.String())
}

// ParseShardID validates the textual form of a shard id.
func ParseShardID(s string) (ShardID, error) {
	if !strings.HasPrefix(s, "s") {
		return "", fmt.Errorf("invalid shard id %q: missing 's' prefix", s)
	}
	if _, err := uuid.Parse(s[1:]); err != nil {
		return "", fmt.Errorf("invalid shard id %q: %w", s, err)
	}
	return ShardID(s), nil
}

func (id ShardID) String() string { return string(id) }
