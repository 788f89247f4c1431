package provisioning

import (
	"fmt"
	"hash/fnv"
)

// Hub selection strategies.
const (
	// StrategyLast assigns every device to the last linked hub.
	StrategyLast = "last"

	// StrategyHash spreads devices across linked hubs by registration ID.
	// A device keeps its hub as long as the hub list is unchanged.
	StrategyHash = "hash"
)

// validStrategy reports whether s names a known strategy. Empty means StrategyLast.
func validStrategy(s string) error {
	switch s {
	case "", StrategyLast, StrategyHash:
		return nil
	default:
		return fmt.Errorf("unknown hub strategy %q", s)
	}
}

// SelectHub picks the hub for registrationID. hubs must not be empty.
func SelectHub(strategy, registrationID string, hubs []string) string {
	if len(hubs) == 0 {
		return ""
	}
	if strategy != StrategyHash {
		return hubs[len(hubs)-1]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(registrationID))
	return hubs[h.Sum32()%uint32(len(hubs))] //nolint:gosec // len(hubs) is small and positive
}
