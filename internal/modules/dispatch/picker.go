package dispatch

import (
	"math/rand"

	"tomo/internal/types"
)

// PickRandomDrivers returns up to n distinct drivers from pool in random
// order without mutating pool.
func PickRandomDrivers(pool []types.ID, n int) []types.ID {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	shuffled := make([]types.ID, len(pool))
	copy(shuffled, pool)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}
