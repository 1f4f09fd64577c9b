package engine

import "sync/atomic"

// SharedHistory is a from/to history table shared by every worker in the
// search pool, so a cutoff found by one thread immediately improves move
// ordering for every other thread searching the same position tree
// (Lazy SMP's collective learning). Indexed the same way as MoveOrderer's
// per-worker history table, but backed by atomics since multiple workers
// update it concurrently with no other synchronization.
type SharedHistory struct {
	scores [64][64]atomic.Int32
}

// NewSharedHistory creates an empty shared history table.
func NewSharedHistory() *SharedHistory {
	return &SharedHistory{}
}

// Get returns the current history score for a from/to pair.
func (sh *SharedHistory) Get(from, to int) int {
	return int(sh.scores[from][to].Load())
}

// Update adds bonus to a from/to pair's score, clamping to avoid overflow.
func (sh *SharedHistory) Update(from, to int, bonus int) {
	const cap = 1 << 20
	v := sh.scores[from][to].Add(int32(bonus))
	if v > cap {
		sh.scores[from][to].Store(cap)
	} else if v < -cap {
		sh.scores[from][to].Store(-cap)
	}
}

// Clear resets every entry to zero.
func (sh *SharedHistory) Clear() {
	for i := range sh.scores {
		for j := range sh.scores[i] {
			sh.scores[i][j].Store(0)
		}
	}
}
