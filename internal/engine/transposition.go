package engine

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/hailam/chesscore/internal/board"
	"github.com/hailam/chesscore/internal/persist"
)

// TTFlag indicates the type of bound stored in the transposition table.
type TTFlag uint8

const (
	TTExact      TTFlag = iota // Exact score
	TTLowerBound               // Failed high (beta cutoff)
	TTUpperBound               // Failed low
)

// ttClusterSize is the number of entries probed/replaced together. Clustering
// keeps related slots on the same cache line and gives the replacement policy
// a small neighborhood to pick from instead of a single forced slot.
const ttClusterSize = 4

// TTEntry is the unpacked view of a transposition table slot handed back by Probe.
type TTEntry struct {
	BestMove board.Move
	Score    int16
	Depth    int8
	Flag     TTFlag
	Age      uint8
	IsPV     bool
}

// ttSlot holds one entry's state across two lock-free words. The key word
// never stores the raw Zobrist hash directly; it stores hash^data, so that a
// reader who catches a write half-done (new data, stale key or vice versa)
// will recompute a key that fails verification instead of silently serving
// corrupted search results. This is the same trick Stockfish's TT uses to
// stay correct without a lock: torn reads just look like a miss.
//
// xxhash of the candidate key is folded into the data word as a second,
// independent checksum, so a collision in the XOR trick alone (astronomically
// unlikely but not impossible under adversarial bit patterns) still gets caught.
type ttSlot struct {
	key  atomic.Uint64
	data atomic.Uint64
}

func packData(checksum16 uint16, move board.Move, score int16, depth int8, flag TTFlag, age uint8, isPV bool) uint64 {
	var pvBit uint64
	if isPV {
		pvBit = 1
	}
	return uint64(checksum16) |
		uint64(move)<<16 |
		uint64(uint16(score))<<32 |
		uint64(uint8(depth)&0x7F)<<48 |
		pvBit<<55 |
		uint64(flag&0x3)<<56 |
		uint64(age&0x3F)<<58
}

func unpackData(data uint64) (checksum16 uint16, move board.Move, score int16, depth int8, flag TTFlag, age uint8, isPV bool) {
	checksum16 = uint16(data)
	move = board.Move(uint16(data >> 16))
	score = int16(uint16(data >> 32))
	depth = int8((data >> 48) & 0x7F)
	isPV = (data>>55)&0x1 != 0
	flag = TTFlag((data >> 56) & 0x3)
	age = uint8((data >> 58) & 0x3F)
	return
}

func checksumOf(hash uint64) uint16 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], hash)
	return uint16(xxhash.Sum64(b[:]))
}

// ttCluster groups ttClusterSize slots that share a bucket index.
type ttCluster struct {
	slots [ttClusterSize]ttSlot
}

// TranspositionTable is a hash table for storing search results, shared by
// every search thread with no per-entry or per-shard locking: all access is
// through atomic word loads/stores, and correctness under races relies on the
// key^data verification above rather than mutual exclusion.
type TranspositionTable struct {
	clusters []ttCluster
	mask     uint64
	age      atomic.Uint32

	hits   atomic.Uint64
	probes atomic.Uint64
}

// NewTranspositionTable creates a transposition table with the given size in MB.
func NewTranspositionTable(sizeMB int) *TranspositionTable {
	clusterBytes := uint64(ttClusterSize * 16) // two uint64 words per slot
	numClusters := (uint64(sizeMB) * 1024 * 1024) / clusterBytes
	numClusters = roundDownToPowerOf2(numClusters)
	if numClusters == 0 {
		numClusters = 1
	}

	return &TranspositionTable{
		clusters: make([]ttCluster, numClusters),
		mask:     numClusters - 1,
	}
}

// roundDownToPowerOf2 rounds n down to the nearest power of 2.
func roundDownToPowerOf2(n uint64) uint64 {
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return (n + 1) >> 1
}

func (tt *TranspositionTable) clusterFor(hash uint64) *ttCluster {
	return &tt.clusters[hash&tt.mask]
}

// Probe looks up a position in the transposition table.
func (tt *TranspositionTable) Probe(hash uint64) (TTEntry, bool) {
	tt.probes.Add(1)
	cluster := tt.clusterFor(hash)
	want := checksumOf(hash)

	for i := range cluster.slots {
		slot := &cluster.slots[i]
		data := slot.data.Load()
		keyWord := slot.key.Load()
		candidate := keyWord ^ data
		if candidate != hash {
			continue
		}
		checksum16, move, score, depth, flag, age, isPV := unpackData(data)
		if checksum16 != want {
			continue
		}
		tt.hits.Add(1)
		return TTEntry{BestMove: move, Score: score, Depth: depth, Flag: flag, Age: age, IsPV: isPV}, true
	}

	return TTEntry{}, false
}

// Store saves a position in the transposition table, replacing whichever
// slot in the cluster looks least valuable to keep (oldest generation first,
// then shallowest depth).
func (tt *TranspositionTable) Store(hash uint64, depth int, score int, flag TTFlag, bestMove board.Move, isPV bool) {
	cluster := tt.clusterFor(hash)
	currentAge := uint8(tt.age.Load())
	want := checksumOf(hash)

	var victim *ttSlot
	victimScore := -1 << 30

	for i := range cluster.slots {
		slot := &cluster.slots[i]
		data := slot.data.Load()
		keyWord := slot.key.Load()
		candidate := keyWord ^ data

		existingChecksum, existingMove, _, existingDepth, _, existingAge, _ := unpackData(data)
		sameEntry := candidate == hash && existingChecksum == want

		if sameEntry && int(existingDepth) > depth && existingAge == currentAge {
			// Existing entry is from this search and deeper: keep it,
			// but still remember the current move if we didn't have one.
			if bestMove == board.NoMove && existingMove != board.NoMove {
				bestMove = existingMove
			}
			return
		}

		replaceScore := 0
		if existingAge != currentAge {
			replaceScore += 1000 // stale generation, prefer overwriting
		}
		replaceScore -= int(existingDepth)
		if sameEntry {
			replaceScore -= 500 // prefer updating the same position over evicting a neighbor
		}

		if replaceScore > victimScore {
			victimScore = replaceScore
			victim = slot
		}
	}

	if victim == nil {
		victim = &cluster.slots[0]
	}

	data := packData(want, bestMove, int16(score), int8(depth), flag, currentAge, isPV)
	victim.data.Store(data)
	victim.key.Store(hash ^ data)
}

// NewSearch increments the age counter for a new search.
func (tt *TranspositionTable) NewSearch() {
	tt.age.Add(1)
}

// Clear clears the transposition table.
func (tt *TranspositionTable) Clear() {
	for i := range tt.clusters {
		for j := range tt.clusters[i].slots {
			tt.clusters[i].slots[j].key.Store(0)
			tt.clusters[i].slots[j].data.Store(0)
		}
	}
	tt.age.Store(0)
	tt.hits.Store(0)
	tt.probes.Store(0)
}

// HashFull returns the permille (parts per thousand) of the table that is used.
func (tt *TranspositionTable) HashFull() int {
	sampleClusters := 250
	if sampleClusters > len(tt.clusters) {
		sampleClusters = len(tt.clusters)
	}
	currentAge := uint8(tt.age.Load())

	used := 0
	total := sampleClusters * ttClusterSize
	for i := 0; i < sampleClusters; i++ {
		for j := range tt.clusters[i].slots {
			data := tt.clusters[i].slots[j].data.Load()
			_, _, _, depth, _, age, _ := unpackData(data)
			if depth > 0 && age == currentAge {
				used++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return (used * 1000) / total
}

// HitRate returns the cache hit rate as a percentage.
func (tt *TranspositionTable) HitRate() float64 {
	probes := tt.probes.Load()
	if probes == 0 {
		return 0
	}
	return float64(tt.hits.Load()) / float64(probes) * 100
}

// Size returns the number of clusters in the table.
func (tt *TranspositionTable) Size() uint64 {
	return uint64(len(tt.clusters))
}

// Resize reallocates the table to a new size in MB, discarding its contents.
func (tt *TranspositionTable) Resize(sizeMB int) {
	fresh := NewTranspositionTable(sizeMB)
	tt.clusters = fresh.clusters
	tt.mask = fresh.mask
	tt.age.Store(0)
	tt.hits.Store(0)
	tt.probes.Store(0)
}

// Snapshot exports every occupied slot as a persist.Snapshot, for writing to disk.
func (tt *TranspositionTable) Snapshot() *persist.Snapshot {
	entries := make([]persist.Entry, 0, len(tt.clusters)*ttClusterSize/4)
	for i := range tt.clusters {
		for j := range tt.clusters[i].slots {
			slot := &tt.clusters[i].slots[j]
			data := slot.data.Load()
			keyWord := slot.key.Load()
			hash := keyWord ^ data
			checksum16, move, score, depth, flag, age, _ := unpackData(data)
			if depth == 0 && move == board.NoMove && score == 0 {
				continue
			}
			if checksum16 != checksumOf(hash) {
				continue
			}
			entries = append(entries, persist.Entry{
				Hash:  hash,
				Move:  uint16(move),
				Score: score,
				Depth: depth,
				Flag:  uint8(flag),
				Age:   age,
			})
		}
	}
	return &persist.Snapshot{Entries: entries}
}

// LoadSnapshot repopulates the table from a previously saved snapshot. Entries
// are inserted under the table's current generation so they age out normally.
func (tt *TranspositionTable) LoadSnapshot(snap *persist.Snapshot) {
	if snap == nil {
		return
	}
	currentAge := uint8(tt.age.Load())
	for _, e := range snap.Entries {
		cluster := tt.clusterFor(e.Hash)
		victim := &cluster.slots[0]
		data := packData(checksumOf(e.Hash), board.Move(e.Move), e.Score, e.Depth, TTFlag(e.Flag), currentAge, false)
		victim.data.Store(data)
		victim.key.Store(e.Hash ^ data)
	}
}

// AdjustScoreFromTT adjusts a score read from the transposition table.
// Mate scores need to be adjusted based on ply distance.
func AdjustScoreFromTT(score int, ply int) int {
	if score > MateScore-MaxPly {
		return score - ply
	}
	if score < -MateScore+MaxPly {
		return score + ply
	}
	return score
}

// AdjustScoreToTT adjusts a score for storage in the transposition table.
func AdjustScoreToTT(score int, ply int) int {
	if score > MateScore-MaxPly {
		return score + ply
	}
	if score < -MateScore+MaxPly {
		return score - ply
	}
	return score
}
