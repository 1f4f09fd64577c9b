package engine

import (
	"sort"
	"time"

	"github.com/hailam/chesscore/internal/board"
	"github.com/hailam/chesscore/internal/persist"
)

// SearchInfo contains information about the current search.
type SearchInfo struct {
	Depth    int
	Score    int
	Nodes    uint64
	Time     time.Duration
	PV       []board.Move
	HashFull int // Permille of hash table used
}

// SearchLimits specifies constraints on the search.
type SearchLimits struct {
	Depth       int           // Maximum depth (0 = no limit)
	Nodes       uint64        // Maximum nodes (0 = no limit)
	MoveTime    time.Duration // Time for this move (0 = no limit)
	Infinite    bool          // Search until stopped
	SearchMoves []board.Move  // Restrict the root to these moves, if non-empty
	MultiPV     int           // Number of distinct root lines to report (0 or 1 = single PV)
}

// MultiPVResult is one of the ranked root lines returned by SearchMultiPV.
type MultiPVResult struct {
	Move  board.Move
	Score int
	Depth int
	PV    []board.Move
}

// Difficulty represents the AI difficulty level.
type Difficulty int

const (
	Easy   Difficulty = iota // ~2-3 ply, 500ms
	Medium                   // ~4-5 ply, 2s
	Hard                     // ~6+ ply, 5s
)

// DifficultySettings maps difficulty to search limits.
var DifficultySettings = map[Difficulty]SearchLimits{
	Easy:   {Depth: 3, MoveTime: 500 * time.Millisecond},
	Medium: {Depth: 5, MoveTime: 2 * time.Second},
	Hard:   {Depth: 7, MoveTime: 5 * time.Second},
}

// Engine is the chess AI engine.
type Engine struct {
	searcher   *Searcher
	tt         *TranspositionTable
	difficulty Difficulty

	// YBWC thread pool tuning, applied the next time the pool is (re)built.
	// The single-Searcher path above remains available for low-difficulty/UCI
	// callers that don't need split-point parallelism.
	threadCount             int
	minSplitDepth           int
	maxThreadsPerSplitPoint int
	useSleepingThreads      bool

	pool            *ThreadPool // built lazily by ensurePool once threadCount > 1
	poolThreadCount int         // thread count the current pool was built with

	// Callbacks
	OnInfo func(SearchInfo)
}

// NewEngine creates a new chess engine with the given transposition table size in MB.
func NewEngine(ttSizeMB int) *Engine {
	tt := NewTranspositionTable(ttSizeMB)
	return &Engine{
		searcher:                NewSearcher(tt),
		tt:                      tt,
		difficulty:              Medium,
		threadCount:             1,
		minSplitDepth:           4,
		maxThreadsPerSplitPoint: 5,
		useSleepingThreads:      true,
	}
}

// SetDifficulty sets the engine difficulty.
func (e *Engine) SetDifficulty(d Difficulty) {
	e.difficulty = d
}

// SetPositionHistory feeds the game's move history to the searcher so it can
// detect repetitions that span outside the current search tree.
func (e *Engine) SetPositionHistory(hashes []uint64) {
	e.searcher.SetRootHistory(hashes)
}

// SetHashSizeMB resizes the transposition table, discarding its contents.
func (e *Engine) SetHashSizeMB(mb int) {
	e.tt.Resize(mb)
}

// SetThreadCount sets how many YBWC worker threads the search pool uses.
func (e *Engine) SetThreadCount(n int) {
	if n < 1 {
		n = 1
	}
	e.threadCount = n
}

// SetMinSplitDepth sets the shallowest depth at which a split point may be
// created ("Minimum Split Depth" UCI option).
func (e *Engine) SetMinSplitDepth(n int) {
	e.minSplitDepth = n
}

// SetMaxThreadsPerSplitPoint caps how many helper threads may join a single
// split point.
func (e *Engine) SetMaxThreadsPerSplitPoint(n int) {
	e.maxThreadsPerSplitPoint = n
}

// SetUseSleepingThreads records the "Use Sleeping Threads" setting. The value
// is not passed to the pool: idle helpers always block on a condition
// variable, and false does not make them spin.
func (e *Engine) SetUseSleepingThreads(v bool) {
	e.useSleepingThreads = v
}

// SetNullMoveMargin adjusts the beta margin required for null-move pruning
// to trigger a cutoff ("Null Move Margin" UCI option).
func (e *Engine) SetNullMoveMargin(n int) {
	nullMoveMarginAdjust = n
}

// SetFutilityMargin rescales the per-depth futility pruning margins around a
// new base value ("Futility Margin" UCI option, default 150).
func (e *Engine) SetFutilityMargin(base int) {
	futilityMargins = [4]int{0, base * 4 / 3, base * 2, base * 10 / 3}
}

// SetLMRBase rescales the LMR reduction table's logarithmic coefficient
// ("LMR Base" UCI option, default 75 corresponding to Stockfish's 21.46).
func (e *Engine) SetLMRBase(n int) {
	lmrBaseScale = float64(n) * 21.46 / 75.0
	recomputeLMRTable()
}

// LoadHashSnapshot repopulates the transposition table from a previously
// persisted snapshot.
func (e *Engine) LoadHashSnapshot(snap *persist.Snapshot) {
	e.tt.LoadSnapshot(snap)
}

// HashSnapshot exports the current transposition table contents for writing
// to disk.
func (e *Engine) HashSnapshot() *persist.Snapshot {
	return e.tt.Snapshot()
}

// Search finds the best move for the given position.
func (e *Engine) Search(pos *board.Position) board.Move {
	limits := DifficultySettings[e.difficulty]
	return e.SearchWithLimits(pos, limits)
}

// ensurePool lazily builds (or tears down and rebuilds, if threadCount
// changed since the last call) the YBWC helper pool and attaches it to the
// searcher's worker. A threadCount of 1 detaches any existing pool so the
// search stays fully sequential.
func (e *Engine) ensurePool() {
	if e.threadCount <= 1 {
		if e.pool != nil {
			e.pool.Shutdown()
			e.pool = nil
			e.searcher.SetPool(nil)
		}
		return
	}

	if e.pool != nil && e.poolThreadCount == e.threadCount {
		e.pool.SetMinSplitDepth(e.minSplitDepth)
		e.pool.SetMaxThreadsPerSplitPoint(e.maxThreadsPerSplitPoint)
		return
	}

	if e.pool != nil {
		e.pool.Shutdown()
	}

	e.pool = NewThreadPool(e.threadCount, e.tt, e.searcher.SharedHistory(), e.searcher.StopFlagPtr())
	e.pool.SetMinSplitDepth(e.minSplitDepth)
	e.pool.SetMaxThreadsPerSplitPoint(e.maxThreadsPerSplitPoint)
	e.poolThreadCount = e.threadCount
	e.searcher.SetPool(e.pool)
}

// nodes returns the master's node count plus every recruited helper's, so
// "nodes searched"/"nps" reporting reflects the whole split-point search
// rather than just the root worker's own share of it.
func (e *Engine) nodes() uint64 {
	total := e.searcher.Nodes()
	if e.pool != nil {
		total += e.pool.Nodes()
	}
	return total
}

// Shutdown tears down the YBWC helper pool, if one is running. Callers that
// embed an Engine for the lifetime of a process should call this before
// exiting so helper goroutines don't leak.
func (e *Engine) Shutdown() {
	if e.pool != nil {
		e.pool.Shutdown()
		e.pool = nil
	}
}

// SearchWithLimits finds the best move with specific search limits.
func (e *Engine) SearchWithLimits(pos *board.Position, limits SearchLimits) board.Move {
	e.searcher.Reset()
	e.tt.NewSearch()
	e.setRootExclusions(pos, limits, nil)
	e.ensurePool()

	move, _, _ := e.iterativeDeepen(pos, limits)
	return move
}

// SearchMultiPV runs up to limits.MultiPV independent iterative-deepening
// searches, each excluding the root moves already reported, and returns the
// resulting lines best-first. This is the teacher's Multi-PV root-exclusion
// trick (worker.go's excludedRootMoves) driven from the outside instead of
// from within a single search call.
func (e *Engine) SearchMultiPV(pos *board.Position, limits SearchLimits) []MultiPVResult {
	n := limits.MultiPV
	if n < 1 {
		n = 1
	}

	results := make([]MultiPVResult, 0, n)
	var found []board.Move

	e.ensurePool()
	for i := 0; i < n; i++ {
		e.searcher.Reset()
		e.tt.NewSearch()
		e.setRootExclusions(pos, limits, found)

		move, score, depth := e.iterativeDeepen(pos, limits)
		if move == board.NoMove {
			break
		}

		results = append(results, MultiPVResult{
			Move:  move,
			Score: score,
			Depth: depth,
			PV:    e.searcher.GetPV(),
		})
		found = append(found, move)
	}

	// Each line comes from an independent search, so a later line can score
	// higher than an earlier one; order them by score before returning.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	e.searcher.SetExcludedMoves(nil)
	return results
}

// setRootExclusions configures the searcher's excluded root moves from
// limits.SearchMoves (a positive restriction) combined with alreadyFound
// (moves a prior Multi-PV iteration already reported, which must be skipped
// so the next iteration finds a different line).
func (e *Engine) setRootExclusions(pos *board.Position, limits SearchLimits, alreadyFound []board.Move) {
	legal := pos.GenerateLegalMoves()
	excluded := make([]board.Move, 0, legal.Len())

	for i := 0; i < legal.Len(); i++ {
		m := legal.Get(i)

		if len(limits.SearchMoves) > 0 {
			allowed := false
			for _, sm := range limits.SearchMoves {
				if sm == m {
					allowed = true
					break
				}
			}
			if !allowed {
				excluded = append(excluded, m)
				continue
			}
		}

		for _, f := range alreadyFound {
			if f == m {
				excluded = append(excluded, m)
				break
			}
		}
	}

	e.searcher.SetExcludedMoves(excluded)
}

// iterativeDeepen runs the aspiration-window iterative deepening loop and
// returns the best move found along with its score and the depth it was
// found at.
func (e *Engine) iterativeDeepen(pos *board.Position, limits SearchLimits) (board.Move, int, int) {
	startTime := time.Now()
	var bestMove board.Move
	var bestScore, prevScore, bestDepth int

	// Determine maximum depth
	maxDepth := MaxPly
	if limits.Depth > 0 {
		maxDepth = limits.Depth
	}

	// Determine deadline
	var deadline time.Time
	if limits.MoveTime > 0 {
		deadline = startTime.Add(limits.MoveTime)
	}

	// Iterative deepening
	for depth := 1; depth <= maxDepth; depth++ {
		// Check time before starting new iteration
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		var move board.Move
		var score int

		// Use aspiration windows after depth 4 and when we have a previous score
		if depth >= 5 && bestMove != board.NoMove {
			// Half-width grows with how far the previous two iterations'
			// scores have drifted, so a position that is actively swinging
			// starts with a wider window instead of guaranteeing an
			// immediate re-search.
			delta := 16
			if d := abs(bestScore - prevScore); d > delta {
				delta = d
			}
			alpha := bestScore - delta
			beta := bestScore + delta

			// Aspiration window search with widening: each failure doubles
			// the side that failed instead of jumping straight to +-infinity,
			// so a near-miss costs a small re-search rather than a full one.
			for {
				move, score = e.searcher.SearchWithBounds(pos, depth, alpha, beta)

				if e.searcher.stopFlag.Load() {
					break
				}

				if score <= alpha {
					beta = (alpha + beta) / 2
					alpha -= delta
					if alpha < -Infinity {
						alpha = -Infinity
					}
				} else if score >= beta {
					beta += delta
					if beta > Infinity {
						beta = Infinity
					}
				} else {
					break
				}

				delta += delta
				if alpha == -Infinity && beta == Infinity {
					break
				}
			}
		} else {
			// Full window search for early depths
			move, score = e.searcher.Search(pos, depth)
		}

		// Check if search was stopped
		if e.searcher.stopFlag.Load() {
			break
		}

		// Update best move
		if move != board.NoMove {
			prevScore = bestScore
			bestMove = move
			bestScore = score
			bestDepth = depth
		}

		// Report info
		if e.OnInfo != nil {
			elapsed := time.Since(startTime)
			e.OnInfo(SearchInfo{
				Depth:    depth,
				Score:    bestScore,
				Nodes:    e.nodes(),
				Time:     elapsed,
				PV:       e.searcher.GetPV(),
				HashFull: e.tt.HashFull(),
			})
		}

		// Early termination: found mate
		if score > MateScore-100 || score < -MateScore+100 {
			break
		}

		// Check time after iteration
		if !deadline.IsZero() {
			elapsed := time.Since(startTime)
			remaining := limits.MoveTime - elapsed

			// If we've used more than half the time, don't start another iteration
			if remaining < elapsed {
				break
			}
		}
	}

	return bestMove, bestScore, bestDepth
}

// Stop stops the current search.
func (e *Engine) Stop() {
	e.searcher.Stop()
}

// Clear clears the transposition table and other caches.
func (e *Engine) Clear() {
	e.tt.Clear()
	e.searcher.ClearOrderer()
}

// Perft performs a perft test (for debugging move generation).
func (e *Engine) Perft(pos *board.Position, depth int) uint64 {
	if depth == 0 {
		return 1
	}

	moves := pos.GenerateLegalMoves()
	if depth == 1 {
		return uint64(moves.Len())
	}

	var nodes uint64
	for i := 0; i < moves.Len(); i++ {
		move := moves.Get(i)
		undo := pos.MakeMove(move)
		nodes += e.Perft(pos, depth-1)
		pos.UnmakeMove(move, undo)
	}

	return nodes
}

// Evaluate returns the static evaluation of a position.
func (e *Engine) Evaluate(pos *board.Position) int {
	return Evaluate(pos)
}

// ScoreToString converts a score to a human-readable string.
func ScoreToString(score int) string {
	if score > MateScore-100 {
		mateIn := (MateScore - score + 1) / 2
		return "Mate in " + itoa(mateIn)
	}
	if score < -MateScore+100 {
		mateIn := (MateScore + score + 1) / 2
		return "Mated in " + itoa(mateIn)
	}

	// Convert centipawns to pawns
	sign := ""
	if score < 0 {
		sign = "-"
		score = -score
	}
	pawns := score / 100
	centipawns := score % 100

	return sign + itoa(pawns) + "." + itoa(centipawns)
}

// Simple integer to string (avoid fmt import)
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + itoa(-n)
	}
	s := ""
	for n > 0 {
		s = string('0'+byte(n%10)) + s
		n /= 10
	}
	return s
}
