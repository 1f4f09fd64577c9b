package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hailam/chesscore/internal/board"
)

// threadState mirrors the teacher's original_source/thread.h ThreadState
// enum, trimmed to what a parked/booked/searching helper actually needs in
// this port (no THREAD_INITIALIZING/THREAD_TERMINATED bookkeeping, since a
// Go goroutine's lifecycle is already tracked by the errgroup it runs in).
type threadState int32

const (
	threadIdle threadState = iota
	threadBooked
	threadSearching
)

// poolThread is one YBWC helper: its own Worker (position copy, move
// orderer, correction history, and a private pawn hash table so concurrent
// Store calls from different helpers never tear the same slot -- the
// teacher's original_source/thread.h comment on per-thread Pawn/material
// tables applies directly here), parked on a condition variable until a
// master recruits it into a SplitPoint.
type poolThread struct {
	id     int
	worker *Worker

	mu    sync.Mutex
	cond  *sync.Cond
	state threadState

	splitPoint *SplitPoint
}

func newPoolThread(id int, tt *TranspositionTable, sharedHistory *SharedHistory, stopFlag *atomic.Bool) *poolThread {
	pawnTable := NewPawnTable(1)
	w := NewWorker(id, tt, pawnTable, sharedHistory, stopFlag)
	pt := &poolThread{id: id, worker: w}
	pt.cond = sync.NewCond(&pt.mu)
	return pt
}

// idleLoop parks the helper until a split point books it, searches that
// split point's remaining moves, then returns to parking. Exits once ctx is
// cancelled and the pool broadcasts to wake every parked thread.
func (pt *poolThread) idleLoop(ctx context.Context) error {
	pt.mu.Lock()
	for {
		for pt.splitPoint == nil && ctx.Err() == nil {
			pt.cond.Wait()
		}
		if ctx.Err() != nil {
			pt.mu.Unlock()
			return nil
		}
		sp := pt.splitPoint
		pt.state = threadSearching
		pt.mu.Unlock()

		sp.searchAsSlave(pt.worker)
		if sp.sem != nil {
			sp.sem.Release(1)
		}

		pt.mu.Lock()
		pt.splitPoint = nil
		pt.state = threadIdle
		sp.wg.Done()
	}
}

// bookFor assigns sp to this thread and wakes it from idleLoop's wait.
func (pt *poolThread) bookFor(sp *SplitPoint) {
	pt.mu.Lock()
	pt.splitPoint = sp
	pt.state = threadBooked
	pt.mu.Unlock()
	pt.cond.Signal()
}

func (pt *poolThread) isAvailable() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.splitPoint == nil && pt.state == threadIdle
}

// ThreadPool manages the YBWC helper goroutines a deep-enough node may
// recruit into a SplitPoint instead of searching its remaining moves alone.
// Only the root Searcher's own Worker (the "master") ever owns a pool and
// may call TrySplit; helper Workers are built with pool == nil, so a split's
// slaves always search sequentially -- this bounds the split graph to a
// single level per master recursion frame and sidesteps the cyclic
// Thread/SplitPoint/SearchStack bookkeeping the original engine needs
// MAX_ACTIVE_SPLIT_POINTS fixed-size slot arrays for. Go's GC-managed
// pointers make that indexing scheme unnecessary: the graph here only ever
// grows child to parent, never the reverse, so nothing cyclic can form.
type ThreadPool struct {
	threads []*poolThread

	recruitMu sync.Mutex // serializes recruitment, mirrors the teacher's threadsLock

	minSplitDepth           int
	maxThreadsPerSplitPoint int

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewThreadPool creates n-1 helper threads sharing tt and sharedHistory
// (Lazy SMP's collective-learning channel) but each with its own pawn hash
// table and move orderer.
func NewThreadPool(n int, tt *TranspositionTable, sharedHistory *SharedHistory, stopFlag *atomic.Bool) *ThreadPool {
	if n < 2 {
		n = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	tp := &ThreadPool{
		minSplitDepth:           4,
		maxThreadsPerSplitPoint: 5,
		eg:                      eg,
		cancel:                  cancel,
	}

	for i := 1; i < n; i++ {
		pt := newPoolThread(i, tt, sharedHistory, stopFlag)
		tp.threads = append(tp.threads, pt)
		eg.Go(func() error {
			return pt.idleLoop(egCtx)
		})
	}

	return tp
}

// SetMinSplitDepth sets the shallowest depth at which TrySplit may succeed
// ("Minimum Split Depth" UCI option).
func (tp *ThreadPool) SetMinSplitDepth(n int) {
	tp.recruitMu.Lock()
	defer tp.recruitMu.Unlock()
	tp.minSplitDepth = n
}

// SetMaxThreadsPerSplitPoint caps how many helpers (plus the master) may
// join one split point.
func (tp *ThreadPool) SetMaxThreadsPerSplitPoint(n int) {
	tp.recruitMu.Lock()
	defer tp.recruitMu.Unlock()
	tp.maxThreadsPerSplitPoint = n
}

// Size returns the number of helper threads in the pool (not counting the
// master).
func (tp *ThreadPool) Size() int {
	return len(tp.threads)
}

// Nodes sums every helper's node count, for folding into the master's own
// count when reporting a combined "nodes searched" total.
func (tp *ThreadPool) Nodes() uint64 {
	var total uint64
	for _, pt := range tp.threads {
		total += pt.worker.Nodes()
	}
	return total
}

// TrySplit attempts to recruit idle helpers to search the remainder of
// picker's moves at this node in parallel with the master. ok is false if
// depth is too shallow or no helper is currently available, in which case
// the caller must keep searching sequentially itself.
func (tp *ThreadPool) TrySplit(parent *SplitPoint, picker *MovePicker, depth, ply, alpha, beta, bestScore int, bestMove, prevMove board.Move, pos *board.Position, posHistory []uint64) (*SplitPoint, bool) {
	tp.recruitMu.Lock()

	if depth < tp.minSplitDepth {
		tp.recruitMu.Unlock()
		return nil, false
	}

	// A fresh per-split-point semaphore caps recruitment at
	// maxThreadsPerSplitPoint-1 helpers (the master itself fills the last
	// slot), matching "Maximum Number of Threads per Split Point" without
	// tying that cap to however many helpers happen to be idle pool-wide.
	sem := semaphore.NewWeighted(int64(tp.maxThreadsPerSplitPoint - 1))

	var helpers []*poolThread
	for _, pt := range tp.threads {
		if !sem.TryAcquire(1) {
			break
		}
		if !pt.isAvailable() {
			sem.Release(1)
			continue
		}
		helpers = append(helpers, pt)
	}
	if len(helpers) == 0 {
		tp.recruitMu.Unlock()
		return nil, false
	}

	sp := newSplitPoint(parent, picker, depth, ply, alpha, beta, bestScore, bestMove, prevMove, pos, posHistory)
	sp.sem = sem
	sp.wg.Add(len(helpers))
	for _, h := range helpers {
		h.bookFor(sp)
	}

	tp.recruitMu.Unlock()
	return sp, true
}

// Shutdown cancels every helper's idle loop and waits for them to exit.
func (tp *ThreadPool) Shutdown() {
	tp.cancel()
	for _, pt := range tp.threads {
		pt.cond.Broadcast()
	}
	_ = tp.eg.Wait()
}
