package engine

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hailam/chesscore/internal/board"
)

// SplitPoint coordinates a master thread and its recruited helpers
// cooperatively searching the remaining moves of one staged MovePicker at a
// single node (Young Brothers Wait Concept): every participant shares the
// master's move order and alpha/beta window, and a beta cutoff reported by
// any one of them stops the others from starting new moves.
//
// parent links to the split point (if any) this node's search was itself
// running under when it split, so a cutoff can cascade to every descendant
// in one pass instead of only the immediate one.
type SplitPoint struct {
	parent   *SplitPoint
	picker   *MovePicker
	depth    int
	ply      int
	prevMove board.Move

	// basePos/basePosHistory are the master's position and repetition
	// history at the moment of the split; each slave works from its own
	// board.Position copy rooted here.
	basePos        *board.Position
	basePosHistory []uint64

	// parentFutilityMargin carries the parent node's static-eval-plus-margin
	// futility context into every slave's per-move decision, rather than
	// each slave recomputing (and potentially disagreeing on) its own
	// static evaluation of a node it never actually entered.
	parentFutilityMargin int
	pruneQuietMoves       bool

	mu        sync.Mutex
	alpha     int
	beta      int
	bestScore int
	bestMove  board.Move
	cutoff    bool
	moveCount int

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newSplitPoint(parent *SplitPoint, picker *MovePicker, depth, ply, alpha, beta, bestScore int, bestMove, prevMove board.Move, pos *board.Position, posHistory []uint64) *SplitPoint {
	sp := &SplitPoint{
		parent:         parent,
		picker:         picker,
		depth:          depth,
		ply:            ply,
		prevMove:       prevMove,
		basePos:        pos.Copy(),
		basePosHistory: append([]uint64(nil), posHistory...),
		alpha:          alpha,
		beta:           beta,
		bestScore:      bestScore,
		bestMove:       bestMove,
	}
	return sp
}

// anyCutoff reports whether this split point or any ancestor has already
// seen a beta cutoff -- the cancellation cascade spec.md's concurrency
// model requires participants to poll at move-loop entry and after each
// child search.
func (sp *SplitPoint) anyCutoff() bool {
	for s := sp; s != nil; s = s.parent {
		s.mu.Lock()
		c := s.cutoff
		s.mu.Unlock()
		if c {
			return true
		}
	}
	return false
}

// nextMove pulls the next candidate move from the shared picker under lock
// (spec.md 4.5: "next() is called under the split-point lock to serialize
// move distribution across workers"). ok is false once the picker is dry or
// a cutoff has already been reported.
func (sp *SplitPoint) nextMove() (move board.Move, ok bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.cutoff {
		return board.NoMove, false
	}
	m := sp.picker.Next()
	if m == board.NoMove {
		return board.NoMove, false
	}
	sp.moveCount++
	return m, true
}

// window returns the current shared alpha/beta and futility context under
// lock, since alpha narrows as participants report better scores.
func (sp *SplitPoint) window() (alpha, beta, futilityThreshold int, pruneQuiet bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.alpha, sp.beta, sp.parentFutilityMargin, sp.pruneQuietMoves
}

// report folds one participant's fully-searched move into the shared best
// score/move and alpha window, returning true if this or an ancestor split
// point now has a beta cutoff.
func (sp *SplitPoint) report(score int, move board.Move) bool {
	sp.mu.Lock()
	if !sp.cutoff && score > sp.bestScore {
		sp.bestScore = score
		sp.bestMove = move
		if score > sp.alpha {
			sp.alpha = score
		}
	}
	if !sp.cutoff && score >= sp.beta {
		sp.cutoff = true
	}
	sp.mu.Unlock()
	return sp.anyCutoff()
}

// snapshot reads the final alpha/bestScore/bestMove/cutoff once every
// participant has finished.
func (sp *SplitPoint) snapshot() (bestScore int, bestMove board.Move, cutoff bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.bestScore, sp.bestMove, sp.cutoff
}

// searchAsSlave is run by a helper thread once booked onto sp: it repeatedly
// draws moves from the shared picker and searches each one against its own
// position copy until the picker is dry or a cutoff is reported anywhere in
// the ancestor chain.
func (sp *SplitPoint) searchAsSlave(w *Worker) {
	w.pos = sp.basePos.Copy()
	w.posHistory = append(w.posHistory[:0], sp.basePosHistory...)

	prevSplit := w.currentSplitPoint
	w.currentSplitPoint = sp
	defer func() { w.currentSplitPoint = prevSplit }()

	for {
		if sp.anyCutoff() {
			return
		}
		move, ok := sp.nextMove()
		if !ok {
			return
		}

		searchSplitMove(w, sp, move)
	}
}

// searchSplitMove makes move against w's position, searches it with a
// principal-variation-style null-window-then-re-search against the split
// point's live window, and folds the result back in. Shared between the
// master's own draw loop and every slave so both sides of a split apply
// identical move-level logic.
func searchSplitMove(w *Worker, sp *SplitPoint, move board.Move) {
	isCapture := move.IsCapture(w.pos)
	isPromotion := move.IsPromotion()

	alpha, beta, futilityMargin, pruneQuiet := sp.window()

	if pruneQuiet && !isCapture && !isPromotion {
		gain := w.orderer.GetGain(w.pos.SideToMove, move.To())
		if futilityMargin+gain+45 <= alpha {
			return
		}
	}

	undo := w.pos.MakeMove(move)
	if !undo.Valid {
		return
	}
	w.posHistory = append(w.posHistory, w.pos.Hash)

	score := -w.negamax(sp.depth-1, sp.ply+1, -alpha-1, -alpha, move)
	if score > alpha && score < beta {
		score = -w.negamax(sp.depth-1, sp.ply+1, -beta, -alpha, move)
	}

	w.posHistory = w.posHistory[:len(w.posHistory)-1]
	w.pos.UnmakeMove(move, undo)

	if w.stopFlag.Load() {
		return
	}

	sp.report(score, move)

	if score >= beta && !isCapture {
		w.orderer.UpdateKillers(move, sp.ply)
		w.orderer.UpdateHistory(move, sp.depth, true)
		bonus := sp.depth * sp.depth
		w.sharedHistory.Update(int(move.From()), int(move.To()), bonus)
		w.orderer.UpdateCounterMove(sp.prevMove, move, w.pos)
	}
}
