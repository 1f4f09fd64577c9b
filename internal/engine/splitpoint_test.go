package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/hailam/chesscore/internal/board"
)

func TestSplitPointCutoffCascadesToDescendants(t *testing.T) {
	parent := &SplitPoint{}
	child := &SplitPoint{parent: parent}

	if child.anyCutoff() {
		t.Fatal("expected no cutoff before any is reported")
	}

	parent.mu.Lock()
	parent.cutoff = true
	parent.mu.Unlock()

	if !child.anyCutoff() {
		t.Error("expected an ancestor's cutoff to cascade down to the child")
	}

	// A descendant's own cutoff must not leak back up to an unrelated parent.
	parent2 := &SplitPoint{}
	child2 := &SplitPoint{parent: parent2}
	child2.mu.Lock()
	child2.cutoff = true
	child2.mu.Unlock()

	if parent2.anyCutoff() {
		t.Error("a descendant's cutoff should not propagate upward to its parent")
	}
}

func TestSplitPointReportTracksBestAndCutoff(t *testing.T) {
	sp := &SplitPoint{alpha: 0, beta: 100, bestScore: -Infinity}
	move1 := board.NewMove(board.E2, board.E4)
	move2 := board.NewMove(board.D2, board.D4)

	if cutoff := sp.report(30, move1); cutoff {
		t.Fatal("a score below beta should not report a cutoff")
	}
	if sp.bestScore != 30 || sp.alpha != 30 || sp.bestMove != move1 {
		t.Errorf("got bestScore=%d alpha=%d bestMove=%s, want 30/30/%s",
			sp.bestScore, sp.alpha, sp.bestMove.String(), move1.String())
	}

	if cutoff := sp.report(150, move2); !cutoff {
		t.Error("a score at or above beta should report a cutoff")
	}
	if sp.bestMove != move2 || sp.bestScore != 150 {
		t.Errorf("got bestMove=%s bestScore=%d, want %s/150", sp.bestMove.String(), sp.bestScore, move2.String())
	}

	// Once cut off, a later, worse report must not overwrite the winner.
	sp.report(10, board.NewMove(board.G1, board.F3))
	if sp.bestMove != move2 || sp.bestScore != 150 {
		t.Error("a report after cutoff overwrote the winning move")
	}
}

func TestSplitPointNextMoveDrainsPickerOnce(t *testing.T) {
	pos := board.NewPosition()
	orderer := NewMoveOrderer()
	picker := NewMovePicker(pos, orderer, 0, board.NoMove, board.NoMove, false)
	sp := &SplitPoint{picker: picker}

	seen := make(map[board.Move]bool)
	count := 0
	for {
		move, ok := sp.nextMove()
		if !ok {
			break
		}
		if seen[move] {
			t.Fatalf("move %s drawn twice from the shared picker", move.String())
		}
		seen[move] = true
		count++
	}

	if count != 20 {
		t.Errorf("expected all 20 legal start-position moves, got %d", count)
	}
}

func TestThreadPoolTrySplitRecruitsAndDrains(t *testing.T) {
	tt := NewTranspositionTable(4)
	sh := NewSharedHistory()
	var stop atomic.Bool

	pool := NewThreadPool(4, tt, sh, &stop)
	defer pool.Shutdown()
	pool.SetMinSplitDepth(1)

	if pool.Size() != 3 {
		t.Fatalf("expected 3 helper threads for a pool of size 4, got %d", pool.Size())
	}

	pos := board.NewPosition()
	orderer := NewMoveOrderer()
	picker := NewMovePicker(pos, orderer, 0, board.NoMove, board.NoMove, false)

	sp, ok := pool.TrySplit(nil, picker, 2, 1, -Infinity, Infinity, -Infinity, board.NoMove, board.NoMove, pos, nil)
	if !ok {
		t.Fatal("expected TrySplit to recruit at least one idle helper")
	}

	// Stand in for the master's own runSplitPoint draw loop so every
	// helper's searchAsSlave eventually finds the picker dry.
	for {
		move, ok := sp.nextMove()
		if !ok {
			break
		}
		sp.report(0, move)
	}

	done := make(chan struct{})
	go func() {
		sp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("helpers never finished draining the split point")
	}

	if pool.Nodes() == 0 {
		t.Error("expected helpers to have searched at least one node between them")
	}
}

func TestThreadPoolTrySplitRejectsShallowDepth(t *testing.T) {
	tt := NewTranspositionTable(4)
	sh := NewSharedHistory()
	var stop atomic.Bool

	pool := NewThreadPool(2, tt, sh, &stop)
	defer pool.Shutdown()
	pool.SetMinSplitDepth(4)

	pos := board.NewPosition()
	orderer := NewMoveOrderer()
	picker := NewMovePicker(pos, orderer, 0, board.NoMove, board.NoMove, false)

	if _, ok := pool.TrySplit(nil, picker, 2, 1, -Infinity, Infinity, -Infinity, board.NoMove, board.NoMove, pos, nil); ok {
		t.Error("expected TrySplit to refuse a node shallower than Minimum Split Depth")
	}
}
