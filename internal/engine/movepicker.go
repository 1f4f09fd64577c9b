package engine

import "github.com/hailam/chesscore/internal/board"

// PickerPhase identifies which stage of move generation produced the last
// move MovePicker.Next returned, so the caller can decide whether LMR,
// futility pruning, etc. apply to it the same way the old hand-ordered loop
// decided from isCapture/isPromotion/moveIndex.
type PickerPhase int

const (
	PhaseTTMove PickerPhase = iota
	PhaseGoodCaptures
	PhaseKillers
	PhaseQuiets
	PhaseBadCaptures
	PhaseEvasions
	PhaseQCaptures
	PhaseQChecks
	PhaseDone
)

type scoredMove struct {
	move  board.Move
	score int
}

// MovePicker produces legal moves one at a time, staged by expected
// strength: TT move, good captures (SEE >= 0), killers, quiets by history,
// bad captures (SEE < 0) -- or, when in check, a single evasions phase that
// replaces phases 2-5 entirely. A quiescence variant covers captures and,
// optionally, checking quiets near the horizon.
//
// Each phase's candidates are scored and sorted lazily, the first time that
// phase is reached, so a node that cuts off on the TT move or a killer never
// pays to score or sort the quiet moves it didn't need.
type MovePicker struct {
	pos    *board.Position
	ttMove board.Move

	phase     PickerPhase
	lastPhase PickerPhase
	idx       int

	goodCaptures []scoredMove
	killers      []board.Move
	quiets       []scoredMove
	badCaptures  []scoredMove
	evasions     []scoredMove
	qCaptures    []scoredMove
	qChecks      []scoredMove

	// Lazily populated by generateMainPhases/generateEvasions/generateQPhases.
	built bool

	orderer       *MoveOrderer
	ply           int
	prevMove      board.Move
	inCheck       bool
	includeChecks bool

	legalMoveCount int
}

// NewMovePicker creates a picker for a main-search (non-quiescence) node.
func NewMovePicker(pos *board.Position, orderer *MoveOrderer, ply int, ttMove, prevMove board.Move, inCheck bool) *MovePicker {
	mp := &MovePicker{
		pos:      pos,
		ttMove:   ttMove,
		orderer:  orderer,
		ply:      ply,
		prevMove: prevMove,
		inCheck:  inCheck,
	}
	if inCheck {
		mp.phase = PhaseEvasions
	} else {
		mp.phase = PhaseTTMove
	}
	return mp
}

// NewQMovePicker creates a picker for a quiescence-search node. includeChecks
// requests the Q-checks phase (only meaningful at qPly == 0, per worker.go).
func NewQMovePicker(pos *board.Position, orderer *MoveOrderer, ply int, prevMove board.Move, inCheck, includeChecks bool) *MovePicker {
	mp := &MovePicker{
		pos:           pos,
		orderer:       orderer,
		ply:           ply,
		prevMove:      prevMove,
		inCheck:       inCheck,
		includeChecks: includeChecks,
	}
	if inCheck {
		mp.phase = PhaseEvasions
	} else {
		mp.phase = PhaseQCaptures
	}
	return mp
}

// Phase reports which phase produced the move last returned by Next.
func (mp *MovePicker) Phase() PickerPhase {
	return mp.lastPhase
}

// NumEvasions returns how many evasions this picker generated (0 unless the
// position was in check at construction).
func (mp *MovePicker) NumEvasions() int {
	mp.ensureBuilt()
	return len(mp.evasions)
}

// LegalMoveCount returns the total number of legal moves at this node (only
// meaningful for a main-search picker; used to detect checkmate/stalemate
// before any move is actually drawn from the picker).
func (mp *MovePicker) LegalMoveCount() int {
	mp.ensureBuilt()
	return mp.legalMoveCount
}

func (mp *MovePicker) ensureBuilt() {
	if mp.built {
		return
	}
	mp.built = true
	if mp.inCheck {
		mp.buildEvasions()
		return
	}
	if mp.orderer == nil {
		return
	}
	// orderer is always set; distinguish main-search from qsearch by which
	// phase we start in.
	if mp.phase == PhaseQCaptures || mp.phase == PhaseQChecks {
		mp.buildQPhases()
	} else {
		mp.buildMainPhases()
	}
}

func (mp *MovePicker) buildMainPhases() {
	moves := mp.pos.GenerateLegalMoves()
	mp.legalMoveCount = moves.Len()
	scores := mp.orderer.ScoreMovesWithCounter(mp.pos, moves, mp.ply, mp.ttMove, mp.prevMove)

	var killer1, killer2 board.Move
	if mp.ply < MaxPly {
		killer1 = mp.orderer.killers[mp.ply][0]
		killer2 = mp.orderer.killers[mp.ply][1]
	}
	killer1Legal, killer2Legal := false, false

	for i := 0; i < moves.Len(); i++ {
		m := moves.Get(i)
		if m == mp.ttMove {
			continue
		}
		switch {
		case m.IsCapture(mp.pos) || m.IsPromotion():
			if mp.pos.StaticExchangeEval(m) >= 0 {
				mp.goodCaptures = append(mp.goodCaptures, scoredMove{m, scores[i]})
			} else {
				mp.badCaptures = append(mp.badCaptures, scoredMove{m, scores[i]})
			}
		case m == killer1:
			killer1Legal = true
		case m == killer2:
			killer2Legal = true
		default:
			mp.quiets = append(mp.quiets, scoredMove{m, scores[i]})
		}
	}

	// Killer 1 before killer 2, matching the ring's recency order.
	if killer1Legal {
		mp.killers = append(mp.killers, killer1)
	}
	if killer2Legal && killer2 != killer1 {
		mp.killers = append(mp.killers, killer2)
	}

	sortScoredMoves(mp.goodCaptures)
	sortScoredMoves(mp.quiets)
	sortScoredMoves(mp.badCaptures)
}

func (mp *MovePicker) buildEvasions() {
	moves := mp.pos.GenerateLegalMoves()
	mp.legalMoveCount = moves.Len()
	scores := mp.orderer.ScoreMovesWithCounter(mp.pos, moves, mp.ply, mp.ttMove, mp.prevMove)
	for i := 0; i < moves.Len(); i++ {
		mp.evasions = append(mp.evasions, scoredMove{moves.Get(i), scores[i]})
	}
	sortScoredMoves(mp.evasions)
}

func (mp *MovePicker) buildQPhases() {
	captures := mp.pos.GenerateCaptures()
	scores := mp.orderer.ScoreMoves(mp.pos, captures, mp.ply, board.NoMove)
	for i := 0; i < captures.Len(); i++ {
		mp.qCaptures = append(mp.qCaptures, scoredMove{captures.Get(i), scores[i]})
	}
	sortScoredMoves(mp.qCaptures)

	if mp.includeChecks {
		checks := mp.pos.GenerateChecks()
		for i := 0; i < checks.Len(); i++ {
			m := checks.Get(i)
			if m.IsCapture(mp.pos) {
				continue
			}
			mp.qChecks = append(mp.qChecks, scoredMove{m, 0})
		}
	}
}

func sortScoredMoves(sm []scoredMove) {
	for i := 1; i < len(sm); i++ {
		for j := i; j > 0 && sm[j].score > sm[j-1].score; j-- {
			sm[j], sm[j-1] = sm[j-1], sm[j]
		}
	}
}

// Next returns the next candidate move, or board.NoMove once every
// applicable phase has been exhausted.
func (mp *MovePicker) Next() board.Move {
	mp.ensureBuilt()

	for {
		switch mp.phase {
		case PhaseTTMove:
			mp.phase = PhaseGoodCaptures
			if mp.ttMove != board.NoMove {
				mp.lastPhase = PhaseTTMove
				return mp.ttMove
			}
		case PhaseGoodCaptures:
			if mp.idx < len(mp.goodCaptures) {
				m := mp.goodCaptures[mp.idx].move
				mp.idx++
				mp.lastPhase = PhaseGoodCaptures
				return m
			}
			mp.idx = 0
			mp.phase = PhaseKillers
		case PhaseKillers:
			if mp.idx < len(mp.killers) {
				m := mp.killers[mp.idx]
				mp.idx++
				mp.lastPhase = PhaseKillers
				return m
			}
			mp.idx = 0
			mp.phase = PhaseQuiets
		case PhaseQuiets:
			if mp.idx < len(mp.quiets) {
				m := mp.quiets[mp.idx].move
				mp.idx++
				mp.lastPhase = PhaseQuiets
				return m
			}
			mp.idx = 0
			mp.phase = PhaseBadCaptures
		case PhaseBadCaptures:
			if mp.idx < len(mp.badCaptures) {
				m := mp.badCaptures[mp.idx].move
				mp.idx++
				mp.lastPhase = PhaseBadCaptures
				return m
			}
			mp.phase = PhaseDone
		case PhaseEvasions:
			if mp.idx < len(mp.evasions) {
				m := mp.evasions[mp.idx].move
				mp.idx++
				mp.lastPhase = PhaseEvasions
				return m
			}
			mp.phase = PhaseDone
		case PhaseQCaptures:
			if mp.idx < len(mp.qCaptures) {
				m := mp.qCaptures[mp.idx].move
				mp.idx++
				mp.lastPhase = PhaseQCaptures
				return m
			}
			mp.idx = 0
			if mp.includeChecks {
				mp.phase = PhaseQChecks
			} else {
				mp.phase = PhaseDone
			}
		case PhaseQChecks:
			if mp.idx < len(mp.qChecks) {
				m := mp.qChecks[mp.idx].move
				mp.idx++
				mp.lastPhase = PhaseQChecks
				return m
			}
			mp.phase = PhaseDone
		case PhaseDone:
			return board.NoMove
		}
	}
}
