package uci

import (
	"bufio"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hailam/chesscore/internal/board"
	"github.com/hailam/chesscore/internal/engine"
	"github.com/hailam/chesscore/internal/persist"
)

// UCI implements the Universal Chess Interface protocol.
type UCI struct {
	engine   *engine.Engine
	position *board.Position

	// Position history for repetition detection
	positionHashes []uint64

	// Persisted hash snapshot store, opened lazily once a directory is known.
	store     *persist.Store
	persistOn bool

	// Number of distinct root lines to report, set via the MultiPV option.
	multiPV int

	// Search state
	searching     bool
	searchDone    chan struct{}
	stopRequested atomic.Bool

	// Pondering: the move we searched on, assuming the opponent would play it
	pondering   bool
	ponderMove  board.Move

	// CPU profiling
	profileFile *os.File
}

// New creates a new UCI protocol handler.
func New(eng *engine.Engine) *UCI {
	return &UCI{
		engine:   eng,
		position: board.NewPosition(),
		multiPV:  1,
	}
}

// Run starts the UCI main loop.
func (u *UCI) Run() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "uci":
			u.handleUCI()
		case "isready":
			fmt.Println("readyok")
		case "ucinewgame":
			u.handleNewGame()
		case "position":
			u.handlePosition(args)
		case "go":
			u.handleGo(args)
		case "ponderhit":
			u.handlePonderHit()
		case "stop":
			u.handleStop()
		case "quit":
			u.handleQuit()
		case "setoption":
			u.handleSetOption(args)
		// Debug commands
		case "d":
			fmt.Println(u.position.String())
		case "perft":
			u.handlePerft(args)
		default:
			fmt.Printf("Unknown command: %s\n", line)
		}
	}
}

// handleUCI responds to the "uci" command.
func (u *UCI) handleUCI() {
	fmt.Println("id name ChessCore")
	fmt.Println("id author ChessCore Contributors")
	fmt.Println()
	fmt.Println("option name Hash type spin default 64 min 1 max 8192")
	fmt.Println("option name Threads type spin default 1 min 1 max 128")
	fmt.Println("option name Ponder type check default false")
	fmt.Println("option name MultiPV type spin default 1 min 1 max 64")
	fmt.Println("option name OwnBook type check default false")
	fmt.Println("option name UCI_Chess960 type check default false")
	fmt.Println("option name Minimum Split Depth type spin default 4 min 1 max 12")
	fmt.Println("option name Maximum Number of Threads per Split Point type spin default 5 min 1 max 8")
	fmt.Println("option name Use Sleeping Threads type check default true")
	fmt.Println("option name Persist Hash type check default false")
	fmt.Println("option name Null Move Margin type spin default 0 min 0 max 300")
	fmt.Println("option name Futility Margin type spin default 150 min 0 max 500")
	fmt.Println("option name LMR Base type spin default 75 min 0 max 300")
	fmt.Println("uciok")
}

// handleNewGame resets the engine for a new game.
func (u *UCI) handleNewGame() {
	u.saveStore()
	u.engine.Clear()
	u.position = board.NewPosition()
	u.positionHashes = []uint64{u.position.Hash}
}

// saveStore persists the current transposition table if Persist Hash is on,
// so the next openStore (a later "ucinewgame" or process restart) can warm
// up from it instead of starting cold.
func (u *UCI) saveStore() {
	if !u.persistOn || u.store == nil {
		return
	}
	if err := u.store.Save(u.engine.HashSnapshot()); err != nil {
		fmt.Fprintf(os.Stderr, "info string failed to save hash snapshot: %v\n", err)
	}
}

// handlePosition parses and sets up a position.
// Formats:
//   - position startpos
//   - position startpos moves e2e4 e7e5
//   - position fen <fen>
//   - position fen <fen> moves e2e4
func (u *UCI) handlePosition(args []string) {
	if len(args) == 0 {
		return
	}

	u.positionHashes = nil
	var moveStart int

	if args[0] == "startpos" {
		u.position = board.NewPosition()
		moveStart = 1
		for i, arg := range args {
			if arg == "moves" {
				moveStart = i + 1
				break
			}
		}
	} else if args[0] == "fen" {
		fenEnd := len(args)
		for i, arg := range args[1:] {
			if arg == "moves" {
				fenEnd = i + 1
				break
			}
		}

		fenStr := strings.Join(args[1:fenEnd], " ")
		pos, err := board.ParseFEN(fenStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "info string invalid FEN: %v\n", err)
			return
		}
		u.position = pos

		moveStart = len(args)
		for i, arg := range args {
			if arg == "moves" {
				moveStart = i + 1
				break
			}
		}
	} else {
		return
	}

	u.positionHashes = append(u.positionHashes, u.position.Hash)

	if moveStart < len(args) {
		for _, moveStr := range args[moveStart:] {
			move := u.parseMove(moveStr)
			if move == board.NoMove {
				fmt.Fprintf(os.Stderr, "info string invalid move: %s\n", moveStr)
				return
			}
			u.position.MakeMove(move)
			u.position.UpdateCheckers()
			u.positionHashes = append(u.positionHashes, u.position.Hash)
		}
	}
}

// parseMove converts a UCI move string to a board.Move.
func (u *UCI) parseMove(moveStr string) board.Move {
	if len(moveStr) < 4 {
		return board.NoMove
	}

	fromFile := int(moveStr[0] - 'a')
	fromRank := int(moveStr[1] - '1')
	toFile := int(moveStr[2] - 'a')
	toRank := int(moveStr[3] - '1')

	if fromFile < 0 || fromFile > 7 || fromRank < 0 || fromRank > 7 ||
		toFile < 0 || toFile > 7 || toRank < 0 || toRank > 7 {
		return board.NoMove
	}

	from := board.NewSquare(fromFile, fromRank)
	to := board.NewSquare(toFile, toRank)

	var promo board.PieceType
	if len(moveStr) == 5 {
		switch moveStr[4] {
		case 'q':
			promo = board.Queen
		case 'r':
			promo = board.Rook
		case 'b':
			promo = board.Bishop
		case 'n':
			promo = board.Knight
		}
	}

	moves := u.position.GenerateLegalMoves()
	for i := 0; i < moves.Len(); i++ {
		m := moves.Get(i)
		if m.From() == from && m.To() == to {
			if promo != 0 {
				if m.IsPromotion() && m.Promotion() == promo {
					return m
				}
			} else if !m.IsPromotion() {
				return m
			}
		}
	}

	return board.NoMove
}

// GoOptions holds parsed "go" command options.
type GoOptions struct {
	Depth       int
	Nodes       uint64
	MoveTime    time.Duration
	Infinite    bool
	Ponder      bool
	WTime       time.Duration
	BTime       time.Duration
	WInc        time.Duration
	BInc        time.Duration
	MovesToGo   int
	SearchMoves []string
}

// handleGo starts a search with the given parameters.
func (u *UCI) handleGo(args []string) {
	opts := u.parseGoOptions(args)

	u.engine.SetPositionHistory(u.positionHashes)

	u.engine.OnInfo = func(info engine.SearchInfo) {
		u.sendInfo(info)
	}

	limits := u.calculateLimits(opts)
	if len(opts.SearchMoves) > 0 {
		limits.SearchMoves = u.parseSearchMoves(opts.SearchMoves)
	}
	limits.MultiPV = u.multiPV

	u.searching = true
	u.pondering = opts.Ponder
	u.stopRequested.Store(false)
	u.searchDone = make(chan struct{})

	pos := u.position.Copy()

	go func() {
		defer close(u.searchDone)

		var bestMove board.Move
		if u.multiPV > 1 {
			bestMove = u.searchMultiPV(pos, limits)
		} else {
			bestMove = u.engine.SearchWithLimits(pos, limits)
		}

		u.searching = false

		// While pondering, the search runs to completion but the bestmove
		// is withheld until ponderhit or stop tells us which branch of the
		// game tree actually happened.
		if u.pondering {
			u.ponderMove = bestMove
			return
		}

		u.emitBestMove(bestMove)
	}()
}

// searchMultiPV runs an N-line search and reports each line with its
// "multipv" rank, returning the top line's move for "bestmove".
func (u *UCI) searchMultiPV(pos *board.Position, limits engine.SearchLimits) board.Move {
	results := u.engine.SearchMultiPV(pos, limits)
	if len(results) == 0 {
		return board.NoMove
	}

	for i, r := range results {
		u.sendMultiPVInfo(i+1, r)
	}

	return results[0].Move
}

// sendMultiPVInfo outputs one ranked line's final search info in UCI format.
func (u *UCI) sendMultiPVInfo(rank int, r engine.MultiPVResult) {
	var parts []string

	parts = append(parts, fmt.Sprintf("depth %d", r.Depth))
	parts = append(parts, fmt.Sprintf("multipv %d", rank))

	if r.Score > engine.MateScore-100 {
		mateIn := (engine.MateScore - r.Score + 1) / 2
		parts = append(parts, fmt.Sprintf("score mate %d", mateIn))
	} else if r.Score < -engine.MateScore+100 {
		mateIn := -(engine.MateScore + r.Score + 1) / 2
		parts = append(parts, fmt.Sprintf("score mate %d", mateIn))
	} else {
		parts = append(parts, fmt.Sprintf("score cp %d", r.Score))
	}

	if len(r.PV) > 0 {
		pv := make([]string, len(r.PV))
		for i, m := range r.PV {
			pv[i] = m.String()
		}
		parts = append(parts, "pv "+strings.Join(pv, " "))
	}

	fmt.Printf("info %s\n", strings.Join(parts, " "))
}

func (u *UCI) emitBestMove(bestMove board.Move) {
	validationPos := u.position.Copy()
	if bestMove != board.NoMove {
		legal := validationPos.GenerateLegalMoves()
		for i := 0; i < legal.Len(); i++ {
			if legal.Get(i) == bestMove {
				fmt.Printf("bestmove %s\n", bestMove.String())
				return
			}
		}
		fmt.Fprintf(os.Stderr, "info string search returned illegal move %s, using fallback\n", bestMove.String())
	}

	legal := validationPos.GenerateLegalMoves()
	if legal.Len() > 0 {
		fmt.Printf("bestmove %s\n", legal.Get(0).String())
	} else {
		fmt.Println("bestmove 0000")
	}
}

// handlePonderHit tells the engine the ponder move was actually played;
// the search that was already running becomes the real search for the
// resulting position.
func (u *UCI) handlePonderHit() {
	if !u.pondering {
		return
	}
	u.pondering = false
	if u.searching {
		<-u.searchDone
	}
	u.emitBestMove(u.ponderMove)
}

// parseSearchMoves resolves UCI move strings against the current position.
func (u *UCI) parseSearchMoves(strs []string) []board.Move {
	moves := make([]board.Move, 0, len(strs))
	for _, s := range strs {
		if m := u.parseMove(s); m != board.NoMove {
			moves = append(moves, m)
		}
	}
	return moves
}

// parseGoOptions parses "go" command arguments.
func (u *UCI) parseGoOptions(args []string) GoOptions {
	opts := GoOptions{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "depth":
			if i+1 < len(args) {
				opts.Depth, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "nodes":
			if i+1 < len(args) {
				n, _ := strconv.ParseUint(args[i+1], 10, 64)
				opts.Nodes = n
				i++
			}
		case "movetime":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.MoveTime = time.Duration(ms) * time.Millisecond
				i++
			}
		case "infinite":
			opts.Infinite = true
		case "ponder":
			opts.Ponder = true
		case "wtime":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.WTime = time.Duration(ms) * time.Millisecond
				i++
			}
		case "btime":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.BTime = time.Duration(ms) * time.Millisecond
				i++
			}
		case "winc":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.WInc = time.Duration(ms) * time.Millisecond
				i++
			}
		case "binc":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.BInc = time.Duration(ms) * time.Millisecond
				i++
			}
		case "movestogo":
			if i+1 < len(args) {
				opts.MovesToGo, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "searchmoves":
			for i+1 < len(args) {
				next := args[i+1]
				if len(next) < 4 || len(next) > 5 {
					break
				}
				opts.SearchMoves = append(opts.SearchMoves, next)
				i++
			}
		}
	}

	return opts
}

// calculateLimits converts GoOptions to engine.SearchLimits.
func (u *UCI) calculateLimits(opts GoOptions) engine.SearchLimits {
	limits := engine.SearchLimits{}

	if opts.Infinite || opts.Ponder {
		limits.Infinite = true
		if !opts.Ponder {
			return limits
		}
	}

	if opts.Depth > 0 {
		limits.Depth = opts.Depth
	}

	if opts.Nodes > 0 {
		limits.Nodes = opts.Nodes
	}

	if opts.Ponder {
		// Ponder search runs until ponderhit/stop supplies a deadline.
		return limits
	}

	if opts.MoveTime > 0 {
		limits.MoveTime = opts.MoveTime
	} else if opts.WTime > 0 || opts.BTime > 0 {
		limits.MoveTime = u.calculateTimeForMove(opts)
	}

	return limits
}

// calculateTimeForMove determines how much time to spend on this move.
func (u *UCI) calculateTimeForMove(opts GoOptions) time.Duration {
	var ourTime, ourInc time.Duration

	if u.position.SideToMove == board.White {
		ourTime = opts.WTime
		ourInc = opts.WInc
	} else {
		ourTime = opts.BTime
		ourInc = opts.BInc
	}

	movesRemaining := opts.MovesToGo
	if movesRemaining == 0 {
		movesRemaining = u.estimateMovesRemaining()
	}

	baseTime := ourTime / time.Duration(movesRemaining)
	moveTime := baseTime + (ourInc * 90 / 100)

	maxTime := ourTime * 90 / 100
	if moveTime > maxTime {
		moveTime = maxTime
	}

	if moveTime < 10*time.Millisecond {
		moveTime = 10 * time.Millisecond
	}

	return moveTime
}

// estimateMovesRemaining estimates remaining moves based on piece count.
func (u *UCI) estimateMovesRemaining() int {
	totalPieces := u.position.AllOccupied.PopCount()

	if totalPieces > 24 {
		return 40
	} else if totalPieces > 12 {
		return 30
	}
	return 20
}

// sendInfo outputs search info in UCI format.
func (u *UCI) sendInfo(info engine.SearchInfo) {
	var parts []string

	parts = append(parts, fmt.Sprintf("depth %d", info.Depth))

	if info.Score > engine.MateScore-100 {
		mateIn := (engine.MateScore - info.Score + 1) / 2
		parts = append(parts, fmt.Sprintf("score mate %d", mateIn))
	} else if info.Score < -engine.MateScore+100 {
		mateIn := -(engine.MateScore + info.Score + 1) / 2
		parts = append(parts, fmt.Sprintf("score mate %d", mateIn))
	} else {
		parts = append(parts, fmt.Sprintf("score cp %d", info.Score))
	}

	parts = append(parts, fmt.Sprintf("nodes %d", info.Nodes))
	parts = append(parts, fmt.Sprintf("time %d", info.Time.Milliseconds()))

	if info.Time > 0 {
		nps := uint64(float64(info.Nodes) / info.Time.Seconds())
		parts = append(parts, fmt.Sprintf("nps %d", nps))
	}

	if info.HashFull > 0 {
		parts = append(parts, fmt.Sprintf("hashfull %d", info.HashFull))
	}

	if len(info.PV) > 0 {
		validPV := make([]string, 0, len(info.PV))
		testPos := u.position.Copy()
		for _, move := range info.PV {
			legal := testPos.GenerateLegalMoves()
			isLegal := false
			for i := 0; i < legal.Len(); i++ {
				if legal.Get(i) == move {
					isLegal = true
					break
				}
			}
			if !isLegal {
				break
			}
			validPV = append(validPV, move.String())
			testPos.MakeMove(move)
		}
		if len(validPV) > 0 {
			parts = append(parts, "pv "+strings.Join(validPV, " "))
		}
	}

	fmt.Printf("info %s\n", strings.Join(parts, " "))
}

// handleStop stops the current search.
func (u *UCI) handleStop() {
	wasPondering := u.pondering
	u.pondering = false
	if u.searching {
		u.stopRequested.Store(true)
		u.engine.Stop()
		<-u.searchDone
	}
	if wasPondering {
		u.emitBestMove(u.ponderMove)
	}
}

// handleQuit exits the program.
func (u *UCI) handleQuit() {
	u.handleStop()
	u.engine.Shutdown()
	u.saveStore()
	if u.store != nil {
		u.store.Close()
	}
	if u.profileFile != nil {
		pprof.StopCPUProfile()
		u.profileFile.Close()
		fmt.Fprintf(os.Stderr, "info string CPU profile saved\n")
	}
	os.Exit(0)
}

// handleSetOption processes "setoption" commands.
func (u *UCI) handleSetOption(args []string) {
	var name, value string
	readingName := false
	readingValue := false

	for _, arg := range args {
		switch arg {
		case "name":
			readingName = true
			readingValue = false
		case "value":
			readingName = false
			readingValue = true
		default:
			if readingName {
				if name != "" {
					name += " "
				}
				name += arg
			} else if readingValue {
				if value != "" {
					value += " "
				}
				value += arg
			}
		}
	}

	switch strings.ToLower(name) {
	case "hash":
		mb, err := strconv.Atoi(value)
		if err == nil && mb >= 1 {
			u.engine.SetHashSizeMB(mb)
		}
	case "threads":
		n, err := strconv.Atoi(value)
		if err == nil && n >= 1 {
			u.engine.SetThreadCount(n)
		}
	case "minimum split depth":
		n, err := strconv.Atoi(value)
		if err == nil && n >= 1 {
			u.engine.SetMinSplitDepth(n)
		}
	case "maximum number of threads per split point":
		n, err := strconv.Atoi(value)
		if err == nil && n >= 1 {
			u.engine.SetMaxThreadsPerSplitPoint(n)
		}
	case "multipv":
		n, err := strconv.Atoi(value)
		if err == nil && n >= 1 {
			u.multiPV = n
		}
	case "use sleeping threads":
		u.engine.SetUseSleepingThreads(strings.ToLower(value) == "true")
	case "persist hash":
		u.persistOn = strings.ToLower(value) == "true"
		if u.persistOn {
			u.openStore()
		}
	case "null move margin":
		n, err := strconv.Atoi(value)
		if err == nil {
			u.engine.SetNullMoveMargin(n)
		}
	case "futility margin":
		n, err := strconv.Atoi(value)
		if err == nil {
			u.engine.SetFutilityMargin(n)
		}
	case "lmr base":
		n, err := strconv.Atoi(value)
		if err == nil {
			u.engine.SetLMRBase(n)
		}
	case "cpuprofile":
		if u.profileFile != nil {
			pprof.StopCPUProfile()
			u.profileFile.Close()
			fmt.Fprintf(os.Stderr, "info string CPU profile stopped\n")
			u.profileFile = nil
		}
		if value != "" && value != "stop" {
			f, err := os.Create(value)
			if err != nil {
				fmt.Fprintf(os.Stderr, "info string failed to create profile: %v\n", err)
				return
			}
			if err := pprof.StartCPUProfile(f); err != nil {
				f.Close()
				fmt.Fprintf(os.Stderr, "info string failed to start profile: %v\n", err)
				return
			}
			u.profileFile = f
			fmt.Fprintf(os.Stderr, "info string CPU profiling to %s\n", value)
		}
	case "ponder", "ownbook", "uci_chess960":
		// Advertised and accepted; the engine has no behaviour tied to them.
	default:
		fmt.Printf("No such option: %s\n", name)
	}
}

// openStore lazily opens the on-disk hash snapshot store and, if it already
// holds a snapshot from a previous run, warms the transposition table with it.
func (u *UCI) openStore() {
	if u.store != nil {
		return
	}
	store, err := persist.Open(persist.DefaultDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "info string failed to open hash store: %v\n", err)
		u.persistOn = false
		return
	}
	u.store = store
	if snap, err := store.Load(); err == nil && snap != nil {
		u.engine.LoadHashSnapshot(snap)
		fmt.Fprintf(os.Stderr, "info string loaded %s hash snapshot\n", persist.HumanizeEntries(len(snap.Entries)))
	}
}

// handlePerft runs a perft test.
func (u *UCI) handlePerft(args []string) {
	depth := 5
	if len(args) > 0 {
		depth, _ = strconv.Atoi(args[0])
	}

	start := time.Now()
	nodes := u.engine.Perft(u.position, depth)
	elapsed := time.Since(start)

	fmt.Printf("Nodes: %d\n", nodes)
	fmt.Printf("Time: %v\n", elapsed)
	if elapsed > 0 {
		nps := float64(nodes) / elapsed.Seconds()
		fmt.Printf("NPS: %.0f\n", nps)
	}
}
