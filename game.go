package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Engine is the immutable description of one engine configuration: the
// binary, its command-line options, the weight file and the GTP commands
// sent before the first move.
type Engine struct {
	Binary   string
	Options  string
	Network  string
	Commands []string
}

func NewEngine(network, options string, commands []string) Engine {
	if len(commands) == 0 {
		commands = []string{"time_settings 0 1 0"}
	}
	binary := "./leelaz"
	if _, err := os.Stat(binary); err != nil {
		binary = "leelaz"
	}
	return Engine{
		Binary:   binary,
		Options:  options,
		Network:  network,
		Commands: commands,
	}
}

func (e Engine) CmdLine() string {
	return e.Binary + " " + e.Options + " " + e.Network
}

// NetworkFile returns the network hash, the file name with directory and
// extensions stripped.
func (e Engine) NetworkFile() string {
	base := filepath.Base(e.Network)
	if idx := strings.Index(base, "."); idx >= 0 {
		base = base[:idx]
	}
	return base
}

const (
	colorBlack = "black"
	colorWhite = "white"
)

var handicapRegex = regexp.MustCompile(`HA\[\d+\]`)

// Game drives one engine through a single game. It owns the subprocess
// session and the per-game state; the file basename is fresh for every
// game and names all artifacts the engine writes.
type Game struct {
	engine        Engine
	session       *gtpSession
	fileName      string
	moveDone      string
	winner        string
	result        string
	isHandicap    bool
	resignation   bool
	blackToMove   bool
	blackResigned bool
	passes        int
	moveNum       int
}

func NewGame(engine Engine) *Game {
	return &Game{
		engine:      engine,
		fileName:    newBasename(),
		blackToMove: true,
	}
}

// newBasename returns a fresh random hex basename for game artifacts.
func newBasename() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (g *Game) checkGameEnd() bool {
	return g.resignation ||
		g.passes > 1 ||
		g.moveNum > 19*19*2
}

// Start spawns the engine, gates on its version and sends the starting
// GTP commands. If sgf names a seed game it is loaded as the resume point:
// the file text decides whether handicap is in play, since handicap
// commands would fail on a non-empty board. Without an sgf, any starting
// command mentioning handicap is sent first and flips the side to move.
// The remaining commands are sent last so they can override settings the
// SGF loaded.
func (g *Game) Start(minVersion [3]int, sgf string, moves int) error {
	session, err := startGtpSession(g.engine.CmdLine())
	if err != nil {
		return err
	}
	g.session = session
	if err := session.checkVersion(minVersion); err != nil {
		g.session.kill()
		return err
	}
	fmt.Println("Engine has started.")
	if sgf != "" {
		data, err := os.ReadFile(sgf + ".sgf")
		if err != nil {
			return errors.Wrapf(err, "cannot find sgf file %s", sgf)
		}
		g.isHandicap = handicapRegex.Match(data)
		if moves == 0 {
			err = g.loadSgf(sgf)
		} else {
			err = g.loadSgfMoves(sgf, moves)
		}
		if err != nil {
			return err
		}
		g.SetMovesCount(moves)
	} else {
		for _, command := range g.engine.Commands {
			if !strings.Contains(command, "handicap") {
				continue
			}
			fmt.Println(command)
			if err := g.session.sendCommand(command); err != nil {
				return errors.Wrapf(err, "GTP failed on: %s", command)
			}
			g.isHandicap = true
			g.blackToMove = false
		}
	}
	for _, command := range g.engine.Commands {
		if strings.Contains(command, "handicap") {
			continue
		}
		fmt.Println(command)
		if err := g.session.sendCommand(command); err != nil {
			return errors.Wrapf(err, "GTP failed on: %s", command)
		}
	}
	fmt.Println("Starting GTP commands sent.")
	return nil
}

// Move asks the engine to generate the next move for the side to move.
// The response is picked up by ReadMove.
func (g *Game) Move() error {
	g.moveNum++
	if g.blackToMove {
		return g.session.writeLine("genmove b")
	}
	return g.session.writeLine("genmove w")
}

// ReadMove reads the reply to Move and updates the pass/resign counters.
func (g *Game) ReadMove() error {
	line, err := g.session.readResponseLine()
	if err != nil {
		return err
	}
	if len(line) <= 3 || line[0] != '=' {
		fmt.Printf("Error read '%s'\n", line)
		return ErrWrongGTP
	}
	g.moveDone = strings.TrimSpace(line[2:])
	if err := g.session.eatNewLine(); err != nil {
		return err
	}
	side := "W "
	if g.blackToMove {
		side = "B "
	}
	fmt.Printf("%d (%s%s) ", g.moveNum, side, g.moveDone)
	switch strings.ToLower(g.moveDone) {
	case "pass":
		g.passes++
	case "resign":
		g.resignation = true
		g.blackResigned = g.blackToMove
	default:
		g.passes = 0
	}
	return nil
}

// SetMove relays a move generated by the opposing engine, as a full
// "play <color> <move>" GTP command.
func (g *Game) SetMove(cmd string) error {
	if err := g.session.sendCommand(cmd); err != nil {
		return err
	}
	g.moveNum++
	fields := strings.Fields(cmd)
	switch strings.ToLower(fields[2]) {
	case "pass":
		g.passes++
	case "resign":
		g.resignation = true
		g.blackResigned = strings.EqualFold(fields[1], colorBlack)
	default:
		g.passes = 0
	}
	g.blackToMove = !g.blackToMove
	return nil
}

// NextMove flips the side to move, unless the game is over.
func (g *Game) NextMove() bool {
	if g.checkGameEnd() {
		return false
	}
	g.blackToMove = !g.blackToMove
	return true
}

// GetScore decides the winner: synthesized on resignation, asked from the
// engine with final_score otherwise.
func (g *Game) GetScore() error {
	if g.resignation {
		if g.blackResigned {
			g.winner = colorWhite
			g.result = "W+Resign "
		} else {
			g.winner = colorBlack
			g.result = "B+Resign "
		}
		fmt.Printf("Score: %s\n", g.result)
	} else {
		resp, err := g.session.sendCommandResponse("final_score")
		if err != nil {
			return err
		}
		g.result = resp
		if strings.HasPrefix(resp, "W") {
			g.winner = colorWhite
		} else if strings.HasPrefix(resp, "B") {
			g.winner = colorBlack
		}
		fmt.Printf("Score: %s", g.result)
	}
	if g.winner == "" {
		fmt.Println("No winner found")
		return errors.New("no winner found")
	}
	fmt.Printf("Winner: %s\n", g.winner)
	return nil
}

func (g *Game) WriteSgf() error {
	return g.session.sendCommand("printsgf " + g.fileName + ".sgf")
}

func (g *Game) LoadTraining(fileName string) error {
	fmt.Printf("Loading %s.train\n", fileName)
	return g.session.sendCommand("load_training " + fileName + ".train")
}

func (g *Game) SaveTraining() error {
	fmt.Printf("Saving %s.train\n", g.fileName)
	return g.session.sendCommand("save_training " + g.fileName + ".train")
}

func (g *Game) loadSgf(fileName string) error {
	fmt.Printf("Loading %s.sgf\n", fileName)
	return g.session.sendCommand("loadsgf " + fileName + ".sgf")
}

func (g *Game) loadSgfMoves(fileName string, moves int) error {
	fmt.Printf("Loading %s.sgf with %d moves\n", fileName, moves)
	return g.session.sendCommand(
		"loadsgf " + fileName + ".sgf " + strconv.Itoa(moves+1))
}

func (g *Game) DumpTraining() error {
	return g.session.sendCommand(
		"dump_training " + g.winner + " " + g.fileName + ".txt")
}

func (g *Game) DumpDebug() error {
	return g.session.sendCommand("dump_debug " + g.fileName + ".debug.txt")
}

// Quit ends the engine process. Exactly one Quit is sent per game, after
// the final scoring command.
func (g *Game) Quit() {
	if g.session != nil {
		g.session.quit()
	}
}

// Kill reaps the engine without the quit handshake, for error paths where
// the GTP conversation can no longer be trusted.
func (g *Game) Kill() {
	if g.session != nil {
		g.session.kill()
	}
}

func (g *Game) File() string       { return g.fileName }
func (g *Game) GetMove() string    { return g.moveDone }
func (g *Game) WinnerName() string { return g.winner }
func (g *Game) MovesCount() int    { return g.moveNum }
func (g *Game) Result() string     { return strings.TrimSpace(g.result) }
func (g *Game) BlackToMove() bool  { return g.blackToMove }

// SetMovesCount restores the move counter after loading an SGF. The game
// always starts at move 0 and GTP does not count handicap stones as moves,
// so without handicap black moves on even turns, with handicap on odd.
func (g *Game) SetMovesCount(moves int) {
	g.moveNum = moves
	g.blackToMove = (moves % 2) == handicapParity(g.isHandicap)
}

func handicapParity(isHandicap bool) int {
	if isHandicap {
		return 1
	}
	return 0
}

var (
	sgfOldPlayer   = regexp.MustCompile(`PW\[Human\]`)
	sgfBlackPlayer = regexp.MustCompile(`PB\[Leela Zero \S+ `)
	sgfOldComment  = regexp.MustCompile(`(C\[Leela Zero)( options:.*)\]`)
	sgfMultiSpace  = regexp.MustCompile(`\s\s+`)
	sgfBlackResult = regexp.MustCompile(`RE\[B\+[^\]]*\]`)
	sgfWhiteResult = regexp.MustCompile(`RE\[W\+[^\]]*\]`)
	sgfLastPass    = regexp.MustCompile(`;W\[tt\]\)`)
)

// FixSgf patches the engine-written SGF in place: the PW[Human]
// placeholder becomes the white engine's name, the engine comment gains
// both engines' options and starting commands for match games, and a
// resignation rewrites the result tag and drops a trailing closing pass.
func (g *Game) FixSgf(whiteEngine Engine, resignation, isSelfPlay bool) error {
	path := g.fileName + ".sgf"
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sgf := string(data)
	sgf = fixSgfPlayer(sgf, whiteEngine)
	sgf = fixSgfComment(sgf, g.engine, whiteEngine, isSelfPlay)
	sgf = fixSgfResult(sgf, resignation)
	return os.WriteFile(path, []byte(sgf), 0644)
}

func fixSgfPlayer(sgf string, whiteEngine Engine) string {
	playerName := "PB[Leela Zero "
	if match := sgfBlackPlayer.FindString(sgf); match != "" {
		playerName = match
	}
	playerName = "PW" + playerName[2:]
	hash := whiteEngine.NetworkFile()
	if len(hash) > 8 {
		hash = hash[:8]
	}
	playerName += hash + "]"
	return sgfOldPlayer.ReplaceAllString(sgf, playerName)
}

func fixSgfComment(sgf string, blackEngine, whiteEngine Engine, isSelfPlay bool) string {
	comment := "$1"
	if !isSelfPlay {
		comment += " Black"
	}
	comment += "$2 Starting GTP commands:"
	for _, command := range blackEngine.Commands {
		comment += " " + command
	}
	if !isSelfPlay {
		comment += " White options:"
		comment += whiteEngine.Options + " " + whiteEngine.Network
		comment += " Starting GTP commands:"
		for _, command := range whiteEngine.Commands {
			comment += " " + command
		}
	}
	comment += "]"
	comment = sgfMultiSpace.ReplaceAllString(comment, " ")
	return sgfOldComment.ReplaceAllString(sgf, comment)
}

func fixSgfResult(sgf string, resignation bool) string {
	if !resignation {
		return sgf
	}
	newResult := "RE[B+Resign] "
	sgf = sgfBlackResult.ReplaceAllString(sgf, newResult)
	if !strings.Contains(sgf, newResult) {
		sgf = sgfWhiteResult.ReplaceAllString(sgf, newResult)
	}
	return sgfLastPass.ReplaceAllString(sgf, ")")
}
