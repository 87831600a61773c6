package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Result types, produced by a Job and consumed by Management.
const (
	ResultFile = iota
	ResultWin
	ResultLoss
	ResultWaited
	ResultStoreSelfPlayed
	ResultStoreMatch
	ResultError
)

// Result is a job outcome plus its parameter map (file, winner, moves,
// score, sgf).
type Result struct {
	Type   int
	Params map[string]string
}

func NewResult(t int) Result {
	return Result{Type: t, Params: map[string]string{}}
}

func (r *Result) Add(name, value string) {
	r.Params[name] = value
}

// Job states. Finishing lets the current game play out; Storing abandons
// it at the next loop iteration so it can be checkpointed.
const (
	jobRunning int32 = iota
	jobFinishing
	jobStoring
)

// Job executes one Order and returns a Result. Implementations are
// re-initialised with a fresh Order between executions.
type Job interface {
	Init(o Order) error
	Execute() Result
	Finish()
	Store()
}

type jobBase struct {
	state      atomic.Int32
	gpu        string
	minVersion [3]int
	boss       *Management
}

func (j *jobBase) init(o Order) error {
	min, err := parseMinVersion(o.Get("leelazVer"))
	if err != nil {
		return err
	}
	j.minVersion = min
	j.state.Store(jobRunning)
	return nil
}

func (j *jobBase) Finish() { j.state.Store(jobFinishing) }
func (j *jobBase) Store()  { j.state.Store(jobStoring) }

func (j *jobBase) storing() bool {
	return j.state.Load() == jobStoring
}

// ProductionJob plays one self-play game and emits its training data.
type ProductionJob struct {
	jobBase
	engine  Engine
	debug   bool
	sgf     string
	moves   int
	restore bool
}

func NewProductionJob(gpu string, boss *Management) *ProductionJob {
	j := &ProductionJob{}
	j.gpu = gpu
	j.boss = boss
	return j
}

func (j *ProductionJob) Init(o Order) error {
	if err := j.jobBase.init(o); err != nil {
		return err
	}
	j.engine = NewEngine(
		"networks/"+o.Get("network")+".gz",
		" "+o.Get("options")+j.gpu+" -g -q -w ",
		splitGtpCommands(o.Get("gtpCommands")))
	j.debug = o.Get("debug") == "true"
	j.sgf = o.Get("sgf")
	j.moves = o.GetInt("moves")
	j.restore = o.Kind == OrderRestoreSelfPlayed
	return nil
}

func (j *ProductionJob) Execute() Result {
	res := NewResult(ResultError)
	game := NewGame(j.engine)
	if err := game.Start(j.minVersion, j.sgf, j.moves); err != nil {
		fmt.Printf("*ERROR*: %v\n", err)
		game.Kill()
		return res
	}
	if j.sgf != "" {
		os.Remove(j.sgf + ".sgf")
		if j.restore {
			if err := game.LoadTraining(j.sgf); err != nil {
				fmt.Printf("*ERROR*: %v\n", err)
				game.Kill()
				return res
			}
			os.Remove(j.sgf + ".train")
		}
	}
	for {
		if err := game.Move(); err != nil {
			game.Kill()
			return res
		}
		if err := game.ReadMove(); err != nil {
			game.Kill()
			return res
		}
		j.boss.IncMoves()
		if !game.NextMove() || j.storing() {
			break
		}
	}
	if j.storing() {
		if err := game.WriteSgf(); err != nil {
			game.Kill()
			return res
		}
		if err := game.SaveTraining(); err != nil {
			game.Kill()
			return res
		}
		res.Type = ResultStoreSelfPlayed
		res.Add("sgf", game.File())
		res.Add("moves", strconv.Itoa(game.MovesCount()))
		game.Quit()
		return res
	}
	fmt.Println("Game has ended.")
	if err := game.GetScore(); err != nil {
		game.Kill()
		return res
	}
	if err := game.WriteSgf(); err != nil {
		game.Kill()
		return res
	}
	if err := game.FixSgf(j.engine, false, true); err != nil {
		fmt.Printf("*ERROR*: %v\n", err)
		game.Kill()
		return res
	}
	if err := game.DumpTraining(); err != nil {
		game.Kill()
		return res
	}
	if j.debug {
		if err := game.DumpDebug(); err != nil {
			game.Kill()
			return res
		}
	}
	res.Type = ResultFile
	res.Add("file", game.File())
	res.Add("winner", game.WinnerName())
	res.Add("moves", strconv.Itoa(game.MovesCount()))
	game.Quit()
	return res
}

// ValidationJob plays one match game between two networks, relaying each
// generated move to the opposing engine.
type ValidationJob struct {
	jobBase
	engineFirst  Engine
	engineSecond Engine
	sgf          string
	moves        int
}

func NewValidationJob(gpu string, boss *Management) *ValidationJob {
	j := &ValidationJob{}
	j.gpu = gpu
	j.boss = boss
	return j
}

func (j *ValidationJob) Init(o Order) error {
	if err := j.jobBase.init(o); err != nil {
		return err
	}
	j.engineFirst = NewEngine(
		"networks/"+o.Get("firstNet")+".gz",
		" "+o.Get("options")+j.gpu+" -g -q -w ",
		splitGtpCommands(o.Get("gtpCommands")))
	j.engineSecond = NewEngine(
		"networks/"+o.Get("secondNet")+".gz",
		" "+o.Get("optionsSecond")+j.gpu+" -g -q -w ",
		splitGtpCommands(o.Get("gtpCommandsSecond")))
	j.sgf = o.Get("sgf")
	j.moves = o.GetInt("moves")
	return nil
}

func (j *ValidationJob) Execute() Result {
	res := NewResult(ResultError)
	first := NewGame(j.engineFirst)
	if err := first.Start(j.minVersion, j.sgf, j.moves); err != nil {
		fmt.Printf("*ERROR*: %v\n", err)
		first.Kill()
		return res
	}
	second := NewGame(j.engineSecond)
	if err := second.Start(j.minVersion, j.sgf, j.moves); err != nil {
		fmt.Printf("*ERROR*: %v\n", err)
		first.Kill()
		second.Kill()
		return res
	}
	if j.sgf != "" {
		os.Remove(j.sgf + ".sgf")
	}

	// Start with the side to move set the opposite of the expected way
	// around, because the playing loop swaps sides at the top of each
	// iteration. This avoids testing which side is to move on every pass.
	gameToMove, colorToMove := second, colorWhite
	gameOpponent, colorOpponent := first, colorBlack
	if !first.BlackToMove() {
		gameToMove, gameOpponent = gameOpponent, gameToMove
		colorToMove, colorOpponent = colorOpponent, colorToMove
	}
	for {
		gameToMove, gameOpponent = gameOpponent, gameToMove
		colorToMove, colorOpponent = colorOpponent, colorToMove
		if err := gameToMove.Move(); err != nil {
			first.Kill()
			second.Kill()
			return res
		}
		if err := gameToMove.ReadMove(); err != nil {
			first.Kill()
			second.Kill()
			return res
		}
		j.boss.IncMoves()
		err := gameOpponent.SetMove("play " + colorToMove + " " + gameToMove.GetMove())
		if err != nil {
			first.Kill()
			second.Kill()
			return res
		}
		if !gameToMove.NextMove() || j.storing() {
			break
		}
	}
	if j.storing() {
		if err := first.WriteSgf(); err != nil {
			first.Kill()
			second.Kill()
			return res
		}
		res.Type = ResultStoreMatch
		res.Add("sgf", first.File())
		res.Add("moves", strconv.Itoa(first.MovesCount()))
		first.Quit()
		second.Quit()
		return res
	}
	fmt.Println("Game has ended.")
	if err := first.GetScore(); err != nil {
		first.Kill()
		second.Kill()
		return res
	}
	res.Add("score", first.Result())
	res.Add("winner", first.WinnerName())
	if err := first.WriteSgf(); err != nil {
		first.Kill()
		second.Kill()
		return res
	}
	err := first.FixSgf(j.engineSecond, res.Params["score"] == "B+Resign", false)
	if err != nil {
		fmt.Printf("*ERROR*: %v\n", err)
		first.Kill()
		second.Kill()
		return res
	}
	res.Type = ResultWin
	res.Add("file", first.File())
	res.Add("moves", strconv.Itoa(first.MovesCount()))
	first.Quit()
	second.Quit()
	return res
}

// WaitJob idles for the number of minutes the server asked for. The sleep
// is chunked so finish/store requests end it early.
type WaitJob struct {
	jobBase
	minutes int
}

func NewWaitJob(gpu string, boss *Management) *WaitJob {
	j := &WaitJob{}
	j.gpu = gpu
	j.boss = boss
	return j
}

func (j *WaitJob) Init(o Order) error {
	if err := j.jobBase.init(o); err != nil {
		return err
	}
	j.minutes = o.GetInt("minutes")
	return nil
}

func (j *WaitJob) Execute() Result {
	deadline := time.Now().Add(time.Duration(j.minutes) * time.Minute)
	for time.Now().Before(deadline) && j.state.Load() == jobRunning {
		time.Sleep(time.Second)
	}
	return NewResult(ResultWaited)
}

func splitGtpCommands(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
