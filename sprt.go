package main

import (
	"math"
	"sync"
)

// SprtResult is the verdict of the sequential probability ratio test.
type SprtResult int

const (
	SprtContinue SprtResult = iota
	SprtAcceptH0
	SprtAcceptH1
)

func (r SprtResult) String() string {
	switch r {
	case SprtAcceptH0:
		return "H0 accepted"
	case SprtAcceptH1:
		return "H1 accepted"
	default:
		return "continue"
	}
}

// Game results fed into the test, from the first player's point of view.
const (
	GameNoResult = iota
	GameWin
	GameLoss
	GameDraw
)

// SprtStatus is a snapshot of the test: the verdict, the log-likelihood
// ratio and the acceptance bounds derived from alpha/beta.
type SprtStatus struct {
	Result SprtResult
	LLR    float64
	LBound float64
	UBound float64
}

// Sprt implements a Sequential Probability Ratio Test over win/loss/draw
// counts, using the BayesElo model from Cute Chess. H0 is "the Elo
// difference is elo0", H1 is "the Elo difference is elo1"; alpha and beta
// are the error probabilities outside [elo0, elo1].
type Sprt struct {
	mu     sync.Mutex
	elo0   float64
	elo1   float64
	alpha  float64
	beta   float64
	wins   int
	losses int
	draws  int
}

func NewSprt(elo0, elo1, alpha, beta float64) *Sprt {
	return &Sprt{elo0: elo0, elo1: elo1, alpha: alpha, beta: beta}
}

// AddGameResult updates the counts. Call Status afterwards to see whether
// either hypothesis can be accepted.
func (s *Sprt) AddGameResult(result int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch result {
	case GameWin:
		s.wins++
	case GameLoss:
		s.losses++
	case GameDraw:
		s.draws++
	}
}

// WDL returns the current win/draw/loss score.
func (s *Sprt) WDL() (wins, draws, losses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wins, s.draws, s.losses
}

// Status computes the verdict. The LLR and bounds depend only on the
// accumulated counts, never on the order the results arrived in. With any
// of the three counts still at zero the draw-Elo estimate is undefined and
// the test always continues.
func (s *Sprt) Status() SprtStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SprtStatus{Result: SprtContinue}
	if s.wins <= 0 || s.losses <= 0 || s.draws <= 0 {
		return status
	}

	// Estimate drawElo out of sample.
	p := probFromCounts(s.wins, s.losses, s.draws)
	b := bayesEloFromProb(p)

	// Probability laws under H0 and H1.
	scale := b.scale()
	p0 := probFromBayesElo(bayesElo{s.elo0 / scale, b.drawElo})
	p1 := probFromBayesElo(bayesElo{s.elo1 / scale, b.drawElo})

	status.LLR = float64(s.wins)*math.Log(p1.win/p0.win) +
		float64(s.losses)*math.Log(p1.loss/p0.loss) +
		float64(s.draws)*math.Log(p1.draw/p0.draw)
	status.LBound = math.Log(s.beta / (1.0 - s.alpha))
	status.UBound = math.Log((1.0 - s.beta) / s.alpha)

	if status.LLR > status.UBound {
		status.Result = SprtAcceptH1
	} else if status.LLR < status.LBound {
		status.Result = SprtAcceptH0
	}
	return status
}

type bayesElo struct {
	bayesElo float64
	drawElo  float64
}

type sprtProb struct {
	win  float64
	loss float64
	draw float64
}

func probFromCounts(wins, losses, draws int) sprtProb {
	count := float64(wins + losses + draws)
	p := sprtProb{
		win:  float64(wins) / count,
		loss: float64(losses) / count,
	}
	p.draw = 1.0 - p.win - p.loss
	return p
}

func bayesEloFromProb(p sprtProb) bayesElo {
	return bayesElo{
		bayesElo: 200.0 * math.Log10(p.win/p.loss*(1.0-p.loss)/(1.0-p.win)),
		drawElo:  200.0 * math.Log10((1.0-p.loss)/p.loss*(1.0-p.win)/p.win),
	}
}

func probFromBayesElo(b bayesElo) sprtProb {
	p := sprtProb{
		win:  1.0 / (1.0 + math.Pow(10.0, (b.drawElo-b.bayesElo)/400.0)),
		loss: 1.0 / (1.0 + math.Pow(10.0, (b.drawElo+b.bayesElo)/400.0)),
	}
	p.draw = 1.0 - p.win - p.loss
	return p
}

func (b bayesElo) scale() float64 {
	x := math.Pow(10.0, -b.drawElo/400.0)
	return 4.0 * x / ((1.0 + x) * (1.0 + x))
}
