package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSprtContinuesWithoutAllOutcomes(t *testing.T) {
	s := NewSprt(0, 35, 0.05, 0.05)
	st := s.Status()
	assert.Equal(t, SprtContinue, st.Result)
	assert.Zero(t, st.LLR)
	assert.Zero(t, st.LBound)
	assert.Zero(t, st.UBound)

	// Wins and losses alone are not enough: the draw-Elo estimate needs
	// at least one draw.
	for i := 0; i < 30; i++ {
		s.AddGameResult(GameWin)
		s.AddGameResult(GameLoss)
	}
	assert.Equal(t, SprtContinue, s.Status().Result)
}

func TestSprtBoundsWithOneOfEach(t *testing.T) {
	s := NewSprt(0, 35, 0.05, 0.05)
	s.AddGameResult(GameWin)
	s.AddGameResult(GameLoss)
	s.AddGameResult(GameDraw)

	st := s.Status()
	assert.Equal(t, SprtContinue, st.Result)
	assert.InDelta(t, -2.944, st.LBound, 0.001)
	assert.InDelta(t, 2.944, st.UBound, 0.001)
}

func TestSprtAcceptsH1(t *testing.T) {
	s := NewSprt(0, 35, 0.05, 0.05)
	for i := 0; i < 60; i++ {
		s.AddGameResult(GameWin)
	}
	for i := 0; i < 20; i++ {
		s.AddGameResult(GameLoss)
	}
	for i := 0; i < 5; i++ {
		s.AddGameResult(GameDraw)
	}

	st := s.Status()
	assert.Equal(t, SprtAcceptH1, st.Result)
	assert.Greater(t, st.LLR, st.UBound)
}

func TestSprtAcceptsH0(t *testing.T) {
	s := NewSprt(0, 35, 0.05, 0.05)
	for i := 0; i < 300; i++ {
		s.AddGameResult(GameWin)
		s.AddGameResult(GameLoss)
	}
	for i := 0; i < 75; i++ {
		s.AddGameResult(GameDraw)
	}

	st := s.Status()
	assert.Equal(t, SprtAcceptH0, st.Result)
	assert.Less(t, st.LLR, st.LBound)
}

func TestSprtOrderIndependent(t *testing.T) {
	feed := func(results []int) SprtStatus {
		s := NewSprt(0, 35, 0.05, 0.05)
		for _, r := range results {
			s.AddGameResult(r)
		}
		return s.Status()
	}

	var forward, backward []int
	for i := 0; i < 12; i++ {
		forward = append(forward, GameWin)
	}
	for i := 0; i < 7; i++ {
		forward = append(forward, GameLoss)
	}
	forward = append(forward, GameDraw, GameDraw)
	for i := len(forward) - 1; i >= 0; i-- {
		backward = append(backward, forward[i])
	}

	a, b := feed(forward), feed(backward)
	require.Equal(t, a.Result, b.Result)
	assert.Equal(t, a.LLR, b.LLR)
	assert.Equal(t, a.LBound, b.LBound)
	assert.Equal(t, a.UBound, b.UBound)
}

func TestSprtWDL(t *testing.T) {
	s := NewSprt(0, 35, 0.05, 0.05)
	s.AddGameResult(GameWin)
	s.AddGameResult(GameWin)
	s.AddGameResult(GameDraw)
	s.AddGameResult(GameLoss)
	s.AddGameResult(GameNoResult)

	wins, draws, losses := s.WDL()
	assert.Equal(t, 2, wins)
	assert.Equal(t, 1, draws)
	assert.Equal(t, 1, losses)
}
