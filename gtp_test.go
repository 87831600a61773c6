package main

import (
	"bufio"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession builds a session whose stdout replays canned engine output.
// The stdin side drains into a pipe buffer nobody reads; the tests only
// care about the response parsing.
func fakeSession(t *testing.T, output string) *gtpSession {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Close()
		r.Close()
	})
	return &gtpSession{
		stdin:  w,
		stdout: bufio.NewReader(strings.NewReader(output)),
	}
}

func TestSendCommandResponse(t *testing.T) {
	s := fakeSession(t, "= all systems go\n\n")
	resp, err := s.sendCommandResponse("protocol_version")
	require.NoError(t, err)
	assert.Equal(t, "all systems go", resp)
}

func TestSendCommandRejectsFailureResponse(t *testing.T) {
	s := fakeSession(t, "? unknown command\n\n")
	err := s.sendCommand("bogus")
	assert.ErrorIs(t, err, ErrWrongGTP)
}

func TestSendCommandDetectsDeadEngine(t *testing.T) {
	s := fakeSession(t, "")
	err := s.sendCommand("genmove b")
	assert.ErrorIs(t, err, ErrProcessDied)
}

func TestCheckVersionSkipsComments(t *testing.T) {
	// The engine emits a "#" status line during tuning before answering.
	s := fakeSession(t, "# OpenCL: tuning in progress\n= 0.17\n\n")
	assert.NoError(t, s.checkVersion([3]int{0, 15, 0}))
}

func TestCheckVersionRejectsOldEngine(t *testing.T) {
	s := fakeSession(t, "= 0.11\n\n")
	assert.Error(t, s.checkVersion([3]int{0, 12, 0}))
}

func TestCheckVersionMissingPatchCountsAsZero(t *testing.T) {
	s := fakeSession(t, "= 0.15\n\n")
	assert.NoError(t, s.checkVersion([3]int{0, 15, 0}))

	s = fakeSession(t, "= 0.15\n\n")
	assert.Error(t, s.checkVersion([3]int{0, 15, 1}))
}

func TestParseMinVersion(t *testing.T) {
	min, err := parseMinVersion("0.15")
	require.NoError(t, err)
	assert.Equal(t, [3]int{0, 15, 0}, min)

	min, err = parseMinVersion("0.15.2")
	require.NoError(t, err)
	assert.Equal(t, [3]int{0, 15, 2}, min)

	_, err = parseMinVersion("nonsense")
	assert.Error(t, err)
}
