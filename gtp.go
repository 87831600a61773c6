package main

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Errors surfaced by a GTP session. A hung engine is not detected here:
// reads block until a line arrives or the process dies and the pipe closes.
var (
	ErrNoEngine    = errors.New("no 'leelaz' binary found")
	ErrProcessDied = errors.New("the 'leelaz' process died unexpected")
	ErrWrongGTP    = errors.New("error in GTP response")
)

// gtpSession owns one engine subprocess and speaks GTP over its pipes.
// The protocol is strictly synchronous: one request, one response line
// beginning with "=", one terminating blank line.
type gtpSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// startGtpSession splits cmdline on spaces and spawns the engine.
func startGtpSession(cmdline string) (*gtpSession, error) {
	args := strings.Fields(cmdline)
	if len(args) == 0 {
		return nil, ErrNoEngine
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(ErrNoEngine, err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(ErrNoEngine, err.Error())
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(ErrNoEngine, err.Error())
	}
	return &gtpSession{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}, nil
}

func (s *gtpSession) writeLine(line string) error {
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return ErrProcessDied
	}
	return nil
}

// readLine blocks until a full line is readable. A closed pipe means the
// engine died.
func (s *gtpSession) readLine() (string, error) {
	line, err := s.stdout.ReadString('\n')
	if err != nil {
		return "", ErrProcessDied
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readResponseLine returns the next response line, printing and skipping
// any "#"-prefixed status comments the engine emits (it does so during
// tuning).
func (s *gtpSession) readResponseLine() (string, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, "#") {
			fmt.Println(line)
			continue
		}
		return line, nil
	}
}

// eatNewLine consumes the empty line terminating a GTP response.
func (s *gtpSession) eatNewLine() error {
	_, err := s.readLine()
	return err
}

// sendCommand runs one GTP command and checks for a successful "=" reply.
func (s *gtpSession) sendCommand(cmd string) error {
	_, err := s.sendCommandResponse(cmd)
	return err
}

// sendCommandResponse runs one GTP command and returns the reply payload
// with the "= " prefix stripped.
func (s *gtpSession) sendCommandResponse(cmd string) (string, error) {
	if err := s.writeLine(cmd); err != nil {
		return "", err
	}
	line, err := s.readResponseLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, "=") {
		fmt.Printf("GTP: %s\n", line)
		return "", ErrWrongGTP
	}
	if err := s.eatNewLine(); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "=")), nil
}

// checkVersion asks the engine for its version and fails if it is older
// than min. A missing patch component counts as zero.
func (s *gtpSession) checkVersion(min [3]int) error {
	resp, err := s.sendCommandResponse("version")
	if err != nil {
		return err
	}
	parts := strings.Split(resp, ".")
	if len(parts) < 2 {
		return errors.Wrapf(ErrWrongGTP, "unexpected engine version %q", resp)
	}
	if len(parts) < 3 {
		parts = append(parts, "0")
	}
	var ver [3]int
	for i := 0; i < 3; i++ {
		ver[i], err = strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return errors.Wrapf(ErrWrongGTP, "unexpected engine version %q", resp)
		}
	}
	diff := (ver[0]-min[0])*10000 + (ver[1]-min[1])*100 + (ver[2] - min[2])
	if diff < 0 {
		return errors.Errorf(
			"engine version is too old, saw %s but expected %d.%d.%d",
			resp, min[0], min[1], min[2])
	}
	return nil
}

// quit asks the engine to exit and reaps the process.
func (s *gtpSession) quit() {
	_ = s.writeLine("quit")
	_ = s.cmd.Wait()
}

// kill reaps the process without the quit handshake. Used on error paths
// so the child never outlives its session.
func (s *gtpSession) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
}

// parseMinVersion turns the "a.b.c" (or "a.b") leelazVer order parameter
// into a version triple.
func parseMinVersion(ver string) ([3]int, error) {
	parts := strings.Split(ver, ".")
	if len(parts) < 2 {
		return [3]int{}, errors.Errorf("unexpected leelaz version: %q", ver)
	}
	if len(parts) < 3 {
		parts = append(parts, "0")
	}
	var min [3]int
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return [3]int{}, errors.Errorf("unexpected leelaz version: %q", ver)
		}
		min[i] = n
	}
	return min, nil
}
