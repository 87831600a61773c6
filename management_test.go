package main

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelayBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryDelay(0))
	assert.Equal(t, 45*time.Second, retryDelay(1))
	assert.Equal(t, 67*time.Second, retryDelay(2))
	assert.Equal(t, 3600*time.Second, retryDelay(20))
}

func TestNewRandomSeedIsDecimal(t *testing.T) {
	seed := newRandomSeed()
	_, err := strconv.ParseUint(seed, 10, 64)
	assert.NoError(t, err)
}

func TestReseedFallback(t *testing.T) {
	m := NewManagement(ManagementConfig{Gpus: 1, Games: 1, Version: autogtpVersion})

	_, ok := m.reseedFallback()
	assert.False(t, ok, "no fallback before the first production order")

	fb := NewOrder(OrderProduction)
	fb.Params["network"] = "AA"
	fb.Params["rndSeed"] = "42"
	fb.Params["options"] = " -r 1  -t 6  --noponder  -s 42 "
	m.fallBack = fb

	o, ok := m.reseedFallback()
	require.True(t, ok)
	assert.Equal(t, OrderProduction, o.Kind)
	assert.Equal(t, "AA", o.Get("network"))
	assert.NotEqual(t, "42", o.Get("rndSeed"))
	assert.Contains(t, o.Get("options"), "-s "+o.Get("rndSeed")+" ")
	assert.NotContains(t, o.Get("options"), "-s 42 ")
}

func TestProductionEngineCommandLine(t *testing.T) {
	// The flattened selfplay task from the server contract, driven
	// through job init to the engine invocation.
	o := NewOrder(OrderProduction)
	o.Params["leelazVer"] = "0.15"
	o.Params["network"] = "AA"
	o.Params["rndSeed"] = "42"
	o.Params["options"] = " -d   -n   -r 1  -m 30  -t 6  --batchsize 5  --noponder  -s 42 "
	o.Params["debug"] = "false"

	j := NewProductionJob("", nil)
	require.NoError(t, j.Init(o))
	assert.Equal(t, []string{
		"leelaz", "-d", "-n", "-r", "1", "-m", "30", "-t", "6",
		"--batchsize", "5", "--noponder", "-s", "42",
		"-g", "-q", "-w", "networks/AA.gz",
	}, strings.Fields(j.engine.CmdLine()))
	assert.Equal(t, [3]int{0, 15, 0}, j.minVersion)
}

func TestValidationEnginesCommandLines(t *testing.T) {
	o := NewOrder(OrderValidation)
	o.Params["leelazVer"] = "0.15"
	o.Params["firstNet"] = "AA"
	o.Params["secondNet"] = "BB"
	o.Params["options"] = " -v 3201  --noponder "
	o.Params["optionsSecond"] = " -v 1601  --noponder "
	o.Params["gtpCommands"] = "komi 0.5,fixed_handicap 2"
	o.Params["gtpCommandsSecond"] = "komi 0.5"

	j := NewValidationJob(" --gpu=1 ", nil)
	require.NoError(t, j.Init(o))
	assert.Contains(t, j.engineFirst.CmdLine(), "networks/AA.gz")
	assert.Contains(t, j.engineFirst.CmdLine(), "--gpu=1")
	assert.Contains(t, j.engineSecond.CmdLine(), "networks/BB.gz")
	assert.Equal(t, []string{"komi 0.5", "fixed_handicap 2"}, j.engineFirst.Commands)
	assert.Equal(t, []string{"komi 0.5"}, j.engineSecond.Commands)
}

func TestUploadResultMapsWinnerToNetworkHash(t *testing.T) {
	chdirTemp(t)

	var fields map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "/submit-match", r.URL.Path)
		fields = map[string]string{}
		for key := range r.MultipartForm.Value {
			fields[key] = r.FormValue(key)
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	m := NewManagement(ManagementConfig{
		Gpus: 1, Games: 1, Version: autogtpVersion, ServerURL: server.URL,
	})
	require.NoError(t, os.WriteFile("abc123.sgf", []byte("(;GM[1])"), 0644))

	res := map[string]string{
		"file": "abc123", "winner": "black", "moves": "321", "score": "B+45",
	}
	ord := map[string]string{
		"firstNet": "AA", "secondNet": "BB", "optHash": "c2e3", "rndSeed": "0",
	}
	m.uploadResult(res, ord)

	assert.Equal(t, "AA", fields["winnerhash"])
	assert.Equal(t, "BB", fields["loserhash"])
	assert.Equal(t, "black", fields["winnercolor"])
	assert.Equal(t, "321", fields["movescount"])
	assert.Equal(t, "B+45", fields["score"])

	// Uploaded artifacts are cleaned up afterwards.
	matches, _ := os.ReadDir(".")
	for _, f := range matches {
		assert.NotContains(t, f.Name(), "abc123")
	}
}

func TestUploadDataQueuesOnFailure(t *testing.T) {
	chdirTemp(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	server.Close() // every upload attempt fails at the transport level

	m := NewManagement(ManagementConfig{
		Gpus: 1, Games: 1, Version: autogtpVersion, ServerURL: server.URL,
	})
	m.sleep = func(time.Duration) {}
	require.NoError(t, os.WriteFile("abc123.sgf", []byte("(;GM[1])"), 0644))
	require.NoError(t, os.WriteFile("abc123.txt.0.gz", []byte("training"), 0644))

	res := map[string]string{"file": "abc123", "winner": "white", "moves": "100"}
	ord := map[string]string{"network": "AA", "optHash": "ee21", "rndSeed": "0"}
	m.uploadData(res, ord)

	files := listSavedUploads()
	require.Len(t, files, 1)
	name, tokens, err := loadUploadTokens(files[0])
	require.NoError(t, err)
	assert.Equal(t, "abc123", name)
	joined := strings.Join(tokens, " ")
	assert.Contains(t, joined, "networkhash=AA")
	assert.Contains(t, joined, "winnercolor=white")
	assert.Contains(t, joined, "sgf=@abc123.sgf.gz")
}

func TestSendAllGamesDrainsQueue(t *testing.T) {
	chdirTemp(t)
	var uploads int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		uploads++
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	m := NewManagement(ManagementConfig{
		Gpus: 1, Games: 1, Version: autogtpVersion, ServerURL: server.URL,
	})
	tokens := []string{"-F winnercolor=black", "-F movescount=10", server.URL + "/submit"}
	require.NoError(t, saveUploadTokens(tokens, "abc123"))

	m.sendAllGames()
	assert.Equal(t, 1, uploads)
	assert.Empty(t, listSavedUploads())
	// The lock siblings are gone with their files.
	locks, _ := filepath.Glob("*.lock")
	assert.Empty(t, locks)
}

func TestGzipFileReplacesOriginal(t *testing.T) {
	chdirTemp(t)
	require.NoError(t, os.WriteFile("abc123.sgf", []byte("(;GM[1];B[pd])"), 0644))
	gzipFile("abc123.sgf")

	_, err := os.Stat("abc123.sgf")
	assert.True(t, os.IsNotExist(err))

	f, err := os.Open("abc123.sgf.gz")
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	var out strings.Builder
	_, err = io.Copy(&out, zr)
	require.NoError(t, err)
	assert.Equal(t, "(;GM[1];B[pd])", out.String())
}

func TestCleanupFilesRemovesAllArtifacts(t *testing.T) {
	chdirTemp(t)
	m := NewManagement(ManagementConfig{Gpus: 1, Games: 1, Version: autogtpVersion})
	for _, name := range []string{"abc.sgf", "abc.sgf.gz", "abc.txt.0.gz", "abc.debug.txt.0.gz"} {
		require.NoError(t, os.WriteFile(name, []byte("x"), 0644))
	}
	require.NoError(t, os.WriteFile("other.sgf", []byte("x"), 0644))

	m.cleanupFiles("abc")
	for _, name := range []string{"abc.sgf", "abc.sgf.gz", "abc.txt.0.gz", "abc.debug.txt.0.gz"} {
		_, err := os.Stat(name)
		assert.True(t, os.IsNotExist(err), name)
	}
	_, err := os.Stat("other.sgf")
	assert.NoError(t, err)
}
