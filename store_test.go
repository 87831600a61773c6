package main

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(old) })
}

func TestUploadTokensRoundTrip(t *testing.T) {
	chdirTemp(t)
	tokens := []string{
		"-F networkhash=223737476718d58a",
		"-F clientversion=18",
		"-F options_hash=ee21",
		"-F movescount=321",
		"-F winnercolor=black",
		"-F random_seed=42",
		"-F sgf=@abc123.sgf.gz",
		"-F trainingdata=@abc123.txt.0.gz",
		"https://zero.sjeng.org/submit",
	}
	require.NoError(t, saveUploadTokens(tokens, "abc123"))

	files := listSavedUploads()
	require.Len(t, files, 1)

	name, loaded, err := loadUploadTokens(files[0])
	require.NoError(t, err)
	assert.Equal(t, "abc123", name)
	// The stored form splits on whitespace: n written tokens come back as
	// 2n-1 fields, but joined they rebuild the same command line.
	assert.Len(t, loaded, 2*len(tokens)-1)
	assert.Equal(t,
		strings.Join(tokens, " "),
		strings.Join(strings.Fields(strings.Join(loaded, " ")), " "))
}

func TestStoredOrderQueue(t *testing.T) {
	chdirTemp(t)
	o := NewOrder(OrderRestoreSelfPlayed)
	o.Params["leelazVer"] = "0.15"
	o.Params["network"] = "aa"
	o.Params["options"] = " -t 6  --noponder  -s 7 "
	o.Params["sgf"] = "abc123"
	o.Params["moves"] = "50"
	require.NoError(t, saveLocked("storefile"+newBasename()+".bin", o))

	files := listStoredOrders()
	require.Len(t, files, 1)

	m := NewManagement(ManagementConfig{Gpus: 1, Games: 1, Version: autogtpVersion})
	got, ok := m.nextStoredOrder()
	require.True(t, ok)
	assert.Equal(t, OrderRestoreSelfPlayed, got.Kind)
	assert.Equal(t, "abc123", got.Get("sgf"))
	assert.Equal(t, 50, got.GetInt("moves"))

	// The file is consumed: a second poll finds nothing.
	assert.Empty(t, listStoredOrders())
	_, ok = m.nextStoredOrder()
	assert.False(t, ok)
}

func TestTryLockSkipsHeldFiles(t *testing.T) {
	chdirTemp(t)
	require.NoError(t, os.WriteFile("curl_save_test.bin", []byte("x\n0\n"), 0644))

	lock, err := tryLock("curl_save_test.bin")
	require.NoError(t, err)
	defer lock.Unlock()

	// The lock is held by this process, so a second taker backs off.
	_, err = tryLock("curl_save_test.bin")
	assert.Error(t, err)
}

func TestWorkerStoresInterruptedGame(t *testing.T) {
	chdirTemp(t)
	results := make(chan workerResult, 1)
	w := NewWorker(0, "", nil, results)
	w.todo = NewOrder(OrderProduction)
	w.todo.Params["leelazVer"] = "0.15"
	w.todo.Params["network"] = "aa"
	w.todo.Params["options"] = " -t 6  --noponder "
	stored := NewResult(ResultStoreSelfPlayed)
	stored.Add("sgf", "abc123")
	stored.Add("moves", "50")
	w.job = &stubJob{res: stored}
	w.DoStore()
	w.Run()
	<-w.Done()

	files := listStoredOrders()
	require.Len(t, files, 1)
	o, err := LoadOrder(files[0])
	require.NoError(t, err)
	assert.Equal(t, OrderRestoreSelfPlayed, o.Kind)
	assert.Equal(t, "abc123", o.Get("sgf"))
	assert.Greater(t, o.GetInt("moves"), 0)
	assert.Empty(t, results)
}

type stubJob struct {
	res Result
}

func (j *stubJob) Init(o Order) error { return nil }
func (j *stubJob) Execute() Result    { return j.res }
func (j *stubJob) Finish()            {}
func (j *stubJob) Store()             {}
