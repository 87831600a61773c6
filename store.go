package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
)

// Advisory lock helpers. Every persisted queue file pairs with a sibling
// ".lock" file; a failed try-lock means another process, or another worker
// of this one, owns the file and the caller skips it.

const lockTimeout = 10 * time.Millisecond

// tryLock attempts to take the advisory lock next to path within the
// lock timeout.
func tryLock(path string) (lockfile.Lockfile, error) {
	abs, err := filepath.Abs(path + ".lock")
	if err != nil {
		return "", err
	}
	lock, err := lockfile.New(abs)
	if err != nil {
		return "", err
	}
	deadline := time.Now().Add(lockTimeout)
	for {
		// TryLock lets a process retake a lock it already holds, so a
		// holder in this process (another worker) is checked for first.
		if owner, oerr := lock.GetOwner(); oerr == nil && owner.Pid == os.Getpid() {
			err = lockfile.ErrBusy
		} else {
			err = lock.TryLock()
		}
		if err == nil || time.Now().After(deadline) {
			return lock, err
		}
		time.Sleep(time.Millisecond)
	}
}

// saveLocked writes an order checkpoint under its lock.
func saveLocked(path string, o Order) error {
	lock, err := tryLock(path)
	if err != nil {
		return errors.Wrapf(err, "locking %s", path)
	}
	defer lock.Unlock()
	return o.Save(path)
}

func listStoredOrders() []string {
	files, _ := filepath.Glob("storefile*.bin")
	return files
}

func listSavedUploads() []string {
	files, _ := filepath.Glob("curl_save*.bin")
	return files
}

// saveUploadTokens queues an upload that could not be sent. The format
// mirrors the original client's curl command files: the game basename,
// the token count, then the tokens one per line.
func saveUploadTokens(tokens []string, name string) error {
	fileName := "curl_save" + newBasename() + ".bin"
	lock, err := tryLock(fileName)
	if err != nil {
		return errors.Wrapf(err, "locking %s", fileName)
	}
	defer lock.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", name)
	fmt.Fprintf(&b, "%d\n", len(tokens))
	for _, tok := range tokens {
		fmt.Fprintf(&b, "%s \n", tok)
	}
	if err := os.WriteFile(fileName, []byte(b.String()), 0644); err != nil {
		return errors.Wrap(err, "saving upload")
	}
	return nil
}

// loadUploadTokens reads a queued upload back. The stored tokens are
// whitespace-separated: each "-F key=value" entry splits into two fields
// and the trailing URL into one, so a file with count n holds 2n-1
// fields.
func loadUploadTokens(path string) (name string, tokens []string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrap(err, "loading upload")
	}
	s := newTextScanner(string(data))
	name, err = s.nextWord()
	if err != nil {
		return "", nil, errors.Wrap(err, "upload basename")
	}
	count, err := s.nextInt()
	if err != nil {
		return "", nil, errors.Wrap(err, "upload token count")
	}
	count = 2*count - 1
	for i := 0; i < count; i++ {
		tok, err := s.nextWord()
		if err != nil {
			return "", nil, errors.Wrapf(err, "upload token %d", i)
		}
		tokens = append(tokens, tok)
	}
	return name, tokens, nil
}
