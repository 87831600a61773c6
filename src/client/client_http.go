// HTTP task client for the coordination server.
package client

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
)

// ErrBadJSON marks a task response whose body is not valid JSON. Unlike a
// transport failure it is never worth retrying.
var ErrBadJSON = errors.New("JSON parse error in task response")

// Client talks to the coordination server: task fetch, content-addressed
// network downloads, seed SGF downloads and multipart result uploads.
type Client struct {
	ServerURL  string
	httpClient *http.Client
}

func New(serverURL string) *Client {
	if !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}
	return &Client{
		ServerURL:  serverURL,
		httpClient: &http.Client{},
	}
}

// Task is the JSON task descriptor returned by /get-task.
type Task struct {
	Cmd                   string            `json:"cmd"`
	RequiredClientVersion string            `json:"required_client_version"`
	MinimumAutogtpVersion string            `json:"minimum_autogtp_version"`
	LeelazVersion         string            `json:"leelaz_version"`
	MinimumLeelazVersion  string            `json:"minimum_leelaz_version"`
	RandomSeed            string            `json:"random_seed"`
	OptionsHash           string            `json:"options_hash"`
	Options               map[string]string `json:"options"`
	WhiteOptions          map[string]string `json:"white_options"`
	Hash                  string            `json:"hash"`
	BlackHash             string            `json:"black_hash"`
	WhiteHash             string            `json:"white_hash"`
	HashGzipHash          string            `json:"hash_gzip_hash"`
	BlackHashGzipHash     string            `json:"black_hash_gzip_hash"`
	WhiteHashGzipHash     string            `json:"white_hash_gzip_hash"`
	HashSgfHash           string            `json:"hash_sgf_hash"`
	MovesCount            string            `json:"moves_count"`
	GtpCommands           []string          `json:"gtp_commands"`
	WhiteGtpCommands      []string          `json:"white_gtp_commands"`
	Minutes               string            `json:"minutes"`
}

// RequiredVersion returns the minimum client version the server demands.
func (t *Task) RequiredVersion() int {
	v := t.RequiredClientVersion
	if v == "" {
		v = t.MinimumAutogtpVersion
	}
	return atoi(v)
}

// MinLeelazVersion returns the engine version floor, or fallback when the
// server did not send one.
func (t *Task) MinLeelazVersion(fallback string) string {
	if t.LeelazVersion != "" {
		return t.LeelazVersion
	}
	if t.MinimumLeelazVersion != "" {
		return t.MinimumLeelazVersion
	}
	return fallback
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// GetTask fetches the next task descriptor. version "0" asks for a
// tuning-only task; leelazVersion is forwarded once known so the server
// can match engine capabilities.
func (c *Client) GetTask(version, leelazVersion string) (*Task, error) {
	uri := c.ServerURL + "get-task/" + version
	if leelazVersion != "" {
		uri += "/" + leelazVersion
	}
	r, err := c.httpClient.Get(uri)
	if err != nil {
		return nil, errors.Wrap(err, "get-task")
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "get-task body")
	}
	if r.StatusCode >= 400 {
		return nil, errors.Errorf("get-task gave status %d", r.StatusCode)
	}
	task := &Task{}
	if err := json.Unmarshal(body, task); err != nil {
		return nil, errors.Wrapf(ErrBadJSON, "%v in %q", err, string(body))
	}
	return task, nil
}

// FetchNetwork downloads networks/<net>.gz unless a copy with the right
// SHA-256 already exists. A present file with the wrong hash is deleted
// first; a downloaded file that fails verification is deleted and the
// fetch fails.
func (c *Client) FetchNetwork(net, gzipHash string) error {
	name := filepath.Join("networks", net+".gz")
	ok, err := networkValid(name, gzipHash)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	os.Remove(name)

	lock, err := acquireLock(name)
	if err != nil {
		if err == lockfile.ErrBusy {
			return errors.New("network download initiated by other client")
		}
		return errors.Wrap(err, "locking network download")
	}
	defer lock.Unlock()

	if err := c.downloadFile(c.ServerURL+"networks/"+net+".gz", name); err != nil {
		return err
	}
	ok, err = networkValid(name, gzipHash)
	if err != nil {
		return err
	}
	if !ok {
		os.Remove(name)
		return errors.Errorf("downloaded network %s failed hash verification", net)
	}
	return nil
}

// networkValid reports whether name exists and its bytes hash to
// gzipHash.
func networkValid(name, gzipHash string) (bool, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "opening network file")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, errors.Wrap(err, "reading network file")
	}
	sum := fmt.Sprintf("%x", h.Sum(nil))
	if sum == gzipHash {
		return true, nil
	}
	fmt.Printf("Downloaded network hash doesn't match, calculated: %s it should be: %s\n",
		sum, gzipHash)
	return false, nil
}

func acquireLock(path string) (lockfile.Lockfile, error) {
	abs, err := filepath.Abs(path + ".lock")
	if err != nil {
		return "", err
	}
	lock, err := lockfile.New(abs)
	if err != nil {
		return "", err
	}
	return lock, lock.TryLock()
}

// FetchGameData downloads a seed SGF under a fresh random basename and
// returns the basename.
func (c *Client) FetchGameData(name, extension string) (string, error) {
	fileName := strings.ReplaceAll(uuid.New().String(), "-", "")
	uri := c.ServerURL + "view/" + name + "." + extension
	if err := c.downloadFile(uri, fileName+"."+extension); err != nil {
		return "", err
	}
	return fileName, nil
}

// downloadFile saves a GET body through a temp file and renames it into
// place, so a torn download never shows up under the final name.
func (c *Client) downloadFile(uri, path string) error {
	r, err := c.httpClient.Get(uri)
	if err != nil {
		return errors.Wrap(err, "download")
	}
	defer r.Body.Close()
	if r.StatusCode >= 400 {
		return errors.Errorf("download of %s gave status %d", uri, r.StatusCode)
	}
	dir, base := filepath.Split(path)
	out, err := os.CreateTemp(orCwd(dir), base+"_tmp")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	_, err = io.Copy(out, r.Body)
	out.Close()
	if err == nil {
		err = os.Rename(out.Name(), path)
	}
	os.Remove(out.Name())
	return err
}

func orCwd(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// SendTokens replays an upload command line. The tokens are the persisted
// curl-style form: "-F key=value" pairs (values starting with "@" name a
// file part) followed by the target URL. They may arrive joined or split
// on whitespace; both forms rebuild the same request.
func (c *Client) SendTokens(tokens []string) error {
	words := strings.Fields(strings.Join(tokens, " "))
	if len(words) == 0 {
		return errors.New("empty upload command")
	}
	uri := words[len(words)-1]
	fields := map[string]string{}
	files := map[string]string{}
	rest := words[:len(words)-1]
	for i := 0; i < len(rest); i++ {
		if rest[i] != "-F" {
			return errors.Errorf("unexpected upload token %q", rest[i])
		}
		i++
		if i >= len(rest) {
			return errors.New("dangling -F in upload command")
		}
		key, value, found := strings.Cut(rest[i], "=")
		if !found {
			return errors.Errorf("malformed upload field %q", rest[i])
		}
		if strings.HasPrefix(value, "@") {
			files[key] = value[1:]
		} else {
			fields[key] = value
		}
	}
	req, err := buildUploadRequest(uri, fields, files)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n", body)
	if resp.StatusCode >= 400 {
		return errors.Errorf("upload gave status %d", resp.StatusCode)
	}
	return nil
}

// buildUploadRequest creates a multipart upload request from plain fields
// and file parts.
func buildUploadRequest(uri string, fields, files map[string]string) (*http.Request, error) {
	body := &strings.Builder{}
	writer := multipart.NewWriter(body)
	for key, val := range fields {
		if err := writer.WriteField(key, val); err != nil {
			return nil, err
		}
	}
	for key, path := range files {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		part, err := writer.CreateFormFile(key, filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		file.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequest("POST", uri, strings.NewReader(body.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

// OptionsString flattens the task's options object into the engine
// command line. Absent keys fall back to the server-side defaults; the
// boolean flags dumbpass and noise default to on.
func OptionsString(opts map[string]string, seed string) string {
	var b strings.Builder
	appendOption(&b, opts, "playouts", " -p ", "")
	appendOption(&b, opts, "visits", " -v ", "")
	appendOption(&b, opts, "resignation_percent", " -r ", "1")
	appendOption(&b, opts, "randomcnt", " -m ", "30")
	appendOption(&b, opts, "threads", " -t ", "6")
	appendOption(&b, opts, "batchsize", " --batchsize ", "5")
	appendBoolOption(&b, opts, "dumbpass", " -d ", true)
	appendBoolOption(&b, opts, "noise", " -n ", true)
	b.WriteString(" --noponder ")
	if seed != "" {
		b.WriteString(" -s " + seed + " ")
	}
	return b.String()
}

func appendOption(b *strings.Builder, opts map[string]string, key, opt, defValue string) {
	if val, ok := opts[key]; ok {
		b.WriteString(opt + val + " ")
	} else if defValue != "" {
		b.WriteString(opt + defValue + " ")
	}
}

func appendBoolOption(b *strings.Builder, opts map[string]string, key, opt string, defValue bool) {
	if val, ok := opts[key]; ok {
		if strings.EqualFold(val, "true") {
			b.WriteString(opt + " ")
		}
	} else if defValue {
		b.WriteString(opt + " ")
	}
}

// GtpCommandsString flattens the gtp_commands array to the comma-joined
// form carried in order parameters.
func GtpCommandsString(commands []string) string {
	return strings.Join(commands, ",")
}
