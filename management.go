package main

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/leela-zero/autogtp/src/client"
)

const (
	retryDelayMinSec = 30
	retryDelayMaxSec = 60 * 60
	maxRetries       = 3

	serverURL        = "https://zero.sjeng.org/"
	leelazMinVersion = "0.12"

	uploadPacing = 10 * time.Second
)

// SPRT parameters used to report match confidence, from the validation
// tool: H1 is "the first network is at least 35 Elo stronger".
const (
	sprtElo0  = 0.0
	sprtElo1  = 35.0
	sprtAlpha = 0.05
	sprtBeta  = 0.05
)

var (
	errVersionMismatch = errors.New("server requires a newer client version")
	seedOptionRegex    = regexp.MustCompile(`-s .* `)
	leelaVersionRegex  = regexp.MustCompile(`Leela Zero (\S+)`)
)

// Management is the top-level scheduler: it fetches orders, hands them to
// the worker fleet, uploads results and sequences shutdown.
type Management struct {
	client      *client.Client
	version     int
	games       int
	gpus        int
	gpusList    []string
	keepPath    string
	debugPath   string
	delNetworks bool

	syncMutex   sync.Mutex
	selfGames   int
	matchGames  int
	gamesPlayed int
	gamesLeft   int
	threadsLeft int
	movesMade   atomic.Int64

	start        time.Time
	fallBack     Order
	lastMatch    Order
	leelaVersion string

	workers  []*Worker
	results  chan workerResult
	quit     chan struct{}
	quitOnce sync.Once
	sleep    func(time.Duration)

	sprt    *Sprt
	sprtKey string
}

// ManagementConfig carries the command-line configuration into the
// scheduler.
type ManagementConfig struct {
	Gpus        int
	Games       int
	GpusList    []string
	Version     int
	MaxGames    int
	DelNetworks bool
	KeepPath    string
	DebugPath   string
	ServerURL   string
}

func NewManagement(cfg ManagementConfig) *Management {
	url := cfg.ServerURL
	if url == "" {
		url = serverURL
	}
	n := cfg.Gpus * cfg.Games
	return &Management{
		client:      client.New(url),
		version:     cfg.Version,
		games:       cfg.Games,
		gpus:        cfg.Gpus,
		gpusList:    cfg.GpusList,
		keepPath:    cfg.KeepPath,
		debugPath:   cfg.DebugPath,
		delNetworks: cfg.DelNetworks,
		gamesLeft:   cfg.MaxGames,
		threadsLeft: n,
		fallBack:    NewOrder(OrderError),
		lastMatch:   NewOrder(OrderError),
		workers:     make([]*Worker, n),
		results:     make(chan workerResult, n),
		quit:        make(chan struct{}),
		sleep:       time.Sleep,
	}
}

// IncMoves bumps the global move counter. Lock-free: approximate reads
// are fine for the ms/move statistic.
func (m *Management) IncMoves() {
	m.movesMade.Add(1)
}

// Quit signals the main loop to store all games and exit.
func (m *Management) Quit() {
	m.quitOnce.Do(func() { close(m.quit) })
}

// GiveAssignments drains queued uploads, runs the OpenCL tuning pass and
// starts the worker fleet, preferring checkpointed orders from disk.
func (m *Management) GiveAssignments() error {
	m.sendAllGames()

	logger.Info().Msg("Starting tuning process, please wait...")
	tuneOrder, err := m.getWork(true)
	if err != nil {
		return err
	}
	tuneCmdLine := "./leelaz --batchsize=5 --tune-only -w networks/" +
		tuneOrder.Get("network") + ".gz"
	if len(m.gpusList) == 0 {
		m.runTuningProcess(tuneCmdLine)
	} else {
		for _, gpu := range m.gpusList {
			m.runTuningProcess(tuneCmdLine + " --gpu=" + gpu)
		}
	}
	logger.Info().Msg("Tuning process finished")

	m.start = time.Now()
	for gpu := 0; gpu < m.gpus; gpu++ {
		for game := 0; game < m.games; game++ {
			index := gpu*m.games + game
			myGpu := ""
			if len(m.gpusList) > 0 {
				myGpu = m.gpusList[gpu]
			}
			logger.Info().Msgf("Starting thread %d on device %d", game+1, gpu)
			m.workers[index] = NewWorker(index, myGpu, m, m.results)
			o, ok := m.nextStoredOrder()
			if !ok {
				o, err = m.getWork(false)
				if err != nil {
					return err
				}
			}
			if err := m.workers[index].Order(o); err != nil {
				return err
			}
			go m.workers[index].Run()
		}
	}
	return nil
}

// Run processes results until a quit is signalled, then checkpoints every
// in-progress game before returning. A worker reporting an engine error
// terminates the process: the server reissues the work on reconnect.
func (m *Management) Run() error {
	for {
		select {
		case r := <-m.results:
			if err := m.handleResult(r); err != nil {
				return err
			}
		case <-m.quit:
			m.StoreGames()
			return nil
		}
	}
}

func (m *Management) handleResult(r workerResult) error {
	if r.res.Type == ResultError {
		return errors.New("engine error reported, exiting")
	}
	m.syncMutex.Lock()
	defer m.syncMutex.Unlock()
	m.gamesPlayed++
	switch r.res.Type {
	case ResultFile:
		m.selfGames++
		m.uploadData(r.res.Params, r.order.Params)
		m.printTimingInfo(r.duration)
	case ResultWin, ResultLoss:
		m.matchGames++
		m.uploadResult(r.res.Params, r.order.Params)
		m.printTimingInfo(r.duration)
		m.reportSprt(r.res.Params, r.order.Params)
	}
	m.sendAllGames()
	if m.gamesLeft == 0 {
		m.workers[r.index].DoFinish()
		if m.threadsLeft > 1 {
			m.threadsLeft--
		} else {
			m.Quit()
		}
		return nil
	}
	if m.gamesLeft > 0 {
		m.gamesLeft--
	}
	o, ok := m.nextStoredOrder()
	if !ok {
		var err error
		o, err = m.getWork(false)
		if err != nil {
			return err
		}
	}
	return m.workers[r.index].Assign(o)
}

// StoreGames tells every worker to checkpoint its game, waits for the
// fleet to exit and uploads any results that finished racing against the
// shutdown.
func (m *Management) StoreGames() {
	for _, w := range m.workers {
		if w != nil {
			w.DoStore()
		}
	}
	logger.Info().Msg("Management: waiting for workers")
	for i, w := range m.workers {
		if w == nil {
			continue
		}
		<-w.Done()
		logger.Info().Msgf("Management: Worker %d ended", i+1)
	}
	for {
		select {
		case r := <-m.results:
			m.syncMutex.Lock()
			switch r.res.Type {
			case ResultFile:
				m.uploadData(r.res.Params, r.order.Params)
			case ResultWin, ResultLoss:
				m.uploadResult(r.res.Params, r.order.Params)
			}
			m.syncMutex.Unlock()
		default:
			return
		}
	}
}

// nextStoredOrder pops one checkpointed order from disk. Files whose lock
// is held by another process are skipped.
func (m *Management) nextStoredOrder() (Order, bool) {
	for _, file := range listStoredOrders() {
		lock, err := tryLock(file)
		if err != nil {
			continue
		}
		o, err := LoadOrder(file)
		os.Remove(file)
		lock.Unlock()
		if err != nil {
			logger.Error().Err(err).Str("file", file).Msg("Discarding unreadable stored order")
			continue
		}
		logger.Info().Msg("Got previously stored file")
		return o, true
	}
	return Order{}, false
}

func (m *Management) printTimingInfo(duration int) {
	totalSec := int(time.Since(m.start).Seconds())
	moves := m.movesMade.Load()
	if moves == 0 {
		moves = 1
	}
	logger.Info().Msgf(
		"%d game(s) (%d self played and %d matches) played in %d minutes = %d seconds/game, %d ms/move, last game took %d seconds.",
		m.gamesPlayed, m.selfGames, m.matchGames,
		totalSec/60, totalSec/m.gamesPlayed,
		int64(totalSec)*1000/moves, duration)
}

// getWork fetches the next order, retrying transport failures with
// exponential backoff. When the retries are exhausted the last production
// order is replayed with a fresh random seed; without one the client
// cannot make progress and gives up.
func (m *Management) getWork(tuning bool) (Order, error) {
	for retries := 0; retries < maxRetries; retries++ {
		o, err := m.getWorkInternal(tuning)
		if err == nil {
			return o, nil
		}
		if errors.Is(err, client.ErrBadJSON) || errors.Is(err, errVersionMismatch) {
			return Order{}, err
		}
		logger.Error().Err(err).Msg("Network connection to server failed.")
		delay := retryDelay(retries)
		logger.Info().Msgf("Retrying in %d s.", int(delay.Seconds()))
		m.sleep(delay)
	}
	logger.Info().Msg("Maximum number of retries exceeded. Falling back to previous network.")
	if o, ok := m.reseedFallback(); ok {
		return o, nil
	}
	return Order{}, errors.New("no fallback order available")
}

// reseedFallback replays the last production order with a fresh random
// seed substituted into the seed parameter and into the "-s" token of the
// engine options (options without one are left as they are), so the
// replay never reproduces an already-played game.
func (m *Management) reseedFallback() (Order, bool) {
	if !m.fallBack.IsValid() {
		return Order{}, false
	}
	seed := newRandomSeed()
	o := m.fallBack.Clone()
	o.Params["rndSeed"] = seed
	o.Params["options"] = seedOptionRegex.ReplaceAllString(
		o.Params["options"], "-s "+seed+" ")
	m.fallBack = o
	return o.Clone(), true
}

func retryDelay(retries int) time.Duration {
	sec := math.Min(retryDelayMinSec*math.Pow(1.5, float64(retries)), retryDelayMaxSec)
	return time.Duration(sec) * time.Second
}

// newRandomSeed derives a fresh decimal engine seed from a random
// basename, the same way fallback orders were reseeded before.
func newRandomSeed() string {
	v, err := strconv.ParseUint(newBasename()[:8], 16, 64)
	if err != nil {
		return "1"
	}
	return strconv.FormatUint(v, 10)
}

func (m *Management) getWorkInternal(tuning bool) (Order, error) {
	version := strconv.Itoa(m.version)
	leelaz := m.leelaVersion
	if tuning {
		version = "0"
		leelaz = ""
	}
	task, err := m.client.GetTask(version, leelaz)
	if err != nil {
		return Order{}, err
	}

	required := task.RequiredVersion()
	if required > m.version {
		logger.Error().Msgf(
			"Server requires client version %d but we are version %d",
			required, m.version)
		return Order{}, errVersionMismatch
	}

	o := NewOrder(OrderError)
	params := o.Params
	params["leelazVer"] = task.MinLeelazVersion(leelazMinVersion)
	params["rndSeed"] = "0"
	if task.RandomSeed != "" {
		params["rndSeed"] = task.RandomSeed
	}
	seed := params["rndSeed"]
	if seed == "0" {
		seed = ""
	}
	if task.Options != nil {
		params["optHash"] = task.OptionsHash
		params["options"] = client.OptionsString(task.Options, seed)
	}
	if task.GtpCommands != nil {
		params["gtpCommands"] = client.GtpCommandsString(task.GtpCommands)
	}
	if task.HashSgfHash != "" {
		sgf, err := m.client.FetchGameData(task.HashSgfHash, "sgf")
		if err != nil {
			return Order{}, err
		}
		params["sgf"] = sgf
		params["moves"] = "0"
		if task.MovesCount != "" {
			params["moves"] = task.MovesCount
		}
	}
	params["debug"] = strconv.FormatBool(m.debugPath != "")

	if !tuning {
		logger.Info().Msgf("Got new job: %s", task.Cmd)
	}
	switch task.Cmd {
	case "selfplay":
		if err := m.client.FetchNetwork(task.Hash, task.HashGzipHash); err != nil {
			return Order{}, err
		}
		params["network"] = task.Hash
		o.Kind = OrderProduction
		if m.delNetworks {
			old := m.fallBack.Get("network")
			if old != task.Hash && old != m.lastMatch.Get("firstNet") && old != m.lastMatch.Get("secondNet") {
				m.removeNetwork(old)
			}
		}
		m.fallBack = o.Clone()
		logger.Info().Msgf("net: %s.", task.Hash)
	case "match":
		if err := m.client.FetchNetwork(task.BlackHash, task.BlackHashGzipHash); err != nil {
			return Order{}, err
		}
		if err := m.client.FetchNetwork(task.WhiteHash, task.WhiteHashGzipHash); err != nil {
			return Order{}, err
		}
		params["firstNet"] = task.BlackHash
		params["secondNet"] = task.WhiteHash
		if task.WhiteOptions != nil {
			params["optionsSecond"] = client.OptionsString(task.WhiteOptions, seed)
		} else {
			params["optionsSecond"] = params["options"]
		}
		if task.GtpCommands != nil {
			if task.WhiteGtpCommands != nil {
				params["gtpCommandsSecond"] = client.GtpCommandsString(task.WhiteGtpCommands)
			} else {
				params["gtpCommandsSecond"] = params["gtpCommands"]
			}
		}
		o.Kind = OrderValidation
		if m.delNetworks {
			for _, old := range []string{m.lastMatch.Get("firstNet"), m.lastMatch.Get("secondNet")} {
				if old != task.BlackHash && old != task.WhiteHash && old != m.fallBack.Get("network") {
					m.removeNetwork(old)
				}
			}
		}
		m.lastMatch = o.Clone()
		m.resetSprt(task.BlackHash + "/" + task.WhiteHash)
		logger.Info().Msgf("first network: %s.", task.BlackHash)
		logger.Info().Msgf("second network %s.", task.WhiteHash)
	case "wait":
		params["minutes"] = task.Minutes
		o.Kind = OrderWait
		logger.Info().Msgf("minutes: %s.", params["minutes"])
	default:
		return Order{}, errors.Errorf("unknown task command %q", task.Cmd)
	}
	return o, nil
}

func (m *Management) removeNetwork(net string) {
	if net == "" {
		return
	}
	name := "networks/" + net + ".gz"
	logger.Info().Msgf("Deleting network %s", name)
	os.Remove(name)
}

func (m *Management) resetSprt(key string) {
	if key == m.sprtKey {
		return
	}
	m.sprt = NewSprt(sprtElo0, sprtElo1, sprtAlpha, sprtBeta)
	m.sprtKey = key
}

// reportSprt feeds one match result into the tracker, from the first
// network's point of view (the first engine plays black), and logs the
// running status for external monitoring.
func (m *Management) reportSprt(res, ord map[string]string) {
	if m.sprt == nil {
		m.resetSprt(ord["firstNet"] + "/" + ord["secondNet"])
	}
	switch res["winner"] {
	case colorBlack:
		m.sprt.AddGameResult(GameWin)
	case colorWhite:
		m.sprt.AddGameResult(GameLoss)
	default:
		m.sprt.AddGameResult(GameDraw)
	}
	wins, draws, losses := m.sprt.WDL()
	st := m.sprt.Status()
	logger.Info().Msgf(
		"SPRT: W:%d D:%d L:%d LLR %.2f [%.2f, %.2f] (%s)",
		wins, draws, losses, st.LLR, st.LBound, st.UBound, st.Result)
}

// runTuningProcess runs one engine tuning pass and scrapes the engine
// version from its banner.
func (m *Management) runTuningProcess(tuneCmdLine string) {
	fmt.Println(tuneCmdLine)
	args := strings.Fields(tuneCmdLine)
	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logger.Error().Err(err).Msg("Could not connect to the tuning process")
		return
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		logger.Error().Err(err).Msg("Could not start the tuning process")
		return
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if match := leelaVersionRegex.FindStringSubmatch(line); match != nil {
			m.leelaVersion = match[1]
		}
		fmt.Println(line)
	}
	cmd.Wait()
	logger.Info().Msgf("Found Leela Version : %s", m.leelaVersion)
}

/*
-F winnerhash=223737476718d58a4a5b0f317a1eeeb4b38f0c06af5ab65cb9d76d68d9abadb6
-F loserhash=92c658d7325fe38f0c8adbbb1444ed17afd891b9f208003c272547a7bcb87909
-F clientversion=6
-F winnercolor=black
-F movescount=321
-F score=B+45
-F options_hash=c2e3
-F random_seed=0
-F sgf=@file
https://zero.sjeng.org/submit-match
*/

func (m *Management) uploadResult(res, ord map[string]string) {
	logger.Info().Msgf("Uploading match: %s.sgf for networks %s and %s",
		res["file"], ord["firstNet"], ord["secondNet"])
	m.archiveFiles(res["file"])
	gzipFile(res["file"] + ".sgf")
	var tokens []string
	if res["winner"] == colorBlack {
		tokens = append(tokens, "-F winnerhash="+ord["firstNet"])
		tokens = append(tokens, "-F loserhash="+ord["secondNet"])
	} else {
		tokens = append(tokens, "-F winnerhash="+ord["secondNet"])
		tokens = append(tokens, "-F loserhash="+ord["firstNet"])
	}
	tokens = append(tokens,
		"-F clientversion="+strconv.Itoa(m.version),
		"-F winnercolor="+res["winner"],
		"-F movescount="+res["moves"],
		"-F score="+res["score"],
		"-F options_hash="+ord["optHash"],
		"-F random_seed="+ord["rndSeed"],
		"-F sgf=@"+res["file"]+".sgf.gz",
		m.client.ServerURL+"submit-match")
	if !m.sendWithRetry(tokens) {
		if err := saveUploadTokens(tokens, res["file"]); err != nil {
			logger.Error().Err(err).Msg("Could not queue the match upload")
		}
		return
	}
	m.cleanupFiles(res["file"])
}

/*
-F networkhash=223737476718d58a4a5b0f317a1eeeb4b38f0c06af5ab65cb9d76d68d9abadb6
-F clientversion=6
-F options_hash=ee21
-F random_seed=1
-F sgf=@file
-F trainingdata=@data_file
https://zero.sjeng.org/submit
*/

func (m *Management) uploadData(res, ord map[string]string) {
	logger.Info().Msgf("Uploading game: %s.sgf for network %s",
		res["file"], ord["network"])
	m.archiveFiles(res["file"])
	gzipFile(res["file"] + ".sgf")
	tokens := []string{
		"-F networkhash=" + ord["network"],
		"-F clientversion=" + strconv.Itoa(m.version),
		"-F options_hash=" + ord["optHash"],
		"-F movescount=" + res["moves"],
		"-F winnercolor=" + res["winner"],
		"-F random_seed=" + ord["rndSeed"],
		"-F sgf=@" + res["file"] + ".sgf.gz",
		"-F trainingdata=@" + res["file"] + ".txt.0.gz",
		m.client.ServerURL + "submit",
	}
	if !m.sendWithRetry(tokens) {
		if err := saveUploadTokens(tokens, res["file"]); err != nil {
			logger.Error().Err(err).Msg("Could not queue the game upload")
		}
		return
	}
	m.cleanupFiles(res["file"])
}

func (m *Management) sendWithRetry(tokens []string) bool {
	for retries := 0; retries < maxRetries; retries++ {
		err := m.client.SendTokens(tokens)
		if err == nil {
			return true
		}
		logger.Error().Err(err).Msg("Network connection to server failed.")
		delay := retryDelay(retries)
		logger.Info().Msgf("Retrying in %d s.", int(delay.Seconds()))
		m.sleep(delay)
	}
	return false
}

// sendAllGames drains the persistent upload queue, pacing consecutive
// uploads so a large backlog does not hammer the server.
func (m *Management) sendAllGames() {
	files := listSavedUploads()
	for i, file := range files {
		lock, err := tryLock(file)
		if err != nil {
			continue
		}
		name, tokens, err := loadUploadTokens(file)
		if err != nil {
			logger.Error().Err(err).Str("file", file).Msg("Discarding unreadable queued upload")
			os.Remove(file)
			lock.Unlock()
			continue
		}
		if err := m.client.SendTokens(tokens); err != nil {
			logger.Error().Err(err).Msg("Network connection to server failed.")
			logger.Info().Msg("Retrying when next game is finished.")
			lock.Unlock()
			continue
		}
		logger.Info().Msgf("File: %s sent", file)
		os.Remove(file)
		lock.Unlock()
		m.cleanupFiles(name)
		if i+1 < len(files) {
			m.sleep(uploadPacing)
		}
	}
}

func (m *Management) archiveFiles(fileName string) {
	if m.keepPath != "" {
		copyFile(fileName+".sgf", filepath.Join(m.keepPath, fileName+".sgf"))
	}
	if m.debugPath != "" {
		for _, suffix := range []string{".txt.0.gz", ".debug.txt.0.gz"} {
			if _, err := os.Stat(fileName + suffix); err == nil {
				copyFile(fileName+suffix, filepath.Join(m.debugPath, fileName+suffix))
			}
		}
	}
}

func (m *Management) cleanupFiles(fileName string) {
	matches, _ := filepath.Glob(fileName + ".*")
	for _, f := range matches {
		os.Remove(f)
	}
}

func copyFile(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()
	io.Copy(out, in)
}

// gzipFile compresses fileName into fileName.gz and removes the
// original.
func gzipFile(fileName string) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return
	}
	out, err := os.Create(fileName + ".gz")
	if err != nil {
		return
	}
	zw := gzip.NewWriter(out)
	_, err = zw.Write(data)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		os.Remove(fileName)
	}
}
