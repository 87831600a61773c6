package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// Worker states.
const (
	workerRunning int32 = iota
	workerFinishing
	workerStoring
)

// workerResult is one finished execution, handed to Management.
type workerResult struct {
	order    Order
	res      Result
	index    int
	duration int
}

// Worker binds one accelerator slot to a stream of Orders. It owns the
// Job (and through it the engine subprocesses) for the slot and is the
// only writer of its store file on shutdown. After emitting a result the
// worker idles until Management assigns the next order, so a job is never
// re-executed with stale parameters.
type Worker struct {
	index    int
	gpu      string
	state    atomic.Int32
	todo     Order
	job      Job
	boss     *Management
	results  chan<- workerResult
	next     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewWorker(index int, gpuIndex string, boss *Management, results chan<- workerResult) *Worker {
	w := &Worker{
		index:   index,
		boss:    boss,
		results: results,
		next:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	if gpuIndex != "" {
		w.gpu = " --gpu=" + gpuIndex + " "
	}
	return w
}

// Order sets the worker's work unit. A job instance is reused while
// consecutive orders keep the same kind; a kind change swaps in the
// matching job type. Only called while the worker is idle: before Run
// starts, or after it emitted the result it is waiting to replace.
func (w *Worker) Order(o Order) error {
	if !o.IsValid() {
		w.DoFinish()
		return nil
	}
	if w.todo.Kind != o.Kind || w.job == nil {
		w.createJob(o.Kind)
	}
	w.todo = o
	return w.job.Init(o)
}

// Assign hands an idle worker its next order and wakes its loop.
func (w *Worker) Assign(o Order) error {
	if err := w.Order(o); err != nil {
		return err
	}
	select {
	case w.next <- struct{}{}:
	default:
	}
	return nil
}

func (w *Worker) createJob(kind int) {
	switch kind {
	case OrderProduction, OrderRestoreSelfPlayed:
		w.job = NewProductionJob(w.gpu, w.boss)
	case OrderValidation, OrderRestoreMatch:
		w.job = NewValidationJob(w.gpu, w.boss)
	case OrderWait:
		w.job = NewWaitJob(w.gpu, w.boss)
	}
}

// DoFinish lets the in-flight execution complete, then ends the worker.
func (w *Worker) DoFinish() {
	if w.job != nil {
		w.job.Finish()
	}
	w.state.Store(workerFinishing)
	w.signalStop()
}

// DoStore tells the in-flight game to abandon at its next loop iteration
// so the worker can checkpoint it to disk and exit.
func (w *Worker) DoStore() {
	logger.Info().Int("worker", w.index).Msg("Storing current game ...")
	if w.job != nil {
		w.job.Store()
	}
	w.state.Store(workerStoring)
	w.signalStop()
}

func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Run is the worker loop. It executes orders until told to finish or
// store; a stored game is serialised as a restore order under its own
// advisory lock so exactly one future worker resumes it.
func (w *Worker) Run() {
	defer close(w.done)
	var res Result
	emitted := false
	for {
		start := time.Now()
		res = w.job.Execute()
		duration := int(time.Since(start).Seconds())
		emitted = w.state.Load() != workerStoring
		if emitted {
			w.results <- workerResult{
				order:    w.todo.Clone(),
				res:      res,
				index:    w.index,
				duration: duration,
			}
		}
		if w.state.Load() != workerRunning {
			break
		}
		select {
		case <-w.next:
		case <-w.stop:
		}
		if w.state.Load() != workerRunning {
			break
		}
	}
	if w.state.Load() == workerStoring && !emitted {
		w.todo.Params["moves"] = res.Params["moves"]
		w.todo.Params["sgf"] = res.Params["sgf"]
		if res.Type == ResultStoreMatch {
			w.todo.Kind = OrderRestoreMatch
		} else {
			w.todo.Kind = OrderRestoreSelfPlayed
		}
		fileName := "storefile" + newBasename() + ".bin"
		if err := saveLocked(fileName, w.todo); err != nil {
			logger.Error().Err(err).Str("file", fileName).
				Msg("Failed to store the current game")
		}
	}
	logger.Info().Int("worker", w.index).Msg("Program ends: quitting current worker.")
}

// Done is closed when the worker loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
