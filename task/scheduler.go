package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"mediabatch/cache"
	"mediabatch/config"
	"mediabatch/stage"

	"github.com/lithammer/shortuuid/v4"
)

// Options configure a Scheduler. Zero durations fall back to defaults.
type Options struct {
	Concurrency      int
	Model            string
	Models           []string // accepted model names, empty accepts any
	TargetLang       string
	OutputDir        string
	Formats          []string
	ProgressInterval time.Duration
	DequeueTimeout   time.Duration
	ResumePoll       time.Duration
	WorkDir          string
}

// Deps are the collaborators the pipeline drives. Cache and Translation may be nil.
type Deps struct {
	Downloader    stage.Downloader
	Transcription *stage.TranscriptionStage
	Translation   *stage.TranslationStage
	Exporter      stage.Exporter
	Cache         *cache.Cache
}

type batchRun struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	queue   *Queue
	workers []chan struct{}
}

func (r *batchRun) liveWorkers() int {
	n := 0
	for _, done := range r.workers {
		select {
		case <-done:
		default:
			n++
		}
	}
	return n
}

// Scheduler drives media tasks through the pipeline with a bounded worker pool.
type Scheduler struct {
	opts   Options
	deps   Deps
	events *Events

	mu          sync.Mutex
	status      BatchStatus
	stats       Stats
	concurrency int
	active      map[string]*Record
	completed   map[string]*Record
	run         *batchRun
	gate        chan struct{}
	gateOpen    bool
}

func NewScheduler(opts Options, deps Deps) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 500 * time.Millisecond
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = time.Second
	}
	if opts.ResumePoll <= 0 {
		opts.ResumePoll = time.Second
	}
	if opts.TargetLang == "" {
		opts.TargetLang = config.NoTranslation
	}
	gate := make(chan struct{})
	close(gate)
	return &Scheduler{
		opts:        opts,
		deps:        deps,
		events:      NewEvents(0),
		status:      BatchIdle,
		concurrency: opts.Concurrency,
		active:      make(map[string]*Record),
		completed:   make(map[string]*Record),
		gate:        gate,
		gateOpen:    true,
	}
}

// Events returns the notification bus the scheduler publishes to.
func (s *Scheduler) Events() *Events {
	return s.events
}

// StartBatch resumes a paused batch, appends to a running one, or starts a
// fresh batch with urls using the scheduler defaults.
func (s *Scheduler) StartBatch(urls []string) error {
	specs := make([]Spec, 0, len(urls))
	for _, u := range urls {
		spec, err := s.normalize(Spec{URL: u})
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	s.mu.Lock()
	switch {
	case s.status == BatchPaused:
		s.mu.Unlock()
		return s.ResumeBatch()
	case s.status == BatchRunning || s.status == BatchResuming:
		var evs []Event
		for _, spec := range specs {
			if rec := s.enqueueLocked(spec); rec != nil {
				evs = append(evs, taskEvent(rec))
			}
		}
		s.mu.Unlock()
		s.emit(evs...)
		return nil
	case s.status == BatchStopping:
		s.mu.Unlock()
		return fmt.Errorf("%w: batch is stopping", ErrInvalidState)
	}
	evs := s.beginLocked(specs)
	s.mu.Unlock()
	s.emit(evs...)
	return nil
}

// AddTask submits one task with explicit parameters. A URL already tracked
// is a no-op that returns the existing record.
func (s *Scheduler) AddTask(spec Spec) (*Record, error) {
	spec, err := s.normalize(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if rec, ok := s.lookupLocked(spec.URL); ok {
		snap := rec.clone()
		s.mu.Unlock()
		return snap, nil
	}

	var evs []Event
	switch {
	case s.status.acceptsNewBatch():
		evs = s.beginLocked([]Spec{spec})
	case s.status == BatchStopping:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: batch is stopping", ErrInvalidState)
	default:
		if rec := s.enqueueLocked(spec); rec != nil {
			evs = append(evs, taskEvent(rec))
		}
	}
	snap := s.active[spec.URL].clone()
	s.mu.Unlock()
	s.emit(evs...)
	return snap, nil
}

// PauseBatch blocks every worker at its next checkpoint.
func (s *Scheduler) PauseBatch() error {
	s.mu.Lock()
	if s.status != BatchRunning {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot pause a %s batch", ErrInvalidState, status)
	}
	if s.gateOpen {
		s.gate = make(chan struct{})
		s.gateOpen = false
	}
	ev := s.setStatusLocked(BatchPaused)
	s.mu.Unlock()
	log.Printf("[scheduler] batch paused")
	s.emit(ev)
	return nil
}

// ResumeBatch reopens the pause gate.
func (s *Scheduler) ResumeBatch() error {
	s.mu.Lock()
	if s.status != BatchPaused {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot resume a %s batch", ErrInvalidState, status)
	}
	evs := []Event{s.setStatusLocked(BatchResuming)}
	s.openGateLocked()
	evs = append(evs, s.setStatusLocked(BatchRunning))
	s.mu.Unlock()
	log.Printf("[scheduler] batch resumed")
	s.emit(evs...)
	return nil
}

// CancelBatch signals every worker to stop and cancels all queued tasks.
// The batch reaches cancelled once no task is left in flight.
func (s *Scheduler) CancelBatch() error {
	s.mu.Lock()
	switch s.status {
	case BatchRunning, BatchPaused, BatchResuming:
	default:
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel a %s batch", ErrInvalidState, status)
	}

	evs := []Event{s.setStatusLocked(BatchStopping)}
	run := s.run
	run.cancel()
	s.openGateLocked()

	now := time.Now()
	drained := run.queue.Drain()
	for _, rec := range drained {
		if s.active[rec.URL] != rec {
			continue
		}
		rec.Status = StatusCancelled
		rec.Error = "cancelled before start"
		rec.EndTime = now
		s.stats.Cancelled++
		s.retireLocked(rec)
		evs = append(evs, taskEvent(rec))
	}
	if ev, ok := s.settleStoppingLocked(); ok {
		evs = append(evs, ev)
	}
	s.mu.Unlock()

	log.Printf("[scheduler] batch %s cancelled, %d queued task(s) dropped", run.id, len(drained))
	s.emit(evs...)
	return nil
}

// Stop cancels the batch and, when wait is set, joins the workers within
// timeout split evenly across them. The batch is idle afterwards either way.
func (s *Scheduler) Stop(wait bool, timeout time.Duration) {
	if err := s.CancelBatch(); err != nil && !errors.Is(err, ErrInvalidState) {
		log.Printf("[scheduler] stop: %v", err)
	}

	s.mu.Lock()
	run := s.run
	var workers []chan struct{}
	if run != nil {
		workers = append(workers, run.workers...)
	}
	s.mu.Unlock()

	if wait && len(workers) > 0 {
		per := timeout / time.Duration(len(workers))
		for i, done := range workers {
			if timeout <= 0 {
				<-done
				continue
			}
			timer := time.NewTimer(per)
			select {
			case <-done:
			case <-timer.C:
				log.Printf("[scheduler] worker %d did not exit within %s", i+1, per)
			}
			timer.Stop()
		}
	}

	s.mu.Lock()
	if run != nil {
		run.cancel()
		run.workers = nil
	}
	var evs []Event
	if s.status != BatchIdle {
		evs = append(evs, s.setStatusLocked(BatchIdle))
	}
	s.mu.Unlock()
	s.emit(evs...)
}

// SetConcurrency changes the worker target. While a batch is live, workers
// are added to reach n; surplus workers are never killed.
func (s *Scheduler) SetConcurrency(n int) int {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.concurrency = n
	switch s.status {
	case BatchRunning, BatchPaused, BatchResuming:
		for live := s.run.liveWorkers(); live < n; live++ {
			s.spawnWorkerLocked(s.run)
		}
	}
	return n
}

// CancelTask cancels one queued or running task.
func (s *Scheduler) CancelTask(url string) error {
	s.mu.Lock()
	rec, ok := s.active[url]
	if !ok {
		if done, ok := s.completed[url]; ok {
			status := done.Status
			s.mu.Unlock()
			return fmt.Errorf("%w: cannot cancel task in state: %s", ErrInvalidState, status)
		}
		s.mu.Unlock()
		return ErrTaskNotFound
	}

	if rec.cancel != nil {
		rec.cancel()
		s.mu.Unlock()
		log.Printf("[scheduler] cancellation signal sent to running task %s", rec.ID)
		return nil
	}

	if s.run != nil {
		s.run.queue.Remove(url)
	}
	rec.Status = StatusCancelled
	rec.Error = "cancelled before start"
	rec.EndTime = time.Now()
	s.stats.Cancelled++
	s.retireLocked(rec)
	evs := []Event{taskEvent(rec)}
	if ev, ok := s.settleStoppingLocked(); ok {
		evs = append(evs, ev)
	}
	s.mu.Unlock()
	s.emit(evs...)
	return nil
}

// RemoveTask stops tracking a task that is not in flight.
func (s *Scheduler) RemoveTask(url string) error {
	s.mu.Lock()

	if rec, ok := s.active[url]; ok {
		if rec.cancel != nil || rec.Status != StatusPending {
			s.mu.Unlock()
			return ErrTaskRunning
		}
		if s.run != nil {
			s.run.queue.Remove(url)
		}
		// A live run counted every pending record, dequeued or not.
		if !s.status.acceptsNewBatch() {
			s.stats.Total--
		}
		delete(s.active, url)
		ev, settled := s.settleStoppingLocked()
		s.mu.Unlock()
		if settled {
			s.emit(ev)
		}
		return nil
	}
	defer s.mu.Unlock()
	if _, ok := s.completed[url]; ok {
		delete(s.completed, url)
		return nil
	}
	return ErrTaskNotFound
}

// RetryTask puts a terminal task back to pending and queues it, starting a
// batch if none is live.
func (s *Scheduler) RetryTask(url string) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.completed[url]
	if !ok {
		_, inFlight := s.active[url]
		s.mu.Unlock()
		if inFlight {
			return nil, ErrTaskRunning
		}
		return nil, ErrTaskNotFound
	}
	if s.status == BatchStopping {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: batch is stopping", ErrInvalidState)
	}

	delete(s.completed, url)
	rec.Status = StatusPending
	rec.Progress = 0
	rec.Error = ""
	rec.Warning = ""
	rec.OutputFiles = nil
	rec.StartTime = time.Time{}
	rec.EndTime = time.Time{}
	s.active[url] = rec

	evs := []Event{taskEvent(rec)}
	if s.status.acceptsNewBatch() {
		evs = append(evs, s.beginLocked(nil)...)
	} else {
		s.stats.Total++
		s.run.queue.Push(rec)
	}
	snap := rec.clone()
	s.mu.Unlock()

	log.Printf("[scheduler] task %s queued for retry", rec.ID)
	s.emit(evs...)
	return snap, nil
}

// Reset drops every tracked task and the batch statistics. Only valid
// when no batch is live.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.acceptsNewBatch() {
		return fmt.Errorf("%w: cannot reset a %s batch", ErrInvalidState, s.status)
	}
	for _, rec := range s.active {
		if rec.cancel != nil {
			return ErrTaskRunning
		}
	}
	s.active = make(map[string]*Record)
	s.completed = make(map[string]*Record)
	s.stats = Stats{}
	s.run = nil
	s.status = BatchIdle
	return nil
}

func (s *Scheduler) Status() BatchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Progress returns the batch fraction and a "X/Y completed" message.
func (s *Scheduler) Progress() (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Scheduler) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// WorkerCount reports worker loops of the current run that have not exited.
func (s *Scheduler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return 0
	}
	return s.run.liveWorkers()
}

// Tasks returns copies of every tracked record, oldest submission first.
func (s *Scheduler) Tasks() []*Record {
	s.mu.Lock()
	out := make([]*Record, 0, len(s.active)+len(s.completed))
	for _, rec := range s.active {
		out = append(out, rec.clone())
	}
	for _, rec := range s.completed {
		out = append(out, rec.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedTime.Equal(out[j].AddedTime) {
			return out[i].AddedTime.Before(out[j].AddedTime)
		}
		return out[i].URL < out[j].URL
	})
	return out
}

func (s *Scheduler) Task(url string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookupLocked(url)
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

func (s *Scheduler) TaskByID(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range []map[string]*Record{s.active, s.completed} {
		for _, rec := range m {
			if rec.ID == id {
				return rec.clone(), true
			}
		}
	}
	return nil, false
}

// normalize fills defaults and rejects input that can never run.
func (s *Scheduler) normalize(spec Spec) (Spec, error) {
	spec.URL = strings.TrimSpace(spec.URL)
	if spec.URL == "" {
		return spec, &ValidationError{Field: "url", Reason: "must not be empty"}
	}
	if strings.ContainsAny(spec.URL, " \t\n") {
		return spec, &ValidationError{Field: "url", Reason: "must not contain whitespace"}
	}
	if spec.Model == "" {
		spec.Model = s.opts.Model
	}
	if len(s.opts.Models) > 0 && !contains(s.opts.Models, spec.Model) {
		return spec, &ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", spec.Model)}
	}
	if spec.TargetLang == "" {
		spec.TargetLang = s.opts.TargetLang
	}
	if spec.OutputDir == "" {
		spec.OutputDir = s.opts.OutputDir
	}
	if len(spec.Formats) == 0 {
		spec.Formats = s.opts.Formats
	}
	spec.Formats = append([]string(nil), spec.Formats...)
	if len(spec.Formats) == 0 {
		return spec, &ValidationError{Field: "formats", Reason: "at least one output format is required"}
	}
	for i, f := range spec.Formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if !config.IsKnownFormat(f) {
			return spec, &ValidationError{Field: "formats", Reason: fmt.Sprintf("unsupported output format %q", f)}
		}
		spec.Formats[i] = f
	}
	return spec, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (s *Scheduler) lookupLocked(url string) (*Record, bool) {
	if rec, ok := s.active[url]; ok {
		return rec, true
	}
	rec, ok := s.completed[url]
	return rec, ok
}

// beginLocked starts a fresh run: restored pending tasks first, then specs.
func (s *Scheduler) beginLocked(specs []Spec) []Event {
	ctx, cancel := context.WithCancel(context.Background())
	run := &batchRun{id: shortuuid.New(), ctx: ctx, cancel: cancel, queue: NewQueue()}
	s.run = run
	s.stats = Stats{StartTime: time.Now()}
	s.openGateLocked()

	var evs []Event
	for _, rec := range s.pendingLocked() {
		s.stats.Total++
		run.queue.Push(rec)
	}
	for _, spec := range specs {
		if rec := s.enqueueLocked(spec); rec != nil {
			evs = append(evs, taskEvent(rec))
		}
	}

	evs = append(evs, s.setStatusLocked(BatchRunning))
	for i := 0; i < s.concurrency; i++ {
		s.spawnWorkerLocked(run)
	}
	go s.aggregate(run)

	log.Printf("[scheduler] batch %s started with %d task(s), concurrency %d", run.id, s.stats.Total, s.concurrency)
	return evs
}

// pendingLocked returns pending records that are not queued yet, oldest first.
func (s *Scheduler) pendingLocked() []*Record {
	var out []*Record
	for _, rec := range s.active {
		if rec.Status == StatusPending && rec.cancel == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedTime.Before(out[j].AddedTime) })
	return out
}

func (s *Scheduler) enqueueLocked(spec Spec) *Record {
	if _, ok := s.lookupLocked(spec.URL); ok {
		return nil
	}
	rec := &Record{
		ID:         shortuuid.New(),
		URL:        spec.URL,
		Model:      spec.Model,
		TargetLang: spec.TargetLang,
		OutputDir:  spec.OutputDir,
		Formats:    spec.Formats,
		Status:     StatusPending,
		AddedTime:  time.Now(),
	}
	s.active[rec.URL] = rec
	s.stats.Total++
	s.run.queue.Push(rec)
	return rec
}

func (s *Scheduler) spawnWorkerLocked(run *batchRun) {
	done := make(chan struct{})
	run.workers = append(run.workers, done)
	go s.worker(run, len(run.workers), done)
}

func (s *Scheduler) openGateLocked() {
	if !s.gateOpen {
		close(s.gate)
		s.gateOpen = true
	}
}

func (s *Scheduler) setStatusLocked(status BatchStatus) Event {
	s.status = status
	stats := s.stats
	return Event{Kind: EventBatchStatusChanged, Status: status, Stats: &stats}
}

// retireLocked moves a record from the active to the completed map.
func (s *Scheduler) retireLocked(rec *Record) {
	rec.cancel = nil
	delete(s.active, rec.URL)
	s.completed[rec.URL] = rec
}

// settleStoppingLocked finishes a cancel once nothing is left in flight.
func (s *Scheduler) settleStoppingLocked() (Event, bool) {
	if s.status != BatchStopping || len(s.active) > 0 {
		return Event{}, false
	}
	s.stats.EndTime = time.Now()
	return s.setStatusLocked(BatchCancelled), true
}

func (s *Scheduler) progressLocked() (float64, string) {
	total := s.stats.Total
	done := s.stats.finished()
	msg := fmt.Sprintf("%d/%d completed", done, total)
	if total <= 0 {
		return 0, msg
	}
	sum := float64(done)
	for _, rec := range s.active {
		sum += rec.Progress
	}
	p := sum / float64(total)
	if p > 1 {
		p = 1
	}
	return p, msg
}

func taskEvent(rec *Record) Event {
	snap := rec.clone()
	return Event{Kind: EventTaskUpdated, Task: snap, Progress: snap.Progress}
}

func (s *Scheduler) emit(evs ...Event) {
	for _, ev := range evs {
		s.events.publish(ev)
	}
}

// worker is one pool slot. It exits when the run's context is done.
func (s *Scheduler) worker(run *batchRun, n int, done chan struct{}) {
	defer close(done)
	for run.ctx.Err() == nil {
		s.workOnce(run, n)
	}
}

func (s *Scheduler) workOnce(run *batchRun, n int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] worker %d fault: %v\n%s", n, r, debug.Stack())
		}
	}()

	if !s.awaitGate(run.ctx, s.opts.ResumePoll) {
		return
	}
	rec, err := run.queue.Pop(run.ctx, s.opts.DequeueTimeout)
	if err != nil {
		if errors.Is(err, errQueueTimeout) {
			s.checkCompletion(run)
		}
		return
	}
	s.processTask(run, rec)
}

// awaitGate waits up to wait for the pause gate to be open.
func (s *Scheduler) awaitGate(ctx context.Context, wait time.Duration) bool {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-gate:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// checkCompletion finishes the run once the queue and active map are empty.
func (s *Scheduler) checkCompletion(run *batchRun) {
	s.mu.Lock()
	if s.run != run || s.status != BatchRunning || run.queue.Len() > 0 || len(s.active) > 0 {
		s.mu.Unlock()
		return
	}

	s.stats.EndTime = time.Now()
	final := BatchCompleted
	if s.stats.Total > 0 && s.stats.Failed == s.stats.Total {
		final = BatchFailed
	}
	p, msg := s.progressLocked()
	stats := s.stats
	statusEv := s.setStatusLocked(final)
	run.cancel()
	s.mu.Unlock()

	log.Printf("[scheduler] batch %s %s: %s, %d failed, %d cancelled",
		run.id, final, msg, stats.Failed, stats.Cancelled)
	s.emit(
		Event{Kind: EventProgressUpdated, Progress: p, Message: msg},
		statusEv,
		Event{Kind: EventBatchCompleted, Status: final, Progress: p, Message: msg, Stats: &stats},
	)
}

// aggregate publishes batch progress until the run ends.
func (s *Scheduler) aggregate(run *batchRun) {
	ticker := time.NewTicker(s.opts.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-run.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			p, msg := s.progressLocked()
			s.mu.Unlock()
			s.emit(Event{Kind: EventProgressUpdated, Progress: p, Message: msg})
		}
	}
}

// processTask runs one dequeued record to a terminal state.
func (s *Scheduler) processTask(run *batchRun, rec *Record) {
	ctx, cancel := context.WithCancel(run.ctx)
	defer cancel()

	s.mu.Lock()
	// A newer run re-queues pending records left behind by a stopped one.
	if s.run != run || s.active[rec.URL] != rec || rec.Status.IsTerminal() || rec.cancel != nil {
		s.mu.Unlock()
		return
	}
	rec.Status = StatusRunning
	rec.StartTime = time.Now()
	rec.Error = ""
	rec.cancel = cancel
	ev := taskEvent(rec)
	s.mu.Unlock()
	s.emit(ev)

	log.Printf("[scheduler] processing task %s (%s)", rec.ID, rec.URL)
	err := s.runPipelineSafe(ctx, rec)
	s.finishTask(run, rec, err, ctx.Err() != nil)
}

func (s *Scheduler) runPipelineSafe(ctx context.Context, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] task %s panicked: %v\n%s", rec.ID, r, debug.Stack())
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return s.runPipeline(ctx, rec)
}

// finishTask records a terminal state. Only tasks of the current run count
// towards its statistics; a stopped run's stragglers are just retired.
func (s *Scheduler) finishTask(run *batchRun, rec *Record, err error, stopped bool) {
	s.mu.Lock()
	stats := &s.stats
	if s.run != run {
		stats = &Stats{}
	}
	rec.EndTime = time.Now()
	switch {
	case err == nil:
		rec.Status = StatusCompleted
		rec.Progress = 1
		stats.Completed++
		stats.TotalDuration += rec.Duration
		log.Printf("[scheduler] task %s completed", rec.ID)
	case stopped || errors.Is(err, ErrCancelled):
		rec.Status = StatusCancelled
		rec.Error = "cancelled"
		stats.Cancelled++
		log.Printf("[scheduler] task %s cancelled", rec.ID)
	default:
		rec.Status = StatusFailed
		rec.Error = err.Error()
		stats.Failed++
		log.Printf("[scheduler] task %s failed: %v", rec.ID, err)
	}
	s.retireLocked(rec)
	evs := []Event{taskEvent(rec)}
	if ev, ok := s.settleStoppingLocked(); ok {
		evs = append(evs, ev)
	}
	s.mu.Unlock()
	s.emit(evs...)
}
