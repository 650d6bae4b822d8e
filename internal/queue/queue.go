// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue provides the priority job queue used for workflow and node
// execution: delayed scheduling, retry with backoff, retention of finished
// jobs, state counts, and write-through persistence to a Store.
//
// A queue either owns its Store or shares it with queue instances in other
// processes. Every write is a compare-and-save on the job's version, so
// when two instances race to claim a waiting job exactly one wins. Shared
// queues poll the store to pick up jobs added elsewhere, and hold active
// jobs under a renewable lease; a job whose lease lapses is requeued.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/flowengine/internal/events"
	"github.com/tombee/flowengine/internal/log"
	"github.com/tombee/flowengine/pkg/errors"
)

// DefaultLockDuration is how long a claim on an active job lasts without
// renewal.
const DefaultLockDuration = 30 * time.Second

var (
	// ErrQueueClosed is returned when operations are performed on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrJobNotFound is returned for operations on an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotActive is returned when acknowledging a job no worker holds.
	ErrJobNotActive = errors.New("job is not active")

	// ErrJobRemoved is returned by Wait when the job was removed before it finished.
	ErrJobRemoved = errors.New("job was removed")

	// ErrConflict is returned when the stored job changed underneath this
	// queue, typically because another instance claimed or requeued it.
	ErrConflict = errors.New("job was changed by another queue instance")
)

// Config configures a Queue.
type Config struct {
	// Name identifies the queue (e.g., "workflow-execution").
	Name string

	// RemoveOnComplete keeps only the last N completed jobs. Negative keeps all.
	RemoveOnComplete int

	// RemoveOnFail keeps only the last N failed jobs. Negative keeps all.
	RemoveOnFail int

	// DefaultJobOptions apply to every job that leaves a field unset.
	DefaultJobOptions Options

	// Store persists jobs. Defaults to a MemoryStore.
	Store Store

	// PollInterval, when positive, shares Store with other queue
	// instances. The store is reloaded on this interval to adopt jobs
	// added elsewhere and follow their progress. Zero treats the store
	// as private: every job found active at startup is redelivered.
	PollInterval time.Duration

	// LockDuration is how long an active job stays claimed without a
	// renewal before another instance may requeue it. Defaults to
	// DefaultLockDuration and is raised to at least three poll intervals.
	LockDuration time.Duration

	// Events receives queue lifecycle notifications. Optional.
	Events events.Publisher

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// entry is the queue's bookkeeping for one job.
type entry struct {
	job     *Job
	index   int // heap index while waiting, -1 otherwise
	timer   *time.Timer
	done    chan struct{}
	removed bool

	// held is set while a worker of this instance owns the active job.
	held bool

	// rev is the queue revision of this instance's last write to the job.
	rev uint64
}

// finish closes done once. Callers hold q.mu.
func (e *entry) finish() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// Queue is a durable priority job queue.
type Queue struct {
	name   string
	cfg    Config
	store  Store
	owner  string
	logger *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*entry
	waiting   jobHeap
	completed []string // finish order, oldest first
	failed    []string
	seq       uint64
	rev       uint64
	deleted   map[string]uint64 // ids this instance deleted since the last sync
	closed    bool

	// syncMu serializes reconciliation with the store.
	syncMu sync.Mutex

	signal  chan struct{}
	resync  chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a queue, verifying the store is reachable and recovering
// any jobs it holds. For a private store, jobs persisted as active are
// redelivered. A shared store is polled until Close.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if cfg.PollInterval > 0 && cfg.LockDuration < 3*cfg.PollInterval {
		cfg.LockDuration = 3 * cfg.PollInterval
	}

	q := &Queue{
		name:    cfg.Name,
		cfg:     cfg,
		store:   cfg.Store,
		owner:   uuid.NewString(),
		logger:  cfg.Logger.With(slog.String(log.QueueKey, cfg.Name)),
		jobs:    make(map[string]*entry),
		deleted: make(map[string]uint64),
		signal:  make(chan struct{}, 1),
		resync:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	if err := q.store.Ping(ctx); err != nil {
		return nil, &errors.QueueError{Queue: cfg.Name, Op: "ping", Cause: err}
	}
	if err := q.sync(ctx, true); err != nil {
		return nil, &errors.QueueError{Queue: cfg.Name, Op: "recover", Cause: err}
	}

	if q.shared() {
		q.wg.Add(1)
		go q.poll()
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) shared() bool { return q.cfg.PollInterval > 0 }

func (q *Queue) poll() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.closeCh:
			return
		case <-ticker.C:
		case <-q.resync:
		}

		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.LockDuration/2)
		if err := q.sync(ctx, false); err != nil {
			q.logger.Warn("failed to sync with store", log.Error(err))
		}
		cancel()
	}
}

// requestSync asks the poller for an early sync.
func (q *Queue) requestSync() {
	select {
	case q.resync <- struct{}{}:
	default:
	}
}

// sync reconciles the in-memory view with the store. Unknown jobs are
// adopted, jobs with a newer stored version replace the local copy, and
// jobs deleted from the store are forgotten. Active jobs whose lease has
// lapsed are requeued and leases held by this instance are renewed. When
// recovering a private store every active job is requeued.
func (q *Queue) sync(ctx context.Context, recovering bool) error {
	q.syncMu.Lock()
	defer q.syncMu.Unlock()

	q.mu.Lock()
	mark := q.rev
	q.mu.Unlock()

	jobs, err := q.store.Load(ctx, q.name)
	if err != nil {
		return err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return finishedAt(jobs[i]).Before(finishedAt(jobs[j]))
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	stored := make(map[string]bool, len(jobs))
	adopted := 0
	for _, job := range jobs {
		stored[job.ID] = true
		if job.Seq > q.seq {
			q.seq = job.Seq
		}

		e, ok := q.jobs[job.ID]
		switch {
		case !ok:
			if rev, gone := q.deleted[job.ID]; gone && rev > mark {
				continue
			}
			e = &entry{job: job, index: -1, done: make(chan struct{})}
			q.jobs[job.ID] = e
			q.placeLocked(e)
			adopted++
		case job.Version > e.job.Version:
			q.applyLocked(e, job)
		}
	}
	clear(q.deleted)

	for id, e := range q.jobs {
		if stored[id] || e.held || e.rev > mark {
			continue
		}
		q.dropLocked(e)
	}

	now := time.Now().UTC()
	requeued := 0
	for _, e := range q.jobs {
		if e.job.State != StateActive {
			continue
		}
		switch {
		case e.held:
			if q.shared() && leaseRemaining(e.job, now) < q.cfg.LockDuration/2 {
				q.renewLocked(ctx, e, now)
			}
		case recovering && !q.shared(), leaseRemaining(e.job, now) <= 0:
			if q.requeueLocked(ctx, e) {
				requeued++
			}
		}
	}

	if recovering && len(jobs) > 0 {
		q.logger.Info("recovered jobs from store",
			slog.Int("count", len(jobs)),
			slog.Int("requeued", requeued),
		)
	} else if adopted > 0 || requeued > 0 {
		q.logger.Debug("synced with store",
			slog.Int("adopted", adopted),
			slog.Int("requeued", requeued),
		)
	}
	return nil
}

func leaseRemaining(j *Job, now time.Time) time.Duration {
	if j.LockedUntil == nil {
		return 0
	}
	return j.LockedUntil.Sub(now)
}

func finishedAt(j *Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.CreatedAt
}

// commitLocked stores next as the successor of e's job and installs it.
// A version conflict leaves e untouched and returns ErrConflict. Other
// store errors are returned as well; a private queue still installs next
// so that local work carries on, a shared one does not.
func (q *Queue) commitLocked(ctx context.Context, e *entry, next *Job) (bool, error) {
	expected := e.job.Version
	next.Version = expected + 1

	ok, err := q.store.CompareAndSave(ctx, next, expected)
	switch {
	case err == nil && !ok:
		return false, ErrConflict
	case err != nil && q.shared():
		return false, err
	case err != nil:
		next.Version = expected
	}

	q.rev++
	e.rev = q.rev
	e.job = next
	return true, err
}

// placeLocked files e according to its state.
func (q *Queue) placeLocked(e *entry) {
	switch e.job.State {
	case StateWaiting:
		heap.Push(&q.waiting, e)
		q.notify()
	case StateDelayed:
		q.scheduleLocked(e, time.Until(e.job.RunAt))
	case StateCompleted:
		e.finish()
		q.completed = append(q.completed, e.job.ID)
	case StateFailed:
		e.finish()
		q.failed = append(q.failed, e.job.ID)
	}
}

// applyLocked replaces e's job with a newer copy another instance stored.
func (q *Queue) applyLocked(e *entry, job *Job) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.index >= 0 {
		heap.Remove(&q.waiting, e.index)
	}
	if e.held {
		q.logger.Warn("active job was taken over by another instance", slog.String(log.JobIDKey, job.ID))
		e.held = false
	}

	terminal := e.job.State.Terminal()
	e.job = job
	if !terminal {
		q.placeLocked(e)
	}
}

func (q *Queue) renewLocked(ctx context.Context, e *entry, now time.Time) {
	next := e.job.clone()
	until := now.Add(q.cfg.LockDuration)
	next.LockedUntil = &until

	if _, err := q.commitLocked(ctx, e, next); err != nil {
		if errors.Is(err, ErrConflict) {
			e.held = false
			q.requestSync()
		}
		q.logger.Warn("failed to renew job lock", slog.String(log.JobIDKey, e.job.ID), log.Error(err))
	}
}

// requeueLocked returns an active job nobody holds to waiting.
func (q *Queue) requeueLocked(ctx context.Context, e *entry) bool {
	next := e.job.clone()
	next.State = StateWaiting
	next.ProcessedAt = nil
	next.Owner = ""
	next.LockedUntil = nil

	applied, err := q.commitLocked(ctx, e, next)
	if err != nil {
		q.logger.Warn("failed to requeue stalled job", slog.String(log.JobIDKey, e.job.ID), log.Error(err))
	}
	if !applied {
		return false
	}
	heap.Push(&q.waiting, e)
	q.notify()
	return true
}

// Add enqueues a job. payload is JSON-encoded unless it already is a
// json.RawMessage.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts Options) (*Job, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var data json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "encoding job payload")
		}
		data = raw
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	q.seq++
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Queue:     q.name,
		Data:      data,
		Opts:      opts.merge(q.cfg.DefaultJobOptions),
		State:     StateWaiting,
		Seq:       q.seq,
		CreatedAt: now,
		Version:   1,
	}
	if job.Opts.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(job.Opts.Delay)
	}

	ok, err := q.store.CompareAndSave(ctx, job, 0)
	if err == nil && !ok {
		err = ErrConflict
	}
	if err != nil {
		q.mu.Unlock()
		return nil, &errors.QueueError{Queue: q.name, Op: "save", Cause: err}
	}

	q.rev++
	e := &entry{job: job, index: -1, done: make(chan struct{}), rev: q.rev}
	q.jobs[job.ID] = e
	if job.State == StateDelayed {
		q.scheduleLocked(e, job.Opts.Delay)
	} else {
		heap.Push(&q.waiting, e)
		q.notify()
	}
	out := job.clone()
	q.mu.Unlock()

	if out.State == StateWaiting {
		q.emit(events.TypeJobWaiting, out)
	}
	return out, nil
}

// Fetch blocks until a job is available, claims it and returns it. On a
// shared store the claim fails if another instance got there first; the
// job is then skipped and Fetch keeps waiting.
func (q *Queue) Fetch(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.waiting.Len() > 0 {
			e := heap.Pop(&q.waiting).(*entry)
			now := time.Now().UTC()
			until := now.Add(q.cfg.LockDuration)

			next := e.job.clone()
			next.State = StateActive
			next.ProcessedAt = &now
			next.Owner = q.owner
			next.LockedUntil = &until

			applied, err := q.commitLocked(ctx, e, next)
			if !applied {
				if errors.Is(err, ErrConflict) {
					q.requestSync()
					q.mu.Unlock()
					continue
				}
				heap.Push(&q.waiting, e)
				q.mu.Unlock()
				return nil, &errors.QueueError{Queue: q.name, Op: "claim", Cause: err}
			}
			if err != nil {
				q.logger.Warn("failed to persist active job", slog.String(log.JobIDKey, e.job.ID), log.Error(err))
			}
			e.held = true

			// Wake another consumer if more work is queued.
			if q.waiting.Len() > 0 {
				q.notify()
			}
			out := e.job.clone()
			q.mu.Unlock()

			q.emit(events.TypeJobActive, out)
			return out, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closeCh:
			return nil, ErrQueueClosed
		case <-q.signal:
		}
	}
}

// heldLocked returns the entry for an active job a worker of this
// instance holds.
func (q *Queue) heldLocked(id string) (*entry, error) {
	e, ok := q.jobs[id]
	switch {
	case !ok:
		return nil, ErrJobNotFound
	case e.job.State != StateActive:
		return nil, ErrJobNotActive
	case !e.held:
		return nil, ErrConflict
	}
	return e, nil
}

// ackFailedLocked handles a store write that did not apply while
// acknowledging e. The claim is given up so that the job's lease can lapse.
func (q *Queue) ackFailedLocked(e *entry, err error) error {
	e.held = false
	if errors.Is(err, ErrConflict) {
		q.requestSync()
		return ErrConflict
	}
	return &errors.QueueError{Queue: q.name, Op: "save", Cause: err}
}

// Complete acknowledges successful processing of an active job.
func (q *Queue) Complete(ctx context.Context, id string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encoding job return value")
	}

	q.mu.Lock()
	e, err := q.heldLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	next := e.job.clone()
	next.State = StateCompleted
	next.FinishedAt = &now
	next.ReturnValue = raw
	next.Owner = ""
	next.LockedUntil = nil

	applied, saveErr := q.commitLocked(ctx, e, next)
	if !applied {
		err := q.ackFailedLocked(e, saveErr)
		q.mu.Unlock()
		return err
	}
	e.held = false
	e.finish()
	q.completed = append(q.completed, id)
	q.completed = q.trimLocked(ctx, q.completed, q.cfg.RemoveOnComplete)
	out := e.job.clone()
	q.mu.Unlock()

	q.emit(events.TypeJobCompleted, out)
	if saveErr != nil {
		return &errors.QueueError{Queue: q.name, Op: "save", Cause: saveErr}
	}
	return nil
}

// Fail records a failed attempt. The job is retried after its backoff when
// attempts remain and cause is retryable; otherwise it becomes failed.
// value, if non-nil, is kept as the job's return value.
func (q *Queue) Fail(ctx context.Context, id string, cause error, value any) error {
	var raw json.RawMessage
	if value != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			return errors.Wrap(err, "encoding job return value")
		}
		raw = encoded
	}

	q.mu.Lock()
	e, err := q.heldLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	next := e.job.clone()
	next.AttemptsMade++
	next.Owner = ""
	next.LockedUntil = nil
	if cause != nil {
		next.FailedReason = cause.Error()
	}
	if raw != nil {
		next.ReturnValue = raw
	}

	if next.AttemptsMade < next.Opts.Attempts && errors.IsRetryable(cause) {
		var delay time.Duration
		if next.Opts.Backoff != nil {
			delay = next.Opts.Backoff.Duration(next.AttemptsMade)
		}
		next.ProcessedAt = nil
		if delay > 0 {
			next.State = StateDelayed
			next.RunAt = time.Now().UTC().Add(delay)
		} else {
			next.State = StateWaiting
		}

		applied, saveErr := q.commitLocked(ctx, e, next)
		if !applied {
			err := q.ackFailedLocked(e, saveErr)
			q.mu.Unlock()
			return err
		}
		e.held = false
		if delay > 0 {
			q.scheduleLocked(e, delay)
		} else {
			heap.Push(&q.waiting, e)
			q.notify()
		}
		q.mu.Unlock()

		q.logger.Debug("job scheduled for retry",
			slog.String(log.JobIDKey, id),
			slog.Int("attempts_made", next.AttemptsMade),
			slog.Duration("delay", delay),
		)
		if saveErr != nil {
			return &errors.QueueError{Queue: q.name, Op: "save", Cause: saveErr}
		}
		return nil
	}

	now := time.Now().UTC()
	next.State = StateFailed
	next.FinishedAt = &now

	applied, saveErr := q.commitLocked(ctx, e, next)
	if !applied {
		err := q.ackFailedLocked(e, saveErr)
		q.mu.Unlock()
		return err
	}
	e.held = false
	e.finish()
	q.failed = append(q.failed, id)
	q.failed = q.trimLocked(ctx, q.failed, q.cfg.RemoveOnFail)
	out := e.job.clone()
	q.mu.Unlock()

	q.emit(events.TypeJobFailed, out)
	if saveErr != nil {
		return &errors.QueueError{Queue: q.name, Op: "save", Cause: saveErr}
	}
	return nil
}

// Release hands an active job back to waiting without consuming an
// attempt. Workers use it when they are interrupted before finishing.
func (q *Queue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	e, err := q.heldLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	next := e.job.clone()
	next.State = StateWaiting
	next.ProcessedAt = nil
	next.Owner = ""
	next.LockedUntil = nil

	applied, saveErr := q.commitLocked(ctx, e, next)
	if !applied {
		err := q.ackFailedLocked(e, saveErr)
		q.mu.Unlock()
		return err
	}
	e.held = false
	heap.Push(&q.waiting, e)
	q.notify()
	out := e.job.clone()
	q.mu.Unlock()

	q.logger.Debug("job released", slog.String(log.JobIDKey, id))
	q.emit(events.TypeJobWaiting, out)
	if saveErr != nil {
		return &errors.QueueError{Queue: q.name, Op: "save", Cause: saveErr}
	}
	return nil
}

func (q *Queue) lookup(id string) (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	return e, ok
}

// find looks id up, syncing a shared queue with the store on a miss so
// that jobs added by other instances are visible.
func (q *Queue) find(ctx context.Context, id string) (*entry, error) {
	if e, ok := q.lookup(id); ok || !q.shared() {
		if !ok {
			return nil, ErrJobNotFound
		}
		return e, nil
	}
	if err := q.sync(ctx, false); err != nil {
		return nil, &errors.QueueError{Queue: q.name, Op: "sync", Cause: err}
	}
	if e, ok := q.lookup(id); ok {
		return e, nil
	}
	return nil, ErrJobNotFound
}

// GetJob returns a copy of the job, or false if it no longer exists. On a
// shared store the copy reflects the store as of the last poll.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, bool) {
	e, err := q.find(ctx, id)
	if err != nil {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return e.job.clone(), true
}

// Wait blocks until the job reaches a terminal state and returns it.
func (q *Queue) Wait(ctx context.Context, id string) (*Job, error) {
	e, err := q.find(ctx, id)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if e.removed && !e.job.State.Terminal() {
		return nil, ErrJobRemoved
	}
	return e.job.clone(), nil
}

// Counts returns the number of jobs in each state.
func (q *Queue) Counts(_ context.Context) Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, e := range q.jobs {
		switch e.job.State {
		case StateWaiting:
			c.Waiting++
		case StateDelayed:
			c.Delayed++
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c
}

// Len returns the number of jobs ready to be fetched.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len()
}

// Remove deletes a job that is not currently being processed. It reports
// whether a job was removed. A shared queue syncs first so that a job
// another instance has claimed is seen as active.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	if q.shared() {
		if err := q.sync(ctx, false); err != nil {
			return false, &errors.QueueError{Queue: q.name, Op: "sync", Cause: err}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok || e.job.State == StateActive {
		return false, nil
	}
	if err := q.store.Delete(ctx, q.name, id); err != nil {
		return false, &errors.QueueError{Queue: q.name, Op: "delete", Cause: err}
	}
	q.dropLocked(e)
	return true, nil
}

// RemoveAll deletes every job, including active ones. Workers holding an
// active job get ErrJobNotFound when they acknowledge it.
func (q *Queue) RemoveAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	for id, e := range q.jobs {
		if err := q.store.Delete(ctx, q.name, id); err != nil {
			errs = append(errs, err)
			continue
		}
		q.dropLocked(e)
	}
	if len(errs) > 0 {
		return &errors.QueueError{Queue: q.name, Op: "remove all", Cause: errors.Join(errs...)}
	}
	return nil
}

// Close stops the queue and its store poller. Blocked Fetch calls return
// ErrQueueClosed. The store is owned by the caller and is left open.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, e := range q.jobs {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	close(q.closeCh)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// forgetLocked notes a store deletion so a sync that loaded the job
// before it was deleted does not adopt it again.
func (q *Queue) forgetLocked(id string) {
	if q.shared() {
		q.rev++
		q.deleted[id] = q.rev
	}
}

// dropLocked forgets e. Callers must hold q.mu and have deleted it from the store.
func (q *Queue) dropLocked(e *entry) {
	id := e.job.ID
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.index >= 0 {
		heap.Remove(&q.waiting, e.index)
	}
	q.completed = removeID(q.completed, id)
	q.failed = removeID(q.failed, id)
	delete(q.jobs, id)
	q.forgetLocked(id)
	if !e.removed {
		e.removed = true
		e.finish()
	}
}

// trimLocked enforces a keep-last-N retention policy over ids.
func (q *Queue) trimLocked(ctx context.Context, ids []string, keep int) []string {
	if keep < 0 {
		return ids
	}
	for len(ids) > keep {
		id := ids[0]
		ids = ids[1:]
		if e, ok := q.jobs[id]; ok {
			if err := q.store.Delete(ctx, q.name, id); err != nil {
				q.logger.Warn("failed to delete retained job", slog.String(log.JobIDKey, id), log.Error(err))
			}
			e.removed = true
			delete(q.jobs, id)
			q.forgetLocked(id)
		}
	}
	return ids
}

// scheduleLocked promotes e to waiting after d.
func (q *Queue) scheduleLocked(e *entry, d time.Duration) {
	if d <= 0 {
		e.job.State = StateWaiting
		heap.Push(&q.waiting, e)
		q.notify()
		return
	}
	e.timer = time.AfterFunc(d, func() { q.promote(e) })
}

func (q *Queue) promote(e *entry) {
	q.mu.Lock()
	if q.closed || e.removed || e.job.State != StateDelayed {
		q.mu.Unlock()
		return
	}
	e.timer = nil

	next := e.job.clone()
	next.State = StateWaiting
	applied, err := q.commitLocked(context.Background(), e, next)
	if !applied {
		if errors.Is(err, ErrConflict) {
			// Another instance moved the job on; the next sync adopts its copy.
			q.requestSync()
		} else {
			q.logger.Warn("failed to persist promoted job", slog.String(log.JobIDKey, e.job.ID), log.Error(err))
			e.timer = time.AfterFunc(q.cfg.PollInterval, func() { q.promote(e) })
		}
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.logger.Warn("failed to persist promoted job", slog.String(log.JobIDKey, e.job.ID), log.Error(err))
	}
	heap.Push(&q.waiting, e)
	q.notify()
	out := e.job.clone()
	q.mu.Unlock()

	q.emit(events.TypeJobWaiting, out)
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(eventType string, job *Job) {
	if q.cfg.Events == nil {
		return
	}
	q.cfg.Events.Publish(events.NewJobEvent(eventType, q.name, job.ID, job.Name))
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// jobHeap orders waiting entries by priority (highest first), then by
// insertion sequence.
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Opts.Priority != h[j].job.Opts.Priority {
		return h[i].job.Opts.Priority > h[j].job.Opts.Priority
	}
	return h[i].job.Seq < h[j].job.Seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
