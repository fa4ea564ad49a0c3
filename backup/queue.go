// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backup

import (
	"context"
	"sync"
)

// RunFunc performs one Task's work; TaskQueue calls it in its own
// goroutine once a job slot is free. A Producer's Run method has this
// shape.
type RunFunc func(ctx context.Context, t *Task) error

// Job is the running (or finished) instance of one queued Task.
// Mirrors backup_control.py's distinction between a Task (queued
// intent) and the Job it starts once a slot is available.
type Job struct {
	BackupID string

	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// Wait blocks until the job finishes, returning its result. It also
// returns early if ctx is done, without affecting the job itself.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the job has finished.
func (j *Job) Done() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

type queuedTask struct {
	task *Task
	job  *Job
}

// TaskQueue runs at most MaxJobs Tasks concurrently, FIFO, exactly the
// "at most MAX_JOBS jobs active simultaneously; tasks are FIFO"
// invariant of §3's Task/Job model. It is agnostic to what RunFunc
// actually does — Producer.Run is the intended caller, but the gate
// itself knows nothing about sealing or ECC.
type TaskQueue struct {
	run RunFunc

	mu      sync.Mutex
	maxJobs int
	pending []*queuedTask
	running map[string]*queuedTask
}

// NewTaskQueue returns a TaskQueue that runs up to maxJobs Tasks
// concurrently via run. maxJobs <= 0 is treated as 1, the spec's
// default.
func NewTaskQueue(maxJobs int, run RunFunc) *TaskQueue {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &TaskQueue{
		run:     run,
		maxJobs: maxJobs,
		running: make(map[string]*queuedTask),
	}
}

// Enqueue appends t to the FIFO and starts it immediately if a job slot
// is free.
func (q *TaskQueue) Enqueue(t *Task) *Job {
	job := &Job{BackupID: t.BackupID, done: make(chan struct{})}
	q.mu.Lock()
	q.pending = append(q.pending, &queuedTask{task: t, job: job})
	q.mu.Unlock()
	q.runPending()
	return job
}

// Abort cancels backupID's running job, or removes it from the pending
// FIFO if it has not started yet. It reports whether anything was
// found to abort.
func (q *TaskQueue) Abort(backupID string) bool {
	q.mu.Lock()
	if qd, ok := q.running[backupID]; ok {
		cancel := qd.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	}
	for i, qd := range q.pending {
		if qd.task.BackupID == backupID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()
			qd.job.err = errAborted
			close(qd.job.done)
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// Pending reports how many tasks are queued but not yet running.
func (q *TaskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running reports how many jobs are currently active.
func (q *TaskQueue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

func (q *TaskQueue) runPending() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || len(q.running) >= q.maxJobs {
			q.mu.Unlock()
			return
		}
		qd := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		qd.cancel = cancel
		q.running[qd.task.BackupID] = qd
		q.mu.Unlock()

		go q.runOne(ctx, qd)
	}
}

func (q *TaskQueue) runOne(ctx context.Context, qd *queuedTask) {
	qd.job.err = q.run(ctx, qd.task)
	close(qd.job.done)

	q.mu.Lock()
	delete(q.running, qd.task.BackupID)
	q.mu.Unlock()

	q.runPending()
}

var errAborted = abortedErr{}

type abortedErr struct{}

func (abortedErr) Error() string { return "task aborted before it started" }
