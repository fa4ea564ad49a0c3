// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backup

import (
	"context"
	"sync"
	"testing"
	"time"
)

func blockingRun(start, release chan struct{}) RunFunc {
	return func(ctx context.Context, t *Task) error {
		close(start)
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
}

func TestTaskQueueRespectsMaxJobs(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxSeen := 0
	release := make(chan struct{})

	run := func(ctx context.Context, task *Task) error {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	q := NewTaskQueue(2, run)
	jobs := make([]*Job, 5)
	for i := range jobs {
		jobs[i] = q.Enqueue(&Task{BackupID: string(rune('a' + i))})
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	seen := maxSeen
	mu.Unlock()
	if seen > 2 {
		t.Errorf("TaskQueue ran %d jobs concurrently, want at most 2", seen)
	}
	close(release)

	for _, j := range jobs {
		if err := j.Wait(context.Background()); err != nil {
			t.Errorf("Job.Wait: %v", err)
		}
	}
}

func TestTaskQueueFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	run := func(ctx context.Context, task *Task) error {
		mu.Lock()
		order = append(order, task.BackupID)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	}

	q := NewTaskQueue(1, run)
	q.Enqueue(&Task{BackupID: "first"})
	q.Enqueue(&Task{BackupID: "second"})
	q.Enqueue(&Task{BackupID: "third"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not all run")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("order[%d] = %q, want %q (FIFO)", i, order[i], id)
		}
	}
}

func TestTaskQueueAbortPending(t *testing.T) {
	start := make(chan struct{})
	release := make(chan struct{})
	q := NewTaskQueue(1, blockingRun(start, release))

	q.Enqueue(&Task{BackupID: "running"})
	<-start
	pending := q.Enqueue(&Task{BackupID: "queued"})

	if !q.Abort("queued") {
		t.Errorf("Abort should find the pending task")
	}
	if err := pending.Wait(context.Background()); err == nil {
		t.Errorf("aborted pending job should report an error")
	}
	close(release)
}

func TestTaskQueueAbortRunning(t *testing.T) {
	start := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	q := NewTaskQueue(1, blockingRun(start, release))

	job := q.Enqueue(&Task{BackupID: "running"})
	<-start
	if !q.Abort("running") {
		t.Errorf("Abort should find the running job")
	}
	if err := job.Wait(context.Background()); err == nil {
		t.Errorf("canceled running job should report an error")
	}
}
