// Package queue is a bounded in-memory job queue. Incoming trigger
// events are funnelled through it so run creation happens on a small,
// fixed number of dispatcher goroutines.
package queue

import (
	"sync"
)

type Job struct {
	Run    func() error
	OnFail func(error)
}

type Queue struct {
	jobs    chan Job
	workers int
	wg      sync.WaitGroup
}

func NewQueue(size, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
	}
}

// Enqueue is non-blocking: a full queue rejects the job and reports
// false so the caller can surface backpressure.
func (q *Queue) Enqueue(job Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) Start() {
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if err := job.Run(); err != nil {
					if job.OnFail != nil {
						job.OnFail(err)
					}
				}
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	close(q.jobs)
	q.wg.Wait()
}
