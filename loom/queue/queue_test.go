package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(10, 2)
	q.Start()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		ok := q.Enqueue(Job{Run: func() error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}})
		assert.True(t, ok)
	}

	wg.Wait()
	q.Stop()
	assert.Equal(t, int32(5), ran.Load())
}

func TestQueueOnFail(t *testing.T) {
	q := NewQueue(1, 1)
	q.Start()

	failed := make(chan error, 1)
	q.Enqueue(Job{
		Run:    func() error { return errors.New("boom") },
		OnFail: func(err error) { failed <- err },
	})

	select {
	case err := <-failed:
		assert.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("OnFail was never called")
	}
	q.Stop()
}

func TestQueueFullRejects(t *testing.T) {
	q := NewQueue(1, 1)
	// not started: the buffer fills and the second enqueue bounces

	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
}
