package dispatcher

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyQueued is returned when an execution is enqueued twice
	ErrAlreadyQueued = errors.New("execution already queued")
)

// queuedExecution is one pending execution waiting for dispatch capacity.
type queuedExecution struct {
	ExecutionID string
	TaskID      string
	UserID      string
	EnqueuedAt  time.Time
}

// FairQueue holds pending executions in per-user FIFO order and hands them
// out round-robin across users, so one user's backlog cannot starve the
// others.
type FairQueue struct {
	mu      sync.Mutex
	perUser map[string][]*queuedExecution
	ring    []string // users with queued work, rotation order
	next    int
	ids     map[string]bool
}

// NewFairQueue creates an empty queue.
func NewFairQueue() *FairQueue {
	return &FairQueue{
		perUser: make(map[string][]*queuedExecution),
		ids:     make(map[string]bool),
	}
}

// Enqueue appends an execution to its user's FIFO.
func (q *FairQueue) Enqueue(executionID, taskID, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ids[executionID] {
		return ErrAlreadyQueued
	}

	if _, ok := q.perUser[userID]; !ok {
		q.ring = append(q.ring, userID)
	}
	q.perUser[userID] = append(q.perUser[userID], &queuedExecution{
		ExecutionID: executionID,
		TaskID:      taskID,
		UserID:      userID,
		EnqueuedAt:  time.Now(),
	})
	q.ids[executionID] = true
	return nil
}

// Requeue puts a dequeued execution back at the head of its user's FIFO,
// preserving creation order when dispatch has to back off after taking it.
func (q *FairQueue) Requeue(item *queuedExecution) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ids[item.ExecutionID] {
		return
	}
	if _, ok := q.perUser[item.UserID]; !ok {
		q.ring = append(q.ring, item.UserID)
	}
	q.perUser[item.UserID] = append([]*queuedExecution{item}, q.perUser[item.UserID]...)
	q.ids[item.ExecutionID] = true
}

// Dequeue returns the next execution in round-robin order, skipping users
// for which skip reports true (e.g. at their concurrency ceiling). Returns
// nil when no eligible execution exists.
func (q *FairQueue) Dequeue(skip func(userID string) bool) *queuedExecution {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < len(q.ring); i++ {
		idx := (q.next + i) % len(q.ring)
		user := q.ring[idx]
		if skip != nil && skip(user) {
			continue
		}

		fifo := q.perUser[user]
		item := fifo[0]
		fifo = fifo[1:]

		if len(fifo) == 0 {
			delete(q.perUser, user)
			q.ring = append(q.ring[:idx], q.ring[idx+1:]...)
			if len(q.ring) == 0 {
				q.next = 0
			} else {
				q.next = idx % len(q.ring)
			}
		} else {
			q.perUser[user] = fifo
			q.next = (idx + 1) % len(q.ring)
		}

		delete(q.ids, item.ExecutionID)
		return item
	}
	return nil
}

// Remove drops a queued execution, used when it is canceled before dispatch.
func (q *FairQueue) Remove(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.ids[executionID] {
		return false
	}
	delete(q.ids, executionID)

	for user, fifo := range q.perUser {
		for i, item := range fifo {
			if item.ExecutionID != executionID {
				continue
			}
			fifo = append(fifo[:i], fifo[i+1:]...)
			if len(fifo) == 0 {
				delete(q.perUser, user)
				for ri, u := range q.ring {
					if u == user {
						q.ring = append(q.ring[:ri], q.ring[ri+1:]...)
						break
					}
				}
				if len(q.ring) == 0 {
					q.next = 0
				} else {
					q.next = q.next % len(q.ring)
				}
			} else {
				q.perUser[user] = fifo
			}
			return true
		}
	}
	return false
}

// Contains reports whether an execution is queued.
func (q *FairQueue) Contains(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ids[executionID]
}

// Len returns the number of queued executions across all users.
func (q *FairQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
