package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFairQueueRoundRobinAcrossUsers(t *testing.T) {
	q := NewFairQueue()
	require.NoError(t, q.Enqueue("a1", "t1", "alice"))
	require.NoError(t, q.Enqueue("a2", "t2", "alice"))
	require.NoError(t, q.Enqueue("a3", "t3", "alice"))
	require.NoError(t, q.Enqueue("b1", "t4", "bob"))

	var order []string
	for item := q.Dequeue(nil); item != nil; item = q.Dequeue(nil) {
		order = append(order, item.ExecutionID)
	}

	// Bob's single task is interleaved ahead of Alice's backlog
	assert.Equal(t, []string{"a1", "b1", "a2", "a3"}, order)
	assert.Equal(t, 0, q.Len())
}

func TestFairQueueFIFOWithinUser(t *testing.T) {
	q := NewFairQueue()
	require.NoError(t, q.Enqueue("e1", "t1", "alice"))
	require.NoError(t, q.Enqueue("e2", "t2", "alice"))

	assert.Equal(t, "e1", q.Dequeue(nil).ExecutionID)
	assert.Equal(t, "e2", q.Dequeue(nil).ExecutionID)
	assert.Nil(t, q.Dequeue(nil))
}

func TestFairQueueSkipHoldsUserBack(t *testing.T) {
	q := NewFairQueue()
	require.NoError(t, q.Enqueue("a1", "t1", "alice"))
	require.NoError(t, q.Enqueue("b1", "t2", "bob"))

	item := q.Dequeue(func(userID string) bool { return userID == "alice" })
	require.NotNil(t, item)
	assert.Equal(t, "b1", item.ExecutionID)

	// Alice remains queued for when her ceiling frees up
	assert.True(t, q.Contains("a1"))
}

func TestFairQueueRequeuePreservesFIFO(t *testing.T) {
	q := NewFairQueue()
	require.NoError(t, q.Enqueue("e1", "t1", "alice"))
	require.NoError(t, q.Enqueue("e2", "t2", "alice"))
	require.NoError(t, q.Enqueue("e3", "t3", "alice"))

	// Dispatch takes the oldest item but has to back off; putting it back
	// must not push it behind its younger siblings.
	item := q.Dequeue(nil)
	require.Equal(t, "e1", item.ExecutionID)
	q.Requeue(item)

	assert.Equal(t, "e1", q.Dequeue(nil).ExecutionID)
	assert.Equal(t, "e2", q.Dequeue(nil).ExecutionID)
	assert.Equal(t, "e3", q.Dequeue(nil).ExecutionID)
}

func TestFairQueueRejectsDuplicates(t *testing.T) {
	q := NewFairQueue()
	require.NoError(t, q.Enqueue("e1", "t1", "alice"))
	assert.ErrorIs(t, q.Enqueue("e1", "t1", "alice"), ErrAlreadyQueued)
}

func TestFairQueueRemove(t *testing.T) {
	q := NewFairQueue()
	require.NoError(t, q.Enqueue("e1", "t1", "alice"))
	require.NoError(t, q.Enqueue("e2", "t2", "alice"))

	assert.True(t, q.Remove("e1"))
	assert.False(t, q.Remove("e1"))
	assert.Equal(t, "e2", q.Dequeue(nil).ExecutionID)
}
