package ack

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitNotice(t *testing.T, c *Coordinator) Notice {
	t.Helper()
	select {
	case n := <-c.Notices():
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notice")
		return Notice{}
	}
}

func TestBeginAndFullDelivery(t *testing.T) {
	c := NewCoordinator(time.Second)

	taskID := c.Begin("ABCDE", "player:joined", "u1", []string{"u2", "u3"})
	require.NotEmpty(t, taskID)
	assert.Equal(t, 1, c.Active())

	res, err := c.Acknowledge(taskID, "u2")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.AllAcknowledged)

	res, err = c.Acknowledge(taskID, "u3")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.AllAcknowledged)

	n := waitNotice(t, c)
	assert.Equal(t, taskID, n.TaskID)
	assert.Equal(t, "u1", n.Origin)
	assert.True(t, n.Delivered)
	assert.Empty(t, n.Unacknowledged)

	// Delivered buffers leave active tracking.
	assert.Equal(t, 0, c.Active())
	assert.False(t, c.Pending(taskID))
}

func TestAcknowledge_Idempotent(t *testing.T) {
	c := NewCoordinator(time.Second)
	taskID := c.Begin("ABCDE", "player:joined", "u1", []string{"u2", "u3"})

	first, err := c.Acknowledge(taskID, "u2")
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// Second ack from the same identity: success, no state change.
	second, err := c.Acknowledge(taskID, "u2")
	require.NoError(t, err)
	assert.True(t, second.Accepted)
	assert.False(t, second.AllAcknowledged)
	assert.True(t, c.Pending(taskID), "buffer must still wait on u3")
}

func TestAcknowledge_UnknownTaskIsBenign(t *testing.T) {
	c := NewCoordinator(time.Second)

	res, err := c.Acknowledge("never-existed", "u2")
	assert.True(t, errors.Is(err, ErrUnknownTask), "err = %v", err)
	assert.False(t, res.Accepted)

	// Acking after full delivery hits the same benign path.
	taskID := c.Begin("ABCDE", "player:joined", "u1", []string{"u2"})
	_, err = c.Acknowledge(taskID, "u2")
	require.NoError(t, err)
	waitNotice(t, c)

	res, err = c.Acknowledge(taskID, "u2")
	assert.True(t, errors.Is(err, ErrUnknownTask), "err = %v", err)
	assert.False(t, res.Accepted)
}

func TestAcknowledge_UnexpectedReceiver(t *testing.T) {
	c := NewCoordinator(time.Second)
	taskID := c.Begin("ABCDE", "player:removed", "u1", []string{"u3"})

	_, err := c.Acknowledge(taskID, "u2")
	assert.True(t, errors.Is(err, ErrUnexpectedReceiver), "err = %v", err)
	assert.True(t, c.Pending(taskID), "rejected ack must not consume the buffer")
}

func TestAckedSubsetOfExpected(t *testing.T) {
	c := NewCoordinator(time.Second)
	taskID := c.Begin("ABCDE", "question:started", "u1", []string{"u2", "u3"})

	_, _ = c.Acknowledge(taskID, "u2")
	_, _ = c.Acknowledge(taskID, "intruder")

	c.mu.Lock()
	buf := c.buffers[taskID]
	for id := range buf.Acked {
		_, ok := buf.Expected[id]
		assert.True(t, ok, "acked identity %s not in expected set", id)
	}
	c.mu.Unlock()
}

func TestTimeoutEmitsIncompleteNotice(t *testing.T) {
	c := NewCoordinator(40 * time.Millisecond)
	taskID := c.Begin("ABCDE", "player:joined", "u1", []string{"u2", "u3"})

	_, err := c.Acknowledge(taskID, "u2")
	require.NoError(t, err)

	n := waitNotice(t, c)
	assert.Equal(t, taskID, n.TaskID)
	assert.Equal(t, "u1", n.Origin)
	assert.False(t, n.Delivered)
	assert.Equal(t, []string{"u3"}, n.Unacknowledged)

	// Expired buffers leave active tracking; late acks become benign no-ops.
	assert.False(t, c.Pending(taskID))
	res, err := c.Acknowledge(taskID, "u3")
	assert.True(t, errors.Is(err, ErrUnknownTask), "err = %v", err)
	assert.False(t, res.Accepted)
}

func TestDeliveryCancelsTimer(t *testing.T) {
	c := NewCoordinator(30 * time.Millisecond)
	taskID := c.Begin("ABCDE", "player:joined", "u1", []string{"u2"})

	_, err := c.Acknowledge(taskID, "u2")
	require.NoError(t, err)

	n := waitNotice(t, c)
	assert.True(t, n.Delivered)

	// No second (expiry) notice may arrive for the same task.
	select {
	case extra := <-c.Notices():
		t.Fatalf("unexpected second notice: %+v", extra)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestEmptyExpectedSetDeliversImmediately(t *testing.T) {
	c := NewCoordinator(time.Second)
	taskID := c.Begin("ABCDE", "player:removed", "u1", nil)

	n := waitNotice(t, c)
	assert.Equal(t, taskID, n.TaskID)
	assert.True(t, n.Delivered)
	assert.Equal(t, 0, c.Active())
}

func TestTaskIDsAreUnique(t *testing.T) {
	c := NewCoordinator(time.Second)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := c.Begin("ABCDE", "question:started", "u1", []string{"u2"})
		require.False(t, seen[id], "task id %s minted twice", id)
		seen[id] = true
	}
}
