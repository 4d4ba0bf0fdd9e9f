package ack

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"quizroom/internal/metrics"
)

var (
	// ErrUnknownTask marks an acknowledgment for a task that is already
	// delivered, expired, or was never started. Callers treat it as a
	// benign no-op so duplicate and late acks never fail a client.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnexpectedReceiver marks an acknowledgment from an identity the
	// buffer was not waiting on.
	ErrUnexpectedReceiver = errors.New("receiver was not expected to acknowledge this task")
)

// Result reports what one acknowledgment did.
type Result struct {
	Accepted        bool `json:"accepted"`
	AllAcknowledged bool `json:"all_acknowledged"`
}

// Notice reports a buffer reaching a terminal state, for routing back to the
// identity whose action started the broadcast. Delivery timing out is a
// reported condition, not an error: the origin's own action already
// succeeded.
type Notice struct {
	TaskID         string   `json:"task"`
	RoomCode       string   `json:"room_code"`
	Event          string   `json:"event"`
	Origin         string   `json:"-"`
	Delivered      bool     `json:"delivered"`
	Unacknowledged []string `json:"unacknowledged,omitempty"`
}

// Coordinator owns every in-flight broadcast buffer and its expiry timer.
type Coordinator struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
	timers  map[string]*time.Timer
	timeout time.Duration
	notices chan Notice
}

func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{
		buffers: make(map[string]*Buffer),
		timers:  make(map[string]*time.Timer),
		timeout: timeout,
		notices: make(chan Notice, 64),
	}
}

// Notices delivers terminal buffer states to the consumer loop.
func (c *Coordinator) Notices() <-chan Notice {
	return c.notices
}

// Begin allocates a pending buffer for a broadcast and arms its expiry
// timer. The returned task id travels inside the event payload so receivers
// can correlate their acknowledgment. An empty expected set completes
// immediately.
func (c *Coordinator) Begin(roomCode, event, origin string, expected []string) string {
	taskID := uuid.New().String()
	buf := newBuffer(taskID, roomCode, event, origin, expected)

	c.mu.Lock()
	defer c.mu.Unlock()

	metrics.BroadcastsTotal.Inc()

	if buf.complete() {
		buf.Status = StatusDelivered
		metrics.BuffersDelivered.Inc()
		c.emitLocked(Notice{
			TaskID:    taskID,
			RoomCode:  roomCode,
			Event:     event,
			Origin:    origin,
			Delivered: true,
		})
		return taskID
	}

	c.buffers[taskID] = buf
	c.timers[taskID] = time.AfterFunc(c.timeout, func() {
		c.expire(taskID)
	})
	metrics.ActiveBuffers.Set(float64(len(c.buffers)))
	return taskID
}

// Acknowledge records one receiver's acknowledgment. Unknown tasks return
// ErrUnknownTask with Accepted=false; re-acknowledging is idempotent and
// succeeds without changing state. When the acknowledged set reaches the
// expected set, the buffer is delivered, its timer cancelled, and a notice
// emitted for the origin.
func (c *Coordinator) Acknowledge(taskID, userID string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[taskID]
	if !ok {
		return Result{}, ErrUnknownTask
	}
	if _, expected := buf.Expected[userID]; !expected {
		return Result{}, ErrUnexpectedReceiver
	}
	if _, already := buf.Acked[userID]; already {
		return Result{Accepted: true}, nil
	}

	buf.Acked[userID] = struct{}{}
	metrics.AcksTotal.Inc()

	if !buf.complete() {
		return Result{Accepted: true}, nil
	}

	buf.Status = StatusDelivered
	c.removeLocked(taskID)
	metrics.BuffersDelivered.Inc()
	c.emitLocked(Notice{
		TaskID:    taskID,
		RoomCode:  buf.RoomCode,
		Event:     buf.Event,
		Origin:    buf.Origin,
		Delivered: true,
	})
	return Result{Accepted: true, AllAcknowledged: true}, nil
}

// Active returns the number of buffers still awaiting acknowledgment.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

// Pending reports whether a task is still tracked.
func (c *Coordinator) Pending(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.buffers[taskID]
	return ok
}

func (c *Coordinator) expire(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[taskID]
	if !ok {
		// Delivered in the window between the timer firing and this lock.
		return
	}

	buf.Status = StatusExpired
	missing := buf.unacked()
	c.removeLocked(taskID)
	metrics.BuffersExpired.Inc()
	log.Printf("[Ack] Task %s expired in room %s, %d receiver(s) missing\n", taskID, buf.RoomCode, len(missing))
	c.emitLocked(Notice{
		TaskID:         taskID,
		RoomCode:       buf.RoomCode,
		Event:          buf.Event,
		Origin:         buf.Origin,
		Delivered:      false,
		Unacknowledged: missing,
	})
}

func (c *Coordinator) removeLocked(taskID string) {
	delete(c.buffers, taskID)
	if t, ok := c.timers[taskID]; ok {
		t.Stop()
		delete(c.timers, taskID)
	}
	metrics.ActiveBuffers.Set(float64(len(c.buffers)))
}

func (c *Coordinator) emitLocked(n Notice) {
	select {
	case c.notices <- n:
	default:
		log.Printf("[Ack] Notice channel full, dropping notice for task %s\n", n.TaskID)
	}
}
