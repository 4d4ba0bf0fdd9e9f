package ack

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusExpired   Status = "expired"
)

// Buffer is the server-side bookkeeping record for one in-flight broadcast.
// It tracks which identities still owe an acknowledgment. Buffers are owned
// exclusively by the Coordinator; everyone else refers to them by task id.
type Buffer struct {
	TaskID    string
	RoomCode  string
	Event     string
	Origin    string // identity whose action caused the broadcast
	Expected  map[string]struct{}
	Acked     map[string]struct{}
	Status    Status
	CreatedAt time.Time
}

func newBuffer(taskID, roomCode, event, origin string, expected []string) *Buffer {
	b := &Buffer{
		TaskID:    taskID,
		RoomCode:  roomCode,
		Event:     event,
		Origin:    origin,
		Expected:  make(map[string]struct{}, len(expected)),
		Acked:     make(map[string]struct{}),
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	for _, id := range expected {
		b.Expected[id] = struct{}{}
	}
	return b
}

func (b *Buffer) complete() bool {
	return len(b.Acked) == len(b.Expected)
}

// unacked lists the expected receivers that never acknowledged.
func (b *Buffer) unacked() []string {
	out := make([]string, 0, len(b.Expected)-len(b.Acked))
	for id := range b.Expected {
		if _, ok := b.Acked[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
