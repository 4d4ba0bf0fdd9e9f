package events

import "log"

// Event names pushed to clients. Room-wide events carry a task identifier
// that receivers echo back in their acknowledgment.
const (
	RoomCreated       = "room:created"
	RoomState         = "room:state"
	PlayerJoined      = "player:joined"
	PlayerRemoved     = "player:removed"
	QuestionStarted   = "question:started"
	QuestionAnswered  = "question:answered"
	LeaderboardUpdate = "leaderboard:update"
	GameFinished      = "game:finished"
	BufferCleared     = "buffer:cleared"
	BufferIncomplete  = "buffer:incomplete"
	AckOK             = "ack:ok"
	Error             = "error"
)

// Envelope is the JSON structure sent to clients.
type Envelope struct {
	Event string `json:"event"`
	Task  string `json:"task,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// RoomEvent is a broadcast request emitted by a room session for transitions
// it drives itself (question advance, timer expiry, game end). The server's
// dispatch loop publishes these through the broadcaster.
type RoomEvent struct {
	RoomCode string
	Event    string
	Data     any
	Excluded []string
}

type Bus struct {
	RoomEvents chan RoomEvent
}

func NewBus() *Bus {
	return &Bus{
		RoomEvents: make(chan RoomEvent, 64),
	}
}

// Emit queues a room event without blocking the session that produced it.
// Drops if the channel is full; the drop is logged so a stalled room can be
// traced back to it.
func (b *Bus) Emit(ev RoomEvent) bool {
	select {
	case b.RoomEvents <- ev:
		return true
	default:
		log.Printf("[Events] Bus full, dropping %s for room %s\n", ev.Event, ev.RoomCode)
		return false
	}
}
