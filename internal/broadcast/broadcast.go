package broadcast

import (
	"log"

	"quizroom/internal/ack"
	"quizroom/internal/events"
)

// Membership resolves a room's current member identities.
type Membership interface {
	Members(roomCode string) []string
}

// Connections resolves an identity's live connection ids.
type Connections interface {
	Resolve(userID string) []string
}

// Sender pushes one envelope to one connection.
type Sender interface {
	Send(connID string, env events.Envelope) bool
}

// Broadcaster is the single choke point for room-wide events. Every
// state-changing broadcast registers a buffer with the coordinator before any
// byte leaves the process, so an acknowledgment can never race a buffer that
// does not exist yet.
type Broadcaster struct {
	members Membership
	conns   Connections
	sender  Sender
	coord   *ack.Coordinator
}

func New(members Membership, conns Connections, sender Sender, coord *ack.Coordinator) *Broadcaster {
	return &Broadcaster{
		members: members,
		conns:   conns,
		sender:  sender,
		coord:   coord,
	}
}

// Publish fans an event out to the room. The expected-receiver set is the
// room's current membership minus excluded — the actor behind the event and,
// for removal events, its subject. Receivers without a live connection stay
// in the expected set; they catch up through the rejoin resync. Returns the
// task id embedded in the transmitted envelopes.
func (b *Broadcaster) Publish(roomCode, origin, event string, data any, excluded ...string) string {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	var expected []string
	for _, id := range b.members.Members(roomCode) {
		if _, ok := skip[id]; !ok {
			expected = append(expected, id)
		}
	}
	return b.transmit(roomCode, origin, event, data, expected)
}

// PublishTo targets an explicit receiver set instead of full membership,
// used for the room:state resync of a single rejoining player.
func (b *Broadcaster) PublishTo(roomCode, origin, event string, data any, receivers []string) string {
	return b.transmit(roomCode, origin, event, data, receivers)
}

func (b *Broadcaster) transmit(roomCode, origin, event string, data any, expected []string) string {
	taskID := b.coord.Begin(roomCode, event, origin, expected)
	env := events.Envelope{Event: event, Task: taskID, Data: data}

	sent := 0
	for _, userID := range expected {
		for _, connID := range b.conns.Resolve(userID) {
			if b.sender.Send(connID, env) {
				sent++
			}
		}
	}
	if sent < len(expected) {
		log.Printf("[Broadcast] %s task %s: %d/%d expected receivers reachable now\n", event, taskID, sent, len(expected))
	}
	return taskID
}
