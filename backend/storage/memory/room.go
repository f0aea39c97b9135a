package memory

import (
	"sync"

	"github.com/adwski/proctor-relay/backend/model"
)

// Room holds the event history and the peer set of one room.
// All mutations are serialized by the room mutex, which makes the room
// the single ordering point for its events.
type Room struct {
	ID string

	mx     sync.Mutex
	events []model.Event
	peers  map[string]struct{}
	limit  int
}

func newRoom(id string, limit int) *Room {
	return &Room{
		ID:     id,
		events: make([]model.Event, 0, 16),
		peers:  make(map[string]struct{}),
		limit:  limit,
	}
}

// Join adds the session to the peer set and passes a copy of the current
// history to snapshot. Snapshot runs under the room lock, so events appended
// afterwards reach the session only through fan-out.
// It reports whether the session was not a member before.
func (rm *Room) Join(sessionID string, snapshot func([]model.Event)) bool {
	rm.mx.Lock()
	defer rm.mx.Unlock()

	_, member := rm.peers[sessionID]
	rm.peers[sessionID] = struct{}{}
	if snapshot != nil {
		snapshot(rm.copyEvents())
	}
	return !member
}

func (rm *Room) Leave(sessionID string) bool {
	rm.mx.Lock()
	defer rm.mx.Unlock()

	_, ok := rm.peers[sessionID]
	delete(rm.peers, sessionID)
	return ok
}

// Append builds the next event and stores it. build and deliver run under the
// room lock: ids and timestamps are assigned in arrival order and every
// peer observes the same delivery order.
func (rm *Room) Append(build func() model.Event, deliver func(model.Event, []string)) model.Event {
	rm.mx.Lock()
	defer rm.mx.Unlock()

	ev := build()
	rm.events = append(rm.events, ev)
	if rm.limit > 0 && len(rm.events) > rm.limit {
		// drop oldest
		excess := len(rm.events) - rm.limit
		rm.events = append(rm.events[:0:0], rm.events[excess:]...)
	}
	if deliver != nil {
		deliver(ev, rm.peerList(""))
	}
	return ev
}

// Events returns a copy of the history in arrival order.
func (rm *Room) Events() []model.Event {
	rm.mx.Lock()
	defer rm.mx.Unlock()

	return rm.copyEvents()
}

// Peers returns current members except the given session id.
func (rm *Room) Peers(exclude string) []string {
	rm.mx.Lock()
	defer rm.mx.Unlock()

	return rm.peerList(exclude)
}

func (rm *Room) IsPeer(sessionID string) bool {
	rm.mx.Lock()
	defer rm.mx.Unlock()

	_, ok := rm.peers[sessionID]
	return ok
}

func (rm *Room) Stats() model.RoomStats {
	rm.mx.Lock()
	defer rm.mx.Unlock()

	return model.RoomStats{
		ID:     rm.ID,
		Events: len(rm.events),
		Peers:  len(rm.peers),
	}
}

func (rm *Room) copyEvents() []model.Event {
	cpy := make([]model.Event, len(rm.events))
	copy(cpy, rm.events)
	return cpy
}

func (rm *Room) peerList(exclude string) []string {
	peers := make([]string, 0, len(rm.peers))
	for id := range rm.peers {
		if id != exclude {
			peers = append(peers, id)
		}
	}
	return peers
}
