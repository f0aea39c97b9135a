package memory

import (
	"sync"
)

// Registry maps room ids to room state. Rooms are created lazily
// and live as long as the registry.
type Registry struct {
	mx           *sync.RWMutex
	db           map[string]*Room
	historyLimit int
}

// NewRegistry creates an empty registry. historyLimit caps the number of
// events retained per room, zero means unbounded.
func NewRegistry(historyLimit int) *Registry {
	if historyLimit < 0 {
		historyLimit = 0
	}
	return &Registry{
		mx:           &sync.RWMutex{},
		db:           make(map[string]*Room),
		historyLimit: historyLimit,
	}
}

func (r *Registry) GetOrCreate(roomID string) *Room {
	r.mx.RLock()
	room, ok := r.db[roomID]
	r.mx.RUnlock()
	if ok {
		return room
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if room, ok = r.db[roomID]; !ok {
		room = newRoom(roomID, r.historyLimit)
		r.db[roomID] = room
	}
	return room
}

func (r *Registry) Get(roomID string) (*Room, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	room, ok := r.db[roomID]
	return room, ok
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return len(r.db)
}
