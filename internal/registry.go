package internal

import (
	"context"
	"sort"
	"sync"
)

// Registry is the authoritative mapping from canvas id to the connections
// currently joined to it. Member lists are returned in join order.
type Registry interface {
	// AddMember removes connectionID from every other room, then adds it to
	// canvasID. Adding an existing member is a no-op.
	AddMember(ctx context.Context, canvasID, connectionID string) ([]string, error)
	RemoveMember(ctx context.Context, canvasID, connectionID string) ([]string, error)
	// RemoveFromAllRooms reports every room the connection was found in,
	// with the members that remain.
	RemoveFromAllRooms(ctx context.Context, connectionID string) ([]RoomMembers, error)
	MembersOf(ctx context.Context, canvasID string) ([]string, error)
	Stats(ctx context.Context) (RegistryStats, error)
}

type RoomMembers struct {
	CanvasID string
	Members  []string
}

type RegistryStats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

type room struct {
	mu      sync.Mutex
	members []string
	index   map[string]struct{}
}

func (r *room) add(id string) {
	if _, ok := r.index[id]; ok {
		return
	}
	r.index[id] = struct{}{}
	r.members = append(r.members, id)
}

func (r *room) remove(id string) bool {
	if _, ok := r.index[id]; !ok {
		return false
	}
	delete(r.index, id)
	r.members = without(r.members, id)
	return true
}

func (r *room) snapshot() []string {
	members := make([]string, len(r.members))
	copy(members, r.members)
	return members
}

// MemoryRegistry keeps membership in process. The room map has its own lock;
// each room's member set is serialized by the room's mutex, and no operation
// holds more than one room lock at a time.
type MemoryRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		rooms: make(map[string]*room),
	}
}

func (m *MemoryRegistry) lookup(canvasID string, create bool) *room {
	m.mu.RLock()
	r, ok := m.rooms[canvasID]
	m.mu.RUnlock()
	if ok || !create {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rooms[canvasID]; !ok {
		r = &room{index: make(map[string]struct{})}
		m.rooms[canvasID] = r
	}
	return r
}

// each calls fn for every room, sorted by canvas id, without holding the map
// lock while fn runs.
func (m *MemoryRegistry) each(fn func(canvasID string, r *room)) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	rooms := make(map[string]*room, len(m.rooms))
	for id, r := range m.rooms {
		ids = append(ids, id)
		rooms[id] = r
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		fn(id, rooms[id])
	}
}

func (m *MemoryRegistry) AddMember(_ context.Context, canvasID, connectionID string) ([]string, error) {
	m.each(func(id string, r *room) {
		if id == canvasID {
			return
		}
		r.mu.Lock()
		r.remove(connectionID)
		r.mu.Unlock()
	})

	r := m.lookup(canvasID, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(connectionID)
	return r.snapshot(), nil
}

func (m *MemoryRegistry) RemoveMember(_ context.Context, canvasID, connectionID string) ([]string, error) {
	r := m.lookup(canvasID, false)
	if r == nil {
		return []string{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(connectionID)
	return r.snapshot(), nil
}

func (m *MemoryRegistry) RemoveFromAllRooms(_ context.Context, connectionID string) ([]RoomMembers, error) {
	var affected []RoomMembers
	m.each(func(id string, r *room) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.remove(connectionID) {
			affected = append(affected, RoomMembers{CanvasID: id, Members: r.snapshot()})
		}
	})
	return affected, nil
}

func (m *MemoryRegistry) MembersOf(_ context.Context, canvasID string) ([]string, error) {
	r := m.lookup(canvasID, false)
	if r == nil {
		return []string{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

func (m *MemoryRegistry) Stats(_ context.Context) (RegistryStats, error) {
	stats := RegistryStats{}
	m.each(func(_ string, r *room) {
		r.mu.Lock()
		n := len(r.members)
		r.mu.Unlock()
		if n > 0 {
			stats.Rooms++
			stats.Members += n
		}
	})
	return stats, nil
}
