package hub

import (
	"sync"
	"time"
)

// RoomInfo is a snapshot of one room's registry entry.
type RoomInfo struct {
	ID        string
	CreatedAt time.Time
	Metadata  map[string]string
	Members   []string
}

// roomSet tracks room membership in both directions. A room exists iff it
// has at least one member: the last leave deletes it immediately.
type roomSet struct {
	mu       sync.RWMutex
	members  map[string]map[string]bool // roomID -> set of clientIDs
	byClient map[string]map[string]bool // clientID -> set of roomIDs
	created  map[string]time.Time       // roomID -> creation time
	metadata map[string]map[string]string

	now func() time.Time
}

func newRoomSet(now func() time.Time) *roomSet {
	return &roomSet{
		members:  make(map[string]map[string]bool),
		byClient: make(map[string]map[string]bool),
		created:  make(map[string]time.Time),
		metadata: make(map[string]map[string]string),
		now:      now,
	}
}

// Join adds a client to a room, creating the room lazily.
// Reports whether the membership was new.
func (rs *roomSet) Join(clientID, roomID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.members[roomID]; !ok {
		rs.members[roomID] = make(map[string]bool)
		rs.created[roomID] = rs.now()
	}
	if rs.members[roomID][clientID] {
		return false
	}
	rs.members[roomID][clientID] = true

	if _, ok := rs.byClient[clientID]; !ok {
		rs.byClient[clientID] = make(map[string]bool)
	}
	rs.byClient[clientID][roomID] = true
	return true
}

// Leave removes a client from a room. Reports whether the client was a
// member and whether the room was deleted as a result.
func (rs *roomSet) Leave(clientID, roomID string) (wasMember, deleted bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.leaveLocked(clientID, roomID)
}

func (rs *roomSet) leaveLocked(clientID, roomID string) (wasMember, deleted bool) {
	members, ok := rs.members[roomID]
	if !ok || !members[clientID] {
		return false, false
	}
	delete(members, clientID)
	delete(rs.byClient[clientID], roomID)
	if len(rs.byClient[clientID]) == 0 {
		delete(rs.byClient, clientID)
	}
	if len(members) == 0 {
		delete(rs.members, roomID)
		delete(rs.created, roomID)
		delete(rs.metadata, roomID)
		return true, true
	}
	return true, false
}

// LeaveAll removes a client from every room it belongs to and returns the
// room ids it left, for per-room departure notifications.
func (rs *roomSet) LeaveAll(clientID string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	roomIDs := make([]string, 0, len(rs.byClient[clientID]))
	for roomID := range rs.byClient[clientID] {
		roomIDs = append(roomIDs, roomID)
	}
	for _, roomID := range roomIDs {
		rs.leaveLocked(clientID, roomID)
	}
	return roomIDs
}

// Members returns all client IDs in a room.
func (rs *roomSet) Members(roomID string) []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	members := rs.members[roomID]
	result := make([]string, 0, len(members))
	for id := range members {
		result = append(result, id)
	}
	return result
}

// RoomsOf returns the room IDs a client belongs to.
func (rs *roomSet) RoomsOf(clientID string) []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	rooms := rs.byClient[clientID]
	result := make([]string, 0, len(rooms))
	for id := range rooms {
		result = append(result, id)
	}
	return result
}

// Exists reports whether a room is present in the registry.
func (rs *roomSet) Exists(roomID string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.members[roomID]
	return ok
}

// Count returns the number of rooms in the registry.
func (rs *roomSet) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.members)
}

// Info returns a snapshot of a room, or nil if it does not exist.
func (rs *roomSet) Info(roomID string) *RoomInfo {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	members, ok := rs.members[roomID]
	if !ok {
		return nil
	}
	info := &RoomInfo{
		ID:        roomID,
		CreatedAt: rs.created[roomID],
		Metadata:  rs.metadata[roomID],
		Members:   make([]string, 0, len(members)),
	}
	for id := range members {
		info.Members = append(info.Members, id)
	}
	return info
}

// SetMetadata attaches metadata to an existing room.
func (rs *roomSet) SetMetadata(roomID string, meta map[string]string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.members[roomID]; !ok {
		return false
	}
	rs.metadata[roomID] = meta
	return true
}
