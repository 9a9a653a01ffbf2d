package signal

import (
	"sort"

	"ridercomm/internal/core/domain"
)

// RoomRegistry maps room ids to their member connections. It is not safe for
// concurrent use; Relay serializes access under its own lock.
type RoomRegistry struct {
	rooms map[domain.RoomID]map[domain.ConnectionID]struct{}
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[domain.RoomID]map[domain.ConnectionID]struct{}),
	}
}

// Add inserts conn into room, creating the room when absent. It returns the
// members present before the insert, sorted, and whether the room was created.
func (r *RoomRegistry) Add(room domain.RoomID, conn domain.ConnectionID) (existing []domain.ConnectionID, created bool) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.ConnectionID]struct{})
		r.rooms[room] = members
		created = true
	}
	existing = sortedMembers(members, conn)
	members[conn] = struct{}{}
	return existing, created
}

// Remove deletes conn from room and drops the room once it is empty. It
// returns the remaining members, sorted, and whether the room was deleted.
func (r *RoomRegistry) Remove(room domain.RoomID, conn domain.ConnectionID) (remaining []domain.ConnectionID, deleted bool) {
	members, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, room)
		return nil, true
	}
	return sortedMembers(members, ""), false
}

// Members returns the sorted members of room, or nil when it does not exist.
func (r *RoomRegistry) Members(room domain.RoomID) []domain.ConnectionID {
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	return sortedMembers(members, "")
}

func (r *RoomRegistry) Contains(room domain.RoomID, conn domain.ConnectionID) bool {
	_, ok := r.rooms[room][conn]
	return ok
}

// Rooms lists live rooms ordered by id.
func (r *RoomRegistry) Rooms() []domain.RoomSummary {
	out := make([]domain.RoomSummary, 0, len(r.rooms))
	for id, members := range r.rooms {
		out = append(out, domain.RoomSummary{RoomID: id, Members: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Len is the number of live rooms.
func (r *RoomRegistry) Len() int {
	return len(r.rooms)
}

// MemberCount is the number of memberships across all rooms.
func (r *RoomRegistry) MemberCount() int {
	n := 0
	for _, members := range r.rooms {
		n += len(members)
	}
	return n
}

func sortedMembers(members map[domain.ConnectionID]struct{}, skip domain.ConnectionID) []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0, len(members))
	for id := range members {
		if id == skip {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
