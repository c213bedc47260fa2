// Package rooms holds the authoritative in-memory room membership registry.
//
// The registry is the single source of truth for which user is in which
// room. Rooms are created lazily on first join and deleted when their last
// member leaves; a user is a member of at most one room at a time, and the
// user index always agrees with the room sets.
package rooms

import (
	"sort"
	"sync"
)

type Registry struct {
	mu sync.Mutex

	// rooms maps room id -> member user ids.
	rooms map[string]map[string]struct{}
	// userRoom maps user id -> the one room it belongs to.
	userRoom map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]struct{}),
		userRoom: make(map[string]string),
	}
}

// JoinResult describes the registry state observed by a join, captured
// atomically so callers can emit notifications without re-reading.
type JoinResult struct {
	// Members is the sorted roster after the join, including the joiner.
	Members []string
	// First is true when the joiner created the room.
	First bool
	// Rejoined is true when the user was already a member of this exact
	// room; the join was a no-op and no notifications should be emitted.
	Rejoined bool
	// PreviousRoom is the room the user was implicitly removed from, or ""
	// if the user was not in a room before.
	PreviousRoom string
	// PreviousMembers is the roster remaining in PreviousRoom after the
	// removal (empty when the room was deleted).
	PreviousMembers []string
}

// Join adds user to room, removing it from any other room first. The whole
// transition happens under one lock so no caller can observe the user in
// zero or two rooms.
func (r *Registry) Join(room, user string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.userRoom[user]; ok {
		if prev == room {
			return JoinResult{
				Members:  r.membersLocked(room),
				Rejoined: true,
			}
		}
		res := JoinResult{PreviousRoom: prev}
		r.removeLocked(prev, user)
		res.PreviousMembers = r.membersLocked(prev)
		return r.joinLocked(room, user, res)
	}

	return r.joinLocked(room, user, JoinResult{})
}

func (r *Registry) joinLocked(room, user string, res JoinResult) JoinResult {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
		res.First = true
	}
	members[user] = struct{}{}
	r.userRoom[user] = room
	res.Members = r.membersLocked(room)
	return res
}

// Leave removes user from room. Returns the remaining roster and whether
// the user was actually a member; leaving a room you are not in is a no-op.
func (r *Registry) Leave(room, user string) (remaining []string, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.userRoom[user] != room {
		return nil, false
	}
	r.removeLocked(room, user)
	return r.membersLocked(room), true
}

// RemoveUser is the disconnect path: it removes the user from whatever room
// it is in, returning that room and the remaining roster.
func (r *Registry) RemoveUser(user string) (room string, remaining []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok = r.userRoom[user]
	if !ok {
		return "", nil, false
	}
	r.removeLocked(room, user)
	return room, r.membersLocked(room), true
}

func (r *Registry) removeLocked(room, user string) {
	delete(r.userRoom, user)
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, user)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Members returns the sorted roster of room, or nil if the room does not
// exist.
func (r *Registry) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(room)
}

func (r *Registry) membersLocked(room string) []string {
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for user := range members {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// RoomOf returns the room a user belongs to.
func (r *Registry) RoomOf(user string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.userRoom[user]
	return room, ok
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Snapshot returns a copy of every room's sorted roster, for diagnostics.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.rooms))
	for room := range r.rooms {
		out[room] = r.membersLocked(room)
	}
	return out
}
