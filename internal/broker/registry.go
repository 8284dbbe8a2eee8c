package broker

import (
	"errors"
	"strings"
	"sync"
)

// WildcardBranch is the branch segment of the tenant-wide room.
const WildcardBranch = "*"

var (
	// ErrRoomForbidden indicates a join outside the identity's tenant or branch.
	ErrRoomForbidden = errors.New("broker: room join forbidden")
	// ErrMalformedRoom indicates a room key that is not "client:branch".
	ErrMalformedRoom = errors.New("broker: malformed room key")
)

// Identity is the authenticated scope of a live connection.
type Identity struct {
	ClientID string
	BranchID string
	DeviceID string
	Admin    bool
}

// RoomKey returns the room of one branch.
func RoomKey(clientID, branchID string) string {
	return clientID + ":" + branchID
}

// WildcardRoom returns the tenant-wide room observed by admins.
func WildcardRoom(clientID string) string {
	return RoomKey(clientID, WildcardBranch)
}

// DefaultRooms lists the rooms a connection joins on connect.
func DefaultRooms(identity Identity) []string {
	rooms := []string{RoomKey(identity.ClientID, identity.BranchID)}
	if identity.Admin {
		rooms = append(rooms, WildcardRoom(identity.ClientID))
	}
	return rooms
}

// authorizeJoin allows only rooms of the identity's own tenant. Ordinary devices are limited
// to their own branch; admins may join any branch and the wildcard room.
func authorizeJoin(identity Identity, room string) error {
	clientID, branchID, ok := strings.Cut(room, ":")
	if !ok || strings.TrimSpace(clientID) == "" || strings.TrimSpace(branchID) == "" {
		return ErrMalformedRoom
	}
	if clientID != identity.ClientID {
		return ErrRoomForbidden
	}
	if branchID == identity.BranchID {
		return nil
	}
	if identity.Admin {
		return nil
	}
	return ErrRoomForbidden
}

// Member is a live connection as seen by the registry.
type Member interface {
	ID() string
	DeviceID() string
	Send(payload []byte) bool
}

// Registry tracks room membership. It is a cache rebuilt on reconnect, never a system of record.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]Member
	memberships map[string]map[string]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]map[string]Member),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds the member to the room. Joining twice is a no-op.
func (r *Registry) Join(member Member, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room]; !ok {
		r.rooms[room] = make(map[string]Member)
	}
	r.rooms[room][member.ID()] = member
	if _, ok := r.memberships[member.ID()]; !ok {
		r.memberships[member.ID()] = make(map[string]struct{})
	}
	r.memberships[member.ID()][room] = struct{}{}
}

// Leave removes the member from one room and reports whether it was a member.
func (r *Registry) Leave(member Member, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(member.ID(), room)
}

func (r *Registry) leaveLocked(memberID, room string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[memberID]; !ok {
		return false
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if joined := r.memberships[memberID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.memberships, memberID)
		}
	}
	return true
}

// Remove drops the member from every room.
func (r *Registry) Remove(member Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.memberships[member.ID()] {
		r.leaveLocked(member.ID(), room)
	}
	delete(r.memberships, member.ID())
}

// Members returns the members of the given rooms, each at most once, except those
// belonging to excludeDeviceID.
func (r *Registry) Members(excludeDeviceID string, rooms ...string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var members []Member
	for _, room := range rooms {
		for id, member := range r.rooms[room] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if excludeDeviceID != "" && member.DeviceID() == excludeDeviceID {
				continue
			}
			members = append(members, member)
		}
	}
	return members
}

// RoomsOf lists the rooms the member belongs to.
func (r *Registry) RoomsOf(member Member) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]string, 0, len(r.memberships[member.ID()]))
	for room := range r.memberships[member.ID()] {
		rooms = append(rooms, room)
	}
	return rooms
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
