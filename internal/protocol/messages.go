package protocol

import (
	"github.com/electr1fy0/tandem/internal/crud"
)

// InitState is the payload delivered to a connection right after it joins.
// The channel's sequence number at snapshot time rides on the envelope.
type InitState struct {
	State  crud.State `json:"state"`
	Locked bool       `json:"locked"`
	Users  []User     `json:"users"`
}

// UserList is the payload of a user-list presence event.
type UserList struct {
	Users []User `json:"users"`
}

// UserJoined is the payload of a user-joined presence event.
type UserJoined struct {
	User User `json:"user"`
}

// Presence reports whether frames of this type carry authoritative state and
// must never be dropped by ordering heuristics.
func Presence(typ string) bool {
	switch typ {
	case TypeInitState, TypeUserList, TypeUserJoined, TypeError, TypePong:
		return true
	}
	return false
}
