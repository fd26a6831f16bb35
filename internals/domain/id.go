package domain

import "github.com/google/uuid"

// PeerID identifies one signaling connection for its lifetime. It is minted by
// the hub and never reused.
type PeerID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func (id PeerID) String() string {
	return string(id)
}

func (id PeerID) IsZero() bool {
	return id == ""
}

// Less orders ids lexicographically. Whenever two peers race for the same
// role, the smaller id is the one that yields.
func (id PeerID) Less(other PeerID) bool {
	return id < other
}

// PeerIDs converts a slice of raw strings, skipping empty entries.
func PeerIDs(raw []string) []PeerID {
	out := make([]PeerID, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		out = append(out, PeerID(s))
	}
	return out
}
