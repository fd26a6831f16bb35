package session

import (
	"github.com/adityaadpandey/meshcall/internals/domain"
)

type EventType string

const (
	EventJoined              EventType = "joined"
	EventRoomFull            EventType = "room-full"
	EventLeft                EventType = "left"
	EventPeerJoined          EventType = "peer-joined"
	EventPeerLeft            EventType = "peer-left"
	EventPeerConnected       EventType = "peer-connected"
	EventPeerFailed          EventType = "peer-failed"
	EventReconnectGaveUp     EventType = "reconnect-gave-up"
	EventSpeaking            EventType = "speaking"
	EventStoppedSpeaking     EventType = "stopped-speaking"
	EventPresenterChanged    EventType = "presenter-changed"
	EventShareRequested      EventType = "share-requested"
	EventShareGranted        EventType = "share-granted"
	EventShareRequestExpired EventType = "share-request-expired"
	EventShareStarted        EventType = "share-started"
	EventShareStopped        EventType = "share-stopped"
	EventError               EventType = "error"
)

// Event is what the controller reports to the user interface. Peer is the
// subject of the event; for EventPresenterChanged a zero Peer means nobody
// presents.
type Event struct {
	Type  EventType
	Room  string
	Peer  domain.PeerID
	Name  string
	Peers []domain.PeerID
	Err   error
}

// SharePolicy decides whether the local presenter hands over to a requester.
type SharePolicy func(requester domain.PeerID, name string) bool

func AllowAll(domain.PeerID, string) bool { return true }

func DenyAll(domain.PeerID, string) bool { return false }
