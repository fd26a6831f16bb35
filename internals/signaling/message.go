package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
)

type MessageType string

const (
	// Session setup
	MessageTypeWelcome   MessageType = "welcome"
	MessageTypeJoinRoom  MessageType = "join-room"
	MessageTypeLeaveRoom MessageType = "leave-room"
	MessageTypeAllUsers  MessageType = "all-users"
	MessageTypeUserJoin  MessageType = "user-joined"
	MessageTypeRoomFull  MessageType = "room-full"
	MessageTypePeerLeft  MessageType = "peer-left"

	// Relayed negotiation
	MessageTypeOffer            MessageType = "offer"
	MessageTypeAnswer           MessageType = "answer"
	MessageTypeICECandidate     MessageType = "ice-candidate"
	MessageTypeReconnectRequest MessageType = "reconnect-request"
	MessageTypeReconnectWith    MessageType = "reconnect-with"

	// Reconciliation
	MessageTypeSyncRoom MessageType = "sync-room"
	MessageTypeAddPeers MessageType = "add-peers"

	// Activity
	MessageTypeSpeaking            MessageType = "speaking"
	MessageTypeStoppedSpeaking     MessageType = "stopped-speaking"
	MessageTypeUserSpeaking        MessageType = "user-speaking"
	MessageTypeUserStoppedSpeaking MessageType = "user-stopped-speaking"

	// Presenter arbitration
	MessageTypeShareRequest            MessageType = "screen-share-request"
	MessageTypeSharePermissionRequest  MessageType = "screen-share-permission-request"
	MessageTypeSharePermissionGranted  MessageType = "screen-share-permission-granted"
	MessageTypeShareTokenGranted       MessageType = "screen-share-token-granted"
	MessageTypeStartedSharing          MessageType = "started-sharing"
	MessageTypeStoppedSharing          MessageType = "stopped-sharing"
	MessageTypeCurrentPresenterUpdated MessageType = "current-presenter-updated"

	MessageTypeError MessageType = "error"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
)

// Message is the envelope carried on every websocket frame. From and To are
// routing metadata filled by the hub; clients never need to set them.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	From      domain.PeerID   `json:"from,omitempty"`
	To        domain.PeerID   `json:"to,omitempty"`
}

type WelcomePayload struct {
	PeerID       domain.PeerID      `json:"peerId"`
	ICEServers   []config.ICEServer `json:"iceServers"`
	RoomCapacity int                `json:"roomCapacity"`
}

type JoinRoomPayload struct {
	RoomName string `json:"roomName"`
}

type AllUsersPayload struct {
	RoomName string          `json:"roomName"`
	Peers    []domain.PeerID `json:"peers"`
}

type UserJoinedPayload struct {
	PeerID domain.PeerID `json:"peerId"`
}

type RoomFullPayload struct {
	RoomName string `json:"roomName"`
	Capacity int    `json:"capacity"`
}

type PeerLeftPayload struct {
	PeerID domain.PeerID `json:"peerId"`
}

// SignalPayload carries offers, answers and candidates. SDP and Candidate stay
// opaque to the hub.
type SignalPayload struct {
	Target    domain.PeerID   `json:"target,omitempty"`
	Sender    domain.PeerID   `json:"sender,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type ReconnectPayload struct {
	Target domain.PeerID `json:"target"`
}

type SyncRoomPayload struct {
	RoomName   string          `json:"roomName"`
	KnownPeers []domain.PeerID `json:"knownPeers"`
}

type AddPeersPayload struct {
	Peers []domain.PeerID `json:"peers"`
}

type RoomPayload struct {
	RoomName string `json:"roomName"`
}

type UserSpeakingPayload struct {
	UserID domain.PeerID `json:"userId"`
}

type ShareRequestPayload struct {
	RoomName   string `json:"roomName"`
	SharerName string `json:"sharerName"`
}

type SharePermissionRequestPayload struct {
	RequesterID   domain.PeerID `json:"requesterId"`
	RequesterName string        `json:"requesterName"`
}

type SharePermissionGrantedPayload struct {
	RoomName string        `json:"roomName"`
	TargetID domain.PeerID `json:"targetId"`
}

// ShareTokenGrantedPayload has an empty GrantedBy when the room had no
// presenter to ask.
type ShareTokenGrantedPayload struct {
	GrantedBy domain.PeerID `json:"grantedBy"`
}

// PresenterPayload encodes a cleared presenter as JSON null.
type PresenterPayload struct {
	PresenterID *domain.PeerID `json:"presenterId"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now()}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Data = data
	return msg, nil
}

// Decode unmarshals the message data into T. Browser clients sometimes send
// the payload double-encoded as a JSON string, so that form is accepted too.
func Decode[T any](msg Message) (T, error) {
	var out T
	if len(msg.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		var inner string
		if err2 := json.Unmarshal(msg.Data, &inner); err2 != nil {
			return out, fmt.Errorf("not valid JSON: %w", err)
		}
		if err3 := json.Unmarshal([]byte(inner), &out); err3 != nil {
			return out, fmt.Errorf("invalid inner JSON: %w", err3)
		}
	}
	return out, nil
}

func PresenterOf(id domain.PeerID) PresenterPayload {
	if id.IsZero() {
		return PresenterPayload{}
	}
	return PresenterPayload{PresenterID: &id}
}
