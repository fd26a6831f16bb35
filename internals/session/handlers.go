package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/metrics"
	"github.com/adityaadpandey/meshcall/internals/peer"
	"github.com/adityaadpandey/meshcall/internals/signaling"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	maxOrphanCandidates = 64
	maxOrphanPeers      = 32
)

func (m *Manager) dispatch(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeWelcome:
		m.handleWelcome(msg)
	case signaling.MessageTypeAllUsers:
		m.handleAllUsers(msg)
	case signaling.MessageTypeRoomFull:
		m.handleRoomFull(msg)
	case signaling.MessageTypeUserJoin:
		m.handleUserJoined(msg)
	case signaling.MessageTypeAddPeers:
		m.handleAddPeers(msg)
	case signaling.MessageTypePeerLeft:
		m.handlePeerLeft(msg)
	case signaling.MessageTypeOffer:
		m.handleOffer(msg)
	case signaling.MessageTypeAnswer:
		m.handleAnswer(msg)
	case signaling.MessageTypeICECandidate:
		m.handleCandidate(msg)
	case signaling.MessageTypeReconnectWith:
		m.handleReconnectWith(msg)
	case signaling.MessageTypeUserSpeaking, signaling.MessageTypeUserStoppedSpeaking:
		m.handleSpeaking(msg)
	case signaling.MessageTypeSharePermissionRequest:
		m.handleSharePermissionRequest(msg)
	case signaling.MessageTypeShareTokenGranted:
		m.handleShareTokenGranted(msg)
	case signaling.MessageTypeCurrentPresenterUpdated:
		m.handlePresenterUpdated(msg)
	case signaling.MessageTypeError:
		m.handleError(msg)
	default:
		m.logger.Debug("Ignoring hub message", zap.String("type", string(msg.Type)))
	}
}

func decode[T any](m *Manager, msg signaling.Message) (T, bool) {
	v, err := signaling.Decode[T](msg)
	if err != nil {
		m.logger.Warn("Malformed hub message", zap.String("type", string(msg.Type)), zap.Error(err))
		return v, false
	}
	return v, true
}

func (m *Manager) handleWelcome(msg signaling.Message) {
	p, ok := decode[signaling.WelcomePayload](m, msg)
	if !ok || p.PeerID.IsZero() {
		return
	}
	m.mu.Lock()
	m.self = p.PeerID
	if len(p.ICEServers) > 0 {
		m.iceServers = append([]config.ICEServer(nil), p.ICEServers...)
	}
	m.mu.Unlock()

	m.welcomeOnce.Do(func() { close(m.welcomed) })
	m.logger.Info("Connected to hub", zap.String("peerID", p.PeerID.String()))
}

// handleAllUsers completes a join. The newcomer offers to every existing
// member; they answer. A reply to a join we already gave up on is undone
// with leave-room so the hub frees the slot.
func (m *Manager) handleAllUsers(msg signaling.Message) {
	p, ok := decode[signaling.AllUsersPayload](m, msg)
	if !ok {
		return
	}

	m.mu.Lock()
	result := m.joinResult
	if result == nil && m.room == "" {
		m.mu.Unlock()
		m.logger.Info("Leaving room joined after the join was abandoned", zap.String("room", p.RoomName))
		if err := m.sig.SendPayload(signaling.MessageTypeLeaveRoom, signaling.RoomPayload{RoomName: p.RoomName}); err != nil {
			m.logger.Warn("Failed to send leave-room", zap.Error(err))
		}
		return
	}
	m.room = p.RoomName
	m.mu.Unlock()

	for _, id := range p.Peers {
		m.connect(id)
	}

	if result != nil {
		select {
		case result <- nil:
		default:
		}
	}
	m.logger.Info("Joined room", zap.String("room", p.RoomName), zap.Int("peers", len(p.Peers)))
	m.emit(Event{Type: EventJoined, Room: p.RoomName, Peers: p.Peers})
}

func (m *Manager) handleRoomFull(msg signaling.Message) {
	p, _ := decode[signaling.RoomFullPayload](m, msg)

	m.mu.Lock()
	result := m.joinResult
	m.mu.Unlock()

	if result != nil {
		select {
		case result <- ErrRoomFull:
		default:
		}
	}
	m.emit(Event{Type: EventRoomFull, Room: p.RoomName})
}

// handleUserJoined only records the newcomer; its offer is on the way.
func (m *Manager) handleUserJoined(msg signaling.Message) {
	p, ok := decode[signaling.UserJoinedPayload](m, msg)
	if !ok || p.PeerID.IsZero() {
		return
	}
	m.mu.Lock()
	m.announced[p.PeerID] = time.Now()
	room := m.room
	m.mu.Unlock()

	m.emit(Event{Type: EventPeerJoined, Room: room, Peer: p.PeerID})
}

// handleAddPeers repairs our view with members the hub says we missed.
func (m *Manager) handleAddPeers(msg signaling.Message) {
	p, ok := decode[signaling.AddPeersPayload](m, msg)
	if !ok {
		return
	}
	for _, id := range p.Peers {
		m.logger.Info("Reconciling missing peer", zap.String("remote", id.String()))
		m.connect(id)
	}
}

func (m *Manager) handlePeerLeft(msg signaling.Message) {
	p, ok := decode[signaling.PeerLeftPayload](m, msg)
	if !ok || p.PeerID.IsZero() {
		return
	}

	m.mu.Lock()
	s := m.detachLocked(p.PeerID)
	delete(m.orphans, p.PeerID)
	delete(m.announced, p.PeerID)
	delete(m.attempts, p.PeerID)
	room := m.room
	m.mu.Unlock()

	closeSession(s)
	m.emit(Event{Type: EventPeerLeft, Room: room, Peer: p.PeerID})
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	err := json.Unmarshal(raw, &desc)
	return desc, err
}

// handleOffer applies the glare rules before answering.
func (m *Manager) handleOffer(msg signaling.Message) {
	p, ok := decode[signaling.SignalPayload](m, msg)
	if !ok || p.Sender.IsZero() {
		return
	}
	offer, err := decodeDescription(p.SDP)
	if err != nil {
		m.logger.Warn("Malformed offer", zap.String("remote", p.Sender.String()), zap.Error(err))
		return
	}
	remote := p.Sender

	m.mu.Lock()
	self := m.self
	existing := m.sessions[remote]
	m.mu.Unlock()

	if existing != nil && !m.shouldAnswer(self, remote, existing) {
		m.logger.Debug("Ignoring offer during glare", zap.String("remote", remote.String()))
		return
	}

	s, err := m.restart(remote)
	if err != nil {
		m.logger.Error("Failed to create session", zap.Error(err))
		m.emit(Event{Type: EventError, Peer: remote, Err: err})
		return
	}
	s.HandleOffer(offer)
}

// shouldAnswer decides whether an incoming offer replaces our session. When
// both sides are offering, the smaller id yields and answers.
func (m *Manager) shouldAnswer(self, remote domain.PeerID, existing *peer.Session) bool {
	switch existing.State() {
	case peer.StateIdle:
		return self.Less(remote)
	case peer.StateNegotiating:
		if existing.Role() == peer.RoleOfferer {
			return self.Less(remote)
		}
		return true
	default:
		return true
	}
}

func (m *Manager) handleAnswer(msg signaling.Message) {
	p, ok := decode[signaling.SignalPayload](m, msg)
	if !ok || p.Sender.IsZero() {
		return
	}
	answer, err := decodeDescription(p.SDP)
	if err != nil {
		m.logger.Warn("Malformed answer", zap.String("remote", p.Sender.String()), zap.Error(err))
		return
	}

	s, ok := m.Session(p.Sender)
	if !ok {
		m.logger.Debug("Answer for unknown session", zap.String("remote", p.Sender.String()))
		return
	}
	s.HandleAnswer(answer)
}

func (m *Manager) handleCandidate(msg signaling.Message) {
	p, ok := decode[signaling.SignalPayload](m, msg)
	if !ok || p.Sender.IsZero() {
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &c); err != nil {
		m.logger.Warn("Malformed candidate", zap.String("remote", p.Sender.String()), zap.Error(err))
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[p.Sender]
	if !ok {
		buffered := m.bufferOrphanLocked(p.Sender, c)
		m.mu.Unlock()
		if !buffered {
			m.logger.Debug("Dropping candidate for unknown peer", zap.String("remote", p.Sender.String()))
		}
		return
	}
	m.mu.Unlock()
	s.AddRemoteCandidate(c)
}

// bufferOrphanLocked keeps a candidate until a session for remote exists.
// Both the candidates per peer and the number of peers are bounded.
func (m *Manager) bufferOrphanLocked(remote domain.PeerID, c webrtc.ICECandidateInit) bool {
	pending, known := m.orphans[remote]
	if !known && len(m.orphans) >= maxOrphanPeers {
		return false
	}
	if len(pending) >= maxOrphanCandidates {
		return false
	}
	m.orphans[remote] = append(pending, c)
	metrics.CandidatesBufferedTotal.Inc()
	return true
}

// handleReconnectWith is the remote asking us to offer a fresh session. If
// we asked too, only the smaller id offers.
func (m *Manager) handleReconnectWith(msg signaling.Message) {
	p, ok := decode[signaling.ReconnectPayload](m, msg)
	if !ok || p.Target.IsZero() {
		return
	}
	remote := p.Target

	m.mu.Lock()
	self := m.self
	existing := m.sessions[remote]
	m.mu.Unlock()

	if existing != nil && awaitingReconnect(existing.State()) && !self.Less(remote) {
		m.logger.Debug("Both sides reconnecting, waiting for offer", zap.String("remote", remote.String()))
		return
	}

	s, err := m.restart(remote)
	if err != nil {
		m.logger.Error("Failed to create session", zap.Error(err))
		m.emit(Event{Type: EventError, Peer: remote, Err: err})
		return
	}
	s.StartOffer()
}

func awaitingReconnect(st peer.State) bool {
	return st == peer.StateFailed || st == peer.StateReconnecting
}

func (m *Manager) handleSpeaking(msg signaling.Message) {
	p, ok := decode[signaling.UserSpeakingPayload](m, msg)
	if !ok {
		return
	}
	ev := EventSpeaking
	if msg.Type == signaling.MessageTypeUserStoppedSpeaking {
		ev = EventStoppedSpeaking
	}
	m.emit(Event{Type: ev, Room: m.Room(), Peer: p.UserID})
}

func (m *Manager) handleError(msg signaling.Message) {
	p, _ := decode[signaling.ErrorPayload](m, msg)
	m.logger.Warn("Hub reported an error", zap.Int("code", p.Code), zap.String("message", p.Message))
	m.emit(Event{Type: EventError, Err: &HubError{Code: p.Code, Message: p.Message}})
}

// HubError is an error reply from the hub.
type HubError struct {
	Code    int
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub error %d: %s", e.Code, e.Message)
}
