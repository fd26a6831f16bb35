package hub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/metrics"
	"github.com/adityaadpandey/meshcall/internals/room"
	"github.com/adityaadpandey/meshcall/internals/signaling"
	"go.uber.org/zap"
)

var safeRoomPattern = regexp.MustCompile(`^[\p{L}\p{N}_\-\. ]+$`)

const leaveTimeout = 5 * time.Second

func (s *Server) handleSignalingMessage(client *signaling.Client, message signaling.Message) {
	metrics.RecordReceived(string(message.Type))

	if !s.getClientRateLimiter(client.ID, isRelay(message.Type)).Allow() {
		metrics.RateLimitedTotal.Inc()
		client.SendError(429, "Rate limit exceeded")
		return
	}

	switch message.Type {
	case signaling.MessageTypeJoinRoom:
		s.handleJoinRoom(client, message)
	case signaling.MessageTypeLeaveRoom:
		s.leaveRoom(client)
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeICECandidate:
		s.handleRelay(client, message)
	case signaling.MessageTypeReconnectRequest:
		s.handleReconnectRequest(client, message)
	case signaling.MessageTypeSyncRoom:
		s.handleSyncRoom(client, message)
	case signaling.MessageTypeSpeaking:
		s.broadcastActivity(client, signaling.MessageTypeUserSpeaking)
	case signaling.MessageTypeStoppedSpeaking:
		s.broadcastActivity(client, signaling.MessageTypeUserStoppedSpeaking)
	case signaling.MessageTypeShareRequest:
		s.handleShareRequest(client, message)
	case signaling.MessageTypeSharePermissionGranted:
		s.handleSharePermissionGranted(client, message)
	case signaling.MessageTypeStartedSharing:
		s.handleStartedSharing(client)
	case signaling.MessageTypeStoppedSharing:
		s.handleStoppedSharing(client)
	case signaling.MessageTypePing, signaling.MessageTypePong:
		// no-op
	default:
		s.logger.Debug("Unknown message type", zap.String("type", string(message.Type)))
	}
}

func isRelay(t signaling.MessageType) bool {
	switch t {
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeICECandidate:
		return true
	}
	return false
}

func (s *Server) validateRoomName(name string) error {
	if name == "" {
		return errors.New("roomName is required")
	}
	if utf8.RuneCountInString(name) > s.config.Room.MaxNameLength {
		return fmt.Errorf("roomName exceeds maximum length of %d", s.config.Room.MaxNameLength)
	}
	if !safeRoomPattern.MatchString(name) {
		return errors.New("roomName contains invalid characters")
	}
	return nil
}

func (s *Server) handleJoinRoom(client *signaling.Client, message signaling.Message) {
	payload, err := signaling.Decode[signaling.JoinRoomPayload](message)
	if err != nil {
		client.SendError(400, "Invalid join-room payload")
		return
	}
	name := payload.RoomName
	if err := s.validateRoomName(name); err != nil {
		client.SendError(400, err.Error())
		return
	}

	// One room per connection. The old room is left only once the new one
	// has admitted the peer, so a rejected join changes nothing.
	previous := client.RoomName()
	if !s.joinRoom(client, name) || previous == "" || previous == name {
		return
	}
	s.leave(client, previous)
}

// joinRoom admits client to name under the room lock and reports whether it
// is now a member.
func (s *Server) joinRoom(client *signaling.Client, name string) bool {
	unlock := s.locks.Lock(name)
	defer unlock()

	if err := s.checkRoomLimit(name); err != nil {
		client.SendError(503, err.Error())
		return false
	}

	res, err := s.store.Join(s.ctx, name, client.ID, s.config.Room.Capacity)
	if len(res.Expired) > 0 {
		remaining := res.Existing
		if err != nil {
			remaining, _ = s.store.Members(s.ctx, name)
		}
		s.announceExpired(name, res.Expired, res.ExpiredPresenter, remaining)
	}
	if errors.Is(err, room.ErrRoomFull) {
		metrics.RoomFullTotal.Inc()
		client.SendPayload(signaling.MessageTypeRoomFull, signaling.RoomFullPayload{
			RoomName: name,
			Capacity: s.config.Room.Capacity,
		})
		s.logger.Info("Room full, join rejected",
			zap.String("room", name),
			zap.String("peerID", client.ID.String()),
		)
		return false
	}
	if err != nil {
		s.logger.Error("Join failed", zap.String("room", name), zap.Error(err))
		client.SendError(500, "Join failed")
		return false
	}

	client.SetRoomName(name)
	s.subscribeRoom(name)

	client.SendPayload(signaling.MessageTypeAllUsers, signaling.AllUsersPayload{
		RoomName: name,
		Peers:    res.Existing,
	})

	if res.AlreadyMember {
		return true
	}

	joined, err := signaling.NewMessage(signaling.MessageTypeUserJoin, signaling.UserJoinedPayload{PeerID: client.ID})
	if err == nil {
		for _, member := range res.Existing {
			s.deliver(name, member, joined)
		}
	}

	s.updateRoomMetrics()
	s.logger.Info("Peer joined room",
		zap.String("room", name),
		zap.String("peerID", client.ID.String()),
		zap.Int("members", len(res.Existing)+1),
	)
	return true
}

func (s *Server) checkRoomLimit(name string) error {
	if s.config.Room.MaxRooms <= 0 {
		return nil
	}
	members, err := s.store.Members(s.ctx, name)
	if err != nil || len(members) > 0 {
		return nil
	}
	count, err := s.store.Count(s.ctx)
	if err != nil {
		return nil
	}
	if count >= s.config.Room.MaxRooms {
		return errors.New("room limit reached")
	}
	return nil
}

// handleRelay forwards offers, answers and candidates to their target with
// the sender stamped from the connection identity.
func (s *Server) handleRelay(client *signaling.Client, message signaling.Message) {
	payload, err := signaling.Decode[signaling.SignalPayload](message)
	if err != nil || payload.Target.IsZero() {
		client.SendError(400, fmt.Sprintf("Invalid %s payload", message.Type))
		return
	}

	target := payload.Target
	payload.Sender = client.ID
	payload.Target = ""

	out, err := signaling.NewMessage(message.Type, payload)
	if err != nil {
		return
	}
	out.From = client.ID
	s.relay(client, target, out)
}

func (s *Server) handleReconnectRequest(client *signaling.Client, message signaling.Message) {
	payload, err := signaling.Decode[signaling.ReconnectPayload](message)
	if err != nil || payload.Target.IsZero() {
		client.SendError(400, "Invalid reconnect-request payload")
		return
	}

	out, err := signaling.NewMessage(signaling.MessageTypeReconnectWith, signaling.ReconnectPayload{Target: client.ID})
	if err != nil {
		return
	}
	out.From = client.ID
	s.relay(client, payload.Target, out)
}

func (s *Server) relay(client *signaling.Client, target domain.PeerID, out signaling.Message) {
	delivered := s.deliver(client.RoomName(), target, out)
	metrics.RecordRelay(string(out.Type), delivered)
	if !delivered {
		s.logger.Debug("Relay target not connected, dropping",
			zap.String("type", string(out.Type)),
			zap.String("from", client.ID.String()),
			zap.String("target", target.String()),
		)
	}
}

// handleSyncRoom answers with the members the requester does not know about.
// An empty difference produces no reply.
func (s *Server) handleSyncRoom(client *signaling.Client, message signaling.Message) {
	payload, err := signaling.Decode[signaling.SyncRoomPayload](message)
	if err != nil {
		client.SendError(400, "Invalid sync-room payload")
		return
	}
	name := payload.RoomName
	if name == "" {
		name = client.RoomName()
	}
	if name == "" || name != client.RoomName() {
		return
	}

	unlock := s.locks.Lock(name)
	members, err := s.store.Members(s.ctx, name)
	unlock()
	if err != nil {
		s.logger.Warn("Sync failed", zap.String("room", name), zap.Error(err))
		return
	}

	missing := room.Missing(members, payload.KnownPeers, client.ID)
	if len(missing) == 0 {
		return
	}

	metrics.ReconcileRepairsTotal.Inc()
	client.SendPayload(signaling.MessageTypeAddPeers, signaling.AddPeersPayload{Peers: missing})
	s.logger.Debug("Reconciled room view",
		zap.String("room", name),
		zap.String("peerID", client.ID.String()),
		zap.Int("missing", len(missing)),
	)
}

func (s *Server) broadcastActivity(client *signaling.Client, t signaling.MessageType) {
	name := client.RoomName()
	if name == "" {
		return
	}
	members, err := s.store.Members(s.ctx, name)
	if err != nil {
		return
	}
	msg, err := signaling.NewMessage(t, signaling.UserSpeakingPayload{UserID: client.ID})
	if err != nil {
		return
	}
	msg.From = client.ID
	s.broadcast(name, members, msg, client.ID)
}

func (s *Server) handleShareRequest(client *signaling.Client, message signaling.Message) {
	payload, err := signaling.Decode[signaling.ShareRequestPayload](message)
	if err != nil {
		client.SendError(400, "Invalid screen-share-request payload")
		return
	}
	name := client.RoomName()
	if name == "" {
		return
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	presenter, err := s.store.Presenter(s.ctx, name)
	if err != nil {
		s.logger.Warn("Presenter lookup failed", zap.String("room", name), zap.Error(err))
		return
	}

	// Nobody to ask: the token is granted straight away.
	if presenter.IsZero() || presenter == client.ID {
		client.SendPayload(signaling.MessageTypeShareTokenGranted, signaling.ShareTokenGrantedPayload{GrantedBy: presenter})
		return
	}

	out, err := signaling.NewMessage(signaling.MessageTypeSharePermissionRequest, signaling.SharePermissionRequestPayload{
		RequesterID:   client.ID,
		RequesterName: payload.SharerName,
	})
	if err != nil {
		return
	}
	out.From = client.ID
	s.deliver(name, presenter, out)
}

// handleSharePermissionGranted turns the incumbent's grant into a one-shot
// token for the requester. Grants from anyone but the presenter are dropped.
func (s *Server) handleSharePermissionGranted(client *signaling.Client, message signaling.Message) {
	payload, err := signaling.Decode[signaling.SharePermissionGrantedPayload](message)
	if err != nil || payload.TargetID.IsZero() {
		client.SendError(400, "Invalid screen-share-permission-granted payload")
		return
	}
	name := client.RoomName()
	if name == "" {
		return
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	presenter, err := s.store.Presenter(s.ctx, name)
	if err != nil || presenter != client.ID {
		s.logger.Debug("Ignoring grant from non-presenter",
			zap.String("room", name),
			zap.String("peerID", client.ID.String()),
		)
		return
	}
	members, err := s.store.Members(s.ctx, name)
	if err != nil || !contains(members, payload.TargetID) {
		return
	}

	out, err := signaling.NewMessage(signaling.MessageTypeShareTokenGranted, signaling.ShareTokenGrantedPayload{GrantedBy: client.ID})
	if err != nil {
		return
	}
	out.From = client.ID
	s.deliver(name, payload.TargetID, out)
}

// handleStartedSharing makes the sender the presenter. Concurrent starts are
// last-writer-wins in the order the room lock admits them.
func (s *Server) handleStartedSharing(client *signaling.Client) {
	name := client.RoomName()
	if name == "" {
		return
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	members, err := s.store.Members(s.ctx, name)
	if err != nil || !contains(members, client.ID) {
		return
	}
	if err := s.store.SetPresenter(s.ctx, name, client.ID); err != nil {
		s.logger.Warn("Failed to set presenter", zap.String("room", name), zap.Error(err))
		return
	}
	metrics.RecordPresenter(true)
	s.announcePresenter(name, members, client.ID)
}

func (s *Server) handleStoppedSharing(client *signaling.Client) {
	name := client.RoomName()
	if name == "" {
		return
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	cleared, err := s.store.ClearPresenter(s.ctx, name, client.ID)
	if err != nil || !cleared {
		return
	}
	members, err := s.store.Members(s.ctx, name)
	if err != nil {
		return
	}
	metrics.RecordPresenter(false)
	s.announcePresenter(name, members, "")
}

func (s *Server) announcePresenter(name string, members []domain.PeerID, presenter domain.PeerID) {
	msg, err := signaling.NewMessage(signaling.MessageTypeCurrentPresenterUpdated, signaling.PresenterOf(presenter))
	if err != nil {
		return
	}
	s.broadcast(name, members, msg, "")
}

// leaveRoom removes the client from its room and tells the remaining members.
// The notification stays inside the departing peer's room.
func (s *Server) leaveRoom(client *signaling.Client) {
	if name := client.RoomName(); name != "" {
		s.leave(client, name)
	}
}

// leave runs on its own context so departures still reach a shared store
// while the server shuts down.
func (s *Server) leave(client *signaling.Client, name string) {
	unlock := s.locks.Lock(name)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	res, err := s.store.Leave(ctx, name, client.ID)
	if client.RoomName() == name {
		client.SetRoomName("")
	}
	if err != nil {
		s.logger.Error("Leave failed", zap.String("room", name), zap.Error(err))
		return
	}

	if res.WasPresenter {
		metrics.RecordPresenter(false)
		s.announcePresenter(name, res.Remaining, "")
	}
	if res.WasMember {
		s.announceLeft(name, client.ID, res.Remaining)
	}

	s.unsubscribeRoomIfIdle(name)
	s.updateRoomMetrics()
	s.logger.Info("Peer left room",
		zap.String("room", name),
		zap.String("peerID", client.ID.String()),
		zap.Int("remaining", len(res.Remaining)),
	)
}

func (s *Server) announceLeft(name string, id domain.PeerID, remaining []domain.PeerID) {
	left, err := signaling.NewMessage(signaling.MessageTypePeerLeft, signaling.PeerLeftPayload{PeerID: id})
	if err == nil {
		s.broadcast(name, remaining, left, id)
	}
}

// announceExpired tells the remaining members about peers whose hub instance
// died without removing them.
func (s *Server) announceExpired(name string, expired []domain.PeerID, wasPresenter bool, remaining []domain.PeerID) {
	if wasPresenter {
		metrics.RecordPresenter(false)
		s.announcePresenter(name, remaining, "")
	}
	for _, id := range expired {
		s.announceLeft(name, id, remaining)
	}
	s.logger.Info("Expired stale members",
		zap.String("room", name),
		zap.Int("expired", len(expired)),
	)
}

func (s *Server) handleClientDisconnect(client *signaling.Client) {
	s.leaveRoom(client)
	s.removeClientRateLimiter(client.ID)
	s.clients.UnregisterClient(client)
	metrics.ConnectionsActive.Dec()

	s.logger.Info("Peer disconnected", zap.String("peerID", client.ID.String()))
}

// deliver sends to a local connection, or through Redis when the target may
// live on another instance. It reports whether the message was handed off.
func (s *Server) deliver(roomName string, target domain.PeerID, msg signaling.Message) bool {
	if s.clients.SendTo(target, msg) {
		return true
	}
	if s.pubsub == nil || roomName == "" {
		return false
	}
	if _, local := s.clients.GetClient(target); local {
		return false
	}
	msg.To = target
	return s.pubsub.PublishToRoom(roomName, msg) == nil
}

func (s *Server) broadcast(roomName string, members []domain.PeerID, msg signaling.Message, exclude domain.PeerID) {
	for _, member := range members {
		if member == exclude {
			continue
		}
		s.deliver(roomName, member, msg)
	}
}

func (s *Server) subscribeRoom(name string) {
	if s.pubsub == nil {
		return
	}
	if err := s.pubsub.SubscribeToRoom(name); err != nil {
		s.logger.Warn("Failed to subscribe to room channel", zap.String("room", name), zap.Error(err))
	}
}

func (s *Server) unsubscribeRoomIfIdle(name string) {
	if s.pubsub == nil {
		return
	}
	if len(s.clients.GetClientsByRoom(name)) == 0 {
		s.pubsub.UnsubscribeFromRoom(name)
	}
}

func (s *Server) updateRoomMetrics() {
	infos, err := s.store.List(s.ctx)
	if err != nil {
		return
	}
	members := 0
	for _, info := range infos {
		members += len(info.Members)
	}
	metrics.RoomsActive.Set(float64(len(infos)))
	metrics.RoomMembers.Set(float64(members))
}

func contains(ids []domain.PeerID, id domain.PeerID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
