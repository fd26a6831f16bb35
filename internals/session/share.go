package session

import (
	"context"
	"errors"
	"time"

	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/media"
	"github.com/adityaadpandey/meshcall/internals/signaling"
	"go.uber.org/zap"
)

var errNoMedia = errors.New("no local media controller")

// RequestShare asks the hub for the presenter token. The screen is captured
// only once the token arrives; a request nobody answers within
// ShareRequestTimeout expires and a late token is ignored.
func (m *Manager) RequestShare() error {
	if m.media == nil {
		return errNoMedia
	}
	if m.media.Sharing() {
		return ErrAlreadySharing
	}

	m.mu.Lock()
	if m.room == "" {
		m.mu.Unlock()
		return ErrNotJoined
	}
	room := m.room
	m.sharePend = true
	m.shareGen++
	gen := m.shareGen
	if m.shareTimer != nil {
		m.shareTimer.Stop()
	}
	if m.cfg.ShareRequestTimeout > 0 {
		m.shareTimer = time.AfterFunc(m.cfg.ShareRequestTimeout, func() { m.expireShareRequest(gen) })
	}
	m.mu.Unlock()

	return m.sig.SendPayload(signaling.MessageTypeShareRequest, signaling.ShareRequestPayload{
		RoomName:   room,
		SharerName: m.name,
	})
}

func (m *Manager) expireShareRequest(gen uint64) {
	m.mu.Lock()
	if !m.sharePend || m.shareGen != gen {
		m.mu.Unlock()
		return
	}
	m.sharePend = false
	m.shareTimer = nil
	room := m.room
	m.mu.Unlock()

	m.logger.Info("Screen share request expired", zap.String("room", room))
	m.emit(Event{Type: EventShareRequestExpired, Room: room})
}

// GrantShare hands the presenter token to requester. Only the current
// presenter's grant is honoured by the hub.
func (m *Manager) GrantShare(requester domain.PeerID) error {
	room := m.Room()
	if room == "" {
		return ErrNotJoined
	}
	return m.sig.SendPayload(signaling.MessageTypeSharePermissionGranted, signaling.SharePermissionGrantedPayload{
		RoomName: room,
		TargetID: requester,
	})
}

// StopShare restores the camera on every session and releases the token.
func (m *Manager) StopShare() error {
	if m.media == nil {
		return errNoMedia
	}
	room := m.Room()
	if room == "" {
		return ErrNotJoined
	}
	err := m.media.StopScreenShare(m.targets())
	if errors.Is(err, media.ErrNotSharing) {
		return err
	}
	if sendErr := m.sig.SendPayload(signaling.MessageTypeStoppedSharing, signaling.RoomPayload{RoomName: room}); sendErr != nil {
		err = errors.Join(err, sendErr)
	}
	m.emit(Event{Type: EventShareStopped, Room: room, Peer: m.Self()})
	return err
}

func (m *Manager) SetAudioEnabled(enabled bool) error {
	if m.media == nil {
		return errNoMedia
	}
	return m.media.SetAudioEnabled(enabled, m.targets())
}

func (m *Manager) SetVideoEnabled(enabled bool) error {
	if m.media == nil {
		return errNoMedia
	}
	return m.media.SetVideoEnabled(enabled, m.targets())
}

func (m *Manager) SwitchCamera(ctx context.Context) error {
	if m.media == nil {
		return errNoMedia
	}
	return m.media.SwitchCamera(ctx, m.targets())
}

// handleSharePermissionRequest reaches us while we present and someone else
// wants the token.
func (m *Manager) handleSharePermissionRequest(msg signaling.Message) {
	p, ok := decode[signaling.SharePermissionRequestPayload](m, msg)
	if !ok || p.RequesterID.IsZero() {
		return
	}
	m.emit(Event{Type: EventShareRequested, Room: m.Room(), Peer: p.RequesterID, Name: p.RequesterName})

	if m.policy == nil || !m.policy(p.RequesterID, p.RequesterName) {
		return
	}
	if err := m.GrantShare(p.RequesterID); err != nil {
		m.logger.Warn("Failed to grant screen share", zap.String("requester", p.RequesterID.String()), zap.Error(err))
	}
}

func (m *Manager) handleShareTokenGranted(msg signaling.Message) {
	p, ok := decode[signaling.ShareTokenGrantedPayload](m, msg)
	if !ok {
		return
	}

	m.mu.Lock()
	if !m.sharePend {
		m.mu.Unlock()
		m.logger.Debug("Ignoring share token without a pending request")
		return
	}
	m.sharePend = false
	if m.shareTimer != nil {
		m.shareTimer.Stop()
		m.shareTimer = nil
	}
	room := m.room
	m.mu.Unlock()

	m.emit(Event{Type: EventShareGranted, Room: room, Peer: p.GrantedBy})
	if m.media == nil {
		return
	}

	if err := m.media.StartScreenShare(m.ctx, m.targets()); err != nil {
		m.logger.Warn("Screen share did not start cleanly", zap.Error(err))
		m.emit(Event{Type: EventError, Room: room, Err: err})
		if !m.media.Sharing() {
			return
		}
	}
	if err := m.sig.SendPayload(signaling.MessageTypeStartedSharing, signaling.RoomPayload{RoomName: room}); err != nil {
		m.logger.Warn("Failed to send started-sharing", zap.Error(err))
	}
}

// handlePresenterUpdated applies the hub's presenter. When someone else took
// over while we were sharing, the local share is stopped.
func (m *Manager) handlePresenterUpdated(msg signaling.Message) {
	p, ok := decode[signaling.PresenterPayload](m, msg)
	if !ok {
		return
	}
	var presenter domain.PeerID
	if p.PresenterID != nil {
		presenter = *p.PresenterID
	}

	m.mu.Lock()
	m.presenter = presenter
	room, self := m.room, m.self
	m.mu.Unlock()

	m.emit(Event{Type: EventPresenterChanged, Room: room, Peer: presenter})

	if presenter == self && !self.IsZero() {
		m.emit(Event{Type: EventShareStarted, Room: room, Peer: self})
		return
	}
	if m.media == nil || !m.media.Sharing() {
		return
	}
	if err := m.media.StopScreenShare(m.targets()); err != nil && !errors.Is(err, media.ErrNotSharing) {
		m.logger.Warn("Failed to restore camera", zap.Error(err))
	}
	m.logger.Info("Presenter moved on, stopped local screen share", zap.String("presenter", presenter.String()))
	m.emit(Event{Type: EventShareStopped, Room: room, Peer: self})
}
