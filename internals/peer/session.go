package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/metrics"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Options struct {
	// DisconnectGrace is how long a disconnected transport may take to
	// recover before the session fails. Zero fails immediately.
	DisconnectGrace time.Duration
	// NegotiationTimeout fails a session stuck negotiating. Zero disables it.
	NegotiationTimeout time.Duration
}

// Handlers are invoked from the session's worker, never with session locks
// held. OnStateChange is also invoked by Close on the caller's goroutine.
type Handlers struct {
	OnLocalDescription func(s *Session, desc webrtc.SessionDescription)
	OnLocalCandidate   func(s *Session, candidate webrtc.ICECandidateInit)
	OnStateChange      func(s *Session, from, to State)
	OnRemoteTrack      func(s *Session, track RemoteTrack)
	OnError            func(s *Session, err error)
}

// Session is the media connection state for one remote peer. All negotiation
// steps run in order on the session's own worker goroutine.
type Session struct {
	remote    domain.PeerID
	transport Transport
	opts      Options
	handlers  Handlers
	logger    *zap.Logger
	ops       *opQueue

	mu             sync.Mutex
	state          State
	role           Role
	graceTimer     *time.Timer
	graceGen       uint64
	negotiationTmr *time.Timer
	negotiationGen uint64

	// owned by the worker
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
}

func NewSession(remote domain.PeerID, transport Transport, opts Options, handlers Handlers, logger *zap.Logger) *Session {
	s := &Session{
		remote:    remote,
		transport: transport,
		opts:      opts,
		handlers:  handlers,
		logger:    logger.With(zap.String("remote", remote.String())),
		ops:       newOpQueue(),
		state:     StateIdle,
	}

	// Candidates go through the worker so they are emitted after the
	// description that produced them.
	transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.ops.push(func() { s.emitCandidate(c) })
	})
	transport.OnStateChange(func(st webrtc.PeerConnectionState) {
		s.ops.push(func() { s.handleTransportState(st) })
	})
	if handlers.OnRemoteTrack != nil {
		transport.OnRemoteTrack(func(t RemoteTrack) { handlers.OnRemoteTrack(s, t) })
	}

	go s.ops.run(s.shutdown)
	return s
}

func (s *Session) Remote() domain.PeerID {
	return s.remote
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// StartOffer moves an idle session to Negotiating as the offerer and emits
// the local offer.
func (s *Session) StartOffer() error {
	return s.submit(func() {
		if st := s.State(); st != StateIdle {
			s.logger.Debug("Ignoring offer start", zap.Stringer("state", st))
			return
		}
		s.transition(StateNegotiating, RoleOfferer)

		offer, err := s.transport.CreateOffer()
		if err != nil {
			s.abort(fmt.Errorf("create offer: %w", err))
			return
		}
		s.emitDescription(offer)
	})
}

// HandleOffer answers a remote offer on an idle session.
func (s *Session) HandleOffer(offer webrtc.SessionDescription) error {
	return s.submit(func() {
		if st := s.State(); st != StateIdle {
			s.logger.Debug("Ignoring offer", zap.Stringer("state", st))
			return
		}
		s.transition(StateNegotiating, RoleAnswerer)

		if err := s.applyRemoteDescription(offer); err != nil {
			s.abort(fmt.Errorf("apply offer: %w", err))
			return
		}
		answer, err := s.transport.CreateAnswer()
		if err != nil {
			s.abort(fmt.Errorf("create answer: %w", err))
			return
		}
		s.emitDescription(answer)
	})
}

// HandleAnswer applies the answer to our offer. Answers that do not match an
// outstanding offer are dropped.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	return s.submit(func() {
		if s.State() != StateNegotiating || s.Role() != RoleOfferer || s.remoteDescSet {
			s.logger.Debug("Ignoring unexpected answer")
			return
		}
		if err := s.applyRemoteDescription(answer); err != nil {
			s.abort(fmt.Errorf("apply answer: %w", err))
		}
	})
}

// AddRemoteCandidate applies a candidate, or holds it until the remote
// description is known.
func (s *Session) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	return s.submit(func() {
		if !s.remoteDescSet {
			s.pending = append(s.pending, candidate)
			metrics.CandidatesBufferedTotal.Inc()
			return
		}
		if err := s.transport.AddICECandidate(candidate); err != nil {
			s.logger.Warn("Failed to add ICE candidate", zap.Error(err))
		}
	})
}

// MarkReconnecting records that a reconnect was requested for a failed session.
func (s *Session) MarkReconnecting() error {
	return s.submit(func() {
		if s.State() == StateFailed {
			s.transition(StateReconnecting, s.Role())
		}
	})
}

// ReplaceTrack swaps the outbound track of one kind. A nil track sends nothing
// but keeps the sender.
func (s *Session) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	return s.transport.ReplaceTrack(kind, track)
}

// Quality reports receive stats when the transport supports it.
func (s *Session) Quality() (ConnectionQuality, bool) {
	if r, ok := s.transport.(QualityReporter); ok {
		return r.Quality(), true
	}
	return ConnectionQuality{}, false
}

// Sync waits until every operation submitted before it has run.
func (s *Session) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := s.submit(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.ops.done:
		select {
		case <-done:
			return nil
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is idempotent and does not wait for the transport to shut down.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateClosed
	s.stopGraceLocked()
	s.stopNegotiationTimerLocked()
	s.mu.Unlock()

	s.ops.close()
	s.notifyState(from, StateClosed)
}

func (s *Session) submit(op func()) error {
	if !s.ops.push(op) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) shutdown() {
	if err := s.transport.Close(); err != nil {
		s.logger.Debug("Transport close failed", zap.Error(err))
	}
}

func (s *Session) abort(err error) {
	s.logger.Warn("Negotiation failed, closing session", zap.Error(err))
	if s.handlers.OnError != nil {
		s.handlers.OnError(s, err)
	}
	s.Close()
}

func (s *Session) applyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteDescSet = true

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.transport.AddICECandidate(c); err != nil {
			s.logger.Warn("Failed to add queued ICE candidate", zap.Error(err))
		}
	}
	return nil
}

func (s *Session) emitDescription(desc webrtc.SessionDescription) {
	if s.State() == StateClosed {
		return
	}
	if s.handlers.OnLocalDescription != nil {
		s.handlers.OnLocalDescription(s, desc)
	}
}

func (s *Session) emitCandidate(c webrtc.ICECandidateInit) {
	if s.State() == StateClosed {
		return
	}
	if s.handlers.OnLocalCandidate != nil {
		s.handlers.OnLocalCandidate(s, c)
	}
}

func (s *Session) handleTransportState(st webrtc.PeerConnectionState) {
	s.logger.Debug("Transport state changed", zap.String("state", st.String()))

	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		s.stopGraceLocked()
		current := s.state
		s.mu.Unlock()
		if current == StateNegotiating {
			s.transition(StateConnected, s.Role())
		}

	case webrtc.PeerConnectionStateDisconnected:
		if s.State() != StateConnected {
			return
		}
		if s.opts.DisconnectGrace <= 0 {
			s.transition(StateFailed, s.Role())
			return
		}
		s.armGrace()

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if st := s.State(); st == StateNegotiating || st == StateConnected {
			s.transition(StateFailed, s.Role())
		}
	}
}

func (s *Session) armGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		return
	}
	s.graceGen++
	gen := s.graceGen
	s.graceTimer = time.AfterFunc(s.opts.DisconnectGrace, func() {
		s.ops.push(func() {
			s.mu.Lock()
			stale := gen != s.graceGen || s.state != StateConnected
			s.graceTimer = nil
			s.mu.Unlock()
			if stale {
				return
			}
			s.logger.Info("Transport stayed disconnected")
			s.transition(StateFailed, s.Role())
		})
	})
}

func (s *Session) stopGraceLocked() {
	s.graceGen++
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *Session) armNegotiationTimerLocked() {
	s.negotiationGen++
	if s.opts.NegotiationTimeout <= 0 {
		return
	}
	gen := s.negotiationGen
	s.negotiationTmr = time.AfterFunc(s.opts.NegotiationTimeout, func() {
		s.ops.push(func() {
			s.mu.Lock()
			stale := gen != s.negotiationGen || s.state != StateNegotiating
			s.mu.Unlock()
			if stale {
				return
			}
			s.logger.Warn("Negotiation timed out")
			s.transition(StateFailed, s.Role())
		})
	})
}

func (s *Session) stopNegotiationTimerLocked() {
	s.negotiationGen++
	if s.negotiationTmr != nil {
		s.negotiationTmr.Stop()
		s.negotiationTmr = nil
	}
}

func (s *Session) transition(to State, role Role) {
	s.mu.Lock()
	from := s.state
	if from == StateClosed || from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.role = role
	if from == StateNegotiating {
		s.stopNegotiationTimerLocked()
	}
	if to == StateNegotiating {
		s.armNegotiationTimerLocked()
	}
	if to != StateConnected {
		s.stopGraceLocked()
	}
	s.mu.Unlock()

	s.notifyState(from, to)
}

func (s *Session) notifyState(from, to State) {
	metrics.RecordSessionState(to.String())
	s.logger.Debug("Session state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(s, from, to)
	}
}
