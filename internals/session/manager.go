package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/media"
	"github.com/adityaadpandey/meshcall/internals/metrics"
	"github.com/adityaadpandey/meshcall/internals/peer"
	"github.com/adityaadpandey/meshcall/internals/signaling"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrRoomFull       = errors.New("room is full")
	ErrNotJoined      = errors.New("not in a room")
	ErrAlreadyJoined  = errors.New("already in a room")
	ErrJoinTimeout    = errors.New("join timed out")
	ErrManagerClosed  = errors.New("session manager closed")
	ErrAlreadySharing = errors.New("already sharing the screen")
)

// Signaler is the hub connection. *signaling.Conn satisfies it.
type Signaler interface {
	SendPayload(t signaling.MessageType, payload any) error
	Incoming() <-chan signaling.Message
	Close() error
}

type Options struct {
	Config      config.ClientConfig
	Factory     peer.TransportFactory
	Media       *media.Controller
	DisplayName string
	// Policy answers share requests while we present. Nil leaves the
	// decision to the caller through GrantShare.
	Policy SharePolicy
	Logger *zap.Logger

	// OnEvent may be called from several goroutines.
	OnEvent func(Event)
	// OnRemoteTrack takes over reading inbound media. When nil, tracks are
	// drained into per-peer receive stats.
	OnRemoteTrack func(remote domain.PeerID, track peer.RemoteTrack)
}

// Manager is the client side of a mesh call: one peer.Session per remote
// member, driven by hub messages.
type Manager struct {
	cfg     config.ClientConfig
	sig     Signaler
	factory peer.TransportFactory
	media   *media.Controller
	name    string
	policy  SharePolicy
	logger  *zap.Logger

	onEvent       func(Event)
	onRemoteTrack func(domain.PeerID, peer.RemoteTrack)
	detector      *media.SpeakingDetector

	ctx    context.Context
	cancel context.CancelFunc

	welcomed    chan struct{}
	welcomeOnce sync.Once

	mu         sync.Mutex
	self       domain.PeerID
	iceServers []config.ICEServer
	room       string
	joining    bool
	joinResult chan error
	sessions   map[domain.PeerID]*peer.Session
	orphans    map[domain.PeerID][]webrtc.ICECandidateInit
	announced  map[domain.PeerID]time.Time
	attempts   map[domain.PeerID]int
	retries    map[domain.PeerID]*time.Timer
	stats      map[domain.PeerID][]*media.StatsRecorder
	presenter  domain.PeerID
	sharePend  bool
	shareTimer *time.Timer
	shareGen   uint64
	closed     bool
}

func NewManager(sig Signaler, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg.SyncInterval <= 0 {
		cfg = config.DefaultClientConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:           cfg,
		sig:           sig,
		factory:       opts.Factory,
		media:         opts.Media,
		name:          opts.DisplayName,
		policy:        opts.Policy,
		logger:        logger,
		onEvent:       opts.OnEvent,
		onRemoteTrack: opts.OnRemoteTrack,
		ctx:           ctx,
		cancel:        cancel,
		welcomed:      make(chan struct{}),
		iceServers:    config.DefaultICEServers,
		sessions:      make(map[domain.PeerID]*peer.Session),
		orphans:       make(map[domain.PeerID][]webrtc.ICECandidateInit),
		announced:     make(map[domain.PeerID]time.Time),
		attempts:      make(map[domain.PeerID]int),
		retries:       make(map[domain.PeerID]*time.Timer),
		stats:         make(map[domain.PeerID][]*media.StatsRecorder),
	}
	m.detector = media.NewSpeakingDetector(cfg.SpeakingThreshold, cfg.TrailingSilence, m.onLocalSpeaking)
	return m
}

// Self is the id the hub assigned to this connection, zero until welcomed.
func (m *Manager) Self() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func (m *Manager) Presenter() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presenter
}

// Session returns the registered session for remote, if any.
func (m *Manager) Session(remote domain.PeerID) (*peer.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	return s, ok
}

// KnownPeers is our view of the room: every remote with a session, plus
// members announced within the last sync interval whose offer may still be
// in flight.
func (m *Manager) KnownPeers() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.knownPeersLocked()
}

func (m *Manager) knownPeersLocked() []domain.PeerID {
	now := time.Now()
	known := make([]domain.PeerID, 0, len(m.sessions))
	for id := range m.sessions {
		known = append(known, id)
	}
	for id, at := range m.announced {
		if now.Sub(at) > m.cfg.SyncInterval {
			delete(m.announced, id)
			continue
		}
		if _, ok := m.sessions[id]; !ok {
			known = append(known, id)
		}
	}
	sort.Slice(known, func(i, j int) bool { return known[i].Less(known[j]) })
	return known
}

// PeerStatus is a snapshot of one remote member.
type PeerStatus struct {
	ID      domain.PeerID
	State   peer.State
	Quality *peer.ConnectionQuality
	Stats   media.StreamStats
}

func (m *Manager) Peers() []PeerStatus {
	m.mu.Lock()
	out := make([]PeerStatus, 0, len(m.sessions))
	for id, s := range m.sessions {
		st := PeerStatus{ID: id, State: s.State()}
		if q, ok := s.Quality(); ok {
			st.Quality = &q
		}
		for _, rec := range m.stats[id] {
			st.Stats = st.Stats.Merge(rec.Stats())
		}
		out = append(out, st)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Run dispatches hub messages and sends periodic sync-room requests until
// ctx ends or the hub connection drops.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	incoming := m.sig.Incoming()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrManagerClosed
		case <-ticker.C:
			m.syncRoom()
		case msg, ok := <-incoming:
			if !ok {
				return signaling.ErrConnClosed
			}
			m.dispatch(msg)
		}
	}
}

// Join acquires local media and enters room. It needs Run to be dispatching.
func (m *Manager) Join(ctx context.Context, room string) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrManagerClosed
	case m.room != "" || m.joining:
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.joining = true
	result := make(chan error, 1)
	m.joinResult = result
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.joining = false
		m.joinResult = nil
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()

	select {
	case <-m.welcomed:
	case <-ctx.Done():
		return fmt.Errorf("%w: no welcome from hub", ErrJoinTimeout)
	}

	if m.media != nil {
		if err := m.media.Acquire(ctx); err != nil {
			return err
		}
	}

	if err := m.sig.SendPayload(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{RoomName: room}); err != nil {
		m.releaseMedia()
		return fmt.Errorf("send join-room: %w", err)
	}

	select {
	case err := <-result:
		if err != nil {
			m.releaseMedia()
		}
		return err
	case <-ctx.Done():
		// all-users may have landed just before the deadline.
		m.mu.Lock()
		m.joinResult = nil
		joined := m.room != ""
		m.mu.Unlock()
		if joined {
			return nil
		}
		m.releaseMedia()
		return fmt.Errorf("%w: %v", ErrJoinTimeout, ctx.Err())
	}
}

// Leave exits the room, closes every session and releases local media.
func (m *Manager) Leave() error {
	m.mu.Lock()
	if m.room == "" {
		m.mu.Unlock()
		return ErrNotJoined
	}
	room := m.room
	sessions := m.resetLocked()
	m.mu.Unlock()

	err := m.sig.SendPayload(signaling.MessageTypeLeaveRoom, signaling.RoomPayload{RoomName: room})
	for _, s := range sessions {
		s.Close()
	}
	m.releaseMedia()
	m.emit(Event{Type: EventLeft, Room: room})
	return err
}

// Close leaves the room if needed and drops the hub connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	joined := m.room != ""
	m.mu.Unlock()

	if joined {
		m.Leave()
	}
	m.detector.Stop()
	m.cancel()
	return m.sig.Close()
}

// resetLocked clears all room state and returns the sessions to close.
func (m *Manager) resetLocked() []*peer.Session {
	sessions := make([]*peer.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	for _, t := range m.retries {
		t.Stop()
	}
	if m.shareTimer != nil {
		m.shareTimer.Stop()
		m.shareTimer = nil
	}
	m.room = ""
	m.presenter = ""
	m.sharePend = false
	m.sessions = make(map[domain.PeerID]*peer.Session)
	m.orphans = make(map[domain.PeerID][]webrtc.ICECandidateInit)
	m.announced = make(map[domain.PeerID]time.Time)
	m.attempts = make(map[domain.PeerID]int)
	m.retries = make(map[domain.PeerID]*time.Timer)
	m.stats = make(map[domain.PeerID][]*media.StatsRecorder)
	return sessions
}

func (m *Manager) releaseMedia() {
	if m.media != nil {
		m.media.Release()
	}
}

// ObserveLevel feeds one local microphone level to the speaking detector.
func (m *Manager) ObserveLevel(level float64) {
	m.detector.Observe(level)
}

func (m *Manager) onLocalSpeaking(speaking bool) {
	m.mu.Lock()
	room, self := m.room, m.self
	m.mu.Unlock()
	if room == "" {
		return
	}

	t, ev := signaling.MessageTypeStoppedSpeaking, EventStoppedSpeaking
	if speaking {
		t, ev = signaling.MessageTypeSpeaking, EventSpeaking
	}
	if err := m.sig.SendPayload(t, signaling.RoomPayload{RoomName: room}); err != nil {
		m.logger.Debug("Failed to send speaking state", zap.Error(err))
	}
	m.emit(Event{Type: ev, Room: room, Peer: self})
}

func (m *Manager) syncRoom() {
	m.mu.Lock()
	room := m.room
	known := m.knownPeersLocked()
	m.mu.Unlock()
	if room == "" {
		return
	}
	if err := m.sig.SendPayload(signaling.MessageTypeSyncRoom, signaling.SyncRoomPayload{
		RoomName:   room,
		KnownPeers: known,
	}); err != nil {
		m.logger.Debug("Failed to send sync-room", zap.Error(err))
	}
}

// targets snapshots the sessions that should receive track substitutions.
func (m *Manager) targets() []media.TrackReplacer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]media.TrackReplacer, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State() != peer.StateClosed {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

func (m *Manager) current(s *peer.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.Remote()] == s
}

// newSessionLocked creates and registers a session for remote, replacing
// nothing: callers remove any previous session first. Candidates that
// arrived before the session existed are handed over.
func (m *Manager) newSessionLocked(remote domain.PeerID) (*peer.Session, error) {
	if m.factory == nil {
		return nil, errors.New("no transport factory configured")
	}
	var tracks peer.LocalTracks
	if m.media != nil {
		tracks = m.media.Outbound()
	}
	transport, err := m.factory.NewTransport(remote, m.iceServers, tracks)
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", remote, err)
	}

	s := peer.NewSession(remote, transport, peer.Options{
		DisconnectGrace:    m.cfg.DisconnectGrace,
		NegotiationTimeout: m.cfg.NegotiationTimeout,
	}, peer.Handlers{
		OnLocalDescription: m.onLocalDescription,
		OnLocalCandidate:   m.onLocalCandidate,
		OnStateChange:      m.onSessionState,
		OnRemoteTrack:      m.onRemoteTrackReceived,
		OnError:            m.onSessionError,
	}, m.logger)

	m.sessions[remote] = s
	for _, c := range m.orphans[remote] {
		s.AddRemoteCandidate(c)
	}
	delete(m.orphans, remote)
	return s, nil
}

// detachLocked unregisters the session for remote and returns it for closing
// outside the lock.
func (m *Manager) detachLocked(remote domain.PeerID) *peer.Session {
	s := m.sessions[remote]
	delete(m.sessions, remote)
	if t, ok := m.retries[remote]; ok {
		t.Stop()
		delete(m.retries, remote)
	}
	delete(m.stats, remote)
	return s
}

func closeSession(s *peer.Session) {
	if s != nil {
		s.Close()
	}
}

// connect opens an offering session to remote unless one exists.
func (m *Manager) connect(remote domain.PeerID) {
	m.mu.Lock()
	if _, ok := m.sessions[remote]; ok || remote == m.self {
		m.mu.Unlock()
		return
	}
	s, err := m.newSessionLocked(remote)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("Failed to create session", zap.Error(err))
		m.emit(Event{Type: EventError, Peer: remote, Err: err})
		return
	}
	s.StartOffer()
}

// restart replaces any session for remote with a fresh one.
func (m *Manager) restart(remote domain.PeerID) (*peer.Session, error) {
	m.mu.Lock()
	old := m.detachLocked(remote)
	s, err := m.newSessionLocked(remote)
	m.mu.Unlock()
	closeSession(old)
	return s, err
}

func (m *Manager) onLocalDescription(s *peer.Session, desc webrtc.SessionDescription) {
	if !m.current(s) {
		return
	}
	t := signaling.MessageTypeAnswer
	if desc.Type == webrtc.SDPTypeOffer {
		t = signaling.MessageTypeOffer
	}
	sdp, err := json.Marshal(desc)
	if err != nil {
		return
	}
	if err := m.sig.SendPayload(t, signaling.SignalPayload{Target: s.Remote(), SDP: sdp}); err != nil {
		m.logger.Warn("Failed to send description", zap.String("remote", s.Remote().String()), zap.Error(err))
	}
}

func (m *Manager) onLocalCandidate(s *peer.Session, c webrtc.ICECandidateInit) {
	if !m.current(s) {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := m.sig.SendPayload(signaling.MessageTypeICECandidate, signaling.SignalPayload{Target: s.Remote(), Candidate: raw}); err != nil {
		m.logger.Debug("Failed to send candidate", zap.Error(err))
	}
}

func (m *Manager) onSessionState(s *peer.Session, from, to peer.State) {
	remote := s.Remote()
	switch to {
	case peer.StateConnected:
		m.mu.Lock()
		if m.sessions[remote] != s {
			m.mu.Unlock()
			return
		}
		m.attempts[remote] = 0
		if t, ok := m.retries[remote]; ok {
			t.Stop()
			delete(m.retries, remote)
		}
		m.mu.Unlock()
		m.logger.Info("Peer connected", zap.String("remote", remote.String()))
		m.emit(Event{Type: EventPeerConnected, Peer: remote})

	case peer.StateFailed:
		if !m.current(s) {
			return
		}
		m.logger.Warn("Peer connection failed", zap.String("remote", remote.String()), zap.Stringer("from", from))
		m.emit(Event{Type: EventPeerFailed, Peer: remote})
		m.requestReconnect(s)

	case peer.StateClosed:
		// Aborted negotiations close themselves while still registered.
		m.mu.Lock()
		if m.sessions[remote] == s {
			m.detachLocked(remote)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) onSessionError(s *peer.Session, err error) {
	m.emit(Event{Type: EventError, Peer: s.Remote(), Err: err})
}

// requestReconnect asks the hub to have remote offer us a new session, at
// most MaxReconnectAttempts times in a row.
func (m *Manager) requestReconnect(s *peer.Session) {
	remote := s.Remote()

	m.mu.Lock()
	if m.sessions[remote] != s {
		m.mu.Unlock()
		return
	}
	attempt := m.attempts[remote] + 1
	if attempt > m.cfg.MaxReconnectAttempts {
		m.detachLocked(remote)
		delete(m.attempts, remote)
		m.mu.Unlock()

		s.Close()
		metrics.ReconnectGaveUpTotal.Inc()
		m.logger.Warn("Giving up reconnecting", zap.String("remote", remote.String()), zap.Int("attempts", attempt-1))
		m.emit(Event{Type: EventReconnectGaveUp, Peer: remote})
		return
	}
	m.attempts[remote] = attempt
	if t, ok := m.retries[remote]; ok {
		t.Stop()
	}
	if m.cfg.ReconnectTimeout > 0 {
		m.retries[remote] = time.AfterFunc(m.cfg.ReconnectTimeout, func() { m.retryReconnect(s) })
	}
	m.mu.Unlock()

	s.MarkReconnecting()
	metrics.ReconnectRequestsTotal.Inc()
	m.logger.Info("Requesting reconnect", zap.String("remote", remote.String()), zap.Int("attempt", attempt))
	if err := m.sig.SendPayload(signaling.MessageTypeReconnectRequest, signaling.ReconnectPayload{Target: remote}); err != nil {
		m.logger.Warn("Failed to send reconnect-request", zap.Error(err))
	}
}

// retryReconnect fires when a reconnect request went unanswered.
func (m *Manager) retryReconnect(s *peer.Session) {
	if !m.current(s) {
		return
	}
	switch s.State() {
	case peer.StateFailed, peer.StateReconnecting:
		m.requestReconnect(s)
	}
}

func (m *Manager) onRemoteTrackReceived(s *peer.Session, track peer.RemoteTrack) {
	remote := s.Remote()
	info := peer.InfoOf(track)
	m.logger.Info("Receiving remote track",
		zap.String("remote", remote.String()),
		zap.String("kind", info.Kind),
		zap.String("mediaType", string(info.MediaType)),
	)

	if m.onRemoteTrack != nil {
		m.onRemoteTrack(remote, track)
		return
	}

	rec := media.NewStatsRecorder()
	m.mu.Lock()
	if m.sessions[remote] == s {
		m.stats[remote] = append(m.stats[remote], rec)
	}
	m.mu.Unlock()

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			rec.ProcessRTPPacket(pkt)
		}
	}()
}
