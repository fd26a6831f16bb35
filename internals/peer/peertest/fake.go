// Package peertest provides in-memory transports for exercising peer sessions
// without a network.
package peertest

import (
	"errors"
	"sync"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/peer"
	"github.com/pion/webrtc/v3"
)

var ErrNoRemoteDescription = errors.New("remote description not set")

// Transport records every call made by a session. With AutoConnect it
// reports Connected once both descriptions are applied.
type Transport struct {
	Remote      domain.PeerID
	ICEServers  []config.ICEServer
	Tracks      peer.LocalTracks
	AutoConnect bool

	mu               sync.Mutex
	localDescs       []webrtc.SessionDescription
	remoteDescs      []webrtc.SessionDescription
	candidates       []webrtc.ICECandidateInit
	replaced         map[webrtc.RTPCodecType]webrtc.TrackLocal
	closed           bool
	connected        bool
	failSetRemote    error
	failReplaceTrack error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(peer.RemoteTrack)
}

var _ peer.Transport = (*Transport)(nil)

func NewTransport(remote domain.PeerID) *Transport {
	return &Transport{
		Remote:   remote,
		replaced: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}
	t.mu.Lock()
	t.localDescs = append(t.localDescs, desc)
	t.mu.Unlock()
	return desc, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	if len(t.remoteDescs) == 0 {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}
	t.localDescs = append(t.localDescs, desc)
	t.mu.Unlock()

	t.maybeConnect()
	return desc, nil
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.failSetRemote != nil {
		err := t.failSetRemote
		t.mu.Unlock()
		return err
	}
	t.remoteDescs = append(t.remoteDescs, desc)
	t.mu.Unlock()

	t.maybeConnect()
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.remoteDescs) == 0 {
		return ErrNoRemoteDescription
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failReplaceTrack != nil {
		return t.failReplaceTrack
	}
	t.replaced[kind] = track
	return nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) OnRemoteTrack(fn func(peer.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) maybeConnect() {
	t.mu.Lock()
	ready := t.AutoConnect && !t.connected && !t.closed && len(t.localDescs) > 0 && len(t.remoteDescs) > 0
	if ready {
		t.connected = true
	}
	t.mu.Unlock()
	if ready {
		go t.SetState(webrtc.PeerConnectionStateConnected)
	}
}

// SetState simulates a connection state change reported by the transport.
func (t *Transport) SetState(st webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// EmitCandidate simulates a locally gathered candidate.
func (t *Transport) EmitCandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (t *Transport) FailSetRemote(err error) {
	t.mu.Lock()
	t.failSetRemote = err
	t.mu.Unlock()
}

func (t *Transport) FailReplaceTrack(err error) {
	t.mu.Lock()
	t.failReplaceTrack = err
	t.mu.Unlock()
}

func (t *Transport) LocalDescriptions() []webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), t.localDescs...)
}

func (t *Transport) RemoteDescriptions() []webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), t.remoteDescs...)
}

func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

// Replaced returns the last track substituted for kind and whether any was.
func (t *Transport) Replaced(kind webrtc.RTPCodecType) (webrtc.TrackLocal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	track, ok := t.replaced[kind]
	return track, ok
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Factory hands out fake transports and remembers them per remote peer.
type Factory struct {
	AutoConnect bool
	Err         error

	mu         sync.Mutex
	transports map[domain.PeerID][]*Transport
}

var _ peer.TransportFactory = (*Factory)(nil)

func NewFactory(autoConnect bool) *Factory {
	return &Factory{
		AutoConnect: autoConnect,
		transports:  make(map[domain.PeerID][]*Transport),
	}
}

func (f *Factory) NewTransport(remote domain.PeerID, iceServers []config.ICEServer, tracks peer.LocalTracks) (peer.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := NewTransport(remote)
	t.ICEServers = iceServers
	t.Tracks = tracks
	t.AutoConnect = f.AutoConnect
	f.transports[remote] = append(f.transports[remote], t)
	return t, nil
}

// Latest is the most recent transport created for remote, or nil.
func (f *Factory) Latest(remote domain.PeerID) *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.transports[remote]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func (f *Factory) Count(remote domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports[remote])
}

func (f *Factory) All() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Transport
	for _, ts := range f.transports {
		out = append(out, ts...)
	}
	return out
}
