package peer

import (
	"fmt"
	"sync"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/adityaadpandey/meshcall/internals/metrics"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// PionFactory builds pion peer connections sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	logger *zap.Logger
}

var _ TransportFactory = (*PionFactory)(nil)

func NewPionFactory(logger *zap.Logger) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(i),
		),
		logger: logger,
	}, nil
}

func toWebRTCConfig(iceServers []config.ICEServer) webrtc.Configuration {
	cfg := webrtc.Configuration{
		ICEServers: make([]webrtc.ICEServer, len(iceServers)),
	}
	for idx, s := range iceServers {
		cfg.ICEServers[idx] = webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		}
	}
	return cfg
}

func (f *PionFactory) NewTransport(remote domain.PeerID, iceServers []config.ICEServer, tracks LocalTracks) (Transport, error) {
	pc, err := f.api.NewPeerConnection(toWebRTCConfig(iceServers))
	if err != nil {
		return nil, err
	}

	t := &PionTransport{
		remote:  remote,
		pc:      pc,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		logger:  f.logger.With(zap.String("remote", remote.String())),
	}

	for _, slot := range []struct {
		kind  webrtc.RTPCodecType
		track webrtc.TrackLocal
	}{
		{webrtc.RTPCodecTypeAudio, tracks.Audio},
		{webrtc.RTPCodecTypeVideo, tracks.Video},
	} {
		if err := t.addSender(slot.kind, slot.track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s sender: %w", slot.kind, err)
		}
	}

	pc.OnTrack(t.handleTrack)
	return t, nil
}

// PionTransport wraps one webrtc.PeerConnection.
type PionTransport struct {
	remote  domain.PeerID
	pc      *webrtc.PeerConnection
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender

	mu      sync.RWMutex
	onTrack func(RemoteTrack)

	logger *zap.Logger
}

func (t *PionTransport) addSender(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	var sender *webrtc.RTPSender
	if track != nil {
		s, err := t.pc.AddTrack(track)
		if err != nil {
			return err
		}
		sender = s
	} else {
		tr, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return err
		}
		sender = tr.Sender()
	}
	t.senders[kind] = sender

	// Interceptors only run while RTCP is being read.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *PionTransport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	t.logger.Info("Remote track added",
		zap.String("trackID", track.ID()),
		zap.String("kind", track.Kind().String()),
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if err := t.SendPLI(uint32(track.SSRC())); err != nil {
			t.logger.Debug("Failed to send PLI", zap.Error(err))
		}
	}

	t.mu.RLock()
	fn := t.onTrack
	t.mu.RUnlock()
	if fn != nil {
		fn(track)
		return
	}

	// Nobody consumes it; keep the receive buffers drained.
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}

func (t *PionTransport) SendPLI(ssrc uint32) error {
	metrics.RecordPLI()
	return t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
}

func (t *PionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *PionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *PionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *PionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *PionTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	sender, ok := t.senders[kind]
	if !ok {
		return ErrNoSender
	}
	return sender.ReplaceTrack(track)
}

func (t *PionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *PionTransport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *PionTransport) OnRemoteTrack(fn func(RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

// ConnectionQuality summarizes inbound packet loss for one transport.
type ConnectionQuality struct {
	Level      string  `json:"level"`
	PacketLoss float64 `json:"packetLoss"`
}

// QualityReporter is implemented by transports that can report receive stats.
type QualityReporter interface {
	Quality() ConnectionQuality
}

func (t *PionTransport) Quality() ConnectionQuality {
	var received uint64
	var lost int64
	for _, s := range t.pc.GetStats() {
		if inbound, ok := s.(webrtc.InboundRTPStreamStats); ok {
			received += uint64(inbound.PacketsReceived)
			lost += int64(inbound.PacketsLost)
		}
	}
	if lost < 0 {
		lost = 0
	}
	return qualityFromLoss(received, uint64(lost))
}

func qualityFromLoss(received, lost uint64) ConnectionQuality {
	var lossPercent float64
	if total := received + lost; total > 0 {
		lossPercent = float64(lost) / float64(total) * 100
	}

	level := "excellent"
	switch {
	case lossPercent >= 15:
		level = "critical"
	case lossPercent >= 5:
		level = "poor"
	case lossPercent >= 1:
		level = "good"
	}
	return ConnectionQuality{Level: level, PacketLoss: lossPercent}
}
