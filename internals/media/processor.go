package media

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// StreamStats are receive counters for one remote track.
type StreamStats struct {
	PacketsReceived uint64    `json:"packetsReceived"`
	BytesReceived   uint64    `json:"bytesReceived"`
	PacketsLost     uint64    `json:"packetsLost"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// StatsRecorder counts packets and sequence gaps on a remote track.
type StatsRecorder struct {
	mu      sync.Mutex
	stats   StreamStats
	lastSeq uint16
	haveSeq bool
}

func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{}
}

func (r *StatsRecorder) ProcessRTPPacket(packet *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.PacketsReceived++
	r.stats.BytesReceived += uint64(len(packet.Payload))
	r.stats.LastUpdated = time.Now()

	seq := packet.SequenceNumber
	if r.haveSeq {
		// Reordered and duplicate packets land behind lastSeq and are not
		// counted as loss.
		if gap := seq - r.lastSeq; gap > 1 && gap < 1<<15 {
			r.stats.PacketsLost += uint64(gap - 1)
		}
		if int16(seq-r.lastSeq) <= 0 {
			return
		}
	}
	r.lastSeq = seq
	r.haveSeq = true
}

func (r *StatsRecorder) Stats() StreamStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Merge adds other's counters to s.
func (s StreamStats) Merge(other StreamStats) StreamStats {
	s.PacketsReceived += other.PacketsReceived
	s.BytesReceived += other.BytesReceived
	s.PacketsLost += other.PacketsLost
	if other.LastUpdated.After(s.LastUpdated) {
		s.LastUpdated = other.LastUpdated
	}
	return s
}
