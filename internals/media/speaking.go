package media

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// SpeakingDetector turns a stream of audio levels into speaking edges. It
// reports true on the first level at or above the threshold and false once
// TrailingSilence has passed without one.
type SpeakingDetector struct {
	threshold float64
	trailing  time.Duration
	onChange  func(speaking bool)

	mu       sync.Mutex
	speaking bool
	gen      uint64
	timer    *time.Timer
	stopped  bool
}

func NewSpeakingDetector(threshold float64, trailing time.Duration, onChange func(bool)) *SpeakingDetector {
	return &SpeakingDetector{
		threshold: threshold,
		trailing:  trailing,
		onChange:  onChange,
	}
}

// Observe feeds one level in the range [0, 1].
func (d *SpeakingDetector) Observe(level float64) {
	if level < d.threshold {
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.trailing, func() { d.expire(gen) })

	started := !d.speaking
	d.speaking = true
	d.mu.Unlock()

	if started && d.onChange != nil {
		d.onChange(true)
	}
}

// ObserveRTP feeds the audio level carried in the packet's header extension.
// Packets without the extension are ignored.
func (d *SpeakingDetector) ObserveRTP(pkt *rtp.Packet, extID uint8) {
	if level, ok := LevelFromRTP(pkt, extID); ok {
		d.Observe(level)
	}
}

func (d *SpeakingDetector) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.speaking {
		d.mu.Unlock()
		return
	}
	d.speaking = false
	d.timer = nil
	d.mu.Unlock()

	if d.onChange != nil {
		d.onChange(false)
	}
}

func (d *SpeakingDetector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Stop cancels the pending silence timer without reporting an edge.
func (d *SpeakingDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// LevelFromRTP converts an RFC 6464 audio level (-dBov) to linear amplitude.
func LevelFromRTP(pkt *rtp.Packet, extID uint8) (float64, bool) {
	if pkt == nil || extID == 0 {
		return 0, false
	}
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return math.Pow(10, -float64(ext.Level)/20), true
}
