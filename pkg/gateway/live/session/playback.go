package session

import (
	"time"

	"github.com/cabohealth/nova/pkg/gateway/live/protocol"
)

// playbackClock assigns each model audio frame a slot on the session clock so
// the client can play consecutive frames back-to-back without gaps. The
// cursor marks the end of the last scheduled frame; a frame arriving after
// the cursor has passed plays immediately instead of in the past.
type playbackClock struct {
	now      func() time.Time
	epoch    time.Time
	cursorMS int64
}

func newPlaybackClock(now func() time.Time) *playbackClock {
	if now == nil {
		now = time.Now
	}
	p := &playbackClock{now: now}
	p.Reset()
	return p
}

// Reset restarts the session clock at zero.
func (p *playbackClock) Reset() {
	if p == nil {
		return
	}
	p.epoch = p.now()
	p.cursorMS = 0
}

func (p *playbackClock) nowMS() int64 {
	return p.now().Sub(p.epoch).Milliseconds()
}

// Schedule books a playback slot for a pcm_s16le frame and advances the
// cursor by its duration.
func (p *playbackClock) Schedule(pcmBytes, sampleRateHz int) (startMS, durMS int64) {
	if p == nil {
		return 0, 0
	}
	if sampleRateHz <= 0 {
		sampleRateHz = protocol.AudioOutSampleRateHz
	}
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	samples := int64(pcmBytes / 2)
	durMS = samples * 1000 / int64(sampleRateHz)

	startMS = p.cursorMS
	if now := p.nowMS(); now > startMS {
		startMS = now
	}
	p.cursorMS = startMS + durMS
	return startMS, durMS
}

// Interrupt discards the scheduled backlog: the next frame plays immediately.
func (p *playbackClock) Interrupt() {
	if p == nil {
		return
	}
	p.cursorMS = p.nowMS()
}
