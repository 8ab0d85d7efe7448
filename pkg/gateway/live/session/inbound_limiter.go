package session

import "time"

// bucket is one token bucket with a burst cap of rate*burstSeconds. A zero
// rate disables the bucket.
type bucket struct {
	rate   int64
	cap    int64
	tokens int64
}

func newBucket(rate, burstSeconds int64) bucket {
	b := bucket{rate: rate}
	if rate > 0 {
		b.cap = rate * burstSeconds
		b.tokens = b.cap
	}
	return b
}

func (b *bucket) refill(elapsed time.Duration) {
	if b.rate <= 0 {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > b.cap {
		b.tokens = b.cap
	}
}

func (b *bucket) take(n int64) bool {
	if b.rate <= 0 {
		return true
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// inboundAudioLimiter throttles microphone frames on two axes at once:
// frames per second and bytes per second. A nil limiter allows everything.
type inboundAudioLimiter struct {
	now        func() time.Time
	frames     bucket
	bytes      bucket
	lastRefill time.Time
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &inboundAudioLimiter{
		now:        now,
		frames:     newBucket(int64(fps), int64(burstSeconds)),
		bytes:      newBucket(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if frameBytes < 0 {
		frameBytes = 0
	}
	// Check both buckets before draining either so a refusal leaves tokens
	// untouched.
	if l.frames.rate > 0 && l.frames.tokens < 1 {
		return false
	}
	if l.bytes.rate > 0 && l.bytes.tokens < int64(frameBytes) {
		return false
	}
	l.frames.take(1)
	l.bytes.take(int64(frameBytes))
	return true
}

func (l *inboundAudioLimiter) refill() {
	now := l.now()
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.frames.refill(elapsed)
	l.bytes.refill(elapsed)
	l.lastRefill = now
}
