package notify

import (
	"sync"
	"time"
)

const (
	throttleWindow = time.Hour
	digestCap      = 50
)

// DigestItem is one over-limit alert queued for the next digest.
type DigestItem struct {
	Event    string
	Subject  string
	Body     string
	Priority Priority
	QueuedAt time.Time
}

type bucket struct {
	count       int
	windowStart time.Time
	queued      []DigestItem
}

// Throttler enforces per-owner alert rates over fixed 1-hour windows. The
// dispatcher is the single writer.
type Throttler struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewThrottler() *Throttler {
	return &Throttler{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Verdict says what to do with one alert.
type Verdict int

const (
	VerdictSend Verdict = iota
	VerdictDigest
	VerdictDrop
)

// Check applies the throttle for one owner and priority. Critical always
// sends without consuming quota; low always digests; otherwise the
// effective limit is maxPerHour x multiplier(priority).
func (t *Throttler) Check(owner string, maxPerHour int, prio Priority) Verdict {
	if prio == PriorityCritical {
		return VerdictSend
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketFor(owner)
	mult := multiplier(prio)
	if mult == 0 {
		return VerdictDigest
	}
	limit := maxPerHour * mult
	if b.count >= limit {
		return VerdictDigest
	}
	return VerdictSend
}

// RecordSend consumes quota after a successful delivery.
func (t *Throttler) RecordSend(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bucketFor(owner).count++
}

// Queue appends an over-limit alert to the owner's digest, capped at 50.
func (t *Throttler) Queue(owner string, item DigestItem) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(owner)
	if len(b.queued) >= digestCap {
		return false
	}
	item.QueuedAt = t.now()
	b.queued = append(b.queued, item)
	return true
}

// FlushDigestQueue drains and returns the owner's queued alerts.
func (t *Throttler) FlushDigestQueue(owner string) []DigestItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(owner)
	out := b.queued
	b.queued = nil
	return out
}

// QueuedCount reports the owner's current digest backlog.
func (t *Throttler) QueuedCount(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bucketFor(owner).queued)
}

// bucketFor returns the owner's bucket, rolling the fixed window when more
// than an hour has passed since window_start. Digest contents survive the
// rollover; only the send count resets.
func (t *Throttler) bucketFor(owner string) *bucket {
	now := t.now()
	b, ok := t.buckets[owner]
	if !ok {
		b = &bucket{windowStart: now}
		t.buckets[owner] = b
		return b
	}
	if now.Sub(b.windowStart) > throttleWindow {
		b.count = 0
		b.windowStart = now
	}
	return b
}
