// Package telemetry keeps a bounded in-memory history of recent location
// samples per tracked session. History is best-effort: it is not persisted
// and is lost on process restart.
package telemetry

import (
	"sync"
	"time"

	"github.com/tripline/realtime/internal/protocol"
)

// MaxSamples is the number of recent samples retained per channel.
const MaxSamples = 100

// Sample is one received position fix.
type Sample struct {
	UserID     string            `json:"user_id"`
	Location   protocol.Location `json:"location"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Buffer stores the last MaxSamples samples per channel. It is goroutine-safe
// and uses a fixed-size ring per channel, so appends are O(1) and the oldest
// sample is evicted once the ring is full.
type Buffer struct {
	mu    sync.RWMutex
	rings map[string]*ring // channel id -> ring
}

type ring struct {
	items []Sample
	pos   int
	count int
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{rings: make(map[string]*ring)}
}

// Append pushes a sample onto the channel's ring, evicting the oldest sample
// if the ring is full.
func (b *Buffer) Append(channelID string, s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[channelID]
	if !ok {
		r = &ring{items: make([]Sample, MaxSamples)}
		b.rings[channelID] = r
	}

	r.items[r.pos] = s
	r.pos = (r.pos + 1) % MaxSamples
	if r.count < MaxSamples {
		r.count++
	}
}

// History returns a snapshot of the channel's samples in chronological order,
// oldest first. The returned slice is a copy; mutating it does not affect the
// buffer. Returns an empty slice for an untracked channel.
func (b *Buffer) History(channelID string) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rings[channelID]
	if !ok {
		return []Sample{}
	}

	out := make([]Sample, r.count)
	start := (r.pos - r.count + MaxSamples) % MaxSamples
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%MaxSamples]
	}
	return out
}

// Clear drops all samples for the channel. Called when the tracked session
// ends.
func (b *Buffer) Clear(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.rings, channelID)
}
