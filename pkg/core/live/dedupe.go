package live

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type fingerprint struct {
	hash   uint64
	bucket int64
}

// ChunkDedupe rejects audio chunks already submitted during the current
// connect lifetime. Fingerprints combine a payload hash with a coarse time
// bucket and live in a bounded FIFO.
type ChunkDedupe struct {
	bucket time.Duration
	now    func() time.Time

	mu    sync.Mutex
	ring  []fingerprint
	next  int
	count int
	index map[fingerprint]struct{}
}

// NewChunkDedupe creates a dedupe cache. A nil now uses time.Now.
func NewChunkDedupe(cfg DedupeConfig, now func() time.Time) *ChunkDedupe {
	if now == nil {
		now = time.Now
	}
	d := &ChunkDedupe{now: now}
	d.applyLocked(cfg)
	return d
}

func (d *ChunkDedupe) applyLocked(cfg DedupeConfig) {
	def := DefaultDedupeConfig()
	if cfg.Bucket <= 0 {
		cfg.Bucket = def.Bucket
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	d.bucket = cfg.Bucket
	d.ring = make([]fingerprint, cfg.Capacity)
	d.index = make(map[fingerprint]struct{}, cfg.Capacity)
	d.next = 0
	d.count = 0
}

// Reconfigure applies a new bucket and capacity and forgets every
// fingerprint.
func (d *ChunkDedupe) Reconfigure(cfg DedupeConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyLocked(cfg)
}

// Reset forgets every fingerprint.
func (d *ChunkDedupe) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next = 0
	d.count = 0
	clear(d.index)
}

// ShouldSend records chunk and reports whether it is new. Empty chunks are
// never sent.
func (d *ChunkDedupe) ShouldSend(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	hash := xxhash.Sum64(chunk)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	fp := fingerprint{hash: hash, bucket: now.UnixNano() / int64(d.bucket)}

	if _, seen := d.index[fp]; seen {
		return false
	}
	if d.count == len(d.ring) {
		delete(d.index, d.ring[d.next])
	} else {
		d.count++
	}
	d.ring[d.next] = fp
	d.next = (d.next + 1) % len(d.ring)
	d.index[fp] = struct{}{}
	return true
}

// Len returns the number of retained fingerprints.
func (d *ChunkDedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}
