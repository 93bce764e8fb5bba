// Package ring implements the encoded-packet ring buffer: a fixed-capacity,
// circular store of packets plus a secondary circular index of keyframe
// positions, enabling pre-roll recording and HLS segment splitting without
// ever blocking the capture threads that feed it.
//
// The overwrite-in-place discipline here is the same shape as a bounded
// broadcast cache that drops its oldest entry once full: new writes always
// win, readers trail the writer and are responsible for noticing when they
// have been lapped.
package ring

import (
	"errors"
	"sync"

	"github.com/zsiec/picamcore/internal/packet"
)

// ErrResizeWhileRecording is returned by Resize when a recording session
// currently holds a reference into the ring.
var ErrResizeWhileRecording = errors.New("ring: recordbuf cannot be changed while recording is active")

// Ring is a circular buffer of encoded packets with a secondary circular
// index of keyframe write positions, sized as described in the data model:
// capacity large enough to hold K keyframe intervals of both streams plus
// margin.
type Ring struct {
	mu sync.Mutex

	slots []packet.EncodedPacket
	valid []bool

	writeIdx int // index of the most recently written slot, -1 if empty

	keyframeIdx      []int // ring of slot indices that hold a keyframe
	keyframeWriteIdx int
	keyframeFilled   bool // true once the keyframe ring has completed a lap

	recording bool
	written   uint64 // total packets ever appended
}

// New builds a ring with capacity N packet slots and a keyframe index of
// size K.
func New(capacity, keyframeCapacity int) *Ring {
	return &Ring{
		slots:            make([]packet.EncodedPacket, capacity),
		valid:            make([]bool, capacity),
		writeIdx:         -1,
		keyframeIdx:      make([]int, keyframeCapacity),
		keyframeWriteIdx: -1,
	}
}

// Cap returns the packet slot capacity.
func (r *Ring) Cap() int { return len(r.slots) }

// KeyframeCap returns the keyframe index capacity (K).
func (r *Ring) KeyframeCap() int { return len(r.keyframeIdx) }

// Append writes p into the next slot, overwriting whatever occupied it, and
// advances the keyframe index if p is a keyframe. It returns the slot index
// the packet now lives at and whether the writer just lapped the oldest
// surviving pre-roll keyframe (the "record buffer starving" condition).
func (r *Ring) Append(p packet.EncodedPacket) (slot int, starving bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writeIdx = (r.writeIdx + 1) % len(r.slots)
	r.slots[r.writeIdx] = p.Clone()
	r.valid[r.writeIdx] = true
	r.written++

	if r.keyframeFilled {
		oldestSlot := r.keyframeIdx[(r.keyframeWriteIdx+1)%len(r.keyframeIdx)]
		if r.writeIdx == oldestSlot {
			starving = true
		}
	}

	if p.Keyframe {
		r.markKeyframeLocked(r.writeIdx)
	}

	return r.writeIdx, starving
}

func (r *Ring) markKeyframeLocked(slot int) {
	r.keyframeWriteIdx = (r.keyframeWriteIdx + 1) % len(r.keyframeIdx)
	r.keyframeIdx[r.keyframeWriteIdx] = slot
	if r.keyframeWriteIdx == len(r.keyframeIdx)-1 {
		r.keyframeFilled = true
	}
}

// IsFilled reports whether the keyframe index has completed at least one
// full lap, i.e. OldestKeyframeSlot is meaningful.
func (r *Ring) IsFilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keyframeFilled
}

// OldestKeyframeSlot returns the slot index of the oldest keyframe still
// guaranteed present in the ring, and whether one exists yet.
func (r *Ring) OldestKeyframeSlot() (slot int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.keyframeFilled {
		return 0, false
	}
	idx := (r.keyframeWriteIdx + 1) % len(r.keyframeIdx)
	return r.keyframeIdx[idx], true
}

// KeyframeSlotAt returns the slot index stored at a given keyframe-ring
// position, counting back from the write head. offset=0 is the most
// recently written keyframe, offset=lookback-1 is the oldest requested.
// ok is false if the ring has not recorded that many keyframes yet (unless
// it has completed a lap, in which case indices wrap).
func (r *Ring) KeyframeSlotAt(offset int) (slot int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := len(r.keyframeIdx)
	if offset < 0 || offset >= k {
		return 0, false
	}
	if !r.keyframeFilled && offset > r.keyframeWriteIdx {
		return 0, false
	}
	idx := ((r.keyframeWriteIdx-offset)%k + k) % k
	return r.keyframeIdx[idx], true
}

// WriteIdx returns the slot index most recently written.
func (r *Ring) WriteIdx() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeIdx
}

// At returns a copy of the packet at a slot index, and whether that slot
// currently holds valid data.
func (r *Ring) At(slot int) (packet.EncodedPacket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot < 0 || slot >= len(r.slots) || !r.valid[slot] {
		return packet.EncodedPacket{}, false
	}
	return r.slots[slot], true
}

// SetRecording marks whether a recording session currently holds a
// reference into the ring, gating Resize.
func (r *Ring) SetRecording(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = active
}

// Resize reallocates both rings to new capacities, discarding all buffered
// packet data. It fails if a recording session is active.
func (r *Ring) Resize(capacity, keyframeCapacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return ErrResizeWhileRecording
	}

	r.slots = make([]packet.EncodedPacket, capacity)
	r.valid = make([]bool, capacity)
	r.writeIdx = -1
	r.keyframeIdx = make([]int, keyframeCapacity)
	r.keyframeWriteIdx = -1
	r.keyframeFilled = false
	return nil
}

// Len returns how many of the ring's slots currently hold valid data
// (useful before the writer has lapped the buffer once).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.valid {
		if v {
			n++
		}
	}
	return n
}
