package ring

import (
	"testing"

	"github.com/zsiec/picamcore/internal/packet"
)

func videoPacket(pts int64, keyframe bool) packet.EncodedPacket {
	return packet.EncodedPacket{
		Stream:   packet.StreamVideo,
		PTS:      pts,
		Keyframe: keyframe,
		Payload:  []byte{byte(pts)},
	}
}

func TestAppend_OverwritesInPlace(t *testing.T) {
	r := New(4, 2)
	for i := int64(0); i < 4; i++ {
		r.Append(videoPacket(i, false))
	}
	if r.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 (full but not lapped)", r.Len())
	}

	r.Append(videoPacket(100, false))
	p, ok := r.At(r.WriteIdx())
	if !ok || p.PTS != 100 {
		t.Fatalf("expected slot to hold the newly appended overwrite, got %+v ok=%v", p, ok)
	}
	if r.Len() != 4 {
		t.Fatalf("Len() after wrap = %d, want 4 (capacity unchanged)", r.Len())
	}
}

func TestMarkKeyframe_FillsAfterOneLap(t *testing.T) {
	r := New(16, 2)
	if r.IsFilled() {
		t.Fatal("should not be filled before any keyframe")
	}

	r.Append(videoPacket(1, true))
	if r.IsFilled() {
		t.Fatal("should not be filled after one keyframe with K=2")
	}
	if _, ok := r.OldestKeyframeSlot(); ok {
		t.Fatal("OldestKeyframeSlot should not be valid before the ring fills")
	}

	r.Append(videoPacket(2, true))
	if !r.IsFilled() {
		t.Fatal("should be filled after two keyframes with K=2")
	}
}

func TestOldestKeyframeSlot_TracksLap(t *testing.T) {
	r := New(16, 2)
	r.Append(videoPacket(1, true)) // keyframe slot 0
	r.Append(videoPacket(2, false))
	r.Append(videoPacket(3, true)) // keyframe slot 2

	slot, ok := r.OldestKeyframeSlot()
	if !ok {
		t.Fatal("ring should be filled after two keyframes with K=2 (one full lap)")
	}
	if p, valid := r.At(slot); !valid || p.PTS != 1 {
		t.Fatalf("oldest keyframe slot should hold pts=1 after the first lap, got pts=%d valid=%v", p.PTS, valid)
	}

	r.Append(videoPacket(4, false))
	r.Append(videoPacket(5, true)) // keyframe slot 4 replaces pts=1 in the keyframe index

	slot, ok = r.OldestKeyframeSlot()
	if !ok {
		t.Fatal("expected ring to be filled")
	}
	p, valid := r.At(slot)
	if !valid || p.PTS != 3 {
		t.Fatalf("oldest keyframe slot should hold pts=3 (the oldest of the last two keyframes), got pts=%d valid=%v", p.PTS, valid)
	}
}

func TestAppend_StarvationWarning(t *testing.T) {
	r := New(3, 2)
	// Fill the ring with two keyframes spaced so the keyframe ring fills,
	// then lap the physical ring until the writer catches the oldest
	// keyframe slot.
	r.Append(videoPacket(1, true)) // slot 0, keyframe
	r.Append(videoPacket(2, true)) // slot 1, keyframe (K=2 filled, oldest=slot0)

	_, starving := r.Append(videoPacket(3, false)) // slot 2
	if starving {
		t.Fatal("should not starve yet; oldest keyframe is slot 0, writer now at slot 2")
	}

	_, starving = r.Append(videoPacket(4, false)) // slot 0 again: laps oldest keyframe slot
	if !starving {
		t.Fatal("expected starvation warning when writer laps the oldest keyframe slot")
	}
}

func TestResize_RejectedWhileRecording(t *testing.T) {
	r := New(8, 2)
	r.SetRecording(true)
	if err := r.Resize(16, 4); err != ErrResizeWhileRecording {
		t.Fatalf("Resize while recording = %v, want ErrResizeWhileRecording", err)
	}

	r.SetRecording(false)
	if err := r.Resize(16, 4); err != nil {
		t.Fatalf("Resize while idle: %v", err)
	}
	if r.Cap() != 16 || r.KeyframeCap() != 4 {
		t.Fatalf("Cap()=%d KeyframeCap()=%d after resize, want 16/4", r.Cap(), r.KeyframeCap())
	}
	if r.IsFilled() {
		t.Fatal("resize should reset keyframe fill state")
	}
}

func TestKeyframeSlotAt_Lookback(t *testing.T) {
	r := New(32, 4)
	for i := int64(1); i <= 5; i++ {
		r.Append(videoPacket(i*10, true))
	}
	// 5 keyframes written into a K=4 ring: slots for pts 20,30,40,50 remain
	// (pts=10's keyframe was overwritten in the keyframe index).
	slot, ok := r.KeyframeSlotAt(0)
	if !ok {
		t.Fatal("offset 0 should be valid")
	}
	p, _ := r.At(slot)
	if p.PTS != 50 {
		t.Fatalf("most recent keyframe pts = %d, want 50", p.PTS)
	}

	slot, ok = r.KeyframeSlotAt(3)
	if !ok {
		t.Fatal("offset 3 should be valid once the ring has lapped")
	}
	p, _ = r.At(slot)
	if p.PTS != 20 {
		t.Fatalf("oldest surviving keyframe pts = %d, want 20", p.PTS)
	}
}
