package recorder

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/picamcore/internal/packet"
	"github.com/zsiec/picamcore/internal/ring"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeState struct {
	mu sync.Mutex
	kv map[string]string
}

func newFakeState() *fakeState { return &fakeState{kv: make(map[string]string)} }

func (f *fakeState) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	return nil
}

func (f *fakeState) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	return v, ok
}

func videoPkt(pts int64, keyframe bool) packet.EncodedPacket {
	return packet.EncodedPacket{
		Stream:   packet.StreamVideo,
		PTS:      pts,
		DTS:      pts,
		Keyframe: keyframe,
		Payload:  []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB, 0xCC},
	}
}

func waitForState(t *testing.T, m *Manager, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.CurrentState() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, currently %s", want, m.CurrentState())
}

func TestStartStopRecord_ProducesArchiveAndSidecar(t *testing.T) {
	dir := t.TempDir()
	r := ring.New(64, 8)
	st := newFakeState()
	m := NewManager(r, st, nil, dir, 4, testLogger())

	// Seed the ring with a few keyframes before recording starts so
	// back-fill has something to chase.
	pts := int64(0)
	for i := 0; i < 3; i++ {
		r.Append(videoPkt(pts, true))
		pts += 3000
	}

	if err := m.StartRecord(Settings{Basename: "clip"}); err != nil {
		t.Fatalf("StartRecord: %v", err)
	}
	if !m.IsRecording() {
		t.Fatal("IsRecording false after StartRecord")
	}

	// Append a few more live packets and notify.
	for i := 0; i < 3; i++ {
		r.Append(videoPkt(pts, i == 0))
		pts += 3000
		m.NotifyPacket()
	}

	if err := m.StopRecord(); err != nil {
		t.Fatalf("StopRecord: %v", err)
	}
	if m.IsRecording() {
		t.Fatal("IsRecording true after StopRecord")
	}

	archivePath := filepath.Join(dir, "archive", "clip.ts")
	info, err := os.Stat(archivePath)
	if err != nil {
		t.Fatalf("archive file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("archive file is empty")
	}

	visiblePath := filepath.Join(dir, "clip.ts")
	if target, err := os.Readlink(visiblePath); err != nil {
		t.Errorf("visible symlink missing: %v", err)
	} else if target != archivePath {
		t.Errorf("symlink target = %q, want %q", target, archivePath)
	}

	if _, err := os.Stat(filepath.Join(dir, "tmp", "clip.ts")); !os.IsNotExist(err) {
		t.Error("temp file should have been removed on finalize")
	}

	if _, ok := st.get("clip"); !ok {
		t.Error("duration sidecar key not written")
	}
	if v, _ := st.get("record"); v != "false" {
		t.Errorf("record state = %q, want false", v)
	}
}

func TestStartRecord_RejectsWhenAlreadyRecording(t *testing.T) {
	dir := t.TempDir()
	r := ring.New(32, 4)
	m := NewManager(r, newFakeState(), nil, dir, 2, testLogger())

	r.Append(videoPkt(0, true))
	if err := m.StartRecord(Settings{Basename: "a"}); err != nil {
		t.Fatalf("first StartRecord: %v", err)
	}
	defer m.StopRecord()

	if err := m.StartRecord(Settings{Basename: "b"}); err != ErrAlreadyRecording {
		t.Errorf("second StartRecord error = %v, want ErrAlreadyRecording", err)
	}
}

func TestStartRecord_RejectsAboveDiskThreshold(t *testing.T) {
	dir := t.TempDir()
	r := ring.New(16, 4)
	full := func(string) (float64, error) { return 0.99, nil }
	m := NewManager(r, newFakeState(), full, dir, 2, testLogger())

	if err := m.StartRecord(Settings{Basename: "full"}); err != ErrDiskAlmostFull {
		t.Errorf("StartRecord error = %v, want ErrDiskAlmostFull", err)
	}
}

func TestStopRecord_RejectsWhenNotRecording(t *testing.T) {
	dir := t.TempDir()
	r := ring.New(16, 4)
	m := NewManager(r, newFakeState(), nil, dir, 2, testLogger())

	if err := m.StopRecord(); err != ErrNotRecording {
		t.Errorf("StopRecord error = %v, want ErrNotRecording", err)
	}
}

func TestRingResize_RejectedWhileRecordingActive(t *testing.T) {
	dir := t.TempDir()
	r := ring.New(16, 4)
	m := NewManager(r, newFakeState(), nil, dir, 2, testLogger())

	r.Append(videoPkt(0, true))
	if err := m.StartRecord(Settings{Basename: "c"}); err != nil {
		t.Fatalf("StartRecord: %v", err)
	}
	defer m.StopRecord()

	if err := r.Resize(32, 8); err != ring.ErrResizeWhileRecording {
		t.Errorf("Resize error = %v, want ErrResizeWhileRecording", err)
	}
}

func TestBasenameDisambiguator_AppendsSuffixOnCollision(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dup.ts"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := resolveBasename("dup", dir, time.Now())
	if got == "dup" {
		t.Error("resolveBasename did not disambiguate an existing basename")
	}
}

func TestFlush_PreservesContinuityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r := ring.New(64, 8)
	m := NewManager(r, newFakeState(), nil, dir, 4, testLogger())

	r.Append(videoPkt(0, true))
	if err := m.StartRecord(Settings{Basename: "flush"}); err != nil {
		t.Fatalf("StartRecord: %v", err)
	}

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if err := sess.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	archiveInfo, err := os.Stat(filepath.Join(dir, "archive", "flush.ts"))
	if err != nil {
		t.Fatalf("archive missing after flush: %v", err)
	}
	if archiveInfo.Size() == 0 {
		t.Error("archive empty immediately after a flush; durability invariant broken")
	}

	if err := m.StopRecord(); err != nil {
		t.Fatalf("StopRecord: %v", err)
	}
}
