package hls

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zsiec/picamcore/internal/packet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func videoPkt(pts int64, keyframe bool) packet.EncodedPacket {
	return packet.EncodedPacket{
		Stream:   packet.StreamVideo,
		PTS:      pts,
		DTS:      pts,
		Keyframe: keyframe,
		Payload:  []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB},
	}
}

func TestSegmenter_SplitEveryKeyframe(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Dir: dir, NumRecentFiles: 3, NumRetainedOldFiles: 0}, testLogger())

	pts := int64(0)
	split := false
	for i := 0; i < 4; i++ {
		if err := s.WritePacket(videoPkt(pts, true), split); err != nil {
			t.Fatalf("WritePacket keyframe %d: %v", i, err)
		}
		split = true // every subsequent keyframe in this N=1 test splits
		pts += 90000
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	tsCount := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ts") {
			tsCount++
		}
	}
	// 4 keyframes with split=true from the 2nd onward => segments open at
	// kf1, kf2, kf3, kf4, and Stop() finalizes the last one: 4 segments are
	// written, but retention (NumRecentFiles 3 + NumRetainedOldFiles 0)
	// unlinks 1.ts, leaving 3 on disk.
	if tsCount != 3 {
		t.Errorf("got %d .ts files, want 3", tsCount)
	}

	playlist, err := os.ReadFile(filepath.Join(dir, "index.m3u8"))
	if err != nil {
		t.Fatalf("ReadFile index.m3u8: %v", err)
	}
	body := string(playlist)
	if !strings.Contains(body, "#EXT-X-ENDLIST") {
		t.Error("final playlist missing #EXT-X-ENDLIST")
	}
	if !strings.Contains(body, "#EXT-X-ALLOW-CACHE:NO") {
		t.Error("playlist missing #EXT-X-ALLOW-CACHE:NO")
	}
	if strings.Count(body, "#EXTINF") != 3 {
		t.Errorf("playlist lists %d segments, want 3 (NumRecentFiles cap)", strings.Count(body, "#EXTINF"))
	}
}

func TestSegmenter_RetentionUnlinksOldestBeyondCap(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Dir: dir, NumRecentFiles: 2, NumRetainedOldFiles: 1}, testLogger())

	pts := int64(0)
	split := false
	for i := 0; i < 5; i++ {
		if err := s.WritePacket(videoPkt(pts, true), split); err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
		split = true
		pts += 90000
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	tsCount := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ts") {
			tsCount++
		}
	}
	// cap = NumRecentFiles(2) + NumRetainedOldFiles(1) = 3
	if tsCount != 3 {
		t.Errorf("got %d .ts files on disk, want 3 (retention cap)", tsCount)
	}
	if _, err := os.Stat(filepath.Join(dir, "1.ts")); !os.IsNotExist(err) {
		t.Error("oldest segment 1.ts should have been unlinked")
	}
}

func TestSegmenter_EncryptedPlaylistCarriesKeyAndIV(t *testing.T) {
	dir := t.TempDir()
	key := bytesOf(16, 0x11)
	iv := bytesOf(16, 0x22)

	s := New(Config{
		Dir: dir, NumRecentFiles: 2,
		UseEncryption: true, Key: key, IV: iv, KeyURI: "key.bin",
	}, testLogger())

	if err := s.WritePacket(videoPkt(0, true), false); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := s.WritePacket(videoPkt(90000, true), true); err != nil {
		t.Fatalf("WritePacket split: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	playlist, err := os.ReadFile(filepath.Join(dir, "index.m3u8"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(playlist), "#EXT-X-KEY:METHOD=AES-128") {
		t.Error("encrypted playlist missing #EXT-X-KEY line")
	}
	wantIV := "IV=0x" + strings.Repeat("22", 16)
	if !strings.Contains(string(playlist), wantIV) {
		t.Errorf("playlist IV not uppercase-hex as expected (want %q): %s", wantIV, playlist)
	}
}

func bytesOf(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}
