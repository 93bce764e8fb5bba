// Package hls segments the live MPEG-TS stream into a rotating series of
// .ts files plus an index.m3u8 playlist, splitting on keyframe boundaries
// and preserving continuity counters across the split so the concatenation
// of all segments still reads as one continuous transport stream.
package hls

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zsiec/picamcore/internal/mpegts"
	"github.com/zsiec/picamcore/internal/packet"
)

// Config configures a Segmenter.
type Config struct {
	Dir                 string
	NumRecentFiles      int
	NumRetainedOldFiles int

	UseEncryption bool
	Key           []byte
	IV            []byte
	KeyURI        string
}

// Segmenter rotates MPEG-TS segments on keyframe boundaries and maintains
// an HLS playlist describing them.
type Segmenter struct {
	mu sync.Mutex

	dir            string
	numRecentFiles int
	numRetained    int
	enc            *encryptionConfig
	log            *slog.Logger

	open             bool
	mostRecentNumber int
	segmentStartPTS  int64
	lastPacketPTS    int64

	curBuf *bytes.Buffer
	curMux *mpegts.Muxer

	ccState mpegts.ContinuityState
	haveCC  bool

	durations []segment // retained, ascending by number
	onDisk    []int      // sequence numbers currently present on disk, ascending
}

// New creates a Segmenter. The directory must already exist.
func New(cfg Config, log *slog.Logger) *Segmenter {
	var enc *encryptionConfig
	if cfg.UseEncryption {
		enc = &encryptionConfig{enabled: true, key: cfg.Key, iv: cfg.IV, keyURI: cfg.KeyURI}
	}
	numRecent := cfg.NumRecentFiles
	if numRecent < 1 {
		numRecent = 1
	}
	return &Segmenter{
		dir:            cfg.Dir,
		numRecentFiles: numRecent,
		numRetained:    cfg.NumRetainedOldFiles,
		enc:            enc,
		log:            log,
	}
}

// WritePacket consumes one packet, opening the first segment lazily and
// rotating when split is true. split must only be set for video keyframes.
func (s *Segmenter) WritePacket(p packet.EncodedPacket, split bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		s.openSegment()
		s.segmentStartPTS = p.PTS
	} else if split {
		if err := s.finalizeSegmentLocked(false); err != nil {
			return err
		}
		s.openSegment()
		s.segmentStartPTS = p.PTS
	}

	pid := mpegts.PIDAudio
	if p.Stream == packet.StreamVideo {
		pid = mpegts.PIDVideo
	}
	if err := s.curMux.WriteAccessUnit(pid, p.PTS, p.DTS, p.Payload, p.Keyframe); err != nil {
		return fmt.Errorf("hls: write access unit: %w", err)
	}

	s.lastPacketPTS = p.PTS
	return nil
}

// Write implements muxer.Sink for callers that only care about the
// non-split path (tests and simple wiring); production code should call
// WritePacket directly via the HLSSink interface.
func (s *Segmenter) Write(p packet.EncodedPacket) error {
	return s.WritePacket(p, false)
}

// Stop finalizes the current segment (if any) and writes a final playlist
// with #EXT-X-ENDLIST.
func (s *Segmenter) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return s.writePlaylistLocked(true)
	}
	return s.finalizeSegmentLocked(true)
}

func (s *Segmenter) openSegment() {
	s.mostRecentNumber++
	s.curBuf = new(bytes.Buffer)
	s.curMux = mpegts.NewMuxer(s.curBuf)
	if s.haveCC {
		s.curMux.Restore(s.ccState)
	}
	s.curMux.WriteHeader()
	s.open = true
}

func (s *Segmenter) finalizeSegmentLocked(ended bool) error {
	duration := float64(s.lastPacketPTS-s.segmentStartPTS) / 90000.0

	data := s.curBuf.Bytes()
	if s.enc != nil && s.enc.enabled {
		enc, err := encryptSegment(data, s.enc.key, s.enc.iv)
		if err != nil {
			return err
		}
		data = enc
	}

	number := s.mostRecentNumber
	path := filepath.Join(s.dir, fmt.Sprintf("%d.ts", number))
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("hls: write segment %d: %w", number, err)
	}

	s.ccState = s.curMux.Snapshot()
	s.haveCC = true
	s.open = false

	s.durations = append(s.durations, segment{number: number, duration: duration})
	s.onDisk = append(s.onDisk, number)
	s.trimRetention()

	return s.writePlaylistLocked(ended)
}

// trimRetention keeps at most numRecentFiles entries in the in-memory
// playlist list and unlinks files once more than
// numRecentFiles+numRetainedOldFiles exist on disk, oldest first.
func (s *Segmenter) trimRetention() {
	if len(s.durations) > s.numRecentFiles {
		s.durations = s.durations[len(s.durations)-s.numRecentFiles:]
	}

	maxOnDisk := s.numRecentFiles + s.numRetained
	for len(s.onDisk) > maxOnDisk {
		oldest := s.onDisk[0]
		s.onDisk = s.onDisk[1:]
		path := filepath.Join(s.dir, fmt.Sprintf("%d.ts", oldest))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove retired segment", "path", path, "error", err)
		}
	}
}

func (s *Segmenter) writePlaylistLocked(ended bool) error {
	// #EXT-X-MEDIA-SEQUENCE carries most_recent_number directly, per the
	// playlist format this engine's predecessor emits.
	body := buildPlaylist(s.durations, s.mostRecentNumber, ended, s.enc)
	return writeFileAtomic(filepath.Join(s.dir, "index.m3u8"), []byte(body))
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
