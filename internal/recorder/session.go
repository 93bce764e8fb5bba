package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/picamcore/internal/mpegts"
	"github.com/zsiec/picamcore/internal/packet"
	"github.com/zsiec/picamcore/internal/ring"
)

// Session runs one recording's Preparing -> BackFilling -> Live ->
// Flushing -> Finalizing lifecycle on its own goroutine, woken by edge
// signals from the producer (NotifyPacket) and the StopRecord caller
// (requestExit).
type Session struct {
	log      *slog.Logger
	ring     *ring.Ring
	state    StateWriter
	paths    paths
	basename string
	lookback int

	notifyCh chan struct{}
	exitCh   chan struct{}
	doneCh   chan struct{}

	st atomic.Int32 // State, accessed without the session's own mutex

	mu          sync.Mutex
	tempFile    *os.File
	mux         *mpegts.Muxer
	startPTS    int64
	havePTS     bool
	lastPTS     int64
	chaseCursor int // last ring slot written to the session, -1 before first write
	lastFlush   time.Time
	starved     bool
}

func newSession(log *slog.Logger, r *ring.Ring, sw StateWriter, p paths, basename string, lookback int) (*Session, error) {
	s := &Session{
		log:         log,
		ring:        r,
		state:       sw,
		paths:       p,
		basename:    basename,
		lookback:    lookback,
		notifyCh:    make(chan struct{}, 1),
		exitCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		chaseCursor: -1,
	}
	s.st.Store(int32(StatePreparing))
	return s, nil
}

func (s *Session) currentState() State { return State(s.st.Load()) }

// Done returns a channel closed once the session has fully finalized.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// notify wakes the session to chase newly appended packets. Non-blocking:
// a pending wake coalesces with any already queued.
func (s *Session) notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// requestExit asks the session to finalize and return.
func (s *Session) requestExit() {
	select {
	case <-s.exitCh:
	default:
		close(s.exitCh)
	}
}

func (s *Session) start() {
	go s.run()
}

func (s *Session) run() {
	defer close(s.doneCh)

	if err := s.prepare(); err != nil {
		s.log.Error("recording prepare failed", "error", err)
		return
	}

	s.backfill()

	s.st.Store(int32(StateLive))
	s.mu.Lock()
	s.lastFlush = time.Now()
	s.mu.Unlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.exitCh:
			s.chaseToHead()
			s.finalize()
			return
		case <-s.notifyCh:
			s.chaseBurst()
		case <-ticker.C:
			s.mu.Lock()
			due := time.Since(s.lastFlush) >= FlushPeriod
			s.mu.Unlock()
			if due {
				if err := s.flush(); err != nil {
					s.log.Error("flush failed", "error", err)
				}
			}
		}
	}
}

func (s *Session) prepare() error {
	s.st.Store(int32(StatePreparing))

	_ = os.Remove(s.paths.archive)

	f, err := os.Create(s.paths.temp)
	if err != nil {
		return fmt.Errorf("recorder: create temp: %w", err)
	}

	s.mu.Lock()
	s.tempFile = f
	s.mux = mpegts.NewMuxer(f)
	s.mu.Unlock()

	return s.mux.WriteHeader()
}

func (s *Session) backfill() {
	s.st.Store(int32(StateBackFilling))

	// Start at the requested look-back keyframe, or at the oldest keyframe
	// recorded so far when the ring holds fewer than lookback of them.
	var startSlot int
	ok := false
	for off := s.lookback - 1; off >= 0 && !ok; off-- {
		startSlot, ok = s.ring.KeyframeSlotAt(off)
	}
	if !ok {
		startSlot, ok = s.ring.OldestKeyframeSlot()
	}
	if !ok {
		s.log.Warn("no keyframe available yet; starting with no pre-roll")
		s.chaseCursor = s.ring.WriteIdx()
		return
	}

	oldestBefore, hadOldest := s.ring.OldestKeyframeSlot()

	cursor := startSlot
	head := s.ring.WriteIdx()
	written := 0
	for {
		p, valid := s.ring.At(cursor)
		if valid {
			s.writePacket(p)
			written++
		}
		if cursor == head {
			break
		}
		cursor = (cursor + 1) % s.ring.Cap()

		if written%RecChasePackets == 0 {
			oldestNow, ok := s.ring.OldestKeyframeSlot()
			if ok && hadOldest && oldestNow != oldestBefore {
				s.mu.Lock()
				s.starved = true
				s.mu.Unlock()
				s.log.Warn("record buffer starving during back-fill")
			}
		}
	}
	s.chaseCursor = head
}

// chaseBurst writes up to RecChasePackets newly appended packets.
func (s *Session) chaseBurst() {
	head := s.ring.WriteIdx()
	n := 0
	for s.chaseCursor != head && n < RecChasePackets {
		s.chaseCursor = (s.chaseCursor + 1) % s.ring.Cap()
		if p, valid := s.ring.At(s.chaseCursor); valid {
			s.writePacket(p)
		}
		n++
	}
}

// chaseToHead drains everything remaining before finalizing.
func (s *Session) chaseToHead() {
	head := s.ring.WriteIdx()
	for s.chaseCursor != head {
		s.chaseCursor = (s.chaseCursor + 1) % s.ring.Cap()
		if p, valid := s.ring.At(s.chaseCursor); valid {
			s.writePacket(p)
		}
	}
}

func (s *Session) writePacket(p packet.EncodedPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.havePTS {
		s.startPTS = p.PTS
		s.havePTS = true
	}
	adjusted := p.PTS - s.startPTS

	pid := mpegts.PIDAudio
	if p.Stream == packet.StreamVideo {
		pid = mpegts.PIDVideo
	}
	if err := s.mux.WriteAccessUnit(pid, adjusted, adjusted, p.Payload, p.Keyframe); err != nil {
		s.log.Error("write access unit failed", "error", err)
		return
	}
	s.lastPTS = adjusted
}

// flush closes the temp file without a trailer, appends it to the archive,
// and reopens a truncated temp file continuing from the same continuity
// counters so the archive is always playable up to this point even if the
// process crashes immediately after.
func (s *Session) flush() error {
	s.st.Store(int32(StateFlushing))
	defer s.st.Store(int32(StateLive))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tempFile.Close(); err != nil {
		return fmt.Errorf("recorder: close temp: %w", err)
	}

	if err := appendFile(s.paths.archive, s.paths.temp); err != nil {
		return fmt.Errorf("recorder: append to archive: %w", err)
	}

	ccState := s.mux.Snapshot()

	f, err := os.Create(s.paths.temp)
	if err != nil {
		return fmt.Errorf("recorder: reopen temp: %w", err)
	}
	s.tempFile = f
	s.mux = mpegts.NewMuxer(f)
	s.mux.Restore(ccState)

	s.lastFlush = time.Now()
	return nil
}

// finalize closes the temp file, appends its tail to the archive, publishes
// the visible symlink, removes the temp file, and writes the duration
// sidecar.
func (s *Session) finalize() {
	s.st.Store(int32(StateFinalizing))

	s.mu.Lock()
	closeErr := s.tempFile.Close()
	appendErr := appendFile(s.paths.archive, s.paths.temp)
	lastPTS := s.lastPTS
	starved := s.starved
	s.mu.Unlock()

	if closeErr != nil {
		s.log.Error("finalize: close temp failed", "error", closeErr)
	}
	if appendErr != nil {
		s.log.Error("finalize: append tail to archive failed", "error", appendErr)
	} else if err := s.verifyArchive(); err != nil {
		s.log.Warn("recording finalized but archive verification failed", "basename", s.basename, "error", err)
	}

	if err := os.Remove(s.paths.temp); err != nil && !os.IsNotExist(err) {
		s.log.Error("finalize: remove temp failed", "error", err)
	}

	if err := publishSymlink(s.paths.archive, s.paths.visible); err != nil {
		s.log.Error("finalize: publish symlink failed", "error", err)
	}

	durationSec := float64(lastPTS) / 90000.0
	if s.state != nil {
		sidecar := fmt.Sprintf("duration_pts=%d\nduration_sec=%.3f\n", lastPTS, durationSec)
		if err := s.state.Set(s.basename, sidecar); err != nil {
			s.log.Error("finalize: write duration sidecar failed", "error", err)
		}
		if err := s.state.Set("last_rec", s.paths.visible); err != nil {
			s.log.Error("finalize: write last_rec failed", "error", err)
		}
	}

	if starved {
		s.log.Warn("recording finalized with a starved pre-roll", "basename", s.basename)
	}
}

// verifyArchive re-demuxes the finalized archive file and confirms it
// carries a program map and at least one elementary stream, catching a
// truncated or corrupt mux before the recording is published as last_rec.
func (s *Session) verifyArchive() error {
	f, err := os.Open(s.paths.archive)
	if err != nil {
		return fmt.Errorf("recorder: open archive for verification: %w", err)
	}
	defer f.Close()

	dmx := mpegts.NewDemuxer(context.Background(), f)

	var sawPAT, sawPMT, sawPES bool
	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("recorder: demux archive: %w", err)
		}
		switch {
		case data.PAT != nil:
			sawPAT = true
		case data.PMT != nil:
			sawPMT = true
		case data.PES != nil:
			sawPES = true
		}
	}

	switch {
	case !sawPAT:
		return fmt.Errorf("recorder: archive has no PAT")
	case !sawPMT:
		return fmt.Errorf("recorder: archive has no PMT")
	case !sawPES:
		return fmt.Errorf("recorder: archive has no elementary stream")
	}
	return nil
}

func appendFile(archivePath, tempPath string) error {
	temp, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer temp.Close()

	archive, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer archive.Close()

	_, err = io.Copy(archive, temp)
	return err
}

func publishSymlink(archivePath, visiblePath string) error {
	_ = os.Remove(visiblePath)
	return os.Symlink(archivePath, visiblePath)
}
