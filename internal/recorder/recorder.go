// Package recorder implements the recording worker: a state machine that,
// on demand, opens a temp MPEG-TS file, back-fills it from the packet ring
// starting at a chosen historical keyframe, periodically flushes into a
// permanent archive file for crash durability, and finalizes on stop.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zsiec/picamcore/internal/ring"
)

// State names the recording worker's current phase.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateBackFilling
	StateLive
	StateFlushing
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateBackFilling:
		return "back_filling"
	case StateLive:
		return "live"
	case StateFlushing:
		return "flushing"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// RecChasePackets bounds how many ring packets the worker drains per wake,
// so a single Live-state wake-up cannot starve the producer.
const RecChasePackets = 10

// FlushPeriod is how often a live recording flushes its temp file into the
// archive for crash durability.
const FlushPeriod = 5 * time.Second

var (
	// ErrAlreadyRecording is returned by StartRecord when a session is active.
	ErrAlreadyRecording = errors.New("recorder: a recording is already active")
	// ErrNotRecording is returned by StopRecord when nothing is active.
	ErrNotRecording = errors.New("recorder: no recording is active")
	// ErrDiskAlmostFull is returned by StartRecord above the disk usage gate.
	ErrDiskAlmostFull = errors.New("recorder: disk usage at or above 95%")
)

// diskFullThreshold is the disk-used fraction past which StartRecord
// refuses to begin a new recording.
const diskFullThreshold = 0.95

// Settings configures one recording session, overriding manager defaults.
type Settings struct {
	Basename string
	Dir      string // base directory; temp/archive/visible are derived subpaths
	Lookback int    // keyframes of pre-roll; 0 means use the manager default
}

// StateWriter persists small key/value facts about the recording (the
// `record` flag, `last_rec` path, and the per-basename duration sidecar)
// the way the control surface's state directory does.
type StateWriter interface {
	Set(key, value string) error
}

// DiskUsageFunc reports the fraction of disk used at a path, in [0,1].
type DiskUsageFunc func(path string) (float64, error)

// Manager owns at most one active recording Session and enforces the
// single-recording invariant plus the recordbuf-while-recording rejection.
type Manager struct {
	mu  sync.Mutex
	log *slog.Logger

	ring            *ring.Ring
	state           StateWriter
	diskUsage       DiskUsageFunc
	defaultDir      string
	defaultLookback int

	session *Session
}

// NewManager creates a recording Manager.
func NewManager(r *ring.Ring, state StateWriter, diskUsage DiskUsageFunc, defaultDir string, defaultLookback int, log *slog.Logger) *Manager {
	if diskUsage == nil {
		diskUsage = func(string) (float64, error) { return 0, nil }
	}
	return &Manager{
		ring:            r,
		state:           state,
		diskUsage:       diskUsage,
		defaultDir:      defaultDir,
		defaultLookback: defaultLookback,
		log:             log,
	}
}

// IsRecording reports whether a session is currently active.
func (m *Manager) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// StartRecord begins a new recording session. It rejects the request if a
// recording is already active or the disk is nearly full.
func (m *Manager) StartRecord(settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return ErrAlreadyRecording
	}

	dir := settings.Dir
	if dir == "" {
		dir = m.defaultDir
	}
	if used, err := m.diskUsage(dir); err == nil && used >= diskFullThreshold {
		return ErrDiskAlmostFull
	}

	lookback := settings.Lookback
	if lookback <= 0 {
		lookback = m.defaultLookback
	}
	if lookback > m.ring.KeyframeCap() {
		lookback = m.ring.KeyframeCap()
	}

	basename := resolveBasename(settings.Basename, dir, time.Now())
	p := resolvePaths(dir, basename)

	for _, d := range []string{filepath.Dir(p.temp), filepath.Dir(p.archive), filepath.Dir(p.visible)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("recorder: mkdir %s: %w", d, err)
		}
	}

	sess, err := newSession(m.log.With("basename", basename), m.ring, m.state, p, basename, lookback)
	if err != nil {
		return err
	}

	m.ring.SetRecording(true)
	m.session = sess
	sess.start()

	if m.state != nil {
		_ = m.state.Set("record", "true")
	}

	return nil
}

// StopRecord requests the active session finalize and waits for it to do so.
func (m *Manager) StopRecord() error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess == nil {
		return ErrNotRecording
	}

	sess.requestExit()
	<-sess.Done()

	m.mu.Lock()
	m.session = nil
	m.ring.SetRecording(false)
	m.mu.Unlock()

	if m.state != nil {
		_ = m.state.Set("record", "false")
	}

	return nil
}

// CurrentState reports the active session's state, or StateIdle if none.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StateIdle
	}
	return m.session.currentState()
}

// NotifyPacket implements muxer.RecordingSignal, waking the active session
// (if any) to chase newly appended ring packets. Safe to call with no
// session active.
func (m *Manager) NotifyPacket() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess != nil {
		sess.notify()
	}
}
