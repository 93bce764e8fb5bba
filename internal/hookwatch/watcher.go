// Package hookwatch watches a hooks directory for dropped files and turns
// each one into a control.HookEvent: the filename (minus any disambiguating
// suffix after its last '-') names the hook kind, the file contents are its
// body. This is the external "filesystem watch" collaborator the control
// surface is driven by.
package hookwatch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/zsiec/picamcore/internal/control"
)

// Watcher emits a control.HookEvent for every file created (or written) in
// a hooks directory, then removes the file so the same drop is never
// processed twice.
type Watcher struct {
	log     *slog.Logger
	dir     string
	watcher *fsnotify.Watcher
	events  chan control.HookEvent
	errs    chan error
	done    chan struct{}
}

// New creates a Watcher rooted at dir. The directory must already exist.
func New(dir string, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hookwatch: new fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("hookwatch: watch %s: %w", dir, err)
	}
	return &Watcher{
		log:     log.With("component", "hookwatch"),
		dir:     dir,
		watcher: fw,
		events:  make(chan control.HookEvent, 16),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
	}, nil
}

// Events returns the channel of parsed hook events.
func (w *Watcher) Events() <-chan control.HookEvent { return w.events }

// Errors returns the channel of non-fatal errors encountered translating a
// dropped file into an event (malformed filename, read failure, etc).
func (w *Watcher) Errors() <-chan error { return w.errs }

// Run processes filesystem events until Close is called. It returns once
// the underlying watcher is closed.
func (w *Watcher) Run() {
	defer close(w.events)
	defer close(w.errs)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handle(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.errs <- fmt.Errorf("hookwatch: %w", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // removed before we got to it, or a transient race; ignore
	}
	if info.IsDir() {
		return
	}

	body, err := os.ReadFile(path)
	if err != nil {
		w.errs <- fmt.Errorf("hookwatch: read %s: %w", path, err)
		return
	}
	if err := os.Remove(path); err != nil {
		w.log.Warn("failed to remove consumed hook file", "path", path, "error", err)
	}

	kind, param := hookKindFromFilename(filepath.Base(path))
	w.events <- control.HookEvent{Kind: kind, Body: strings.TrimSpace(string(body)), Param: param}
}

// hookKindFromFilename strips a trailing "-<disambiguator>" (as a
// concurrent hook writer might append to avoid colliding with an
// unconsumed file of the same name) to recover the hook kind, then matches
// it against the fixed hook names or the wb_<mode>/ex_<mode> prefix forms.
// For the prefix forms the mode is carried in the filename, not the body,
// so it is returned separately.
func hookKindFromFilename(name string) (control.HookKind, string) {
	if i := strings.LastIndexByte(name, '-'); i > 0 {
		name = name[:i]
	}

	switch name {
	case string(control.HookStartRecord), string(control.HookStopRecord),
		string(control.HookSetRecordBuf), string(control.HookMute), string(control.HookUnmute),
		string(control.HookWBRed), string(control.HookWBBlue), string(control.HookSetSubtitle):
		return control.HookKind(name), ""
	}

	if mode, ok := strings.CutPrefix(name, "wb_"); ok {
		return control.HookWBMode, mode
	}
	if mode, ok := strings.CutPrefix(name, "ex_"); ok {
		return control.HookExposureMode, mode
	}

	return control.HookKind(name), ""
}

// Close stops the watcher and releases its OS resources.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
