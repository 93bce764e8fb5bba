// Package control consumes hook events delivered by the filesystem-watch
// collaborator (internal/hookwatch) and dispatches them to the pipeline
// components they affect: the recorder, the ring, the audio mute flag, the
// camera parameter surface, and the subtitle overlay.
package control

import (
	"fmt"
	"strconv"
	"strings"
)

// HookKind names the recognized hook file grammars.
type HookKind string

const (
	HookStartRecord  HookKind = "start_record"
	HookStopRecord   HookKind = "stop_record"
	HookSetRecordBuf HookKind = "set_recordbuf"
	HookMute         HookKind = "mute"
	HookUnmute       HookKind = "unmute"
	HookWBRed        HookKind = "wbred"
	HookWBBlue       HookKind = "wbblue"
	HookWBMode       HookKind = "wb_mode"
	HookExposureMode HookKind = "ex_mode"
	HookSetSubtitle  HookKind = "subtitle"
)

// HookEvent is one parsed drop onto the hooks directory: a kind plus the
// raw body the hook file carried (possibly empty) and, for the wb_<mode>/
// ex_<mode> filename-driven kinds, the mode extracted from the filename
// itself rather than the body.
type HookEvent struct {
	Kind  HookKind
	Body  string
	Param string
}

// StartRecordParams is the parsed body of a start_record hook: zero or more
// of "recordbuf=N", "dir=...", "filename=..." key=value pairs, newline or
// comma separated.
type StartRecordParams struct {
	RecordBuf int // 0 means "unspecified, use the engine default"
	Dir       string
	Filename  string
}

// ParseStartRecord parses a start_record hook body. An empty body is valid
// and yields zero-value params.
func ParseStartRecord(body string) (StartRecordParams, error) {
	var p StartRecordParams
	for _, kv := range splitPairs(body) {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return p, fmt.Errorf("control: malformed start_record field %q", kv)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "recordbuf":
			n, err := strconv.Atoi(val)
			if err != nil {
				return p, fmt.Errorf("control: recordbuf=%q: %w", val, err)
			}
			p.RecordBuf = n
		case "dir":
			p.Dir = val
		case "filename":
			p.Filename = val
		default:
			return p, fmt.Errorf("control: unknown start_record field %q", key)
		}
	}
	return p, nil
}

// ParseSetRecordBuf parses a set_recordbuf hook body, a single integer K.
func ParseSetRecordBuf(body string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		return 0, fmt.Errorf("control: set_recordbuf=%q: %w", body, err)
	}
	return n, nil
}

// ParseDecimalGain parses a wbred/wbblue hook body, a single decimal AWB
// gain value.
func ParseDecimalGain(body string) (float64, error) {
	g, err := strconv.ParseFloat(strings.TrimSpace(body), 64)
	if err != nil {
		return 0, fmt.Errorf("control: decimal gain %q: %w", body, err)
	}
	return g, nil
}

func splitPairs(body string) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	body = strings.ReplaceAll(body, "\n", ",")
	var out []string
	for _, field := range strings.Split(body, ",") {
		field = strings.TrimSpace(field)
		if field != "" {
			out = append(out, field)
		}
	}
	return out
}
