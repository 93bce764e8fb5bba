package control

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SubtitleRequest is the closed set of fields a subtitle hook body may
// carry. The overlay renderer itself is out of scope; this type exists so
// the control surface can validate and forward a well-typed request to
// whatever renderer is wired in.
type SubtitleRequest struct {
	Text      string
	Font      string
	PointSize int
	X, Y      int
	Color     string
	Stroke    string
	Align     string
	Duration  time.Duration
}

// ParseSubtitle parses a subtitle hook body of "key=value" fields separated
// by newlines or commas.
func ParseSubtitle(body string) (SubtitleRequest, error) {
	var req SubtitleRequest
	for _, kv := range splitPairs(body) {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return req, fmt.Errorf("control: malformed subtitle field %q", kv)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "text":
			req.Text = val
		case "font":
			req.Font = val
		case "pt":
			n, err := strconv.Atoi(val)
			if err != nil {
				return req, fmt.Errorf("control: subtitle pt=%q: %w", val, err)
			}
			req.PointSize = n
		case "x":
			n, err := strconv.Atoi(val)
			if err != nil {
				return req, fmt.Errorf("control: subtitle x=%q: %w", val, err)
			}
			req.X = n
		case "y":
			n, err := strconv.Atoi(val)
			if err != nil {
				return req, fmt.Errorf("control: subtitle y=%q: %w", val, err)
			}
			req.Y = n
		case "color":
			req.Color = val
		case "stroke":
			req.Stroke = val
		case "align":
			req.Align = val
		case "duration":
			d, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return req, fmt.Errorf("control: subtitle duration=%q: %w", val, err)
			}
			req.Duration = time.Duration(d * float64(time.Second))
		default:
			return req, fmt.Errorf("control: unknown subtitle field %q", key)
		}
	}
	return req, nil
}
