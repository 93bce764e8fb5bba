package hls

import (
	"fmt"
	"math"
	"strings"
)

// segment describes one rotated, retained segment for playlist purposes.
type segment struct {
	number   int
	duration float64
}

// buildPlaylist renders the m3u8 body for the given retained (most recent
// first is NOT assumed; segs must already be in ascending sequence order)
// segments, matching the field set and ordering the original implementation
// emits, including the easy-to-drop #EXT-X-ALLOW-CACHE:NO line.
func buildPlaylist(segs []segment, mostRecentNumber int, ended bool, enc *encryptionConfig) string {
	var b strings.Builder

	target := 1
	for _, s := range segs {
		if d := int(math.Ceil(s.duration)); d > target {
			target = d
		}
	}

	fmt.Fprintf(&b, "#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mostRecentNumber)
	fmt.Fprintf(&b, "#EXT-X-ALLOW-CACHE:NO\n")

	if enc != nil && enc.enabled {
		fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=%q,IV=0x%X\n", enc.keyURI, enc.iv)
	}

	for _, s := range segs {
		fmt.Fprintf(&b, "#EXTINF:%.5f,\n", s.duration)
		fmt.Fprintf(&b, "%d.ts\n", s.number)
	}

	if ended {
		fmt.Fprintf(&b, "#EXT-X-ENDLIST\n")
	}

	return b.String()
}
