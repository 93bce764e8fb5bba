package h264util

import "bytes"

// startCode4 is the 4-byte Annex B start code used when re-serializing NAL
// units ahead of a keyframe, matching the original muxer's prefixing.
var startCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// KeyframePrefixer caches the first SPS and PPS NAL units it sees and
// inserts SPS+PPS ahead of the keyframe slice of every keyframe access unit
// that lacks its own, the way the original muxer caches parameter sets from
// the first SPS seen and stamps them onto every subsequent IDR. It does not
// add an AUD; an AUD already in the access unit passes through in place.
type KeyframePrefixer struct {
	sps []byte
	pps []byte
}

// Observe scans an access unit for SPS/PPS NAL units and caches the first
// of each; later parameter sets leave the cache unchanged.
// Call this on every access unit, not only keyframes, since parameter sets
// may arrive out of band from the slice data they describe.
func (p *KeyframePrefixer) Observe(units []NALUnit) {
	for _, u := range units {
		switch {
		case IsSPS(u.Type) && p.sps == nil:
			p.sps = append([]byte(nil), u.Data...)
		case IsPPS(u.Type) && p.pps == nil:
			p.pps = append([]byte(nil), u.Data...)
		}
	}
}

// HaveParameterSets reports whether both an SPS and a PPS have been cached.
func (p *KeyframePrefixer) HaveParameterSets() bool {
	return p.sps != nil && p.pps != nil
}

// SPS returns the cached SPS NAL, or nil.
func (p *KeyframePrefixer) SPS() []byte { return p.sps }

// PPS returns the cached PPS NAL, or nil.
func (p *KeyframePrefixer) PPS() []byte { return p.pps }

// Prefix rebuilds an Annex B access unit, inserting the cached SPS and PPS
// ahead of the first slice NAL if the access unit contains a keyframe and
// doesn't already carry its own parameter sets. AUD, existing SPS/PPS, and
// slice data are otherwise passed through unchanged.
func (p *KeyframePrefixer) Prefix(units []NALUnit) []byte {
	var hasOwnParamSets bool
	var isKeyframe bool
	for _, u := range units {
		if IsSPS(u.Type) || IsPPS(u.Type) {
			hasOwnParamSets = true
		}
		if IsKeyframe(u.Type) {
			isKeyframe = true
		}
	}

	var buf bytes.Buffer
	injected := false
	for _, u := range units {
		if isKeyframe && !hasOwnParamSets && !injected && IsKeyframe(u.Type) && p.HaveParameterSets() {
			buf.Write(startCode4)
			buf.Write(p.sps)
			buf.Write(startCode4)
			buf.Write(p.pps)
			injected = true
		}
		buf.Write(startCode4)
		buf.Write(u.Data)
	}
	return buf.Bytes()
}
