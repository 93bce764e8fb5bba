// Package mpegts packetizes encoded access units into MPEG-TS (the write
// side mux.go/crc32.go exercise from the recorder, HLS segmenter, and TCP
// sidecar) and, on the read side, demuxes a TS byte stream back into its
// PAT/PMT/PES constituents. The read side exists so a finalized recording
// can be re-parsed and checked for a complete program map and at least one
// elementary stream before it is published, without trusting the muxer's
// own bookkeeping.
package mpegts

// Packet is one parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader holds the fixed 4-byte TS header fields plus the
// discontinuity flag carried in an adaptation field, if present.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// DemuxResult is one logical unit recovered from the stream: exactly one of
// PAT, PMT, or PES is non-nil.
type DemuxResult struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData is a parsed Program Association Table section.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps one program number to the PID carrying its PMT.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData is a parsed Program Map Table section.
type PMTData struct {
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream is one stream entry within a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PESData is a reassembled Packetized Elementary Stream packet.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader is the fixed portion of a PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries the optional PTS/DTS timestamps, when present.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference is a 33-bit, 90kHz MPEG-TS timestamp base.
type ClockReference struct {
	Base int64
}

// PacketParserFunc lets a caller intercept accumulated packets for a PID
// ahead of the demuxer's own PSI/PES parsing. Returning skip=true tells the
// demuxer to use ds as-is instead of parsing the packets itself.
type PacketParserFunc func(ps []*Packet) (ds []*DemuxResult, skip bool, err error)
