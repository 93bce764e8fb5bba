package mpegts

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Standard PIDs and stream types used by this package's writer. The
// persisted stream always carries exactly one video and one audio program,
// matching the single-camera pipeline this muxer serves.
const (
	PIDPAT   uint16 = 0x0000
	PIDPMT   uint16 = 0x1000
	PIDVideo uint16 = 0x0100
	PIDAudio uint16 = 0x0101

	StreamTypeH264 uint8 = 0x1B
	StreamTypeAAC  uint8 = 0x0F

	pcrPID = PIDVideo
)

// StreamConfig describes one elementary stream the Muxer carries.
type StreamConfig struct {
	PID        uint16
	StreamType uint8
}

// ContinuityState is a snapshot of every PID's continuity counter, taken
// before closing a container and restored after opening the next one so
// concatenated segments present as a single continuous transport stream.
type ContinuityState map[uint16]uint8

// Muxer serializes access units into 188-byte MPEG-TS packets: PAT/PMT
// section packets, PCR insertion on the video PID, and PES-wrapped
// elementary stream payloads. It is the write-side complement of Demuxer,
// built from scratch because no available TS writer exposes continuity
// counter snapshot/restore across a container boundary.
type Muxer struct {
	w io.Writer

	video StreamConfig
	audio StreamConfig

	cc           map[uint16]uint8
	pmtVersion   uint8
	lastPCRTicks int64 // 90kHz PTS ticks of the last PCR insertion
	pcrInterval  int64 // in 90kHz ticks, ~100ms default
}

// NewMuxer creates a Muxer for a single H.264 video + AAC audio program.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{
		w:     w,
		video: StreamConfig{PID: PIDVideo, StreamType: StreamTypeH264},
		audio: StreamConfig{PID: PIDAudio, StreamType: StreamTypeAAC},
		cc: map[uint16]uint8{
			PIDPAT:   0,
			PIDPMT:   0,
			PIDVideo: 0,
			PIDAudio: 0,
		},
		pcrInterval: 9000, // 100ms @ 90kHz
	}
}

// Snapshot returns a copy of the current per-PID continuity counters.
func (m *Muxer) Snapshot() ContinuityState {
	cp := make(ContinuityState, len(m.cc))
	for k, v := range m.cc {
		cp[k] = v
	}
	return cp
}

// Restore replaces the current continuity counters with a previously
// captured snapshot, used when reopening a container across a segment or
// flush boundary so decoders see unbroken counters.
func (m *Muxer) Restore(s ContinuityState) {
	for k, v := range s {
		m.cc[k] = v
	}
}

// WriteHeader emits the initial PAT and PMT packets.
func (m *Muxer) WriteHeader() error {
	if err := m.writePAT(); err != nil {
		return err
	}
	return m.writePMT()
}

func (m *Muxer) nextCC(pid uint16) uint8 {
	cc := m.cc[pid]
	m.cc[pid] = (cc + 1) & 0x0F
	return cc
}

func (m *Muxer) writePAT() error {
	section := new(bytes.Buffer)
	section.WriteByte(tableIDPAT)
	// section_syntax_indicator(1)=1, '0'(1), reserved(2)=11, section_length(12)
	// payload after length field: transport_stream_id(2) + reserved/version/current_next(1)
	//   + section_number(1) + last_section_number(1) + program entries(4 each) + CRC(4)
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint16(1)) // transport_stream_id
	body.WriteByte(0xC1)                            // reserved(11) + version(00000) + current_next(1)
	body.WriteByte(0x00)                             // section_number
	body.WriteByte(0x00)                             // last_section_number
	binary.Write(body, binary.BigEndian, uint16(1))  // program_number
	binary.Write(body, binary.BigEndian, 0xE000|PIDPMT)

	sectionLength := body.Len() + 4 // + CRC32
	section.WriteByte(byte(0x80 | 0x30 | (sectionLength>>8)&0x0F))
	section.WriteByte(byte(sectionLength))
	section.Write(body.Bytes())

	crc := computeCRC32(section.Bytes())
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc)
	section.Write(crcBuf)

	return m.writePSIPacket(PIDPAT, section.Bytes())
}

func (m *Muxer) writePMT() error {
	section := new(bytes.Buffer)
	section.WriteByte(tableIDPMT)

	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint16(1)) // program_number
	body.WriteByte(0xC0 | (m.pmtVersion<<1)&0x3E)
	body.WriteByte(0x00) // section_number
	body.WriteByte(0x00) // last_section_number
	binary.Write(body, binary.BigEndian, 0xE000|pcrPID)
	binary.Write(body, binary.BigEndian, uint16(0xF000)) // program_info_length = 0

	for _, s := range []StreamConfig{m.video, m.audio} {
		body.WriteByte(s.StreamType)
		binary.Write(body, binary.BigEndian, 0xE000|s.PID)
		binary.Write(body, binary.BigEndian, uint16(0xF000)) // ES_info_length = 0
	}

	sectionLength := body.Len() + 4
	section.WriteByte(byte(0x80 | 0x30 | (sectionLength>>8)&0x0F))
	section.WriteByte(byte(sectionLength))
	section.Write(body.Bytes())

	crc := computeCRC32(section.Bytes())
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc)
	section.Write(crcBuf)

	return m.writePSIPacket(PIDPMT, section.Bytes())
}

// BumpPMTVersion increments the PMT version, for use when a stream's
// parameters change, and rewrites the PMT. No caller in this module
// invokes it outside its test.
func (m *Muxer) BumpPMTVersion() error {
	m.pmtVersion = (m.pmtVersion + 1) & 0x1F
	return m.writePMT()
}

func (m *Muxer) writePSIPacket(pid uint16, section []byte) error {
	payload := make([]byte, 0, 1+len(section))
	payload = append(payload, 0x00) // pointer_field
	payload = append(payload, section...)

	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 | byte(pid>>8&0x1F) // payload_unit_start_indicator=1
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | m.nextCC(pid) // payload only, no adaptation field

	n := copy(pkt[4:], payload)
	fillStuffing(pkt[4+n:])

	_, err := m.w.Write(pkt)
	return err
}

// WriteAccessUnit PES-wraps and packetizes one access unit for the given
// stream, splitting it into as many 188-byte packets as needed, inserting
// a PCR on the video PID roughly every pcrInterval ticks, and setting the
// random-access (keyframe) flag in the adaptation field when requested.
func (m *Muxer) WriteAccessUnit(pid uint16, pts, dts int64, payload []byte, randomAccess bool) error {
	pes := buildPESPacket(pid, pts, dts, payload)

	needPCR := pid == pcrPID && (m.lastPCRTicks == 0 || pts-m.lastPCRTicks >= m.pcrInterval)
	if needPCR {
		m.lastPCRTicks = pts
	}

	first := true
	for len(pes) > 0 {
		pkt := make([]byte, packetSize)
		pkt[0] = syncByte
		pusi := byte(0)
		if first {
			pusi = 0x40
		}
		pkt[1] = pusi | byte(pid>>8&0x1F)
		pkt[2] = byte(pid)

		headerLen := 4
		remaining := packetSize - headerLen

		writePCR := first && needPCR
		writeRandomAccess := first && randomAccess

		if writePCR || writeRandomAccess || remaining > len(pes) {
			af := buildAdaptationField(writePCR, pts, writeRandomAccess, remaining, len(pes))
			pkt[3] = 0x30 | m.nextCC(pid) // adaptation field + payload
			headerLen += len(af)
			copy(pkt[4:4+len(af)], af)
		} else {
			pkt[3] = 0x10 | m.nextCC(pid) // payload only
		}

		space := packetSize - headerLen
		n := space
		if n > len(pes) {
			n = len(pes)
		}
		copy(pkt[headerLen:headerLen+n], pes[:n])
		pes = pes[n:]

		if _, err := m.w.Write(pkt); err != nil {
			return err
		}
		first = false
	}
	return nil
}

func buildPESPacket(pid uint16, pts, dts int64, payload []byte) []byte {
	streamID := byte(0xE0) // video stream_id range; caller picks PID, not id
	if pid == PIDAudio {
		streamID = 0xC0
	}

	buf := new(bytes.Buffer)
	buf.Write([]byte{0x00, 0x00, 0x01})
	buf.WriteByte(streamID)

	hasDTS := dts != pts

	optHeader := new(bytes.Buffer)
	optHeader.WriteByte(0x80) // marker bits + no scrambling/priority/alignment/copyright/original
	ptsDTSFlag := byte(0x80)
	if hasDTS {
		ptsDTSFlag = 0xC0
	}
	optHeader.WriteByte(ptsDTSFlag)
	headerDataLen := 5
	if hasDTS {
		headerDataLen = 10
	}
	optHeader.WriteByte(byte(headerDataLen))

	if hasDTS {
		optHeader.Write(encodeTimestamp(0x3, pts))
		optHeader.Write(encodeTimestamp(0x1, dts))
	} else {
		optHeader.Write(encodeTimestamp(0x2, pts))
	}

	pesPayloadLen := optHeader.Len() + len(payload)
	lengthField := pesPayloadLen
	if lengthField > 0xFFFF {
		lengthField = 0 // unbounded, video streams
	}
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(lengthField))
	buf.Write(lenBuf)
	buf.Write(optHeader.Bytes())
	buf.Write(payload)

	return buf.Bytes()
}

func encodeTimestamp(prefix byte, ts int64) []byte {
	v := ts & 0x1FFFFFFFF // 33 bits
	b := make([]byte, 5)
	b[0] = prefix<<4 | byte(v>>29)&0x0E | 0x01
	b[1] = byte(v >> 22)
	b[2] = byte(v>>14)&0xFE | 0x01
	b[3] = byte(v >> 7)
	b[4] = byte(v<<1)&0xFE | 0x01
	return b
}

func buildAdaptationField(writePCR bool, pts int64, randomAccess bool, spaceAvailable, payloadRemaining int) []byte {
	pcrLen := 0
	if writePCR {
		pcrLen = 6
	}

	// Adaptation field must fill exactly the slack between header and
	// payload when there isn't enough payload left to fill the packet.
	need := 1 + pcrLen // flags byte + optional PCR
	stuffing := 0
	if spaceAvailable-1 > payloadRemaining { // -1 for adaptation_field_length byte
		stuffing = spaceAvailable - 1 - payloadRemaining - need
		if stuffing < 0 {
			stuffing = 0
		}
	}

	af := make([]byte, 1+need+stuffing)
	af[0] = byte(need + stuffing) // adaptation_field_length excludes itself
	flags := byte(0)
	if randomAccess {
		flags |= 0x40
	}
	if writePCR {
		flags |= 0x10
	}
	af[1] = flags

	if writePCR {
		pcrBase := uint64(pts) & 0x1FFFFFFFF
		pcrExt := uint64(0)
		b := af[2:8]
		b[0] = byte(pcrBase >> 25)
		b[1] = byte(pcrBase >> 17)
		b[2] = byte(pcrBase >> 9)
		b[3] = byte(pcrBase >> 1)
		b[4] = byte(pcrBase<<7) | 0x7E | byte(pcrExt>>8)
		b[5] = byte(pcrExt)
	}

	for i := 1 + need; i < len(af); i++ {
		af[i] = 0xFF
	}

	return af
}

func fillStuffing(b []byte) {
	for i := range b {
		b[i] = 0xFF
	}
}
