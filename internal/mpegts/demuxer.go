package mpegts

import (
	"context"
	"errors"
	"io"
)

// Demuxer pulls 188-byte packets off reader, accumulates each PID's
// payload until a PSI section or PES packet completes, and surfaces the
// parsed result through NextData.
type Demuxer struct {
	ctx        context.Context
	reader     io.Reader
	readBuf    []byte
	pool       *packetPool
	programMap *programMap
	pending    []*DemuxResult // parsed but not yet returned to the caller
	parserHook PacketParserFunc
	pktSize    int
	eof        bool
	tailResult []*DemuxResult // results produced while draining on EOF
}

// NewDemuxer builds a Demuxer reading TS packets from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		reader:     r,
		pktSize:    packetSize,
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// DemuxerOptPacketSize overrides the TS packet size (default 188).
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.pktSize = size
	}
}

// DemuxerOptPacketParserFunc installs a callback that sees each PID's
// accumulated packets ahead of the demuxer's own PSI/PES parsing.
func DemuxerOptPacketParserFunc(p PacketParserFunc) func(*Demuxer) {
	return func(d *Demuxer) {
		d.parserHook = p
	}
}

// NextData returns the next parsed unit, or io.EOF once the reader and any
// packets still buffered in the accumulators have been exhausted.
func (d *Demuxer) NextData() (*DemuxResult, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}

		if d.eof {
			if len(d.tailResult) > 0 {
				data := d.tailResult[0]
				d.tailResult = d.tailResult[1:]
				return data, nil
			}
			return nil, io.EOF
		}

		if d.ctx.Err() != nil {
			return nil, d.ctx.Err()
		}

		if _, err := io.ReadFull(d.reader, d.readBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drainPool()
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.readBuf)
		if err != nil {
			continue // corrupt packet, keep reading
		}

		flushed := d.pool.add(pkt)
		if flushed == nil {
			continue
		}

		results, err := d.processPackets(flushed)
		if err != nil {
			continue // corrupt section, keep reading
		}
		if len(results) == 0 {
			continue
		}

		d.learnProgramMap(results)

		d.pending = results[1:]
		return results[0], nil
	}
}

// learnProgramMap records every PMT PID a PAT result names, so later
// packets on that PID are recognized as PSI rather than PES.
func (d *Demuxer) learnProgramMap(results []*DemuxResult) {
	for _, r := range results {
		if r.PAT == nil {
			continue
		}
		for _, p := range r.PAT.Programs {
			d.programMap.addPMTPID(p.ProgramMapID)
		}
	}
}

// drainPool flushes every accumulator's partial buffer once the reader has
// hit EOF, so a PSI section or PES packet still in flight at end-of-stream
// is not silently dropped.
func (d *Demuxer) drainPool() {
	for _, packets := range d.pool.dump() {
		results, err := d.processPackets(packets)
		if err != nil {
			continue
		}
		d.learnProgramMap(results)
		d.tailResult = append(d.tailResult, results...)
	}
}

func (d *Demuxer) processPackets(packets []*Packet) ([]*DemuxResult, error) {
	if len(packets) == 0 {
		return nil, nil
	}

	firstPacket := packets[0]
	pid := firstPacket.Header.PID

	if d.parserHook != nil {
		ds, skip, err := d.parserHook(packets)
		if err != nil {
			return nil, err
		}
		if skip {
			return ds, nil
		}
	}

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	if isPSIPayload(pid, d.programMap) {
		return parsePSI(payload, pid, firstPacket, d.programMap)
	}

	if isPESPayload(payload) {
		pes, err := parsePES(payload)
		if err != nil {
			return nil, err
		}
		return []*DemuxResult{{
			FirstPacket: firstPacket,
			PES:         pes,
		}}, nil
	}

	return nil, nil
}
