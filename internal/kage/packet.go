package kage

import "fmt"

// Packet composes one outgoing datagram of one or more chunks. Size,
// StartOffset, Flags and Type describe the chunk currently being built;
// chunks before StartOffset already carry their stamped headers. The
// zero value is ready to use.
type Packet struct {
	Data        [BufLen]byte
	Size        uint16
	StartOffset uint16
	Flags       uint16
	Type        Command
	overflow    bool
}

// Reset returns the packet to a single empty REQ_NOP chunk.
func (p *Packet) Reset() {
	p.Data = [BufLen]byte{}
	p.Size = HeaderLen
	p.StartOffset = 0
	p.Flags = FlagUnknown
	p.Type = ReqNop
	p.overflow = false
}

// Empty reports whether nothing has been composed yet: a zero value or
// a freshly reset packet holding a bare REQ_NOP chunk.
func (p *Packet) Empty() bool {
	if p.Size == 0 {
		return true
	}
	return p.Size == HeaderLen && p.Flags == FlagUnknown &&
		p.Type == ReqNop && p.StartOffset == 0
}

// Init opens a chunk of the given type. On an empty packet it claims
// the first chunk; otherwise it stamps the current chunk, marks it
// continued and appends a fresh header after it.
func (p *Packet) Init(typ Command) {
	if p.Empty() {
		p.Reset()
		p.Type = typ
		return
	}
	if _, err := p.Finalize(); err != nil {
		// Poisoned for good; the send path reports it once.
		p.overflow = true
	}
	PutU16(p.Data[:], int(p.StartOffset),
		ReadU16(p.Data[:], int(p.StartOffset))|FlagContinue)
	p.StartOffset = p.Size
	// Finalize wrote the server tag where the new header starts.
	for i := 0; i < TagLen; i++ {
		p.Data[int(p.Size)+i] = 0
	}
	p.Size += HeaderLen
	p.Flags = FlagUnknown
	p.Type = typ
}

// RespOK opens an RSP_OK chunk naming the request it answers.
func (p *Packet) RespOK(req Command) {
	p.Init(RspOK)
	p.WriteU32(uint32(req))
}

// RespFailed opens an RSP_FAILED chunk naming the request it rejects.
func (p *Packet) RespFailed(req Command) {
	p.Init(RspFailed)
	p.WriteU32(uint32(req))
}

// Ack marks the current chunk as acknowledging the peer sequence seq.
func (p *Packet) Ack(seq uint32) {
	p.Flags |= FlagAck
	PutU32(p.Data[:], int(p.StartOffset)+0xc, seq)
}

// Finalize stamps the current chunk header and the trailing server tag
// and returns the datagram length. It fails when a chunk outgrew its
// 10 size bits or a write ran past the buffer; such a packet must not
// be sent.
func (p *Packet) Finalize() (int, error) {
	chunkSize := p.Size - p.StartOffset
	if p.overflow || chunkSize > MaxChunkLen {
		return 0, fmt.Errorf("packet too big: %#x byte chunk at %#x", chunkSize, p.StartOffset)
	}
	PutU16(p.Data[:], int(p.StartOffset), p.Flags|chunkSize)
	p.Data[int(p.StartOffset)+3] = byte(p.Type)
	PutU32(p.Data[:], int(p.Size), ServerTag)
	return int(p.Size) + TagLen, nil
}

// Clone returns an independent copy, used when a packet is queued for
// reliable delivery while the original keeps being reused.
func (p *Packet) Clone() *Packet {
	q := *p
	return &q
}

func (p *Packet) fits(n int) bool {
	if int(p.Size)+n > BufLen-TagLen {
		p.overflow = true
		return false
	}
	return true
}

// WriteU8 appends one byte to the current chunk.
func (p *Packet) WriteU8(v uint8) {
	if !p.fits(1) {
		return
	}
	p.Data[p.Size] = v
	p.Size++
}

// WriteU16 appends a big-endian 16-bit value to the current chunk.
func (p *Packet) WriteU16(v uint16) {
	if !p.fits(2) {
		return
	}
	PutU16(p.Data[:], int(p.Size), v)
	p.Size += 2
}

// WriteU32 appends a big-endian 32-bit value to the current chunk.
func (p *Packet) WriteU32(v uint32) {
	if !p.fits(4) {
		return
	}
	PutU32(p.Data[:], int(p.Size), v)
	p.Size += 4
}

// WriteBytes appends b verbatim to the current chunk.
func (p *Packet) WriteBytes(b []byte) {
	if !p.fits(len(b)) {
		return
	}
	copy(p.Data[p.Size:], b)
	p.Size += uint16(len(b))
}

// WriteString appends s truncated or zero-padded to exactly width bytes.
func (p *Packet) WriteString(s string, width int) {
	if !p.fits(width) {
		return
	}
	n := copy(p.Data[p.Size:int(p.Size)+width], s)
	for i := n; i < width; i++ {
		p.Data[int(p.Size)+i] = 0
	}
	p.Size += uint16(width)
}
