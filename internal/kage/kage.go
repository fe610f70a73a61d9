// Package kage implements the datagram wire format spoken by the
// Dreamcast lobby clients: compound UDP payloads made of back-to-back
// command chunks, each with a 16-byte big-endian header, terminated by
// a constant 4-byte server tag.
package kage

import "encoding/binary"

// Game identifies one of the supported titles.
type Game int

const (
	GameNone Game = iota - 1
	GameBomberman
	GameOuttrigger
	GamePropellerA
)

func (g Game) String() string {
	switch g {
	case GameBomberman:
		return "bomberman"
	case GameOuttrigger:
		return "outtrigger"
	case GamePropellerA:
		return "propeller"
	default:
		return "none"
	}
}

const (
	// ServerTag terminates every outgoing datagram and is stripped from
	// every incoming one before chunking.
	ServerTag uint32 = 0x006647BA

	// TagLen is the size of the trailing server tag.
	TagLen = 4

	// HeaderLen is the fixed per-chunk header size.
	HeaderLen = 0x10

	// MaxChunkLen is the largest encodable chunk; sizes are carried in
	// the low 10 bits of the first header word.
	MaxChunkLen = 0x3ff

	// MinDatagramLen is the smallest valid datagram: one bare chunk
	// header plus the server tag.
	MinDatagramLen = 0x14

	// RecvBufLen is the receive buffer size; clients never send more.
	RecvBufLen = 1510

	// BufLen is the packet scratch buffer capacity.
	BufLen = 0x800
)

// ReadU16 reads a big-endian 16-bit value at off.
func ReadU16(p []byte, off int) uint16 {
	return binary.BigEndian.Uint16(p[off:])
}

// ReadU32 reads a big-endian 32-bit value at off.
func ReadU32(p []byte, off int) uint32 {
	return binary.BigEndian.Uint32(p[off:])
}

// PutU16 writes a big-endian 16-bit value at off.
func PutU16(p []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(p[off:], v)
}

// PutU32 writes a big-endian 32-bit value at off.
func PutU32(p []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(p[off:], v)
}

// SplitHeader splits the first word of a chunk header into the chunk
// size (including the header) and the flag bits.
func SplitHeader(w uint16) (size int, flags uint16) {
	return int(w & MaxChunkLen), w &^ MaxChunkLen
}
