// Package netdump captures per-room UDP traffic into .dmp files for
// offline dissection.
package netdump

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Writer appends datagram records to one capture file. A nil Writer
// discards everything, so callers with capture disabled need no
// branches.
type Writer struct {
	name string
	f    *os.File
	buf  *bufio.Writer
}

// Open creates a capture file named DD_HH-MM-SS_<room>.dmp in the
// working directory, with '/' in the room name replaced by '_'.
func Open(room string) (*Writer, error) {
	name := time.Now().Format("02_15-04-05") + "_" + room + ".dmp"
	name = strings.ReplaceAll(name, "/", "_")
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("creating netdump %s: %w", name, err)
	}
	return &Writer{name: name, f: f, buf: bufio.NewWriter(f)}, nil
}

// Name returns the capture file name.
func (w *Writer) Name() string {
	if w == nil {
		return ""
	}
	return w.name
}

// Record appends one datagram: little-endian milliseconds since the
// Unix epoch, the IPv4 source address, source port, length, then the
// raw bytes.
func (w *Writer) Record(src *net.UDPAddr, data []byte) {
	if w == nil || w.f == nil {
		return
	}
	var hdr [18]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(time.Now().UnixMilli()))
	if ip := src.IP.To4(); ip != nil {
		copy(hdr[8:12], ip)
	}
	binary.LittleEndian.PutUint16(hdr[12:], uint16(src.Port))
	binary.LittleEndian.PutUint32(hdr[14:], uint32(len(data)))
	w.buf.Write(hdr[:])
	w.buf.Write(data)
}

// Close flushes and closes the capture file.
func (w *Writer) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	w.buf.Flush()
	return w.f.Close()
}
