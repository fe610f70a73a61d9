package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dcnet/kage/internal/kage"
)

// Handler consumes received datagrams. All methods run on the reactor,
// in order: RawDatagram once per datagram, HandleChunk per parsed
// chunk, then HandleDone to flush whatever the handler accumulated.
type Handler interface {
	RawDatagram(src *net.UDPAddr, data []byte)
	HandleChunk(src *net.UDPAddr, chunk []byte)
	HandleDone(src *net.UDPAddr)
}

// PacketConn is the part of *net.UDPConn the endpoint uses. Tests
// substitute an in-memory implementation.
type PacketConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// Endpoint owns one UDP socket. Its read loop copies each datagram and
// posts it to the reactor, where parsing and dispatch happen.
type Endpoint struct {
	name    string
	reactor *Reactor
	handler Handler

	mu   sync.Mutex
	conn PacketConn
}

func NewEndpoint(name string, r *Reactor, h Handler) *Endpoint {
	return &Endpoint{name: name, reactor: r, handler: h}
}

// Run binds the UDP port and serves until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context, port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("listening on udp port %d: %w", port, err)
	}
	return e.Serve(ctx, conn)
}

// Serve reads datagrams from a ready connection. Used directly by
// tests with an in-memory connection.
func (e *Endpoint) Serve(ctx context.Context, conn PacketConn) error {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	slog.Info("endpoint listening", "server", e.name, "address", conn.LocalAddr())

	buf := make([]byte, kage.RecvBufLen)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("udp receive failed", "server", e.name, "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.reactor.Post(func() {
			e.process(src, data)
		})
	}
}

// Send finalizes and transmits a packet. Oversize packets are dropped
// with an error; the protocol has no way to split them after the fact.
func (e *Endpoint) Send(p *kage.Packet, dst *net.UDPAddr) {
	n, err := p.Finalize()
	if err != nil {
		slog.Error("dropping reply", "server", e.name, "to", dst, "error", err)
		return
	}
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		slog.Error("dropping reply, endpoint not serving", "server", e.name, "to", dst)
		return
	}
	if _, err := conn.WriteToUDP(p.Data[:n], dst); err != nil {
		slog.Error("udp send failed", "server", e.name, "to", dst, "error", err)
	}
}

// process parses one datagram into chunks. Runs on the reactor.
func (e *Endpoint) process(src *net.UDPAddr, data []byte) {
	if len(data) < kage.MinDatagramLen {
		slog.Error("dropping short datagram", "server", e.name, "from", src, "len", len(data))
		return
	}
	e.handler.RawDatagram(src, data)

	payload := data[:len(data)-kage.TagLen]
	for off := 0; off < len(payload); {
		if len(payload)-off < kage.HeaderLen {
			slog.Error("truncated chunk header", "server", e.name, "from", src,
				"remaining", len(payload)-off)
			break
		}
		size, _ := kage.SplitHeader(kage.ReadU16(payload, off))
		if size < kage.HeaderLen {
			slog.Error("malformed chunk", "server", e.name, "from", src, "size", size)
			break
		}
		end := off + size
		if end > len(payload) {
			// Ack-only NOPs misreport 0x14 for a 0x10 body.
			if kage.Command(payload[off+3]) != kage.ReqNop {
				slog.Error("truncated chunk", "server", e.name, "from", src,
					"size", size, "remaining", len(payload)-off)
				break
			}
			end = len(payload)
		}
		e.handler.HandleChunk(src, payload[off:end])
		off += size
	}
	e.handler.HandleDone(src)
}
