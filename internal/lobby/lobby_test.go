package lobby

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dcnet/kage/internal/kage"
	"github.com/dcnet/kage/internal/transport"
)

// fakeConn is an in-memory PacketConn. Reads block until the test
// context is cancelled; writes are recorded per destination.
type fakeConn struct {
	started  chan struct{}
	once     sync.Once
	closed   chan struct{}
	closeOne sync.Once

	mu   sync.Mutex
	sent []sentDatagram
}

type sentDatagram struct {
	dst  *net.UDPAddr
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{started: make(chan struct{}), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	c.once.Do(func() { close(c.started) })
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *fakeConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentDatagram{dst: addr, data: append([]byte(nil), b...)})
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closeOne.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
}

// take returns and clears the datagrams sent to addr, or all of them
// when addr is nil.
func (c *fakeConn) take(addr *net.UDPAddr) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	var keep []sentDatagram
	for _, d := range c.sent {
		if addr == nil || d.dst.String() == addr.String() {
			out = append(out, d.data)
		} else {
			keep = append(keep, d)
		}
	}
	c.sent = keep
	return out
}

// newTestServer builds a lobby server over a fake connection. Handler
// methods are invoked directly on the test goroutine, which stands in
// for the reactor.
func newTestServer(t *testing.T, game kage.Game) (*Server, *fakeConn) {
	t.Helper()
	reactor := transport.NewReactor()
	var s *Server
	switch game {
	case kage.GameBomberman:
		s = NewBombermanServer(9091, reactor, nil, false)
	case kage.GameOuttrigger:
		s = NewOuttriggerServer(9092, reactor, nil, false)
	default:
		s = NewPropellerServer(9093, reactor, nil, false)
	}
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Serve(ctx, conn)
	<-conn.started
	return s, conn
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(port%250)+1), Port: port}
}

// chunk builds one client request chunk: header with stamped flags,
// size and sequence, payload from offset 0x10.
func chunk(typ kage.Command, flags uint16, seq uint32, payload []byte) []byte {
	data := make([]byte, kage.HeaderLen+len(payload))
	kage.PutU16(data, 0, flags|uint16(len(data)))
	data[3] = byte(typ)
	kage.PutU32(data, 8, seq)
	copy(data[kage.HeaderLen:], payload)
	return data
}

// deliver feeds one single-chunk datagram through the handler.
func deliver(s *Server, src *net.UDPAddr, data []byte) {
	s.HandleChunk(src, data)
	s.HandleDone(src)
}

// chunks splits an outgoing datagram into its chunk slices, checking
// the trailing server tag.
func chunks(t *testing.T, datagram []byte) [][]byte {
	t.Helper()
	require.GreaterOrEqual(t, len(datagram), kage.MinDatagramLen)
	require.Equal(t, kage.ServerTag, kage.ReadU32(datagram, len(datagram)-kage.TagLen))
	payload := datagram[:len(datagram)-kage.TagLen]
	var out [][]byte
	for off := 0; off < len(payload); {
		size, _ := kage.SplitHeader(kage.ReadU16(payload, off))
		require.GreaterOrEqual(t, size, kage.HeaderLen)
		require.LessOrEqual(t, off+size, len(payload))
		out = append(out, payload[off:off+size])
		off += size
	}
	return out
}

func chunkFlags(c []byte) uint16 {
	_, flags := kage.SplitHeader(kage.ReadU16(c, 0))
	return flags
}

// login admits a player the way bootstrap would and runs the lobby
// login exchange.
func login(t *testing.T, s *Server, src *net.UDPAddr, id uint32, name string) *Player {
	t.Helper()
	player := s.AdmitPlayer(src, id)
	payload := make([]byte, 0x128)
	copy(payload[0x10:], name)
	deliver(s, src, chunk(kage.ReqLobbyLogin, 0, 0, payload))
	require.Equal(t, name, player.Name())
	return player
}

// joinLobby puts the player into the first lobby.
func joinLobby(t *testing.T, s *Server, player *Player) *Lobby {
	t.Helper()
	payload := make([]byte, 8)
	kage.PutU32(payload, 0, lobbyIDBase)
	deliver(s, player.Addr(), chunk(kage.ReqJoinLobbyRoom, kage.FlagLobby, 1, payload))
	require.NotNil(t, player.Lobby())
	return player.Lobby()
}

// createRoom runs a REQ_CREATE_ROOM for the player.
func createRoom(t *testing.T, s *Server, player *Player, name string, maxPlayers uint32, password string, attributes uint32) *Room {
	t.Helper()
	payload := make([]byte, 0x30)
	copy(payload[0:], name)
	kage.PutU32(payload, 0x10, maxPlayers)
	copy(payload[0x14:], password)
	kage.PutU32(payload, 0x28, attributes)
	deliver(s, player.Addr(), chunk(kage.ReqCreateRoom, 0, 2, payload))
	require.NotNil(t, player.Room())
	return player.Room()
}

// joinRoom runs a REQ_JOIN_LOBBY_ROOM for an existing room.
func joinRoom(t *testing.T, s *Server, player *Player, roomID uint32, password string) {
	t.Helper()
	payload := make([]byte, 0x20)
	kage.PutU32(payload, 0, roomID)
	copy(payload[8:], password)
	deliver(s, player.Addr(), chunk(kage.ReqJoinLobbyRoom, 0, 3, payload))
}
