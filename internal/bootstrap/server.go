// Package bootstrap implements the handoff endpoint every client
// contacts first: it detects the game from the login payload, creates
// the player in that game's lobby server and answers with the lobby
// port to reconnect to.
package bootstrap

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/dcnet/kage/internal/kage"
	"github.com/dcnet/kage/internal/lobby"
	"github.com/dcnet/kage/internal/transport"
)

// Port is the well-known bootstrap UDP port.
const Port = 9090

const firstUserID = 0x1001

// Server owns the bootstrap endpoint and the user id counter shared by
// all three games.
type Server struct {
	port       int
	endpoint   *transport.Endpoint
	games      map[kage.Game]*lobby.Server
	nextUserID uint32

	reply kage.Packet
}

// NewServer wires the bootstrap endpoint to the per-game lobby
// servers, which must share the same reactor.
func NewServer(port int, reactor *transport.Reactor, games map[kage.Game]*lobby.Server) *Server {
	s := &Server{port: port, games: games, nextUserID: firstUserID}
	s.endpoint = transport.NewEndpoint("bootstrap", reactor, s)
	return s
}

// Run binds the bootstrap UDP port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.endpoint.Run(ctx, s.port)
}

// Serve reads from a ready connection; tests inject an in-memory one.
func (s *Server) Serve(ctx context.Context, conn transport.PacketConn) error {
	return s.endpoint.Serve(ctx, conn)
}

func (s *Server) RawDatagram(src *net.UDPAddr, data []byte) {}

// HandleChunk answers bootstrap logins and pings. Runs on the reactor.
func (s *Server) HandleChunk(src *net.UDPAddr, chunk []byte) {
	switch kage.Command(chunk[3]) {
	case kage.ReqBootstrapLogin:
		s.handleLogin(src, chunk)

	case kage.ReqPing:
		s.reply.RespOK(kage.ReqPing)
		s.reply.WriteU32(u32(chunk, 0x10))

	default:
		slog.Warn("bootstrap: unhandled command", "command", chunk[3], "from", src)
	}
}

// HandleDone flushes the reply. The player id field carries the
// client's own temporary id back, not the newly assigned one.
func (s *Server) HandleDone(src *net.UDPAddr) {
	if s.reply.Empty() {
		return
	}
	s.endpoint.Send(&s.reply, src)
	s.reply.Reset()
}

func (s *Server) handleLogin(src *net.UDPAddr, chunk []byte) {
	game, name := detectGame(chunk)
	target := s.games[game]
	if target == nil {
		slog.Error("bootstrap: no lobby server for game", "game", game)
		return
	}

	id := s.nextUserID
	s.nextUserID++
	player := target.AdmitPlayer(src, id)
	player.SetName(name)
	slog.Info("bootstrap login", "game", game, "player", name, "id", id, "port", target.Port())

	s.reply.Init(kage.RspLoginSuccess2)
	s.reply.WriteU32(uint32(target.Port()))
	s.reply.WriteU32(0)
	s.reply.WriteU32(id)
	kage.PutU32(s.reply.Data[:], 4, u32(chunk, 4))
}

// detectGame matches the identifier at 0x10 against the known titles.
// Anything else is Outtrigger, whose login carries the player name at
// 0x10 instead of an identifier.
func detectGame(chunk []byte) (kage.Game, string) {
	switch cstring(chunk, 0x10) {
	case "BombermanOnline":
		// Bomberman appends the room password after a \x01 separator.
		name, _, _ := strings.Cut(cstring(chunk, 0x38), "\x01")
		return kage.GameBomberman, name
	case "PropellerA":
		return kage.GamePropellerA, cstring(chunk, 0x38)
	default:
		return kage.GameOuttrigger, cstring(chunk, 0x10)
	}
}

func u32(chunk []byte, off int) uint32 {
	if off+4 > len(chunk) {
		return 0
	}
	return kage.ReadU32(chunk, off)
}

func cstring(chunk []byte, off int) string {
	if off >= len(chunk) {
		return ""
	}
	end := off
	for end < len(chunk) && chunk[end] != 0 {
		end++
	}
	return string(chunk[off:end])
}
