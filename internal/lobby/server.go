// Package lobby implements the per-game lobby servers: player
// admission and liveness, the reliable-UDP overlay, lobbies and rooms,
// the generic command handler and the Bomberman and Outtrigger game
// engines layered on top of it.
package lobby

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net"
	"time"

	"github.com/dcnet/kage/internal/kage"
	"github.com/dcnet/kage/internal/transport"
)

const (
	lobbyIDBase    = 0x3001
	firstRoomID    = 0x2001
	maxLobbies     = 10
	sweepInterval  = 30 * time.Second
	keepaliveAfter = 30 * time.Second
)

// Join failure codes carried in RSP_FAILED replies.
const (
	joinErrNotFound = 8
	joinErrLocked   = 9
	joinErrPassword = 0xf
)

// Presence receives lobby activity notifications. Calls must not
// block; the Discord webhook implementation posts asynchronously.
type Presence interface {
	LobbyJoined(game kage.Game, player string, lobbyPlayers []string)
	RoomCreated(game kage.Game, player, room string, lobbyPlayers []string)
}

// Server is one per-game lobby endpoint. All of its state is owned by
// the reactor; handler methods run there exclusively.
type Server struct {
	game     kage.Game
	port     int
	reactor  *transport.Reactor
	endpoint *transport.Endpoint
	presence Presence
	netdump  bool

	lobbies    []*Lobby
	nextRoomID uint32
	players    map[string]*Player
	sweep      *transport.Timer

	// player, reply and relay hold the in-progress state of the
	// datagram being handled; HandleDone flushes and clears them.
	player *Player
	reply  kage.Packet
	relay  kage.Packet

	// gameChunk gets first refusal on every chunk. It reports whether
	// the chunk was consumed.
	gameChunk func(player *Player, chunk []byte) bool
	// newRoomGame attaches the per-game variant state to a new room.
	newRoomGame func(room *Room)
}

func newServer(game kage.Game, port int, reactor *transport.Reactor, presence Presence, netdump bool) *Server {
	s := &Server{
		game:       game,
		port:       port,
		reactor:    reactor,
		presence:   presence,
		netdump:    netdump,
		nextRoomID: firstRoomID,
		players:    make(map[string]*Player),
	}
	s.endpoint = transport.NewEndpoint(game.String(), reactor, s)
	s.AddLobby("ShuMania")
	s.sweep = transport.NewTimer(reactor)
	s.sweep.ExpiresAfter(sweepInterval)
	s.sweep.AsyncWait(s.sweepPlayers)
	return s
}

// NewBombermanServer returns the Bomberman lobby server.
func NewBombermanServer(port int, reactor *transport.Reactor, presence Presence, netdump bool) *Server {
	s := newServer(kage.GameBomberman, port, reactor, presence, netdump)
	s.gameChunk = s.bombermanChunk
	s.newRoomGame = func(room *Room) { room.bm = newBMRoom(room) }
	return s
}

// NewOuttriggerServer returns the Outtrigger lobby server.
func NewOuttriggerServer(port int, reactor *transport.Reactor, presence Presence, netdump bool) *Server {
	s := newServer(kage.GameOuttrigger, port, reactor, presence, netdump)
	s.gameChunk = s.outtriggerChunk
	s.newRoomGame = func(room *Room) { room.ot = newOTRoom(room) }
	return s
}

// NewPropellerServer returns the Propeller Arena lobby server, which
// uses the generic handler and plain rooms.
func NewPropellerServer(port int, reactor *transport.Reactor, presence Presence, netdump bool) *Server {
	return newServer(kage.GamePropellerA, port, reactor, presence, netdump)
}

func (s *Server) Game() kage.Game { return s.game }
func (s *Server) Port() int       { return s.port }

// Run binds the lobby UDP port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.endpoint.Run(ctx, s.port)
}

// Serve reads from a ready connection; tests inject an in-memory one.
func (s *Server) Serve(ctx context.Context, conn transport.PacketConn) error {
	return s.endpoint.Serve(ctx, conn)
}

// AddLobby appends a lobby with the next id in the 0x3001 block.
func (s *Server) AddLobby(name string) *Lobby {
	if len(s.lobbies) >= maxLobbies {
		slog.Error("lobby limit reached", "game", s.game, "lobby", name)
		return nil
	}
	l := newLobby(s, uint32(len(s.lobbies)+lobbyIDBase), name)
	s.lobbies = append(s.lobbies, l)
	return l
}

// Lobby resolves a lobby id from the 0x3001 block.
func (s *Server) Lobby(id uint32) *Lobby {
	id -= lobbyIDBase
	if id >= uint32(len(s.lobbies)) {
		return nil
	}
	return s.lobbies[id]
}

// Player returns the player attached to the endpoint, if any.
func (s *Server) Player(addr *net.UDPAddr) *Player {
	return s.players[addr.String()]
}

// AdmitPlayer registers a freshly bootstrapped player. A stale player
// on the same endpoint is evicted first. Must run on the reactor.
func (s *Server) AdmitPlayer(addr *net.UDPAddr, id uint32) *Player {
	player := newPlayer(s, addr, id)
	if old := s.players[addr.String()]; old != nil {
		slog.Warn("endpoint already in lobby server, evicting",
			"game", s.game, "player", old.name, "id", old.id, "from", addr)
		s.RemovePlayer(old)
	}
	slog.Info("player joined lobby server", "game", s.game, "id", id, "from", addr)
	s.players[addr.String()] = player
	return player
}

// RemovePlayer drops the player from its lobby, its room and the
// endpoint map, and stops its retransmission timer.
func (s *Server) RemovePlayer(player *Player) {
	if player.lobby != nil {
		player.lobby.RemovePlayer(player)
	}
	delete(s.players, player.addr.String())
	player.close()
	slog.Info("player left lobby server", "game", s.game, "player", player.name, "id", player.id)
}

// addRoom creates a room owned by player in its current lobby.
func (s *Server) addRoom(name string, attributes uint32, owner *Player) *Room {
	id := s.nextRoomID
	s.nextRoomID++
	room := &Room{lobby: owner.lobby, id: id, name: name, attributes: attributes, owner: owner}
	if s.newRoomGame != nil {
		s.newRoomGame(room)
	}
	room.AddPlayer(owner)
	if s.netdump {
		room.openNetdump()
	}
	owner.lobby.addRoom(room)
	return room
}

// sweepPlayers removes timed-out players and prods idle in-lobby
// players with a reliable NOP to elicit an ack.
func (s *Server) sweepPlayers() {
	var timeouts []*Player
	for _, player := range s.players {
		if player.TimedOut() {
			slog.Info("player timed out", "game", s.game, "player", player.name)
			timeouts = append(timeouts, player)
		} else if player.room == nil && time.Since(player.lastTime) <= keepaliveAfter {
			var packet kage.Packet
			packet.Init(kage.ReqNop)
			packet.Flags |= kage.FlagRUDP
			player.Send(&packet)
		}
	}
	for _, player := range timeouts {
		s.RemovePlayer(player)
	}
	s.sweep.ExpiresAfter(sweepInterval)
	s.sweep.AsyncWait(s.sweepPlayers)
}

// RawDatagram feeds the room capture file, when one is open.
func (s *Server) RawDatagram(src *net.UDPAddr, data []byte) {
	player := s.players[src.String()]
	if player != nil && player.room != nil {
		player.room.writeNetdump(src, data)
	}
}

// HandleChunk dispatches one chunk: resolve the player, consume any
// piggybacked ack, give the game handler first refusal, then run the
// generic command set.
func (s *Server) HandleChunk(src *net.UDPAddr, chunk []byte) {
	if s.player == nil {
		s.player = s.players[src.String()]
		if s.player == nil {
			slog.Warn("datagram from unknown endpoint ignored", "game", s.game, "from", src)
			return
		}
		s.player.SetAlive()
	}
	player := s.player

	_, flags := kage.SplitHeader(kage.ReadU16(chunk, 0))
	if flags&kage.FlagAck != 0 && len(chunk) >= kage.HeaderLen {
		player.AckRUdp(u32(chunk, 0xc))
	}

	if s.gameChunk != nil && s.gameChunk(player, chunk) {
		return
	}

	switch kage.Command(chunk[3]) {
	case kage.ReqLobbyLogin:
		slog.Debug("REQ_LOBBY_LOGIN", "game", s.game)
		player.SetName(cstring(chunk, 0x20))
		player.SetExtraData(field(chunk, 0x138, int(u32(chunk, 0x14))))

		s.reply.Init(kage.RspLoginSuccess2)
		s.reply.WriteU32(uint32(s.port))
		s.reply.WriteU32(0)
		s.reply.WriteU32(player.id)

	case kage.ReqLobbyLogout:
		s.reply.RespOK(kage.ReqLobbyLogout)
		s.reply.Ack(u32(chunk, 8))
		player.Send(&s.reply)
		s.reply.Reset()
		s.RemovePlayer(player)
		s.player = nil

	case kage.ReqQryLobbies:
		s.reply.Init(kage.ReqQryLobbies)
		s.reply.Ack(u32(chunk, 8))
		s.reply.WriteU32(0)
		s.reply.WriteU32(0)
		s.reply.WriteU32(uint32(len(s.lobbies)))
		for _, lobby := range s.lobbies {
			s.reply.WriteString(lobby.name, 0x10)
			s.reply.WriteU32(lobby.PlayerCount())
			s.reply.WriteU32(lobby.RoomCount())
			s.reply.WriteU32(lobby.id)
		}

	case kage.ReqChgUserStatus:
		status := u32(chunk, 0x10)
		slog.Debug("REQ_CHG_USER_STATUS", "game", s.game, "status", status)
		player.status = status
		s.reply.RespOK(kage.ReqChgUserStatus)
		s.reply.Ack(u32(chunk, 8))
		s.reply.WriteU32(0)

	case kage.ReqQryUsers:
		s.handleQueryUsers(player, chunk, flags)

	case kage.ReqJoinLobbyRoom:
		s.handleJoin(player, chunk, flags)

	case kage.ReqLeaveLobbyRoom:
		if flags&kage.FlagLobby != 0 {
			s.reply.RespOK(kage.ReqLeaveLobbyRoom)
			s.reply.Flags |= kage.FlagLobby
			if player.lobby != nil {
				player.lobby.RemovePlayer(player)
			}
		} else {
			s.reply.RespOK(kage.ReqLeaveLobbyRoom)
			if room := player.room; room != nil {
				if room.RemovePlayer(player) {
					player.lobby.RemoveRoom(room)
				}
			}
		}
		s.reply.Ack(u32(chunk, 8))

	case kage.ReqQryRooms:
		s.handleQueryRooms(chunk)

	case kage.ReqCreateRoom:
		s.handleCreateRoom(player, chunk)

	case kage.ReqChgRoomStatus:
		room := player.room
		if room == nil {
			s.reply.RespFailed(kage.ReqChgRoomStatus)
		} else {
			attributes := u32(chunk, 0x14)
			room.SetAttributes(attributes)

			s.relay.Init(kage.ReqChgRoomStatus)
			s.relay.WriteU32(room.id)
			s.relay.WriteString("STAT", 4)
			s.relay.WriteU32(attributes)

			s.reply.RespOK(kage.ReqChgRoomStatus)
			s.reply.WriteU32(room.id)
			s.reply.WriteString("STAT", 4)
			s.reply.WriteU32(attributes)
		}
		s.reply.Ack(u32(chunk, 8))

	case kage.ReqChat:
		s.handleChat(chunk, flags)

	case kage.ReqPing:
		slog.Debug("REQ_PING", "game", s.game)
		// Bomberman sends extra data but only reads back the first word.
		s.reply.RespOK(kage.ReqPing)
		s.reply.WriteBytes(chunk[0x10:])

	case kage.ReqChgUserProp:
		slog.Debug("REQ_CHG_USER_PROP", "game", s.game)
		player.SetExtraData(chunk[0x10:])
		s.reply.RespOK(kage.ReqChgUserProp)
		s.reply.Ack(u32(chunk, 8))

	case kage.ReqNop:

	default:
		slog.Error("unhandled command", "game", s.game, "command", chunk[3])
		if flags&kage.FlagRUDP != 0 {
			// ack it anyway so the client stops retransmitting
			s.reply.Init(kage.ReqNop)
			s.reply.Ack(u32(chunk, 8))
		}
	}
}

func (s *Server) handleQueryUsers(player *Player, chunk []byte, flags uint16) {
	s.reply.Init(kage.ReqQryUsers)
	s.reply.Ack(u32(chunk, 8))
	var users []*Player
	if flags&kage.FlagLobby != 0 {
		s.reply.Flags |= kage.FlagLobby
		if lobby := s.Lobby(u32(chunk, 0x10)); lobby != nil {
			users = lobby.players
		}
	} else if player.lobby != nil {
		if room := player.lobby.Room(u32(chunk, 0x10)); room != nil {
			users = room.players
		}
	}
	s.reply.WriteU32(0)
	s.reply.WriteU32(0)
	s.reply.WriteU32(uint32(len(users)))
	for _, pl := range users {
		s.reply.WriteString(pl.name, 0x10)
		s.reply.WriteU32(pl.id)
		s.reply.WriteU32(uint32(len(pl.extraData)))
		s.reply.WriteBytes(pl.extraData)
	}
}

func (s *Server) handleJoin(player *Player, chunk []byte, flags uint16) {
	id := u32(chunk, 0x10)
	if flags&kage.FlagLobby != 0 {
		lobby := s.Lobby(id)
		if lobby == nil {
			s.reply.RespFailed(kage.ReqJoinLobbyRoom)
			s.reply.WriteU32(joinErrNotFound)
			slog.Warn("join lobby failed, unknown lobby", "game", s.game, "player", player.name, "lobby", id)
		} else {
			lobby.AddPlayer(player)

			s.relay.Init(kage.ReqJoinLobbyRoom)
			s.relay.Flags |= kage.FlagLobby
			s.relay.WriteString(player.name, 0x10)
			s.relay.WriteU32(player.id)
			s.relay.WriteU32(uint32(len(player.extraData)))
			s.relay.WriteBytes(player.extraData)

			s.reply.RespOK(kage.ReqJoinLobbyRoom)
			s.reply.WriteU32(lobby.id)
		}
		s.reply.Flags |= kage.FlagLobby
		s.reply.Ack(u32(chunk, 8))
		return
	}

	var room *Room
	if player.lobby != nil {
		room = player.lobby.Room(id)
	}
	if room == nil {
		s.reply.RespFailed(kage.ReqJoinLobbyRoom)
		s.reply.Ack(u32(chunk, 8))
		s.reply.WriteU32(joinErrNotFound)
		slog.Warn("join room failed, unknown room", "game", s.game, "player", player.name, "room", id)
		return
	}
	if room.attributes&(RoomLocked|RoomPlaying) != 0 {
		s.reply.RespFailed(kage.ReqJoinLobbyRoom)
		s.reply.Ack(u32(chunk, 8))
		s.reply.WriteU32(joinErrLocked)
		slog.Info("join room failed, room locked", "game", s.game, "player", player.name, "room", room.name)
		return
	}
	if cstring(chunk, 0x18) != room.password {
		s.reply.RespFailed(kage.ReqJoinLobbyRoom)
		s.reply.Ack(u32(chunk, 8))
		s.reply.WriteU32(joinErrPassword)
		slog.Info("join room failed, incorrect password", "game", s.game, "player", player.name, "room", room.name)
		return
	}
	if room.PlayerCount() >= room.maxPlayers {
		s.reply.RespFailed(kage.ReqJoinLobbyRoom)
		s.reply.Ack(u32(chunk, 8))
		s.reply.WriteU32(joinErrNotFound)
		slog.Warn("join room failed, room full", "game", s.game, "player", player.name, "room", room.name)
		return
	}
	room.AddPlayer(player)

	s.relay.Init(kage.ReqJoinLobbyRoom)
	s.relay.WriteString(player.name, 0x10)
	s.relay.WriteU32(player.id)
	s.relay.WriteU32(uint32(len(player.extraData)))
	s.relay.WriteBytes(player.extraData)

	s.reply.RespOK(kage.ReqJoinLobbyRoom)
	s.reply.WriteU32(room.id)
	s.reply.Ack(u32(chunk, 8))

	// Push room status to the new player.
	s.reply.Init(kage.ReqChgRoomStatus)
	s.reply.WriteU32(room.id)
	s.reply.WriteString("STAT", 4)
	s.reply.WriteU32(room.attributes)

	room.joinRoomReply(&s.reply, &s.relay, player)
}

func (s *Server) handleQueryRooms(chunk []byte) {
	s.reply.Init(kage.ReqQryRooms)
	s.reply.Ack(u32(chunk, 8))
	s.reply.Flags |= kage.FlagLobby
	lobby := s.Lobby(u32(chunk, 0x10))
	s.reply.WriteU32(0)
	s.reply.WriteU32(0)
	if lobby == nil {
		s.reply.WriteU32(0)
		return
	}
	rooms := lobby.Rooms()
	s.reply.WriteU32(uint32(len(rooms)))
	for _, room := range rooms {
		s.reply.WriteString(room.name, 0x10)
		// Bomberman swaps the owner and occupancy fields.
		if s.game == kage.GameBomberman {
			s.reply.WriteU32(room.owner.id)
			s.reply.WriteU32(room.PlayerCount())
		} else {
			s.reply.WriteU32(room.PlayerCount())
			s.reply.WriteU32(room.owner.id)
		}
		s.reply.WriteU32(room.attributes)
		s.reply.WriteU32(room.maxPlayers)
		s.reply.WriteU32(room.id)
	}
}

func (s *Server) handleCreateRoom(player *Player, chunk []byte) {
	name := cstring(chunk, 0x10)
	maxPlayers := u32(chunk, 0x20)
	password := cstring(chunk, 0x24)
	attributes := u32(chunk, 0x38)
	if player.lobby == nil {
		s.reply.RespFailed(kage.ReqCreateRoom)
		s.reply.Ack(u32(chunk, 8))
		return
	}
	attributes |= RoomServerReady
	room := s.addRoom(name, attributes, player)
	room.SetMaxPlayers(maxPlayers)
	room.SetPassword(password)

	// Announce the room to the rest of the lobby.
	s.relay.Init(kage.ReqCreateRoom)
	s.relay.Flags |= kage.FlagLobby
	s.relay.WriteString(name, 0x10)
	s.relay.WriteU32(1)
	s.relay.WriteU32(player.id)
	s.relay.WriteU32(attributes)
	s.relay.WriteU32(maxPlayers)
	s.relay.WriteU32(room.id)

	s.reply.RespOK(kage.ReqCreateRoom)
	s.reply.WriteU32(room.id)
	s.reply.Ack(u32(chunk, 8))

	s.reply.Init(kage.ReqChgRoomStatus)
	s.reply.WriteU32(room.id)
	s.reply.WriteString("STAT", 4)
	s.reply.WriteU32(attributes)

	room.joinRoomReply(&s.reply, &s.relay, player)
}

func (s *Server) handleChat(chunk []byte, flags uint16) {
	if flags&kage.FlagRUDP == 0 {
		slog.Info("unreliable chat ignored", "game", s.game)
		return
	}
	if flags&kage.FlagRelay == 0 {
		slog.Info("non-relayed chat ignored", "game", s.game)
		return
	}
	// Broadcast to the other players in the lobby or room.
	s.relay.Init(kage.ReqChat)
	s.relay.Flags |= kage.FlagRUDP | flags&(kage.FlagLobby|kage.FlagRelay)
	s.relay.WriteBytes(chunk[0x10:])

	seq := u32(chunk, 8)
	if seq == 0 {
		// don't ack continued chat chunks
		return
	}
	s.reply.RespOK(kage.ReqChat)
	s.reply.Ack(seq)
	s.reply.Flags |= flags & kage.FlagLobby
}

// HandleDone flushes the accumulated reply to the sender and the relay
// to its peers: lobby-wide when the relay's current chunk carries
// FlagLobby, room-wide otherwise.
func (s *Server) HandleDone(src *net.UDPAddr) {
	if s.player != nil {
		if !s.reply.Empty() {
			s.player.Send(&s.reply)
		}
		if !s.relay.Empty() {
			if s.relay.Flags&kage.FlagLobby != 0 {
				if s.player.lobby != nil {
					sendToAll(&s.relay, s.player.lobby.players, s.player)
				}
			} else if s.player.room != nil {
				sendToAll(&s.relay, s.player.room.players, s.player)
			}
		}
		s.player = nil
	}
	s.reply.Reset()
	s.relay.Reset()
}

// u32 reads a big-endian word from the chunk, zero when it is short.
func u32(chunk []byte, off int) uint32 {
	if off+4 > len(chunk) {
		return 0
	}
	return kage.ReadU32(chunk, off)
}

// cstring reads a NUL-terminated string starting at off.
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

// field returns n bytes at off, clamped to the chunk.
func field(chunk []byte, off, n int) []byte {
	if off >= len(chunk) || n <= 0 {
		return nil
	}
	if off+n > len(chunk) {
		n = len(chunk) - off
	}
	return chunk[off : off+n]
}

func hexdump(data []byte) string {
	return hex.Dump(data)
}
