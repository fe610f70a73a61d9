package lobby

import (
	"log/slog"
	"net"
	"sort"

	"github.com/dcnet/kage/internal/kage"
	"github.com/dcnet/kage/internal/netdump"
)

// Room attribute bits.
const (
	RoomServerReady uint32 = 0x00000001
	RoomPassword    uint32 = 0x01000000
	RoomTeam        uint32 = 0x02000000
	RoomLocked      uint32 = 0x40000000
	RoomPlaying     uint32 = 0x80000000
)

// Lobby is a named partition of a lobby server. Lobbies are created at
// startup and live for the process lifetime.
type Lobby struct {
	server  *Server
	id      uint32
	name    string
	players []*Player
	rooms   map[uint32]*Room
}

func newLobby(server *Server, id uint32, name string) *Lobby {
	return &Lobby{server: server, id: id, name: name, rooms: make(map[uint32]*Room)}
}

func (l *Lobby) ID() uint32          { return l.id }
func (l *Lobby) Name() string        { return l.name }
func (l *Lobby) Players() []*Player  { return l.players }
func (l *Lobby) PlayerCount() uint32 { return uint32(len(l.players)) }
func (l *Lobby) RoomCount() uint32   { return uint32(len(l.rooms)) }

// Rooms returns the lobby's rooms ordered by id, the order they are
// enumerated to clients.
func (l *Lobby) Rooms() []*Room {
	rooms := make([]*Room, 0, len(l.rooms))
	for _, room := range l.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

func (l *Lobby) Room(id uint32) *Room {
	return l.rooms[id]
}

// AddPlayer moves the player into this lobby, leaving any other lobby
// first. Re-adding a member is a no-op.
func (l *Lobby) AddPlayer(player *Player) {
	if other := player.lobby; other != nil && other != l {
		other.RemovePlayer(player)
	}
	player.lobby = l
	for _, pl := range l.players {
		if pl == player {
			return
		}
	}
	l.players = append(l.players, player)
	slog.Info("player joined lobby", "game", l.server.game, "player", player.name, "lobby", l.name)
	if l.server.presence != nil {
		l.server.presence.LobbyJoined(l.server.game, player.name, l.playerNames(player))
	}
}

// RemovePlayer takes the player out of the lobby and any room it was
// in, then tells the remaining lobby members.
func (l *Lobby) RemovePlayer(player *Player) {
	if room := player.room; room != nil {
		if room.RemovePlayer(player) {
			l.RemoveRoom(room)
		}
	}
	for i, pl := range l.players {
		if pl == player {
			slog.Info("player left lobby", "game", l.server.game, "player", player.name, "lobby", l.name)
			player.lobby = nil
			l.players = append(l.players[:i], l.players[i+1:]...)
			break
		}
	}
	var relay kage.Packet
	relay.Init(kage.ReqLeaveLobbyRoom)
	relay.Flags |= kage.FlagLobby
	relay.WriteU32(player.id)
	sendToAll(&relay, l.players, nil)
}

func (l *Lobby) addRoom(room *Room) {
	l.rooms[room.id] = room
	if l.server.presence != nil {
		l.server.presence.RoomCreated(l.server.game, room.owner.name, room.name, l.playerNames(room.owner))
	}
}

// RemoveRoom deletes an emptied room, closing its capture file and
// stopping any game timers.
func (l *Lobby) RemoveRoom(room *Room) {
	delete(l.rooms, room.id)
	room.close()
	slog.Info("room deleted", "game", l.server.game, "room", room.name)
}

func (l *Lobby) playerNames(except *Player) []string {
	names := make([]string, 0, len(l.players))
	for _, pl := range l.players {
		if pl != except {
			names = append(names, pl.name)
		}
	}
	return names
}

// Room is one matchmaking unit inside a lobby. The bm and ot fields
// hold the per-game variant state; at most one is set, matching the
// owning server's game.
type Room struct {
	lobby      *Lobby
	id         uint32
	name       string
	attributes uint32
	owner      *Player
	maxPlayers uint32
	password   string
	players    []*Player
	dump       *netdump.Writer

	bm *bmRoom
	ot *otRoom
}

func (r *Room) ID() uint32         { return r.id }
func (r *Room) Name() string       { return r.name }
func (r *Room) Owner() *Player     { return r.owner }
func (r *Room) Attributes() uint32 { return r.attributes }
func (r *Room) MaxPlayers() uint32 { return r.maxPlayers }
func (r *Room) Password() string   { return r.password }
func (r *Room) Players() []*Player { return r.players }

func (r *Room) SetMaxPlayers(n uint32) { r.maxPlayers = n }
func (r *Room) SetPassword(pw string)  { r.password = pw }

// SetAttributes stores the room flag field. Outtrigger rooms watch the
// PLAYING and LOCKED transitions to reset and arm game limits.
func (r *Room) SetAttributes(attributes uint32) {
	if r.ot != nil {
		r.ot.attributesChanging(attributes)
	}
	r.attributes = attributes
}

// PlayerCount is the occupancy used for capacity checks and room
// queries. Bomberman counts slots, one per guest pad plus the host, so
// a single connection can fill several.
func (r *Room) PlayerCount() uint32 {
	if r.bm != nil {
		return r.bm.playerCount()
	}
	return uint32(len(r.players))
}

// PlayerIndex returns the player's position in join order, or -1.
func (r *Room) PlayerIndex(player *Player) int {
	for i, pl := range r.players {
		if pl == player {
			return i
		}
	}
	return -1
}

// AddPlayer moves the player into the room, leaving any other room
// first. Re-adding a member is a no-op.
func (r *Room) AddPlayer(player *Player) {
	if other := player.room; other != nil && other != r {
		if other.RemovePlayer(player) {
			other.lobby.RemoveRoom(other)
		}
	}
	if r.PlayerIndex(player) >= 0 {
		return
	}
	r.players = append(r.players, player)
	player.room = r
	slog.Info("player joined room", "game", r.lobby.server.game, "player", player.name, "room", r.name)
	if r.bm != nil {
		r.bm.updateSlots()
	}
}

// RemovePlayer takes the player out of the room and reports whether
// the room emptied and should be deleted. A surviving room tells its
// members and re-elects players[0] as owner if the owner left.
func (r *Room) RemovePlayer(player *Player) bool {
	player.room = nil
	i := r.PlayerIndex(player)
	if i < 0 {
		slog.Error("player to remove not found in room",
			"game", r.lobby.server.game, "player", player.name, "room", r.name)
		return false
	}
	if r.ot != nil {
		r.ot.playerLeaving(player, i)
	}
	slog.Info("player left room", "game", r.lobby.server.game, "player", player.name, "room", r.name)
	r.players = append(r.players[:i], r.players[i+1:]...)
	if r.bm != nil {
		r.bm.updateSlots()
	}
	if len(r.players) == 0 {
		return true
	}

	var relay kage.Packet
	relay.Init(kage.ReqLeaveLobbyRoom)
	relay.WriteU32(player.id)
	sendToAll(&relay, r.players, nil)

	if r.owner == player {
		r.owner = r.players[0]
		slog.Info("new room owner", "game", r.lobby.server.game, "owner", r.owner.name, "room", r.name)
		if r.ot != nil {
			r.ot.ownerChanged(r.owner)
		}
	}
	return false
}

// rudpAcked is called when a reliable packet this room asked to watch
// has been acknowledged by the player.
func (r *Room) rudpAcked(player *Player) {
	if r.ot != nil {
		r.ot.rudpAcked(player)
	}
}

// joinRoomReply lets the game append its room-entry packets to the
// reply for the joining player and the relay for the other members.
func (r *Room) joinRoomReply(reply, relay *kage.Packet, player *Player) {
	if r.bm != nil {
		r.bm.joinRoomReply(reply, relay, player)
	}
}

func (r *Room) openNetdump() {
	dump, err := netdump.Open(r.name)
	if err != nil {
		slog.Warn("netdump disabled for room", "room", r.name, "error", err)
		return
	}
	r.dump = dump
}

func (r *Room) writeNetdump(src *net.UDPAddr, data []byte) {
	r.dump.Record(src, data)
}

func (r *Room) close() {
	if r.ot != nil {
		r.ot.stop()
	}
	if err := r.dump.Close(); err != nil {
		slog.Warn("closing netdump", "room", r.name, "error", err)
	}
}
