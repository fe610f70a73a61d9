package lobby

import (
	"log/slog"
	"time"

	"github.com/dcnet/kage/internal/kage"
	"github.com/dcnet/kage/internal/transport"
)

// gameDataInterval is 4 frames at 60 fps, the cadence the game itself
// broadcasts at.
const gameDataInterval = 66667 * time.Microsecond

// timeLimits maps the setting nibble in the owner's sysdata to match
// seconds; -1 is unlimited.
var timeLimits = [...]int{120, 140, 160, 180, 200, 220, 240, 260, 280, 300, 360, 420, 480, 600, 900, 1200, -1}

const (
	sysdataLen  = 20
	gamedataLen = 18
	resultLen   = 32
)

// Per-player progress through one match.
type otPlayerPhase int

const (
	otInit     otPlayerPhase = iota // initial state
	otSysData                       // SYS data received
	otSysOk                         // SYS_OK is acked
	otReady                         // READY received
	otStarted                       // GAME_START is acked
	otResult                        // RESULT received
	otGone                          // player left mid-game
)

// Room-level match state.
type otRoomPhase int

const (
	otRoomInit otRoomPhase = iota
	otRoomSyncStarted
	otRoomInGame
	otRoomGameOver
	otRoomResult
)

type otPlayerState struct {
	phase    otPlayerPhase
	sysdata  [sysdataLen]byte
	gamedata [gamedataLen]byte
	result   [resultLen]byte
}

// otRoom is the Outtrigger variant state of a Room: the per-player
// match handshake, the periodic game-data broadcast and the time and
// point limit enforcement.
type otRoom struct {
	room        *Room
	frameNum    uint16
	phase       otRoomPhase
	playerState []otPlayerState
	timer       *transport.Timer
	timeLimit   *transport.Timer
	pointLimit  int
}

func newOTRoom(room *Room) *otRoom {
	reactor := room.lobby.server.reactor
	return &otRoom{
		room:      room,
		timer:     transport.NewTimer(reactor),
		timeLimit: transport.NewTimer(reactor),
	}
}

// getPlayerState maps a position among the present players to its
// state slot, skipping players who left mid-game.
func (ot *otRoom) getPlayerState(index int) *otPlayerState {
	for i := range ot.playerState {
		if ot.playerState[i].phase == otGone {
			continue
		}
		if index == 0 {
			return &ot.playerState[i]
		}
		index--
	}
	slog.Error("player state index out of range", "room", ot.room.name, "index", index)
	return nil
}

// attributesChanging watches the owner's room status updates: flipping
// PLAYING on resets the match, and unlocking a PLAYING room starts it,
// arming the time limit and decoding the point limit from the owner's
// sysdata.
func (ot *otRoom) attributesChanging(attributes uint32) {
	old := ot.room.attributes
	slog.Info("room status set", "room", ot.room.name, "attributes", attributes)
	if attributes&RoomPlaying != 0 && old&RoomPlaying == 0 {
		ot.reset()
		return
	}
	if ot.phase != otRoomInGame ||
		attributes&(RoomPlaying|RoomLocked) != RoomPlaying ||
		old&(RoomPlaying|RoomLocked) != RoomPlaying|RoomLocked {
		return
	}
	if len(ot.playerState) == 0 {
		return
	}
	// time limit at offset 0xd in the owner's sysdata
	limit := timeLimits[ot.playerState[0].sysdata[0xd]&0xf]
	ot.timeLimit.Stop()
	if limit > 0 {
		ot.timeLimit.ExpiresAfter(time.Duration(limit) * time.Second)
		ot.timeLimit.AsyncWait(func() {
			slog.Info("time limit reached", "room", ot.room.name)
			ot.sendGameOver()
		})
	}
	// match points at offset 3, point limit flag at offset 2 bit 4
	if ot.playerState[0].sysdata[2]&0x10 != 0 {
		ot.pointLimit = int(ot.playerState[0].sysdata[3]>>2) & 0x3f
	} else {
		ot.pointLimit = 0
	}
	slog.Info("game started", "room", ot.room.name,
		"timeLimit", limit, "pointLimit", ot.pointLimit)
}

// playerLeaving marks a departing player Gone. During the start
// handshake a Ready player's missing ack is synthesized so the match
// can start without them.
func (ot *otRoom) playerLeaving(player *Player, index int) {
	switch ot.phase {
	case otRoomSyncStarted:
		state := ot.getPlayerState(index)
		if state == nil {
			return
		}
		if state.phase == otReady {
			ot.rudpAcked(player)
		}
		state.phase = otGone
	case otRoomInGame:
		if state := ot.getPlayerState(index); state != nil {
			state.phase = otGone
		}
	}
}

// ownerChanged tells the re-elected owner it now runs the room, and
// that it may start a game when at least one opponent is present.
func (ot *otRoom) ownerChanged(owner *Player) {
	var packet kage.Packet
	packet.Init(kage.RspTagCmd)
	packet.Flags |= kage.FlagRUDP
	packet.WriteU32(0)
	packet.WriteU16(uint16(kage.NewTagCmd(kage.TagOwner, 0, 0)))
	owner.Send(&packet)

	if len(ot.room.players) >= 2 {
		var startOk kage.Packet
		startOk.Init(kage.RspTagCmd)
		startOk.Flags |= kage.FlagRUDP
		startOk.WriteU32(0)
		startOk.WriteU16(uint16(kage.NewTagCmd(kage.TagStartOK, 0, 0)))
		owner.Send(&startOk)
	}
}

func (ot *otRoom) setSysData(player *Player, data []byte) {
	i := ot.room.PlayerIndex(player)
	if i < 0 {
		slog.Warn("sysdata from player not in room", "player", player.name, "room", ot.room.name)
		return
	}
	state := ot.getPlayerState(i)
	if state == nil {
		return
	}
	copy(state.sysdata[:], data)
	state.phase = otSysData
}

// setReady marks the player READY and reports whether every present
// player now is.
func (ot *otRoom) setReady(player *Player) bool {
	i := ot.room.PlayerIndex(player)
	if i < 0 {
		slog.Warn("ready from player not in room", "player", player.name, "room", ot.room.name)
		return false
	}
	state := ot.getPlayerState(i)
	if state == nil {
		return false
	}
	state.phase = otReady
	for i := range ot.playerState {
		if ot.playerState[i].phase != otReady && ot.playerState[i].phase != otGone {
			return false
		}
	}
	return true
}

// setGameData stores a SYNC payload and enforces the point limit. The
// first payload after the start handshake kicks off the periodic
// broadcast.
func (ot *otRoom) setGameData(player *Player, data []byte) {
	i := ot.room.PlayerIndex(player)
	if i < 0 {
		return
	}
	state := ot.getPlayerState(i)
	if state == nil {
		return
	}
	copy(state.gamedata[:], data)
	if ot.phase == otRoomSyncStarted {
		ot.sendGameData()
	}
	// 0x114 is the highest in-game score encoding; beyond it the field
	// is garbage until the result screen.
	if ot.pointLimit > 0 && len(data) > 8 && data[8] <= 0xf6 {
		score := int(data[8])/2 - 9
		if score >= ot.pointLimit && ot.phase == otRoomInGame {
			slog.Info("point limit reached", "room", ot.room.name,
				"pointLimit", ot.pointLimit, "player", player.name)
			ot.sendGameOver()
		}
	}
}

// sendGameData broadcasts one unreliable frame of everyone's gamedata
// and rearms the timer from the previous expiry so the cadence doesn't
// drift.
func (ot *otRoom) sendGameData() {
	var packet kage.Packet
	packet.Init(kage.ReqChat)
	packet.WriteU16(ot.frameNum)
	ot.frameNum++
	for i := range ot.playerState {
		if ot.playerState[i].phase == otGone {
			continue
		}
		packet.WriteBytes(ot.playerState[i].gamedata[:])
	}
	sendToAll(&packet, ot.room.players, nil)

	if ot.phase == otRoomSyncStarted {
		ot.timer.ExpiresAfter(gameDataInterval)
		ot.phase = otRoomInGame
	} else {
		ot.timer.ExpiresAt(ot.timer.Expiry().Add(gameDataInterval))
	}
	ot.timer.AsyncWait(ot.sendGameData)
}

func (ot *otRoom) sendGameOver() {
	var packet kage.Packet
	packet.Init(kage.ReqChat)
	packet.Flags |= kage.FlagRUDP
	packet.WriteU16(uint16(kage.NewTagCmd(kage.TagGameOver, 0, 0)))
	sendToAll(&packet, ot.room.players, nil)
	ot.phase = otRoomGameOver
}

// setResult stores a RESULT payload and reports whether every present
// player has delivered one, ending the game when so.
func (ot *otRoom) setResult(player *Player, data []byte) bool {
	i := ot.room.PlayerIndex(player)
	if i < 0 {
		return false
	}
	state := ot.getPlayerState(i)
	if state == nil {
		return false
	}
	copy(state.result[:], data)
	state.phase = otResult
	for i := range ot.playerState {
		if ot.playerState[i].phase != otResult && ot.playerState[i].phase != otGone {
			return false
		}
	}
	ot.endGame()
	return true
}

// reset returns the room to the pre-match state, one state slot per
// member.
func (ot *otRoom) reset() {
	if len(ot.playerState) != len(ot.room.players) {
		ot.playerState = make([]otPlayerState, len(ot.room.players))
	}
	for i := range ot.playerState {
		ot.playerState[i].phase = otInit
	}
	ot.frameNum = 0
	ot.phase = otRoomInit
	ot.timer.Stop()
	ot.timeLimit.Stop()
}

// startSync is called just before GAME_START goes out: every member's
// next reliable ack reports back to the room.
func (ot *otRoom) startSync() {
	ot.phase = otRoomSyncStarted
	for _, pl := range ot.room.players {
		pl.NotifyRoomOnAck()
	}
}

func (ot *otRoom) endGame() {
	ot.timer.Stop()
	ot.timeLimit.Stop()
	ot.phase = otRoomResult
}

func (ot *otRoom) stop() {
	ot.timer.Stop()
	ot.timeLimit.Stop()
}

// rudpAcked advances the handshake on reliable acks: a SYS_OK ack
// moves the player to SysOk and triggers the SYS2 fanout once everyone
// is there; a GAME_START ack moves a Ready player to Started and kicks
// the game off once all present players have acked.
func (ot *otRoom) rudpAcked(player *Player) {
	i := ot.room.PlayerIndex(player)
	if i < 0 {
		return
	}
	state := ot.getPlayerState(i)
	if state == nil {
		return
	}
	if state.phase == otSysData {
		state.phase = otSysOk
		for i := range ot.playerState {
			if ot.playerState[i].phase != otSysOk {
				return
			}
		}
		ot.sendSys2()
		return
	}

	if ot.phase != otRoomSyncStarted || state.phase != otReady {
		return
	}
	state.phase = otStarted
	slog.Info("GAME_START acked", "room", ot.room.name, "player", player.name)
	for i := range ot.playerState {
		if ot.playerState[i].phase != otStarted && ot.playerState[i].phase != otGone {
			return
		}
	}
	// empty game data to the owner kick-starts the game
	var packet kage.Packet
	packet.Init(kage.ReqChat)
	packet.WriteU32(0)
	ot.room.owner.Send(&packet)
}

// sendSys2 fans out everyone's sysdata. One packet is built, then the
// tag word is patched per recipient so each player learns its own
// game position.
func (ot *otRoom) sendSys2() {
	slog.Info("sending SYS2 to all players", "room", ot.room.name)
	var sys2 kage.Packet
	sys2.Init(kage.RspTagCmd)
	sys2.Flags |= kage.FlagRUDP
	sys2.WriteU32(0)
	tag := kage.NewTagCmd(kage.TagSys2, uint16(len(ot.playerState)), 0)
	sys2.WriteU16(uint16(tag))
	for i := range ot.playerState {
		sys2.WriteBytes(ot.playerState[i].sysdata[:])
	}
	for i, pl := range ot.room.players {
		kage.PutU16(sys2.Data[:], 0x14, uint16(tag.WithID(uint16(i))))
		pl.Send(&sys2)
	}
}

// outtriggerChunk handles the Outtrigger tag command space nested in
// REQ_GAME_DATA.
func (s *Server) outtriggerChunk(player *Player, chunk []byte) bool {
	if kage.Command(chunk[3]) != kage.ReqGameData {
		return false
	}

	var room *otRoom
	if player.room != nil {
		room = player.room.ot
	}

	tag := kage.TagCmd(u16(chunk, 0x10))
	switch tag.Command() {
	case kage.TagEcho:
		// sent every few seconds by all players in a room
		s.reply.Init(kage.RspTagCmd)
		s.reply.WriteU32(0)
		s.reply.WriteBytes(field(chunk, 0x10, 4))

	case kage.TagStartOK:
		slog.Info("tag START_OK", "game", s.game, "player", player.name)
		s.reply.Init(kage.ReqNop)
		s.reply.Ack(u32(chunk, 8))
		if player.room != nil && player.room.PlayerCount() >= 2 {
			// ack before anything else
			player.Send(&s.reply)
			s.reply.Reset()
			slog.Info("sending START_OK to owner", "game", s.game, "room", player.room.name)
			var startOk kage.Packet
			startOk.Init(kage.RspTagCmd)
			startOk.Flags |= kage.FlagRUDP
			startOk.WriteU32(0)
			startOk.WriteU16(uint16(tag))
			player.room.owner.Send(&startOk)
		}

	case kage.TagSys:
		slog.Info("tag SYS", "game", s.game, "player", player.name)
		s.reply.Init(kage.RspTagCmd)
		s.reply.Ack(u32(chunk, 8))
		s.reply.Flags |= kage.FlagRUDP
		s.reply.WriteU32(0)
		s.reply.WriteU16(uint16(kage.NewTagCmd(kage.TagSysOK, 0, 0)))
		player.NotifyRoomOnAck()
		if room != nil {
			room.setSysData(player, field(chunk, 0x12, sysdataLen))
		}

	case kage.TagReady:
		slog.Info("tag READY", "game", s.game, "player", player.name)
		s.reply.Init(kage.ReqNop)
		s.reply.Ack(u32(chunk, 8))
		if room != nil && room.setReady(player) {
			// ack before anything else
			player.Send(&s.reply)
			s.reply.Reset()
			slog.Info("sending GAME_START to all players", "game", s.game, "room", player.room.name)
			var gameStart kage.Packet
			gameStart.Init(kage.ReqChat)
			gameStart.Flags |= kage.FlagRUDP
			gameStart.WriteU16(uint16(kage.NewTagCmd(kage.TagGameStart, 0, 0)))
			// arm the ack watches before sending, while the reliable
			// sequence numbers are still unspent
			room.startSync()
			sendToAll(&gameStart, player.room.players, nil)
		}

	case kage.TagSync:
		if chunk[0]&0x80 != 0 {
			// Propeller Arena sends a reliable SYNC after room creation
			s.reply.Init(kage.ReqNop)
			s.reply.Ack(u32(chunk, 8))
		}
		if room != nil {
			room.setGameData(player, field(chunk, 0x12, gamedataLen))
		}

	case kage.TagResult:
		slog.Info("tag RESULT", "game", s.game, "player", player.name)
		s.reply.Init(kage.ReqNop)
		s.reply.Ack(u32(chunk, 8))
		if room != nil && room.setResult(player, field(chunk, 0x12, resultLen)) {
			// ack before anything else
			player.Send(&s.reply)
			s.reply.Reset()
			slog.Info("sending RESULT2 to all players", "game", s.game, "room", player.room.name)
			var result2 kage.Packet
			result2.Init(kage.ReqChat)
			result2.Flags |= kage.FlagRUDP
			result2.WriteU16(uint16(kage.NewTagCmd(kage.TagResult2, 0, 0)))
			for i := range room.playerState {
				result2.WriteBytes(room.playerState[i].result[:])
			}
			sendToAll(&result2, player.room.players, nil)
		}

	case kage.TagReset:
		slog.Warn("tag RESET", "game", s.game, "player", player.name)
		if room != nil {
			var packet kage.Packet
			packet.Init(kage.ReqChat)
			packet.Flags |= kage.FlagRUDP
			packet.WriteU16(uint16(kage.NewTagCmd(kage.TagGameOver, 0, 0)))
			sendToAll(&packet, player.room.players, nil)
			room.reset()
		}

	case kage.TagTimeOut:
		slog.Warn("tag TIME_OUT", "game", s.game, "player", player.name)

	default:
		slog.Error("unhandled tag command", "game", s.game,
			"command", tag.Command(), "word", uint16(tag), "dump", hexdump(chunk))
	}
	return true
}
