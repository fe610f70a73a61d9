package lobby

import (
	"log/slog"

	"github.com/dcnet/kage/internal/kage"
)

// Bomberman subcommands nested in REQ_GAME_DATA.
const (
	bmCmdSetRules    = 0x07
	bmCmdStartBattle = 0x0a
	bmCmdAgreeRules  = 0x0b
	bmCmdRulesRecv   = 0x0c
	bmCmdRelay       = 0x0f
)

// Bomberman subcommands nested in REQ_CHAT.
const (
	bmCmdKick       = 0x07
	bmCmdPlayerList = 0x08
	bmCmdJoined     = 0x0a
	bmCmdPing       = 0x1c
)

// bmRoom is the Bomberman variant state of a Room. A player brings
// 1 + guestCount pads on one connection, so occupancy is counted in
// slots, recomputed from each member's extra data on every membership
// change.
type bmRoom struct {
	room  *Room
	slots []int
	rules [9]byte
}

func newBMRoom(room *Room) *bmRoom {
	return &bmRoom{room: room}
}

func (bm *bmRoom) playerCount() uint32 {
	var n uint32
	for _, s := range bm.slots {
		n += uint32(s)
	}
	return n
}

func (bm *bmRoom) hostCount() uint32 {
	return uint32(len(bm.room.players))
}

// slotCount is the number of slots the player's connection occupies.
func (bm *bmRoom) slotCount(player *Player) int {
	idx := bm.room.PlayerIndex(player)
	if idx < 0 {
		return 0
	}
	return bm.slots[idx]
}

// playerPosition is the player's first slot index, the sum of the slot
// counts of everyone who joined before it.
func (bm *bmRoom) playerPosition(player *Player) int {
	idx := bm.room.PlayerIndex(player)
	if idx < 0 {
		return idx
	}
	pos := 0
	for _, s := range bm.slots[:idx] {
		pos += s
	}
	return pos
}

func (bm *bmRoom) updateSlots() {
	bm.slots = bm.slots[:0]
	for _, player := range bm.room.players {
		bm.slots = append(bm.slots, int(u32(player.extraData, 0))+1)
	}
}

func (bm *bmRoom) setRules(p []byte) {
	copy(bm.rules[:], p)
}

// joinRoomReply appends the Bomberman room-entry packets: a player
// list (subcommand 8) for the joining player, the joined announcement
// (subcommand 0xA) for it when it isn't the owner, and the same
// announcement on the relay for the members already in the room.
func (bm *bmRoom) joinRoomReply(reply, relay *kage.Packet, player *Player) {
	cmd := kage.NewUDPCommand(bmCmdPlayerList, 0)
	reply.Init(kage.ReqChat)
	reply.Flags |= kage.FlagRUDP | kage.FlagContinue
	reply.WriteU16(uint16(cmd))
	reply.WriteU16(0)
	reply.WriteU32(player.id)
	reply.WriteU32(uint32(bm.room.PlayerIndex(player)))
	pos := uint32(bm.playerPosition(player))
	reply.WriteU32(pos)
	slots := uint32(bm.slotCount(player))
	reply.WriteU32(slots - 1) // guest count
	reply.WriteU32(bm.room.owner.id)
	reply.WriteU32(uint32(bm.playerPosition(bm.room.owner)))
	// one row per occupied slot, positions pre-incremented
	for i := uint32(0); i < slots; i++ {
		pos++
		reply.WriteU32(pos)
	}

	// The owner gets the full list only at creation; joiners need the
	// announcement too or they occupy every slot on their screen.
	if player != bm.room.owner {
		bm.writeJoined(reply)
	}
	bm.writeJoined(relay)
}

// writeJoined appends the subcommand 0xA chunk enumerating every
// member's id, slot count and slot positions.
func (bm *bmRoom) writeJoined(packet *kage.Packet) {
	cmd := kage.NewUDPCommand(bmCmdJoined, 0)
	packet.Init(kage.ReqChat)
	packet.Flags |= kage.FlagRUDP
	packet.WriteU16(uint16(cmd))
	packet.WriteU16(0)

	packet.WriteU32(bm.hostCount())
	for _, pl := range bm.room.players {
		packet.WriteU32(pl.id)
		slots := uint32(bm.slotCount(pl))
		packet.WriteU32(slots)
		pos := uint32(bm.playerPosition(pl))
		for i := uint32(0); i < slots; i++ {
			packet.WriteU32(pos + i)
		}
	}
}

// bombermanChunk handles the Bomberman subcommand space nested in
// REQ_GAME_DATA and REQ_CHAT. It reports whether the chunk was
// consumed; unknown subcommands fall through to the generic handler.
func (s *Server) bombermanChunk(player *Player, chunk []byte) bool {
	var room *bmRoom
	if player.room != nil {
		room = player.room.bm
	}

	cmd := kage.UDPCommand(u16(chunk, 0x10))
	if kage.Command(chunk[3]) == kage.ReqGameData {
		switch cmd.Command() {
		case bmCmdSetRules:
			slog.Debug("set game rules", "player", player.name)
			s.reply.Init(kage.ReqNop)
			s.reply.Ack(u32(chunk, 8))
			if room != nil {
				room.setRules(field(chunk, 0x14, len(room.rules)))
			}

		case bmCmdStartBattle:
			slog.Debug("start battle", "player", player.name)
			s.reply.RespOK(kage.ReqChat)
			s.reply.Ack(u32(chunk, 8))

			s.relay.Init(kage.ReqChat)
			s.relay.Flags |= kage.FlagRUDP

		case bmCmdAgreeRules:
			slog.Debug("agree new rules", "player", player.name)
			if room != nil {
				s.reply.Init(kage.ReqNop)
				if s.reply.Size == kage.HeaderLen {
					s.reply.Ack(u32(chunk, 8))
				}
				if player.room.owner == player {
					s.relay.Init(kage.ReqChat)
					s.relay.Flags |= kage.FlagRUDP
					s.relay.WriteU16(uint16(cmd))
					s.relay.WriteU16(u16(chunk, 0x12))
					s.relay.WriteBytes(room.rules[:])
				} else {
					bm := room
					var packet kage.Packet
					packet.Init(kage.ReqChat)
					packet.Flags |= kage.FlagRUDP
					packet.WriteU16(uint16(kage.NewUDPCommand(bmCmdRulesRecv, 0)))
					packet.WriteU16(0)
					packet.WriteU32(uint32(len(bm.room.players)))
					for _, pl := range bm.room.players {
						packet.WriteU32(pl.id)
						slots := uint32(bm.slotCount(pl))
						pos := uint32(bm.playerPosition(pl))
						packet.WriteU32(slots)
						for i := uint32(0); i < slots; i++ {
							packet.WriteU32(pos + i)
							packet.WriteU32(0xff)
						}
					}
					bm.room.owner.Send(&packet)
				}
			}

		case bmCmdRulesRecv:
			slog.Debug("received new rules", "player", player.name)
			s.reply.Init(kage.ReqNop)
			s.reply.Ack(u32(chunk, 8))

		case bmCmdRelay:
			s.reply.Init(kage.ReqNop)
			s.reply.Ack(u32(chunk, 8))

			s.relay.Init(kage.ReqChat)
			s.relay.Flags |= kage.FlagRUDP
			s.relay.WriteU16(uint16(cmd))
			s.relay.WriteU16(u16(chunk, 0x12))

		default:
			slog.Error("unhandled bomberman game command",
				"command", cmd.Command(), "word", uint16(cmd), "dump", hexdump(chunk))
			return false
		}
		return true
	}

	_, flags := kage.SplitHeader(kage.ReadU16(chunk, 0))
	if kage.Command(chunk[3]) != kage.ReqChat || flags&kage.FlagRelay != 0 {
		return false
	}

	switch cmd.Command() {
	case bmCmdKick:
		s.reply.Init(kage.ReqNop)
		s.reply.Ack(u32(chunk, 8))
		if room != nil {
			pos := int(u8(chunk, 0x14))
			for _, pl := range room.room.players {
				if room.playerPosition(pl) == pos {
					var packet kage.Packet
					packet.Init(kage.ReqChat)
					packet.Flags |= kage.FlagRUDP
					packet.WriteBytes(field(chunk, 0x10, 4))
					// host-order position word, as the client expects
					packet.WriteBytes([]byte{byte(pos), 0, 0, 0})
					pl.Send(&packet)
					break
				}
			}
		}

	case bmCmdPing:
		slog.Debug("bomberman ping", "player", player.name)
		s.reply.Init(kage.ReqChat)
		s.reply.WriteU16(uint16(cmd))
		s.reply.WriteU16(0)
		s.reply.WriteU32(0x10000000)
		s.reply.WriteU8(u8(chunk, 0x18)) // per-pad flag bits, echoed back
	default:
		slog.Error("unhandled bomberman chat command",
			"command", cmd.Command(), "word", uint16(cmd), "dump", hexdump(chunk))
		return false
	}
	return true
}

// u16 reads a big-endian half-word from the chunk, zero when short.
func u16(chunk []byte, off int) uint16 {
	if off+2 > len(chunk) {
		return 0
	}
	return kage.ReadU16(chunk, off)
}

func u8(chunk []byte, off int) uint8 {
	if off >= len(chunk) {
		return 0
	}
	return chunk[off]
}
