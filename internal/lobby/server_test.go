package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcnet/kage/internal/kage"
)

func TestServer_LobbyLoginReply(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(8000)
	s.AdmitPlayer(src, 0x1001)

	payload := make([]byte, 0x128)
	copy(payload[0x10:], "PlayerOne")
	deliver(s, src, chunk(kage.ReqLobbyLogin, 0, 0, payload))

	sent := conn.take(src)
	require.Len(t, sent, 1)
	reply := chunks(t, sent[0])[0]
	assert.Equal(t, kage.RspLoginSuccess2, kage.Command(reply[3]))
	assert.Equal(t, uint32(9093), kage.ReadU32(reply, 0x10))
	assert.Equal(t, uint32(0), kage.ReadU32(reply, 0x14))
	assert.Equal(t, uint32(0x1001), kage.ReadU32(reply, 0x18))
}

func TestServer_UnknownEndpointIgnored(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)

	deliver(s, addr(8001), chunk(kage.ReqPing, 0, 1, []byte{0, 0, 0, 1}))
	assert.Empty(t, conn.take(nil))
}

func TestServer_PingEchoesPayload(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(8002)
	s.AdmitPlayer(src, 0x1001)

	payload := []byte{0xca, 0xfe, 0xba, 0xbe, 1, 2, 3, 4}
	deliver(s, src, chunk(kage.ReqPing, 0, 1, payload))

	sent := conn.take(src)
	require.Len(t, sent, 1)
	reply := chunks(t, sent[0])[0]
	assert.Equal(t, kage.RspOK, kage.Command(reply[3]))
	assert.Equal(t, uint32(kage.ReqPing), kage.ReadU32(reply, 0x10))
	assert.Equal(t, payload, reply[0x14:0x14+len(payload)])
}

func TestServer_UserPropRoundTrip(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(8003)
	player := login(t, s, src, 0x1001, "P1")
	joinLobby(t, s, player)
	conn.take(nil)

	extra := []byte{9, 8, 7, 6, 5}
	deliver(s, src, chunk(kage.ReqChgUserProp, kage.FlagRUDP, 1, extra))
	require.Equal(t, extra, player.ExtraData())
	conn.take(nil)

	payload := make([]byte, 4)
	kage.PutU32(payload, 0, lobbyIDBase)
	deliver(s, src, chunk(kage.ReqQryUsers, kage.FlagLobby, 2, payload))

	sent := conn.take(src)
	require.Len(t, sent, 1)
	reply := chunks(t, sent[0])[0]
	assert.Equal(t, kage.ReqQryUsers, kage.Command(reply[3]))
	assert.Equal(t, uint32(1), kage.ReadU32(reply, 0x18), "user count")
	assert.Equal(t, "P1", cstring(reply, 0x1c))
	assert.Equal(t, uint32(0x1001), kage.ReadU32(reply, 0x2c))
	assert.Equal(t, uint32(len(extra)), kage.ReadU32(reply, 0x30))
	assert.Equal(t, extra, reply[0x34:0x34+len(extra)])
}

func TestServer_QueryLobbies(t *testing.T) {
	s, conn := newTestServer(t, kage.GameOuttrigger)
	src := addr(8004)
	player := login(t, s, src, 0x1001, "P1")
	joinLobby(t, s, player)
	conn.take(nil)

	deliver(s, src, chunk(kage.ReqQryLobbies, 0, 1, nil))

	sent := conn.take(src)
	require.Len(t, sent, 1)
	reply := chunks(t, sent[0])[0]
	assert.Equal(t, uint32(1), kage.ReadU32(reply, 0x18), "lobby count")
	assert.Equal(t, "ShuMania", cstring(reply, 0x1c))
	assert.Equal(t, uint32(1), kage.ReadU32(reply, 0x2c), "player count")
	assert.Equal(t, uint32(0), kage.ReadU32(reply, 0x30), "room count")
	assert.Equal(t, uint32(lobbyIDBase), kage.ReadU32(reply, 0x34))
}

// Scenario: create a room, then a second player joins it.
func TestServer_CreateAndJoinRoom(t *testing.T) {
	s, conn := newTestServer(t, kage.GameOuttrigger)
	p1 := login(t, s, addr(8005), 0x1001, "P1")
	p2 := login(t, s, addr(8006), 0x1002, "P2")
	joinLobby(t, s, p1)
	joinLobby(t, s, p2)
	conn.take(nil)

	room := createRoom(t, s, p1, "Arena", 4, "", 0)
	assert.Equal(t, uint32(firstRoomID), room.ID())
	assert.Equal(t, uint32(RoomServerReady), room.Attributes()&RoomServerReady)

	// P1's reply: RSP_OK with the room id, then the room status push.
	sent := conn.take(p1.Addr())
	require.Len(t, sent, 1)
	cs := chunks(t, sent[0])
	require.Len(t, cs, 2)
	assert.Equal(t, kage.RspOK, kage.Command(cs[0][3]))
	assert.Equal(t, uint32(kage.ReqCreateRoom), kage.ReadU32(cs[0], 0x10))
	assert.Equal(t, uint32(firstRoomID), kage.ReadU32(cs[0], 0x14))
	assert.Equal(t, kage.ReqChgRoomStatus, kage.Command(cs[1][3]))
	assert.Equal(t, uint32(firstRoomID), kage.ReadU32(cs[1], 0x10))
	assert.Equal(t, "STAT", string(cs[1][0x14:0x18]))
	assert.Equal(t, uint32(RoomServerReady), kage.ReadU32(cs[1], 0x18))

	// P2, a lobby peer, hears the lobby-wide announcement.
	sent = conn.take(p2.Addr())
	require.Len(t, sent, 1)
	create := chunks(t, sent[0])[0]
	assert.Equal(t, kage.ReqCreateRoom, kage.Command(create[3]))
	assert.NotZero(t, chunkFlags(create)&kage.FlagLobby)
	assert.Equal(t, "Arena", cstring(create, 0x10))
	assert.Equal(t, uint32(firstRoomID), kage.ReadU32(create, 0x30))

	// P2 joins; P1 hears the join relay with P2's name and id.
	joinRoom(t, s, p2, room.ID(), "")
	require.Same(t, room, p2.Room())

	sent = conn.take(p2.Addr())
	require.Len(t, sent, 1)
	cs = chunks(t, sent[0])
	require.Len(t, cs, 2)
	assert.Equal(t, kage.RspOK, kage.Command(cs[0][3]))
	assert.Equal(t, uint32(firstRoomID), kage.ReadU32(cs[0], 0x14))

	sent = conn.take(p1.Addr())
	require.Len(t, sent, 1)
	relay := chunks(t, sent[0])[0]
	assert.Equal(t, kage.ReqJoinLobbyRoom, kage.Command(relay[3]))
	assert.Equal(t, "P2", cstring(relay, 0x10))
	assert.Equal(t, uint32(0x1002), kage.ReadU32(relay, 0x20))
}

func TestServer_JoinFailureCodes(t *testing.T) {
	s, conn := newTestServer(t, kage.GameOuttrigger)
	p1 := login(t, s, addr(8007), 0x1001, "P1")
	p2 := login(t, s, addr(8008), 0x1002, "P2")
	joinLobby(t, s, p1)
	joinLobby(t, s, p2)

	failCode := func() uint32 {
		t.Helper()
		sent := conn.take(p2.Addr())
		require.Len(t, sent, 1)
		reply := chunks(t, sent[0])[0]
		require.Equal(t, kage.RspFailed, kage.Command(reply[3]))
		require.Equal(t, uint32(kage.ReqJoinLobbyRoom), kage.ReadU32(reply, 0x10))
		return kage.ReadU32(reply, 0x14)
	}
	conn.take(nil)

	joinRoom(t, s, p2, 0x2999, "")
	assert.Equal(t, uint32(joinErrNotFound), failCode(), "unknown room")

	room := createRoom(t, s, p1, "Arena", 1, "sekrit", 0)
	conn.take(nil)

	joinRoom(t, s, p2, room.ID(), "wrong")
	assert.Equal(t, uint32(joinErrPassword), failCode(), "bad password")

	joinRoom(t, s, p2, room.ID(), "sekrit")
	assert.Equal(t, uint32(joinErrNotFound), failCode(), "room full")

	room.SetMaxPlayers(4)
	room.SetAttributes(room.Attributes() | RoomLocked)
	joinRoom(t, s, p2, room.ID(), "sekrit")
	assert.Equal(t, uint32(joinErrLocked), failCode(), "locked room")
}

func TestServer_RoomStatusChangeIsEchoedAndRelayed(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	p1 := login(t, s, addr(8009), 0x1001, "P1")
	p2 := login(t, s, addr(8010), 0x1002, "P2")
	joinLobby(t, s, p1)
	joinLobby(t, s, p2)
	room := createRoom(t, s, p1, "Arena", 4, "", 0)
	joinRoom(t, s, p2, room.ID(), "")
	conn.take(nil)

	attrs := uint32(RoomServerReady | RoomLocked)
	payload := make([]byte, 8)
	kage.PutU32(payload, 4, attrs)
	deliver(s, p1.Addr(), chunk(kage.ReqChgRoomStatus, kage.FlagRUDP, 1, payload))
	assert.Equal(t, attrs, room.Attributes())

	for _, pl := range []*Player{p1, p2} {
		sent := conn.take(pl.Addr())
		require.Len(t, sent, 1)
		status := chunks(t, sent[0])[0]
		if pl == p1 {
			require.Equal(t, kage.RspOK, kage.Command(status[3]))
			assert.Equal(t, attrs, kage.ReadU32(status, 0x1c))
		} else {
			require.Equal(t, kage.ReqChgRoomStatus, kage.Command(status[3]))
			assert.Equal(t, attrs, kage.ReadU32(status, 0x18))
		}
	}
}

func TestServer_ChatRelayInRoom(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	p1 := login(t, s, addr(8011), 0x1001, "P1")
	p2 := login(t, s, addr(8012), 0x1002, "P2")
	p3 := login(t, s, addr(8013), 0x1003, "P3")
	joinLobby(t, s, p1)
	joinLobby(t, s, p2)
	joinLobby(t, s, p3)
	room := createRoom(t, s, p1, "Arena", 4, "", 0)
	joinRoom(t, s, p2, room.ID(), "")
	conn.take(nil)

	text := []byte("hello room\x00")
	deliver(s, p1.Addr(), chunk(kage.ReqChat, kage.FlagRUDP|kage.FlagRelay, 4, text))

	// Sender gets an acked RSP_OK.
	sent := conn.take(p1.Addr())
	require.Len(t, sent, 1)
	ok := chunks(t, sent[0])[0]
	assert.Equal(t, kage.RspOK, kage.Command(ok[3]))
	assert.NotZero(t, chunkFlags(ok)&kage.FlagAck)
	assert.Equal(t, uint32(4), kage.ReadU32(ok, 0xc))

	// Room peer gets the reliable relay with the payload.
	sent = conn.take(p2.Addr())
	require.Len(t, sent, 1)
	relay := chunks(t, sent[0])[0]
	assert.Equal(t, kage.ReqChat, kage.Command(relay[3]))
	assert.NotZero(t, chunkFlags(relay)&kage.FlagRUDP)
	assert.Equal(t, text, relay[0x10:0x10+len(text)])

	// The lobby bystander hears nothing.
	assert.Empty(t, conn.take(p3.Addr()))
}

func TestServer_ChatFirstChunkOfSplitMessageIsNotAcked(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	p1 := login(t, s, addr(8014), 0x1001, "P1")
	p2 := login(t, s, addr(8015), 0x1002, "P2")
	joinLobby(t, s, p1)
	joinLobby(t, s, p2)
	room := createRoom(t, s, p1, "Arena", 4, "", 0)
	joinRoom(t, s, p2, room.ID(), "")
	conn.take(nil)

	deliver(s, p1.Addr(), chunk(kage.ReqChat, kage.FlagRUDP|kage.FlagRelay, 0, []byte("part one")))

	// No reply for sequence 0, but the relay still goes out.
	assert.Empty(t, conn.take(p1.Addr()))
	require.Len(t, conn.take(p2.Addr()), 1)
}

func TestServer_UnknownReliableCommandGetsAckedNop(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(8016)
	login(t, s, src, 0x1001, "P1")
	conn.take(nil)

	deliver(s, src, chunk(kage.Command(0x3f), kage.FlagRUDP, 9, nil))

	sent := conn.take(src)
	require.Len(t, sent, 1)
	nop := chunks(t, sent[0])[0]
	assert.Equal(t, kage.ReqNop, kage.Command(nop[3]))
	assert.NotZero(t, chunkFlags(nop)&kage.FlagAck)
	assert.Equal(t, uint32(9), kage.ReadU32(nop, 0xc))
}

func TestServer_LogoutRemovesPlayer(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(8017)
	player := login(t, s, src, 0x1001, "P1")
	joinLobby(t, s, player)
	conn.take(nil)

	deliver(s, src, chunk(kage.ReqLobbyLogout, kage.FlagRUDP, 2, nil))

	sent := conn.take(src)
	require.Len(t, sent, 1)
	ok := chunks(t, sent[0])[0]
	assert.Equal(t, kage.RspOK, kage.Command(ok[3]))
	assert.Nil(t, s.Player(src))
}

func TestServer_IncomingAckIsConsumedBeforeDispatch(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(8018)
	player := login(t, s, src, 0x1001, "P1")
	conn.take(nil)

	player.Send(relPacket(1))
	player.Send(relPacket(2))
	conn.take(nil)

	// The client acks seq 0 on a NOP; the queued packet goes out.
	ack := chunk(kage.ReqNop, kage.FlagAck, 0, nil)
	kage.PutU32(ack, 0xc, 0)
	deliver(s, src, ack)

	assert.Equal(t, int64(0), player.ackedRelSeq)
	sent := conn.take(src)
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(1), kage.ReadU32(chunks(t, sent[0])[0], 8))
}

func TestServer_IgnoresAckOnFragmentChunk(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(8019)
	player := s.AdmitPlayer(src, 0x1001)

	player.Send(relPacket(1))
	conn.take(nil)

	// A NOP fragment with the ack flag set but no room for the ack
	// word. It must be discarded without touching the reliable state.
	frag := make([]byte, 8)
	kage.PutU16(frag, 0, kage.FlagAck|uint16(len(frag)))
	frag[3] = byte(kage.ReqNop)
	deliver(s, src, frag)

	assert.Equal(t, int64(-1), player.ackedRelSeq)
	assert.Empty(t, conn.take(src))
}
