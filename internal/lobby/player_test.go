package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcnet/kage/internal/kage"
)

func relPacket(payload uint32) *kage.Packet {
	var p kage.Packet
	p.Init(kage.ReqChat)
	p.Flags |= kage.FlagRUDP
	p.WriteU32(payload)
	return &p
}

func TestPlayer_ReliableSendsAreSequential(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(6000)
	player := s.AdmitPlayer(src, 0x1001)

	player.Send(relPacket(0xa))
	player.Send(relPacket(0xb))
	player.Send(relPacket(0xc))

	// Only the first packet may be in flight.
	sent := conn.take(src)
	require.Len(t, sent, 1)
	first := chunks(t, sent[0])[0]
	assert.Equal(t, uint32(0), kage.ReadU32(first, 8))
	assert.Equal(t, uint32(0x1001), kage.ReadU32(first, 4))
	assert.Equal(t, uint32(0xa), kage.ReadU32(first, 0x10))

	// Acking 0 releases exactly the next queued packet.
	player.AckRUdp(0)
	sent = conn.take(src)
	require.Len(t, sent, 1)
	second := chunks(t, sent[0])[0]
	assert.Equal(t, uint32(1), kage.ReadU32(second, 8))
	assert.Equal(t, uint32(0xb), kage.ReadU32(second, 0x10))

	player.AckRUdp(1)
	sent = conn.take(src)
	require.Len(t, sent, 1)
	third := chunks(t, sent[0])[0]
	assert.Equal(t, uint32(2), kage.ReadU32(third, 8))
	assert.Equal(t, uint32(0xc), kage.ReadU32(third, 0x10))
}

func TestPlayer_DuplicateAckIsNoop(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(6001)
	player := s.AdmitPlayer(src, 0x1001)

	player.Send(relPacket(1))
	player.AckRUdp(0)
	conn.take(src)

	player.AckRUdp(0)
	player.AckRUdp(0)
	assert.Empty(t, conn.take(src))
	assert.Equal(t, int64(0), player.ackedRelSeq)
}

func TestPlayer_RetransmitExhaustionImplicitlyAcks(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(6002)
	player := s.AdmitPlayer(src, 0x1001)

	player.Send(relPacket(5)) // seq 0, attempt 1
	player.Send(relPacket(6)) // queued as seq 1
	require.Len(t, conn.take(src), 1)

	// Drive the retransmission timer by hand: four more attempts
	// resend the same bytes.
	for attempt := 2; attempt <= maxSendCount; attempt++ {
		player.resend()
		sent := conn.take(src)
		require.Len(t, sent, 1, "attempt %d", attempt)
		assert.Equal(t, uint32(5), kage.ReadU32(chunks(t, sent[0])[0], 0x10))
	}

	// The fifth expiry gives up: seq 0 counts as acked and seq 1 goes
	// out.
	player.resend()
	assert.Equal(t, int64(0), player.ackedRelSeq)
	sent := conn.take(src)
	require.Len(t, sent, 1)
	next := chunks(t, sent[0])[0]
	assert.Equal(t, uint32(1), kage.ReadU32(next, 8))
	assert.Equal(t, uint32(6), kage.ReadU32(next, 0x10))

	// A late ack of the abandoned sequence changes nothing.
	player.AckRUdp(0)
	assert.Empty(t, conn.take(src))
}

func TestPlayer_UnreliableStreamIsIndependent(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(6003)
	player := s.AdmitPlayer(src, 0x1001)

	for i := 0; i < 2; i++ {
		var p kage.Packet
		p.RespOK(kage.ReqPing)
		player.Send(&p)
	}
	sent := conn.take(src)
	require.Len(t, sent, 2)
	assert.Equal(t, uint32(0), kage.ReadU32(chunks(t, sent[0])[0], 8))
	assert.Equal(t, uint32(1), kage.ReadU32(chunks(t, sent[1])[0], 8))
	assert.Equal(t, uint32(0), player.relSeq, "reliable stream must be untouched")

	// Unreliable NOPs don't consume a sequence number.
	var nop kage.Packet
	nop.Init(kage.ReqNop)
	nop.Ack(3)
	player.Send(&nop)
	require.Len(t, conn.take(src), 1)
	assert.Equal(t, uint32(2), player.unrelSeq)
}

func TestPlayer_OneSequencePerCompoundPacket(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(6004)
	player := s.AdmitPlayer(src, 0x1001)

	var p kage.Packet
	p.Init(kage.ReqChat)
	p.Flags |= kage.FlagRUDP
	p.WriteU32(1)
	p.Init(kage.ReqChat)
	p.Flags |= kage.FlagRUDP
	p.WriteU32(2)
	player.Send(&p)

	sent := conn.take(src)
	require.Len(t, sent, 1)
	cs := chunks(t, sent[0])
	require.Len(t, cs, 2)
	assert.Equal(t, uint32(0), kage.ReadU32(cs[0], 8))
	// the follow-up chunk rides on the first one's sequence
	assert.Equal(t, uint32(0), kage.ReadU32(cs[1], 8))
	assert.Equal(t, uint32(0x1001), kage.ReadU32(cs[1], 4))
	assert.Equal(t, uint32(1), player.relSeq)
}

func TestPlayer_QueueOverflowRemovesPlayer(t *testing.T) {
	s, conn := newTestServer(t, kage.GamePropellerA)
	src := addr(6005)
	player := s.AdmitPlayer(src, 0x1001)

	// One in flight plus a full queue, then one more.
	for i := 0; i <= maxRelQueue+1; i++ {
		player.Send(relPacket(uint32(i)))
	}
	assert.Len(t, player.relQueue, maxRelQueue)
	conn.take(src)

	// Drain the reactor so the scheduled removal runs.
	done := make(chan struct{})
	s.reactor.Post(func() { close(done) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.reactor.Run(ctx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not drain")
	}
	assert.Nil(t, s.Player(src), "overflowing player must be dropped")
}

func TestPlayer_TimedOut(t *testing.T) {
	s, _ := newTestServer(t, kage.GamePropellerA)
	player := s.AdmitPlayer(addr(6006), 0x1001)

	assert.False(t, player.TimedOut())

	player.lastTime = time.Now().Add(-roomTimeout - time.Second)
	assert.False(t, player.TimedOut(), "out of a room the long timeout applies")

	player.room = &Room{}
	assert.True(t, player.TimedOut(), "in a room the short timeout applies")

	player.room = nil
	player.lastTime = time.Now().Add(-lobbyTimeout - time.Second)
	assert.True(t, player.TimedOut())
}
