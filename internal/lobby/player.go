package lobby

import (
	"log/slog"
	"net"
	"time"

	"github.com/dcnet/kage/internal/kage"
	"github.com/dcnet/kage/internal/transport"
)

const (
	// resendInterval is deliberately longer than the client's own
	// 100/200/400/800 ms retry ladder so the client always gives up
	// first and stale acks never re-enter the pipeline.
	resendInterval = 500 * time.Millisecond
	maxSendCount   = 5

	// maxRelQueue bounds unsent reliable packets per player; a client
	// that stops acking for this long is beyond saving.
	maxRelQueue = 256

	lobbyTimeout = 2 * time.Minute
	roomTimeout  = 30 * time.Second
)

// Player is one connected client: its identity, lobby/room membership
// and the reliable-delivery state of its outgoing stream.
type Player struct {
	server *Server
	id     uint32
	name   string
	addr   *net.UDPAddr

	status    uint32
	extraData []byte
	lobby     *Lobby
	room      *Room

	// relSeq and unrelSeq are the next outgoing sequence numbers of
	// the reliable and unreliable streams. ackedRelSeq is the highest
	// reliable sequence the client confirmed, -1 before the first ack.
	relSeq        uint32
	unrelSeq      uint32
	ackedRelSeq   int64
	waitingForSeq int64

	lastTime      time.Time
	lastRelPacket *kage.Packet
	relQueue      []relEntry
	timer         *transport.Timer
	sendCount     int
}

type relEntry struct {
	seq    uint32
	packet *kage.Packet
}

func newPlayer(server *Server, addr *net.UDPAddr, id uint32) *Player {
	p := &Player{
		server:        server,
		addr:          addr,
		id:            id,
		ackedRelSeq:   -1,
		waitingForSeq: -1,
		timer:         transport.NewTimer(server.reactor),
	}
	p.SetAlive()
	return p
}

func (p *Player) ID() uint32          { return p.id }
func (p *Player) Name() string        { return p.name }
func (p *Player) Addr() *net.UDPAddr  { return p.addr }
func (p *Player) Lobby() *Lobby       { return p.lobby }
func (p *Player) Room() *Room         { return p.room }
func (p *Player) ExtraData() []byte   { return p.extraData }
func (p *Player) SetName(name string) { p.name = name }

func (p *Player) SetExtraData(data []byte) {
	p.extraData = append([]byte(nil), data...)
}

// SetAlive records client activity for the liveness sweep.
func (p *Player) SetAlive() {
	p.lastTime = time.Now()
}

// TimedOut reports whether the client has been silent for too long.
// In-room players exchange data constantly, so they get a much shorter
// allowance.
func (p *Player) TimedOut() bool {
	if p.room == nil {
		return time.Since(p.lastTime) >= lobbyTimeout
	}
	return time.Since(p.lastTime) >= roomTimeout
}

// Send stamps the player id and stream sequence numbers into every
// chunk of the packet and transmits it. A packet with any FlagRUDP
// chunk goes through the reliable pipeline; only the first reliable
// chunk carries a sequence number, the rest of the datagram rides on
// it.
func (p *Player) Send(packet *kage.Packet) {
	if _, err := packet.Finalize(); err != nil {
		slog.Error("dropping packet", "game", p.server.game, "player", p.name, "error", err)
		return
	}
	rudpSeen := false
	for i := 0; i < int(packet.Size); {
		size, flags := kage.SplitHeader(kage.ReadU16(packet.Data[:], i))
		com := kage.Command(packet.Data[i+3])
		if flags&kage.FlagRUDP != 0 {
			if !rudpSeen {
				kage.PutU32(packet.Data[:], i+8, p.relSeq)
				p.relSeq++
			}
			rudpSeen = true
		} else if com != kage.ReqNop {
			// unreliable NOPs don't carry a sequence
			kage.PutU32(packet.Data[:], i+8, p.unrelSeq)
			p.unrelSeq++
		}
		kage.PutU32(packet.Data[:], i+4, p.id)
		i += size
	}
	if rudpSeen {
		p.sendRel(packet.Clone(), p.relSeq-1)
	} else {
		p.server.endpoint.Send(packet, p.addr)
	}
}

// sendToAll sends the packet to every listed player but except. Each
// recipient restamps the shared buffer with its own ids and sequences.
func sendToAll(packet *kage.Packet, players []*Player, except *Player) {
	for _, pl := range players {
		if pl != except {
			pl.Send(packet)
		}
	}
}

// sendRel delivers a reliable packet in sequence order: the packet
// matching the next expected ack goes in flight, later ones wait in
// the queue until their turn.
func (p *Player) sendRel(packet *kage.Packet, seq uint32) {
	if int64(seq) == p.ackedRelSeq+1 {
		p.lastRelPacket = packet
		p.sendCount = 0
		p.resend()
		return
	}
	if len(p.relQueue) >= maxRelQueue {
		slog.Warn("reliable queue overflow, dropping player",
			"game", p.server.game, "player", p.name, "queued", len(p.relQueue))
		p.server.reactor.Post(func() { p.server.RemovePlayer(p) })
		return
	}
	p.relQueue = append(p.relQueue, relEntry{seq: seq, packet: packet})
}

// resend transmits the in-flight reliable packet and rearms the
// retransmission timer. After maxSendCount attempts the sequence is
// treated as implicitly acknowledged so the stream can move on.
func (p *Player) resend() {
	if p.sendCount >= maxSendCount {
		slog.Warn("reliable send exhausted", "game", p.server.game,
			"player", p.name, "type", p.lastRelPacket.Data[3], "attempts", p.sendCount)
		p.ackedRelSeq++
		p.promote()
		return
	}
	p.sendCount++
	p.server.endpoint.Send(p.lastRelPacket, p.addr)
	p.timer.ExpiresAfter(resendInterval)
	p.timer.AsyncWait(p.resend)
}

func (p *Player) promote() {
	if len(p.relQueue) == 0 {
		return
	}
	next := p.relQueue[0]
	p.relQueue = p.relQueue[1:]
	p.sendRel(next.packet, next.seq)
}

// AckRUdp processes a client acknowledgement of reliable sequence seq.
// Duplicate and stale acks are no-ops. When the acked sequence is the
// one the room asked to watch, the room is notified.
func (p *Player) AckRUdp(seq uint32) {
	if int64(seq) <= p.ackedRelSeq {
		return
	}
	p.ackedRelSeq = int64(seq)
	p.timer.Stop()
	p.promote()
	if int64(seq) == p.waitingForSeq {
		p.waitingForSeq = -1
		if p.room != nil {
			p.room.rudpAcked(p)
		}
	}
}

// NotifyRoomOnAck makes the ack of the player's next outgoing reliable
// packet call back into the room.
func (p *Player) NotifyRoomOnAck() {
	p.waitingForSeq = int64(p.relSeq)
}

// close cancels the retransmission timer when the player is removed.
func (p *Player) close() {
	p.timer.Stop()
	p.lastRelPacket = nil
	p.relQueue = nil
}
