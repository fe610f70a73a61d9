// Package auth implements the Propeller Arena registration and login
// service: a TCP endpoint speaking a Blowfish-encrypted handshake of
// four message types, two per flow.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/dcnet/kage/internal/crypto"
	"github.com/dcnet/kage/internal/kage"
)

// Port is the TCP port the Dreamcast client connects to.
const Port = 20200

const (
	keySize  = 56
	recvLen  = 0x90
	minRead  = 0x68
	replyLen = 0x38
)

// Server accepts auth connections and runs one session per client.
type Server struct {
	mu       sync.Mutex
	listener net.Listener
}

func NewServer() *Server {
	return &Server{}
}

// Addr returns the listening address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on the auth port until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", Port))
	if err != nil {
		return fmt.Errorf("listening on tcp port %d: %w", Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from a ready listener. Used by tests with
// an ephemeral port.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("auth server started", "address", ln.Addr())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("auth: accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConnection(ctx, conn)
		}()
	}
	wg.Wait()
	return nil
}

func handleConnection(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	slog.Info("auth: new connection", "remote", conn.RemoteAddr())
	newSession(conn).run()
}

// session holds the per-connection handshake state. The key arrives in
// the first message and is reused, partially zeroed, by the second.
type session struct {
	conn   net.Conn
	key    [keySize]byte
	cipher *crypto.BlowfishCipher
}

func newSession(conn net.Conn) *session {
	return &session{conn: conn}
}

func (s *session) run() {
	recv := make([]byte, recvLen)
	for {
		n, err := io.ReadAtLeast(s.conn, recv, minRead)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				slog.Debug("auth: connection closed", "remote", s.conn.RemoteAddr())
				return
			}
			slog.Error("auth: receive failed", "error", err)
			return
		}
		if !s.handle(recv, n) {
			return
		}
	}
}

// handle processes one message and reports whether the session should
// keep reading.
func (s *session) handle(recv []byte, n int) bool {
	msg := kage.ReadU32(recv, 0)
	switch msg {
	case 1, 2:
		// First step of registration (1) or login (2). The client
		// obfuscates the session key with 0x55.
		copy(s.key[:], recv[4:4+keySize])
		for i := range s.key {
			s.key[i] ^= 0x55
		}
		if !s.initCipher(s.key) {
			return false
		}
		s.decryptTail(recv, n)
		if msg == 1 {
			slog.Info("auth: registration", "player", cstr(recv[0x54:]))
		} else {
			slog.Info("auth: login", "gameID", cstr(recv[0x40:0x54]), "player", cstr(recv[0x74:]))
			slog.Debug("auth: dricas game id", "id", cstr(recv[0x64:0x74]))
		}
		return s.reply("")

	case 3, 4:
		// Second step: same key with its first 16 bytes zeroed.
		key2 := s.key
		for i := 0; i < 16; i++ {
			key2[i] = 0
		}
		if !s.initCipher(key2) {
			return false
		}
		s.decryptTail(recv, n)
		if msg == 3 {
			// Echo the player name back as their game id.
			name := cstr(recv[0x54:])
			slog.Debug("auth: registration confirmed", "player", name)
			return s.reply(name)
		}
		slog.Debug("auth: login confirmed", "player", cstr(recv[0x74:]))
		return s.reply("")

	default:
		slog.Error("auth: unhandled message", "msg", msg)
		return true
	}
}

func (s *session) initCipher(key [keySize]byte) bool {
	c, err := crypto.NewBlowfishCipher(key[:])
	if err != nil {
		slog.Error("auth: cipher init failed", "error", err)
		return false
	}
	s.cipher = c
	return true
}

// decryptTail decrypts everything past the 0x40-byte cleartext prefix,
// whole blocks only.
func (s *session) decryptTail(recv []byte, n int) {
	if n <= 0x40 {
		return
	}
	size := (n - 0x40 + 7) &^ 7
	if 0x40+size > len(recv) {
		size = len(recv) - 0x40
	}
	if err := s.cipher.Decrypt(recv, 0x40, size); err != nil {
		slog.Error("auth: decrypt failed", "error", err)
	}
}

// reply sends the fixed 0x38-byte status block, all zeros except for
// an optional game id at offset 0x14, encrypted whole.
func (s *session) reply(gameID string) bool {
	out := make([]byte, replyLen)
	copy(out[0x14:], gameID)
	if err := s.cipher.Encrypt(out, 0, replyLen); err != nil {
		slog.Error("auth: encrypt failed", "error", err)
		return false
	}
	if _, err := s.conn.Write(out); err != nil {
		slog.Error("auth: send failed", "error", err)
		return false
	}
	return true
}

// cstr reads a NUL-terminated string out of a fixed-width field.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
