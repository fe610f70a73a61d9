// Package rank is the Propeller Arena ranking stub: every connection
// immediately receives a fixed block of eight rank values.
package rank

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Port is the TCP port the ranking client connects to.
const Port = 10100

// Server serves the fixed ranking block.
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

// Run listens on the rank port until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", Port))
	if err != nil {
		return fmt.Errorf("listening on tcp port %d: %w", Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from a ready listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("rank server started", "address", ln.Addr())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("rank: accept failed", "error", err)
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

// handleConnection replies with the rank block, then holds the
// connection until the client hangs up or the server shuts down.
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

	if _, err := conn.Write(rankBlock()); err != nil {
		slog.Error("rank: send failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	io.Copy(io.Discard, conn)
}

// rankBlock returns eight big-endian placeholder ranks, 1 through 8.
func rankBlock() []byte {
	out := make([]byte, 8*4)
	for i := 0; i < 8; i++ {
		binary.BigEndian.PutUint32(out[i*4:], uint32(i+1))
	}
	return out
}
