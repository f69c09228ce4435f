package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/misticateam/mistica/internal/wrapper"
)

// Server is the TCP wrap server: one persistent connection per client,
// each request on it framed and dispatched synchronously, matching
// the client wrapper's one-outstanding-request framing.
type Server struct {
	listener net.Listener
	addr     string
}

func NewServer(args map[string]string) (wrapper.WrapServer, error) {
	address := args["address"]
	if address == "" {
		address = "0.0.0.0"
	}
	port := args["port"]
	if port == "" {
		return nil, fmt.Errorf("tcp wrap server: --port is required")
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("tcp wrap server: invalid port %q: %w", port, err)
	}
	return &Server{addr: net.JoinHostPort(address, port)}, nil
}

func (s *Server) Name() string { return moduleName }

func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Serve accepts connections and, on each one, loops reading a framed
// SOTP packet, handing it to handle, and writing the framed reply
// back, until the peer disconnects or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, handle func(ctx context.Context, sotpPacket []byte) []byte) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcp wrap server: listen %s: %w", s.addr, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("tcp wrap server: accept: %w", err)
			}
		}
		go s.serveConn(ctx, conn, handle)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, handle func(ctx context.Context, sotpPacket []byte) []byte) {
	defer conn.Close()
	for {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		resp := handle(ctx, req)
		if resp == nil {
			resp = []byte{}
		}
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}
