package icmp

import (
	"context"
	"encoding/base64"
	"fmt"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/misticateam/mistica/internal/wrapper"
)

func init() {
	wrapper.Global.RegisterServer(wrapper.Descriptor{
		Name:        moduleName,
		Description: "Raw ICMP listener answering Echo Requests with Echo Replies carrying the SOTP response.",
		Args:        []wrapper.ArgSpec{},
	}, NewServer)
}

// Server answers ICMP Echo Requests on a raw socket with Echo Replies,
// mirroring each request's identifier and sequence number.
type Server struct {
	conn *icmp.PacketConn
}

func NewServer(args map[string]string) (wrapper.WrapServer, error) {
	return &Server{}, nil
}

func (s *Server) Name() string { return moduleName }

func (s *Server) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Serve listens for Echo Requests until ctx is cancelled, decoding each
// one's data field, handing it to handle, and replying with the
// returned bytes re-encoded into an Echo Reply.
func (s *Server) Serve(ctx context.Context, handle func(ctx context.Context, sotpPacket []byte) []byte) error {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("icmp wrap server: listen: %w", err)
	}
	s.conn = conn

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, MaxDataLen+32)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("icmp wrap server: read: %w", err)
			}
		}

		msg, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || msg.Type != ipv4.ICMPTypeEcho {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			continue
		}

		payload, err := base64.URLEncoding.DecodeString(string(echo.Data))
		if err != nil {
			continue
		}

		resp := handle(ctx, payload)
		encoded := base64.URLEncoding.EncodeToString(resp)

		reply := icmp.Message{
			Type: ipv4.ICMPTypeEchoReply,
			Code: 0,
			Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: []byte(encoded)},
		}
		raw, err := reply.Marshal(nil)
		if err != nil {
			continue
		}
		_, _ = conn.WriteTo(raw, peer)
	}
}
