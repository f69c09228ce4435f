// Package tcp implements the TCP-socket bridge overlay: it dials a
// configured host:port, forwards everything read from that socket over
// SOTP, and writes every decrypted SOTP payload back to the socket.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/misticateam/mistica/internal/overlay"
)

const moduleName = "tcp"

func init() {
	overlay.Global.Register(overlay.Descriptor{
		Name:        moduleName,
		Description: "Bridges a TCP socket: reads go out over SOTP, SOTP payloads are written back to the socket.",
		Args: []overlay.ArgSpec{
			{Name: "tag", Type: "string", Default: "0x2020", Description: "overlay selection tag used in RequestAuth"},
			{Name: "address", Type: "string", Required: true, Description: "host to dial"},
			{Name: "port", Type: "int", Required: true, Description: "port to dial"},
		},
	}, New)
}

// Overlay bridges one TCP connection. The connection is dialed lazily
// on the first Pump call so that session setup doesn't block on a
// socket that might never be needed.
type Overlay struct {
	tag     [2]byte
	address string
	port    int

	conn net.Conn
}

func New(args map[string]string) (overlay.Overlay, error) {
	tag, err := parseTag(args["tag"])
	if err != nil {
		return nil, err
	}
	address := args["address"]
	if address == "" {
		return nil, fmt.Errorf("tcp overlay: --address is required")
	}
	port, err := strconv.Atoi(args["port"])
	if err != nil {
		return nil, fmt.Errorf("tcp overlay: invalid port %q: %w", args["port"], err)
	}
	return &Overlay{tag: tag, address: address, port: port}, nil
}

func (o *Overlay) Name() string   { return moduleName }
func (o *Overlay) Tag() [2]byte   { return o.tag }
func (o *Overlay) HasInput() bool { return true }

func (o *Overlay) Close() error {
	if o.conn != nil {
		return o.conn.Close()
	}
	return nil
}

// Pump dials the bridged address and relays reads from it until the
// connection closes or ctx is cancelled.
func (o *Overlay) Pump(ctx context.Context, submit func([]byte)) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(o.address, strconv.Itoa(o.port)))
	if err != nil {
		return fmt.Errorf("tcp overlay: dial %s:%d: %w", o.address, o.port, err)
	}
	o.conn = conn

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			submit(chunk)
		}
		if err != nil {
			return err
		}
	}
}

// ProcessSOTP writes the decrypted payload to the bridged socket.
func (o *Overlay) ProcessSOTP(data []byte) []byte {
	if o.conn == nil {
		return nil
	}
	_, _ = o.conn.Write(data)
	return nil
}

func parseTag(s string) ([2]byte, error) {
	if s == "" {
		s = "0x2020"
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "0x%x", &v); err != nil {
		return [2]byte{}, fmt.Errorf("tcp overlay: invalid tag %q: %w", s, err)
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return b, nil
}
