// Package tcp implements the raw-TCP wrapper: SOTP packets are framed
// with a 4-byte big-endian length prefix and carried directly over a
// persistent bidirectional stream — the carrier used by the
// TCP-loopback echo and chunking test scenarios.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/misticateam/mistica/internal/wrapper"
)

const (
	moduleName   = "tcp"
	lengthPrefix = 4
)

func init() {
	wrapper.Global.Register(wrapper.Descriptor{
		Name:        moduleName,
		Description: "Raw length-prefixed TCP carrier.",
		Args: []wrapper.ArgSpec{
			{Name: "address", Type: "string", Required: true, Description: "server host to dial"},
			{Name: "port", Type: "int", Required: true, Description: "server port to dial"},
			{Name: "max_size", Type: "int", Default: "1024"},
			{Name: "poll_delay_ms", Type: "int", Default: "2000"},
			{Name: "response_timeout_ms", Type: "int", Default: "5000"},
			{Name: "max_retries", Type: "int", Default: "5"},
		},
	}, New)

	wrapper.Global.RegisterServer(wrapper.Descriptor{
		Name:        moduleName,
		Description: "Raw length-prefixed TCP listener.",
		Args: []wrapper.ArgSpec{
			{Name: "address", Type: "string", Default: "0.0.0.0", Description: "listen address"},
			{Name: "port", Type: "int", Required: true, Description: "listen port"},
		},
	}, NewServer)
}

// Wrapper dials once and reuses the connection for every transaction,
// matching the "one outstanding request" discipline of the core.
type Wrapper struct {
	mu       sync.Mutex
	conn     net.Conn
	addr     string
	tunables wrapper.Tunables
}

func New(args map[string]string) (wrapper.Wrapper, error) {
	address := args["address"]
	port := args["port"]
	if address == "" || port == "" {
		return nil, fmt.Errorf("tcp wrapper: --address and --port are required")
	}
	t := wrapper.Tunables{MaxSize: 1024, PollDelay: 2 * time.Second, ResponseTimeout: 5 * time.Second, MaxRetries: 5}
	if v, ok := args["max_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("tcp wrapper: invalid max_size: %w", err)
		}
		t.MaxSize = n
	}
	if v, ok := args["poll_delay_ms"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("tcp wrapper: invalid poll_delay_ms: %w", err)
		}
		t.PollDelay = time.Duration(n) * time.Millisecond
	}
	if v, ok := args["response_timeout_ms"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("tcp wrapper: invalid response_timeout_ms: %w", err)
		}
		t.ResponseTimeout = time.Duration(n) * time.Millisecond
	}
	if v, ok := args["max_retries"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("tcp wrapper: invalid max_retries: %w", err)
		}
		t.MaxRetries = n
	}
	return &Wrapper{addr: net.JoinHostPort(address, port), tunables: t}, nil
}

func (w *Wrapper) Name() string               { return moduleName }
func (w *Wrapper) Tunables() wrapper.Tunables { return w.tunables }

func (w *Wrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// Wrap performs one carrier transaction: dial if needed, write the
// framed request, read the framed response. Any I/O error is
// CarrierFailure; on a write or read error Wrap closes the connection
// so the next call redials.
func (w *Wrapper) Wrap(ctx context.Context, sotpPacket []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		dialer := &net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", w.addr)
		if err != nil {
			return nil, fmt.Errorf("tcp wrapper: dial %s: %w", w.addr, err)
		}
		w.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetDeadline(deadline)
	}

	if err := writeFrame(w.conn, sotpPacket); err != nil {
		w.conn.Close()
		w.conn = nil
		return nil, fmt.Errorf("tcp wrapper: write: %w", err)
	}

	resp, err := readFrame(w.conn)
	if err != nil {
		w.conn.Close()
		w.conn = nil
		return nil, fmt.Errorf("tcp wrapper: read: %w", err)
	}
	return resp, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [lengthPrefix]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [lengthPrefix]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
