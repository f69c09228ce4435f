// Package icmp implements the ICMP wrapper: a SOTP packet is url-safe
// base64 encoded into the data field of an Echo Request, and the
// server's Echo Reply carries the response the same way. Built on
// golang.org/x/net/icmp and golang.org/x/net/ipv4.
package icmp

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/misticateam/mistica/internal/wrapper"
)

const (
	moduleName = "icmp"

	// MaxDataLen is 65535 (max IP packet) - 20 (IP header) - 8 (ICMP
	// header), per RFC 792.
	MaxDataLen = 65507

	protocolICMP = 1
)

func init() {
	wrapper.Global.Register(wrapper.Descriptor{
		Name:        moduleName,
		Description: "Encodes/decodes SOTP data in ICMP Echo Request/Reply payloads.",
		Args: []wrapper.ArgSpec{
			{Name: "hostname", Type: "string", Required: true},
			{Name: "request_timeout_ms", Type: "int", Default: "2000"},
			{Name: "max_size", Type: "int", Default: "1024"},
			{Name: "poll_delay_ms", Type: "int", Default: "2000"},
			{Name: "response_timeout_ms", Type: "int", Default: "5000"},
			{Name: "max_retries", Type: "int", Default: "5"},
		},
	}, New)
}

type Wrapper struct {
	hostname       string
	requestTimeout time.Duration
	tunables       wrapper.Tunables

	conn *icmp.PacketConn
	seq  int
}

func New(args map[string]string) (wrapper.Wrapper, error) {
	hostname := args["hostname"]
	if hostname == "" {
		return nil, fmt.Errorf("icmp wrapper: --hostname is required")
	}

	requestTimeout := 2 * time.Second
	if v, ok := args["request_timeout_ms"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		requestTimeout = time.Duration(n) * time.Millisecond
	}

	t := wrapper.Tunables{MaxSize: 1024, PollDelay: 2 * time.Second, ResponseTimeout: 5 * time.Second, MaxRetries: 5}
	if v, ok := args["max_size"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.MaxSize = n
	}
	if cap := maxContentSize(); t.MaxSize+wrapper.PacketOverhead() > cap {
		return nil, fmt.Errorf("icmp wrapper: max_size %d exceeds what a single Echo packet allows (cap %d)", t.MaxSize, cap-wrapper.PacketOverhead())
	}
	if v, ok := args["poll_delay_ms"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.PollDelay = time.Duration(n) * time.Millisecond
	}
	if v, ok := args["response_timeout_ms"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.ResponseTimeout = time.Duration(n) * time.Millisecond
	}
	if v, ok := args["max_retries"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.MaxRetries = n
	}

	return &Wrapper{hostname: hostname, requestTimeout: requestTimeout, tunables: t}, nil
}

// maxContentSize is how large a base64-encoded payload can be before it
// would no longer fit inside one Echo Request's data field.
func maxContentSize() int {
	return base64.URLEncoding.DecodedLen(MaxDataLen)
}

func (w *Wrapper) Name() string               { return moduleName }
func (w *Wrapper) Tunables() wrapper.Tunables { return w.tunables }

func (w *Wrapper) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// Wrap sends sotpPacket as the data field of an ICMP Echo Request and
// returns the Echo Reply's data field, decoded.
func (w *Wrapper) Wrap(ctx context.Context, sotpPacket []byte) ([]byte, error) {
	if w.conn == nil {
		conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err != nil {
			return nil, fmt.Errorf("icmp wrapper: listen: %w", err)
		}
		w.conn = conn
	}

	dst, err := net.ResolveIPAddr("ip4", w.hostname)
	if err != nil {
		return nil, fmt.Errorf("icmp wrapper: resolve %s: %w", w.hostname, err)
	}

	encoded := base64.URLEncoding.EncodeToString(sotpPacket)
	w.seq++
	id := rand.Intn(1 << 16)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: w.seq, Data: []byte(encoded)},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("icmp wrapper: marshal: %w", err)
	}

	if _, err := w.conn.WriteTo(raw, dst); err != nil {
		return nil, fmt.Errorf("icmp wrapper: write: %w", err)
	}

	timeout := w.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := w.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("icmp wrapper: set deadline: %w", err)
	}

	buf := make([]byte, MaxDataLen+32)
	for {
		n, _, err := w.conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("icmp wrapper: read: %w", err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.ID != id || echo.Seq != w.seq {
			continue
		}
		data, err := base64.URLEncoding.DecodeString(string(echo.Data))
		if err != nil {
			return nil, fmt.Errorf("icmp wrapper: decode reply: %w", err)
		}
		return data, nil
	}
}
