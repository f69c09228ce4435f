// Package wrapper defines the carrier-agnostic contract a codec that
// hides a SOTP packet inside a carrier PDU (DNS query, HTTP request,
// ICMP echo, raw TCP) implements, on both the client and server side.
package wrapper

import (
	"context"
	"time"

	"github.com/misticateam/mistica/internal/sotp"
)

// PacketOverhead is the largest a SOTP packet's header can be (mandatory
// header plus the optional sync_type byte), the fixed cost a wrapper
// must budget for in addition to its content when bounding MaxSize
// against a carrier's own size limit.
func PacketOverhead() int {
	return sotp.HeaderSize + sotp.OptionalHeaderSize
}

// Tunables are the four values a wrapper publishes for the core to
// read at startup: the largest content chunk it can carry, how often
// to poll when idle, how long to wait for a carrier response, and how
// many resends to attempt before giving up.
type Tunables struct {
	MaxSize         int
	PollDelay       time.Duration
	ResponseTimeout time.Duration
	MaxRetries      int
}

// Wrapper is the client-side carrier codec: encode a SOTP packet into
// a carrier PDU, perform one carrier transaction, and return the
// decoded response. A non-nil error is always CarrierFailure; the
// core is responsible for the retry policy around it.
type Wrapper interface {
	Name() string
	Tunables() Tunables
	Wrap(ctx context.Context, sotpPacket []byte) (response []byte, err error)
	Close() error
}

// WrapServer is the server-side carrier listener (the "wrap server"):
// it owns the socket/HTTP mux/raw-socket for one carrier, decodes
// inbound PDUs into SOTP bytes for the router, and encodes the
// router's reply back into the carrier's response shape.
type WrapServer interface {
	Name() string
	// Serve blocks accepting carrier transactions until ctx is
	// cancelled. handle is called once per inbound transaction with
	// the unwrapped SOTP packet bytes; its return value is wrapped
	// back into the carrier response.
	Serve(ctx context.Context, handle func(ctx context.Context, sotpPacket []byte) []byte) error
	Close() error
}

// ArgSpec mirrors overlay.ArgSpec: one named, typed constructor
// argument in a module's descriptor.
type ArgSpec struct {
	Name        string
	Type        string
	Default     string
	Required    bool
	Description string
}

// Descriptor is a registered wrapper (or wrap server)'s static,
// introspectable identity.
type Descriptor struct {
	Name        string
	Description string
	Args        []ArgSpec
}

// Factory builds a concrete client Wrapper from its raw --wrapper-args.
type Factory func(args map[string]string) (Wrapper, error)

// ServerFactory builds a concrete WrapServer from its raw
// --wrap-server-args.
type ServerFactory func(args map[string]string) (WrapServer, error)
