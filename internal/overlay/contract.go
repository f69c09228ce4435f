// Package overlay defines the carrier-agnostic contract every
// application-payload source/sink (shell, TCP bridge, stdin/stdout)
// implements, plus the explicit name-keyed registry that replaces
// subclass enumeration.
package overlay

import "context"

// Overlay is the pluggable module producing/consuming the user
// payload. A HasInput overlay owns its own input-capture loop, run
// under Pump, which submits ready chunks for encryption and chunking.
// ProcessSOTP is called when a decrypted payload is delivered from
// SOTP; its side effect is writing to the overlay's sink, and its
// return value (if non-nil) is itself submitted back over SOTP — the
// shell overlay uses this to return command output without otherwise
// being input-bearing.
type Overlay interface {
	Name() string
	Tag() [2]byte

	// HasInput reports whether this overlay produces data on its own
	// (io, tcp) or only in response to SOTP traffic (shell).
	HasInput() bool

	// Pump runs the overlay's own input-capture loop when HasInput is
	// true, calling submit with each ready chunk, until ctx is done or
	// the source reaches EOF. A !HasInput overlay's Pump blocks on ctx
	// alone and never calls submit.
	Pump(ctx context.Context, submit func([]byte)) error

	ProcessSOTP(data []byte) []byte

	// Close releases any resource (socket, subprocess) the overlay
	// holds. Called on session teardown.
	Close() error
}

// ArgSpec describes one named, typed constructor argument, replacing
// argparse-driven config.json schemas with an explicit descriptor.
type ArgSpec struct {
	Name        string
	Type        string // "string", "int", "bool"
	Default     string
	Required    bool
	Description string
}

// Descriptor is the static, introspectable identity of a registered
// overlay module: name, description, and its typed argument schema.
type Descriptor struct {
	Name        string
	Description string
	Args        []ArgSpec
}

// Factory builds a concrete Overlay from its raw --overlay-args.
type Factory func(args map[string]string) (Overlay, error)
