// Package io implements the stdin/stdout passthrough overlay: every
// byte read from stdin is submitted over SOTP, and every decrypted
// SOTP payload is written to stdout.
package io

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/misticateam/mistica/internal/overlay"
)

const moduleName = "io"

func init() {
	overlay.Global.Register(overlay.Descriptor{
		Name:        moduleName,
		Description: "Passthrough stdin/stdout overlay.",
		Args: []overlay.ArgSpec{
			{Name: "tag", Type: "string", Default: "0x1010", Description: "overlay selection tag used in RequestAuth"},
			{Name: "read_size", Type: "int", Default: "4096", Description: "stdin read buffer size"},
		},
	}, New)
}

// Overlay is the io module: HasInput is true, it has no sink-side
// transformation beyond a straight write.
type Overlay struct {
	tag      [2]byte
	readSize int
	in       io.Reader
	out      io.Writer
}

// New builds an io overlay from its raw --overlay-args.
func New(args map[string]string) (overlay.Overlay, error) {
	tag, err := parseTag(args["tag"])
	if err != nil {
		return nil, err
	}
	size := 4096
	if v, ok := args["read_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("io overlay: invalid read_size %q: %w", v, err)
		}
		size = n
	}
	return &Overlay{tag: tag, readSize: size, in: os.Stdin, out: os.Stdout}, nil
}

func (o *Overlay) Name() string   { return moduleName }
func (o *Overlay) Tag() [2]byte   { return o.tag }
func (o *Overlay) HasInput() bool { return true }
func (o *Overlay) Close() error   { return nil }

// Pump reads stdin in readSize chunks until EOF or ctx cancellation,
// submitting each chunk as it arrives.
func (o *Overlay) Pump(ctx context.Context, submit func([]byte)) error {
	r := bufio.NewReaderSize(o.in, o.readSize)
	buf := make([]byte, o.readSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := r.Read(buf)
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

// ProcessSOTP writes the decrypted payload straight to stdout; io
// never talks back beyond the input side, so it returns nil.
func (o *Overlay) ProcessSOTP(data []byte) []byte {
	_, _ = o.out.Write(data)
	return nil
}

func parseTag(s string) ([2]byte, error) {
	if s == "" {
		s = "0x1010"
	}
	var v uint64
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err != nil {
		return [2]byte{}, fmt.Errorf("io overlay: invalid tag %q: %w", s, err)
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return b, nil
}
