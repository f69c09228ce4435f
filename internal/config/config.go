// Package config holds the CLI-derived configuration shared by
// mistica-client and mistica-server, and the startup validation that
// runs before any actor goroutine starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/misticateam/mistica/internal/sotp"
	"github.com/misticateam/mistica/internal/validation"
)

// Config is the fully resolved, validated configuration for one run of
// either binary.
type Config struct {
	// Key is the pre-shared stream-cipher key, already loaded from
	// --key or a keystore file by the caller.
	Key []byte

	// Overlay/Wrapper module names and their raw argument strings, as
	// accepted from --modules, --overlay-args, --wrapper-args.
	OverlayName string
	WrapperName string
	OverlayArgs map[string]string
	WrapperArgs map[string]string

	// WrapServerArgs is server-only: arguments for the carrier listener
	// hosting the wrapper (--wrap-server-args).
	WrapServerArgs map[string]string

	MaxRetries      int
	MaxSize         int
	ResponseTimeout time.Duration
	PollDelay       time.Duration

	// HealthAddr, if non-empty, exposes the health/metrics HTTP
	// endpoint on this address.
	HealthAddr string

	Verbosity int
}

// DefaultConfig returns the tunables used when a flag is omitted.
func DefaultConfig() *Config {
	return &Config{
		OverlayArgs:     map[string]string{},
		WrapperArgs:     map[string]string{},
		WrapServerArgs:  map[string]string{},
		MaxRetries:      5,
		MaxSize:         1024,
		ResponseTimeout: 5 * time.Second,
		PollDelay:       2 * time.Second,
	}
}

// Validate runs every startup check; a non-nil error is a ConfigError
// per the protocol's error-handling table, and the caller must refuse
// to start and exit non-zero.
func (c *Config) Validate() *sotp.Error {
	if len(c.Key) == 0 {
		return sotp.NewError(sotp.ErrConfigError, "a pre-shared key is required (--key or --keystore)")
	}
	if err := validation.ValidateStringNonEmpty(c.OverlayName); err != nil {
		return sotp.NewError(sotp.ErrConfigError, "overlay module name: %v", err)
	}
	if err := validation.ValidateStringNonEmpty(c.WrapperName); err != nil {
		return sotp.NewError(sotp.ErrConfigError, "wrapper module name: %v", err)
	}
	if err := validation.ValidateRangeInt(c.MaxSize, 1, sotp.MaxDataLen); err != nil {
		return sotp.NewError(sotp.ErrConfigError, "max size: %v", err)
	}
	if err := validation.ValidateRangeInt(c.MaxRetries, 0, 1<<16); err != nil {
		return sotp.NewError(sotp.ErrConfigError, "max retries: %v", err)
	}
	if c.HealthAddr != "" {
		if err := validation.ValidateAddr(c.HealthAddr); err != nil {
			return sotp.NewError(sotp.ErrConfigError, "health address: %v", err)
		}
	}
	return nil
}

// SplitModules parses the CLI's "--modules overlay:wrapper" flag.
func SplitModules(spec string) (overlayName, wrapperName string, err error) {
	if err := validation.ValidateModuleSpec(spec); err != nil {
		return "", "", fmt.Errorf("--modules: %w", err)
	}
	parts := strings.SplitN(spec, ":", 2)
	return parts[0], parts[1], nil
}

// ParseArgs parses a comma-separated "key=value,key=value" argument
// string, as accepted by --overlay-args, --wrapper-args, and
// --wrap-server-args. An empty string yields an empty, non-nil map.
func ParseArgs(raw string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("malformed argument %q, expected key=value", pair)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}
