package validation

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const (
	// RFC 1035 §3.1 limits, enforced at configure time for the DNS
	// wrapper's --domain argument.
	maxDNSLabelLen = 63
	maxDNSNameLen  = 253
)

var (
	ErrInvalidPath       = errors.New("invalid file path")
	ErrPathNotExists     = errors.New("path does not exist")
	ErrInvalidAddr       = errors.New("invalid listen address")
	ErrEmptyString       = errors.New("value must not be empty")
	ErrOutOfRange        = errors.New("value out of range")
	ErrInvalidModuleSpec = errors.New("invalid overlay:wrapper module spec")
	ErrInvalidKey        = errors.New("invalid pre-shared key")
	ErrInvalidDNSName    = errors.New("invalid DNS domain")
)

func ValidateFilePath(p string, mustExist bool) error {
	if p == "" {
		return ErrInvalidPath
	}
	if !filepath.IsAbs(p) {
		// Allow relative but normalize; disallow traversal outside working dir if needed
		p = filepath.Clean(p)
	}
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	_, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateModuleSpec checks the shape of a "--modules overlay:wrapper"
// argument: exactly one colon, both sides non-empty. Splitting is left
// to the caller (config.SplitModules); this only gates the shape.
func ValidateModuleSpec(spec string) error {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: expected overlay:wrapper, got %q", ErrInvalidModuleSpec, spec)
	}
	return nil
}

// ValidatePresharedKey checks that a --key argument is well-formed
// base64 before it is decoded and handed to the session cipher. It
// does not check key length; the stream cipher rejects keys outside
// 1 to 256 bytes when the session core is built.
func ValidatePresharedKey(raw string) error {
	if raw == "" {
		return ErrEmptyString
	}
	if _, err := base64.StdEncoding.DecodeString(raw); err != nil {
		return fmt.Errorf("%w: not valid base64: %v", ErrInvalidKey, err)
	}
	return nil
}

// ValidateDNSName enforces RFC 1035 §3.1 on a DNS wrapper's --domain
// argument: every dot-separated label at most 63 octets, the full
// name at most 253 octets.
func ValidateDNSName(domain string) error {
	if domain == "" {
		return ErrEmptyString
	}
	if len(domain) > maxDNSNameLen {
		return fmt.Errorf("%w: %q is %d octets, exceeds RFC 1035 limit of %d", ErrInvalidDNSName, domain, len(domain), maxDNSNameLen)
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) > maxDNSLabelLen {
			return fmt.Errorf("%w: label %q is %d octets, exceeds RFC 1035 limit of %d", ErrInvalidDNSName, label, len(label), maxDNSLabelLen)
		}
	}
	return nil
}
