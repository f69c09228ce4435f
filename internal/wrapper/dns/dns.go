// Package dns implements the DNS wrapper: a SOTP packet is URL-safe
// base64 encoded and split across one or more QNAME labels suffixed
// with the configured domain; the server's answer carries the reply
// in a record of the configured type (TXT by default).
package dns

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/misticateam/mistica/internal/validation"
	"github.com/misticateam/mistica/internal/wrapper"
)

const (
	moduleName = "dns"

	// RFC 1035 §3.1 limits, enforced at configure time.
	maxLabelLen = 63
	maxNameLen  = 253
)

func init() {
	wrapper.Global.Register(wrapper.Descriptor{
		Name:        moduleName,
		Description: "DNS query/TXT-answer carrier.",
		Args: []wrapper.ArgSpec{
			{Name: "domain", Type: "string", Required: true, Description: "suffix domain the server authoritatively answers for"},
			{Name: "server", Type: "string", Required: true, Description: "resolver address, host:port"},
			{Name: "record_type", Type: "string", Default: "TXT", Description: "answer record type: TXT, NS, CNAME, SOA, or MX"},
			{Name: "max_size", Type: "int", Default: "128"},
			{Name: "poll_delay_ms", Type: "int", Default: "2000"},
			{Name: "response_timeout_ms", Type: "int", Default: "5000"},
			{Name: "max_retries", Type: "int", Default: "5"},
		},
	}, New)
}

// encodedLabelBudget returns how many base64 characters fit in one
// query name once the domain suffix and label-separating dots are
// accounted for.
func encodedLabelBudget(domain string) int {
	// EncodeQName builds labels + "." + domain + "."; with L labels
	// joined by L-1 dots the name is encoded + L + len(domain) + 1.
	avail := maxNameLen - len(domain) - 1
	if avail <= 0 {
		return 0
	}
	// Each full label costs maxLabelLen characters plus one dot.
	full, rem := avail/(maxLabelLen+1), avail%(maxLabelLen+1)
	budget := full * maxLabelLen
	if rem > 1 {
		budget += rem - 1
	}
	return budget
}

// maxContentSize returns the largest SOTP packet (header + content)
// that base64-encodes within the QNAME budget for domain.
func maxContentSize(domain string) int {
	budget := encodedLabelBudget(domain)
	if budget < 4 {
		return 0
	}
	return base64.URLEncoding.DecodedLen(budget)
}

type Wrapper struct {
	domain     string
	server     string
	recordType uint16
	tunables   wrapper.Tunables
}

func New(args map[string]string) (wrapper.Wrapper, error) {
	domain := strings.TrimSuffix(args["domain"], ".")
	if err := validation.ValidateDNSName(domain); err != nil {
		return nil, fmt.Errorf("dns wrapper: --domain: %w", err)
	}
	server := args["server"]
	if server == "" {
		return nil, fmt.Errorf("dns wrapper: --server is required")
	}
	recordType := uint16(dns.TypeTXT)
	switch strings.ToUpper(args["record_type"]) {
	case "", "TXT":
		recordType = dns.TypeTXT
	case "NS":
		recordType = dns.TypeNS
	case "CNAME":
		recordType = dns.TypeCNAME
	case "SOA":
		recordType = dns.TypeSOA
	case "MX":
		recordType = dns.TypeMX
	default:
		return nil, fmt.Errorf("dns wrapper: unsupported record_type %q", args["record_type"])
	}

	t := wrapper.Tunables{MaxSize: 128, PollDelay: 2 * time.Second, ResponseTimeout: 5 * time.Second, MaxRetries: 5}
	if v, ok := args["max_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("dns wrapper: invalid max_size: %w", err)
		}
		t.MaxSize = n
	}
	if cap := maxContentSize(domain); t.MaxSize+wrapper.PacketOverhead() > cap {
		return nil, fmt.Errorf("dns wrapper: max_size %d exceeds what domain %q allows in one QNAME (cap %d)", t.MaxSize, domain, cap-wrapper.PacketOverhead())
	}
	if v, ok := args["poll_delay_ms"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.PollDelay = time.Duration(n) * time.Millisecond
	}
	if v, ok := args["response_timeout_ms"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.ResponseTimeout = time.Duration(n) * time.Millisecond
	}
	if v, ok := args["max_retries"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.MaxRetries = n
	}

	return &Wrapper{domain: domain, server: server, recordType: recordType, tunables: t}, nil
}

func (w *Wrapper) Name() string               { return moduleName }
func (w *Wrapper) Tunables() wrapper.Tunables { return w.tunables }
func (w *Wrapper) Close() error               { return nil }

// Wrap encodes sotpPacket into a query name under w.domain and issues
// one DNS query, extracting the SOTP response bytes from the first
// answer of the configured type.
func (w *Wrapper) Wrap(ctx context.Context, sotpPacket []byte) ([]byte, error) {
	qname, err := EncodeQName(sotpPacket, w.domain)
	if err != nil {
		return nil, fmt.Errorf("dns wrapper: encode qname: %w", err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(qname, w.recordType)
	msg.RecursionDesired = true

	timeout := w.tunables.ResponseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	client := &dns.Client{Timeout: timeout}

	resp, _, err := client.Exchange(msg, w.server)
	if err != nil {
		return nil, fmt.Errorf("dns wrapper: exchange: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns wrapper: non-success rcode %s", dns.RcodeToString[resp.Rcode])
	}

	return DecodeAnswer(resp, w.recordType)
}

// EncodeQName URL-safe-base64 encodes payload and splits it across
// RFC 1035 labels of at most maxLabelLen characters, suffixed with
// domain.
func EncodeQName(payload []byte, domain string) (string, error) {
	encoded := base64.URLEncoding.EncodeToString(payload)
	var labels []string
	for len(encoded) > 0 {
		n := maxLabelLen
		if n > len(encoded) {
			n = len(encoded)
		}
		labels = append(labels, encoded[:n])
		encoded = encoded[n:]
	}
	name := strings.Join(labels, ".") + "." + domain + "."
	if len(name) > maxNameLen {
		return "", fmt.Errorf("encoded qname length %d exceeds RFC 1035 limit %d", len(name), maxNameLen)
	}
	return name, nil
}

// DecodeAnswer extracts and base64-decodes the SOTP response bytes
// from the first answer record of the requested type.
func DecodeAnswer(msg *dns.Msg, recordType uint16) ([]byte, error) {
	for _, rr := range msg.Answer {
		var encoded string
		switch recordType {
		case dns.TypeTXT:
			if txt, ok := rr.(*dns.TXT); ok {
				encoded = strings.Join(txt.Txt, "")
			}
		case dns.TypeNS:
			if ns, ok := rr.(*dns.NS); ok {
				encoded = strings.TrimSuffix(ns.Ns, ".")
			}
		case dns.TypeCNAME:
			if c, ok := rr.(*dns.CNAME); ok {
				encoded = strings.TrimSuffix(c.Target, ".")
			}
		case dns.TypeMX:
			if mx, ok := rr.(*dns.MX); ok {
				encoded = strings.TrimSuffix(mx.Mx, ".")
			}
		case dns.TypeSOA:
			if soa, ok := rr.(*dns.SOA); ok {
				encoded = strings.TrimSuffix(soa.Ns, ".")
			}
		}
		if encoded == "" {
			continue
		}
		data, err := base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("no usable answer record of type %d", recordType)
}
