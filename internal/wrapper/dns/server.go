package dns

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/misticateam/mistica/internal/wrapper"
)

func init() {
	wrapper.Global.RegisterServer(wrapper.Descriptor{
		Name:        moduleName,
		Description: "Authoritative DNS listener answering queries under one or more domains with the requested record type.",
		Args: []wrapper.ArgSpec{
			{Name: "address", Type: "string", Default: "0.0.0.0", Description: "listen address"},
			{Name: "port", Type: "int", Default: "53", Description: "listen port"},
			{Name: "domains", Type: "string", Required: true, Description: "comma-separated list of domains this server answers for"},
			{Name: "ttl", Type: "int", Default: "0", Description: "TTL advertised in answer records"},
		},
	}, NewServer)
}

// Server is the DNS wrap server: one UDP socket answering queries
// addressed to any of domains, mirroring each query's record type in
// its answer.
type Server struct {
	addr    string
	domains []string
	ttl     uint32

	udpServer *dns.Server
}

func NewServer(args map[string]string) (wrapper.WrapServer, error) {
	address := args["address"]
	if address == "" {
		address = "0.0.0.0"
	}
	port := args["port"]
	if port == "" {
		port = "53"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("dns wrap server: invalid port %q: %w", port, err)
	}
	raw := args["domains"]
	if raw == "" {
		return nil, fmt.Errorf("dns wrap server: --domains is required")
	}
	var domains []string
	for _, d := range strings.Split(raw, ",") {
		d = strings.TrimSuffix(strings.TrimSpace(d), ".")
		if d != "" {
			domains = append(domains, d)
		}
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("dns wrap server: --domains produced no usable entries")
	}

	ttl := uint32(0)
	if v, ok := args["ttl"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("dns wrap server: invalid ttl: %w", err)
		}
		ttl = uint32(n)
	}

	return &Server{addr: fmt.Sprintf("%s:%s", address, port), domains: domains, ttl: ttl}, nil
}

func (s *Server) Name() string { return moduleName }

func (s *Server) Close() error {
	if s.udpServer != nil {
		return s.udpServer.Shutdown()
	}
	return nil
}

// Serve answers UDP DNS queries until ctx is cancelled. Each query's
// QNAME is matched against the configured domain list, stripped of its
// suffix, and base64-decoded to recover the SOTP packet bytes handed to
// handle; the returned bytes are base64-encoded back into an answer
// record of the same type as the question.
func (s *Server) Serve(ctx context.Context, handle func(ctx context.Context, sotpPacket []byte) []byte) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		s.handleQuery(ctx, w, req, handle)
	})

	srv := &dns.Server{Addr: s.addr, Net: "udp", Handler: mux}
	s.udpServer = srv

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = srv.Shutdown()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dns wrap server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleQuery(ctx context.Context, w dns.ResponseWriter, req *dns.Msg, handle func(ctx context.Context, sotpPacket []byte) []byte) {
	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Authoritative = true

	if len(req.Question) != 1 {
		_ = w.WriteMsg(reply)
		return
	}
	q := req.Question[0]

	payload, domain, ok := s.extractPayload(q.Name)
	if !ok {
		_ = w.WriteMsg(reply)
		return
	}

	resp := handle(ctx, payload)
	if resp == nil {
		_ = w.WriteMsg(reply)
		return
	}

	rr, err := s.buildAnswer(q, domain, resp)
	if err != nil {
		_ = w.WriteMsg(reply)
		return
	}
	reply.Answer = append(reply.Answer, rr)
	_ = w.WriteMsg(reply)
}

// extractPayload strips the matching domain suffix from qname and
// base64-decodes what remains across all of its dot-joined labels.
func (s *Server) extractPayload(qname string) ([]byte, string, bool) {
	host := strings.TrimSuffix(qname, ".")
	for _, domain := range s.domains {
		suffix := "." + domain
		if host == domain {
			return nil, domain, false
		}
		if !strings.HasSuffix(host, suffix) {
			continue
		}
		encoded := strings.ReplaceAll(strings.TrimSuffix(host, suffix), ".", "")
		data, err := base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, domain, false
		}
		return data, domain, true
	}
	return nil, "", false
}

func (s *Server) buildAnswer(q dns.Question, domain string, data []byte) (dns.RR, error) {
	encoded := base64.URLEncoding.EncodeToString(data)
	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: s.ttl}

	switch q.Qtype {
	case dns.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: []string{encoded}}, nil
	case dns.TypeNS:
		return &dns.NS{Hdr: hdr, Ns: encoded + "." + domain + "."}, nil
	case dns.TypeCNAME:
		return &dns.CNAME{Hdr: hdr, Target: encoded + "." + domain + "."}, nil
	case dns.TypeMX:
		return &dns.MX{Hdr: hdr, Preference: 10, Mx: encoded + "." + domain + "."}, nil
	case dns.TypeSOA:
		return &dns.SOA{Hdr: hdr, Ns: encoded + "." + domain + ".", Mbox: "hostmaster." + domain + ".",
			Serial: 1, Refresh: 3600, Retry: 600, Expire: 86400, Minttl: s.ttl}, nil
	default:
		return nil, fmt.Errorf("unsupported question qtype %d", q.Qtype)
	}
}
