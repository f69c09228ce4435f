package http

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/misticateam/mistica/internal/tlsutil"
	"github.com/misticateam/mistica/internal/wrapper"
)

func init() {
	wrapper.Global.RegisterServer(wrapper.Descriptor{
		Name:        moduleName,
		Description: "HTTP(S) listener extracting SOTP data from requests placed the same way the client wraps them.",
		Args: []wrapper.ArgSpec{
			{Name: "address", Type: "string", Default: "0.0.0.0"},
			{Name: "port", Type: "int", Default: "8080"},
			{Name: "uri", Type: "string", Default: "/"},
			{Name: "header", Type: "string", Description: "header field name requests embed the packet in"},
			{Name: "post_field", Type: "string", Description: "POST form field name requests embed the packet in"},
			{Name: "success_code", Type: "int", Default: "200"},
			{Name: "ssl", Type: "bool", Default: "false", Description: "serve TLS with a generated self-signed certificate, matching the client's --ssl"},
		},
	}, NewServer)
}

type Server struct {
	addr        string
	uri         string
	header      string
	postField   string
	successCode int
	tlsConfig   *tls.Config

	httpServer *http.Server
}

func NewServer(args map[string]string) (wrapper.WrapServer, error) {
	address := args["address"]
	if address == "" {
		address = "0.0.0.0"
	}
	port := args["port"]
	if port == "" {
		port = "8080"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("http wrap server: invalid port %q: %w", port, err)
	}
	uri := args["uri"]
	if uri == "" {
		uri = "/"
	}
	successCode := 200
	if v, ok := args["success_code"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		successCode = n
	}

	var tlsConfig *tls.Config
	if args["ssl"] == "true" {
		certPEM, keyPEM, err := tlsutil.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("http wrap server: generating self-signed certificate: %w", err)
		}
		tlsConfig, err = tlsutil.MakeTLSConfig(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("http wrap server: building tls config: %w", err)
		}
	}

	return &Server{
		addr:        fmt.Sprintf("%s:%s", address, port),
		uri:         uri,
		header:      args["header"],
		postField:   args["post_field"],
		successCode: successCode,
		tlsConfig:   tlsConfig,
	}, nil
}

func (s *Server) Name() string { return moduleName }

func (s *Server) Close() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Serve runs an HTTP(S) listener until ctx is cancelled. Each inbound
// request's embedded SOTP bytes (URI suffix, header, or POST field,
// matching how the configured client places them) are extracted and
// handed to handle; the returned bytes go back base64-encoded in the
// response body.
func (s *Server) Serve(ctx context.Context, handle func(ctx context.Context, sotpPacket []byte) []byte) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(ctx, w, r, handle)
	})

	srv := &http.Server{Addr: s.addr, Handler: mux, TLSConfig: s.tlsConfig}
	s.httpServer = srv

	errCh := make(chan error, 1)
	go func() {
		if s.tlsConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http wrap server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, handle func(ctx context.Context, sotpPacket []byte) []byte) {
	payload, ok := s.extractPayload(r)
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp := handle(ctx, payload)
	encoded := base64.URLEncoding.EncodeToString(resp)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(s.successCode)
	_, _ = w.Write([]byte(encoded))
}

func (s *Server) extractPayload(r *http.Request) ([]byte, bool) {
	var encoded string
	switch {
	case s.header != "":
		encoded = r.Header.Get(s.header)
	case r.Method == http.MethodPost && s.postField != "":
		if err := r.ParseForm(); err != nil {
			return nil, false
		}
		encoded = r.PostForm.Get(s.postField)
	default:
		encoded = strings.TrimPrefix(r.URL.Path, s.uri)
	}
	if encoded == "" {
		return nil, false
	}
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return data, true
}
