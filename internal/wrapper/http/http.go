// Package http implements the HTTP(S) wrapper: a SOTP packet is
// url-safe base64 encoded and embedded in a request's URI, a header, or
// a POST field, and the server's response carries the reply body the
// same way.
package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/misticateam/mistica/internal/tlsutil"
	"github.com/misticateam/mistica/internal/wrapper"
)

const moduleName = "http"

func init() {
	wrapper.Global.Register(wrapper.Descriptor{
		Name:        moduleName,
		Description: "Encodes/decodes SOTP data in HTTP requests and responses.",
		Args: []wrapper.ArgSpec{
			{Name: "hostname", Type: "string", Required: true},
			{Name: "port", Type: "int", Default: "8080"},
			{Name: "method", Type: "string", Default: "GET", Description: "GET or POST"},
			{Name: "uri", Type: "string", Default: "/"},
			{Name: "header", Type: "string", Description: "header field name to embed the packet in, instead of the URI"},
			{Name: "post_field", Type: "string", Description: "POST form field name to embed the packet in"},
			{Name: "success_code", Type: "int", Default: "200"},
			{Name: "ssl", Type: "bool", Default: "false"},
			{Name: "proxy", Type: "string", Description: "proxy address, host:port"},
			{Name: "max_size", Type: "int", Default: "4096"},
			{Name: "poll_delay_ms", Type: "int", Default: "5000"},
			{Name: "response_timeout_ms", Type: "int", Default: "3000"},
			{Name: "max_retries", Type: "int", Default: "20"},
		},
	}, New)
}

type Wrapper struct {
	baseURL     string
	method      string
	uri         string
	header      string
	postField   string
	successCode int
	tunables    wrapper.Tunables

	client *http.Client
}

func New(args map[string]string) (wrapper.Wrapper, error) {
	hostname := args["hostname"]
	if hostname == "" {
		return nil, fmt.Errorf("http wrapper: --hostname is required")
	}
	port := 8080
	if v, ok := args["port"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("http wrapper: invalid port: %w", err)
		}
		port = n
	}
	method := strings.ToUpper(args["method"])
	if method == "" {
		method = "GET"
	}
	if method != "GET" && method != "POST" {
		return nil, fmt.Errorf("http wrapper: unsupported method %q", method)
	}
	uri := args["uri"]
	if uri == "" {
		uri = "/"
	}
	successCode := 200
	if v, ok := args["success_code"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("http wrapper: invalid success_code: %w", err)
		}
		successCode = n
	}
	useSSL := args["ssl"] == "true"
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	baseURL := fmt.Sprintf("%s://%s:%d", scheme, hostname, port)

	transport := &http.Transport{}
	if useSSL {
		transport.TLSClientConfig = tlsutil.MakeClientTLSConfig()
	}
	if proxy := args["proxy"]; proxy != "" {
		proxyURL, err := url.Parse("http://" + proxy)
		if err != nil {
			return nil, fmt.Errorf("http wrapper: invalid proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	t := wrapper.Tunables{MaxSize: 4096, PollDelay: 5 * time.Second, ResponseTimeout: 3 * time.Second, MaxRetries: 20}
	if v, ok := args["max_size"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.MaxSize = n
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

	return &Wrapper{
		baseURL:     baseURL,
		method:      method,
		uri:         uri,
		header:      args["header"],
		postField:   args["post_field"],
		successCode: successCode,
		tunables:    t,
		client:      &http.Client{Transport: transport},
	}, nil
}

func (w *Wrapper) Name() string               { return moduleName }
func (w *Wrapper) Tunables() wrapper.Tunables { return w.tunables }
func (w *Wrapper) Close() error               { w.client.CloseIdleConnections(); return nil }

// Wrap embeds sotpPacket in a request per the configured placement and
// returns the decoded response body.
func (w *Wrapper) Wrap(ctx context.Context, sotpPacket []byte) ([]byte, error) {
	encoded := base64.URLEncoding.EncodeToString(sotpPacket)

	var req *http.Request
	var err error

	switch {
	case w.method == "POST" && w.postField != "":
		form := url.Values{}
		form.Set(w.postField, encoded)
		req, err = http.NewRequestWithContext(ctx, "POST", w.baseURL+w.uri, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	case w.header != "":
		req, err = http.NewRequestWithContext(ctx, w.method, w.baseURL+w.uri, nil)
		if err == nil {
			req.Header.Set(w.header, encoded)
		}
	default:
		req, err = http.NewRequestWithContext(ctx, w.method, w.baseURL+w.uri+encoded, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("http wrapper: build request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http wrapper: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http wrapper: read body: %w", err)
	}
	if resp.StatusCode != w.successCode {
		return nil, fmt.Errorf("http wrapper: unexpected status %d, wanted %d", resp.StatusCode, w.successCode)
	}

	data, err := base64.URLEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("http wrapper: decode body: %w", err)
	}
	return data, nil
}
