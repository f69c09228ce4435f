// Package e2e exercises the whole client/router/worker/wire stack
// together over a real TCP carrier loopback, seeding the end-to-end
// scenarios named in the protocol's testable-properties section: a
// plain echo round trip and a large payload that forces chunking.
// Only the overlay (application payload source/sink) is a test double
// here, standing in for io/shell/tcp the same way a unit test's fake
// peer stands in for a real carrier — the SOTP core, the router, the
// per-session worker, and the raw-TCP wrapper are all the genuine
// production code.
package e2e

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/misticateam/mistica/internal/client"
	"github.com/misticateam/mistica/internal/events"
	"github.com/misticateam/mistica/internal/logging"
	"github.com/misticateam/mistica/internal/metrics"
	"github.com/misticateam/mistica/internal/overlay"
	"github.com/misticateam/mistica/internal/router"
	"github.com/misticateam/mistica/internal/sotp"
	"github.com/misticateam/mistica/internal/wrapper"
	wraptcp "github.com/misticateam/mistica/internal/wrapper/tcp"
)

var (
	sharedMetrics     *metrics.Metrics
	sharedMetricsOnce sync.Once
)

func testMetrics() *metrics.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = metrics.New() })
	return sharedMetrics
}

// stubOverlay is a minimal overlay.Overlay: toSend is pumped once at
// startup (HasInput overlays only), and every ProcessSOTP delivery is
// both recorded and forwarded onto received for the test to observe.
type stubOverlay struct {
	name     string
	tag      [2]byte
	hasInput bool
	toSend   [][]byte
	received chan []byte
}

func (o *stubOverlay) Name() string   { return o.name }
func (o *stubOverlay) Tag() [2]byte   { return o.tag }
func (o *stubOverlay) HasInput() bool { return o.hasInput }
func (o *stubOverlay) Close() error   { return nil }

func (o *stubOverlay) ProcessSOTP(data []byte) []byte {
	cp := append([]byte(nil), data...)
	if o.received != nil {
		o.received <- cp
	}
	return nil
}

func (o *stubOverlay) Pump(ctx context.Context, submit func([]byte)) error {
	for _, chunk := range o.toSend {
		submit(chunk)
	}
	<-ctx.Done()
	return ctx.Err()
}

// countingWrapper decorates a real wrapper.Wrapper and classifies
// every packet actually handed to the carrier: how many carried
// content, and how many of those had PUSH set.
type countingWrapper struct {
	wrapper.Wrapper
	mu          sync.Mutex
	dataPackets int
	pushPackets int
}

func (c *countingWrapper) Wrap(ctx context.Context, raw []byte) ([]byte, error) {
	if p, derr := sotp.Decode(raw); derr == nil && len(p.Content) > 0 && !p.IsFlagActive(sotp.FlagSync) {
		c.mu.Lock()
		c.dataPackets++
		if p.IsFlagActive(sotp.FlagPush) {
			c.pushPackets++
		}
		c.mu.Unlock()
	}
	return c.Wrapper.Wrap(ctx, raw)
}

func (c *countingWrapper) snapshot() (data, push int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataPackets, c.pushPackets
}

// freePort grabs an ephemeral TCP port and releases it immediately;
// good enough for a test harness where nothing else races to bind it
// in between.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// harness wires one router + TCP wrap server listening on a loopback
// port, bound to a single test overlay module whose instances report
// every delivered payload on received.
type harness struct {
	port     int
	received chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
}

func startHarness(t *testing.T, key []byte, tag [2]byte, maxSize int) *harness {
	t.Helper()

	port := freePort(t)
	received := make(chan []byte, 16)

	reg := overlay.NewRegistry()
	reg.Register(overlay.Descriptor{Name: "probe"}, func(map[string]string) (overlay.Overlay, error) {
		return &stubOverlay{name: "probe", tag: tag, received: received}, nil
	})

	log := logging.New("e2e-server", "test", devNull{})
	ev := events.NewPublisher(16)

	rtr, err := router.New(key, 3, maxSize, "probe", map[string]string{}, reg, "tcp", log, testMetrics(), ev)
	if err != nil {
		t.Fatalf("building router: %v", err)
	}

	wrapSrv, err := wraptcp.NewServer(map[string]string{
		"address": "127.0.0.1",
		"port":    strconv.Itoa(port),
	})
	if err != nil {
		t.Fatalf("building tcp wrap server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = wrapSrv.Serve(ctx, rtr.HandleInbound)
	}()

	// Give the listener a moment to bind before any client dials it.
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port))); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return &harness{port: port, received: received, cancel: cancel, done: done}
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

type devNull struct{}

func (devNull) Write(p []byte) (int, error) { return len(p), nil }

// TestEchoOverTCPLoopback seeds scenario 1 from the testable
// properties: a small payload written on the client overlay side must
// arrive byte-identical on the server overlay side well within
// response_timeout + poll_delay.
func TestEchoOverTCPLoopback(t *testing.T) {
	key := []byte("scenario-1-secret")
	tag := [2]byte{0x10, 0x10}
	h := startHarness(t, key, tag, 1024)
	defer h.stop()

	clientWrap, err := wraptcp.New(map[string]string{
		"address": "127.0.0.1",
		"port":    strconv.Itoa(h.port),
	})
	if err != nil {
		t.Fatalf("building tcp client wrapper: %v", err)
	}

	core, err := sotp.NewCore(key, 3, 1024)
	if err != nil {
		t.Fatalf("building client core: %v", err)
	}

	ov := &stubOverlay{name: "probe", tag: tag, hasInput: true, toSend: [][]byte{[]byte("hello\n")}}
	log := logging.New("e2e-client", "test", devNull{})
	ev := events.NewPublisher(8)

	responseTimeout := 500 * time.Millisecond
	pollDelay := 200 * time.Millisecond

	c := client.New(core, ov, clientWrap, log, testMetrics(), ev, responseTimeout, pollDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	select {
	case got := <-h.received:
		if string(got) != "hello\n" {
			t.Fatalf("server overlay received %q, want %q", got, "hello\n")
		}
	case <-time.After(responseTimeout + pollDelay):
		t.Fatal("timed out waiting for the server overlay to receive the echoed payload")
	}

	cancel()
	<-runDone
}

// TestChunkingAcrossMaxSize seeds scenario 2: a 10,000-byte payload
// with max_size=256 must be observed at the wrapper boundary as at
// least 40 content-bearing packets with exactly one PUSH, and must be
// delivered to the server overlay as a single reassembled write.
func TestChunkingAcrossMaxSize(t *testing.T) {
	key := []byte("scenario-2-secret")
	tag := [2]byte{0x20, 0x20}
	const maxSize = 256
	h := startHarness(t, key, tag, maxSize)
	defer h.stop()

	rawClientWrap, err := wraptcp.New(map[string]string{
		"address": "127.0.0.1",
		"port":    strconv.Itoa(h.port),
	})
	if err != nil {
		t.Fatalf("building tcp client wrapper: %v", err)
	}
	countWrap := &countingWrapper{Wrapper: rawClientWrap}

	core, err := sotp.NewCore(key, 3, maxSize)
	if err != nil {
		t.Fatalf("building client core: %v", err)
	}

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	ov := &stubOverlay{name: "probe", tag: tag, hasInput: true, toSend: [][]byte{payload}}
	log := logging.New("e2e-client", "test", devNull{})
	ev := events.NewPublisher(8)

	responseTimeout := 500 * time.Millisecond
	pollDelay := 100 * time.Millisecond

	c := client.New(core, ov, countWrap, log, testMetrics(), ev, responseTimeout, pollDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	select {
	case got := <-h.received:
		if len(got) != len(payload) {
			t.Fatalf("server overlay received %d bytes, want %d", len(got), len(payload))
		}
		for i := range got {
			if got[i] != payload[i] {
				t.Fatalf("byte %d mismatch: got %02x want %02x", i, got[i], payload[i])
			}
		}
	case <-time.After(12 * time.Second):
		t.Fatal("timed out waiting for the server overlay to receive the full payload")
	}

	cancel()
	<-runDone

	dataPackets, pushPackets := countWrap.snapshot()
	if dataPackets < 40 {
		t.Errorf("observed %d content-bearing packets, want >= 40", dataPackets)
	}
	if pushPackets != 1 {
		t.Errorf("observed %d PUSH-flagged packets, want exactly 1", pushPackets)
	}
}
