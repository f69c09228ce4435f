package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/misticateam/mistica/internal/events"
	"github.com/misticateam/mistica/internal/logging"
	"github.com/misticateam/mistica/internal/metrics"
	"github.com/misticateam/mistica/internal/sotp"
	"github.com/misticateam/mistica/internal/wrapper"
)

// fakeOverlay is a minimal overlay.Overlay used to drive the client
// state machine without a real io/shell module.
type fakeOverlay struct {
	tag      [2]byte
	hasInput bool
	toSend   [][]byte
	received [][]byte
}

func (f *fakeOverlay) Name() string   { return "fake" }
func (f *fakeOverlay) Tag() [2]byte   { return f.tag }
func (f *fakeOverlay) HasInput() bool { return f.hasInput }
func (f *fakeOverlay) Close() error   { return nil }
func (f *fakeOverlay) ProcessSOTP(data []byte) []byte {
	f.received = append(f.received, append([]byte(nil), data...))
	return nil
}
func (f *fakeOverlay) Pump(ctx context.Context, submit func([]byte)) error {
	for _, chunk := range f.toSend {
		submit(chunk)
	}
	<-ctx.Done()
	return ctx.Err()
}

// fakePeer emulates just enough of the server side of a SOTP session
// (session minting, ack bookkeeping, content accumulation) to validate
// the client's wire behavior without depending on the router/server
// packages.
type fakePeer struct {
	sessionID  uint8
	serverSeq  uint16
	core       *sotp.Core
	failBudget int
	calls      int
	delivered  [][]byte
}

func newFakePeer(t *testing.T, key []byte, sessionID uint8) *fakePeer {
	t.Helper()
	core, err := sotp.NewCore(key, 5, 1024)
	if err != nil {
		t.Fatalf("building peer core: %v", err)
	}
	return &fakePeer{sessionID: sessionID, core: core}
}

func (p *fakePeer) Name() string               { return "fakewrap" }
func (p *fakePeer) Tunables() wrapper.Tunables { return wrapper.Tunables{} }
func (p *fakePeer) Close() error               { return nil }

func (p *fakePeer) Wrap(ctx context.Context, raw []byte) ([]byte, error) {
	p.calls++
	if p.failBudget > 0 {
		p.failBudget--
		return nil, errors.New("simulated carrier failure")
	}

	req, derr := sotp.Decode(raw)
	if derr != nil {
		return nil, derr
	}

	if req.SessionID == 0 {
		p.serverSeq = 1
		resp := sotp.NewAuthResponsePacket(req, p.sessionID)
		p.core.StorePackets(req, resp)
		return resp.Encode(), nil
	}

	if req.AnyContentAvailable() {
		p.core.BufWrapper.AddChunk(req.Content)
		if req.IsFlagActive(sotp.FlagPush) {
			if plain, err := p.core.DecryptWrapperData(); err == nil {
				p.delivered = append(p.delivered, plain)
			}
		}
	}

	p.serverSeq++
	resp := sotp.NewEmptyTransferPacket(p.sessionID, p.serverSeq, req.SeqNumber)
	p.core.StorePackets(req, resp)
	return resp.Encode(), nil
}

// Prometheus metrics register into the default registry on creation,
// so every test in this package shares a single instance instead of
// each building (and panicking on) its own.
var (
	sharedMetrics     *metrics.Metrics
	sharedMetricsOnce sync.Once
)

func testHarness(t *testing.T, key []byte, ov *fakeOverlay, peer *fakePeer) *Client {
	t.Helper()
	core, err := sotp.NewCore(key, 3, 256)
	if err != nil {
		t.Fatalf("building client core: %v", err)
	}
	log := logging.New("mistica-client-test", "test", bytes.NewBuffer(nil))
	sharedMetricsOnce.Do(func() { sharedMetrics = metrics.New() })
	ev := events.NewPublisher(4)
	return New(core, ov, peer, log, sharedMetrics, ev, 200*time.Millisecond, 20*time.Millisecond)
}

func TestHandshakeEstablishesSession(t *testing.T) {
	key := []byte("session-key-01")
	ov := &fakeOverlay{tag: [2]byte{0xAB, 0xCD}, hasInput: false}
	peer := newFakePeer(t, key, 42)
	c := testHarness(t, key, ov, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if c.SessionID() != 42 {
		t.Errorf("expected session id 42, got %d", c.SessionID())
	}
	if c.CommsBroken() {
		t.Errorf("session should not be comms-broken after a clean handshake")
	}
}

func TestTransferDeliversOverlayData(t *testing.T) {
	key := []byte("session-key-02")
	payload := []byte("the quick brown fox jumps over the lazy dog")
	ov := &fakeOverlay{tag: [2]byte{0x00, 0x01}, hasInput: true, toSend: [][]byte{payload}}
	peer := newFakePeer(t, key, 7)
	c := testHarness(t, key, ov, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	if len(peer.delivered) == 0 {
		t.Fatalf("peer never received a pushed chunk")
	}
	var got []byte
	for _, chunk := range peer.delivered {
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("peer decrypted payload = %q, want %q", got, payload)
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	key := []byte("session-key-03")
	ov := &fakeOverlay{tag: [2]byte{0x00, 0x02}, hasInput: false}
	peer := newFakePeer(t, key, 9)
	peer.failBudget = 2

	c := testHarness(t, key, ov, peer)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if c.CommsBroken() {
		t.Errorf("two transient failures should be within the retry budget")
	}
	if c.SessionID() != 9 {
		t.Errorf("handshake should have eventually succeeded, session id = %d", c.SessionID())
	}
}

func TestReinitTriggerResetsSequence(t *testing.T) {
	key := []byte("session-key-05")
	ov := &fakeOverlay{tag: [2]byte{0x00, 0x04}, hasInput: false}
	peer := newFakePeer(t, key, 13)
	c := testHarness(t, key, ov, peer)

	c.sessionID = 13
	c.core.Status = sotp.StatusWorking
	c.seq = sotp.ReinitTriggerSeq
	c.core.StorePackets(nil, &sotp.Packet{SessionID: 13, SeqNumber: sotp.ReinitTriggerSeq, Ack: 7})

	// The server's reply acks the trigger seq, so instead of wrapping
	// the counter the client must emit a reinit control packet.
	ackOfTrigger := &sotp.Packet{SessionID: 13, SeqNumber: 8, Ack: sotp.ReinitTriggerSeq}
	next, idle := c.buildNext(ackOfTrigger)
	if idle || next == nil {
		t.Fatalf("expected a reinit packet, got idle=%v next=%v", idle, next)
	}
	if !next.IsSyncType(sotp.SyncReinitializing) {
		t.Errorf("expected SYNC+Reinit, got flags=%v sync=%v", next.Flags, next.SyncType)
	}
	if next.SeqNumber != sotp.MaxMessages {
		t.Errorf("reinit request seq = %d, want %d", next.SeqNumber, sotp.MaxMessages)
	}
	if c.core.Status != sotp.StatusReinitializing {
		t.Errorf("status = %v, want StatusReinitializing", c.core.Status)
	}

	// After the server's reinit response (its own seq reset to 1), the
	// next data packet must carry seq 1 and the session resumes Working.
	reinitResp := &sotp.Packet{SessionID: 13, SeqNumber: 1, Ack: sotp.MaxMessages}
	c.core.StorePackets(reinitResp, next)
	c.core.StoreOverlayContent([]byte("resumed"))

	resumed, idle := c.buildNext(reinitResp)
	if idle || resumed == nil {
		t.Fatalf("expected a transfer packet after reinit, got idle=%v", idle)
	}
	if resumed.SeqNumber != 1 {
		t.Errorf("first post-reinit seq = %d, want 1", resumed.SeqNumber)
	}
	if c.core.Status != sotp.StatusWorking {
		t.Errorf("status = %v, want StatusWorking after reinit completes", c.core.Status)
	}
}

func TestRetriesExhaustedBreaksComms(t *testing.T) {
	key := []byte("session-key-04")
	ov := &fakeOverlay{tag: [2]byte{0x00, 0x03}, hasInput: false}
	peer := newFakePeer(t, key, 11)
	peer.failBudget = 1000

	c := testHarness(t, key, ov, peer)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.Run(ctx)
	if err == nil {
		t.Fatalf("expected Run to fail once retries are exhausted")
	}
	var sotpErr *sotp.Error
	if !errors.As(err, &sotpErr) || sotpErr.Kind != sotp.ErrRetriesExhausted {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
	if !c.CommsBroken() {
		t.Errorf("expected CommsBroken() to report true")
	}
}
