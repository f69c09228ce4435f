package router

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/misticateam/mistica/internal/events"
	"github.com/misticateam/mistica/internal/logging"
	"github.com/misticateam/mistica/internal/metrics"
	"github.com/misticateam/mistica/internal/overlay"
	"github.com/misticateam/mistica/internal/ratelimit"
	"github.com/misticateam/mistica/internal/sotp"
)

type fakeOverlay struct {
	tag [2]byte
}

func (f *fakeOverlay) Name() string   { return "fakeoverlay" }
func (f *fakeOverlay) Tag() [2]byte   { return f.tag }
func (f *fakeOverlay) HasInput() bool { return false }
func (f *fakeOverlay) Close() error   { return nil }

func (f *fakeOverlay) ProcessSOTP(data []byte) []byte { return nil }
func (f *fakeOverlay) Pump(ctx context.Context, submit func([]byte)) error {
	<-ctx.Done()
	return nil
}

var (
	sharedMetrics     *metrics.Metrics
	sharedMetricsOnce sync.Once
)

func testRouter(t *testing.T, tag [2]byte) *Router {
	t.Helper()
	reg := overlay.NewRegistry()
	reg.Register(overlay.Descriptor{Name: "fakeoverlay"}, func(map[string]string) (overlay.Overlay, error) {
		return &fakeOverlay{tag: tag}, nil
	})

	log := logging.New("mistica-router-test", "test", bytes.NewBuffer(nil))
	sharedMetricsOnce.Do(func() { sharedMetrics = metrics.New() })
	ev := events.NewPublisher(4)

	rt, err := New([]byte("router-key-01"), 3, 256, "fakeoverlay", map[string]string{}, reg, "fakewrap", log, sharedMetrics, ev)
	if err != nil {
		t.Fatalf("building router: %v", err)
	}
	return rt
}

func TestInitializeSessionMintsID(t *testing.T) {
	tag := [2]byte{0xAB, 0xCD}
	r := testRouter(t, tag)

	req := sotp.NewInitPacket(tag)
	reply := r.HandleInbound(context.Background(), req.Encode())

	resp, derr := sotp.Decode(reply)
	if derr != nil {
		t.Fatalf("decoding reply: %v", derr)
	}
	if resp.SessionID == 0 {
		t.Errorf("expected a non-zero minted session id")
	}
	if !resp.IsFlagActive(sotp.FlagSync) || !resp.IsSyncType(sotp.SyncResponseAuth) {
		t.Errorf("expected a ResponseAuth reply")
	}
	if resp.Ack != req.SeqNumber {
		t.Errorf("reply ack = %d, want %d", resp.Ack, req.SeqNumber)
	}
}

func TestRejectsWrongOverlayTag(t *testing.T) {
	r := testRouter(t, [2]byte{0x10, 0x20})

	req := sotp.NewInitPacket([2]byte{0x99, 0x99})
	reply := r.HandleInbound(context.Background(), req.Encode())
	if reply != nil {
		t.Errorf("expected a mismatched overlay tag to be rejected, got %v", reply)
	}
}

func TestConfirmingPendingSpawnsRouteAndRoutesTraffic(t *testing.T) {
	tag := [2]byte{0x00, 0x01}
	r := testRouter(t, tag)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := sotp.NewInitPacket(tag)
	authReply := r.HandleInbound(ctx, req.Encode())
	auth, derr := sotp.Decode(authReply)
	if derr != nil {
		t.Fatalf("decoding auth reply: %v", derr)
	}

	confirm := sotp.NewEmptyTransferPacket(auth.SessionID, 2, auth.SeqNumber)
	workReply := r.HandleInbound(ctx, confirm.Encode())

	resp, derr := sotp.Decode(workReply)
	if derr != nil {
		t.Fatalf("decoding work reply: %v", derr)
	}
	if resp.SessionID != auth.SessionID {
		t.Errorf("reply session id = %d, want %d", resp.SessionID, auth.SessionID)
	}
	if resp.Ack != confirm.SeqNumber {
		t.Errorf("reply ack = %d, want %d", resp.Ack, confirm.SeqNumber)
	}

	if r.routeCount() != 1 {
		t.Errorf("expected exactly one active route, got %d", r.routeCount())
	}
}

func TestUnknownSessionIsDropped(t *testing.T) {
	r := testRouter(t, [2]byte{0x00, 0x02})

	pkt := sotp.NewEmptyTransferPacket(200, 2, 1)
	reply := r.HandleInbound(context.Background(), pkt.Encode())
	if reply != nil {
		t.Errorf("expected an unknown session to be dropped, got %v", reply)
	}
}

func TestPendingInitCapEvictsOldest(t *testing.T) {
	tag := [2]byte{0x00, 0x03}
	r := testRouter(t, tag)
	r.limiter = ratelimit.NewPerKeyLimiter(1e6, 1e6)

	for i := 0; i < pendingInitCap+5; i++ {
		req := sotp.NewInitPacket(tag)
		r.HandleInbound(context.Background(), req.Encode())
		if len(r.pending) > pendingInitCap {
			t.Fatalf("pending list grew past its cap: %d", len(r.pending))
		}
	}
}

func TestTwoConcurrentSessionsGetDistinctIDs(t *testing.T) {
	tag := [2]byte{0x00, 0x05}
	r := testRouter(t, tag)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, derr := sotp.Decode(r.HandleInbound(ctx, sotp.NewInitPacket(tag).Encode()))
	if derr != nil {
		t.Fatalf("decoding first auth reply: %v", derr)
	}
	second, derr := sotp.Decode(r.HandleInbound(ctx, sotp.NewInitPacket(tag).Encode()))
	if derr != nil {
		t.Fatalf("decoding second auth reply: %v", derr)
	}
	if first.SessionID == second.SessionID {
		t.Fatalf("both sessions were minted the same id %d", first.SessionID)
	}

	for _, auth := range []*sotp.Packet{first, second} {
		confirm := sotp.NewEmptyTransferPacket(auth.SessionID, 2, auth.SeqNumber)
		reply, derr := sotp.Decode(r.HandleInbound(ctx, confirm.Encode()))
		if derr != nil {
			t.Fatalf("decoding work reply for session %d: %v", auth.SessionID, derr)
		}
		if reply.SessionID != auth.SessionID {
			t.Errorf("reply session id = %d, want %d", reply.SessionID, auth.SessionID)
		}
	}

	if r.routeCount() != 2 {
		t.Errorf("expected two active routes, got %d", r.routeCount())
	}
}

func TestShutdownTerminatesRoutes(t *testing.T) {
	tag := [2]byte{0x00, 0x04}
	r := testRouter(t, tag)
	ctx := context.Background()

	req := sotp.NewInitPacket(tag)
	authReply := r.HandleInbound(ctx, req.Encode())
	auth, _ := sotp.Decode(authReply)
	confirm := sotp.NewEmptyTransferPacket(auth.SessionID, 2, auth.SeqNumber)
	r.HandleInbound(ctx, confirm.Encode())

	if r.routeCount() != 1 {
		t.Fatalf("expected one active route before shutdown")
	}

	r.Shutdown()

	deadline := time.After(time.Second)
	for r.routeCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("route was not reaped after Shutdown")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
