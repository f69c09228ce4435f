// Package client drives the SOTP session state machine from the
// overlay side: it performs the session handshake, pumps overlay input
// into outbound chunks, carries on full-duplex data transfer, and
// handles reinit and termination without the peer ever seeing a
// difference on the wire.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/misticateam/mistica/internal/events"
	"github.com/misticateam/mistica/internal/logging"
	"github.com/misticateam/mistica/internal/metrics"
	"github.com/misticateam/mistica/internal/overlay"
	"github.com/misticateam/mistica/internal/sotp"
	"github.com/misticateam/mistica/internal/tracing"
	"github.com/misticateam/mistica/internal/wrapper"
)

// Client is one client-side SOTP session.
type Client struct {
	core    *sotp.Core
	overlay overlay.Overlay
	wrapper wrapper.Wrapper

	log     *logging.Logger
	metrics *metrics.Metrics
	events  *events.Publisher

	responseTimeout time.Duration
	pollDelay       time.Duration

	seq       uint16
	oldStatus sotp.Status
	sessionID uint8

	commsBroken bool
	established bool
	ready       chan struct{}
	bootstrap   chan struct{}
}

// New builds a Client ready to run the handshake and main loop.
func New(core *sotp.Core, ov overlay.Overlay, wr wrapper.Wrapper, log *logging.Logger, m *metrics.Metrics, ev *events.Publisher, responseTimeout, pollDelay time.Duration) *Client {
	return &Client{
		core:            core,
		overlay:         ov,
		wrapper:         wr,
		log:             log,
		metrics:         m,
		events:          ev,
		responseTimeout: responseTimeout,
		pollDelay:       pollDelay,
		ready:           make(chan struct{}, 1),
		bootstrap:       make(chan struct{}),
	}
}

func (c *Client) nextSeq() uint16 {
	c.seq++
	return c.seq
}

func (c *Client) wake() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Run performs the handshake, then drives the session until ctx is
// cancelled, the overlay source ends, the peer terminates it, or
// retries are exhausted.
func (c *Client) Run(ctx context.Context) error {
	defer c.overlay.Close()
	defer c.wrapper.Close()

	lastRecv, err := c.handshake(ctx)
	if err != nil {
		return err
	}
	close(c.bootstrap)

	pumpErr := make(chan error, 1)
	go func() {
		<-c.bootstrap
		if !c.overlay.HasInput() {
			pumpErr <- c.overlay.Pump(ctx, func([]byte) {})
			return
		}
		pumpErr <- c.overlay.Pump(ctx, func(chunk []byte) {
			c.core.StoreOverlayContent(chunk)
			c.wake()
		})
	}()

	for {
		select {
		case <-ctx.Done():
			c.gracefulTerminate(lastRecv)
			return ctx.Err()
		default:
		}

		next, idle := c.buildNext(lastRecv)
		if idle {
			select {
			case <-ctx.Done():
				c.gracefulTerminate(lastRecv)
				return ctx.Err()
			case <-c.ready:
				continue
			case perr := <-pumpErr:
				// The overlay source has ended (EOF or a read error) and
				// nothing is left to send: terminate the session.
				c.gracefulTerminate(lastRecv)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if perr != nil && !errors.Is(perr, io.EOF) {
					return perr
				}
				return nil
			case <-time.After(c.pollDelay):
				next = sotp.NewPollRequestPacket(c.sessionID, c.nextSeq(), lastRecv.SeqNumber)
			}
		}

		resp, terminated, rerr := c.send(ctx, next)
		if rerr != nil {
			return rerr
		}
		if terminated {
			c.log.SessionTerminated(c.sessionID)
			c.events.TerminatedEvent(c.sessionID, "peer requested termination")
			return nil
		}
		lastRecv = resp
	}
}

// handshake sends the RequestAuth packet and validates the
// ResponseAuth reply, minting the session for the rest of the run.
func (c *Client) handshake(ctx context.Context) (*sotp.Packet, error) {
	spanCtx, span := tracing.StartSessionSpan(ctx, "mistica.client.handshake",
		tracing.SessionAttributes(0, c.overlay.Name(), c.wrapper.Name())...)
	defer span.End()

	tag := c.overlay.Tag()
	init := sotp.NewInitPacket(tag)
	c.seq = init.SeqNumber
	c.core.Status = sotp.StatusInitializing
	c.log.SessionInitializing(fmt.Sprintf("0x%02x%02x", tag[0], tag[1]))

	resp, err := c.sendAndCheck(spanCtx, init, func(p *sotp.Packet) bool {
		return p.IsFlagActive(sotp.FlagSync) && p.IsSyncType(sotp.SyncResponseAuth)
	})
	if err != nil {
		return nil, err
	}

	c.sessionID = resp.SessionID
	c.core.Status = sotp.StatusWorking
	c.log.SessionEstablished(c.sessionID, c.overlay.Name(), c.wrapper.Name())
	c.events.EstablishedEvent(c.sessionID, c.overlay.Name(), c.wrapper.Name())
	c.metrics.SessionsTotal.WithLabelValues("established").Inc()
	c.metrics.SessionsActive.Inc()
	c.established = true
	return resp, nil
}

// buildNext decides the next packet to send in response to the last
// one received, applying the reinit-trigger and termination checks
// before falling into the ordinary working-state transfer logic. idle
// is true when there is nothing to send yet: the caller should wait
// for overlay data or the poll timer.
func (c *Client) buildNext(lastRecv *sotp.Packet) (next *sotp.Packet, idle bool) {
	if c.core.Status != sotp.StatusReinitializing && c.core.ShouldReinit(lastRecv.Ack) {
		reinit := sotp.NewReinitRequestPacket(c.sessionID, sotp.MaxMessages, lastRecv.SeqNumber)
		c.oldStatus = c.core.Status
		c.core.Status = sotp.StatusReinitializing
		c.seq = 0
		return reinit, false
	}

	if c.core.Status == sotp.StatusReinitializing {
		c.core.Status = c.oldStatus
		c.log.SessionReinitialized(c.sessionID)
		c.events.ReinitEvent(c.sessionID)
		c.metrics.ReinitsTotal.Inc()
	}

	if c.core.CheckTermination(lastRecv) {
		term := sotp.NewEmptyTransferPacket(c.sessionID, c.nextSeq(), lastRecv.SeqNumber)
		c.core.Status = sotp.StatusTerminating
		return term, false
	}

	if lastRecv.AnyContentAvailable() {
		c.core.BufWrapper.AddChunk(lastRecv.Content)
		if lastRecv.IsFlagActive(sotp.FlagPush) {
			if plain, derr := c.core.DecryptWrapperData(); derr == nil {
				if out := c.overlay.ProcessSOTP(plain); out != nil {
					c.core.StoreOverlayContent(out)
				}
			}
		}
		if c.core.SomeOverlayData() {
			chunk, push, _ := c.core.BufOverlay.NextChunk()
			return sotp.NewTransferPacket(c.sessionID, c.nextSeq(), lastRecv.SeqNumber, chunk, push), false
		}
		return sotp.NewEmptyTransferPacket(c.sessionID, c.nextSeq(), lastRecv.SeqNumber), false
	}

	if c.core.SomeOverlayData() {
		chunk, push, _ := c.core.BufOverlay.NextChunk()
		return sotp.NewTransferPacket(c.sessionID, c.nextSeq(), lastRecv.SeqNumber, chunk, push), false
	}
	return nil, true
}

// send transacts one packet with the peer and runs every receive-side
// check on the reply: shape, ack confirmation, and (for the
// termination reply specifically) a no-questions-asked exit.
func (c *Client) send(ctx context.Context, pkt *sotp.Packet) (resp *sotp.Packet, terminated bool, err error) {
	if c.core.Status == sotp.StatusTerminating {
		// Fire-and-forget: the peer's reply to our termination response
		// (if any arrives at all) carries nothing the session still
		// needs, matching the server's own symmetrical teardown.
		tctx, cancel := context.WithTimeout(ctx, c.responseTimeout)
		_, _ = c.wrapper.Wrap(tctx, pkt.Encode())
		cancel()
		c.metrics.SessionsActive.Dec()
		return nil, true, nil
	}

	resp, err = c.sendAndCheck(ctx, pkt, nil)
	if err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

// sendAndCheck performs the carrier round trip for pkt and retries it,
// resending the exact same bytes, until a reply passes every check or
// the retry budget is exhausted. extraCheck, if non-nil, validates the
// reply's shape beyond the ordinary non-zero main-fields check (used
// only for the handshake's ResponseAuth check).
func (c *Client) sendAndCheck(ctx context.Context, pkt *sotp.Packet, extraCheck func(*sotp.Packet) bool) (*sotp.Packet, error) {
	c.core.StorePackets(nil, pkt)

	for {
		tctx, cancel := context.WithTimeout(ctx, c.responseTimeout)
		raw, werr := c.wrapper.Wrap(tctx, pkt.Encode())
		cancel()
		c.metrics.PacketsSentTotal.WithLabelValues("client").Inc()
		c.log.PacketSent(pkt.SeqNumber, pkt.Ack, uint8(pkt.Flags), len(pkt.Content))

		resp, res := c.precheckReply(raw, werr, extraCheck)
		if res.Outcome == sotp.OutcomeOK {
			c.core.ResetRetries()
			c.metrics.PacketsReceivedTotal.WithLabelValues("client").Inc()
			c.core.StorePackets(resp, pkt)
			return resp, nil
		}

		if res.Err != nil && res.Err.Kind == sotp.ErrCarrierFailure {
			c.log.CarrierFailure(c.wrapper.Name(), res.Err)
			c.metrics.CarrierTransactionsTotal.WithLabelValues(c.wrapper.Name(), "failure").Inc()
		}
		c.metrics.RetriesTotal.Inc()
		if c.core.CheckForRetries() {
			c.commsBroken = true
			c.log.CommsBroken(c.sessionID, "retries exhausted")
			c.events.RetriesExhaustedEvent(c.sessionID, 0)
			c.metrics.CommsBrokenTotal.WithLabelValues("retries_exhausted").Inc()
			if c.established {
				c.metrics.SessionsActive.Dec()
			}
			return nil, sotp.NewError(sotp.ErrRetriesExhausted, "client: exhausted retries for session %d", c.sessionID)
		}
		c.log.PacketRetried(pkt.SeqNumber, 0, 0)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// precheckReply runs the receive-side check pipeline over one carrier
// reply, classifying any failure as a retry tagged with its error kind:
// carrier failure, malformed packet, or ack mismatch.
func (c *Client) precheckReply(raw []byte, werr error, extraCheck func(*sotp.Packet) bool) (*sotp.Packet, sotp.CheckResult) {
	if werr != nil {
		return nil, sotp.Retry(sotp.ErrCarrierFailure, "%v", werr)
	}
	resp, derr := sotp.Decode(raw)
	if derr != nil {
		return nil, sotp.CheckResult{Outcome: sotp.OutcomeRetry, Err: derr}
	}
	if !c.core.CheckMainFields(resp) {
		return nil, sotp.Retry(sotp.ErrMalformedPacket, "reply carries a zero session_id, seq_number, or ack")
	}
	if extraCheck != nil && !extraCheck(resp) {
		return nil, sotp.Retry(sotp.ErrMalformedPacket, "reply shape does not match the expected control response")
	}
	if confirmed, cerr := c.core.CheckConfirmation(resp); cerr != nil {
		return nil, sotp.CheckResult{Outcome: sotp.OutcomeRetry, Err: cerr}
	} else if !confirmed {
		return nil, sotp.Retry(sotp.ErrAckMismatch, "ack %d does not confirm the last sent seq_number", resp.Ack)
	}
	return resp, sotp.OK()
}

// gracefulTerminate sends a best-effort termination request when the
// caller's context is cancelled mid-session, so the peer can drop its
// route promptly instead of waiting out a dead session on a timer.
func (c *Client) gracefulTerminate(lastRecv *sotp.Packet) {
	if c.core.Status != sotp.StatusWorking || lastRecv == nil {
		return
	}
	term := sotp.NewTerminatePacket(c.sessionID, c.nextSeq(), lastRecv.SeqNumber)
	tctx, cancel := context.WithTimeout(context.Background(), c.responseTimeout)
	defer cancel()
	_, _ = c.wrapper.Wrap(tctx, term.Encode())
	c.metrics.SessionsActive.Dec()
}

// CommsBroken reports whether the session gave up after exhausting
// its retry budget.
func (c *Client) CommsBroken() bool { return c.commsBroken }

// SessionID returns the wire session_id minted during the handshake.
func (c *Client) SessionID() uint8 { return c.sessionID }
