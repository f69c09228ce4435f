// Package server implements the per-session state machine run on the
// listening side of a SOTP tunnel: one Worker per established route,
// driven by the actor substrate so the router can hand it inbound
// carrier transactions and block on the single reply each one
// produces.
package server

import (
	"context"
	"fmt"

	"github.com/misticateam/mistica/internal/actor"
	"github.com/misticateam/mistica/internal/events"
	"github.com/misticateam/mistica/internal/logging"
	"github.com/misticateam/mistica/internal/metrics"
	"github.com/misticateam/mistica/internal/overlay"
	"github.com/misticateam/mistica/internal/sotp"
)

// Worker is one server-side SOTP session. The router has already
// completed the handshake (minted the session_id, sent the
// ResponseAuth) before a Worker is ever constructed, so it starts
// directly in StatusWorking.
type Worker struct {
	*actor.Base

	core        *sotp.Core
	overlay     overlay.Overlay
	sessionID   uint8
	wrapperName string

	log     *logging.Logger
	metrics *metrics.Metrics
	events  *events.Publisher
}

// NewWorker builds a Worker for a freshly spawned route. lastSent is
// the ResponseAuth packet the router already transmitted; its
// seq_number is the worker's starting point for its own counter.
func NewWorker(sessionID uint8, core *sotp.Core, lastSent *sotp.Packet, ov overlay.Overlay, wrapperName string, log *logging.Logger, m *metrics.Metrics, ev *events.Publisher) *Worker {
	core.Status = sotp.StatusWorking
	core.StorePackets(nil, lastSent)
	return &Worker{
		Base:        actor.NewBase(fmt.Sprintf("serverworker-%d", sessionID)),
		core:        core,
		overlay:     ov,
		sessionID:   sessionID,
		wrapperName: wrapperName,
		log:         log,
		metrics:     m,
		events:      ev,
	}
}

// Run drives the worker's actor loop until ctx is cancelled or the
// worker observes its own Terminate signal.
func (w *Worker) Run(ctx context.Context) {
	w.Base.Run(ctx, w.handle)
	w.metrics.SessionsActive.Dec()
}

// PumpOverlay runs the overlay's own input-capture loop (shell has
// none; io and tcp do) for the lifetime of the session, queuing
// whatever it produces for delivery on the worker's next reply.
func (w *Worker) PumpOverlay(ctx context.Context) error {
	if !w.overlay.HasInput() {
		return w.overlay.Pump(ctx, func([]byte) {})
	}
	return w.overlay.Pump(ctx, func(chunk []byte) {
		w.core.StoreOverlayContent(chunk)
	})
}

func (w *Worker) handle(ctx context.Context, msg *actor.Message) {
	if msg.IsSignal() {
		if msg.IsTerminate() {
			w.Base.Exit()
		}
		return
	}

	raw := msg.Bytes()
	reply := w.process(raw)
	if msg.Reply != nil {
		msg.Reply <- actor.NewStream("serverworker", w.sessionID, "router", 0, reply)
	}
}

// process runs the full pre-check pipeline over one inbound packet and
// returns the single reply packet's wire bytes. Reinit and termination
// are detected before the shape and ack checks; everything else falls
// through to doWork. One synchronous call covers the whole dispatch
// because the wrap server's Serve contract already blocks for exactly
// one reply per transaction.
func (w *Worker) process(raw []byte) []byte {
	p, derr := sotp.Decode(raw)
	if derr != nil {
		w.log.Warn("serverworker: malformed packet, resending last reply")
		if last, lerr := w.core.LostPacket(); lerr == nil {
			return last.Encode()
		}
		return nil
	}

	if sotp.IsReinitRequest(p) {
		resp := sotp.NewReinitResponsePacket(w.sessionID, p.SeqNumber)
		w.core.StorePackets(p, resp)
		w.log.SessionReinitialized(w.sessionID)
		w.events.ReinitEvent(w.sessionID)
		w.metrics.ReinitsTotal.Inc()
		return resp.Encode()
	}

	if w.core.CheckTermination(p) {
		return w.doTermination(p)
	}

	if res := w.precheck(p); res.Outcome != sotp.OutcomeOK {
		w.log.PacketRetried(p.SeqNumber, 0, 0)
		if last, lerr := w.core.LostPacket(); lerr == nil {
			return last.Encode()
		}
		return nil
	}

	return w.doWork(p)
}

// precheck runs the shape and ack checks over an inbound work request,
// tagging any failure with its error kind so the retry path stays a
// plain return value rather than control-flow plumbing.
func (w *Worker) precheck(p *sotp.Packet) sotp.CheckResult {
	if !isValidWorkRequest(p) {
		return sotp.Retry(sotp.ErrMalformedPacket, "packet seq %d is not a valid working-state request", p.SeqNumber)
	}
	if confirmed, cerr := w.core.CheckConfirmation(p); cerr != nil {
		return sotp.CheckResult{Outcome: sotp.OutcomeRetry, Err: cerr}
	} else if !confirmed {
		return sotp.Retry(sotp.ErrAckMismatch, "ack %d does not confirm the last sent seq_number", p.Ack)
	}
	return sotp.OK()
}

// isValidWorkRequest accepts exactly the shapes a client can produce
// in the working state: a voluntary poll, a plain confirmation, a
// plain data chunk, or a PUSH-flagged data chunk.
func isValidWorkRequest(p *sotp.Packet) bool {
	if p.SessionID == 0 || p.SeqNumber == 0 || p.Ack == 0 {
		return false
	}
	if sotp.IsPollRequest(p) {
		return true
	}
	if p.Flags == 0 {
		return true
	}
	if p.IsFlagActive(sotp.FlagPush) && !p.HasSync {
		return true
	}
	return false
}

// doWork is the full-duplex heart of the worker: at most one reply
// packet goes back over the wire no matter what the inbound packet
// carried, and at most one decrypted blob is handed to the overlay.
func (w *Worker) doWork(p *sotp.Packet) []byte {
	var next *sotp.Packet

	if p.AnyContentAvailable() {
		w.core.BufWrapper.AddChunk(p.Content)
		if p.IsFlagActive(sotp.FlagPush) {
			if plain, derr := w.core.DecryptWrapperData(); derr == nil {
				if out := w.overlay.ProcessSOTP(plain); out != nil {
					w.core.StoreOverlayContent(out)
				}
			}
		}
	}

	if w.core.SomeOverlayData() {
		chunk, push, _ := w.core.BufOverlay.NextChunk()
		next = sotp.NewTransferPacket(w.sessionID, w.nextSeq(), p.SeqNumber, chunk, push)
	} else {
		next = sotp.NewEmptyTransferPacket(w.sessionID, w.nextSeq(), p.SeqNumber)
	}

	w.core.StorePackets(p, next)
	return next.Encode()
}

// doTermination answers a client's termination request with a plain,
// un-flagged packet wire-identical to an ordinary poll response: the
// client already knows it asked to tear down, so there is nothing left
// to signal on the wire.
func (w *Worker) doTermination(p *sotp.Packet) []byte {
	resp := sotp.NewEmptyTransferPacket(w.sessionID, w.nextSeq(), p.SeqNumber)
	w.core.Status = sotp.StatusTerminating
	w.core.StorePackets(p, resp)
	w.log.SessionTerminated(w.sessionID)
	w.events.TerminatedEvent(w.sessionID, "client requested termination")
	w.Base.Exit()
	return resp.Encode()
}

func (w *Worker) nextSeq() uint16 {
	if w.core.LastPacketSent == nil {
		return 1
	}
	return w.core.LastPacketSent.SeqNumber + 1
}
