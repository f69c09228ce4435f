// Package router implements the server-side session multiplexer: it
// mints session ids for fresh RequestAuth packets, spawns one
// server.Worker per accepted session, and dispatches every later
// inbound transaction to the worker matching its wire session_id. It
// is the single synchronous entrypoint every wrap server's Serve loop
// calls once per carrier transaction.
package router

import (
	"context"
	"math/rand"
	"sync"

	"github.com/misticateam/mistica/internal/actor"
	"github.com/misticateam/mistica/internal/events"
	"github.com/misticateam/mistica/internal/logging"
	"github.com/misticateam/mistica/internal/metrics"
	"github.com/misticateam/mistica/internal/overlay"
	"github.com/misticateam/mistica/internal/ratelimit"
	"github.com/misticateam/mistica/internal/server"
	"github.com/misticateam/mistica/internal/sotp"
	"github.com/misticateam/mistica/internal/tracing"
)

// pendingInitCap bounds the number of unconfirmed session-initiation
// attempts the router will track at once: half the session_id space,
// evicting the oldest pending entry once the cap is hit.
const pendingInitCap = sotp.SessionIDSpace / 2

type pendingSession struct {
	sessionID uint8
	lastPkt   *sotp.Packet
}

type route struct {
	worker *server.Worker
	ctx    context.Context
	cancel context.CancelFunc
}

// Router is the server-side session multiplexer.
type Router struct {
	mu sync.Mutex

	key         []byte
	maxRetries  int
	maxSize     int
	wrapperName string

	overlayName string
	overlayArgs map[string]string
	overlayTag  [2]byte
	overlays    *overlay.Registry

	pending []pendingSession
	routes  map[uint8]*route

	limiter *ratelimit.PerKeyLimiter

	log     *logging.Logger
	metrics *metrics.Metrics
	events  *events.Publisher
}

// New builds a Router bound to one (overlay, wrapper) pair: the same
// restriction the CLI's --modules flag imposes on a single run. The
// overlay registry is probed once here to learn the configured
// module's selection tag, which every RequestAuth must match.
func New(key []byte, maxRetries, maxSize int, overlayName string, overlayArgs map[string]string, overlays *overlay.Registry, wrapperName string, log *logging.Logger, m *metrics.Metrics, ev *events.Publisher) (*Router, error) {
	probe, err := overlays.New(overlayName, overlayArgs)
	if err != nil {
		return nil, err
	}
	tag := probe.Tag()
	probe.Close()

	return &Router{
		key:         key,
		maxRetries:  maxRetries,
		maxSize:     maxSize,
		wrapperName: wrapperName,
		overlayName: overlayName,
		overlayArgs: overlayArgs,
		overlayTag:  tag,
		overlays:    overlays,
		routes:      make(map[uint8]*route),
		limiter:     ratelimit.NewPerKeyLimiter(5, 10),
		log:         log,
		metrics:     m,
		events:      ev,
	}, nil
}

// HandleInbound is the synchronous entrypoint every WrapServer's Serve
// loop calls once per carrier transaction. raw is the unwrapped SOTP
// packet; the returned bytes are the reply to wrap back into the
// carrier's response.
func (r *Router) HandleInbound(ctx context.Context, raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	sessionID := raw[0]

	if sessionID == 0 {
		return r.initializeSession(raw)
	}

	if reply, spawned := r.tryConfirmPending(ctx, sessionID, raw); spawned {
		return reply
	}

	return r.routeToWorker(sessionID, raw)
}

// initializeSession handles a fresh RequestAuth: it validates the
// packet shape and overlay tag, mints a non-colliding session id,
// and parks the pair awaiting the client's first confirmed reply
// before any worker is spawned.
func (r *Router) initializeSession(raw []byte) []byte {
	if !r.limiter.Allow(r.wrapperName) {
		r.metrics.RouterRejectedTotal.WithLabelValues("rate_limited").Inc()
		return nil
	}

	req, derr := sotp.Decode(raw)
	if derr != nil {
		r.log.Warn("router: malformed RequestAuth")
		r.metrics.RouterRejectedTotal.WithLabelValues("malformed").Inc()
		return nil
	}
	if !req.IsFlagActive(sotp.FlagSync) || !req.IsSyncType(sotp.SyncRequestAuth) {
		r.metrics.RouterRejectedTotal.WithLabelValues("not_request_auth").Inc()
		return nil
	}
	if len(req.Content) != sotp.TagSize {
		r.metrics.RouterRejectedTotal.WithLabelValues("invalid_tag").Inc()
		return nil
	}
	var tag [2]byte
	copy(tag[:], req.Content)
	if tag != r.overlayTag {
		r.log.Warn("router: RequestAuth carried an unrecognised overlay tag")
		r.metrics.RouterRejectedTotal.WithLabelValues("invalid_tag").Inc()
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID := r.newSessionIDLocked()
	authpkt := sotp.NewAuthResponsePacket(req, sessionID)

	r.pending = append(r.pending, pendingSession{sessionID: sessionID, lastPkt: authpkt})
	if len(r.pending) > pendingInitCap {
		r.pending = r.pending[1:]
	}
	r.metrics.RouterPendingInit.Set(float64(len(r.pending)))
	r.log.SessionInitializing(r.overlayName)

	return authpkt.Encode()
}

// newSessionIDLocked picks a random non-zero session_id not already
// active or pending. Called with r.mu held.
func (r *Router) newSessionIDLocked() uint8 {
	for {
		id := uint8(rand.Intn(sotp.SessionIDSpace-1) + 1)
		if r.sessionTakenLocked(id) {
			continue
		}
		return id
	}
}

func (r *Router) sessionTakenLocked(id uint8) bool {
	if _, ok := r.routes[id]; ok {
		return true
	}
	for _, p := range r.pending {
		if p.sessionID == id {
			return true
		}
	}
	return false
}

// tryConfirmPending reports whether sessionID matches a pending
// session-initiation entry; if so it spawns the route, dispatches raw
// to the freshly spawned worker, and returns its reply.
func (r *Router) tryConfirmPending(ctx context.Context, sessionID uint8, raw []byte) (reply []byte, spawned bool) {
	r.mu.Lock()
	idx := -1
	for i, p := range r.pending {
		if p.sessionID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return nil, false
	}
	pend := r.pending[idx]
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
	r.mu.Unlock()

	rt, err := r.spawnRoute(ctx, pend)
	if err != nil {
		r.log.Error(err, "router: failed to spawn route")
		r.metrics.RouterRejectedTotal.WithLabelValues("spawn_failed").Inc()
		return nil, true
	}

	return r.dispatch(rt, raw), true
}

// spawnRoute builds the overlay instance and server.Worker for a
// confirmed session, wires it into the actor substrate, and starts its
// goroutines.
func (r *Router) spawnRoute(ctx context.Context, pend pendingSession) (*route, error) {
	_, span := tracing.StartSessionSpan(ctx, "mistica.router.spawn_route",
		tracing.SessionAttributes(pend.sessionID, r.overlayName, r.wrapperName)...)
	defer span.End()

	ov, err := r.overlays.New(r.overlayName, r.overlayArgs)
	if err != nil {
		return nil, err
	}

	core, err := sotp.NewCore(r.key, r.maxRetries, r.maxSize)
	if err != nil {
		ov.Close()
		return nil, err
	}

	w := server.NewWorker(pend.sessionID, core, pend.lastPkt, ov, r.wrapperName, r.log, r.metrics, r.events)

	workerCtx, cancel := context.WithCancel(ctx)
	rt := &route{worker: w, ctx: workerCtx, cancel: cancel}

	r.mu.Lock()
	r.routes[pend.sessionID] = rt
	r.mu.Unlock()

	r.metrics.SessionsActive.Inc()
	r.metrics.SessionsTotal.WithLabelValues("established").Inc()
	r.metrics.RouterRoutesActive.Set(float64(r.routeCount()))
	r.log.RouteCreated(pend.sessionID, r.overlayName, r.wrapperName)
	r.events.RouteCreatedEvent(pend.sessionID)

	go func() {
		w.Run(workerCtx)
		// The worker can exit on its own (termination, retries
		// exhausted) without the router ever cancelling workerCtx;
		// cancel it here so the overlay pump and reaper unwind too.
		cancel()
	}()
	go func() {
		if perr := w.PumpOverlay(workerCtx); perr != nil {
			r.log.Debug("router: overlay pump ended")
		}
	}()
	go r.reapWhenDone(workerCtx, pend.sessionID)

	return rt, nil
}

// reapWhenDone drops the route once its worker's context is cancelled,
// releasing the overlay's resources and the session_id for reuse.
func (r *Router) reapWhenDone(ctx context.Context, sessionID uint8) {
	<-ctx.Done()
	r.mu.Lock()
	delete(r.routes, sessionID)
	r.mu.Unlock()
	r.metrics.RouterRoutesActive.Set(float64(r.routeCount()))
	r.events.RouteDroppedEvent(sessionID)
}

func (r *Router) routeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// routeToWorker dispatches raw to an already-established session's
// worker, or drops it (returning nil, which every wrap server treats
// as an empty reply) if the session is unknown.
func (r *Router) routeToWorker(sessionID uint8, raw []byte) []byte {
	r.mu.Lock()
	rt, ok := r.routes[sessionID]
	r.mu.Unlock()
	if !ok {
		r.metrics.RouterRejectedTotal.WithLabelValues("unknown_session").Inc()
		return nil
	}
	return r.dispatch(rt, raw)
}

// dispatch hands raw to a route's worker via the actor substrate and
// blocks for its single reply, satisfying WrapServer.Serve's
// synchronous handle contract. If the worker's own context ends before
// it answers (it tore itself down between the route lookup and this
// call), dispatch gives up rather than hanging forever.
func (r *Router) dispatch(rt *route, raw []byte) []byte {
	reply := make(chan *actor.Message, 1)
	msg := actor.NewStream("router", 0, rt.worker.Name, 0, raw)
	msg.Reply = reply
	rt.worker.Send(msg)

	select {
	case resp := <-reply:
		return resp.Bytes()
	case <-rt.ctx.Done():
		return nil
	}
}

// Shutdown terminates every active route: it sends each route's worker
// a Terminate signal and cancels that route's context.
func (r *Router) Shutdown() {
	r.mu.Lock()
	routes := make([]*route, 0, len(r.routes))
	for _, rt := range r.routes {
		routes = append(routes, rt)
	}
	r.mu.Unlock()

	for _, rt := range routes {
		rt.worker.Send(actor.NewSignal("router", 0, rt.worker.Name, 0, actor.SignalTerminate))
		rt.cancel()
	}
}
