// internal/peer/runtime.go

// Package peer owns the physical channel to the remote player: the version
// handshake, heartbeat liveness, bounded outbound queueing, guest-side
// reconnection with backoff, and typed fan-out of inbound frames. One Runtime
// exists per logical connection; the host waits passively for an inbound
// channel while the guest dials.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aifedespaix/cki/internal/models"
	"github.com/aifedespaix/cki/internal/protocol"
)

// Connection policy defaults.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 12 * time.Second
	DefaultQueueCapacity     = 200
	DefaultBackoffBase       = 750 * time.Millisecond
	DefaultBackoffCap        = 5 * time.Second
	DefaultMaxDialAttempts   = 5
)

const writeTimeout = 5 * time.Second

// ErrDestroyed is returned by operations invoked after Destroy.
var ErrDestroyed = errors.New("peer: runtime destroyed")

// ErrNoDialer is returned by Connect when the runtime has no Dialer.
var ErrNoDialer = errors.New("peer: no dialer configured")

// ErrHandshakeTimeout marks a handshake that did not complete in time. It is
// a transient transport failure, retried under the guest's backoff policy.
var ErrHandshakeTimeout = errors.New("peer: handshake timed out")

// ErrHeartbeatTimeout marks a missed pong, treated like any transport failure.
var ErrHeartbeatTimeout = errors.New("peer: heartbeat timed out")

// NegotiationError is terminal: the two builds share no protocol version.
// This is a deployment mismatch, never retried.
type NegotiationError struct {
	Ours   []int
	Theirs []int
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peer: no mutually supported protocol version (ours %v, theirs %v)", e.Ours, e.Theirs)
}

// TerminalError surfaces when the guest's reconnection budget is exhausted.
type TerminalError struct {
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("peer: connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Config assembles a Runtime. Zero durations and counts fall back to the
// package defaults.
type Config struct {
	SessionID string
	Role      models.PlayerRole
	PeerID    uuid.UUID
	Logger    *logrus.Logger

	// Dialer is required on the guest; the host leaves it nil and feeds
	// inbound connections through Attach.
	Dialer Dialer

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	QueueCapacity     int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxDialAttempts   int
}

// Runtime drives one connection through idle, connecting, connected,
// reconnecting and error phases. All mutation happens under mu; listener
// callbacks and transport writes run outside it.
type Runtime struct {
	cfg    Config
	log    *logrus.Entry
	events *dispatcher

	// wmu serializes writes so frames leave in the order they were produced.
	wmu sync.Mutex

	mu        sync.Mutex
	destroyed bool
	phase     Phase
	conn      Conn

	// gen increments on every attach and teardown; timers and read loops
	// capture it so callbacks from a previous connection become no-ops.
	gen int

	agreedVersion   int
	remoteHelloSeen bool
	helloAcked      bool
	remote          *RemotePeer

	queue [][]byte

	handshakeTimer *time.Timer
	pingTimer      *time.Timer
	pongTimer      *time.Timer
	reconnectTimer *time.Timer

	outstandingPings map[uuid.UUID]struct{}

	dialTarget   string
	dialAttempts int
}

// NewRuntime builds a runtime in the idle phase.
func NewRuntime(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxDialAttempts <= 0 {
		cfg.MaxDialAttempts = DefaultMaxDialAttempts
	}
	return &Runtime{
		cfg: cfg,
		log: cfg.Logger.WithFields(logrus.Fields{
			"sessionId": cfg.SessionID,
			"role":      cfg.Role,
		}),
		events:           newDispatcher(),
		phase:            PhaseIdle,
		outstandingPings: make(map[uuid.UUID]struct{}),
	}
}

// Phase returns the current connection phase.
func (r *Runtime) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Remote returns the identity learned during the handshake, or nil before it.
func (r *Runtime) Remote() *RemotePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remote == nil {
		return nil
	}
	rp := *r.remote
	return &rp
}

// AgreedVersion returns the negotiated protocol version, 0 before handshake.
func (r *Runtime) AgreedVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agreedVersion
}

// QueueLen reports how many frames await delivery.
func (r *Runtime) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// OnPhaseChange registers a phase listener.
func (r *Runtime) OnPhaseChange(fn func(Phase)) Unsubscribe { return r.events.onPhase(fn) }

// OnPeerChange registers a remote-identity listener, fired when the handshake
// identifies the other side.
func (r *Runtime) OnPeerChange(fn func(RemotePeer)) Unsubscribe { return r.events.onPeer(fn) }

// OnError registers a listener for asynchronous connection errors.
func (r *Runtime) OnError(fn func(error)) Unsubscribe { return r.events.onError(fn) }

// OnMessage registers a listener for one inbound message kind. Handshake and
// heartbeat kinds are consumed internally and never reach listeners.
func (r *Runtime) OnMessage(kind protocol.Kind, fn MessageHandler) Unsubscribe {
	return r.events.onMessage(kind, fn)
}

// Connect dials the remote target and starts the handshake. A failed dial
// enters the guest retry policy rather than returning an error; terminal
// failures surface through the error listeners.
func (r *Runtime) Connect(ctx context.Context, target string) error {
	if r.cfg.Dialer == nil {
		return ErrNoDialer
	}
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	r.dialTarget = target
	r.dialAttempts = 0
	r.phase = PhaseConnecting
	gen := r.gen
	r.mu.Unlock()
	r.events.emitPhase(PhaseConnecting)

	conn, err := r.cfg.Dialer.Dial(ctx, target)
	if err != nil {
		r.transportFailure(gen, fmt.Errorf("peer: dial %s: %w", target, err))
		return nil
	}
	return r.attach(conn)
}

// Attach adopts an established connection and starts the handshake. The host
// calls this for each inbound channel; a lingering previous channel is closed
// and superseded.
func (r *Runtime) Attach(conn Conn) error {
	return r.attach(conn)
}

func (r *Runtime) attach(conn Conn) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		_ = conn.Close("destroyed")
		return ErrDestroyed
	}
	if old := r.conn; old != nil {
		go old.Close("superseded")
	}
	r.gen++
	gen := r.gen
	r.conn = conn
	r.phase = PhaseConnecting
	r.stopTimersLocked()
	r.resetHandshakeLocked()
	r.handshakeTimer = time.AfterFunc(r.cfg.HandshakeTimeout, func() {
		r.transportFailure(gen, ErrHandshakeTimeout)
	})
	r.mu.Unlock()

	r.events.emitPhase(PhaseConnecting)
	go r.readLoop(gen, conn)
	r.sendHello(gen, conn)
	return nil
}

// Send encodes a frame and enqueues it for delivery. Enqueueing always
// succeeds while the runtime is alive; on overflow the oldest frame is
// dropped. The queue drains whenever the channel is open and the handshake
// has completed.
func (r *Runtime) Send(kind protocol.Kind, payload interface{}) error {
	data, err := protocol.Encode(r.version(), kind, time.Now().UTC(), payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	dropped := false
	if len(r.queue) >= r.cfg.QueueCapacity {
		r.queue = r.queue[1:]
		dropped = true
	}
	r.queue = append(r.queue, data)
	connected := r.phase == PhaseConnected
	r.mu.Unlock()

	if dropped {
		r.log.WithField("capacity", r.cfg.QueueCapacity).Warn("outbound queue full, dropped oldest frame")
	}
	if connected {
		r.flush()
	}
	return nil
}

// SendApp enqueues one replicated game action.
func (r *Runtime) SendApp(msg protocol.App) error {
	return r.Send(protocol.KindApp, msg)
}

// RequestRestart asks the remote peer to restart the underlying transport in
// place and attempts the same locally, keeping the logical session alive when
// the channel can recover.
func (r *Runtime) RequestRestart(reason string) {
	r.mu.Lock()
	conn, gen := r.conn, r.gen
	r.mu.Unlock()
	if conn == nil {
		return
	}
	now := time.Now().UTC()
	data, err := protocol.Encode(r.version(), protocol.KindICERestart, now, protocol.ICERestart{
		Reason:      reason,
		RequestedAt: now,
	})
	if err == nil {
		r.writeDirect(gen, conn, data)
	}
	r.restartLocal(gen, conn)
}

// Destroy tears the connection down and cancels every pending timer. The
// runtime cannot be reused afterwards.
func (r *Runtime) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	r.gen++
	conn := r.conn
	r.conn = nil
	r.stopTimersLocked()
	r.queue = nil
	r.phase = PhaseIdle
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close("teardown")
	}
	r.events.emitPhase(PhaseIdle)
}

func (r *Runtime) version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agreedVersion != 0 {
		return r.agreedVersion
	}
	return protocol.Version1
}

func (r *Runtime) sendHello(gen int, conn Conn) {
	data, err := protocol.Encode(protocol.Version1, protocol.KindHello, time.Now().UTC(), protocol.Hello{
		SessionID:         r.cfg.SessionID,
		SupportedVersions: protocol.SupportedVersions,
		Role:              r.cfg.Role,
		PeerID:            r.cfg.PeerID,
	})
	if err != nil {
		r.transportFailure(gen, err)
		return
	}
	r.writeDirect(gen, conn, data)
}

func (r *Runtime) readLoop(gen int, conn Conn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			r.transportFailure(gen, fmt.Errorf("peer: read: %w", err))
			return
		}
		r.mu.Lock()
		stale := r.destroyed || gen != r.gen
		r.mu.Unlock()
		if stale {
			return
		}
		r.handleFrame(gen, conn, data)
	}
}

func (r *Runtime) handleFrame(gen int, conn Conn, data []byte) {
	env, payload, err := protocol.Decode(data)
	if err != nil {
		// Malformed traffic never crashes the runtime.
		r.log.WithError(err).WithField("kind", env.Kind).Warn("dropping undecodable frame")
		return
	}
	switch p := payload.(type) {
	case protocol.Hello:
		r.handleHello(gen, conn, p)
	case protocol.HelloAck:
		r.handleHelloAck(gen, p)
	case protocol.HelloReject:
		r.failNegotiation(gen, &NegotiationError{Ours: protocol.SupportedVersions, Theirs: p.SupportedVersions})
	case protocol.Ping:
		r.handlePing(gen, conn, p)
	case protocol.Pong:
		r.handlePong(p)
	case protocol.ICERestart:
		r.log.WithField("reason", p.Reason).Info("remote requested transport restart")
		r.restartLocal(gen, conn)
	default:
		r.mu.Lock()
		connected := r.phase == PhaseConnected && gen == r.gen
		r.mu.Unlock()
		if !connected {
			r.log.WithField("kind", env.Kind).Warn("dropping frame received before handshake completion")
			return
		}
		r.events.emitMessage(env, payload)
	}
}

func (r *Runtime) handleHello(gen int, conn Conn, p protocol.Hello) {
	version, ok := protocol.Negotiate(protocol.SupportedVersions, p.SupportedVersions)
	if !ok {
		reject, err := protocol.Encode(protocol.Version1, protocol.KindHelloReject, time.Now().UTC(), protocol.HelloReject{
			SessionID:         r.cfg.SessionID,
			Reason:            "no mutually supported protocol version",
			SupportedVersions: protocol.SupportedVersions,
		})
		if err == nil {
			r.writeDirect(gen, conn, reject)
		}
		r.failNegotiation(gen, &NegotiationError{Ours: protocol.SupportedVersions, Theirs: p.SupportedVersions})
		return
	}

	r.mu.Lock()
	if r.destroyed || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.agreedVersion = version
	r.remoteHelloSeen = true
	r.remote = &RemotePeer{PeerID: p.PeerID, Role: p.Role, SessionID: p.SessionID}
	r.mu.Unlock()

	ack, err := protocol.Encode(version, protocol.KindHelloAck, time.Now().UTC(), protocol.HelloAck{
		SessionID:     r.cfg.SessionID,
		AgreedVersion: version,
		Role:          r.cfg.Role,
		PeerID:        r.cfg.PeerID,
	})
	if err != nil {
		r.transportFailure(gen, err)
		return
	}
	r.writeDirect(gen, conn, ack)
	r.maybeConnected(gen)
}

func (r *Runtime) handleHelloAck(gen int, p protocol.HelloAck) {
	supported := false
	for _, v := range protocol.SupportedVersions {
		if v == p.AgreedVersion {
			supported = true
			break
		}
	}
	if !supported {
		r.failNegotiation(gen, &NegotiationError{Ours: protocol.SupportedVersions, Theirs: []int{p.AgreedVersion}})
		return
	}

	r.mu.Lock()
	if r.destroyed || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.agreedVersion = p.AgreedVersion
	r.helloAcked = true
	if r.remote == nil {
		r.remote = &RemotePeer{PeerID: p.PeerID, Role: p.Role, SessionID: p.SessionID}
	}
	r.mu.Unlock()
	r.maybeConnected(gen)
}

func (r *Runtime) maybeConnected(gen int) {
	r.mu.Lock()
	if r.destroyed || gen != r.gen || r.phase == PhaseConnected ||
		!r.remoteHelloSeen || !r.helloAcked || r.remote == nil {
		r.mu.Unlock()
		return
	}
	r.phase = PhaseConnected
	r.dialAttempts = 0
	if r.handshakeTimer != nil {
		r.handshakeTimer.Stop()
		r.handshakeTimer = nil
	}
	remote := *r.remote
	version := r.agreedVersion
	r.pingTimer = time.AfterFunc(r.cfg.HeartbeatInterval, func() { r.heartbeat(gen) })
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"remotePeerId": remote.PeerID,
		"remoteRole":   remote.Role,
		"version":      version,
	}).Info("peer connected")
	r.events.emitPhase(PhaseConnected)
	r.events.emitPeer(remote)
	r.flush()
}

func (r *Runtime) heartbeat(gen int) {
	r.mu.Lock()
	if r.destroyed || gen != r.gen || r.phase != PhaseConnected || r.conn == nil {
		r.mu.Unlock()
		return
	}
	conn := r.conn
	nonce := uuid.New()
	r.outstandingPings[nonce] = struct{}{}
	if r.pongTimer == nil {
		r.pongTimer = time.AfterFunc(r.cfg.HeartbeatTimeout, func() {
			r.transportFailure(gen, ErrHeartbeatTimeout)
		})
	}
	r.pingTimer = time.AfterFunc(r.cfg.HeartbeatInterval, func() { r.heartbeat(gen) })
	r.mu.Unlock()

	now := time.Now().UTC()
	data, err := protocol.Encode(r.version(), protocol.KindPing, now, protocol.Ping{Nonce: nonce, SentAt: now})
	if err != nil {
		return
	}
	r.writeDirect(gen, conn, data)
}

func (r *Runtime) handlePing(gen int, conn Conn, p protocol.Ping) {
	now := time.Now().UTC()
	data, err := protocol.Encode(r.version(), protocol.KindPong, now, protocol.Pong{Nonce: p.Nonce, SentAt: now})
	if err != nil {
		return
	}
	r.writeDirect(gen, conn, data)
}

func (r *Runtime) handlePong(p protocol.Pong) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outstandingPings[p.Nonce]; !ok {
		return
	}
	// Any matching pong proves liveness; clear the whole outstanding set.
	r.outstandingPings = make(map[uuid.UUID]struct{})
	if r.pongTimer != nil {
		r.pongTimer.Stop()
		r.pongTimer = nil
	}
}

func (r *Runtime) restartLocal(gen int, conn Conn) {
	rs, ok := conn.(Restarter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HandshakeTimeout)
	defer cancel()
	if err := rs.Restart(ctx); err != nil {
		r.transportFailure(gen, fmt.Errorf("peer: transport restart: %w", err))
	}
}

// transportFailure handles every non-negotiation loss of the channel. The
// guest schedules a redial under the backoff policy until the attempt budget
// runs out; the host returns to idle and waits for the guest to come back.
func (r *Runtime) transportFailure(gen int, cause error) {
	r.mu.Lock()
	if r.destroyed || gen != r.gen || r.phase == PhaseError {
		r.mu.Unlock()
		return
	}
	r.gen++
	conn := r.conn
	r.conn = nil
	r.stopTimersLocked()
	r.resetHandshakeLocked()

	var terminal error
	var phase Phase
	switch {
	case r.cfg.Role == models.RoleGuest && r.dialTarget != "" && r.dialAttempts < r.cfg.MaxDialAttempts:
		phase = PhaseReconnecting
		delay := backoffDelay(r.cfg.BackoffBase, r.cfg.BackoffCap, r.dialAttempts)
		r.dialAttempts++
		attempt := r.dialAttempts
		redialGen := r.gen
		r.reconnectTimer = time.AfterFunc(delay, func() { r.redial(redialGen, attempt) })
	case r.cfg.Role == models.RoleGuest && r.dialTarget != "":
		phase = PhaseError
		terminal = &TerminalError{Attempts: r.dialAttempts, Err: cause}
	default:
		phase = PhaseIdle
	}
	r.phase = phase
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close("transport failure")
	}
	r.log.WithError(cause).WithField("phase", phase).Warn("transport failure")
	r.events.emitError(cause)
	if terminal != nil {
		r.events.emitError(terminal)
	}
	r.events.emitPhase(phase)
}

// failNegotiation tears the connection down terminally. No retry: a version
// mismatch is a deployment problem, not a transient fault.
func (r *Runtime) failNegotiation(gen int, err *NegotiationError) {
	r.mu.Lock()
	if r.destroyed || gen != r.gen || r.phase == PhaseError {
		r.mu.Unlock()
		return
	}
	r.gen++
	conn := r.conn
	r.conn = nil
	r.stopTimersLocked()
	r.resetHandshakeLocked()
	r.phase = PhaseError
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close("protocol negotiation failed")
	}
	r.log.WithError(err).Error("protocol negotiation failed")
	r.events.emitError(err)
	r.events.emitPhase(PhaseError)
}

func (r *Runtime) redial(gen int, attempt int) {
	r.mu.Lock()
	if r.destroyed || gen != r.gen {
		r.mu.Unlock()
		return
	}
	target := r.dialTarget
	r.phase = PhaseConnecting
	r.mu.Unlock()
	r.events.emitPhase(PhaseConnecting)
	r.log.WithFields(logrus.Fields{"attempt": attempt, "target": target}).Info("redialing peer")

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HandshakeTimeout)
	conn, err := r.cfg.Dialer.Dial(ctx, target)
	cancel()
	if err != nil {
		r.transportFailure(gen, fmt.Errorf("peer: dial %s: %w", target, err))
		return
	}
	_ = r.attach(conn)
}

func (r *Runtime) flush() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	for {
		r.mu.Lock()
		if r.destroyed || r.phase != PhaseConnected || r.conn == nil || len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		frame := r.queue[0]
		r.queue = r.queue[1:]
		conn, gen := r.conn, r.gen
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, frame)
		cancel()
		if err != nil {
			// The frame never left; restore it at the head so the queue is
			// intact for retransmission once a channel comes back.
			r.mu.Lock()
			if !r.destroyed {
				r.queue = append([][]byte{frame}, r.queue...)
			}
			r.mu.Unlock()
			r.transportFailure(gen, fmt.Errorf("peer: write: %w", err))
			return
		}
	}
}

// writeDirect bypasses the queue for handshake and heartbeat frames.
func (r *Runtime) writeDirect(gen int, conn Conn, data []byte) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err := conn.Write(ctx, data)
	cancel()
	if err != nil {
		r.transportFailure(gen, fmt.Errorf("peer: write: %w", err))
	}
}

func (r *Runtime) stopTimersLocked() {
	for _, t := range []*time.Timer{r.handshakeTimer, r.pingTimer, r.pongTimer, r.reconnectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	r.handshakeTimer, r.pingTimer, r.pongTimer, r.reconnectTimer = nil, nil, nil, nil
}

func (r *Runtime) resetHandshakeLocked() {
	r.agreedVersion = 0
	r.remoteHelloSeen = false
	r.helloAcked = false
	r.outstandingPings = make(map[uuid.UUID]struct{})
}

func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}
