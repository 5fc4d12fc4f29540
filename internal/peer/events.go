// internal/peer/events.go
package peer

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aifedespaix/cki/internal/models"
	"github.com/aifedespaix/cki/internal/protocol"
)

// Phase is the connection lifecycle state.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseError        Phase = "error"
)

// RemotePeer is the identity learned during the handshake.
type RemotePeer struct {
	PeerID    uuid.UUID
	Role      models.PlayerRole
	SessionID string
}

// Unsubscribe removes a previously registered listener. Safe to call more
// than once.
type Unsubscribe func()

// MessageHandler receives a decoded inbound payload together with its
// envelope. The payload is the concrete protocol struct for the kind the
// handler registered for.
type MessageHandler func(env protocol.Envelope, payload interface{})

// dispatcher fans runtime events out to registered listeners. Listener
// invocation happens outside the runtime's state lock.
type dispatcher struct {
	mu        sync.Mutex
	seq       int
	phaseSubs map[int]func(Phase)
	peerSubs  map[int]func(RemotePeer)
	errSubs   map[int]func(error)
	msgSubs   map[protocol.Kind]map[int]MessageHandler
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		phaseSubs: make(map[int]func(Phase)),
		peerSubs:  make(map[int]func(RemotePeer)),
		errSubs:   make(map[int]func(error)),
		msgSubs:   make(map[protocol.Kind]map[int]MessageHandler),
	}
}

func (d *dispatcher) onPhase(fn func(Phase)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := d.seq
	d.phaseSubs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.phaseSubs, id)
	}
}

func (d *dispatcher) onPeer(fn func(RemotePeer)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := d.seq
	d.peerSubs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.peerSubs, id)
	}
}

func (d *dispatcher) onError(fn func(error)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := d.seq
	d.errSubs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.errSubs, id)
	}
}

func (d *dispatcher) onMessage(kind protocol.Kind, fn MessageHandler) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := d.seq
	if d.msgSubs[kind] == nil {
		d.msgSubs[kind] = make(map[int]MessageHandler)
	}
	d.msgSubs[kind][id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.msgSubs[kind], id)
	}
}

func (d *dispatcher) emitPhase(p Phase) {
	for _, fn := range d.snapshotPhase() {
		fn(p)
	}
}

func (d *dispatcher) emitPeer(rp RemotePeer) {
	for _, fn := range d.snapshotPeer() {
		fn(rp)
	}
}

func (d *dispatcher) emitError(err error) {
	for _, fn := range d.snapshotErr() {
		fn(err)
	}
}

func (d *dispatcher) emitMessage(env protocol.Envelope, payload interface{}) {
	for _, fn := range d.snapshotMsg(env.Kind) {
		fn(env, payload)
	}
}

func (d *dispatcher) snapshotPhase() []func(Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]func(Phase), 0, len(d.phaseSubs))
	for _, fn := range d.phaseSubs {
		out = append(out, fn)
	}
	return out
}

func (d *dispatcher) snapshotPeer() []func(RemotePeer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]func(RemotePeer), 0, len(d.peerSubs))
	for _, fn := range d.peerSubs {
		out = append(out, fn)
	}
	return out
}

func (d *dispatcher) snapshotErr() []func(error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]func(error), 0, len(d.errSubs))
	for _, fn := range d.errSubs {
		out = append(out, fn)
	}
	return out
}

func (d *dispatcher) snapshotMsg(kind protocol.Kind) []MessageHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MessageHandler, 0, len(d.msgSubs[kind]))
	for _, fn := range d.msgSubs[kind] {
		out = append(out, fn)
	}
	return out
}
