// internal/peer/runtime_test.go
package peer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifedespaix/cki/internal/models"
	"github.com/aifedespaix/cki/internal/protocol"
)

var errPipeClosed = errors.New("pipe closed")

// pipeConn is an in-memory bidirectional transport. Closing either end breaks
// both, like a dropped datachannel.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

func newPipe() (Conn, Conn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: b2a, out: a2b, closed: closed, once: once}
	b := &pipeConn{in: a2b, out: b2a, closed: closed, once: once}
	return a, b
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, errPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(string) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// scriptConn replays a fixed sequence of inbound frames and swallows writes.
type scriptConn struct {
	reads  chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptConn(frames ...[]byte) *scriptConn {
	c := &scriptConn{
		reads:  make(chan []byte, len(frames)+1),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		c.reads <- f
	}
	return c
}

func (c *scriptConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.reads:
		return data, nil
	case <-c.closed:
		return nil, errPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errPipeClosed
	case c.writes <- data:
	default:
	}
	return nil
}

func (c *scriptConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// meteredConn fails every write past a fixed budget, like a transport dying
// mid-stream.
type meteredConn struct {
	*scriptConn
	mu     sync.Mutex
	budget int
}

func (c *meteredConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.budget == 0 {
		c.mu.Unlock()
		return errors.New("write failed")
	}
	c.budget--
	c.mu.Unlock()
	return c.scriptConn.Write(ctx, data)
}

type scriptDialer struct {
	mu    sync.Mutex
	dials int
	next  func() Conn
}

func (d *scriptDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return d.next(), nil
}

func (d *scriptDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestRuntime(role models.PlayerRole, mutate ...func(*Config)) *Runtime {
	cfg := Config{
		SessionID: "test-session",
		Role:      role,
		PeerID:    uuid.New(),
		Logger:    quietLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewRuntime(cfg)
}

func encodeFrame(t *testing.T, kind protocol.Kind, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.Encode(protocol.Version1, kind, time.Now().UTC(), payload)
	require.NoError(t, err)
	return data
}

func remoteHelloFrames(t *testing.T, peerID uuid.UUID) [][]byte {
	t.Helper()
	hello := encodeFrame(t, protocol.KindHello, protocol.Hello{
		SessionID:         "test-session",
		SupportedVersions: protocol.SupportedVersions,
		Role:              models.RoleGuest,
		PeerID:            peerID,
	})
	ack := encodeFrame(t, protocol.KindHelloAck, protocol.HelloAck{
		SessionID:     "test-session",
		AgreedVersion: protocol.Version1,
		Role:          models.RoleGuest,
		PeerID:        peerID,
	})
	return [][]byte{hello, ack}
}

func TestHandshakeConnectsBothSides(t *testing.T) {
	host := newTestRuntime(models.RoleHost)
	guest := newTestRuntime(models.RoleGuest)
	defer host.Destroy()
	defer guest.Destroy()

	var mu sync.Mutex
	var hostSaw *RemotePeer
	host.OnPeerChange(func(rp RemotePeer) {
		mu.Lock()
		hostSaw = &rp
		mu.Unlock()
	})

	a, b := newPipe()
	require.NoError(t, host.Attach(a))
	require.NoError(t, guest.Attach(b))

	require.Eventually(t, func() bool {
		return host.Phase() == PhaseConnected && guest.Phase() == PhaseConnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, protocol.Version1, host.AgreedVersion())
	assert.Equal(t, protocol.Version1, guest.AgreedVersion())

	remote := guest.Remote()
	require.NotNil(t, remote)
	assert.Equal(t, host.cfg.PeerID, remote.PeerID)
	assert.Equal(t, models.RoleHost, remote.Role)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, hostSaw)
	assert.Equal(t, guest.cfg.PeerID, hostSaw.PeerID)
}

func TestFramesQueuedBeforeHandshakeAreFlushed(t *testing.T) {
	host := newTestRuntime(models.RoleHost)
	guest := newTestRuntime(models.RoleGuest)
	defer host.Destroy()
	defer guest.Destroy()

	received := make(chan protocol.App, 8)
	host.OnMessage(protocol.KindApp, func(_ protocol.Envelope, payload interface{}) {
		received <- payload.(protocol.App)
	})

	msg := protocol.App{
		ActionID:     uuid.Must(uuid.NewV7()),
		Action:       models.Action{Type: models.ActionRenamePlayer, ActorID: guest.cfg.PeerID, Name: "nina"},
		IssuerPeerID: guest.cfg.PeerID,
		IssuerRole:   models.RoleGuest,
		IssuedAt:     time.Now().UTC(),
	}
	// Dispatched before any channel exists; must survive until the handshake.
	require.NoError(t, guest.SendApp(msg))
	assert.Equal(t, 1, guest.QueueLen())

	a, b := newPipe()
	require.NoError(t, host.Attach(a))
	require.NoError(t, guest.Attach(b))

	select {
	case got := <-received:
		assert.Equal(t, msg.ActionID, got.ActionID)
		assert.Equal(t, "nina", got.Action.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame never delivered")
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	host := newTestRuntime(models.RoleHost)
	guest := newTestRuntime(models.RoleGuest, func(c *Config) { c.QueueCapacity = 2 })
	defer host.Destroy()
	defer guest.Destroy()

	var mu sync.Mutex
	var got []uuid.UUID
	host.OnMessage(protocol.KindApp, func(_ protocol.Envelope, payload interface{}) {
		mu.Lock()
		got = append(got, payload.(protocol.App).ActionID)
		mu.Unlock()
	})

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.Must(uuid.NewV7())
		require.NoError(t, guest.SendApp(protocol.App{
			ActionID:     ids[i],
			Action:       models.Action{Type: models.ActionEndTurn, ActorID: guest.cfg.PeerID},
			IssuerPeerID: guest.cfg.PeerID,
			IssuerRole:   models.RoleGuest,
			IssuedAt:     time.Now().UTC(),
		}))
	}
	assert.Equal(t, 2, guest.QueueLen(), "oldest frame evicted at capacity")

	a, b := newPipe()
	require.NoError(t, host.Attach(a))
	require.NoError(t, guest.Attach(b))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{ids[1], ids[2]}, got)
}

func TestWriteFailureRequeuesUndeliveredFrame(t *testing.T) {
	host := newTestRuntime(models.RoleHost)
	defer host.Destroy()

	peerID := uuid.New()
	// Budget covers the hello and hello_ack; the first application write dies.
	dying := &meteredConn{scriptConn: newScriptConn(remoteHelloFrames(t, peerID)...), budget: 2}
	require.NoError(t, host.Attach(dying))
	require.Eventually(t, func() bool { return host.Phase() == PhaseConnected }, 2*time.Second, time.Millisecond)

	msg := protocol.App{
		ActionID:     uuid.Must(uuid.NewV7()),
		Action:       models.Action{Type: models.ActionJoinLobby, ActorID: peerID, Name: "rejoiner"},
		IssuerPeerID: peerID,
		IssuerRole:   models.RoleGuest,
		IssuedAt:     time.Now().UTC(),
	}
	require.NoError(t, host.SendApp(msg))

	require.Eventually(t, func() bool { return host.Phase() == PhaseIdle }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, host.QueueLen(), "undelivered frame must survive the teardown")

	// A replacement channel arrives; the surviving frame goes out once the
	// handshake completes.
	replacement := newScriptConn(remoteHelloFrames(t, peerID)...)
	require.NoError(t, host.Attach(replacement))
	require.Eventually(t, func() bool { return host.Phase() == PhaseConnected }, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		for {
			select {
			case frame := <-replacement.writes:
				env, payload, err := protocol.Decode(frame)
				if err == nil && env.Kind == protocol.KindApp && payload.(protocol.App).ActionID == msg.ActionID {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, host.QueueLen())
}

func TestVersionMismatchIsTerminal(t *testing.T) {
	host := newTestRuntime(models.RoleHost)
	defer host.Destroy()

	errs := make(chan error, 8)
	host.OnError(func(err error) { errs <- err })

	badHello := encodeFrame(t, protocol.KindHello, protocol.Hello{
		SessionID:         "test-session",
		SupportedVersions: []int{99},
		Role:              models.RoleGuest,
		PeerID:            uuid.New(),
	})
	conn := newScriptConn(badHello)
	require.NoError(t, host.Attach(conn))

	require.Eventually(t, func() bool { return host.Phase() == PhaseError }, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-errs:
		var ne *NegotiationError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, []int{99}, ne.Theirs)
	case <-time.After(time.Second):
		t.Fatal("no negotiation error surfaced")
	}

	// A rejection frame must have gone out before teardown.
	sawReject := false
	for done := false; !done; {
		select {
		case frame := <-conn.writes:
			env, _, err := protocol.Decode(frame)
			if err == nil && env.Kind == protocol.KindHelloReject {
				sawReject = true
			}
		default:
			done = true
		}
	}
	assert.True(t, sawReject)
}

func TestGuestDoesNotRedialAfterRejection(t *testing.T) {
	reject := encodeFrame(t, protocol.KindHelloReject, protocol.HelloReject{
		SessionID:         "test-session",
		Reason:            "no mutually supported protocol version",
		SupportedVersions: []int{99},
	})
	dialer := &scriptDialer{next: func() Conn { return newScriptConn(reject) }}
	guest := newTestRuntime(models.RoleGuest, func(c *Config) {
		c.Dialer = dialer
		c.BackoffBase = 5 * time.Millisecond
		c.BackoffCap = 10 * time.Millisecond
	})
	defer guest.Destroy()

	require.NoError(t, guest.Connect(context.Background(), "ws://host"))

	require.Eventually(t, func() bool { return guest.Phase() == PhaseError }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count(), "negotiation failure must not be retried")
}

func TestGuestRetriesUntilAttemptBudgetExhausted(t *testing.T) {
	// Every dialed channel stays silent, so each handshake times out.
	dialer := &scriptDialer{next: func() Conn { return newScriptConn() }}
	guest := newTestRuntime(models.RoleGuest, func(c *Config) {
		c.Dialer = dialer
		c.HandshakeTimeout = 20 * time.Millisecond
		c.BackoffBase = 5 * time.Millisecond
		c.BackoffCap = 10 * time.Millisecond
		c.MaxDialAttempts = 2
	})
	defer guest.Destroy()

	errs := make(chan error, 16)
	guest.OnError(func(err error) { errs <- err })

	require.NoError(t, guest.Connect(context.Background(), "ws://host"))

	require.Eventually(t, func() bool { return guest.Phase() == PhaseError }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dialer.count(), "initial dial plus two retries")

	var terminal *TerminalError
	deadline := time.After(time.Second)
	for terminal == nil {
		select {
		case err := <-errs:
			errors.As(err, &terminal)
		case <-deadline:
			t.Fatal("terminal error never surfaced")
		}
	}
	assert.Equal(t, 2, terminal.Attempts)
}

func TestHeartbeatTimeoutIsTransportFailure(t *testing.T) {
	host := newTestRuntime(models.RoleHost, func(c *Config) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.HeartbeatTimeout = 40 * time.Millisecond
	})
	defer host.Destroy()

	errs := make(chan error, 16)
	host.OnError(func(err error) { errs <- err })

	// The remote completes the handshake but never answers pings.
	frames := remoteHelloFrames(t, uuid.New())
	conn := newScriptConn(frames...)
	require.NoError(t, host.Attach(conn))

	require.Eventually(t, func() bool { return host.Phase() == PhaseConnected }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return host.Phase() == PhaseIdle }, 2*time.Second, time.Millisecond,
		"host returns to idle and waits for the guest to come back")

	sawTimeout := false
	for done := false; !done; {
		select {
		case err := <-errs:
			if errors.Is(err, ErrHeartbeatTimeout) {
				sawTimeout = true
			}
		default:
			done = true
		}
	}
	assert.True(t, sawTimeout)
}

func TestHeartbeatKeepsHealthyPairConnected(t *testing.T) {
	short := func(c *Config) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.HeartbeatTimeout = 50 * time.Millisecond
	}
	host := newTestRuntime(models.RoleHost, short)
	guest := newTestRuntime(models.RoleGuest, short)
	defer host.Destroy()
	defer guest.Destroy()

	a, b := newPipe()
	require.NoError(t, host.Attach(a))
	require.NoError(t, guest.Attach(b))

	require.Eventually(t, func() bool {
		return host.Phase() == PhaseConnected && guest.Phase() == PhaseConnected
	}, 2*time.Second, 5*time.Millisecond)

	// Several ping periods pass; pongs keep both sides alive.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, PhaseConnected, host.Phase())
	assert.Equal(t, PhaseConnected, guest.Phase())
}

func TestMalformedFramesAreDroppedNotFatal(t *testing.T) {
	host := newTestRuntime(models.RoleHost)
	defer host.Destroy()

	received := make(chan protocol.App, 8)
	host.OnMessage(protocol.KindApp, func(_ protocol.Envelope, payload interface{}) {
		received <- payload.(protocol.App)
	})

	peerID := uuid.New()
	frames := remoteHelloFrames(t, peerID)
	frames = append(frames,
		[]byte("this is not json"),
		[]byte(`{"v":1,"kind":"teleport","payload":{}}`),
		encodeFrame(t, protocol.KindApp, protocol.App{
			ActionID:     uuid.Must(uuid.NewV7()),
			Action:       models.Action{Type: models.ActionEndTurn, ActorID: peerID},
			IssuerPeerID: peerID,
			IssuerRole:   models.RoleGuest,
			IssuedAt:     time.Now().UTC(),
		}),
	)
	require.NoError(t, host.Attach(newScriptConn(frames...)))

	select {
	case got := <-received:
		assert.Equal(t, models.ActionEndTurn, got.Action.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame behind garbage never delivered")
	}
	assert.Equal(t, PhaseConnected, host.Phase())
}

func TestAppFramesBeforeHandshakeAreDropped(t *testing.T) {
	host := newTestRuntime(models.RoleHost)
	defer host.Destroy()

	received := make(chan protocol.App, 8)
	host.OnMessage(protocol.KindApp, func(_ protocol.Envelope, payload interface{}) {
		received <- payload.(protocol.App)
	})

	peerID := uuid.New()
	early := encodeFrame(t, protocol.KindApp, protocol.App{
		ActionID:     uuid.Must(uuid.NewV7()),
		Action:       models.Action{Type: models.ActionEndTurn, ActorID: peerID},
		IssuerPeerID: peerID,
		IssuerRole:   models.RoleGuest,
		IssuedAt:     time.Now().UTC(),
	})
	require.NoError(t, host.Attach(newScriptConn(early)))

	time.Sleep(50 * time.Millisecond)
	select {
	case <-received:
		t.Fatal("application frame accepted before handshake")
	default:
	}
}

func TestDestroyCancelsEverything(t *testing.T) {
	host := newTestRuntime(models.RoleHost, func(c *Config) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.HeartbeatTimeout = 30 * time.Millisecond
	})
	guest := newTestRuntime(models.RoleGuest, func(c *Config) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.HeartbeatTimeout = 30 * time.Millisecond
	})

	a, b := newPipe()
	require.NoError(t, host.Attach(a))
	require.NoError(t, guest.Attach(b))
	require.Eventually(t, func() bool {
		return host.Phase() == PhaseConnected && guest.Phase() == PhaseConnected
	}, 2*time.Second, 5*time.Millisecond)

	errsAfter := make(chan error, 16)
	host.Destroy()
	guest.Destroy()
	host.OnError(func(err error) { errsAfter <- err })
	guest.OnError(func(err error) { errsAfter <- err })

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PhaseIdle, host.Phase())
	assert.Equal(t, PhaseIdle, guest.Phase())
	// Closing the pipe may surface one read error concurrently with Destroy;
	// what must never happen is a heartbeat timer firing afterwards.
	for done := false; !done; {
		select {
		case err := <-errsAfter:
			require.NotErrorIs(t, err, ErrHeartbeatTimeout, "heartbeat timer fired after destroy")
		default:
			done = true
		}
	}

	require.ErrorIs(t, guest.SendApp(protocol.App{
		ActionID:     uuid.Must(uuid.NewV7()),
		Action:       models.Action{Type: models.ActionEndTurn, ActorID: uuid.New()},
		IssuerPeerID: uuid.New(),
		IssuerRole:   models.RoleGuest,
		IssuedAt:     time.Now().UTC(),
	}), ErrDestroyed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	host := newTestRuntime(models.RoleHost)
	defer host.Destroy()

	fired := make(chan Phase, 8)
	off := host.OnPhaseChange(func(p Phase) { fired <- p })
	off()
	off() // second call is harmless

	require.NoError(t, host.Attach(newScriptConn()))
	time.Sleep(20 * time.Millisecond)
	select {
	case p := <-fired:
		t.Fatalf("listener fired after unsubscribe: %v", p)
	default:
	}
}

func TestBackoffSchedule(t *testing.T) {
	base := 750 * time.Millisecond
	limit := 5 * time.Second
	want := []time.Duration{
		750 * time.Millisecond,
		1500 * time.Millisecond,
		3 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for attempt, expect := range want {
		assert.Equal(t, expect, backoffDelay(base, limit, attempt), "attempt %d", attempt)
	}
}
