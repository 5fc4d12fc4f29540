// internal/session/session.go

// Package session is the serialization point around the state machine,
// journal and replicator triple. UI dispatches enter on one side, runtime
// messages on the other; a single mutex preserves the journal's total-order
// invariants. The session also owns snapshot cadence and sync recovery.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aifedespaix/cki/internal/journal"
	"github.com/aifedespaix/cki/internal/models"
	"github.com/aifedespaix/cki/internal/peer"
	"github.com/aifedespaix/cki/internal/protocol"
	"github.com/aifedespaix/cki/internal/replicator"
	"github.com/aifedespaix/cki/internal/store"
)

// DefaultSnapshotEvery is how many applied actions the host folds into a
// fresh snapshot, bounding journal growth on both sides.
const DefaultSnapshotEvery = 32

const mirrorTimeout = 3 * time.Second

// Unsubscribe removes a state subscriber.
type Unsubscribe func()

// Mirror receives a best-effort copy of every outbound action message.
// Failures are logged, never propagated; mirroring must not block dispatch.
type Mirror interface {
	MirrorAction(ctx context.Context, sessionID string, msg protocol.App) error
}

// Config assembles a Session.
type Config struct {
	SessionID string
	Role      models.PlayerRole
	PeerID    uuid.UUID
	Logger    *logrus.Logger

	// Runtime carries the wire. Required.
	Runtime *peer.Runtime

	// Store persists host snapshots. Optional.
	Store store.SnapshotStore

	// Mirror feeds the analysis queue. Optional.
	Mirror Mirror

	// SnapshotEvery overrides the host's snapshot cadence.
	SnapshotEvery int
}

// Session wires one peer's replica to its connection runtime.
type Session struct {
	cfg Config
	log *logrus.Entry
	rt  *peer.Runtime

	mu            sync.Mutex
	rep           *replicator.Replicator
	sinceSnapshot int

	subMu sync.Mutex
	seq   int
	subs  map[int]func(*models.GameState)

	unsubs []peer.Unsubscribe
}

// New builds a session around the runtime and registers its message handlers.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}
	s := &Session{
		cfg: cfg,
		log: cfg.Logger.WithFields(logrus.Fields{
			"sessionId": cfg.SessionID,
			"role":      cfg.Role,
		}),
		rt:   cfg.Runtime,
		subs: make(map[int]func(*models.GameState)),
	}
	s.rep = replicator.New(replicator.Config{
		Role:       cfg.Role,
		PeerID:     cfg.PeerID,
		Logger:     cfg.Logger,
		DeferLocal: requiresHostAdmission,
		Send:       s.send,
		OnAcknowledged: func(id uuid.UUID) {
			s.log.WithField("actionId", id).Debug("deferred action acknowledged by host")
		},
	})
	s.unsubs = append(s.unsubs,
		s.rt.OnMessage(protocol.KindApp, s.handleApp),
		s.rt.OnMessage(protocol.KindSnapshotRequest, s.handleSnapshotRequest),
		s.rt.OnMessage(protocol.KindSnapshotOffer, s.handleSnapshotOffer),
	)
	return s
}

// requiresHostAdmission marks actions a guest may not apply optimistically.
// Only the host can authoritatively admit a player into the lobby.
func requiresHostAdmission(a models.Action) bool {
	return a.Type == models.ActionJoinLobby
}

// Dispatch validates, applies and transmits a locally issued action.
func (s *Session) Dispatch(action models.Action) (*models.GameState, error) {
	s.mu.Lock()
	prev := s.rep.State()
	next, err := s.rep.Dispatch(action)
	var snap *journal.Snapshot
	if err == nil && next != prev {
		snap = s.maybeFoldLocked()
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if next != prev {
		s.publish(next)
	}
	if snap != nil {
		s.offerSnapshot(*snap)
	}
	return next, nil
}

// State returns a read-only copy of the current replica.
func (s *Session) State() *models.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rep.State().Clone()
}

// PendingCount reports locally dispatched actions still awaiting the host.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rep.PendingCount()
}

// JournalLen reports outstanding journal entries since the last fold.
func (s *Session) JournalLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rep.Journal().Len()
}

// Subscribe registers a listener receiving a state copy after every
// successful apply, local or remote.
func (s *Session) Subscribe(fn func(*models.GameState)) Unsubscribe {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.seq++
	id := s.seq
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// RequestSnapshot asks the host for a fresh snapshot, discarding nothing yet;
// recovery happens when the offer arrives.
func (s *Session) RequestSnapshot(reason string) {
	if err := s.rt.Send(protocol.KindSnapshotRequest, protocol.SnapshotRequest{Reason: reason}); err != nil {
		s.log.WithError(err).Warn("could not request snapshot")
	}
}

// Restore installs the most recent persisted snapshot, if any. Intended for
// host startup before any connection exists.
func (s *Session) Restore(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}
	rec, err := s.cfg.Store.Load(ctx, s.cfg.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.rep.InstallSnapshot(rec.Snapshot())
	next := s.rep.State()
	s.mu.Unlock()

	// A hard resync against an empty journal is just the baseline install.
	if err != nil && !errors.Is(err, journal.ErrHardResync) {
		return err
	}
	s.publish(next)
	s.log.WithField("snapshotId", rec.SnapshotID).Info("restored persisted snapshot")
	return nil
}

// Close detaches the session from its runtime. The runtime itself is owned by
// the caller and torn down separately.
func (s *Session) Close() {
	for _, off := range s.unsubs {
		off()
	}
	s.unsubs = nil
}

// send transmits one outbound action message and mirrors it best-effort.
func (s *Session) send(msg protocol.App) {
	if err := s.rt.SendApp(msg); err != nil {
		s.log.WithError(err).WithField("actionId", msg.ActionID).Warn("could not enqueue action")
	}
	if s.cfg.Mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.cfg.Mirror.MirrorAction(ctx, s.cfg.SessionID, msg); err != nil {
			s.log.WithError(err).Debug("action mirror push failed")
		}
	}()
}

func (s *Session) handleApp(_ protocol.Envelope, payload interface{}) {
	msg, ok := payload.(protocol.App)
	if !ok {
		return
	}
	s.mu.Lock()
	prev := s.rep.State()
	err := s.rep.HandleRemote(msg)
	next := s.rep.State()
	var snap *journal.Snapshot
	if err == nil && next != prev {
		snap = s.maybeFoldLocked()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).WithField("actionId", msg.ActionID).Warn("inbound action rejected")
		var applyErr *replicator.ApplyError
		if s.cfg.Role == models.RoleGuest && errors.As(err, &applyErr) && applyErr.Origin == replicator.OriginRemote {
			// The host committed something our replica cannot reproduce:
			// replica divergence, recoverable only with a fresh snapshot.
			s.RequestSnapshot("remote action rejected locally")
		}
		return
	}
	if next != prev {
		s.publish(next)
	}
	if snap != nil {
		s.offerSnapshot(*snap)
	}
}

func (s *Session) handleSnapshotRequest(_ protocol.Envelope, payload interface{}) {
	req, ok := payload.(protocol.SnapshotRequest)
	if !ok || s.cfg.Role != models.RoleHost {
		return
	}
	s.log.WithField("reason", req.Reason).Info("serving snapshot request")

	s.mu.Lock()
	snap := s.rep.Journal().SnapshotNow(s.rep.State(), time.Now().UTC())
	s.sinceSnapshot = 0
	s.mu.Unlock()

	s.offerSnapshot(snap)
}

func (s *Session) handleSnapshotOffer(_ protocol.Envelope, payload interface{}) {
	offer, ok := payload.(protocol.SnapshotOffer)
	if !ok || s.cfg.Role != models.RoleGuest {
		return
	}
	snap := journal.Snapshot{
		ID:           offer.SnapshotID,
		IssuedAt:     offer.IssuedAt,
		State:        offer.State,
		LastActionID: offer.LastActionID,
	}

	s.mu.Lock()
	err := s.rep.InstallSnapshot(snap)
	next := s.rep.State()
	s.mu.Unlock()

	switch {
	case errors.Is(err, journal.ErrHardResync):
		s.log.WithField("snapshotId", snap.ID).Warn("hard resync, local unacknowledged progress discarded")
		s.publish(next)
	case errors.Is(err, replicator.ErrReplayFailed):
		s.log.WithError(err).Error("snapshot replay failed")
		s.RequestSnapshot("replay failed")
	case err != nil:
		s.log.WithError(err).Error("snapshot install failed")
	default:
		s.publish(next)
	}
}

// maybeFoldLocked counts applied actions and folds the journal into a fresh
// snapshot at the configured cadence. Host only; the guest's journal shrinks
// when the resulting offer arrives.
func (s *Session) maybeFoldLocked() *journal.Snapshot {
	if s.cfg.Role != models.RoleHost {
		return nil
	}
	s.sinceSnapshot++
	if s.sinceSnapshot < s.cfg.SnapshotEvery {
		return nil
	}
	s.sinceSnapshot = 0
	snap := s.rep.Journal().SnapshotNow(s.rep.State(), time.Now().UTC())
	return &snap
}

// offerSnapshot transmits a snapshot to the remote peer and persists it.
func (s *Session) offerSnapshot(snap journal.Snapshot) {
	err := s.rt.Send(protocol.KindSnapshotOffer, protocol.SnapshotOffer{
		SnapshotID:   snap.ID,
		IssuedAt:     snap.IssuedAt,
		State:        snap.State,
		LastActionID: snap.LastActionID,
	})
	if err != nil {
		s.log.WithError(err).Warn("could not enqueue snapshot offer")
	}
	if s.cfg.Store == nil {
		return
	}
	rec := store.FromSnapshot(s.cfg.SessionID, snap)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.cfg.Store.Save(ctx, rec); err != nil {
			s.log.WithError(err).Warn("snapshot persistence failed")
		}
	}()
}

func (s *Session) publish(state *models.GameState) {
	snapshot := state.Clone()
	s.subMu.Lock()
	fns := make([]func(*models.GameState), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}
