// internal/replicator/replicator.go

// Package replicator sits between UI intents and the wire. It assigns action
// ids, decides whether a local action applies immediately or waits for the
// host's acknowledgment, deduplicates inbound messages, and keeps the journal
// and state machine in lockstep. One instance exists per peer; it is not safe
// for concurrent use and must sit behind the session's serialization point.
package replicator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aifedespaix/cki/internal/game"
	"github.com/aifedespaix/cki/internal/journal"
	"github.com/aifedespaix/cki/internal/models"
	"github.com/aifedespaix/cki/internal/protocol"
)

// Origin tags where a rejected action came from, so the consumer knows whether
// to roll back a local UI display or distrust the remote replica.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ApplyError wraps a state-machine rejection with its origin.
type ApplyError struct {
	Origin   Origin
	ActionID uuid.UUID
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("replicator: %s action %s rejected: %v", e.Origin, e.ActionID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ErrReplayFailed signals that an outstanding journal entry was rejected
// during snapshot replay. This is an un-reconcilable divergence; the only
// recovery is a fresh snapshot or connection teardown.
var ErrReplayFailed = errors.New("replicator: outstanding entry rejected during replay")

// pendingStatus is the explicit per-pending-action state. A pending action is
// a local intent transmitted but deliberately not applied yet.
type pendingStatus int

const (
	// pendingAwaitingAck: transmitted unacknowledged, local apply deferred.
	pendingAwaitingAck pendingStatus = iota
)

type pendingAction struct {
	msg    protocol.App
	status pendingStatus
}

// Config assembles a Replicator.
type Config struct {
	Role   models.PlayerRole
	PeerID uuid.UUID
	Logger *logrus.Logger

	// DeferLocal decides whether a locally dispatched action must wait for
	// the host's acknowledgment before applying (used for the guest's own
	// join_lobby, since only the host may authoritatively admit a player).
	// Never consulted on the host.
	DeferLocal func(models.Action) bool

	// Send transmits an application message. Required.
	Send func(protocol.App)

	// OnState is invoked after every successful apply, local or remote.
	OnState func(*models.GameState)

	// OnAcknowledged is invoked when a deferred local action is released by
	// the host's acknowledgment.
	OnAcknowledged func(uuid.UUID)

	// Now defaults to time.Now; injected in tests.
	Now func() time.Time
}

// Replicator mediates between local state application and wire messages.
type Replicator struct {
	cfg     Config
	state   *models.GameState
	journal *journal.Journal
	pending map[uuid.UUID]pendingAction
}

// New creates a replicator starting from the idle state with an empty journal.
func New(cfg Config) *Replicator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Replicator{
		cfg:     cfg,
		state:   models.NewIdleState(),
		journal: journal.New(),
		pending: make(map[uuid.UUID]pendingAction),
	}
}

// State returns the current replica. Callers must treat it as read-only.
func (r *Replicator) State() *models.GameState { return r.state }

// Journal exposes the underlying journal to the session for snapshotting.
func (r *Replicator) Journal() *journal.Journal { return r.journal }

// PendingCount returns how many local actions await the host's acknowledgment.
func (r *Replicator) PendingCount() int { return len(r.pending) }

// Dispatch validates and transmits a locally issued action. Unless the action
// is deferred, it applies to the local replica before the message leaves.
func (r *Replicator) Dispatch(action models.Action) (*models.GameState, error) {
	id := uuid.Must(uuid.NewV7())
	msg := protocol.App{
		ActionID:           id,
		Action:             action,
		IssuerPeerID:       r.cfg.PeerID,
		IssuerRole:         r.cfg.Role,
		IssuedAt:           r.cfg.Now().UTC(),
		AcknowledgedByHost: r.cfg.Role == models.RoleHost,
	}

	if r.cfg.Role != models.RoleHost && r.cfg.DeferLocal != nil && r.cfg.DeferLocal(action) {
		// Held back until the host's acknowledgment round-trips; the local
		// replica stays unchanged so it never diverges from what the host
		// actually committed.
		r.pending[id] = pendingAction{msg: msg, status: pendingAwaitingAck}
		r.cfg.Send(msg)
		r.cfg.Logger.WithFields(logrus.Fields{
			"actionId": id, "type": action.Type,
		}).Debug("action deferred pending host acknowledgment")
		return r.state, nil
	}

	next, err := game.Apply(r.state, action)
	if err != nil {
		return nil, &ApplyError{Origin: OriginLocal, ActionID: id, Err: err}
	}
	if err := r.journal.Append(journal.Entry{
		ActionID: id,
		Action:   action,
		IssuerID: r.cfg.PeerID,
		IssuedAt: msg.IssuedAt,
	}); err != nil {
		return nil, err
	}
	r.commit(next)
	r.cfg.Send(msg)
	return next, nil
}

// HandleRemote processes an inbound application message: releases pending
// actions on acknowledgment, swallows duplicates (re-acking them when we are
// the host and the sender has not seen our acknowledgment), and applies new
// actions.
func (r *Replicator) HandleRemote(msg protocol.App) error {
	if p, ok := r.pending[msg.ActionID]; ok {
		if !msg.AcknowledgedByHost {
			// Echo of our own unacknowledged transmission; keep waiting.
			return nil
		}
		return r.releasePending(msg.ActionID, p)
	}

	if r.journal.HasProcessed(msg.ActionID) {
		if !msg.AcknowledgedByHost && r.cfg.Role == models.RoleHost {
			// The guest retransmitted because our acknowledgment got lost.
			r.sendAck(msg)
		}
		return nil
	}

	next, err := game.Apply(r.state, msg.Action)
	if err != nil {
		return &ApplyError{Origin: OriginRemote, ActionID: msg.ActionID, Err: err}
	}
	if err := r.journal.Append(journal.Entry{
		ActionID: msg.ActionID,
		Action:   msg.Action,
		IssuerID: msg.IssuerPeerID,
		IssuedAt: msg.IssuedAt,
	}); err != nil {
		return err
	}
	r.commit(next)
	if r.cfg.Role == models.RoleHost && !msg.AcknowledgedByHost {
		r.sendAck(msg)
	}
	return nil
}

// InstallSnapshot reconciles the journal with a snapshot from the host,
// installs the snapshot state and replays the outstanding entries on top.
// A journal hard-resync discards pending local actions; a replay rejection is
// returned as ErrReplayFailed and must bubble up to the session.
func (r *Replicator) InstallSnapshot(snap journal.Snapshot) error {
	outstanding, err := r.journal.ReconcileWithSnapshot(snap)
	if err != nil {
		if errors.Is(err, journal.ErrHardResync) {
			// The peer diverged further back than our journal; everything
			// local-only is lost, including unacknowledged pending actions.
			r.pending = make(map[uuid.UUID]pendingAction)
			r.commit(snap.State.Clone())
			return err
		}
		return err
	}

	state := snap.State.Clone()
	for _, e := range outstanding {
		next, applyErr := game.Apply(state, e.Action)
		if applyErr != nil {
			return fmt.Errorf("%w: action %s: %v", ErrReplayFailed, e.ActionID, applyErr)
		}
		state = next
	}
	r.commit(state)
	return nil
}

// releasePending applies a deferred local action now that the host confirmed
// it, then fires the acknowledged callback.
func (r *Replicator) releasePending(id uuid.UUID, p pendingAction) error {
	delete(r.pending, id)

	next, err := game.Apply(r.state, p.msg.Action)
	if err != nil {
		// The host committed something our replica cannot reproduce.
		r.journal.MarkProcessed(id)
		return &ApplyError{Origin: OriginLocal, ActionID: id, Err: err}
	}
	if err := r.journal.Append(journal.Entry{
		ActionID: id,
		Action:   p.msg.Action,
		IssuerID: r.cfg.PeerID,
		IssuedAt: p.msg.IssuedAt,
	}); err != nil {
		return err
	}
	r.commit(next)
	if r.cfg.OnAcknowledged != nil {
		r.cfg.OnAcknowledged(id)
	}
	return nil
}

func (r *Replicator) sendAck(msg protocol.App) {
	ack := msg
	ack.AcknowledgedByHost = true
	relayer := r.cfg.PeerID
	ack.RelayedByPeerID = &relayer
	r.cfg.Send(ack)
}

func (r *Replicator) commit(next *models.GameState) {
	r.state = next
	if r.cfg.OnState != nil {
		r.cfg.OnState(next)
	}
}
