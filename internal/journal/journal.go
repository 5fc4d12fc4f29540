// internal/journal/journal.go

// Package journal keeps the ordered record of actions applied since the last
// snapshot and reconciles that record when a new snapshot arrives. It is the
// memory both replicas replay from; it is not safe for concurrent use and must
// sit behind the session's serialization point.
package journal

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aifedespaix/cki/internal/models"
)

// DefaultProcessedRetention bounds how many already-folded action ids are
// remembered for duplicate detection after they leave the journal.
const DefaultProcessedRetention = 512

// ErrHardResync signals that a snapshot could not be reconciled against the
// journal: the peer has diverged further back than the journal's tail and all
// local-only progress must be discarded.
var ErrHardResync = errors.New("journal: snapshot predates journal tail, hard resync required")

// ErrConflictingEntry signals that a different payload was appended under an
// already-known action id. That is a logic bug or tampering, never a retry.
var ErrConflictingEntry = errors.New("journal: conflicting payload for existing action id")

// Entry is one journaled action. IssuedAt is a wall timestamp used only for
// deterministic ordering, never for game semantics.
type Entry struct {
	ActionID uuid.UUID     `json:"actionId"`
	Action   models.Action `json:"action"`
	IssuerID uuid.UUID     `json:"issuerId"`
	IssuedAt time.Time     `json:"issuedAt"`
}

// Snapshot is a full state value plus the marker of the last journal entry it
// already incorporates. LastActionID is nil for a snapshot taken before any
// action was journaled.
type Snapshot struct {
	ID           uuid.UUID         `json:"snapshotId"`
	IssuedAt     time.Time         `json:"issuedAt"`
	State        *models.GameState `json:"state"`
	LastActionID *uuid.UUID        `json:"lastActionId,omitempty"`
}

// Less is the journal's total order: issuedAt ascending, ties broken by
// lexicographic action id. It is independent of arrival order on the wire.
func Less(a, b Entry) bool {
	if !a.IssuedAt.Equal(b.IssuedAt) {
		return a.IssuedAt.Before(b.IssuedAt)
	}
	return a.ActionID.String() < b.ActionID.String()
}

// Journal is the append-only buffer of entries since the last snapshot.
type Journal struct {
	entries []Entry

	// processed remembers ids folded into snapshots, in fold order, bounded
	// by retention. Ids still present in entries are not duplicated here.
	processed    []uuid.UUID
	processedSet map[uuid.UUID]struct{}
	retention    int
}

// New creates an empty journal with the default processed-id retention.
func New() *Journal {
	return NewWithRetention(DefaultProcessedRetention)
}

// NewWithRetention creates an empty journal remembering at most retention
// folded action ids.
func NewWithRetention(retention int) *Journal {
	if retention < 0 {
		retention = 0
	}
	return &Journal{
		processedSet: make(map[uuid.UUID]struct{}),
		retention:    retention,
	}
}

// Len returns the number of outstanding entries.
func (j *Journal) Len() int { return len(j.entries) }

// Entries returns the outstanding entries in journal order. The returned slice
// is a copy.
func (j *Journal) Entries() []Entry {
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Append records an entry. Appending the identical payload under a known id is
// a silent no-op (normal retransmission); a different payload under a known id
// returns ErrConflictingEntry. Entries are kept in total order regardless of
// arrival order.
func (j *Journal) Append(e Entry) error {
	for i := range j.entries {
		if j.entries[i].ActionID == e.ActionID {
			if entriesEquivalent(j.entries[i], e) {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrConflictingEntry, e.ActionID)
		}
	}
	if _, ok := j.processedSet[e.ActionID]; ok {
		// Already folded into a snapshot; nothing left to compare against, so
		// treat any re-append as a retransmission.
		return nil
	}
	j.entries = append(j.entries, e)
	sort.Slice(j.entries, func(a, b int) bool { return Less(j.entries[a], j.entries[b]) })
	return nil
}

// HasProcessed reports whether the action id is in the journal or was folded
// into a previous snapshot (within the bounded retention window).
func (j *Journal) HasProcessed(actionID uuid.UUID) bool {
	for i := range j.entries {
		if j.entries[i].ActionID == actionID {
			return true
		}
	}
	_, ok := j.processedSet[actionID]
	return ok
}

// MarkProcessed records an id as seen without journaling a payload for it.
// The replicator uses it for messages that are deduplicated but never replayed
// (a deferred local action released by an acknowledgment).
func (j *Journal) MarkProcessed(actionID uuid.UUID) {
	j.remember(actionID)
}

// SnapshotNow folds every outstanding entry into a snapshot of the given state
// and empties the journal. The folded ids move into the bounded processed set.
func (j *Journal) SnapshotNow(state *models.GameState, now time.Time) Snapshot {
	snap := Snapshot{
		ID:       uuid.Must(uuid.NewV7()),
		IssuedAt: now,
		State:    state.Clone(),
	}
	if n := len(j.entries); n > 0 {
		last := j.entries[n-1].ActionID
		snap.LastActionID = &last
	}
	for i := range j.entries {
		j.remember(j.entries[i].ActionID)
	}
	j.entries = nil
	return snap
}

// ReconcileWithSnapshot installs the snapshot as the new baseline.
//
// If snapshot.LastActionID is found in the journal, every entry up to and
// including it is dropped as already incorporated and the remaining newer
// entries are returned in order; the caller must replay them on top of the
// snapshot state. If LastActionID is nil or unknown, the journal clears
// entirely and ErrHardResync is returned together with an empty outstanding
// list — the caller must discard local-only progress. A nil LastActionID on an
// empty journal is a clean install, not a resync.
func (j *Journal) ReconcileWithSnapshot(snap Snapshot) ([]Entry, error) {
	if snap.LastActionID == nil {
		had := len(j.entries) > 0
		j.clearAll()
		if had {
			return nil, ErrHardResync
		}
		return nil, nil
	}

	cut := -1
	for i := range j.entries {
		if j.entries[i].ActionID == *snap.LastActionID {
			cut = i
			break
		}
	}
	if cut < 0 {
		j.clearAll()
		return nil, ErrHardResync
	}

	for i := 0; i <= cut; i++ {
		j.remember(j.entries[i].ActionID)
	}
	outstanding := make([]Entry, len(j.entries)-cut-1)
	copy(outstanding, j.entries[cut+1:])
	j.entries = append([]Entry(nil), outstanding...)
	return outstanding, nil
}

func (j *Journal) clearAll() {
	for i := range j.entries {
		j.remember(j.entries[i].ActionID)
	}
	j.entries = nil
}

// remember adds an id to the processed set, evicting the oldest beyond the
// retention bound.
func (j *Journal) remember(id uuid.UUID) {
	if j.retention == 0 {
		return
	}
	if _, ok := j.processedSet[id]; ok {
		return
	}
	j.processed = append(j.processed, id)
	j.processedSet[id] = struct{}{}
	for len(j.processed) > j.retention {
		evicted := j.processed[0]
		j.processed = j.processed[1:]
		delete(j.processedSet, evicted)
	}
}

// entriesEquivalent compares entries field by field. Timestamps compare with
// Equal so serialization round-trips do not flag false conflicts.
func entriesEquivalent(a, b Entry) bool {
	if a.ActionID != b.ActionID || a.IssuerID != b.IssuerID || !a.IssuedAt.Equal(b.IssuedAt) {
		return false
	}
	return actionsEqual(a.Action, b.Action)
}

func actionsEqual(a, b models.Action) bool {
	if a.Type != b.Type || a.ActorID != b.ActorID || a.Name != b.Name {
		return false
	}
	if !uuidPtrEqual(a.CardID, b.CardID) || !uuidPtrEqual(a.TargetPlayerID, b.TargetPlayerID) || !uuidPtrEqual(a.StartingPlayerID, b.StartingPlayerID) {
		return false
	}
	if (a.Grid == nil) != (b.Grid == nil) {
		return false
	}
	if a.Grid != nil && a.Grid.ID != b.Grid.ID {
		return false
	}
	return true
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
