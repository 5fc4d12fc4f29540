// internal/models/state.go
package models

import "github.com/google/uuid"

// Phase identifies which variant of the game state is active. Exactly one
// phase is active at a time; fields that do not belong to the active phase are
// zero-valued.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLobby    Phase = "lobby"
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
)

// FinishReason records why a match ended.
type FinishReason string

const (
	FinishCorrectGuess   FinishReason = "correct_guess"
	FinishIncorrectGuess FinishReason = "incorrect_guess"
)

// GuessResult is the immutable outcome of a guess action.
type GuessResult struct {
	GuesserID uuid.UUID `json:"guesserId"`
	TargetID  uuid.UUID `json:"targetId"`
	CardID    uuid.UUID `json:"cardId"`
	Correct   bool      `json:"correct"`
}

// GameState is the replicated match state. It is owned exclusively by whichever
// peer computes it locally; peers converge through message passing, never
// through shared memory. Values handed out to subscribers are deep copies.
//
// Field usage per phase:
//   - idle: everything zero.
//   - lobby: HostID, Grid, Players (0-2).
//   - playing: lobby fields plus ActivePlayerID, Turn (starts at 1), LastGuess.
//   - finished: lobby fields plus WinnerID, FinishReason, LastGuess (terminal).
type GameState struct {
	Phase Phase `json:"phase"`

	HostID  uuid.UUID `json:"hostId,omitempty"`
	Grid    *Grid     `json:"grid,omitempty"`
	Players []Player  `json:"players,omitempty"`

	ActivePlayerID uuid.UUID    `json:"activePlayerId,omitempty"`
	Turn           int          `json:"turn,omitempty"`
	LastGuess      *GuessResult `json:"lastGuess,omitempty"`

	WinnerID     uuid.UUID    `json:"winnerId,omitempty"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
}

// NewIdleState returns the initial state.
func NewIdleState() *GameState {
	return &GameState{Phase: PhaseIdle}
}

// PlayerByID returns a pointer into Players, or nil if absent.
func (s *GameState) PlayerByID(id uuid.UUID) *Player {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i]
		}
	}
	return nil
}

// HasPlayer reports whether a player with the id is seated.
func (s *GameState) HasPlayer(id uuid.UUID) bool {
	return s.PlayerByID(id) != nil
}

// Opponent returns the other seated player, or nil when the match does not
// have two seats filled.
func (s *GameState) Opponent(id uuid.UUID) *Player {
	if len(s.Players) != 2 {
		return nil
	}
	for i := range s.Players {
		if s.Players[i].ID != id {
			return &s.Players[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s *GameState) Clone() *GameState {
	cp := *s
	cp.Grid = s.Grid.Clone()
	cp.Players = make([]Player, len(s.Players))
	for i := range s.Players {
		cp.Players[i] = s.Players[i].Clone()
	}
	if s.LastGuess != nil {
		g := *s.LastGuess
		cp.LastGuess = &g
	}
	return &cp
}
