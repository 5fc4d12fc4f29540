// internal/game/apply.go

// Package game implements the deterministic state machine for a two-player
// deduction match. Apply is a pure function: no I/O, no clock, no randomness.
// Idempotent no-ops return the input state pointer unchanged so callers can
// cheaply detect that nothing happened.
package game

import (
	"sort"

	"github.com/google/uuid"

	"github.com/aifedespaix/cki/internal/models"
)

// MaxPlayers is the seat capacity of a match.
const MaxPlayers = 2

// Apply validates the action against the state and returns the resulting
// state. On any precondition violation it returns an *InvalidActionError and
// the state is untouched; no partial mutation ever occurs. The returned state
// is a fresh value except for idempotent no-ops, which return the same
// pointer.
func Apply(state *models.GameState, action models.Action) (*models.GameState, error) {
	switch action.Type {
	case models.ActionCreateLobby:
		return applyCreateLobby(state, action)
	case models.ActionJoinLobby:
		return applyJoinLobby(state, action)
	case models.ActionRenamePlayer:
		return applyRename(state, action)
	case models.ActionSetSecret:
		return applySetSecret(state, action)
	case models.ActionStartGame:
		return applyStartGame(state, action)
	case models.ActionFlipCard:
		return applyFlipCard(state, action)
	case models.ActionEndTurn:
		return applyEndTurn(state, action)
	case models.ActionGuess:
		return applyGuess(state, action)
	case models.ActionLeave:
		return applyLeave(state, action)
	case models.ActionRestart:
		return applyRestart(state, action)
	case models.ActionReset:
		return applyReset(state, action)
	default:
		return nil, reject(action, "unknown action type %q", action.Type)
	}
}

func applyCreateLobby(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase != models.PhaseIdle {
		return nil, reject(action, "lobby can only be created from idle, current phase is %s", state.Phase)
	}
	if action.Grid == nil || len(action.Grid.Cards) == 0 {
		return nil, reject(action, "a non-empty grid is required")
	}
	next := &models.GameState{
		Phase:  models.PhaseLobby,
		HostID: action.ActorID,
		Grid:   action.Grid.Clone(),
		Players: []models.Player{{
			ID:             action.ActorID,
			Name:           action.Name,
			Role:           models.RoleHost,
			FlippedCardIDs: []uuid.UUID{},
		}},
	}
	return next, nil
}

func applyJoinLobby(state *models.GameState, action models.Action) (*models.GameState, error) {
	switch state.Phase {
	case models.PhaseIdle:
		return nil, reject(action, "no lobby to join")
	case models.PhasePlaying, models.PhaseFinished:
		// A reconnecting participant's redundant join succeeds silently;
		// genuinely new ids cannot enter a running match.
		if state.HasPlayer(action.ActorID) {
			return state, nil
		}
		return nil, reject(action, "match already started, new players cannot join")
	}

	if state.HasPlayer(action.ActorID) {
		return state, nil
	}
	if len(state.Players) >= MaxPlayers {
		return nil, reject(action, "lobby is full")
	}
	role := models.RoleGuest
	if action.ActorID == state.HostID {
		role = models.RoleHost
	}
	if role == models.RoleHost {
		for i := range state.Players {
			if state.Players[i].Role == models.RoleHost {
				return nil, reject(action, "host seat is already taken")
			}
		}
	}
	next := state.Clone()
	next.Players = append(next.Players, models.Player{
		ID:             action.ActorID,
		Name:           action.Name,
		Role:           role,
		FlippedCardIDs: []uuid.UUID{},
	})
	return next, nil
}

func applyRename(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase == models.PhaseIdle {
		return nil, reject(action, "no match to rename in")
	}
	p := state.PlayerByID(action.ActorID)
	if p == nil {
		return nil, reject(action, "player %s is not part of the match", action.ActorID)
	}
	if action.Name == "" {
		return nil, reject(action, "name must not be empty")
	}
	if p.Name == action.Name {
		return state, nil
	}
	next := state.Clone()
	next.PlayerByID(action.ActorID).Name = action.Name
	return next, nil
}

func applySetSecret(state *models.GameState, action models.Action) (*models.GameState, error) {
	if action.CardID == nil {
		return nil, reject(action, "a card id is required")
	}
	switch state.Phase {
	case models.PhaseIdle:
		return nil, reject(action, "no match in progress")
	case models.PhasePlaying, models.PhaseFinished:
		// Changing the secret mid-match is forbidden; re-submitting the same
		// card is accepted as an idempotent retry.
		p := state.PlayerByID(action.ActorID)
		if p == nil {
			return nil, reject(action, "player %s is not part of the match", action.ActorID)
		}
		if p.SecretCardID != nil && *p.SecretCardID == *action.CardID {
			return state, nil
		}
		return nil, reject(action, "secret cannot change once the match has started")
	}

	p := state.PlayerByID(action.ActorID)
	if p == nil {
		return nil, reject(action, "player %s is not part of the lobby", action.ActorID)
	}
	if !state.Grid.HasCard(*action.CardID) {
		return nil, reject(action, "card %s does not belong to the grid", *action.CardID)
	}
	if p.SecretCardID != nil && *p.SecretCardID == *action.CardID {
		return state, nil
	}
	next := state.Clone()
	id := *action.CardID
	next.PlayerByID(action.ActorID).SecretCardID = &id
	return next, nil
}

func applyStartGame(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase != models.PhaseLobby {
		return nil, reject(action, "match can only start from the lobby, current phase is %s", state.Phase)
	}
	if len(state.Players) != MaxPlayers {
		return nil, reject(action, "exactly %d players are required, have %d", MaxPlayers, len(state.Players))
	}
	for i := range state.Players {
		if !state.Players[i].HasSecret() {
			return nil, reject(action, "player %s has not picked a secret card", state.Players[i].ID)
		}
	}
	starting := state.HostID
	if action.StartingPlayerID != nil {
		starting = *action.StartingPlayerID
	}
	if !state.HasPlayer(starting) {
		return nil, reject(action, "starting player %s is not part of the match", starting)
	}
	next := state.Clone()
	next.Phase = models.PhasePlaying
	next.ActivePlayerID = starting
	next.Turn = 1
	next.LastGuess = nil
	for i := range next.Players {
		next.Players[i].FlippedCardIDs = []uuid.UUID{}
	}
	return next, nil
}

func applyFlipCard(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase != models.PhasePlaying {
		return nil, reject(action, "cards can only be flipped while playing")
	}
	if action.CardID == nil {
		return nil, reject(action, "a card id is required")
	}
	if state.ActivePlayerID != action.ActorID {
		return nil, reject(action, "it is not player %s's turn", action.ActorID)
	}
	if !state.Grid.HasCard(*action.CardID) {
		return nil, reject(action, "card %s does not belong to the grid", *action.CardID)
	}
	next := state.Clone()
	p := next.PlayerByID(action.ActorID)
	if p.HasFlipped(*action.CardID) {
		flipped := p.FlippedCardIDs[:0]
		for _, id := range p.FlippedCardIDs {
			if id != *action.CardID {
				flipped = append(flipped, id)
			}
		}
		p.FlippedCardIDs = flipped
	} else {
		p.FlippedCardIDs = append(p.FlippedCardIDs, *action.CardID)
		sortBoardOrder(next.Grid, p.FlippedCardIDs)
	}
	return next, nil
}

func applyEndTurn(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase != models.PhasePlaying {
		return nil, reject(action, "turns can only end while playing")
	}
	if state.ActivePlayerID != action.ActorID {
		return nil, reject(action, "it is not player %s's turn", action.ActorID)
	}
	opponent := state.Opponent(action.ActorID)
	if opponent == nil {
		return nil, reject(action, "no opponent to pass the turn to")
	}
	next := state.Clone()
	next.ActivePlayerID = opponent.ID
	next.Turn++
	return next, nil
}

func applyGuess(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase != models.PhasePlaying {
		return nil, reject(action, "guesses are only allowed while playing")
	}
	if action.CardID == nil || action.TargetPlayerID == nil {
		return nil, reject(action, "a target player and a card id are required")
	}
	if state.ActivePlayerID != action.ActorID {
		return nil, reject(action, "it is not player %s's turn", action.ActorID)
	}
	if *action.TargetPlayerID == action.ActorID {
		return nil, reject(action, "players cannot guess their own secret")
	}
	target := state.PlayerByID(*action.TargetPlayerID)
	if target == nil {
		return nil, reject(action, "target player %s is not part of the match", *action.TargetPlayerID)
	}
	if !state.Grid.HasCard(*action.CardID) {
		return nil, reject(action, "card %s does not belong to the grid", *action.CardID)
	}
	if target.SecretCardID == nil {
		return nil, reject(action, "target player %s has no secret card", target.ID)
	}

	result := models.GuessResult{
		GuesserID: action.ActorID,
		TargetID:  target.ID,
		CardID:    *action.CardID,
		Correct:   *target.SecretCardID == *action.CardID,
	}
	next := state.Clone()
	next.LastGuess = &result

	if result.Correct {
		next.Phase = models.PhaseFinished
		next.WinnerID = action.ActorID
		next.FinishReason = models.FinishCorrectGuess
		return next, nil
	}

	// A wrong guess costs the turn and wipes the guesser's board filter.
	next.PlayerByID(action.ActorID).FlippedCardIDs = []uuid.UUID{}
	next.ActivePlayerID = next.Opponent(action.ActorID).ID
	next.Turn++
	return next, nil
}

func applyLeave(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase == models.PhaseIdle {
		return nil, reject(action, "no match to leave")
	}
	if !state.HasPlayer(action.ActorID) {
		return nil, reject(action, "player %s is not part of the match", action.ActorID)
	}
	next := state.Clone()
	remaining := next.Players[:0]
	for i := range next.Players {
		if next.Players[i].ID != action.ActorID {
			remaining = append(remaining, next.Players[i])
		}
	}
	next.Players = remaining

	if state.Phase == models.PhasePlaying || state.Phase == models.PhaseFinished {
		// The match cannot continue with one participant. Demote to the lobby
		// and strip match-scoped player data so the remaining player is ready
		// for a new opponent.
		next.Phase = models.PhaseLobby
		next.ActivePlayerID = uuid.Nil
		next.Turn = 0
		next.LastGuess = nil
		next.WinnerID = uuid.Nil
		next.FinishReason = ""
		for i := range next.Players {
			next.Players[i].SecretCardID = nil
			next.Players[i].FlippedCardIDs = []uuid.UUID{}
		}
	}
	return next, nil
}

func applyRestart(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase == models.PhaseIdle {
		return nil, reject(action, "nothing to restart")
	}
	next := &models.GameState{
		Phase:   models.PhaseLobby,
		HostID:  state.HostID,
		Grid:    state.Grid.Clone(),
		Players: []models.Player{},
	}
	return next, nil
}

func applyReset(state *models.GameState, action models.Action) (*models.GameState, error) {
	if state.Phase == models.PhaseIdle {
		return state, nil
	}
	return models.NewIdleState(), nil
}

// sortBoardOrder sorts card ids in place by their position in the grid, so
// flipped lists compare deterministically regardless of insertion order.
func sortBoardOrder(grid *models.Grid, ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return grid.CardIndex(ids[i]) < grid.CardIndex(ids[j])
	})
}
