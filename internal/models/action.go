// internal/models/action.go
package models

import "github.com/google/uuid"

// ActionType enumerates the discrete game intents.
type ActionType string

const (
	ActionCreateLobby  ActionType = "create_lobby"
	ActionJoinLobby    ActionType = "join_lobby"
	ActionRenamePlayer ActionType = "rename_player"
	ActionSetSecret    ActionType = "set_secret"
	ActionStartGame    ActionType = "start_game"
	ActionFlipCard     ActionType = "flip_card"
	ActionEndTurn      ActionType = "end_turn"
	ActionGuess        ActionType = "guess"
	ActionLeave        ActionType = "leave"
	ActionRestart      ActionType = "restart"
	ActionReset        ActionType = "reset"
)

// Action is a pure-data game intent. It carries only the fields the state
// machine needs to validate and apply it, never references into live state.
//
// Field usage per type:
//   - create_lobby: ActorID (becomes host), Name, Grid.
//   - join_lobby: ActorID, Name.
//   - rename_player: ActorID, Name.
//   - set_secret: ActorID, CardID.
//   - start_game: ActorID, StartingPlayerID (optional, defaults to host).
//   - flip_card: ActorID, CardID.
//   - guess: ActorID, TargetPlayerID, CardID.
//   - end_turn, leave, restart, reset: ActorID only.
type Action struct {
	Type    ActionType `json:"type"`
	ActorID uuid.UUID  `json:"actorId"`

	Name             string     `json:"name,omitempty"`
	Grid             *Grid      `json:"grid,omitempty"`
	CardID           *uuid.UUID `json:"cardId,omitempty"`
	TargetPlayerID   *uuid.UUID `json:"targetPlayerId,omitempty"`
	StartingPlayerID *uuid.UUID `json:"startingPlayerId,omitempty"`
}
