// internal/models/player.go
package models

import "github.com/google/uuid"

// PlayerRole distinguishes the authoritative peer from the optimistic one.
type PlayerRole string

const (
	RoleHost  PlayerRole = "host"
	RoleGuest PlayerRole = "guest"
)

// Player is one seat at the match. SecretCardID is the card the player
// protects. FlippedCardIDs are the cards the player has hidden from view on
// their own board: a visibility filter, not ownership. The list is unique and
// kept sorted in board-reading order.
type Player struct {
	ID             uuid.UUID   `json:"id"`
	Name           string      `json:"name"`
	Role           PlayerRole  `json:"role"`
	SecretCardID   *uuid.UUID  `json:"secretCardId,omitempty"`
	FlippedCardIDs []uuid.UUID `json:"flippedCardIds"`
}

// HasSecret reports whether the player has picked a secret card.
func (p *Player) HasSecret() bool {
	return p.SecretCardID != nil
}

// HasFlipped reports whether the card is currently hidden on this player's board.
func (p *Player) HasFlipped(cardID uuid.UUID) bool {
	for _, id := range p.FlippedCardIDs {
		if id == cardID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the player.
func (p *Player) Clone() Player {
	cp := *p
	if p.SecretCardID != nil {
		id := *p.SecretCardID
		cp.SecretCardID = &id
	}
	cp.FlippedCardIDs = make([]uuid.UUID, len(p.FlippedCardIDs))
	copy(cp.FlippedCardIDs, p.FlippedCardIDs)
	return cp
}
