// internal/models/card.go
package models

import "github.com/google/uuid"

// Card is one face on the board. Image and description are optional and only
// matter to the rendering layer; the core never interprets them.
type Card struct {
	ID          uuid.UUID `json:"id"`
	Label       string    `json:"label"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Grid is the immutable board description shared by both players. Cards are
// stored in board-reading order (left to right, top to bottom); that order is
// the canonical sort key for flipped-card lists.
type Grid struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name,omitempty"`
	Rows  int       `json:"rows"`
	Cols  int       `json:"cols"`
	Cards []Card    `json:"cards"`
}

// CardIndex returns the board position of the card, or -1 if the card does not
// belong to this grid.
func (g *Grid) CardIndex(id uuid.UUID) int {
	for i, c := range g.Cards {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// HasCard reports whether the card belongs to this grid.
func (g *Grid) HasCard(id uuid.UUID) bool {
	return g.CardIndex(id) >= 0
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Cards = make([]Card, len(g.Cards))
	copy(cp.Cards, g.Cards)
	return &cp
}
