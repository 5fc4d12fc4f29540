// cmd/cki/play.go
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/aifedespaix/cki/internal/game"
	"github.com/aifedespaix/cki/internal/models"
	"github.com/aifedespaix/cki/internal/peer"
	"github.com/aifedespaix/cki/internal/session"
)

// playLoop reads intents from stdin and re-renders on every replica update.
func playLoop(sess *session.Session, rt *peer.Runtime, selfID uuid.UUID) error {
	offState := sess.Subscribe(func(st *models.GameState) {
		render(st, selfID)
	})
	defer offState()

	offErr := rt.OnError(func(err error) {
		var terminal *peer.TerminalError
		var nego *peer.NegotiationError
		if errors.As(err, &terminal) || errors.As(err, &nego) {
			fmt.Printf("\nconnection failed: %v\n> ", err)
		}
	})
	defer offErr()

	render(sess.State(), selfID)
	printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "quit", "exit":
			return nil
		case "help":
			printHelp()
			continue
		case "state":
			render(sess.State(), selfID)
			continue
		}

		action, err := parseIntent(sess.State(), selfID, cmd, args)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if _, err := sess.Dispatch(action); err != nil {
			var invalid *game.InvalidActionError
			if errors.As(err, &invalid) {
				fmt.Printf("rejected: %s\n", invalid.Reason)
			} else {
				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

func parseIntent(st *models.GameState, selfID uuid.UUID, cmd string, args []string) (models.Action, error) {
	switch cmd {
	case "name":
		if len(args) == 0 {
			return models.Action{}, errors.New("usage: name <new name>")
		}
		return models.Action{Type: models.ActionRenamePlayer, ActorID: selfID, Name: strings.Join(args, " ")}, nil
	case "secret":
		id, err := cardIDByLabel(st, args)
		if err != nil {
			return models.Action{}, err
		}
		return models.Action{Type: models.ActionSetSecret, ActorID: selfID, CardID: id}, nil
	case "start":
		return models.Action{Type: models.ActionStartGame, ActorID: selfID}, nil
	case "flip":
		id, err := cardIDByLabel(st, args)
		if err != nil {
			return models.Action{}, err
		}
		return models.Action{Type: models.ActionFlipCard, ActorID: selfID, CardID: id}, nil
	case "endturn":
		return models.Action{Type: models.ActionEndTurn, ActorID: selfID}, nil
	case "guess":
		id, err := cardIDByLabel(st, args)
		if err != nil {
			return models.Action{}, err
		}
		opponent := st.Opponent(selfID)
		if opponent == nil {
			return models.Action{}, errors.New("no opponent to guess against")
		}
		target := opponent.ID
		return models.Action{Type: models.ActionGuess, ActorID: selfID, TargetPlayerID: &target, CardID: id}, nil
	case "leave":
		return models.Action{Type: models.ActionLeave, ActorID: selfID}, nil
	case "restart":
		return models.Action{Type: models.ActionRestart, ActorID: selfID}, nil
	case "reset":
		return models.Action{Type: models.ActionReset, ActorID: selfID}, nil
	default:
		return models.Action{}, fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func cardIDByLabel(st *models.GameState, args []string) (*uuid.UUID, error) {
	if len(args) == 0 {
		return nil, errors.New("missing card label")
	}
	if st.Grid == nil {
		return nil, errors.New("no grid yet")
	}
	label := strings.Join(args, " ")
	for _, c := range st.Grid.Cards {
		if strings.EqualFold(c.Label, label) {
			id := c.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("no card labelled %q", label)
}

func render(st *models.GameState, selfID uuid.UUID) {
	fmt.Print(renderState(st, selfID))
}

func renderState(st *models.GameState, selfID uuid.UUID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s]", st.Phase)
	if st.Phase == models.PhasePlaying {
		fmt.Fprintf(&b, " turn %d", st.Turn)
	}
	b.WriteString("\n")

	for i := range st.Players {
		p := &st.Players[i]
		marker := " "
		if st.Phase == models.PhasePlaying && st.ActivePlayerID == p.ID {
			marker = "*"
		}
		you := ""
		if p.ID == selfID {
			you = " (you)"
		}
		fmt.Fprintf(&b, "%s %s [%s]%s", marker, p.Name, p.Role, you)
		if p.ID == selfID && p.SecretCardID != nil && st.Grid != nil {
			for _, c := range st.Grid.Cards {
				if c.ID == *p.SecretCardID {
					fmt.Fprintf(&b, " secret=%s", c.Label)
				}
			}
		}
		if len(p.FlippedCardIDs) > 0 && st.Grid != nil {
			labels := make([]string, 0, len(p.FlippedCardIDs))
			for _, id := range p.FlippedCardIDs {
				for _, c := range st.Grid.Cards {
					if c.ID == id {
						labels = append(labels, c.Label)
					}
				}
			}
			fmt.Fprintf(&b, " flipped=%s", strings.Join(labels, ","))
		}
		b.WriteString("\n")
	}

	if st.LastGuess != nil && st.Grid != nil {
		outcome := "wrong"
		if st.LastGuess.Correct {
			outcome = "correct"
		}
		for _, c := range st.Grid.Cards {
			if c.ID == st.LastGuess.CardID {
				fmt.Fprintf(&b, "last guess: %s (%s)\n", c.Label, outcome)
			}
		}
	}
	if st.Phase == models.PhaseFinished {
		if w := st.PlayerByID(st.WinnerID); w != nil {
			fmt.Fprintf(&b, "winner: %s (%s)\n", w.Name, st.FinishReason)
		}
	}
	return b.String()
}

func printHelp() {
	fmt.Println(`commands:
  name <n>        rename yourself
  secret <label>  choose your secret card
  start           start the match (host, both secrets set)
  flip <label>    toggle a card on your board
  endturn         pass the turn
  guess <label>   guess the opponent's secret (wrong costs the turn)
  leave           leave the match
  restart         back to lobby, players rejoin
  reset           back to idle
  state           print the current state
  quit            exit`)
}
