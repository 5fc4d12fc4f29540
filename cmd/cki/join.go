// cmd/cki/join.go
package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aifedespaix/cki/internal/models"
	"github.com/aifedespaix/cki/internal/peer"
	"github.com/aifedespaix/cki/internal/session"
	"github.com/aifedespaix/cki/internal/signaling"
)

var joinFlags struct {
	token  string
	code   string
	name   string
	target string
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a hosted session with an invite token",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinFlags.token, "token", "", "invite token from the host")
	joinCmd.Flags().StringVar(&joinFlags.code, "code", "", "session code shared out of band")
	joinCmd.Flags().StringVar(&joinFlags.name, "name", "guest", "display name")
	joinCmd.Flags().StringVar(&joinFlags.target, "target", "", "dial target override")
	_ = joinCmd.MarkFlagRequired("token")
	_ = joinCmd.MarkFlagRequired("code")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	inv, err := signaling.ParseInvite(joinFlags.token, joinFlags.code)
	if err != nil {
		return err
	}
	target := inv.Target
	if joinFlags.target != "" {
		target = joinFlags.target
	}
	peerID := uuid.New()

	rt := peer.NewRuntime(peer.Config{
		SessionID: inv.SessionID,
		Role:      models.RoleGuest,
		PeerID:    peerID,
		Logger:    logger,
		Dialer:    &peer.WebsocketDialer{},
	})
	defer rt.Destroy()

	sess := session.New(session.Config{
		SessionID: inv.SessionID,
		Role:      models.RoleGuest,
		PeerID:    peerID,
		Logger:    logger,
		Runtime:   rt,
	})
	defer sess.Close()

	connected := make(chan struct{}, 1)
	offPhase := rt.OnPhaseChange(func(p peer.Phase) {
		if p == peer.PhaseConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer offPhase()

	logger.WithField("target", target).Info("dialing host")
	if err := rt.Connect(ctx, target); err != nil {
		return err
	}
	select {
	case <-connected:
	case <-time.After(peer.DefaultHandshakeTimeout + time.Second):
		return fmt.Errorf("no connection to %s", target)
	}

	// Admission is host-authoritative; the join shows up once acknowledged.
	if _, err := sess.Dispatch(models.Action{
		Type:    models.ActionJoinLobby,
		ActorID: peerID,
		Name:    joinFlags.name,
	}); err != nil {
		return err
	}

	return playLoop(sess, rt, peerID)
}
