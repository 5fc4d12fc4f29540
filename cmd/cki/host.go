// cmd/cki/host.go
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aifedespaix/cki/internal/middleware"
	"github.com/aifedespaix/cki/internal/models"
	"github.com/aifedespaix/cki/internal/peer"
	"github.com/aifedespaix/cki/internal/session"
	"github.com/aifedespaix/cki/internal/signaling"
	"github.com/aifedespaix/cki/internal/store"
)

var hostFlags struct {
	gridPath  string
	addr      string
	publicURL string
	sessionID string
	code      string
	name      string
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a session and print an invite token",
	RunE:  runHost,
}

func init() {
	hostCmd.Flags().StringVar(&hostFlags.gridPath, "grid", "", "path to the grid definition (JSON)")
	hostCmd.Flags().StringVar(&hostFlags.addr, "addr", ":8080", "listen address for the peer channel")
	hostCmd.Flags().StringVar(&hostFlags.publicURL, "public-url", "", "dial target published to the guest (default ws://localhost<addr>/peer)")
	hostCmd.Flags().StringVar(&hostFlags.sessionID, "session", "", "session id (default random)")
	hostCmd.Flags().StringVar(&hostFlags.code, "code", "", "session code shared out of band (default random)")
	hostCmd.Flags().StringVar(&hostFlags.name, "name", "host", "display name")
	_ = hostCmd.MarkFlagRequired("grid")
}

func runHost(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	grid, err := loadGrid(hostFlags.gridPath)
	if err != nil {
		return err
	}
	sessionID := hostFlags.sessionID
	if sessionID == "" {
		sessionID = randomToken(4)
	}
	code := hostFlags.code
	if code == "" {
		code = randomToken(8)
	}
	target := hostFlags.publicURL
	if target == "" {
		target = fmt.Sprintf("ws://localhost%s/peer", hostFlags.addr)
	}
	peerID := uuid.New()

	rt := peer.NewRuntime(peer.Config{
		SessionID: sessionID,
		Role:      models.RoleHost,
		PeerID:    peerID,
		Logger:    logger,
	})
	defer rt.Destroy()

	cfg := session.Config{
		SessionID: sessionID,
		Role:      models.RoleHost,
		PeerID:    peerID,
		Logger:    logger,
		Runtime:   rt,
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		defer pg.Close()
		cfg.Store = pg
		logger.Info("snapshot persistence enabled")
	}

	var sig *signaling.Client
	if os.Getenv("REDIS_ADDR") != "" {
		sig, err = signaling.Connect(ctx)
		if err != nil {
			return err
		}
		defer sig.Close()
		cfg.Mirror = sig
	}

	sess := session.New(cfg)
	defer sess.Close()
	if err := sess.Restore(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/peer", peer.AcceptHandler(rt))
	srv := &http.Server{Addr: hostFlags.addr, Handler: middleware.RequestLogger(logger)(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("peer endpoint failed")
		}
	}()
	defer srv.Close()

	if sig != nil {
		err := sig.Advertise(ctx, sessionID, signaling.Advertisement{
			PeerID:   peerID,
			Target:   target,
			PostedAt: time.Now().UTC(),
		}, signaling.DefaultAdvertTTL)
		if err != nil {
			return err
		}
		defer func() { _ = sig.Withdraw(context.Background(), sessionID) }()
	}

	token, err := signaling.SignInvite(code, signaling.Invite{
		SessionID: sessionID,
		Role:      models.RoleGuest,
		Target:    target,
	}, signaling.DefaultInviteTTL)
	if err != nil {
		return err
	}
	fmt.Printf("session: %s\ncode:    %s\ninvite:  %s\n\n", sessionID, code, token)

	if sess.State().Phase == models.PhaseIdle {
		if _, err := sess.Dispatch(models.Action{
			Type:    models.ActionCreateLobby,
			ActorID: peerID,
			Name:    hostFlags.name,
			Grid:    grid,
		}); err != nil {
			return err
		}
	}

	return playLoop(sess, rt, peerID)
}

func loadGrid(path string) (*models.Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grid: %w", err)
	}
	grid := &models.Grid{}
	if err := json.Unmarshal(data, grid); err != nil {
		return nil, fmt.Errorf("parse grid %s: %w", path, err)
	}
	if grid.ID == uuid.Nil {
		grid.ID = uuid.New()
	}
	for i := range grid.Cards {
		if grid.Cards[i].ID == uuid.Nil {
			grid.Cards[i].ID = uuid.New()
		}
	}
	if len(grid.Cards) == 0 {
		return nil, fmt.Errorf("grid %s has no cards", path)
	}
	return grid, nil
}

func randomToken(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
