package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"classroom-sfu/server/internal/config"
	"classroom-sfu/server/internal/coordinator"
	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
	"classroom-sfu/server/internal/signaling"
)

type joinOptions struct {
	url    string
	token  string
	roomID string
}

// newJoinCmd joins a room as a mesh-mode participant without local media,
// which is handy for checking signaling and relay paths of a deployment.
func newJoinCmd(opts *rootOptions) *cobra.Command {
	var jo joinOptions
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room as a receive-only mesh participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return join(ctx, cfg, jo, log)
		},
	}
	cmd.Flags().StringVar(&jo.url, "url", "ws://localhost:8080/ws", "signaling websocket url")
	cmd.Flags().StringVar(&jo.token, "token", "", "participant token")
	cmd.Flags().StringVar(&jo.roomID, "room", "", "room to join")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func join(ctx context.Context, cfg config.Config, jo joinOptions, log *logger.Logger) error {
	id, err := coordinator.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer).Verify(jo.token)
	if err != nil {
		return errors.Wrap(err, "token")
	}

	client := signaling.NewClient(signaling.ClientConfig{
		URL:    jo.url,
		Token:  jo.token,
		RoomID: jo.roomID,
	}, log)
	mesh := signaling.NewMesh(signaling.MeshConfig{
		RoomID:    jo.roomID,
		LocalID:   id.ParticipantID,
		LocalRole: id.Role,
		Delay:     cfg.RenegotiationDelay,
	}, signaling.NewPionConnFactory(webrtc.Configuration{ICEServers: cfg.ICEServers()}),
		signaling.SignalerFunc(client.Send), log)
	defer mesh.Close()

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return ignoreCanceled(client.Run(gctx)) })
	eg.Go(func() error {
		for msg := range client.Messages() {
			switch msg.Type {
			case protocol.TypeClassEnded, protocol.TypeKicked, protocol.TypeRoomFailed:
				log.Info("SIGNALING", "Removed from room", map[string]interface{}{"reason": msg.Type, "roomId": jo.roomID})
				return errors.Errorf("removed from room: %s", msg.Type)
			case protocol.TypeError:
				if msg.Error != nil {
					log.Warn("SIGNALING", "Coordinator reported an error", map[string]interface{}{
						"code":      msg.Error.Code,
						"message":   msg.Error.Message,
						"requestId": msg.RequestID,
					})
				}
				continue
			}
			if err := mesh.HandleMessage(msg); err != nil {
				log.Warn("SIGNALING", "Failed to handle signaling message", map[string]interface{}{
					"type":  msg.Type,
					"error": err.Error(),
				})
			}
		}
		return nil
	})
	err = eg.Wait()
	_ = client.Close()
	return err
}
