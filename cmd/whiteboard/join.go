package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"whiteboard/internal/board"
	"whiteboard/internal/config"
	"whiteboard/internal/protocol"
	"whiteboard/internal/session"
	"whiteboard/internal/transport"
)

type joinFlags struct {
	url, board, name string
}

func (f *joinFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "authority websocket URL (default from config)")
	cmd.Flags().StringVarP(&f.board, "board", "b", "", "board id (default from config)")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "participant name (default from config)")
}

func (f *joinFlags) apply(cfg *config.ClientConfig) {
	if f.url != "" {
		cfg.URL = f.url
	}
	if f.board != "" {
		cfg.Board = f.board
	}
	if f.name != "" {
		cfg.Name = f.name
	}
}

// logEmitter writes session events to the log.
type logEmitter struct{ log *zap.SugaredLogger }

func (e logEmitter) Emit(_ context.Context, event string, data any) {
	e.log.Infow(event, "data", data)
}

// participant is a session bound to a reconnecting websocket client.
type participant struct {
	sess   *session.Session
	client *transport.Client
}

// connect builds the session and its transport. Every (re)connection
// rejoins the board, which also re-sends creates that never left.
func (a *app) connect(cc config.ClientConfig) (*participant, error) {
	base, err := transport.HTTPBase(cc.URL)
	if err != nil {
		return nil, err
	}

	var sess *session.Session
	client, err := transport.NewClient(transport.Options{
		URL:          cc.URL,
		BoardID:      cc.Board,
		Name:         cc.Name,
		ReconnectMax: cc.ReconnectMax,
		Logger:       a.log.For("transport"),
	}, func(env protocol.Envelope) { sess.Handle(env) })
	if err != nil {
		return nil, err
	}

	sess, err = session.New(session.Config{
		BoardID:         cc.Board,
		ParticipantName: cc.Name,
		HitTolerancePx:  cc.HitTolerancePx,
		HistoryLimit:    cc.HistoryLimit,
		CursorTTL:       cc.CursorTTL,
		CursorInterval:  cc.CursorInterval,
		ResyncAttempts:  cc.ResyncAttempts,
		ResyncInterval:  cc.ResyncInterval,
		Logger:          a.log.For("session"),
		Emitter:         logEmitter{a.log.For("events")},
	}, client, transport.NewHTTPLoader(base))
	if err != nil {
		return nil, err
	}
	return &participant{sess: sess, client: client}, nil
}

// run keeps the participant connected until ctx is done.
func (p *participant) run(ctx context.Context, log *zap.SugaredLogger) {
	p.client.OnState(func(st transport.State) {
		if st != transport.StateConnected {
			return
		}
		go func() {
			if err := p.sess.Join(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("join: %v", err)
			}
		}()
	})
	go func() {
		if err := p.client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("transport stopped: %v", err)
		}
	}()
}

func newJoinCmd(a *app) *cobra.Command {
	var flags joinFlags

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a board as a headless participant and log its changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := a.cfg.Client
			flags.apply(&cc)
			log := a.log.For("join")

			p, err := a.connect(cc)
			if err != nil {
				return fmt.Errorf("join %s: %w", cc.Board, err)
			}
			unsubscribe := p.sess.Subscribe(func(c board.Change) {
				if c.Kind == board.ChangeSelection {
					return
				}
				log.Debugw("change", "kind", c.Kind, "id", c.ID, "prev", c.PrevID, "origin", c.Origin)
			})
			defer unsubscribe()

			a.watchConfig(cmd.Context(), func(cfg config.Config) {
				p.sess.SetCursorTTL(cfg.Client.CursorTTL)
			})
			p.run(cmd.Context(), log)
			log.Infof("joining board %s at %s as %s", cc.Board, cc.URL, cc.Name)

			<-cmd.Context().Done()
			log.Infof("left board %s with %d element(s)", cc.Board, len(p.sess.Elements()))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
