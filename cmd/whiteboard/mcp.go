package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"whiteboard/internal/config"
	mcpserver "whiteboard/internal/mcp"
)

func newMCPCmd(a *app) *cobra.Command {
	var flags joinFlags

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Join a board and expose it to an AI agent over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := a.cfg.Client
			if cc.Name == config.Default().Client.Name {
				cc.Name = "agent"
			}
			flags.apply(&cc)

			p, err := a.connect(cc)
			if err != nil {
				return fmt.Errorf("mcp %s: %w", cc.Board, err)
			}
			a.watchConfig(cmd.Context(), func(cfg config.Config) {
				p.sess.SetCursorTTL(cfg.Client.CursorTTL)
			})
			p.run(cmd.Context(), a.log.For("mcp"))

			return mcpserver.New(p.sess, a.log.For("mcp")).ServeStdio()
		},
	}
	flags.register(cmd)
	return cmd
}
