package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"whiteboard/internal/server"
	"whiteboard/internal/storage"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, driver, dsn, redisAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authority: websocket hub, REST loaders and persistence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if driver != "" {
				cfg.Storage.Driver = driver
			}
			if dsn != "" {
				cfg.Storage.DSN = dsn
			}
			if redisAddr != "" {
				cfg.Redis.Addr = redisAddr
			}
			log := a.log.For("serve")

			db, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer db.Close()
			log.Infof("storage: %s", cfg.Storage.Driver)

			opts := server.Options{
				Store: server.Persistence{
					Elements: storage.NewElementStore(db),
					Groups:   storage.NewGroupStore(db),
					Boards:   storage.NewBoardStore(db),
				},
				IdleTimeout:  cfg.Server.IdleTimeout,
				Housekeeping: cfg.Server.Housekeeping,
				Logger:       a.log.For("server"),
			}

			if cfg.Redis.Addr != "" {
				rdb := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer rdb.Close()
				if err := rdb.Ping(cmd.Context()).Err(); err != nil {
					return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
				}
				opts.Relay = server.NewRelay(rdb, cfg.Redis.Channel, a.log.For("relay"))
				log.Infof("cursor relay on %s (%s)", cfg.Redis.Addr, cfg.Redis.Channel)
			}

			a.watchConfig(cmd.Context(), nil)
			return server.New(opts).ListenAndServe(cmd.Context(), cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&driver, "driver", "", "storage driver: sqlite, postgres or mysql")
	cmd.Flags().StringVar(&dsn, "dsn", "", "storage DSN")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address for the cursor relay")
	return cmd
}
