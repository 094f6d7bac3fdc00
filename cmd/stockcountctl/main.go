package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockcount/cmd/stockcountctl/cli"
	"github.com/odyssey-erp/stockcount/internal/app"
	"github.com/odyssey-erp/stockcount/internal/cyclecount"
	"github.com/odyssey-erp/stockcount/internal/platform/db"
	"github.com/odyssey-erp/stockcount/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "stockcountctl: load config: %v\n", err)
		os.Exit(1)
	}

	root := cli.NewRootCommand(cli.Deps{
		OpenStore: func(ctx context.Context) (jobs.StuckPostLister, func(), error) {
			if !cfg.UsesPostgres() {
				return nil, nil, errors.New("stuck-posts requires STORE_DRIVER=postgres")
			}
			pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 2})
			if err != nil {
				return nil, nil, err
			}
			return cyclecount.NewRepository(pool), pool.Close, nil
		},
		OpenQueue: func() (cli.Queue, error) {
			return cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr}), nil
		},
	})

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, cli.ErrStuckPostsFound) {
			os.Exit(10)
		}
		_, _ = fmt.Fprintf(os.Stderr, "stockcountctl: %v\n", err)
		os.Exit(1)
	}
}
