package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/pulsefeed/grouper/internal/adjudicate"
	"github.com/pulsefeed/grouper/internal/grouping"
	"github.com/pulsefeed/grouper/internal/labeler"
	"github.com/pulsefeed/grouper/internal/store"
	"github.com/pulsefeed/grouper/pkg/anthropic"
)

// openStore connects the configured backend and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "parse database url")
		}
		if cfg.Store.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Store.MaxConns
		}
		if cfg.Store.MinConns > 0 {
			poolCfg.MinConns = cfg.Store.MinConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, eris.Wrap(err, "connect postgres")
		}
		st = store.NewPostgres(pool)
	default:
		sqlite, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = sqlite
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// newEngine wires the batch engine with its Claude-backed adjudicator and
// labeler. The adjudicator is returned as well so callers can warm the
// prompt cache before a run.
func newEngine(st store.Store) (*grouping.Engine, *adjudicate.Adjudicator) {
	client := anthropic.NewClient(cfg.Anthropic.Key)
	adj := adjudicate.New(client, cfg.Anthropic)
	lab := labeler.New(client, cfg.Anthropic)
	return grouping.NewEngine(st, adj, lab, cfg), adj
}
