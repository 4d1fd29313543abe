package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/racegate/internal/attack"
	"github.com/vk/racegate/internal/ctxlog"
	"github.com/vk/racegate/internal/engine"
	"github.com/vk/racegate/internal/script"
	"github.com/vk/racegate/internal/table"
)

// Run loads the attack script, runs it and writes the report.
func (a *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if err := a.startHealthCheckServer(); err != nil {
		return err
	}
	defer a.closeHealthCheckServer()

	s, err := script.Load(ctx, a.config.ScriptPath)
	if err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	tbl, err := a.openTable(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tbl.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close results table: %w", cerr))
		}
	}()

	a.logger.Info("🎯 Attacking target", "endpoint", s.Target.Endpoint, "method", s.Template.Method(), "queues", len(s.Queues))
	summary, err := attack.Run(ctx, s, tbl, attack.WithObserver(func(e *engine.Engine) { a.current.Store(e) }))
	if err != nil {
		return err
	}

	records, err := tbl.Records(ctx)
	if err != nil {
		return fmt.Errorf("failed to read results: %w", err)
	}
	if !a.config.ShowResponse {
		for i := range records {
			records[i].Response = ""
		}
	}

	format, err := table.ParseFormat(a.config.Output)
	if err != nil {
		return err
	}
	if err := table.Render(a.outW, table.Report{Summary: summary, Records: records}, format); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	a.logger.Debug("App.Run method finished.")
	return nil
}

func (a *App) openTable(ctx context.Context, s *script.Script) (table.Table, error) {
	opts := []table.Option{table.WithExtract(s.Output.Extract...)}
	if a.config.DBPath == "" {
		return table.NewMemory(opts...), nil
	}

	db, err := table.OpenSQLite(ctx, a.config.DBPath, opts...)
	if err != nil {
		return nil, err
	}
	a.logger.Info("💾 Recording results", "db", a.config.DBPath, "run", db.RunID())
	return db, nil
}
