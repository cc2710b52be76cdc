package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/internal/validation"
)

// runtime bundles what every command builds from a Config.
type runtime struct {
	logger *slog.Logger
	level  *slog.LevelVar
	store  *store.LibSQLStore // nil when no db path is configured
	engine *engine.Engine
}

func newLogger(cfg Config) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(logging.ParseLevel(cfg.LogLevel))
	return logging.NewLeveled(os.Stderr, lv, cfg.LogFormat), lv
}

// buildRuntime opens the store when withStore is set and a path is
// configured, then creates the engine on top of it.
func buildRuntime(ctx context.Context, cfg Config, withStore bool) (*runtime, error) {
	logger, lv := newLogger(cfg)
	rt := &runtime{logger: logger, level: lv}

	docs, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithDocumentChecker(docs),
		engine.WithInputValidator(docs),
	}

	if withStore && cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		st, err := store.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		rt.store = st
		opts = append(opts, engine.WithStore(st))
		logger.Info("result store opened", "path", cfg.DBPath)
	}

	eng, err := engine.New(nil, opts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.engine = eng
	return rt, nil
}

func (rt *runtime) close() {
	if rt.engine != nil {
		_ = rt.engine.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("close store", "error", err)
		}
	}
}
