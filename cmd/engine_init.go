package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/engine"
	"github.com/sells-group/evidence-engine/internal/store"
)

// engineEnv holds the store and the engine used by the cycle, pattern,
// snapshot and serve commands.
type engineEnv struct {
	Store  store.Store
	Engine *engine.Engine
}

// Close releases resources held by the engine environment.
func (ee *engineEnv) Close() {
	if ee.Store != nil {
		_ = ee.Store.Close()
	}
}

// initEngine validates the config for mode, opens the store and restores the
// active snapshot. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	eng := engine.New(cfg, st)
	if err := eng.Load(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init engine")
	}

	zap.L().Debug("engine initialized",
		zap.String("driver", cfg.Store.Driver),
		zap.String("mode", mode),
	)
	return &engineEnv{Store: st, Engine: eng}, nil
}
