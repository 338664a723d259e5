package txgen

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FeederConfig controls transaction generation rate
type FeederConfig struct {
	BatchSize  int           // orders per tick
	Interval   time.Duration // how often to generate batches
	MatchEvery int           // ticks between run_match txs, 0 disables
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		BatchSize:  10,
		Interval:   500 * time.Millisecond,
		MatchEvery: 2,
	}
}

// HighLoadConfig is for stress testing the book.
func HighLoadConfig() FeederConfig {
	return FeederConfig{
		BatchSize:  200,
		Interval:   100 * time.Millisecond,
		MatchEvery: 10,
	}
}

// StartFeeder instantiates the book and then keeps pushing signed orders
// and periodic matches through push until ctx ends or the returned cancel
// func is called.
func StartFeeder(ctx context.Context, gen *Generator, push func([]byte) error, cfg FeederConfig, logger *zap.SugaredLogger) context.CancelFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFeederConfig().Interval
	}
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		start := time.Now()
		total, rejected, ticks := 0, 0, 0
		send := func(raw []byte, err error) {
			if err == nil {
				err = push(raw)
			}
			if err != nil {
				rejected++
				logger.Debugw("txgen_push_failed", "err", err)
				return
			}
			total++
		}

		send(gen.Instantiate())
		logger.Infow("txgen_started", "batch", cfg.BatchSize, "interval", cfg.Interval, "traders", len(gen.traders), "admin", gen.Admin().Hex())

		for {
			select {
			case <-feedCtx.Done():
				elapsed := time.Since(start)
				logger.Infow("txgen_stopped",
					"txs", total,
					"rejected", rejected,
					"elapsed", elapsed.Round(time.Second),
					"tps", float64(total)/elapsed.Seconds(),
				)
				return

			case <-ticker.C:
				ticks++
				for i := 0; i < cfg.BatchSize; i++ {
					send(gen.Order())
				}
				if cfg.MatchEvery > 0 && ticks%cfg.MatchEvery == 0 {
					send(gen.Match())
				}
				if ticks%100 == 0 {
					logger.Infow("txgen_stats", "txs", total, "rejected", rejected, "tps", float64(total)/time.Since(start).Seconds())
				}
			}
		}
	}()

	return cancel
}
