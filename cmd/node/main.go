package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hashclob/params"
	"github.com/uhyunpark/hashclob/pkg/abci"
	"github.com/uhyunpark/hashclob/pkg/api"
	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/matching"
	"github.com/uhyunpark/hashclob/pkg/app/exchange"
	"github.com/uhyunpark/hashclob/pkg/app/txgen"
	"github.com/uhyunpark/hashclob/pkg/consensus"
	"github.com/uhyunpark/hashclob/pkg/p2p"
	"github.com/uhyunpark/hashclob/pkg/storage"
	"github.com/uhyunpark/hashclob/pkg/util"
)

func main() {
	// "" means load .env from the current directory
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Genesis ----
	genesis, err := cfg.Genesis.BuildGenesis()
	if err != nil {
		return err
	}

	// Devnet traffic: ENABLE_TXGEN=true TXGEN_MODE=default|high
	var gen *txgen.Generator
	if os.Getenv("ENABLE_TXGEN") == "true" {
		gen, err = txgen.NewGenerator(txgen.DefaultConfig(cfg.Chain.ChainID))
		if err != nil {
			return err
		}
		genesis.Balances = append(genesis.Balances, gen.Genesis(core.Coins{
			core.NewCoin(1_000_000*core.DefaultLotSize, core.BaseDenom),
			core.NewCoin(100_000_000, "usd"),
		})...)
	}

	// ---- Storage ----
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}
	stateDB, err := storage.Open(filepath.Join(cfg.Node.DataDir, "state"))
	if err != nil {
		return err
	}
	defer stateDB.Close()
	blocks, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "blocks"))
	if err != nil {
		return err
	}
	defer blocks.Close()
	walPath := filepath.Join(cfg.Node.DataDir, "consensus.wal")
	if last, ok, err := storage.CheckWAL(walPath, blocks); err != nil {
		return err
	} else if ok {
		sugar.Infow("wal_resume", "height", last.Height, "hash", last.Hash.String())
	}
	wal, err := storage.NewFileWAL(walPath)
	if err != nil {
		return err
	}
	defer wal.Close()

	// ---- App ----
	app, err := exchange.NewApp(stateDB, exchange.Options{
		ChainID: cfg.Chain.ChainID,
		Genesis: genesis,
		Logger:  sugar.Named("exchange"),
	})
	if err != nil {
		return err
	}
	bridge := &abci.Bridge{App: app}

	// ---- Network ----
	selfID := consensus.NodeID(cfg.Node.ID)
	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.Node.Listen,
		Bootstrap:  cfg.Node.Bootstrap,
		SelfID:     selfID,
		Logger:     sugar.Named("p2p"),
	})
	if err != nil {
		return err
	}
	defer net.Close()
	net.SetBlockSource(blocks)
	sugar.Infow("p2p_addrs", "addrs", net.Addrs())

	// ---- Consensus ----
	ccfg := consensus.Config{
		ID:        selfID,
		Sequencer: consensus.NodeID(cfg.Sequencer.ID),
		BlockTime: cfg.Chain.BlockTime,
	}
	if cfg.Sequencer.Enabled {
		if selfID != ccfg.Sequencer {
			return errors.New("SEQUENCER=true requires NODE_ID to equal SEQUENCER_ID")
		}
		if ccfg.Signer, err = cfg.Sequencer.Signer(); err != nil {
			return err
		}
	} else if ccfg.SequencerKey, err = cfg.Sequencer.VerifyKey(); err != nil {
		return err
	}

	engine, err := consensus.NewEngine(ccfg, bridge, net, blocks)
	if err != nil {
		return err
	}
	engine.Logger = sugar.Named("consensus")
	engine.WAL = wal
	engine.VerboseLogging = cfg.Node.Verbose

	// Client txs: the sequencer queues them, followers check and gossip
	// them to the sequencer.
	submit := func(ctx context.Context, raw []byte) error { return app.PushTx(raw) }
	if cfg.Sequencer.Enabled {
		net.SetTxHandler(func(raw []byte) {
			if err := app.PushTx(raw); err != nil {
				sugar.Debugw("gossiped_tx_rejected", "err", err)
			}
		})
	} else {
		submit = func(ctx context.Context, raw []byte) error {
			if err := app.CheckTx(raw); err != nil {
				return err
			}
			return net.PublishTx(ctx, raw)
		}
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, api.Options{Logger: sugar.Named("api"), Submit: submit})
	app.OnMatch(func(height int64, m matching.Match) { apiServer.BroadcastMatch(height, m) })
	app.OnCommit(func(height int64) { apiServer.BroadcastOrderbook(height) })

	errCh := make(chan error, 2)
	go func() { errCh <- apiServer.Start(ctx, cfg.Node.APIAddr) }()

	if gen != nil {
		if err := gen.Resume(func(addr common.Address) (uint64, error) {
			acc, err := app.Account(addr)
			if err != nil {
				return 0, err
			}
			return acc.Nonce, nil
		}); err != nil {
			return err
		}
		feederCfg := txgen.DefaultFeederConfig()
		if os.Getenv("TXGEN_MODE") == "high" {
			feederCfg = txgen.HighLoadConfig()
		}
		cancelFeeder := txgen.StartFeeder(ctx, gen, func(raw []byte) error { return submit(ctx, raw) }, feederCfg, sugar.Named("txgen"))
		defer cancelFeeder()
	}

	sugar.Infow("node_starting",
		"id", selfID,
		"sequencer", cfg.Sequencer.ID,
		"is_sequencer", engine.IsSequencer(),
		"chain_id", cfg.Chain.ChainID,
		"block_time_ms", cfg.Chain.BlockTime.Milliseconds(),
		"head", engine.Head().Height,
	)
	go func() { errCh <- engine.Run(ctx) }()

	// Progress logging loop
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			st := app.Status()
			sugar.Infow("node_progress",
				"height", engine.Head().Height,
				"app_height", st.Height,
				"mempool", st.MempoolSize,
				"peers", len(net.Host().Network().Peers()),
			)
		}
	}
}
