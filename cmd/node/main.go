package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/sahdex/sahdex/params"
	"github.com/sahdex/sahdex/pkg/api"
	"github.com/sahdex/sahdex/pkg/events"
	"github.com/sahdex/sahdex/pkg/exchange"
	"github.com/sahdex/sahdex/pkg/indexer"
	"github.com/sahdex/sahdex/pkg/storage"
	"github.com/sahdex/sahdex/pkg/token"
	"github.com/sahdex/sahdex/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("") // "" means load .env from current directory

	var logger *zap.Logger
	var err error
	if cfg.Node.LogPath != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogPath)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	db, err := storage.Open(cfg.Node.DBPath)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	elog, err := events.NewLog(db)
	if err != nil {
		logger.Fatal("open event log", zap.Error(err))
	}

	// Token ledgers: minted to the deployer on first boot, restored after.
	tokenStore := token.NewStore(db)
	registry := token.NewRegistry()
	for _, tc := range cfg.Tokens {
		t, err := token.New(tc.Name, tc.Symbol, tc.InitialSupply, cfg.Node.Deployer, elog, tokenStore, logger)
		if err != nil {
			logger.Fatal("init token", zap.String("symbol", tc.Symbol), zap.Error(err))
		}
		registry.Add(t)
	}

	feeAccount := cfg.Exchange.FeeAccount
	if feeAccount == (common.Address{}) {
		feeAccount = cfg.Node.Deployer
	}

	x, err := exchange.New(exchange.Options{
		FeeBps:     cfg.Exchange.FeeBps,
		FeeAccount: feeAccount,
		Ledgers:    exchange.NewRegistryResolver(registry),
		Events:     elog,
		Store:      exchange.NewStore(db),
		Logger:     logger,
		Clock:      util.RealClock{},
	})
	if err != nil {
		logger.Fatal("init exchange", zap.Error(err))
	}

	logger.Info("exchange ready",
		zap.String("engine", x.Address().Hex()),
		zap.String("feeAccount", feeAccount.Hex()),
		zap.Int64("feeBps", cfg.Exchange.FeeBps))

	// Indexer rebuilds its views from genesis and follows the live stream.
	idx := indexer.New()
	sub, err := elog.SubscribeFrom(1)
	if err != nil {
		logger.Fatal("subscribe indexer", zap.Error(err))
	}
	go idx.Run(sub)

	srv := api.NewServer(x, registry, idx, elog, db, logger)
	go func() {
		if err := srv.Start(cfg.Node.APIAddr); err != nil {
			logger.Fatal("api server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	sub.Close()
}
