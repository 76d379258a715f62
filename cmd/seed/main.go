// Seeds a fresh database with demo state: funded users, one cancelled order,
// three filled orders, and ten open orders on each side. Run before starting
// the node (both processes can't hold the pebble lock).
package main

import (
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/sahdex/sahdex/params"
	"github.com/sahdex/sahdex/pkg/events"
	"github.com/sahdex/sahdex/pkg/exchange"
	"github.com/sahdex/sahdex/pkg/storage"
	"github.com/sahdex/sahdex/pkg/token"
	"github.com/sahdex/sahdex/pkg/util"
)

// hardhat dev account 1
var user2 = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger()
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

	sah, _ := registry.BySymbol("SAH")
	meth, _ := registry.BySymbol("mETH")
	user1 := cfg.Node.Deployer
	amount := token.Units(10_000)

	// Fund user2 with mETH from the deployer's supply.
	must(logger, "transfer", meth.Transfer(user1, user2, amount))

	// Both users approve and deposit into custody.
	must(logger, "approve SAH", sah.Approve(user1, x.Address(), amount))
	must(logger, "deposit SAH", x.DepositToken(user1, sah.Address(), amount))
	must(logger, "approve mETH", meth.Approve(user2, x.Address(), amount))
	must(logger, "deposit mETH", x.DepositToken(user2, meth.Address(), amount))

	// One cancelled order.
	o, err := x.MakeOrder(user1, meth.Address(), token.Units(100), sah.Address(), token.Units(5))
	must(logger, "make order", err)
	must(logger, "cancel order", x.CancelOrder(user1, o.ID))

	// Three filled orders.
	fills := []struct{ get, give *big.Int }{
		{token.Units(100), token.Units(10)},
		{token.Units(50), token.Units(15)},
		{token.Units(200), token.Units(20)},
	}
	for _, f := range fills {
		o, err := x.MakeOrder(user1, meth.Address(), f.get, sah.Address(), f.give)
		must(logger, "make order", err)
		must(logger, "fill order", x.FillOrder(user2, o.ID))
	}

	// Ten open orders on each side.
	for i := int64(1); i <= 10; i++ {
		_, err := x.MakeOrder(user1, meth.Address(), token.Units(10*i), sah.Address(), token.Units(10))
		must(logger, "make order", err)
	}
	for i := int64(1); i <= 10; i++ {
		_, err := x.MakeOrder(user2, sah.Address(), token.Units(10), meth.Address(), token.Units(10*i))
		must(logger, "make order", err)
	}

	logger.Info("seed complete",
		zap.Int("orders", x.OrderCount()),
		zap.Uint64("events", elog.LastSeq()))
}

func must(logger *zap.Logger, step string, err error) {
	if err != nil {
		logger.Fatal(step, zap.Error(err))
	}
}
