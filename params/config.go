package params

import (
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// TokenConfig describes one token ledger minted at node start.
type TokenConfig struct {
	Name          string
	Symbol        string
	InitialSupply *big.Int // whole tokens; scaled by 18 decimals at mint
}

// Exchange holds the custody engine parameters.
type Exchange struct {
	// FeeBps is the fill fee in basis points, charged on the tokenGive leg.
	// 100 = 1%.
	FeeBps int64
	// FeeAccount receives the fee. Zero address means the deployer.
	FeeAccount common.Address
}

type Node struct {
	APIAddr string // REST/WS listen address
	DBPath  string // pebble database directory
	LogPath string // optional log file ("" = stdout only)
	// Deployer receives every token's initial supply at mint.
	Deployer common.Address
}

type Config struct {
	Tokens   []TokenConfig
	Exchange Exchange
	Node     Node
}

func Default() Config {
	return Config{
		Tokens: []TokenConfig{
			{Name: "Saurabh", Symbol: "SAH", InitialSupply: big.NewInt(1_000_000)},
			{Name: "Mock Ether", Symbol: "mETH", InitialSupply: big.NewInt(1_000_000)},
			{Name: "Mock Dai", Symbol: "mDAI", InitialSupply: big.NewInt(1_000_000)},
		},
		Exchange: Exchange{
			FeeBps: 100, // 1%
		},
		Node: Node{
			APIAddr: ":8080",
			DBPath:  "data/sahdex.db",
			LogPath: "",
			// hardhat dev account 0
			Deployer: common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and environment
// variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil && bps >= 0 {
			cfg.Exchange.FeeBps = bps
		}
	}
	if v := os.Getenv("FEE_ACCOUNT"); v != "" && common.IsHexAddress(v) {
		cfg.Exchange.FeeAccount = common.HexToAddress(v)
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogPath = v
	}
	if v := os.Getenv("DEPLOYER"); v != "" && common.IsHexAddress(v) {
		cfg.Node.Deployer = common.HexToAddress(v)
	}
	if v := os.Getenv("TOKEN_SUPPLY"); v != "" {
		if n, ok := new(big.Int).SetString(v, 10); ok && n.Sign() > 0 {
			for i := range cfg.Tokens {
				cfg.Tokens[i].InitialSupply = new(big.Int).Set(n)
			}
		}
	}

	return cfg
}
