package params

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/exchange"
	"github.com/uhyunpark/hashclob/pkg/crypto"
)

type Chain struct {
	ChainID uint64
	// BlockTime is the sequencer's block interval. Empty blocks are still
	// produced so the match rate limit keeps advancing.
	BlockTime time.Duration
}

type Sequencer struct {
	// Enabled makes this node the block producer.
	Enabled bool
	// ID is the node id every follower expects as proposer.
	ID string
	// Seed derives the BLS sealing key on the sequencer. Followers can use
	// the same seed in devnet instead of PubKey.
	Seed string
	// PubKey is the hex BLS public key followers verify seals with.
	PubKey string
}

type Node struct {
	ID        string
	DataDir   string
	LogFile   string
	APIAddr   string
	Listen    string // libp2p multiaddr
	Bootstrap []string
	Verbose   bool
}

// Genesis holds the raw genesis settings; see BuildGenesis for the formats.
type Genesis struct {
	RestrictedDenoms    []string
	MarkerRequiredAttrs string
	Balances            string
	Attributes          string
	Frozen              string
}

type Config struct {
	Chain     Chain
	Sequencer Sequencer
	Node      Node
	Genesis   Genesis
}

func Default() Config {
	return Config{
		Chain: Chain{
			ChainID:   1337,
			BlockTime: time.Second,
		},
		Sequencer: Sequencer{
			Enabled: true,
			ID:      "sequencer",
		},
		Node: Node{
			ID:      "sequencer",
			DataDir: "data",
			LogFile: "data/node.log",
			APIAddr: ":8080",
			Listen:  "/ip4/0.0.0.0/tcp/9000",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// .env is optional
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if id := os.Getenv("CHAIN_ID"); id != "" {
		if v, err := strconv.ParseUint(id, 10, 64); err == nil {
			cfg.Chain.ChainID = v
		}
	}
	if bt := os.Getenv("NODE_BLOCK_TIME_MS"); bt != "" {
		if ms, err := strconv.Atoi(bt); err == nil && ms > 0 {
			cfg.Chain.BlockTime = time.Duration(ms) * time.Millisecond
		}
	}

	if seq := os.Getenv("SEQUENCER"); seq != "" {
		cfg.Sequencer.Enabled = seq == "true"
	}
	cfg.Sequencer.ID = getEnv("SEQUENCER_ID", cfg.Sequencer.ID)
	cfg.Sequencer.Seed = getEnv("SEQUENCER_SEED", cfg.Sequencer.Seed)
	cfg.Sequencer.PubKey = getEnv("SEQUENCER_PUBKEY", cfg.Sequencer.PubKey)

	cfg.Node.ID = getEnv("NODE_ID", cfg.Node.ID)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.Listen = getEnv("LISTEN", cfg.Node.Listen)
	if peers := os.Getenv("BOOTSTRAP_PEERS"); peers != "" {
		cfg.Node.Bootstrap = splitList(peers, ",")
	}
	cfg.Node.Verbose = os.Getenv("VERBOSE") == "true"

	if denoms := os.Getenv("RESTRICTED_DENOMS"); denoms != "" {
		cfg.Genesis.RestrictedDenoms = splitList(denoms, ",")
	}
	cfg.Genesis.MarkerRequiredAttrs = getEnv("MARKER_REQUIRED_ATTRS", cfg.Genesis.MarkerRequiredAttrs)
	cfg.Genesis.Balances = getEnv("GENESIS_BALANCES", cfg.Genesis.Balances)
	cfg.Genesis.Attributes = getEnv("GENESIS_ATTRIBUTES", cfg.Genesis.Attributes)
	cfg.Genesis.Frozen = getEnv("GENESIS_FROZEN", cfg.Genesis.Frozen)

	return cfg
}

// Signer derives the BLS sealing key from Seed. A 0x prefix marks a hex
// seed; anything else is used as raw bytes.
func (s Sequencer) Signer() (*crypto.BLSSigner, error) {
	if s.Seed == "" {
		return nil, errors.New("SEQUENCER_SEED is not set")
	}
	seed := []byte(s.Seed)
	if strings.HasPrefix(s.Seed, "0x") {
		var err error
		if seed, err = hex.DecodeString(s.Seed[2:]); err != nil {
			return nil, fmt.Errorf("SEQUENCER_SEED: %w", err)
		}
	}
	return crypto.NewBLSSignerFromSeed(seed)
}

// VerifyKey returns the key followers check seals against: PubKey when set,
// otherwise the key derived from Seed.
func (s Sequencer) VerifyKey() (*crypto.BLSPubKey, error) {
	if s.PubKey == "" {
		signer, err := s.Signer()
		if err != nil {
			return nil, fmt.Errorf("need SEQUENCER_PUBKEY or SEQUENCER_SEED: %w", err)
		}
		return signer.Pubkey(), nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s.PubKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("SEQUENCER_PUBKEY: %w", err)
	}
	return crypto.ParseBLSPubKey(raw)
}

// BuildGenesis turns the raw settings into the app genesis.
//
//	RESTRICTED_DENOMS      usd,eur
//	MARKER_REQUIRED_ATTRS  usd=kyc.passport,usd=kyc.residency
//	GENESIS_BALANCES       0xabc...:10000000000nhash,100usd;0xdef...:50usd
//	GENESIS_ATTRIBUTES     0xabc...=kyc.passport,0xdef...=kyc.passport
//	GENESIS_FROZEN         usd=0xdef...
//
// Markers come out sorted by denom so every node builds the same registry.
func (g Genesis) BuildGenesis() (exchange.Genesis, error) {
	var out exchange.Genesis

	required, err := parsePairs(g.MarkerRequiredAttrs)
	if err != nil {
		return out, fmt.Errorf("MARKER_REQUIRED_ATTRS: %w", err)
	}
	frozen, err := parsePairs(g.Frozen)
	if err != nil {
		return out, fmt.Errorf("GENESIS_FROZEN: %w", err)
	}
	denoms := append([]string(nil), g.RestrictedDenoms...)
	for denom := range required {
		if !slices.Contains(denoms, denom) {
			return out, fmt.Errorf("MARKER_REQUIRED_ATTRS: %s is not a restricted denom", denom)
		}
	}
	for denom, addrs := range frozen {
		if !slices.Contains(denoms, denom) {
			return out, fmt.Errorf("GENESIS_FROZEN: %s is not a restricted denom", denom)
		}
		for _, a := range addrs {
			if !common.IsHexAddress(a) {
				return out, fmt.Errorf("GENESIS_FROZEN: bad address %q", a)
			}
		}
	}
	slices.Sort(denoms)
	for _, denom := range denoms {
		if denom == core.BaseDenom {
			return out, fmt.Errorf("RESTRICTED_DENOMS: %s cannot be restricted", denom)
		}
		spec := exchange.MarkerSpec{Denom: denom, RequiredAttributes: required[denom]}
		for _, a := range frozen[denom] {
			spec.Frozen = append(spec.Frozen, common.HexToAddress(a))
		}
		out.Markers = append(out.Markers, spec)
	}

	for _, entry := range splitList(g.Balances, ";") {
		addr, coins, ok := strings.Cut(entry, ":")
		if !ok || !common.IsHexAddress(strings.TrimSpace(addr)) {
			return out, fmt.Errorf("GENESIS_BALANCES: bad entry %q", entry)
		}
		parsed, err := core.ParseCoins(strings.TrimSpace(coins))
		if err != nil {
			return out, fmt.Errorf("GENESIS_BALANCES: %w", err)
		}
		out.Balances = append(out.Balances, exchange.GenesisBalance{
			Address: common.HexToAddress(strings.TrimSpace(addr)),
			Coins:   parsed,
		})
	}

	attrs, err := parsePairs(g.Attributes)
	if err != nil {
		return out, fmt.Errorf("GENESIS_ATTRIBUTES: %w", err)
	}
	for addr, list := range attrs {
		if !common.IsHexAddress(addr) {
			return out, fmt.Errorf("GENESIS_ATTRIBUTES: bad address %q", addr)
		}
		if out.Attributes == nil {
			out.Attributes = make(map[common.Address][]string)
		}
		a := common.HexToAddress(addr)
		out.Attributes[a] = append(out.Attributes[a], list...)
	}
	return out, nil
}

// parsePairs reads "k=v,k=v2" into k -> [v, v2].
func parsePairs(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, pair := range splitList(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("bad pair %q", pair)
		}
		out[k] = append(out[k], v)
	}
	return out, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
