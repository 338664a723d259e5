// Package txgen produces signed exchange traffic for devnets and load tests.
package txgen

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/transaction"
	"github.com/uhyunpark/hashclob/pkg/app/exchange"
	"github.com/uhyunpark/hashclob/pkg/crypto"
)

type Config struct {
	ChainID     uint64
	NumAccounts int    // simulated traders
	Seed        string // derives every key, so all nodes agree on genesis
	QuoteDenom  string
	MidPrice    uint64 // quote per lot
	Spread      uint64 // prices land in [MidPrice-Spread, MidPrice+Spread]
	MaxLots     uint64 // per order
}

func DefaultConfig(chainID uint64) Config {
	return Config{
		ChainID:     chainID,
		NumAccounts: 20,
		Seed:        "hashclob-devnet",
		QuoteDenom:  "usd",
		MidPrice:    100,
		Spread:      5,
		MaxLots:     10,
	}
}

// Generator signs instantiate, order and match txs. The admin key only
// sends instantiate and run_match; traders only place orders. Not safe for
// concurrent use.
type Generator struct {
	cfg     Config
	admin   *crypto.Signer
	traders []*crypto.Signer
	nonces  map[common.Address]uint64
	eip712  *crypto.EIP712Signer
	rng     *rand.Rand
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.NumAccounts <= 0 {
		return nil, fmt.Errorf("need at least one trader")
	}
	if cfg.MidPrice <= cfg.Spread {
		return nil, fmt.Errorf("spread %d must be below mid price %d", cfg.Spread, cfg.MidPrice)
	}
	if cfg.MaxLots == 0 {
		cfg.MaxLots = 1
	}

	admin, err := deriveKey(cfg.Seed, "admin")
	if err != nil {
		return nil, err
	}
	g := &Generator{
		cfg:    cfg,
		admin:  admin,
		nonces: make(map[common.Address]uint64),
		eip712: crypto.NewEIP712Signer(crypto.DefaultDomain(cfg.ChainID)),
		rng:    rand.New(rand.NewSource(seedInt(cfg.Seed))),
	}
	for i := 0; i < cfg.NumAccounts; i++ {
		key, err := deriveKey(cfg.Seed, fmt.Sprintf("trader-%d", i))
		if err != nil {
			return nil, err
		}
		g.traders = append(g.traders, key)
	}
	return g, nil
}

func deriveKey(seed, label string) (*crypto.Signer, error) {
	sk := ethcrypto.Keccak256([]byte(seed + "/" + label))
	return crypto.FromPrivateKeyHex(hex.EncodeToString(sk))
}

func seedInt(seed string) int64 {
	h := ethcrypto.Keccak256([]byte(seed))
	return int64(binary.BigEndian.Uint64(h[:8]) >> 1)
}

func (g *Generator) Admin() common.Address { return g.admin.Address() }

// Traders returns the trader addresses in derivation order.
func (g *Generator) Traders() []common.Address {
	out := make([]common.Address, len(g.traders))
	for i, t := range g.traders {
		out[i] = t.Address()
	}
	return out
}

// Genesis funds every trader with coins.
func (g *Generator) Genesis(coins core.Coins) []exchange.GenesisBalance {
	out := make([]exchange.GenesisBalance, len(g.traders))
	for i, t := range g.traders {
		out[i] = exchange.GenesisBalance{Address: t.Address(), Coins: append(core.Coins(nil), coins...)}
	}
	return out
}

// Resume continues every key from its committed nonce, e.g. after a
// restart.
func (g *Generator) Resume(nonceOf func(common.Address) (uint64, error)) error {
	for _, key := range append([]*crypto.Signer{g.admin}, g.traders...) {
		n, err := nonceOf(key.Address())
		if err != nil {
			return err
		}
		g.nonces[key.Address()] = n
	}
	return nil
}

func (g *Generator) Instantiate() ([]byte, error) {
	return g.sign(g.admin, &transaction.SignedTransaction{
		Type:        transaction.TxTypeInstantiate,
		Instantiate: &transaction.InstantiatePayload{QuoteDenom: g.cfg.QuoteDenom},
	})
}

func (g *Generator) Match() ([]byte, error) {
	return g.sign(g.admin, &transaction.SignedTransaction{Type: transaction.TxTypeRunMatch})
}

// Order signs a random buy or sell from a random trader. Buys attach
// exactly price*lots quote so the quantity divides evenly into lots.
func (g *Generator) Order() ([]byte, error) {
	trader := g.traders[g.rng.Intn(len(g.traders))]
	price := g.cfg.MidPrice - g.cfg.Spread + uint64(g.rng.Int63n(int64(2*g.cfg.Spread+1)))
	lots := 1 + uint64(g.rng.Int63n(int64(g.cfg.MaxLots)))

	// the next nonce is unique per trader, so the id is too
	id := fmt.Sprintf("gen-%x-%d", trader.Address().Bytes()[:4], g.nonces[trader.Address()]+1)
	tx := &transaction.SignedTransaction{Order: &transaction.OrderPayload{ID: id, Price: price}}
	if g.rng.Intn(2) == 0 {
		tx.Type = transaction.TxTypePlaceBuy
		tx.Funds = core.NewCoin(price*lots, g.cfg.QuoteDenom).String()
	} else {
		tx.Type = transaction.TxTypePlaceSell
		tx.Funds = core.NewCoin(lots*core.DefaultLotSize, core.BaseDenom).String()
	}
	return g.sign(trader, tx)
}

// Batch returns n orders.
func (g *Generator) Batch(n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		raw, err := g.Order()
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (g *Generator) sign(key *crypto.Signer, tx *transaction.SignedTransaction) ([]byte, error) {
	addr := key.Address()
	g.nonces[addr]++
	tx.Nonce = g.nonces[addr]
	if err := tx.Sign(g.eip712, key); err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", tx.Type, err)
	}
	return tx.Serialize()
}
