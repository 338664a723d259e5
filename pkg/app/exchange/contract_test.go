package exchange

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/account"
	"github.com/uhyunpark/hashclob/pkg/storage"
)

var (
	admin  = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	trader = common.HexToAddress("0x0000000000000000000000000000000000000001")
	other  = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func coins(t testing.TB, s string) core.Coins {
	t.Helper()
	cs, err := core.ParseCoins(s)
	require.NoError(t, err)
	return cs
}

func newContract(t testing.TB) (*Contract, *storage.Tx) {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	tx := db.Begin()
	t.Cleanup(func() {
		tx.Discard()
		db.Close()
	})
	return NewContract(tx, nil, nil), tx
}

func instantiated(t testing.TB) (*Contract, *storage.Tx) {
	t.Helper()
	c, tx := newContract(t)
	_, err := c.Instantiate(admin, "usd")
	require.NoError(t, err)
	return c, tx
}

func TestInstantiate(t *testing.T) {
	c, _ := newContract(t)

	_, err := c.Config()
	require.ErrorIs(t, err, core.ErrNotInstantiated)

	for _, denom := range []string{"", core.BaseDenom} {
		_, err := c.Instantiate(admin, denom)
		require.ErrorIs(t, err, core.ErrInvalidDenom, "denom %q", denom)
	}

	cfg, err := c.Instantiate(admin, "usd")
	require.NoError(t, err)
	require.Equal(t, admin, cfg.Admin)
	require.Equal(t, core.BaseDenom, cfg.BaseDenom)
	require.Equal(t, core.DefaultLotSize, cfg.LotSize)
	require.Equal(t, EscrowAddress, cfg.Escrow)

	_, err = c.Instantiate(trader, "eur")
	require.ErrorIs(t, err, core.ErrAlreadyInstantiated)

	got, err := c.Config()
	require.NoError(t, err)
	require.Equal(t, admin, got.Admin, "admin must not change")
	require.Equal(t, "usd", got.QuoteDenom)
}

func TestPlaceValidation(t *testing.T) {
	tests := []struct {
		name   string
		sender common.Address
		side   core.Side
		price  uint64
		funds  string
		want   error
	}{
		{"admin buy", admin, core.Buy, 1, "5usd", core.ErrUnauthorized},
		{"admin sell", admin, core.Sell, 1, "1000000000nhash", core.ErrUnauthorized},
		{"zero price", trader, core.Buy, 0, "5usd", core.ErrInvalidPrice},
		{"no funds", trader, core.Buy, 1, "", core.ErrNoFundsAttached},
		{"zero funds", trader, core.Sell, 1, "0nhash", core.ErrNoFundsAttached},
		{"two coins", trader, core.Buy, 1, "5usd,1nhash", core.ErrExcessFundsDenom},
		{"buy with base", trader, core.Buy, 1, "1000000000nhash", core.ErrWrongFundsDenom},
		{"sell with quote", trader, core.Sell, 1, "5usd", core.ErrWrongFundsDenom},
		// 1e9 is not divisible by 3
		{"buy indivisible", trader, core.Buy, 3, "1usd", core.ErrInvalidQuantity},
		// 3usd at 2 buys 1.5 lots
		{"buy fractional lot", trader, core.Buy, 2, "3usd", core.ErrInvalidLotSize},
		{"sell fractional lot", trader, core.Sell, 1, "1500000000nhash", core.ErrInvalidLotSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := instantiated(t)
			place := c.PlaceBuy
			if tt.side == core.Sell {
				place = c.PlaceSell
			}
			_, err := place(tt.sender, "o1", tt.price, coins(t, tt.funds), 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			ob, err := c.Orderbook()
			require.NoError(t, err)
			require.Empty(t, ob.Buys)
			require.Empty(t, ob.Sells)
		})
	}
}

func TestPlaceBeforeInstantiate(t *testing.T) {
	c, _ := newContract(t)
	_, err := c.PlaceBuy(trader, "b1", 1, coins(t, "5usd"), 1)
	require.ErrorIs(t, err, core.ErrNotInstantiated)
}

func TestPlaceOrders(t *testing.T) {
	c, _ := instantiated(t)

	buy, err := c.PlaceBuy(trader, "b1", 2, coins(t, "10usd"), 7)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000_000), buy.Quantity)
	require.Equal(t, int64(7), buy.Height)

	sell, err := c.PlaceSell(other, "b1", 3, coins(t, "2000000000nhash"), 7)
	require.NoError(t, err, "ids are unique per side")
	require.Greater(t, sell.Sequence, buy.Sequence)

	_, err = c.PlaceBuy(other, "b1", 1, coins(t, "1usd"), 8)
	require.ErrorIs(t, err, core.ErrDuplicateOrderID)

	ob, err := c.Orderbook()
	require.NoError(t, err)
	require.Len(t, ob.Buys, 1)
	require.Len(t, ob.Sells, 1)
	require.Equal(t, trader, ob.Buys[0].Owner)
}

func TestRunMatchRoles(t *testing.T) {
	c, _ := instantiated(t)

	_, _, err := c.RunMatch(trader, 1)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	matches, _, err := c.RunMatch(admin, 1)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestRunMatchRateLimit(t *testing.T) {
	c, _ := instantiated(t)

	_, _, err := c.RunMatch(admin, 5)
	require.NoError(t, err)
	_, _, err = c.RunMatch(admin, 5)
	require.ErrorIs(t, err, core.ErrMatchRateLimited)
	_, _, err = c.RunMatch(admin, 4)
	require.ErrorIs(t, err, core.ErrMatchRateLimited)
	_, _, err = c.RunMatch(admin, 6)
	require.NoError(t, err)
}

func TestRunMatchSettles(t *testing.T) {
	c, tx := instantiated(t)
	bank := account.NewLedger(tx)

	// funds are escrowed by the app before the contract runs
	require.NoError(t, bank.Mint(EscrowAddress, core.NewCoin(2_000_000_000, core.BaseDenom)))
	require.NoError(t, bank.Mint(EscrowAddress, core.NewCoin(6, "usd")))

	_, err := c.PlaceSell(other, "s1", 2, coins(t, "2000000000nhash"), 1)
	require.NoError(t, err)
	_, err = c.PlaceBuy(trader, "b1", 3, coins(t, "6usd"), 1)
	require.NoError(t, err)

	matches, _, err := c.RunMatch(admin, 2)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, uint64(2), matches[0].Price, "resting ask sets the price")
	require.Equal(t, "s1", matches[0].MakerID)

	acc, err := bank.Account(trader)
	require.NoError(t, err)
	require.Equal(t, uint64(2_000_000_000), acc.Balance(core.BaseDenom))
	require.Equal(t, uint64(2), acc.Balance("usd"), "price improvement refunded")

	seller, err := bank.Balance(other, "usd")
	require.NoError(t, err)
	require.Equal(t, uint64(4), seller)

	escrowed, err := bank.Balances(EscrowAddress)
	require.NoError(t, err)
	require.Empty(t, escrowed)
}
