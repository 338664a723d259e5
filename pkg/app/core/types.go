package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, fmt.Errorf("invalid side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy":
		*s = Buy
	case "sell":
		*s = Sell
	default:
		return fmt.Errorf("invalid side %q", b)
	}
	return nil
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side { return -s }

const (
	// BaseDenom is the native chain token traded on the book.
	BaseDenom = "nhash"
	// DefaultLotSize is one hash in nhash.
	DefaultLotSize uint64 = 1_000_000_000
)

// Order is a resting intent to trade. Quantity is the unfilled base amount.
type Order struct {
	ID       string         `json:"id"`
	Owner    common.Address `json:"owner"`
	Side     Side           `json:"side"`
	Price    uint64         `json:"price"`
	Quantity uint64         `json:"quantity"`
	Sequence uint64         `json:"sequence"`
	Height   int64          `json:"height"`
}

type Coin struct {
	Denom  string `json:"denom"`
	Amount uint64 `json:"amount"`
}

func NewCoin(amount uint64, denom string) Coin { return Coin{Denom: denom, Amount: amount} }

func (c Coin) String() string { return fmt.Sprintf("%d%s", c.Amount, c.Denom) }

// Coins is an ordered set of coins attached to a transaction.
type Coins []Coin

// String renders coins in canonical form: sorted by denom, comma separated.
func (cs Coins) String() string {
	sorted := append(Coins(nil), cs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Denom < sorted[j].Denom })
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// ParseCoins parses "10usd,5nhash". An empty string yields no coins.
func ParseCoins(s string) (Coins, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out Coins
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		i := 0
		for i < len(part) && part[i] >= '0' && part[i] <= '9' {
			i++
		}
		if i == 0 || i == len(part) {
			return nil, fmt.Errorf("invalid coin %q", part)
		}
		amt, err := strconv.ParseUint(part[:i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid coin amount %q: %w", part, err)
		}
		out = append(out, Coin{Denom: part[i:], Amount: amt})
	}
	return out, nil
}
