package api

import (
	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/orderbook"
	"github.com/uhyunpark/hashclob/pkg/app/core/settlement"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// OrderInfo is a resting order as served to clients
type OrderInfo struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Side     string `json:"side"` // "buy" or "sell"
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"` // remaining base quantity
	Sequence uint64 `json:"sequence"` // time priority, lower rests longer
	Height   int64  `json:"height"`   // block the order was placed in
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Buys   []OrderInfo            `json:"buys"`  // priority order
	Sells  []OrderInfo            `json:"sells"` // priority order
	Bids   []orderbook.PriceLevel `json:"bids"`  // sorted high to low
	Asks   []orderbook.PriceLevel `json:"asks"`  // sorted low to high
	Height int64                  `json:"height"`
}

// BalancesInfo is an account's spendable coins and last used nonce
type BalancesInfo struct {
	Address  string     `json:"address"`
	Nonce    uint64     `json:"nonce"`
	Balances core.Coins `json:"balances"`
}

// ChainStatus represents the last finalized block
type ChainStatus struct {
	Height      int64  `json:"height"`
	AppHash     string `json:"appHash"`
	MempoolSize int    `json:"mempoolSize"` // pending transactions
	Clients     int    `json:"clients"`     // connected websocket clients
}

// SubmitTxResponse is the response from tx submission
type SubmitTxResponse struct {
	Status string `json:"status"` // "submitted"
	TxHash string `json:"txHash"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

const (
	ChannelMatches   = "matches"
	ChannelOrderbook = "orderbook"
)

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["matches", "orderbook"]
}

// MatchUpdate is broadcast for every executed match
type MatchUpdate struct {
	Type      string                `json:"type"` // "match"
	Height    int64                 `json:"height"`
	BuyID     string                `json:"buyId"`
	SellID    string                `json:"sellId"`
	Quantity  uint64                `json:"quantity"`
	Price     uint64                `json:"price"`
	MakerID   string                `json:"makerId"`
	Transfers []settlement.Transfer `json:"transfers"`
}

// OrderbookUpdate is broadcast on every block
type OrderbookUpdate struct {
	Type      string                 `json:"type"` // "orderbook"
	Bids      []orderbook.PriceLevel `json:"bids"`
	Asks      []orderbook.PriceLevel `json:"asks"`
	Timestamp int64                  `json:"timestamp"`
	Height    int64                  `json:"height"`
}

func orderInfos(orders []core.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = OrderInfo{
			ID:       o.ID,
			Owner:    o.Owner.Hex(),
			Side:     o.Side.String(),
			Price:    o.Price,
			Quantity: o.Quantity,
			Sequence: o.Sequence,
			Height:   o.Height,
		}
	}
	return out
}
