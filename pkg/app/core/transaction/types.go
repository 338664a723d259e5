package transaction

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/crypto"
)

type TxType string

const (
	TxTypeInstantiate TxType = "instantiate"
	TxTypePlaceBuy    TxType = "place_buy"
	TxTypePlaceSell   TxType = "place_sell"
	TxTypeRunMatch    TxType = "run_match"
)

// SignedTransaction is the wire envelope for every contract call.
type SignedTransaction struct {
	Type        TxType              `json:"type"`
	Sender      string              `json:"sender"`
	Nonce       uint64              `json:"nonce"`
	Instantiate *InstantiatePayload `json:"instantiate,omitempty"`
	Order       *OrderPayload       `json:"order,omitempty"`
	// Funds attached to the call, e.g. "10usd".
	Funds     string `json:"funds,omitempty"`
	Signature string `json:"signature"`
}

type InstantiatePayload struct {
	QuoteDenom string `json:"quote_denom"`
}

type OrderPayload struct {
	ID    string `json:"id"`
	Price uint64 `json:"price"`
}

func (tx *SignedTransaction) SenderAddress() common.Address {
	return common.HexToAddress(tx.Sender)
}

func (tx *SignedTransaction) Coins() (core.Coins, error) {
	return core.ParseCoins(tx.Funds)
}

// ToEIP712 builds the typed message covered by the signature.
func (tx *SignedTransaction) ToEIP712() (*crypto.TxEIP712, error) {
	coins, err := tx.Coins()
	if err != nil {
		return nil, fmt.Errorf("invalid funds: %w", err)
	}
	msg := &crypto.TxEIP712{
		Action: string(tx.Type),
		Sender: tx.SenderAddress(),
		Nonce:  tx.Nonce,
		Funds:  coins.String(),
	}
	if tx.Instantiate != nil {
		msg.QuoteDenom = tx.Instantiate.QuoteDenom
	}
	if tx.Order != nil {
		msg.OrderID = tx.Order.ID
		msg.Price = tx.Order.Price
	}
	return msg, nil
}

// Sign fills Sender and Signature using key.
func (tx *SignedTransaction) Sign(eip *crypto.EIP712Signer, key *crypto.Signer) error {
	tx.Sender = key.Address().Hex()
	msg, err := tx.ToEIP712()
	if err != nil {
		return err
	}
	sig, err := eip.SignTx(key, msg)
	if err != nil {
		return err
	}
	tx.Signature = "0x" + common.Bytes2Hex(sig)
	return nil
}

func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// Validate checks the envelope shape. Contract rules are checked on execution.
func (tx *SignedTransaction) Validate() error {
	if tx.Type == "" {
		return fmt.Errorf("missing transaction type")
	}
	if tx.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	if !common.IsHexAddress(tx.Sender) {
		return fmt.Errorf("invalid sender %q", tx.Sender)
	}
	if _, err := tx.Coins(); err != nil {
		return fmt.Errorf("invalid funds: %w", err)
	}

	switch tx.Type {
	case TxTypeInstantiate:
		if tx.Instantiate == nil {
			return fmt.Errorf("instantiate requires instantiate payload")
		}
	case TxTypePlaceBuy, TxTypePlaceSell:
		if tx.Order == nil {
			return fmt.Errorf("%s requires order payload", tx.Type)
		}
		if tx.Order.ID == "" {
			return fmt.Errorf("missing order id")
		}
	case TxTypeRunMatch:
	default:
		return fmt.Errorf("unknown transaction type: %s", tx.Type)
	}
	return nil
}

// ParseTransaction decodes and validates a JSON envelope.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}

// Example:
//
//	{
//	  "type": "place_buy",
//	  "sender": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	  "nonce": 3,
//	  "order": {"id": "buy-1", "price": 2},
//	  "funds": "10usd",
//	  "signature": "0x1234..."
//	}
