package crypto

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures between chains and deployments.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the HashCLOB domain for chainID.
func DefaultDomain(chainID uint64) EIP712Domain {
	return EIP712Domain{
		Name:    "HashCLOB",
		Version: "1",
		ChainID: new(big.Int).SetUint64(chainID),
	}
}

// TxEIP712 is the typed message a trader or the admin signs. Fields that do
// not apply to an action are left empty or zero.
type TxEIP712 struct {
	Action     string
	Sender     common.Address
	Nonce      uint64
	OrderID    string
	Price      uint64
	QuoteDenom string
	// Funds is the canonical coin string, e.g. "10usd".
	Funds string
}

var txTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Tx": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "orderId", Type: "string"},
		{Name: "price", Type: "uint256"},
		{Name: "quoteDenom", Type: "string"},
		{Name: "funds", Type: "string"},
	},
}

// EIP712Signer hashes, signs and verifies transactions under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// TypedData returns the eth_signTypedData_v4 payload for tx.
func (e *EIP712Signer) TypedData(tx *TxEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       txTypes,
		PrimaryType: "Tx",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":     tx.Action,
			"sender":     tx.Sender.Hex(),
			"nonce":      strconv.FormatUint(tx.Nonce, 10),
			"orderId":    tx.OrderID,
			"price":      strconv.FormatUint(tx.Price, 10),
			"quoteDenom": tx.QuoteDenom,
			"funds":      tx.Funds,
		},
	}
}

// HashTx returns keccak256("\x19\x01" || domainSeparator || hashStruct(tx)).
func (e *EIP712Signer) HashTx(tx *TxEIP712) ([]byte, error) {
	typedData := e.TypedData(tx)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

func (e *EIP712Signer) SignTx(signer *Signer, tx *TxEIP712) ([]byte, error) {
	hash, err := e.HashTx(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to hash tx: %w", err)
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	return sig, nil
}

// RecoverTxSigner returns the address that produced signature over tx.
func (e *EIP712Signer) RecoverTxSigner(tx *TxEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashTx(tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash tx: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// VerifyTx reports whether signature over tx was made by tx.Sender.
func (e *EIP712Signer) VerifyTx(tx *TxEIP712, signature []byte) (bool, error) {
	addr, err := e.RecoverTxSigner(tx, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return addr == tx.Sender, nil
}
