package transaction

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/crypto"
)

// Verifier checks that a transaction was signed by its sender.
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// Verify returns the sender if the signature recovers to it.
func (v *Verifier) Verify(tx *SignedTransaction) (common.Address, error) {
	msg, err := tx.ToEIP712()
	if err != nil {
		return common.Address{}, err
	}
	sig, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}
	signer, err := v.eip712Signer.RecoverTxSigner(msg, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}
	if signer != msg.Sender {
		return common.Address{}, fmt.Errorf("%w: signed by %s, sender is %s", core.ErrUnauthorized, signer.Hex(), msg.Sender.Hex())
	}
	return signer, nil
}

// decodeSignature decodes a hex signature with or without 0x prefix.
func decodeSignature(sig string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}
