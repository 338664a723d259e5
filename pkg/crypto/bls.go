package crypto

import (
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// BLSSigner seals blocks produced by the sequencer.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSignerFromSeed derives a key deterministically. seed must be at
// least 32 bytes.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive bls key: %w", err)
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

// PubkeyBytes is the wire form handed to followers.
func (s *BLSSigner) PubkeyBytes() ([]byte, error) {
	return s.pk.MarshalBinary()
}

func ParseBLSPubKey(b []byte) (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid bls public key: %w", err)
	}
	return pk, nil
}

func Verify(pk *BLSPubKey, sig, msg []byte) bool {
	if pk == nil || len(sig) == 0 {
		return false
	}
	return bls.Verify(pk, msg, bls.Signature(sig))
}
