package crypto

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	privHex := signer1.PrivateKeyHex()
	if len(privHex) != 64 {
		t.Fatalf("private key hex length = %d, want 64", len(privHex))
	}

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in[:4], err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestRecoverAddress(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256([]byte("Test message"))

	signature, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Fatalf("signature length = %d, want 65", len(signature))
	}

	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		t.Fatalf("failed to recover address: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered address = %s, want %s", recovered.Hex(), signer.Address().Hex())
	}

	// wallets send V as 27/28
	legacy := append([]byte(nil), signature...)
	legacy[64] += 27
	recovered, err = RecoverAddress(hash, legacy)
	if err != nil || recovered != signer.Address() {
		t.Errorf("legacy V: recovered %s, err %v", recovered.Hex(), err)
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if _, err := RecoverAddress(hash, []byte{1, 2, 3}); err == nil {
		t.Error("short signature should not recover")
	}
	if _, err := RecoverAddress([]byte("short"), make([]byte, 65)); err == nil {
		t.Error("short hash should not recover")
	}
	if _, err := signer.Sign([]byte("short")); err == nil {
		t.Error("signing a non-32-byte hash should fail")
	}
}

func sampleTx(sender common.Address) *TxEIP712 {
	return &TxEIP712{
		Action:  "place_buy",
		Sender:  sender,
		Nonce:   7,
		OrderID: "buy-1",
		Price:   2,
		Funds:   "10usd",
	}
}

func TestSignAndVerifyTx(t *testing.T) {
	signer, _ := GenerateKey()
	eip := NewEIP712Signer(DefaultDomain(1337))
	tx := sampleTx(signer.Address())

	sig, err := eip.SignTx(signer, tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := eip.VerifyTx(tx, sig)
	if err != nil || !ok {
		t.Fatalf("verify = %v, %v", ok, err)
	}

	tampered := *tx
	tampered.Funds = "11usd"
	if ok, _ := eip.VerifyTx(&tampered, sig); ok {
		t.Error("signature verified over tampered funds")
	}

	other, _ := GenerateKey()
	spoofed := *tx
	spoofed.Sender = other.Address()
	if ok, _ := eip.VerifyTx(&spoofed, sig); ok {
		t.Error("signature verified for a different sender")
	}
}

func TestHashTxDomainSeparation(t *testing.T) {
	signer, _ := GenerateKey()
	tx := sampleTx(signer.Address())

	h1, err := NewEIP712Signer(DefaultDomain(1337)).HashTx(tx)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := NewEIP712Signer(DefaultDomain(1)).HashTx(tx)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(h1, h2) {
		t.Error("hash does not depend on chain id")
	}

	again, _ := NewEIP712Signer(DefaultDomain(1337)).HashTx(tx)
	if !bytes.Equal(h1, again) {
		t.Error("hash is not deterministic")
	}
}

func TestBLSSeal(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	s, err := NewBLSSignerFromSeed(seed)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := []byte("block")
	sig := s.Sign(msg)

	raw, err := s.PubkeyBytes()
	if err != nil {
		t.Fatal(err)
	}
	pk, err := ParseBLSPubKey(raw)
	if err != nil {
		t.Fatalf("parse pubkey: %v", err)
	}
	if !Verify(pk, sig, msg) {
		t.Fatal("seal did not verify")
	}
	if Verify(pk, sig, []byte("other")) {
		t.Error("seal verified over a different message")
	}
	if Verify(nil, sig, msg) {
		t.Error("nil key verified")
	}

	if _, err := NewBLSSignerFromSeed([]byte("short")); err == nil {
		t.Error("expected error for short seed")
	}
}
