package params

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/crypto"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
)

func TestLoadFromEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(
		"CHAIN_ID=7\nNODE_BLOCK_TIME_MS=250\nAPI_ADDR=:9999\nSEQUENCER=false\n"), 0o644))

	// ENV beats .env
	t.Setenv("API_ADDR", ":7000")
	t.Setenv("BOOTSTRAP_PEERS", "/ip4/1.2.3.4/tcp/1/p2p/a, ,/ip4/5.6.7.8/tcp/2/p2p/b")
	t.Setenv("RESTRICTED_DENOMS", "usd")

	cfg := LoadFromEnv(envPath)
	t.Cleanup(func() {
		for _, k := range []string{"CHAIN_ID", "NODE_BLOCK_TIME_MS", "SEQUENCER"} {
			os.Unsetenv(k)
		}
	})

	require.Equal(t, uint64(7), cfg.Chain.ChainID)
	require.Equal(t, 250*time.Millisecond, cfg.Chain.BlockTime)
	require.Equal(t, ":7000", cfg.Node.APIAddr)
	require.False(t, cfg.Sequencer.Enabled)
	require.Equal(t, []string{"/ip4/1.2.3.4/tcp/1/p2p/a", "/ip4/5.6.7.8/tcp/2/p2p/b"}, cfg.Node.Bootstrap)
	require.Equal(t, []string{"usd"}, cfg.Genesis.RestrictedDenoms)
	// untouched keys keep defaults
	require.Equal(t, Default().Node.DataDir, cfg.Node.DataDir)
}

func TestBuildGenesis(t *testing.T) {
	g := Genesis{
		RestrictedDenoms:    []string{"usd", "eur"},
		MarkerRequiredAttrs: "usd=kyc.passport, usd=kyc.residency",
		Balances:            addrA + ":10000000000nhash,100usd;" + addrB + ":50usd",
		Attributes:          addrA + "=kyc.passport," + addrA + "=kyc.residency",
		Frozen:              "usd=" + addrB,
	}
	out, err := g.BuildGenesis()
	require.NoError(t, err)

	require.Len(t, out.Markers, 2)
	require.Equal(t, "eur", out.Markers[0].Denom)
	require.Empty(t, out.Markers[0].RequiredAttributes)
	require.Equal(t, "usd", out.Markers[1].Denom)
	require.Equal(t, []string{"kyc.passport", "kyc.residency"}, out.Markers[1].RequiredAttributes)
	require.Empty(t, out.Markers[0].Frozen)
	require.Equal(t, []common.Address{common.HexToAddress(addrB)}, out.Markers[1].Frozen)

	require.Len(t, out.Balances, 2)
	require.Equal(t, common.HexToAddress(addrA), out.Balances[0].Address)
	require.Equal(t, core.Coins{core.NewCoin(10_000_000_000, "nhash"), core.NewCoin(100, "usd")}, out.Balances[0].Coins)

	require.Equal(t, []string{"kyc.passport", "kyc.residency"}, out.Attributes[common.HexToAddress(addrA)])
}

func TestBuildGenesisErrors(t *testing.T) {
	tests := []struct {
		name string
		g    Genesis
	}{
		{"attr for unrestricted denom", Genesis{MarkerRequiredAttrs: "usd=kyc"}},
		{"base denom restricted", Genesis{RestrictedDenoms: []string{"nhash"}}},
		{"balance without coins separator", Genesis{Balances: addrA}},
		{"balance with bad address", Genesis{Balances: "0x12:5usd"}},
		{"balance with bad coins", Genesis{Balances: addrA + ":usd5"}},
		{"attribute without value", Genesis{Attributes: addrA + "="}},
		{"attribute with bad address", Genesis{Attributes: "bob=kyc"}},
		{"frozen on unrestricted denom", Genesis{Frozen: "usd=" + addrA}},
		{"frozen with bad address", Genesis{RestrictedDenoms: []string{"usd"}, Frozen: "usd=bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.g.BuildGenesis(); err == nil {
				t.Fatalf("expected error for %+v", tt.g)
			}
		})
	}
}

func pubBytes(t *testing.T, pk *crypto.BLSPubKey) []byte {
	t.Helper()
	b, err := pk.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestSequencerKeys(t *testing.T) {
	seq := Sequencer{Seed: "devnet-sequencer-seed-0123456789abcdef"}
	signer, err := seq.Signer()
	require.NoError(t, err)

	// followers derive the same key from the shared seed
	pk, err := seq.VerifyKey()
	require.NoError(t, err)
	require.Equal(t, pubBytes(t, signer.Pubkey()), pubBytes(t, pk))

	raw, err := signer.PubkeyBytes()
	require.NoError(t, err)
	follower := Sequencer{PubKey: "0x" + hex.EncodeToString(raw)}
	pk, err = follower.VerifyKey()
	require.NoError(t, err)
	require.Equal(t, pubBytes(t, signer.Pubkey()), pubBytes(t, pk))

	hexSeed := Sequencer{Seed: "0x" + hex.EncodeToString([]byte("devnet-sequencer-seed-0123456789abcdef"))}
	again, err := hexSeed.Signer()
	require.NoError(t, err)
	require.Equal(t, pubBytes(t, signer.Pubkey()), pubBytes(t, again.Pubkey()))

	_, err = Sequencer{}.Signer()
	require.Error(t, err)
	_, err = Sequencer{}.VerifyKey()
	require.Error(t, err)
	_, err = Sequencer{Seed: "too short"}.Signer()
	require.Error(t, err)
}
