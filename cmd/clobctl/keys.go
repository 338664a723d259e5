package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/hashclob/params"
	"github.com/uhyunpark/hashclob/pkg/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a trader key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nprivate_key: %s\n", key.Address().Hex(), key.PrivateKeyHex())
		return nil
	},
}

var seqkeyCmd = &cobra.Command{
	Use:   "seqkey [seed]",
	Short: "Print the sequencer BLS public key for a seed, for SEQUENCER_PUBKEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := params.Sequencer{Seed: args[0]}.Signer()
		if err != nil {
			return err
		}
		pk, err := signer.PubkeyBytes()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "0x%s\n", hex.EncodeToString(pk))
		return nil
	},
}
