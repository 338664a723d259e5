package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	nodeAddr string
	chainID  uint64
)

func init() {
	rootCmd.PersistentFlags().StringVar(&nodeAddr, "node", "http://localhost:8080", "The node API address")
	rootCmd.PersistentFlags().Uint64Var(&chainID, "chain-id", 1337, "The chain id txs are signed for")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(seqkeyCmd)
	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(submitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clobctl",
	Short: "Build, sign and submit order book transactions",
	Long: `clobctl builds EIP-712 signed transactions for a HashCLOB node and
submits them over the node's REST API.

Keys are read from --key or the CLOB_KEY environment variable. When --nonce
is not given the next nonce is fetched from the node.`,
	SilenceUsage: true,
}
