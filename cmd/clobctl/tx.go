package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/hashclob/pkg/app/core/transaction"
	"github.com/uhyunpark/hashclob/pkg/crypto"
)

var (
	keyHex   string
	nonce    uint64
	funds    string
	doSubmit bool
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Build and sign a contract call",
}

var instantiateCmd = &cobra.Command{
	Use:   "instantiate [quote-denom]",
	Short: "Instantiate the order book; the signer becomes admin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signAndEmit(cmd, &transaction.SignedTransaction{
			Type:        transaction.TxTypeInstantiate,
			Instantiate: &transaction.InstantiatePayload{QuoteDenom: args[0]},
		})
	},
}

var buyCmd = &cobra.Command{
	Use:   "buy [order-id] [price]",
	Short: "Place a bid; --funds is the quote to spend, e.g. 10usd",
	Args:  cobra.ExactArgs(2),
	RunE:  placeOrder(transaction.TxTypePlaceBuy),
}

var sellCmd = &cobra.Command{
	Use:   "sell [order-id] [price]",
	Short: "Place an ask; --funds is the base to sell, e.g. 2000000000nhash",
	Args:  cobra.ExactArgs(2),
	RunE:  placeOrder(transaction.TxTypePlaceSell),
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Run the matching engine (admin only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signAndEmit(cmd, &transaction.SignedTransaction{Type: transaction.TxTypeRunMatch})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "POST a signed tx to the node; reads stdin when file is - or omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		raw, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		hash, err := submitTx(nodeAddr, bytes.TrimSpace(raw))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	txCmd.PersistentFlags().StringVar(&keyHex, "key", "", "Hex private key (default $CLOB_KEY)")
	txCmd.PersistentFlags().Uint64Var(&nonce, "nonce", 0, "Tx nonce (default: next nonce from the node)")
	txCmd.PersistentFlags().BoolVar(&doSubmit, "submit", false, "Submit the signed tx instead of printing it")
	buyCmd.Flags().StringVar(&funds, "funds", "", "Quote coins to attach")
	sellCmd.Flags().StringVar(&funds, "funds", "", "Base coins to attach")

	txCmd.AddCommand(instantiateCmd, buyCmd, sellCmd, matchCmd)
}

func placeOrder(typ transaction.TxType) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		price, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", args[1], err)
		}
		return signAndEmit(cmd, &transaction.SignedTransaction{
			Type:  typ,
			Order: &transaction.OrderPayload{ID: args[0], Price: price},
			Funds: funds,
		})
	}
}

func signAndEmit(cmd *cobra.Command, tx *transaction.SignedTransaction) error {
	if keyHex == "" {
		keyHex = os.Getenv("CLOB_KEY")
	}
	if keyHex == "" {
		return errors.New("no key: pass --key or set CLOB_KEY")
	}
	key, err := crypto.FromPrivateKeyHex(keyHex)
	if err != nil {
		return err
	}

	tx.Nonce = nonce
	if tx.Nonce == 0 {
		last, err := fetchNonce(nodeAddr, key.Address().Hex())
		if err != nil {
			return fmt.Errorf("fetch nonce (or pass --nonce): %w", err)
		}
		tx.Nonce = last + 1
	}

	raw, err := buildTx(tx, key, chainID)
	if err != nil {
		return err
	}
	if !doSubmit {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}
	hash, err := submitTx(nodeAddr, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

// buildTx signs tx for chainID and validates the envelope the way the node
// will.
func buildTx(tx *transaction.SignedTransaction, key *crypto.Signer, chainID uint64) ([]byte, error) {
	if err := tx.Sign(crypto.NewEIP712Signer(crypto.DefaultDomain(chainID)), key); err != nil {
		return nil, err
	}
	raw, err := tx.Serialize()
	if err != nil {
		return nil, err
	}
	if _, err := transaction.ParseTransaction(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func fetchNonce(node, addr string) (uint64, error) {
	resp, err := httpClient.Get(strings.TrimRight(node, "/") + "/api/v1/balances/" + addr)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, apiError(resp)
	}
	var body struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Nonce, nil
}

func submitTx(node string, raw []byte) (string, error) {
	resp, err := httpClient.Post(strings.TrimRight(node, "/")+"/api/v1/tx", "application/json", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}
	var body struct {
		TxHash string `json:"txHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.TxHash, nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("node returned %s", resp.Status)
	}
	if body.Message == "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("%s: %s: %s", resp.Status, body.Error, body.Message)
}
