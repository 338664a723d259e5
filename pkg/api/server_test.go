package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hashclob/pkg/abci"
	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/matching"
	"github.com/uhyunpark/hashclob/pkg/app/core/transaction"
	"github.com/uhyunpark/hashclob/pkg/app/exchange"
	"github.com/uhyunpark/hashclob/pkg/crypto"
	"github.com/uhyunpark/hashclob/pkg/storage"
)

const chainID = 1337

type harness struct {
	app   *exchange.App
	srv   *Server
	http  *httptest.Server
	admin *crypto.Signer
	alice *crypto.Signer
	nonce map[*crypto.Signer]uint64
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	admin, err := crypto.GenerateKey()
	require.NoError(t, err)
	alice, err := crypto.GenerateKey()
	require.NoError(t, err)

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	app, err := exchange.NewApp(db, exchange.Options{
		ChainID: chainID,
		Genesis: exchange.Genesis{Balances: []exchange.GenesisBalance{
			{Address: alice.Address(), Coins: core.Coins{core.NewCoin(10_000_000_000, core.BaseDenom), core.NewCoin(50, "usd")}},
		}},
	})
	require.NoError(t, err)

	srv := NewServer(app, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{app: app, srv: srv, http: ts, admin: admin, alice: alice, nonce: map[*crypto.Signer]uint64{}}
}

func (h *harness) sign(t *testing.T, key *crypto.Signer, tx *transaction.SignedTransaction) []byte {
	t.Helper()
	h.nonce[key]++
	tx.Nonce = h.nonce[key]
	require.NoError(t, tx.Sign(crypto.NewEIP712Signer(crypto.DefaultDomain(chainID)), key))
	raw, err := tx.Serialize()
	require.NoError(t, err)
	return raw
}

func (h *harness) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(h.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) post(t *testing.T, raw []byte) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(h.http.URL+"/api/v1/tx", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

// seed instantiates the book and rests one ask from alice.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	resp := h.app.FinalizeBlock(abci.RequestFinalizeBlock{Height: 1, Txs: [][]byte{
		h.sign(t, h.admin, &transaction.SignedTransaction{
			Type:        transaction.TxTypeInstantiate,
			Instantiate: &transaction.InstantiatePayload{QuoteDenom: "usd"},
		}),
		h.sign(t, h.alice, &transaction.SignedTransaction{
			Type:  transaction.TxTypePlaceSell,
			Order: &transaction.OrderPayload{ID: "ask-1", Price: 3},
			Funds: "4000000000nhash",
		}),
	}})
	for _, r := range resp.TxResults {
		require.Zero(t, r.Code, r.Log)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{})
	var body map[string]string
	require.Equal(t, http.StatusOK, h.get(t, "/health", &body))
	require.Equal(t, "ok", body["status"])
}

func TestConfigBeforeInstantiate(t *testing.T) {
	h := newHarness(t, Options{})
	var body ErrorResponse
	require.Equal(t, http.StatusNotFound, h.get(t, "/api/v1/config", &body))
	require.Equal(t, "orderbook not instantiated", body.Error)
}

func TestReadRoutes(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t)

	var cfg exchange.Config
	require.Equal(t, http.StatusOK, h.get(t, "/api/v1/config", &cfg))
	require.Equal(t, h.admin.Address(), cfg.Admin)
	require.Equal(t, "usd", cfg.QuoteDenom)

	var book OrderbookSnapshot
	require.Equal(t, http.StatusOK, h.get(t, "/api/v1/orderbook", &book))
	require.Empty(t, book.Buys)
	require.Len(t, book.Sells, 1)
	require.Equal(t, "ask-1", book.Sells[0].ID)
	require.Equal(t, "sell", book.Sells[0].Side)
	require.Equal(t, uint64(4_000_000_000), book.Sells[0].Quantity)
	require.Len(t, book.Asks, 1)
	require.Equal(t, uint64(3), book.Asks[0].Price)
	require.Equal(t, int64(1), book.Height)

	var sells, buys []OrderInfo
	require.Equal(t, http.StatusOK, h.get(t, "/api/v1/orders/sell", &sells))
	require.Equal(t, http.StatusOK, h.get(t, "/api/v1/orders/buy", &buys))
	require.Len(t, sells, 1)
	require.Empty(t, buys)

	var bal BalancesInfo
	require.Equal(t, http.StatusOK, h.get(t, "/api/v1/balances/"+h.alice.Address().Hex(), &bal))
	require.Equal(t, uint64(1), bal.Nonce)
	require.Equal(t, uint64(6_000_000_000), balanceOf(bal.Balances, core.BaseDenom))
	require.Equal(t, uint64(50), balanceOf(bal.Balances, "usd"))

	require.Equal(t, http.StatusBadRequest, h.get(t, "/api/v1/balances/nope", nil))

	var st ChainStatus
	require.Equal(t, http.StatusOK, h.get(t, "/api/v1/chain/status", &st))
	require.Equal(t, int64(1), st.Height)
	require.True(t, strings.HasPrefix(st.AppHash, "0x"))
}

func balanceOf(cs core.Coins, denom string) uint64 {
	for _, c := range cs {
		if c.Denom == denom {
			return c.Amount
		}
	}
	return 0
}

func TestSubmitTx(t *testing.T) {
	var log bytes.Buffer
	h := newHarness(t, Options{TxLog: &log})

	raw := h.sign(t, h.admin, &transaction.SignedTransaction{Type: transaction.TxTypeRunMatch})
	status, body := h.post(t, raw)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "submitted", body["status"])
	require.True(t, strings.HasPrefix(body["txHash"], "0x"))
	require.Equal(t, 1, h.app.Status().MempoolSize)
	require.Contains(t, log.String(), body["txHash"])

	status, _ = h.post(t, []byte(`{"type":"run_match"`))
	require.Equal(t, http.StatusBadRequest, status)

	var tx transaction.SignedTransaction
	require.NoError(t, json.Unmarshal(raw, &tx))
	tx.Sender = h.alice.Address().Hex()
	forged, err := tx.Serialize()
	require.NoError(t, err)
	status, body = h.post(t, forged)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "transaction rejected", body["error"])

	require.Equal(t, 1, h.app.Status().MempoolSize)
}

func TestSubmitForwards(t *testing.T) {
	var forwarded [][]byte
	h := newHarness(t, Options{Submit: func(_ context.Context, raw []byte) error {
		forwarded = append(forwarded, raw)
		return nil
	}})

	raw := h.sign(t, h.admin, &transaction.SignedTransaction{Type: transaction.TxTypeRunMatch})
	status, _ := h.post(t, raw)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, [][]byte{raw}, forwarded)
	require.Zero(t, h.app.Status().MempoolSize)

	h.srv.submit = func(context.Context, []byte) error { return errors.New("no peers connected") }
	status, body := h.post(t, raw)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "no peers connected", body["message"])
}

func TestWebSocketChannels(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelMatches}}))
	require.Eventually(t, func() bool { return h.srv.Hub().Subscribers(ChannelMatches) == 1 }, 2*time.Second, 10*time.Millisecond)

	// not subscribed, dropped
	h.srv.BroadcastOrderbook(1)
	h.srv.BroadcastMatch(2, matching.Match{BuyID: "bid-1", SellID: "ask-1", Quantity: 1_000_000_000, Price: 3, MakerID: "ask-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m MatchUpdate
	require.NoError(t, conn.ReadJSON(&m))
	require.Equal(t, "match", m.Type)
	require.Equal(t, int64(2), m.Height)
	require.Equal(t, "bid-1", m.BuyID)
	require.Equal(t, "ask-1", m.MakerID)

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelOrderbook}}))
	require.Eventually(t, func() bool { return h.srv.Hub().Subscribers(ChannelOrderbook) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.srv.BroadcastOrderbook(3)
	var ob OrderbookUpdate
	require.NoError(t, conn.ReadJSON(&ob))
	require.Equal(t, "orderbook", ob.Type)
	require.Equal(t, int64(3), ob.Height)
	require.Len(t, ob.Asks, 1)
	require.Empty(t, ob.Bids)
}
