package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/matching"
	"github.com/uhyunpark/hashclob/pkg/app/exchange"
)

const maxTxBodyBytes = 1 << 20

type Options struct {
	Logger *zap.SugaredLogger

	// Submit hands a client tx to the chain. Defaults to the local mempool.
	// Followers set this to check the tx and gossip it to the sequencer.
	Submit func(ctx context.Context, raw []byte) error

	// TxLog receives one JSON line per accepted tx. Optional.
	TxLog io.Writer

	AllowedOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	app    *exchange.App
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	submit func(ctx context.Context, raw []byte) error

	txLogMu sync.Mutex
	txLog   io.Writer
	origins []string
}

func NewServer(app *exchange.App, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	submit := opts.Submit
	if submit == nil {
		submit = func(_ context.Context, raw []byte) error { return app.PushTx(raw) }
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}

	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		log:     logger,
		submit:  submit,
		txLog:   opts.TxLog,
		origins: origins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Book
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/orders/buy", s.handleGetOrders(core.Buy)).Methods("GET")
	api.HandleFunc("/orders/sell", s.handleGetOrders(core.Sell)).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Accounts
	api.HandleFunc("/balances/{address}", s.handleGetBalances).Methods("GET")

	// Chain
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub exposes the websocket hub so callers can run it alongside a custom
// http.Server.
func (s *Server) Hub() *Hub { return s.hub }

// Start serves on addr until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Infow("api_server_listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	book, err := s.app.Orderbook()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read orderbook", err.Error())
		return
	}
	depth, err := s.app.Depth()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read depth", err.Error())
		return
	}

	respondJSON(w, OrderbookSnapshot{
		Buys:   orderInfos(book.Buys),
		Sells:  orderInfos(book.Sells),
		Bids:   depth.Bids,
		Asks:   depth.Asks,
		Height: s.app.Status().Height,
	})
}

func (s *Server) handleGetOrders(side core.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := s.app.Orders(side)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read orders", err.Error())
			return
		}
		respondJSON(w, orderInfos(orders))
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.app.Config()
	if errors.Is(err, core.ErrNotInstantiated) {
		respondError(w, http.StatusNotFound, "orderbook not instantiated", "")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read config", err.Error())
		return
	}
	respondJSON(w, cfg)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	acc, err := s.app.Account(common.HexToAddress(addressStr))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read account", err.Error())
		return
	}
	balances := acc.Balances
	if balances == nil {
		balances = core.Coins{}
	}
	respondJSON(w, BalancesInfo{
		Address:  acc.Address.Hex(),
		Nonce:    acc.Nonce,
		Balances: balances,
	})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	st := s.app.Status()
	respondJSON(w, ChainStatus{
		Height:      st.Height,
		AppHash:     "0x" + st.AppHash.String(),
		MempoolSize: st.MempoolSize,
		Clients:     s.hub.ClientCount(),
	})
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}

	if err := s.submit(r.Context(), body); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, core.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		s.log.Debugw("tx_rejected", "bytes", len(body), "err", err)
		respondError(w, status, "transaction rejected", err.Error())
		return
	}

	hash := ethcrypto.Keccak256Hash(body).Hex()
	s.log.Infow("tx_submitted", "hash", hash, "bytes", len(body))
	s.logTransaction(hash, body)

	respondJSON(w, SubmitTxResponse{Status: "submitted", TxHash: hash})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from the node on commit)
// ==============================

// BroadcastMatch pushes one executed match to the matches channel.
func (s *Server) BroadcastMatch(height int64, m matching.Match) {
	s.hub.BroadcastToChannel(ChannelMatches, MatchUpdate{
		Type:      "match",
		Height:    height,
		BuyID:     m.BuyID,
		SellID:    m.SellID,
		Quantity:  m.Quantity,
		Price:     m.Price,
		MakerID:   m.MakerID,
		Transfers: m.Transfers,
	})
}

// BroadcastOrderbook pushes the aggregated book after a committed block.
func (s *Server) BroadcastOrderbook(height int64) {
	depth, err := s.app.Depth()
	if err != nil {
		s.log.Warnw("orderbook_snapshot_failed", "height", height, "err", err)
		return
	}
	s.hub.BroadcastToChannel(ChannelOrderbook, OrderbookUpdate{
		Type:      "orderbook",
		Bids:      depth.Bids,
		Asks:      depth.Asks,
		Timestamp: time.Now().UnixMilli(),
		Height:    height,
	})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// logTransaction appends an accepted tx to the tx log as one JSON line.
func (s *Server) logTransaction(hash string, raw []byte) {
	if s.txLog == nil {
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"hash":      hash,
		"tx":        json.RawMessage(raw),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		s.log.Warnw("tx_log_marshal_failed", "hash", hash, "err", err)
		return
	}

	s.txLogMu.Lock()
	defer s.txLogMu.Unlock()
	if _, err := s.txLog.Write(append(line, '\n')); err != nil {
		s.log.Warnw("tx_log_write_failed", "err", err)
	}
}
