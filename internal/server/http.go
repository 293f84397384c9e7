package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"DSCLedger/internal/engine"
	"DSCLedger/internal/fpmath"
	"DSCLedger/internal/ledger"
	"DSCLedger/internal/observability"
	"DSCLedger/internal/oracle"
	"DSCLedger/internal/persistence"
)

// HTTPServer exposes the ledger over HTTP/JSON. Commands carry a
// client-supplied command_id for idempotent retries; all amounts are
// decimal strings so values never pass through a float.
type HTTPServer struct {
	runtime       *engine.Runtime
	events        *persistence.EventLogWriter
	faucet        map[string]Issuer
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	httpServer    *http.Server
	addr          string
}

// Issuer credits collateral balances out of band. It stands in for the
// bridge that will credit real inbound deposits; without it no account
// ever holds collateral to deposit.
type Issuer interface {
	Issue(to uuid.UUID, amount sdkmath.Int)
	BalanceOf(account uuid.UUID) sdkmath.Int
}

// Deps holds the collaborators the HTTP handlers need. Events may be
// nil when the process runs without Postgres; the history endpoint
// then reports 503. Faucet maps asset symbols to their issuers; when
// empty the faucet endpoint reports 503.
type Deps struct {
	Runtime       *engine.Runtime
	Events        *persistence.EventLogWriter
	Faucet        map[string]Issuer
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{
		runtime:       deps.Runtime,
		events:        deps.Events,
		faucet:        deps.Faucet,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		addr:          addr,
	}

	r := mux.NewRouter()

	r.HandleFunc("/v1/collateral/deposit", s.instrument("deposit_collateral", s.handleDeposit)).Methods(http.MethodPost)
	r.HandleFunc("/v1/debt/mint", s.instrument("mint_dsc", s.handleMint)).Methods(http.MethodPost)
	r.HandleFunc("/v1/collateral/deposit-and-mint", s.instrument("deposit_and_mint", s.handleDepositAndMint)).Methods(http.MethodPost)
	r.HandleFunc("/v1/collateral/redeem", s.instrument("redeem_collateral", s.handleRedeem)).Methods(http.MethodPost)
	r.HandleFunc("/v1/debt/burn", s.instrument("burn_dsc", s.handleBurn)).Methods(http.MethodPost)
	r.HandleFunc("/v1/collateral/redeem-for-dsc", s.instrument("redeem_for_dsc", s.handleRedeemForDSC)).Methods(http.MethodPost)
	r.HandleFunc("/v1/liquidate", s.instrument("liquidate", s.handleLiquidate)).Methods(http.MethodPost)
	r.HandleFunc("/v1/faucet", s.instrument("faucet", s.handleFaucet)).Methods(http.MethodPost)

	r.HandleFunc("/v1/accounts/{user}", s.instrument("account_info", s.handleAccountInformation)).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{user}/health-factor", s.instrument("health_factor", s.handleHealthFactor)).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{user}/collateral/{asset}", s.instrument("collateral_balance", s.handleCollateralBalance)).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{user}/events", s.instrument("account_events", s.handleAccountEvents)).Methods(http.MethodGet)
	r.HandleFunc("/v1/collateral/tokens", s.instrument("collateral_tokens", s.handleCollateralTokens)).Methods(http.MethodGet)
	r.HandleFunc("/v1/quotes/usd-value", s.instrument("usd_value", s.handleUsdValue)).Methods(http.MethodGet)
	r.HandleFunc("/v1/quotes/token-amount", s.instrument("token_amount", s.handleTokenAmount)).Methods(http.MethodGet)
	r.HandleFunc("/v1/constants", s.instrument("constants", s.handleConstants)).Methods(http.MethodGet)

	if deps.HealthChecker != nil {
		r.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		r.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Command handlers
// ============================================================================

type depositRequest struct {
	CommandID string `json:"command_id"`
	User      string `json:"user"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmdID, user, ok := parseIdentity(w, req.CommandID, req.User)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	s.execute(w, r, engine.DepositCommand{ID: cmdID, User: user, Asset: req.Asset, Amount: amount})
}

type mintRequest struct {
	CommandID string `json:"command_id"`
	User      string `json:"user"`
	Amount    string `json:"amount"`
}

func (s *HTTPServer) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmdID, user, ok := parseIdentity(w, req.CommandID, req.User)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	s.execute(w, r, engine.MintCommand{ID: cmdID, User: user, Amount: amount})
}

type depositAndMintRequest struct {
	CommandID        string `json:"command_id"`
	User             string `json:"user"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateral_amount"`
	MintAmount       string `json:"mint_amount"`
}

func (s *HTTPServer) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req depositAndMintRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmdID, user, ok := parseIdentity(w, req.CommandID, req.User)
	if !ok {
		return
	}
	collateral, ok := parseAmount(w, "collateral_amount", req.CollateralAmount)
	if !ok {
		return
	}
	mint, ok := parseAmount(w, "mint_amount", req.MintAmount)
	if !ok {
		return
	}

	s.execute(w, r, engine.DepositAndMintCommand{
		ID:               cmdID,
		User:             user,
		Asset:            req.Asset,
		CollateralAmount: collateral,
		MintAmount:       mint,
	})
}

func (s *HTTPServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmdID, user, ok := parseIdentity(w, req.CommandID, req.User)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	s.execute(w, r, engine.RedeemCommand{ID: cmdID, User: user, Asset: req.Asset, Amount: amount})
}

func (s *HTTPServer) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmdID, user, ok := parseIdentity(w, req.CommandID, req.User)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	s.execute(w, r, engine.BurnCommand{ID: cmdID, User: user, Amount: amount})
}

type redeemForDSCRequest struct {
	CommandID        string `json:"command_id"`
	User             string `json:"user"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateral_amount"`
	BurnAmount       string `json:"burn_amount"`
}

func (s *HTTPServer) handleRedeemForDSC(w http.ResponseWriter, r *http.Request) {
	var req redeemForDSCRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmdID, user, ok := parseIdentity(w, req.CommandID, req.User)
	if !ok {
		return
	}
	collateral, ok := parseAmount(w, "collateral_amount", req.CollateralAmount)
	if !ok {
		return
	}
	burn, ok := parseAmount(w, "burn_amount", req.BurnAmount)
	if !ok {
		return
	}

	s.execute(w, r, engine.RedeemForDSCCommand{
		ID:               cmdID,
		User:             user,
		Asset:            req.Asset,
		CollateralAmount: collateral,
		BurnAmount:       burn,
	})
}

type liquidateRequest struct {
	CommandID   string `json:"command_id"`
	Liquidator  string `json:"liquidator"`
	Target      string `json:"target"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debt_to_cover"`
}

func (s *HTTPServer) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmdID, liquidator, ok := parseIdentity(w, req.CommandID, req.Liquidator)
	if !ok {
		return
	}
	target, err := uuid.Parse(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid target: %v", err))
		return
	}
	debtToCover, ok := parseAmount(w, "debt_to_cover", req.DebtToCover)
	if !ok {
		return
	}

	s.execute(w, r, engine.LiquidateCommand{
		ID:          cmdID,
		Liquidator:  liquidator,
		Target:      target,
		Asset:       req.Asset,
		DebtToCover: debtToCover,
	})
}

type faucetRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// handleFaucet seeds a user's collateral balance with the asset's issuer.
// Deposits can only pull from balances the token collaborator already
// holds, so fresh deployments fund accounts through here.
func (s *HTTPServer) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if len(s.faucet) == 0 {
		writeError(w, http.StatusServiceUnavailable, "faucet not configured")
		return
	}

	var req faucetRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	if !amount.IsPositive() || amount.GT(fpmath.MaxAmount) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("amount out of range: %s", amount))
		return
	}

	issuer, ok := s.faucet[req.Asset]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown asset %q", req.Asset))
		return
	}

	issuer.Issue(user, amount)
	writeJSON(w, http.StatusOK, map[string]string{
		"user":    user.String(),
		"asset":   req.Asset,
		"balance": issuer.BalanceOf(user).String(),
	})
}

func (s *HTTPServer) execute(w http.ResponseWriter, r *http.Request, cmd engine.Command) {
	if err := s.runtime.Execute(r.Context(), cmd); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "applied",
		"command_id": cmd.CommandID().String(),
	})
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *HTTPServer) handleAccountInformation(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}

	info, err := s.runtime.AccountInformation(r.Context(), user)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"user":                    user.String(),
		"debt_minted":             info.DebtMinted.String(),
		"collateral_value_in_usd": info.CollateralValueInUsd.String(),
		"health_factor":           info.HealthFactor.String(),
	})
}

func (s *HTTPServer) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}

	hf, err := s.runtime.HealthFactor(r.Context(), user)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"user":          user.String(),
		"health_factor": hf.String(),
	})
}

func (s *HTTPServer) handleCollateralBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}
	asset := mux.Vars(r)["asset"]

	bal, err := s.runtime.CollateralBalanceOf(r.Context(), user, asset)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"user":    user.String(),
		"asset":   asset,
		"balance": bal.String(),
	})
}

type eventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (s *HTTPServer) handleAccountEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 || limit > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in (0, 500]")
			return
		}
	}

	rows, err := s.events.LoadEventsForUser(r.Context(), user.String(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load events: %v", err))
		return
	}

	records := make([]eventRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, eventRecord{
			Sequence:       row.Sequence,
			EventType:      row.EventType,
			IdempotencyKey: row.IdempotencyKey,
			Payload:        json.RawMessage(row.Payload),
			Timestamp:      row.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":   user.String(),
		"events": records,
	})
}

func (s *HTTPServer) handleCollateralTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.runtime.CollateralTokens(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func (s *HTTPServer) handleUsdValue(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	amount, ok := parseAmount(w, "amount", r.URL.Query().Get("amount"))
	if !ok {
		return
	}

	value, err := s.runtime.UsdValue(r.Context(), asset, amount)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"asset":     asset,
		"amount":    amount.String(),
		"usd_value": value.String(),
	})
}

func (s *HTTPServer) handleTokenAmount(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	usdValue, ok := parseAmount(w, "usd_value", r.URL.Query().Get("usd_value"))
	if !ok {
		return
	}

	amount, err := s.runtime.TokenAmountFromUsd(r.Context(), asset, usdValue)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"asset":        asset,
		"usd_value":    usdValue.String(),
		"token_amount": amount.String(),
	})
}

func (s *HTTPServer) handleConstants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"precision":                 fpmath.Precision.String(),
		"additional_feed_precision": fpmath.AdditionalFeedPrecision.String(),
		"feed_precision":            fpmath.FeedPrecision.String(),
		"min_health_factor":         fpmath.MinHealthFactor.String(),
		"liquidation_threshold":     fmt.Sprintf("%d", fpmath.LiquidationThreshold),
		"liquidation_bonus":         fmt.Sprintf("%d", fpmath.LiquidationBonus),
		"liquidation_precision":     fmt.Sprintf("%d", fpmath.LiquidationPrecision),
	})
}

// ============================================================================
// Helpers
// ============================================================================

func (s *HTTPServer) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, fmt.Sprintf("%d", sw.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func parseIdentity(w http.ResponseWriter, commandID, user string) (uuid.UUID, uuid.UUID, bool) {
	cmdID, err := uuid.Parse(commandID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid command_id: %v", err))
		return uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(user)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return uuid.Nil, uuid.Nil, false
	}
	return cmdID, userID, true
}

func parseAmount(w http.ResponseWriter, field, raw string) (sdkmath.Int, bool) {
	v, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %q", field, raw))
		return sdkmath.Int{}, false
	}
	return v, true
}

func pathUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	user, err := uuid.Parse(mux.Vars(r)["user"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return uuid.Nil, false
	}
	return user, true
}

// statusFor maps engine errors onto HTTP statuses. Health-factor and
// duplicate rejections are conflicts with current state, not bad input.
func statusFor(err error) int {
	var broken *engine.BrokenHealthFactorError
	switch {
	case errors.Is(err, engine.ErrZeroAmount),
		errors.Is(err, engine.ErrAmountTooLarge),
		errors.Is(err, engine.ErrAssetNotRegistered):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrDuplicateCommand),
		errors.Is(err, engine.ErrHealthFactorOk),
		errors.Is(err, engine.ErrHealthFactorNotImproved),
		errors.As(err, &broken):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientDebt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrPriceUnavailable),
		errors.Is(err, engine.ErrTransferFailed),
		errors.Is(err, engine.ErrMintFailed),
		errors.Is(err, engine.ErrBurnFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
