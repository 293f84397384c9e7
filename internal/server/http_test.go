package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DSCLedger/internal/engine"
	"DSCLedger/internal/fpmath"
	"DSCLedger/internal/oracle"
	"DSCLedger/internal/server"
	"DSCLedger/internal/token"
)

type fixture struct {
	handler http.Handler
	user    uuid.UUID
	weth    *token.Bank
	dsc     *token.StableUnit
	feed    *oracle.StaticFeed
}

// newFixture wires an engine runtime behind the HTTP handler. WETH is
// priced at $2000 and the user holds 100 WETH.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	feed := oracle.NewStaticFeed(sdkmath.NewInt(2000).Mul(fpmath.FeedPrecision))
	weth := token.NewBank("WETH")
	dsc := token.NewStableUnit("DSC")

	eng, err := engine.New(engine.Config{
		Symbols: []string{"WETH"},
		Feeds:   []oracle.PriceFeed{feed},
		Tokens:  []token.Token{weth},
		Stable:  dsc,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	rt := engine.NewRuntime(eng, 64, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx)

	srv := server.NewHTTPServer(":0", &server.Deps{
		Runtime: rt,
		Faucet:  map[string]server.Issuer{"WETH": weth},
	})

	user := uuid.New()
	weth.Issue(user, sdkmath.NewInt(100).Mul(fpmath.Precision))
	return &fixture{handler: srv.Handler(), user: user, weth: weth, dsc: dsc, feed: feed}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return m
}

func e18str(n int64) string {
	return sdkmath.NewInt(n).Mul(fpmath.Precision).String()
}

// ============================================================================
// Test: command endpoints
// ============================================================================

func TestDepositAndMint_Applied(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/collateral/deposit-and-mint", map[string]string{
		"command_id":        uuid.NewString(),
		"user":              f.user.String(),
		"asset":             "WETH",
		"collateral_amount": e18str(10),
		"mint_amount":       e18str(5000),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	if got := f.dsc.BalanceOf(f.user); !got.Equal(sdkmath.NewInt(5000).Mul(fpmath.Precision)) {
		t.Errorf("dsc balance: got %s, want 5000e18", got)
	}

	info := decodeMap(t, f.get(t, "/v1/accounts/"+f.user.String()))
	if info["debt_minted"] != e18str(5000) {
		t.Errorf("debt_minted: got %v", info["debt_minted"])
	}
	if info["collateral_value_in_usd"] != e18str(20000) {
		t.Errorf("collateral_value_in_usd: got %v", info["collateral_value_in_usd"])
	}
}

func TestDeposit_InvalidUser_Rejected(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/collateral/deposit", map[string]string{
		"command_id": uuid.NewString(),
		"user":       "not-a-uuid",
		"asset":      "WETH",
		"amount":     e18str(1),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestDeposit_InvalidAmount_Rejected(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/collateral/deposit", map[string]string{
		"command_id": uuid.NewString(),
		"user":       f.user.String(),
		"asset":      "WETH",
		"amount":     "ten",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestDeposit_UnknownAsset_Rejected(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/collateral/deposit", map[string]string{
		"command_id": uuid.NewString(),
		"user":       f.user.String(),
		"asset":      "DOGE",
		"amount":     e18str(1),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestDuplicateCommand_Conflict(t *testing.T) {
	f := newFixture(t)

	body := map[string]string{
		"command_id": uuid.NewString(),
		"user":       f.user.String(),
		"asset":      "WETH",
		"amount":     e18str(1),
	}

	if rec := f.post(t, "/v1/collateral/deposit", body); rec.Code != http.StatusOK {
		t.Fatalf("first submit: status %d", rec.Code)
	}
	if rec := f.post(t, "/v1/collateral/deposit", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate submit: status %d, want 409", rec.Code)
	}

	bal := decodeMap(t, f.get(t, fmt.Sprintf("/v1/accounts/%s/collateral/WETH", f.user)))
	if bal["balance"] != e18str(1) {
		t.Errorf("balance after duplicate: got %v, want 1e18", bal["balance"])
	}
}

func TestMint_PastThreshold_Conflict(t *testing.T) {
	f := newFixture(t)

	if rec := f.post(t, "/v1/collateral/deposit", map[string]string{
		"command_id": uuid.NewString(),
		"user":       f.user.String(),
		"asset":      "WETH",
		"amount":     e18str(10),
	}); rec.Code != http.StatusOK {
		t.Fatalf("deposit: status %d", rec.Code)
	}

	// 10 WETH at $2000 backs at most 10000 DSC.
	rec := f.post(t, "/v1/debt/mint", map[string]string{
		"command_id": uuid.NewString(),
		"user":       f.user.String(),
		"amount":     e18str(10001),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
}

func TestRedeem_BeyondBalance_Unprocessable(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/collateral/redeem", map[string]string{
		"command_id": uuid.NewString(),
		"user":       f.user.String(),
		"asset":      "WETH",
		"amount":     e18str(1),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", rec.Code)
	}
}

func TestMint_StaleOracle_BadGateway(t *testing.T) {
	f := newFixture(t)

	if rec := f.post(t, "/v1/collateral/deposit", map[string]string{
		"command_id": uuid.NewString(),
		"user":       f.user.String(),
		"asset":      "WETH",
		"amount":     e18str(10),
	}); rec.Code != http.StatusOK {
		t.Fatalf("deposit: status %d", rec.Code)
	}

	f.feed.SetStale(true)
	rec := f.post(t, "/v1/debt/mint", map[string]string{
		"command_id": uuid.NewString(),
		"user":       f.user.String(),
		"amount":     e18str(1),
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", rec.Code)
	}
}

func TestLiquidate_HealthyTarget_Conflict(t *testing.T) {
	f := newFixture(t)

	if rec := f.post(t, "/v1/collateral/deposit-and-mint", map[string]string{
		"command_id":        uuid.NewString(),
		"user":              f.user.String(),
		"asset":             "WETH",
		"collateral_amount": e18str(10),
		"mint_amount":       e18str(1000),
	}); rec.Code != http.StatusOK {
		t.Fatalf("setup: status %d", rec.Code)
	}

	rec := f.post(t, "/v1/liquidate", map[string]string{
		"command_id":    uuid.NewString(),
		"liquidator":    uuid.NewString(),
		"target":        f.user.String(),
		"asset":         "WETH",
		"debt_to_cover": e18str(100),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
}

// ============================================================================
// Test: query endpoints
// ============================================================================

func TestHealthFactor_ZeroDebt_Max(t *testing.T) {
	f := newFixture(t)

	hf := decodeMap(t, f.get(t, fmt.Sprintf("/v1/accounts/%s/health-factor", f.user)))
	if hf["health_factor"] != fpmath.MaxHealthFactor.String() {
		t.Errorf("health_factor: got %v", hf["health_factor"])
	}
}

func TestCollateralTokens(t *testing.T) {
	f := newFixture(t)

	resp := decodeMap(t, f.get(t, "/v1/collateral/tokens"))
	tokens, ok := resp["tokens"].([]interface{})
	if !ok || len(tokens) != 1 || tokens[0] != "WETH" {
		t.Errorf("tokens: got %v", resp["tokens"])
	}
}

func TestQuotes(t *testing.T) {
	f := newFixture(t)

	usd := decodeMap(t, f.get(t, "/v1/quotes/usd-value?asset=WETH&amount="+e18str(3)))
	if usd["usd_value"] != e18str(6000) {
		t.Errorf("usd_value: got %v, want 6000e18", usd["usd_value"])
	}

	amt := decodeMap(t, f.get(t, "/v1/quotes/token-amount?asset=WETH&usd_value="+e18str(6000)))
	if amt["token_amount"] != e18str(3) {
		t.Errorf("token_amount: got %v, want 3e18", amt["token_amount"])
	}
}

func TestQuotes_OversizedAmount_Rejected(t *testing.T) {
	// Amounts near the 256-bit ceiling parse fine but would overflow the
	// conversion arithmetic; the quote endpoints must refuse them.
	f := newFixture(t)
	huge := "1" + strings.Repeat("0", 75)

	rec := f.get(t, "/v1/quotes/usd-value?asset=WETH&amount="+huge)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("usd-value status: got %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}

	rec = f.get(t, "/v1/quotes/token-amount?asset=WETH&usd_value="+huge)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("token-amount status: got %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestFaucet_FundedBalancePermitsDeposit(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	rec := f.post(t, "/v1/faucet", map[string]string{
		"user":   user.String(),
		"asset":  "WETH",
		"amount": e18str(5),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("faucet status: got %d (body %s)", rec.Code, rec.Body.String())
	}
	if body := decodeMap(t, rec); body["balance"] != e18str(5) {
		t.Errorf("balance: got %v, want 5e18", body["balance"])
	}

	rec = f.post(t, "/v1/collateral/deposit", map[string]string{
		"command_id": uuid.NewString(),
		"user":       user.String(),
		"asset":      "WETH",
		"amount":     e18str(5),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status: got %d (body %s)", rec.Code, rec.Body.String())
	}

	bal := decodeMap(t, f.get(t, "/v1/accounts/"+user.String()+"/collateral/WETH"))
	if bal["balance"] != e18str(5) {
		t.Errorf("collateral balance: got %v, want 5e18", bal["balance"])
	}
}

func TestFaucet_UnknownAsset_Rejected(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/faucet", map[string]string{
		"user":   uuid.NewString(),
		"asset":  "DOGE",
		"amount": e18str(1),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestFaucet_NotConfigured_Unavailable(t *testing.T) {
	srv := server.NewHTTPServer(":0", &server.Deps{})

	req := httptest.NewRequest(http.MethodPost, "/v1/faucet", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rec.Code)
	}
}

func TestConstants(t *testing.T) {
	f := newFixture(t)

	c := decodeMap(t, f.get(t, "/v1/constants"))
	if c["precision"] != fpmath.Precision.String() {
		t.Errorf("precision: got %v", c["precision"])
	}
	if c["liquidation_threshold"] != "50" {
		t.Errorf("liquidation_threshold: got %v", c["liquidation_threshold"])
	}
	if c["liquidation_bonus"] != "10" {
		t.Errorf("liquidation_bonus: got %v", c["liquidation_bonus"])
	}
}

func TestAccountEvents_NoStore_Unavailable(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, fmt.Sprintf("/v1/accounts/%s/events", f.user))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
}
