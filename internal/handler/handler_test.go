package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/database"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/lock"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/service"
	"github.com/mrbabu07/HnilaBazar-sub000/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"}

	db, err := database.Open(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	logger := zap.NewNop()
	ledger := service.NewLedgerService(db, lock.NewLocalAccountLocker(), cfg, logger)
	redemption := service.NewRedemptionService(db, ledger, service.NewDiscountReconciler(nil), cfg, logger)
	referral := service.NewReferralService(db, ledger, cfg, logger)

	return SetupRouter(NewHandler(ledger, redemption, referral, logger), gin.TestMode, logger)
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func TestHandler_EarnHoldCommitFlow(t *testing.T) {
	r := setupRouter(t)

	w, env := do(t, r, http.MethodPost, "/loyalty/accounts/u-1/earn", gin.H{"order_id": "o-1", "amount_spent": "1200"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, response.CodeSuccess, env.Code)

	w, env = do(t, r, http.MethodPost, "/loyalty/redeem/hold", gin.H{
		"user_id": "u-1", "order_id": "o-2", "requested_points": 500, "order_subtotal": "80.00",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var hold HoldResponse
	require.NoError(t, json.Unmarshal(env.Data, &hold))
	assert.NotEmpty(t, hold.HoldID)
	assert.Equal(t, "5", hold.DiscountAmount.String())

	w, _ = do(t, r, http.MethodGet, "/loyalty/redeem/"+hold.HoldID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, r, http.MethodPost, "/loyalty/redeem/"+hold.HoldID+"/commit", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &hold))
	assert.Equal(t, "committed", string(hold.State))

	w, env = do(t, r, http.MethodGet, "/loyalty/accounts/u-1/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view service.BalanceView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, int64(700), view.Balance)
	assert.Equal(t, int64(0), view.HeldPoints)
	assert.Equal(t, "silver", view.Tier)

	w, env = do(t, r, http.MethodGet, "/loyalty/accounts/u-1/history?page=1&page_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page service.HistoryPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(2), page.Total)
}

func TestHandler_ErrorMapping(t *testing.T) {
	r := setupRouter(t)

	w, env := do(t, r, http.MethodPost, "/loyalty/redeem/hold", gin.H{
		"user_id": "u-1", "order_id": "o-1", "requested_points": 50, "order_subtotal": "80.00",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, response.CodeBelowMinimumRedemption, env.Code)

	w, env = do(t, r, http.MethodPost, "/loyalty/redeem/HLD-missing/commit", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.CodeHoldNotFound, env.Code)

	w, env = do(t, r, http.MethodPost, "/loyalty/redeem/hold", gin.H{"requested_points": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeParamError, env.Code)

	w, env = do(t, r, http.MethodPost, "/loyalty/referral/apply", gin.H{"new_user_id": "u-2", "code": "NOPE0000"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.CodeInvalidReferralCode, env.Code)
}

func TestHandler_SignupAndReferral(t *testing.T) {
	r := setupRouter(t)

	w, env := do(t, r, http.MethodPost, "/loyalty/accounts/referrer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var signup struct {
		ReferralCode string `json:"referral_code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &signup))
	require.NotEmpty(t, signup.ReferralCode)

	w, _ = do(t, r, http.MethodPost, "/loyalty/referral/apply", gin.H{"new_user_id": "newbie", "code": signup.ReferralCode})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = do(t, r, http.MethodPost, "/loyalty/referral/apply", gin.H{"new_user_id": "newbie", "code": signup.ReferralCode})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.CodeAlreadyReferred, env.Code)
}

func TestHandler_AdminAdjustAndTiers(t *testing.T) {
	r := setupRouter(t)

	w, _ := do(t, r, http.MethodPost, "/loyalty/admin/accounts/u-1/adjust", gin.H{"delta": 300, "reason": "goodwill", "actor_id": "admin"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env := do(t, r, http.MethodPost, "/loyalty/admin/accounts/u-1/adjust", gin.H{"delta": -400, "reason": "oops", "actor_id": "admin"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, response.CodeInsufficientBalance, env.Code)

	w, _ = do(t, r, http.MethodPost, "/loyalty/admin/accounts/u-1/reconcile", gin.H{"actor_id": "ops"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, r, http.MethodGet, "/loyalty/tiers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tiers []service.TierDefinition
	require.NoError(t, json.Unmarshal(env.Data, &tiers))
	assert.Len(t, tiers, 4)
}

func TestHandler_RequestIDAndHealth(t *testing.T) {
	r := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get(headerRequestID))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestHandler_HistoryPageSizeParams(t *testing.T) {
	r := setupRouter(t)

	for _, order := range []string{"o-1", "o-2", "o-3"} {
		w, _ := do(t, r, http.MethodPost, "/loyalty/accounts/u-1/earn", gin.H{"order_id": order, "amount_spent": "10"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	tests := []struct {
		name  string
		query string
		size  int
		items int
	}{
		{"snake case", "page=1&page_size=2", 2, 2},
		{"camel case", "page=1&pageSize=1", 1, 1},
		{"snake case wins", "page=1&page_size=2&pageSize=1", 2, 2},
		{"default", "page=1", 20, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(t, r, http.MethodGet, "/loyalty/accounts/u-1/history?"+tt.query, nil)
			require.Equal(t, http.StatusOK, w.Code)
			var page service.HistoryPage
			require.NoError(t, json.Unmarshal(env.Data, &page))
			assert.Equal(t, int64(3), page.Total)
			assert.Equal(t, tt.size, page.PageSize)
			assert.Len(t, page.Items, tt.items)
		})
	}
}
