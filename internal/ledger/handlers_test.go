package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandler(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := newTestLedger()
	h := NewHandler(l, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r, l
}

func TestHandler_GetBalance(t *testing.T) {
	r, l := setupHandler(t)
	_, err := l.Mint(context.Background(), "usdc", "alice", 250)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/balances/usdc/alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Balance Balance `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(250), resp.Balance.Amount)
	assert.Equal(t, "alice", resp.Balance.Holder)
}

func TestHandler_GetBalanceInvalidToken(t *testing.T) {
	r, _ := setupHandler(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/balances/bad%20token/alice", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Mint(t *testing.T) {
	r, l := setupHandler(t)

	body, _ := json.Marshal(MintRequest{Token: "usdc", To: "bob", Amount: 75})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/mint", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, int64(75), balanceOf(t, l, "usdc", "bob"))
}

func TestHandler_MintValidation(t *testing.T) {
	r, _ := setupHandler(t)

	body := []byte(`{"token":"usdc","to":"bob","amount":-3}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/mint", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_failed")
}

func TestHandler_History(t *testing.T) {
	r, l := setupHandler(t)
	ctx := context.Background()
	_, _ = l.Mint(ctx, "usdc", "alice", 100)
	require.NoError(t, l.Transfer(ctx, "usdc", "alice", "bob", 1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/agents/bob/ledger", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
