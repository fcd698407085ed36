package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:   ts.URL,
		APIKey:   "ek_test_key",
		Identity: "alice",
	}
	h := NewHandlers(NewEscrowClient(cfg))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func escrowJSON(status string) map[string]any {
	return map[string]any{
		"escrow": map[string]any{
			"id":              7,
			"depositor":       "alice",
			"beneficiary":     "bob",
			"arbiter":         "carol",
			"requiresArbiter": true,
			"token":           "usdc",
			"totalAmount":     5000,
			"paidAmount":      2000,
			"deadline":        1700086400,
			"status":          status,
			"workStarted":     true,
			"milestones": []map[string]any{
				{"description": "design", "amount": 2000, "status": "approved", "paidAmount": 2000},
				{"amount": 3000, "status": "pending"},
			},
		},
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, APIKey: "ek_secret123", Identity: "alice"})
	_, err := client.NextEscrowID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer ek_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "unauthorized",
			"message": "only the depositor may approve",
		})
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.ApproveMilestone(context.Background(), 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "only the depositor may approve")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.GetEscrow(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewEscrowClient(Config{APIURL: "http://127.0.0.1:1", APIKey: "k"})
	_, err := client.NextEscrowID(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, APIKey: "k"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.GetEscrow(ctx, 1)
	require.Error(t, err)
}

func TestClient_Paths(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewEscrowClient(Config{APIURL: ts.URL, APIKey: "k", Identity: "alice"})
	ctx := context.Background()
	_, _ = c.GetEscrow(ctx, 3)
	_, _ = c.StartWork(ctx, 3)
	_, _ = c.SubmitMilestone(ctx, 3, 1)
	_, _ = c.ApproveMilestone(ctx, 3, 1)
	_, _ = c.DisputeMilestone(ctx, 3, 2)
	_, _ = c.ResolveMilestoneDispute(ctx, 3, 2, 10)
	_, _ = c.RefundEscrow(ctx, 3)
	_, _ = c.CompleteWork(ctx, 3)
	_, _ = c.GetBalance(ctx, "usdc", "")
	_, _ = c.ListEscrows(ctx, "bob", 0, "")

	assert.Equal(t, []string{
		"GET /v1/escrows/3",
		"POST /v1/escrows/3/start",
		"POST /v1/escrows/3/milestones/1/submit",
		"POST /v1/escrows/3/milestones/1/approve",
		"POST /v1/escrows/3/milestones/2/dispute",
		"POST /v1/escrows/3/milestones/2/resolve",
		"POST /v1/escrows/3/refund",
		"POST /v1/escrows/3/complete",
		"GET /v1/balances/usdc/alice",
		"GET /v1/agents/bob/escrows",
	}, got)
}

func TestClient_CreateEscrow_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/escrows", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "bob", m["beneficiary"])
		assert.Equal(t, []any{float64(2000), float64(3000)}, m["milestones"])
		assert.EqualValues(t, 86400, m["duration"])
		assert.Equal(t, false, m["requiresArbiter"])
		assert.NotContains(t, m, "arbiter")

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(escrowJSON("pending"))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, APIKey: "k"})
	no := false
	_, err := client.CreateEscrow(context.Background(), CreateEscrowParams{
		Beneficiary:     "bob",
		RequiresArbiter: &no,
		Milestones:      []int64{2000, 3000},
		Duration:        86400,
	})
	require.NoError(t, err)
}

func TestClient_ResolveMilestoneDispute_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]int64
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		assert.Equal(t, int64(0), m["payToBeneficiary"])
		_ = json.NewEncoder(w).Encode(escrowJSON("refunded"))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.ResolveMilestoneDispute(context.Background(), 1, 0, 0)
	require.NoError(t, err)
}

func TestClient_ListEscrows_Limit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/alice/escrows", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"escrows":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, APIKey: "k", Identity: "alice"})
	_, err := client.ListEscrows(context.Background(), "", 5, "abc")
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetEscrow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/7", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(escrowJSON("in_progress"))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": float64(7)}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow #7 [in_progress]")
	assert.Contains(t, text, "Beneficiary: bob")
	assert.Contains(t, text, "Arbiter:     carol")
	assert.Contains(t, text, "5000 usdc (paid 2000, refunded 0)")
	assert.Contains(t, text, "0. 2000 [approved] design")
	assert.Contains(t, text, "1. 3000 [pending]")
}

func TestHandleGetEscrow_StringID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/7", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(escrowJSON("pending"))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "7"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestHandleGetEscrow_InvalidID(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{}))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing", map[string]any{}, "escrow_id is required"},
		{"fractional", map[string]any{"escrow_id": 1.5}, "whole number"},
		{"negative", map[string]any{"escrow_id": float64(-1)}, "out of range"},
		{"not a number", map[string]any{"escrow_id": "seven"}, "must be a number"},
		{"wrong type", map[string]any{"escrow_id": true}, "must be a number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleGetEscrow(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleGetEscrow_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/99", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "not_found", "message": "escrow not found"})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": float64(99)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow not found")
}

func TestHandleNextEscrowID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/next-id", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"nextId":12}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleNextEscrowID(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Next escrow id: 12", resultText(t, result))
}

func TestHandleListEscrows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/alice/escrows", func(w http.ResponseWriter, r *http.Request) {
		e := escrowJSON("in_progress")["escrow"]
		_ = json.NewEncoder(w).Encode(map[string]any{"escrows": []any{e}, "count": 1, "hasMore": true, "nextCursor": "YmVmb3JlOjc"})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 escrow(s)")
	assert.Contains(t, text, "#7 [in_progress] alice -> bob: 5000 usdc, 2 milestone(s)")
	assert.Contains(t, text, `pass cursor "YmVmb3JlOjc"`)
}

func TestHandleListEscrows_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/dave/escrows", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"escrows":[],"count":0}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(map[string]any{"identity": "dave"}))
	require.NoError(t, err)
	assert.Equal(t, "No escrows found.", resultText(t, result))
}

func TestHandleCreateEscrow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{float64(2000), float64(3000)}, body["milestones"])
		assert.Equal(t, []any{"design", "build"}, body["descriptions"])
		assert.Equal(t, "carol", body["arbiter"])
		assert.Equal(t, true, body["requiresArbiter"])
		assert.Equal(t, "usdc", body["token"])

		w.WriteHeader(http.StatusCreated)
		resp := escrowJSON("pending")
		resp["id"] = 7
		_ = json.NewEncoder(w).Encode(resp)
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
		"beneficiary":      "bob",
		"milestones":       "2000, 3000",
		"descriptions":     "design|build",
		"duration":         float64(86400),
		"arbiter":          "carol",
		"requires_arbiter": true,
		"token":            "usdc",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Escrow created")
	assert.Contains(t, text, "Escrow #7")
}

func TestHandleCreateEscrow_OmitsArbiterModeWhenUnset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "requiresArbiter")
		assert.NotContains(t, body, "descriptions")
		_ = json.NewEncoder(w).Encode(escrowJSON("pending"))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
		"beneficiary": "bob",
		"milestones":  "100",
		"duration":    float64(60),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestHandleCreateEscrow_Validation(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{}))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing beneficiary", map[string]any{"milestones": "1", "duration": float64(1)}, "beneficiary is required"},
		{"missing milestones", map[string]any{"beneficiary": "bob", "duration": float64(1)}, "milestones is required"},
		{"bad amount", map[string]any{"beneficiary": "bob", "milestones": "10,x", "duration": float64(1)}, `invalid milestone amount "x"`},
		{"missing duration", map[string]any{"beneficiary": "bob", "milestones": "10"}, "duration is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleCreateEscrow(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleCreateEscrow_InsufficientBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "insufficient_balance", "message": "insufficient balance"})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
		"beneficiary": "bob",
		"milestones":  "100",
		"duration":    float64(60),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Escrow creation failed")
	assert.Contains(t, resultText(t, result), "insufficient balance")
}

func TestHandleMilestoneActions(t *testing.T) {
	mux := http.NewServeMux()
	for _, action := range []string{"submit", "approve", "dispute", "resolve"} {
		mux.HandleFunc("/v1/escrows/7/milestones/1/"+action, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			_ = json.NewEncoder(w).Encode(escrowJSON("in_progress"))
		})
	}
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	args := map[string]any{"escrow_id": float64(7), "milestone_index": float64(1)}
	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		want    string
	}{
		{"submit", h.HandleSubmitMilestone, args, "Milestone 1 submitted"},
		{"approve", h.HandleApproveMilestone, args, "Milestone 1 approved and paid"},
		{"dispute", h.HandleDisputeMilestone, args, "Milestone 1 disputed"},
		{"resolve", h.HandleResolveMilestoneDispute, map[string]any{
			"escrow_id": float64(7), "milestone_index": float64(1), "pay_to_beneficiary": float64(1200),
		}, "1200 to beneficiary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.handler(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.False(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleMilestoneActions_MissingIndex(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{}))
	result, err := h.HandleSubmitMilestone(context.Background(), makeRequest(map[string]any{"escrow_id": float64(1)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "milestone_index is required")
}

func TestHandleResolveMilestoneDispute_MissingAmount(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{}))
	result, err := h.HandleResolveMilestoneDispute(context.Background(), makeRequest(map[string]any{
		"escrow_id": float64(1), "milestone_index": float64(0),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "pay_to_beneficiary is required")
}

func TestHandleEscrowActions(t *testing.T) {
	mux := http.NewServeMux()
	for _, action := range []string{"start", "refund", "complete"} {
		mux.HandleFunc("/v1/escrows/7/"+action, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(escrowJSON("released"))
		})
	}
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	args := map[string]any{"escrow_id": float64(7)}
	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		want    string
	}{
		{"start", h.HandleStartWork, "Work started."},
		{"refund", h.HandleRefundEscrow, "Escrow refunded"},
		{"complete", h.HandleCompleteWork, "Escrow completed."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.handler(context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.False(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleRefundEscrow_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/7/refund", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "work_started", "message": "work has already started"})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRefundEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": float64(7)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Refund failed")
	assert.Contains(t, resultText(t, result), "409")
}

func TestHandleCheckBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/balances/usdc/alice", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"balance":{"token":"usdc","holder":"alice","amount":4200}}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(map[string]any{"token": "usdc"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Balance of alice")
	assert.Contains(t, text, "usdc: 4200")
}

func TestHandleCheckBalance_MissingToken(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{}))
	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "token is required")
}

// ============================================================
// Helper tests
// ============================================================

func TestParseAmounts(t *testing.T) {
	got, err := parseAmounts(" 1, 2 ,3")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, got)

	_, err = parseAmounts("1,,2")
	assert.Error(t, err)
}

func TestEscrowResult_FallsBackToJSON(t *testing.T) {
	result, err := escrowResult(json.RawMessage(`{"status":"ok"}`), "ignored")
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"status": "ok"`)
}

func TestFormatBalance_MalformedJSON(t *testing.T) {
	_, err := formatBalance(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	assert.Equal(t, "not json", formatJSON(json.RawMessage("not json")))
}

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"holder": "alice"}
	assert.Equal(t, "alice", getString(m, "missing", "holder"))
	assert.Equal(t, "", getString(m, "missing"))
}
