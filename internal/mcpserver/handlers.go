package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return escrowResult(raw, "")
}

// HandleNextEscrowID returns the next id to be assigned.
func (h *Handlers) HandleNextEscrowID(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.NextEscrowID(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get next escrow id: %v", err)), nil
	}

	var resp struct {
		NextID uint32 `json:"nextId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Next escrow id: %d", resp.NextID)), nil
}

// HandleListEscrows lists escrows an identity participates in.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity := req.GetString("identity", "")
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListEscrows(ctx, identity, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateEscrow creates an escrow funded by the caller.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	beneficiary := req.GetString("beneficiary", "")
	if beneficiary == "" {
		return mcp.NewToolResultError("beneficiary is required"), nil
	}
	milestones, err := parseAmounts(req.GetString("milestones", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	duration, err := uintArg(req, "duration")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	params := CreateEscrowParams{
		Beneficiary: beneficiary,
		Arbiter:     req.GetString("arbiter", ""),
		Token:       req.GetString("token", ""),
		Milestones:  milestones,
		Duration:    uint64(duration),
	}
	if d := req.GetString("descriptions", ""); d != "" {
		params.Descriptions = strings.Split(d, "|")
	}
	if _, ok := req.GetArguments()["requires_arbiter"]; ok {
		v := req.GetBool("requires_arbiter", true)
		params.RequiresArbiter = &v
	}

	raw, err := h.client.CreateEscrow(ctx, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}
	return escrowResult(raw, "Escrow created. Funds are held in custody.")
}

// HandleStartWork marks an escrow in progress.
func (h *Handlers) HandleStartWork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.StartWork(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Start work failed: %v", err)), nil
	}
	return escrowResult(raw, "Work started.")
}

// HandleSubmitMilestone marks a milestone delivered.
func (h *Handlers) HandleSubmitMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, index, err := milestoneArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.SubmitMilestone(ctx, id, index)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Submit failed: %v", err)), nil
	}
	return escrowResult(raw, fmt.Sprintf("Milestone %d submitted for approval.", index))
}

// HandleApproveMilestone pays a submitted milestone.
func (h *Handlers) HandleApproveMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, index, err := milestoneArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.ApproveMilestone(ctx, id, index)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approve failed: %v", err)), nil
	}
	return escrowResult(raw, fmt.Sprintf("Milestone %d approved and paid.", index))
}

// HandleDisputeMilestone opens a dispute.
func (h *Handlers) HandleDisputeMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, index, err := milestoneArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.DisputeMilestone(ctx, id, index)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	return escrowResult(raw, fmt.Sprintf("Milestone %d disputed. The arbiter must now resolve it.", index))
}

// HandleResolveMilestoneDispute splits a disputed milestone.
func (h *Handlers) HandleResolveMilestoneDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, index, err := milestoneArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pay, err := intArg(req, "pay_to_beneficiary")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.ResolveMilestoneDispute(ctx, id, index, pay)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolve failed: %v", err)), nil
	}
	return escrowResult(raw, fmt.Sprintf("Dispute on milestone %d resolved: %d to beneficiary.", index, pay))
}

// HandleRefundEscrow refunds unreleased funds.
func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.RefundEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}
	return escrowResult(raw, "Escrow refunded to the depositor.")
}

// HandleCompleteWork closes a fully paid escrow.
func (h *Handlers) HandleCompleteWork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := uintArg(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.CompleteWork(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Complete failed: %v", err)), nil
	}
	return escrowResult(raw, "Escrow completed.")
}

// HandleCheckBalance returns a ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("token", "")
	if token == "" {
		return mcp.NewToolResultError("token is required"), nil
	}

	raw, err := h.client.GetBalance(ctx, token, req.GetString("identity", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Argument helpers ---

// numberArg reads a numeric argument. JSON numbers arrive as float64, but
// some clients send numbers as strings.
func numberArg(req mcp.CallToolRequest, key string) (float64, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number", key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

func intArg(req mcp.CallToolRequest, key string) (int64, error) {
	f, err := numberArg(req, key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, fmt.Errorf("%s must be a whole number", key)
	}
	return int64(f), nil
}

func uintArg(req mcp.CallToolRequest, key string) (uint32, error) {
	n, err := intArg(req, key)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > math.MaxUint32 {
		return 0, fmt.Errorf("%s out of range", key)
	}
	return uint32(n), nil
}

func milestoneArgs(req mcp.CallToolRequest) (uint32, uint32, error) {
	id, err := uintArg(req, "escrow_id")
	if err != nil {
		return 0, 0, err
	}
	index, err := uintArg(req, "milestone_index")
	if err != nil {
		return 0, 0, err
	}
	return id, index, nil
}

// parseAmounts parses "2000, 3000" into milestone amounts. Positivity and
// count limits are enforced by the server.
func parseAmounts(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("milestones is required")
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid milestone amount %q", strings.TrimSpace(p))
		}
		out = append(out, n)
	}
	return out, nil
}

// --- Formatting helpers ---

type milestoneView struct {
	Description    string `json:"description"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
	PaidAmount     int64  `json:"paidAmount"`
	RefundedAmount int64  `json:"refundedAmount"`
}

type escrowView struct {
	ID              uint32          `json:"id"`
	Depositor       string          `json:"depositor"`
	Beneficiary     string          `json:"beneficiary"`
	Arbiter         string          `json:"arbiter"`
	RequiresArbiter bool            `json:"requiresArbiter"`
	Token           string          `json:"token"`
	TotalAmount     int64           `json:"totalAmount"`
	PaidAmount      int64           `json:"paidAmount"`
	RefundedAmount  int64           `json:"refundedAmount"`
	Deadline        uint64          `json:"deadline"`
	Status          string          `json:"status"`
	WorkStarted     bool            `json:"workStarted"`
	Milestones      []milestoneView `json:"milestones"`
}

// escrowResult renders an {"escrow": {...}} response with an optional
// leading summary line.
func escrowResult(raw json.RawMessage, summary string) (*mcp.CallToolResult, error) {
	var resp struct {
		Escrow *escrowView `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	var sb strings.Builder
	if summary != "" {
		sb.WriteString(summary)
		sb.WriteString("\n\n")
	}
	sb.WriteString(formatEscrow(resp.Escrow))
	return mcp.NewToolResultText(sb.String()), nil
}

func formatEscrow(e *escrowView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow #%d [%s]\n", e.ID, e.Status)
	fmt.Fprintf(&sb, "  Depositor:   %s\n", e.Depositor)
	fmt.Fprintf(&sb, "  Beneficiary: %s\n", e.Beneficiary)
	if e.Arbiter != "" {
		fmt.Fprintf(&sb, "  Arbiter:     %s\n", e.Arbiter)
	} else if e.RequiresArbiter {
		sb.WriteString("  Arbiter:     (required, not set)\n")
	}
	fmt.Fprintf(&sb, "  Total:       %d %s (paid %d, refunded %d)\n",
		e.TotalAmount, e.Token, e.PaidAmount, e.RefundedAmount)
	fmt.Fprintf(&sb, "  Deadline:    %d\n", e.Deadline)
	fmt.Fprintf(&sb, "  Work started: %t\n", e.WorkStarted)
	if len(e.Milestones) > 0 {
		sb.WriteString("  Milestones:\n")
		for i, m := range e.Milestones {
			fmt.Fprintf(&sb, "    %d. %d [%s]", i, m.Amount, m.Status)
			if m.Description != "" {
				fmt.Fprintf(&sb, " %s", m.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows    []escrowView `json:"escrows"`
		Count      int          `json:"count"`
		NextCursor string       `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", resp.Count)
	for _, e := range resp.Escrows {
		fmt.Fprintf(&sb, "#%d [%s] %s -> %s: %d %s, %d milestone(s)\n",
			e.ID, e.Status, e.Depositor, e.Beneficiary, e.TotalAmount, e.Token, len(e.Milestones))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore results: pass cursor %q\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Balance might be at top level or nested under "balance"
	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	amount, _ := getFloat(bal, "amount")
	return fmt.Sprintf("Balance of %s:\n  %s: %d\n",
		getString(bal, "holder"), getString(bal, "token"), int64(amount)), nil
}

// formatJSON pretty-prints raw JSON, falling back to the raw string.
func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// getFloat extracts a numeric value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
