package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to an escrowd instance.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // API key issued by /v1/admin/keys, e.g. "sk_..."
	Identity string // Identity the key belongs to; default balance holder
}

// EscrowClient is a pure HTTP client for the escrowd API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrowd API.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is the {"error","message"} body every escrowd handler writes.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to escrowd and returns the response body.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func escrowPath(id uint32, suffix string) string {
	return "/v1/escrows/" + strconv.FormatUint(uint64(id), 10) + suffix
}

func milestonePath(id, index uint32, action string) string {
	return escrowPath(id, "/milestones/"+strconv.FormatUint(uint64(index), 10)+"/"+action)
}

// CreateEscrowParams is the body of POST /v1/escrows. The depositor is
// whoever owns the API key.
type CreateEscrowParams struct {
	Beneficiary     string   `json:"beneficiary"`
	Arbiter         string   `json:"arbiter,omitempty"`
	RequiresArbiter *bool    `json:"requiresArbiter,omitempty"`
	Token           string   `json:"token,omitempty"`
	Milestones      []int64  `json:"milestones"`
	Descriptions    []string `json:"descriptions,omitempty"`
	Duration        uint64   `json:"duration"`
}

// GetEscrow fetches a single escrow.
func (c *EscrowClient) GetEscrow(ctx context.Context, id uint32) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, escrowPath(id, ""), nil, nil)
}

// NextEscrowID returns the id the next created escrow will receive.
func (c *EscrowClient) NextEscrowID(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/next-id", nil, nil)
}

// ListEscrows lists escrows the identity participates in, newest first.
// cursor is the nextCursor of a previous page.
func (c *EscrowClient) ListEscrows(ctx context.Context, identity string, limit int, cursor string) (json.RawMessage, error) {
	if identity == "" {
		identity = c.cfg.Identity
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(identity)+"/escrows", q, nil)
}

// CreateEscrow locks the milestone total into custody.
func (c *EscrowClient) CreateEscrow(ctx context.Context, p CreateEscrowParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, p)
}

// StartWork marks the escrow in progress. Beneficiary only.
func (c *EscrowClient) StartWork(ctx context.Context, id uint32) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/start"), nil, nil)
}

// SubmitMilestone marks a milestone delivered. Beneficiary only.
func (c *EscrowClient) SubmitMilestone(ctx context.Context, id, index uint32) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, milestonePath(id, index, "submit"), nil, nil)
}

// ApproveMilestone pays a submitted milestone. Depositor only.
func (c *EscrowClient) ApproveMilestone(ctx context.Context, id, index uint32) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, milestonePath(id, index, "approve"), nil, nil)
}

// DisputeMilestone opens a dispute on a milestone.
func (c *EscrowClient) DisputeMilestone(ctx context.Context, id, index uint32) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, milestonePath(id, index, "dispute"), nil, nil)
}

// ResolveMilestoneDispute splits a disputed milestone. Arbiter only.
func (c *EscrowClient) ResolveMilestoneDispute(ctx context.Context, id, index uint32, payToBeneficiary int64) (json.RawMessage, error) {
	body := map[string]int64{"payToBeneficiary": payToBeneficiary}
	return c.doRequest(ctx, http.MethodPost, milestonePath(id, index, "resolve"), nil, body)
}

// RefundEscrow returns unreleased funds to the depositor.
func (c *EscrowClient) RefundEscrow(ctx context.Context, id uint32) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/refund"), nil, nil)
}

// CompleteWork closes an escrow whose milestones are all paid.
func (c *EscrowClient) CompleteWork(ctx context.Context, id uint32) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/complete"), nil, nil)
}

// GetBalance returns the ledger balance of identity in token. An empty
// identity means the configured one.
func (c *EscrowClient) GetBalance(ctx context.Context, token, identity string) (json.RawMessage, error) {
	if identity == "" {
		identity = c.cfg.Identity
	}
	path := "/v1/balances/" + url.PathEscape(token) + "/" + url.PathEscape(identity)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}
