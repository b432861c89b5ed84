package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Writer submits one settlement write and returns the ledger transaction id.
// The call is opaque to the execution engine: it either yields a reference or
// fails, and a failure is recorded against the execution slot and retried on
// the next due tick.
type Writer interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

type SubmitRequest struct {
	PlanID          uint64          `json:"plan_id"`
	ExecutionNumber int             `json:"execution_number"`
	OwnerID         string          `json:"owner_id"`
	DepositAsset    string          `json:"deposit_asset"`
	TargetAsset     string          `json:"target_asset"`
	AmountIn        decimal.Decimal `json:"amount_in"`
	AmountOut       decimal.Decimal `json:"amount_out"`
	Price           decimal.Decimal `json:"price"`
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error (%d): %s", e.Status, e.Body)
}

type Client struct {
	host       string
	httpClient *http.Client
}

func NewClient(httpClient *http.Client, host string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		httpClient: httpClient,
	}
}

type submitResponse struct {
	TxID string `json:"tx_id"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode submit request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/transactions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	var parsed submitResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(parsed.TxID) == "" {
		return "", fmt.Errorf("ledger response missing tx_id")
	}
	return parsed.TxID, nil
}
