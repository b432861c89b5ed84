package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Event types.
const (
	EventPlanExecuted  = "plan_executed"
	EventPlanCompleted = "plan_completed"
	EventPlanFailed    = "plan_failed"
)

type Event struct {
	Type            string           `json:"type"`
	PlanID          uint64           `json:"plan_id"`
	OwnerID         string           `json:"owner_id"`
	ExecutionNumber int              `json:"execution_number"`
	AmountOut       *decimal.Decimal `json:"amount_out,omitempty"`
	LedgerTxID      *string          `json:"ledger_tx_id,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	At              time.Time        `json:"at"`
}

// Notifier delivery is fire-and-forget: failures are logged by the
// implementation and never surfaced to the execution path.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// LogNotifier records events to the structured log only. It is the default
// and the fallback when no webhook is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, evt Event) {
	if n == nil || n.Logger == nil {
		return
	}
	n.Logger.Info("plan notification",
		zap.String("type", evt.Type),
		zap.Uint64("plan_id", evt.PlanID),
		zap.String("owner_id", evt.OwnerID),
		zap.Int("execution_number", evt.ExecutionNumber),
		zap.String("reason", evt.Reason),
	)
}

// WebhookNotifier posts events to an external endpoint.
type WebhookNotifier struct {
	HTTP   *http.Client
	Logger *zap.Logger
	URL    string
}

func (n *WebhookNotifier) Notify(ctx context.Context, evt Event) {
	if n == nil || n.URL == "" {
		return
	}
	if err := n.post(ctx, evt); err != nil && n.Logger != nil {
		n.Logger.Warn("notification delivery failed",
			zap.String("type", evt.Type),
			zap.Uint64("plan_id", evt.PlanID),
			zap.Error(err),
		)
	}
}

func (n *WebhookNotifier) post(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	httpClient := n.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
