package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/shopflow/settlement-engine/internal/config"
)

// Client talks to the inventory collaborator. Stock adjustment is a hand-off:
// every call retries a bounded number of times and failures surface to the
// caller, who logs and continues rather than blocking commission correctness
// on inventory availability.
type Client struct {
	config config.InventoryConfig
	logger *slog.Logger
	http   *http.Client
}

type adjustmentRequest struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// NewClient creates an inventory client
func NewClient(cfg config.InventoryConfig, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ReleaseReservation frees a stock reservation for a variant
func (c *Client) ReleaseReservation(ctx context.Context, variantID string, quantity int) error {
	return c.post(ctx, "/reservations/release", variantID, quantity)
}

// DecrementOnHand reduces on-hand stock for a variant
func (c *Client) DecrementOnHand(ctx context.Context, variantID string, quantity int) error {
	return c.post(ctx, "/stock/decrement", variantID, quantity)
}

func (c *Client) post(ctx context.Context, path, variantID string, quantity int) error {
	body, err := json.Marshal(adjustmentRequest{VariantID: variantID, Quantity: quantity})
	if err != nil {
		return errors.Wrap(err, "failed to serialize inventory request")
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
			c.logger.Debug("Retrying inventory call",
				"path", path, "variant_id", variantID, "attempt", attempt+1)
		}

		lastErr = c.doPost(ctx, path, body)
		if lastErr == nil {
			return nil
		}
	}

	return errors.Wrapf(lastErr, "inventory call %s failed after %d attempts", path, c.config.MaxRetries+1)
}

func (c *Client) doPost(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("inventory service returned status %d", resp.StatusCode)
	}

	return nil
}
