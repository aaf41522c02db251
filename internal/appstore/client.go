// Package appstore calls the platform's receipt verification endpoint.
// It is a thin client over an external collaborator: given opaque receipt
// bytes it returns the purchase records the platform vouches for, or a
// verification failure.
package appstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/metergate/internal/entitlement"
)

const (
	productionURL = "https://buy.itunes.apple.com/verifyReceipt"
	sandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// statusSandboxReceipt means a sandbox receipt was sent to the
	// production endpoint; the verification is retried against sandbox.
	statusSandboxReceipt = 21007
)

// Config holds verification client configuration.
type Config struct {
	SharedSecret  string
	ProductionURL string // overridable for tests
	SandboxURL    string
}

// Purchase is one verified purchase record from the platform.
type Purchase struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchaseTime          time.Time
	ExpiryTime            time.Time
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.ProductionURL == "" {
		cfg.ProductionURL = productionURL
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = sandboxURL
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type receiptInfo struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
}

type verifyResponse struct {
	Status            int           `json:"status"`
	Environment       string        `json:"environment"`
	LatestReceiptInfo []receiptInfo `json:"latest_receipt_info"`
}

// VerifyReceipt validates the opaque receipt blob against the production
// endpoint, falling back to sandbox when the platform says the receipt
// belongs there. A non-zero platform status is a hard failure.
func (c *Client) VerifyReceipt(ctx context.Context, receipt []byte) ([]Purchase, error) {
	resp, err := c.verify(ctx, c.cfg.ProductionURL, receipt)
	if err != nil {
		return nil, err
	}
	if resp.Status == statusSandboxReceipt {
		resp, err = c.verify(ctx, c.cfg.SandboxURL, receipt)
		if err != nil {
			return nil, err
		}
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("%w: platform status %d", entitlement.ErrVerificationFailed, resp.Status)
	}

	purchases := make([]Purchase, 0, len(resp.LatestReceiptInfo))
	for _, info := range resp.LatestReceiptInfo {
		purchases = append(purchases, Purchase{
			ProductID:             info.ProductID,
			TransactionID:         info.TransactionID,
			OriginalTransactionID: info.OriginalTransactionID,
			PurchaseTime:          msTime(info.PurchaseDateMS),
			ExpiryTime:            msTime(info.ExpiresDateMS),
		})
	}
	return purchases, nil
}

func (c *Client) verify(ctx context.Context, url string, receipt []byte) (*verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{
		ReceiptData: base64.StdEncoding.EncodeToString(receipt),
		Password:    c.cfg.SharedSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: endpoint returned %d", entitlement.ErrVerificationFailed, resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return &vr, nil
}

func msTime(ms string) time.Time {
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
