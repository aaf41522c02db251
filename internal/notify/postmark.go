// Package notify sends billing alert emails through Postmark.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dukerupert/metergate/internal/entitlement"
)

type Client struct {
	serverToken string
	fromEmail   string
	billingURL  string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, billingURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		billingURL:  billingURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// PaymentFailed sends a payment-failure notice for the given plan. The
// reconciler calls this when an account transitions to past_due.
func (c *Client) PaymentFailed(toEmail string, plan entitlement.Plan) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	subject := fmt.Sprintf("Payment failed for your %s subscription", plan)
	textBody := fmt.Sprintf(
		"We couldn't process the latest payment for your %s subscription.\n\nUpdate your payment method to keep your access:\n\n%s\n\nYour service continues until the current period ends.",
		plan, c.billingURL,
	)
	htmlBody := fmt.Sprintf(
		`<p>We couldn't process the latest payment for your <strong>%s</strong> subscription.</p><p><a href="%s">Update your payment method</a> to keep your access.</p><p>Your service continues until the current period ends.</p>`,
		plan, c.billingURL,
	)

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.postmarkapp.com/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
