package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/revopsio/recoup/internal/pkg/env"
)

const defaultGatewayTimeout = 15 * time.Second

// Invoice is the gateway-side view of an invoice.
type Invoice struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Paid        bool   `json:"paid"`
}

// PaymentResult describes the outcome of a collection attempt.
type PaymentResult struct {
	ChargeID      string `json:"charge_id"`
	Paid          bool   `json:"paid"`
	FailureReason string `json:"failure_reason"`
}

// SubscriptionUpdate carries the mutable fields of a gateway subscription.
type SubscriptionUpdate struct {
	Status            string `json:"status,omitempty"`
	PauseCollection   bool   `json:"pause_collection,omitempty"`
	CancelAtPeriodEnd *bool  `json:"cancel_at_period_end,omitempty"`
}

// Client is the outbound payment-gateway surface. All calls are fallible
// remote calls with a bounded timeout.
type Client interface {
	RetrieveInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	PayInvoice(ctx context.Context, invoiceID, paymentMethodID string) (*PaymentResult, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	UpdateSubscription(ctx context.Context, subscriptionID string, fields SubscriptionUpdate) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// HTTPClient talks to the payment gateway's REST API.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClientFromEnv builds a gateway client from environment configuration.
func NewClientFromEnv() *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(env.GetEnv("GATEWAY_API_BASE_URL", "https://api.gateway.local/v1"), "/"),
		APIKey:  strings.TrimSpace(env.GetEnv("GATEWAY_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: defaultGatewayTimeout,
		},
	}
}

func (c *HTTPClient) RetrieveInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return nil, errors.New("invoice id is required")
	}
	var out Invoice
	if err := c.do(ctx, http.MethodGet, "/invoices/"+invoiceID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) PayInvoice(ctx context.Context, invoiceID, paymentMethodID string) (*PaymentResult, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return nil, errors.New("invoice id is required")
	}
	body := map[string]string{}
	if pm := strings.TrimSpace(paymentMethodID); pm != "" {
		body["payment_method"] = pm
	}
	var out PaymentResult
	if err := c.do(ctx, http.MethodPost, "/invoices/"+invoiceID+"/pay", body, &out); err != nil {
		return nil, err
	}
	if !out.Paid {
		reason := strings.TrimSpace(out.FailureReason)
		if reason == "" {
			reason = "unknown"
		}
		return &out, fmt.Errorf("%w: %s", ErrPaymentDeclined, reason)
	}
	return &out, nil
}

func (c *HTTPClient) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(paymentMethodID) == "" {
		return errors.New("customer id and payment method id are required")
	}
	body := map[string]string{"payment_method": paymentMethodID}
	return c.do(ctx, http.MethodPost, "/customers/"+customerID+"/payment_methods", body, nil)
}

func (c *HTTPClient) UpdateSubscription(ctx context.Context, subscriptionID string, fields SubscriptionUpdate) error {
	if strings.TrimSpace(subscriptionID) == "" {
		return errors.New("subscription id is required")
	}
	return c.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID, fields, nil)
}

func (c *HTTPClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if strings.TrimSpace(subscriptionID) == "" {
		return errors.New("subscription id is required")
	}
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+subscriptionID, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var parsed struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal(data, &parsed); jsonErr == nil && parsed.Error.Message != "" {
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
