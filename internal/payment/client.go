package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the live provider API endpoint.  Tests point the client
// at an httptest server instead.
const DefaultBaseURL = "https://api.stripe.com"

// Client is a thin HTTP client for the provider's REST API.  Requests are
// form-encoded and authenticated with the account's secret key, matching the
// provider's wire format.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

// NewClient returns a Client authenticated with the given secret key.
func NewClient(secretKey string) *Client {
	return &Client{
		baseURL:   DefaultBaseURL,
		secretKey: secretKey,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// NewClientWithBaseURL is NewClient with an overridden API endpoint, used by
// tests and local provider mocks.
func NewClientWithBaseURL(secretKey, baseURL string) *Client {
	c := NewClient(secretKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// LineItem is one priced line on a checkout session.  UnitAmount is in minor
// currency units.
type LineItem struct {
	Name       string
	UnitAmount int64
	Quantity   int64
}

// CheckoutSessionParams describes a hosted checkout session to open.
type CheckoutSessionParams struct {
	SuccessURL        string
	CancelURL         string
	CustomerEmail     string
	ClientReferenceID string
	LineItems         []LineItem
	Metadata          map[string]string
}

// CheckoutSession is the subset of the provider's session object this
// service reads.
type CheckoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentIntentID   string            `json:"payment_intent"`
	AmountTotal       int64             `json:"amount_total"`
	CustomerEmail     string            `json:"customer_email"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// PaymentIntent carries the payment-method and receipt details used to
// enrich an order after completion.  The latest charge is expanded so brand,
// last4 and receipt URL arrive in one round trip.
type PaymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	LatestCharge struct {
		ID                   string `json:"id"`
		ReceiptURL           string `json:"receipt_url"`
		PaymentMethodDetails struct {
			Card struct {
				Brand string `json:"brand"`
				Last4 string `json:"last4"`
			} `json:"card"`
		} `json:"payment_method_details"`
	} `json:"latest_charge"`
}

// RefundParams describes a refund against a captured payment intent.
// IdempotencyKey must identify the logical refund, not the attempt: retries
// of the same refund must carry the same key.
type RefundParams struct {
	PaymentIntentID string
	AmountPence     int64
	Reason          string
	IdempotencyKey  string
}

// Refund is the provider's refund object.
type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// CreateCheckoutSession opens a hosted checkout session and returns it,
// including the URL the buyer is redirected to.  Nothing is persisted
// locally; the session's metadata intent is the only record of the request
// until the completion webhook arrives.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	if p.CustomerEmail != "" {
		form.Set("customer_email", p.CustomerEmail)
	}
	if p.ClientReferenceID != "" {
		form.Set("client_reference_id", p.ClientReferenceID)
	}
	for i, li := range p.LineItems {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[price_data][currency]", "gbp")
		form.Set(prefix+"[price_data][product_data][name]", li.Name)
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(li.UnitAmount, 10))
		form.Set(prefix+"[quantity]", strconv.FormatInt(li.Quantity, 10))
	}
	for k, v := range p.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	var sess CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, "", &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetPaymentIntent retrieves a payment intent with its latest charge
// expanded.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("expand[]", "latest_charge")
	var pi PaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(id) + "?" + form.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, "", &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// CreateRefund issues a refund for part or all of a captured payment.  The
// caller's idempotency key is forwarded so a timed-out request can be retried
// without double-refunding on the provider side; a caller that supplies none
// gets a fresh key and no retry protection.
func (c *Client) CreateRefund(ctx context.Context, p RefundParams) (*Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", p.PaymentIntentID)
	form.Set("amount", strconv.FormatInt(p.AmountPence, 10))
	if p.Reason != "" {
		form.Set("reason", p.Reason)
	}
	key := p.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	var rf Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", form, key, &rf); err != nil {
		return nil, err
	}
	return &rf, nil
}

// do performs one API call and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var wrapper struct {
			Error APIError `json:"error"`
		}
		apiErr := APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Error.Message != "" {
			apiErr = wrapper.Error
			apiErr.StatusCode = resp.StatusCode
		}
		return &apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
