package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the HTTP header carrying the webhook signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds how old a signed payload may be.  Redeliveries are
// re-signed by the provider, so a stale timestamp means replay, not retry.
const DefaultTolerance = 5 * time.Minute

// ErrInvalidSignature is returned when a webhook payload fails verification.
// The receiver fails closed on it: the event is rejected and never processed.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Webhook event types this service acts on.  Everything else is acknowledged
// and ignored.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventCheckoutExpired      = "checkout.session.expired"
	EventPaymentIntentCancel  = "payment_intent.canceled"
	EventChargeRefunded       = "charge.refunded"
)

// Event is the provider's webhook envelope.  Data.Object holds the raw
// inner object (a checkout session or a charge depending on Type) and is
// decoded by the receiver once the type is known.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Session decodes the event's inner object as a checkout session.
func (e *Event) Session() (*CheckoutSession, error) {
	var s CheckoutSession
	if err := json.Unmarshal(e.Data.Object, &s); err != nil {
		return nil, fmt.Errorf("decode session object: %w", err)
	}
	return &s, nil
}

// IntentObject decodes the event's inner object as a payment intent, the
// shape carried by payment_intent.* events.
func (e *Event) IntentObject() (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := json.Unmarshal(e.Data.Object, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent object: %w", err)
	}
	return &pi, nil
}

// Charge is the subset of the provider's charge object read by the
// charge.refunded reversal path.
type Charge struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
	AmountRefunded  int64  `json:"amount_refunded"`
	Refunded        bool   `json:"refunded"`
}

// ChargeObject decodes the event's inner object as a charge.
func (e *Event) ChargeObject() (*Charge, error) {
	var c Charge
	if err := json.Unmarshal(e.Data.Object, &c); err != nil {
		return nil, fmt.Errorf("decode charge object: %w", err)
	}
	return &c, nil
}

// ParseEvent verifies the signature header against the shared webhook secret
// and, only if verification passes, decodes the payload into an Event.  The
// header format is "t=<unix>,v1=<hex hmac>[,v1=...]" where the MAC covers
// "<t>.<payload>".  Comparison is constant time and the timestamp must fall
// within tolerance.
func ParseEvent(payload []byte, sigHeader, secret string, tolerance time.Duration) (*Event, error) {
	ts, macs, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}
	if tolerance > 0 {
		age := time.Since(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	expected := computeSignature(ts, payload, secret)
	ok := false
	for _, mac := range macs {
		if hmac.Equal([]byte(mac), []byte(expected)) {
			ok = true
			break
		}
	}
	if !ok {
		return nil, ErrInvalidSignature
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("event has no type")
	}
	return &ev, nil
}

// Sign produces a signature header for a payload.  Used by tests and by the
// local provider mock.
func Sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(ts, payload, secret))
}

func computeSignature(ts int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts int64, macs []string, err error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
		case "v1":
			macs = append(macs, kv[1])
		}
	}
	if ts == 0 || len(macs) == 0 {
		return 0, nil, fmt.Errorf("%w: header missing t or v1", ErrInvalidSignature)
	}
	return ts, macs, nil
}
