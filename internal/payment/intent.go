// Package payment talks to the hosted payment provider: creating checkout
// sessions, retrieving payment intents, issuing refunds and verifying inbound
// webhook signatures.  It also owns the CheckoutIntent descriptor that rides
// through the provider's session metadata and comes back on the webhook.
package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// IntentKind tags the checkout intent union.
type IntentKind string

const (
	IntentKindProduct IntentKind = "product"
	IntentKindCart    IntentKind = "cart"
	IntentKindEvent   IntentKind = "event"
)

// metadataKey is the session metadata key carrying the encoded intent.
const metadataKey = "intent"

// ErrBadIntent is returned when a metadata payload cannot be parsed into a
// valid CheckoutIntent.  Receivers must treat it as terminal: redelivering
// the same webhook will never make the payload well-formed.
var ErrBadIntent = errors.New("malformed checkout intent")

// IntentItem is one requested product line inside a product or cart intent.
// UnitPricePence is the server-resolved price at the time the session was
// opened; it is recorded so the webhook can rebuild order lines without
// trusting anything client-supplied.
type IntentItem struct {
	ProductID      uint64 `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPricePence uint32 `json:"unit_price_pence"`
}

// CheckoutIntent is the self-describing record of what the buyer is paying
// for.  It is the only bridge between the checkout request and the webhook:
// the webhook handler has no other memory of the original request, so the
// intent must be replay-safe and parse deterministically.
//
// Exactly one shape is valid per kind: product/cart intents carry Items,
// event intents carry EventID and Quantity.
type CheckoutIntent struct {
	Kind     IntentKind   `json:"kind"`
	UserID   uint64       `json:"user_id"`
	Items    []IntentItem `json:"items,omitempty"`
	EventID  uint64       `json:"event_id,omitempty"`
	Quantity int          `json:"quantity,omitempty"`
}

// Validate checks the structural invariants of the intent.
func (ci CheckoutIntent) Validate() error {
	if ci.UserID == 0 {
		return fmt.Errorf("%w: missing user id", ErrBadIntent)
	}
	switch ci.Kind {
	case IntentKindProduct, IntentKindCart:
		if len(ci.Items) == 0 {
			return fmt.Errorf("%w: %s intent has no items", ErrBadIntent, ci.Kind)
		}
		if ci.EventID != 0 || ci.Quantity != 0 {
			return fmt.Errorf("%w: %s intent carries event fields", ErrBadIntent, ci.Kind)
		}
		for i, it := range ci.Items {
			if it.ProductID == 0 || it.Qty <= 0 {
				return fmt.Errorf("%w: item %d invalid", ErrBadIntent, i)
			}
		}
	case IntentKindEvent:
		if ci.EventID == 0 || ci.Quantity <= 0 {
			return fmt.Errorf("%w: event intent needs event id and positive quantity", ErrBadIntent)
		}
		if len(ci.Items) != 0 {
			return fmt.Errorf("%w: event intent carries items", ErrBadIntent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadIntent, ci.Kind)
	}
	return nil
}

// TotalPence sums the intent's line values.  For event intents the caller
// multiplies the event price itself, so this applies to product/cart only.
func (ci CheckoutIntent) TotalPence() uint32 {
	var total uint32
	for _, it := range ci.Items {
		total += uint32(it.Qty) * it.UnitPricePence
	}
	return total
}

// Encode serialises the intent for storage in session metadata.  Provider
// metadata values are capped at 500 characters, which bounds cart size; the
// checkout handler rejects carts that would not fit.
func (ci CheckoutIntent) Encode() (string, error) {
	if err := ci.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(ci)
	if err != nil {
		return "", err
	}
	if len(b) > 500 {
		return "", fmt.Errorf("intent too large for session metadata (%d bytes)", len(b))
	}
	return string(b), nil
}

// Metadata returns the session metadata map carrying the encoded intent.
func (ci CheckoutIntent) Metadata() (map[string]string, error) {
	s, err := ci.Encode()
	if err != nil {
		return nil, err
	}
	return map[string]string{metadataKey: s}, nil
}

// ParseIntent decodes a metadata payload into a CheckoutIntent.  Parsing is
// strict: unknown fields, unknown kinds, empty items and non-positive
// quantities are all rejected with ErrBadIntent rather than salvaged.
func ParseIntent(raw string) (CheckoutIntent, error) {
	var ci CheckoutIntent
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ci); err != nil {
		return CheckoutIntent{}, fmt.Errorf("%w: %v", ErrBadIntent, err)
	}
	if dec.More() {
		return CheckoutIntent{}, fmt.Errorf("%w: trailing data", ErrBadIntent)
	}
	if err := ci.Validate(); err != nil {
		return CheckoutIntent{}, err
	}
	return ci, nil
}

// IntentFromMetadata extracts and parses the intent from a session metadata
// map.  A missing key is a malformed payload: every session this service
// opens carries one.
func IntentFromMetadata(md map[string]string) (CheckoutIntent, error) {
	raw, ok := md[metadataKey]
	if !ok || raw == "" {
		return CheckoutIntent{}, fmt.Errorf("%w: metadata has no intent", ErrBadIntent)
	}
	return ParseIntent(raw)
}
