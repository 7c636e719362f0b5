// Package storekit is the local authority on what this device has
// purchased. It talks to the platform purchase subsystem through the
// Platform interface: product catalog lookups, purchase initiation, the
// continuous transaction-update stream, and transaction finishing.
//
// Transaction payloads arrive as signed JWS tokens. A payload that fails
// signature verification never grants entitlement.
package storekit

import "time"

// Reason describes why the platform produced a transaction.
type Reason string

const (
	ReasonPurchase Reason = "purchase"
	ReasonRenewal  Reason = "renewal"
)

// Transaction is a verified purchase record delivered by the platform.
type Transaction struct {
	TransactionID      uint64
	ProductID          string
	Reason             Reason
	OriginalPurchaseAt time.Time
	PurchaseAt         time.Time
	ExpiresAt          *time.Time
	RevokedAt          *time.Time
}

// IsExpired reports whether the transaction's entitlement window has passed.
func (t Transaction) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// IsRevoked reports whether the platform revoked the transaction.
func (t Transaction) IsRevoked() bool { return t.RevokedAt != nil }

// IsActive reports whether the transaction currently grants entitlement.
func (t Transaction) IsActive(now time.Time) bool {
	return !t.IsExpired(now) && !t.IsRevoked()
}

// IsRenewal reports whether this is an automatic subscription re-purchase.
func (t Transaction) IsRenewal() bool { return t.Reason == ReasonRenewal }

// IsRestoration reports whether this re-establishes a previously purchased
// entitlement: a purchase whose original purchase time differs from the
// purchase time on this record.
func (t Transaction) IsRestoration() bool {
	return t.Reason == ReasonPurchase && !t.OriginalPurchaseAt.Equal(t.PurchaseAt)
}

// Product is a catalog entry from the platform store.
type Product struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	PriceCents   int64  `json:"price_cents"`
	Currency     string `json:"currency"`
	DisplayPrice string `json:"display_price"`
}
