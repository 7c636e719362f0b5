package storekit

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnverified is returned when a transaction payload's signature cannot be
// verified. Callers must treat the transaction as granting no entitlement.
var ErrUnverified = errors.New("storekit: transaction signature unverified")

// SignedTransaction is a raw transaction record as delivered by the
// platform: the transaction id in the clear plus the signed JWS payload.
type SignedTransaction struct {
	TransactionID uint64
	JWS           string
}

// transactionClaims is the JWS payload layout. Timestamps are millisecond
// epochs, matching the platform's wire format.
type transactionClaims struct {
	TransactionID        uint64 `json:"transactionId"`
	ProductID            string `json:"productId"`
	Reason               string `json:"reason"`
	OriginalPurchaseDate int64  `json:"originalPurchaseDate"`
	PurchaseDate         int64  `json:"purchaseDate"`
	ExpiresDate          *int64 `json:"expiresDate,omitempty"`
	RevocationDate       *int64 `json:"revocationDate,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates signed transaction payloads against the platform
// signing key.
type Verifier struct {
	key *ecdsa.PublicKey
}

// NewVerifier creates a verifier for the given platform public key.
func NewVerifier(key *ecdsa.PublicKey) (*Verifier, error) {
	if key == nil {
		return nil, fmt.Errorf("storekit: verifier key is required")
	}
	return &Verifier{key: key}, nil
}

// Verify parses and validates signed, returning the decoded transaction.
// Any parse or signature failure yields ErrUnverified; the decoded contents
// of an unverifiable payload are never returned.
func (v *Verifier) Verify(signed SignedTransaction) (Transaction, error) {
	var claims transactionClaims
	token, err := jwt.ParseWithClaims(signed.JWS, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil || !token.Valid {
		return Transaction{}, fmt.Errorf("%w: %v", ErrUnverified, err)
	}
	if claims.TransactionID != signed.TransactionID {
		return Transaction{}, fmt.Errorf("%w: payload transaction id mismatch", ErrUnverified)
	}

	tx := Transaction{
		TransactionID:      claims.TransactionID,
		ProductID:          claims.ProductID,
		Reason:             Reason(claims.Reason),
		OriginalPurchaseAt: time.UnixMilli(claims.OriginalPurchaseDate).UTC(),
		PurchaseAt:         time.UnixMilli(claims.PurchaseDate).UTC(),
	}
	if claims.ExpiresDate != nil {
		ts := time.UnixMilli(*claims.ExpiresDate).UTC()
		tx.ExpiresAt = &ts
	}
	if claims.RevocationDate != nil {
		ts := time.UnixMilli(*claims.RevocationDate).UTC()
		tx.RevokedAt = &ts
	}
	return tx, nil
}

// Sign produces a signed payload for tx under the given private key. The
// platform side of the protocol does this for real; here it backs the fake
// platform and tests.
func Sign(key *ecdsa.PrivateKey, tx Transaction) (SignedTransaction, error) {
	claims := transactionClaims{
		TransactionID:        tx.TransactionID,
		ProductID:            tx.ProductID,
		Reason:               string(tx.Reason),
		OriginalPurchaseDate: tx.OriginalPurchaseAt.UnixMilli(),
		PurchaseDate:         tx.PurchaseAt.UnixMilli(),
	}
	if tx.ExpiresAt != nil {
		ms := tx.ExpiresAt.UnixMilli()
		claims.ExpiresDate = &ms
	}
	if tx.RevokedAt != nil {
		ms := tx.RevokedAt.UnixMilli()
		claims.RevocationDate = &ms
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	jws, err := token.SignedString(key)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("storekit: sign transaction: %w", err)
	}
	return SignedTransaction{TransactionID: tx.TransactionID, JWS: jws}, nil
}
