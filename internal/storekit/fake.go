package storekit

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
)

// FakePlatform is an in-memory Platform for tests and local development.
// Products, entitlements, and purchase results are scripted; Finish calls
// are recorded for assertion.
type FakePlatform struct {
	key *ecdsa.PrivateKey

	mu           sync.Mutex
	products     map[string]Product
	entitlements []SignedTransaction
	purchases    map[string]PurchaseResult
	purchaseErr  error
	finished     []uint64
	updates      chan SignedTransaction
}

// NewFakePlatform creates a fake platform with a fresh signing keypair.
func NewFakePlatform() (*FakePlatform, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("storekit: generate fake platform key: %w", err)
	}
	return &FakePlatform{
		key:       key,
		products:  make(map[string]Product),
		purchases: make(map[string]PurchaseResult),
		updates:   make(chan SignedTransaction, 16),
	}, nil
}

// PublicKey returns the platform signing key for verifier construction.
func (f *FakePlatform) PublicKey() *ecdsa.PublicKey { return &f.key.PublicKey }

// Issue signs tx with the fake platform key.
func (f *FakePlatform) Issue(tx Transaction) (SignedTransaction, error) {
	return Sign(f.key, tx)
}

// AddProduct registers a catalog entry.
func (f *FakePlatform) AddProduct(p Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[p.ID] = p
}

// SetEntitlements replaces the current entitlement set.
func (f *FakePlatform) SetEntitlements(txs ...SignedTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entitlements = append([]SignedTransaction(nil), txs...)
}

// ScriptPurchase sets the result returned for a product purchase.
func (f *FakePlatform) ScriptPurchase(productID string, result PurchaseResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases[productID] = result
}

// FailPurchases makes every purchase attempt return err.
func (f *FakePlatform) FailPurchases(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseErr = err
}

// Deliver pushes a signed transaction onto the update stream.
func (f *FakePlatform) Deliver(signed SignedTransaction) {
	f.updates <- signed
}

// CloseUpdates closes the update stream, ending any listener.
func (f *FakePlatform) CloseUpdates() {
	close(f.updates)
}

// Finished returns the transaction ids acknowledged so far.
func (f *FakePlatform) Finished() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.finished...)
}

func (f *FakePlatform) Products(ctx context.Context, ids []string) ([]Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakePlatform) Purchase(ctx context.Context, productID string) (PurchaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purchaseErr != nil {
		return PurchaseResult{}, f.purchaseErr
	}
	result, ok := f.purchases[productID]
	if !ok {
		return PurchaseResult{}, fmt.Errorf("fake platform: unknown product %q", productID)
	}
	return result, nil
}

func (f *FakePlatform) CurrentEntitlements(ctx context.Context) ([]SignedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SignedTransaction(nil), f.entitlements...), nil
}

func (f *FakePlatform) Updates() <-chan SignedTransaction { return f.updates }

func (f *FakePlatform) Finish(ctx context.Context, transactionID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, transactionID)
	return nil
}
