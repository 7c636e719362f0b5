package storekit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nutritrack/commercekit/internal/metrics"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// Platform abstracts the platform purchase subsystem.
type Platform interface {
	// Products returns catalog entries for the requested ids. Unknown ids
	// are omitted, not errors.
	Products(ctx context.Context, ids []string) ([]Product, error)
	// Purchase initiates a purchase for the product.
	Purchase(ctx context.Context, productID string) (PurchaseResult, error)
	// CurrentEntitlements returns the signed transactions the device
	// currently holds.
	CurrentEntitlements(ctx context.Context) ([]SignedTransaction, error)
	// Updates is the continuous transaction-update stream. The channel is
	// closed only at platform teardown.
	Updates() <-chan SignedTransaction
	// Finish acknowledges that a transaction has been durably processed.
	// An unfinished transaction is redelivered indefinitely.
	Finish(ctx context.Context, transactionID uint64) error
}

// PurchaseStatus is the platform-level result of a purchase attempt.
type PurchaseStatus int

const (
	// PurchaseSuccess means the platform reports a completed purchase;
	// the signed transaction still needs verification.
	PurchaseSuccess PurchaseStatus = iota
	// PurchaseCancelled means the user backed out.
	PurchaseCancelled
	// PurchasePending means the purchase awaits external approval.
	PurchasePending
)

// PurchaseResult carries the platform response to a purchase attempt.
type PurchaseResult struct {
	Status PurchaseStatus
	Signed SignedTransaction
}

// Outcome is the SDK-level classification of a purchase attempt. It is the
// only purchase detail that ever crosses the bridge boundary.
type Outcome string

const (
	OutcomePurchased  Outcome = "purchased"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomePending    Outcome = "pending"
	OutcomeUnverified Outcome = "unverified"
	OutcomeFailed     Outcome = "failed"
)

// Entitled reports whether the outcome grants entitlement.
func (o Outcome) Entitled() bool { return o == OutcomePurchased }

// Client is the authoritative local view of what this device has purchased.
type Client struct {
	platform Platform
	verifier *Verifier
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	purchased map[string]struct{}
	observing bool
}

// NewClient creates a store entitlement client.
func NewClient(platform Platform, verifier *Verifier, log *logger.Logger) (*Client, error) {
	if platform == nil {
		return nil, fmt.Errorf("storekit: platform is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("storekit: verifier is required")
	}
	if log == nil {
		log = logger.NewDefault("storekit")
	}
	return &Client{
		platform:  platform,
		verifier:  verifier,
		log:       log,
		metrics:   metrics.NewNop(),
		now:       time.Now,
		purchased: make(map[string]struct{}),
	}, nil
}

// Instrument attaches prometheus collectors. Call before observation starts.
func (c *Client) Instrument(m *metrics.Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// FetchProducts returns catalog entries for the requested id set. An empty
// input is valid and returns an empty result.
func (c *Client) FetchProducts(ctx context.Context, ids []string) ([]Product, error) {
	if len(ids) == 0 {
		return []Product{}, nil
	}
	products, err := c.platform.Products(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("storekit: fetch products: %w", err)
	}
	return products, nil
}

// FetchPurchasedProducts walks current entitlements and returns the distinct
// set of actively held product identifiers, sorted. Every inspected
// transaction is finished, active or not. This is the point-in-time
// subscription check.
func (c *Client) FetchPurchasedProducts(ctx context.Context) ([]string, error) {
	entitlements, err := c.platform.CurrentEntitlements(ctx)
	if err != nil {
		return nil, fmt.Errorf("storekit: current entitlements: %w", err)
	}

	now := c.now()
	held := make(map[string]struct{})
	for _, signed := range entitlements {
		tx, verr := c.verifier.Verify(signed)
		if verr != nil {
			// Unverifiable payloads grant nothing but are still acknowledged.
			c.log.WithError(verr).WithField("transaction_id", signed.TransactionID).
				Warn("unverifiable entitlement payload")
		} else if tx.IsActive(now) {
			held[tx.ProductID] = struct{}{}
		}
		c.finish(ctx, signed.TransactionID)
	}

	products := make([]string, 0, len(held))
	for id := range held {
		products = append(products, id)
	}
	sort.Strings(products)

	c.mu.Lock()
	c.purchased = held
	c.mu.Unlock()

	return products, nil
}

// PurchasedCount returns the size of the last computed purchased set.
func (c *Client) PurchasedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.purchased)
}

// PurchaseProduct executes a purchase. A verified success is finished
// immediately and reflected in the local purchased set before returning.
// An unverifiable signature is treated as not entitled. Cancellation and
// pending states report the outcome without touching entitlement state.
func (c *Client) PurchaseProduct(ctx context.Context, productID string) (Outcome, error) {
	result, err := c.platform.Purchase(ctx, productID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("storekit: purchase %s: %w", productID, err)
	}

	switch result.Status {
	case PurchaseCancelled:
		return OutcomeCancelled, nil
	case PurchasePending:
		return OutcomePending, nil
	case PurchaseSuccess:
		tx, verr := c.verifier.Verify(result.Signed)
		if verr != nil {
			c.log.WithError(verr).WithField("product", productID).
				Warn("purchase succeeded with unverifiable signature")
			return OutcomeUnverified, nil
		}
		c.finish(ctx, tx.TransactionID)
		c.mu.Lock()
		c.purchased[tx.ProductID] = struct{}{}
		c.mu.Unlock()
		return OutcomePurchased, nil
	default:
		return OutcomeFailed, fmt.Errorf("storekit: unknown purchase status %d", result.Status)
	}
}

// ObserveTransactions starts the long-lived transaction-stream listener.
// Calling it again is a no-op. Each delivered transaction is classified and
// finished exactly once; renewals and restorations are forwarded to sink.
// The listener runs until the platform closes the stream or ctx is done.
func (c *Client) ObserveTransactions(ctx context.Context, sink func(Transaction)) {
	c.mu.Lock()
	if c.observing {
		c.mu.Unlock()
		return
	}
	c.observing = true
	c.mu.Unlock()

	go func() {
		updates := c.platform.Updates()
		for {
			select {
			case <-ctx.Done():
				return
			case signed, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(ctx, signed, sink)
			}
		}
	}()
}

func (c *Client) handleUpdate(ctx context.Context, signed SignedTransaction, sink func(Transaction)) {
	// Every streamed transaction is finished exactly once, whatever its
	// classification; otherwise the platform redelivers it forever.
	defer c.finish(ctx, signed.TransactionID)

	tx, err := c.verifier.Verify(signed)
	if err != nil {
		c.log.WithError(err).WithField("transaction_id", signed.TransactionID).
			Warn("unverifiable streamed transaction")
		return
	}

	if !tx.IsActive(c.now()) {
		c.mu.Lock()
		delete(c.purchased, tx.ProductID)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.purchased[tx.ProductID] = struct{}{}
	c.mu.Unlock()

	if (tx.IsRenewal() || tx.IsRestoration()) && sink != nil {
		sink(tx)
	}
}

func (c *Client) finish(ctx context.Context, transactionID uint64) {
	if err := c.platform.Finish(ctx, transactionID); err != nil {
		c.log.WithError(err).WithField("transaction_id", transactionID).
			Warn("finish transaction failed")
		return
	}
	c.metrics.TransactionsFinished.Inc()
}
