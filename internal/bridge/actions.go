package bridge

import (
	"context"

	"github.com/nutritrack/commercekit/internal/remote"
	"github.com/nutritrack/commercekit/internal/storekit"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// Action names form a fixed, versioned vocabulary. Adding a name is safe;
// renaming one breaks older/newer pairings.
const (
	ActionGetProducts        = "getProducts"
	ActionBuyProduct         = "buyProduct"
	ActionRestorePurchases   = "restorePurchases"
	ActionSyncTransactions   = "syncTransactions"
	ActionGetIsSubscribed    = "getIsSubscribed"
	ActionSetIsSubscribed    = "setIsSubscribed"
	ActionGetPersistentValue = "getPersistentValue"
	ActionSetPersistentValue = "setPersistentValue"
)

// ProductStore is the slice of the store client the actions need.
type ProductStore interface {
	FetchProducts(ctx context.Context, ids []string) ([]storekit.Product, error)
	PurchaseProduct(ctx context.Context, productID string) (storekit.Outcome, error)
}

// Entitlements is the slice of the reconciliation engine the actions need.
type Entitlements interface {
	Subscribed() bool
	Reconcile(ctx context.Context, extensive bool) (bool, error)
	SetOverride(subscribed bool) error
}

// QuantityFetcher provides remote per-product quantity hints.
type QuantityFetcher interface {
	ProductQuantities(ctx context.Context, meta remote.InstallMeta) (map[string]int, error)
}

// PersistentStore is the slice of the secure store exposed to web content.
type PersistentStore interface {
	GetString(key string) (string, bool, error)
	SetString(key, value string) error
}

// Actions wires the built-in handler vocabulary to the SDK services.
type Actions struct {
	Store      ProductStore
	Engine     Entitlements
	Quantities QuantityFetcher
	Persist    PersistentStore
	Meta       func() remote.InstallMeta
	Log        *logger.Logger
}

// RegisterAll registers every built-in action on d.
func (a *Actions) RegisterAll(d *Dispatcher) {
	if a.Log == nil {
		a.Log = logger.NewDefault("bridge-actions")
	}
	d.Register(ActionGetProducts, a.getProducts)
	d.Register(ActionBuyProduct, a.buyProduct)
	d.Register(ActionRestorePurchases, a.restorePurchases)
	d.Register(ActionSyncTransactions, a.syncTransactions)
	d.Register(ActionGetIsSubscribed, a.getIsSubscribed)
	d.Register(ActionSetIsSubscribed, a.setIsSubscribed)
	d.Register(ActionGetPersistentValue, a.getPersistentValue)
	d.Register(ActionSetPersistentValue, a.setPersistentValue)
}

// getProducts fetches store metadata for the requested ids and merges
// remote quantity hints per product. The quantity call is best-effort:
// when it fails the store-only descriptors are returned unchanged.
func (a *Actions) getProducts(ctx context.Context, params Params) (Params, error) {
	ids, err := params.RequireStringList("productIdList")
	if err != nil {
		return nil, err
	}

	products, err := a.Store.FetchProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	var quantities map[string]int
	if a.Quantities != nil && a.Meta != nil {
		quantities, err = a.Quantities.ProductQuantities(ctx, a.Meta())
		if err != nil {
			a.Log.WithError(err).Warn("quantity fetch failed, returning store-only data")
			quantities = nil
		}
	}

	items := make([]Value, 0, len(products))
	for _, p := range products {
		entry := map[string]Value{
			"id":           String(p.ID),
			"title":        String(p.Title),
			"description":  String(p.Description),
			"displayPrice": String(p.DisplayPrice),
			"currency":     String(p.Currency),
			"priceCents":   Number(float64(p.PriceCents)),
		}
		if q, ok := quantities[p.ID]; ok {
			entry["quantity"] = Number(float64(q))
		}
		items = append(items, Map(entry))
	}
	return Params{"products": Array(items...)}, nil
}

// buyProduct executes a purchase and reports only the boolean outcome.
// Raw platform errors never cross the bridge boundary.
func (a *Actions) buyProduct(ctx context.Context, params Params) (Params, error) {
	productID, err := params.RequireString("productId")
	if err != nil {
		return nil, err
	}

	outcome, err := a.Store.PurchaseProduct(ctx, productID)
	if err != nil {
		a.Log.WithError(err).WithField("product", productID).Warn("purchase failed")
	}
	return Params{"res": Bool(outcome.Entitled())}, nil
}

func (a *Actions) restorePurchases(ctx context.Context, params Params) (Params, error) {
	return a.reconcileResult(ctx, true)
}

func (a *Actions) syncTransactions(ctx context.Context, params Params) (Params, error) {
	return a.reconcileResult(ctx, false)
}

func (a *Actions) reconcileResult(ctx context.Context, extensive bool) (Params, error) {
	subscribed, err := a.Engine.Reconcile(ctx, extensive)
	if err != nil {
		// The engine already resolved the failure conservatively; the
		// returned value is the trustworthy one either way.
		a.Log.WithError(err).Warn("reconcile returned an error")
	}
	return Params{"res": Bool(subscribed)}, nil
}

func (a *Actions) getIsSubscribed(ctx context.Context, params Params) (Params, error) {
	return Params{"res": Bool(a.Engine.Subscribed())}, nil
}

// setIsSubscribed is the host-side debug override. It writes the shadow
// override, never the reconciled state, and fails when overrides are
// disabled in configuration.
func (a *Actions) setIsSubscribed(ctx context.Context, params Params) (Params, error) {
	value, err := params.RequireBool("value")
	if err != nil {
		return nil, err
	}
	if err := a.Engine.SetOverride(value); err != nil {
		return nil, err
	}
	return Params{"res": Bool(true)}, nil
}

func (a *Actions) getPersistentValue(ctx context.Context, params Params) (Params, error) {
	key, err := params.RequireString("key")
	if err != nil {
		return nil, err
	}
	value, found, err := a.Persist.GetString(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return Params{"value": Null()}, nil
	}
	return Params{"value": String(value)}, nil
}

func (a *Actions) setPersistentValue(ctx context.Context, params Params) (Params, error) {
	key, err := params.RequireString("key")
	if err != nil {
		return nil, err
	}
	value, err := params.RequireString("value")
	if err != nil {
		return nil, err
	}
	if err := a.Persist.SetString(key, value); err != nil {
		return nil, err
	}
	return Params{"res": Bool(true)}, nil
}
