package worker

import (
	"context"
	"time"

	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

const reconcileBatchSize = 50

// StockReconciler re-drives stock intents whose inventory transaction never
// committed: the webhook handler returned 500 after the order document was
// created, so provider redelivery alone would skip the decrement.
type StockReconciler struct {
	store    *store.Store
	content  service.ContentStore
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
}

// NewStockReconciler creates a new stock reconcile worker. The grace
// period keeps it from racing settlements still in flight.
func NewStockReconciler(store *store.Store, content service.ContentStore, interval, grace time.Duration) *StockReconciler {
	return &StockReconciler{
		store:    store,
		content:  content,
		interval: interval,
		grace:    grace,
		logger:   util.GetLogger(),
	}
}

// Start runs the reconcile loop until the context is cancelled.
func (w *StockReconciler) Start(ctx context.Context) error {
	w.logger.Info("Starting stock reconciler",
		zap.Duration("interval", w.interval),
		zap.Duration("grace", w.grace))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stock reconciler stopping")
			return ctx.Err()
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

func (w *StockReconciler) reconcile(ctx context.Context) {
	intents, err := w.store.PendingStockIntents(ctx, w.grace, reconcileBatchSize)
	if err != nil {
		util.StockReconcileFailed.Inc()
		w.logger.Error("Failed to list pending stock intents", zap.Error(err))
		return
	}

	for _, intent := range intents {
		if err := w.apply(ctx, intent); err != nil {
			util.StockReconcileFailed.Inc()
			w.logger.Error("Failed to reconcile stock intent",
				zap.String("charge_id", intent.ChargeID),
				zap.Error(err))
		}
	}
}

func (w *StockReconciler) apply(ctx context.Context, intent models.StockIntent) error {
	productIDs, quantities, err := service.ParseItemLists(intent.ProductIDs, intent.Quantities)
	if err != nil {
		return err
	}

	deltas := make([]models.StockDelta, len(productIDs))
	for i, id := range productIDs {
		deltas[i] = models.StockDelta{ProductID: id, Delta: -quantities[i]}
	}

	if err := w.content.AdjustStock(ctx, deltas); err != nil {
		return err
	}
	if err := w.store.MarkStockApplied(ctx, intent.ChargeID); err != nil {
		return err
	}

	util.StockIntentsReconciled.Inc()
	w.logger.Info("Reconciled stock intent",
		zap.String("charge_id", intent.ChargeID),
		zap.Int("products", len(deltas)))
	return nil
}
