package engine

import (
	"context"
	"encoding/hex"
	"log"
	"time"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
	"bchgateway/internal/webhooks"
)

// ConfirmationStore is the slice of the store the engine needs.
type ConfirmationStore interface {
	ListPendingConfirmation(ctx context.Context) ([]*models.Invoice, error)
	MarkConfirmed(ctx context.Context, invoiceID string, height int64) (bool, error)
	AppendEvent(ctx context.Context, invoiceID string, ev models.Event) error
}

// Notifier pushes an event to websocket subscribers of a topic.
type Notifier interface {
	Notify(topic, event string, fields map[string]any)
}

// Broadcaster is what the payment pipeline needs from the engine.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTxs []string) ([]string, error)
}

// Engine relays transactions through the node cluster and drives invoice
// confirmation from the cluster's new-block notifications.
type Engine struct {
	Cluster   *Cluster
	Store     ConfirmationStore
	Hooks     *webhooks.Dispatcher
	Publisher Notifier
	Domain    string
}

// Broadcast submits each raw transaction in order. If any submission fails
// or yields a malformed txid the whole batch fails with BroadcastError.
// Transactions accepted before the failure are NOT rolled back; the
// returned error message names them so the caller knows funds may already
// be in flight.
func (e *Engine) Broadcast(ctx context.Context, rawTxs []string) ([]string, error) {
	txIDs := make([]string, 0, len(rawTxs))
	for _, raw := range rawTxs {
		txid, err := e.Cluster.BroadcastTransaction(ctx, raw)
		if err == nil && !validTxID(txid) {
			err = errs.Broadcast(nil)
		}
		if err != nil {
			if len(txIDs) > 0 {
				log.Printf("broadcast batch failed after accepting %v: %v", txIDs, err)
			}
			return nil, errs.Broadcast(err)
		}
		txIDs = append(txIDs, txid)
	}
	return txIDs, nil
}

func validTxID(txid string) bool {
	if len(txid) != 64 {
		return false
	}
	_, err := hex.DecodeString(txid)
	return err == nil
}

// Run consumes block notifications and triggers a confirmation scan for
// each new height. Nodes each announce every block, so heights are deduped.
func (e *Engine) Run(ctx context.Context) {
	var lastHeight int64
	for {
		select {
		case <-ctx.Done():
			return
		case header := <-e.Cluster.Headers():
			if header.Height <= lastHeight {
				continue
			}
			lastHeight = header.Height
			e.ScanConfirmations(ctx, header.Height)
		}
	}
}

// ScanConfirmations walks every broadcast-but-unconfirmed invoice. A failure
// on one invoice is recorded on that invoice only and never aborts the scan.
func (e *Engine) ScanConfirmations(ctx context.Context, height int64) {
	invoices, err := e.Store.ListPendingConfirmation(ctx)
	if err != nil {
		log.Printf("confirmation scan at height %d failed: %v", height, err)
		return
	}
	log.Printf("confirmation scan height=%d pending=%d", height, len(invoices))

	for _, inv := range invoices {
		if err := e.confirmInvoice(ctx, inv, height); err != nil {
			log.Printf("confirm invoice %s failed: %v", inv.ID, err)
			_ = e.Store.AppendEvent(ctx, inv.ID, models.Event{
				Time:    time.Now().UTC(),
				Type:    models.EventConfirmed,
				Status:  models.StatusFailed,
				Message: errs.MessageOf(err),
			})
		}
	}
}

func (e *Engine) confirmInvoice(ctx context.Context, inv *models.Invoice, height int64) error {
	for _, txid := range inv.TxIDs {
		confirmations, err := e.Cluster.TransactionConfirmations(ctx, txid)
		if err != nil {
			return err
		}
		if confirmations <= 0 {
			return nil
		}
	}

	updated, err := e.Store.MarkConfirmed(ctx, inv.ID, height)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	inv.ConfirmedHeight = &height

	if err := e.Store.AppendEvent(ctx, inv.ID, models.Event{
		Time:   time.Now().UTC(),
		Type:   models.EventConfirmed,
		Status: models.StatusCompleted,
	}); err != nil {
		return err
	}

	payload := inv.Payload(e.Domain, false)
	if e.Hooks != nil {
		if err := e.Hooks.Confirmed(ctx, inv, payload); err != nil {
			// The invoice stays confirmed; the delivery failure is recorded
			// against it and the scan moves on.
			log.Printf("confirmed webhook for %s failed: %v", inv.ID, err)
			_ = e.Store.AppendEvent(ctx, inv.ID, models.Event{
				Time:    time.Now().UTC(),
				Type:    models.EventWebhookFailure,
				Status:  models.StatusFailed,
				Message: errs.MessageOf(err),
			})
		}
	}
	if e.Publisher != nil {
		e.Publisher.Notify(inv.NotifyID(), models.EventConfirmed, map[string]any{"invoice": payload})
	}
	log.Printf("invoice %s confirmed at height %d", inv.ID, height)
	return nil
}
