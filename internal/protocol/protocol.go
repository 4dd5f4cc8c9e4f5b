package protocol

import (
	"context"
	"encoding/hex"
	"log"
	"time"

	"bchgateway/internal/engine"
	"bchgateway/internal/errs"
	"bchgateway/internal/models"
	"bchgateway/internal/payments"
	"bchgateway/internal/webhooks"
)

// Response is a rendered wire message, ready to send to the wallet.
type Response struct {
	Body    []byte
	Headers map[string]string
	// Binary marks payloads that must be base64'd in the event log.
	Binary bool
}

// PaymentProtocol is the contract both wire variants implement. Selection
// happens by content negotiation in the HTTP layer; the verify/broadcast
// pipeline behind both variants is shared.
type PaymentProtocol interface {
	Name() string
	BuildPaymentRequest(ctx context.Context, inv *models.Invoice) (Response, error)
	VerifyAndAcknowledge(ctx context.Context, inv *models.Invoice, submission []byte) (Response, error)
}

// Submission is a decoded payment message, normalized across variants.
type Submission struct {
	RawTxs   [][]byte
	RefundTo []models.Output
	Memo     string
}

// PipelineStore is the slice of the store the pipeline needs.
type PipelineStore interface {
	MarkBroadcasted(ctx context.Context, invoiceID string, txIDs []string, at time.Time) (bool, error)
	SaveRefundTo(ctx context.Context, invoiceID string, outputs []models.Output) error
	AppendEvent(ctx context.Context, invoiceID string, ev models.Event) error
	IncrementStaticUse(ctx context.Context, invoiceID string) error
}

// Pipeline is the verify -> broadcasting hook -> broadcast -> persist ->
// broadcasted hook path shared by every protocol variant.
type Pipeline struct {
	Store     PipelineStore
	Engine    engine.Broadcaster
	Hooks     *webhooks.Dispatcher
	Publisher engine.Notifier
	Domain    string
}

// Requested fans out the requested notifications after a payment request
// was rendered. Hook failures are recorded and swallowed; a merchant's
// endpoint being down must not stop a wallet from seeing the invoice.
func (p *Pipeline) Requested(ctx context.Context, inv *models.Invoice) {
	payload := inv.Payload(p.Domain, false)
	if p.Publisher != nil {
		p.Publisher.Notify(inv.NotifyID(), models.EventRequested, map[string]any{"invoice": payload})
	}
	if p.Hooks != nil {
		if err := p.Hooks.Requested(ctx, inv, payload); err != nil {
			log.Printf("requested webhook for %s failed: %v", inv.ID, err)
			_ = p.Store.AppendEvent(ctx, inv.ID, models.Event{
				Time:    time.Now().UTC(),
				Type:    models.EventWebhookFailure,
				Status:  models.StatusFailed,
				Message: errs.MessageOf(err),
			})
		}
	}
}

// Verify runs the matcher without any side effects.
func (p *Pipeline) Verify(inv *models.Invoice, sub Submission) error {
	ok, err := payments.Matches(inv, sub.RawTxs)
	if err != nil {
		return errs.Validation("%s", err.Error())
	}
	if !ok {
		return errs.ProtocolMismatch()
	}
	return nil
}

// Settle verifies the submission and, on a match, walks the broadcast path.
// A broadcasting-hook failure aborts before anything reaches the cluster;
// from the broadcast on, failures can no longer undo the payment.
func (p *Pipeline) Settle(ctx context.Context, inv *models.Invoice, sub Submission) error {
	if err := p.Verify(inv, sub); err != nil {
		return err
	}

	if len(sub.RefundTo) > 0 {
		if err := p.Store.SaveRefundTo(ctx, inv.ID, sub.RefundTo); err != nil {
			return err
		}
		inv.RefundTo = sub.RefundTo
	}

	payload := inv.Payload(p.Domain, false)
	if p.Publisher != nil {
		p.Publisher.Notify(inv.NotifyID(), models.EventBroadcasting, map[string]any{"invoice": payload})
	}
	if p.Hooks != nil {
		// Pre-broadcast checkpoint: the merchant can veto or attach data.
		// The ack path deliberately blocks on this round-trip.
		if err := p.Hooks.Broadcasting(ctx, inv, payload); err != nil {
			return err
		}
	}

	rawHex := make([]string, 0, len(sub.RawTxs))
	for _, raw := range sub.RawTxs {
		rawHex = append(rawHex, hex.EncodeToString(raw))
	}
	txIDs, err := p.Engine.Broadcast(ctx, rawHex)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	updated, err := p.Store.MarkBroadcasted(ctx, inv.ID, txIDs, now)
	if err != nil {
		return err
	}
	if !updated {
		// A concurrent attempt won the persistence race after our broadcast.
		return errs.AlreadyPaid()
	}
	inv.TxIDs = txIDs
	inv.Broadcasted = &now
	if inv.OriginalID != "" {
		// A paid derived copy consumes one use on its static original.
		if err := p.Store.IncrementStaticUse(ctx, inv.OriginalID); err != nil {
			log.Printf("increment static use for %s: %v", inv.OriginalID, err)
		}
	}

	payload = inv.Payload(p.Domain, false)
	if p.Hooks != nil {
		if err := p.Hooks.Broadcasted(ctx, inv, payload); err != nil {
			log.Printf("broadcasted webhook for %s failed: %v", inv.ID, err)
			_ = p.Store.AppendEvent(ctx, inv.ID, models.Event{
				Time:    time.Now().UTC(),
				Type:    models.EventWebhookFailure,
				Status:  models.StatusFailed,
				Message: errs.MessageOf(err),
			})
		}
		payload = inv.Payload(p.Domain, false)
	}
	if p.Publisher != nil {
		p.Publisher.Notify(inv.NotifyID(), models.EventBroadcasted, map[string]any{"invoice": payload})
	}
	return nil
}
