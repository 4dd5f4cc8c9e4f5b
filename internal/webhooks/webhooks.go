package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
	"bchgateway/internal/signer"
)

// InvoiceAmender lets hook responses write data back onto the invoice.
type InvoiceAmender interface {
	MergeWebhookData(ctx context.Context, invoiceID string, data, privateData *string) error
}

// Dispatcher delivers signed lifecycle callbacks to merchant endpoints.
type Dispatcher struct {
	Client *http.Client
	Signer *signer.Service
	Store  InvoiceAmender
}

func NewDispatcher(sig *signer.Service, store InvoiceAmender) *Dispatcher {
	return &Dispatcher{
		Client: &http.Client{Timeout: 10 * time.Second},
		Signer: sig,
		Store:  store,
	}
}

type eventBody struct {
	Event   string               `json:"event"`
	Invoice models.Payload       `json:"invoice"`
	Request *models.HTTPSnapshot `json:"request,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Requested fires the requested hook, if configured.
func (d *Dispatcher) Requested(ctx context.Context, inv *models.Invoice, payload models.Payload) error {
	if inv.Webhooks.Requested == "" {
		return nil
	}
	_, _, err := d.send(ctx, inv.Webhooks.Requested, eventBody{Event: models.EventRequested, Invoice: payload})
	return err
}

// Broadcasting fires the pre-broadcast checkpoint. A JSON response may carry
// {data, privateData}, which is merged back into the invoice before the
// transaction is relayed. Any failure here must abort the payment flow.
func (d *Dispatcher) Broadcasting(ctx context.Context, inv *models.Invoice, payload models.Payload) error {
	if inv.Webhooks.Broadcasting == "" {
		return nil
	}
	body, contentType, err := d.send(ctx, inv.Webhooks.Broadcasting, eventBody{Event: models.EventBroadcasting, Invoice: payload})
	if err != nil {
		return err
	}
	return d.mergeBack(ctx, inv, contentType, body)
}

// Broadcasted fires after a successful relay, with the same merge-back
// behavior as Broadcasting.
func (d *Dispatcher) Broadcasted(ctx context.Context, inv *models.Invoice, payload models.Payload) error {
	if inv.Webhooks.Broadcasted == "" {
		return nil
	}
	body, contentType, err := d.send(ctx, inv.Webhooks.Broadcasted, eventBody{Event: models.EventBroadcasted, Invoice: payload})
	if err != nil {
		return err
	}
	return d.mergeBack(ctx, inv, contentType, body)
}

func (d *Dispatcher) Confirmed(ctx context.Context, inv *models.Invoice, payload models.Payload) error {
	if inv.Webhooks.Confirmed == "" {
		return nil
	}
	_, _, err := d.send(ctx, inv.Webhooks.Confirmed, eventBody{Event: models.EventConfirmed, Invoice: payload})
	return err
}

// Error reports a failed request against the invoice, with the wire snapshot
// that triggered it. Stack traces stay server-side.
func (d *Dispatcher) Error(ctx context.Context, inv *models.Invoice, payload models.Payload, snapshot *models.HTTPSnapshot, message string) error {
	if inv.Webhooks.Error == "" {
		return nil
	}
	_, _, err := d.send(ctx, inv.Webhooks.Error, eventBody{
		Event:   "error",
		Invoice: payload,
		Request: snapshot,
		Error:   message,
	})
	return err
}

func (d *Dispatcher) send(ctx context.Context, endpoint string, body eventBody) ([]byte, string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, "", errs.WebhookDelivery(body.Event, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.Signer.Headers(data) {
		req.Header.Set(k, v)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, "", errs.WebhookDelivery(body.Event, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", errs.WebhookDelivery(body.Event, fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}
	return respBody, resp.Header.Get("Content-Type"), nil
}

func (d *Dispatcher) mergeBack(ctx context.Context, inv *models.Invoice, contentType string, body []byte) error {
	if !strings.HasPrefix(contentType, "application/json") || len(body) == 0 {
		return nil
	}
	var amendment struct {
		Data        *string `json:"data"`
		PrivateData *string `json:"privateData"`
	}
	if err := json.Unmarshal(body, &amendment); err != nil {
		return nil // a non-JSON body behind a JSON content type is ignored
	}
	if amendment.Data == nil && amendment.PrivateData == nil {
		return nil
	}
	if amendment.Data != nil {
		inv.Data = *amendment.Data
	}
	if amendment.PrivateData != nil {
		inv.PrivateData = *amendment.PrivateData
	}
	return d.Store.MergeWebhookData(ctx, inv.ID, amendment.Data, amendment.PrivateData)
}
