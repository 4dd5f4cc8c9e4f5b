package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
	"bchgateway/internal/protocol"
	"bchgateway/internal/services"
	"bchgateway/internal/signer"
	"bchgateway/internal/store"
	"bchgateway/internal/webhooks"
	"bchgateway/internal/ws"
)

const maxPaymentBody = 1 << 20

// InvoiceSearcher is the slice of the store the admin surface needs.
type InvoiceSearcher interface {
	Search(ctx context.Context, f store.SearchFilter) ([]*models.Invoice, int64, error)
}

// Handler exposes the invoice API: creation, the dual payment protocol
// endpoints, state lookups, the admin search, signing keys and the
// websocket feed.
type Handler struct {
	Invoices *services.InvoiceService
	Store    protocol.PipelineStore
	Search   InvoiceSearcher
	Pipeline *protocol.Pipeline
	BIP70    *protocol.BIP70
	JSONPP   *protocol.JSONProtocol
	Hooks    *webhooks.Dispatcher
	Signer   *signer.Service
	Hub      *ws.Hub
	Domain   string
	APIKeys  map[string]struct{}
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req services.CreateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPaymentBody)).Decode(&req); err != nil {
		writeError(w, errs.Validation("could not decode request body"), false)
		return
	}
	if len(h.APIKeys) > 0 {
		if _, ok := h.APIKeys[req.APIKey]; !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API key."})
			return
		}
	}
	inv, err := h.Invoices.Create(r.Context(), req)
	if err != nil {
		writeError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, h.Invoices.Payload(inv, true))
}

// PaymentRequest handles GET /invoice/pay/{invoiceId}. The protocol variant
// is chosen from the Accept header. Static invoices answer with a freshly
// derived copy so each scan of a reusable QR code opens its own payment.
func (h *Handler) PaymentRequest(w http.ResponseWriter, r *http.Request) {
	proto := h.requestProtocol(r)
	binary := proto != nil && proto.Name() == h.BIP70.Name()

	inv, err := h.loadPayable(r.Context(), chi.URLParam(r, "invoiceId"))
	if err != nil {
		writeError(w, err, binary)
		return
	}
	if proto == nil {
		h.recordFailure(r, inv, models.EventRequested, errs.UnsupportedPaymentType())
		writeError(w, errs.UnsupportedPaymentType(), false)
		return
	}

	if inv.Behavior == models.BehaviorStatic {
		derived, err := h.Invoices.DeriveStatic(r.Context(), inv)
		if err != nil {
			h.recordFailure(r, inv, models.EventRequested, err)
			writeError(w, err, binary)
			return
		}
		inv = derived
	}

	resp, err := proto.BuildPaymentRequest(r.Context(), inv)
	if err != nil {
		h.recordFailure(r, inv, models.EventRequested, err)
		writeError(w, err, binary)
		return
	}
	writeResponse(w, resp)

	h.appendEvent(r, inv, models.Event{
		Type:     models.EventRequested,
		Status:   models.StatusCompleted,
		Request:  requestSnapshot(r, nil, false),
		Response: responseSnapshot(resp),
	})
	h.Pipeline.Requested(context.WithoutCancel(r.Context()), inv)
}

// SubmitPayment handles POST /invoice/pay/{invoiceId}: the BIP70 Payment
// message, the JSON payment and the JSON verify-payment dry run. The binary
// path is selected by the Accept header asking for a paymentack; the JSON
// paths are selected by Content-Type.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	contentType := mediaType(r.Header.Get("Content-Type"))
	binary := strings.Contains(r.Header.Get("Accept"), protocol.BIP70AckType) ||
		contentType == protocol.BIP70PaymentType

	inv, err := h.loadPayable(r.Context(), chi.URLParam(r, "invoiceId"))
	if err != nil {
		writeError(w, err, binary)
		return
	}
	if inv.Behavior == models.BehaviorStatic {
		err := errs.Validation("static invoices are paid through a derived copy")
		h.recordFailure(r, inv, models.EventBroadcasted, err)
		writeError(w, err, binary)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPaymentBody))
	if err != nil {
		writeError(w, errs.Validation("could not read request body"), binary)
		return
	}

	var (
		resp      protocol.Response
		eventType string
	)
	switch {
	case binary:
		eventType = models.EventBroadcasted
		resp, err = h.BIP70.VerifyAndAcknowledge(r.Context(), inv, body)
	case contentType == protocol.JSONVerifyType:
		eventType = "verified"
		resp, err = h.JSONPP.VerifyOnly(r.Context(), inv, body)
	case contentType == protocol.JSONPaymentType:
		eventType = models.EventBroadcasted
		resp, err = h.JSONPP.VerifyAndAcknowledge(r.Context(), inv, body)
	default:
		err := errs.UnsupportedPaymentType()
		h.recordFailure(r, inv, models.EventBroadcasted, err)
		writeError(w, err, false)
		return
	}
	if err != nil {
		h.recordPaymentFailure(r, inv, eventType, body, binary, err)
		writeError(w, err, binary)
		return
	}
	writeResponse(w, resp)

	h.appendEvent(r, inv, models.Event{
		Type:     eventType,
		Status:   models.StatusCompleted,
		Request:  requestSnapshot(r, body, binary),
		Response: responseSnapshot(resp),
	})
}

// SearchInvoices handles POST /admin/search: a filtered, paginated listing
// of the caller's own invoices. The apiKey in the body is both the gate and
// the scope; results never cross API keys.
func (h *Handler) SearchInvoices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey  string `json:"apiKey"`
		Filters struct {
			Behavior   models.Behavior `json:"behavior,omitempty"`
			OriginalID string          `json:"originalId,omitempty"`
			Broadcast  *bool           `json:"broadcasted,omitempty"`
			Confirmed  *bool           `json:"confirmed,omitempty"`
		} `json:"filters"`
		Offset int `json:"offset,omitempty"`
		Limit  int `json:"limit,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPaymentBody)).Decode(&req); err != nil {
		writeError(w, errs.Validation("could not decode request body"), false)
		return
	}
	if req.APIKey == "" {
		writeError(w, errs.Validation("apiKey param is required"), false)
		return
	}
	if len(h.APIKeys) > 0 {
		if _, ok := h.APIKeys[req.APIKey]; !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API key."})
			return
		}
	}

	invoices, total, err := h.Search.Search(r.Context(), store.SearchFilter{
		APIKey:     req.APIKey,
		Behavior:   req.Filters.Behavior,
		OriginalID: req.Filters.OriginalID,
		Broadcast:  req.Filters.Broadcast,
		Confirmed:  req.Filters.Confirmed,
		Offset:     req.Offset,
		Limit:      req.Limit,
	})
	if err != nil {
		writeError(w, err, false)
		return
	}

	payloads := make([]models.Payload, 0, len(invoices))
	for _, inv := range invoices {
		payloads = append(payloads, inv.Payload(h.Domain, true))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invoices": payloads,
		"total":    total,
	})
}

// InvoiceState returns the invoice projection. The owner view, including
// private data and the event log, requires the invoice's API key.
func (h *Handler) InvoiceState(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Get(r.Context(), chi.URLParam(r, "invoiceId"))
	if err != nil {
		writeError(w, err, false)
		return
	}
	includePrivate := inv.APIKey != "" && r.URL.Query().Get("apiKey") == inv.APIKey
	writeJSON(w, http.StatusOK, h.Invoices.Payload(inv, includePrivate))
}

func (h *Handler) SigningKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Signer.Keys(time.Now().UTC()))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadPayable fetches an invoice and enforces the payability preconditions
// in order: existence, then paid, then expiry.
func (h *Handler) loadPayable(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	inv, err := h.Invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Broadcasted != nil || inv.HasEvent(models.EventBroadcasted) {
		return nil, errs.AlreadyPaid()
	}
	if inv.Behavior != models.BehaviorStatic && time.Now().After(inv.ExpiresAt()) {
		return nil, errs.Expired()
	}
	return inv, nil
}

// requestProtocol picks the wire variant from the Accept header.
func (h *Handler) requestProtocol(r *http.Request) protocol.PaymentProtocol {
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, protocol.BIP70RequestType):
		return h.BIP70
	case strings.Contains(accept, protocol.JSONRequestType):
		return h.JSONPP
	}
	return nil
}

func (h *Handler) appendEvent(r *http.Request, inv *models.Invoice, ev models.Event) {
	ev.Time = time.Now().UTC()
	ev.UserAgent = r.UserAgent()
	ev.IP = r.RemoteAddr
	ctx := context.WithoutCancel(r.Context())
	if err := h.Store.AppendEvent(ctx, inv.ID, ev); err != nil {
		log.Printf("append %s event for %s: %v", ev.Type, inv.ID, err)
	}
}

func (h *Handler) recordFailure(r *http.Request, inv *models.Invoice, eventType string, cause error) {
	h.recordPaymentFailure(r, inv, eventType, nil, false, cause)
}

// recordPaymentFailure appends a failed event, pushes a failed notification
// and fires the merchant's error webhook.
func (h *Handler) recordPaymentFailure(r *http.Request, inv *models.Invoice, eventType string, body []byte, binary bool, cause error) {
	snapshot := requestSnapshot(r, body, binary)
	h.appendEvent(r, inv, models.Event{
		Type:    eventType,
		Status:  models.StatusFailed,
		Message: errs.MessageOf(cause),
		Request: snapshot,
	})
	if h.Hub != nil {
		h.Hub.Notify(inv.NotifyID(), "failed", map[string]any{
			"message": errs.MessageOf(cause),
			"invoice": inv.Payload(h.Domain, false),
		})
	}
	if h.Hooks != nil {
		ctx := context.WithoutCancel(r.Context())
		if err := h.Hooks.Error(ctx, inv, inv.Payload(h.Domain, false), snapshot, errs.MessageOf(cause)); err != nil {
			log.Printf("error webhook for %s failed: %v", inv.ID, err)
		}
	}
}

func requestSnapshot(r *http.Request, body []byte, binary bool) *models.HTTPSnapshot {
	snap := &models.HTTPSnapshot{Headers: map[string]string{}}
	for _, name := range []string{"Content-Type", "Accept", "User-Agent"} {
		if v := r.Header.Get(name); v != "" {
			snap.Headers[name] = v
		}
	}
	snap.Body = snapshotBody(body, binary)
	return snap
}

func responseSnapshot(resp protocol.Response) *models.HTTPSnapshot {
	return &models.HTTPSnapshot{
		Headers: resp.Headers,
		Body:    snapshotBody(resp.Body, resp.Binary),
	}
}

func snapshotBody(body []byte, binary bool) string {
	if len(body) == 0 {
		return ""
	}
	if binary {
		return base64.StdEncoding.EncodeToString(body)
	}
	return string(body)
}

func writeResponse(w http.ResponseWriter, resp protocol.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Body); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// writeError renders an error for the wire. Binary protocol clients get a
// plain text body, everything else gets JSON.
func writeError(w http.ResponseWriter, err error, binary bool) {
	status := errs.StatusOf(err)
	message := errs.MessageOf(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	if binary {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, message)
		return
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func mediaType(header string) string {
	if i := strings.IndexByte(header, ';'); i >= 0 {
		header = header[:i]
	}
	return strings.TrimSpace(strings.ToLower(header))
}
