package models

import (
	"fmt"
	"time"
)

type Behavior string

const (
	BehaviorNormal Behavior = "normal"
	BehaviorStatic Behavior = "static"
)

// Event types recorded on the invoice log. The log is append-only and is the
// source of truth for lifecycle checks such as "has this invoice been paid".
const (
	EventCreated        = "created"
	EventRequested      = "requested"
	EventBroadcasting   = "broadcasting"
	EventBroadcasted    = "broadcasted"
	EventConfirmed      = "confirmed"
	EventWebhookFailure = "webhook_failure"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RequestedOutput is an output as supplied by the merchant: a currency-tagged
// amount string or plain satoshi integer, plus exactly one of address/script.
type RequestedOutput struct {
	Amount  string `json:"amount"`
	Address string `json:"address,omitempty"`
	Script  string `json:"script,omitempty"`
}

// Output is a resolved output: an exact satoshi amount and a hex locking
// script. Address is retained for display only.
type Output struct {
	Amount  int64  `json:"amount"`
	Address string `json:"address,omitempty"`
	Script  string `json:"script,omitempty"`
}

type WebhookSet struct {
	Requested    string `json:"requested,omitempty"`
	Broadcasting string `json:"broadcasting,omitempty"`
	Broadcasted  string `json:"broadcasted,omitempty"`
	Confirmed    string `json:"confirmed,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HTTPSnapshot preserves enough of a wire exchange for later auditing.
// Body holds base64 for binary payloads and plain text otherwise.
type HTTPSnapshot struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type Event struct {
	Time      time.Time     `json:"time"`
	Type      string        `json:"type"`
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	UserAgent string        `json:"userAgent,omitempty"`
	IP        string        `json:"ip,omitempty"`
	Request   *HTTPSnapshot `json:"request,omitempty"`
	Response  *HTTPSnapshot `json:"response,omitempty"`
}

type Invoice struct {
	ID         string
	APIKey     string
	OriginalID string
	Behavior   Behavior

	// Terms, immutable after creation.
	Network      string
	Requested    []RequestedOutput
	Memo         string
	MerchantData string
	PrivateData  string
	UserCurrency string
	Webhooks     WebhookSet

	// Reuse limits for static invoices. Zero means unlimited.
	StaticValidUntil int64
	StaticQuantity   int64

	// Computed at creation.
	Outputs           []Output
	Time              int64
	Expires           int64
	NativeTotal       int64
	BaseCurrency      string
	BaseCurrencyTotal float64
	UserCurrencyTotal float64

	// Lifecycle.
	TxIDs           []string
	RefundTo        []Output
	Broadcasted     *time.Time
	ConfirmedHeight *int64
	StaticUsed      int64
	Data            string

	Events []Event

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEvent scans the log in insertion order for a completed event of the
// given type.
func (inv *Invoice) HasEvent(eventType string) bool {
	for _, ev := range inv.Events {
		if ev.Type == eventType && ev.Status != StatusFailed {
			return true
		}
	}
	return false
}

// NotifyID is the topic used for webhook/websocket fan-out. Copies derived
// from a static invoice all report the original's id so every copy fans into
// one stream.
func (inv *Invoice) NotifyID() string {
	if inv.OriginalID != "" {
		return inv.OriginalID
	}
	return inv.ID
}

func (inv *Invoice) ExpiresAt() time.Time {
	return time.Unix(inv.Expires, 0)
}

func (inv *Invoice) PaymentURI(domain string) string {
	return fmt.Sprintf("https://%s/invoice/pay/%s", domain, inv.ID)
}

func (inv *Invoice) StateURI(domain string) string {
	return fmt.Sprintf("https://%s/invoice/state/%s", domain, inv.ID)
}

func (inv *Invoice) WalletURI(domain string) string {
	scheme := "bitcoincash"
	if inv.Network != "main" {
		scheme = "bchtest"
	}
	return fmt.Sprintf("%s:?r=https://%s/invoice/pay/%s", scheme, domain, inv.ID)
}

func (inv *Invoice) WebSocketURI(domain string) string {
	return "wss://" + domain
}

// Payload is the invoice projection returned to callers and embedded in
// notifications.
type Payload struct {
	ID       string   `json:"id"`
	Behavior Behavior `json:"behavior"`
	Network  string   `json:"network"`

	Outputs []Output `json:"outputs"`
	Time    int64    `json:"time"`
	Expires int64    `json:"expires"`
	Memo    string   `json:"memo,omitempty"`
	Data    string   `json:"data,omitempty"`

	Totals PayloadTotals `json:"totals"`

	TxIDs           []string   `json:"txIds,omitempty"`
	Broadcasted     *time.Time `json:"broadcasted,omitempty"`
	ConfirmedHeight *int64     `json:"confirmedHeight,omitempty"`

	Service PayloadService `json:"service"`

	// Owner-only fields, stripped from public payloads.
	APIKey      string         `json:"apiKey,omitempty"`
	PrivateData string         `json:"privateData,omitempty"`
	Webhooks    *WebhookSet    `json:"webhooks,omitempty"`
	Static      *PayloadStatic `json:"static,omitempty"`
	Events      []Event        `json:"events,omitempty"`
}

// PayloadStatic reports a static invoice's reuse limits and consumption.
type PayloadStatic struct {
	ValidUntil int64 `json:"validUntil,omitempty"`
	Quantity   int64 `json:"quantity,omitempty"`
	Used       int64 `json:"used"`
}

type PayloadTotals struct {
	NativeTotal       int64   `json:"nativeTotal"`
	BaseCurrency      string  `json:"baseCurrency"`
	BaseCurrencyTotal float64 `json:"baseCurrencyTotal"`
	UserCurrency      string  `json:"userCurrency"`
	UserCurrencyTotal float64 `json:"userCurrencyTotal"`
}

type PayloadService struct {
	PaymentURI   string `json:"paymentURI"`
	StateURI     string `json:"stateURI"`
	WalletURI    string `json:"walletURI"`
	WebSocketURI string `json:"webSocketURI"`
}

// Payload projects the invoice to a response document. Owner-only fields are
// included only when includePrivate is set.
func (inv *Invoice) Payload(domain string, includePrivate bool) Payload {
	p := Payload{
		ID:       inv.ID,
		Behavior: inv.Behavior,
		Network:  inv.Network,
		Outputs:  inv.Outputs,
		Time:     inv.Time,
		Expires:  inv.Expires,
		Memo:     inv.Memo,
		Data:     inv.Data,
		Totals: PayloadTotals{
			NativeTotal:       inv.NativeTotal,
			BaseCurrency:      inv.BaseCurrency,
			BaseCurrencyTotal: inv.BaseCurrencyTotal,
			UserCurrency:      inv.UserCurrency,
			UserCurrencyTotal: inv.UserCurrencyTotal,
		},
		TxIDs:           inv.TxIDs,
		Broadcasted:     inv.Broadcasted,
		ConfirmedHeight: inv.ConfirmedHeight,
		Service: PayloadService{
			PaymentURI:   inv.PaymentURI(domain),
			StateURI:     inv.StateURI(domain),
			WalletURI:    inv.WalletURI(domain),
			WebSocketURI: inv.WebSocketURI(domain),
		},
	}
	if includePrivate {
		p.APIKey = inv.APIKey
		p.PrivateData = inv.PrivateData
		if inv.Webhooks != (WebhookSet{}) {
			hooks := inv.Webhooks
			p.Webhooks = &hooks
		}
		if inv.Behavior == BehaviorStatic {
			p.Static = &PayloadStatic{
				ValidUntil: inv.StaticValidUntil,
				Quantity:   inv.StaticQuantity,
				Used:       inv.StaticUsed,
			}
		}
		p.Events = inv.Events
	}
	return p
}
