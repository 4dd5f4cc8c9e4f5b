package services

import (
	"context"
	"math"
	"time"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
	"bchgateway/internal/payments"
	"bchgateway/internal/rates"

	"github.com/google/uuid"
)

// InvoiceStore is the slice of the store the lifecycle manager needs.
type InvoiceStore interface {
	Create(ctx context.Context, inv *models.Invoice) error
	Get(ctx context.Context, invoiceID string) (*models.Invoice, error)
	AppendEvent(ctx context.Context, invoiceID string, ev models.Event) error
}

type InvoiceService struct {
	Store         InvoiceStore
	Rates         *rates.Service
	Domain        string
	Network       string
	DefaultExpiry time.Duration
}

// CreateRequest carries invoice terms as posted by the merchant.
type CreateRequest struct {
	APIKey       string                   `json:"apiKey,omitempty"`
	Behavior     models.Behavior          `json:"behavior,omitempty"`
	Network      string                   `json:"network,omitempty"`
	Outputs      []models.RequestedOutput `json:"outputs"`
	Expires      int64                    `json:"expires,omitempty"`
	Memo         string                   `json:"memo,omitempty"`
	MerchantData string                   `json:"merchantData,omitempty"`
	PrivateData  string                   `json:"privateData,omitempty"`
	UserCurrency string                   `json:"userCurrency,omitempty"`
	Webhooks     models.WebhookSet        `json:"webhooks,omitempty"`
	Static       *StaticTerms             `json:"static,omitempty"`
}

// StaticTerms bounds reuse of a static invoice: an absolute expiry for the
// QR code itself and a cap on how many derived copies may be paid.
type StaticTerms struct {
	ValidUntil int64 `json:"validUntil,omitempty"`
	Quantity   int64 `json:"quantity,omitempty"`
}

// Create validates the terms, resolves every output through the rate oracle,
// computes the invoice totals and persists the result. Terms are immutable
// from here on.
func (s *InvoiceService) Create(ctx context.Context, req CreateRequest) (*models.Invoice, error) {
	return s.create(ctx, req, "")
}

func (s *InvoiceService) create(ctx context.Context, req CreateRequest, originalID string) (*models.Invoice, error) {
	if len(req.Outputs) == 0 {
		return nil, errs.Validation("invoice requires at least one output")
	}

	behavior := req.Behavior
	if behavior == "" {
		behavior = models.BehaviorNormal
	}
	if behavior != models.BehaviorNormal && behavior != models.BehaviorStatic {
		return nil, errs.Validation("unknown behavior %q", behavior)
	}
	if req.Static != nil && behavior != models.BehaviorStatic {
		return nil, errs.Validation("static terms require static behavior")
	}
	network := req.Network
	if network == "" {
		network = s.Network
	}
	userCurrency := req.UserCurrency
	if userCurrency == "" {
		userCurrency = s.Rates.BaseCurrency
	}

	now := time.Now().UTC()
	inv := &models.Invoice{
		ID:           uuid.NewString(),
		APIKey:       req.APIKey,
		OriginalID:   originalID,
		Behavior:     behavior,
		Network:      network,
		Requested:    req.Outputs,
		Memo:         req.Memo,
		MerchantData: req.MerchantData,
		PrivateData:  req.PrivateData,
		UserCurrency: userCurrency,
		Webhooks:     req.Webhooks,
		Time:         now.Unix(),
		BaseCurrency: s.Rates.BaseCurrency,
	}
	if req.Static != nil {
		inv.StaticValidUntil = req.Static.ValidUntil
		inv.StaticQuantity = req.Static.Quantity
	}

	expiry := s.DefaultExpiry
	if req.Expires > 0 {
		expiry = time.Duration(req.Expires) * time.Second
	}
	inv.Expires = inv.Time + int64(expiry/time.Second)

	for _, out := range req.Outputs {
		if out.Address != "" && out.Script != "" {
			return nil, errs.Validation("output must carry an address or a script, not both")
		}
		amount, err := rates.ParseAmount(out.Amount)
		if err != nil {
			return nil, err
		}
		sats, err := s.Rates.ToNative(amount)
		if err != nil {
			return nil, err
		}
		if sats <= 0 {
			return nil, errs.Validation("output resolves to a non-positive amount")
		}

		resolved := models.Output{Amount: sats, Address: out.Address, Script: out.Script}
		if _, err := payments.ResolveScript(resolved, network); err != nil {
			if errs.HasCode(err, errs.CodeUnsupportedAddressType) {
				return nil, err
			}
			return nil, errs.Validation("%s", err.Error())
		}
		inv.Outputs = append(inv.Outputs, resolved)
		inv.NativeTotal += sats
	}

	baseTotal, err := s.Rates.FromNative(inv.NativeTotal, inv.BaseCurrency)
	if err != nil {
		return nil, err
	}
	userTotal, err := s.Rates.FromNative(inv.NativeTotal, inv.UserCurrency)
	if err != nil {
		return nil, err
	}
	inv.BaseCurrencyTotal = round2(baseTotal)
	inv.UserCurrencyTotal = round2(userTotal)

	if err := s.Store.Create(ctx, inv); err != nil {
		return nil, err
	}
	if err := s.Store.AppendEvent(ctx, inv.ID, models.Event{
		Time:   now,
		Type:   models.EventCreated,
		Status: models.StatusCompleted,
	}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *InvoiceService) Get(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	return s.Store.Get(ctx, invoiceID)
}

// DeriveStatic spawns a fresh, payable copy of a static invoice. The copy is
// a normal invoice re-priced at current rates; its notification topic stays
// the original's id so every copy fans into one stream. Reuse limits are
// checked against the original before deriving.
func (s *InvoiceService) DeriveStatic(ctx context.Context, original *models.Invoice) (*models.Invoice, error) {
	if original.Behavior != models.BehaviorStatic {
		return nil, errs.Validation("invoice %s is not static", original.ID)
	}
	if original.StaticValidUntil > 0 && time.Now().Unix() > original.StaticValidUntil {
		return nil, errs.StaticExpired()
	}
	if original.StaticQuantity > 0 && original.StaticUsed >= original.StaticQuantity {
		return nil, errs.StaticExhausted()
	}
	return s.create(ctx, CreateRequest{
		APIKey:       original.APIKey,
		Behavior:     models.BehaviorNormal,
		Network:      original.Network,
		Outputs:      original.Requested,
		Memo:         original.Memo,
		MerchantData: original.MerchantData,
		PrivateData:  original.PrivateData,
		UserCurrency: original.UserCurrency,
		Webhooks:     original.Webhooks,
	}, original.NotifyID())
}

// Payload projects an invoice for responses and notifications.
func (s *InvoiceService) Payload(inv *models.Invoice, includePrivate bool) models.Payload {
	return inv.Payload(s.Domain, includePrivate)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
