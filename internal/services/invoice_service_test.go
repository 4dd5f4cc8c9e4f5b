package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
	"bchgateway/internal/rates"
)

const testAddr = "bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a"

type memStore struct {
	invoices map[string]*models.Invoice
}

func newMemStore() *memStore {
	return &memStore{invoices: make(map[string]*models.Invoice)}
}

func (m *memStore) Create(ctx context.Context, inv *models.Invoice) error {
	clone := *inv
	m.invoices[inv.ID] = &clone
	return nil
}

func (m *memStore) Get(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return nil, errs.NotFound()
	}
	clone := *inv
	return &clone, nil
}

func (m *memStore) AppendEvent(ctx context.Context, invoiceID string, ev models.Event) error {
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return errs.NotFound()
	}
	inv.Events = append(inv.Events, ev)
	return nil
}

func newService(store InvoiceStore) *InvoiceService {
	return &InvoiceService{
		Store:         store,
		Rates:         rates.NewStatic("USD", map[string]float64{"USD": 300, "EUR": 250, "BCH": 1}),
		Domain:        "pay.example.com",
		Network:       "main",
		DefaultExpiry: 15 * time.Minute,
	}
}

func TestCreateResolvesFiatOutputs(t *testing.T) {
	store := newMemStore()
	svc := newService(store)

	inv, err := svc.Create(context.Background(), CreateRequest{
		Outputs:      []models.RequestedOutput{{Amount: "10USD", Address: testAddr}},
		Memo:         "coffee",
		UserCurrency: "EUR",
	})
	require.NoError(t, err)
	require.NotEmpty(t, inv.ID)
	require.Equal(t, models.BehaviorNormal, inv.Behavior)
	require.Equal(t, "main", inv.Network)
	require.Equal(t, int64(3333333), inv.NativeTotal)
	require.Equal(t, "USD", inv.BaseCurrency)
	require.Equal(t, 10.0, inv.BaseCurrencyTotal)
	// 3333333 sats at 250 EUR/BCH, rounded to cents.
	require.Equal(t, 8.33, inv.UserCurrencyTotal)
	require.Equal(t, inv.Time+900, inv.Expires)

	stored, err := store.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, stored.HasEvent(models.EventCreated))
}

func TestCreateSatoshiOutputs(t *testing.T) {
	svc := newService(newMemStore())
	inv, err := svc.Create(context.Background(), CreateRequest{
		Outputs: []models.RequestedOutput{
			{Amount: "1000", Address: testAddr},
			{Amount: "2500", Address: testAddr},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3500), inv.NativeTotal)
	require.Len(t, inv.Outputs, 2)
	require.Equal(t, int64(1000), inv.Outputs[0].Amount)
}

func TestCreateValidation(t *testing.T) {
	svc := newService(newMemStore())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{})
	require.True(t, errs.HasCode(err, errs.CodeValidation))

	_, err = svc.Create(ctx, CreateRequest{
		Behavior: "recurring",
		Outputs:  []models.RequestedOutput{{Amount: "1000", Address: testAddr}},
	})
	require.True(t, errs.HasCode(err, errs.CodeValidation))

	_, err = svc.Create(ctx, CreateRequest{
		Outputs: []models.RequestedOutput{{Amount: "1000", Address: testAddr, Script: "76a914"}},
	})
	require.True(t, errs.HasCode(err, errs.CodeValidation))

	_, err = svc.Create(ctx, CreateRequest{
		Outputs: []models.RequestedOutput{{Amount: "0", Address: testAddr}},
	})
	require.True(t, errs.HasCode(err, errs.CodeValidation))

	_, err = svc.Create(ctx, CreateRequest{
		Outputs: []models.RequestedOutput{{Amount: "10XYZ", Address: testAddr}},
	})
	require.True(t, errs.HasCode(err, errs.CodeUnsupportedCurrency))

	_, err = svc.Create(ctx, CreateRequest{
		Outputs: []models.RequestedOutput{{Amount: "1000", Address: "garbage"}},
	})
	require.True(t, errs.HasCode(err, errs.CodeUnsupportedAddressType))
}

func TestCreateCustomExpiry(t *testing.T) {
	svc := newService(newMemStore())
	inv, err := svc.Create(context.Background(), CreateRequest{
		Outputs: []models.RequestedOutput{{Amount: "1000", Address: testAddr}},
		Expires: 60,
	})
	require.NoError(t, err)
	require.Equal(t, inv.Time+60, inv.Expires)
}

func TestDeriveStatic(t *testing.T) {
	store := newMemStore()
	svc := newService(store)

	original, err := svc.Create(context.Background(), CreateRequest{
		Behavior:    models.BehaviorStatic,
		Outputs:     []models.RequestedOutput{{Amount: "10USD", Address: testAddr}},
		Memo:        "donation",
		PrivateData: "campaign-42",
	})
	require.NoError(t, err)

	derived, err := svc.DeriveStatic(context.Background(), original)
	require.NoError(t, err)
	require.NotEqual(t, original.ID, derived.ID)
	require.Equal(t, models.BehaviorNormal, derived.Behavior)
	require.Equal(t, original.ID, derived.OriginalID)
	require.Equal(t, original.ID, derived.NotifyID())
	require.Equal(t, original.NativeTotal, derived.NativeTotal)
	require.Equal(t, "donation", derived.Memo)
	require.Equal(t, "campaign-42", derived.PrivateData)
}

func TestCreateStaticTerms(t *testing.T) {
	svc := newService(newMemStore())
	until := time.Now().Add(time.Hour).Unix()

	inv, err := svc.Create(context.Background(), CreateRequest{
		Behavior: models.BehaviorStatic,
		Outputs:  []models.RequestedOutput{{Amount: "1000", Address: testAddr}},
		Static:   &StaticTerms{ValidUntil: until, Quantity: 5},
	})
	require.NoError(t, err)
	require.Equal(t, until, inv.StaticValidUntil)
	require.Equal(t, int64(5), inv.StaticQuantity)

	// Reuse terms make no sense on a single-use invoice.
	_, err = svc.Create(context.Background(), CreateRequest{
		Outputs: []models.RequestedOutput{{Amount: "1000", Address: testAddr}},
		Static:  &StaticTerms{Quantity: 5},
	})
	require.True(t, errs.HasCode(err, errs.CodeValidation))
}

func TestDeriveStaticPastValidUntil(t *testing.T) {
	svc := newService(newMemStore())
	original, err := svc.Create(context.Background(), CreateRequest{
		Behavior: models.BehaviorStatic,
		Outputs:  []models.RequestedOutput{{Amount: "1000", Address: testAddr}},
		Static:   &StaticTerms{ValidUntil: time.Now().Add(-time.Minute).Unix()},
	})
	require.NoError(t, err)

	_, err = svc.DeriveStatic(context.Background(), original)
	require.True(t, errs.HasCode(err, errs.CodeExpired))
}

func TestDeriveStaticExhaustedQuantity(t *testing.T) {
	svc := newService(newMemStore())
	original, err := svc.Create(context.Background(), CreateRequest{
		Behavior: models.BehaviorStatic,
		Outputs:  []models.RequestedOutput{{Amount: "1000", Address: testAddr}},
		Static:   &StaticTerms{Quantity: 2},
	})
	require.NoError(t, err)

	// Two uses are still available.
	original.StaticUsed = 1
	_, err = svc.DeriveStatic(context.Background(), original)
	require.NoError(t, err)

	original.StaticUsed = 2
	_, err = svc.DeriveStatic(context.Background(), original)
	require.True(t, errs.HasCode(err, errs.CodeAlreadyPaid))
}

func TestDeriveStaticRejectsNormalInvoice(t *testing.T) {
	svc := newService(newMemStore())
	inv, err := svc.Create(context.Background(), CreateRequest{
		Outputs: []models.RequestedOutput{{Amount: "1000", Address: testAddr}},
	})
	require.NoError(t, err)

	_, err = svc.DeriveStatic(context.Background(), inv)
	require.True(t, errs.HasCode(err, errs.CodeValidation))
}
