package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists invoices with document-style create/find/save semantics on
// top of Postgres. Outputs, webhooks and event snapshots live in jsonb
// columns; lifecycle transitions are guarded UPDATEs so they stay idempotent
// under concurrent payment attempts.
type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const invoiceColumns = `
	invoice_id, api_key, original_id, behavior, network,
	requested_outputs, outputs, memo, merchant_data, private_data,
	user_currency, webhooks, static_valid_until, static_quantity,
	time_unix, expires_unix,
	native_total, base_currency, base_currency_total, user_currency_total,
	tx_ids, refund_to, broadcasted, confirmed_height, static_used, data,
	created_at, updated_at`

func (s *Store) Create(ctx context.Context, inv *models.Invoice) error {
	requested, err := json.Marshal(inv.Requested)
	if err != nil {
		return err
	}
	outputs, err := json.Marshal(inv.Outputs)
	if err != nil {
		return err
	}
	webhooks, err := json.Marshal(inv.Webhooks)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO invoices (
			invoice_id, api_key, original_id, behavior, network,
			requested_outputs, outputs, memo, merchant_data, private_data,
			user_currency, webhooks, static_valid_until, static_quantity,
			time_unix, expires_unix,
			native_total, base_currency, base_currency_total, user_currency_total
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		inv.ID,
		inv.APIKey,
		inv.OriginalID,
		inv.Behavior,
		inv.Network,
		requested,
		outputs,
		inv.Memo,
		inv.MerchantData,
		inv.PrivateData,
		inv.UserCurrency,
		webhooks,
		inv.StaticValidUntil,
		inv.StaticQuantity,
		inv.Time,
		inv.Expires,
		inv.NativeTotal,
		inv.BaseCurrency,
		inv.BaseCurrencyTotal,
		inv.UserCurrencyTotal,
	)
	return err
}

func (s *Store) Get(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE invoice_id=$1`, invoiceID)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound()
		}
		return nil, err
	}
	events, err := s.loadEvents(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	inv.Events = events
	return inv, nil
}

// AppendEvent adds one entry to the invoice's append-only event log.
func (s *Store) AppendEvent(ctx context.Context, invoiceID string, ev models.Event) error {
	var request, response []byte
	var err error
	if ev.Request != nil {
		if request, err = json.Marshal(ev.Request); err != nil {
			return err
		}
	}
	if ev.Response != nil {
		if response, err = json.Marshal(ev.Response); err != nil {
			return err
		}
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO invoice_events (invoice_id, time, type, status, message, user_agent, ip, request, response)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, invoiceID, ev.Time, ev.Type, ev.Status, ev.Message, ev.UserAgent, ev.IP, request, response)
	return err
}

// MarkBroadcasted records txids and the broadcast timestamp. It reports
// false when the invoice was already broadcast, so a second payment attempt
// can never overwrite the first.
func (s *Store) MarkBroadcasted(ctx context.Context, invoiceID string, txIDs []string, at time.Time) (bool, error) {
	ids, err := json.Marshal(txIDs)
	if err != nil {
		return false, err
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE invoices
		SET tx_ids=$2, broadcasted=$3, updated_at=now()
		WHERE invoice_id=$1 AND broadcasted IS NULL
	`, invoiceID, ids, at)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MarkConfirmed sets the confirmation height. Confirmation requires a prior
// broadcast and happens at most once.
func (s *Store) MarkConfirmed(ctx context.Context, invoiceID string, height int64) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE invoices
		SET confirmed_height=$2, updated_at=now()
		WHERE invoice_id=$1 AND broadcasted IS NOT NULL AND confirmed_height IS NULL
	`, invoiceID, height)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// IncrementStaticUse bumps the use counter on a static invoice after one of
// its derived copies was paid.
func (s *Store) IncrementStaticUse(ctx context.Context, invoiceID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE invoices SET static_used=static_used+1, updated_at=now() WHERE invoice_id=$1
	`, invoiceID)
	return err
}

func (s *Store) SaveRefundTo(ctx context.Context, invoiceID string, outputs []models.Output) error {
	refund, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		UPDATE invoices SET refund_to=$2, updated_at=now() WHERE invoice_id=$1
	`, invoiceID, refund)
	return err
}

// MergeWebhookData folds a broadcasting/broadcasted hook response back into
// the invoice. Nil fields are left untouched.
func (s *Store) MergeWebhookData(ctx context.Context, invoiceID string, data, privateData *string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE invoices
		SET data=COALESCE($2, data), private_data=COALESCE($3, private_data), updated_at=now()
		WHERE invoice_id=$1
	`, invoiceID, data, privateData)
	return err
}

// ListPendingConfirmation returns broadcast-but-unconfirmed invoices. Event
// logs are not loaded; confirmation only needs lifecycle fields.
func (s *Store) ListPendingConfirmation(ctx context.Context) ([]*models.Invoice, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE broadcasted IS NOT NULL AND confirmed_height IS NULL
		ORDER BY broadcasted
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// SearchFilter narrows an admin invoice search. APIKey is always applied so
// a merchant can only ever list their own invoices.
type SearchFilter struct {
	APIKey     string
	Behavior   models.Behavior
	OriginalID string
	Broadcast  *bool
	Confirmed  *bool
	Offset     int
	Limit      int
}

const searchPageSize = 50

// Search lists invoices matching the filter, newest first, with the total
// match count for pagination. Event logs are not loaded.
func (s *Store) Search(ctx context.Context, f SearchFilter) ([]*models.Invoice, int64, error) {
	where := []string{"api_key=$1"}
	args := []any{f.APIKey}
	if f.Behavior != "" {
		args = append(args, f.Behavior)
		where = append(where, fmt.Sprintf("behavior=$%d", len(args)))
	}
	if f.OriginalID != "" {
		args = append(args, f.OriginalID)
		where = append(where, fmt.Sprintf("original_id=$%d", len(args)))
	}
	if f.Broadcast != nil {
		if *f.Broadcast {
			where = append(where, "broadcasted IS NOT NULL")
		} else {
			where = append(where, "broadcasted IS NULL")
		}
	}
	if f.Confirmed != nil {
		if *f.Confirmed {
			where = append(where, "confirmed_height IS NOT NULL")
		} else {
			where = append(where, "confirmed_height IS NULL")
		}
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM invoices WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > searchPageSize {
		limit = searchPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE `+cond+
			fmt.Sprintf(` ORDER BY created_at DESC OFFSET %d LIMIT %d`, offset, limit),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var invoices []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

func (s *Store) loadEvents(ctx context.Context, invoiceID string) ([]models.Event, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT time, type, status, message, user_agent, ip, request, response
		FROM invoice_events WHERE invoice_id=$1 ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var request, response []byte
		if err := rows.Scan(&ev.Time, &ev.Type, &ev.Status, &ev.Message, &ev.UserAgent, &ev.IP, &request, &response); err != nil {
			return nil, err
		}
		if len(request) > 0 {
			if err := json.Unmarshal(request, &ev.Request); err != nil {
				return nil, fmt.Errorf("decode event request snapshot: %w", err)
			}
		}
		if len(response) > 0 {
			if err := json.Unmarshal(response, &ev.Response); err != nil {
				return nil, fmt.Errorf("decode event response snapshot: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var inv models.Invoice
	var requested, outputs, webhooks, txIDs, refundTo []byte
	err := row.Scan(
		&inv.ID,
		&inv.APIKey,
		&inv.OriginalID,
		&inv.Behavior,
		&inv.Network,
		&requested,
		&outputs,
		&inv.Memo,
		&inv.MerchantData,
		&inv.PrivateData,
		&inv.UserCurrency,
		&webhooks,
		&inv.StaticValidUntil,
		&inv.StaticQuantity,
		&inv.Time,
		&inv.Expires,
		&inv.NativeTotal,
		&inv.BaseCurrency,
		&inv.BaseCurrencyTotal,
		&inv.UserCurrencyTotal,
		&txIDs,
		&refundTo,
		&inv.Broadcasted,
		&inv.ConfirmedHeight,
		&inv.StaticUsed,
		&inv.Data,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{requested, &inv.Requested},
		{outputs, &inv.Outputs},
		{webhooks, &inv.Webhooks},
		{txIDs, &inv.TxIDs},
		{refundTo, &inv.RefundTo},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("decode invoice column: %w", err)
		}
	}
	return &inv, nil
}
