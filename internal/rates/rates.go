package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"bchgateway/internal/errs"
)

const SatoshisPerBCH = 100_000_000

// Amount is a strictly parsed output amount: either a plain satoshi value
// (Currency empty) or a value in a fiat/crypto currency code.
type Amount struct {
	Value    float64
	Currency string
}

var amountPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([A-Z]{3,4})$`)

// ParseAmount accepts "12345" (satoshis) or "<decimal><CODE>" such as
// "10USD". Anything else is rejected rather than best-effort parsed.
func ParseAmount(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Amount{}, errs.Validation("output amount is empty")
	}
	if sats, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if sats < 0 {
			return Amount{}, errs.Validation("output amount must not be negative")
		}
		return Amount{Value: float64(sats)}, nil
	}
	m := amountPattern.FindStringSubmatch(raw)
	if m == nil {
		return Amount{}, errs.Validation("invalid output amount %q", raw)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Amount{}, errs.Validation("invalid output amount %q", raw)
	}
	return Amount{Value: value, Currency: m[2]}, nil
}

// Snapshot is one immutable rate table. The service replaces it wholesale on
// refresh so concurrent readers never observe a half-updated table.
type Snapshot struct {
	Rates   map[string]float64
	Fetched time.Time
	Source  string
}

type Service struct {
	BaseCurrency string
	Endpoint     string
	Interval     time.Duration

	client *http.Client

	mu   sync.RWMutex
	snap *Snapshot
}

const defaultEndpoint = "https://api.coinbase.com/v2/exchange-rates?currency=BCH"

func New(baseCurrency string, interval time.Duration) *Service {
	return &Service{
		BaseCurrency: baseCurrency,
		Endpoint:     defaultEndpoint,
		Interval:     interval,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// NewStatic returns a service with a fixed table and no refresh loop.
func NewStatic(baseCurrency string, table map[string]float64) *Service {
	s := New(baseCurrency, 0)
	s.snap = &Snapshot{Rates: table, Fetched: time.Now().UTC(), Source: "static"}
	return s
}

// Run refreshes the table until ctx is cancelled. Refresh failures keep the
// previous snapshot.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil {
			log.Printf("rates refresh failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rates http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Data struct {
			Rates map[string]string `json:"rates"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	if len(payload.Data.Rates) == 0 {
		return errors.New("rates response contained no rates")
	}

	table := make(map[string]float64, len(payload.Data.Rates))
	for code, raw := range payload.Data.Rates {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate <= 0 {
			continue
		}
		table[code] = rate
	}

	s.mu.Lock()
	s.snap = &Snapshot{Rates: table, Fetched: time.Now().UTC(), Source: s.Endpoint}
	s.mu.Unlock()
	return nil
}

func (s *Service) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return nil, errors.New("rates are not available yet")
	}
	return s.snap, nil
}

// ToNative resolves an amount to satoshis using the current snapshot.
func (s *Service) ToNative(a Amount) (int64, error) {
	if a.Currency == "" {
		return int64(math.Round(a.Value)), nil
	}
	snap, err := s.Snapshot()
	if err != nil {
		return 0, err
	}
	rate, ok := snap.Rates[a.Currency]
	if !ok {
		return 0, errs.UnsupportedCurrency(a.Currency)
	}
	return int64(math.Round(a.Value / rate * SatoshisPerBCH)), nil
}

// FromNative converts satoshis into the given currency.
func (s *Service) FromNative(sats int64, currency string) (float64, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return 0, err
	}
	rate, ok := snap.Rates[currency]
	if !ok {
		return 0, errs.UnsupportedCurrency(currency)
	}
	return float64(sats) / SatoshisPerBCH * rate, nil
}
