package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
)

type fakeConfirmationStore struct {
	pending []*models.Invoice

	confirmed map[string]int64
	events    map[string][]models.Event
}

func newFakeConfirmationStore(pending ...*models.Invoice) *fakeConfirmationStore {
	return &fakeConfirmationStore{
		pending:   pending,
		confirmed: make(map[string]int64),
		events:    make(map[string][]models.Event),
	}
}

func (f *fakeConfirmationStore) ListPendingConfirmation(ctx context.Context) ([]*models.Invoice, error) {
	return f.pending, nil
}

func (f *fakeConfirmationStore) MarkConfirmed(ctx context.Context, invoiceID string, height int64) (bool, error) {
	if _, ok := f.confirmed[invoiceID]; ok {
		return false, nil
	}
	f.confirmed[invoiceID] = height
	return true, nil
}

func (f *fakeConfirmationStore) AppendEvent(ctx context.Context, invoiceID string, ev models.Event) error {
	f.events[invoiceID] = append(f.events[invoiceID], ev)
	return nil
}

type fakeNotifier struct {
	topics []string
	events []string
}

func (f *fakeNotifier) Notify(topic, event string, fields map[string]any) {
	f.topics = append(f.topics, topic)
	f.events = append(f.events, event)
}

func TestEngineBroadcastReturnsTxIDs(t *testing.T) {
	u := startNode(t, broadcastScript(testTxID))
	cl := connectedCluster(t, 1, u)

	e := &Engine{Cluster: cl, Store: newFakeConfirmationStore(), Domain: "pay.example.com"}
	txIDs, err := e.Broadcast(context.Background(), []string{"0100", "0200"})
	require.NoError(t, err)
	require.Equal(t, []string{testTxID, testTxID}, txIDs)
}

func TestEngineBroadcastRejectsMalformedTxID(t *testing.T) {
	u := startNode(t, broadcastScript("error: txn-mempool-conflict"))
	cl := connectedCluster(t, 1, u)

	e := &Engine{Cluster: cl, Store: newFakeConfirmationStore(), Domain: "pay.example.com"}
	_, err := e.Broadcast(context.Background(), []string{"0100"})
	require.True(t, errs.HasCode(err, errs.CodeBroadcast))
}

func TestEngineBroadcastWholeBatchFails(t *testing.T) {
	calls := 0
	u := startNode(t, func(method string, params []any) (any, error) {
		switch method {
		case "blockchain.headers.subscribe":
			return BlockHeader{Height: 100, Hex: "00"}, nil
		case "blockchain.transaction.broadcast":
			calls++
			if calls > 1 {
				return nil, &rpcTestError{"rejected"}
			}
			return testTxID, nil
		}
		return nil, errUnknownMethod
	})
	cl := connectedCluster(t, 1, u)

	e := &Engine{Cluster: cl, Store: newFakeConfirmationStore(), Domain: "pay.example.com"}
	_, err := e.Broadcast(context.Background(), []string{"0100", "0200"})
	require.True(t, errs.HasCode(err, errs.CodeBroadcast))
}

func confirmationNode(t *testing.T, confirmations int64) *Cluster {
	t.Helper()
	u := startNode(t, func(method string, params []any) (any, error) {
		switch method {
		case "blockchain.headers.subscribe":
			return BlockHeader{Height: 100, Hex: "00"}, nil
		case "blockchain.transaction.get":
			return map[string]any{"txid": testTxID, "confirmations": confirmations}, nil
		}
		return nil, errUnknownMethod
	})
	return connectedCluster(t, 1, u)
}

func TestScanConfirmationsMarksConfirmedInvoices(t *testing.T) {
	inv := &models.Invoice{ID: "inv-1", Network: "main", TxIDs: []string{testTxID}}
	store := newFakeConfirmationStore(inv)
	notifier := &fakeNotifier{}

	e := &Engine{
		Cluster:   confirmationNode(t, 2),
		Store:     store,
		Publisher: notifier,
		Domain:    "pay.example.com",
	}
	e.ScanConfirmations(context.Background(), 101)

	require.Equal(t, int64(101), store.confirmed["inv-1"])
	require.Equal(t, []string{"inv-1"}, notifier.topics)
	require.Equal(t, []string{models.EventConfirmed}, notifier.events)

	events := store.events["inv-1"]
	require.Len(t, events, 1)
	require.Equal(t, models.EventConfirmed, events[0].Type)
	require.Equal(t, models.StatusCompleted, events[0].Status)
}

func TestScanConfirmationsSkipsUnconfirmedTransactions(t *testing.T) {
	inv := &models.Invoice{ID: "inv-1", Network: "main", TxIDs: []string{testTxID}}
	store := newFakeConfirmationStore(inv)

	e := &Engine{Cluster: confirmationNode(t, 0), Store: store, Domain: "pay.example.com"}
	e.ScanConfirmations(context.Background(), 101)

	require.Empty(t, store.confirmed)
	require.Empty(t, store.events["inv-1"])
}

func TestScanConfirmationsIsolatesFailures(t *testing.T) {
	broken := &models.Invoice{ID: "inv-broken", Network: "main", TxIDs: []string{"unknown"}}
	healthy := &models.Invoice{ID: "inv-ok", Network: "main", TxIDs: []string{testTxID}}
	store := newFakeConfirmationStore(broken, healthy)

	u := startNode(t, func(method string, params []any) (any, error) {
		switch method {
		case "blockchain.headers.subscribe":
			return BlockHeader{Height: 100, Hex: "00"}, nil
		case "blockchain.transaction.get":
			if len(params) > 0 && params[0] == "unknown" {
				return nil, &rpcTestError{"No such mempool or blockchain transaction."}
			}
			return map[string]any{"txid": testTxID, "confirmations": int64(3)}, nil
		}
		return nil, errUnknownMethod
	})
	e := &Engine{Cluster: connectedCluster(t, 1, u), Store: store, Domain: "pay.example.com"}
	e.ScanConfirmations(context.Background(), 101)

	require.Equal(t, int64(101), store.confirmed["inv-ok"], "one broken invoice must not stop the scan")
	require.NotContains(t, store.confirmed, "inv-broken")

	events := store.events["inv-broken"]
	require.Len(t, events, 1)
	require.Equal(t, models.StatusFailed, events[0].Status)
}
