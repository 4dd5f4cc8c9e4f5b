package protocol

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
)

func TestBIP70BuildPaymentRequest(t *testing.T) {
	inv := testInvoice()
	b := &BIP70{Pipeline: testPipeline(newFakeStore(), &fakeBroadcaster{}, nil), Domain: "pay.example.com"}

	resp, err := b.BuildPaymentRequest(context.Background(), inv)
	require.NoError(t, err)
	require.True(t, resp.Binary)
	require.Equal(t, BIP70RequestType, resp.Headers["Content-Type"])
	require.Equal(t, "binary", resp.Headers["Content-Transfer-Encoding"])

	req, err := parseRequest(resp.Body)
	require.NoError(t, err)
	require.Equal(t, uint32(1), req.Version)
	require.Equal(t, "none", req.PkiType)
	require.Empty(t, req.Signature)

	details, err := parseDetails(req.SerializedDetails)
	require.NoError(t, err)
	require.Equal(t, "main", details.Network)
	require.Equal(t, uint64(inv.Time), details.Time)
	require.Equal(t, uint64(inv.Expires), details.Expires)
	require.Equal(t, "coffee", details.Memo)
	require.Equal(t, "https://pay.example.com/invoice/pay/inv-1", details.PaymentURL)
	require.Len(t, details.Outputs, 1)
	require.Equal(t, uint64(1000), details.Outputs[0].Amount)
	require.Equal(t, scriptHex, hex.EncodeToString(details.Outputs[0].Script))
}

func TestBIP70VerifyAndAcknowledge(t *testing.T) {
	store := newFakeStore()
	inv := testInvoice()
	b := &BIP70{
		Pipeline: testPipeline(store, &fakeBroadcaster{}, nil),
		Domain:   "pay.example.com",
		PaidMemo: "Thanks!",
	}

	refundScript, err := hex.DecodeString(scriptHex)
	require.NoError(t, err)
	payment := marshalPayment(bip70Payment{
		Transactions: [][]byte{payingTx(t, inv.Outputs...)},
		RefundTo:     []bip70Output{{Amount: 900, Script: refundScript}},
		Memo:         "from my wallet",
	})

	resp, err := b.VerifyAndAcknowledge(context.Background(), inv, payment)
	require.NoError(t, err)
	require.Equal(t, BIP70AckType, resp.Headers["Content-Type"])

	ack, err := parseAck(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payment, ack.Payment)
	require.Equal(t, "Thanks!", ack.Memo)

	require.Len(t, store.markedTxIDs, 1)
	require.Len(t, store.refundTo, 1)
	require.Equal(t, int64(900), store.refundTo[0].Amount)
	require.Equal(t, scriptHex, store.refundTo[0].Script)
}

func TestBIP70RejectsMismatchedPayment(t *testing.T) {
	inv := testInvoice()
	b := &BIP70{Pipeline: testPipeline(newFakeStore(), &fakeBroadcaster{}, nil), Domain: "pay.example.com"}

	payment := marshalPayment(bip70Payment{
		Transactions: [][]byte{payingTx(t, models.Output{Amount: 1, Script: scriptHex})},
	})
	_, err := b.VerifyAndAcknowledge(context.Background(), inv, payment)
	require.True(t, errs.HasCode(err, errs.CodeProtocolMismatch))
}

func TestBIP70RejectsEmptyPayment(t *testing.T) {
	inv := testInvoice()
	b := &BIP70{Pipeline: testPipeline(newFakeStore(), &fakeBroadcaster{}, nil), Domain: "pay.example.com"}

	_, err := b.VerifyAndAcknowledge(context.Background(), inv, marshalPayment(bip70Payment{}))
	require.True(t, errs.HasCode(err, errs.CodeValidation))
}

func TestBIP70RejectsOversizedRefund(t *testing.T) {
	inv := testInvoice()
	b := &BIP70{Pipeline: testPipeline(newFakeStore(), &fakeBroadcaster{}, nil), Domain: "pay.example.com"}

	refundScript, err := hex.DecodeString(scriptHex)
	require.NoError(t, err)
	payment := marshalPayment(bip70Payment{
		Transactions: [][]byte{payingTx(t, inv.Outputs...)},
		RefundTo:     []bip70Output{{Amount: uint64(inv.NativeTotal) + 1, Script: refundScript}},
	})
	_, err = b.VerifyAndAcknowledge(context.Background(), inv, payment)
	require.True(t, errs.HasCode(err, errs.CodeValidation))
}

func TestBIP70WireRoundTrip(t *testing.T) {
	payment := bip70Payment{
		MerchantData: []byte("order-77"),
		Transactions: [][]byte{{0x01, 0x02}, {0x03}},
		RefundTo:     []bip70Output{{Amount: 42, Script: []byte{0x51}}},
		Memo:         "memo",
	}
	decoded, err := parsePayment(marshalPayment(payment))
	require.NoError(t, err)
	require.Equal(t, payment, decoded)
}
